package health

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fleetgate/fleetgate"
	"github.com/fleetgate/fleetgate/monitoring"
	"github.com/fleetgate/fleetgate/registry"
)

func newTestProber(t *testing.T) (*Prober, *registry.Registry, *clock.Mock) {
	t.Helper()
	logger := zap.NewNop().Sugar()
	mockClock := clock.NewMock()
	reg := registry.NewWithClock(registry.Config{
		AutoApprove:      true,
		RegisterTimeout:  10 * time.Minute,
		OfflineThreshold: 2,
	}, nil, logger, mockClock)
	prober := NewProberWithClock(reg, Config{
		ProbeInterval: 30 * time.Second,
		ProbeTimeout:  5 * time.Second,
	}, nil, logger, mockClock)
	return prober, reg, mockClock
}

func register(t *testing.T, reg *registry.Registry, baseUrl string) fleetgate.Endpoint {
	t.Helper()
	endpoint, err := reg.Register(registry.RegisterRequest{
		Name:         "node-a",
		BaseUrl:      baseUrl,
		Capabilities: []fleetgate.Capability{fleetgate.CapabilityChatCompletion},
	})
	require.NoError(t, err)
	return endpoint
}

func TestProbeSuccess(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/models", r.URL.Path)
		w.Write([]byte(`{"data":[]}`))
	}))
	defer origin.Close()

	prober, reg, _ := newTestProber(t)
	endpoint := register(t, reg, origin.URL)

	result := prober.Probe(context.Background(), endpoint)
	assert.True(t, result.Success)
	assert.False(t, result.Fatal)
	assert.Equal(t, endpoint.Id, result.EndpointId)
}

func TestProbeSendsBearerFromEnv(t *testing.T) {
	var gotAuth string
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusOK)
	}))
	defer origin.Close()

	t.Setenv("NODE_A_API_KEY", "node-secret")
	prober, reg, _ := newTestProber(t)
	endpoint, err := reg.Register(registry.RegisterRequest{
		Name:         "node-a",
		BaseUrl:      origin.URL,
		ApiKeyEnv:    "NODE_A_API_KEY",
		Capabilities: []fleetgate.Capability{fleetgate.CapabilityChatCompletion},
	})
	require.NoError(t, err)

	result := prober.Probe(context.Background(), endpoint)
	assert.True(t, result.Success)
	assert.Equal(t, "Bearer node-secret", gotAuth)
}

func TestProbeServerError(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer origin.Close()

	prober, reg, _ := newTestProber(t)
	endpoint := register(t, reg, origin.URL)

	result := prober.Probe(context.Background(), endpoint)
	assert.False(t, result.Success)
	assert.False(t, result.Fatal)
	assert.Contains(t, result.Error, "500")
}

func TestProbeUnauthorizedIsFatal(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer origin.Close()

	prober, reg, _ := newTestProber(t)
	endpoint := register(t, reg, origin.URL)

	result := prober.Probe(context.Background(), endpoint)
	assert.False(t, result.Success)
	assert.True(t, result.Fatal)
}

func TestProbeConnectionRefused(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	origin.Close()

	prober, reg, _ := newTestProber(t)
	endpoint := register(t, reg, origin.URL)

	result := prober.Probe(context.Background(), endpoint)
	assert.False(t, result.Success)
	assert.NotEmpty(t, result.Error)
}

func TestCheckAllSettlesFleet(t *testing.T) {
	healthy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer healthy.Close()
	broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer broken.Close()

	prober, reg, _ := newTestProber(t)
	good, err := reg.Register(registry.RegisterRequest{
		Name:         "node-good",
		BaseUrl:      healthy.URL,
		Capabilities: []fleetgate.Capability{fleetgate.CapabilityChatCompletion},
	})
	require.NoError(t, err)
	bad, err := reg.Register(registry.RegisterRequest{
		Name:         "node-bad",
		BaseUrl:      broken.URL,
		Capabilities: []fleetgate.Capability{fleetgate.CapabilityChatCompletion},
	})
	require.NoError(t, err)

	prober.CheckAll(context.Background())

	goodState, err := reg.Get(good.Id)
	require.NoError(t, err)
	assert.Equal(t, fleetgate.StatusOnline, goodState.Status)

	badState, err := reg.Get(bad.Id)
	require.NoError(t, err)
	assert.Equal(t, fleetgate.StatusError, badState.Status)
}

func TestCheckAllCountsProbeOutcomes(t *testing.T) {
	healthy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer healthy.Close()
	broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer broken.Close()

	logger := zap.NewNop().Sugar()
	mockClock := clock.NewMock()
	reg := registry.NewWithClock(registry.Config{
		AutoApprove:      true,
		RegisterTimeout:  10 * time.Minute,
		OfflineThreshold: 2,
	}, nil, logger, mockClock)
	monitor, err := monitoring.NewPrometheusMonitor("health_test")
	require.NoError(t, err)
	prober := NewProberWithClock(reg, Config{
		ProbeInterval: 30 * time.Second,
		ProbeTimeout:  5 * time.Second,
	}, monitor, logger, mockClock)

	register(t, reg, healthy.URL)
	_, err = reg.Register(registry.RegisterRequest{
		Name:         "node-b",
		BaseUrl:      broken.URL,
		Capabilities: []fleetgate.Capability{fleetgate.CapabilityChatCompletion},
	})
	require.NoError(t, err)

	prober.CheckAll(context.Background())

	recorder := httptest.NewRecorder()
	monitor.GetHandler().ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := recorder.Body.String()
	assert.Contains(t, body, `health_test_probes_total{outcome="success"} 1`)
	assert.Contains(t, body, `health_test_probes_total{outcome="failure"} 1`)
}

func TestTickHonorsPerEndpointCadence(t *testing.T) {
	var hits int
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.WriteHeader(http.StatusOK)
	}))
	defer origin.Close()

	prober, reg, mockClock := newTestProber(t)
	_, err := reg.Register(registry.RegisterRequest{
		Name:                "node-a",
		BaseUrl:             origin.URL,
		Capabilities:        []fleetgate.Capability{fleetgate.CapabilityChatCompletion},
		HealthCheckInterval: 5 * time.Minute,
	})
	require.NoError(t, err)

	prober.tick(context.Background())
	assert.Equal(t, 1, hits)

	// Fleet cadence has passed but the endpoint's own interval has not.
	mockClock.Add(30 * time.Second)
	prober.tick(context.Background())
	assert.Equal(t, 1, hits)

	mockClock.Add(5 * time.Minute)
	prober.tick(context.Background())
	assert.Equal(t, 2, hits)
}
