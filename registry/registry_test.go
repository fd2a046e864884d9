package registry

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fleetgate/fleetgate"
	"github.com/fleetgate/fleetgate/utils"
)

func newTestRegistry(config Config) (*Registry, *clock.Mock) {
	mockClock := clock.NewMock()
	if config.OfflineThreshold == 0 {
		config.OfflineThreshold = 2
	}
	if config.RegisterTimeout == 0 {
		config.RegisterTimeout = 10 * time.Minute
	}
	return NewWithClock(config, nil, zap.NewNop().Sugar(), mockClock), mockClock
}

func chatRequest(name string, baseUrl string) RegisterRequest {
	return RegisterRequest{
		Name:         name,
		BaseUrl:      baseUrl,
		Capabilities: []fleetgate.Capability{fleetgate.CapabilityChatCompletion},
	}
}

func TestRegisterCreatesPendingEndpoint(t *testing.T) {
	reg, _ := newTestRegistry(Config{})

	endpoint, err := reg.Register(chatRequest("node-a", "http://10.0.0.1:8000"))
	require.NoError(t, err)
	assert.Equal(t, fleetgate.StatusPending, endpoint.Status)
	assert.False(t, endpoint.Approved)
	assert.False(t, endpoint.Selectable())
}

func TestRegisterAutoApprove(t *testing.T) {
	reg, _ := newTestRegistry(Config{AutoApprove: true})

	endpoint, err := reg.Register(chatRequest("node-a", "http://10.0.0.1:8000"))
	require.NoError(t, err)
	assert.Equal(t, fleetgate.StatusRegistering, endpoint.Status)
	assert.True(t, endpoint.Approved)
}

func TestRegisterRejectsDuplicates(t *testing.T) {
	reg, _ := newTestRegistry(Config{})
	_, err := reg.Register(chatRequest("node-a", "http://10.0.0.1:8000"))
	require.NoError(t, err)

	// Same base URL modulo a trailing slash.
	_, err = reg.Register(chatRequest("node-b", "http://10.0.0.1:8000/"))
	assert.ErrorIs(t, err, fleetgate.ErrDuplicateEndpoint)

	// Same name modulo case.
	_, err = reg.Register(chatRequest("Node-A", "http://10.0.0.2:8000"))
	assert.ErrorIs(t, err, fleetgate.ErrDuplicateEndpoint)
}

func TestApproveThenHealthSuccessBringsEndpointOnline(t *testing.T) {
	reg, _ := newTestRegistry(Config{})

	endpoint, err := reg.Register(chatRequest("node-a", "http://10.0.0.1:8000"))
	require.NoError(t, err)

	approved, err := reg.Approve(endpoint.Id)
	require.NoError(t, err)
	assert.Equal(t, fleetgate.StatusRegistering, approved.Status)

	require.NoError(t, reg.RecordProbe(fleetgate.ProbeResult{
		EndpointId: endpoint.Id,
		Success:    true,
		Latency:    30 * time.Millisecond,
	}))

	online, err := reg.Get(endpoint.Id)
	require.NoError(t, err)
	assert.Equal(t, fleetgate.StatusOnline, online.Status)
	assert.True(t, online.Selectable())

	candidates := reg.Candidates(fleetgate.CapabilityChatCompletion, "", 24*time.Hour)
	require.Len(t, candidates, 1)
	assert.Equal(t, endpoint.Id, candidates[0].Id)
}

func TestApproveIsIdempotent(t *testing.T) {
	reg, _ := newTestRegistry(Config{})
	endpoint, _ := reg.Register(chatRequest("node-a", "http://10.0.0.1:8000"))

	_, err := reg.Approve(endpoint.Id)
	require.NoError(t, err)
	again, err := reg.Approve(endpoint.Id)
	require.NoError(t, err)
	assert.Equal(t, fleetgate.StatusRegistering, again.Status)
}

func TestApproveUnknownEndpoint(t *testing.T) {
	reg, _ := newTestRegistry(Config{})
	_, err := reg.Approve(uuid.New())
	assert.ErrorIs(t, err, fleetgate.ErrEndpointNotFound)
}

func TestSuccessWithoutApprovalStaysPending(t *testing.T) {
	reg, _ := newTestRegistry(Config{})
	endpoint, _ := reg.Register(chatRequest("node-a", "http://10.0.0.1:8000"))

	require.NoError(t, reg.RecordProbe(fleetgate.ProbeResult{EndpointId: endpoint.Id, Success: true}))

	pending, _ := reg.Get(endpoint.Id)
	assert.Equal(t, fleetgate.StatusPending, pending.Status)
	assert.Empty(t, reg.Candidates(fleetgate.CapabilityChatCompletion, "", 24*time.Hour))
}

func onlineEndpoint(t *testing.T, reg *Registry, name string, baseUrl string) fleetgate.Endpoint {
	t.Helper()
	endpoint, err := reg.Register(chatRequest(name, baseUrl))
	require.NoError(t, err)
	_, err = reg.Approve(endpoint.Id)
	require.NoError(t, err)
	require.NoError(t, reg.RecordProbe(fleetgate.ProbeResult{EndpointId: endpoint.Id, Success: true}))
	online, err := reg.Get(endpoint.Id)
	require.NoError(t, err)
	require.Equal(t, fleetgate.StatusOnline, online.Status)
	return online
}

func TestSingleFailureDoesNotFlipOnline(t *testing.T) {
	reg, _ := newTestRegistry(Config{})
	endpoint := onlineEndpoint(t, reg, "node-a", "http://10.0.0.1:8000")

	require.NoError(t, reg.RecordProbe(fleetgate.ProbeResult{EndpointId: endpoint.Id, Success: false, Error: "timeout"}))
	current, _ := reg.Get(endpoint.Id)
	assert.Equal(t, fleetgate.StatusOnline, current.Status)
	assert.Equal(t, 1, current.ConsecutiveFailures)

	require.NoError(t, reg.RecordProbe(fleetgate.ProbeResult{EndpointId: endpoint.Id, Success: false, Error: "timeout"}))
	current, _ = reg.Get(endpoint.Id)
	assert.Equal(t, fleetgate.StatusOffline, current.Status)
	assert.Equal(t, 2, current.ConsecutiveFailures)
}

func TestSuccessResetsFailureCountAndRevives(t *testing.T) {
	reg, _ := newTestRegistry(Config{})
	endpoint := onlineEndpoint(t, reg, "node-a", "http://10.0.0.1:8000")

	reg.RecordProbe(fleetgate.ProbeResult{EndpointId: endpoint.Id, Success: false, Error: "timeout"})
	reg.RecordProbe(fleetgate.ProbeResult{EndpointId: endpoint.Id, Success: false, Error: "timeout"})

	require.NoError(t, reg.RecordProbe(fleetgate.ProbeResult{EndpointId: endpoint.Id, Success: true}))
	current, _ := reg.Get(endpoint.Id)
	assert.Equal(t, fleetgate.StatusOnline, current.Status)
	assert.Equal(t, 0, current.ConsecutiveFailures)
	assert.Empty(t, current.LastError)
}

func TestStatusListenerFiresOnOffline(t *testing.T) {
	reg, _ := newTestRegistry(Config{})
	var transitions []fleetgate.EndpointStatus
	reg.OnStatusChange(func(endpointId uuid.UUID, from, to fleetgate.EndpointStatus) {
		transitions = append(transitions, to)
	})

	endpoint := onlineEndpoint(t, reg, "node-a", "http://10.0.0.1:8000")
	reg.RecordProbe(fleetgate.ProbeResult{EndpointId: endpoint.Id, Success: false})
	reg.RecordProbe(fleetgate.ProbeResult{EndpointId: endpoint.Id, Success: false})

	assert.Equal(t, []fleetgate.EndpointStatus{
		fleetgate.StatusRegistering,
		fleetgate.StatusOnline,
		fleetgate.StatusOffline,
	}, transitions)
}

func TestFatalProbeParksEndpointInError(t *testing.T) {
	reg, _ := newTestRegistry(Config{})
	endpoint := onlineEndpoint(t, reg, "node-a", "http://10.0.0.1:8000")

	require.NoError(t, reg.RecordProbe(fleetgate.ProbeResult{
		EndpointId: endpoint.Id,
		Success:    false,
		Error:      "probe got HTTP 404",
		Fatal:      true,
	}))
	current, _ := reg.Get(endpoint.Id)
	assert.Equal(t, fleetgate.StatusError, current.Status)

	// Further probe results are ignored until an operator steps in.
	require.NoError(t, reg.RecordProbe(fleetgate.ProbeResult{EndpointId: endpoint.Id, Success: true}))
	current, _ = reg.Get(endpoint.Id)
	assert.Equal(t, fleetgate.StatusError, current.Status)
}

func TestExpireRegistering(t *testing.T) {
	reg, mockClock := newTestRegistry(Config{RegisterTimeout: 10 * time.Minute})
	endpoint, _ := reg.Register(chatRequest("node-a", "http://10.0.0.1:8000"))
	_, err := reg.Approve(endpoint.Id)
	require.NoError(t, err)

	mockClock.Add(5 * time.Minute)
	reg.ExpireRegistering()
	current, _ := reg.Get(endpoint.Id)
	assert.Equal(t, fleetgate.StatusRegistering, current.Status)

	mockClock.Add(6 * time.Minute)
	reg.ExpireRegistering()
	current, _ = reg.Get(endpoint.Id)
	assert.Equal(t, fleetgate.StatusOffline, current.Status)
}

func TestRejectRemovesAnyState(t *testing.T) {
	reg, _ := newTestRegistry(Config{})

	pending, _ := reg.Register(chatRequest("node-b", "http://10.0.0.2:8000"))
	require.NoError(t, reg.Reject(pending.Id))
	_, err := reg.Get(pending.Id)
	assert.ErrorIs(t, err, fleetgate.ErrEndpointNotFound)

	// Rejection is terminal from any state and cascades like removal.
	endpoint := onlineEndpoint(t, reg, "node-a", "http://10.0.0.1:8000")
	require.NoError(t, reg.RecordProbe(fleetgate.ProbeResult{
		EndpointId: endpoint.Id,
		Success:    true,
		Models:     []fleetgate.ModelReport{{Model: "llama3", Capability: fleetgate.CapabilityChatCompletion}},
	}))
	require.NoError(t, reg.Reject(endpoint.Id))
	assert.Empty(t, reg.Routes(endpoint.Id))
	assert.Empty(t, reg.Candidates(fleetgate.CapabilityChatCompletion, "llama3", 24*time.Hour))

	// Rejecting again is a no-op.
	require.NoError(t, reg.Reject(endpoint.Id))
}

func TestRemoveCascadesAndIsIdempotent(t *testing.T) {
	reg, _ := newTestRegistry(Config{})
	var removed []uuid.UUID
	reg.OnRemoval(func(endpointId uuid.UUID) {
		removed = append(removed, endpointId)
	})

	endpoint := onlineEndpoint(t, reg, "node-a", "http://10.0.0.1:8000")
	require.NoError(t, reg.RecordProbe(fleetgate.ProbeResult{
		EndpointId: endpoint.Id,
		Success:    true,
		Models:     []fleetgate.ModelReport{{Model: "llama3", Capability: fleetgate.CapabilityChatCompletion}},
	}))
	require.Len(t, reg.Routes(endpoint.Id), 1)

	require.NoError(t, reg.Remove(endpoint.Id))
	assert.Empty(t, reg.Routes(endpoint.Id))
	assert.Empty(t, reg.Candidates(fleetgate.CapabilityChatCompletion, "llama3", 24*time.Hour))
	require.NoError(t, reg.Remove(endpoint.Id))
	assert.Equal(t, []uuid.UUID{endpoint.Id}, removed)

	// The slot is free again.
	_, err := reg.Register(chatRequest("node-a", "http://10.0.0.1:8000"))
	assert.NoError(t, err)
}

func TestCandidatesFilterStaleModelRoutes(t *testing.T) {
	reg, mockClock := newTestRegistry(Config{})
	endpoint := onlineEndpoint(t, reg, "node-a", "http://10.0.0.1:8000")
	require.NoError(t, reg.RecordProbe(fleetgate.ProbeResult{
		EndpointId: endpoint.Id,
		Success:    true,
		Models:     []fleetgate.ModelReport{{Model: "llama3", Capability: fleetgate.CapabilityChatCompletion}},
	}))

	assert.Len(t, reg.Candidates(fleetgate.CapabilityChatCompletion, "llama3", 24*time.Hour), 1)

	mockClock.Add(25 * time.Hour)
	assert.Empty(t, reg.Candidates(fleetgate.CapabilityChatCompletion, "llama3", 24*time.Hour))

	// Capability-only selection is unaffected by route staleness, but a
	// fresh heartbeat restores the model route.
	assert.Len(t, reg.Candidates(fleetgate.CapabilityChatCompletion, "", 24*time.Hour), 1)
	require.NoError(t, reg.RecordProbe(fleetgate.ProbeResult{
		EndpointId: endpoint.Id,
		Success:    true,
		Models:     []fleetgate.ModelReport{{Model: "llama3", Capability: fleetgate.CapabilityChatCompletion}},
	}))
	assert.Len(t, reg.Candidates(fleetgate.CapabilityChatCompletion, "llama3", 24*time.Hour), 1)
}

func TestSeedDowngradesOnlineToRegistering(t *testing.T) {
	reg, _ := newTestRegistry(Config{})
	endpointId := uuid.New()
	reg.Seed([]fleetgate.Endpoint{
		{
			Id:           endpointId,
			Name:         "node-a",
			BaseUrl:      "http://10.0.0.1:8000",
			Capabilities: []fleetgate.Capability{fleetgate.CapabilityChatCompletion},
			Status:       fleetgate.StatusOnline,
			Approved:     true,
		},
	}, []fleetgate.ModelRoute{
		{EndpointId: endpointId, Model: "llama3", Capability: fleetgate.CapabilityChatCompletion},
	})

	seeded, err := reg.Get(endpointId)
	require.NoError(t, err)
	assert.Equal(t, fleetgate.StatusRegistering, seeded.Status)
	require.Len(t, reg.Routes(endpointId), 1)

	// A duplicate registration is still detected after seeding.
	_, err = reg.Register(chatRequest("node-a", "http://10.0.0.1:8000"))
	assert.ErrorIs(t, err, fleetgate.ErrDuplicateEndpoint)
}

func TestUpdateSettings(t *testing.T) {
	reg, _ := newTestRegistry(Config{})
	endpoint, _ := reg.Register(chatRequest("node-a", "http://10.0.0.1:8000"))

	updated, err := reg.Update(endpoint.Id, UpdateRequest{
		Name:             utils.ToPtr("node-a-renamed"),
		Notes:            utils.ToPtr("rack 4"),
		HardwareScore:    utils.ToPtr(80.0),
		InferenceTimeout: utils.ToPtr(90 * time.Second),
	})
	require.NoError(t, err)
	assert.Equal(t, "node-a-renamed", updated.Name)
	assert.Equal(t, "rack 4", updated.Notes)
	assert.Equal(t, 80.0, updated.HardwareScore)
	assert.Equal(t, 90*time.Second, updated.InferenceTimeout)

	// The old name is released for reuse.
	_, err = reg.Register(chatRequest("node-a", "http://10.0.0.9:8000"))
	assert.NoError(t, err)
}
