// Package health checks endpoint reachability. Probes pull a lightweight
// endpoint API route on a fixed cadence; endpoints can additionally push
// heartbeats through the HTTP surface, which land in the same place.
package health

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fleetgate/fleetgate"
	"github.com/fleetgate/fleetgate/monitoring"
	"github.com/fleetgate/fleetgate/registry"
)

type Config struct {
	// Fleet default cadence; endpoints may declare a longer one.
	ProbeInterval time.Duration

	// Per-probe HTTP timeout.
	ProbeTimeout time.Duration
}

type Prober struct {
	registry *registry.Registry
	config   Config
	client   *http.Client
	monitor  *monitoring.PrometheusMonitor
	clock    clock.Clock
	logger   *zap.SugaredLogger

	mu        sync.Mutex
	lastProbe map[uuid.UUID]time.Time
}

func NewProber(reg *registry.Registry, config Config, monitor *monitoring.PrometheusMonitor, logger *zap.SugaredLogger) *Prober {
	return NewProberWithClock(reg, config, monitor, logger, clock.New())
}

func NewProberWithClock(
	reg *registry.Registry,
	config Config,
	monitor *monitoring.PrometheusMonitor,
	logger *zap.SugaredLogger,
	clk clock.Clock,
) *Prober {
	return &Prober{
		registry:  reg,
		config:    config,
		client:    &http.Client{Timeout: config.ProbeTimeout},
		monitor:   monitor,
		clock:     clk,
		logger:    logger,
		lastProbe: make(map[uuid.UUID]time.Time),
	}
}

// Probe performs one health check against an endpoint and returns the
// outcome without recording it.
func (p *Prober) Probe(ctx context.Context, endpoint fleetgate.Endpoint) fleetgate.ProbeResult {
	result := fleetgate.ProbeResult{EndpointId: endpoint.Id}

	request, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint.BaseUrl+"/v1/models", nil)
	if err != nil {
		result.Error = fmt.Sprintf("invalid probe request: %v", err)
		return result
	}
	if endpoint.ApiKeyEnv != "" {
		if apiKey := os.Getenv(endpoint.ApiKeyEnv); apiKey != "" {
			request.Header.Set("Authorization", "Bearer "+apiKey)
		}
	}

	started := p.clock.Now()
	response, err := p.client.Do(request)
	if err != nil {
		result.Error = err.Error()
		return result
	}
	defer response.Body.Close()

	switch {
	case response.StatusCode >= 200 && response.StatusCode < 300:
		result.Success = true
		result.Latency = p.clock.Now().Sub(started)
	case response.StatusCode == http.StatusUnauthorized || response.StatusCode == http.StatusNotFound:
		// Wrong credentials or wrong API surface will not fix themselves.
		result.Error = fmt.Sprintf("probe got HTTP %d", response.StatusCode)
		result.Fatal = true
	default:
		result.Error = fmt.Sprintf("probe got HTTP %d", response.StatusCode)
	}
	return result
}

// CheckAll probes every endpoint in parallel and records the outcomes.
// Run once at startup so seeded endpoints settle into their real state
// before the first selection.
func (p *Prober) CheckAll(ctx context.Context) {
	endpoints := p.registry.List()
	var wg sync.WaitGroup
	for _, endpoint := range endpoints {
		if endpoint.Status == fleetgate.StatusError {
			continue
		}
		wg.Add(1)
		go func(endpoint fleetgate.Endpoint) {
			defer wg.Done()
			p.check(ctx, endpoint)
		}(endpoint)
	}
	wg.Wait()
}

func (p *Prober) check(ctx context.Context, endpoint fleetgate.Endpoint) {
	result := p.Probe(ctx, endpoint)
	if p.monitor != nil {
		p.monitor.RecordProbe(result.Success)
	}

	p.mu.Lock()
	p.lastProbe[endpoint.Id] = p.clock.Now()
	p.mu.Unlock()

	if err := p.registry.RecordProbe(result); err != nil {
		// The endpoint was removed while the probe was in flight.
		return
	}
	if !result.Success {
		p.logger.Debugw("Probe failed",
			"endpoint", endpoint.Id, "name", endpoint.Name, "error", result.Error)
	}
}

// tick probes every endpoint that is due per its own cadence.
func (p *Prober) tick(ctx context.Context) {
	now := p.clock.Now()
	endpoints := p.registry.List()

	var wg sync.WaitGroup
	for _, endpoint := range endpoints {
		if endpoint.Status == fleetgate.StatusError {
			continue
		}

		interval := endpoint.HealthCheckInterval
		if interval <= 0 {
			interval = p.config.ProbeInterval
		}
		p.mu.Lock()
		last, probed := p.lastProbe[endpoint.Id]
		p.mu.Unlock()
		if probed && now.Sub(last) < interval {
			continue
		}

		wg.Add(1)
		go func(endpoint fleetgate.Endpoint) {
			defer wg.Done()
			p.check(ctx, endpoint)
		}(endpoint)
	}
	wg.Wait()

	p.registry.ExpireRegistering()
	p.prune(endpoints)
}

// prune drops probe timestamps of endpoints that no longer exist.
func (p *Prober) prune(endpoints []fleetgate.Endpoint) {
	known := make(map[uuid.UUID]bool, len(endpoints))
	for _, endpoint := range endpoints {
		known[endpoint.Id] = true
	}
	p.mu.Lock()
	for endpointId := range p.lastProbe {
		if !known[endpointId] {
			delete(p.lastProbe, endpointId)
		}
	}
	p.mu.Unlock()
}

// Start runs the probe loop. Returns a stop function.
func (p *Prober) Start(ctx context.Context) func() {
	ticker := p.clock.Ticker(p.config.ProbeInterval)
	done := make(chan bool)

	go func() {
		for {
			select {
			case <-ticker.C:
				p.tick(ctx)
			case <-done:
				ticker.Stop()
				return
			}
		}
	}()

	return func() {
		close(done)
	}
}
