// Package balancer picks one endpoint for each request. Selection degrades
// gracefully as telemetry disappears: full metrics, then partial, then
// static hardware scores, then plain round-robin. As long as one eligible
// endpoint exists, a decision is always made.
package balancer

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fleetgate/fleetgate"
	"github.com/fleetgate/fleetgate/metrics"
	"github.com/fleetgate/fleetgate/registry"
)

// Level names the rung of the degradation ladder a selection used.
type Level string

const (
	LevelFull       Level = "full"
	LevelPartial    Level = "partial"
	LevelActiveOnly Level = "active_only"
	LevelStatic     Level = "static"
	LevelRoundRobin Level = "round_robin"
)

// Selection is the outcome of one routing decision.
type Selection struct {
	Endpoint fleetgate.Endpoint
	Level    Level
}

type candidate struct {
	endpoint fleetgate.Endpoint
	snapshot metrics.LoadSnapshot

	// Round-robin rank derived from the per-capability cursor; lower
	// ranks are preferred so repeated ties rotate through the fleet.
	rank int

	hasMetrics bool
	hasLatency bool
	hasScore   bool
}

type Balancer struct {
	registry *registry.Registry
	tracker  *metrics.Tracker

	// Model routes older than this are not trusted for routing.
	routeStaleness time.Duration

	cursorMu sync.Mutex
	cursors  map[fleetgate.Capability]uint64

	logger *zap.SugaredLogger
}

func New(reg *registry.Registry, tracker *metrics.Tracker, routeStaleness time.Duration, logger *zap.SugaredLogger) *Balancer {
	return &Balancer{
		registry:       reg,
		tracker:        tracker,
		routeStaleness: routeStaleness,
		cursors:        make(map[fleetgate.Capability]uint64),
		logger:         logger,
	}
}

// Select returns one endpoint able to serve the capability, and the model
// when given. Endpoint ids in exclude are skipped, letting callers retry
// around an endpoint that just failed them. Selection has no side effects;
// capacity is only reserved once the caller opens a lease.
func (b *Balancer) Select(capability fleetgate.Capability, model string, exclude []uuid.UUID) (Selection, error) {
	candidates := b.registry.Candidates(capability, model, b.routeStaleness)
	if len(exclude) > 0 {
		excluded := make(map[uuid.UUID]bool, len(exclude))
		for _, endpointId := range exclude {
			excluded[endpointId] = true
		}
		kept := candidates[:0]
		for _, endpoint := range candidates {
			if !excluded[endpoint.Id] {
				kept = append(kept, endpoint)
			}
		}
		candidates = kept
	}
	if len(candidates) == 0 {
		return Selection{}, fmt.Errorf("%w for capability %q model %q", fleetgate.ErrNoHealthyEndpoint, capability, model)
	}

	// Stable identity order before ranks are assigned, so the cursor
	// rotates deterministically regardless of map iteration order.
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].Id.String() < candidates[j].Id.String()
	})
	cursor := b.advanceCursor(capability)

	ranked := make([]candidate, 0, len(candidates))
	for i, endpoint := range candidates {
		snapshot, hasMetrics := b.tracker.Snapshot(endpoint.Id)
		ranked = append(ranked, candidate{
			endpoint:   endpoint,
			snapshot:   snapshot,
			rank:       (i + len(candidates) - int(cursor%uint64(len(candidates)))) % len(candidates),
			hasMetrics: hasMetrics,
			// The offline sentinel pins latency to infinity; such an
			// endpoint must never outrank one with a real measurement,
			// so it is treated as having no latency signal at all.
			hasLatency: hasMetrics && snapshot.HasLatency && !math.IsInf(snapshot.Latency, 1),
			hasScore:   endpoint.HardwareScore > 0,
		})
	}

	chosen, level := pick(ranked)
	b.logger.Debugw("Selected endpoint",
		"endpoint", chosen.Id, "capability", capability, "model", model, "level", level)
	return Selection{Endpoint: chosen, Level: level}, nil
}

func (b *Balancer) advanceCursor(capability fleetgate.Capability) uint64 {
	b.cursorMu.Lock()
	defer b.cursorMu.Unlock()
	cursor := b.cursors[capability]
	b.cursors[capability]++
	return cursor
}

// pick walks the degradation ladder. Each rung considers only the
// candidates that still carry the telemetry the rung needs; the first rung
// with any candidate wins. The last rung accepts everything, so pick always
// returns an endpoint.
func pick(candidates []candidate) (fleetgate.Endpoint, Level) {
	if chosen, ok := best(candidates, func(c candidate) bool {
		return c.hasLatency && c.hasScore
	}, byActiveLatencyRank); ok {
		return chosen, LevelFull
	}

	if chosen, ok := best(candidates, func(c candidate) bool {
		return c.hasLatency
	}, byActiveLatencyRank); ok {
		return chosen, LevelPartial
	}

	if chosen, ok := best(candidates, func(c candidate) bool {
		return c.hasMetrics
	}, byActiveRank); ok {
		return chosen, LevelActiveOnly
	}

	if chosen, ok := best(candidates, func(c candidate) bool {
		return c.hasScore
	}, byScoreRank); ok {
		return chosen, LevelStatic
	}

	chosen, _ := best(candidates, func(c candidate) bool {
		return true
	}, byRank)
	return chosen, LevelRoundRobin
}

func best(candidates []candidate, eligible func(candidate) bool, less func(a, b candidate) bool) (fleetgate.Endpoint, bool) {
	var chosen *candidate
	for i := range candidates {
		if !eligible(candidates[i]) {
			continue
		}
		if chosen == nil || less(candidates[i], *chosen) {
			chosen = &candidates[i]
		}
	}
	if chosen == nil {
		return fleetgate.Endpoint{}, false
	}
	return chosen.endpoint, true
}

func byActiveLatencyRank(a, b candidate) bool {
	if a.snapshot.ActiveRequests != b.snapshot.ActiveRequests {
		return a.snapshot.ActiveRequests < b.snapshot.ActiveRequests
	}
	if a.snapshot.Latency != b.snapshot.Latency {
		return a.snapshot.Latency < b.snapshot.Latency
	}
	return a.rank < b.rank
}

func byActiveRank(a, b candidate) bool {
	if a.snapshot.ActiveRequests != b.snapshot.ActiveRequests {
		return a.snapshot.ActiveRequests < b.snapshot.ActiveRequests
	}
	return a.rank < b.rank
}

func byScoreRank(a, b candidate) bool {
	if a.endpoint.HardwareScore != b.endpoint.HardwareScore {
		return a.endpoint.HardwareScore > b.endpoint.HardwareScore
	}
	return a.rank < b.rank
}

func byRank(a, b candidate) bool {
	return a.rank < b.rank
}
