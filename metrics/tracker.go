// Package metrics owns the runtime load signals of the fleet: per-endpoint
// latency, per-model throughput, active request counts, and the daily
// aggregates derived from them.
package metrics

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fleetgate/fleetgate"
	"github.com/fleetgate/fleetgate/store"
)

// Smoothing factor for the latency and throughput moving averages. Higher
// values react faster to the newest sample.
const alpha = 0.2

// How far back the per-minute request history reaches.
const historyWindow = 60 * time.Minute

const eventAppendTimeout = 5 * time.Second

// LoadSnapshot is the tracker's view of one endpoint at a point in time.
type LoadSnapshot struct {
	ActiveRequests int64

	// Exponential moving average of request latency in milliseconds.
	// Positive infinity while the endpoint is offline.
	Latency    float64
	HasLatency bool

	TotalRequests int64
	TotalFailures int64
}

// ModelThroughput is the tracked output rate of one model on one endpoint.
type ModelThroughput struct {
	Tps               float64 `json:"tps"`
	RequestCount      int64   `json:"request_count"`
	TotalOutputTokens int64   `json:"total_output_tokens"`
}

// MinuteBucket is one minute of fleet-wide request activity.
type MinuteBucket struct {
	Minute    time.Time `json:"minute"`
	Requests  int64     `json:"requests"`
	Successes int64     `json:"successes"`
	Failures  int64     `json:"failures"`
}

type modelState struct {
	tps               float64
	hasTps            bool
	requestCount      int64
	totalOutputTokens int64
	totalDurationMs   int64
}

// update folds one completed request into the throughput average. Requests
// with no measured duration or no output tokens carry no rate signal and
// are skipped.
func (m *modelState) update(outputTokens int64, duration time.Duration) {
	durationMs := duration.Milliseconds()
	if durationMs == 0 || outputTokens == 0 {
		return
	}
	sample := float64(outputTokens) / (float64(durationMs) / 1000.0)
	if m.hasTps {
		m.tps = alpha*sample + (1-alpha)*m.tps
	} else {
		m.tps = sample
		m.hasTps = true
	}
	m.requestCount++
	m.totalOutputTokens += outputTokens
	m.totalDurationMs += durationMs
}

type endpointState struct {
	mu     sync.Mutex
	active int64

	latency    float64
	hasLatency bool

	// While set, the latency sorts as positive infinity. The underlying
	// average is kept so a returning endpoint is not treated as cold.
	offlineHold bool

	totalRequests int64
	totalFailures int64

	models map[string]*modelState
}

func (e *endpointState) updateLatency(duration time.Duration) {
	// A reported duration of zero means the caller did not measure one.
	// The success still lifts an offline hold, but no sample is folded in,
	// so unmeasured completions cannot drag the average toward zero.
	if duration <= 0 {
		e.offlineHold = false
		return
	}
	sample := float64(duration.Milliseconds())
	if e.hasLatency {
		e.latency = alpha*sample + (1-alpha)*e.latency
	} else {
		e.latency = sample
		e.hasLatency = true
	}
	e.offlineHold = false
}

func (e *endpointState) model(name string) *modelState {
	state, exists := e.models[name]
	if !exists {
		state = &modelState{}
		e.models[name] = state
	}
	return state
}

// Tracker maintains per-endpoint load state. Endpoint entries carry their
// own locks so concurrent updates for different endpoints never contend.
type Tracker struct {
	mu        sync.RWMutex
	endpoints map[uuid.UUID]*endpointState

	historyMu sync.Mutex
	history   []*MinuteBucket

	// Best-effort persistence. Either may be nil; the in-memory state is
	// authoritative regardless.
	journal *store.Journal
	events  store.EventLog

	clock  clock.Clock
	logger *zap.SugaredLogger
}

func NewTracker(journal *store.Journal, events store.EventLog, logger *zap.SugaredLogger) *Tracker {
	return NewTrackerWithClock(journal, events, logger, clock.New())
}

func NewTrackerWithClock(
	journal *store.Journal,
	events store.EventLog,
	logger *zap.SugaredLogger,
	clk clock.Clock,
) *Tracker {
	return &Tracker{
		endpoints: make(map[uuid.UUID]*endpointState),
		journal:   journal,
		events:    events,
		clock:     clk,
		logger:    logger,
	}
}

func (t *Tracker) endpoint(endpointId uuid.UUID) *endpointState {
	t.mu.RLock()
	state, exists := t.endpoints[endpointId]
	t.mu.RUnlock()
	if exists {
		return state
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if state, exists = t.endpoints[endpointId]; exists {
		return state
	}
	state = &endpointState{models: make(map[string]*modelState)}
	t.endpoints[endpointId] = state
	return state
}

// IncActive counts a newly opened lease against the endpoint.
func (t *Tracker) IncActive(endpointId uuid.UUID) {
	state := t.endpoint(endpointId)
	state.mu.Lock()
	state.active++
	state.mu.Unlock()
}

// DecActive releases one active slot. A decrement below zero indicates a
// bookkeeping bug elsewhere; the count is clamped and the incident logged
// rather than letting a negative value poison selection.
func (t *Tracker) DecActive(endpointId uuid.UUID) {
	state := t.endpoint(endpointId)
	state.mu.Lock()
	state.active--
	if state.active < 0 {
		t.logger.Warnw("Active request count underflow, clamping to zero", "endpoint", endpointId)
		state.active = 0
	}
	state.mu.Unlock()
}

// ObserveSuccess records a completed request: latency and throughput
// averages, fleet history, the daily aggregate, and the raw event log.
func (t *Tracker) ObserveSuccess(endpointId uuid.UUID, model string, usage fleetgate.TokenUsage, duration time.Duration) {
	state := t.endpoint(endpointId)
	state.mu.Lock()
	state.updateLatency(duration)
	state.totalRequests++
	if model != "" {
		state.model(model).update(usage.OutputTokens, duration)
	}
	state.mu.Unlock()

	now := t.clock.Now().UTC()
	t.recordHistory(now, true)
	t.persist(fleetgate.RequestEvent{
		EndpointId:   endpointId,
		Model:        model,
		Timestamp:    now,
		Success:      true,
		OutputTokens: usage.OutputTokens,
		DurationMs:   duration.Milliseconds(),
	})
}

// ObserveFailure records a failed request. No latency sample is taken; an
// error response time says nothing about healthy performance.
func (t *Tracker) ObserveFailure(endpointId uuid.UUID, model string) {
	state := t.endpoint(endpointId)
	state.mu.Lock()
	state.totalRequests++
	state.totalFailures++
	state.mu.Unlock()

	now := t.clock.Now().UTC()
	t.recordHistory(now, false)
	t.persist(fleetgate.RequestEvent{
		EndpointId: endpointId,
		Model:      model,
		Timestamp:  now,
		Success:    false,
	})
}

func (t *Tracker) persist(event fleetgate.RequestEvent) {
	if t.journal != nil {
		key := fleetgate.StatKey{
			EndpointId: event.EndpointId,
			Model:      event.Model,
			Date:       event.Timestamp.Format("2006-01-02"),
		}
		delta := fleetgate.StatDelta{
			Requests:     1,
			OutputTokens: event.OutputTokens,
			Duration:     time.Duration(event.DurationMs) * time.Millisecond,
		}
		if event.Success {
			delta.Successes = 1
		} else {
			delta.Failures = 1
		}
		t.journal.AppendDailyStat(key, delta)
	}

	if t.events != nil {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), eventAppendTimeout)
			defer cancel()
			if err := t.events.Append(ctx, event); err != nil {
				t.logger.Warnw("Failed to append request event", "endpoint", event.EndpointId, "error", err)
			}
		}()
	}
}

// MarkOffline pins the endpoint's latency to positive infinity so it sorts
// behind every live endpoint. The averaged value itself is retained and
// resumes with the next successful request.
func (t *Tracker) MarkOffline(endpointId uuid.UUID) {
	state := t.endpoint(endpointId)
	state.mu.Lock()
	state.offlineHold = true
	state.mu.Unlock()
}

// Forget drops all state for a removed endpoint.
func (t *Tracker) Forget(endpointId uuid.UUID) {
	t.mu.Lock()
	delete(t.endpoints, endpointId)
	t.mu.Unlock()
}

// Snapshot returns the endpoint's current load view. The second return is
// false when the tracker has never seen the endpoint.
func (t *Tracker) Snapshot(endpointId uuid.UUID) (LoadSnapshot, bool) {
	t.mu.RLock()
	state, exists := t.endpoints[endpointId]
	t.mu.RUnlock()
	if !exists {
		return LoadSnapshot{}, false
	}

	state.mu.Lock()
	defer state.mu.Unlock()
	snapshot := LoadSnapshot{
		ActiveRequests: state.active,
		Latency:        state.latency,
		HasLatency:     state.hasLatency,
		TotalRequests:  state.totalRequests,
		TotalFailures:  state.totalFailures,
	}
	if state.offlineHold {
		snapshot.Latency = math.Inf(1)
	}
	return snapshot, true
}

// Throughput returns the tracked per-model output rates of an endpoint.
func (t *Tracker) Throughput(endpointId uuid.UUID) map[string]ModelThroughput {
	t.mu.RLock()
	state, exists := t.endpoints[endpointId]
	t.mu.RUnlock()
	if !exists {
		return nil
	}

	state.mu.Lock()
	defer state.mu.Unlock()
	throughput := make(map[string]ModelThroughput, len(state.models))
	for name, model := range state.models {
		if !model.hasTps {
			continue
		}
		throughput[name] = ModelThroughput{
			Tps:               model.tps,
			RequestCount:      model.requestCount,
			TotalOutputTokens: model.totalOutputTokens,
		}
	}
	return throughput
}

// Seed primes throughput averages from persisted daily aggregates so a
// restarted gateway does not treat a warmed fleet as unknown. Stats must be
// ordered newest first; only models without live samples are touched.
func (t *Tracker) Seed(stats []fleetgate.DailyStat) {
	for _, stat := range stats {
		averageTps := stat.AverageTps()
		if averageTps == 0 {
			continue
		}
		state := t.endpoint(stat.EndpointId)
		state.mu.Lock()
		model := state.model(stat.Model)
		if !model.hasTps {
			model.tps = averageTps
			model.hasTps = true
		}
		state.mu.Unlock()
	}
}

func (t *Tracker) recordHistory(now time.Time, success bool) {
	minute := now.Truncate(time.Minute)

	t.historyMu.Lock()
	defer t.historyMu.Unlock()

	var bucket *MinuteBucket
	if n := len(t.history); n > 0 && t.history[n-1].Minute.Equal(minute) {
		bucket = t.history[n-1]
	} else {
		bucket = &MinuteBucket{Minute: minute}
		t.history = append(t.history, bucket)
	}

	bucket.Requests++
	if success {
		bucket.Successes++
	} else {
		bucket.Failures++
	}

	cutoff := minute.Add(-historyWindow)
	pruneTo := 0
	for pruneTo < len(t.history) && !t.history[pruneTo].Minute.After(cutoff) {
		pruneTo++
	}
	t.history = t.history[pruneTo:]
}

// History returns the per-minute request buckets of the last hour, oldest
// first.
func (t *Tracker) History() []MinuteBucket {
	t.historyMu.Lock()
	defer t.historyMu.Unlock()

	buckets := make([]MinuteBucket, 0, len(t.history))
	for _, bucket := range t.history {
		buckets = append(buckets, *bucket)
	}
	return buckets
}

// Activity is the fleet-wide roll-up served by the summary endpoint.
type Activity struct {
	ActiveRequests    int64          `json:"active_requests"`
	TotalRequests     int64          `json:"total_requests"`
	TotalFailures     int64          `json:"total_failures"`
	TotalOutputTokens int64          `json:"total_output_tokens"`
	History           []MinuteBucket `json:"history"`
}

// Summary aggregates activity across every tracked endpoint.
func (t *Tracker) Summary() Activity {
	t.mu.RLock()
	states := make([]*endpointState, 0, len(t.endpoints))
	for _, state := range t.endpoints {
		states = append(states, state)
	}
	t.mu.RUnlock()

	var activity Activity
	for _, state := range states {
		state.mu.Lock()
		activity.ActiveRequests += state.active
		activity.TotalRequests += state.totalRequests
		activity.TotalFailures += state.totalFailures
		for _, model := range state.models {
			activity.TotalOutputTokens += model.totalOutputTokens
		}
		state.mu.Unlock()
	}
	activity.History = t.History()
	return activity
}
