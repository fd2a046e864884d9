// Package lease accounts for in-flight requests. A lease is one request's
// claim on an endpoint's capacity: opening it bumps the endpoint's active
// count, closing it releases the slot exactly once no matter how many
// completion signals arrive.
package lease

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fleetgate/fleetgate"
	"github.com/fleetgate/fleetgate/metrics"
	"github.com/fleetgate/fleetgate/registry"
)

type State int32

const (
	StateOpen State = iota
	StateCompletedOk
	StateCompletedError
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateCompletedOk:
		return "completed_ok"
	case StateCompletedError:
		return "completed_error"
	case StateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Closed leases are kept around for this long so a late duplicate
// completion gets the already-closed answer instead of not-found.
const closedRetention = 10 * time.Minute

type Lease struct {
	Id         uuid.UUID `json:"id"`
	EndpointId uuid.UUID `json:"endpoint_id"`
	Model      string    `json:"model,omitempty"`
	CreatedAt  time.Time `json:"created_at"`

	// state is accessed atomically; closedAt is guarded by the manager's mutex.
	state int32

	closedAt time.Time
	timeout  time.Duration
}

// State returns the lease's current lifecycle state.
func (l *Lease) State() State {
	return State(atomic.LoadInt32(&l.state))
}

type Manager struct {
	mu     sync.Mutex
	leases map[uuid.UUID]*Lease

	tracker  *metrics.Tracker
	registry *registry.Registry

	// Used when the endpoint declares no inference timeout of its own.
	defaultTimeout time.Duration

	clock  clock.Clock
	logger *zap.SugaredLogger
}

func NewManager(tracker *metrics.Tracker, reg *registry.Registry, defaultTimeout time.Duration, logger *zap.SugaredLogger) *Manager {
	return NewManagerWithClock(tracker, reg, defaultTimeout, logger, clock.New())
}

func NewManagerWithClock(
	tracker *metrics.Tracker,
	reg *registry.Registry,
	defaultTimeout time.Duration,
	logger *zap.SugaredLogger,
	clk clock.Clock,
) *Manager {
	return &Manager{
		leases:         make(map[uuid.UUID]*Lease),
		tracker:        tracker,
		registry:       reg,
		defaultTimeout: defaultTimeout,
		clock:          clk,
		logger:         logger,
	}
}

// Open reserves one active slot on the endpoint and returns the lease that
// must eventually close it.
func (m *Manager) Open(endpointId uuid.UUID, model string) (*Lease, error) {
	endpoint, err := m.registry.Get(endpointId)
	if err != nil {
		return nil, err
	}

	timeout := endpoint.InferenceTimeout
	if timeout <= 0 {
		timeout = m.defaultTimeout
	}

	lease := &Lease{
		Id:         uuid.New(),
		EndpointId: endpointId,
		Model:      model,
		CreatedAt:  m.clock.Now(),
		state:      int32(StateOpen),
		timeout:    timeout,
	}

	m.tracker.IncActive(endpointId)
	m.mu.Lock()
	m.leases[lease.Id] = lease
	m.mu.Unlock()
	return lease, nil
}

// Get returns the lease with the given id, open or recently closed.
func (m *Manager) Get(leaseId uuid.UUID) (*Lease, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	lease, exists := m.leases[leaseId]
	if !exists {
		return nil, fleetgate.ErrLeaseNotFound
	}
	return lease, nil
}

// OpenCount returns the number of currently open leases.
func (m *Manager) OpenCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, lease := range m.leases {
		if lease.State() == StateOpen {
			count++
		}
	}
	return count
}

// close transitions a lease out of the open state exactly once and
// releases its active slot. A second close of any kind finds the state
// already terminal and changes nothing.
func (m *Manager) close(leaseId uuid.UUID, to State) (*Lease, error) {
	m.mu.Lock()
	lease, exists := m.leases[leaseId]
	if !exists {
		m.mu.Unlock()
		return nil, fleetgate.ErrLeaseNotFound
	}

	if !atomic.CompareAndSwapInt32(&lease.state, int32(StateOpen), int32(to)) {
		m.mu.Unlock()
		return nil, fleetgate.ErrLeaseAlreadyClosed
	}
	// closedAt is written before the lock is released so the sweeper never
	// sees a closed lease without a close time.
	lease.closedAt = m.clock.Now()
	m.mu.Unlock()

	m.tracker.DecActive(lease.EndpointId)
	return lease, nil
}

// CompleteOk closes the lease as a success and folds the request's latency
// and token throughput into the endpoint's metrics.
func (m *Manager) CompleteOk(leaseId uuid.UUID, usage fleetgate.TokenUsage, duration time.Duration) error {
	lease, err := m.close(leaseId, StateCompletedOk)
	if err != nil {
		return err
	}
	m.tracker.ObserveSuccess(lease.EndpointId, lease.Model, usage, duration)
	return nil
}

// CompleteError closes the lease as a failure. No latency sample is taken,
// but the failure counts against the endpoint's health, so a broken
// endpoint drains from the request path without waiting for the prober.
func (m *Manager) CompleteError(leaseId uuid.UUID, reason string) error {
	lease, err := m.close(leaseId, StateCompletedError)
	if err != nil {
		return err
	}
	m.tracker.ObserveFailure(lease.EndpointId, lease.Model)
	m.registry.RecordRequestFailure(lease.EndpointId, reason)
	return nil
}

// Cancel closes the lease without recording any outcome. Used when the
// caller aborts before dispatch, and by the sweeper for abandoned leases.
func (m *Manager) Cancel(leaseId uuid.UUID) error {
	_, err := m.close(leaseId, StateCancelled)
	return err
}

// sweep force-cancels leases whose request has outlived its endpoint's
// inference timeout, and forgets closed leases past retention. A forced
// cancel frees the slot without blaming the endpoint; the prober decides
// separately whether the endpoint itself is unhealthy.
func (m *Manager) sweep() {
	now := m.clock.Now()

	m.mu.Lock()
	var expired []*Lease
	for _, lease := range m.leases {
		switch lease.State() {
		case StateOpen:
			if now.Sub(lease.CreatedAt) > lease.timeout {
				expired = append(expired, lease)
			}
		default:
			if now.Sub(lease.closedAt) > closedRetention {
				delete(m.leases, lease.Id)
			}
		}
	}
	m.mu.Unlock()

	for _, lease := range expired {
		if err := m.Cancel(lease.Id); err != nil {
			continue
		}
		m.logger.Warnw("Force-cancelled expired lease",
			"lease", lease.Id, "endpoint", lease.EndpointId,
			"model", lease.Model, "age", now.Sub(lease.CreatedAt))
	}
}

// StartSweeper runs the sweep loop. Returns a stop function.
func (m *Manager) StartSweeper(interval time.Duration) func() {
	ticker := m.clock.Ticker(interval)
	done := make(chan bool)

	go func() {
		for {
			select {
			case <-ticker.C:
				m.sweep()
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
