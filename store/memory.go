package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fleetgate/fleetgate"
)

// MemoryStore keeps everything in process memory. Used in tests and in
// single-node deployments that can afford to lose history on restart.
type MemoryStore struct {
	mu        sync.RWMutex
	endpoints map[uuid.UUID]fleetgate.Endpoint
	routes    map[uuid.UUID]map[string]fleetgate.ModelRoute
	stats     map[fleetgate.StatKey]fleetgate.DailyStat
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		endpoints: make(map[uuid.UUID]fleetgate.Endpoint),
		routes:    make(map[uuid.UUID]map[string]fleetgate.ModelRoute),
		stats:     make(map[fleetgate.StatKey]fleetgate.DailyStat),
	}
}

func (s *MemoryStore) LoadAll(ctx context.Context) ([]fleetgate.Endpoint, []fleetgate.ModelRoute, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	endpoints := make([]fleetgate.Endpoint, 0, len(s.endpoints))
	for _, endpoint := range s.endpoints {
		endpoints = append(endpoints, endpoint)
	}
	sort.Slice(endpoints, func(i, j int) bool {
		return endpoints[i].RegisteredAt.Before(endpoints[j].RegisteredAt)
	})

	var routes []fleetgate.ModelRoute
	for _, byModel := range s.routes {
		for _, route := range byModel {
			routes = append(routes, route)
		}
	}
	return endpoints, routes, nil
}

func (s *MemoryStore) UpsertEndpoint(ctx context.Context, endpoint fleetgate.Endpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.endpoints[endpoint.Id] = endpoint
	return nil
}

func (s *MemoryStore) DeleteEndpoint(ctx context.Context, endpointId uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.endpoints, endpointId)
	delete(s.routes, endpointId)
	for key := range s.stats {
		if key.EndpointId == endpointId {
			delete(s.stats, key)
		}
	}
	return nil
}

func (s *MemoryStore) UpsertModelRoute(ctx context.Context, route fleetgate.ModelRoute) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	byModel, exists := s.routes[route.EndpointId]
	if !exists {
		byModel = make(map[string]fleetgate.ModelRoute)
		s.routes[route.EndpointId] = byModel
	}
	byModel[route.Model] = route
	return nil
}

func (s *MemoryStore) DeleteModelRoutes(ctx context.Context, endpointId uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.routes, endpointId)
	return nil
}

func (s *MemoryStore) AppendDailyStat(ctx context.Context, key fleetgate.StatKey, delta fleetgate.StatDelta) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stat, exists := s.stats[key]
	if !exists {
		stat = fleetgate.DailyStat{
			EndpointId: key.EndpointId,
			Model:      key.Model,
			Date:       key.Date,
		}
	}
	stat.Requests += delta.Requests
	stat.Successes += delta.Successes
	stat.Failures += delta.Failures
	stat.OutputTokens += delta.OutputTokens
	stat.DurationMs += delta.Duration.Milliseconds()
	s.stats[key] = stat
	return nil
}

func (s *MemoryStore) LoadDailyStats(ctx context.Context, date string) ([]fleetgate.DailyStat, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var stats []fleetgate.DailyStat
	for key, stat := range s.stats {
		if key.Date == date {
			stats = append(stats, stat)
		}
	}
	return stats, nil
}

func (s *MemoryStore) LoadRecentStats(ctx context.Context, days int) ([]fleetgate.DailyStat, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cutoff := time.Now().UTC().AddDate(0, 0, -days).Format("2006-01-02")
	stats := make([]fleetgate.DailyStat, 0, len(s.stats))
	for _, stat := range s.stats {
		if stat.Date >= cutoff {
			stats = append(stats, stat)
		}
	}
	// Dates sort lexicographically, newest first.
	sort.Slice(stats, func(i, j int) bool {
		return stats[i].Date > stats[j].Date
	})
	return stats, nil
}

func (s *MemoryStore) ReplaceDailyStats(ctx context.Context, date string, stats []fleetgate.DailyStat) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for key := range s.stats {
		if key.Date == date {
			delete(s.stats, key)
		}
	}
	for _, stat := range stats {
		key := fleetgate.StatKey{EndpointId: stat.EndpointId, Model: stat.Model, Date: date}
		stat.Date = date
		s.stats[key] = stat
	}
	return nil
}

func (s *MemoryStore) Close() error {
	return nil
}

// MemoryEventLog is the in-process counterpart of the Valkey event log.
type MemoryEventLog struct {
	mu     sync.Mutex
	events map[string][]fleetgate.RequestEvent
}

func NewMemoryEventLog() *MemoryEventLog {
	return &MemoryEventLog{events: make(map[string][]fleetgate.RequestEvent)}
}

func (l *MemoryEventLog) Append(ctx context.Context, event fleetgate.RequestEvent) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	date := event.Timestamp.UTC().Format("2006-01-02")
	l.events[date] = append(l.events[date], event)
	return nil
}

func (l *MemoryEventLog) Replay(ctx context.Context, date string) ([]fleetgate.RequestEvent, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	events := make([]fleetgate.RequestEvent, len(l.events[date]))
	copy(events, l.events[date])
	return events, nil
}

func (l *MemoryEventLog) Trim(ctx context.Context, date string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.events, date)
	return nil
}
