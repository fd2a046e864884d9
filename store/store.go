// Package store persists the fleet's durable state. The registry and
// metrics tracker own the authoritative in-memory state; the store is a
// best-effort collaborator that survives restarts.
package store

import (
	"context"

	"github.com/google/uuid"

	"github.com/fleetgate/fleetgate"
)

type Store interface {
	// LoadAll returns every persisted endpoint and model route. Used once
	// at boot to seed the registry.
	LoadAll(ctx context.Context) ([]fleetgate.Endpoint, []fleetgate.ModelRoute, error)

	// UpsertEndpoint inserts or replaces a persisted endpoint record.
	UpsertEndpoint(ctx context.Context, endpoint fleetgate.Endpoint) error

	// DeleteEndpoint removes an endpoint and cascades to its model routes
	// and daily stats. Deleting an unknown endpoint is not an error.
	DeleteEndpoint(ctx context.Context, endpointId uuid.UUID) error

	// UpsertModelRoute inserts or refreshes a model route record.
	UpsertModelRoute(ctx context.Context, route fleetgate.ModelRoute) error

	// DeleteModelRoutes removes all model routes of an endpoint.
	DeleteModelRoutes(ctx context.Context, endpointId uuid.UUID) error

	// AppendDailyStat atomically adds a delta to a daily aggregation
	// bucket, creating the bucket if necessary.
	AppendDailyStat(ctx context.Context, key fleetgate.StatKey, delta fleetgate.StatDelta) error

	// LoadDailyStats returns every bucket for a date ("2006-01-02", UTC).
	LoadDailyStats(ctx context.Context, date string) ([]fleetgate.DailyStat, error)

	// LoadRecentStats returns the buckets of the most recent days,
	// newest first. Used to seed throughput figures at boot.
	LoadRecentStats(ctx context.Context, days int) ([]fleetgate.DailyStat, error)

	// ReplaceDailyStats overwrites every bucket of a date with the given
	// set. The nightly reconciler uses this to correct drift accumulated
	// by the best-effort hot path.
	ReplaceDailyStats(ctx context.Context, date string, stats []fleetgate.DailyStat) error

	// Close releases the underlying connections.
	Close() error
}

// EventLog is the append-only record of raw request outcomes. The nightly
// reconciler replays a day's events to rebuild its daily aggregates.
type EventLog interface {
	Append(ctx context.Context, event fleetgate.RequestEvent) error

	// Replay returns every event recorded for a date, in append order.
	Replay(ctx context.Context, date string) ([]fleetgate.RequestEvent, error)

	// Trim discards the events of a date after reconciliation.
	Trim(ctx context.Context, date string) error
}
