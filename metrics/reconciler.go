package metrics

import (
	"context"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fleetgate/fleetgate"
	"github.com/fleetgate/fleetgate/store"
)

const reconcileTimeout = 2 * time.Minute

// Reconciler rebuilds daily aggregates from the raw event log. The hot path
// journals stat deltas best-effort, so a store outage leaves the aggregates
// behind the truth; replaying the day's events once it is over corrects the
// drift.
type Reconciler struct {
	store  store.Store
	events store.EventLog
	clock  clock.Clock
	logger *zap.SugaredLogger

	lastReconciled string
}

func NewReconciler(st store.Store, events store.EventLog, logger *zap.SugaredLogger) *Reconciler {
	return NewReconcilerWithClock(st, events, logger, clock.New())
}

func NewReconcilerWithClock(st store.Store, events store.EventLog, logger *zap.SugaredLogger, clk clock.Clock) *Reconciler {
	return &Reconciler{store: st, events: events, clock: clk, logger: logger}
}

// Start checks every hour whether the previous UTC day still needs
// reconciling. Returns a stop function.
func (r *Reconciler) Start() func() {
	ticker := r.clock.Ticker(time.Hour)
	done := make(chan bool)

	go func() {
		for {
			select {
			case <-ticker.C:
				r.maybeReconcile()
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

func (r *Reconciler) maybeReconcile() {
	yesterday := r.clock.Now().UTC().AddDate(0, 0, -1).Format("2006-01-02")
	if yesterday == r.lastReconciled {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), reconcileTimeout)
	defer cancel()
	if err := r.ReconcileDate(ctx, yesterday); err != nil {
		r.logger.Warnw("Daily stat reconciliation failed", "date", yesterday, "error", err)
		return
	}
	r.lastReconciled = yesterday
}

// ReconcileDate replays the event log of one date and overwrites the
// persisted aggregates with the recomputed buckets. A date with no logged
// events is left untouched; an empty log usually means the log itself was
// unavailable, and wiping real aggregates over that would be worse than
// keeping drifted ones.
func (r *Reconciler) ReconcileDate(ctx context.Context, date string) error {
	events, err := r.events.Replay(ctx, date)
	if err != nil {
		return fmt.Errorf("failed to replay events: %w", err)
	}
	if len(events) == 0 {
		r.logger.Infow("No events to reconcile", "date", date)
		return nil
	}

	type bucketKey struct {
		endpointId uuid.UUID
		model      string
	}
	buckets := make(map[bucketKey]*fleetgate.DailyStat)
	for _, event := range events {
		key := bucketKey{endpointId: event.EndpointId, model: event.Model}
		stat, exists := buckets[key]
		if !exists {
			stat = &fleetgate.DailyStat{
				EndpointId: event.EndpointId,
				Model:      event.Model,
				Date:       date,
			}
			buckets[key] = stat
		}
		stat.Requests++
		if event.Success {
			stat.Successes++
		} else {
			stat.Failures++
		}
		stat.OutputTokens += event.OutputTokens
		stat.DurationMs += event.DurationMs
	}

	stats := make([]fleetgate.DailyStat, 0, len(buckets))
	for _, stat := range buckets {
		stats = append(stats, *stat)
	}
	if err := r.store.ReplaceDailyStats(ctx, date, stats); err != nil {
		return fmt.Errorf("failed to replace daily stats: %w", err)
	}

	if err := r.events.Trim(ctx, date); err != nil {
		r.logger.Warnw("Failed to trim reconciled events", "date", date, "error", err)
	}
	r.logger.Infow("Reconciled daily stats", "date", date, "buckets", len(stats), "events", len(events))
	return nil
}
