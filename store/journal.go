package store

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fleetgate/fleetgate"
)

const (
	journalQueueSize    = 1024
	journalAttempts     = 3
	journalRetryBackoff = 200 * time.Millisecond
	journalWriteTimeout = 5 * time.Second
)

type journalOp struct {
	name string
	run  func(ctx context.Context) error
}

// Journal applies store writes asynchronously with bounded retries. The
// in-memory registry and tracker stay authoritative; a store outage slows
// nothing down and at worst loses recent history, which the nightly
// reconciler later repairs from the event log.
type Journal struct {
	store  Store
	queue  chan journalOp
	done   chan bool
	clock  clock.Clock
	logger *zap.SugaredLogger
}

func NewJournal(store Store, logger *zap.SugaredLogger) *Journal {
	return newJournalWithClock(store, logger, clock.New())
}

func newJournalWithClock(store Store, logger *zap.SugaredLogger, clk clock.Clock) *Journal {
	journal := &Journal{
		store:  store,
		queue:  make(chan journalOp, journalQueueSize),
		done:   make(chan bool),
		clock:  clk,
		logger: logger,
	}
	go journal.run()
	return journal
}

func (j *Journal) run() {
	for {
		select {
		case op := <-j.queue:
			j.apply(op)
		case <-j.done:
			// Drain what is already queued before stopping.
			for {
				select {
				case op := <-j.queue:
					j.apply(op)
				default:
					return
				}
			}
		}
	}
}

func (j *Journal) apply(op journalOp) {
	backoff := journalRetryBackoff
	for attempt := 1; attempt <= journalAttempts; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), journalWriteTimeout)
		err := op.run(ctx)
		cancel()
		if err == nil {
			return
		}
		if attempt == journalAttempts {
			j.logger.Warnw("Dropping journal write", "op", op.name, "attempts", attempt, "error", err)
			return
		}
		j.clock.Sleep(backoff)
		backoff *= 2
	}
}

func (j *Journal) enqueue(op journalOp) {
	select {
	case j.queue <- op:
	default:
		j.logger.Warnw("Journal queue full, dropping write", "op", op.name)
	}
}

func (j *Journal) UpsertEndpoint(endpoint fleetgate.Endpoint) {
	j.enqueue(journalOp{name: "upsert_endpoint", run: func(ctx context.Context) error {
		return j.store.UpsertEndpoint(ctx, endpoint)
	}})
}

func (j *Journal) DeleteEndpoint(endpointId uuid.UUID) {
	j.enqueue(journalOp{name: "delete_endpoint", run: func(ctx context.Context) error {
		return j.store.DeleteEndpoint(ctx, endpointId)
	}})
}

func (j *Journal) UpsertModelRoute(route fleetgate.ModelRoute) {
	j.enqueue(journalOp{name: "upsert_model_route", run: func(ctx context.Context) error {
		return j.store.UpsertModelRoute(ctx, route)
	}})
}

func (j *Journal) DeleteModelRoutes(endpointId uuid.UUID) {
	j.enqueue(journalOp{name: "delete_model_routes", run: func(ctx context.Context) error {
		return j.store.DeleteModelRoutes(ctx, endpointId)
	}})
}

func (j *Journal) AppendDailyStat(key fleetgate.StatKey, delta fleetgate.StatDelta) {
	j.enqueue(journalOp{name: "append_daily_stat", run: func(ctx context.Context) error {
		return j.store.AppendDailyStat(ctx, key, delta)
	}})
}

// Stop finishes queued writes and shuts the worker down.
func (j *Journal) Stop() {
	close(j.done)
}
