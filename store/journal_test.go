package store

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fleetgate/fleetgate"
)

// flakyStore fails the first few writes to exercise the retry path.
type flakyStore struct {
	*MemoryStore
	failures int32
}

func (s *flakyStore) UpsertEndpoint(ctx context.Context, endpoint fleetgate.Endpoint) error {
	if atomic.AddInt32(&s.failures, -1) >= 0 {
		return fmt.Errorf("store unavailable")
	}
	return s.MemoryStore.UpsertEndpoint(ctx, endpoint)
}

func TestJournalWritesThrough(t *testing.T) {
	memory := NewMemoryStore()
	journal := NewJournal(memory, zap.NewNop().Sugar())
	defer journal.Stop()

	endpointId := uuid.New()
	journal.UpsertEndpoint(fleetgate.Endpoint{Id: endpointId, Name: "node-a"})
	journal.AppendDailyStat(
		fleetgate.StatKey{EndpointId: endpointId, Model: "llama3", Date: "2026-08-31"},
		fleetgate.StatDelta{Requests: 1, Successes: 1})

	require.Eventually(t, func() bool {
		endpoints, _, err := memory.LoadAll(context.Background())
		if err != nil || len(endpoints) != 1 {
			return false
		}
		stats, err := memory.LoadDailyStats(context.Background(), "2026-08-31")
		return err == nil && len(stats) == 1
	}, time.Second, 10*time.Millisecond)
}

func TestJournalRetriesTransientFailures(t *testing.T) {
	flaky := &flakyStore{MemoryStore: NewMemoryStore(), failures: 2}
	journal := NewJournal(flaky, zap.NewNop().Sugar())
	defer journal.Stop()

	journal.UpsertEndpoint(fleetgate.Endpoint{Id: uuid.New(), Name: "node-a"})

	require.Eventually(t, func() bool {
		endpoints, _, err := flaky.LoadAll(context.Background())
		return err == nil && len(endpoints) == 1
	}, 3*time.Second, 20*time.Millisecond)
}

func TestJournalGivesUpAfterRetries(t *testing.T) {
	flaky := &flakyStore{MemoryStore: NewMemoryStore(), failures: 100}
	journal := NewJournal(flaky, zap.NewNop().Sugar())

	journal.UpsertEndpoint(fleetgate.Endpoint{Id: uuid.New(), Name: "node-a"})
	journal.Stop()

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&flaky.failures) <= 97
	}, 3*time.Second, 20*time.Millisecond)
	endpoints, _, err := flaky.LoadAll(context.Background())
	require.NoError(t, err)
	assert.Empty(t, endpoints)
}
