package batch

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"harmony/internal/download"
	"harmony/internal/metrics"
)

func newTestAggregator(t *testing.T) *Aggregator {
	t.Helper()
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	return NewAggregator(metrics.New(prometheus.NewRegistry()), log)
}

func createBatch(t *testing.T, a *Aggregator, batchID, requestedBy string, total int) *State {
	t.Helper()
	st, err := a.CreateBatch(batchID, requestedBy, total)
	require.NoError(t, err)
	return st
}

func queuedItems(a *Aggregator, st *State, ids ...string) []download.Item {
	items := make([]download.Item, 0, len(ids))
	for _, id := range ids {
		it := download.Item{BatchID: st.batchID, ItemID: id}
		a.RecordQueued(st, it)
		items = append(items, it)
	}
	return items
}

func TestBatchResolvesWhenAllItemsTerminal(t *testing.T) {
	a := newTestAggregator(t)
	st := createBatch(t, a, "b1", "tester", 3)
	items := queuedItems(a, st, "i1", "i2", "i3")

	a.RecordRunning(st, items[0])
	a.RecordSuccess(st, items[0], &download.Outcome{FinalPath: "/music/a.flac", BytesWritten: 10}, 1, 0.5)

	select {
	case <-st.Done():
		t.Fatal("batch resolved with items outstanding")
	default:
	}

	a.RecordRunning(st, items[1])
	a.RecordFailure(st, items[1], 3, &download.FatalError{Msg: "peer gone"}, 1.0)
	a.RecordDuplicate(st, items[2], "already_completed", true)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	sum, err := st.Wait(ctx)
	require.NoError(t, err)

	require.Equal(t, StatusPartial, sum.Status)
	require.Equal(t, 1, sum.Totals.Succeeded)
	require.Equal(t, 1, sum.Totals.Failed)
	require.Equal(t, 1, sum.Totals.Duplicates)
	require.Equal(t, 1, sum.Totals.DedupeHits)
	require.Zero(t, sum.Totals.Queued)
	require.Zero(t, sum.Totals.Running)
	require.Equal(t, sum.TotalItems, sum.Totals.Succeeded+sum.Totals.Failed+sum.Totals.Duplicates)
	require.Len(t, sum.Items, 3)
}

func TestBatchStatusClassification(t *testing.T) {
	a := newTestAggregator(t)

	// All succeed.
	st := createBatch(t, a, "ok", "t", 1)
	items := queuedItems(a, st, "i1")
	a.RecordSuccess(st, items[0], &download.Outcome{}, 1, 0.1)
	require.Equal(t, StatusSuccess, st.Snapshot().Status)

	// All fail.
	st = createBatch(t, a, "bad", "t", 1)
	items = queuedItems(a, st, "i1")
	a.RecordFailure(st, items[0], 1, &download.FatalError{Msg: "x"}, 0.1)
	require.Equal(t, StatusFailure, st.Snapshot().Status)

	// Duplicates only still count as success.
	st = createBatch(t, a, "dup", "t", 1)
	items = queuedItems(a, st, "i1")
	a.RecordDuplicate(st, items[0], "in_progress", false)
	require.Equal(t, StatusSuccess, st.Snapshot().Status)
}

func TestRetriesAccumulateWithoutRetiringItem(t *testing.T) {
	a := newTestAggregator(t)
	st := createBatch(t, a, "b", "t", 1)
	items := queuedItems(a, st, "i1")
	a.RecordRunning(st, items[0])

	a.RecordRetry(st, items[0], 1, &download.RetryableError{Msg: "429"}, 10*time.Millisecond)
	a.RecordRetry(st, items[0], 2, &download.RetryableError{Msg: "429"}, 20*time.Millisecond)

	snap := st.Snapshot()
	require.Equal(t, 2, snap.Totals.Retries)
	require.Equal(t, 1, snap.Totals.Running)

	a.RecordSuccess(st, items[0], &download.Outcome{}, 3, 0.3)
	sum := st.Snapshot()
	require.Equal(t, 3, sum.Items[0].Attempts)
	require.Equal(t, download.StateDone, sum.Items[0].State)
}

func TestCreateBatchRejectsDuplicateID(t *testing.T) {
	a := newTestAggregator(t)
	first := createBatch(t, a, "same", "tester", 1)
	queuedItems(a, first, "i1")

	_, err := a.CreateBatch("same", "tester", 1)
	var verr *download.ValidationError
	require.ErrorAs(t, err, &verr)
	require.Equal(t, "batch_id", verr.Field)

	// The original batch is untouched and still resolvable.
	got, ok := a.Batch("same")
	require.True(t, ok)
	require.Same(t, first, got)
	a.RecordSuccess(first, download.Item{BatchID: "same", ItemID: "i1"}, &download.Outcome{}, 1, 0.1)
	require.Equal(t, StatusSuccess, first.Snapshot().Status)
}

func TestRecordMethodsTolerateUnknownItems(t *testing.T) {
	a := newTestAggregator(t)
	st := createBatch(t, a, "b", "t", 2)

	// Never queued through RecordQueued; nothing here may panic.
	stray := download.Item{BatchID: "b", ItemID: "stray"}
	a.RecordRunning(st, stray)
	a.RecordFailure(st, stray, 1, &download.FatalError{Msg: "x"}, 0.1)

	sum := st.Snapshot()
	require.Equal(t, 1, sum.Totals.Failed)
	require.Zero(t, sum.Totals.Queued)
	require.Zero(t, sum.Totals.Running)

	// A second terminal record for the same item is ignored.
	a.RecordSuccess(st, stray, &download.Outcome{}, 2, 0.1)
	sum = st.Snapshot()
	require.Equal(t, 1, sum.Totals.Failed)
	require.Zero(t, sum.Totals.Succeeded)
	require.Equal(t, download.StateFailed, sum.Items[0].State)
}

func TestDurationStatsNearestRank(t *testing.T) {
	samples := []float64{5, 1, 4, 2, 3}
	stats := computeDurationStats(samples)

	require.Equal(t, 5, stats.Count)
	require.Equal(t, 1.0, stats.Min)
	require.Equal(t, 5.0, stats.Max)
	require.InDelta(t, 3.0, stats.Mean, 1e-9)
	require.Equal(t, 3.0, stats.P50) // ceil(0.5*5)=3rd of [1 2 3 4 5]
	require.Equal(t, 5.0, stats.P95)
	require.Equal(t, 5.0, stats.P99)
}

func TestDurationStatsEmpty(t *testing.T) {
	require.Zero(t, computeDurationStats(nil))
}

func TestWaitHonorsContext(t *testing.T) {
	a := newTestAggregator(t)
	st := createBatch(t, a, "never", "t", 1)
	queuedItems(a, st, "i1")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := st.Wait(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
