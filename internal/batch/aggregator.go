// Package batch tracks per-batch state: item results, totals, duration
// statistics and the completion future callers wait on.
package batch

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"harmony/internal/download"
	"harmony/internal/metrics"
)

// Batch statuses.
const (
	StatusSuccess = "success"
	StatusPartial = "partial"
	StatusFailure = "failure"
)

// Totals are the per-batch counters.
type Totals struct {
	Queued     int `json:"queued"`
	Running    int `json:"running"`
	Succeeded  int `json:"succeeded"`
	Failed     int `json:"failed"`
	Retries    int `json:"retries"`
	Duplicates int `json:"duplicates"`
	DedupeHits int `json:"dedupe_hits"`
}

// Summary is the final (or, via Snapshot, current) view of a batch.
type Summary struct {
	BatchID     string                `json:"batch_id"`
	RequestedBy string                `json:"requested_by"`
	Status      string                `json:"status"`
	TotalItems  int                   `json:"total_items"`
	Totals      Totals                `json:"totals"`
	Items       []download.ItemResult `json:"items"`
	Durations   DurationStats         `json:"durations"`
}

// State is one live batch. All mutation goes through the aggregator, which
// takes the state's lock.
type State struct {
	mu          sync.Mutex
	batchID     string
	requestedBy string
	total       int
	results     map[string]*download.ItemResult
	order       []string
	totals      Totals
	samples     []float64
	done        chan struct{}
	closed      bool
	summary     Summary
}

// Done returns the completion future: closed when every item is terminal.
func (s *State) Done() <-chan struct{} { return s.done }

// Wait blocks for the batch summary.
func (s *State) Wait(ctx context.Context) (Summary, error) {
	select {
	case <-s.done:
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.summary, nil
	case <-ctx.Done():
		return Summary{}, ctx.Err()
	}
}

// Snapshot returns the current view, final or not.
func (s *State) Snapshot() Summary {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return s.summary
	}
	return s.buildSummaryLocked()
}

func (s *State) buildSummaryLocked() Summary {
	items := make([]download.ItemResult, 0, len(s.order))
	for _, id := range s.order {
		items = append(items, *s.results[id])
	}
	return Summary{
		BatchID:     s.batchID,
		RequestedBy: s.requestedBy,
		Status:      statusFor(s.totals),
		TotalItems:  s.total,
		Totals:      s.totals,
		Items:       items,
		Durations:   computeDurationStats(s.samples),
	}
}

func statusFor(t Totals) string {
	switch {
	case t.Failed == 0:
		return StatusSuccess
	case t.Succeeded == 0:
		return StatusFailure
	default:
		return StatusPartial
	}
}

// Aggregator owns every batch state and feeds the metrics collectors.
type Aggregator struct {
	mu      sync.Mutex
	batches map[string]*State
	metrics *metrics.Metrics
	log     *slog.Logger
}

func NewAggregator(m *metrics.Metrics, log *slog.Logger) *Aggregator {
	return &Aggregator{batches: make(map[string]*State), metrics: m, log: log}
}

// CreateBatch registers a new batch with the expected item count. Batch IDs
// are single-use: a colliding ID is rejected so the existing batch's state is
// never clobbered while workers still hold its items.
func (a *Aggregator) CreateBatch(batchID, requestedBy string, total int) (*State, error) {
	st := &State{
		batchID:     batchID,
		requestedBy: requestedBy,
		total:       total,
		results:     make(map[string]*download.ItemResult),
		done:        make(chan struct{}),
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.batches[batchID]; ok {
		return nil, &download.ValidationError{Field: "batch_id", Msg: fmt.Sprintf("batch %q already exists", batchID)}
	}
	a.batches[batchID] = st
	return st, nil
}

// Batch looks up a live batch.
func (a *Aggregator) Batch(batchID string) (*State, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	st, ok := a.batches[batchID]
	return st, ok
}

// resultLocked returns the item's result, registering it as queued first if
// the item was never recorded. Callers hold st.mu.
func (st *State) resultLocked(itemID string) *download.ItemResult {
	res := st.results[itemID]
	if res == nil {
		res = &download.ItemResult{ItemID: itemID, State: download.StateQueued}
		st.results[itemID] = res
		st.order = append(st.order, itemID)
		st.totals.Queued++
	}
	return res
}

func terminal(state string) bool {
	switch state {
	case download.StateDone, download.StateFailed, download.StateDuplicate:
		return true
	}
	return false
}

// RecordQueued registers an item in the queued state.
func (a *Aggregator) RecordQueued(st *State, item download.Item) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.resultLocked(item.ItemID)
}

// RecordRunning marks an item as claimed by a worker.
func (a *Aggregator) RecordRunning(st *State, item download.Item) {
	st.mu.Lock()
	defer st.mu.Unlock()
	res := st.resultLocked(item.ItemID)
	if terminal(res.State) {
		return
	}
	if res.State == download.StateQueued {
		st.totals.Queued--
		st.totals.Running++
	}
	res.State = download.StateRunning
}

// RecordSuccess finalizes an item as done and emits its phase metrics.
func (a *Aggregator) RecordSuccess(st *State, item download.Item, outcome *download.Outcome, attempts int, processingSeconds float64) {
	st.mu.Lock()
	res := st.resultLocked(item.ItemID)
	if terminal(res.State) {
		st.mu.Unlock()
		return
	}
	a.retire(st, res)
	res.State = download.StateDone
	res.Attempts = attempts
	res.FinalPath = outcome.FinalPath
	res.TagsWritten = outcome.TagsWritten
	res.BytesWritten = outcome.BytesWritten
	res.DurationSeconds = outcome.DurationSeconds
	res.Quality = outcome.Quality
	res.Events = outcome.Events
	st.totals.Succeeded++
	st.samples = append(st.samples, processingSeconds)
	a.maybeFinalizeLocked(st)
	st.mu.Unlock()

	a.metrics.ItemOutcomes.WithLabelValues(download.StateDone).Inc()
	a.metrics.Processing.Observe(processingSeconds)
	a.observePhases(outcome.Events)
}

// RecordFailure finalizes an item as failed.
func (a *Aggregator) RecordFailure(st *State, item download.Item, attempts int, err error, processingSeconds float64) {
	st.mu.Lock()
	res := st.resultLocked(item.ItemID)
	if terminal(res.State) {
		st.mu.Unlock()
		return
	}
	a.retire(st, res)
	res.State = download.StateFailed
	res.Attempts = attempts
	res.Error = fmt.Sprintf("%s: %v", download.ErrorType(err), err)
	st.totals.Failed++
	a.maybeFinalizeLocked(st)
	st.mu.Unlock()

	a.metrics.ItemOutcomes.WithLabelValues(download.StateFailed).Inc()
	a.metrics.ItemFailures.WithLabelValues(download.ErrorType(err)).Inc()
	a.log.Warn("item failed", "batch", st.batchID, "item", item.ItemID, "attempts", attempts, "error", err)
}

// RecordRetry counts a retried attempt; the item stays running.
func (a *Aggregator) RecordRetry(st *State, item download.Item, attempt int, err error, retryAfter time.Duration) {
	st.mu.Lock()
	st.totals.Retries++
	if res := st.results[item.ItemID]; res != nil {
		res.Attempts = attempt
	}
	st.mu.Unlock()

	a.metrics.ItemRetries.WithLabelValues(download.ErrorType(err)).Inc()
	a.log.Info("item retrying", "batch", st.batchID, "item", item.ItemID, "attempt", attempt, "retry_after", retryAfter, "error", err)
}

// RecordDuplicate finalizes an item as a dedupe skip.
func (a *Aggregator) RecordDuplicate(st *State, item download.Item, reason string, alreadyProcessed bool) {
	st.mu.Lock()
	res := st.resultLocked(item.ItemID)
	if terminal(res.State) {
		st.mu.Unlock()
		return
	}
	a.retire(st, res)
	res.State = download.StateDuplicate
	res.Error = reason
	res.Events = append(res.Events, download.NewEvent(download.EventDedupeSkip, map[string]string{"reason": reason}))
	st.totals.Duplicates++
	st.totals.DedupeHits++
	a.maybeFinalizeLocked(st)
	st.mu.Unlock()

	a.metrics.ItemOutcomes.WithLabelValues(download.StateDuplicate).Inc()
	a.metrics.Duplicates.WithLabelValues(strconv.FormatBool(alreadyProcessed)).Inc()
	a.metrics.DedupeHits.Inc()
}

// retire removes an item from the queued/running counts prior to its
// terminal transition.
func (a *Aggregator) retire(st *State, res *download.ItemResult) {
	switch res.State {
	case download.StateQueued:
		st.totals.Queued--
	case download.StateRunning:
		st.totals.Running--
	}
}

// maybeFinalizeLocked resolves the completion future once nothing is queued
// or running.
func (a *Aggregator) maybeFinalizeLocked(st *State) {
	if st.closed || st.totals.Queued+st.totals.Running != 0 {
		return
	}
	st.summary = st.buildSummaryLocked()
	st.closed = true
	close(st.done)
}

// Phase names for the duration histogram.
const (
	PhaseDownload = "download"
	PhaseTagging  = "tagging"
	PhaseMoving   = "moving"
)

// observePhases derives phase durations from the ordered event list:
// download runs from accepted to detected (or completed), tagging and moving
// are measured against the immediately preceding event.
func (a *Aggregator) observePhases(events []download.ItemEvent) {
	var acceptedAt time.Time
	var downloadEnd time.Time
	prev := time.Time{}

	for _, ev := range events {
		switch ev.Name {
		case download.EventAccepted:
			acceptedAt = ev.Timestamp
		case download.EventDetected:
			downloadEnd = ev.Timestamp
		case download.EventCompleted:
			if downloadEnd.IsZero() {
				downloadEnd = ev.Timestamp
			}
		case download.EventTaggingComplete, download.EventTaggingSkipped:
			if !prev.IsZero() {
				a.metrics.PhaseDuration.WithLabelValues(PhaseTagging).Observe(ev.Timestamp.Sub(prev).Seconds())
			}
		case download.EventFileMoved:
			if !prev.IsZero() {
				a.metrics.PhaseDuration.WithLabelValues(PhaseMoving).Observe(ev.Timestamp.Sub(prev).Seconds())
			}
		}
		prev = ev.Timestamp
	}

	if !acceptedAt.IsZero() && !downloadEnd.IsZero() {
		a.metrics.PhaseDuration.WithLabelValues(PhaseDownload).Observe(downloadEnd.Sub(acceptedAt).Seconds())
	}
}
