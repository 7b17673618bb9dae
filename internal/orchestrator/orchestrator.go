// Package orchestrator owns the worker pool: it accepts batch submissions,
// schedules items fairly across batches, reserves idempotency keys and runs
// each item through the pipeline with retries.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"harmony/internal/batch"
	"harmony/internal/config"
	"harmony/internal/download"
	"harmony/internal/idempotency"
	"harmony/internal/pipeline"
	"harmony/internal/queue"
	"harmony/internal/sidecar"
)

// Orchestrator dispatches queued items to a fixed pool of workers.
type Orchestrator struct {
	cfg      config.Config
	queue    *queue.RoundRobin
	runner   pipeline.Runner
	keys     idempotency.Store
	agg      *batch.Aggregator
	sidecars *sidecar.Store
	log      *slog.Logger

	// rng feeds backoff jitter; swapped for a fixed source in tests.
	rng func() float64

	startOnce sync.Once
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

func New(cfg config.Config, runner pipeline.Runner, keys idempotency.Store, agg *batch.Aggregator, sidecars *sidecar.Store, log *slog.Logger) *Orchestrator {
	return &Orchestrator{
		cfg:      cfg,
		queue:    queue.NewRoundRobin(),
		runner:   runner,
		keys:     keys,
		agg:      agg,
		sidecars: sidecars,
		log:      log,
		rng:      rand.Float64,
	}
}

// Start launches the worker pool. Safe to call once; later calls are no-ops.
func (o *Orchestrator) Start() {
	o.startOnce.Do(func() {
		ctx, cancel := context.WithCancel(context.Background())
		o.cancel = cancel
		for i := 0; i < o.cfg.WorkerConcurrency; i++ {
			o.wg.Add(1)
			go o.worker(ctx, i)
		}
		o.log.Info("worker pool started", "concurrency", o.cfg.WorkerConcurrency)
	})
}

// Shutdown stops the scheduler and cancels running workers. In-flight items
// are recorded as failed with a cancellation error and their idempotency
// reservations released. ctx bounds how long to wait for the workers.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.queue.Stop()
	if o.cancel != nil {
		o.cancel()
	}

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		o.log.Info("worker pool stopped")
		return nil
	case <-ctx.Done():
		o.log.Warn("gave up waiting for workers", "error", ctx.Err())
		return ctx.Err()
	}
}

// BatchHandle is the caller's view of a submitted batch.
type BatchHandle struct {
	BatchID     string
	ItemsTotal  int
	RequestedBy string
	state       *batch.State
}

// Wait blocks until every item in the batch is terminal.
func (h *BatchHandle) Wait(ctx context.Context) (batch.Summary, error) {
	return h.state.Wait(ctx)
}

// Snapshot returns the batch's current state without blocking.
func (h *BatchHandle) Snapshot() batch.Summary {
	return h.state.Snapshot()
}

// SubmitBatch validates and enqueues a batch. Items enter the scheduler in
// request order.
func (o *Orchestrator) SubmitBatch(req download.BatchRequest) (*BatchHandle, error) {
	items, err := download.NormalizeBatch(req, o.cfg.BatchMaxItems)
	if err != nil {
		return nil, err
	}

	st, err := o.agg.CreateBatch(items[0].BatchID, req.RequestedBy, len(items))
	if err != nil {
		return nil, err
	}
	for i := range items {
		item := items[i]
		o.agg.RecordQueued(st, item)
		o.queue.Put(&item)
	}

	o.log.Info("batch accepted", "batch", items[0].BatchID, "items", len(items), "requested_by", req.RequestedBy)
	return &BatchHandle{BatchID: items[0].BatchID, ItemsTotal: len(items), RequestedBy: req.RequestedBy, state: st}, nil
}

// SubmitSingle wraps one track request in a single-item batch.
func (o *Orchestrator) SubmitSingle(item download.RequestItem, requestedBy string) (*BatchHandle, error) {
	return o.SubmitBatch(download.BatchRequest{
		Items:       []download.RequestItem{item},
		RequestedBy: requestedBy,
	})
}

// Batch looks up a live batch for the status API.
func (o *Orchestrator) Batch(batchID string) (*batch.State, bool) {
	return o.agg.Batch(batchID)
}

// QueueDepth reports the number of items waiting for a worker.
func (o *Orchestrator) QueueDepth() int {
	return o.queue.Len()
}

func (o *Orchestrator) worker(ctx context.Context, id int) {
	defer o.wg.Done()
	for {
		item := o.queue.Take()
		if item == nil {
			return
		}
		o.runItem(ctx, *item)
	}
}

// runItem shields the worker loop from panics in the pipeline: the item is
// recorded as failed and the worker moves on to the next one.
func (o *Orchestrator) runItem(ctx context.Context, item download.Item) {
	defer func() {
		if r := recover(); r != nil {
			o.log.Error("worker panic recovered", "batch", item.BatchID, "item", item.ItemID, "panic", r)
			if st, ok := o.agg.Batch(item.BatchID); ok {
				o.agg.RecordFailure(st, item, 0, fmt.Errorf("panic: %v", r), 0)
			}
		}
	}()
	o.process(ctx, item)
}

// process runs one item to a terminal state: success, duplicate or failure.
func (o *Orchestrator) process(ctx context.Context, item download.Item) {
	st, ok := o.agg.Batch(item.BatchID)
	if !ok {
		o.log.Warn("dropping item for unknown batch", "batch", item.BatchID, "item", item.ItemID)
		return
	}
	o.agg.RecordRunning(st, item)
	start := time.Now()

	resv, err := o.keys.Reserve(ctx, item.DedupeKey)
	if err != nil {
		o.agg.RecordFailure(st, item, 0, err, time.Since(start).Seconds())
		return
	}
	if !resv.Acquired {
		o.log.Info("duplicate item skipped", "item", item.ItemID, "key", item.DedupeKey, "reason", resv.Reason)
		o.agg.RecordDuplicate(st, item, resv.Reason, resv.AlreadyProcessed)
		return
	}

	success := false
	defer func() {
		// Release on a fresh context so a cancelled worker never strands
		// the key in in_progress.
		releaseCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := o.keys.Release(releaseCtx, item.DedupeKey, success); err != nil {
			o.log.Error("idempotency release failed", "key", item.DedupeKey, "error", err)
		}
	}()

	// The processing clock restarts per attempt so the histogram measures
	// pipeline work, not backoff sleeps or earlier failed attempts.
	for attempt := 1; attempt <= o.cfg.MaxRetries; attempt++ {
		attemptStart := time.Now()
		outcome, err := o.runner.Execute(ctx, item, attempt)
		if err == nil {
			success = true
			o.agg.RecordSuccess(st, item, outcome, attempt, time.Since(attemptStart).Seconds())
			return
		}

		if ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			o.agg.RecordFailure(st, item, attempt, err, time.Since(attemptStart).Seconds())
			return
		}
		if !download.IsRetryable(err) || attempt == o.cfg.MaxRetries {
			o.agg.RecordFailure(st, item, attempt, err, time.Since(attemptStart).Seconds())
			if derr := o.sidecars.Delete(item.ItemID); derr != nil {
				o.log.Warn("sidecar cleanup failed", "item", item.ItemID, "error", derr)
			}
			return
		}

		delay := o.backoff(attempt, download.RetryAfterHint(err))
		o.agg.RecordRetry(st, item, attempt, err, delay)
		select {
		case <-ctx.Done():
			o.agg.RecordFailure(st, item, attempt, ctx.Err(), time.Since(attemptStart).Seconds())
			return
		case <-time.After(delay):
		}
	}
}
