// Package queue provides the fair multi-batch scheduler feeding the worker
// pool: FIFO within a batch, round-robin across batches.
package queue

import (
	"sync"

	"harmony/internal/download"
)

// RoundRobin holds one FIFO queue per batch and rotates a ring of batch IDs
// so no batch monopolizes worker bandwidth. Take blocks while empty.
type RoundRobin struct {
	mu       sync.Mutex
	cond     *sync.Cond
	queues   map[string][]*download.Item
	order    []string
	stopping bool
}

func NewRoundRobin() *RoundRobin {
	rr := &RoundRobin{queues: make(map[string][]*download.Item)}
	rr.cond = sync.NewCond(&rr.mu)
	return rr
}

// Put appends the item to its batch's queue, registering the batch in the
// rotation ring on first sight.
func (rr *RoundRobin) Put(item *download.Item) {
	rr.mu.Lock()
	defer rr.mu.Unlock()

	if _, ok := rr.queues[item.BatchID]; !ok {
		rr.order = append(rr.order, item.BatchID)
	}
	rr.queues[item.BatchID] = append(rr.queues[item.BatchID], item)
	rr.cond.Signal()
}

// Take pops the head of the current batch and rotates the ring one position.
// It blocks while the queue is empty and returns nil once the queue is
// stopping and drained.
func (rr *RoundRobin) Take() *download.Item {
	rr.mu.Lock()
	defer rr.mu.Unlock()

	for len(rr.order) == 0 && !rr.stopping {
		rr.cond.Wait()
	}
	if len(rr.order) == 0 {
		return nil
	}

	batchID := rr.order[0]
	q := rr.queues[batchID]
	item := q[0]
	q = q[1:]

	if len(q) == 0 {
		delete(rr.queues, batchID)
		rr.order = rr.order[1:]
	} else {
		rr.queues[batchID] = q
		rr.order = append(rr.order[1:], batchID)
	}
	return item
}

// Stop wakes all waiters; subsequent Take calls drain the queue and then
// return nil.
func (rr *RoundRobin) Stop() {
	rr.mu.Lock()
	defer rr.mu.Unlock()
	rr.stopping = true
	rr.cond.Broadcast()
}

// Len reports the number of queued items across all batches.
func (rr *RoundRobin) Len() int {
	rr.mu.Lock()
	defer rr.mu.Unlock()
	n := 0
	for _, q := range rr.queues {
		n += len(q)
	}
	return n
}
