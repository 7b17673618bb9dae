// Package idempotency reserves dedupe keys so the same logical item is never
// processed twice, concurrently or after completion.
package idempotency

import "context"

// Reservation reasons.
const (
	ReasonAlreadyCompleted = "already_completed"
	ReasonInProgress       = "in_progress"
)

// Key statuses. Transitions are absent -> in_progress -> {absent, completed};
// completed is terminal.
const (
	statusInProgress = "in_progress"
	statusCompleted  = "completed"
)

// Reservation is the result of a reserve attempt.
type Reservation struct {
	Acquired         bool
	AlreadyProcessed bool
	Reason           string
}

// Store reserves and releases dedupe keys.
type Store interface {
	// Reserve claims the key. Acquired=false with AlreadyProcessed=true means
	// a prior run completed it; AlreadyProcessed=false means another holder
	// is processing it right now.
	Reserve(ctx context.Context, dedupeKey string) (Reservation, error)
	// Release drops the claim: success marks the key completed, failure
	// returns it to absent so it can be retried later.
	Release(ctx context.Context, dedupeKey string, success bool) error
	Close() error
}
