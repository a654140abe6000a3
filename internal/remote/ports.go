// Package remote submits queued mutations to the authoritative ledger API.
package remote

import (
	"context"
	"fmt"

	"splitledger/internal/outbox"
)

type Outcome string

const (
	// OutcomeCreated means the store materialized a new canonical row.
	OutcomeCreated Outcome = "created"
	// OutcomeDuplicate means the store had already seen this client ID and
	// returned the previously materialized row.
	OutcomeDuplicate Outcome = "duplicate"
)

// Result is a definitive answer from the authoritative store.
type Result struct {
	Outcome     Outcome
	CanonicalID string
}

// SubmitError is a definitive rejection. Conflict marks semantic
// rejections that no retry can fix.
type SubmitError struct {
	StatusCode int
	Reason     string
	Conflict   bool
}

func (e *SubmitError) Error() string {
	return fmt.Sprintf("submit rejected (status %d): %s", e.StatusCode, e.Reason)
}

// Submitter delivers one mutation under an idempotency key. A nil error
// with a Result means the mutation is durably applied. A *SubmitError
// means it was definitively rejected. Any other error (timeouts included)
// leaves the outcome unknown and the submission retryable; the idempotency
// key makes the retry safe.
type Submitter interface {
	Submit(ctx context.Context, clientID string, m outbox.Mutation) (*Result, error)
	Ping(ctx context.Context) error
}
