// Package services wires the capture path: mutations are durably queued
// first, then pushed to the authoritative store immediately when it is
// reachable.
package services

import (
	"context"
	"errors"
	"time"

	"splitledger/internal/core"
	"splitledger/internal/log"
	"splitledger/internal/outbox"
	"splitledger/internal/remote"
)

// Nudger pokes the sync worker after a mutation is queued, so drains start
// ahead of the next poll tick.
type Nudger interface {
	PublishOutboxQueued(ctx context.Context, clientID string, kind string) error
}

// Receipt describes where a captured mutation ended up.
type Receipt struct {
	// ClientID is the durable idempotency key for this mutation.
	ClientID string
	// CanonicalID is set once the authoritative store materialized the row.
	CanonicalID string
	// Queued is true while the mutation is still waiting in the outbox.
	Queued bool
	// Deduplicated is true when the submission collapsed into an earlier
	// identical one.
	Deduplicated bool
}

// CaptureService records ledger mutations. Every mutation lands in the
// outbox before any network attempt, so client data survives a crash or a
// dead link; a reachable store is just the fast path.
type CaptureService struct {
	outbox    *outbox.Store
	submitter remote.Submitter
	nudger    Nudger // nil when AMQP is not configured
	timeout   time.Duration
	logger    *log.Logger
}

func NewCaptureService(store *outbox.Store, submitter remote.Submitter, nudger Nudger, submitTimeout time.Duration, logger *log.Logger) *CaptureService {
	return &CaptureService{
		outbox:    store,
		submitter: submitter,
		nudger:    nudger,
		timeout:   submitTimeout,
		logger:    logger.WithComponent(log.ComponentLedger),
	}
}

// RecordExpense captures an expense mutation. Shares must already be
// computed; the expense is validated before anything is queued.
func (s *CaptureService) RecordExpense(ctx context.Context, e *core.Expense) (*Receipt, error) {
	if e.Status == "" {
		e.Status = core.ExpensePending
	}
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return s.record(ctx, outbox.NewExpenseMutation(e))
}

// RecordPayment captures a settlement payment mutation.
func (s *CaptureService) RecordPayment(ctx context.Context, p *core.Payment) (*Receipt, error) {
	if p.Status == "" {
		p.Status = core.PaymentCompleted
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return s.record(ctx, outbox.NewPaymentMutation(p))
}

func (s *CaptureService) record(ctx context.Context, m outbox.Mutation) (*Receipt, error) {
	clientID, deduped, err := s.outbox.Enqueue(ctx, m)
	if err != nil {
		return nil, err
	}

	if deduped {
		// The earlier submission owns this mutation; report its state.
		entry, err := s.outbox.Get(ctx, clientID)
		if err != nil {
			return nil, err
		}
		return &Receipt{
			ClientID:     clientID,
			CanonicalID:  entry.CanonicalID,
			Queued:       entry.Status != outbox.StatusSynced,
			Deduplicated: true,
		}, nil
	}

	receipt, err := s.trySubmit(ctx, clientID, m)
	if err != nil {
		return nil, err
	}
	if receipt.Queued {
		s.nudge(ctx, clientID, string(m.Kind))
	}
	return receipt, nil
}

// trySubmit attempts the fast path. Any retryable failure leaves the entry
// queued for the sync coordinator. A semantic rejection parks the entry
// and surfaces the error to the caller, who is online and can fix it.
func (s *CaptureService) trySubmit(ctx context.Context, clientID string, m outbox.Mutation) (*Receipt, error) {
	queued := &Receipt{ClientID: clientID, Queued: true}

	if err := s.outbox.MarkSyncing(ctx, clientID); err != nil {
		s.logger.WarnContext(ctx, "Failed to claim fresh entry",
			log.FieldClientID, clientID, log.FieldError, err)
		return queued, nil
	}

	submitCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	result, err := s.submitter.Submit(submitCtx, clientID, m)
	if err == nil {
		if err := s.outbox.MarkSynced(ctx, clientID, result.CanonicalID); err != nil {
			s.logger.ErrorContext(ctx, "Failed to retire submitted entry",
				log.FieldClientID, clientID, log.FieldError, err)
		}
		return &Receipt{ClientID: clientID, CanonicalID: result.CanonicalID}, nil
	}

	var submitErr *remote.SubmitError
	if errors.As(err, &submitErr) && submitErr.Conflict {
		if markErr := s.outbox.MarkConflict(ctx, clientID, submitErr.Reason); markErr != nil {
			s.logger.ErrorContext(ctx, "Failed to park rejected entry",
				log.FieldClientID, clientID, log.FieldError, markErr)
		}
		return nil, err
	}

	// Unknown or transient outcome, a rate limit included. Requeue
	// immediately; the idempotency key makes the replay safe even if the
	// submission actually landed.
	if markErr := s.outbox.MarkFailed(ctx, clientID, err.Error(), 0, time.Now()); markErr != nil {
		s.logger.ErrorContext(ctx, "Failed to requeue entry",
			log.FieldClientID, clientID, log.FieldError, markErr)
	}
	s.logger.InfoContext(ctx, "Store unreachable, mutation queued for sync",
		log.FieldClientID, clientID, log.FieldError, err)
	return queued, nil
}

func (s *CaptureService) nudge(ctx context.Context, clientID, kind string) {
	if s.nudger == nil {
		return
	}
	if err := s.nudger.PublishOutboxQueued(ctx, clientID, kind); err != nil {
		s.logger.WarnContext(ctx, "Failed to nudge sync worker",
			log.FieldClientID, clientID, log.FieldError, err)
	}
}
