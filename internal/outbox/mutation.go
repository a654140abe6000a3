// Package outbox queues ledger mutations captured while the authoritative
// store is unreachable. Entries are durable, deduplicated by content
// fingerprint, and drained in creation order by the sync coordinator.
package outbox

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"splitledger/internal/core"
)

type Status string

const (
	StatusPending           Status = "pending"
	StatusSyncing           Status = "syncing"
	StatusSynced            Status = "synced"
	StatusFailed            Status = "failed"
	StatusPermanentlyFailed Status = "permanently_failed"
	StatusConflict          Status = "conflict"
)

type Kind string

const (
	KindExpense Kind = "expense"
	KindPayment Kind = "payment"
)

var ErrUnknownKind = errors.New("unknown mutation kind")

// Mutation is a closed set of queueable ledger writes. Exactly one of the
// payload fields is set, selected by Kind.
type Mutation struct {
	Kind    Kind             `json:"kind"`
	Expense *ExpenseMutation `json:"expense,omitempty"`
	Payment *PaymentMutation `json:"payment,omitempty"`
}

// ExpenseMutation carries everything needed to replay an expense write
// against the authoritative store.
type ExpenseMutation struct {
	GroupID      string           `json:"group_id"`
	Description  string           `json:"description"`
	AmountCents  int64            `json:"amount_cents"`
	PayerID      string           `json:"payer_id"`
	SplitType    core.SplitType   `json:"split_type"`
	ExpenseDate  time.Time        `json:"expense_date"`
	Participants []ParticipantRef `json:"participants"`
}

type ParticipantRef struct {
	UserID       string  `json:"user_id"`
	ShareCents   int64   `json:"share_cents"`
	SharePercent float64 `json:"share_percent,omitempty"`
}

type PaymentMutation struct {
	GroupID     string `json:"group_id"`
	FromUserID  string `json:"from_user_id"`
	ToUserID    string `json:"to_user_id"`
	AmountCents int64  `json:"amount_cents"`
}

func NewExpenseMutation(e *core.Expense) Mutation {
	m := &ExpenseMutation{
		GroupID:     e.GroupID,
		Description: e.Description,
		AmountCents: e.Amount.Cents,
		PayerID:     e.PayerID,
		SplitType:   e.SplitType,
		ExpenseDate: e.ExpenseDate,
	}
	for _, p := range e.Participants {
		m.Participants = append(m.Participants, ParticipantRef{
			UserID:       p.UserID,
			ShareCents:   p.ShareAmount.Cents,
			SharePercent: p.SharePercent,
		})
	}
	return Mutation{Kind: KindExpense, Expense: m}
}

func NewPaymentMutation(p *core.Payment) Mutation {
	return Mutation{Kind: KindPayment, Payment: &PaymentMutation{
		GroupID:     p.GroupID,
		FromUserID:  p.FromUserID,
		ToUserID:    p.ToUserID,
		AmountCents: p.Amount.Cents,
	}}
}

func (m Mutation) Validate() error {
	switch m.Kind {
	case KindExpense:
		if m.Expense == nil || m.Payment != nil {
			return fmt.Errorf("expense mutation payload mismatch: %w", ErrUnknownKind)
		}
	case KindPayment:
		if m.Payment == nil || m.Expense != nil {
			return fmt.Errorf("payment mutation payload mismatch: %w", ErrUnknownKind)
		}
	default:
		return fmt.Errorf("kind %q: %w", m.Kind, ErrUnknownKind)
	}
	return nil
}

// GroupID returns the group the mutation targets.
func (m Mutation) GroupID() string {
	switch m.Kind {
	case KindExpense:
		return m.Expense.GroupID
	case KindPayment:
		return m.Payment.GroupID
	}
	return ""
}

// ActorID returns the user performing the mutation.
func (m Mutation) ActorID() string {
	switch m.Kind {
	case KindExpense:
		return m.Expense.PayerID
	case KindPayment:
		return m.Payment.FromUserID
	}
	return ""
}

// AmountCents returns the mutation's monetary amount in minor units.
func (m Mutation) AmountCents() int64 {
	switch m.Kind {
	case KindExpense:
		return m.Expense.AmountCents
	case KindPayment:
		return m.Payment.AmountCents
	}
	return 0
}

// Description returns the human-readable label used in the fingerprint.
// Payments have no free-form description; the kind stands in for it.
func (m Mutation) Description() string {
	if m.Kind == KindExpense {
		return m.Expense.Description
	}
	return string(m.Kind)
}

func (m Mutation) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}

func MutationFromJSON(data []byte) (Mutation, error) {
	var m Mutation
	if err := json.Unmarshal(data, &m); err != nil {
		return Mutation{}, fmt.Errorf("decode mutation: %w", err)
	}
	if err := m.Validate(); err != nil {
		return Mutation{}, err
	}
	return m, nil
}
