package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"splitledger/internal/core"
)

// CreatePayment persists a settlement transfer. Like CreateExpense, a
// non-empty clientID makes the write idempotent.
func (r *Repository) CreatePayment(ctx context.Context, clientID string, p *core.Payment) (canonicalID string, duplicate bool, err error) {
	if p.Status == "" {
		p.Status = core.PaymentCompleted
	}
	if err := p.Validate(); err != nil {
		return "", false, err
	}

	unlock := r.lockGroup(p.GroupID)
	defer unlock()

	group, err := r.GetGroup(ctx, p.GroupID)
	if err != nil {
		return "", false, err
	}
	if group.Status != core.GroupActive {
		return "", false, fmt.Errorf("group %s is %s: %w", group.ID, group.Status, ErrGroupState)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return "", false, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if clientID != "" {
		existing, err := lookupIdempotency(ctx, tx, clientID)
		if err != nil {
			return "", false, err
		}
		if existing != "" {
			return existing, true, nil
		}
	}

	members, err := r.memberSet(ctx, tx, p.GroupID)
	if err != nil {
		return "", false, err
	}
	if !members[p.FromUserID] {
		return "", false, fmt.Errorf("payer %s: %w", p.FromUserID, ErrNotMember)
	}
	if !members[p.ToUserID] {
		return "", false, fmt.Errorf("payee %s: %w", p.ToUserID, ErrNotMember)
	}

	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO payments (id, group_id, from_user_id, to_user_id, amount_cents, status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.GroupID, p.FromUserID, p.ToUserID, p.Amount.Cents, string(p.Status), p.CreatedAt.Unix(),
	)
	if err != nil {
		return "", false, fmt.Errorf("insert payment: %w", err)
	}

	if clientID != "" {
		if err := recordIdempotency(ctx, tx, clientID, kindPayment, p.ID); err != nil {
			return "", false, err
		}
	}

	if err := tx.Commit(); err != nil {
		return "", false, fmt.Errorf("commit transaction: %w", err)
	}

	slog.InfoContext(ctx, "Payment persisted",
		"payment_id", p.ID,
		"group_id", p.GroupID,
		"amount_cents", p.Amount.Cents,
		"client_id", clientID)

	return p.ID, false, nil
}

// MarkPaymentStatus updates a payment's lifecycle state.
func (r *Repository) MarkPaymentStatus(ctx context.Context, id string, status core.PaymentStatus) error {
	res, err := r.db.ExecContext(ctx,
		"UPDATE payments SET status = ? WHERE id = ?", string(status), id)
	if err != nil {
		return fmt.Errorf("update payment status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("payment %s: %w", id, ErrNotFound)
	}
	return nil
}

// GetPayment retrieves a payment by ID.
func (r *Repository) GetPayment(ctx context.Context, id string) (*core.Payment, error) {
	p := &core.Payment{}
	var createdAt int64
	err := r.db.QueryRowContext(ctx,
		`SELECT id, group_id, from_user_id, to_user_id, amount_cents, status, created_at
		 FROM payments WHERE id = ?`, id,
	).Scan(&p.ID, &p.GroupID, &p.FromUserID, &p.ToUserID, &p.Amount.Cents, &p.Status, &createdAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("payment %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get payment: %w", err)
	}
	p.CreatedAt = time.Unix(createdAt, 0)
	return p, nil
}
