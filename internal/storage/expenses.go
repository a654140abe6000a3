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

const (
	kindExpense = "expense"
	kindPayment = "payment"
)

// CreateExpense validates and persists an expense together with its
// participants in a single transaction.
//
// clientID is the caller's idempotency key. When a key is supplied and has
// been seen before, no new rows are written and the previously materialized
// canonical ID is returned with duplicate=true. An empty clientID skips the
// idempotency record (trusted in-process writes).
func (r *Repository) CreateExpense(ctx context.Context, clientID string, e *core.Expense) (canonicalID string, duplicate bool, err error) {
	if e.Status == "" {
		e.Status = core.ExpensePending
	}
	if err := e.Validate(); err != nil {
		return "", false, err
	}

	unlock := r.lockGroup(e.GroupID)
	defer unlock()

	group, err := r.GetGroup(ctx, e.GroupID)
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

	members, err := r.memberSet(ctx, tx, e.GroupID)
	if err != nil {
		return "", false, err
	}
	if !members[e.PayerID] {
		return "", false, fmt.Errorf("payer %s: %w", e.PayerID, ErrNotMember)
	}
	for _, p := range e.Participants {
		if !members[p.UserID] {
			return "", false, fmt.Errorf("participant %s: %w", p.UserID, ErrNotMember)
		}
	}

	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	if e.ExpenseDate.IsZero() {
		e.ExpenseDate = e.CreatedAt
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO expenses (id, group_id, description, amount_cents, payer_id, split_type, status, expense_date, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.GroupID, e.Description, e.Amount.Cents, e.PayerID,
		string(e.SplitType), string(e.Status), e.ExpenseDate.Unix(), e.CreatedAt.Unix(),
	)
	if err != nil {
		return "", false, fmt.Errorf("insert expense: %w", err)
	}

	for i := range e.Participants {
		p := &e.Participants[i]
		p.ExpenseID = e.ID

		var percent any
		if p.SharePercent != 0 {
			percent = p.SharePercent
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO expense_participants (expense_id, user_id, share_cents, share_percent, is_paid)
			 VALUES (?, ?, ?, ?, ?)`,
			e.ID, p.UserID, p.ShareAmount.Cents, percent, boolToInt(p.IsPaid),
		)
		if err != nil {
			return "", false, fmt.Errorf("insert expense participant: %w", err)
		}
	}

	if clientID != "" {
		if err := recordIdempotency(ctx, tx, clientID, kindExpense, e.ID); err != nil {
			return "", false, err
		}
	}

	if err := tx.Commit(); err != nil {
		return "", false, fmt.Errorf("commit transaction: %w", err)
	}

	slog.InfoContext(ctx, "Expense persisted",
		"expense_id", e.ID,
		"group_id", e.GroupID,
		"amount_cents", e.Amount.Cents,
		"participants", len(e.Participants),
		"client_id", clientID)

	return e.ID, false, nil
}

// GetExpense retrieves an expense with its participants.
func (r *Repository) GetExpense(ctx context.Context, id string) (*core.Expense, error) {
	e := &core.Expense{}
	var expenseDate, createdAt int64
	err := r.db.QueryRowContext(ctx,
		`SELECT id, group_id, description, amount_cents, payer_id, split_type, status, expense_date, created_at
		 FROM expenses WHERE id = ?`, id,
	).Scan(&e.ID, &e.GroupID, &e.Description, &e.Amount.Cents, &e.PayerID,
		&e.SplitType, &e.Status, &expenseDate, &createdAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("expense %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get expense: %w", err)
	}
	e.ExpenseDate = time.Unix(expenseDate, 0)
	e.CreatedAt = time.Unix(createdAt, 0)

	parts, err := r.expenseParticipants(ctx, id)
	if err != nil {
		return nil, err
	}
	e.Participants = parts
	return e, nil
}

func (r *Repository) expenseParticipants(ctx context.Context, expenseID string) ([]core.ExpenseParticipant, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT expense_id, user_id, share_cents, share_percent, is_paid
		 FROM expense_participants WHERE expense_id = ? ORDER BY user_id`, expenseID)
	if err != nil {
		return nil, fmt.Errorf("query expense participants: %w", err)
	}
	defer rows.Close()

	var parts []core.ExpenseParticipant
	for rows.Next() {
		var p core.ExpenseParticipant
		var percent sql.NullFloat64
		var paid int
		if err := rows.Scan(&p.ExpenseID, &p.UserID, &p.ShareAmount.Cents, &percent, &paid); err != nil {
			return nil, fmt.Errorf("scan expense participant: %w", err)
		}
		if percent.Valid {
			p.SharePercent = percent.Float64
		}
		p.IsPaid = paid != 0
		parts = append(parts, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate expense participants: %w", err)
	}
	return parts, nil
}

func lookupIdempotency(ctx context.Context, tx *sql.Tx, clientID string) (string, error) {
	var canonicalID string
	err := tx.QueryRowContext(ctx,
		"SELECT canonical_id FROM idempotency_keys WHERE client_id = ?", clientID,
	).Scan(&canonicalID)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("lookup idempotency key: %w", err)
	}
	return canonicalID, nil
}

func recordIdempotency(ctx context.Context, tx *sql.Tx, clientID, kind, canonicalID string) error {
	_, err := tx.ExecContext(ctx,
		"INSERT INTO idempotency_keys (client_id, kind, canonical_id, created_at) VALUES (?, ?, ?, ?)",
		clientID, kind, canonicalID, time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("record idempotency key: %w", err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
