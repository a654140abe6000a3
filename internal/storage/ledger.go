package storage

import (
	"context"
	"fmt"
	"time"

	"splitledger/internal/core"
)

// Ledger is a full read of one group's state. Member balances are derived
// from the expenses and payments at read time.
type Ledger struct {
	Group    *core.Group
	Members  []core.GroupMember
	Expenses []core.Expense
	Payments []core.Payment
}

// GetGroupLedger loads the group, its members, and every expense and
// payment, then derives each member's balance.
func (r *Repository) GetGroupLedger(ctx context.Context, groupID string) (*Ledger, error) {
	group, err := r.GetGroup(ctx, groupID)
	if err != nil {
		return nil, err
	}

	members, err := r.groupMembers(ctx, groupID)
	if err != nil {
		return nil, err
	}

	expenses, err := r.groupExpenses(ctx, groupID)
	if err != nil {
		return nil, err
	}

	payments, err := r.groupPayments(ctx, groupID)
	if err != nil {
		return nil, err
	}

	return &Ledger{
		Group:    group,
		Members:  core.MemberBalances(members, expenses, payments),
		Expenses: expenses,
		Payments: payments,
	}, nil
}

func (r *Repository) groupMembers(ctx context.Context, groupID string) ([]core.GroupMember, error) {
	rows, err := r.db.QueryContext(ctx,
		"SELECT group_id, user_id, role FROM group_members WHERE group_id = ? ORDER BY user_id",
		groupID)
	if err != nil {
		return nil, fmt.Errorf("query group members: %w", err)
	}
	defer rows.Close()

	var members []core.GroupMember
	for rows.Next() {
		var m core.GroupMember
		if err := rows.Scan(&m.GroupID, &m.UserID, &m.Role); err != nil {
			return nil, fmt.Errorf("scan group member: %w", err)
		}
		members = append(members, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate group members: %w", err)
	}
	return members, nil
}

func (r *Repository) groupExpenses(ctx context.Context, groupID string) ([]core.Expense, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, group_id, description, amount_cents, payer_id, split_type, status, expense_date, created_at
		 FROM expenses WHERE group_id = ? ORDER BY created_at, id`, groupID)
	if err != nil {
		return nil, fmt.Errorf("query expenses: %w", err)
	}
	defer rows.Close()

	var expenses []core.Expense
	for rows.Next() {
		var e core.Expense
		var expenseDate, createdAt int64
		if err := rows.Scan(&e.ID, &e.GroupID, &e.Description, &e.Amount.Cents, &e.PayerID,
			&e.SplitType, &e.Status, &expenseDate, &createdAt); err != nil {
			return nil, fmt.Errorf("scan expense: %w", err)
		}
		e.ExpenseDate = time.Unix(expenseDate, 0)
		e.CreatedAt = time.Unix(createdAt, 0)
		expenses = append(expenses, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate expenses: %w", err)
	}

	for i := range expenses {
		parts, err := r.expenseParticipants(ctx, expenses[i].ID)
		if err != nil {
			return nil, err
		}
		expenses[i].Participants = parts
	}
	return expenses, nil
}

func (r *Repository) groupPayments(ctx context.Context, groupID string) ([]core.Payment, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, group_id, from_user_id, to_user_id, amount_cents, status, created_at
		 FROM payments WHERE group_id = ? ORDER BY created_at, id`, groupID)
	if err != nil {
		return nil, fmt.Errorf("query payments: %w", err)
	}
	defer rows.Close()

	var payments []core.Payment
	for rows.Next() {
		var p core.Payment
		var createdAt int64
		if err := rows.Scan(&p.ID, &p.GroupID, &p.FromUserID, &p.ToUserID,
			&p.Amount.Cents, &p.Status, &createdAt); err != nil {
			return nil, fmt.Errorf("scan payment: %w", err)
		}
		p.CreatedAt = time.Unix(createdAt, 0)
		payments = append(payments, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate payments: %w", err)
	}
	return payments, nil
}
