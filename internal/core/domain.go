package core

import (
	"errors"
	"strings"
	"time"
)

const (
	GroupActive   GroupStatus = "active"
	GroupSettled  GroupStatus = "settled"
	GroupArchived GroupStatus = "archived"

	RoleAdmin  MemberRole = "admin"
	RoleMember MemberRole = "member"

	SplitEqual      SplitType = "equal"
	SplitPercentage SplitType = "percentage"
	SplitAmount     SplitType = "amount"
	SplitCustom     SplitType = "custom"

	ExpensePending    ExpenseStatus = "pending"
	ExpenseProcessing ExpenseStatus = "processing"
	ExpenseSettled    ExpenseStatus = "settled"

	PaymentPending   PaymentStatus = "pending"
	PaymentCompleted PaymentStatus = "completed"
	PaymentFailed    PaymentStatus = "failed"
)

type (
	GroupStatus   string
	MemberRole    string
	SplitType     string
	ExpenseStatus string
	PaymentStatus string

	// User is an immutable identity, created once and referenced by ID.
	User struct {
		ID          string
		DisplayName string
		Email       string
		CreatedAt   time.Time
	}

	// Group owns a set of members and a ledger of expenses and payments.
	// Currency is an opaque label; all arithmetic is in minor units.
	Group struct {
		ID        string
		Name      string
		Currency  string
		Status    GroupStatus
		CreatedAt time.Time
	}

	// GroupMember ties a user to a group. Balance is derived state,
	// recomputed from the ledger on read, never a source of truth.
	GroupMember struct {
		GroupID string
		UserID  string
		Role    MemberRole
		Balance Money
	}

	Expense struct {
		ID           string
		GroupID      string
		Description  string
		Amount       Money
		PayerID      string
		SplitType    SplitType
		Status       ExpenseStatus
		ExpenseDate  time.Time
		Participants []ExpenseParticipant
		CreatedAt    time.Time
	}

	ExpenseParticipant struct {
		ExpenseID    string
		UserID       string
		ShareAmount  Money
		SharePercent float64 // 0 when the split is not percentage-based
		IsPaid       bool
	}

	// Payment is an executed settlement transfer between two members.
	Payment struct {
		ID         string
		GroupID    string
		FromUserID string
		ToUserID   string
		Amount     Money
		Status     PaymentStatus
		CreatedAt  time.Time
	}
)

var (
	ErrInvalidAmount    = errors.New("invalid amount")
	ErrEmptyDescription = errors.New("empty description")
	ErrNoParticipants   = errors.New("expense has no participants")
	ErrNoPayer          = errors.New("expense has no payer")
	ErrShareSumMismatch = errors.New("participant shares do not sum to expense amount")
	ErrInvalidSplitType = errors.New("invalid split type")
	ErrInvalidPercents  = errors.New("share percentages do not sum to 100")
	ErrSelfPayment      = errors.New("payment from and to the same user")
	ErrDuplicateUser    = errors.New("duplicate participant user")
)

// ShareTolerance is the maximum allowed deviation, in minor units, between
// an expense amount and the sum of its participant shares.
const ShareTolerance int64 = 1

func (t SplitType) Valid() bool {
	switch t {
	case SplitEqual, SplitPercentage, SplitAmount, SplitCustom:
		return true
	}
	return false
}

func (s GroupStatus) Valid() bool {
	switch s {
	case GroupActive, GroupSettled, GroupArchived:
		return true
	}
	return false
}

func (u User) Validate() error {
	if strings.TrimSpace(u.DisplayName) == "" {
		return errors.New("empty display name")
	}
	if !strings.Contains(u.Email, "@") {
		return errors.New("invalid email")
	}
	return nil
}

func (g Group) Validate() error {
	if strings.TrimSpace(g.Name) == "" {
		return errors.New("empty group name")
	}
	if strings.TrimSpace(g.Currency) == "" {
		return errors.New("empty currency label")
	}
	if g.Status != "" && !g.Status.Valid() {
		return errors.New("invalid group status")
	}
	return nil
}

// Validate checks structural integrity of an expense, including the
// share-sum invariant: |sum(shares) - amount| <= ShareTolerance.
func (e Expense) Validate() error {
	if err := e.Amount.Validate(); err != nil {
		return err
	}
	if len(strings.TrimSpace(e.Description)) == 0 {
		return ErrEmptyDescription
	}
	if len(e.Description) > 200 {
		return errors.New("description too long (max 200 characters)")
	}
	if e.PayerID == "" {
		return ErrNoPayer
	}
	if !e.SplitType.Valid() {
		return ErrInvalidSplitType
	}
	if len(e.Participants) == 0 {
		return ErrNoParticipants
	}
	seen := make(map[string]bool, len(e.Participants))
	var sum int64
	for _, p := range e.Participants {
		if p.UserID == "" {
			return errors.New("participant has no user")
		}
		if seen[p.UserID] {
			return ErrDuplicateUser
		}
		seen[p.UserID] = true
		if p.ShareAmount.Cents < 0 {
			return ErrInvalidAmount
		}
		sum += p.ShareAmount.Cents
	}
	if diff := sum - e.Amount.Cents; diff > ShareTolerance || diff < -ShareTolerance {
		return ErrShareSumMismatch
	}
	return nil
}

func (p Payment) Validate() error {
	if err := p.Amount.Validate(); err != nil {
		return err
	}
	if p.FromUserID == "" || p.ToUserID == "" {
		return errors.New("payment missing from or to user")
	}
	if p.FromUserID == p.ToUserID {
		return ErrSelfPayment
	}
	return nil
}
