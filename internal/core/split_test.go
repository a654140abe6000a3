package core

import (
	"errors"
	"testing"
)

func TestComputeSharesEqual(t *testing.T) {
	specs := []ShareSpec{{UserID: "a"}, {UserID: "b"}, {UserID: "c"}}

	parts, err := ComputeShares(Money{Cents: 90000}, SplitEqual, "a", specs)
	if err != nil {
		t.Fatalf("ComputeShares failed: %v", err)
	}
	for _, p := range parts {
		if p.ShareAmount.Cents != 30000 {
			t.Errorf("share for %s = %d, want 30000", p.UserID, p.ShareAmount.Cents)
		}
	}
}

func TestComputeSharesEqualResidualToPayer(t *testing.T) {
	// 100.00 split three ways rounds to 33.33 each, leaving 1 cent for
	// the payer.
	specs := []ShareSpec{{UserID: "a"}, {UserID: "b"}, {UserID: "c"}}

	parts, err := ComputeShares(Money{Cents: 10000}, SplitEqual, "b", specs)
	if err != nil {
		t.Fatalf("ComputeShares failed: %v", err)
	}

	var sum int64
	for _, p := range parts {
		sum += p.ShareAmount.Cents
		want := int64(3333)
		if p.UserID == "b" {
			want = 3334
		}
		if p.ShareAmount.Cents != want {
			t.Errorf("share for %s = %d, want %d", p.UserID, p.ShareAmount.Cents, want)
		}
	}
	if sum != 10000 {
		t.Errorf("shares sum to %d, want 10000", sum)
	}
}

func TestComputeSharesEqualResidualWithoutPayer(t *testing.T) {
	// Payer is not a participant; the residual lands on the lowest user ID.
	specs := []ShareSpec{{UserID: "c"}, {UserID: "b"}, {UserID: "d"}}

	parts, err := ComputeShares(Money{Cents: 10000}, SplitEqual, "a", specs)
	if err != nil {
		t.Fatalf("ComputeShares failed: %v", err)
	}
	for _, p := range parts {
		want := int64(3333)
		if p.UserID == "b" {
			want = 3334
		}
		if p.ShareAmount.Cents != want {
			t.Errorf("share for %s = %d, want %d", p.UserID, p.ShareAmount.Cents, want)
		}
	}
}

func TestComputeSharesBankersRounding(t *testing.T) {
	// 0.25 split two ways: 12.5 cents rounds half-to-even to 12, and the
	// payer picks up the residual cent.
	specs := []ShareSpec{{UserID: "a"}, {UserID: "b"}}

	parts, err := ComputeShares(Money{Cents: 25}, SplitEqual, "a", specs)
	if err != nil {
		t.Fatalf("ComputeShares failed: %v", err)
	}
	got := map[string]int64{}
	for _, p := range parts {
		got[p.UserID] = p.ShareAmount.Cents
	}
	if got["b"] != 12 {
		t.Errorf("non-payer share = %d, want 12 (half-to-even)", got["b"])
	}
	if got["a"] != 13 {
		t.Errorf("payer share = %d, want 13 (12 + residual)", got["a"])
	}
}

func TestComputeSharesPercentage(t *testing.T) {
	specs := []ShareSpec{
		{UserID: "a", Percent: 50},
		{UserID: "b", Percent: 30},
		{UserID: "c", Percent: 20},
	}

	parts, err := ComputeShares(Money{Cents: 10000}, SplitPercentage, "a", specs)
	if err != nil {
		t.Fatalf("ComputeShares failed: %v", err)
	}
	want := map[string]int64{"a": 5000, "b": 3000, "c": 2000}
	for _, p := range parts {
		if p.ShareAmount.Cents != want[p.UserID] {
			t.Errorf("share for %s = %d, want %d", p.UserID, p.ShareAmount.Cents, want[p.UserID])
		}
		if p.SharePercent == 0 {
			t.Errorf("percentage not recorded for %s", p.UserID)
		}
	}
}

func TestComputeSharesPercentageMustSumTo100(t *testing.T) {
	specs := []ShareSpec{
		{UserID: "a", Percent: 50},
		{UserID: "b", Percent: 30},
	}
	if _, err := ComputeShares(Money{Cents: 10000}, SplitPercentage, "a", specs); !errors.Is(err, ErrInvalidPercents) {
		t.Errorf("expected ErrInvalidPercents, got %v", err)
	}
}

func TestComputeSharesExplicitAmounts(t *testing.T) {
	specs := []ShareSpec{
		{UserID: "a", AmountCents: 1200},
		{UserID: "b", AmountCents: 800},
	}

	parts, err := ComputeShares(Money{Cents: 2000}, SplitAmount, "a", specs)
	if err != nil {
		t.Fatalf("ComputeShares failed: %v", err)
	}
	if parts[0].ShareAmount.Cents != 1200 || parts[1].ShareAmount.Cents != 800 {
		t.Errorf("explicit shares not preserved: %+v", parts)
	}
}

func TestComputeSharesExplicitAmountsMismatch(t *testing.T) {
	specs := []ShareSpec{
		{UserID: "a", AmountCents: 1200},
		{UserID: "b", AmountCents: 500},
	}
	if _, err := ComputeShares(Money{Cents: 2000}, SplitCustom, "a", specs); !errors.Is(err, ErrShareSumMismatch) {
		t.Errorf("expected ErrShareSumMismatch, got %v", err)
	}
}

func TestComputeSharesDuplicateUser(t *testing.T) {
	specs := []ShareSpec{{UserID: "a"}, {UserID: "a"}}
	if _, err := ComputeShares(Money{Cents: 1000}, SplitEqual, "a", specs); !errors.Is(err, ErrDuplicateUser) {
		t.Errorf("expected ErrDuplicateUser, got %v", err)
	}
}

func TestExpenseValidateShareSum(t *testing.T) {
	exp := Expense{
		GroupID:     "g",
		Description: "dinner",
		Amount:      Money{Cents: 3000},
		PayerID:     "a",
		SplitType:   SplitEqual,
		Participants: []ExpenseParticipant{
			{UserID: "a", ShareAmount: Money{Cents: 1500}},
			{UserID: "b", ShareAmount: Money{Cents: 1000}},
		},
	}
	if err := exp.Validate(); !errors.Is(err, ErrShareSumMismatch) {
		t.Errorf("expected ErrShareSumMismatch, got %v", err)
	}

	exp.Participants[1].ShareAmount.Cents = 1499 // within 1-cent tolerance
	if err := exp.Validate(); err != nil {
		t.Errorf("expected tolerance to allow 1-cent drift, got %v", err)
	}
}
