package core

import (
	"fmt"
	"sort"
)

// ShareSpec describes one participant's portion of an expense, in whichever
// terms the split type uses: nothing extra for equal splits, Percent for
// percentage splits, AmountCents for amount and custom splits.
type ShareSpec struct {
	UserID      string
	Percent     float64
	AmountCents int64
}

// ComputeShares turns an amount, a split type and the per-participant specs
// into concrete participant shares that satisfy the share-sum invariant
// exactly.
//
// Rounding policy: each share is rounded to the minor unit half-to-even, and
// any residual cents left by rounding are attributed to the payer's share.
// If the payer is not among the participants, the residual goes to the
// participant with the lowest user ID so the invariant still holds exactly.
func ComputeShares(amount Money, splitType SplitType, payerID string, specs []ShareSpec) ([]ExpenseParticipant, error) {
	if err := amount.Validate(); err != nil {
		return nil, err
	}
	if len(specs) == 0 {
		return nil, ErrNoParticipants
	}
	seen := make(map[string]bool, len(specs))
	for _, s := range specs {
		if s.UserID == "" {
			return nil, ErrNoParticipants
		}
		if seen[s.UserID] {
			return nil, ErrDuplicateUser
		}
		seen[s.UserID] = true
	}

	parts := make([]ExpenseParticipant, len(specs))
	switch splitType {
	case SplitEqual:
		n := int64(len(specs))
		share := roundHalfEven(amount.Cents, n)
		for i, s := range specs {
			parts[i] = ExpenseParticipant{UserID: s.UserID, ShareAmount: Money{Cents: share}}
		}

	case SplitPercentage:
		var pctSum float64
		for _, s := range specs {
			if s.Percent < 0 {
				return nil, ErrInvalidPercents
			}
			pctSum += s.Percent
		}
		// Allow for float representation noise on the percentage inputs.
		if pctSum < 99.99 || pctSum > 100.01 {
			return nil, ErrInvalidPercents
		}
		for i, s := range specs {
			// share = amount * pct / 100, in hundredths of a percent to
			// keep the rounding in integer arithmetic.
			basis := int64(s.Percent*100 + 0.5)
			parts[i] = ExpenseParticipant{
				UserID:       s.UserID,
				ShareAmount:  Money{Cents: roundHalfEven(amount.Cents*basis, 10000)},
				SharePercent: s.Percent,
			}
		}

	case SplitAmount, SplitCustom:
		for i, s := range specs {
			if s.AmountCents < 0 {
				return nil, ErrInvalidAmount
			}
			parts[i] = ExpenseParticipant{UserID: s.UserID, ShareAmount: Money{Cents: s.AmountCents}}
		}

	default:
		return nil, ErrInvalidSplitType
	}

	var sum int64
	for _, p := range parts {
		sum += p.ShareAmount.Cents
	}
	residual := amount.Cents - sum

	if splitType == SplitAmount || splitType == SplitCustom {
		// Explicit shares are the caller's statement of intent; they must
		// already match the amount within tolerance.
		if residual > ShareTolerance || residual < -ShareTolerance {
			return nil, fmt.Errorf("%w: off by %d cents", ErrShareSumMismatch, residual)
		}
		return parts, nil
	}

	if residual != 0 {
		idx := residualIndex(parts, payerID)
		parts[idx].ShareAmount.Cents += residual
		if parts[idx].ShareAmount.Cents < 0 {
			return nil, ErrShareSumMismatch
		}
	}
	return parts, nil
}

func residualIndex(parts []ExpenseParticipant, payerID string) int {
	for i, p := range parts {
		if p.UserID == payerID {
			return i
		}
	}
	idx := 0
	for i := 1; i < len(parts); i++ {
		if parts[i].UserID < parts[idx].UserID {
			idx = i
		}
	}
	return idx
}

// SortParticipants orders participants by user ID for deterministic
// persistence and comparison.
func SortParticipants(parts []ExpenseParticipant) {
	sort.Slice(parts, func(i, j int) bool { return parts[i].UserID < parts[j].UserID })
}
