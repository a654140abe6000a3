package core

import "sort"

// Transfer is one step of a settlement plan: From pays To the given amount.
type Transfer struct {
	From   string
	To     string
	Amount Money
}

// Settle produces an ordered list of transfers that zeroes the given
// balances, using greedy matching of the largest remaining creditor with
// the largest remaining debtor. The plan has at most N-1 transfers for N
// participants with non-zero balances.
//
// Output is deterministic: ties in magnitude break on ascending user ID,
// and the result is a total ordering, not a set.
func Settle(balances map[string]int64) []Transfer {
	type stake struct {
		userID string
		cents  int64 // always positive
	}

	var creditors, debtors []stake
	for id, b := range balances {
		switch {
		case b > 0:
			creditors = append(creditors, stake{id, b})
		case b < 0:
			debtors = append(debtors, stake{id, -b})
		}
	}

	// Stable starting order so the largest-remaining scan below is
	// deterministic when magnitudes tie.
	byUserID := func(s []stake) {
		sort.Slice(s, func(i, j int) bool { return s[i].userID < s[j].userID })
	}
	byUserID(creditors)
	byUserID(debtors)

	largest := func(s []stake) int {
		idx := -1
		for i := range s {
			if s[i].cents == 0 {
				continue
			}
			if idx == -1 || s[i].cents > s[idx].cents {
				idx = i
			}
		}
		return idx
	}

	var plan []Transfer
	for {
		di, ci := largest(debtors), largest(creditors)
		if di == -1 || ci == -1 {
			break
		}
		d, c := &debtors[di], &creditors[ci]

		amount := d.cents
		if c.cents < amount {
			amount = c.cents
		}
		plan = append(plan, Transfer{From: d.userID, To: c.userID, Amount: Money{Cents: amount}})

		d.cents -= amount
		c.cents -= amount
	}

	return plan
}
