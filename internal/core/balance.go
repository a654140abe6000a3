package core

// ComputeBalances derives each member's net balance in cents from the
// ledger. Positive means the group owes the user, negative means the user
// owes the group. The ledger is a closed system: the returned balances
// always sum to zero.
//
// For each expense the payer is credited amount minus their own share and
// every other participant is debited their share. A completed payment moves
// the sender's balance up and the receiver's down, since it settles debt
// out of band. Pending and failed payments contribute nothing.
func ComputeBalances(expenses []Expense, payments []Payment) map[string]int64 {
	balances := make(map[string]int64)

	for _, e := range expenses {
		var ownShare int64
		for _, p := range e.Participants {
			if p.UserID == e.PayerID {
				ownShare = p.ShareAmount.Cents
				continue
			}
			balances[p.UserID] -= p.ShareAmount.Cents
		}
		balances[e.PayerID] += e.Amount.Cents - ownShare
	}

	for _, p := range payments {
		if p.Status != PaymentCompleted {
			continue
		}
		balances[p.FromUserID] += p.Amount.Cents
		balances[p.ToUserID] -= p.Amount.Cents
	}

	return balances
}

// MemberBalances folds computed balances back onto the member list, so
// callers get a zero balance for members with no ledger activity.
func MemberBalances(members []GroupMember, expenses []Expense, payments []Payment) []GroupMember {
	balances := ComputeBalances(expenses, payments)
	out := make([]GroupMember, len(members))
	for i, m := range members {
		m.Balance = Money{Cents: balances[m.UserID]}
		out[i] = m
	}
	return out
}
