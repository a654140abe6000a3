package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"splitledger/internal/core"
)

type shareSpecRequest struct {
	UserID      string  `json:"user_id"`
	Percent     float64 `json:"percent,omitempty"`
	AmountCents int64   `json:"amount_cents,omitempty"`
}

type createExpenseRequest struct {
	Description  string             `json:"description"`
	Amount       string             `json:"amount,omitempty"` // decimal string, e.g. "12.34"
	AmountCents  int64              `json:"amount_cents,omitempty"`
	PayerID      string             `json:"payer_id"`
	SplitType    string             `json:"split_type"`
	ExpenseDate  string             `json:"expense_date,omitempty"` // RFC 3339
	Participants []shareSpecRequest `json:"participants"`
}

type mutationResponse struct {
	ID        string `json:"id"`
	Duplicate bool   `json:"duplicate,omitempty"`
}

// expenseFromRequest builds and validates the expense described by req.
// Shares are recomputed from the requested split, never trusted from the
// client.
func expenseFromRequest(groupID string, req createExpenseRequest) (*core.Expense, error) {
	amountCents := req.AmountCents
	if amountCents == 0 && req.Amount != "" {
		var err error
		amountCents, err = core.ParseDecimalToCents(req.Amount)
		if err != nil {
			return nil, err
		}
	}
	amount := core.Money{Cents: amountCents}

	splitType := core.SplitType(req.SplitType)
	if splitType == "" {
		splitType = core.SplitEqual
	}

	specs := make([]core.ShareSpec, 0, len(req.Participants))
	for _, p := range req.Participants {
		specs = append(specs, core.ShareSpec{
			UserID:      p.UserID,
			Percent:     p.Percent,
			AmountCents: p.AmountCents,
		})
	}

	participants, err := core.ComputeShares(amount, splitType, req.PayerID, specs)
	if err != nil {
		return nil, err
	}

	expense := &core.Expense{
		GroupID:      groupID,
		Description:  req.Description,
		Amount:       amount,
		PayerID:      req.PayerID,
		SplitType:    splitType,
		Participants: participants,
	}
	if req.ExpenseDate != "" {
		date, err := time.Parse(time.RFC3339, req.ExpenseDate)
		if err != nil {
			return nil, errors.New("invalid expense_date, want RFC 3339")
		}
		expense.ExpenseDate = date
	}
	if err := expense.Validate(); err != nil {
		return nil, err
	}
	return expense, nil
}

func (s *Server) handleCreateExpense(w http.ResponseWriter, r *http.Request) {
	groupID := r.PathValue("id")

	var req createExpenseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	expense, err := expenseFromRequest(groupID, req)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	clientID := r.Header.Get("Idempotency-Key")
	canonicalID, duplicate, err := s.repo.CreateExpense(r.Context(), clientID, expense)
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	s.ledgerCache.Delete(groupID)

	status := http.StatusCreated
	if duplicate {
		status = http.StatusOK
	}
	writeJSON(w, status, mutationResponse{ID: canonicalID, Duplicate: duplicate})
}

type createPaymentRequest struct {
	FromUserID  string `json:"from_user_id"`
	ToUserID    string `json:"to_user_id"`
	Amount      string `json:"amount,omitempty"`
	AmountCents int64  `json:"amount_cents,omitempty"`
}

func (s *Server) handleCreatePayment(w http.ResponseWriter, r *http.Request) {
	groupID := r.PathValue("id")

	var req createPaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	amountCents := req.AmountCents
	if amountCents == 0 && req.Amount != "" {
		var err error
		amountCents, err = core.ParseDecimalToCents(req.Amount)
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, err.Error())
			return
		}
	}

	payment := &core.Payment{
		GroupID:    groupID,
		FromUserID: req.FromUserID,
		ToUserID:   req.ToUserID,
		Amount:     core.Money{Cents: amountCents},
	}
	if err := payment.Validate(); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	clientID := r.Header.Get("Idempotency-Key")
	canonicalID, duplicate, err := s.repo.CreatePayment(r.Context(), clientID, payment)
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	s.ledgerCache.Delete(groupID)

	status := http.StatusCreated
	if duplicate {
		status = http.StatusOK
	}
	writeJSON(w, status, mutationResponse{ID: canonicalID, Duplicate: duplicate})
}

type memberResponse struct {
	UserID       string `json:"user_id"`
	Role         string `json:"role"`
	BalanceCents int64  `json:"balance_cents"`
	Balance      string `json:"balance"`
}

type expenseResponse struct {
	ID           string                `json:"id"`
	Description  string                `json:"description"`
	AmountCents  int64                 `json:"amount_cents"`
	PayerID      string                `json:"payer_id"`
	SplitType    string                `json:"split_type"`
	Status       string                `json:"status"`
	ExpenseDate  time.Time             `json:"expense_date"`
	Participants []participantResponse `json:"participants"`
}

type participantResponse struct {
	UserID       string  `json:"user_id"`
	ShareCents   int64   `json:"share_cents"`
	SharePercent float64 `json:"share_percent,omitempty"`
}

type paymentResponse struct {
	ID          string `json:"id"`
	FromUserID  string `json:"from_user_id"`
	ToUserID    string `json:"to_user_id"`
	AmountCents int64  `json:"amount_cents"`
	Status      string `json:"status"`
}

type ledgerResponse struct {
	GroupID  string            `json:"group_id"`
	Name     string            `json:"name"`
	Currency string            `json:"currency"`
	Status   string            `json:"status"`
	Members  []memberResponse  `json:"members"`
	Expenses []expenseResponse `json:"expenses"`
	Payments []paymentResponse `json:"payments"`
}

func (s *Server) handleGetLedger(w http.ResponseWriter, r *http.Request) {
	groupID := r.PathValue("id")

	ledger, ok := s.ledgerCache.Get(groupID)
	if !ok {
		var err error
		ledger, err = s.repo.GetGroupLedger(r.Context(), groupID)
		if err != nil {
			s.writeStoreError(w, r, err)
			return
		}
		s.ledgerCache.Set(groupID, ledger)
	}

	resp := ledgerResponse{
		GroupID:  ledger.Group.ID,
		Name:     ledger.Group.Name,
		Currency: ledger.Group.Currency,
		Status:   string(ledger.Group.Status),
	}
	for _, m := range ledger.Members {
		resp.Members = append(resp.Members, memberResponse{
			UserID:       m.UserID,
			Role:         string(m.Role),
			BalanceCents: m.Balance.Cents,
			Balance:      m.Balance.String(),
		})
	}
	for _, e := range ledger.Expenses {
		er := expenseResponse{
			ID:          e.ID,
			Description: e.Description,
			AmountCents: e.Amount.Cents,
			PayerID:     e.PayerID,
			SplitType:   string(e.SplitType),
			Status:      string(e.Status),
			ExpenseDate: e.ExpenseDate,
		}
		for _, p := range e.Participants {
			er.Participants = append(er.Participants, participantResponse{
				UserID:       p.UserID,
				ShareCents:   p.ShareAmount.Cents,
				SharePercent: p.SharePercent,
			})
		}
		resp.Expenses = append(resp.Expenses, er)
	}
	for _, p := range ledger.Payments {
		resp.Payments = append(resp.Payments, paymentResponse{
			ID:          p.ID,
			FromUserID:  p.FromUserID,
			ToUserID:    p.ToUserID,
			AmountCents: p.Amount.Cents,
			Status:      string(p.Status),
		})
	}

	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGetBalances(w http.ResponseWriter, r *http.Request) {
	groupID := r.PathValue("id")

	ledger, err := s.repo.GetGroupLedger(r.Context(), groupID)
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}

	balances := make([]memberResponse, 0, len(ledger.Members))
	for _, m := range ledger.Members {
		balances = append(balances, memberResponse{
			UserID:       m.UserID,
			Role:         string(m.Role),
			BalanceCents: m.Balance.Cents,
			Balance:      m.Balance.String(),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"group_id": groupID, "balances": balances})
}

type transferResponse struct {
	From        string `json:"from"`
	To          string `json:"to"`
	AmountCents int64  `json:"amount_cents"`
	Amount      string `json:"amount"`
	PayLink     string `json:"pay_link,omitempty"`
}

func (s *Server) handleGetSettlement(w http.ResponseWriter, r *http.Request) {
	groupID := r.PathValue("id")

	ledger, err := s.repo.GetGroupLedger(r.Context(), groupID)
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}

	balances := make(map[string]int64, len(ledger.Members))
	for _, m := range ledger.Members {
		balances[m.UserID] = m.Balance.Cents
	}

	transfers := core.Settle(balances)
	resp := make([]transferResponse, 0, len(transfers))
	for _, t := range transfers {
		tr := transferResponse{
			From:        t.From,
			To:          t.To,
			AmountCents: t.Amount.Cents,
			Amount:      t.Amount.String(),
		}
		if s.links != nil {
			tr.PayLink = s.links.Link(t.Amount, t.From, t.To)
		}
		resp = append(resp, tr)
	}
	writeJSON(w, http.StatusOK, map[string]any{"group_id": groupID, "transfers": resp})
}
