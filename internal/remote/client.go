package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"splitledger/internal/log"
	"splitledger/internal/outbox"
)

const headerIdempotencyKey = "Idempotency-Key"

// Client submits mutations to the ledger HTTP API.
type Client struct {
	baseURL string
	http    *http.Client
	logger  *log.Logger
}

func NewClient(baseURL string, timeout time.Duration, logger *log.Logger) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
		logger:  logger.WithComponent(log.ComponentRemote),
	}
}

// Submit posts the mutation with its idempotency key. Network errors and
// timeouts are returned as-is: the outcome is unknown and the caller
// retries under the same key.
func (c *Client) Submit(ctx context.Context, clientID string, m outbox.Mutation) (*Result, error) {
	if err := m.Validate(); err != nil {
		return nil, &SubmitError{StatusCode: http.StatusUnprocessableEntity, Reason: err.Error(), Conflict: true}
	}

	var path string
	var body any
	switch m.Kind {
	case outbox.KindExpense:
		path = fmt.Sprintf("/groups/%s/expenses", m.Expense.GroupID)
		body = expenseRequest(m.Expense)
	case outbox.KindPayment:
		path = fmt.Sprintf("/groups/%s/payments", m.Payment.GroupID)
		body = m.Payment
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(headerIdempotencyKey, clientID)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("submit %s: %w", path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusCreated || resp.StatusCode == http.StatusOK:
		var out struct {
			ID        string `json:"id"`
			Duplicate bool   `json:"duplicate"`
		}
		if err := json.Unmarshal(data, &out); err != nil {
			return nil, fmt.Errorf("decode response: %w", err)
		}
		if out.ID == "" {
			return nil, errors.New("response missing canonical id")
		}
		outcome := OutcomeCreated
		if out.Duplicate {
			outcome = OutcomeDuplicate
		}
		c.logger.DebugContext(ctx, "Mutation submitted",
			log.FieldClientID, clientID,
			log.FieldCanonicalID, out.ID,
			log.FieldStatus, string(outcome))
		return &Result{Outcome: outcome, CanonicalID: out.ID}, nil

	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("server error %d: %s", resp.StatusCode, errReason(data))

	default:
		return nil, &SubmitError{
			StatusCode: resp.StatusCode,
			Reason:     errReason(data),
			Conflict:   resp.StatusCode == http.StatusConflict || resp.StatusCode == http.StatusUnprocessableEntity,
		}
	}
}

// Ping reports whether the authoritative store is reachable.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/healthz", nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("ping: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("ping: unexpected status %d", resp.StatusCode)
	}
	return nil
}

// expenseRequest reshapes a queued expense into the ledger API's request
// body. The queued shares become explicit per-participant inputs so the
// server recomputes the same split.
func expenseRequest(e *outbox.ExpenseMutation) map[string]any {
	participants := make([]map[string]any, 0, len(e.Participants))
	for _, p := range e.Participants {
		participants = append(participants, map[string]any{
			"user_id":      p.UserID,
			"percent":      p.SharePercent,
			"amount_cents": p.ShareCents,
		})
	}
	body := map[string]any{
		"description":  e.Description,
		"amount_cents": e.AmountCents,
		"payer_id":     e.PayerID,
		"split_type":   string(e.SplitType),
		"participants": participants,
	}
	if !e.ExpenseDate.IsZero() {
		body["expense_date"] = e.ExpenseDate.Format(time.RFC3339)
	}
	return body
}

func errReason(data []byte) string {
	var out struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(data, &out) == nil && out.Error != "" {
		return out.Error
	}
	return strings.TrimSpace(string(data))
}
