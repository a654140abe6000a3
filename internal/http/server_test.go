package http

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"splitledger/internal/log"
	"splitledger/internal/paylink"
	"splitledger/internal/storage"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	repo, err := storage.NewRepository(filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Fatalf("NewRepository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })

	logger := log.New(log.Config{Output: io.Discard, Format: "text"})
	srv := NewServer(":0", repo, paylink.NewURLGenerator("https://pay.example.com/request"), logger)
	ts := httptest.NewServer(srv.Server.Handler)
	t.Cleanup(ts.Close)
	return ts
}

func doJSON(t *testing.T, method, url string, body any, headers map[string]string) (*http.Response, map[string]any) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()

	var decoded map[string]any
	data, _ := io.ReadAll(resp.Body)
	if len(data) > 0 {
		json.Unmarshal(data, &decoded)
	}
	return resp, decoded
}

func seedGroup(t *testing.T, base string, users ...string) string {
	t.Helper()
	resp, body := doJSON(t, "POST", base+"/groups", map[string]string{"name": "trip", "currency": "EUR"}, nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create group: status %d", resp.StatusCode)
	}
	groupID := body["id"].(string)

	for _, name := range users {
		resp, userBody := doJSON(t, "POST", base+"/users", map[string]string{
			"display_name": name,
			"email":        name + "@example.com",
		}, nil)
		if resp.StatusCode != http.StatusCreated {
			t.Fatalf("create user %s: status %d", name, resp.StatusCode)
		}
		resp, _ = doJSON(t, "POST", fmt.Sprintf("%s/groups/%s/members", base, groupID),
			map[string]string{"user_id": userBody["id"].(string)}, nil)
		if resp.StatusCode != http.StatusNoContent {
			t.Fatalf("add member %s: status %d", name, resp.StatusCode)
		}
	}
	return groupID
}

func memberIDs(t *testing.T, base, groupID string) []string {
	t.Helper()
	resp, body := doJSON(t, "GET", fmt.Sprintf("%s/groups/%s/balances", base, groupID), nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get balances: status %d", resp.StatusCode)
	}
	var ids []string
	for _, raw := range body["balances"].([]any) {
		ids = append(ids, raw.(map[string]any)["user_id"].(string))
	}
	return ids
}

func TestExpenseRoundTrip(t *testing.T) {
	ts := newTestServer(t)
	groupID := seedGroup(t, ts.URL, "alice", "bob", "carol")
	ids := memberIDs(t, ts.URL, groupID)

	resp, body := doJSON(t, "POST", fmt.Sprintf("%s/groups/%s/expenses", ts.URL, groupID),
		map[string]any{
			"description": "dinner",
			"amount":      "900.00",
			"payer_id":    ids[0],
			"split_type":  "equal",
			"participants": []map[string]any{
				{"user_id": ids[0]}, {"user_id": ids[1]}, {"user_id": ids[2]},
			},
		}, nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create expense: status %d, body %v", resp.StatusCode, body)
	}
	if body["id"] == "" {
		t.Fatal("response missing canonical id")
	}

	resp, ledger := doJSON(t, "GET", fmt.Sprintf("%s/groups/%s/ledger", ts.URL, groupID), nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get ledger: status %d", resp.StatusCode)
	}
	members := ledger["members"].([]any)
	if len(members) != 3 {
		t.Fatalf("ledger has %d members, want 3", len(members))
	}
	for _, raw := range members {
		m := raw.(map[string]any)
		got := int64(m["balance_cents"].(float64))
		want := int64(-30000)
		if m["user_id"].(string) == ids[0] {
			want = 60000
		}
		if got != want {
			t.Errorf("%s balance = %d, want %d", m["user_id"], got, want)
		}
	}
}

func TestExpenseIdempotencyKey(t *testing.T) {
	ts := newTestServer(t)
	groupID := seedGroup(t, ts.URL, "alice", "bob")
	ids := memberIDs(t, ts.URL, groupID)

	payload := map[string]any{
		"description": "taxi",
		"amount_cents": 1200,
		"payer_id":    ids[0],
		"split_type":  "equal",
		"participants": []map[string]any{
			{"user_id": ids[0]}, {"user_id": ids[1]},
		},
	}
	headers := map[string]string{"Idempotency-Key": "key-1"}

	resp, first := doJSON(t, "POST", fmt.Sprintf("%s/groups/%s/expenses", ts.URL, groupID), payload, headers)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("first submit: status %d", resp.StatusCode)
	}

	resp, second := doJSON(t, "POST", fmt.Sprintf("%s/groups/%s/expenses", ts.URL, groupID), payload, headers)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("replay: status %d, want 200", resp.StatusCode)
	}
	if second["duplicate"] != true {
		t.Fatalf("replay body = %v, want duplicate=true", second)
	}
	if second["id"] != first["id"] {
		t.Fatalf("replay id = %v, want %v", second["id"], first["id"])
	}
}

func TestExpenseValidationErrors(t *testing.T) {
	ts := newTestServer(t)
	groupID := seedGroup(t, ts.URL, "alice", "bob")
	ids := memberIDs(t, ts.URL, groupID)

	// Non-member participant.
	resp, _ := doJSON(t, "POST", fmt.Sprintf("%s/groups/%s/expenses", ts.URL, groupID),
		map[string]any{
			"description": "dinner",
			"amount_cents": 1000,
			"payer_id":    ids[0],
			"split_type":  "equal",
			"participants": []map[string]any{
				{"user_id": ids[0]}, {"user_id": "mallory"},
			},
		}, nil)
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Errorf("non-member: status %d, want 422", resp.StatusCode)
	}

	// Percentages not summing to 100.
	resp, _ = doJSON(t, "POST", fmt.Sprintf("%s/groups/%s/expenses", ts.URL, groupID),
		map[string]any{
			"description": "dinner",
			"amount_cents": 1000,
			"payer_id":    ids[0],
			"split_type":  "percentage",
			"participants": []map[string]any{
				{"user_id": ids[0], "percent": 50.0},
				{"user_id": ids[1], "percent": 30.0},
			},
		}, nil)
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Errorf("bad percents: status %d, want 422", resp.StatusCode)
	}

	// Unknown group.
	resp, _ = doJSON(t, "GET", ts.URL+"/groups/nope/ledger", nil, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown group: status %d, want 404", resp.StatusCode)
	}
}

func TestSettlementEndpoint(t *testing.T) {
	ts := newTestServer(t)
	groupID := seedGroup(t, ts.URL, "alice", "bob")
	ids := memberIDs(t, ts.URL, groupID)

	resp, _ := doJSON(t, "POST", fmt.Sprintf("%s/groups/%s/expenses", ts.URL, groupID),
		map[string]any{
			"description": "hotel",
			"amount_cents": 1000,
			"payer_id":    ids[0],
			"split_type":  "equal",
			"participants": []map[string]any{
				{"user_id": ids[0]}, {"user_id": ids[1]},
			},
		}, nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create expense: status %d", resp.StatusCode)
	}

	resp, body := doJSON(t, "GET", fmt.Sprintf("%s/groups/%s/settlement", ts.URL, groupID), nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get settlement: status %d", resp.StatusCode)
	}
	transfers := body["transfers"].([]any)
	if len(transfers) != 1 {
		t.Fatalf("got %d transfers, want 1", len(transfers))
	}
	tr := transfers[0].(map[string]any)
	if tr["from"] != ids[1] || tr["to"] != ids[0] || int64(tr["amount_cents"].(float64)) != 500 {
		t.Fatalf("transfer = %v", tr)
	}
	if tr["pay_link"] == "" {
		t.Error("transfer missing pay link")
	}
}

func TestPaymentSettlesGroup(t *testing.T) {
	ts := newTestServer(t)
	groupID := seedGroup(t, ts.URL, "alice", "bob")
	ids := memberIDs(t, ts.URL, groupID)

	doJSON(t, "POST", fmt.Sprintf("%s/groups/%s/expenses", ts.URL, groupID),
		map[string]any{
			"description": "hotel",
			"amount_cents": 1000,
			"payer_id":    ids[0],
			"split_type":  "equal",
			"participants": []map[string]any{
				{"user_id": ids[0]}, {"user_id": ids[1]},
			},
		}, nil)

	// Settling before paying off is rejected.
	resp, _ := doJSON(t, "POST", fmt.Sprintf("%s/groups/%s/status", ts.URL, groupID),
		map[string]string{"status": "settled"}, nil)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("premature settle: status %d, want 409", resp.StatusCode)
	}

	resp, _ = doJSON(t, "POST", fmt.Sprintf("%s/groups/%s/payments", ts.URL, groupID),
		map[string]any{"from_user_id": ids[1], "to_user_id": ids[0], "amount_cents": 500}, nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create payment: status %d", resp.StatusCode)
	}

	resp, _ = doJSON(t, "POST", fmt.Sprintf("%s/groups/%s/status", ts.URL, groupID),
		map[string]string{"status": "settled"}, nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("settle after payoff: status %d", resp.StatusCode)
	}

	// A settled group accepts no further expenses.
	resp, _ = doJSON(t, "POST", fmt.Sprintf("%s/groups/%s/expenses", ts.URL, groupID),
		map[string]any{
			"description": "late",
			"amount_cents": 100,
			"payer_id":    ids[0],
			"split_type":  "equal",
			"participants": []map[string]any{
				{"user_id": ids[0]}, {"user_id": ids[1]},
			},
		}, nil)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("write to settled group: status %d, want 409", resp.StatusCode)
	}
}

func TestHealthEndpoints(t *testing.T) {
	ts := newTestServer(t)

	resp, _ := doJSON(t, "GET", ts.URL+"/healthz", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("/healthz status %d", resp.StatusCode)
	}
	resp, _ = doJSON(t, "GET", ts.URL+"/readyz", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("/readyz status %d", resp.StatusCode)
	}
}
