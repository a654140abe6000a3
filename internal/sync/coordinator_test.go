package sync

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"splitledger/internal/core"
	"splitledger/internal/log"
	"splitledger/internal/outbox"
	"splitledger/internal/remote"
)

func testLogger() *log.Logger {
	return log.New(log.Config{Output: io.Discard, Format: "text"})
}

func newTestStore(t *testing.T) *outbox.Store {
	t.Helper()
	store, err := outbox.NewStore(filepath.Join(t.TempDir(), "outbox.db"), 5*time.Second, testLogger())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func testConfig() Config {
	config := DefaultConfig()
	config.BackoffBase = time.Millisecond
	config.BackoffCap = 4 * time.Millisecond
	config.SubmitTimeout = time.Second
	return config
}

// fakeSubmitter answers each submission via a caller-supplied function and
// records the order of client IDs it saw.
type fakeSubmitter struct {
	mu    sync.Mutex
	calls []string
	fn    func(clientID string, m outbox.Mutation) (*remote.Result, error)
}

func (f *fakeSubmitter) Submit(ctx context.Context, clientID string, m outbox.Mutation) (*remote.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, clientID)
	fn := f.fn
	f.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return fn(clientID, m)
}

func (f *fakeSubmitter) Ping(ctx context.Context) error { return nil }

func (f *fakeSubmitter) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func enqueue(t *testing.T, store *outbox.Store, groupID, payer string, cents int64, desc string) string {
	t.Helper()
	m := outbox.NewExpenseMutation(&core.Expense{
		GroupID:     groupID,
		Description: desc,
		Amount:      core.Money{Cents: cents},
		PayerID:     payer,
		SplitType:   core.SplitEqual,
		Participants: []core.ExpenseParticipant{
			{UserID: payer, ShareAmount: core.Money{Cents: cents / 2}},
			{UserID: "other", ShareAmount: core.Money{Cents: cents - cents/2}},
		},
	})
	clientID, _, err := store.Enqueue(context.Background(), m)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	return clientID
}

func TestSyncAllDrainsQueue(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	a := enqueue(t, store, "g1", "alice", 1000, "a")
	time.Sleep(2 * time.Millisecond)
	b := enqueue(t, store, "g1", "alice", 2000, "b")

	submitter := &fakeSubmitter{fn: func(clientID string, m outbox.Mutation) (*remote.Result, error) {
		return &remote.Result{Outcome: remote.OutcomeCreated, CanonicalID: "canon-" + clientID}, nil
	}}
	coord := NewCoordinator(store, submitter, testConfig(), testLogger())

	report, err := coord.SyncAll(ctx)
	if err != nil {
		t.Fatalf("SyncAll: %v", err)
	}
	if report.Total != 2 || report.Processed != 2 || report.Errors != 0 {
		t.Fatalf("report = %+v", report)
	}

	// Oldest first.
	if submitter.calls[0] != a || submitter.calls[1] != b {
		t.Fatalf("drain order = %v, want [%s %s]", submitter.calls, a, b)
	}

	entry, err := store.Get(ctx, a)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if entry.Status != outbox.StatusSynced || entry.CanonicalID != "canon-"+a {
		t.Fatalf("entry after drain: %+v", entry)
	}
}

// A flaky remote eventually converges: two failed attempts back off, the
// third lands, and the canonical ID is recorded.
func TestRetryWithBackoffThenSuccess(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	clientID := enqueue(t, store, "g1", "alice", 1000, "a")

	var attempts int
	var attemptsMu sync.Mutex
	submitter := &fakeSubmitter{fn: func(id string, m outbox.Mutation) (*remote.Result, error) {
		attemptsMu.Lock()
		defer attemptsMu.Unlock()
		attempts++
		if attempts < 3 {
			return nil, errors.New("connection refused")
		}
		return &remote.Result{Outcome: remote.OutcomeCreated, CanonicalID: "canon-1"}, nil
	}}
	coord := NewCoordinator(store, submitter, testConfig(), testLogger())

	for i := 0; i < 3; i++ {
		if _, err := coord.SyncAll(ctx); err != nil {
			t.Fatalf("SyncAll #%d: %v", i+1, err)
		}
		time.Sleep(10 * time.Millisecond) // let the backoff elapse
	}

	entry, err := store.Get(ctx, clientID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if entry.Status != outbox.StatusSynced || entry.CanonicalID != "canon-1" {
		t.Fatalf("entry after retries: %+v", entry)
	}
	if submitter.callCount() != 3 {
		t.Fatalf("attempts = %d, want 3", submitter.callCount())
	}
}

func TestMaxRetriesParksEntry(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	clientID := enqueue(t, store, "g1", "alice", 1000, "a")

	submitter := &fakeSubmitter{fn: func(id string, m outbox.Mutation) (*remote.Result, error) {
		return nil, errors.New("connection refused")
	}}
	coord := NewCoordinator(store, submitter, testConfig(), testLogger())

	for i := 0; i < 4; i++ {
		if _, err := coord.SyncAll(ctx); err != nil {
			t.Fatalf("SyncAll #%d: %v", i+1, err)
		}
		time.Sleep(10 * time.Millisecond)
	}

	entry, _ := store.Get(ctx, clientID)
	if entry.Status != outbox.StatusPermanentlyFailed {
		t.Fatalf("status = %s, want permanently_failed", entry.Status)
	}
	// 3 attempts consumed the budget; the fourth pass had nothing due.
	if submitter.callCount() != 3 {
		t.Fatalf("attempts = %d, want 3", submitter.callCount())
	}
}

func TestConflictParksWithoutRetrying(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	clientID := enqueue(t, store, "g1", "alice", 1000, "a")

	submitter := &fakeSubmitter{fn: func(id string, m outbox.Mutation) (*remote.Result, error) {
		return nil, &remote.SubmitError{StatusCode: 422, Reason: "share sum mismatch", Conflict: true}
	}}
	coord := NewCoordinator(store, submitter, testConfig(), testLogger())

	report, err := coord.SyncAll(ctx)
	if err != nil {
		t.Fatalf("SyncAll: %v", err)
	}
	if report.Parked != 1 {
		t.Fatalf("report = %+v", report)
	}

	entry, _ := store.Get(ctx, clientID)
	if entry.Status != outbox.StatusConflict || entry.LastError != "share sum mismatch" {
		t.Fatalf("entry = %+v", entry)
	}
	if submitter.callCount() != 1 {
		t.Fatalf("conflict consumed %d attempts, want 1", submitter.callCount())
	}
}

// A rejection the server does not mark as a conflict, like a rate limit,
// schedules a retry instead of parking the entry.
func TestNonConflictRejectionRetries(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	clientID := enqueue(t, store, "g1", "alice", 1000, "a")

	submitter := &fakeSubmitter{fn: func(id string, m outbox.Mutation) (*remote.Result, error) {
		return nil, &remote.SubmitError{StatusCode: 429, Reason: "rate limit exceeded", Conflict: false}
	}}
	coord := NewCoordinator(store, submitter, testConfig(), testLogger())

	report, err := coord.SyncAll(ctx)
	if err != nil {
		t.Fatalf("SyncAll: %v", err)
	}
	if report.Parked != 0 || report.Errors != 1 {
		t.Fatalf("report = %+v", report)
	}

	entry, _ := store.Get(ctx, clientID)
	if entry.Status != outbox.StatusFailed || entry.RetryCount != 1 {
		t.Fatalf("entry = %+v", entry)
	}
}

// One entry's failure must not block the rest of the queue.
func TestFailureIsolation(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	bad := enqueue(t, store, "g1", "alice", 1000, "bad")
	time.Sleep(2 * time.Millisecond)
	good := enqueue(t, store, "g1", "alice", 2000, "good")

	submitter := &fakeSubmitter{fn: func(id string, m outbox.Mutation) (*remote.Result, error) {
		if id == bad {
			return nil, errors.New("connection refused")
		}
		return &remote.Result{Outcome: remote.OutcomeCreated, CanonicalID: "canon-good"}, nil
	}}
	coord := NewCoordinator(store, submitter, testConfig(), testLogger())

	report, err := coord.SyncAll(ctx)
	if err != nil {
		t.Fatalf("SyncAll: %v", err)
	}
	if report.Processed != 1 || report.Errors != 1 {
		t.Fatalf("report = %+v", report)
	}

	goodEntry, _ := store.Get(ctx, good)
	if goodEntry.Status != outbox.StatusSynced {
		t.Fatalf("good entry blocked by bad one: %+v", goodEntry)
	}
}

// A duplicate outcome means the mutation is already durable; the entry is
// retired exactly like a fresh create.
func TestDuplicateOutcomeCountsAsProcessed(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	clientID := enqueue(t, store, "g1", "alice", 1000, "a")

	submitter := &fakeSubmitter{fn: func(id string, m outbox.Mutation) (*remote.Result, error) {
		return &remote.Result{Outcome: remote.OutcomeDuplicate, CanonicalID: "canon-1"}, nil
	}}
	coord := NewCoordinator(store, submitter, testConfig(), testLogger())

	report, _ := coord.SyncAll(ctx)
	if report.Processed != 1 {
		t.Fatalf("report = %+v", report)
	}
	entry, _ := store.Get(ctx, clientID)
	if entry.Status != outbox.StatusSynced || entry.CanonicalID != "canon-1" {
		t.Fatalf("entry = %+v", entry)
	}
}

func TestSyncAllSingleFlight(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	enqueue(t, store, "g1", "alice", 1000, "a")

	release := make(chan struct{})
	started := make(chan struct{})
	submitter := &fakeSubmitter{fn: func(id string, m outbox.Mutation) (*remote.Result, error) {
		close(started)
		<-release
		return &remote.Result{Outcome: remote.OutcomeCreated, CanonicalID: "canon-1"}, nil
	}}
	coord := NewCoordinator(store, submitter, testConfig(), testLogger())

	done := make(chan struct{})
	go func() {
		defer close(done)
		coord.SyncAll(ctx)
	}()

	<-started
	if _, err := coord.SyncAll(ctx); !errors.Is(err, ErrSyncInProgress) {
		t.Fatalf("concurrent drain: err = %v, want ErrSyncInProgress", err)
	}
	close(release)
	<-done
}

func TestSyncAllStopsOnContextCancel(t *testing.T) {
	store := newTestStore(t)
	enqueue(t, store, "g1", "alice", 1000, "a")
	time.Sleep(2 * time.Millisecond)
	enqueue(t, store, "g1", "alice", 2000, "b")

	ctx, cancel := context.WithCancel(context.Background())
	submitter := &fakeSubmitter{fn: func(id string, m outbox.Mutation) (*remote.Result, error) {
		cancel() // cancel after the first submission
		return &remote.Result{Outcome: remote.OutcomeCreated, CanonicalID: "canon-" + id}, nil
	}}
	coord := NewCoordinator(store, submitter, testConfig(), testLogger())

	_, err := coord.SyncAll(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if submitter.callCount() != 1 {
		t.Fatalf("attempts after cancel = %d, want 1", submitter.callCount())
	}
}

func TestNotifierPublishesEvents(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	clientID := enqueue(t, store, "g1", "alice", 1000, "a")

	submitter := &fakeSubmitter{fn: func(id string, m outbox.Mutation) (*remote.Result, error) {
		return &remote.Result{Outcome: remote.OutcomeCreated, CanonicalID: "canon-1"}, nil
	}}
	coord := NewCoordinator(store, submitter, testConfig(), testLogger())
	events := coord.Notifier().Subscribe()

	if _, err := coord.SyncAll(ctx); err != nil {
		t.Fatalf("SyncAll: %v", err)
	}

	select {
	case e := <-events:
		if e.Type != EventSynced || e.ClientID != clientID || e.CanonicalID != "canon-1" {
			t.Fatalf("event = %+v", e)
		}
	case <-time.After(time.Second):
		t.Fatal("no event published")
	}
}

func TestStartStop(t *testing.T) {
	store := newTestStore(t)
	submitter := &fakeSubmitter{fn: func(id string, m outbox.Mutation) (*remote.Result, error) {
		return &remote.Result{Outcome: remote.OutcomeCreated, CanonicalID: "canon"}, nil
	}}
	config := testConfig()
	config.PollInterval = 5 * time.Millisecond
	coord := NewCoordinator(store, submitter, config, testLogger())

	ctx := context.Background()
	if err := coord.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := coord.Start(ctx); err == nil {
		t.Fatal("second Start succeeded")
	}
	if !coord.IsRunning() {
		t.Fatal("not running after Start")
	}

	stopCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	if err := coord.Stop(stopCtx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if coord.IsRunning() {
		t.Fatal("still running after Stop")
	}
}

func TestBackoffSchedule(t *testing.T) {
	tests := []struct {
		retry int
		want  time.Duration
	}{
		{0, 1 * time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{5, 30 * time.Second},
		{20, 30 * time.Second},
	}
	for _, tt := range tests {
		if got := backoff(time.Second, 30*time.Second, tt.retry); got != tt.want {
			t.Errorf("backoff(retry=%d) = %v, want %v", tt.retry, got, tt.want)
		}
	}
}
