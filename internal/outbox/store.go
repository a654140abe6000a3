package outbox

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"splitledger/internal/cache"
	"splitledger/internal/log"
)

var (
	ErrEntryNotFound = errors.New("outbox entry not found")
	ErrNotParked     = errors.New("outbox entry is not parked")
)

const schema = `
CREATE TABLE IF NOT EXISTS outbox_entries (
	client_id       TEXT PRIMARY KEY,
	kind            TEXT NOT NULL,
	payload         TEXT NOT NULL,
	fingerprint     TEXT NOT NULL,
	status          TEXT NOT NULL DEFAULT 'pending',
	retry_count     INTEGER NOT NULL DEFAULT 0,
	last_error      TEXT NOT NULL DEFAULT '',
	next_attempt_at INTEGER NOT NULL DEFAULT 0,
	syncing_at      INTEGER NOT NULL DEFAULT 0,
	canonical_id    TEXT NOT NULL DEFAULT '',
	created_at      INTEGER NOT NULL,
	synced_at       INTEGER
);
CREATE INDEX IF NOT EXISTS idx_outbox_status ON outbox_entries(status, next_attempt_at);
CREATE INDEX IF NOT EXISTS idx_outbox_fingerprint ON outbox_entries(fingerprint);
CREATE INDEX IF NOT EXISTS idx_outbox_created ON outbox_entries(created_at);
`

// Entry is one queued mutation with its delivery state.
type Entry struct {
	ClientID      string
	Kind          Kind
	Mutation      Mutation
	Fingerprint   string
	Status        Status
	RetryCount    int
	LastError     string
	NextAttemptAt time.Time
	CanonicalID   string
	CreatedAt     time.Time
	SyncedAt      *time.Time
}

// Store is the durable offline queue, backed by its own SQLite database so
// a wedged authoritative store never blocks capture.
type Store struct {
	db          *sql.DB
	window      time.Duration
	fingerprint *cache.LRUCache[string]
	logger      *log.Logger
}

func NewStore(dbPath string, dedupWindow time.Duration, logger *log.Logger) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open outbox database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping outbox database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create outbox schema: %w", err)
	}

	return &Store{
		db:          db,
		window:      dedupWindow,
		fingerprint: cache.NewLRUCache[string](512, dedupWindow),
		logger:      logger.WithComponent(log.ComponentOutbox),
	}, nil
}

func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Enqueue durably queues a mutation. A mutation whose fingerprint matches
// a live entry (queued, in flight, or already synced) is suppressed and the
// original entry's client ID is returned with deduped=true.
func (s *Store) Enqueue(ctx context.Context, m Mutation) (clientID string, deduped bool, err error) {
	if err := m.Validate(); err != nil {
		return "", false, err
	}

	now := time.Now()
	fp := Fingerprint(m, now, s.window)

	if cached, ok := s.fingerprint.Get(fp); ok {
		s.logger.DebugContext(ctx, "Duplicate mutation suppressed by cache",
			log.FieldFingerprint, fp, log.FieldClientID, cached)
		return cached, true, nil
	}

	var existing string
	err = s.db.QueryRowContext(ctx,
		`SELECT client_id FROM outbox_entries
		 WHERE fingerprint = ? AND status IN ('pending', 'syncing', 'failed', 'synced')
		 LIMIT 1`, fp,
	).Scan(&existing)
	if err != nil && err != sql.ErrNoRows {
		return "", false, fmt.Errorf("check fingerprint: %w", err)
	}
	if existing != "" {
		s.fingerprint.Set(fp, existing)
		s.logger.InfoContext(ctx, "Duplicate mutation suppressed",
			log.FieldFingerprint, fp, log.FieldClientID, existing)
		return existing, true, nil
	}

	payload, err := m.ToJSON()
	if err != nil {
		return "", false, fmt.Errorf("encode mutation: %w", err)
	}

	clientID = uuid.New().String()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO outbox_entries (client_id, kind, payload, fingerprint, status, next_attempt_at, created_at)
		 VALUES (?, ?, ?, ?, 'pending', 0, ?)`,
		clientID, string(m.Kind), string(payload), fp, now.UnixNano(),
	)
	if err != nil {
		return "", false, fmt.Errorf("insert outbox entry: %w", err)
	}

	s.fingerprint.Set(fp, clientID)
	s.logger.InfoContext(ctx, "Mutation queued",
		log.FieldClientID, clientID,
		"kind", string(m.Kind),
		log.FieldGroupID, m.GroupID(),
		log.FieldFingerprint, fp)
	return clientID, false, nil
}

// ListDue returns entries eligible for a sync attempt, oldest first. Parked
// entries (conflict or permanently failed) and entries whose backoff has
// not elapsed are skipped.
func (s *Store) ListDue(ctx context.Context, now time.Time, limit int) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT client_id, kind, payload, fingerprint, status, retry_count, last_error,
		        next_attempt_at, canonical_id, created_at, synced_at
		 FROM outbox_entries
		 WHERE status IN ('pending', 'failed') AND next_attempt_at <= ?
		 ORDER BY created_at, client_id
		 LIMIT ?`, now.UnixNano(), limit)
	if err != nil {
		return nil, fmt.Errorf("query due entries: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

// Get retrieves a single entry by client ID.
func (s *Store) Get(ctx context.Context, clientID string) (*Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT client_id, kind, payload, fingerprint, status, retry_count, last_error,
		        next_attempt_at, canonical_id, created_at, synced_at
		 FROM outbox_entries WHERE client_id = ?`, clientID)
	if err != nil {
		return nil, fmt.Errorf("query entry: %w", err)
	}
	defer rows.Close()

	entries, err := scanEntries(rows)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("entry %s: %w", clientID, ErrEntryNotFound)
	}
	return &entries[0], nil
}

// MarkSyncing claims an entry for an in-flight submission. The claim only
// succeeds from pending or failed, so two drains cannot pick up the same
// entry.
func (s *Store) MarkSyncing(ctx context.Context, clientID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE outbox_entries SET status = 'syncing', syncing_at = ?
		 WHERE client_id = ? AND status IN ('pending', 'failed')`,
		time.Now().UnixNano(), clientID)
	if err != nil {
		return fmt.Errorf("mark syncing: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("entry %s not claimable: %w", clientID, ErrEntryNotFound)
	}
	return nil
}

// MarkSynced records the canonical ID assigned by the authoritative store
// and retires the entry.
func (s *Store) MarkSynced(ctx context.Context, clientID, canonicalID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE outbox_entries
		 SET status = 'synced', canonical_id = ?, last_error = '', synced_at = ?
		 WHERE client_id = ?`,
		canonicalID, time.Now().UnixNano(), clientID)
	if err != nil {
		return fmt.Errorf("mark synced: %w", err)
	}
	return nil
}

// MarkFailed records a retryable failure and schedules the next attempt.
func (s *Store) MarkFailed(ctx context.Context, clientID, reason string, retryCount int, nextAttempt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE outbox_entries
		 SET status = 'failed', retry_count = ?, last_error = ?, next_attempt_at = ?
		 WHERE client_id = ?`,
		retryCount, reason, nextAttempt.UnixNano(), clientID)
	if err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	return nil
}

// MarkPermanentlyFailed parks an entry after its retry budget is exhausted.
// Parked entries need explicit operator action: RetryFailed or Acknowledge.
func (s *Store) MarkPermanentlyFailed(ctx context.Context, clientID, reason string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE outbox_entries SET status = 'permanently_failed', last_error = ?
		 WHERE client_id = ?`, reason, clientID)
	if err != nil {
		return fmt.Errorf("mark permanently failed: %w", err)
	}
	return nil
}

// MarkConflict parks an entry the authoritative store rejected as invalid.
// Retrying cannot fix a semantic rejection, so the entry is held for review
// instead of burning its retry budget.
func (s *Store) MarkConflict(ctx context.Context, clientID, reason string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE outbox_entries SET status = 'conflict', last_error = ?
		 WHERE client_id = ?`, reason, clientID)
	if err != nil {
		return fmt.Errorf("mark conflict: %w", err)
	}
	return nil
}

// Acknowledge discards a parked entry after review.
func (s *Store) Acknowledge(ctx context.Context, clientID string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM outbox_entries
		 WHERE client_id = ? AND status IN ('conflict', 'permanently_failed')`, clientID)
	if err != nil {
		return fmt.Errorf("acknowledge entry: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("entry %s: %w", clientID, ErrNotParked)
	}
	s.logger.InfoContext(ctx, "Parked entry acknowledged", log.FieldClientID, clientID)
	return nil
}

// RetryFailed requeues every parked entry with a fresh retry budget.
func (s *Store) RetryFailed(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE outbox_entries
		 SET status = 'pending', retry_count = 0, next_attempt_at = 0
		 WHERE status IN ('permanently_failed', 'conflict')`)
	if err != nil {
		return 0, fmt.Errorf("retry failed entries: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		s.logger.InfoContext(ctx, "Parked entries requeued", "count", n)
	}
	return int(n), nil
}

// ResetStaleSyncing requeues entries stuck in syncing, typically after a
// crash mid-drain. Staleness is measured from when the entry was claimed,
// so an in-flight submission is never snatched back. Retry counts are
// preserved.
func (s *Store) ResetStaleSyncing(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := time.Now().Add(-olderThan).UnixNano()
	res, err := s.db.ExecContext(ctx,
		`UPDATE outbox_entries SET status = 'pending'
		 WHERE status = 'syncing' AND syncing_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("reset stale syncing: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		s.logger.Warn("Stale syncing entries reset", "count", n)
	}
	return int(n), nil
}

// PruneSynced deletes synced entries older than the retention window.
func (s *Store) PruneSynced(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := time.Now().Add(-olderThan).UnixNano()
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM outbox_entries WHERE status = 'synced' AND synced_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune synced entries: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// Stats counts entries per status.
type Stats struct {
	Pending           int
	Syncing           int
	Synced            int
	Failed            int
	PermanentlyFailed int
	Conflict          int
}

func (s *Store) Stats(ctx context.Context) (Stats, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT status, COUNT(*) FROM outbox_entries GROUP BY status")
	if err != nil {
		return Stats{}, fmt.Errorf("query stats: %w", err)
	}
	defer rows.Close()

	var stats Stats
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return Stats{}, fmt.Errorf("scan stats: %w", err)
		}
		switch Status(status) {
		case StatusPending:
			stats.Pending = count
		case StatusSyncing:
			stats.Syncing = count
		case StatusSynced:
			stats.Synced = count
		case StatusFailed:
			stats.Failed = count
		case StatusPermanentlyFailed:
			stats.PermanentlyFailed = count
		case StatusConflict:
			stats.Conflict = count
		}
	}
	return stats, rows.Err()
}

func scanEntries(rows *sql.Rows) ([]Entry, error) {
	var entries []Entry
	for rows.Next() {
		var e Entry
		var kind, payload string
		var nextAttempt, createdAt int64
		var syncedAt sql.NullInt64
		if err := rows.Scan(&e.ClientID, &kind, &payload, &e.Fingerprint, &e.Status,
			&e.RetryCount, &e.LastError, &nextAttempt, &e.CanonicalID, &createdAt, &syncedAt); err != nil {
			return nil, fmt.Errorf("scan outbox entry: %w", err)
		}
		e.Kind = Kind(kind)
		e.NextAttemptAt = time.Unix(0, nextAttempt)
		e.CreatedAt = time.Unix(0, createdAt)
		if syncedAt.Valid {
			t := time.Unix(0, syncedAt.Int64)
			e.SyncedAt = &t
		}

		m, err := MutationFromJSON([]byte(payload))
		if err != nil {
			return nil, fmt.Errorf("entry %s: %w", e.ClientID, err)
		}
		e.Mutation = m
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate outbox entries: %w", err)
	}
	return entries, nil
}
