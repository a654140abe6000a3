// Package storage implements the authoritative ledger store on SQLite.
//
// Writes are validated against the domain invariants before they touch the
// database: an expense whose participant shares do not sum to its amount,
// or that references a non-member, is rejected and never persisted. Writes
// within one group are serialized; reads run concurrently.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"splitledger/internal/core"
)

var (
	ErrNotFound   = errors.New("not found")
	ErrNotMember  = errors.New("user is not a member of the group")
	ErrGroupState = errors.New("group is not active")
)

// Repository is the SQLite-backed ledger store.
type Repository struct {
	db *sql.DB

	mu         sync.Mutex
	groupLocks map[string]*sync.Mutex
}

func NewRepository(dbPath string) (*Repository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	if err := RunMigrations(dbPath); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &Repository{
		db:         db,
		groupLocks: make(map[string]*sync.Mutex),
	}, nil
}

func (r *Repository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

func (r *Repository) Close() error {
	if r.db != nil {
		return r.db.Close()
	}
	return nil
}

// lockGroup serializes writes within one group so the sum-to-zero
// invariant never observes a half-applied write.
func (r *Repository) lockGroup(groupID string) func() {
	r.mu.Lock()
	l, ok := r.groupLocks[groupID]
	if !ok {
		l = &sync.Mutex{}
		r.groupLocks[groupID] = l
	}
	r.mu.Unlock()

	l.Lock()
	return l.Unlock
}

func (r *Repository) CreateUser(ctx context.Context, user *core.User) error {
	if err := user.Validate(); err != nil {
		return err
	}
	if user.ID == "" {
		user.ID = uuid.New().String()
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now()
	}

	_, err := r.db.ExecContext(ctx,
		"INSERT INTO users (id, display_name, email, created_at) VALUES (?, ?, ?, ?)",
		user.ID, user.DisplayName, user.Email, user.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

func (r *Repository) GetUser(ctx context.Context, id string) (*core.User, error) {
	user := &core.User{}
	var createdAt int64
	err := r.db.QueryRowContext(ctx,
		"SELECT id, display_name, email, created_at FROM users WHERE id = ?", id,
	).Scan(&user.ID, &user.DisplayName, &user.Email, &createdAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("user %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	user.CreatedAt = time.Unix(createdAt, 0)
	return user, nil
}

func (r *Repository) CreateGroup(ctx context.Context, group *core.Group) error {
	if group.Status == "" {
		group.Status = core.GroupActive
	}
	if err := group.Validate(); err != nil {
		return err
	}
	if group.ID == "" {
		group.ID = uuid.New().String()
	}
	if group.CreatedAt.IsZero() {
		group.CreatedAt = time.Now()
	}

	_, err := r.db.ExecContext(ctx,
		"INSERT INTO groups (id, name, currency, status, created_at) VALUES (?, ?, ?, ?, ?)",
		group.ID, group.Name, group.Currency, string(group.Status), group.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("insert group: %w", err)
	}
	return nil
}

func (r *Repository) GetGroup(ctx context.Context, id string) (*core.Group, error) {
	group := &core.Group{}
	var createdAt int64
	err := r.db.QueryRowContext(ctx,
		"SELECT id, name, currency, status, created_at FROM groups WHERE id = ?", id,
	).Scan(&group.ID, &group.Name, &group.Currency, &group.Status, &createdAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("group %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get group: %w", err)
	}
	group.CreatedAt = time.Unix(createdAt, 0)
	return group, nil
}

func (r *Repository) AddMember(ctx context.Context, groupID, userID string, role core.MemberRole) error {
	if role == "" {
		role = core.RoleMember
	}
	if _, err := r.GetGroup(ctx, groupID); err != nil {
		return err
	}
	if _, err := r.GetUser(ctx, userID); err != nil {
		return err
	}

	_, err := r.db.ExecContext(ctx,
		"INSERT INTO group_members (group_id, user_id, role) VALUES (?, ?, ?)",
		groupID, userID, string(role),
	)
	if err != nil {
		return fmt.Errorf("insert group member: %w", err)
	}
	return nil
}

// ListMembers returns the group's members with freshly derived balances.
func (r *Repository) ListMembers(ctx context.Context, groupID string) ([]core.GroupMember, error) {
	ledger, err := r.GetGroupLedger(ctx, groupID)
	if err != nil {
		return nil, err
	}
	return ledger.Members, nil
}

// SetGroupStatus transitions the group lifecycle. Marking a group settled
// requires every derived balance to be zero.
func (r *Repository) SetGroupStatus(ctx context.Context, groupID string, status core.GroupStatus) error {
	if !status.Valid() {
		return fmt.Errorf("invalid group status %q", status)
	}

	unlock := r.lockGroup(groupID)
	defer unlock()

	if status == core.GroupSettled {
		ledger, err := r.GetGroupLedger(ctx, groupID)
		if err != nil {
			return err
		}
		for _, m := range ledger.Members {
			if m.Balance.Cents != 0 {
				return fmt.Errorf("member %s has non-zero balance %s: %w",
					m.UserID, m.Balance, ErrGroupState)
			}
		}
	}

	res, err := r.db.ExecContext(ctx,
		"UPDATE groups SET status = ? WHERE id = ?", string(status), groupID)
	if err != nil {
		return fmt.Errorf("update group status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("group %s: %w", groupID, ErrNotFound)
	}
	return nil
}

func (r *Repository) memberSet(ctx context.Context, q queryer, groupID string) (map[string]bool, error) {
	rows, err := q.QueryContext(ctx,
		"SELECT user_id FROM group_members WHERE group_id = ?", groupID)
	if err != nil {
		return nil, fmt.Errorf("query group members: %w", err)
	}
	defer rows.Close()

	members := make(map[string]bool)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan member: %w", err)
		}
		members[id] = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate members: %w", err)
	}
	return members, nil
}

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}
