// Package quota tracks the files each user keeps in the general uploads
// area and caps how many may be outstanding at once.
package quota

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/transubtil/sharebox/internal/logging"
)

//go:embed migrations/*.up.sql
var migrations embed.FS

var (
	// ErrQuotaExceeded is returned by Reserve when the owner already holds
	// the maximum number of active submissions.
	ErrQuotaExceeded = errors.New("active submission quota exceeded")

	// ErrNotFound is returned for unknown submissions or ones owned by
	// someone else.
	ErrNotFound = errors.New("submission not found")
)

// Submission is one file a user placed in the uploads area.
type Submission struct {
	ID          string    `json:"id"`
	OwnerID     string    `json:"owner_id"`
	Category    string    `json:"category"`
	Path        string    `json:"path"`
	ContentType string    `json:"content_type"`
	Size        int64     `json:"size"`
	CreatedAt   time.Time `json:"created_at"`
}

// Store manages submissions and the per-owner active counters.
type Store struct {
	db        *sql.DB
	maxActive int
}

// NewStore creates a store. maxActive <= 0 means unlimited.
func NewStore(db *sql.DB, maxActive int) *Store {
	return &Store{db: db, maxActive: maxActive}
}

// MaxActive returns the configured cap (0 = unlimited).
func (s *Store) MaxActive() int {
	if s.maxActive < 0 {
		return 0
	}
	return s.maxActive
}

// Migrate applies the embedded schema files in name order.
func Migrate(ctx context.Context, db *sql.DB) error {
	files, err := fs.Glob(migrations, "migrations/*.up.sql")
	if err != nil {
		return fmt.Errorf("glob migrations: %w", err)
	}
	sort.Strings(files)
	for _, f := range files {
		logging.Info("running migration", zap.String("file", f))
		content, err := migrations.ReadFile(f)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", f, err)
		}
		if _, err := db.ExecContext(ctx, string(content)); err != nil {
			return fmt.Errorf("exec migration %s: %w", f, err)
		}
	}
	return nil
}

// Reserve claims one active slot for owner. The check and the increment
// are a single conditional UPDATE, so concurrent uploads cannot overshoot
// the cap.
func (s *Store) Reserve(ctx context.Context, owner string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO submission_quotas (owner_id, active) VALUES ($1, 0)
		 ON CONFLICT (owner_id) DO NOTHING`, owner)
	if err != nil {
		return fmt.Errorf("ensure quota row: %w", err)
	}

	var res sql.Result
	if limit := s.MaxActive(); limit == 0 {
		res, err = s.db.ExecContext(ctx,
			`UPDATE submission_quotas SET active = active + 1 WHERE owner_id = $1`, owner)
	} else {
		res, err = s.db.ExecContext(ctx,
			`UPDATE submission_quotas SET active = active + 1
			 WHERE owner_id = $1 AND active < $2`, owner, limit)
	}
	if err != nil {
		return fmt.Errorf("reserve submission: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("reserve submission: %w", err)
	}
	if n == 0 {
		return ErrQuotaExceeded
	}
	return nil
}

// Release gives back a slot claimed by Reserve.
func (s *Store) Release(ctx context.Context, owner string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE submission_quotas SET active = active - 1
		 WHERE owner_id = $1 AND active > 0`, owner)
	if err != nil {
		return fmt.Errorf("release submission: %w", err)
	}
	return nil
}

// Active returns how many slots owner currently holds.
func (s *Store) Active(ctx context.Context, owner string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT active FROM submission_quotas WHERE owner_id = $1`, owner).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get active submissions: %w", err)
	}
	return n, nil
}

// Record persists a stored upload. The caller must hold a reservation.
func (s *Store) Record(ctx context.Context, sub *Submission) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO submissions (id, owner_id, category, path, content_type, size, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		sub.ID, sub.OwnerID, sub.Category, sub.Path, sub.ContentType, sub.Size, sub.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("record submission: %w", err)
	}
	return nil
}

const submissionColumns = `id, owner_id, category, path, content_type, size, created_at`

// Get returns one of owner's submissions.
func (s *Store) Get(ctx context.Context, id, owner string) (*Submission, error) {
	var sub Submission
	err := s.db.QueryRowContext(ctx,
		`SELECT `+submissionColumns+` FROM submissions WHERE id = $1 AND owner_id = $2`, id, owner).
		Scan(&sub.ID, &sub.OwnerID, &sub.Category, &sub.Path, &sub.ContentType, &sub.Size, &sub.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get submission: %w", err)
	}
	return &sub, nil
}

// List returns owner's submissions, newest first.
func (s *Store) List(ctx context.Context, owner string) ([]Submission, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+submissionColumns+` FROM submissions WHERE owner_id = $1
		 ORDER BY created_at DESC`, owner)
	if err != nil {
		return nil, fmt.Errorf("list submissions: %w", err)
	}
	defer rows.Close()

	subs := []Submission{}
	for rows.Next() {
		var sub Submission
		if err := rows.Scan(&sub.ID, &sub.OwnerID, &sub.Category, &sub.Path, &sub.ContentType, &sub.Size, &sub.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan submission: %w", err)
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

// Remove deletes one of owner's submissions and frees its slot.
func (s *Store) Remove(ctx context.Context, id, owner string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM submissions WHERE id = $1 AND owner_id = $2`, id, owner)
	if err != nil {
		return fmt.Errorf("delete submission: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete submission: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return s.Release(ctx, owner)
}
