package sharing

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Store persists share links.
type Store interface {
	Insert(ctx context.Context, link *ShareLink) (*ShareLink, error)
	GetByToken(ctx context.Context, token string) (*ShareLink, error)
	TokenExists(ctx context.Context, token string) (bool, error)
	UpdateByToken(ctx context.Context, token string, u LinkUpdate) error
	IncrementDownloads(ctx context.Context, token string, now time.Time) (bool, error)
	ListByOwner(ctx context.Context, owner string) ([]ShareLink, error)
	SetActive(ctx context.Context, id, owner string, active bool) error
	Delete(ctx context.Context, id, owner string) error
	DeleteExpired(ctx context.Context, now time.Time) ([]ShareLink, error)
	CountActive(ctx context.Context) (int64, error)
}

// LinkUpdate holds the mutable fields of a link. Nil fields are left
// unchanged.
type LinkUpdate struct {
	DownloadCount  *int
	LastAccessedAt *time.Time
}

// SQLStore implements Store on database/sql. The queries are portable
// between PostgreSQL and SQLite.
type SQLStore struct {
	db *sql.DB
}

// NewSQLStore creates a store over an opened, migrated database.
func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db}
}

const linkColumns = `id, token, file_path, file_name, file_size, owner_id, created_at,
	expires_at, password_hash, max_downloads, download_count, is_active, last_accessed_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanLink(row rowScanner) (*ShareLink, error) {
	var (
		l            ShareLink
		createdAt    timeValue
		expiresAt    timeValue
		passwordHash sql.NullString
		maxDownloads sql.NullInt64
		lastAccessed timeValue
	)
	err := row.Scan(&l.ID, &l.Token, &l.FilePath, &l.FileName, &l.FileSize, &l.OwnerID,
		&createdAt, &expiresAt, &passwordHash, &maxDownloads, &l.DownloadCount,
		&l.IsActive, &lastAccessed)
	if err != nil {
		return nil, err
	}

	l.CreatedAt = createdAt.Time
	l.ExpiresAt = expiresAt.ptr()
	l.LastAccessedAt = lastAccessed.ptr()
	if passwordHash.Valid {
		l.PasswordHash = passwordHash.String
	}
	if maxDownloads.Valid {
		n := int(maxDownloads.Int64)
		l.MaxDownloads = &n
	}
	return &l, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func (s *SQLStore) Insert(ctx context.Context, link *ShareLink) (*ShareLink, error) {
	var passwordHash sql.NullString
	if link.PasswordHash != "" {
		passwordHash = sql.NullString{String: link.PasswordHash, Valid: true}
	}
	var maxDownloads sql.NullInt64
	if link.MaxDownloads != nil {
		maxDownloads = sql.NullInt64{Int64: int64(*link.MaxDownloads), Valid: true}
	}

	row := s.db.QueryRowContext(ctx,
		`INSERT INTO share_links (`+linkColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		 RETURNING `+linkColumns,
		link.ID, link.Token, link.FilePath, link.FileName, link.FileSize, link.OwnerID,
		link.CreatedAt.UTC(), nullTime(link.ExpiresAt), passwordHash, maxDownloads,
		link.DownloadCount, link.IsActive, nullTime(link.LastAccessedAt))
	created, err := scanLink(row)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrTokenTaken
		}
		return nil, fmt.Errorf("insert share link: %w", err)
	}
	return created, nil
}

func (s *SQLStore) GetByToken(ctx context.Context, token string) (*ShareLink, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+linkColumns+` FROM share_links WHERE token = $1`, token)
	link, err := scanLink(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query share link: %w", err)
	}
	return link, nil
}

func (s *SQLStore) TokenExists(ctx context.Context, token string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM share_links WHERE token = $1)`, token).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check token: %w", err)
	}
	return exists, nil
}

func (s *SQLStore) UpdateByToken(ctx context.Context, token string, u LinkUpdate) error {
	var count sql.NullInt64
	if u.DownloadCount != nil {
		count = sql.NullInt64{Int64: int64(*u.DownloadCount), Valid: true}
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE share_links
		 SET download_count = COALESCE($1, download_count),
		     last_accessed_at = COALESCE($2, last_accessed_at)
		 WHERE token = $3`,
		count, nullTime(u.LastAccessedAt), token)
	if err != nil {
		return fmt.Errorf("update share link: %w", err)
	}
	return expectRow(res)
}

// IncrementDownloads bumps the counter only while the link is active and
// under quota, and reports whether it did.
func (s *SQLStore) IncrementDownloads(ctx context.Context, token string, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE share_links
		 SET download_count = download_count + 1, last_accessed_at = $1
		 WHERE token = $2 AND is_active = $3
		   AND (max_downloads IS NULL OR download_count < max_downloads)`,
		now.UTC(), token, true)
	if err != nil {
		return false, fmt.Errorf("increment downloads: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("increment downloads: %w", err)
	}
	return n == 1, nil
}

func (s *SQLStore) ListByOwner(ctx context.Context, owner string) ([]ShareLink, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+linkColumns+` FROM share_links
		 WHERE owner_id = $1
		 ORDER BY created_at DESC`, owner)
	if err != nil {
		return nil, fmt.Errorf("list share links: %w", err)
	}
	return collect(rows)
}

func (s *SQLStore) SetActive(ctx context.Context, id, owner string, active bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE share_links SET is_active = $1 WHERE id = $2 AND owner_id = $3`,
		active, id, owner)
	if err != nil {
		return fmt.Errorf("set share link active: %w", err)
	}
	return expectRow(res)
}

func (s *SQLStore) Delete(ctx context.Context, id, owner string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM share_links WHERE id = $1 AND owner_id = $2`, id, owner)
	if err != nil {
		return fmt.Errorf("delete share link: %w", err)
	}
	return expectRow(res)
}

func (s *SQLStore) DeleteExpired(ctx context.Context, now time.Time) ([]ShareLink, error) {
	rows, err := s.db.QueryContext(ctx,
		`DELETE FROM share_links
		 WHERE expires_at IS NOT NULL AND expires_at <= $1
		 RETURNING `+linkColumns, now.UTC())
	if err != nil {
		return nil, fmt.Errorf("delete expired share links: %w", err)
	}
	return collect(rows)
}

func (s *SQLStore) CountActive(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM share_links WHERE is_active = $1`, true).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count active share links: %w", err)
	}
	return n, nil
}

func collect(rows *sql.Rows) ([]ShareLink, error) {
	defer rows.Close()

	links := []ShareLink{}
	for rows.Next() {
		l, err := scanLink(rows)
		if err != nil {
			return nil, fmt.Errorf("scan share link: %w", err)
		}
		links = append(links, *l)
	}
	return links, rows.Err()
}

func expectRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
