package sharing

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/transubtil/sharebox/internal/logging"
)

//go:embed migrations/*.up.sql
var migrations embed.FS

// OpenDB opens and pings the record store. driver is "postgres" or
// "sqlite3".
func OpenDB(driver, dsn string) (*sql.DB, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	switch driver {
	case "sqlite3":
		// SQLite serializes writers; one connection avoids SQLITE_BUSY
		// and keeps in-memory databases alive.
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		db.SetConnMaxLifetime(0)
	default:
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return db, nil
}

// Migrate applies the embedded schema files in name order. Every file is
// idempotent.
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

// isUniqueViolation reports whether err is a unique-constraint failure from
// either supported driver.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		return liteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			liteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

// timeValue scans a nullable timestamp. SQLite hands back text instead of
// time.Time for RETURNING columns, so strings are parsed with the driver's
// own layouts.
type timeValue struct {
	Time  time.Time
	Valid bool
}

func (t *timeValue) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*t = timeValue{}
		return nil
	case time.Time:
		*t = timeValue{Time: v.UTC(), Valid: true}
		return nil
	case []byte:
		return t.parse(string(v))
	case string:
		return t.parse(v)
	}
	return fmt.Errorf("unsupported timestamp type %T", src)
}

func (t *timeValue) parse(s string) error {
	s = strings.TrimSuffix(s, "Z")
	for _, layout := range sqlite3.SQLiteTimestampFormats {
		if ts, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			*t = timeValue{Time: ts.UTC(), Valid: true}
			return nil
		}
	}
	return fmt.Errorf("parse timestamp %q", s)
}

func (t timeValue) ptr() *time.Time {
	if !t.Valid {
		return nil
	}
	ts := t.Time
	return &ts
}
