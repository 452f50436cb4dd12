// Package pgsource serves directory listings from the PostgreSQL files
// table used by the FruitSalade metadata store.
package pgsource

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/fruitsalade/vlist/internal/metrics"
	"github.com/fruitsalade/vlist/pkg/models"
	"github.com/fruitsalade/vlist/pkg/retry"
)

const listQuery = `SELECT id, name, path, size, mod_time, is_dir
	FROM files
	WHERE parent_path = $1 AND deleted_at IS NULL
	ORDER BY is_dir DESC, name
	LIMIT $2 OFFSET $3`

const countQuery = `SELECT COUNT(*) FROM files WHERE parent_path = $1 AND deleted_at IS NULL`

// Source lists the children of a directory, directories first.
type Source struct {
	db  *sql.DB
	log *zap.Logger
}

// Open connects to databaseURL.
func Open(ctx context.Context, databaseURL string, log *zap.Logger) (*Source, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return New(db, log), nil
}

// New wraps an open database.
func New(db *sql.DB, log *zap.Logger) *Source {
	if log == nil {
		log = zap.NewNop()
	}
	return &Source{db: db, log: log}
}

// Close closes the database.
func (s *Source) Close() error {
	return s.db.Close()
}

// Ping checks the database. It lets the source act as a connectivity
// pinger.
func (s *Source) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Load returns children [start, end] of the directory scope.
func (s *Source) Load(ctx context.Context, scope string, start, end int) ([]models.Item, error) {
	limit := end - start + 1
	if limit <= 0 {
		return nil, nil
	}
	began := time.Now()
	items, err := s.list(ctx, normalizePath(scope), start, limit)
	metrics.RecordSourceOperation("pg", "list", time.Since(began), err == nil)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, classify(fmt.Errorf("list %s: %w", scope, err))
	}
	return items, nil
}

// Count returns the number of children of scope.
func (s *Source) Count(ctx context.Context, scope string) (int, error) {
	began := time.Now()
	var n int
	err := s.db.QueryRowContext(ctx, countQuery, normalizePath(scope)).Scan(&n)
	metrics.RecordSourceOperation("pg", "count", time.Since(began), err == nil)
	if err != nil {
		return 0, classify(fmt.Errorf("count %s: %w", scope, err))
	}
	return n, nil
}

func (s *Source) list(ctx context.Context, parent string, offset, limit int) ([]models.Item, error) {
	rows, err := s.db.QueryContext(ctx, listQuery, parent, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	items := make([]models.Item, 0, limit)
	for rows.Next() {
		var n models.FileNode
		if err := rows.Scan(&n.ID, &n.Name, &n.Path, &n.Size, &n.ModTime, &n.IsDir); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		items = append(items, models.ItemFromNode(&n, 0, false))
	}
	return items, rows.Err()
}

// classify marks errors that cannot succeed on retry as permanent.
// Connection failures, serialization conflicts and resource limits are
// worth retrying; schema and data errors are not.
func classify(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code.Class() {
		case "08", "40", "53", "57":
			return retry.Retryable(err)
		default:
			return retry.Permanent(err)
		}
	}
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) {
		return retry.Retryable(err)
	}
	return err
}

func normalizePath(p string) string {
	if p == "" || p == "/" {
		return "/"
	}
	p = "/" + strings.Trim(p, "/")
	return p
}
