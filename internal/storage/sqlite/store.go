// Package sqlite is the embedded relational crawl store (save_option=sqlite).
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	// Registers the pure-Go "sqlite" driver.
	_ "modernc.org/sqlite"

	"github.com/JakeFAU/social-crawler/internal/clock/system"
	"github.com/JakeFAU/social-crawler/internal/crawler"
	"github.com/JakeFAU/social-crawler/internal/storage/record"
)

// Store writes entities into a single SQLite file with the same upsert
// contract as the Postgres store.
type Store struct {
	db    *sql.DB
	clock crawler.Clock
}

// Open creates (or reuses) the database at path and bootstraps the schema.
// ":memory:" keeps everything in process.
func Open(ctx context.Context, path string, clock crawler.Clock) (*Store, error) {
	const op = "sqlite.Open"
	if path == "" {
		return nil, crawler.Errorf(crawler.KindConfiguration, op, "sqlite.path is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, crawler.NewError(crawler.KindStorage, op, fmt.Errorf("create sqlite dir: %w", err))
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, crawler.NewError(crawler.KindStorage, op, err)
	}
	// One writer at a time; SQLite serialises writes anyway.
	db.SetMaxOpenConns(1)
	if clock == nil {
		clock = system.New()
	}
	s := &Store{db: db, clock: clock}
	if err := s.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureSchema(ctx context.Context) error {
	for _, ddl := range record.Schema {
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return crawler.NewError(crawler.KindStorage, "sqlite.ensureSchema", err)
		}
	}
	return nil
}

// StoreItem upserts an item.
func (s *Store) StoreItem(ctx context.Context, item crawler.Item) error {
	return s.exec(ctx, "item", record.UpsertItemSQL(record.Question), record.ItemArgs(item, s.now()))
}

// StoreComment upserts a comment.
func (s *Store) StoreComment(ctx context.Context, c crawler.Comment) error {
	return s.exec(ctx, "comment", record.UpsertCommentSQL(record.Question), record.CommentArgs(c, s.now()))
}

// StoreCreator upserts a creator.
func (s *Store) StoreCreator(ctx context.Context, c crawler.Creator) error {
	return s.exec(ctx, "creator", record.UpsertCreatorSQL(record.Question), record.CreatorArgs(c, s.now()))
}

// Flush is a no-op.
func (s *Store) Flush(context.Context) error { return nil }

// Close closes the database handle.
func (s *Store) Close(context.Context) error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// DB exposes the handle for read-side queries.
func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) exec(ctx context.Context, what, query string, args []any) error {
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return crawler.NewError(crawler.KindStorage, "sqlite.upsert "+what, err)
	}
	return nil
}

func (s *Store) now() int64 {
	return s.clock.Now().UnixMilli()
}
