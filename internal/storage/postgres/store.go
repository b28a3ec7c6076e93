// Package postgres is the relational crawl store (save_option=db) on a pgx
// connection pool.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/social-crawler/internal/clock/system"
	"github.com/JakeFAU/social-crawler/internal/crawler"
	"github.com/JakeFAU/social-crawler/internal/storage/record"
)

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	// SkipSchema disables CREATE TABLE IF NOT EXISTS on open.
	SkipSchema bool
}

type execCloser interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Close()
}

// Store upserts entities into Postgres.
type Store struct {
	pool  execCloser
	clock crawler.Clock
}

// New connects a pool and bootstraps the schema.
func New(ctx context.Context, cfg Config, clock crawler.Clock) (*Store, error) {
	const op = "postgres.New"
	if cfg.DSN == "" {
		return nil, crawler.Errorf(crawler.KindConfiguration, op, "db.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, crawler.NewError(crawler.KindConfiguration, op, fmt.Errorf("parse postgres dsn: %w", err))
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, crawler.NewError(crawler.KindStorage, op, fmt.Errorf("connect postgres: %w", err))
	}
	store, err := NewWithPool(pool, clock)
	if err != nil {
		pool.Close()
		return nil, err
	}
	if !cfg.SkipSchema {
		if err := store.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, err
		}
	}
	return store, nil
}

// NewWithPool constructs a store from an existing pool (primarily for testing).
func NewWithPool(pool execCloser, clock crawler.Clock) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if clock == nil {
		clock = system.New()
	}
	return &Store{pool: pool, clock: clock}, nil
}

// EnsureSchema creates the crawl tables when missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	for _, ddl := range record.Schema {
		if _, err := s.pool.Exec(ctx, ddl); err != nil {
			return crawler.NewError(crawler.KindStorage, "postgres.EnsureSchema", err)
		}
	}
	return nil
}

// StoreItem upserts an item.
func (s *Store) StoreItem(ctx context.Context, item crawler.Item) error {
	return s.exec(ctx, "upsert item", record.UpsertItemSQL(record.Dollar), record.ItemArgs(item, s.now()))
}

// StoreComment upserts a comment.
func (s *Store) StoreComment(ctx context.Context, c crawler.Comment) error {
	return s.exec(ctx, "upsert comment", record.UpsertCommentSQL(record.Dollar), record.CommentArgs(c, s.now()))
}

// StoreCreator upserts a creator.
func (s *Store) StoreCreator(ctx context.Context, c crawler.Creator) error {
	return s.exec(ctx, "upsert creator", record.UpsertCreatorSQL(record.Dollar), record.CreatorArgs(c, s.now()))
}

// Flush is a no-op: every upsert is its own statement.
func (s *Store) Flush(context.Context) error { return nil }

// Close releases the underlying pool resources.
func (s *Store) Close(context.Context) error {
	if s == nil || s.pool == nil {
		return nil
	}
	s.pool.Close()
	return nil
}

func (s *Store) exec(ctx context.Context, what, query string, args []any) error {
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return crawler.NewError(crawler.KindStorage, "postgres."+what, err)
	}
	return nil
}

func (s *Store) now() int64 {
	return s.clock.Now().UnixMilli()
}
