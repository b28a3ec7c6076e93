// Package file persists entities as CSV (append-only) or JSON (a single
// top-level array upserted in place) under
// {root}/{platform}/{mode}_{entity}_{YYYY-MM-DD}.{ext}.
package file

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/social-crawler/internal/clock/system"
	"github.com/JakeFAU/social-crawler/internal/crawler"
	"github.com/JakeFAU/social-crawler/internal/storage/record"
)

// Format selects the on-disk encoding.
type Format string

// Supported formats.
const (
	FormatCSV  Format = "csv"
	FormatJSON Format = "json"
)

// Config controls where files land.
type Config struct {
	Root     string
	Platform crawler.Platform
	Mode     crawler.Mode
	Format   Format
}

// Store writes one file per entity kind per day.
type Store struct {
	cfg    Config
	clock  crawler.Clock
	logger *zap.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New validates cfg and creates the platform directory.
func New(cfg Config, clock crawler.Clock, logger *zap.Logger) (*Store, error) {
	const op = "file.New"
	if cfg.Format != FormatCSV && cfg.Format != FormatJSON {
		return nil, crawler.Errorf(crawler.KindConfiguration, op, "unsupported file format %q", cfg.Format)
	}
	if cfg.Platform == "" || cfg.Mode == "" {
		return nil, crawler.Errorf(crawler.KindConfiguration, op, "platform and mode are required")
	}
	if cfg.Root == "" {
		cfg.Root = "data"
	}
	if err := os.MkdirAll(filepath.Join(cfg.Root, string(cfg.Platform)), 0o755); err != nil {
		return nil, crawler.NewError(crawler.KindStorage, op, err)
	}
	if clock == nil {
		clock = system.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{cfg: cfg, clock: clock, logger: logger, locks: make(map[string]*sync.Mutex)}, nil
}

// Path returns the file an entity kind is written to today.
func (s *Store) Path(kind crawler.EntityKind) string {
	name := fmt.Sprintf("%s_%s_%s.%s", s.cfg.Mode, kind, s.clock.Now().Format("2006-01-02"), s.cfg.Format)
	return filepath.Join(s.cfg.Root, string(s.cfg.Platform), name)
}

func (s *Store) lock(path string) func() {
	s.mu.Lock()
	l, ok := s.locks[path]
	if !ok {
		l = &sync.Mutex{}
		s.locks[path] = l
	}
	s.mu.Unlock()
	l.Lock()
	return l.Unlock
}

// StoreItem appends or upserts an item.
func (s *Store) StoreItem(_ context.Context, item crawler.Item) error {
	now := s.clock.Now().UnixMilli()
	path := s.Path(crawler.EntityItems)
	if s.cfg.Format == FormatCSV {
		item = record.MergeItem(nil, item, now)
		return s.appendCSV(path, record.ItemColumns, record.ItemRow(item))
	}
	return upsertJSON(s, path, item.NaturalKey, func(c crawler.Item) string { return c.NaturalKey },
		func(existing *crawler.Item) crawler.Item { return record.MergeItem(existing, item, now) })
}

// StoreComment appends or upserts a comment.
func (s *Store) StoreComment(_ context.Context, c crawler.Comment) error {
	now := s.clock.Now().UnixMilli()
	path := s.Path(crawler.EntityComments)
	if s.cfg.Format == FormatCSV {
		c = record.MergeComment(nil, c, now)
		return s.appendCSV(path, record.CommentColumns, record.CommentRow(c))
	}
	return upsertJSON(s, path, c.NaturalKey, func(e crawler.Comment) string { return e.NaturalKey },
		func(existing *crawler.Comment) crawler.Comment { return record.MergeComment(existing, c, now) })
}

// StoreCreator appends or upserts a creator.
func (s *Store) StoreCreator(_ context.Context, c crawler.Creator) error {
	now := s.clock.Now().UnixMilli()
	path := s.Path(crawler.EntityCreators)
	if s.cfg.Format == FormatCSV {
		c = record.MergeCreator(nil, c, now)
		return s.appendCSV(path, record.CreatorColumns, record.CreatorRow(c))
	}
	return upsertJSON(s, path, c.NaturalKey, func(e crawler.Creator) string { return e.NaturalKey },
		func(existing *crawler.Creator) crawler.Creator { return record.MergeCreator(existing, c, now) })
}

// Flush is a no-op: every write reaches disk before returning.
func (s *Store) Flush(context.Context) error { return nil }

// Close is a no-op.
func (s *Store) Close(context.Context) error { return nil }

func (s *Store) appendCSV(path string, header, row []string) error {
	unlock := s.lock(path)
	defer unlock()

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return crawler.NewError(crawler.KindStorage, "file.appendCSV", err)
	}
	defer func() {
		if cerr := f.Close(); cerr != nil {
			s.logger.Warn("failed to close csv file", zap.String("path", path), zap.Error(cerr))
		}
	}()
	info, err := f.Stat()
	if err != nil {
		return crawler.NewError(crawler.KindStorage, "file.appendCSV", err)
	}
	w := csv.NewWriter(f)
	if info.Size() == 0 {
		if err := w.Write(header); err != nil {
			return crawler.NewError(crawler.KindStorage, "file.appendCSV", err)
		}
	}
	if err := w.Write(row); err != nil {
		return crawler.NewError(crawler.KindStorage, "file.appendCSV", err)
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return crawler.NewError(crawler.KindStorage, "file.appendCSV", err)
	}
	return nil
}

// upsertJSON rewrites path with the record keyed by key replaced (or appended).
func upsertJSON[T any](s *Store, path, key string, keyOf func(T) string, build func(existing *T) T) error {
	const op = "file.upsertJSON"
	unlock := s.lock(path)
	defer unlock()

	var rows []T
	raw, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return crawler.NewError(crawler.KindStorage, op, err)
	case len(raw) > 0:
		if err := json.Unmarshal(raw, &rows); err != nil {
			s.logger.Warn("discarding unreadable json file", zap.String("path", path), zap.Error(err))
			rows = nil
		}
	}

	replaced := false
	for i := range rows {
		if keyOf(rows[i]) == key {
			rows[i] = build(&rows[i])
			replaced = true
			break
		}
	}
	if !replaced {
		rows = append(rows, build(nil))
	}

	out, err := json.MarshalIndent(rows, "", "    ")
	if err != nil {
		return crawler.NewError(crawler.KindStorage, op, err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, out, 0o644); err != nil {
		return crawler.NewError(crawler.KindStorage, op, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return crawler.NewError(crawler.KindStorage, op, err)
	}
	return nil
}
