// Package folder writes one directory per item:
// {platform}/{keyword}/{YYYYMMDD_HHMMSS}_{id}/ holding item.json and
// comments.json. Objects go through a crawler.BlobStore, so the tree can land
// on local disk or in a GCS bucket.
package folder

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/social-crawler/internal/clock/system"
	"github.com/JakeFAU/social-crawler/internal/crawler"
	"github.com/JakeFAU/social-crawler/internal/storage/record"
)

const contentTypeJSON = "application/json"

var cst = time.FixedZone("CST", 8*3600)

// Config names the fallback keyword used for items that were not found by a
// keyword search (detail and creator modes).
type Config struct {
	Platform        crawler.Platform
	FallbackKeyword string
}

// Store keeps an index of item folders and the comments written so far so
// that comments.json can be rewritten as a whole on every upsert.
type Store struct {
	blobs    crawler.BlobStore
	platform crawler.Platform
	fallback string
	clock    crawler.Clock
	logger   *zap.Logger

	mu       sync.Mutex
	folders  map[string]string
	items    map[string]crawler.Item
	comments map[string][]crawler.Comment
	creators map[string]crawler.Creator
}

// New constructs a folder store on top of blobs.
func New(blobs crawler.BlobStore, cfg Config, clock crawler.Clock, logger *zap.Logger) (*Store, error) {
	if blobs == nil {
		return nil, crawler.Errorf(crawler.KindConfiguration, "folder.New", "blob store is required")
	}
	if cfg.Platform == "" {
		return nil, crawler.Errorf(crawler.KindConfiguration, "folder.New", "platform is required")
	}
	if cfg.FallbackKeyword == "" {
		cfg.FallbackKeyword = "detail"
	}
	if clock == nil {
		clock = system.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		blobs:    blobs,
		platform: cfg.Platform,
		fallback: sanitize(cfg.FallbackKeyword),
		clock:    clock,
		logger:   logger,
		folders:  make(map[string]string),
		items:    make(map[string]crawler.Item),
		comments: make(map[string][]crawler.Comment),
		creators: make(map[string]crawler.Creator),
	}, nil
}

// FolderFor returns the directory an item's files live in.
func (s *Store) FolderFor(itemKey string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.folders[itemKey]
	return f, ok
}

func (s *Store) folderLocked(itemKey, keyword string, publishMillis int64) string {
	if f, ok := s.folders[itemKey]; ok {
		return f
	}
	kw := sanitize(keyword)
	if kw == "" {
		kw = s.fallback
	}
	stamp := s.clock.Now()
	if publishMillis > 0 {
		stamp = time.UnixMilli(publishMillis)
	}
	f := path.Join(string(s.platform), kw, fmt.Sprintf("%s_%s", stamp.In(cst).Format("20060102_150405"), sanitize(itemKey)))
	s.folders[itemKey] = f
	return f
}

// StoreItem writes item.json.
func (s *Store) StoreItem(ctx context.Context, item crawler.Item) error {
	s.mu.Lock()
	var existing *crawler.Item
	if prev, ok := s.items[item.NaturalKey]; ok {
		existing = &prev
	}
	merged := record.MergeItem(existing, item, s.clock.Now().UnixMilli())
	s.items[item.NaturalKey] = merged
	folder := s.folderLocked(item.NaturalKey, merged.SourceKeyword, merged.PublishTime)
	s.mu.Unlock()

	return s.put(ctx, path.Join(folder, "item.json"), merged)
}

// StoreComment upserts into comments.json of the comment's item.
func (s *Store) StoreComment(ctx context.Context, c crawler.Comment) error {
	s.mu.Lock()
	list := s.comments[c.ItemKey]
	replaced := false
	now := s.clock.Now().UnixMilli()
	for i := range list {
		if list[i].NaturalKey == c.NaturalKey {
			list[i] = record.MergeComment(&list[i], c, now)
			replaced = true
			break
		}
	}
	if !replaced {
		list = append(list, record.MergeComment(nil, c, now))
	}
	s.comments[c.ItemKey] = list
	snapshot := append([]crawler.Comment(nil), list...)
	folder := s.folderLocked(c.ItemKey, "", 0)
	s.mu.Unlock()

	return s.put(ctx, path.Join(folder, "comments.json"), snapshot)
}

// StoreCreator writes {platform}/creators/{id}.json.
func (s *Store) StoreCreator(ctx context.Context, c crawler.Creator) error {
	s.mu.Lock()
	var existing *crawler.Creator
	if prev, ok := s.creators[c.NaturalKey]; ok {
		existing = &prev
	}
	merged := record.MergeCreator(existing, c, s.clock.Now().UnixMilli())
	s.creators[c.NaturalKey] = merged
	s.mu.Unlock()

	return s.put(ctx, path.Join(string(s.platform), "creators", sanitize(c.NaturalKey)+".json"), merged)
}

// Flush is a no-op: every write is uploaded immediately.
func (s *Store) Flush(context.Context) error { return nil }

// Close is a no-op; the blob store is owned by the caller.
func (s *Store) Close(context.Context) error { return nil }

func (s *Store) put(ctx context.Context, objectPath string, v any) error {
	body, err := json.MarshalIndent(v, "", "    ")
	if err != nil {
		return crawler.NewError(crawler.KindStorage, "folder.put", err)
	}
	uri, err := s.blobs.PutObject(ctx, objectPath, contentTypeJSON, bytes.NewReader(body))
	if err != nil {
		return crawler.NewError(crawler.KindStorage, "folder.put", err)
	}
	s.logger.Debug("object written", zap.String("uri", uri))
	return nil
}

func sanitize(s string) string {
	s = strings.TrimSpace(s)
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', '*', '?', '"', '<', '>', '|':
			return '_'
		}
		return r
	}, s)
}
