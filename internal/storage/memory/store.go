package memory

import (
	"context"
	"sync"

	"github.com/JakeFAU/social-crawler/internal/clock/system"
	"github.com/JakeFAU/social-crawler/internal/crawler"
	"github.com/JakeFAU/social-crawler/internal/storage/record"
)

type key struct {
	platform crawler.Platform
	id       string
}

// Store is a map-backed crawler.Store.
type Store struct {
	clock crawler.Clock

	mu       sync.RWMutex
	items    map[key]crawler.Item
	comments map[key]crawler.Comment
	creators map[key]crawler.Creator
}

// NewStore creates an empty Store. A nil clock uses the system clock.
func NewStore(clock crawler.Clock) *Store {
	if clock == nil {
		clock = system.New()
	}
	return &Store{
		clock:    clock,
		items:    map[key]crawler.Item{},
		comments: map[key]crawler.Comment{},
		creators: map[key]crawler.Creator{},
	}
}

// StoreItem upserts an item.
func (s *Store) StoreItem(_ context.Context, item crawler.Item) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key{item.Platform, item.NaturalKey}
	var existing *crawler.Item
	if prev, ok := s.items[k]; ok {
		existing = &prev
	}
	s.items[k] = record.MergeItem(existing, item, s.clock.Now().UnixMilli())
	return nil
}

// StoreComment upserts a comment.
func (s *Store) StoreComment(_ context.Context, c crawler.Comment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key{c.Platform, c.NaturalKey}
	var existing *crawler.Comment
	if prev, ok := s.comments[k]; ok {
		existing = &prev
	}
	s.comments[k] = record.MergeComment(existing, c, s.clock.Now().UnixMilli())
	return nil
}

// StoreCreator upserts a creator.
func (s *Store) StoreCreator(_ context.Context, c crawler.Creator) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key{c.Platform, c.NaturalKey}
	var existing *crawler.Creator
	if prev, ok := s.creators[k]; ok {
		existing = &prev
	}
	s.creators[k] = record.MergeCreator(existing, c, s.clock.Now().UnixMilli())
	return nil
}

// Flush is a no-op.
func (s *Store) Flush(context.Context) error { return nil }

// Close is a no-op.
func (s *Store) Close(context.Context) error { return nil }

// Item returns a stored item.
func (s *Store) Item(p crawler.Platform, id string) (crawler.Item, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	it, ok := s.items[key{p, id}]
	return it, ok
}

// Comment returns a stored comment.
func (s *Store) Comment(p crawler.Platform, id string) (crawler.Comment, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.comments[key{p, id}]
	return c, ok
}

// Counts reports the number of stored items, comments, and creators.
func (s *Store) Counts() (items, comments, creators int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items), len(s.comments), len(s.creators)
}
