package client

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/social-crawler/internal/crawler"
)

// Extractor derives signing inputs from an authenticated browser.
type Extractor func(ctx context.Context, state crawler.BrowserState) (map[string]string, error)

// SigningContext holds browser-derived signing inputs such as WBI keys or
// cookie tokens. It is safe for concurrent use.
type SigningContext struct {
	mu      sync.RWMutex
	values  map[string]string
	extract Extractor
}

// NewSigningContext creates a context that refreshes through extract.
func NewSigningContext(extract Extractor) *SigningContext {
	return &SigningContext{values: map[string]string{}, extract: extract}
}

// Get returns a value.
func (s *SigningContext) Get(key string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[key]
	return v, ok
}

// Set stores a value.
func (s *SigningContext) Set(key, value string) {
	s.mu.Lock()
	s.values[key] = value
	s.mu.Unlock()
}

// RefreshFromBrowser re-runs the extractor and merges its values.
func (s *SigningContext) RefreshFromBrowser(ctx context.Context, state crawler.BrowserState) error {
	if s.extract == nil {
		return nil
	}
	values, err := s.extract(ctx, state)
	if err != nil {
		return fmt.Errorf("refresh signing context: %w", err)
	}
	s.mu.Lock()
	for k, v := range values {
		s.values[k] = v
	}
	s.mu.Unlock()
	return nil
}
