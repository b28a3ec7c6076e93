package file

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/social-crawler/internal/crawler"
)

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

var testNow = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func newStore(t *testing.T, format Format) *Store {
	t.Helper()
	store, err := New(Config{
		Root: t.TempDir(), Platform: crawler.PlatformBili, Mode: crawler.ModeSearch, Format: format,
	}, fixedClock{now: testNow}, nil)
	require.NoError(t, err)
	return store
}

func TestPathLayout(t *testing.T) {
	t.Parallel()
	store := newStore(t, FormatJSON)
	require.Equal(t,
		filepath.Join(store.cfg.Root, "bili", "search_comments_2024-03-01.json"),
		store.Path(crawler.EntityComments))
}

func TestCSVWritesHeaderOnce(t *testing.T) {
	t.Parallel()
	store := newStore(t, FormatCSV)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, store.StoreItem(ctx, crawler.Item{Platform: crawler.PlatformBili, NaturalKey: "1", Title: "t"}))
	}

	f, err := os.Open(store.Path(crawler.EntityItems))
	require.NoError(t, err)
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 4)
	require.Equal(t, "platform", rows[0][0])
	require.Equal(t, "1", rows[3][1])
}

func TestCSVConcurrentAppends(t *testing.T) {
	t.Parallel()
	store := newStore(t, FormatCSV)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			require.NoError(t, store.StoreComment(ctx, crawler.Comment{Platform: crawler.PlatformBili, NaturalKey: "c", Body: "a,b\n\"c\""}))
		}()
	}
	wg.Wait()

	f, err := os.Open(store.Path(crawler.EntityComments))
	require.NoError(t, err)
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 21)
	require.Equal(t, "a,b\n\"c\"", rows[20][6])
}

func TestJSONUpsertsInPlace(t *testing.T) {
	t.Parallel()
	store := newStore(t, FormatJSON)
	ctx := context.Background()

	require.NoError(t, store.StoreItem(ctx, crawler.Item{Platform: crawler.PlatformBili, NaturalKey: "1", Title: "v1", SourceKeyword: "go"}))
	require.NoError(t, store.StoreItem(ctx, crawler.Item{Platform: crawler.PlatformBili, NaturalKey: "2", Title: "other"}))
	require.NoError(t, store.StoreItem(ctx, crawler.Item{Platform: crawler.PlatformBili, NaturalKey: "1", Title: "v2", SourceKeyword: "rust"}))

	raw, err := os.ReadFile(store.Path(crawler.EntityItems))
	require.NoError(t, err)
	var items []crawler.Item
	require.NoError(t, json.Unmarshal(raw, &items))
	require.Len(t, items, 2)
	require.Equal(t, "v2", items[0].Title)
	require.Equal(t, "go", items[0].SourceKeyword)
	require.Equal(t, testNow.UnixMilli(), items[0].AddTS)
}

func TestJSONRecoversFromCorruptFile(t *testing.T) {
	t.Parallel()
	store := newStore(t, FormatJSON)
	path := store.Path(crawler.EntityCreators)
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	require.NoError(t, store.StoreCreator(context.Background(), crawler.Creator{Platform: crawler.PlatformBili, NaturalKey: "u"}))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	var creators []crawler.Creator
	require.NoError(t, json.Unmarshal(raw, &creators))
	require.Len(t, creators, 1)
}

func TestNewRejectsUnknownFormat(t *testing.T) {
	t.Parallel()
	_, err := New(Config{Root: t.TempDir(), Platform: crawler.PlatformBili, Mode: crawler.ModeSearch, Format: "xml"}, nil, nil)
	require.ErrorIs(t, err, crawler.ErrConfiguration)
}
