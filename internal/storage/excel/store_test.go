package excel

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/JakeFAU/social-crawler/internal/crawler"
)

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

func TestFlushWritesSheets(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	store, err := New(Config{Root: root, Platform: crawler.PlatformTieba, Mode: crawler.ModeDetail},
		fixedClock{now: time.Date(2024, 5, 2, 0, 0, 0, 0, time.UTC)}, nil)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, store.StoreItem(ctx, crawler.Item{Platform: crawler.PlatformTieba, NaturalKey: "t1", Title: "first"}))
	require.NoError(t, store.StoreItem(ctx, crawler.Item{Platform: crawler.PlatformTieba, NaturalKey: "t2", Title: "second"}))
	require.NoError(t, store.StoreItem(ctx, crawler.Item{Platform: crawler.PlatformTieba, NaturalKey: "t1", Title: "first-edited"}))
	require.NoError(t, store.StoreComment(ctx, crawler.Comment{Platform: crawler.PlatformTieba, NaturalKey: "c1", ItemKey: "t1", Body: "hi"}))
	require.NoError(t, store.Flush(ctx))

	path := filepath.Join(root, "tieba", "detail_2024-05-02.xlsx")
	require.Equal(t, path, store.Path())

	f, err := excelize.OpenFile(path)
	require.NoError(t, err)
	defer f.Close()

	require.Equal(t, []string{SheetContents, SheetComments, SheetCreators}, f.GetSheetList())
	rows, err := f.GetRows(SheetContents)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	require.Equal(t, "natural_key", rows[0][1])
	require.Equal(t, "first-edited", rows[1][5])
	require.Equal(t, "second", rows[2][5])

	comments, err := f.GetRows(SheetComments)
	require.NoError(t, err)
	require.Len(t, comments, 2)
	require.Equal(t, "hi", comments[1][6])

	creators, err := f.GetRows(SheetCreators)
	require.NoError(t, err)
	require.Len(t, creators, 1)
}

func TestNewValidates(t *testing.T) {
	t.Parallel()
	_, err := New(Config{}, nil, nil)
	require.ErrorIs(t, err, crawler.ErrConfiguration)
}
