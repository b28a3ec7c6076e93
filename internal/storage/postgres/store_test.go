package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/social-crawler/internal/crawler"
)

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

var testNow = time.UnixMilli(1700000000000)

func TestStoreItemUpserts(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewWithPool(mock, fixedClock{now: testNow})
	require.NoError(t, err)

	item := crawler.Item{
		Platform:      crawler.PlatformBili,
		NaturalKey:    "170001",
		Title:         "title",
		PublishTime:   1500000000000,
		SourceKeyword: "golang",
		Raw:           []byte(`{"aid":170001}`),
	}
	mock.ExpectExec("INSERT INTO crawl_items").
		WithArgs(
			"bili", "170001", "", "", "", "title", "",
			"", "", "", "", int64(1500000000000),
			"golang", "", `{"aid":170001}`, int64(1700000000000), int64(1700000000000),
		).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.StoreItem(context.Background(), item))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStoreCommentAndCreator(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewWithPool(mock, fixedClock{now: testNow})
	require.NoError(t, err)

	mock.ExpectExec("INSERT INTO crawl_comments").
		WithArgs("bili", "c1", "170001", "", "u", "", "hi", int64(0), "3", int64(2), "a,b",
			int64(1700000000000), int64(1700000000000)).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO crawl_creators").
		WithArgs("bili", "7", "alice", "", "42", "3", "", "", "", int64(1700000000000), int64(1700000000000)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, store.StoreComment(context.Background(), crawler.Comment{
		Platform: crawler.PlatformBili, NaturalKey: "c1", ItemKey: "170001", AuthorID: "u",
		Body: "hi", LikeCount: "3", SubCommentCount: 2, MediaURLs: []string{"a", "b"},
	}))
	require.NoError(t, store.StoreCreator(context.Background(), crawler.Creator{
		Platform: crawler.PlatformBili, NaturalKey: "7", DisplayName: "alice",
		FollowerCount: "42", FollowingCount: "3",
	}))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStoreErrorsAreStorageKind(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewWithPool(mock, fixedClock{now: testNow})
	require.NoError(t, err)
	mock.ExpectExec("INSERT INTO crawl_items").WillReturnError(errors.New("connection reset"))

	err = store.StoreItem(context.Background(), crawler.Item{Platform: crawler.PlatformBili, NaturalKey: "1"})
	require.ErrorIs(t, err, crawler.ErrStorage)
}

func TestEnsureSchema(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewWithPool(mock, nil)
	require.NoError(t, err)
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS crawl_items").WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS crawl_comments").WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))
	mock.ExpectExec("CREATE INDEX IF NOT EXISTS").WillReturnResult(pgxmock.NewResult("CREATE INDEX", 0))
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS crawl_creators").WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))

	require.NoError(t, store.EnsureSchema(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestNewRequiresDSNAndPool(t *testing.T) {
	t.Parallel()

	_, err := New(context.Background(), Config{}, nil)
	require.ErrorIs(t, err, crawler.ErrConfiguration)
	_, err = NewWithPool(nil, nil)
	require.Error(t, err)
}
