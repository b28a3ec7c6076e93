package record

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/social-crawler/internal/crawler"
)

func TestMergeItemKeepsFirstWriterFields(t *testing.T) {
	t.Parallel()

	first := MergeItem(nil, crawler.Item{NaturalKey: "1", SourceKeyword: "python"}, 100)
	require.Equal(t, int64(100), first.AddTS)
	require.Equal(t, int64(100), first.LastModifyTS)

	second := MergeItem(&first, crawler.Item{NaturalKey: "1", SourceKeyword: "golang", Title: "new"}, 200)
	require.Equal(t, int64(100), second.AddTS)
	require.Equal(t, int64(200), second.LastModifyTS)
	require.Equal(t, "python", second.SourceKeyword)
	require.Equal(t, "new", second.Title)
}

func TestMergeItemFillsEmptyKeyword(t *testing.T) {
	t.Parallel()

	first := MergeItem(nil, crawler.Item{NaturalKey: "1"}, 1)
	second := MergeItem(&first, crawler.Item{NaturalKey: "1", SourceKeyword: "go"}, 2)
	require.Equal(t, "go", second.SourceKeyword)
}

func TestRowsMatchColumns(t *testing.T) {
	t.Parallel()

	require.Len(t, ItemRow(crawler.Item{}), len(Columns(crawler.EntityItems)))
	require.Len(t, CommentRow(crawler.Comment{}), len(Columns(crawler.EntityComments)))
	require.Len(t, CreatorRow(crawler.Creator{}), len(Columns(crawler.EntityCreators)))

	row := CommentRow(crawler.Comment{NaturalKey: "c", MediaURLs: []string{"a", "b"}, SubCommentCount: 3})
	require.Equal(t, "a,b", row[10])
	require.Equal(t, "3", row[9])
}

func TestMergeCommentAndCreator(t *testing.T) {
	t.Parallel()

	c := MergeComment(nil, crawler.Comment{NaturalKey: "c"}, 5)
	c = MergeComment(&c, crawler.Comment{NaturalKey: "c"}, 9)
	require.Equal(t, int64(5), c.AddTS)
	require.Equal(t, int64(9), c.LastModifyTS)

	cr := MergeCreator(nil, crawler.Creator{NaturalKey: "u"}, 5)
	cr = MergeCreator(&cr, crawler.Creator{NaturalKey: "u"}, 7)
	require.Equal(t, int64(5), cr.AddTS)
	require.Equal(t, int64(7), cr.LastModifyTS)
}

func TestUpsertSQL(t *testing.T) {
	t.Parallel()

	q := UpsertItemSQL(Dollar)
	require.Contains(t, q, "INSERT INTO crawl_items (platform, natural_key,")
	require.Contains(t, q, "$17)")
	require.Contains(t, q, "ON CONFLICT (platform, natural_key) DO UPDATE SET")
	require.NotContains(t, q, "add_ts = EXCLUDED.add_ts")
	require.Contains(t, q, "last_modify_ts = EXCLUDED.last_modify_ts")
	require.Contains(t, q, "CASE WHEN crawl_items.source_keyword = ''")
	require.Len(t, ItemArgs(crawler.Item{}, 1), 17)

	q = UpsertCommentSQL(Question)
	require.NotContains(t, q, "$")
	require.Len(t, CommentArgs(crawler.Comment{}, 1), len(CommentColumns))
	require.Len(t, CreatorArgs(crawler.Creator{}, 1), len(CreatorColumns))
}
