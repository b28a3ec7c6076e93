package record

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/JakeFAU/social-crawler/internal/crawler"
)

// Table names shared by the relational back-ends.
const (
	ItemTable    = "crawl_items"
	CommentTable = "crawl_comments"
	CreatorTable = "crawl_creators"
)

// Placeholder renders the n-th (1-based) bind parameter.
type Placeholder func(n int) string

// Dollar renders $n (Postgres).
func Dollar(n int) string { return "$" + strconv.Itoa(n) }

// Question renders ? (SQLite).
func Question(int) string { return "?" }

// Schema is the DDL both relational back-ends bootstrap with.
var Schema = []string{
	`CREATE TABLE IF NOT EXISTS ` + ItemTable + ` (
	platform TEXT NOT NULL,
	natural_key TEXT NOT NULL,
	kind TEXT NOT NULL DEFAULT '',
	author_id TEXT NOT NULL DEFAULT '',
	author_name TEXT NOT NULL DEFAULT '',
	title TEXT NOT NULL DEFAULT '',
	"desc" TEXT NOT NULL DEFAULT '',
	liked_count TEXT NOT NULL DEFAULT '',
	collected_count TEXT NOT NULL DEFAULT '',
	comment_count TEXT NOT NULL DEFAULT '',
	share_count TEXT NOT NULL DEFAULT '',
	publish_time BIGINT NOT NULL DEFAULT 0,
	source_keyword TEXT NOT NULL DEFAULT '',
	url TEXT NOT NULL DEFAULT '',
	raw TEXT NOT NULL DEFAULT '',
	add_ts BIGINT NOT NULL,
	last_modify_ts BIGINT NOT NULL,
	PRIMARY KEY (platform, natural_key)
)`,
	`CREATE TABLE IF NOT EXISTS ` + CommentTable + ` (
	platform TEXT NOT NULL,
	natural_key TEXT NOT NULL,
	item_natural_key TEXT NOT NULL,
	parent_comment_id TEXT NOT NULL DEFAULT '',
	author_id TEXT NOT NULL DEFAULT '',
	author_name TEXT NOT NULL DEFAULT '',
	body TEXT NOT NULL DEFAULT '',
	publish_time BIGINT NOT NULL DEFAULT 0,
	like_count TEXT NOT NULL DEFAULT '',
	sub_comment_count BIGINT NOT NULL DEFAULT 0,
	media_urls TEXT NOT NULL DEFAULT '',
	add_ts BIGINT NOT NULL,
	last_modify_ts BIGINT NOT NULL,
	PRIMARY KEY (platform, natural_key)
)`,
	`CREATE INDEX IF NOT EXISTS idx_` + CommentTable + `_item ON ` + CommentTable + ` (platform, item_natural_key)`,
	`CREATE TABLE IF NOT EXISTS ` + CreatorTable + ` (
	platform TEXT NOT NULL,
	natural_key TEXT NOT NULL,
	display_name TEXT NOT NULL DEFAULT '',
	avatar TEXT NOT NULL DEFAULT '',
	follower_count TEXT NOT NULL DEFAULT '',
	following_count TEXT NOT NULL DEFAULT '',
	bio TEXT NOT NULL DEFAULT '',
	region TEXT NOT NULL DEFAULT '',
	url TEXT NOT NULL DEFAULT '',
	add_ts BIGINT NOT NULL,
	last_modify_ts BIGINT NOT NULL,
	PRIMARY KEY (platform, natural_key)
)`,
}

var (
	itemSQLColumns = []string{
		"platform", "natural_key", "kind", "author_id", "author_name", "title", `"desc"`,
		"liked_count", "collected_count", "comment_count", "share_count", "publish_time",
		"source_keyword", "url", "raw", "add_ts", "last_modify_ts",
	}
	commentSQLColumns = CommentColumns
	creatorSQLColumns = CreatorColumns
)

// UpsertItemSQL inserts an item or updates it in place. add_ts is never
// overwritten and a stored non-empty source_keyword wins.
func UpsertItemSQL(ph Placeholder) string {
	return upsert(ItemTable, itemSQLColumns, ph, map[string]string{
		"source_keyword": fmt.Sprintf("CASE WHEN %s.source_keyword = '' THEN EXCLUDED.source_keyword ELSE %s.source_keyword END",
			ItemTable, ItemTable),
	})
}

// UpsertCommentSQL inserts or updates a comment.
func UpsertCommentSQL(ph Placeholder) string {
	return upsert(CommentTable, commentSQLColumns, ph, nil)
}

// UpsertCreatorSQL inserts or updates a creator.
func UpsertCreatorSQL(ph Placeholder) string {
	return upsert(CreatorTable, creatorSQLColumns, ph, nil)
}

func upsert(table string, cols []string, ph Placeholder, overrides map[string]string) string {
	params := make([]string, len(cols))
	for i := range cols {
		params[i] = ph(i + 1)
	}
	var sets []string
	for _, c := range cols {
		switch c {
		case "platform", "natural_key", "add_ts":
			continue
		}
		if expr, ok := overrides[c]; ok {
			sets = append(sets, c+" = "+expr)
			continue
		}
		sets = append(sets, c+" = EXCLUDED."+c)
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (platform, natural_key) DO UPDATE SET %s",
		table, strings.Join(cols, ", "), strings.Join(params, ", "), strings.Join(sets, ", "))
}

// ItemArgs are the bind values for UpsertItemSQL.
func ItemArgs(i crawler.Item, nowMillis int64) []any {
	return []any{
		string(i.Platform), i.NaturalKey, i.Kind, i.AuthorID, i.AuthorName, i.Title, i.Desc,
		i.LikedCount, i.CollectedCount, i.CommentCount, i.ShareCount, i.PublishTime,
		i.SourceKeyword, i.URL, string(i.Raw), nowMillis, nowMillis,
	}
}

// CommentArgs are the bind values for UpsertCommentSQL.
func CommentArgs(c crawler.Comment, nowMillis int64) []any {
	return []any{
		string(c.Platform), c.NaturalKey, c.ItemKey, c.ParentID, c.AuthorID, c.AuthorName,
		c.Body, c.PublishTime, c.LikeCount, int64(c.SubCommentCount),
		strings.Join(c.MediaURLs, ","), nowMillis, nowMillis,
	}
}

// CreatorArgs are the bind values for UpsertCreatorSQL.
func CreatorArgs(c crawler.Creator, nowMillis int64) []any {
	return []any{
		string(c.Platform), c.NaturalKey, c.DisplayName, c.Avatar, c.FollowerCount,
		c.FollowingCount, c.Bio, c.Region, c.URL, nowMillis, nowMillis,
	}
}
