// Package record flattens entities into ordered columns and applies the
// upsert rules every back-end shares: add_ts is kept from the first write,
// last_modify_ts moves on every write, and source_keyword is first-writer-wins.
package record

import (
	"strconv"
	"strings"

	"github.com/JakeFAU/social-crawler/internal/crawler"
)

// Column lists per entity kind, in file and sheet order.
var (
	ItemColumns = []string{
		"platform", "natural_key", "kind", "author_id", "author_name", "title", "desc",
		"liked_count", "collected_count", "comment_count", "share_count", "publish_time",
		"source_keyword", "url", "add_ts", "last_modify_ts",
	}
	CommentColumns = []string{
		"platform", "natural_key", "item_natural_key", "parent_comment_id", "author_id",
		"author_name", "body", "publish_time", "like_count", "sub_comment_count", "media_urls",
		"add_ts", "last_modify_ts",
	}
	CreatorColumns = []string{
		"platform", "natural_key", "display_name", "avatar", "follower_count",
		"following_count", "bio", "region", "url", "add_ts", "last_modify_ts",
	}
)

// Columns returns the column list for kind.
func Columns(kind crawler.EntityKind) []string {
	switch kind {
	case crawler.EntityComments:
		return CommentColumns
	case crawler.EntityCreators:
		return CreatorColumns
	default:
		return ItemColumns
	}
}

// ItemRow flattens an item in ItemColumns order.
func ItemRow(i crawler.Item) []string {
	return []string{
		string(i.Platform), i.NaturalKey, i.Kind, i.AuthorID, i.AuthorName, i.Title, i.Desc,
		i.LikedCount, i.CollectedCount, i.CommentCount, i.ShareCount, itoa(i.PublishTime),
		i.SourceKeyword, i.URL, itoa(i.AddTS), itoa(i.LastModifyTS),
	}
}

// CommentRow flattens a comment in CommentColumns order.
func CommentRow(c crawler.Comment) []string {
	return []string{
		string(c.Platform), c.NaturalKey, c.ItemKey, c.ParentID, c.AuthorID, c.AuthorName,
		c.Body, itoa(c.PublishTime), c.LikeCount, strconv.Itoa(c.SubCommentCount),
		strings.Join(c.MediaURLs, ","), itoa(c.AddTS), itoa(c.LastModifyTS),
	}
}

// CreatorRow flattens a creator in CreatorColumns order.
func CreatorRow(c crawler.Creator) []string {
	return []string{
		string(c.Platform), c.NaturalKey, c.DisplayName, c.Avatar, c.FollowerCount,
		c.FollowingCount, c.Bio, c.Region, c.URL, itoa(c.AddTS), itoa(c.LastModifyTS),
	}
}

// MergeItem applies the upsert rules to incoming given the stored row, if any.
func MergeItem(existing *crawler.Item, incoming crawler.Item, nowMillis int64) crawler.Item {
	incoming.LastModifyTS = nowMillis
	if existing == nil {
		incoming.AddTS = nowMillis
		return incoming
	}
	incoming.AddTS = existing.AddTS
	if existing.SourceKeyword != "" {
		incoming.SourceKeyword = existing.SourceKeyword
	}
	return incoming
}

// MergeComment applies the upsert rules to a comment.
func MergeComment(existing *crawler.Comment, incoming crawler.Comment, nowMillis int64) crawler.Comment {
	incoming.LastModifyTS = nowMillis
	incoming.AddTS = nowMillis
	if existing != nil {
		incoming.AddTS = existing.AddTS
	}
	return incoming
}

// MergeCreator applies the upsert rules to a creator.
func MergeCreator(existing *crawler.Creator, incoming crawler.Creator, nowMillis int64) crawler.Creator {
	incoming.LastModifyTS = nowMillis
	incoming.AddTS = nowMillis
	if existing != nil {
		incoming.AddTS = existing.AddTS
	}
	return incoming
}

func itoa(n int64) string {
	return strconv.FormatInt(n, 10)
}
