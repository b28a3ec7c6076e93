// Package mongo is the document crawl store (save_option=mongodb). One
// collection per platform and entity kind, keyed by natural_key.
package mongo

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"github.com/JakeFAU/social-crawler/internal/clock/system"
	"github.com/JakeFAU/social-crawler/internal/crawler"
)

// DefaultDatabase is used when Config.Database is empty.
const DefaultDatabase = "social_crawler"

// Config locates the Mongo deployment.
type Config struct {
	URI      string
	Database string
}

// Store upserts documents. The client connects lazily on the first write and
// is shared for the lifetime of the store.
type Store struct {
	cfg    Config
	clock  crawler.Clock
	logger *zap.Logger

	connectOnce sync.Once
	client      *mongo.Client
	db          *mongo.Database
	connectErr  error

	mu      sync.Mutex
	indexed map[string]bool
}

// New validates cfg without connecting.
func New(cfg Config, clock crawler.Clock, logger *zap.Logger) (*Store, error) {
	if cfg.URI == "" {
		return nil, crawler.Errorf(crawler.KindConfiguration, "mongo.New", "mongo.uri is required")
	}
	if cfg.Database == "" {
		cfg.Database = DefaultDatabase
	}
	if clock == nil {
		clock = system.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{cfg: cfg, clock: clock, logger: logger, indexed: make(map[string]bool)}, nil
}

// CollectionName returns "{platform}_{kind}".
func CollectionName(p crawler.Platform, kind crawler.EntityKind) string {
	return fmt.Sprintf("%s_%s", p, kind)
}

func (s *Store) database(ctx context.Context) (*mongo.Database, error) {
	s.connectOnce.Do(func() {
		opts := options.Client().ApplyURI(s.cfg.URI).SetConnectTimeout(10 * time.Second)
		cli, err := mongo.Connect(ctx, opts)
		if err != nil {
			s.connectErr = err
			return
		}
		if err := cli.Ping(ctx, nil); err != nil {
			_ = cli.Disconnect(context.Background())
			s.connectErr = err
			return
		}
		s.client = cli
		s.db = cli.Database(s.cfg.Database)
		s.logger.Info("mongo connected", zap.String("database", s.cfg.Database))
	})
	if s.connectErr != nil {
		return nil, crawler.NewError(crawler.KindStorage, "mongo.connect", s.connectErr)
	}
	return s.db, nil
}

func (s *Store) collection(ctx context.Context, p crawler.Platform, kind crawler.EntityKind) (*mongo.Collection, error) {
	db, err := s.database(ctx)
	if err != nil {
		return nil, err
	}
	name := CollectionName(p, kind)
	coll := db.Collection(name)

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.indexed[name] {
		_, err := coll.Indexes().CreateOne(ctx, mongo.IndexModel{
			Keys:    bson.D{{Key: "natural_key", Value: 1}},
			Options: options.Index().SetUnique(true),
		})
		if err != nil {
			return nil, crawler.NewError(crawler.KindStorage, "mongo.index", err)
		}
		s.indexed[name] = true
	}
	return coll, nil
}

// StoreItem upserts an item. source_keyword is only written on insert.
func (s *Store) StoreItem(ctx context.Context, item crawler.Item) error {
	set, onInsert := ItemUpdate(item, s.now())
	return s.upsert(ctx, item.Platform, crawler.EntityItems, item.NaturalKey, set, onInsert)
}

// StoreComment upserts a comment.
func (s *Store) StoreComment(ctx context.Context, c crawler.Comment) error {
	set, onInsert := CommentUpdate(c, s.now())
	return s.upsert(ctx, c.Platform, crawler.EntityComments, c.NaturalKey, set, onInsert)
}

// StoreCreator upserts a creator.
func (s *Store) StoreCreator(ctx context.Context, c crawler.Creator) error {
	set, onInsert := CreatorUpdate(c, s.now())
	return s.upsert(ctx, c.Platform, crawler.EntityCreators, c.NaturalKey, set, onInsert)
}

func (s *Store) upsert(ctx context.Context, p crawler.Platform, kind crawler.EntityKind, key string, set, onInsert bson.M) error {
	coll, err := s.collection(ctx, p, kind)
	if err != nil {
		return err
	}
	update := bson.M{"$set": set, "$setOnInsert": onInsert}
	_, err = coll.UpdateOne(ctx, bson.M{"natural_key": key}, update, options.Update().SetUpsert(true))
	if err != nil {
		return crawler.NewError(crawler.KindStorage, "mongo.upsert "+string(kind), err)
	}
	return nil
}

// Flush is a no-op.
func (s *Store) Flush(context.Context) error { return nil }

// Close disconnects the client when one was opened.
func (s *Store) Close(ctx context.Context) error {
	if s.client == nil {
		return nil
	}
	return s.client.Disconnect(ctx)
}

func (s *Store) now() int64 {
	return s.clock.Now().UnixMilli()
}

// ItemUpdate splits an item into $set and $setOnInsert documents.
func ItemUpdate(i crawler.Item, nowMillis int64) (bson.M, bson.M) {
	set := bson.M{
		"platform":        string(i.Platform),
		"kind":            i.Kind,
		"author_id":       i.AuthorID,
		"author_name":     i.AuthorName,
		"title":           i.Title,
		"desc":            i.Desc,
		"liked_count":     i.LikedCount,
		"collected_count": i.CollectedCount,
		"comment_count":   i.CommentCount,
		"share_count":     i.ShareCount,
		"publish_time":    i.PublishTime,
		"url":             i.URL,
		"last_modify_ts":  nowMillis,
	}
	if len(i.Raw) > 0 {
		set["raw"] = string(i.Raw)
	}
	return set, bson.M{"add_ts": nowMillis, "source_keyword": i.SourceKeyword}
}

// CommentUpdate splits a comment into $set and $setOnInsert documents.
func CommentUpdate(c crawler.Comment, nowMillis int64) (bson.M, bson.M) {
	media := c.MediaURLs
	if media == nil {
		media = []string{}
	}
	return bson.M{
		"platform":          string(c.Platform),
		"item_natural_key":  c.ItemKey,
		"parent_comment_id": c.ParentID,
		"author_id":         c.AuthorID,
		"author_name":       c.AuthorName,
		"body":              c.Body,
		"publish_time":      c.PublishTime,
		"like_count":        c.LikeCount,
		"sub_comment_count": c.SubCommentCount,
		"media_urls":        media,
		"last_modify_ts":    nowMillis,
	}, bson.M{"add_ts": nowMillis}
}

// CreatorUpdate splits a creator into $set and $setOnInsert documents.
func CreatorUpdate(c crawler.Creator, nowMillis int64) (bson.M, bson.M) {
	return bson.M{
		"platform":        string(c.Platform),
		"display_name":    c.DisplayName,
		"avatar":          c.Avatar,
		"follower_count":  c.FollowerCount,
		"following_count": c.FollowingCount,
		"bio":             c.Bio,
		"region":          c.Region,
		"url":             c.URL,
		"last_modify_ts":  nowMillis,
	}, bson.M{"add_ts": nowMillis}
}
