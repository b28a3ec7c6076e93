package runner

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/social-crawler/internal/crawler"
	"github.com/JakeFAU/social-crawler/internal/metrics"
)

func (r *Runner) runSearch(ctx context.Context) {
	var wg sync.WaitGroup
	for _, kw := range r.job.Keywords {
		wg.Add(1)
		go func(kw string) {
			defer wg.Done()
			r.searchKeyword(ctx, kw)
		}(kw)
	}
	wg.Wait()
}

// searchKeyword pages one keyword sequentially from start_page until
// max_items are stored, the platform reports the end, or a short page
// repeats.
func (r *Runner) searchKeyword(ctx context.Context, kw string) {
	logger := r.logger.With(zap.String("keyword", kw))
	logger.Info("searching keyword")
	stored := 0
	page := r.job.StartPage
	retried := false
	for stored < r.job.MaxItems && ctx.Err() == nil {
		var res crawler.Page
		err := r.call(ctx, func(ctx context.Context) error {
			var err error
			res, err = r.deps.Driver.Search(ctx, kw, page)
			return err
		})
		switch {
		case err == nil:
		case isRateLimited(err):
			r.pauseForRateLimit(ctx, err)
			page++
			continue
		case crawler.KindOf(err) == crawler.KindCancelled:
			return
		default:
			r.failures.Add(1)
			logger.Error("search page FAILED, stopping keyword", zap.Int("page", page), zap.Error(err))
			return
		}

		short := res.PageSize > 0 && len(res.IDs) < res.PageSize && !res.IsEnd
		if short && !retried {
			retried = true
			logger.Warn("short search page, retrying once", zap.Int("page", page), zap.Int("ids", len(res.IDs)))
			continue
		}
		ids := res.IDs
		if remaining := r.job.MaxItems - stored; len(ids) > remaining {
			ids = ids[:remaining]
		}
		n, limited := r.processIDs(ctx, ids, kw)
		stored += n
		logger.Debug("search page processed", zap.Int("page", page), zap.Int("stored", stored))
		if limited {
			page++
			retried = false
			continue
		}
		if res.IsEnd || short || len(res.IDs) == 0 {
			if short {
				logger.Warn("short search page repeated, stopping keyword", zap.Int("page", page))
			}
			return
		}
		page++
		retried = false
		if !r.interval(ctx) {
			return
		}
	}
}

// maxDetailRounds bounds how often a rate-limited seed batch is re-run.
const maxDetailRounds = 3

func (r *Runner) runDetail(ctx context.Context, ids []string, kw string) {
	if len(ids) > r.job.MaxItems {
		ids = ids[:r.job.MaxItems]
	}
	// A rate-limited batch is re-run after the pause; upserts make the
	// repeated items idempotent.
	for round := 0; round < maxDetailRounds && len(ids) > 0 && ctx.Err() == nil; round++ {
		if _, limited := r.processIDs(ctx, ids, kw); !limited {
			return
		}
	}
}

func (r *Runner) runCreators(ctx context.Context) {
	for _, creatorID := range r.job.Seeds {
		if ctx.Err() != nil {
			return
		}
		r.crawlCreator(ctx, creatorID)
	}
}

func (r *Runner) crawlCreator(ctx context.Context, creatorID string) {
	logger := r.logger.With(zap.String("creator", creatorID))
	var profile crawler.Creator
	err := r.call(ctx, func(ctx context.Context) error {
		var err error
		profile, err = r.deps.Driver.Creator(ctx, creatorID)
		return err
	})
	switch {
	case err == nil:
		r.storeCreator(ctx, profile)
	case isRateLimited(err):
		r.pauseForRateLimit(ctx, err)
	case crawler.KindOf(err) == crawler.KindCancelled:
		return
	default:
		r.failures.Add(1)
		logger.Error("creator profile FAILED", zap.Error(err))
	}

	stored := 0
	cursor := crawler.Cursor("")
	for stored < r.job.MaxItems && ctx.Err() == nil {
		var res crawler.Page
		err := r.call(ctx, func(ctx context.Context) error {
			var err error
			res, err = r.deps.Driver.CreatorItems(ctx, creatorID, cursor)
			return err
		})
		switch {
		case err == nil:
		case isRateLimited(err):
			r.pauseForRateLimit(ctx, err)
			continue
		case crawler.KindOf(err) == crawler.KindCancelled:
			return
		default:
			r.failures.Add(1)
			logger.Error("creator items FAILED", zap.Error(err))
			return
		}
		ids := res.IDs
		if remaining := r.job.MaxItems - stored; len(ids) > remaining {
			ids = ids[:remaining]
		}
		n, _ := r.processIDs(ctx, ids, "")
		stored += n
		if res.IsEnd || len(res.IDs) == 0 {
			return
		}
		cursor = res.Cursor
		if !r.interval(ctx) {
			return
		}
	}
}

// processIDs hydrates ids in parallel, each admitted by the semaphore. A
// rate-limit from any worker cancels the rest of the batch.
func (r *Runner) processIDs(ctx context.Context, ids []string, kw string) (int, bool) {
	if len(ids) == 0 {
		return 0, false
	}
	r.advance(StateFetchingDetails)
	batchCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		stored   int
		limitErr error
	)
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			ok, err := r.handleItem(batchCtx, id, kw)
			mu.Lock()
			defer mu.Unlock()
			if ok {
				stored++
			}
			if isRateLimited(err) && limitErr == nil {
				limitErr = err
				cancel()
			}
		}(id)
	}
	wg.Wait()
	if limitErr != nil {
		r.pauseForRateLimit(ctx, limitErr)
		return stored, true
	}
	return stored, false
}

// handleItem hydrates and stores one item, then harvests its comments. It
// reports whether the item was persisted.
func (r *Runner) handleItem(ctx context.Context, id, kw string) (bool, error) {
	logger := r.logger.With(zap.String("item_id", id))
	var item crawler.Item
	err := r.call(ctx, func(ctx context.Context) error {
		var err error
		item, err = r.deps.Driver.Hydrate(ctx, id)
		return err
	})
	if err != nil {
		if !isRateLimited(err) && crawler.KindOf(err) != crawler.KindCancelled {
			r.failures.Add(1)
			logger.Error("item fetch FAILED, skipping", zap.Error(err))
		}
		return false, err
	}
	item.SourceKeyword = kw
	if err := r.deps.Store.StoreItem(ctx, item); err != nil {
		r.failures.Add(1)
		logger.Error("store item FAILED", zap.Error(err))
		return false, nil
	}
	r.items.Add(1)
	metrics.ObserveItem(string(r.job.Platform), string(crawler.EntityItems))

	if !r.job.EnableComments {
		return true, nil
	}
	if err := r.harvestComments(ctx, item.NaturalKey); err != nil {
		if isRateLimited(err) {
			return true, err
		}
		if crawler.KindOf(err) != crawler.KindCancelled {
			r.failures.Add(1)
			logger.Warn("comment harvest stopped", zap.Error(err))
		}
	}
	return true, nil
}

// harvestComments pages top-level comments, storing each page before
// fetching the next.
func (r *Runner) harvestComments(ctx context.Context, itemID string) error {
	cursor := crawler.Cursor("")
	harvested := 0
	for {
		var page crawler.CommentPage
		err := r.call(ctx, func(ctx context.Context) error {
			var err error
			page, err = r.deps.Driver.Comments(ctx, itemID, cursor)
			return err
		})
		if err != nil {
			return err
		}
		r.advance(StateFetchingComments)
		comments := page.Comments
		capped := false
		if limit := r.job.MaxCommentsPerItem; limit > 0 && harvested+len(comments) >= limit {
			comments = comments[:limit-harvested]
			capped = true
		}
		for _, c := range comments {
			r.storeComment(ctx, c)
		}
		harvested += len(comments)
		if r.job.EnableSubComments {
			for _, c := range comments {
				if c.SubCommentCount <= 0 {
					continue
				}
				if err := r.harvestSubComments(ctx, itemID, c); err != nil {
					return err
				}
			}
		}
		if page.IsEnd || capped || len(page.Comments) == 0 {
			return nil
		}
		cursor = page.Cursor
		if !r.interval(ctx) {
			return crawler.NewError(crawler.KindCancelled, "runner.comments", ctx.Err())
		}
	}
}

func (r *Runner) harvestSubComments(ctx context.Context, itemID string, parent crawler.Comment) error {
	cursor := crawler.Cursor("")
	for {
		var page crawler.CommentPage
		err := r.call(ctx, func(ctx context.Context) error {
			var err error
			page, err = r.deps.Driver.SubComments(ctx, itemID, parent, cursor)
			return err
		})
		if err != nil {
			return err
		}
		for _, c := range page.Comments {
			r.storeComment(ctx, c)
		}
		if page.IsEnd || len(page.Comments) == 0 {
			return nil
		}
		cursor = page.Cursor
		if !r.interval(ctx) {
			return crawler.NewError(crawler.KindCancelled, "runner.subcomments", ctx.Err())
		}
	}
}

func (r *Runner) storeComment(ctx context.Context, c crawler.Comment) {
	if err := r.deps.Store.StoreComment(ctx, c); err != nil {
		r.failures.Add(1)
		r.logger.Error("store comment FAILED", zap.String("comment_id", c.NaturalKey), zap.Error(err))
		return
	}
	r.comments.Add(1)
	metrics.ObserveItem(string(r.job.Platform), string(crawler.EntityComments))
}

func (r *Runner) storeCreator(ctx context.Context, c crawler.Creator) {
	if err := r.deps.Store.StoreCreator(ctx, c); err != nil {
		r.failures.Add(1)
		r.logger.Error("store creator FAILED", zap.String("creator", c.NaturalKey), zap.Error(err))
		return
	}
	r.creators.Add(1)
	metrics.ObserveItem(string(r.job.Platform), string(crawler.EntityCreators))
}
