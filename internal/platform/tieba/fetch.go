package tieba

import (
	"context"
	"errors"
	"sync"

	"github.com/PuerkitoBio/goquery"
	"github.com/gocolly/colly/v2"

	"github.com/JakeFAU/social-crawler/internal/client"
	"github.com/JakeFAU/social-crawler/internal/crawler"
)

// fetchHTML visits rawURL with a fresh collector bound to the client's
// current proxy and cookies, and hands the parsed document to visit.
func (d *Driver) fetchHTML(ctx context.Context, rawURL string, visit func(doc *goquery.Selection)) error {
	const op = "tieba.fetch"
	if err := d.client.Pace(ctx, rawURL); err != nil {
		return err
	}
	transport, err := d.client.Transport(ctx)
	if err != nil {
		return err
	}

	collector := colly.NewCollector(
		colly.UserAgent(d.client.UserAgent()),
		colly.AllowURLRevisit(),
	)
	collector.WithTransport(transport)
	collector.SetRequestTimeout(d.client.Timeout())

	resultCh := make(chan error, 1)
	var once sync.Once
	send := func(err error) {
		once.Do(func() {
			resultCh <- err
		})
	}

	collector.OnRequest(func(r *colly.Request) {
		if ctx.Err() != nil {
			r.Abort()
			return
		}
		if cookie := d.client.CookieHeader(); cookie != "" {
			r.Headers.Set("Cookie", cookie)
		}
		r.Headers.Set("Referer", d.host)
	})
	collector.OnHTML("html", func(e *colly.HTMLElement) {
		visit(e.DOM)
	})
	collector.OnScraped(func(*colly.Response) {
		send(nil)
	})
	collector.OnError(func(r *colly.Response, err error) {
		if r != nil && r.StatusCode != 0 {
			if statusErr := client.StatusError(r.StatusCode, rawURL); statusErr != nil {
				send(statusErr)
				return
			}
		}
		if err == nil {
			err = errors.New("unknown colly error")
		}
		send(crawler.NewError(crawler.KindNetwork, op, err))
	})

	if err := collector.Visit(rawURL); err != nil {
		if ctx.Err() != nil {
			return crawler.NewError(crawler.KindCancelled, op, ctx.Err())
		}
		return crawler.NewError(crawler.KindNetwork, op, err)
	}
	collector.Wait()

	select {
	case err := <-resultCh:
		if ctxErr := ctx.Err(); ctxErr != nil {
			return crawler.NewError(crawler.KindCancelled, op, ctxErr)
		}
		return err
	default:
		if ctxErr := ctx.Err(); ctxErr != nil {
			return crawler.NewError(crawler.KindCancelled, op, ctxErr)
		}
		return crawler.Errorf(crawler.KindMalformedResponse, op, "%s produced no document", rawURL)
	}
}
