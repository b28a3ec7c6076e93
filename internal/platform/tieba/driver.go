// Package tieba is the Baidu Tieba driver. Tieba serves threads as HTML, so
// pages are fetched through colly and parsed with goquery; only the creator
// thread list is JSON.
package tieba

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/JakeFAU/social-crawler/internal/client"
	"github.com/JakeFAU/social-crawler/internal/crawler"
)

// DefaultHost is the Tieba origin.
const DefaultHost = "https://tieba.baidu.com"

const (
	searchPageSize = 10
	lzlPageSize    = 10
)

var (
	threadIDPattern = regexp.MustCompile(`/p/(\d+)`)
	digits          = regexp.MustCompile(`\d+`)
	// Tieba renders times in China Standard Time without a zone.
	cst = time.FixedZone("CST", 8*60*60)
)

// Config wires the driver.
type Config struct {
	Client client.Config
	// Host overrides DefaultHost (tests).
	Host   string
	Logger *zap.Logger
}

// Driver implements crawler.PlatformDriver for Tieba.
type Driver struct {
	client *client.Client
	host   string
	logger *zap.Logger
	// forums maps thread id to forum id; reply pages need both.
	forums sync.Map
}

// New creates a Driver.
func New(cfg Config) *Driver {
	d := &Driver{host: strings.TrimRight(cfg.Host, "/"), logger: cfg.Logger}
	if d.host == "" {
		d.host = DefaultHost
	}
	if d.logger == nil {
		d.logger = zap.NewNop()
	}
	cc := cfg.Client
	cc.Platform = crawler.PlatformTieba
	cc.Envelope = &client.EnvelopeSpec{
		CodeField:    "no",
		OKCode:       0,
		MessageField: "error",
		DataField:    "data",
	}
	d.client = client.New(cc)
	return d
}

// Platform returns tieba.
func (d *Driver) Platform() crawler.Platform { return crawler.PlatformTieba }

// Auth describes the Baidu passport login dialog.
func (d *Driver) Auth() crawler.AuthSpec {
	return crawler.AuthSpec{
		HomeURL:             "https://tieba.baidu.com",
		CookieDomain:        ".baidu.com",
		LoginButtonSelector: "li.u_login a",
		QRSelector:          "img.tang-pass-qrcode-img",
		PhoneSelector:       "input.pass-text-input-smsPhone",
		SendCodeSelector:    "button.pass-item-timer",
		CodeSelector:        "input.pass-text-input-smsVerifyCode",
		SubmitSelector:      "input.pass-button-submit",
		SessionCookie:       "BDUSS",
	}
}

// Bind copies the browser cookies into the client.
func (d *Driver) Bind(ctx context.Context, state crawler.BrowserState) error {
	return d.client.UpdateCookies(ctx, state)
}

// SignRequest is a no-op: Tieba pages are unsigned.
func (d *Driver) SignRequest(context.Context, *crawler.Request) error { return nil }

// Client exposes the underlying client.
func (d *Driver) Client() *client.Client { return d.client }

// Search returns thread ids from one search results page.
func (d *Driver) Search(ctx context.Context, keyword string, page int) (crawler.Page, error) {
	q := url.Values{}
	q.Set("ie", "utf-8")
	q.Set("qw", keyword)
	q.Set("rn", strconv.Itoa(searchPageSize))
	q.Set("pn", strconv.Itoa(page))
	q.Set("sm", "1")
	q.Set("only_thread", "0")

	var ids []string
	err := d.fetchHTML(ctx, d.host+"/f/search/res?"+q.Encode(), func(doc *goquery.Selection) {
		doc.Find("div.s_post").Each(func(_ int, post *goquery.Selection) {
			link := post.Find("span.p_title a").First()
			id, ok := link.Attr("data-tid")
			if !ok || id == "" {
				href, _ := link.Attr("href")
				if m := threadIDPattern.FindStringSubmatch(href); m != nil {
					id = m[1]
				}
			}
			if id != "" {
				ids = append(ids, id)
			}
		})
	})
	if err != nil {
		return crawler.Page{}, err
	}
	return crawler.Page{
		IDs:      ids,
		PageSize: searchPageSize,
		Cursor:   crawler.Cursor(strconv.Itoa(page + 1)),
		IsEnd:    len(ids) == 0,
	}, nil
}

// postField is the data-field attribute of a floor.
type postField struct {
	Author struct {
		UserID   json.Number `json:"user_id"`
		UserName string      `json:"user_name"`
		NameShow string      `json:"name_show"`
	} `json:"author"`
	Content struct {
		PostID     json.Number `json:"post_id"`
		ThreadID   json.Number `json:"thread_id"`
		ForumID    json.Number `json:"forum_id"`
		PostNo     int         `json:"post_no"`
		CommentNum int         `json:"comment_num"`
		Date       string      `json:"date"`
	} `json:"content"`
}

func (p postField) authorName() string {
	if p.Author.NameShow != "" {
		return p.Author.NameShow
	}
	return p.Author.UserName
}

type threadPage struct {
	title      string
	forum      string
	replyCount int
	pages      int
	floors     []floor
}

type floor struct {
	field postField
	body  string
}

func (d *Driver) threadPage(ctx context.Context, id string, pn int) (threadPage, error) {
	var tp threadPage
	target := fmt.Sprintf("%s/p/%s?pn=%d", d.host, url.PathEscape(id), pn)
	err := d.fetchHTML(ctx, target, func(doc *goquery.Selection) {
		tp.title = strings.TrimSpace(doc.Find(".core_title_txt").First().Text())
		tp.forum = strings.TrimSpace(doc.Find("a.card_title_fname").First().Text())
		counts := doc.Find("li.l_reply_num span.red")
		tp.replyCount = atoi(counts.Eq(0).Text())
		tp.pages = atoi(counts.Eq(1).Text())
		doc.Find("div.l_post").Each(func(_ int, post *goquery.Selection) {
			raw, ok := post.Attr("data-field")
			if !ok {
				return
			}
			var f postField
			if err := json.Unmarshal([]byte(raw), &f); err != nil {
				d.logger.Debug("skip floor with unreadable data-field", zap.String("thread", id), zap.Error(err))
				return
			}
			tp.floors = append(tp.floors, floor{
				field: f,
				body:  strings.TrimSpace(post.Find("div.d_post_content").First().Text()),
			})
		})
	})
	if err != nil {
		return threadPage{}, err
	}
	if tp.pages == 0 {
		tp.pages = 1
	}
	for _, f := range tp.floors {
		if fid := f.field.Content.ForumID.String(); fid != "" {
			d.forums.Store(id, fid)
			break
		}
	}
	return tp, nil
}

// Hydrate fetches the first page of a thread.
func (d *Driver) Hydrate(ctx context.Context, id string) (crawler.Item, error) {
	tp, err := d.threadPage(ctx, id, 1)
	if err != nil {
		return crawler.Item{}, err
	}
	if len(tp.floors) == 0 {
		return crawler.Item{}, crawler.Errorf(crawler.KindNotFound, "tieba.Hydrate", "thread %s has no posts", id)
	}
	first := tp.floors[0]
	raw, _ := json.Marshal(map[string]any{
		"forum":       tp.forum,
		"reply_pages": tp.pages,
		"first_floor": first.field,
	})
	return crawler.Item{
		Platform:     crawler.PlatformTieba,
		NaturalKey:   id,
		Kind:         "thread",
		AuthorID:     first.field.Author.UserID.String(),
		AuthorName:   first.field.authorName(),
		Title:        tp.title,
		Desc:         first.body,
		CommentCount: strconv.Itoa(tp.replyCount),
		PublishTime:  parseTime(first.field.Content.Date),
		URL:          d.host + "/p/" + id,
		Raw:          raw,
	}, nil
}

// Comments pages floors (excluding the opening post) by page number.
func (d *Driver) Comments(ctx context.Context, itemID string, cursor crawler.Cursor) (crawler.CommentPage, error) {
	pn, err := pageCursor(cursor, "tieba.Comments")
	if err != nil {
		return crawler.CommentPage{}, err
	}
	tp, err := d.threadPage(ctx, itemID, pn)
	if err != nil {
		return crawler.CommentPage{}, err
	}
	out := make([]crawler.Comment, 0, len(tp.floors))
	for _, f := range tp.floors {
		if f.field.Content.PostNo == 1 {
			continue
		}
		out = append(out, crawler.Comment{
			Platform:        crawler.PlatformTieba,
			NaturalKey:      f.field.Content.PostID.String(),
			ItemKey:         itemID,
			AuthorID:        f.field.Author.UserID.String(),
			AuthorName:      f.field.authorName(),
			Body:            f.body,
			PublishTime:     parseTime(f.field.Content.Date),
			SubCommentCount: f.field.Content.CommentNum,
		})
	}
	return crawler.CommentPage{
		Comments: out,
		Cursor:   crawler.Cursor(strconv.Itoa(pn + 1)),
		IsEnd:    pn >= tp.pages,
	}, nil
}

type lzlField struct {
	SPID     json.Number `json:"spid"`
	UserName string      `json:"user_name"`
	ShowName string      `json:"showname"`
}

// SubComments pages the in-floor replies of parent.
func (d *Driver) SubComments(ctx context.Context, itemID string, parent crawler.Comment, cursor crawler.Cursor) (crawler.CommentPage, error) {
	pn, err := pageCursor(cursor, "tieba.SubComments")
	if err != nil {
		return crawler.CommentPage{}, err
	}
	fid, _ := d.forums.Load(itemID)
	forumID, _ := fid.(string)
	q := url.Values{}
	q.Set("tid", itemID)
	q.Set("pid", parent.NaturalKey)
	q.Set("fid", forumID)
	q.Set("pn", strconv.Itoa(pn))

	var out []crawler.Comment
	err = d.fetchHTML(ctx, d.host+"/p/comment?"+q.Encode(), func(doc *goquery.Selection) {
		doc.Find("li.lzl_single_post").Each(func(_ int, li *goquery.Selection) {
			raw, _ := li.Attr("data-field")
			var f lzlField
			if raw != "" {
				if err := json.Unmarshal([]byte(raw), &f); err != nil {
					return
				}
			}
			name := f.ShowName
			if name == "" {
				name = f.UserName
			}
			out = append(out, crawler.Comment{
				Platform:    crawler.PlatformTieba,
				NaturalKey:  f.SPID.String(),
				ItemKey:     itemID,
				ParentID:    parent.NaturalKey,
				AuthorID:    f.UserName,
				AuthorName:  name,
				Body:        strings.TrimSpace(li.Find("span.lzl_content_main").Text()),
				PublishTime: parseTime(strings.TrimSpace(li.Find("span.lzl_time").Text())),
			})
		})
	})
	if err != nil {
		return crawler.CommentPage{}, err
	}
	return crawler.CommentPage{
		Comments: out,
		Cursor:   crawler.Cursor(strconv.Itoa(pn + 1)),
		IsEnd:    len(out) < lzlPageSize,
	}, nil
}

type threadList struct {
	ThreadList []struct {
		ThreadID json.Number `json:"thread_id"`
		Title    string      `json:"title"`
	} `json:"thread_list"`
	HasMore int `json:"has_more"`
}

// CreatorItems pages a user's threads. creatorID is the user name.
func (d *Driver) CreatorItems(ctx context.Context, creatorID string, cursor crawler.Cursor) (crawler.Page, error) {
	pn, err := pageCursor(cursor, "tieba.CreatorItems")
	if err != nil {
		return crawler.Page{}, err
	}
	req := &crawler.Request{
		Platform: crawler.PlatformTieba,
		Method:   "GET",
		BaseURL:  d.host,
		URI:      "/home/get/getthread",
		Params: []crawler.Param{
			{Key: "un", Value: creatorID},
			{Key: "pn", Value: strconv.Itoa(pn)},
			{Key: "id", Value: "utf-8"},
		},
	}
	var res threadList
	if err := d.client.Do(ctx, req, &res); err != nil {
		return crawler.Page{}, err
	}
	ids := make([]string, 0, len(res.ThreadList))
	for _, t := range res.ThreadList {
		if id := t.ThreadID.String(); id != "" {
			ids = append(ids, id)
		}
	}
	return crawler.Page{
		IDs:      ids,
		PageSize: len(ids),
		Cursor:   crawler.Cursor(strconv.Itoa(pn + 1)),
		IsEnd:    res.HasMore == 0 || len(ids) == 0,
	}, nil
}

// Creator scrapes a user's home page. creatorID is the user name.
func (d *Driver) Creator(ctx context.Context, creatorID string) (crawler.Creator, error) {
	target := d.host + "/home/main?un=" + url.QueryEscape(creatorID)
	c := crawler.Creator{
		Platform:   crawler.PlatformTieba,
		NaturalKey: creatorID,
		URL:        target,
	}
	err := d.fetchHTML(ctx, target, func(doc *goquery.Selection) {
		c.DisplayName = strings.TrimSpace(doc.Find(".userinfo_username").First().Text())
		c.Avatar, _ = doc.Find(".userinfo_head img").First().Attr("src")
		c.Bio = strings.TrimSpace(doc.Find(".userinfo_userdata .user_intro").First().Text())
		c.Region = strings.TrimSpace(doc.Find(".userinfo_userdata .user_ip").First().Text())
		c.FollowingCount = strconv.Itoa(atoi(doc.Find("a[href*='concern'] .concern_num").First().Text()))
		c.FollowerCount = strconv.Itoa(atoi(doc.Find("a[href*='fans'] .concern_num").First().Text()))
	})
	if err != nil {
		return crawler.Creator{}, err
	}
	if c.DisplayName == "" {
		return crawler.Creator{}, crawler.Errorf(crawler.KindNotFound, "tieba.Creator", "user %q not found", creatorID)
	}
	return c, nil
}

func pageCursor(cursor crawler.Cursor, op string) (int, error) {
	if cursor == "" {
		return 1, nil
	}
	n, err := strconv.Atoi(string(cursor))
	if err != nil || n < 1 {
		return 0, crawler.Errorf(crawler.KindConfiguration, op, "bad cursor %q", cursor)
	}
	return n, nil
}

func atoi(s string) int {
	n, _ := strconv.Atoi(digits.FindString(s))
	return n
}

// parseTime reads "2006-01-02 15:04" (CST) into epoch milliseconds; 0 when unparseable.
func parseTime(s string) int64 {
	for _, layout := range []string{"2006-01-02 15:04:05", "2006-01-02 15:04"} {
		if t, err := time.ParseInLocation(layout, strings.TrimSpace(s), cst); err == nil {
			return t.UnixMilli()
		}
	}
	return 0
}
