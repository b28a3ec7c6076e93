// Package bilibili is the Bilibili video driver: WBI-signed JSON APIs for
// search, video detail, comments, replies, and creator spaces.
package bilibili

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/social-crawler/internal/client"
	"github.com/JakeFAU/social-crawler/internal/crawler"
)

// DefaultHost is the API origin.
const DefaultHost = "https://api.bilibili.com"

const (
	searchPageSize  = 20
	commentPageSize = 20
	replyPageSize   = 10
	creatorPageSize = 30
)

// Config wires the driver.
type Config struct {
	Client client.Config
	// Host overrides DefaultHost (tests).
	Host     string
	DateFrom time.Time
	DateTo   time.Time
	Now      func() time.Time
	Logger   *zap.Logger
}

// Driver implements crawler.PlatformDriver for Bilibili.
type Driver struct {
	client   *client.Client
	signing  *client.SigningContext
	host     string
	dateFrom time.Time
	dateTo   time.Time
	now      func() time.Time
	logger   *zap.Logger
}

// New creates a Driver and its signed client.
func New(cfg Config) *Driver {
	d := &Driver{
		signing:  client.NewSigningContext(extractKeys),
		host:     cfg.Host,
		dateFrom: cfg.DateFrom,
		dateTo:   cfg.DateTo,
		now:      cfg.Now,
		logger:   cfg.Logger,
	}
	if d.host == "" {
		d.host = DefaultHost
	}
	if d.now == nil {
		d.now = time.Now
	}
	if d.logger == nil {
		d.logger = zap.NewNop()
	}
	cc := cfg.Client
	cc.Platform = crawler.PlatformBili
	cc.Envelope = &client.EnvelopeSpec{
		CodeField:    "code",
		OKCode:       0,
		MessageField: "message",
		DataField:    "data",
		Classify:     classify,
	}
	cc.Signer = client.SignerFunc(d.SignRequest)
	if cc.Headers == nil {
		cc.Headers = map[string]string{
			"Origin":  "https://www.bilibili.com",
			"Referer": "https://www.bilibili.com",
		}
	}
	d.client = client.New(cc)
	return d
}

// classify maps Bilibili error codes onto the error taxonomy.
func classify(code int, msg string) error {
	const op = "bilibili"
	switch code {
	case -412, -352, -799:
		return crawler.Errorf(crawler.KindRateLimited, op, "code %d: %s", code, msg)
	case -101:
		return crawler.Errorf(crawler.KindAuthRequired, op, "code %d: %s", code, msg)
	case -403:
		return crawler.Errorf(crawler.KindForbidden, op, "code %d: %s", code, msg)
	case -404, 62002, 62004, 12002:
		return crawler.Errorf(crawler.KindNotFound, op, "code %d: %s", code, msg)
	case -500, -503, -504:
		return crawler.DataFetchError(op, crawler.SubkindRetryable, fmt.Sprintf("code %d: %s", code, msg))
	default:
		return crawler.DataFetchError(op, crawler.SubkindTerminal, fmt.Sprintf("code %d: %s", code, msg))
	}
}

// Platform returns bili.
func (d *Driver) Platform() crawler.Platform { return crawler.PlatformBili }

// Auth describes the Bilibili login page.
func (d *Driver) Auth() crawler.AuthSpec {
	return crawler.AuthSpec{
		HomeURL:             "https://www.bilibili.com",
		CookieDomain:        ".bilibili.com",
		LoginButtonSelector: ".header-login-entry",
		QRSelector:          ".login-scan-box img",
		PhoneSelector:       ".login-sms-wp input[type=tel]",
		SendCodeSelector:    ".login-sms-wp .login-sms-send",
		CodeSelector:        ".login-sms-wp input[type=text]",
		SubmitSelector:      ".login-btn",
		SessionCookie:       "SESSDATA",
	}
}

// Bind copies cookies and WBI keys from the browser.
func (d *Driver) Bind(ctx context.Context, state crawler.BrowserState) error {
	if err := d.client.UpdateCookies(ctx, state); err != nil {
		return err
	}
	if err := d.signing.RefreshFromBrowser(ctx, state); err != nil {
		d.logger.Warn("WBI keys unavailable from local storage, will use nav", zap.Error(err))
	}
	return nil
}

// Client exposes the underlying client.
func (d *Driver) Client() *client.Client { return d.client }

// SignRequest adds WBI parameters to /wbi/ endpoints.
func (d *Driver) SignRequest(ctx context.Context, req *crawler.Request) error {
	if !strings.Contains(req.URI, "/wbi/") {
		return nil
	}
	img, sub, err := d.keys(ctx)
	if err != nil {
		return err
	}
	req.Params = SignParams(req.Params, img, sub, d.now())
	return nil
}

func (d *Driver) keys(ctx context.Context) (string, string, error) {
	img, okImg := d.signing.Get(keyImg)
	sub, okSub := d.signing.Get(keySub)
	if okImg && okSub && img != "" && sub != "" {
		return img, sub, nil
	}
	nav, err := d.nav(ctx)
	if err != nil {
		return "", "", fmt.Errorf("fetch wbi keys: %w", err)
	}
	img, sub = KeyFromURL(nav.Data.WbiImg.ImgURL), KeyFromURL(nav.Data.WbiImg.SubURL)
	if img == "" || sub == "" || img == "." || sub == "." {
		return "", "", crawler.Errorf(crawler.KindMalformedResponse, "bilibili.keys", "nav returned no wbi keys")
	}
	d.signing.Set(keyImg, img)
	d.signing.Set(keySub, sub)
	return img, sub, nil
}

// nav reads /x/web-interface/nav without unwrapping: anonymous sessions get
// code -101 together with usable wbi_img data.
func (d *Driver) nav(ctx context.Context) (navEnvelope, error) {
	var env navEnvelope
	req := &crawler.Request{
		Platform: crawler.PlatformBili,
		Method:   "GET",
		BaseURL:  d.host,
		URI:      "/x/web-interface/nav",
		Raw:      true,
	}
	if err := d.client.Do(ctx, req, &env); err != nil {
		return navEnvelope{}, err
	}
	return env, nil
}

// Pong reports whether the session is logged in.
func (d *Driver) Pong(ctx context.Context) (bool, error) {
	env, err := d.nav(ctx)
	if err != nil {
		return false, err
	}
	return env.Code == 0 && env.Data.IsLogin, nil
}

func (d *Driver) get(ctx context.Context, uri string, params []crawler.Param, out any) error {
	req := &crawler.Request{
		Platform: crawler.PlatformBili,
		Method:   "GET",
		BaseURL:  d.host,
		URI:      uri,
		Params:   params,
	}
	return d.client.Do(ctx, req, out)
}

// Search returns one page of video ids (aids) for keyword.
func (d *Driver) Search(ctx context.Context, keyword string, page int) (crawler.Page, error) {
	params := []crawler.Param{
		{Key: "search_type", Value: "video"},
		{Key: "keyword", Value: keyword},
		{Key: "page", Value: strconv.Itoa(page)},
		{Key: "page_size", Value: strconv.Itoa(searchPageSize)},
		{Key: "order", Value: ""},
	}
	if !d.dateFrom.IsZero() && !d.dateTo.IsZero() {
		params = append(params,
			crawler.Param{Key: "pubtime_begin_s", Value: strconv.FormatInt(d.dateFrom.Unix(), 10)},
			crawler.Param{Key: "pubtime_end_s", Value: strconv.FormatInt(d.dateTo.Add(24*time.Hour-time.Second).Unix(), 10)},
		)
	}
	var res searchData
	if err := d.get(ctx, "/x/web-interface/wbi/search/type", params, &res); err != nil {
		return crawler.Page{}, err
	}
	ids := make([]string, 0, len(res.Result))
	for _, v := range res.Result {
		if v.ID == 0 {
			continue
		}
		ids = append(ids, strconv.FormatInt(v.ID, 10))
	}
	return crawler.Page{
		IDs:      ids,
		PageSize: searchPageSize,
		Cursor:   crawler.Cursor(strconv.Itoa(page + 1)),
		IsEnd:    len(res.Result) == 0 || (res.NumPages > 0 && page >= res.NumPages),
	}, nil
}

// Hydrate fetches video detail. id is an aid or a BV id.
func (d *Driver) Hydrate(ctx context.Context, id string) (crawler.Item, error) {
	key := "aid"
	if strings.HasPrefix(id, "BV") {
		key = "bvid"
	}
	var res detailData
	if err := d.get(ctx, "/x/web-interface/view/detail", []crawler.Param{{Key: key, Value: id}}, &res); err != nil {
		return crawler.Item{}, err
	}
	v := res.View
	if v.Aid == 0 {
		return crawler.Item{}, crawler.Errorf(crawler.KindMalformedResponse, "bilibili.Hydrate", "video %s has no aid", id)
	}
	raw, _ := json.Marshal(v)
	aid := strconv.FormatInt(v.Aid, 10)
	return crawler.Item{
		Platform:       crawler.PlatformBili,
		NaturalKey:     aid,
		Kind:           "video",
		AuthorID:       strconv.FormatInt(v.Owner.Mid, 10),
		AuthorName:     v.Owner.Name,
		Title:          truncate(v.Title, 500),
		Desc:           truncate(v.Desc, 500),
		LikedCount:     strconv.FormatInt(v.Stat.Like, 10),
		CollectedCount: strconv.FormatInt(v.Stat.Favorite, 10),
		CommentCount:   strconv.FormatInt(v.Stat.Reply, 10),
		ShareCount:     strconv.FormatInt(v.Stat.Share, 10),
		PublishTime:    v.Pubdate * 1000,
		URL:            "https://www.bilibili.com/video/av" + aid,
		Raw:            raw,
	}, nil
}

// Comments pages top-level comments with the cursor.next token.
func (d *Driver) Comments(ctx context.Context, itemID string, cursor crawler.Cursor) (crawler.CommentPage, error) {
	next := string(cursor)
	if next == "" {
		next = "0"
	}
	params := []crawler.Param{
		{Key: "oid", Value: itemID},
		{Key: "mode", Value: "3"},
		{Key: "type", Value: "1"},
		{Key: "ps", Value: strconv.Itoa(commentPageSize)},
		{Key: "next", Value: next},
	}
	var res commentData
	if err := d.get(ctx, "/x/v2/reply/wbi/main", params, &res); err != nil {
		return crawler.CommentPage{}, err
	}
	return crawler.CommentPage{
		Comments: toComments(itemID, "", res.Replies),
		Cursor:   crawler.Cursor(strconv.FormatInt(res.Cursor.Next, 10)),
		IsEnd:    res.Cursor.IsEnd || len(res.Replies) == 0,
	}, nil
}

// SubComments pages replies under parent by page number.
func (d *Driver) SubComments(ctx context.Context, itemID string, parent crawler.Comment, cursor crawler.Cursor) (crawler.CommentPage, error) {
	pn := 1
	if cursor != "" {
		n, err := strconv.Atoi(string(cursor))
		if err != nil {
			return crawler.CommentPage{}, crawler.Errorf(crawler.KindConfiguration, "bilibili.SubComments", "bad cursor %q", cursor)
		}
		pn = n
	}
	params := []crawler.Param{
		{Key: "oid", Value: itemID},
		{Key: "mode", Value: "3"},
		{Key: "type", Value: "1"},
		{Key: "ps", Value: strconv.Itoa(replyPageSize)},
		{Key: "pn", Value: strconv.Itoa(pn)},
		{Key: "root", Value: parent.NaturalKey},
	}
	var res replyData
	if err := d.get(ctx, "/x/v2/reply/reply", params, &res); err != nil {
		return crawler.CommentPage{}, err
	}
	return crawler.CommentPage{
		Comments: toComments(itemID, parent.NaturalKey, res.Replies),
		Cursor:   crawler.Cursor(strconv.Itoa(pn + 1)),
		IsEnd:    res.Page.Count <= pn*replyPageSize || len(res.Replies) == 0,
	}, nil
}

// CreatorItems pages a creator's uploads, newest first.
func (d *Driver) CreatorItems(ctx context.Context, creatorID string, cursor crawler.Cursor) (crawler.Page, error) {
	pn := 1
	if cursor != "" {
		n, err := strconv.Atoi(string(cursor))
		if err != nil {
			return crawler.Page{}, crawler.Errorf(crawler.KindConfiguration, "bilibili.CreatorItems", "bad cursor %q", cursor)
		}
		pn = n
	}
	params := []crawler.Param{
		{Key: "mid", Value: creatorID},
		{Key: "pn", Value: strconv.Itoa(pn)},
		{Key: "ps", Value: strconv.Itoa(creatorPageSize)},
		{Key: "order", Value: "pubdate"},
	}
	var res creatorVideosData
	if err := d.get(ctx, "/x/space/wbi/arc/search", params, &res); err != nil {
		return crawler.Page{}, err
	}
	ids := make([]string, 0, len(res.List.Vlist))
	for _, v := range res.List.Vlist {
		ids = append(ids, strconv.FormatInt(v.Aid, 10))
	}
	return crawler.Page{
		IDs:      ids,
		PageSize: creatorPageSize,
		Cursor:   crawler.Cursor(strconv.Itoa(pn + 1)),
		IsEnd:    res.Page.Count <= pn*creatorPageSize || len(ids) == 0,
	}, nil
}

// Creator fetches a profile and its follower counts.
func (d *Driver) Creator(ctx context.Context, creatorID string) (crawler.Creator, error) {
	var info creatorInfo
	if err := d.get(ctx, "/x/space/wbi/acc/info", []crawler.Param{{Key: "mid", Value: creatorID}}, &info); err != nil {
		return crawler.Creator{}, err
	}
	var stat relationStat
	if err := d.get(ctx, "/x/relation/stat", []crawler.Param{{Key: "vmid", Value: creatorID}}, &stat); err != nil {
		d.logger.Warn("creator relation stat failed", zap.String("creator", creatorID), zap.Error(err))
	}
	return crawler.Creator{
		Platform:       crawler.PlatformBili,
		NaturalKey:     creatorID,
		DisplayName:    info.Name,
		Avatar:         info.Face,
		Bio:            info.Sign,
		FollowerCount:  strconv.FormatInt(stat.Follower, 10),
		FollowingCount: strconv.FormatInt(stat.Following, 10),
		URL:            "https://space.bilibili.com/" + creatorID,
	}, nil
}

func toComments(itemID, parentID string, replies []reply) []crawler.Comment {
	out := make([]crawler.Comment, 0, len(replies))
	for _, r := range replies {
		out = append(out, crawler.Comment{
			Platform:        crawler.PlatformBili,
			NaturalKey:      strconv.FormatInt(r.Rpid, 10),
			ItemKey:         itemID,
			ParentID:        parentID,
			AuthorID:        r.Member.Mid,
			AuthorName:      r.Member.Uname,
			Body:            r.Content.Message,
			PublishTime:     r.Ctime * 1000,
			LikeCount:       strconv.FormatInt(r.Like, 10),
			SubCommentCount: r.Rcount,
		})
	}
	return out
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
