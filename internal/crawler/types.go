package crawler

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Platform identifies a supported social platform.
type Platform string

// Supported platform tags.
const (
	PlatformXHS    Platform = "xhs"
	PlatformDouyin Platform = "dy"
	PlatformKS     Platform = "ks"
	PlatformBili   Platform = "bili"
	PlatformWeibo  Platform = "wb"
	PlatformTieba  Platform = "tieba"
	PlatformZhihu  Platform = "zhihu"
)

// Platforms lists every recognised platform tag.
var Platforms = []Platform{
	PlatformXHS, PlatformDouyin, PlatformKS, PlatformBili, PlatformWeibo, PlatformTieba, PlatformZhihu,
}

// ParsePlatform validates a platform tag.
func ParsePlatform(s string) (Platform, error) {
	p := Platform(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Platforms {
		if p == known {
			return p, nil
		}
	}
	return "", Errorf(KindConfiguration, "parse platform", "unknown platform %q", s)
}

// Mode is the crawl use-case.
type Mode string

// Crawl modes.
const (
	ModeSearch  Mode = "search"
	ModeDetail  Mode = "detail"
	ModeCreator Mode = "creator"
)

// ParseMode validates a crawler type.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case ModeSearch, ModeDetail, ModeCreator:
		return m, nil
	default:
		return "", Errorf(KindConfiguration, "parse crawler type", "unknown crawler type %q", s)
	}
}

// LoginType selects an authentication flow.
type LoginType string

// Login types. "sms" is accepted as an alias of LoginPhone.
const (
	LoginQRCode LoginType = "qrcode"
	LoginPhone  LoginType = "phone"
	LoginCookie LoginType = "cookie"
)

// ParseLoginType validates a login type.
func ParseLoginType(s string) (LoginType, error) {
	switch l := strings.ToLower(strings.TrimSpace(s)); l {
	case "qrcode":
		return LoginQRCode, nil
	case "phone", "sms":
		return LoginPhone, nil
	case "cookie":
		return LoginCookie, nil
	default:
		return "", Errorf(KindConfiguration, "parse login type", "unknown login type %q", s)
	}
}

// SaveOption selects the storage back-end.
type SaveOption string

// Storage back-end selectors.
const (
	SaveCSV     SaveOption = "csv"
	SaveDB      SaveOption = "db"
	SaveSQLite  SaveOption = "sqlite"
	SaveMongoDB SaveOption = "mongodb"
	SaveExcel   SaveOption = "excel"
	SaveJSON    SaveOption = "json"
	SaveFolder  SaveOption = "folder"
	SaveMemory  SaveOption = "memory"
)

// ParseSaveOption validates a save option.
func ParseSaveOption(s string) (SaveOption, error) {
	switch o := SaveOption(strings.ToLower(strings.TrimSpace(s))); o {
	case SaveCSV, SaveDB, SaveSQLite, SaveMongoDB, SaveExcel, SaveJSON, SaveFolder, SaveMemory:
		return o, nil
	default:
		return "", Errorf(KindConfiguration, "parse save option", "unknown save option %q", s)
	}
}

// EntityKind names the three persisted entity families.
type EntityKind string

// Entity kinds used for file, sheet, and collection naming.
const (
	EntityItems    EntityKind = "contents"
	EntityComments EntityKind = "comments"
	EntityCreators EntityKind = "creators"
)

// Item is a platform post, video, note, answer, or thread.
type Item struct {
	Platform       Platform        `json:"platform"`
	NaturalKey     string          `json:"natural_key"`
	Kind           string          `json:"kind,omitempty"`
	AuthorID       string          `json:"author_id"`
	AuthorName     string          `json:"author_name,omitempty"`
	Title          string          `json:"title"`
	Desc           string          `json:"desc"`
	LikedCount     string          `json:"liked_count"`
	CollectedCount string          `json:"collected_count"`
	CommentCount   string          `json:"comment_count"`
	ShareCount     string          `json:"share_count"`
	PublishTime    int64           `json:"publish_time"`
	SourceKeyword  string          `json:"source_keyword"`
	URL            string          `json:"url"`
	Raw            json.RawMessage `json:"raw,omitempty"`
	AddTS          int64           `json:"add_ts"`
	LastModifyTS   int64           `json:"last_modify_ts"`
}

// Comment is a top-level comment or a reply.
type Comment struct {
	Platform        Platform `json:"platform"`
	NaturalKey      string   `json:"natural_key"`
	ItemKey         string   `json:"item_natural_key"`
	ParentID        string   `json:"parent_comment_id"`
	AuthorID        string   `json:"author_id"`
	AuthorName      string   `json:"author_name,omitempty"`
	Body            string   `json:"body"`
	PublishTime     int64    `json:"publish_time"`
	LikeCount       string   `json:"like_count"`
	SubCommentCount int      `json:"sub_comment_count"`
	MediaURLs       []string `json:"media_urls,omitempty"`
	AddTS           int64    `json:"add_ts"`
	LastModifyTS    int64    `json:"last_modify_ts"`
}

// Creator is an author profile.
type Creator struct {
	Platform       Platform `json:"platform"`
	NaturalKey     string   `json:"natural_key"`
	DisplayName    string   `json:"display_name"`
	Avatar         string   `json:"avatar"`
	FollowerCount  string   `json:"follower_count"`
	FollowingCount string   `json:"following_count"`
	Bio            string   `json:"bio"`
	Region         string   `json:"region"`
	URL            string   `json:"url"`
	AddTS          int64    `json:"add_ts"`
	LastModifyTS   int64    `json:"last_modify_ts"`
}

// Cursor is an opaque pagination token. The empty cursor means "first page".
type Cursor string

// Page is one enumeration page of item identifiers.
type Page struct {
	IDs      []string
	Cursor   Cursor
	PageSize int
	IsEnd    bool
}

// CommentPage is one page of comments plus the cursor for the next one.
type CommentPage struct {
	Comments []Comment
	Cursor   Cursor
	IsEnd    bool
}

// Cookie is a browser cookie as exchanged between the browser and the client.
type Cookie struct {
	Name     string    `json:"name"`
	Value    string    `json:"value"`
	Domain   string    `json:"domain,omitempty"`
	Path     string    `json:"path,omitempty"`
	Expires  time.Time `json:"expires,omitempty"`
	HTTPOnly bool      `json:"http_only,omitempty"`
	Secure   bool      `json:"secure,omitempty"`
}

// ParseCookieString splits a "k1=v1; k2=v2" string into cookies in input order.
// Pairs without "=" and empty names are ignored; later duplicates win.
func ParseCookieString(raw string) []Cookie {
	var out []Cookie
	index := map[string]int{}
	for _, part := range strings.Split(raw, ";") {
		name, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			continue
		}
		c := Cookie{Name: name, Value: strings.TrimSpace(value)}
		if i, seen := index[name]; seen {
			out[i] = c
			continue
		}
		index[name] = len(out)
		out = append(out, c)
	}
	return out
}

// CookieHeader renders cookies as a Cookie header value.
func CookieHeader(cookies []Cookie) string {
	parts := make([]string, 0, len(cookies))
	for _, c := range cookies {
		parts = append(parts, fmt.Sprintf("%s=%s", c.Name, c.Value))
	}
	return strings.Join(parts, "; ")
}

// CookieMap indexes cookies by name.
func CookieMap(cookies []Cookie) map[string]string {
	out := make(map[string]string, len(cookies))
	for _, c := range cookies {
		out[c.Name] = c.Value
	}
	return out
}

// Param is one ordered request parameter.
type Param struct {
	Key   string
	Value string
}

// Request is the envelope a PlatformDriver builds and the client dispatches.
// Signers may append timestamp and signature parameters or headers.
type Request struct {
	Platform Platform
	Method   string
	BaseURL  string
	URI      string
	Params   []Param
	Body     []byte
	Headers  map[string]string
	Media    bool
	// Raw skips envelope unwrapping; out receives the whole body.
	Raw bool
}

// Get returns the first value for key.
func (r *Request) Get(key string) (string, bool) {
	for _, p := range r.Params {
		if p.Key == key {
			return p.Value, true
		}
	}
	return "", false
}

// Set replaces key in place or appends it.
func (r *Request) Set(key, value string) {
	for i := range r.Params {
		if r.Params[i].Key == key {
			r.Params[i].Value = value
			return
		}
	}
	r.Params = append(r.Params, Param{Key: key, Value: value})
}

// SetHeader sets a request header.
func (r *Request) SetHeader(key, value string) {
	if r.Headers == nil {
		r.Headers = map[string]string{}
	}
	r.Headers[key] = value
}
