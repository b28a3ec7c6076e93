package crawler

import (
	"context"
	"io"
	"time"
)

// BrowserState is the read side of an authenticated browser session.
type BrowserState interface {
	Cookies(ctx context.Context) ([]Cookie, error)
	LocalStorage(ctx context.Context) (map[string]string, error)
}

// AuthSpec carries the platform-specific facts the login flows need.
type AuthSpec struct {
	// HomeURL is opened before any login flow runs.
	HomeURL string
	// CookieDomain is the domain stored cookies are injected under.
	CookieDomain string
	// QRSelector locates the login QR image.
	QRSelector string
	// LoginButtonSelector, when set, is clicked to reveal the login dialog.
	LoginButtonSelector string
	// PhoneSelector, SendCodeSelector, CodeSelector, and SubmitSelector drive the SMS form.
	PhoneSelector    string
	SendCodeSelector string
	CodeSelector     string
	SubmitSelector   string
	// SessionCookie is the cookie whose value changes once the user is logged in.
	SessionCookie string
	// PreLoginValue is the sentinel value of SessionCookie before login; empty
	// means "absent or empty".
	PreLoginValue string
}

// LoggedIn reports whether cookies show a post-login session.
func (a AuthSpec) LoggedIn(cookies []Cookie) bool {
	if a.SessionCookie == "" {
		return len(cookies) > 0
	}
	for _, c := range cookies {
		if c.Name != a.SessionCookie {
			continue
		}
		return c.Value != "" && c.Value != a.PreLoginValue
	}
	return false
}

// PlatformDriver is the per-platform half of the crawl engine. The runner
// is platform-generic and only talks to this interface.
type PlatformDriver interface {
	Platform() Platform
	Auth() AuthSpec
	// Bind copies cookies and signing material from the browser into the
	// driver's client. It is called after login and after rate-limit pauses.
	Bind(ctx context.Context, state BrowserState) error
	Search(ctx context.Context, keyword string, page int) (Page, error)
	CreatorItems(ctx context.Context, creatorID string, cursor Cursor) (Page, error)
	Creator(ctx context.Context, creatorID string) (Creator, error)
	Hydrate(ctx context.Context, id string) (Item, error)
	Comments(ctx context.Context, itemID string, cursor Cursor) (CommentPage, error)
	SubComments(ctx context.Context, itemID string, parent Comment, cursor Cursor) (CommentPage, error)
	SignRequest(ctx context.Context, req *Request) error
}

// Store persists harvested entities with upsert-by-natural-key semantics.
type Store interface {
	StoreItem(ctx context.Context, item Item) error
	StoreComment(ctx context.Context, comment Comment) error
	StoreCreator(ctx context.Context, creator Creator) error
	// Flush writes buffered state; back-ends without buffering return nil.
	Flush(ctx context.Context) error
	Close(ctx context.Context) error
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Publisher pushes job notifications to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces job IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
