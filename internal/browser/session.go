package browser

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/storage"
	"github.com/chromedp/chromedp"
	"github.com/go-rod/stealth"
	"go.uber.org/zap"

	"github.com/JakeFAU/social-crawler/internal/crawler"
)

// Session modes.
const (
	ModeManaged = "managed"
	ModeAttach  = "attach"
)

const (
	viewportWidth  = 1920
	viewportHeight = 1080
)

// Options selects how Open obtains a browser.
type Options struct {
	Mode string
	// DebuggerURL is a ws:// browser URL or an http:// DevTools endpoint (attach mode).
	DebuggerURL       string
	UserAgent         string
	StealthScriptPath string
	// Launcher starts the browser in managed mode.
	Launcher *Launcher
	Logger   *zap.Logger
}

// Session is one CDP tab plus, in managed mode, the browser that hosts it.
// Page operations are serialized; cookie and storage reads from several
// goroutines never interleave with navigation.
type Session struct {
	mu          sync.Mutex
	tabCtx      context.Context
	tabCancel   context.CancelFunc
	allocCancel context.CancelFunc
	proc        *Process
	logger      *zap.Logger
	closeOnce   sync.Once
}

// Open starts or attaches to a browser and prepares a tab with the stealth
// script, a 1920x1080 viewport, and the configured user agent.
func Open(ctx context.Context, opts Options) (*Session, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	script, err := LoadStealthScript(opts.StealthScriptPath)
	if err != nil {
		return nil, err
	}

	var (
		proc  *Process
		wsURL string
	)
	switch opts.Mode {
	case ModeManaged, "":
		if opts.Launcher == nil {
			return nil, crawler.Errorf(crawler.KindConfiguration, "browser.Open", "managed mode needs a launcher")
		}
		proc, err = opts.Launcher.Launch(ctx)
		if err != nil {
			return nil, err
		}
		wsURL = proc.WSURL
	case ModeAttach:
		wsURL, err = ResolveDebuggerURL(ctx, opts.DebuggerURL)
		if err != nil {
			return nil, err
		}
	default:
		return nil, crawler.Errorf(crawler.KindConfiguration, "browser.Open", "unknown browser mode %q", opts.Mode)
	}

	// The allocator is detached from ctx so that cancelling a job still lets
	// Close shut the tab down in order.
	allocCtx, allocCancel := chromedp.NewRemoteAllocator(context.Background(), wsURL)
	tabCtx, tabCancel := chromedp.NewContext(allocCtx)
	s := &Session{
		tabCtx:      tabCtx,
		tabCancel:   tabCancel,
		allocCancel: allocCancel,
		proc:        proc,
		logger:      logger,
	}
	if err := s.run(ctx, setupAction(script, opts.UserAgent)); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("prepare browser tab: %w", err)
	}
	logger.Info("browser session ready", zap.String("mode", defaultMode(opts.Mode)))
	return s, nil
}

func defaultMode(mode string) string {
	if mode == "" {
		return ModeManaged
	}
	return mode
}

// ResolveDebuggerURL accepts a ws:// URL as-is and resolves an http(s)://
// DevTools endpoint through /json/version.
func ResolveDebuggerURL(ctx context.Context, raw string) (string, error) {
	switch {
	case raw == "":
		return "", crawler.Errorf(crawler.KindConfiguration, "browser.ResolveDebuggerURL", "debugger url is empty")
	case strings.HasPrefix(raw, "ws://"), strings.HasPrefix(raw, "wss://"):
		return raw, nil
	case strings.HasPrefix(raw, "http://"), strings.HasPrefix(raw, "https://"):
		return WaitReady(ctx, nil, strings.TrimRight(raw, "/"), 10*time.Second)
	default:
		return WaitReady(ctx, nil, "http://"+strings.TrimRight(raw, "/"), 10*time.Second)
	}
}

// LoadStealthScript returns the script at path, or the bundled stealth script.
func LoadStealthScript(path string) (string, error) {
	if path == "" {
		return stealth.JS, nil
	}
	data, err := os.ReadFile(path) //nolint:gosec // operator-supplied path
	if err != nil {
		return "", crawler.NewError(crawler.KindConfiguration, "browser.LoadStealthScript", err)
	}
	return string(data), nil
}

func setupAction(script, userAgent string) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if err := emulation.SetDeviceMetricsOverride(viewportWidth, viewportHeight, 1, false).Do(ctx); err != nil {
			return fmt.Errorf("set viewport: %w", err)
		}
		if userAgent != "" {
			if err := emulation.SetUserAgentOverride(userAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		if _, err := page.AddScriptToEvaluateOnNewDocument(script).Do(ctx); err != nil {
			return fmt.Errorf("add init script: %w", err)
		}
		return nil
	})
}

// run executes actions on the tab under the page mutex, aborting when ctx ends.
func (s *Session) run(ctx context.Context, actions ...chromedp.Action) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	runCtx, cancel := context.WithCancel(s.tabCtx)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()
	if err := chromedp.Run(runCtx, actions...); err != nil {
		if ctx.Err() != nil {
			return crawler.NewError(crawler.KindCancelled, "browser", ctx.Err())
		}
		return fmt.Errorf("chromedp run: %w", err)
	}
	return nil
}

// Navigate loads url and waits for the body.
func (s *Session) Navigate(ctx context.Context, url string) error {
	return s.run(ctx,
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
	)
}

// Cookies returns every cookie the browser holds.
func (s *Session) Cookies(ctx context.Context) ([]crawler.Cookie, error) {
	var raw []*network.Cookie
	err := s.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		var err error
		raw, err = storage.GetCookies().Do(ctx)
		if err != nil {
			return fmt.Errorf("get cookies: %w", err)
		}
		return nil
	}))
	if err != nil {
		return nil, err
	}
	return FromNetworkCookies(raw), nil
}

// AddCookies injects cookies. Cookies without a domain get domain.
func (s *Session) AddCookies(ctx context.Context, cookies []crawler.Cookie, domain string) error {
	return s.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		for _, c := range cookies {
			if err := ToSetCookie(c, domain).Do(ctx); err != nil {
				return fmt.Errorf("set cookie %s: %w", c.Name, err)
			}
		}
		return nil
	}))
}

// LocalStorage snapshots window.localStorage of the current page.
func (s *Session) LocalStorage(ctx context.Context) (map[string]string, error) {
	out := map[string]string{}
	if err := s.Evaluate(ctx, `Object.assign({}, window.localStorage)`, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Evaluate runs a JavaScript expression and decodes its value into out.
func (s *Session) Evaluate(ctx context.Context, expr string, out any) error {
	return s.run(ctx, chromedp.Evaluate(expr, out))
}

// ElementPNG screenshots the first node matching selector.
func (s *Session) ElementPNG(ctx context.Context, selector string) ([]byte, error) {
	var buf []byte
	if err := s.run(ctx, chromedp.Screenshot(selector, &buf, chromedp.NodeVisible, chromedp.ByQuery)); err != nil {
		return nil, err
	}
	return buf, nil
}

// Screenshot captures the viewport as PNG.
func (s *Session) Screenshot(ctx context.Context) ([]byte, error) {
	var buf []byte
	if err := s.run(ctx, chromedp.CaptureScreenshot(&buf)); err != nil {
		return nil, err
	}
	return buf, nil
}

// Click clicks the first visible node matching selector.
func (s *Session) Click(ctx context.Context, selector string) error {
	return s.run(ctx, chromedp.Click(selector, chromedp.NodeVisible, chromedp.ByQuery))
}

// SendKeys types text into the node matching selector.
func (s *Session) SendKeys(ctx context.Context, selector, text string) error {
	return s.run(ctx, chromedp.SendKeys(selector, text, chromedp.NodeVisible, chromedp.ByQuery))
}

// Close closes the tab and, in managed mode, the browser. It is idempotent
// and tolerates a browser that already died.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		if s.proc == nil || !s.proc.Exited() {
			closeCtx, cancel := context.WithTimeout(s.tabCtx, 5*time.Second)
			if err := chromedp.Cancel(closeCtx); err != nil {
				s.logger.Debug("closing browser tab", zap.Error(err))
			}
			cancel()
		}
		s.tabCancel()
		s.allocCancel()
		if s.proc != nil {
			s.proc.Kill()
		}
		s.logger.Info("browser session closed")
	})
	return nil
}

// FromNetworkCookies converts CDP cookies.
func FromNetworkCookies(raw []*network.Cookie) []crawler.Cookie {
	out := make([]crawler.Cookie, 0, len(raw))
	for _, c := range raw {
		if c == nil {
			continue
		}
		cookie := crawler.Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			HTTPOnly: c.HTTPOnly,
			Secure:   c.Secure,
		}
		if c.Expires > 0 {
			sec := int64(c.Expires)
			nsec := int64((c.Expires - float64(sec)) * float64(time.Second))
			cookie.Expires = time.Unix(sec, nsec).UTC()
		}
		out = append(out, cookie)
	}
	return out
}

// ToSetCookie builds the CDP command that installs c.
func ToSetCookie(c crawler.Cookie, domain string) *network.SetCookieParams {
	if c.Domain != "" {
		domain = c.Domain
	}
	path := c.Path
	if path == "" {
		path = "/"
	}
	params := network.SetCookie(c.Name, c.Value).
		WithDomain(domain).
		WithPath(path).
		WithHTTPOnly(c.HTTPOnly).
		WithSecure(c.Secure)
	if !c.Expires.IsZero() {
		expires := cdp.TimeSinceEpoch(c.Expires)
		params = params.WithExpires(&expires)
	}
	return params
}
