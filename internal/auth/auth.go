// Package auth implements the QR, SMS, and cookie login flows. Every flow
// ends by binding the browser's cookies and storage into the platform driver.
package auth

import (
	"context"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/social-crawler/internal/cache"
	"github.com/JakeFAU/social-crawler/internal/crawler"
)

const (
	defaultPollInterval = time.Second
	defaultTimeout      = 120 * time.Second
)

// Page is the slice of a browser session the flows drive.
type Page interface {
	crawler.BrowserState
	Navigate(ctx context.Context, url string) error
	AddCookies(ctx context.Context, cookies []crawler.Cookie, domain string) error
	ElementPNG(ctx context.Context, selector string) ([]byte, error)
	Click(ctx context.Context, selector string) error
	SendKeys(ctx context.Context, selector, text string) error
}

// Binder receives the authenticated browser state.
type Binder interface {
	Platform() crawler.Platform
	Auth() crawler.AuthSpec
	Bind(ctx context.Context, state crawler.BrowserState) error
}

// Ponger is implemented by drivers that can confirm a session with a cheap
// authenticated call.
type Ponger interface {
	Pong(ctx context.Context) (bool, error)
}

// Flow performs one login.
type Flow interface {
	Login(ctx context.Context) error
}

// Deps wires a flow to its collaborators.
type Deps struct {
	Page   Page
	Driver Binder
	// Cache holds SMS codes written by the control-plane webhook.
	Cache cache.Cache
	// Out receives the rendered QR code.
	Out          io.Writer
	DataDir      string
	Phone        string
	Cookies      string
	PollInterval time.Duration
	Timeout      time.Duration
	Logger       *zap.Logger
}

// New returns the flow for loginType.
func New(loginType crawler.LoginType, deps Deps) (Flow, error) {
	if deps.Page == nil || deps.Driver == nil {
		return nil, crawler.Errorf(crawler.KindConfiguration, "auth.New", "page and driver are required")
	}
	if deps.PollInterval <= 0 {
		deps.PollInterval = defaultPollInterval
	}
	if deps.Timeout <= 0 {
		deps.Timeout = defaultTimeout
	}
	if deps.Out == nil {
		deps.Out = io.Discard
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	switch loginType {
	case crawler.LoginQRCode:
		return &QRFlow{deps: deps}, nil
	case crawler.LoginPhone:
		if deps.Phone == "" {
			return nil, crawler.Errorf(crawler.KindConfiguration, "auth.New", "phone login needs a phone number")
		}
		if deps.Cache == nil {
			return nil, crawler.Errorf(crawler.KindConfiguration, "auth.New", "phone login needs a cache")
		}
		return &SMSFlow{deps: deps}, nil
	case crawler.LoginCookie:
		return &CookieFlow{deps: deps}, nil
	default:
		return nil, crawler.Errorf(crawler.KindConfiguration, "auth.New", "unknown login type %q", loginType)
	}
}

// poll calls check every interval until it reports done, returning
// auth-timeout when timeout elapses first.
func poll(ctx context.Context, interval, timeout time.Duration, op string, check func(context.Context) (bool, error)) error {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		done, err := check(ctx)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
		select {
		case <-ctx.Done():
			return crawler.NewError(crawler.KindCancelled, op, ctx.Err())
		case <-deadline.C:
			return crawler.Errorf(crawler.KindAuthTimeout, op, "not logged in after %s", timeout)
		case <-ticker.C:
		}
	}
}

// waitLoggedIn polls the cookie jar until the session cookie leaves its
// pre-login value.
func waitLoggedIn(ctx context.Context, d Deps, op string) error {
	spec := d.Driver.Auth()
	return poll(ctx, d.PollInterval, d.Timeout, op, func(ctx context.Context) (bool, error) {
		cookies, err := d.Page.Cookies(ctx)
		if err != nil {
			d.Logger.Debug("reading cookies while waiting for login", zap.Error(err))
			return false, nil
		}
		return spec.LoggedIn(cookies), nil
	})
}

func alreadyLoggedIn(ctx context.Context, d Deps) bool {
	cookies, err := d.Page.Cookies(ctx)
	if err != nil {
		return false
	}
	return d.Driver.Auth().LoggedIn(cookies)
}

// finish binds the session into the driver and, when supported, confirms it.
func finish(ctx context.Context, d Deps, op string) error {
	if err := d.Driver.Bind(ctx, d.Page); err != nil {
		return fmt.Errorf("%s: bind session: %w", op, err)
	}
	if p, ok := d.Driver.(Ponger); ok {
		ok, err := p.Pong(ctx)
		if err != nil {
			return fmt.Errorf("%s: pong: %w", op, err)
		}
		if !ok {
			return crawler.Errorf(crawler.KindAuthRequired, op, "%s session is not logged in", d.Driver.Platform())
		}
	}
	d.Logger.Info("login SUCCESS", zap.String("platform", string(d.Driver.Platform())))
	return nil
}

func openHome(ctx context.Context, d Deps) error {
	home := d.Driver.Auth().HomeURL
	if home == "" {
		return nil
	}
	if err := d.Page.Navigate(ctx, home); err != nil {
		return fmt.Errorf("open %s: %w", home, err)
	}
	return nil
}
