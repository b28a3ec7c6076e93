package auth

import (
	"context"
	"fmt"

	"github.com/JakeFAU/social-crawler/internal/crawler"
)

// CookieFlow injects a stored cookie string. With an empty string it relies
// on a persisted browser profile that is already logged in.
type CookieFlow struct {
	deps Deps
}

// Login runs the cookie flow.
func (f *CookieFlow) Login(ctx context.Context) error {
	const op = "auth.CookieFlow"
	d := f.deps
	cookies := crawler.ParseCookieString(d.Cookies)
	if len(cookies) > 0 {
		if err := d.Page.AddCookies(ctx, cookies, d.Driver.Auth().CookieDomain); err != nil {
			return fmt.Errorf("%s: inject cookies: %w", op, err)
		}
	}
	if err := openHome(ctx, d); err != nil {
		return err
	}
	if len(cookies) == 0 && !alreadyLoggedIn(ctx, d) {
		return crawler.Errorf(crawler.KindAuthRequired, op, "no cookies configured and the browser profile is not logged in")
	}
	return finish(ctx, d, op)
}
