package auth

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

// SMSFlow fills the phone login form and reads the code the webhook cached.
type SMSFlow struct {
	deps Deps
}

// CodeKey is the cache key the SMS webhook writes codes under.
func CodeKey(platform, phone string) string {
	return platform + "_" + phone
}

// Login runs the SMS flow.
func (f *SMSFlow) Login(ctx context.Context) error {
	const op = "auth.SMSFlow"
	d := f.deps
	spec := d.Driver.Auth()
	if err := openHome(ctx, d); err != nil {
		return err
	}
	if alreadyLoggedIn(ctx, d) {
		return finish(ctx, d, op)
	}
	if spec.LoginButtonSelector != "" {
		if err := d.Page.Click(ctx, spec.LoginButtonSelector); err != nil {
			return fmt.Errorf("%s: open login dialog: %w", op, err)
		}
	}
	if err := d.Page.SendKeys(ctx, spec.PhoneSelector, d.Phone); err != nil {
		return fmt.Errorf("%s: fill phone: %w", op, err)
	}
	if err := d.Page.Click(ctx, spec.SendCodeSelector); err != nil {
		return fmt.Errorf("%s: request code: %w", op, err)
	}

	key := CodeKey(string(d.Driver.Platform()), d.Phone)
	d.Logger.Info("waiting for SMS code", zap.String("cache_key", key))
	var code string
	err := poll(ctx, d.PollInterval, d.Timeout, op, func(ctx context.Context) (bool, error) {
		raw, ok, err := d.Cache.Get(ctx, key)
		if err != nil {
			d.Logger.Debug("reading SMS code", zap.Error(err))
			return false, nil
		}
		if !ok {
			return false, nil
		}
		code = strings.TrimSpace(string(raw))
		return code != "", nil
	})
	if err != nil {
		return err
	}

	if err := d.Page.SendKeys(ctx, spec.CodeSelector, code); err != nil {
		return fmt.Errorf("%s: fill code: %w", op, err)
	}
	if err := d.Page.Click(ctx, spec.SubmitSelector); err != nil {
		return fmt.Errorf("%s: submit: %w", op, err)
	}
	if err := waitLoggedIn(ctx, d, op); err != nil {
		return err
	}
	return finish(ctx, d, op)
}
