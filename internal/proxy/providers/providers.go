// Package providers implements the proxy vendors behind proxy.Provider.
package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/JakeFAU/social-crawler/internal/proxy"
)

const (
	userAgent        = "social-crawler/1.0"
	expireTimeLayout = "2006-01-02 15:04:05"
)

// HTTPDoer is satisfied by *http.Client.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// New builds the named provider from credentials.
func New(name string, creds Credentials, client HTTPDoer) (proxy.Provider, error) {
	switch name {
	case JiSuName:
		return NewJiSu(JiSuConfig{
			Endpoint:       creds.JiSuEndpoint,
			Key:            creds.JiSuKey,
			Crypto:         creds.JiSuCrypto,
			ValidityMinute: creds.JiSuValidityMinutes,
		}, client), nil
	case WanDouName:
		return NewWanDou(WanDouConfig{Endpoint: creds.WanDouEndpoint, AppKey: creds.WanDouAppKey}, client), nil
	case KuaiDaiLiName:
		return NewKuaiDaiLi(KuaiDaiLiConfig{
			Endpoint:  creds.KuaiDaiLiEndpoint,
			SecretID:  creds.KuaiDaiLiSecretID,
			Signature: creds.KuaiDaiLiSignature,
			User:      creds.KuaiDaiLiUser,
			Password:  creds.KuaiDaiLiPassword,
		}, client), nil
	default:
		return nil, fmt.Errorf("unknown proxy provider %q", name)
	}
}

// Credentials gathers provider secrets loaded from the environment.
type Credentials struct {
	JiSuEndpoint        string
	JiSuKey             string
	JiSuCrypto          string
	JiSuValidityMinutes int
	WanDouEndpoint      string
	WanDouAppKey        string
	KuaiDaiLiEndpoint   string
	KuaiDaiLiSecretID   string
	KuaiDaiLiSignature  string
	KuaiDaiLiUser       string
	KuaiDaiLiPassword   string
}

func getJSON(ctx context.Context, client HTTPDoer, rawURL string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("request provider: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read provider response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("provider status %d", resp.StatusCode)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode provider response: %w", err)
	}
	return nil
}

// parseExpire converts the vendors' local "YYYY-MM-DD HH:MM:SS" strings into unix ms.
func parseExpire(raw string, loc *time.Location) (int64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	if loc == nil {
		loc = time.Local
	}
	t, err := time.ParseInLocation(expireTimeLayout, raw, loc)
	if err != nil {
		return 0, fmt.Errorf("parse expire time %q: %w", raw, err)
	}
	return t.UnixMilli(), nil
}

// flexInt accepts ports encoded either as numbers or strings.
type flexInt int

func (f *flexInt) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		*f = 0
		return nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return fmt.Errorf("port %s: %w", s, err)
	}
	*f = flexInt(n)
	return nil
}
