package providers

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/JakeFAU/social-crawler/internal/proxy"
)

// JiSuName is the provider tag and cache-key prefix of the key/crypto vendor.
const JiSuName = "jisu"

// JiSuConfig holds the extraction credentials.
type JiSuConfig struct {
	Endpoint       string
	Key            string
	Crypto         string
	ValidityMinute int
	Location       *time.Location
}

// JiSu fetches username/password-authenticated HTTPS proxies.
type JiSu struct {
	cfg    JiSuConfig
	client HTTPDoer
}

// NewJiSu builds the provider; a nil client uses a 10s http.Client.
func NewJiSu(cfg JiSuConfig, client HTTPDoer) *JiSu {
	if cfg.Endpoint == "" {
		cfg.Endpoint = "https://api.jisuhttp.com/fetchips"
	}
	if cfg.ValidityMinute <= 0 {
		cfg.ValidityMinute = 30
	}
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &JiSu{cfg: cfg, client: client}
}

// Name returns the provider tag.
func (p *JiSu) Name() string { return JiSuName }

type jisuResponse struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
	Data []struct {
		IP     string  `json:"ip"`
		Port   flexInt `json:"port"`
		User   string  `json:"user"`
		Pass   string  `json:"pass"`
		Expire string  `json:"expire"`
	} `json:"data"`
}

// GetProxies requests n endpoints. The vendor signals success with code 0.
func (p *JiSu) GetProxies(ctx context.Context, n int) ([]proxy.Endpoint, error) {
	q := url.Values{}
	q.Set("key", p.cfg.Key)
	q.Set("crypto", p.cfg.Crypto)
	q.Set("time", strconv.Itoa(p.cfg.ValidityMinute))
	q.Set("type", "json")
	q.Set("port", "2")
	q.Set("pw", "1")
	q.Set("se", "1")
	q.Set("num", strconv.Itoa(n))

	var res jisuResponse
	if err := getJSON(ctx, p.client, p.cfg.Endpoint+"?"+q.Encode(), &res); err != nil {
		return nil, fmt.Errorf("jisu: %w", err)
	}
	if res.Code != 0 {
		return nil, &proxy.IPGetError{Provider: JiSuName, Code: res.Code, Msg: res.Msg}
	}
	out := make([]proxy.Endpoint, 0, len(res.Data))
	for _, item := range res.Data {
		expires, err := parseExpire(item.Expire, p.cfg.Location)
		if err != nil {
			return nil, fmt.Errorf("jisu: %w", err)
		}
		out = append(out, proxy.Endpoint{
			IP:        item.IP,
			Port:      int(item.Port),
			User:      item.User,
			Password:  item.Pass,
			Scheme:    "http",
			ExpiresAt: expires,
		})
	}
	return out, nil
}
