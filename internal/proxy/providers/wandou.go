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

// WanDouName is the provider tag and cache-key prefix of the app-key vendor.
const WanDouName = "wandou"

// WanDouConfig holds the app key.
type WanDouConfig struct {
	Endpoint string
	AppKey   string
	Location *time.Location
}

// WanDou fetches IP-whitelisted proxies (no credentials).
type WanDou struct {
	cfg    WanDouConfig
	client HTTPDoer
}

// NewWanDou builds the provider; a nil client uses a 10s http.Client.
func NewWanDou(cfg WanDouConfig, client HTTPDoer) *WanDou {
	if cfg.Endpoint == "" {
		cfg.Endpoint = "https://api.wandouapp.com/"
	}
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &WanDou{cfg: cfg, client: client}
}

// Name returns the provider tag.
func (p *WanDou) Name() string { return WanDouName }

type wandouResponse struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
	Data []struct {
		IP         string  `json:"ip"`
		Port       flexInt `json:"port"`
		ExpireTime string  `json:"expire_time"`
	} `json:"data"`
}

// GetProxies requests up to min(n, 100) endpoints. The vendor signals success with code 200.
func (p *WanDou) GetProxies(ctx context.Context, n int) ([]proxy.Endpoint, error) {
	if n > proxy.MaxBatch {
		n = proxy.MaxBatch
	}
	q := url.Values{}
	q.Set("app_key", p.cfg.AppKey)
	q.Set("num", strconv.Itoa(n))

	var res wandouResponse
	if err := getJSON(ctx, p.client, p.cfg.Endpoint+"?"+q.Encode(), &res); err != nil {
		return nil, fmt.Errorf("wandou: %w", err)
	}
	if res.Code != 200 {
		msg := res.Msg
		switch res.Code {
		case 10001:
			msg = "general error: " + msg
		case 10048:
			msg = "no available package"
		}
		return nil, &proxy.IPGetError{Provider: WanDouName, Code: res.Code, Msg: msg}
	}
	out := make([]proxy.Endpoint, 0, len(res.Data))
	for _, item := range res.Data {
		expires, err := parseExpire(item.ExpireTime, p.cfg.Location)
		if err != nil {
			return nil, fmt.Errorf("wandou: %w", err)
		}
		out = append(out, proxy.Endpoint{
			IP:        item.IP,
			Port:      int(item.Port),
			Scheme:    "http",
			ExpiresAt: expires,
		})
	}
	return out, nil
}
