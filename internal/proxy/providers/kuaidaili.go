package providers

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/JakeFAU/social-crawler/internal/proxy"
)

// KuaiDaiLiName is the provider tag and cache-key prefix of the private-proxy vendor.
const KuaiDaiLiName = "kuaidaili"

// KuaiDaiLiConfig holds the API signature and the tunnel credentials.
type KuaiDaiLiConfig struct {
	Endpoint  string
	SecretID  string
	Signature string
	User      string
	Password  string
	// Now defaults to time.Now; expiry is reported as remaining seconds.
	Now func() time.Time
}

// KuaiDaiLi fetches user/password-authenticated private proxies.
type KuaiDaiLi struct {
	cfg    KuaiDaiLiConfig
	client HTTPDoer
}

// NewKuaiDaiLi builds the provider; a nil client uses a 10s http.Client.
func NewKuaiDaiLi(cfg KuaiDaiLiConfig, client HTTPDoer) *KuaiDaiLi {
	if cfg.Endpoint == "" {
		cfg.Endpoint = "https://dps.kdlapi.com/api/getdps/"
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &KuaiDaiLi{cfg: cfg, client: client}
}

// Name returns the provider tag.
func (p *KuaiDaiLi) Name() string { return KuaiDaiLiName }

type kuaidailiResponse struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
	Data struct {
		Count     int      `json:"count"`
		ProxyList []string `json:"proxy_list"`
	} `json:"data"`
}

// GetProxies requests n endpoints. Entries arrive as "ip:port,ttl_seconds";
// the vendor signals success with code 0.
func (p *KuaiDaiLi) GetProxies(ctx context.Context, n int) ([]proxy.Endpoint, error) {
	q := url.Values{}
	q.Set("secret_id", p.cfg.SecretID)
	q.Set("signature", p.cfg.Signature)
	q.Set("num", strconv.Itoa(n))
	q.Set("pt", "1")
	q.Set("format", "json")
	q.Set("sep", "1")
	q.Set("f_et", "1")

	var res kuaidailiResponse
	if err := getJSON(ctx, p.client, p.cfg.Endpoint+"?"+q.Encode(), &res); err != nil {
		return nil, fmt.Errorf("kuaidaili: %w", err)
	}
	if res.Code != 0 {
		return nil, &proxy.IPGetError{Provider: KuaiDaiLiName, Code: res.Code, Msg: res.Msg}
	}
	now := p.cfg.Now()
	out := make([]proxy.Endpoint, 0, len(res.Data.ProxyList))
	for _, entry := range res.Data.ProxyList {
		ep, err := parseKuaiDaiLiEntry(entry, now)
		if err != nil {
			return nil, fmt.Errorf("kuaidaili: %w", err)
		}
		ep.User, ep.Password = p.cfg.User, p.cfg.Password
		out = append(out, ep)
	}
	return out, nil
}

func parseKuaiDaiLiEntry(entry string, now time.Time) (proxy.Endpoint, error) {
	addr, ttl, _ := strings.Cut(strings.TrimSpace(entry), ",")
	host, rawPort, ok := strings.Cut(addr, ":")
	if !ok || host == "" {
		return proxy.Endpoint{}, fmt.Errorf("malformed proxy entry %q", entry)
	}
	port, err := strconv.Atoi(rawPort)
	if err != nil {
		return proxy.Endpoint{}, fmt.Errorf("proxy entry %q port: %w", entry, err)
	}
	ep := proxy.Endpoint{IP: host, Port: port, Scheme: "http"}
	if ttl = strings.TrimSpace(ttl); ttl != "" {
		secs, err := strconv.Atoi(ttl)
		if err != nil {
			return proxy.Endpoint{}, fmt.Errorf("proxy entry %q ttl: %w", entry, err)
		}
		ep.ExpiresAt = now.Add(time.Duration(secs) * time.Second).UnixMilli()
	}
	return ep, nil
}
