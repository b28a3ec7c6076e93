// Package client is the signed HTTP client every platform driver sends its
// API calls through: pacing, signing, cookies, proxy binding, decoding, and
// error translation into the crawler error taxonomy.
package client

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/andybalholm/brotli"
	"go.uber.org/zap"

	"github.com/JakeFAU/social-crawler/internal/crawler"
	"github.com/JakeFAU/social-crawler/internal/metrics"
	"github.com/JakeFAU/social-crawler/internal/proxy"
)

// DefaultUserAgent is sent when the driver sets none.
const DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 " +
	"(KHTML, like Gecko) Chrome/126.0.0.0 Safari/537.36"

// Signer adds platform signatures to a request.
type Signer interface {
	SignRequest(ctx context.Context, req *crawler.Request) error
}

// SignerFunc adapts a function to Signer.
type SignerFunc func(ctx context.Context, req *crawler.Request) error

// SignRequest calls f.
func (f SignerFunc) SignRequest(ctx context.Context, req *crawler.Request) error {
	return f(ctx, req)
}

// Limiter paces requests per host.
type Limiter interface {
	Wait(ctx context.Context, rawURL string) error
}

// ProxySource hands out the current proxy, rotating it when close to expiry.
type ProxySource interface {
	GetOrRefresh(ctx context.Context, buffer time.Duration) (proxy.Endpoint, error)
}

// RetryPolicy decides whether and when to retry.
type RetryPolicy interface {
	MaxAttempts() int
	ShouldRetry(err error, attempt int) bool
	Backoff(attempt int) time.Duration
}

// EnvelopeSpec describes a platform's {code, msg, data} response wrapper.
type EnvelopeSpec struct {
	CodeField    string
	OKCode       int
	MessageField string
	// DataField is decoded into the caller's value; empty decodes the whole body.
	DataField string
	// Classify maps a non-OK code to an error. Nil yields a terminal data-fetch-error.
	Classify func(code int, msg string) error
}

// Config wires a Client.
type Config struct {
	Platform     crawler.Platform
	Timeout      time.Duration
	MediaTimeout time.Duration
	UserAgent    string
	Headers      map[string]string
	Envelope     *EnvelopeSpec
	Signer       Signer
	Limiter      Limiter
	Proxy        ProxySource
	Retry        RetryPolicy
	Transport    http.RoundTripper
	Logger       *zap.Logger
}

// Client is safe for concurrent use.
type Client struct {
	cfg    Config
	logger *zap.Logger

	mu      sync.RWMutex
	cookies []crawler.Cookie

	transportMu sync.Mutex
	transports  map[string]http.RoundTripper
}

// New creates a Client.
func New(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MediaTimeout <= 0 {
		cfg.MediaTimeout = 60 * time.Second
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}
	if cfg.Retry == nil {
		cfg.Retry = crawler.NewExponentialRetryPolicy()
	}
	if cfg.Transport == nil {
		cfg.Transport = http.DefaultTransport
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{cfg: cfg, logger: logger, transports: map[string]http.RoundTripper{}}
}

// SetCookies replaces the cookie jar.
func (c *Client) SetCookies(cookies []crawler.Cookie) {
	c.mu.Lock()
	c.cookies = append([]crawler.Cookie(nil), cookies...)
	c.mu.Unlock()
}

// Cookies returns a copy of the cookie jar.
func (c *Client) Cookies() []crawler.Cookie {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]crawler.Cookie(nil), c.cookies...)
}

// CookieHeader renders the jar as a Cookie header value.
func (c *Client) CookieHeader() string {
	return crawler.CookieHeader(c.Cookies())
}

// UpdateCookies re-reads cookies from the browser.
func (c *Client) UpdateCookies(ctx context.Context, source crawler.BrowserState) error {
	cookies, err := source.Cookies(ctx)
	if err != nil {
		return fmt.Errorf("read browser cookies: %w", err)
	}
	c.SetCookies(cookies)
	return nil
}

// Do sends req and decodes the unwrapped payload into out (which may be nil).
// Retryable failures are retried under the configured policy.
func (c *Client) Do(ctx context.Context, req *crawler.Request, out any) error {
	var lastErr error
	for attempt := 1; ; attempt++ {
		lastErr = c.doOnce(ctx, req, out)
		if lastErr == nil {
			return nil
		}
		if !c.cfg.Retry.ShouldRetry(lastErr, attempt) {
			return lastErr
		}
		wait := c.cfg.Retry.Backoff(attempt - 1)
		c.logger.Warn("request failed, retrying",
			zap.String("uri", req.URI), zap.Int("attempt", attempt), zap.Duration("backoff", wait), zap.Error(lastErr))
		if err := sleep(ctx, wait); err != nil {
			return err
		}
	}
}

func (c *Client) doOnce(ctx context.Context, orig *crawler.Request, out any) error {
	const op = "client.Do"
	req := cloneRequest(orig)
	if c.cfg.Signer != nil {
		if err := c.cfg.Signer.SignRequest(ctx, req); err != nil {
			return fmt.Errorf("sign %s: %w", req.URI, err)
		}
	}
	target := BuildURL(req)
	if c.cfg.Limiter != nil {
		if err := c.cfg.Limiter.Wait(ctx, target); err != nil {
			return crawler.NewError(crawler.KindCancelled, op, err)
		}
	}
	body, err := c.send(ctx, req, target, c.cfg.Timeout)
	if err != nil {
		metrics.ObserveRequest(target, string(crawler.KindOf(err)))
		return err
	}
	if err := c.decode(body, out, req.Raw); err != nil {
		metrics.ObserveRequest(target, string(crawler.KindOf(err)))
		return err
	}
	metrics.ObserveRequest(target, "ok")
	return nil
}

// Pace waits for the rate limiter slot of rawURL. Drivers that fetch through
// another transport call it before each request.
func (c *Client) Pace(ctx context.Context, rawURL string) error {
	if c.cfg.Limiter == nil {
		return nil
	}
	if err := c.cfg.Limiter.Wait(ctx, rawURL); err != nil {
		return crawler.NewError(crawler.KindCancelled, "client.Pace", err)
	}
	return nil
}

// UserAgent is the User-Agent header the client sends.
func (c *Client) UserAgent() string {
	return c.cfg.UserAgent
}

// Timeout is the per-request timeout.
func (c *Client) Timeout() time.Duration {
	return c.cfg.Timeout
}

// Media downloads a binary resource, accepting any 2xx including 206.
func (c *Client) Media(ctx context.Context, rawURL string) ([]byte, error) {
	req := &crawler.Request{Method: http.MethodGet, BaseURL: rawURL, Media: true}
	return c.send(ctx, req, rawURL, c.cfg.MediaTimeout)
}

func (c *Client) send(ctx context.Context, req *crawler.Request, target string, timeout time.Duration) ([]byte, error) {
	const op = "client.send"
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, crawler.NewError(crawler.KindConfiguration, op, err)
	}
	httpReq.Header.Set("User-Agent", c.cfg.UserAgent)
	httpReq.Header.Set("Accept-Encoding", "gzip, br")
	if cookie := c.CookieHeader(); cookie != "" {
		httpReq.Header.Set("Cookie", cookie)
	}
	for k, v := range c.cfg.Headers {
		httpReq.Header.Set(k, v)
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}
	if len(req.Body) > 0 && httpReq.Header.Get("Content-Type") == "" {
		httpReq.Header.Set("Content-Type", "application/json;charset=UTF-8")
	}

	transport, err := c.Transport(ctx)
	if err != nil {
		return nil, err
	}
	resp, err := (&http.Client{Transport: transport}).Do(httpReq)
	if err != nil {
		if ctx.Err() != nil && errors.Is(ctx.Err(), context.Canceled) {
			return nil, crawler.NewError(crawler.KindCancelled, op, err)
		}
		return nil, crawler.NewError(crawler.KindNetwork, op, err)
	}
	defer resp.Body.Close() //nolint:errcheck

	data, err := readBody(resp)
	if err != nil {
		return nil, crawler.NewError(crawler.KindNetwork, op, err)
	}
	if err := StatusError(resp.StatusCode, target); err != nil {
		return nil, err
	}
	return data, nil
}

// Transport returns the round tripper bound to the current proxy, rotating
// the proxy when it is about to expire.
func (c *Client) Transport(ctx context.Context) (http.RoundTripper, error) {
	if c.cfg.Proxy == nil {
		return c.cfg.Transport, nil
	}
	ep, err := c.cfg.Proxy.GetOrRefresh(ctx, proxy.SafetyBuffer)
	if err != nil {
		return nil, err
	}
	key := ep.URL().String()
	c.transportMu.Lock()
	defer c.transportMu.Unlock()
	if rt, ok := c.transports[key]; ok {
		return rt, nil
	}
	for old, rt := range c.transports {
		if t, ok := rt.(*http.Transport); ok {
			t.CloseIdleConnections()
		}
		delete(c.transports, old)
	}
	rt := &http.Transport{
		Proxy:               http.ProxyURL(ep.URL()),
		MaxIdleConnsPerHost: 4,
		IdleConnTimeout:     30 * time.Second,
	}
	c.transports[key] = rt
	c.logger.Debug("bound proxy", zap.String("proxy", ep.String()))
	return rt, nil
}

func (c *Client) decode(body []byte, out any, raw bool) error {
	const op = "client.decode"
	env := c.cfg.Envelope
	if env == nil || raw {
		if out == nil {
			return nil
		}
		if err := json.Unmarshal(body, out); err != nil {
			return crawler.NewError(crawler.KindMalformedResponse, op, err)
		}
		return nil
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return crawler.NewError(crawler.KindMalformedResponse, op, err)
	}
	code, err := envelopeCode(fields[env.CodeField])
	if err != nil {
		return crawler.NewError(crawler.KindMalformedResponse, op, err)
	}
	if code != env.OKCode {
		var msg string
		_ = json.Unmarshal(fields[env.MessageField], &msg)
		if env.Classify != nil {
			if err := env.Classify(code, msg); err != nil {
				return err
			}
		}
		return crawler.DataFetchError(op, crawler.SubkindTerminal, fmt.Sprintf("code %d: %s", code, msg))
	}
	if out == nil {
		return nil
	}
	payload := json.RawMessage(body)
	if env.DataField != "" {
		payload = fields[env.DataField]
		if len(payload) == 0 {
			payload = json.RawMessage("null")
		}
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return crawler.NewError(crawler.KindMalformedResponse, op, err)
	}
	return nil
}

func envelopeCode(raw json.RawMessage) (int, error) {
	if len(raw) == 0 {
		return 0, errors.New("envelope has no code field")
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		i, err := strconv.Atoi(n.String())
		if err != nil {
			return 0, fmt.Errorf("envelope code %q: %w", n, err)
		}
		return i, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return 0, fmt.Errorf("envelope code: %w", err)
	}
	i, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("envelope code %q: %w", s, err)
	}
	return i, nil
}

// StatusError translates a non-2xx HTTP status into the crawler error taxonomy.
func StatusError(status int, target string) error {
	const op = "client.status"
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusTooManyRequests:
		return crawler.Errorf(crawler.KindRateLimited, op, "%s: status %d", target, status)
	case status == http.StatusUnauthorized:
		return crawler.Errorf(crawler.KindAuthRequired, op, "%s: status %d", target, status)
	case status == http.StatusForbidden:
		return crawler.Errorf(crawler.KindForbidden, op, "%s: status %d", target, status)
	case status == http.StatusNotFound:
		return crawler.Errorf(crawler.KindNotFound, op, "%s: status %d", target, status)
	case status >= 500:
		return crawler.Errorf(crawler.KindNetwork, op, "%s: status %d", target, status)
	default:
		return &crawler.Error{Kind: crawler.KindDataFetch, Subkind: crawler.SubkindTerminal, Op: op,
			Err: fmt.Errorf("%s: status %d", target, status)}
	}
}

func readBody(resp *http.Response) ([]byte, error) {
	var r io.Reader = resp.Body
	switch strings.ToLower(resp.Header.Get("Content-Encoding")) {
	case "gzip":
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("gzip reader: %w", err)
		}
		defer gz.Close() //nolint:errcheck
		r = gz
	case "br":
		r = brotli.NewReader(resp.Body)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	return data, nil
}

// BuildURL joins base, URI, and the ordered parameters.
func BuildURL(req *crawler.Request) string {
	target := req.BaseURL + req.URI
	if len(req.Params) == 0 {
		return target
	}
	sep := "?"
	if strings.Contains(target, "?") {
		sep = "&"
	}
	return target + sep + EncodeParams(req.Params)
}

// EncodeParams URL-encodes params in their given order.
func EncodeParams(params []crawler.Param) string {
	parts := make([]string, 0, len(params))
	for _, p := range params {
		parts = append(parts, url.QueryEscape(p.Key)+"="+url.QueryEscape(p.Value))
	}
	return strings.Join(parts, "&")
}

func cloneRequest(r *crawler.Request) *crawler.Request {
	cp := *r
	cp.Params = append([]crawler.Param(nil), r.Params...)
	if r.Headers != nil {
		cp.Headers = make(map[string]string, len(r.Headers))
		for k, v := range r.Headers {
			cp.Headers[k] = v
		}
	}
	return &cp
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return crawler.NewError(crawler.KindCancelled, "client.retry", ctx.Err())
	case <-t.C:
		return nil
	}
}
