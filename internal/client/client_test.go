package client

import (
	"bytes"
	"compress/gzip"
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/social-crawler/internal/crawler"
	"github.com/JakeFAU/social-crawler/internal/proxy"
)

var biliEnvelope = &EnvelopeSpec{
	CodeField:    "code",
	OKCode:       0,
	MessageField: "message",
	DataField:    "data",
	Classify: func(code int, msg string) error {
		if code == -412 {
			return crawler.Errorf(crawler.KindRateLimited, "test", "%s", msg)
		}
		return nil
	},
}

func fastRetry() RetryPolicy { return crawler.NewRetryPolicy(3, 0, 0) }

type fakeProxy struct {
	mu    sync.Mutex
	ep    proxy.Endpoint
	calls int
}

func (f *fakeProxy) GetOrRefresh(context.Context, time.Duration) (proxy.Endpoint, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.ep, nil
}

type fakeState struct{ cookies []crawler.Cookie }

func (s fakeState) Cookies(context.Context) ([]crawler.Cookie, error) { return s.cookies, nil }
func (s fakeState) LocalStorage(context.Context) (map[string]string, error) {
	return map[string]string{"wbi_img_urls": "https://i0/a.png-https://i0/b.png"}, nil
}

func TestDoSignsAndDecodesEnvelope(t *testing.T) {
	t.Parallel()

	var gotQuery, gotCookie atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery.Store(r.URL.RawQuery)
		gotCookie.Store(r.Header.Get("Cookie"))
		_, _ = w.Write([]byte(`{"code":0,"message":"0","data":{"title":"hello"}}`))
	}))
	defer srv.Close()

	c := New(Config{
		Envelope: biliEnvelope,
		Retry:    fastRetry(),
		Signer: SignerFunc(func(_ context.Context, req *crawler.Request) error {
			req.Set("w_rid", "sig")
			return nil
		}),
	})
	c.SetCookies([]crawler.Cookie{{Name: "SESSDATA", Value: "abc"}})

	req := &crawler.Request{BaseURL: srv.URL, URI: "/x/view", Params: []crawler.Param{{Key: "bvid", Value: "BV1"}}}
	var out struct {
		Title string `json:"title"`
	}
	require.NoError(t, c.Do(context.Background(), req, &out))
	require.Equal(t, "hello", out.Title)
	require.Equal(t, "bvid=BV1&w_rid=sig", gotQuery.Load())
	require.Equal(t, "SESSDATA=abc", gotCookie.Load())
	// The caller's request is left unsigned.
	_, signed := req.Get("w_rid")
	require.False(t, signed)
}

func TestDoStatusMapping(t *testing.T) {
	t.Parallel()

	cases := []struct {
		status int
		want   error
	}{
		{http.StatusTooManyRequests, crawler.ErrRateLimited},
		{http.StatusUnauthorized, crawler.ErrAuthRequired},
		{http.StatusForbidden, crawler.ErrForbidden},
		{http.StatusNotFound, crawler.ErrNotFound},
		{http.StatusBadGateway, crawler.ErrNetwork},
		{http.StatusTeapot, crawler.ErrDataFetch},
	}
	for _, tc := range cases {
		t.Run(strconv.Itoa(tc.status), func(t *testing.T) {
			t.Parallel()
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tc.status)
			}))
			defer srv.Close()
			c := New(Config{Retry: crawler.NewRetryPolicy(1, 0, 0)})
			err := c.Do(context.Background(), &crawler.Request{BaseURL: srv.URL}, nil)
			require.ErrorIs(t, err, tc.want)
		})
	}
}

func TestDoRetriesTransientFailures(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"code":0,"data":null}`))
	}))
	defer srv.Close()

	c := New(Config{Envelope: biliEnvelope, Retry: fastRetry()})
	require.NoError(t, c.Do(context.Background(), &crawler.Request{BaseURL: srv.URL}, nil))
	require.Equal(t, int32(3), calls.Load())
}

func TestDoDoesNotRetryTerminal(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		_, _ = w.Write([]byte(`{"code":-404,"message":"video gone"}`))
	}))
	defer srv.Close()

	c := New(Config{Envelope: biliEnvelope, Retry: fastRetry()})
	err := c.Do(context.Background(), &crawler.Request{BaseURL: srv.URL}, nil)
	require.ErrorIs(t, err, crawler.ErrDataFetch)
	require.Contains(t, err.Error(), "video gone")
	require.Equal(t, int32(1), calls.Load())
}

func TestDoClassifiesRateLimitCodes(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		_, _ = w.Write([]byte(`{"code":-412,"message":"request was banned"}`))
	}))
	defer srv.Close()

	c := New(Config{Envelope: biliEnvelope, Retry: fastRetry()})
	err := c.Do(context.Background(), &crawler.Request{BaseURL: srv.URL}, nil)
	require.ErrorIs(t, err, crawler.ErrRateLimited)
	require.Equal(t, int32(3), calls.Load())
}

func TestDoMalformedJSON(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`<html>captcha</html>`))
	}))
	defer srv.Close()

	c := New(Config{Envelope: biliEnvelope, Retry: fastRetry()})
	err := c.Do(context.Background(), &crawler.Request{BaseURL: srv.URL}, nil)
	require.ErrorIs(t, err, crawler.ErrMalformedResponse)
}

func TestDoDecodesCompressedBodies(t *testing.T) {
	t.Parallel()

	payload := []byte(`{"code":"0","data":{"n":7}}`)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var buf bytes.Buffer
		switch r.URL.Path {
		case "/gz":
			w.Header().Set("Content-Encoding", "gzip")
			zw := gzip.NewWriter(&buf)
			_, _ = zw.Write(payload)
			_ = zw.Close()
		case "/br":
			w.Header().Set("Content-Encoding", "br")
			bw := brotli.NewWriter(&buf)
			_, _ = bw.Write(payload)
			_ = bw.Close()
		}
		_, _ = w.Write(buf.Bytes())
	}))
	defer srv.Close()

	c := New(Config{Envelope: biliEnvelope, Retry: fastRetry()})
	for _, path := range []string{"/gz", "/br"} {
		var out struct {
			N int `json:"n"`
		}
		require.NoError(t, c.Do(context.Background(), &crawler.Request{BaseURL: srv.URL, URI: path}, &out), path)
		require.Equal(t, 7, out.N, path)
	}
}

func TestDoRoutesThroughProxy(t *testing.T) {
	t.Parallel()

	var requestURI atomic.Value
	proxySrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestURI.Store(r.RequestURI)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer proxySrv.Close()
	u, err := url.Parse(proxySrv.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)

	src := &fakeProxy{ep: proxy.Endpoint{IP: u.Hostname(), Port: port}}
	c := New(Config{Proxy: src, Retry: fastRetry()})
	var out map[string]bool
	require.NoError(t, c.Do(context.Background(), &crawler.Request{BaseURL: "http://api.example.test", URI: "/x"}, &out))
	require.True(t, out["ok"])
	require.True(t, strings.HasPrefix(requestURI.Load().(string), "http://api.example.test/x"))
	require.Equal(t, 1, src.calls)
}

func TestMediaAcceptsPartialContent(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/redirect" {
			http.Redirect(w, r, "/video", http.StatusFound)
			return
		}
		w.WriteHeader(http.StatusPartialContent)
		_, _ = w.Write([]byte("chunk"))
	}))
	defer srv.Close()

	c := New(Config{})
	data, err := c.Media(context.Background(), srv.URL+"/redirect")
	require.NoError(t, err)
	require.Equal(t, "chunk", string(data))
}

func TestUpdateCookiesAndSigningContext(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	state := fakeState{cookies: []crawler.Cookie{{Name: "a", Value: "1"}, {Name: "b", Value: "2"}}}
	c := New(Config{})
	require.NoError(t, c.UpdateCookies(ctx, state))
	require.Equal(t, "a=1; b=2", c.CookieHeader())

	sc := NewSigningContext(func(ctx context.Context, s crawler.BrowserState) (map[string]string, error) {
		ls, err := s.LocalStorage(ctx)
		if err != nil {
			return nil, err
		}
		return map[string]string{"img_urls": ls["wbi_img_urls"]}, nil
	})
	_, ok := sc.Get("img_urls")
	require.False(t, ok)
	require.NoError(t, sc.RefreshFromBrowser(ctx, state))
	v, ok := sc.Get("img_urls")
	require.True(t, ok)
	require.Equal(t, "https://i0/a.png-https://i0/b.png", v)
}

func TestBuildURL(t *testing.T) {
	t.Parallel()

	req := &crawler.Request{BaseURL: "https://h", URI: "/p?fixed=1", Params: []crawler.Param{{Key: "q", Value: "a b"}, {Key: "z", Value: "*"}}}
	require.Equal(t, "https://h/p?fixed=1&q=a+b&z=%2A", BuildURL(req))
	require.Equal(t, "https://h", BuildURL(&crawler.Request{BaseURL: "https://h"}))
}
