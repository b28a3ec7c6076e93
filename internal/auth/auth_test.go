package auth

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/social-crawler/internal/cache/memory"
	"github.com/JakeFAU/social-crawler/internal/crawler"
)

type fakePage struct {
	mu        sync.Mutex
	cookies   []crawler.Cookie
	storage   map[string]string
	navigated []string
	clicks    []string
	keys      map[string]string
	injected  string
	png       []byte
	// onClick runs after a click on the given selector.
	onClick map[string]func(p *fakePage)
}

func newFakePage() *fakePage {
	return &fakePage{keys: map[string]string{}, storage: map[string]string{}, onClick: map[string]func(*fakePage){}}
}

func (p *fakePage) Cookies(context.Context) ([]crawler.Cookie, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]crawler.Cookie(nil), p.cookies...), nil
}

func (p *fakePage) LocalStorage(context.Context) (map[string]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := map[string]string{}
	for k, v := range p.storage {
		out[k] = v
	}
	return out, nil
}

func (p *fakePage) Navigate(_ context.Context, url string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.navigated = append(p.navigated, url)
	return nil
}

func (p *fakePage) AddCookies(_ context.Context, cookies []crawler.Cookie, domain string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.injected = domain
	p.cookies = append(p.cookies, cookies...)
	return nil
}

func (p *fakePage) ElementPNG(context.Context, string) ([]byte, error) {
	return p.png, nil
}

func (p *fakePage) Click(_ context.Context, selector string) error {
	p.mu.Lock()
	p.clicks = append(p.clicks, selector)
	hook := p.onClick[selector]
	p.mu.Unlock()
	if hook != nil {
		hook(p)
	}
	return nil
}

func (p *fakePage) SendKeys(_ context.Context, selector, text string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.keys[selector] = text
	return nil
}

func (p *fakePage) setCookie(name, value string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := range p.cookies {
		if p.cookies[i].Name == name {
			p.cookies[i].Value = value
			return
		}
	}
	p.cookies = append(p.cookies, crawler.Cookie{Name: name, Value: value})
}

type fakeDriver struct {
	mu      sync.Mutex
	bound   int
	cookies []crawler.Cookie
	pong    *bool
}

func (d *fakeDriver) Platform() crawler.Platform { return crawler.PlatformBili }

func (d *fakeDriver) Auth() crawler.AuthSpec {
	return crawler.AuthSpec{
		HomeURL:          "https://www.example.com",
		CookieDomain:     ".example.com",
		QRSelector:       "img.qr",
		PhoneSelector:    "#phone",
		SendCodeSelector: "#send",
		CodeSelector:     "#code",
		SubmitSelector:   "#submit",
		SessionCookie:    "SESSDATA",
	}
}

func (d *fakeDriver) Bind(ctx context.Context, state crawler.BrowserState) error {
	cookies, err := state.Cookies(ctx)
	if err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.bound++
	d.cookies = cookies
	return nil
}

func (d *fakeDriver) Bound() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.bound
}

type pongDriver struct {
	*fakeDriver
	ok bool
}

func (d pongDriver) Pong(context.Context) (bool, error) { return d.ok, nil }

func qrPNG(t *testing.T) []byte {
	t.Helper()
	img := image.NewGray(image.Rect(0, 0, 8, 8))
	for y := 0; y < 8; y++ {
		for x := 0; x < 8; x++ {
			if x < 4 {
				img.SetGray(x, y, color.Gray{Y: 0})
			} else {
				img.SetGray(x, y, color.Gray{Y: 255})
			}
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestNewValidatesDeps(t *testing.T) {
	t.Parallel()

	_, err := New(crawler.LoginQRCode, Deps{})
	require.ErrorIs(t, err, crawler.ErrConfiguration)

	_, err = New(crawler.LoginPhone, Deps{Page: newFakePage(), Driver: &fakeDriver{}})
	require.ErrorIs(t, err, crawler.ErrConfiguration)

	_, err = New("telepathy", Deps{Page: newFakePage(), Driver: &fakeDriver{}})
	require.ErrorIs(t, err, crawler.ErrConfiguration)
}

func TestQRFlowWaitsForSessionCookie(t *testing.T) {
	t.Parallel()

	page := newFakePage()
	page.png = qrPNG(t)
	page.cookies = []crawler.Cookie{{Name: "SESSDATA", Value: ""}}
	driver := &fakeDriver{}
	var out bytes.Buffer
	dir := t.TempDir()

	flow, err := New(crawler.LoginQRCode, Deps{
		Page: page, Driver: driver, Out: &out, DataDir: dir,
		PollInterval: 10 * time.Millisecond, Timeout: 2 * time.Second,
	})
	require.NoError(t, err)

	go func() {
		time.Sleep(50 * time.Millisecond)
		page.setCookie("SESSDATA", "logged-in")
	}()
	require.NoError(t, flow.Login(context.Background()))
	require.Equal(t, 1, driver.Bound())
	require.Contains(t, out.String(), "█")
	_, err = os.Stat(filepath.Join(dir, "login_qrcode_bili.png"))
	require.NoError(t, err)
}

func TestQRFlowTimesOut(t *testing.T) {
	t.Parallel()

	page := newFakePage()
	page.png = qrPNG(t)
	driver := &fakeDriver{}
	flow, err := New(crawler.LoginQRCode, Deps{
		Page: page, Driver: driver, PollInterval: 10 * time.Millisecond, Timeout: 60 * time.Millisecond,
	})
	require.NoError(t, err)

	err = flow.Login(context.Background())
	require.ErrorIs(t, err, crawler.ErrAuthTimeout)
	require.Zero(t, driver.Bound())
}

func TestSMSFlowReadsCodeFromCache(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	c, err := memory.New(memory.Config{})
	require.NoError(t, err)
	defer func() { _ = c.Close() }()

	page := newFakePage()
	page.onClick["#send"] = func(*fakePage) {
		go func() {
			time.Sleep(30 * time.Millisecond)
			_ = c.Set(ctx, CodeKey("bili", "13800000000"), []byte("123456"), 180*time.Second)
		}()
	}
	page.onClick["#submit"] = func(p *fakePage) { p.setCookie("SESSDATA", "ok") }
	driver := &fakeDriver{}

	flow, err := New(crawler.LoginPhone, Deps{
		Page: page, Driver: driver, Cache: c, Phone: "13800000000",
		PollInterval: 10 * time.Millisecond, Timeout: 2 * time.Second,
	})
	require.NoError(t, err)
	require.NoError(t, flow.Login(ctx))

	page.mu.Lock()
	defer page.mu.Unlock()
	require.Equal(t, "13800000000", page.keys["#phone"])
	require.Equal(t, "123456", page.keys["#code"])
	require.Equal(t, []string{"#send", "#submit"}, page.clicks)
	require.Equal(t, 1, driver.Bound())
}

func TestSMSFlowTimesOutWithoutCode(t *testing.T) {
	t.Parallel()

	c, err := memory.New(memory.Config{})
	require.NoError(t, err)
	defer func() { _ = c.Close() }()

	flow, err := New(crawler.LoginPhone, Deps{
		Page: newFakePage(), Driver: &fakeDriver{}, Cache: c, Phone: "1",
		PollInterval: 10 * time.Millisecond, Timeout: 50 * time.Millisecond,
	})
	require.NoError(t, err)
	require.ErrorIs(t, flow.Login(context.Background()), crawler.ErrAuthTimeout)
}

func TestCookieFlowInjectsAndBinds(t *testing.T) {
	t.Parallel()

	page := newFakePage()
	driver := &fakeDriver{}
	flow, err := New(crawler.LoginCookie, Deps{Page: page, Driver: driver, Cookies: "SESSDATA=abc; bili_jct=def; buvid3=x"})
	require.NoError(t, err)
	require.NoError(t, flow.Login(context.Background()))

	require.Equal(t, ".example.com", page.injected)
	require.Equal(t, []string{"https://www.example.com"}, page.navigated)
	// Parse, inject, and re-export keep the same name/value set.
	require.Equal(t, map[string]string{"SESSDATA": "abc", "bili_jct": "def", "buvid3": "x"},
		crawler.CookieMap(driver.cookies))
}

func TestCookieFlowEmptyStringUsesPersistedProfile(t *testing.T) {
	t.Parallel()

	page := newFakePage()
	page.cookies = []crawler.Cookie{{Name: "SESSDATA", Value: "kept"}}
	driver := &fakeDriver{}
	flow, err := New(crawler.LoginCookie, Deps{Page: page, Driver: driver})
	require.NoError(t, err)
	require.NoError(t, flow.Login(context.Background()))
	require.Equal(t, 1, driver.Bound())

	flow, err = New(crawler.LoginCookie, Deps{Page: newFakePage(), Driver: &fakeDriver{}})
	require.NoError(t, err)
	require.ErrorIs(t, flow.Login(context.Background()), crawler.ErrAuthRequired)
}

func TestCookieFlowPongRejectsDeadSession(t *testing.T) {
	t.Parallel()

	flow, err := New(crawler.LoginCookie, Deps{
		Page: newFakePage(), Driver: pongDriver{fakeDriver: &fakeDriver{}, ok: false}, Cookies: "SESSDATA=stale",
	})
	require.NoError(t, err)
	require.ErrorIs(t, flow.Login(context.Background()), crawler.ErrAuthRequired)
}

func TestRenderQRHalfBlocks(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	require.NoError(t, RenderQR(&out, qrPNG(t)))
	lines := strings.Split(strings.TrimRight(out.String(), "\n"), "\n")
	require.Len(t, lines, 4)
	require.Equal(t, "████    ", lines[0])

	require.Error(t, RenderQR(&out, []byte("not a png")))
}
