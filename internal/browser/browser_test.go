package browser

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/go-rod/stealth"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/social-crawler/internal/crawler"
)

func TestLauncherArgsHeadless(t *testing.T) {
	t.Parallel()

	l := NewLauncher(LauncherConfig{DataDir: "/data", Platform: crawler.PlatformBili, Headless: true})
	args := l.Args(9230)
	require.Contains(t, args, "--remote-debugging-port=9230")
	require.Contains(t, args, "--disable-blink-features=AutomationControlled")
	require.Contains(t, args, "--exclude-switches=enable-automation")
	require.Contains(t, args, "--headless=new")
	require.Contains(t, args, "--disable-gpu")
	require.NotContains(t, args, "--start-maximized")
	require.Contains(t, args, "--user-data-dir="+filepath.Join("/data", "browser_data", "cdp_bili"))
}

func TestLauncherArgsHeaded(t *testing.T) {
	t.Parallel()

	l := NewLauncher(LauncherConfig{Platform: crawler.PlatformTieba})
	args := l.Args(9222)
	require.Contains(t, args, "--start-maximized")
	require.NotContains(t, args, "--headless=new")
	for _, a := range args {
		require.NotContains(t, a, "--user-data-dir")
	}
}

func TestFindBinaryConfigured(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "chrome")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"), 0o755))
	got, err := FindBinary(path)
	require.NoError(t, err)
	require.Equal(t, path, got)

	_, err = FindBinary(filepath.Join(t.TempDir(), "missing"))
	require.Error(t, err)
}

func TestFreePortSkipsBusyPorts(t *testing.T) {
	t.Parallel()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer func() { _ = ln.Close() }()
	busy := ln.Addr().(*net.TCPAddr).Port

	port, err := FreePort(busy, busy+50)
	require.NoError(t, err)
	require.NotEqual(t, busy, port)
	require.Greater(t, port, busy)

	_, err = FreePort(busy, busy+1)
	require.Error(t, err)
}

func TestWaitReadyPollsUntilVersionAnswers(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/json/version", r.URL.Path)
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"Browser":"Chrome/120","webSocketDebuggerUrl":"ws://127.0.0.1:9222/devtools/browser/abc"}`))
	}))
	defer srv.Close()

	ws, err := WaitReady(context.Background(), srv.Client(), srv.URL, 5*time.Second)
	require.NoError(t, err)
	require.Equal(t, "ws://127.0.0.1:9222/devtools/browser/abc", ws)
	require.GreaterOrEqual(t, calls.Load(), int32(3))
}

func TestWaitReadyTimesOut(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := WaitReady(context.Background(), srv.Client(), srv.URL, 300*time.Millisecond)
	require.ErrorIs(t, err, crawler.ErrNetwork)
}

func TestResolveDebuggerURL(t *testing.T) {
	t.Parallel()

	ws, err := ResolveDebuggerURL(context.Background(), "ws://host:1/devtools/browser/x")
	require.NoError(t, err)
	require.Equal(t, "ws://host:1/devtools/browser/x", ws)

	_, err = ResolveDebuggerURL(context.Background(), "")
	require.ErrorIs(t, err, crawler.ErrConfiguration)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"webSocketDebuggerUrl":"ws://resolved"}`))
	}))
	defer srv.Close()
	ws, err = ResolveDebuggerURL(context.Background(), srv.URL+"/")
	require.NoError(t, err)
	require.Equal(t, "ws://resolved", ws)
}

func TestLoadStealthScript(t *testing.T) {
	t.Parallel()

	script, err := LoadStealthScript("")
	require.NoError(t, err)
	require.Equal(t, stealth.JS, script)

	path := filepath.Join(t.TempDir(), "init.js")
	require.NoError(t, os.WriteFile(path, []byte("window.x = 1;"), 0o600))
	script, err = LoadStealthScript(path)
	require.NoError(t, err)
	require.Equal(t, "window.x = 1;", script)

	_, err = LoadStealthScript(filepath.Join(t.TempDir(), "nope.js"))
	require.ErrorIs(t, err, crawler.ErrConfiguration)
}

func TestCookieConversionRoundTrip(t *testing.T) {
	t.Parallel()

	raw := []*network.Cookie{
		{Name: "SESSDATA", Value: "abc", Domain: ".bilibili.com", Path: "/", Expires: 1893456000, HTTPOnly: true, Secure: true},
		{Name: "buvid3", Value: "x", Domain: ".bilibili.com", Path: "/", Expires: -1},
		nil,
	}
	cookies := FromNetworkCookies(raw)
	require.Len(t, cookies, 2)
	require.Equal(t, time.Unix(1893456000, 0).UTC(), cookies[0].Expires)
	require.True(t, cookies[1].Expires.IsZero())

	params := ToSetCookie(crawler.Cookie{Name: "a", Value: "1"}, ".example.com")
	require.Equal(t, ".example.com", params.Domain)
	require.Equal(t, "/", params.Path)
	require.Nil(t, params.Expires)

	params = ToSetCookie(cookies[0], ".ignored.com")
	require.Equal(t, ".bilibili.com", params.Domain)
	require.NotNil(t, params.Expires)
	require.True(t, params.HTTPOnly)
}

func TestRegistryCloseAllKillsProcesses(t *testing.T) {
	// Not parallel: the registry is process-wide.
	p := &Process{Port: 1, keepData: true, done: make(chan struct{})}
	close(p.done)
	register(p)
	require.GreaterOrEqual(t, Running(), 1)
	CloseAll()
	require.Zero(t, Running())
}

func TestInstallSignalCleanupUninstalls(t *testing.T) {
	stop := InstallSignalCleanup(time.Second)
	stop()
	stop()
}

func TestSignalCleanupWaitsForGrace(t *testing.T) {
	t.Parallel()

	sigs := make(chan os.Signal, 1)
	var cleaned atomic.Bool
	stop := watchSignals(sigs, 150*time.Millisecond, func() { cleaned.Store(true) })
	defer stop()

	sigs <- syscall.SIGTERM
	time.Sleep(50 * time.Millisecond)
	require.False(t, cleaned.Load(), "browsers must outlive the grace window")
	require.Eventually(t, cleaned.Load, 2*time.Second, 10*time.Millisecond)
}

func TestSignalCleanupSkippedAfterOrderlyExit(t *testing.T) {
	t.Parallel()

	sigs := make(chan os.Signal, 1)
	var cleaned atomic.Bool
	stop := watchSignals(sigs, 100*time.Millisecond, func() { cleaned.Store(true) })

	sigs <- syscall.SIGTERM
	time.Sleep(20 * time.Millisecond)
	stop()
	time.Sleep(200 * time.Millisecond)
	require.False(t, cleaned.Load())
}

func TestProcessKillNilSafe(t *testing.T) {
	t.Parallel()

	var p *Process
	p.Kill()
	(&Process{}).Kill()
}
