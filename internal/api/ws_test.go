package api

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/social-crawler/internal/loghub"
	"github.com/JakeFAU/social-crawler/internal/supervisor"
)

type wsClient struct {
	conn net.Conn
	rw   io.ReadWriter
}

func dialWS(t *testing.T, srv *httptest.Server, path string) *wsClient {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + path
	conn, br, _, err := ws.Dial(context.Background(), url)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	require.NoError(t, conn.SetDeadline(time.Now().Add(5*time.Second)))

	var r io.Reader = conn
	if br != nil {
		r = br
	}
	return &wsClient{conn: conn, rw: struct {
		io.Reader
		io.Writer
	}{r, conn}}
}

func (c *wsClient) read(t *testing.T) string {
	t.Helper()
	data, err := wsutil.ReadServerText(c.rw)
	require.NoError(t, err)
	return string(data)
}

func (c *wsClient) readEntry(t *testing.T) loghub.Entry {
	t.Helper()
	var e loghub.Entry
	require.NoError(t, json.Unmarshal([]byte(c.read(t)), &e))
	return e
}

func (c *wsClient) send(t *testing.T, msg string) {
	t.Helper()
	require.NoError(t, wsutil.WriteClientText(c.conn, []byte(msg)))
}

func TestWSLogsReplayThenStream(t *testing.T) {
	t.Parallel()
	s, _, hub := newTestServer(t, Config{PingInterval: time.Hour})
	hub.Append("first")
	hub.Append("WARN second")

	srv := httptest.NewServer(s.Handler())
	defer srv.Close()
	client := dialWS(t, srv, "/api/ws/logs")

	first := client.readEntry(t)
	require.Equal(t, "first", first.Message)
	second := client.readEntry(t)
	require.Equal(t, loghub.LevelWarning, second.Level)
	require.Greater(t, second.ID, first.ID)

	require.Eventually(t, func() bool { return hub.Subscribers() == 1 }, 2*time.Second, 10*time.Millisecond)
	hub.Append("SUCCESS third")
	third := client.readEntry(t)
	require.Equal(t, "SUCCESS third", third.Message)
	require.Equal(t, loghub.LevelSuccess, third.Level)

	client.send(t, "ping")
	require.Equal(t, "pong", client.read(t))
}

func TestWSLogsIdlePing(t *testing.T) {
	t.Parallel()
	s, _, _ := newTestServer(t, Config{PingInterval: 50 * time.Millisecond})

	srv := httptest.NewServer(s.Handler())
	defer srv.Close()
	client := dialWS(t, srv, "/ws/logs")

	require.Equal(t, "ping", client.read(t))
	require.Equal(t, "ping", client.read(t))
}

func TestWSLogsPingsDuringBusyStream(t *testing.T) {
	t.Parallel()
	s, _, hub := newTestServer(t, Config{PingInterval: 200 * time.Millisecond})

	srv := httptest.NewServer(s.Handler())
	defer srv.Close()
	client := dialWS(t, srv, "/ws/logs")
	require.Eventually(t, func() bool { return hub.Subscribers() == 1 }, 2*time.Second, 10*time.Millisecond)

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		ticker := time.NewTicker(20 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				hub.Append("INFO page fetched")
			}
		}
	}()

	entries := 0
	for {
		msg := client.read(t)
		if msg == "ping" {
			break
		}
		entries++
	}
	require.Positive(t, entries)
}

func TestWSLogsUnsubscribesOnClose(t *testing.T) {
	t.Parallel()
	s, _, hub := newTestServer(t, Config{PingInterval: 20 * time.Millisecond})

	srv := httptest.NewServer(s.Handler())
	defer srv.Close()
	client := dialWS(t, srv, "/api/ws/logs")
	require.Eventually(t, func() bool { return hub.Subscribers() == 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, client.conn.Close())
	require.Eventually(t, func() bool { return hub.Subscribers() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestWSStatusPushes(t *testing.T) {
	t.Parallel()
	s, mgr, _ := newTestServer(t, Config{StatusInterval: 20 * time.Millisecond})

	srv := httptest.NewServer(s.Handler())
	defer srv.Close()
	client := dialWS(t, srv, "/api/ws/status")

	var st supervisor.Status
	require.NoError(t, json.Unmarshal([]byte(client.read(t)), &st))
	require.Equal(t, supervisor.StatusIdle, st.Status)

	require.NoError(t, mgr.Start(supervisor.StartRequest{Platform: "bili"}))
	require.Eventually(t, func() bool {
		var next supervisor.Status
		if json.Unmarshal([]byte(client.read(t)), &next) != nil {
			return false
		}
		return next.Status == supervisor.StatusRunning
	}, 2*time.Second, 5*time.Millisecond)
}
