package api

import (
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	pingText = "ping"
	pongText = "pong"
)

// readText forwards client text frames until the connection fails.
func readText(conn net.Conn, out chan<- string, done <-chan struct{}) {
	defer close(out)
	for {
		data, op, err := wsutil.ReadClientData(conn)
		if err != nil {
			return
		}
		if op != ws.OpText {
			continue
		}
		select {
		case out <- string(data):
		case <-done:
			return
		}
	}
}

func writeFrameJSON(conn net.Conn, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return wsutil.WriteServerText(conn, b)
}

// wsLogs replays the buffered log lines, then pushes new ones. After
// PingInterval of silence the server sends "ping"; a client "ping" is
// answered with "pong".
func (s *Server) wsLogs(w http.ResponseWriter, r *http.Request) {
	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer func() { _ = conn.Close() }()

	id := uuid.NewString()
	entries, unsubscribe := s.hub.Subscribe(id)
	defer unsubscribe()
	s.logger.Debug("log stream connected", zap.String("subscriber", id))

	epoch := s.hub.Epoch()
	var last int64
	for _, e := range s.hub.Recent(0) {
		if err := writeFrameJSON(conn, e); err != nil {
			return
		}
		epoch, last = e.Epoch, e.ID
	}

	done := make(chan struct{})
	defer close(done)
	incoming := make(chan string, 8)
	go readText(conn, incoming, done)

	// idle measures client silence; outgoing log frames do not reset it.
	idle := time.NewTimer(s.cfg.PingInterval)
	defer idle.Stop()
	resetIdle := func() {
		if !idle.Stop() {
			select {
			case <-idle.C:
			default:
			}
		}
		idle.Reset(s.cfg.PingInterval)
	}
	for {
		select {
		case e, ok := <-entries:
			if !ok {
				return
			}
			if e.Epoch == epoch && e.ID <= last {
				continue
			}
			if err := writeFrameJSON(conn, e); err != nil {
				return
			}
		case msg, ok := <-incoming:
			if !ok {
				return
			}
			if msg == pingText {
				if err := wsutil.WriteServerText(conn, []byte(pongText)); err != nil {
					return
				}
			}
			resetIdle()
		case <-idle.C:
			if err := wsutil.WriteServerText(conn, []byte(pingText)); err != nil {
				return
			}
			idle.Reset(s.cfg.PingInterval)
		case <-r.Context().Done():
			return
		}
	}
}

// wsStatus pushes the manager status every StatusInterval.
func (s *Server) wsStatus(w http.ResponseWriter, r *http.Request) {
	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer func() { _ = conn.Close() }()

	done := make(chan struct{})
	defer close(done)
	incoming := make(chan string, 8)
	go readText(conn, incoming, done)

	ticker := time.NewTicker(s.cfg.StatusInterval)
	defer ticker.Stop()
	for {
		if err := writeFrameJSON(conn, s.manager.Status()); err != nil {
			return
		}
		select {
		case <-ticker.C:
		case _, ok := <-incoming:
			if !ok {
				return
			}
		case <-r.Context().Done():
			return
		}
	}
}
