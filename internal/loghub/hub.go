// Package loghub buffers the supervised crawler's output lines and fans them
// out to live subscribers.
package loghub

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Level is the coarse severity derived from a line's text.
type Level string

// Levels recognised by Classify.
const (
	LevelInfo    Level = "info"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
	LevelSuccess Level = "success"
	LevelDebug   Level = "debug"
)

// Entry is one buffered line.
type Entry struct {
	ID        int64  `json:"id"`
	Timestamp string `json:"timestamp"`
	Level     Level  `json:"level"`
	Message   string `json:"message"`
	// Epoch changes on every Reset so readers can tell restarted sequences apart.
	Epoch int64 `json:"-"`
}

// Config controls buffering.
//   - Capacity: ring size (default 500). The oldest entries are dropped first.
//   - QueueSize: entries waiting for the broadcaster (default 1024).
//   - SubscriberBuffer: per-subscriber channel size (default 256).
type Config struct {
	Capacity         int
	QueueSize        int
	SubscriberBuffer int
	Logger           *zap.Logger
	Now              func() time.Time
}

const (
	defaultCapacity         = 500
	defaultQueueSize        = 1024
	defaultSubscriberBuffer = 256
	dropLogInterval         = 5 * time.Second
)

// Classify maps a raw line to a Level by substring, checked in order:
// ERROR/FAILED, WARNING/WARN, SUCCESS, DEBUG, else info.
func Classify(line string) Level {
	upper := strings.ToUpper(line)
	switch {
	case strings.Contains(upper, "ERROR"), strings.Contains(upper, "FAILED"):
		return LevelError
	case strings.Contains(upper, "WARN"):
		return LevelWarning
	case strings.Contains(upper, "SUCCESS"):
		return LevelSuccess
	case strings.Contains(upper, "DEBUG"):
		return LevelDebug
	default:
		return LevelInfo
	}
}

// Hub is safe for concurrent use. Append never blocks.
type Hub struct {
	cfg    Config
	logger *zap.Logger

	mu    sync.Mutex
	seq   int64
	epoch int64
	ring  []Entry
	start int
	size  int

	subMu sync.RWMutex
	subs  map[string]chan Entry

	queue       chan Entry
	stopCh      chan struct{}
	doneCh      chan struct{}
	closeOnce   sync.Once
	closed      atomic.Bool
	dropped     atomic.Int64
	dropLimiter rateLimiter
}

// New starts the broadcaster goroutine.
func New(cfg Config) *Hub {
	if cfg.Capacity <= 0 {
		cfg.Capacity = defaultCapacity
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if cfg.SubscriberBuffer <= 0 {
		cfg.SubscriberBuffer = defaultSubscriberBuffer
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Hub{
		cfg:         cfg,
		logger:      logger,
		ring:        make([]Entry, cfg.Capacity),
		subs:        make(map[string]chan Entry),
		queue:       make(chan Entry, cfg.QueueSize),
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
		dropLimiter: rateLimiter{interval: dropLogInterval},
	}
	go h.run()
	return h
}

// Append classifies line, buffers it and queues it for subscribers.
func (h *Hub) Append(line string) Entry {
	return h.AppendLevel(line, Classify(line))
}

// AppendLevel buffers a line with an explicit level.
func (h *Hub) AppendLevel(line string, level Level) Entry {
	h.mu.Lock()
	h.seq++
	e := Entry{
		ID:        h.seq,
		Timestamp: h.cfg.Now().Format("15:04:05"),
		Level:     level,
		Message:   line,
		Epoch:     h.epoch,
	}
	idx := (h.start + h.size) % len(h.ring)
	h.ring[idx] = e
	if h.size < len(h.ring) {
		h.size++
	} else {
		h.start = (h.start + 1) % len(h.ring)
	}
	h.mu.Unlock()

	if h.closed.Load() {
		return e
	}
	select {
	case h.queue <- e:
	default:
		h.dropped.Add(1)
		if h.dropLimiter.Allow(time.Now()) {
			h.logger.Warn("log entries dropped due to backpressure", zap.Int64("dropped", h.dropped.Swap(0)))
		}
	}
	return e
}

// Recent returns up to limit of the newest entries, oldest first. limit <= 0
// returns everything buffered.
func (h *Hub) Recent(limit int) []Entry {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := h.size
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]Entry, n)
	first := h.size - n
	for i := 0; i < n; i++ {
		out[i] = h.ring[(h.start+first+i)%len(h.ring)]
	}
	return out
}

// Epoch returns the current sequence generation.
func (h *Hub) Epoch() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.epoch
}

// Reset clears the buffer and restarts the sequence, used when a new
// crawler process starts.
func (h *Hub) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.seq = 0
	h.epoch++
	h.start = 0
	h.size = 0
	for {
		select {
		case <-h.queue:
		default:
			return
		}
	}
}

// Subscribe registers id and returns its channel plus an unsubscribe func.
// A subscriber that falls behind misses entries rather than stalling others.
func (h *Hub) Subscribe(id string) (<-chan Entry, func()) {
	ch := make(chan Entry, h.cfg.SubscriberBuffer)
	h.subMu.Lock()
	if h.closed.Load() {
		h.subMu.Unlock()
		close(ch)
		return ch, func() {}
	}
	if old, ok := h.subs[id]; ok {
		close(old)
	}
	h.subs[id] = ch
	h.subMu.Unlock()
	return ch, func() { h.unsubscribe(id, ch) }
}

func (h *Hub) unsubscribe(id string, ch chan Entry) {
	h.subMu.Lock()
	defer h.subMu.Unlock()
	if cur, ok := h.subs[id]; ok && cur == ch {
		delete(h.subs, id)
		close(ch)
	}
}

// Subscribers reports the number of registered subscribers.
func (h *Hub) Subscribers() int {
	h.subMu.RLock()
	defer h.subMu.RUnlock()
	return len(h.subs)
}

func (h *Hub) run() {
	defer close(h.doneCh)
	for {
		select {
		case e := <-h.queue:
			h.broadcast(e)
		case <-h.stopCh:
			for {
				select {
				case e := <-h.queue:
					h.broadcast(e)
				default:
					h.closeSubscribers()
					return
				}
			}
		}
	}
}

func (h *Hub) broadcast(e Entry) {
	h.subMu.RLock()
	defer h.subMu.RUnlock()
	for _, ch := range h.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

func (h *Hub) closeSubscribers() {
	h.subMu.Lock()
	defer h.subMu.Unlock()
	for id, ch := range h.subs {
		close(ch)
		delete(h.subs, id)
	}
}

// Close drains queued entries to subscribers, closes their channels and
// waits for the broadcaster to exit.
func (h *Hub) Close(ctx context.Context) error {
	h.closeOnce.Do(func() {
		h.closed.Store(true)
		close(h.stopCh)
	})
	select {
	case <-h.doneCh:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("log hub close wait: %w", ctx.Err())
	}
}

// Writer adapts the hub to io.Writer, one entry per line.
type Writer struct {
	hub *Hub
	mu  sync.Mutex
	buf []byte
}

// NewWriter returns an io.Writer feeding h.
func NewWriter(h *Hub) *Writer { return &Writer{hub: h} }

func (w *Writer) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf = append(w.buf, p...)
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			break
		}
		if line := strings.TrimSpace(string(w.buf[:i])); line != "" {
			w.hub.Append(line)
		}
		w.buf = w.buf[i+1:]
	}
	return len(p), nil
}

type rateLimiter struct {
	interval time.Duration
	last     atomic.Int64
}

func (r *rateLimiter) Allow(now time.Time) bool {
	if r == nil || r.interval <= 0 {
		return true
	}
	nano := now.UnixNano()
	last := r.last.Load()
	if nano-last < r.interval.Nanoseconds() {
		return false
	}
	return r.last.CompareAndSwap(last, nano)
}
