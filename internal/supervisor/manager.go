// Package supervisor runs the crawler binary as a child process, one job at
// a time, and streams its merged stdout/stderr into a log hub.
package supervisor

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/social-crawler/internal/crawler"
	"github.com/JakeFAU/social-crawler/internal/loghub"
)

// DefaultStopGrace is how long Stop waits after SIGTERM before SIGKILL.
const DefaultStopGrace = 15 * time.Second

// Process states reported by Status.
const (
	StatusIdle     = "idle"
	StatusRunning  = "running"
	StatusStopping = "stopping"
	StatusError    = "error"
)

var (
	// ErrAlreadyRunning is returned by Start while a child is alive.
	ErrAlreadyRunning = errors.New("crawler is already running")
	// ErrNotRunning is returned by Stop when there is nothing to stop.
	ErrNotRunning = errors.New("no crawler is running")
	// ErrStartFailed wraps spawn failures.
	ErrStartFailed = errors.New("failed to start crawler")
)

// Config describes how to spawn the crawler.
type Config struct {
	Binary string
	// BaseArgs are placed before the per-job flags (e.g. --config path).
	BaseArgs  []string
	Env       []string
	Dir       string
	StopGrace time.Duration
	// Archive, when set, receives every child output line verbatim.
	Archive io.Writer
	// SharedCodes reports that the SMS code cache is reachable from the
	// child (redis). Phone login is refused without it.
	SharedCodes bool
	Logger      *zap.Logger
}

// Status is the JSON body of GET /crawler/status.
type Status struct {
	Status       string  `json:"status"`
	Platform     *string `json:"platform"`
	CrawlerType  *string `json:"crawler_type"`
	StartedAt    *string `json:"started_at"`
	ErrorMessage *string `json:"error_message"`
}

// Manager owns at most one child process.
type Manager struct {
	cfg    Config
	hub    *loghub.Hub
	logger *zap.Logger

	mu        sync.Mutex
	cmd       *exec.Cmd
	done      chan struct{}
	status    string
	startedAt time.Time
	current   *StartRequest
	errMsg    string
}

// New constructs a Manager writing into hub.
func New(cfg Config, hub *loghub.Hub) (*Manager, error) {
	if cfg.Binary == "" {
		return nil, fmt.Errorf("crawler binary is required")
	}
	if hub == nil {
		return nil, fmt.Errorf("log hub is required")
	}
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = DefaultStopGrace
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{cfg: cfg, hub: hub, logger: logger, status: StatusIdle}, nil
}

// Start spawns the crawler for req. req must already be normalized.
func (m *Manager) Start(req StartRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cmd != nil {
		return ErrAlreadyRunning
	}
	if req.LoginType == string(crawler.LoginPhone) && !m.cfg.SharedCodes {
		return crawler.Errorf(crawler.KindConfiguration, "supervisor.Start",
			"phone login requires cache.type=redis so the crawler can read forwarded SMS codes")
	}

	m.hub.Reset()
	args := append(append([]string(nil), m.cfg.BaseArgs...), req.Args()...)
	m.hub.AppendLevel("Starting crawler: "+m.cfg.Binary+" "+strings.Join(args, " "), loghub.LevelInfo)

	cmd := exec.Command(m.cfg.Binary, args...)
	cmd.Dir = m.cfg.Dir
	cmd.Env = append(os.Environ(), m.cfg.Env...)
	pr, pw := io.Pipe()
	cmd.Stdout = pw
	cmd.Stderr = pw

	if err := cmd.Start(); err != nil {
		_ = pw.Close()
		m.status = StatusError
		m.errMsg = err.Error()
		m.hub.AppendLevel("Failed to start crawler: "+err.Error(), loghub.LevelError)
		m.logger.Error("failed to start crawler", zap.Error(err))
		return fmt.Errorf("%w: %v", ErrStartFailed, err)
	}

	m.cmd = cmd
	m.done = make(chan struct{})
	m.status = StatusRunning
	m.startedAt = time.Now()
	m.errMsg = ""
	current := req
	m.current = &current
	m.hub.AppendLevel(fmt.Sprintf("Crawler started on platform: %s, type: %s", req.Platform, req.CrawlerType), loghub.LevelSuccess)
	m.logger.Info("crawler started", zap.Int("pid", cmd.Process.Pid), zap.String("platform", req.Platform))

	readerDone := make(chan struct{})
	go m.read(pr, readerDone)
	go m.wait(cmd, pw, readerDone, m.done)
	return nil
}

func (m *Manager) read(r io.Reader, done chan<- struct{}) {
	defer close(done)
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		m.hub.Append(line)
		if m.cfg.Archive != nil {
			_, _ = io.WriteString(m.cfg.Archive, line+"\n")
		}
	}
	if err := scanner.Err(); err != nil {
		m.hub.AppendLevel("Error reading output: "+err.Error(), loghub.LevelError)
		_, _ = io.Copy(io.Discard, r)
	}
}

func (m *Manager) wait(cmd *exec.Cmd, pw *io.PipeWriter, readerDone <-chan struct{}, done chan struct{}) {
	err := cmd.Wait()
	_ = pw.Close()
	<-readerDone

	m.mu.Lock()
	defer m.mu.Unlock()
	code := cmd.ProcessState.ExitCode()
	switch m.status {
	case StatusRunning:
		if code == 0 {
			m.hub.AppendLevel("Crawler completed successfully", loghub.LevelSuccess)
			m.status = StatusIdle
		} else {
			m.hub.AppendLevel(fmt.Sprintf("Crawler exited with code: %d", code), loghub.LevelWarning)
			m.status = StatusError
			m.errMsg = fmt.Sprintf("crawler exited with code %d", code)
		}
	case StatusStopping:
		m.status = StatusIdle
		m.current = nil
	}
	m.logger.Info("crawler exited", zap.Int("code", code), zap.Error(err))
	m.cmd = nil
	close(done)
}

// Stop sends SIGTERM, escalates to SIGKILL after the grace period and blocks
// until the child has exited. A Stop issued while another is in flight gets
// ErrNotRunning.
func (m *Manager) Stop() error {
	m.mu.Lock()
	if m.cmd == nil || m.status == StatusStopping {
		m.mu.Unlock()
		return ErrNotRunning
	}
	m.status = StatusStopping
	proc := m.cmd.Process
	done := m.done
	m.mu.Unlock()

	m.hub.AppendLevel("Sending SIGTERM to crawler process...", loghub.LevelWarning)
	if err := proc.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
		m.hub.AppendLevel("Error stopping crawler: "+err.Error(), loghub.LevelError)
	}

	timer := time.NewTimer(m.cfg.StopGrace)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		m.hub.AppendLevel("Process not responding, sending SIGKILL...", loghub.LevelWarning)
		if err := proc.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			m.hub.AppendLevel("Error stopping crawler: "+err.Error(), loghub.LevelError)
		}
		<-done
	}
	m.hub.AppendLevel("Crawler process terminated", loghub.LevelInfo)
	return nil
}

// Running reports whether a child is alive.
func (m *Manager) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cmd != nil
}

// Status snapshots the manager for the API.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := Status{Status: m.status}
	if m.current != nil {
		platform, mode := m.current.Platform, m.current.CrawlerType
		st.Platform = &platform
		st.CrawlerType = &mode
	}
	if !m.startedAt.IsZero() {
		started := m.startedAt.Format(time.RFC3339)
		st.StartedAt = &started
	}
	if m.errMsg != "" {
		msg := m.errMsg
		st.ErrorMessage = &msg
	}
	return st
}
