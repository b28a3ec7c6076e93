// Package browser owns the Chrome DevTools session used for login and for
// harvesting signing material from the page.
package browser

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/social-crawler/internal/crawler"
)

// Debugging port range scanned for a free port.
const (
	PortRangeStart = 9222
	PortRangeEnd   = 9322
)

const defaultReadyTimeout = 30 * time.Second

var knownBinaries = map[string][]string{
	"linux": {
		"/usr/bin/google-chrome",
		"/usr/bin/google-chrome-stable",
		"/usr/bin/chromium",
		"/usr/bin/chromium-browser",
		"/snap/bin/chromium",
		"/usr/bin/microsoft-edge",
	},
	"darwin": {
		"/Applications/Google Chrome.app/Contents/MacOS/Google Chrome",
		"/Applications/Chromium.app/Contents/MacOS/Chromium",
		"/Applications/Microsoft Edge.app/Contents/MacOS/Microsoft Edge",
	},
	"windows": {
		`C:\Program Files\Google\Chrome\Application\chrome.exe`,
		`C:\Program Files (x86)\Google\Chrome\Application\chrome.exe`,
		`C:\Program Files (x86)\Microsoft\Edge\Application\msedge.exe`,
	},
}

// LauncherConfig controls how a managed browser is started.
type LauncherConfig struct {
	BinaryPath     string
	DataDir        string
	Platform       crawler.Platform
	Headless       bool
	SaveLoginState bool
	ReadyTimeout   time.Duration
	Logger         *zap.Logger
}

// Launcher starts a local Chrome-family browser with remote debugging enabled.
type Launcher struct {
	cfg    LauncherConfig
	logger *zap.Logger
	client *http.Client
}

// Process is a launched browser.
type Process struct {
	cmd         *exec.Cmd
	Port        int
	WSURL       string
	UserDataDir string
	keepData    bool
	done        chan struct{}
}

// NewLauncher creates a Launcher.
func NewLauncher(cfg LauncherConfig) *Launcher {
	if cfg.ReadyTimeout <= 0 {
		cfg.ReadyTimeout = defaultReadyTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Launcher{cfg: cfg, logger: logger, client: &http.Client{Timeout: 2 * time.Second}}
}

// FindBinary returns the configured path when it exists, else the first
// well-known install location for the current OS.
func FindBinary(configured string) (string, error) {
	if configured != "" {
		if _, err := os.Stat(configured); err != nil {
			return "", fmt.Errorf("browser binary %q: %w", configured, err)
		}
		return configured, nil
	}
	for _, candidate := range knownBinaries[runtime.GOOS] {
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}
	}
	for _, name := range []string{"google-chrome", "chromium", "chromium-browser", "chrome"} {
		if path, err := exec.LookPath(name); err == nil {
			return path, nil
		}
	}
	return "", errors.New("no Chrome, Chromium, or Edge installation found")
}

// FreePort returns the first port in [start, end) that accepts a listener.
func FreePort(start, end int) (int, error) {
	for port := start; port < end; port++ {
		ln, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
		if err != nil {
			continue
		}
		_ = ln.Close()
		return port, nil
	}
	return 0, fmt.Errorf("no free debugging port in [%d, %d)", start, end)
}

// UserDataDir is the per-platform profile directory.
func (l *Launcher) UserDataDir() string {
	return filepath.Join(l.cfg.DataDir, "browser_data", "cdp_"+string(l.cfg.Platform))
}

// Args builds the command line for a browser listening on port.
func (l *Launcher) Args(port int) []string {
	args := []string{
		"--remote-debugging-port=" + strconv.Itoa(port),
		"--no-first-run",
		"--no-default-browser-check",
		"--disable-blink-features=AutomationControlled",
		"--exclude-switches=enable-automation",
		"--disable-infobars",
		"--no-sandbox",
		"--disable-dev-shm-usage",
		"--disable-background-networking",
		"--password-store=basic",
	}
	if l.cfg.Headless {
		args = append(args, "--headless=new", "--disable-gpu")
	} else {
		args = append(args, "--start-maximized")
	}
	if l.cfg.DataDir != "" {
		args = append(args, "--user-data-dir="+l.UserDataDir())
	}
	return append(args, "about:blank")
}

// Launch starts the browser and waits until its DevTools endpoint answers.
func (l *Launcher) Launch(ctx context.Context) (*Process, error) {
	binary, err := FindBinary(l.cfg.BinaryPath)
	if err != nil {
		return nil, crawler.NewError(crawler.KindConfiguration, "browser.Launch", err)
	}
	port, err := FreePort(PortRangeStart, PortRangeEnd)
	if err != nil {
		return nil, crawler.NewError(crawler.KindConfiguration, "browser.Launch", err)
	}
	if l.cfg.DataDir != "" {
		if err := os.MkdirAll(l.UserDataDir(), 0o755); err != nil {
			return nil, fmt.Errorf("create user data dir: %w", err)
		}
	}

	// The child must outlive ctx; Close owns its lifetime.
	cmd := exec.Command(binary, l.Args(port)...) //nolint:gosec // binary comes from config or a fixed list
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start browser %s: %w", binary, err)
	}
	proc := &Process{
		cmd:         cmd,
		Port:        port,
		UserDataDir: l.UserDataDir(),
		keepData:    l.cfg.SaveLoginState || l.cfg.DataDir == "",
		done:        make(chan struct{}),
	}
	go func() {
		_ = cmd.Wait()
		close(proc.done)
	}()
	l.logger.Info("browser launched", zap.String("binary", binary), zap.Int("port", port), zap.Int("pid", cmd.Process.Pid))

	endpoint := "http://127.0.0.1:" + strconv.Itoa(port)
	wsURL, err := WaitReady(ctx, l.client, endpoint, l.cfg.ReadyTimeout)
	if err != nil {
		proc.Kill()
		return nil, err
	}
	proc.WSURL = wsURL
	register(proc)
	return proc, nil
}

// WaitReady polls {endpoint}/json/version until it reports a webSocketDebuggerUrl.
func WaitReady(ctx context.Context, client *http.Client, endpoint string, timeout time.Duration) (string, error) {
	if client == nil {
		client = &http.Client{Timeout: 2 * time.Second}
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()
	for {
		if ws, err := fetchVersion(ctx, client, endpoint); err == nil && ws != "" {
			return ws, nil
		}
		select {
		case <-ctx.Done():
			return "", crawler.Errorf(crawler.KindNetwork, "browser.WaitReady",
				"devtools endpoint %s not ready after %s", endpoint, timeout)
		case <-ticker.C:
		}
	}
}

func fetchVersion(ctx context.Context, client *http.Client, endpoint string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint+"/json/version", nil)
	if err != nil {
		return "", fmt.Errorf("build version request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("get version: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("get version: status %d", resp.StatusCode)
	}
	var payload struct {
		WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", fmt.Errorf("decode version: %w", err)
	}
	return payload.WebSocketDebuggerURL, nil
}

// Kill terminates the browser, waits briefly for it to exit, and removes a
// throwaway profile directory. It is safe to call more than once.
func (p *Process) Kill() {
	if p == nil {
		return
	}
	if p.cmd != nil && p.cmd.Process != nil {
		select {
		case <-p.done:
		default:
			_ = p.cmd.Process.Kill()
			select {
			case <-p.done:
			case <-time.After(5 * time.Second):
			}
		}
	}
	unregister(p)
	if !p.keepData && p.UserDataDir != "" {
		_ = os.RemoveAll(p.UserDataDir)
	}
}

// Exited reports whether the browser process has ended.
func (p *Process) Exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}
