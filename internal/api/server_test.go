package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/JakeFAU/social-crawler/internal/cache/memory"
	"github.com/JakeFAU/social-crawler/internal/crawler"
	"github.com/JakeFAU/social-crawler/internal/loghub"
	"github.com/JakeFAU/social-crawler/internal/supervisor"
)

type fakeManager struct {
	mu       sync.Mutex
	running  bool
	started  []supervisor.StartRequest
	startErr error
}

func (f *fakeManager) Start(req supervisor.StartRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	if f.running {
		return supervisor.ErrAlreadyRunning
	}
	f.running = true
	f.started = append(f.started, req)
	return nil
}

func (f *fakeManager) Stop() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.running {
		return supervisor.ErrNotRunning
	}
	f.running = false
	return nil
}

func (f *fakeManager) Status() supervisor.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.running {
		p := "bili"
		return supervisor.Status{Status: supervisor.StatusRunning, Platform: &p}
	}
	return supervisor.Status{Status: supervisor.StatusIdle}
}

func newTestServer(t *testing.T, cfg Config) (*Server, *fakeManager, *loghub.Hub) {
	t.Helper()
	hub := loghub.New(loghub.Config{})
	t.Cleanup(func() { _ = hub.Close(context.Background()) })
	codes, err := memory.New(memory.Config{CronInterval: time.Hour})
	require.NoError(t, err)
	t.Cleanup(func() { _ = codes.Close() })
	mgr := &fakeManager{}
	return NewServer(mgr, hub, codes, cfg, nil), mgr, hub
}

func do(t *testing.T, s *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestStartStopLifecycle(t *testing.T) {
	t.Parallel()
	s, mgr, _ := newTestServer(t, Config{})

	rec := do(t, s, http.MethodPost, "/api/crawler/start", map[string]any{
		"platform": "bili",
		"keywords": "golang",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Equal(t, "Crawler started successfully", decode(t, rec)["message"])
	require.Len(t, mgr.started, 1)
	require.Equal(t, "search", mgr.started[0].CrawlerType)
	require.Equal(t, "json", mgr.started[0].SaveOption)

	rec = do(t, s, http.MethodPost, "/api/crawler/start", map[string]any{"platform": "bili", "keywords": "rust"})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, "Crawler is already running", decode(t, rec)["detail"])

	rec = do(t, s, http.MethodGet, "/api/crawler/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	status := decode(t, rec)
	require.Equal(t, "running", status["status"])
	require.Equal(t, "bili", status["platform"])

	rec = do(t, s, http.MethodPost, "/api/crawler/stop", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, s, http.MethodPost, "/api/crawler/stop", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, "No crawler is running", decode(t, rec)["detail"])
}

func TestStartValidation(t *testing.T) {
	t.Parallel()
	s, mgr, _ := newTestServer(t, Config{})

	rec := do(t, s, http.MethodPost, "/api/crawler/start", map[string]any{"platform": "myspace"})
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	require.Contains(t, decode(t, rec)["detail"], "unknown platform")

	req := httptest.NewRequest(http.MethodPost, "/api/crawler/start", bytes.NewBufferString("{"))
	raw := httptest.NewRecorder()
	s.Handler().ServeHTTP(raw, req)
	require.Equal(t, http.StatusUnprocessableEntity, raw.Code)
	require.Empty(t, mgr.started)
}

func TestStartFailureIs500(t *testing.T) {
	t.Parallel()
	s, mgr, _ := newTestServer(t, Config{})
	mgr.startErr = supervisor.ErrStartFailed

	rec := do(t, s, http.MethodPost, "/api/crawler/start", map[string]any{"platform": "xhs", "keywords": "go"})
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.Equal(t, "Failed to start crawler", decode(t, rec)["detail"])
}

func TestStartRefusedByManagerIs422(t *testing.T) {
	t.Parallel()
	s, mgr, _ := newTestServer(t, Config{})
	mgr.startErr = crawler.Errorf(crawler.KindConfiguration, "supervisor.Start", "phone login requires cache.type=redis")

	rec := do(t, s, http.MethodPost, "/api/crawler/start", map[string]any{
		"platform":   "bili",
		"login_type": "phone",
		"keywords":   "go",
	})
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	require.Equal(t, "phone login requires cache.type=redis", decode(t, rec)["detail"])
}

func TestStartRequiresModeInputs(t *testing.T) {
	t.Parallel()
	s, mgr, _ := newTestServer(t, Config{})

	rec := do(t, s, http.MethodPost, "/api/crawler/start", map[string]any{"platform": "bili"})
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	require.Contains(t, decode(t, rec)["detail"], "keywords are required")

	rec = do(t, s, http.MethodPost, "/api/crawler/start", map[string]any{"platform": "bili", "crawler_type": "detail"})
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	require.Contains(t, decode(t, rec)["detail"], "seeds are required")
	require.Empty(t, mgr.started)

	rec = do(t, s, http.MethodPost, "/api/crawler/start", map[string]any{
		"platform":     "bili",
		"crawler_type": "detail",
		"seeds":        "BV1xx",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Equal(t, "BV1xx", mgr.started[0].Seeds)
}

func TestRootAndAPIPrefixes(t *testing.T) {
	t.Parallel()
	s, _, _ := newTestServer(t, Config{})

	for _, path := range []string{"/healthz", "/api/health", "/health", "/crawler/status", "/api/config/platforms"} {
		rec := do(t, s, http.MethodGet, path, nil)
		require.Equal(t, http.StatusOK, rec.Code, path)
	}
	rec := do(t, s, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestConfigOptions(t *testing.T) {
	t.Parallel()
	s, _, _ := newTestServer(t, Config{})

	rec := do(t, s, http.MethodGet, "/api/config/platforms", nil)
	platforms := decode(t, rec)["platforms"].([]any)
	require.Len(t, platforms, 7)

	rec = do(t, s, http.MethodGet, "/api/config/options", nil)
	body := decode(t, rec)
	require.Len(t, body["login_types"], 3)
	require.Len(t, body["crawler_types"], 3)
}

func TestLogsLimit(t *testing.T) {
	t.Parallel()
	s, _, hub := newTestServer(t, Config{})
	for _, line := range []string{"one", "two", "ERROR three"} {
		hub.Append(line)
	}

	rec := do(t, s, http.MethodGet, "/api/crawler/logs?limit=2", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Logs []loghub.Entry `json:"logs"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Logs, 2)
	require.Equal(t, "two", body.Logs[0].Message)
	require.Equal(t, loghub.LevelError, body.Logs[1].Level)

	rec = do(t, s, http.MethodGet, "/api/crawler/logs?limit=x", nil)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestAPIKey(t *testing.T) {
	t.Parallel()
	s, _, _ := newTestServer(t, Config{AuthEnabled: true, APIKey: "secret"})

	rec := do(t, s, http.MethodGet, "/api/crawler/status", nil)
	require.Equal(t, http.StatusForbidden, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/crawler/status", nil)
	req.Header.Set("X-API-Key", "secret")
	ok := httptest.NewRecorder()
	s.Handler().ServeHTTP(ok, req)
	require.Equal(t, http.StatusOK, ok.Code)

	// The SMS webhook stays open.
	rec = do(t, s, http.MethodPost, "/api/sms", map[string]string{
		"platform": "xhs", "current_number": "13800000000", "sms_content": "no code here",
	})
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestSMSWebhookStoresCode(t *testing.T) {
	t.Parallel()
	s, _, _ := newTestServer(t, Config{})

	rec := do(t, s, http.MethodPost, "/api/sms", map[string]string{
		"platform":       "xhs",
		"current_number": "13800000000",
		"from_number":    "106900",
		"sms_content":    "Your code is 482913, valid for 5 minutes. Ref 12345678",
		"timestamp":      "1700000000",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	v, ok, err := s.codes.Get(context.Background(), "xhs_13800000000")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "482913", string(v))

	rec = do(t, s, http.MethodGet, "/api/sms", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSMSWithoutCacheIsUnavailable(t *testing.T) {
	t.Parallel()
	hub := loghub.New(loghub.Config{})
	defer func() { _ = hub.Close(context.Background()) }()
	s := NewServer(&fakeManager{}, hub, nil, Config{}, nil)

	rec := do(t, s, http.MethodPost, "/sms", map[string]string{
		"platform": "dy", "current_number": "1", "sms_content": "123456",
	})
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestExtractCode(t *testing.T) {
	t.Parallel()
	require.Equal(t, "654321", ExtractCode("code 654321"))
	require.Equal(t, "", ExtractCode("code 1234567"))
	require.Equal(t, "111111", ExtractCode("111111 then 222222"))
}

func writeDataFixtures(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	dir := filepath.Join(root, "bili")
	require.NoError(t, os.MkdirAll(dir, 0o755))

	items := `[{"natural_key":"1"},{"natural_key":"2"},{"natural_key":"3"}]`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "search_contents_2024-02-01.json"), []byte(items), 0o644))
	csvBody := "natural_key,title\n1,a\n2,b\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "search_contents_2024-02-01.csv"), []byte(csvBody), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("skip"), 0o644))

	f := excelize.NewFile()
	require.NoError(t, f.SetSheetRow("Sheet1", "A1", &[]any{"natural_key", "title"}))
	require.NoError(t, f.SetSheetRow("Sheet1", "A2", &[]any{"9", "xlsx row"}))
	require.NoError(t, f.SaveAs(filepath.Join(root, "xhs_search.xlsx")))
	require.NoError(t, f.Close())

	old := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(filepath.Join(root, "xhs_search.xlsx"), old, old))
	return root
}

func TestListDataFiles(t *testing.T) {
	t.Parallel()
	s, _, _ := newTestServer(t, Config{DataDir: writeDataFixtures(t)})

	rec := do(t, s, http.MethodGet, "/api/data/files", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Files []dataFile `json:"files"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Files, 3)
	require.Equal(t, "xhs_search.xlsx", body.Files[2].Name)

	rec = do(t, s, http.MethodGet, "/api/data/files?platform=bili&file_type=json", nil)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Files, 1)
	require.Equal(t, "bili/search_contents_2024-02-01.json", body.Files[0].Path)
	require.NotNil(t, body.Files[0].RecordCount)
	require.Equal(t, 3, *body.Files[0].RecordCount)
}

func TestListDataFilesMissingDir(t *testing.T) {
	t.Parallel()
	s, _, _ := newTestServer(t, Config{DataDir: filepath.Join(t.TempDir(), "absent")})

	rec := do(t, s, http.MethodGet, "/api/data/files", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Empty(t, decode(t, rec)["files"])
}

func TestPreviewDataFiles(t *testing.T) {
	t.Parallel()
	s, _, _ := newTestServer(t, Config{DataDir: writeDataFixtures(t)})

	rec := do(t, s, http.MethodGet, "/api/data/files/bili/search_contents_2024-02-01.json?limit=2", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	require.Len(t, body["data"], 2)
	require.EqualValues(t, 3, body["total"])

	rec = do(t, s, http.MethodGet, "/api/data/files/bili/search_contents_2024-02-01.csv", nil)
	body = decode(t, rec)
	rows := body["data"].([]any)
	require.Len(t, rows, 2)
	require.Equal(t, "b", rows[1].(map[string]any)["title"])

	rec = do(t, s, http.MethodGet, "/api/data/files/xhs_search.xlsx", nil)
	body = decode(t, rec)
	require.EqualValues(t, 1, body["total"])
	require.Equal(t, []any{"natural_key", "title"}, body["columns"])

	rec = do(t, s, http.MethodGet, "/api/data/files/bili/notes.txt", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	rec = do(t, s, http.MethodGet, "/api/data/files/bili/missing.json", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	rec = do(t, s, http.MethodGet, "/api/data/files/bili", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	rec = do(t, s, http.MethodGet, "/api/data/files/../../etc/passwd", nil)
	require.Equal(t, http.StatusForbidden, rec.Code)
}

func TestDownloadDataFile(t *testing.T) {
	t.Parallel()
	s, _, _ := newTestServer(t, Config{DataDir: writeDataFixtures(t)})

	rec := do(t, s, http.MethodGet, "/api/data/download/bili/search_contents_2024-02-01.csv", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Header().Get("Content-Disposition"), "search_contents_2024-02-01.csv")
	require.Equal(t, "natural_key,title\n1,a\n2,b\n", rec.Body.String())
}
