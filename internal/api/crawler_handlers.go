package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/social-crawler/internal/crawler"
	"github.com/JakeFAU/social-crawler/internal/supervisor"
)

const defaultLogLimit = 100

func (s *Server) startCrawler(w http.ResponseWriter, r *http.Request) {
	var req supervisor.StartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "invalid JSON")
		return
	}
	if err := req.Normalize(); err != nil {
		writeError(w, http.StatusUnprocessableEntity, configMessage(err))
		return
	}
	if err := s.manager.Start(req); err != nil {
		if errors.Is(err, supervisor.ErrAlreadyRunning) {
			writeError(w, http.StatusBadRequest, "Crawler is already running")
			return
		}
		if errors.Is(err, crawler.ErrConfiguration) {
			writeError(w, http.StatusUnprocessableEntity, configMessage(err))
			return
		}
		s.logger.Error("start crawler failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Failed to start crawler")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "message": "Crawler started successfully"})
}

func (s *Server) stopCrawler(w http.ResponseWriter, _ *http.Request) {
	if err := s.manager.Stop(); err != nil {
		if errors.Is(err, supervisor.ErrNotRunning) {
			writeError(w, http.StatusBadRequest, "No crawler is running")
			return
		}
		s.logger.Error("stop crawler failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Failed to stop crawler")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "message": "Crawler stopped successfully"})
}

func (s *Server) crawlerStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.manager.Status())
}

func (s *Server) crawlerLogs(w http.ResponseWriter, r *http.Request) {
	limit := defaultLogLimit
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, "limit must be an integer")
			return
		}
		limit = v
	}
	writeJSON(w, http.StatusOK, map[string]any{"logs": s.hub.Recent(limit)})
}

type option struct {
	Value string `json:"value"`
	Label string `json:"label"`
	Icon  string `json:"icon,omitempty"`
}

var platformOptions = []option{
	{Value: string(crawler.PlatformXHS), Label: "Xiaohongshu", Icon: "book-open"},
	{Value: string(crawler.PlatformDouyin), Label: "Douyin", Icon: "music"},
	{Value: string(crawler.PlatformKS), Label: "Kuaishou", Icon: "video"},
	{Value: string(crawler.PlatformBili), Label: "Bilibili", Icon: "tv"},
	{Value: string(crawler.PlatformWeibo), Label: "Weibo", Icon: "message-circle"},
	{Value: string(crawler.PlatformTieba), Label: "Baidu Tieba", Icon: "messages-square"},
	{Value: string(crawler.PlatformZhihu), Label: "Zhihu", Icon: "help-circle"},
}

func (s *Server) platforms(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"platforms": platformOptions})
}

func (s *Server) options(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"login_types": []option{
			{Value: string(crawler.LoginQRCode), Label: "QR Code Login"},
			{Value: string(crawler.LoginPhone), Label: "Phone Login"},
			{Value: string(crawler.LoginCookie), Label: "Cookie Login"},
		},
		"crawler_types": []option{
			{Value: string(crawler.ModeSearch), Label: "Search Mode"},
			{Value: string(crawler.ModeDetail), Label: "Detail Mode"},
			{Value: string(crawler.ModeCreator), Label: "Creator Mode"},
		},
		"save_options": []option{
			{Value: string(crawler.SaveJSON), Label: "JSON File"},
			{Value: string(crawler.SaveCSV), Label: "CSV File"},
			{Value: string(crawler.SaveExcel), Label: "Excel File"},
			{Value: string(crawler.SaveSQLite), Label: "SQLite Database"},
			{Value: string(crawler.SaveDB), Label: "Postgres Database"},
			{Value: string(crawler.SaveMongoDB), Label: "MongoDB Database"},
			{Value: string(crawler.SaveFolder), Label: "Per-item Folders"},
		},
	})
}

func configMessage(err error) string {
	var ce *crawler.Error
	if errors.As(err, &ce) && ce.Err != nil {
		return ce.Err.Error()
	}
	return err.Error()
}
