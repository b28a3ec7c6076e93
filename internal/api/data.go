package api

import (
	"bufio"
	"encoding/csv"
	"encoding/json"
	"errors"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/xuri/excelize/v2"
)

const defaultPreviewLimit = 100

var dataExtensions = map[string]bool{".json": true, ".csv": true, ".xlsx": true}

type dataFile struct {
	Name        string `json:"name"`
	Path        string `json:"path"`
	Size        int64  `json:"size"`
	ModifiedAt  int64  `json:"modified_at"`
	RecordCount *int   `json:"record_count"`
	Type        string `json:"type"`
}

func (s *Server) listDataFiles(w http.ResponseWriter, r *http.Request) {
	platform := strings.ToLower(r.URL.Query().Get("platform"))
	fileType := strings.ToLower(r.URL.Query().Get("file_type"))
	files := []dataFile{}

	err := filepath.WalkDir(s.cfg.DataDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return filepath.SkipAll
			}
			return err
		}
		ext := strings.ToLower(filepath.Ext(path))
		if d.IsDir() || !dataExtensions[ext] {
			return nil
		}
		rel, err := filepath.Rel(s.cfg.DataDir, path)
		if err != nil {
			return nil
		}
		if platform != "" && !strings.Contains(strings.ToLower(rel), platform) {
			return nil
		}
		if fileType != "" && ext[1:] != fileType {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		files = append(files, dataFile{
			Name:        d.Name(),
			Path:        filepath.ToSlash(rel),
			Size:        info.Size(),
			ModifiedAt:  info.ModTime().Unix(),
			RecordCount: countRecords(path, ext),
			Type:        ext[1:],
		})
		return nil
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	sort.SliceStable(files, func(i, j int) bool { return files[i].ModifiedAt > files[j].ModifiedAt })
	writeJSON(w, http.StatusOK, map[string]any{"files": files})
}

// resolveDataPath maps the wildcard to a file inside DataDir.
func (s *Server) resolveDataPath(w http.ResponseWriter, r *http.Request) (string, bool) {
	rel := chi.URLParam(r, "*")
	root, err := filepath.Abs(s.cfg.DataDir)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return "", false
	}
	full := filepath.Join(root, filepath.FromSlash(rel))
	if full != root && !strings.HasPrefix(full, root+string(os.PathSeparator)) {
		writeError(w, http.StatusForbidden, "Access denied")
		return "", false
	}
	info, err := os.Stat(full)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		writeError(w, http.StatusNotFound, "File not found")
		return "", false
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
		return "", false
	case !info.Mode().IsRegular():
		writeError(w, http.StatusBadRequest, "Not a file")
		return "", false
	}
	return full, true
}

func (s *Server) previewDataFile(w http.ResponseWriter, r *http.Request) {
	full, ok := s.resolveDataPath(w, r)
	if !ok {
		return
	}
	if r.URL.Query().Get("preview") == "false" {
		serveDownload(w, r, full)
		return
	}
	limit := defaultPreviewLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 {
			limit = v
		}
	}

	switch strings.ToLower(filepath.Ext(full)) {
	case ".json":
		raw, err := os.ReadFile(full)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		var rows []json.RawMessage
		if err := json.Unmarshal(raw, &rows); err != nil {
			var single json.RawMessage
			if json.Unmarshal(raw, &single) != nil {
				writeError(w, http.StatusBadRequest, "Invalid JSON file")
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"data": single, "total": 1})
			return
		}
		total := len(rows)
		if len(rows) > limit {
			rows = rows[:limit]
		}
		writeJSON(w, http.StatusOK, map[string]any{"data": rows, "total": total})
	case ".csv":
		rows, total, err := previewCSV(full, limit)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"data": rows, "total": total})
	case ".xlsx":
		rows, columns, total, err := previewXLSX(full, r.URL.Query().Get("sheet"), limit)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"data": rows, "total": total, "columns": columns})
	default:
		writeError(w, http.StatusBadRequest, "Unsupported file type for preview")
	}
}

func (s *Server) downloadDataFile(w http.ResponseWriter, r *http.Request) {
	full, ok := s.resolveDataPath(w, r)
	if !ok {
		return
	}
	serveDownload(w, r, full)
}

func serveDownload(w http.ResponseWriter, r *http.Request, full string) {
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", `attachment; filename="`+filepath.Base(full)+`"`)
	http.ServeFile(w, r, full)
}

func previewCSV(path string, limit int) ([]map[string]string, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, err
	}
	defer f.Close()
	reader := csv.NewReader(bufio.NewReader(f))
	reader.FieldsPerRecord = -1
	header, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return []map[string]string{}, 0, nil
	}
	if err != nil {
		return nil, 0, err
	}
	rows := []map[string]string{}
	total := 0
	for {
		rec, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, 0, err
		}
		total++
		if len(rows) < limit {
			rows = append(rows, zipRow(header, rec))
		}
	}
	return rows, total, nil
}

func previewXLSX(path, sheet string, limit int) ([]map[string]string, []string, int, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, nil, 0, err
	}
	defer f.Close()
	if sheet == "" {
		sheet = f.GetSheetName(f.GetActiveSheetIndex())
	}
	all, err := f.GetRows(sheet)
	if err != nil {
		return nil, nil, 0, err
	}
	if len(all) == 0 {
		return []map[string]string{}, []string{}, 0, nil
	}
	header, body := all[0], all[1:]
	rows := make([]map[string]string, 0, min(limit, len(body)))
	for i := 0; i < len(body) && i < limit; i++ {
		rows = append(rows, zipRow(header, body[i]))
	}
	return rows, header, len(body), nil
}

func zipRow(header, rec []string) map[string]string {
	row := make(map[string]string, len(header))
	for i, h := range header {
		if i < len(rec) {
			row[h] = rec[i]
		} else {
			row[h] = ""
		}
	}
	return row
}

func countRecords(path, ext string) *int {
	var n int
	switch ext {
	case ".json":
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil
		}
		var rows []json.RawMessage
		if json.Unmarshal(raw, &rows) != nil {
			return nil
		}
		n = len(rows)
	case ".csv":
		_, total, err := previewCSV(path, 0)
		if err != nil {
			return nil
		}
		n = total
	default:
		return nil
	}
	return &n
}
