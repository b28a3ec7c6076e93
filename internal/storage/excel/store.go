// Package excel buffers entities in memory and writes one workbook per
// (platform, mode) with a sheet per entity kind on Flush.
package excel

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/xuri/excelize/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/social-crawler/internal/clock/system"
	"github.com/JakeFAU/social-crawler/internal/crawler"
	"github.com/JakeFAU/social-crawler/internal/storage/record"
)

// Sheet names.
const (
	SheetContents = "Contents"
	SheetComments = "Comments"
	SheetCreators = "Creators"
)

// Config controls the output location.
type Config struct {
	Root     string
	Platform crawler.Platform
	Mode     crawler.Mode
}

type sheet struct {
	name   string
	header []string
	order  []string
	rows   map[string][]string
}

func newSheet(name string, header []string) *sheet {
	return &sheet{name: name, header: header, rows: make(map[string][]string)}
}

func (s *sheet) put(key string, row []string) {
	if _, ok := s.rows[key]; !ok {
		s.order = append(s.order, key)
	}
	s.rows[key] = row
}

// Store accumulates rows; nothing touches disk until Flush.
type Store struct {
	cfg    Config
	clock  crawler.Clock
	logger *zap.Logger

	mu       sync.Mutex
	items    map[string]crawler.Item
	comments map[string]crawler.Comment
	creators map[string]crawler.Creator
	sheets   map[crawler.EntityKind]*sheet
}

// New validates cfg.
func New(cfg Config, clock crawler.Clock, logger *zap.Logger) (*Store, error) {
	if cfg.Platform == "" || cfg.Mode == "" {
		return nil, crawler.Errorf(crawler.KindConfiguration, "excel.New", "platform and mode are required")
	}
	if cfg.Root == "" {
		cfg.Root = "data"
	}
	if clock == nil {
		clock = system.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		cfg:      cfg,
		clock:    clock,
		logger:   logger,
		items:    make(map[string]crawler.Item),
		comments: make(map[string]crawler.Comment),
		creators: make(map[string]crawler.Creator),
		sheets: map[crawler.EntityKind]*sheet{
			crawler.EntityItems:    newSheet(SheetContents, record.ItemColumns),
			crawler.EntityComments: newSheet(SheetComments, record.CommentColumns),
			crawler.EntityCreators: newSheet(SheetCreators, record.CreatorColumns),
		},
	}, nil
}

// Path is the workbook Flush writes.
func (s *Store) Path() string {
	name := fmt.Sprintf("%s_%s.xlsx", s.cfg.Mode, s.clock.Now().Format("2006-01-02"))
	return filepath.Join(s.cfg.Root, string(s.cfg.Platform), name)
}

// StoreItem buffers an item.
func (s *Store) StoreItem(_ context.Context, item crawler.Item) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var existing *crawler.Item
	if prev, ok := s.items[item.NaturalKey]; ok {
		existing = &prev
	}
	merged := record.MergeItem(existing, item, s.clock.Now().UnixMilli())
	s.items[item.NaturalKey] = merged
	s.sheets[crawler.EntityItems].put(item.NaturalKey, record.ItemRow(merged))
	return nil
}

// StoreComment buffers a comment.
func (s *Store) StoreComment(_ context.Context, c crawler.Comment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var existing *crawler.Comment
	if prev, ok := s.comments[c.NaturalKey]; ok {
		existing = &prev
	}
	merged := record.MergeComment(existing, c, s.clock.Now().UnixMilli())
	s.comments[c.NaturalKey] = merged
	s.sheets[crawler.EntityComments].put(c.NaturalKey, record.CommentRow(merged))
	return nil
}

// StoreCreator buffers a creator.
func (s *Store) StoreCreator(_ context.Context, c crawler.Creator) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var existing *crawler.Creator
	if prev, ok := s.creators[c.NaturalKey]; ok {
		existing = &prev
	}
	merged := record.MergeCreator(existing, c, s.clock.Now().UnixMilli())
	s.creators[c.NaturalKey] = merged
	s.sheets[crawler.EntityCreators].put(c.NaturalKey, record.CreatorRow(merged))
	return nil
}

// Flush writes the workbook. Calling it again rewrites the same file with
// everything buffered so far.
func (s *Store) Flush(context.Context) error {
	const op = "excel.Flush"
	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.Path()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return crawler.NewError(crawler.KindStorage, op, err)
	}

	f := excelize.NewFile()
	defer func() {
		if err := f.Close(); err != nil {
			s.logger.Warn("failed to close workbook", zap.Error(err))
		}
	}()
	headerStyle, err := f.NewStyle(&excelize.Style{
		Font:      &excelize.Font{Bold: true, Color: "FFFFFF", Size: 11},
		Fill:      excelize.Fill{Type: "pattern", Color: []string{"366092"}, Pattern: 1},
		Alignment: &excelize.Alignment{Horizontal: "center", Vertical: "center", WrapText: true},
	})
	if err != nil {
		return crawler.NewError(crawler.KindStorage, op, err)
	}

	for _, kind := range []crawler.EntityKind{crawler.EntityItems, crawler.EntityComments, crawler.EntityCreators} {
		if err := writeSheet(f, s.sheets[kind], headerStyle); err != nil {
			return crawler.NewError(crawler.KindStorage, op, err)
		}
	}
	if err := f.DeleteSheet("Sheet1"); err != nil {
		return crawler.NewError(crawler.KindStorage, op, err)
	}
	if err := f.SaveAs(path); err != nil {
		return crawler.NewError(crawler.KindStorage, op, err)
	}
	s.logger.Info("excel workbook written", zap.String("path", path),
		zap.Int("contents", len(s.items)), zap.Int("comments", len(s.comments)), zap.Int("creators", len(s.creators)))
	return nil
}

func writeSheet(f *excelize.File, sh *sheet, headerStyle int) error {
	if _, err := f.NewSheet(sh.name); err != nil {
		return err
	}
	if err := f.SetSheetRow(sh.name, "A1", toAny(sh.header)); err != nil {
		return err
	}
	last, err := excelize.CoordinatesToCellName(len(sh.header), 1)
	if err != nil {
		return err
	}
	if err := f.SetCellStyle(sh.name, "A1", last, headerStyle); err != nil {
		return err
	}
	for i, key := range sh.order {
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return err
		}
		if err := f.SetSheetRow(sh.name, cell, toAny(sh.rows[key])); err != nil {
			return err
		}
	}
	return nil
}

func toAny(row []string) *[]any {
	out := make([]any, len(row))
	for i, v := range row {
		out[i] = v
	}
	return &out
}

// Close is a no-op; Flush owns the file.
func (s *Store) Close(context.Context) error { return nil }
