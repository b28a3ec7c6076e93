// Package storage selects a crawler.Store implementation from a save option.
package storage

import (
	"context"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/JakeFAU/social-crawler/internal/crawler"
	"github.com/JakeFAU/social-crawler/internal/storage/excel"
	"github.com/JakeFAU/social-crawler/internal/storage/file"
	"github.com/JakeFAU/social-crawler/internal/storage/folder"
	"github.com/JakeFAU/social-crawler/internal/storage/gcs"
	"github.com/JakeFAU/social-crawler/internal/storage/local"
	"github.com/JakeFAU/social-crawler/internal/storage/memory"
	"github.com/JakeFAU/social-crawler/internal/storage/mongo"
	"github.com/JakeFAU/social-crawler/internal/storage/postgres"
	"github.com/JakeFAU/social-crawler/internal/storage/sqlite"
)

// Deps carries everything the back-ends may need. Only the fields the chosen
// option reads have to be set.
type Deps struct {
	Platform crawler.Platform
	Mode     crawler.Mode
	// DataDir is the root for csv, json, excel, sqlite and local folder output.
	DataDir string
	// Keyword names the folder for items without a source keyword.
	Keyword    string
	Postgres   postgres.Config
	SQLitePath string
	Mongo      mongo.Config
	GCS        gcs.Config
	Clock      crawler.Clock
	Logger     *zap.Logger
}

// New opens the back-end for option.
func New(ctx context.Context, option crawler.SaveOption, deps Deps) (crawler.Store, error) {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	dataDir := deps.DataDir
	if dataDir == "" {
		dataDir = "data"
	}

	switch option {
	case crawler.SaveCSV, crawler.SaveJSON:
		format := file.FormatCSV
		if option == crawler.SaveJSON {
			format = file.FormatJSON
		}
		return file.New(file.Config{Root: dataDir, Platform: deps.Platform, Mode: deps.Mode, Format: format}, deps.Clock, logger)
	case crawler.SaveDB:
		return postgres.New(ctx, deps.Postgres, deps.Clock)
	case crawler.SaveSQLite:
		path := deps.SQLitePath
		if path == "" {
			path = filepath.Join(dataDir, "sqlite", "crawler.db")
		}
		return sqlite.Open(ctx, path, deps.Clock)
	case crawler.SaveMongoDB:
		return mongo.New(deps.Mongo, deps.Clock, logger)
	case crawler.SaveExcel:
		return excel.New(excel.Config{Root: dataDir, Platform: deps.Platform, Mode: deps.Mode}, deps.Clock, logger)
	case crawler.SaveFolder:
		return openFolder(ctx, dataDir, deps, logger)
	case crawler.SaveMemory:
		return memory.NewStore(deps.Clock), nil
	default:
		return nil, crawler.Errorf(crawler.KindConfiguration, "storage.New", "unsupported save option %q", option)
	}
}

func openFolder(ctx context.Context, dataDir string, deps Deps, logger *zap.Logger) (crawler.Store, error) {
	cfg := folder.Config{Platform: deps.Platform, FallbackKeyword: deps.Keyword}
	if deps.GCS.Bucket == "" {
		blobs, err := local.New(local.Config{BaseDir: dataDir})
		if err != nil {
			return nil, crawler.NewError(crawler.KindStorage, "storage.openFolder", err)
		}
		return folder.New(blobs, cfg, deps.Clock, logger)
	}
	blobs, err := gcs.Open(ctx, deps.GCS, logger)
	if err != nil {
		return nil, crawler.NewError(crawler.KindStorage, "storage.openFolder", err)
	}
	store, err := folder.New(blobs, cfg, deps.Clock, logger)
	if err != nil {
		_ = blobs.Close()
		return nil, err
	}
	return &closingStore{Store: store, close: blobs.Close}, nil
}

type closingStore struct {
	crawler.Store
	close func() error
}

func (s *closingStore) Close(ctx context.Context) error {
	err := s.Store.Close(ctx)
	if cerr := s.close(); err == nil {
		err = cerr
	}
	return err
}
