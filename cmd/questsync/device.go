package main

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/MarcoPoloResearchLab/questsync/internal/attachments"
	"github.com/MarcoPoloResearchLab/questsync/internal/blobs"
	"github.com/MarcoPoloResearchLab/questsync/internal/config"
	"github.com/MarcoPoloResearchLab/questsync/internal/database"
	"github.com/MarcoPoloResearchLab/questsync/internal/discovery"
	"github.com/MarcoPoloResearchLab/questsync/internal/graph"
	"github.com/MarcoPoloResearchLab/questsync/internal/logging"
	"github.com/MarcoPoloResearchLab/questsync/internal/remote"
	"github.com/MarcoPoloResearchLab/questsync/internal/store"
	"github.com/MarcoPoloResearchLab/questsync/internal/uploads"
)

// device holds the components every device command shares.
type device struct {
	config  config.AppConfig
	logger  *zap.Logger
	sqlDB   *sql.DB
	store   *store.Store
	queue   *attachments.Queue
	remote  *remote.Client
	engine  *discovery.Engine
	monitor *uploads.Monitor
}

func openDevice() (*device, error) {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return nil, err
	}
	if err := appConfig.ValidateClient(); err != nil {
		return nil, err
	}
	logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.LogFile)
	if err != nil {
		return nil, err
	}

	db, err := database.OpenLocalSQLite(appConfig.LocalDatabasePath, logger)
	if err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	d := &device{config: appConfig, logger: logger, sqlDB: sqlDB}
	if err := d.wire(db); err != nil {
		d.close()
		return nil, err
	}
	logger.Debug("device opened",
		zap.String("local_path", appConfig.LocalDatabasePath),
		zap.String("remote_url", appConfig.RemoteURL),
		zap.String("profile_id", appConfig.ProfileID))
	return d, nil
}

func (d *device) wire(db *gorm.DB) error {
	var err error
	d.store, err = store.New(store.Config{Database: db, Logger: d.logger})
	if err != nil {
		return err
	}
	d.queue, err = attachments.NewQueue(attachments.QueueConfig{Database: db, Directory: d.config.AttachmentsDir, Logger: d.logger})
	if err != nil {
		return err
	}
	d.remote, err = remote.NewClient(remote.ClientConfig{
		BaseURL:   d.config.RemoteURL,
		Token:     d.config.RemoteToken,
		RateLimit: d.config.RateLimit,
		Logger:    d.logger,
	})
	if err != nil {
		return err
	}
	d.engine, err = discovery.New(discovery.Config{
		Local:           d.store,
		Remote:          d.remote,
		Sizer:           d.queue,
		Logger:          d.logger,
		MaxDepth:        d.config.MaxDepth,
		CategoryTimeout: d.config.CategoryTimeout,
		Concurrency:     d.config.Concurrency,
	})
	if err != nil {
		return err
	}
	d.monitor, err = uploads.NewMonitor(uploads.MonitorConfig{Store: d.store, Attachments: d.queue})
	return err
}

func (d *device) close() {
	if d.sqlDB != nil {
		_ = d.sqlDB.Close()
	}
	_ = d.logger.Sync()
}

// blobStore opens the configured blob backend.
func (d *device) blobStore(ctx context.Context) (blobs.Store, error) {
	switch d.config.Blobs.Backend {
	case "s3":
		return blobs.NewS3Store(ctx, blobs.S3Config{
			Bucket:       d.config.Blobs.Bucket,
			Region:       d.config.Blobs.Region,
			BaseEndpoint: d.config.Blobs.Endpoint,
			AccessKey:    d.config.Blobs.AccessKey,
			SecretKey:    d.config.Blobs.SecretKey,
			Prefix:       d.config.Blobs.Prefix,
		})
	default:
		return blobs.NewDirStore(d.config.Blobs.Directory)
	}
}

// parseRoot accepts "category id" or "category:id".
func parseRoot(args []string) (graph.Ref, error) {
	var rawCategory, id string
	switch len(args) {
	case 1:
		var found bool
		rawCategory, id, found = strings.Cut(args[0], ":")
		if !found {
			return graph.Ref{}, fmt.Errorf("root must be category:id, got %q", args[0])
		}
	case 2:
		rawCategory, id = args[0], args[1]
	default:
		return graph.Ref{}, fmt.Errorf("expected a root as category:id or category id")
	}
	category, err := graph.Parse(strings.TrimSpace(rawCategory))
	if err != nil {
		return graph.Ref{}, err
	}
	id = strings.TrimSpace(id)
	if id == "" || !category.Relational() {
		return graph.Ref{}, fmt.Errorf("invalid root %s:%s", rawCategory, id)
	}
	return graph.Ref{Category: category, ID: id}, nil
}
