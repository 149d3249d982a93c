package database

import (
	"fmt"

	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/MarcoPoloResearchLab/questsync/internal/attachments"
	"github.com/MarcoPoloResearchLab/questsync/internal/graph"
	"github.com/MarcoPoloResearchLab/questsync/internal/remote"
	"github.com/MarcoPoloResearchLab/questsync/internal/store"
)

// OpenLocalSQLite opens the device database: both entity partitions, the
// upload queue and the attachment queue.
func OpenLocalSQLite(path string, logger *zap.Logger) (*gorm.DB, error) {
	db, err := open(path)
	if err != nil {
		return nil, err
	}
	if err := store.Migrate(db); err != nil {
		return nil, err
	}
	if err := attachments.Migrate(db); err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&migrationRecord{}); err != nil {
		return nil, err
	}
	if err := applyMigrations(db, localTables, logger); err != nil {
		return nil, err
	}
	if logger != nil {
		logger.Info("local database initialized", zap.String("path", path))
	}
	return db, nil
}

// OpenRemoteSQLite opens the server database with one table per category.
func OpenRemoteSQLite(path string, logger *zap.Logger) (*gorm.DB, error) {
	db, err := open(path)
	if err != nil {
		return nil, err
	}
	if err := remote.Migrate(db); err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&migrationRecord{}); err != nil {
		return nil, err
	}
	if err := applyMigrations(db, remoteTables, logger); err != nil {
		return nil, err
	}
	if logger != nil {
		logger.Info("remote database initialized", zap.String("path", path))
	}
	return db, nil
}

func open(path string) (*gorm.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)
	return db, nil
}

// tableSet lists the physical tables of a category in one database layout.
type tableSet func(category graph.Category) []string

func localTables(category graph.Category) []string {
	var tables []string
	for _, partition := range store.Partitions {
		tables = append(tables, store.TableName(category, partition))
	}
	return tables
}

func remoteTables(category graph.Category) []string {
	return []string{category.Table()}
}
