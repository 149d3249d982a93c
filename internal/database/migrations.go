package database

import (
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/MarcoPoloResearchLab/questsync/internal/graph"
	"github.com/MarcoPoloResearchLab/questsync/internal/profiles"
	"github.com/MarcoPoloResearchLab/questsync/internal/store"
)

const (
	migrationNormalizeDownloadProfiles = "2026-10-01_normalize_download_profiles"
	migrationForeignKeyIndexes         = "2026-10-02_foreign_key_indexes"
)

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB, tableSet) error
}

func applyMigrations(db *gorm.DB, tables tableSet, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationNormalizeDownloadProfiles, apply: normalizeDownloadProfiles},
		{name: migrationForeignKeyIndexes, apply: createForeignKeyIndexes},
	}

	for _, migration := range migrations {
		var applied int64
		if err := db.Model(&migrationRecord{}).Where("name = ?", migration.name).Count(&applied).Error; err != nil {
			return err
		}
		if applied > 0 {
			continue
		}
		if err := migration.apply(db, tables); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// normalizeDownloadProfiles rewrites NULL or blank download_profiles as an empty set.
func normalizeDownloadProfiles(db *gorm.DB, tables tableSet) error {
	for _, category := range graph.Order() {
		if !category.Flagged() {
			continue
		}
		for _, table := range tables(category) {
			err := db.Table(table).
				Where(profiles.Column + " IS NULL OR TRIM(" + profiles.Column + ") IN ('', 'null')").
				Update(profiles.Column, profiles.Set{}.Encode()).Error
			if err != nil {
				return err
			}
		}
	}
	return nil
}

func createForeignKeyIndexes(db *gorm.DB, tables tableSet) error {
	for _, category := range graph.Order() {
		if !category.Relational() {
			continue
		}
		for _, table := range tables(category) {
			for _, statement := range store.ForeignKeyIndexes(category, table) {
				if err := db.Exec(statement).Error; err != nil {
					return err
				}
			}
		}
	}
	return nil
}
