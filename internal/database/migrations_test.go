package database

import (
	"path/filepath"
	"testing"

	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/questsync/internal/graph"
	"github.com/MarcoPoloResearchLab/questsync/internal/store"
)

func TestOpenLocalSQLiteNormalizesDownloadProfiles(testContext *testing.T) {
	databasePath := filepath.Join(testContext.TempDir(), "local.db")

	database, err := OpenLocalSQLite(databasePath, zap.NewNop())
	if err != nil {
		testContext.Fatalf("failed to open local database: %v", err)
	}
	table := store.TableName(graph.Quest, store.PartitionSynced)
	if err := database.Exec("INSERT INTO " + table + " (id, project_id, name, download_profiles) VALUES ('q1', 'p1', 'Genesis', '')").Error; err != nil {
		testContext.Fatalf("failed to insert legacy row: %v", err)
	}
	if err := database.Where("name = ?", migrationNormalizeDownloadProfiles).Delete(&migrationRecord{}).Error; err != nil {
		testContext.Fatalf("failed to reset migration record: %v", err)
	}

	if err := applyMigrations(database, localTables, zap.NewNop()); err != nil {
		testContext.Fatalf("failed to apply migrations: %v", err)
	}

	var stored string
	if err := database.Table(table).Select("download_profiles").Where("id = ?", "q1").Scan(&stored).Error; err != nil {
		testContext.Fatalf("failed to reload row: %v", err)
	}
	if stored != "[]" {
		testContext.Fatalf("expected normalized profiles, got %q", stored)
	}

	var record migrationRecord
	if err := database.Where("name = ?", migrationNormalizeDownloadProfiles).Take(&record).Error; err != nil {
		testContext.Fatalf("expected migration record to be created: %v", err)
	}
	if record.AppliedAtSeconds == 0 {
		testContext.Fatalf("expected migration timestamp to be set")
	}
}

func TestOpenRemoteSQLiteCreatesForeignKeyIndexes(testContext *testing.T) {
	databasePath := filepath.Join(testContext.TempDir(), "remote.db")

	database, err := OpenRemoteSQLite(databasePath, nil)
	if err != nil {
		testContext.Fatalf("failed to open remote database: %v", err)
	}

	var count int64
	if err := database.Raw("SELECT COUNT(*) FROM sqlite_master WHERE type = 'index' AND name = ?", "idx_quest_asset_link_quest_id").Scan(&count).Error; err != nil {
		testContext.Fatalf("failed to inspect indexes: %v", err)
	}
	if count != 1 {
		testContext.Fatalf("expected quest_asset_link index, got %d", count)
	}

	reopened, err := OpenRemoteSQLite(databasePath, nil)
	if err != nil {
		testContext.Fatalf("expected reopening to skip applied migrations: %v", err)
	}
	var records int64
	if err := reopened.Model(&migrationRecord{}).Count(&records).Error; err != nil {
		testContext.Fatalf("failed to count migration records: %v", err)
	}
	if records != 2 {
		testContext.Fatalf("expected two migration records, got %d", records)
	}
}

func TestOpenRequiresPath(testContext *testing.T) {
	if _, err := OpenLocalSQLite("", nil); err == nil {
		testContext.Fatalf("expected empty path to fail")
	}
}
