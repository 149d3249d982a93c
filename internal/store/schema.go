package store

import (
	"fmt"

	"gorm.io/gorm"

	"github.com/MarcoPoloResearchLab/questsync/internal/entities"
	"github.com/MarcoPoloResearchLab/questsync/internal/graph"
)

// LocalTables lists every partition table in graph order.
func LocalTables() []string {
	var tables []string
	for _, category := range graph.Order() {
		if !category.Relational() {
			continue
		}
		for _, partition := range Partitions {
			tables = append(tables, TableName(category, partition))
		}
	}
	return tables
}

// Migrate creates both partitions of every entity table and the upload queue.
func Migrate(db *gorm.DB) error {
	for _, category := range graph.Order() {
		model := entities.Model(category)
		if model == nil {
			continue
		}
		for _, partition := range Partitions {
			if err := db.Table(TableName(category, partition)).AutoMigrate(model); err != nil {
				return fmt.Errorf("migrate %s: %w", TableName(category, partition), err)
			}
		}
	}
	return db.AutoMigrate(&UploadEntry{})
}

// ForeignKeyIndexes returns index statements for every dependency column of table.
func ForeignKeyIndexes(category graph.Category, table string) []string {
	var statements []string
	seen := make(map[string]bool)
	for _, dependency := range graph.Dependencies(category) {
		if dependency.Multi || seen[dependency.Column] {
			continue
		}
		seen[dependency.Column] = true
		statements = append(statements, fmt.Sprintf(
			"CREATE INDEX IF NOT EXISTS %s ON %s(%s)",
			quote("idx_"+table+"_"+dependency.Column), quote(table), quote(dependency.Column),
		))
	}
	return statements
}
