// Package remote is the authoritative store: a gorm-backed service and an HTTP client for it.
package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/MarcoPoloResearchLab/questsync/internal/entities"
	"github.com/MarcoPoloResearchLab/questsync/internal/graph"
)

// ErrClosureUnsupported reports a remote without the closure shortcut.
var ErrClosureUnsupported = errors.New("remote: closure download not supported")

// Adapter is the remote store contract consumed by the engine.
type Adapter interface {
	Lookup(ctx context.Context, lookup graph.Lookup) ([]graph.Link, error)
	Fetch(ctx context.Context, category graph.Category, ids []string) ([]entities.Row, error)
	DownloadClosure(ctx context.Context, root graph.Ref, profileID string) (ClosureOutcome, error)
	Apply(ctx context.Context, mutation Mutation) error
}

// Mutation is one pushed local write.
type Mutation struct {
	Table string          `json:"table"`
	Op    string          `json:"op"`
	RowID string          `json:"row_id"`
	Row   json.RawMessage `json:"row,omitempty"`
}

// CategoryFlags counts the rows of one category touched by a closure download.
type CategoryFlags struct {
	Total   int `json:"total"`
	Flagged int `json:"flagged"`
}

// ClosureOutcome is the server-side result of flagging a closure.
type ClosureOutcome struct {
	Root       graph.Ref                        `json:"root"`
	Categories map[graph.Category]CategoryFlags `json:"categories"`
}

// ClosureWalker computes the closure of root over the remote rows.
type ClosureWalker func(ctx context.Context, root graph.Ref) (map[graph.Category][]string, error)

// Migrate creates one table per relational category.
func Migrate(db *gorm.DB) error {
	for _, category := range graph.Order() {
		model := entities.Model(category)
		if model == nil {
			continue
		}
		if err := db.Table(category.Table()).AutoMigrate(model); err != nil {
			return fmt.Errorf("migrate %s: %w", category.Table(), err)
		}
	}
	return nil
}
