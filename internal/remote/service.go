package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/MarcoPoloResearchLab/questsync/internal/entities"
	"github.com/MarcoPoloResearchLab/questsync/internal/graph"
	"github.com/MarcoPoloResearchLab/questsync/internal/profiles"
	"github.com/MarcoPoloResearchLab/questsync/internal/store"
)

var (
	errMissingDatabase  = errors.New("database handle is required")
	errMissingProfileID = errors.New("profile identifier is required")
	errInvalidMutation  = errors.New("mutation is invalid")
	noOpLogger          = zap.NewNop()
)

type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew       = "remote.service.new"
	opLookup           = "remote.lookup"
	opFetch            = "remote.fetch"
	opDownloadClosure  = "remote.download_closure"
	opApplyMutation    = "remote.apply_mutation"
	reasonMissingDB    = "missing_database"
	reasonInvalid      = "invalid_request"
	reasonQueryFailed  = "query_failed"
	reasonWalkFailed   = "walk_failed"
	reasonFlagFailed   = "flag_failed"
	reasonWriteFailed  = "write_failed"
	reasonNoWalker     = "missing_walker"
	fieldCategory      = "category"
	fieldProfileID     = "profile_id"
	fieldRowID         = "row_id"
	fieldRoot          = "root"
	maxMutationPayload = 1 << 20
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

type ServiceConfig struct {
	Database *gorm.DB
	Logger   *zap.Logger
	Walker   ClosureWalker
}

// Service serves the authoritative dataset from its own database.
type Service struct {
	db     *gorm.DB
	logger *zap.Logger
	walker ClosureWalker
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, reasonMissingDB, errMissingDatabase)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Service{db: cfg.Database, logger: logger, walker: cfg.Walker}, nil
}

// SetWalker installs the closure walker. It must be called before serving requests.
func (s *Service) SetWalker(walker ClosureWalker) {
	s.walker = walker
}

// Lookup answers row queries against the authoritative tables.
func (s *Service) Lookup(ctx context.Context, lookup graph.Lookup) ([]graph.Link, error) {
	if err := lookup.Validate(); err != nil {
		return nil, newServiceError(opLookup, reasonInvalid, err)
	}
	links, err := store.ExecLookup(s.db.WithContext(ctx), lookup.Category.Table(), lookup)
	if err != nil {
		s.logError(opLookup, reasonQueryFailed, err, zap.String(fieldCategory, string(lookup.Category)))
		return nil, newServiceError(opLookup, reasonQueryFailed, err)
	}
	return links, nil
}

// Fetch loads full rows for materialization on a device.
func (s *Service) Fetch(ctx context.Context, category graph.Category, ids []string) ([]entities.Row, error) {
	if !category.Relational() {
		return nil, newServiceError(opFetch, reasonInvalid, fmt.Errorf("category %q has no rows", category))
	}
	rows, err := store.FetchRows(s.db.WithContext(ctx), category.Table(), ids)
	if err != nil {
		s.logError(opFetch, reasonQueryFailed, err, zap.String(fieldCategory, string(category)))
		return nil, newServiceError(opFetch, reasonQueryFailed, err)
	}
	return rows, nil
}

// DownloadClosure flags every flagged-category row of the closure of root for profileID.
func (s *Service) DownloadClosure(ctx context.Context, root graph.Ref, profileID string) (ClosureOutcome, error) {
	profileID = strings.TrimSpace(profileID)
	if profileID == "" {
		return ClosureOutcome{}, newServiceError(opDownloadClosure, reasonInvalid, errMissingProfileID)
	}
	if !root.Category.Valid() || strings.TrimSpace(root.ID) == "" {
		return ClosureOutcome{}, newServiceError(opDownloadClosure, reasonInvalid, fmt.Errorf("invalid root %s", root))
	}
	if s.walker == nil {
		return ClosureOutcome{}, newServiceError(opDownloadClosure, reasonNoWalker, ErrClosureUnsupported)
	}

	closure, err := s.walker(ctx, root)
	if err != nil {
		s.logError(opDownloadClosure, reasonWalkFailed, err, zap.String(fieldRoot, root.String()))
		return ClosureOutcome{}, newServiceError(opDownloadClosure, reasonWalkFailed, err)
	}

	outcome := ClosureOutcome{Root: root, Categories: make(map[graph.Category]CategoryFlags)}
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, category := range graph.Order() {
			ids := closure[category]
			counts := CategoryFlags{Total: len(ids)}
			if category.Flagged() {
				for _, id := range ids {
					_, changed, _, err := profiles.Update(tx, category.Table(), id, func(set profiles.Set) profiles.Set {
						return set.Add(profileID)
					})
					if err != nil {
						s.logError(opDownloadClosure, reasonFlagFailed, err,
							zap.String(fieldCategory, string(category)),
							zap.String(fieldRowID, id),
							zap.String(fieldProfileID, profileID))
						return newServiceError(opDownloadClosure, reasonFlagFailed, err)
					}
					if changed {
						counts.Flagged++
					}
				}
			}
			if counts.Total > 0 {
				outcome.Categories[category] = counts
			}
		}
		return nil
	})
	if txErr != nil {
		return ClosureOutcome{}, txErr
	}
	return outcome, nil
}

// Apply stores a pushed mutation. Puts upsert the row but never overwrite the
// remote download_profiles of an existing row.
func (s *Service) Apply(ctx context.Context, mutation Mutation) error {
	category, err := graph.Parse(mutation.Table)
	if err != nil || !category.Relational() {
		return newServiceError(opApplyMutation, reasonInvalid, errInvalidMutation)
	}
	if strings.TrimSpace(mutation.RowID) == "" || len(mutation.Row) > maxMutationPayload {
		return newServiceError(opApplyMutation, reasonInvalid, errInvalidMutation)
	}

	switch mutation.Op {
	case store.OpDelete:
		err = s.db.WithContext(ctx).Exec("DELETE FROM "+category.Table()+" WHERE id = ?", mutation.RowID).Error
	case store.OpPut, store.OpPatch:
		err = s.upsert(ctx, category, mutation)
	default:
		return newServiceError(opApplyMutation, reasonInvalid, fmt.Errorf("%w: op %q", errInvalidMutation, mutation.Op))
	}
	if err != nil {
		var serviceErr *ServiceError
		if errors.As(err, &serviceErr) {
			return err
		}
		s.logError(opApplyMutation, reasonWriteFailed, err,
			zap.String(fieldCategory, string(category)),
			zap.String(fieldRowID, mutation.RowID))
		return newServiceError(opApplyMutation, reasonWriteFailed, err)
	}
	return nil
}

func (s *Service) upsert(ctx context.Context, category graph.Category, mutation Mutation) error {
	var row entities.Row
	if err := json.Unmarshal(mutation.Row, &row); err != nil {
		return newServiceError(opApplyMutation, reasonInvalid, err)
	}
	clean, err := entities.Sanitize(category, row)
	if err != nil {
		return newServiceError(opApplyMutation, reasonInvalid, err)
	}
	if clean.ID() != mutation.RowID {
		return newServiceError(opApplyMutation, reasonInvalid, fmt.Errorf("%w: row id mismatch", errInvalidMutation))
	}

	var updates []string
	for column := range clean {
		if column == "id" || column == profiles.Column || column == "created_at" {
			continue
		}
		updates = append(updates, column)
	}
	sort.Strings(updates)
	conflict := clause.OnConflict{Columns: []clause.Column{{Name: "id"}}, DoNothing: len(updates) == 0}
	if len(updates) > 0 {
		conflict.DoUpdates = clause.AssignmentColumns(updates)
	}
	return s.db.WithContext(ctx).Table(category.Table()).Clauses(conflict).Create(map[string]any(clean)).Error
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("remote service error", attrs...)
}
