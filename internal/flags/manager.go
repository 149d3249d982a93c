// Package flags adds a profile to the download_profiles of a discovered closure
// and enqueues the attachments it needs.
package flags

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/questsync/internal/discovery"
	"github.com/MarcoPoloResearchLab/questsync/internal/entities"
	"github.com/MarcoPoloResearchLab/questsync/internal/graph"
	"github.com/MarcoPoloResearchLab/questsync/internal/profiles"
	"github.com/MarcoPoloResearchLab/questsync/internal/store"
	"github.com/MarcoPoloResearchLab/questsync/internal/syncerr"
)

var (
	errMissingStore     = errors.New("local store is required")
	errMissingProfileID = errors.New("profile identifier is required")
	errMissingResult    = errors.New("discovery result is required")
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
	opManagerNew          = "flags.manager.new"
	opFlagForDownload     = "flags.flag_for_download"
	reasonMissingStore    = "missing_store"
	reasonMissingProfile  = "missing_profile"
	reasonMissingResult   = "missing_result"
	reasonLookupFailed    = "lookup_failed"
	reasonWriteFailed     = "write_failed"
	reasonWriteConflict   = "write_conflict"
	reasonEnqueueFailed   = "enqueue_failed"
	fieldCategory         = "category"
	fieldProfileID        = "profile_id"
	fieldAttachmentID     = "attachment_id"
	warningFetchFailedMsg = "remote fetch failed; flagging rows present locally"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// RemoteFetcher loads remote rows for materialization.
type RemoteFetcher interface {
	Fetch(ctx context.Context, category graph.Category, ids []string) ([]entities.Row, error)
}

// AttachmentQueue accepts attachment downloads.
type AttachmentQueue interface {
	EnqueueDownload(ctx context.Context, id string) (bool, error)
}

// CategoryOutcome counts the work done for one category.
type CategoryOutcome struct {
	Requested    int `json:"requested"`
	Flagged      int `json:"flagged"`
	Materialized int `json:"materialized"`
}

// Outcome summarizes a flag pass for confirmation dialogs.
type Outcome struct {
	Profile             string                             `json:"profile"`
	Categories          map[graph.Category]CategoryOutcome `json:"categories"`
	AttachmentsEnqueued []string                           `json:"attachments_enqueued"`
	Warnings            []error                            `json:"-"`
}

func newOutcome(profileID string) Outcome {
	return Outcome{Profile: profileID, Categories: make(map[graph.Category]CategoryOutcome)}
}

// Config wires a Manager.
type Config struct {
	Store       *store.Store
	Remote      RemoteFetcher
	Attachments AttachmentQueue
	Logger      *zap.Logger
}

// Manager writes download flags in topological order, one transaction per category.
type Manager struct {
	store       *store.Store
	remote      RemoteFetcher
	attachments AttachmentQueue
	logger      *zap.Logger
}

func NewManager(cfg Config) (*Manager, error) {
	if cfg.Store == nil {
		return nil, newServiceError(opManagerNew, reasonMissingStore, errMissingStore)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Manager{store: cfg.Store, remote: cfg.Remote, attachments: cfg.Attachments, logger: logger}, nil
}

// FlagForDownload adds profileID to every flagged row of result, materializing
// rows that exist only remotely. Categories are written in graph order and each
// category commits on its own, so an interrupted pass leaves parents flagged
// without children, never the reverse. Cancellation is honored between categories.
func (m *Manager) FlagForDownload(ctx context.Context, result *discovery.Result, profileID string) (Outcome, error) {
	profileID = strings.TrimSpace(profileID)
	if profileID == "" {
		return Outcome{}, newServiceError(opFlagForDownload, reasonMissingProfile, errMissingProfileID)
	}
	if result == nil {
		return Outcome{}, newServiceError(opFlagForDownload, reasonMissingResult, errMissingResult)
	}

	outcome := newOutcome(profileID)
	for _, category := range graph.Order() {
		ids := result.Ordered(category)
		if len(ids) == 0 {
			continue
		}
		if err := ctx.Err(); err != nil {
			return outcome, err
		}
		var err error
		if category == graph.Attachment {
			err = m.enqueueAttachments(ctx, ids, &outcome)
		} else {
			err = m.flagCategory(ctx, category, ids, profileID, &outcome)
		}
		if err != nil {
			return outcome, err
		}
	}
	return outcome, nil
}

func (m *Manager) flagCategory(ctx context.Context, category graph.Category, ids []string, profileID string, outcome *Outcome) error {
	counts := CategoryOutcome{Requested: len(ids)}

	links, err := m.store.Lookup(ctx, graph.ExistenceLookup(category, ids))
	if err != nil {
		m.logError(opFlagForDownload, reasonLookupFailed, err, zap.String(fieldCategory, string(category)))
		return newServiceError(opFlagForDownload, reasonLookupFailed, err)
	}
	present := make(map[string]bool, len(links))
	for _, link := range links {
		present[link.Value] = true
	}
	var absent []string
	for _, id := range ids {
		if !present[id] {
			absent = append(absent, id)
		}
	}

	var fetched []entities.Row
	if len(absent) > 0 && m.remote != nil {
		fetched, err = m.remote.Fetch(ctx, category, absent)
		if err != nil {
			m.logger.Warn(warningFetchFailedMsg, zap.String(fieldCategory, string(category)), zap.Error(err))
			outcome.Warnings = append(outcome.Warnings, &syncerr.CategoryQueryError{Category: category, Err: err})
			fetched = nil
		}
	}
	if len(absent) > 0 && (m.remote == nil || err == nil) {
		returned := make(map[string]bool, len(fetched))
		for _, row := range fetched {
			returned[row.ID()] = true
		}
		for _, id := range absent {
			if !returned[id] {
				outcome.Warnings = append(outcome.Warnings, syncerr.DanglingReference{Table: category.Table(), ID: id})
			}
		}
	}

	// A category that started writing finishes even if ctx is cancelled meanwhile.
	txErr := m.store.Transaction(context.WithoutCancel(ctx), func(tx *store.Tx) error {
		inserted, err := tx.Materialize(category, fetched)
		if err != nil {
			return err
		}
		counts.Materialized = inserted
		if !category.Flagged() {
			return nil
		}
		for _, id := range ids {
			change, err := tx.UpdateProfiles(category, id, func(set profiles.Set) profiles.Set {
				return set.Add(profileID)
			})
			if err != nil {
				return err
			}
			if change.Changed {
				counts.Flagged++
			}
		}
		return nil
	})
	if txErr != nil {
		reason := reasonWriteFailed
		if errors.Is(txErr, syncerr.ErrWriteConflict) {
			reason = reasonWriteConflict
		}
		m.logError(opFlagForDownload, reason, txErr,
			zap.String(fieldCategory, string(category)),
			zap.String(fieldProfileID, profileID))
		return newServiceError(opFlagForDownload, reason, txErr)
	}
	outcome.Categories[category] = counts
	return nil
}

func (m *Manager) enqueueAttachments(ctx context.Context, ids []string, outcome *Outcome) error {
	counts := CategoryOutcome{Requested: len(ids)}
	if m.attachments == nil {
		outcome.Categories[graph.Attachment] = counts
		return nil
	}
	for _, id := range ids {
		enqueued, err := m.attachments.EnqueueDownload(ctx, id)
		if err != nil {
			m.logError(opFlagForDownload, reasonEnqueueFailed, err, zap.String(fieldAttachmentID, id))
			return newServiceError(opFlagForDownload, reasonEnqueueFailed, err)
		}
		if enqueued {
			counts.Flagged++
			outcome.AttachmentsEnqueued = append(outcome.AttachmentsEnqueued, id)
		}
	}
	outcome.Categories[graph.Attachment] = counts
	return nil
}

func (m *Manager) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	m.logger.Error("download flag error", attrs...)
}
