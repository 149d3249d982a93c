package flags

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/questsync/internal/discovery"
	"github.com/MarcoPoloResearchLab/questsync/internal/graph"
	"github.com/MarcoPoloResearchLab/questsync/internal/remote"
)

const opDownload = "flags.download"

// ClosureDownloader is the server-side closure shortcut.
type ClosureDownloader interface {
	DownloadClosure(ctx context.Context, root graph.Ref, profileID string) (remote.ClosureOutcome, error)
}

// DownloaderConfig wires a Downloader.
type DownloaderConfig struct {
	Engine  *discovery.Engine
	Manager *Manager
	Remote  ClosureDownloader
	Tracker *Tracker
	Logger  *zap.Logger
}

// Downloader is the bulk executor behind "download this quest".
type Downloader struct {
	engine  *discovery.Engine
	manager *Manager
	remote  ClosureDownloader
	tracker *Tracker
	logger  *zap.Logger
}

func NewDownloader(cfg DownloaderConfig) (*Downloader, error) {
	if cfg.Engine == nil || cfg.Manager == nil {
		return nil, fmt.Errorf("flags: discovery engine and manager are required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Downloader{
		engine:  cfg.Engine,
		manager: cfg.Manager,
		remote:  cfg.Remote,
		tracker: cfg.Tracker,
		logger:  logger,
	}, nil
}

// Download flags the closure of root for profileID. The remote shortcut flags
// the server copy first when available; its failure only adds a warning.
// Category errors of discovery become warnings on the outcome.
func (d *Downloader) Download(ctx context.Context, root graph.Ref, profileID string, reporter discovery.Reporter) (Outcome, error) {
	var warnings []error
	if d.remote != nil {
		closure, err := d.remote.DownloadClosure(ctx, root, profileID)
		switch {
		case errors.Is(err, remote.ErrClosureUnsupported):
			d.logger.Debug("remote closure shortcut unavailable", zap.String("root", root.String()))
		case err != nil:
			if ctx.Err() != nil {
				return Outcome{}, ctx.Err()
			}
			d.logger.Warn("remote closure shortcut failed", zap.String("root", root.String()), zap.Error(err))
			warnings = append(warnings, err)
		default:
			d.logger.Info("remote closure flagged",
				zap.String("root", root.String()),
				zap.Int("categories", len(closure.Categories)))
		}
	}

	result, err := d.engine.Discover(ctx, root, discovery.ScopeUnion, reporter)
	if err != nil {
		return Outcome{Profile: profileID}, newServiceError(opDownload, "discovery_failed", err)
	}
	for _, category := range graph.Order() {
		if categoryErr, ok := result.Errors[category]; ok {
			warnings = append(warnings, categoryErr)
		}
	}
	for _, dangling := range result.Dangling {
		warnings = append(warnings, dangling)
	}

	outcome, err := d.manager.FlagOptimistic(ctx, d.tracker, result, profileID)
	outcome.Warnings = append(warnings, outcome.Warnings...)
	if err != nil {
		return outcome, err
	}
	d.logger.Info("closure flagged for download",
		zap.String("root", root.String()),
		zap.String(fieldProfileID, profileID),
		zap.Int("rows", result.Total()),
		zap.Int("attachments_enqueued", len(outcome.AttachmentsEnqueued)),
		zap.Int("warnings", len(outcome.Warnings)))
	return outcome, nil
}
