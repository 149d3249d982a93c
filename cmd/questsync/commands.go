package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/questsync/internal/attachments"
	"github.com/MarcoPoloResearchLab/questsync/internal/discovery"
	"github.com/MarcoPoloResearchLab/questsync/internal/flags"
	"github.com/MarcoPoloResearchLab/questsync/internal/graph"
	"github.com/MarcoPoloResearchLab/questsync/internal/hierarchy"
	"github.com/MarcoPoloResearchLab/questsync/internal/offload"
	"github.com/MarcoPoloResearchLab/questsync/internal/uploads"
	"github.com/MarcoPoloResearchLab/questsync/internal/watcher"
)

const defaultSyncInterval = 30 * time.Second

// withDevice opens the device, runs fn with a signal-aware context and closes it.
func withDevice(cmd *cobra.Command, fn func(ctx context.Context, d *device) error) error {
	d, err := openDevice()
	if err != nil {
		return err
	}
	defer d.close()
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return fn(ctx, d)
}

func writeJSON(out io.Writer, value any) error {
	encoder := json.NewEncoder(out)
	encoder.SetIndent("", "  ")
	return encoder.Encode(value)
}

func newDownloadCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "download <category:id>",
		Short: "Flag the closure of a root for download on this device",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			root, err := parseRoot(args)
			if err != nil {
				return err
			}
			return withDevice(cmd, func(ctx context.Context, d *device) error {
				manager, err := flags.NewManager(flags.Config{Store: d.store, Remote: d.remote, Attachments: d.queue, Logger: d.logger})
				if err != nil {
					return err
				}
				tracker := flags.NewTracker(func(ref graph.Ref, state flags.MarkState) {
					d.logger.Debug("download mark", zap.String("ref", ref.String()), zap.Any("state", state))
				})
				downloader, err := flags.NewDownloader(flags.DownloaderConfig{
					Engine:  d.engine,
					Manager: manager,
					Remote:  d.remote,
					Tracker: tracker,
					Logger:  d.logger,
				})
				if err != nil {
					return err
				}
				reporter := discovery.ReporterFunc(func(category graph.Category, count int) {
					d.logger.Debug("discovered", zap.String("category", string(category)), zap.Int("count", count))
				})
				outcome, err := downloader.Download(ctx, root, d.config.ProfileID, reporter)
				for _, warning := range outcome.Warnings {
					fmt.Fprintf(cmd.ErrOrStderr(), "warning: %v\n", warning)
				}
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), outcome)
			})
		},
	}
}

// newMachine builds the offload state machine of root for the device profile.
func newMachine(ctx context.Context, d *device, root graph.Ref) (*offload.Machine, error) {
	blobStore, err := d.blobStore(ctx)
	if err != nil {
		return nil, err
	}
	board := offload.NewBoard(func(category graph.Category, counter offload.Counter) {
		d.logger.Debug("verification progress",
			zap.String("category", string(category)),
			zap.Int("count", counter.Count),
			zap.Int("verified", counter.Verified),
			zap.Bool("has_error", counter.HasError))
	})
	localEngine, err := discovery.New(discovery.Config{
		Local:           d.store,
		Sizer:           d.queue,
		Logger:          d.logger,
		MaxDepth:        d.config.MaxDepth,
		CategoryTimeout: d.config.CategoryTimeout,
		Concurrency:     d.config.Concurrency,
	})
	if err != nil {
		return nil, err
	}
	return offload.NewMachine(offload.Config{
		Store:           d.store,
		Gate:            d.monitor,
		Engine:          localEngine,
		Remote:          d.remote,
		Blobs:           blobStore,
		Attachments:     d.queue,
		Board:           board,
		Logger:          d.logger,
		CategoryTimeout: d.config.CategoryTimeout,
		Concurrency:     d.config.Concurrency,
		OnTransition: func(state offload.State) {
			d.logger.Info("offload state", zap.String("state", state.String()))
		},
	}, root, d.config.ProfileID)
}

func printState(out io.Writer, state offload.State) {
	fmt.Fprintf(out, "state: %s\n", state)
	switch {
	case state.Phase == offload.PhaseBlocked && state.Reason == offload.BlockedPendingUploads:
		fmt.Fprintf(out, "pending uploads: %d rows, %d bytes\n", state.Pending.Count, state.Pending.Bytes)
	case state.Report != nil && !state.Report.Empty():
		fmt.Fprintln(out, state.Report.String())
	case state.Phase == offload.PhaseDone && state.Plan != nil:
		categories := make([]string, 0, len(state.Plan.Delete))
		for category := range state.Plan.Delete {
			categories = append(categories, string(category))
		}
		sort.Strings(categories)
		for _, category := range categories {
			fmt.Fprintf(out, "deleted %s: %d\n", category, len(state.Plan.Delete[graph.Category(category)]))
		}
	case state.Phase == offload.PhaseFailed && state.Err != nil:
		fmt.Fprintf(out, "error: %v\n", state.Err)
	}
}

func newVerifyCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "verify <category:id>",
		Short: "Check that every row and attachment of a closure is safe on the remote",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			root, err := parseRoot(args)
			if err != nil {
				return err
			}
			return withDevice(cmd, func(ctx context.Context, d *device) error {
				machine, err := newMachine(ctx, d, root)
				if err != nil {
					return err
				}
				state, err := machine.Verify(ctx)
				printState(cmd.OutOrStdout(), state)
				return err
			})
		},
	}
}

func newOffloadCommand() *cobra.Command {
	var force bool
	command := &cobra.Command{
		Use:   "offload <category:id>",
		Short: "Verify a closure and remove it from this device",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			root, err := parseRoot(args)
			if err != nil {
				return err
			}
			return withDevice(cmd, func(ctx context.Context, d *device) error {
				machine, err := newMachine(ctx, d, root)
				if err != nil {
					return err
				}
				state, err := machine.Verify(ctx)
				if err != nil {
					printState(cmd.OutOrStdout(), state)
					return err
				}
				if state.Phase == offload.PhaseBlocked && force {
					if state, err = machine.ForceReady(); err != nil {
						return err
					}
				}
				if state.Phase != offload.PhaseReadyToOffload {
					printState(cmd.OutOrStdout(), state)
					return fmt.Errorf("offload blocked: %s", state)
				}
				state, err = machine.Offload(ctx)
				printState(cmd.OutOrStdout(), state)
				return err
			})
		},
	}
	command.Flags().BoolVar(&force, "force", false, "Offload despite verification errors (debug builds only)")
	return command
}

func newPushCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "push",
		Short: "Upload queued local writes to the remote",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDevice(cmd, func(ctx context.Context, d *device) error {
				pusher, err := uploads.NewPusher(uploads.PusherConfig{Store: d.store, Remote: d.remote, Monitor: d.monitor, Logger: d.logger})
				if err != nil {
					return err
				}
				pushed, err := pusher.Push(ctx)
				fmt.Fprintf(cmd.OutOrStdout(), "pushed %d mutations\n", pushed)
				if err != nil {
					return err
				}
				pending, err := d.monitor.Pending(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "pending: %d items, %d bytes\n", pending.Count, pending.Bytes)
				return nil
			})
		},
	}
}

func newAttachmentsCommand() *cobra.Command {
	command := &cobra.Command{
		Use:   "attachments",
		Short: "Manage attachment blobs on this device",
	}
	var watch bool
	var interval time.Duration
	syncCommand := &cobra.Command{
		Use:   "sync",
		Short: "Transfer queued attachment uploads and downloads",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDevice(cmd, func(ctx context.Context, d *device) error {
				blobStore, err := d.blobStore(ctx)
				if err != nil {
					return err
				}
				transfer, err := attachments.NewTransfer(attachments.TransferConfig{Queue: d.queue, Blobs: blobStore, Logger: d.logger})
				if err != nil {
					return err
				}
				if !watch {
					return runTransfer(ctx, cmd.OutOrStdout(), transfer)
				}
				return watchTransfers(ctx, cmd.OutOrStdout(), d, transfer, interval)
			})
		},
	}
	syncCommand.Flags().BoolVar(&watch, "watch", false, "Keep syncing and track blobs removed from the attachment directory")
	syncCommand.Flags().DurationVar(&interval, "interval", defaultSyncInterval, "Pause between sync passes with --watch")

	statsCommand := &cobra.Command{
		Use:   "stats",
		Short: "Show the attachment queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDevice(cmd, func(ctx context.Context, d *device) error {
				stats, err := d.queue.Stats(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "attachments: %d, %d bytes\n", stats.Count, stats.TotalBytes)
				return nil
			})
		},
	}
	command.AddCommand(syncCommand, statsCommand)
	return command
}

func runTransfer(ctx context.Context, out io.Writer, transfer *attachments.Transfer) error {
	result, err := transfer.ProcessOnce(ctx)
	fmt.Fprintf(out, "downloaded %d, uploaded %d, failed %d\n", result.Downloaded, result.Uploaded, result.Failed)
	return err
}

func watchTransfers(ctx context.Context, out io.Writer, d *device, transfer *attachments.Transfer, interval time.Duration) error {
	dirWatcher, err := attachments.NewDirWatcher(d.queue, d.logger)
	if err != nil {
		return err
	}
	if err := dirWatcher.Start(ctx); err != nil {
		return err
	}
	defer dirWatcher.Stop() //nolint:errcheck

	if interval <= 0 {
		interval = defaultSyncInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if err := runTransfer(ctx, out, transfer); err != nil && !errors.Is(err, context.Canceled) {
			d.logger.Warn("attachment sync pass failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func newWatchCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "watch <category:id>",
		Short: "Report when a root becomes downloaded for the device profile",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			root, err := parseRoot(args)
			if err != nil {
				return err
			}
			return withDevice(cmd, func(ctx context.Context, d *device) error {
				out := cmd.OutOrStdout()
				statusWatcher, err := watcher.New(watcher.Config{
					Store:     d.store,
					Root:      root,
					ProfileID: d.config.ProfileID,
					OnDownloaded: func(ref graph.Ref) {
						fmt.Fprintf(out, "%s downloaded\n", ref)
					},
					Logger: d.logger,
				})
				if err != nil {
					return err
				}
				if err := statusWatcher.Start(ctx); err != nil {
					return err
				}
				defer statusWatcher.Stop()
				fmt.Fprintf(out, "%s downloaded: %t\n", root, statusWatcher.Downloaded())
				<-ctx.Done()
				return nil
			})
		},
	}
}

func newHierarchyCommand() *cobra.Command {
	command := &cobra.Command{
		Use:   "hierarchy",
		Short: "Resolve container quests",
	}
	var projectID, parentID, tag, name string
	resolveCommand := &cobra.Command{
		Use:   "resolve",
		Short: "Find or create the quest tagged key:value under a project or parent",
		RunE: func(cmd *cobra.Command, args []string) error {
			key, value, err := hierarchy.ParseTag(tag)
			if err != nil {
				return err
			}
			return withDevice(cmd, func(ctx context.Context, d *device) error {
				resolver, err := hierarchy.NewResolver(hierarchy.Config{Store: d.store, Remote: d.remote, Logger: d.logger})
				if err != nil {
					return err
				}
				request := hierarchy.Request{
					ProjectID: projectID,
					TagKey:    key,
					TagValue:  value,
					Name:      name,
					ProfileID: d.config.ProfileID,
				}
				if parentID != "" {
					request.ParentID = graph.StringPtr(parentID)
				}
				resolution, err := resolver.FindOrCreate(ctx, request)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s (%s)\n", resolution.QuestID, resolution.Origin)
				return nil
			})
		},
	}
	resolveCommand.Flags().StringVar(&projectID, "project", "", "Project id")
	resolveCommand.Flags().StringVar(&parentID, "parent", "", "Parent quest id")
	resolveCommand.Flags().StringVar(&tag, "tag", "", "Tag as key:value")
	resolveCommand.Flags().StringVar(&name, "name", "", "Quest name for matching and creation")
	_ = resolveCommand.MarkFlagRequired("project")
	_ = resolveCommand.MarkFlagRequired("tag")
	command.AddCommand(resolveCommand)
	return command
}
