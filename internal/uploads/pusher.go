package uploads

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/questsync/internal/remote"
	"github.com/MarcoPoloResearchLab/questsync/internal/store"
)

const defaultPushBatch = 64

// Writer applies pushed mutations remotely.
type Writer interface {
	Apply(ctx context.Context, mutation remote.Mutation) error
}

// PusherConfig wires a Pusher.
type PusherConfig struct {
	Store     *store.Store
	Remote    Writer
	Monitor   *Monitor
	Logger    *zap.Logger
	BatchSize int
}

// Pusher drains the upload queue in order.
type Pusher struct {
	store   *store.Store
	remote  Writer
	monitor *Monitor
	logger  *zap.Logger
	batch   int
}

func NewPusher(cfg PusherConfig) (*Pusher, error) {
	if cfg.Store == nil || cfg.Remote == nil {
		return nil, errors.New("uploads: store and remote writer are required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	batch := cfg.BatchSize
	if batch <= 0 {
		batch = defaultPushBatch
	}
	return &Pusher{store: cfg.Store, remote: cfg.Remote, monitor: cfg.Monitor, logger: logger, batch: batch}, nil
}

// Push applies queued mutations one by one and promotes each pushed row into
// the synced partition. The first failure stops the push so later mutations
// never overtake earlier ones.
func (p *Pusher) Push(ctx context.Context) (int, error) {
	pushed := 0
	for {
		entries, err := p.store.UploadEntries(ctx, p.batch)
		if err != nil {
			return pushed, p.fail(err)
		}
		if len(entries) == 0 {
			break
		}
		for _, entry := range entries {
			if err := ctx.Err(); err != nil {
				return pushed, err
			}
			if err := p.pushOne(ctx, entry); err != nil {
				p.logger.Warn("push stopped",
					zap.Int64("entry_id", entry.ID),
					zap.String("table", entry.Target),
					zap.String("row_id", entry.RowID),
					zap.Error(err))
				return pushed, p.fail(err)
			}
			pushed++
		}
	}
	if p.monitor != nil {
		p.monitor.NotifyPushCompleted(pushed)
	}
	if pushed > 0 {
		p.logger.Info("pushed local writes", zap.Int("rows", pushed))
	}
	return pushed, nil
}

func (p *Pusher) pushOne(ctx context.Context, entry store.UploadEntry) error {
	mutation := remote.Mutation{Table: entry.Target, Op: entry.Op, RowID: entry.RowID}
	if entry.Op != store.OpDelete {
		if !json.Valid([]byte(entry.Payload)) {
			return fmt.Errorf("entry %d: invalid payload", entry.ID)
		}
		mutation.Row = json.RawMessage(entry.Payload)
	}
	if err := p.remote.Apply(ctx, mutation); err != nil {
		return fmt.Errorf("apply %s/%s: %w", entry.Target, entry.RowID, err)
	}
	return p.store.Transaction(ctx, func(tx *store.Tx) error {
		return tx.CompleteUpload(entry)
	})
}

func (p *Pusher) fail(err error) error {
	if p.monitor != nil && !errors.Is(err, context.Canceled) {
		p.monitor.RecordError(err)
	}
	return err
}
