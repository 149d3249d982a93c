package attachments

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/questsync/internal/blobs"
)

const defaultTransferBatch = 32

// TransferConfig wires a Transfer.
type TransferConfig struct {
	Queue     *Queue
	Blobs     blobs.Store
	Logger    *zap.Logger
	BatchSize int
}

// Transfer moves queued blobs between the device and blob storage.
type Transfer struct {
	queue  *Queue
	blobs  blobs.Store
	logger *zap.Logger
	batch  int
}

// TransferResult counts the work done by one pass.
type TransferResult struct {
	Downloaded int
	Uploaded   int
	Failed     int
}

func NewTransfer(cfg TransferConfig) (*Transfer, error) {
	if cfg.Queue == nil {
		return nil, fmt.Errorf("attachments: queue is required")
	}
	if cfg.Blobs == nil {
		return nil, fmt.Errorf("attachments: blob store is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	batch := cfg.BatchSize
	if batch <= 0 {
		batch = defaultTransferBatch
	}
	return &Transfer{queue: cfg.Queue, blobs: cfg.Blobs, logger: logger, batch: batch}, nil
}

// ProcessOnce uploads and downloads one batch of queued attachments each.
// Individual transfer failures mark the record failed and do not stop the pass.
func (t *Transfer) ProcessOnce(ctx context.Context) (TransferResult, error) {
	var result TransferResult

	uploads, err := t.queue.claim(ctx, DirectionUpload, StateSyncing, t.batch)
	if err != nil {
		return result, err
	}
	for _, record := range uploads {
		if err := t.upload(ctx, record); err != nil {
			result.Failed++
			t.logger.Warn("attachment upload failed", zap.String("attachment_id", record.ID), zap.Error(err))
			if failErr := t.queue.fail(ctx, record.ID, err); failErr != nil {
				return result, failErr
			}
			continue
		}
		result.Uploaded++
	}

	downloads, err := t.queue.claim(ctx, DirectionDownload, StateDownloading, t.batch)
	if err != nil {
		return result, err
	}
	for _, record := range downloads {
		if err := t.download(ctx, record); err != nil {
			result.Failed++
			t.logger.Warn("attachment download failed", zap.String("attachment_id", record.ID), zap.Error(err))
			if failErr := t.queue.fail(ctx, record.ID, err); failErr != nil {
				return result, failErr
			}
			continue
		}
		result.Downloaded++
	}
	return result, nil
}

func (t *Transfer) upload(ctx context.Context, record Record) error {
	if record.LocalURI == nil {
		return fmt.Errorf("no local file")
	}
	file, err := os.Open(*record.LocalURI)
	if err != nil {
		return err
	}
	defer file.Close()
	info, err := file.Stat()
	if err != nil {
		return err
	}
	if err := t.blobs.Put(ctx, record.ID, file, info.Size()); err != nil {
		return err
	}
	return t.queue.complete(ctx, record.ID, nil, info.Size())
}

func (t *Transfer) download(ctx context.Context, record Record) error {
	body, err := t.blobs.Get(ctx, record.ID)
	if errors.Is(err, blobs.ErrNotFound) {
		return fmt.Errorf("blob %s not uploaded yet", record.ID)
	}
	if err != nil {
		return err
	}
	defer body.Close()

	target := t.queue.blobPath(record.ID)
	temp, err := os.CreateTemp(filepath.Dir(target), ".download-*")
	if err != nil {
		return err
	}
	size, err := io.Copy(temp, body)
	if closeErr := temp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(temp.Name())
		return err
	}
	if err := os.Rename(temp.Name(), target); err != nil {
		os.Remove(temp.Name())
		return err
	}
	return t.queue.complete(ctx, record.ID, &target, size)
}
