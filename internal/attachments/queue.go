// Package attachments tracks attachment blobs independently of the relational rows referencing them.
package attachments

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// State is the transfer state of an attachment.
type State string

const (
	StateQueued      State = "queued"
	StateSyncing     State = "syncing"
	StateDownloading State = "downloading"
	StateSynced      State = "synced"
	StateFailed      State = "failed"
)

// Direction tells whether an attachment still has to travel up or down.
type Direction string

const (
	DirectionUpload   Direction = "upload"
	DirectionDownload Direction = "download"
)

var (
	ErrNotFound        = errors.New("attachments: attachment not found")
	ErrMissingDatabase = errors.New("attachments: database is required")
)

// Record is one row of the attachment queue.
type Record struct {
	ID              string    `gorm:"column:id;primaryKey;size:190"`
	Filename        string    `gorm:"column:filename;not null;default:''"`
	LocalURI        *string   `gorm:"column:local_uri"`
	State           State     `gorm:"column:state;not null;size:16"`
	Direction       Direction `gorm:"column:direction;not null;size:16"`
	RemoteConfirmed bool      `gorm:"column:remote_confirmed;not null"`
	Size            int64     `gorm:"column:size;not null"`
	LastError       string    `gorm:"column:last_error;not null;default:''"`
	UpdatedAt       int64     `gorm:"column:updated_at;not null"`
}

func (Record) TableName() string {
	return "attachments"
}

// FullySynced reports a blob that is both on this device and confirmed remotely.
func (r Record) FullySynced() bool {
	return r.LocalURI != nil && r.RemoteConfirmed
}

// Stats summarizes attachments still waiting for upload.
type Stats struct {
	Count      int64
	TotalBytes int64
}

// Migrate creates the attachment queue table.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(&Record{})
}

// QueueConfig wires a Queue.
type QueueConfig struct {
	Database   *gorm.DB
	Directory  string
	Logger     *zap.Logger
	Clock      func() time.Time
	IDProvider func() (string, error)
}

// Queue is the attachment queue backed by the local database.
type Queue struct {
	db        *gorm.DB
	directory string
	logger    *zap.Logger
	clock     func() time.Time
	newID     func() (string, error)
}

func NewQueue(cfg QueueConfig) (*Queue, error) {
	if cfg.Database == nil {
		return nil, ErrMissingDatabase
	}
	if strings.TrimSpace(cfg.Directory) == "" {
		return nil, fmt.Errorf("attachments: directory is required")
	}
	if err := os.MkdirAll(cfg.Directory, 0o755); err != nil {
		return nil, fmt.Errorf("attachments: create directory: %w", err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	newID := cfg.IDProvider
	if newID == nil {
		newID = func() (string, error) {
			id, err := uuid.NewV7()
			if err != nil {
				return "", err
			}
			return id.String(), nil
		}
	}
	return &Queue{db: cfg.Database, directory: cfg.Directory, logger: logger, clock: clock, newID: newID}, nil
}

// Directory is where downloaded blobs are written.
func (q *Queue) Directory() string {
	return q.directory
}

// EnqueueDownload queues id for download unless it is already present or on its way.
func (q *Queue) EnqueueDownload(ctx context.Context, id string) (bool, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return false, fmt.Errorf("attachments: id is required")
	}
	enqueued := false
	err := q.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var record Record
		lookup := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", id).Limit(1).Find(&record)
		if lookup.Error != nil {
			return lookup.Error
		}
		if lookup.RowsAffected == 0 {
			enqueued = true
			return tx.Create(&Record{
				ID:              id,
				Filename:        id,
				State:           StateQueued,
				Direction:       DirectionDownload,
				RemoteConfirmed: true,
				UpdatedAt:       q.clock().UTC().UnixMilli(),
			}).Error
		}
		if record.LocalURI != nil || record.Direction == DirectionUpload {
			return nil
		}
		if record.State == StateQueued || record.State == StateDownloading {
			return nil
		}
		enqueued = true
		return tx.Model(&Record{}).Where("id = ?", id).Updates(map[string]any{
			"state":      StateQueued,
			"direction":  DirectionDownload,
			"last_error": "",
			"updated_at": q.clock().UTC().UnixMilli(),
		}).Error
	})
	if err != nil {
		return false, err
	}
	return enqueued, nil
}

// EnqueueUpload registers a file authored on this device and returns its attachment id.
func (q *Queue) EnqueueUpload(ctx context.Context, localPath string) (string, error) {
	info, err := os.Stat(localPath)
	if err != nil {
		return "", fmt.Errorf("attachments: stat %s: %w", localPath, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("attachments: %s is a directory", localPath)
	}
	id, err := q.newID()
	if err != nil {
		return "", err
	}
	absolute, err := filepath.Abs(localPath)
	if err != nil {
		return "", err
	}
	record := Record{
		ID:        id,
		Filename:  filepath.Base(localPath),
		LocalURI:  &absolute,
		State:     StateQueued,
		Direction: DirectionUpload,
		Size:      info.Size(),
		UpdatedAt: q.clock().UTC().UnixMilli(),
	}
	if err := q.db.WithContext(ctx).Create(&record).Error; err != nil {
		return "", err
	}
	return id, nil
}

// Get loads one record.
func (q *Queue) Get(ctx context.Context, id string) (Record, error) {
	var record Record
	lookup := q.db.WithContext(ctx).Where("id = ?", id).Limit(1).Find(&record)
	if lookup.Error != nil {
		return Record{}, lookup.Error
	}
	if lookup.RowsAffected == 0 {
		return Record{}, ErrNotFound
	}
	return record, nil
}

// State reports the transfer state of id.
func (q *Queue) State(ctx context.Context, id string) (State, error) {
	record, err := q.Get(ctx, id)
	if err != nil {
		return "", err
	}
	return record.State, nil
}

// Stats counts attachments authored here that the remote has not confirmed.
func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	var stats Stats
	err := q.db.WithContext(ctx).Model(&Record{}).
		Select("COUNT(*) AS count, COALESCE(SUM(size), 0) AS total_bytes").
		Where("direction = ? AND remote_confirmed = ?", DirectionUpload, false).
		Scan(&stats).Error
	return stats, err
}

// KnownBytes sums the recorded sizes of ids.
func (q *Queue) KnownBytes(ctx context.Context, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	var total int64
	err := q.db.WithContext(ctx).Model(&Record{}).
		Select("COALESCE(SUM(size), 0)").
		Where("id IN ?", ids).
		Scan(&total).Error
	return total, err
}

// Delete removes records and the blobs this queue downloaded for them.
func (q *Queue) Delete(ctx context.Context, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	var records []Record
	if err := q.db.WithContext(ctx).Where("id IN ?", ids).Find(&records).Error; err != nil {
		return 0, err
	}
	for _, record := range records {
		if record.LocalURI == nil || !q.owns(*record.LocalURI) {
			continue
		}
		if err := os.Remove(*record.LocalURI); err != nil && !errors.Is(err, os.ErrNotExist) {
			return 0, fmt.Errorf("attachments: remove blob %s: %w", record.ID, err)
		}
	}
	result := q.db.WithContext(ctx).Where("id IN ?", ids).Delete(&Record{})
	if result.Error != nil {
		return 0, result.Error
	}
	return int(result.RowsAffected), nil
}

// MarkMissing records that the local blob of id disappeared. Blobs the remote
// holds are queued for download again.
func (q *Queue) MarkMissing(ctx context.Context, id string) error {
	record, err := q.Get(ctx, id)
	if err != nil {
		return err
	}
	if record.LocalURI == nil {
		return nil
	}
	updates := map[string]any{
		"local_uri":  nil,
		"updated_at": q.clock().UTC().UnixMilli(),
	}
	if record.RemoteConfirmed {
		updates["state"] = StateQueued
		updates["direction"] = DirectionDownload
	} else {
		updates["state"] = StateFailed
		updates["last_error"] = "local file removed before upload"
	}
	return q.db.WithContext(ctx).Model(&Record{}).Where("id = ?", id).Updates(updates).Error
}

func (q *Queue) claim(ctx context.Context, direction Direction, next State, limit int) ([]Record, error) {
	var claimed []Record
	err := q.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("state = ? AND direction = ?", StateQueued, direction).
			Order("updated_at ASC").Limit(limit).Find(&claimed).Error; err != nil {
			return err
		}
		if len(claimed) == 0 {
			return nil
		}
		ids := make([]string, 0, len(claimed))
		for _, record := range claimed {
			ids = append(ids, record.ID)
		}
		return tx.Model(&Record{}).Where("id IN ?", ids).Updates(map[string]any{
			"state":      next,
			"updated_at": q.clock().UTC().UnixMilli(),
		}).Error
	})
	return claimed, err
}

func (q *Queue) complete(ctx context.Context, id string, localURI *string, size int64) error {
	updates := map[string]any{
		"state":            StateSynced,
		"remote_confirmed": true,
		"size":             size,
		"last_error":       "",
		"updated_at":       q.clock().UTC().UnixMilli(),
	}
	if localURI != nil {
		updates["local_uri"] = *localURI
	}
	return q.db.WithContext(ctx).Model(&Record{}).Where("id = ?", id).Updates(updates).Error
}

func (q *Queue) fail(ctx context.Context, id string, cause error) error {
	return q.db.WithContext(ctx).Model(&Record{}).Where("id = ?", id).Updates(map[string]any{
		"state":      StateFailed,
		"last_error": cause.Error(),
		"updated_at": q.clock().UTC().UnixMilli(),
	}).Error
}

func (q *Queue) owns(path string) bool {
	relative, err := filepath.Rel(q.directory, path)
	if err != nil {
		return false
	}
	return relative != "." && !strings.HasPrefix(relative, "..")
}

func (q *Queue) blobPath(id string) string {
	return filepath.Join(q.directory, filepath.Base(id))
}
