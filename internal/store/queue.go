package store

import (
	"context"
)

// Upload operations recorded in the queue.
const (
	OpPut    = "put"
	OpPatch  = "patch"
	OpDelete = "delete"
)

// UploadEntry is one local mutation waiting to be pushed to the remote store.
type UploadEntry struct {
	ID        int64  `gorm:"column:id;primaryKey;autoIncrement"`
	Target    string `gorm:"column:table_name;not null;size:64"`
	RowID     string `gorm:"column:row_id;not null;size:190"`
	Op        string `gorm:"column:op;not null;size:16"`
	Payload   string `gorm:"column:payload;type:text;not null"`
	Bytes     int64  `gorm:"column:bytes;not null"`
	CreatedAt int64  `gorm:"column:created_at;not null"`
}

func (UploadEntry) TableName() string {
	return "upload_queue"
}

// PendingUploads counts queued mutations and their payload bytes, optionally
// restricted to the given tables.
func (s *Store) PendingUploads(ctx context.Context, tables ...string) (int64, int64, error) {
	var totals struct {
		Count int64
		Bytes int64
	}
	query := s.db.WithContext(ctx).Model(&UploadEntry{}).Select("COUNT(*) AS count, COALESCE(SUM(bytes), 0) AS bytes")
	if len(tables) > 0 {
		query = query.Where("table_name IN ?", tables)
	}
	if err := query.Scan(&totals).Error; err != nil {
		return 0, 0, err
	}
	return totals.Count, totals.Bytes, nil
}

// UploadEntries returns up to limit queued mutations in queue order.
func (s *Store) UploadEntries(ctx context.Context, limit int) ([]UploadEntry, error) {
	var entries []UploadEntry
	query := s.db.WithContext(ctx).Order("id ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&entries).Error; err != nil {
		return nil, err
	}
	return entries, nil
}
