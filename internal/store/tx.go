package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/MarcoPoloResearchLab/questsync/internal/entities"
	"github.com/MarcoPoloResearchLab/questsync/internal/graph"
	"github.com/MarcoPoloResearchLab/questsync/internal/profiles"
)

// Tx is a local transaction. Writes are announced to watchers after commit.
type Tx struct {
	db      *gorm.DB
	now     time.Time
	touched map[graph.Category]map[string]struct{}
}

// ProfileChange describes the outcome of a download_profiles update.
type ProfileChange struct {
	Found   bool
	Changed bool
	After   profiles.Set
}

func (tx *Tx) DB() *gorm.DB {
	return tx.db
}

// Now is the transaction timestamp.
func (tx *Tx) Now() time.Time {
	return tx.now
}

func (tx *Tx) touch(category graph.Category, ids ...string) {
	set, ok := tx.touched[category]
	if !ok {
		set = make(map[string]struct{})
		tx.touched[category] = set
	}
	for _, id := range ids {
		set[id] = struct{}{}
	}
}

// Lookup queries the union of both partitions inside the transaction.
func (tx *Tx) Lookup(_ context.Context, lookup graph.Lookup) ([]graph.Link, error) {
	return unionLookup(tx.db, lookup)
}

// Partition returns a lookup source bound to the transaction.
func (tx *Tx) Partition(partition Partition) PartitionSource {
	return PartitionSource{db: tx.db, partition: partition}
}

// Rows loads rows by identifier from both partitions.
func (tx *Tx) Rows(category graph.Category, ids []string) ([]entities.Row, error) {
	return unionRows(tx.db, category, ids)
}

// PresentIDs maps each present identifier to the partition holding it; local-only wins.
func (tx *Tx) PresentIDs(category graph.Category, ids []string) (map[string]Partition, error) {
	present := make(map[string]Partition, len(ids))
	if len(ids) == 0 {
		return present, nil
	}
	if !category.Relational() {
		return nil, fmt.Errorf("%w: %s", ErrNotRelational, category)
	}
	for _, partition := range Partitions {
		links, err := partitionLookup(tx.db, partition, graph.ExistenceLookup(category, ids))
		if err != nil {
			return nil, err
		}
		for _, link := range links {
			if _, ok := present[link.Value]; !ok {
				present[link.Value] = partition
			}
		}
	}
	return present, nil
}

// Materialize inserts remote rows into the synced partition. Existing rows are
// left alone and flagged rows start with an empty download_profiles set, so only
// profiles of this device ever appear locally.
func (tx *Tx) Materialize(category graph.Category, rows []entities.Row) (int, error) {
	if !category.Relational() {
		return 0, fmt.Errorf("%w: %s", ErrNotRelational, category)
	}
	inserted := 0
	for _, row := range rows {
		clean, err := entities.Sanitize(category, row)
		if err != nil {
			return inserted, err
		}
		id := clean.ID()
		if id == "" {
			continue
		}
		if category.Flagged() {
			clean[profiles.Column] = profiles.Set{}.Encode()
		}
		result := tx.db.Table(TableName(category, PartitionSynced)).
			Clauses(clause.OnConflict{DoNothing: true}).
			Create(map[string]any(clean))
		if result.Error != nil {
			return inserted, fmt.Errorf("materialize %s/%s: %w", category, id, result.Error)
		}
		if result.RowsAffected > 0 {
			inserted++
			tx.touch(category, id)
		}
	}
	return inserted, nil
}

// UpdateProfiles applies mutate to the download_profiles of id in every partition holding it.
func (tx *Tx) UpdateProfiles(category graph.Category, id string, mutate func(profiles.Set) profiles.Set) (ProfileChange, error) {
	if !category.Flagged() {
		return ProfileChange{}, fmt.Errorf("store: %s carries no download_profiles", category)
	}
	var change ProfileChange
	for _, partition := range Partitions {
		after, changed, found, err := profiles.Update(tx.db, TableName(category, partition), id, mutate)
		if err != nil {
			return ProfileChange{}, err
		}
		if !found {
			continue
		}
		if !change.Found {
			change.After = after
		}
		change.Found = true
		change.Changed = change.Changed || changed
	}
	if change.Changed {
		tx.touch(category, id)
	}
	return change, nil
}

// Delete removes ids from both partitions.
func (tx *Tx) Delete(category graph.Category, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	if !category.Relational() {
		return 0, fmt.Errorf("%w: %s", ErrNotRelational, category)
	}
	var total int64
	for _, partition := range Partitions {
		for start := 0; start < len(ids); start += graph.MaxLookupValues {
			end := start + graph.MaxLookupValues
			if end > len(ids) {
				end = len(ids)
			}
			result := tx.db.Exec("DELETE FROM "+quote(TableName(category, partition))+" WHERE id IN ?", ids[start:end])
			if result.Error != nil {
				return total, fmt.Errorf("delete %s: %w", category, result.Error)
			}
			total += result.RowsAffected
		}
	}
	if total > 0 {
		tx.touch(category, ids...)
	}
	return total, nil
}

// InsertLocal writes a row created on this device into the local-only partition
// and queues it for upload.
func (tx *Tx) InsertLocal(category graph.Category, row entities.Row) error {
	if !category.Relational() {
		return fmt.Errorf("%w: %s", ErrNotRelational, category)
	}
	clean, err := entities.Sanitize(category, row)
	if err != nil {
		return err
	}
	id := clean.ID()
	if id == "" {
		return fmt.Errorf("store: %s row without id", category)
	}
	stamp := tx.now.UnixMilli()
	if _, ok := clean["created_at"]; !ok {
		clean["created_at"] = stamp
	}
	clean["last_updated"] = stamp
	if err := tx.db.Table(TableName(category, PartitionLocal)).Create(map[string]any(clean)).Error; err != nil {
		return fmt.Errorf("insert %s/%s: %w", category, id, err)
	}

	payload, err := json.Marshal(clean)
	if err != nil {
		return err
	}
	entry := UploadEntry{
		Target:    category.Table(),
		RowID:     id,
		Op:        OpPut,
		Payload:   string(payload),
		Bytes:     int64(len(payload)),
		CreatedAt: stamp,
	}
	if err := tx.db.Create(&entry).Error; err != nil {
		return fmt.Errorf("queue %s/%s: %w", category, id, err)
	}
	tx.touch(category, id)
	return nil
}

// CompleteUpload moves the uploaded row into the synced partition and drops the queue entry.
func (tx *Tx) CompleteUpload(entry UploadEntry) error {
	category, err := graph.Parse(entry.Target)
	if err != nil {
		return err
	}
	if entry.Op != OpDelete {
		rows, err := FetchRows(tx.db, TableName(category, PartitionLocal), []string{entry.RowID})
		if err != nil {
			return err
		}
		synced := TableName(category, PartitionSynced)
		for _, row := range rows {
			if err := tx.db.Exec("DELETE FROM "+quote(synced)+" WHERE id = ?", entry.RowID).Error; err != nil {
				return err
			}
			if err := tx.db.Table(synced).Create(map[string]any(row)).Error; err != nil {
				return fmt.Errorf("promote %s/%s: %w", category, entry.RowID, err)
			}
		}
		if err := tx.db.Exec("DELETE FROM "+quote(TableName(category, PartitionLocal))+" WHERE id = ?", entry.RowID).Error; err != nil {
			return err
		}
	}
	if err := tx.db.Delete(&UploadEntry{}, entry.ID).Error; err != nil {
		return err
	}
	tx.touch(category, entry.RowID)
	return nil
}
