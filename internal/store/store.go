// Package store is the local embedded store: two partitions per entity table,
// the upload queue, and change notifications for watchers.
package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/MarcoPoloResearchLab/questsync/internal/entities"
	"github.com/MarcoPoloResearchLab/questsync/internal/graph"
)

// Partition is one of the two logical row sets kept per table.
type Partition string

const (
	// PartitionLocal holds rows written on this device and not yet pushed.
	PartitionLocal Partition = "local"
	// PartitionSynced mirrors rows confirmed by the remote store.
	PartitionSynced Partition = "synced"
)

// Partitions lists partitions in lookup priority order.
var Partitions = []Partition{PartitionLocal, PartitionSynced}

var (
	ErrMissingDatabase = errors.New("store: database is required")
	ErrNotRelational   = errors.New("store: category has no table")
)

// TableName returns the physical table of category in partition.
func TableName(category graph.Category, partition Partition) string {
	return category.Table() + "_" + string(partition)
}

// Config wires a Store.
type Config struct {
	Database *gorm.DB
	Logger   *zap.Logger
	Clock    func() time.Time
}

// Store reads and writes the local partitions.
type Store struct {
	db      *gorm.DB
	logger  *zap.Logger
	clock   func() time.Time
	changes *ChangeDispatcher
}

func New(cfg Config) (*Store, error) {
	if cfg.Database == nil {
		return nil, ErrMissingDatabase
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Store{
		db:      cfg.Database,
		logger:  logger,
		clock:   clock,
		changes: NewChangeDispatcher(),
	}, nil
}

// DB exposes the underlying handle for collaborators sharing the database file.
func (s *Store) DB() *gorm.DB {
	return s.db
}

// Changes exposes the change dispatcher.
func (s *Store) Changes() *ChangeDispatcher {
	return s.changes
}

// Lookup queries the union of both partitions.
func (s *Store) Lookup(ctx context.Context, lookup graph.Lookup) ([]graph.Link, error) {
	return unionLookup(s.db.WithContext(ctx), lookup)
}

// QueryLocalOnly queries only rows awaiting push.
func (s *Store) QueryLocalOnly(ctx context.Context, lookup graph.Lookup) ([]graph.Link, error) {
	return partitionLookup(s.db.WithContext(ctx), PartitionLocal, lookup)
}

// QuerySynced queries only rows confirmed by the remote store.
func (s *Store) QuerySynced(ctx context.Context, lookup graph.Lookup) ([]graph.Link, error) {
	return partitionLookup(s.db.WithContext(ctx), PartitionSynced, lookup)
}

// Partition returns a lookup source restricted to one partition.
func (s *Store) Partition(partition Partition) PartitionSource {
	return PartitionSource{db: s.db, partition: partition}
}

// Rows loads rows by identifier from both partitions; local-only rows win.
func (s *Store) Rows(ctx context.Context, category graph.Category, ids []string) ([]entities.Row, error) {
	return unionRows(s.db.WithContext(ctx), category, ids)
}

// Transaction runs fn inside one local transaction and announces its writes after commit.
func (s *Store) Transaction(ctx context.Context, fn func(tx *Tx) error) error {
	tx := &Tx{now: s.clock().UTC(), touched: make(map[graph.Category]map[string]struct{})}
	err := s.db.WithContext(ctx).Transaction(func(gtx *gorm.DB) error {
		tx.db = gtx
		return fn(tx)
	})
	if err != nil {
		return err
	}
	s.announce(tx.touched)
	return nil
}

func (s *Store) announce(touched map[graph.Category]map[string]struct{}) {
	now := s.clock().UTC()
	for category, ids := range touched {
		change := Change{Category: category, Timestamp: now}
		for id := range ids {
			change.IDs = append(change.IDs, id)
		}
		sort.Strings(change.IDs)
		s.changes.Publish(change)
	}
}

// PartitionSource looks rows up in a single partition.
type PartitionSource struct {
	db        *gorm.DB
	partition Partition
}

func (p PartitionSource) Lookup(ctx context.Context, lookup graph.Lookup) ([]graph.Link, error) {
	return partitionLookup(p.db.WithContext(ctx), p.partition, lookup)
}

func partitionLookup(db *gorm.DB, partition Partition, lookup graph.Lookup) ([]graph.Link, error) {
	if !lookup.Category.Relational() {
		return nil, fmt.Errorf("%w: %s", ErrNotRelational, lookup.Category)
	}
	return ExecLookup(db, TableName(lookup.Category, partition), lookup)
}

func unionLookup(db *gorm.DB, lookup graph.Lookup) ([]graph.Link, error) {
	var sets [][]graph.Link
	for _, partition := range Partitions {
		links, err := partitionLookup(db, partition, lookup)
		if err != nil {
			return nil, err
		}
		sets = append(sets, links)
	}
	return mergeLinks(sets...), nil
}

func unionRows(db *gorm.DB, category graph.Category, ids []string) ([]entities.Row, error) {
	if !category.Relational() {
		return nil, fmt.Errorf("%w: %s", ErrNotRelational, category)
	}
	seen := make(map[string]bool, len(ids))
	var result []entities.Row
	for _, partition := range Partitions {
		rows, err := FetchRows(db, TableName(category, partition), ids)
		if err != nil {
			return nil, err
		}
		for _, row := range rows {
			id := row.ID()
			if seen[id] {
				continue
			}
			seen[id] = true
			result = append(result, row)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID() < result[j].ID() })
	return result, nil
}
