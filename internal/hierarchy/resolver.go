// Package hierarchy finds or creates the container quests of a project tree by tag.
package hierarchy

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/questsync/internal/entities"
	"github.com/MarcoPoloResearchLab/questsync/internal/graph"
	"github.com/MarcoPoloResearchLab/questsync/internal/profiles"
	"github.com/MarcoPoloResearchLab/questsync/internal/store"
)

var ErrInvalidTag = errors.New("hierarchy: tag must look like key:value")

// Source answers batched lookups.
type Source interface {
	Lookup(ctx context.Context, lookup graph.Lookup) ([]graph.Link, error)
}

// Origin tells where a quest was found.
type Origin string

const (
	OriginLocalOnly Origin = "local_only"
	OriginSynced    Origin = "synced"
	OriginRemote    Origin = "remote"
	OriginName      Origin = "name"
	OriginCreated   Origin = "created"
)

// Request identifies a container quest by project, parent and tag.
type Request struct {
	ProjectID string
	ParentID  *string
	TagKey    string
	TagValue  string
	// Name is used for matching quests created before tags existed and for new quests.
	Name      string
	ProfileID string
}

func (r Request) lockKey() string {
	parent := ""
	if r.ParentID != nil {
		parent = *r.ParentID
	}
	return r.ProjectID + "|" + parent + "|" + r.TagKey + ":" + r.TagValue
}

// Resolution is the quest a request resolved to.
type Resolution struct {
	QuestID string
	Origin  Origin
}

// Config wires a Resolver.
type Config struct {
	Store  *store.Store
	Remote Source
	Logger *zap.Logger
	NewID  func() (string, error)
}

// Resolver resolves container quests. Calls for the same key are serialized.
type Resolver struct {
	store  *store.Store
	remote Source
	logger *zap.Logger
	newID  func() (string, error)

	mu    sync.Mutex
	locks map[string]*keyLock
}

// keyLock serializes resolutions of one key; waiters counts holders and
// callers queued on it so the entry can be dropped once nobody needs it.
type keyLock struct {
	sync.Mutex
	waiters int
}

func NewResolver(cfg Config) (*Resolver, error) {
	if cfg.Store == nil {
		return nil, errors.New("hierarchy: local store is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	newID := cfg.NewID
	if newID == nil {
		newID = func() (string, error) {
			id, err := uuid.NewV7()
			if err != nil {
				return "", err
			}
			return id.String(), nil
		}
	}
	return &Resolver{store: cfg.Store, remote: cfg.Remote, logger: logger, newID: newID, locks: make(map[string]*keyLock)}, nil
}

// ParseTag splits key:value.
func ParseTag(raw string) (string, string, error) {
	key, value, found := strings.Cut(raw, ":")
	key = strings.TrimSpace(key)
	value = strings.TrimSpace(value)
	if !found || key == "" || value == "" {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidTag, raw)
	}
	return key, value, nil
}

func (r *Resolver) lock(key string) func() {
	r.mu.Lock()
	entry, ok := r.locks[key]
	if !ok {
		entry = &keyLock{}
		r.locks[key] = entry
	}
	entry.waiters++
	r.mu.Unlock()
	entry.Lock()
	return func() {
		entry.Unlock()
		r.mu.Lock()
		entry.waiters--
		if entry.waiters == 0 {
			delete(r.locks, key)
		}
		r.mu.Unlock()
	}
}

// FindOrCreate returns the quest tagged TagKey:TagValue under ParentID in the
// project, searching unsynced local rows, synced rows and the remote store in
// that order, then falling back to the quest name. Only when every lookup
// misses is a quest created, together with its tag and tag link.
func (r *Resolver) FindOrCreate(ctx context.Context, request Request) (Resolution, error) {
	request.ProjectID = strings.TrimSpace(request.ProjectID)
	request.TagKey = strings.TrimSpace(request.TagKey)
	request.TagValue = strings.TrimSpace(request.TagValue)
	request.Name = strings.TrimSpace(request.Name)
	request.ProfileID = strings.TrimSpace(request.ProfileID)
	if request.ProjectID == "" {
		return Resolution{}, errors.New("hierarchy: project is required")
	}
	if request.TagKey == "" || request.TagValue == "" {
		return Resolution{}, fmt.Errorf("%w: %q", ErrInvalidTag, request.TagKey+":"+request.TagValue)
	}
	if request.ProfileID == "" {
		return Resolution{}, errors.New("hierarchy: profile is required")
	}
	unlock := r.lock(request.lockKey())
	defer unlock()

	logger := r.logger.With(zap.String("project_id", request.ProjectID), zap.String("tag", request.TagKey+":"+request.TagValue))
	stages := []lookupStage{
		{origin: OriginLocalOnly, tags: r.store, quests: r.store.Partition(store.PartitionLocal)},
		{origin: OriginSynced, tags: r.store, quests: r.store.Partition(store.PartitionSynced)},
	}
	if r.remote != nil {
		stages = append(stages, lookupStage{origin: OriginRemote, tags: r.remote, quests: r.remote})
	}
	for _, stage := range stages {
		questID, err := byTag(ctx, stage.tags, stage.quests, request)
		if err != nil {
			return Resolution{}, fmt.Errorf("hierarchy: %s lookup: %w", stage.origin, err)
		}
		if questID != "" {
			logger.Debug("quest resolved by tag", zap.String("origin", string(stage.origin)), zap.String("quest_id", questID))
			return Resolution{QuestID: questID, Origin: stage.origin}, nil
		}
	}

	if request.Name != "" {
		for _, source := range []Source{r.store, r.remote} {
			if source == nil {
				continue
			}
			questID, err := byName(ctx, source, request)
			if err != nil {
				return Resolution{}, fmt.Errorf("hierarchy: name lookup: %w", err)
			}
			if questID != "" {
				logger.Info("quest resolved by name; tag missing", zap.String("quest_id", questID))
				return Resolution{QuestID: questID, Origin: OriginName}, nil
			}
		}
	}

	remoteTagID := ""
	if r.remote != nil {
		tagIDs, err := tagIDs(ctx, r.remote, request)
		if err != nil {
			return Resolution{}, fmt.Errorf("hierarchy: remote tag lookup: %w", err)
		}
		if len(tagIDs) > 0 {
			remoteTagID = tagIDs[0]
		}
	}
	return r.create(ctx, request, remoteTagID, logger)
}

type lookupStage struct {
	origin Origin
	tags   Source
	quests Source
}

func (r *Resolver) create(ctx context.Context, request Request, remoteTagID string, logger *zap.Logger) (Resolution, error) {
	var resolution Resolution
	err := r.store.Transaction(ctx, func(tx *store.Tx) error {
		existing, err := byTag(ctx, tx, tx, request)
		if err != nil {
			return err
		}
		if existing == "" && request.Name != "" {
			if existing, err = byName(ctx, tx, request); err != nil {
				return err
			}
		}
		if existing != "" {
			resolution = Resolution{QuestID: existing, Origin: OriginLocalOnly}
			return nil
		}

		tagIDs, err := tagIDs(ctx, tx, request)
		if err != nil {
			return err
		}
		tagID := remoteTagID
		if len(tagIDs) > 0 {
			tagID = tagIDs[0]
		}
		if tagID == "" {
			if tagID, err = r.newID(); err != nil {
				return err
			}
			if err := tx.InsertLocal(graph.Tag, entities.Row{"id": tagID, "key": request.TagKey, "value": request.TagValue, "active": true}); err != nil {
				return err
			}
		}

		questID, err := r.newID()
		if err != nil {
			return err
		}
		name := request.Name
		if name == "" {
			name = request.TagValue
		}
		quest := entities.Row{
			"id":            questID,
			"project_id":    request.ProjectID,
			"name":          name,
			"active":        true,
			"visible":       true,
			"creator_id":    request.ProfileID,
			profiles.Column: profiles.NewSet(request.ProfileID).Encode(),
		}
		if request.ParentID != nil {
			quest["parent_id"] = *request.ParentID
		}
		if err := tx.InsertLocal(graph.Quest, quest); err != nil {
			return err
		}
		linkID, err := r.newID()
		if err != nil {
			return err
		}
		if err := tx.InsertLocal(graph.QuestTagLink, entities.Row{"id": linkID, "quest_id": questID, "tag_id": tagID, "active": true}); err != nil {
			return err
		}
		resolution = Resolution{QuestID: questID, Origin: OriginCreated}
		return nil
	})
	if err != nil {
		return Resolution{}, fmt.Errorf("hierarchy: create: %w", err)
	}
	if resolution.Origin == OriginCreated {
		logger.Info("quest created", zap.String("quest_id", resolution.QuestID))
	}
	return resolution, nil
}

func tagIDs(ctx context.Context, source Source, request Request) ([]string, error) {
	links, err := source.Lookup(ctx, graph.Lookup{
		Category: graph.Tag,
		Match:    "key",
		Values:   []string{request.TagKey},
		Select:   "id",
		Filters:  []graph.Filter{{Column: "value", Value: graph.StringPtr(request.TagValue)}},
	})
	if err != nil {
		return nil, err
	}
	ids := graph.Values(links)
	sort.Strings(ids)
	return ids, nil
}

func questFilters(request Request) []graph.Filter {
	return []graph.Filter{
		{Column: "project_id", Value: graph.StringPtr(request.ProjectID)},
		{Column: "parent_id", Value: request.ParentID},
	}
}

func byTag(ctx context.Context, tags Source, quests Source, request Request) (string, error) {
	ids, err := tagIDs(ctx, tags, request)
	if err != nil || len(ids) == 0 {
		return "", err
	}
	links, err := tags.Lookup(ctx, graph.Lookup{Category: graph.QuestTagLink, Match: "tag_id", Values: ids, Select: "quest_id"})
	if err != nil {
		return "", err
	}
	questIDs := graph.Values(links)
	if len(questIDs) == 0 {
		return "", nil
	}
	matches, err := quests.Lookup(ctx, graph.Lookup{Category: graph.Quest, Match: "id", Values: questIDs, Select: "id", Filters: questFilters(request)})
	if err != nil {
		return "", err
	}
	return first(matches), nil
}

func byName(ctx context.Context, source Source, request Request) (string, error) {
	matches, err := source.Lookup(ctx, graph.Lookup{Category: graph.Quest, Match: "name", Values: []string{request.Name}, Select: "id", Filters: questFilters(request)})
	if err != nil {
		return "", err
	}
	return first(matches), nil
}

func first(links []graph.Link) string {
	ids := graph.Values(links)
	if len(ids) == 0 {
		return ""
	}
	sort.Strings(ids)
	return ids[0]
}
