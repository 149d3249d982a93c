package flags_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MarcoPoloResearchLab/questsync/internal/attachments"
	"github.com/MarcoPoloResearchLab/questsync/internal/discovery"
	"github.com/MarcoPoloResearchLab/questsync/internal/entities"
	"github.com/MarcoPoloResearchLab/questsync/internal/flags"
	"github.com/MarcoPoloResearchLab/questsync/internal/graph"
	"github.com/MarcoPoloResearchLab/questsync/internal/profiles"
	"github.com/MarcoPoloResearchLab/questsync/internal/remote"
	"github.com/MarcoPoloResearchLab/questsync/internal/store"
	"github.com/MarcoPoloResearchLab/questsync/internal/storetest"
)

const profileID = "profile-1"

type harness struct {
	local   *store.Store
	queue   *attachments.Queue
	service *remote.Service
	engine  *discovery.Engine
	manager *flags.Manager
}

func newHarness(t *testing.T, remoteProfiles ...string) *harness {
	t.Helper()
	service, db := storetest.NewRemote(t)
	storetest.SeedProject(storetest.RemoteWriter(t, db), remoteProfiles...)
	local, queue := storetest.NewLocal(t)
	engine, err := discovery.New(discovery.Config{Local: local, Remote: service})
	require.NoError(t, err)
	manager, err := flags.NewManager(flags.Config{Store: local, Remote: service, Attachments: queue})
	require.NoError(t, err)
	return &harness{local: local, queue: queue, service: service, engine: engine, manager: manager}
}

func (h *harness) discover(t *testing.T, root graph.Ref) *discovery.Result {
	t.Helper()
	result, err := h.engine.Discover(context.Background(), root, discovery.ScopeUnion, nil)
	require.NoError(t, err)
	return result
}

func localProfiles(t *testing.T, local *store.Store, category graph.Category, id string) profiles.Set {
	t.Helper()
	rows, err := local.Rows(context.Background(), category, []string{id})
	require.NoError(t, err)
	require.Len(t, rows, 1, "%s/%s not present locally", category, id)
	set, err := profiles.Decode(rows[0][profiles.Column])
	require.NoError(t, err)
	return set
}

func snapshot(t *testing.T, local *store.Store) map[graph.Category][]entities.Row {
	t.Helper()
	state := make(map[graph.Category][]entities.Row)
	for category, ids := range storetest.QuestClosure() {
		if !category.Relational() {
			continue
		}
		rows, err := local.Rows(context.Background(), category, ids)
		require.NoError(t, err)
		state[category] = rows
	}
	return state
}

var questRoot = graph.Ref{Category: graph.Quest, ID: storetest.QuestID}

func TestFlagForDownloadMaterializesAndFlagsClosure(t *testing.T) {
	h := newHarness(t, "someone-else")
	result := h.discover(t, questRoot)

	outcome, err := h.manager.FlagForDownload(context.Background(), result, profileID)
	require.NoError(t, err)

	assert.Equal(t, flags.CategoryOutcome{Requested: 2, Flagged: 2, Materialized: 2}, outcome.Categories[graph.Quest])
	assert.Equal(t, flags.CategoryOutcome{Requested: 3, Flagged: 3, Materialized: 3}, outcome.Categories[graph.Asset])
	assert.Equal(t, flags.CategoryOutcome{Requested: 4, Materialized: 4}, outcome.Categories[graph.QuestAssetLink])
	assert.ElementsMatch(t, []string{storetest.AttachmentOneID, storetest.AttachmentTwoID}, outcome.AttachmentsEnqueued)
	assert.Empty(t, outcome.Warnings)

	assert.Equal(t, profiles.NewSet(profileID), localProfiles(t, h.local, graph.Quest, storetest.QuestID))
	assert.Equal(t, profiles.NewSet(profileID), localProfiles(t, h.local, graph.Project, storetest.ProjectID))
	assert.Equal(t, profiles.NewSet(profileID), localProfiles(t, h.local, graph.Asset, storetest.SharedAssetID))

	state, err := h.queue.State(context.Background(), storetest.AttachmentOneID)
	require.NoError(t, err)
	assert.Equal(t, attachments.StateQueued, state)
}

func TestFlagForDownloadIsIdempotent(t *testing.T) {
	h := newHarness(t)
	result := h.discover(t, questRoot)

	_, err := h.manager.FlagForDownload(context.Background(), result, profileID)
	require.NoError(t, err)
	first := snapshot(t, h.local)

	again, err := h.manager.FlagForDownload(context.Background(), h.discover(t, questRoot), profileID)
	require.NoError(t, err)
	for category, counts := range again.Categories {
		assert.Zero(t, counts.Flagged, "category %s", category)
		assert.Zero(t, counts.Materialized, "category %s", category)
	}
	assert.Empty(t, again.AttachmentsEnqueued)
	assert.Equal(t, first, snapshot(t, h.local))
}

func TestFlagForDownloadUnionsProfiles(t *testing.T) {
	h := newHarness(t)
	result := h.discover(t, questRoot)

	_, err := h.manager.FlagForDownload(context.Background(), result, profileID)
	require.NoError(t, err)
	_, err = h.manager.FlagForDownload(context.Background(), result, "profile-2")
	require.NoError(t, err)
	assert.Equal(t, profiles.NewSet(profileID, "profile-2"), localProfiles(t, h.local, graph.Asset, storetest.AssetOneID))
}

type cancellingFetcher struct {
	inner    flags.RemoteFetcher
	category graph.Category
	cancel   context.CancelFunc
}

func (c cancellingFetcher) Fetch(ctx context.Context, category graph.Category, ids []string) ([]entities.Row, error) {
	if category == c.category {
		c.cancel()
	}
	return c.inner.Fetch(ctx, category, ids)
}

func TestFlagForDownloadStopsAtCategoryBoundaryWithParentsFirst(t *testing.T) {
	h := newHarness(t)
	result := h.discover(t, questRoot)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	manager, err := flags.NewManager(flags.Config{
		Store:       h.local,
		Remote:      cancellingFetcher{inner: h.service, category: graph.Asset, cancel: cancel},
		Attachments: h.queue,
	})
	require.NoError(t, err)

	outcome, err := manager.FlagForDownload(ctx, result, profileID)
	require.ErrorIs(t, err, context.Canceled)

	assert.Equal(t, profiles.NewSet(profileID), localProfiles(t, h.local, graph.Project, storetest.ProjectID))
	assert.Equal(t, profiles.NewSet(profileID), localProfiles(t, h.local, graph.Quest, storetest.QuestID))
	assert.NotContains(t, outcome.Categories, graph.QuestAssetLink)
	rows, err := h.local.Rows(context.Background(), graph.QuestAssetLink, storetest.QuestClosure()[graph.QuestAssetLink])
	require.NoError(t, err)
	assert.Empty(t, rows)
	assert.Empty(t, outcome.AttachmentsEnqueued)

	_, err = h.manager.FlagForDownload(context.Background(), result, profileID)
	require.NoError(t, err)
	assert.Equal(t, profiles.NewSet(profileID), localProfiles(t, h.local, graph.Asset, storetest.AssetOneID))
}

func TestFlagForDownloadWarnsAboutRowsNobodyHas(t *testing.T) {
	h := newHarness(t)
	result := h.discover(t, questRoot)
	result.IDs[graph.Translation] = append(result.IDs[graph.Translation], "translation-ghost")

	outcome, err := h.manager.FlagForDownload(context.Background(), result, profileID)
	require.NoError(t, err)
	require.Len(t, outcome.Warnings, 1)
	assert.Contains(t, outcome.Warnings[0].Error(), "translation-ghost")
}

func TestFlagForDownloadRequiresProfile(t *testing.T) {
	h := newHarness(t)
	_, err := h.manager.FlagForDownload(context.Background(), h.discover(t, questRoot), "  ")
	var serviceErr *flags.ServiceError
	require.ErrorAs(t, err, &serviceErr)
	assert.Equal(t, "flags.flag_for_download.missing_profile", serviceErr.Code())
}

type failingQueue struct{}

func (failingQueue) EnqueueDownload(context.Context, string) (bool, error) {
	return false, errors.New("disk full")
}

func TestFlagOptimisticRollsBackOnFailure(t *testing.T) {
	h := newHarness(t)
	result := h.discover(t, questRoot)
	manager, err := flags.NewManager(flags.Config{Store: h.local, Remote: h.service, Attachments: failingQueue{}})
	require.NoError(t, err)

	var mu sync.Mutex
	var seen []flags.MarkState
	tracker := flags.NewTracker(func(ref graph.Ref, state flags.MarkState) {
		if ref == questRoot {
			mu.Lock()
			seen = append(seen, state)
			mu.Unlock()
		}
	})

	_, err = manager.FlagOptimistic(context.Background(), tracker, result, profileID)
	require.Error(t, err)
	assert.Equal(t, flags.MarkNone, tracker.State(questRoot))
	assert.Equal(t, []flags.MarkState{flags.MarkPending, flags.MarkNone}, seen)

	_, err = h.manager.FlagOptimistic(context.Background(), tracker, result, profileID)
	require.NoError(t, err)
	assert.Equal(t, flags.MarkConfirmed, tracker.State(questRoot))
	assert.Equal(t, flags.MarkConfirmed, tracker.State(graph.Ref{Category: graph.Asset, ID: storetest.AssetTwoID}))
}
