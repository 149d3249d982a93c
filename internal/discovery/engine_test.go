package discovery_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MarcoPoloResearchLab/questsync/internal/discovery"
	"github.com/MarcoPoloResearchLab/questsync/internal/entities"
	"github.com/MarcoPoloResearchLab/questsync/internal/graph"
	"github.com/MarcoPoloResearchLab/questsync/internal/store"
	"github.com/MarcoPoloResearchLab/questsync/internal/storetest"
	"github.com/MarcoPoloResearchLab/questsync/internal/syncerr"
)

type failingSource struct {
	inner    discovery.Source
	category graph.Category
	block    bool
}

func (f failingSource) Lookup(ctx context.Context, lookup graph.Lookup) ([]graph.Link, error) {
	if lookup.Category == f.category {
		if f.block {
			<-ctx.Done()
			return nil, ctx.Err()
		}
		return nil, errors.New("boom")
	}
	return f.inner.Lookup(ctx, lookup)
}

type countingReporter struct {
	mu     sync.Mutex
	counts map[graph.Category]int
}

func (r *countingReporter) Discovered(category graph.Category, count int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.counts == nil {
		r.counts = make(map[graph.Category]int)
	}
	r.counts[category] = count
}

func TestDiscoverQuestWithAssetsAndAttachments(t *testing.T) {
	service, db := storetest.NewRemote(t)
	write := storetest.RemoteWriter(t, db)
	write(graph.Project, &entities.Project{ID: "P", Name: "P"})
	write(graph.Quest, &entities.Quest{ID: "Q", ProjectID: "P"})
	write(graph.Asset, &entities.Asset{ID: "A1"})
	write(graph.Asset, &entities.Asset{ID: "A2"})
	write(graph.QuestAssetLink, &entities.QuestAssetLink{ID: "QA1", QuestID: "Q", AssetID: "A1"})
	write(graph.QuestAssetLink, &entities.QuestAssetLink{ID: "QA2", QuestID: "Q", AssetID: "A2"})
	write(graph.AssetContentLink, &entities.AssetContentLink{ID: "L1", AssetID: "A1", Audio: `["Att1"]`})
	write(graph.AssetContentLink, &entities.AssetContentLink{ID: "L2", AssetID: "A1", Audio: `[]`})

	engine, err := discovery.New(discovery.Config{Remote: service})
	require.NoError(t, err)
	reporter := &countingReporter{}
	result, err := engine.Discover(context.Background(), graph.Ref{Category: graph.Quest, ID: "Q"}, discovery.ScopeRemote, reporter)
	require.NoError(t, err)

	assert.Equal(t, []string{"Q"}, result.IDs[graph.Quest])
	assert.Equal(t, []string{"A1", "A2"}, result.IDs[graph.Asset])
	assert.Equal(t, []string{"L1", "L2"}, result.IDs[graph.AssetContentLink])
	assert.Equal(t, []string{"Att1"}, result.IDs[graph.Attachment])
	assert.Empty(t, result.IDs[graph.Translation])
	assert.Empty(t, result.IDs[graph.Vote])
	assert.False(t, result.HasErrors())
	assert.Empty(t, result.Dangling)
	assert.Equal(t, 2, reporter.counts[graph.Asset])
	assert.Equal(t, 1, reporter.counts[graph.Attachment])
}

func TestDiscoverStandardProjectClosure(t *testing.T) {
	service, db := storetest.NewRemote(t)
	storetest.SeedProject(storetest.RemoteWriter(t, db))

	engine, err := discovery.New(discovery.Config{Remote: service})
	require.NoError(t, err)
	result, err := engine.Discover(context.Background(), graph.Ref{Category: graph.Quest, ID: storetest.QuestID}, discovery.ScopeRemote, nil)
	require.NoError(t, err)

	for category, ids := range storetest.QuestClosure() {
		assert.ElementsMatch(t, ids, result.IDs[category], "category %s", category)
	}
	assert.False(t, result.Has(graph.Quest, storetest.OtherQuestID))
	assert.Equal(t, []string{storetest.QuestID, storetest.ChildQuestID}, result.Ordered(graph.Quest))
	assert.Equal(t, 1, result.Depth[graph.Quest][storetest.ChildQuestID])
}

func TestDiscoverIsRepeatable(t *testing.T) {
	service, db := storetest.NewRemote(t)
	storetest.SeedProject(storetest.RemoteWriter(t, db))
	engine, err := discovery.New(discovery.Config{Remote: service})
	require.NoError(t, err)
	root := graph.Ref{Category: graph.Project, ID: storetest.ProjectID}

	first, err := engine.Discover(context.Background(), root, discovery.ScopeRemote, nil)
	require.NoError(t, err)
	second, err := engine.Discover(context.Background(), root, discovery.ScopeRemote, nil)
	require.NoError(t, err)
	assert.Equal(t, first.IDs, second.IDs)
	assert.ElementsMatch(t, []string{storetest.QuestID, storetest.ChildQuestID, storetest.OtherQuestID}, first.IDs[graph.Quest])
}

func TestDiscoverUnionsLocalAndRemoteChildren(t *testing.T) {
	service, db := storetest.NewRemote(t)
	remoteWrite := storetest.RemoteWriter(t, db)
	remoteWrite(graph.Project, &entities.Project{ID: "P"})
	remoteWrite(graph.Quest, &entities.Quest{ID: "Q", ProjectID: "P"})
	remoteWrite(graph.Asset, &entities.Asset{ID: "A-remote"})
	remoteWrite(graph.QuestAssetLink, &entities.QuestAssetLink{ID: "QA-remote", QuestID: "Q", AssetID: "A-remote"})

	local, _ := storetest.NewLocal(t)
	localWrite := storetest.LocalWriter(t, local, store.PartitionLocal)
	localWrite(graph.Asset, &entities.Asset{ID: "A-local"})
	localWrite(graph.QuestAssetLink, &entities.QuestAssetLink{ID: "QA-local", QuestID: "Q", AssetID: "A-local"})

	engine, err := discovery.New(discovery.Config{Local: local, Remote: service})
	require.NoError(t, err)
	result, err := engine.Discover(context.Background(), graph.Ref{Category: graph.Quest, ID: "Q"}, discovery.ScopeUnion, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"A-local", "A-remote"}, result.IDs[graph.Asset])
	assert.Equal(t, []string{"QA-local", "QA-remote"}, result.IDs[graph.QuestAssetLink])

	_, err = engine.Discover(context.Background(), graph.Ref{Category: graph.Quest, ID: "Q"}, discovery.ScopeLocal, nil)
	assert.ErrorIs(t, err, discovery.ErrRootNotFound)
}

func TestDiscoverSkipsDanglingJoinRows(t *testing.T) {
	service, db := storetest.NewRemote(t)
	write := storetest.RemoteWriter(t, db)
	write(graph.Project, &entities.Project{ID: "P"})
	write(graph.Quest, &entities.Quest{ID: "Q", ProjectID: "P"})
	write(graph.Asset, &entities.Asset{ID: "A1"})
	write(graph.QuestAssetLink, &entities.QuestAssetLink{ID: "QA1", QuestID: "Q", AssetID: "A1"})
	write(graph.QuestAssetLink, &entities.QuestAssetLink{ID: "QA-broken", QuestID: "Q", AssetID: "A-gone"})

	engine, err := discovery.New(discovery.Config{Remote: service})
	require.NoError(t, err)
	result, err := engine.Discover(context.Background(), graph.Ref{Category: graph.Quest, ID: "Q"}, discovery.ScopeRemote, nil)
	require.NoError(t, err)

	assert.Equal(t, []string{"A1"}, result.IDs[graph.Asset])
	assert.Equal(t, []string{"QA1"}, result.IDs[graph.QuestAssetLink])
	require.Len(t, result.Dangling, 1)
	assert.Equal(t, syncerr.DanglingReference{Table: "asset", ID: "A-gone", Holder: "quest_asset_link:QA-broken"}, result.Dangling[0])
	assert.False(t, result.HasErrors())
}

func TestDiscoverRecordsCategoryFailuresAndContinues(t *testing.T) {
	service, db := storetest.NewRemote(t)
	storetest.SeedProject(storetest.RemoteWriter(t, db))

	engine, err := discovery.New(discovery.Config{
		Remote: failingSource{inner: service, category: graph.Translation},
	})
	require.NoError(t, err)
	result, err := engine.Discover(context.Background(), graph.Ref{Category: graph.Quest, ID: storetest.QuestID}, discovery.ScopeRemote, nil)
	require.NoError(t, err)

	require.Contains(t, result.Errors, graph.Translation)
	var categoryErr *syncerr.CategoryQueryError
	require.ErrorAs(t, result.Err(), &categoryErr)
	assert.Equal(t, graph.Translation, categoryErr.Category)
	assert.Empty(t, result.IDs[graph.Translation])
	assert.ElementsMatch(t, storetest.QuestClosure()[graph.Asset], result.IDs[graph.Asset])
}

func TestDiscoverTreatsTimeoutAsCategoryFailure(t *testing.T) {
	service, db := storetest.NewRemote(t)
	storetest.SeedProject(storetest.RemoteWriter(t, db))

	engine, err := discovery.New(discovery.Config{
		Remote:          failingSource{inner: service, category: graph.Vote, block: true},
		CategoryTimeout: 50 * time.Millisecond,
	})
	require.NoError(t, err)
	result, err := engine.Discover(context.Background(), graph.Ref{Category: graph.Quest, ID: storetest.QuestID}, discovery.ScopeRemote, nil)
	require.NoError(t, err)
	require.Contains(t, result.Errors, graph.Vote)
	assert.ErrorIs(t, result.Errors[graph.Vote], context.DeadlineExceeded)
}

func TestDiscoverTerminatesOnParentCycles(t *testing.T) {
	service, db := storetest.NewRemote(t)
	write := storetest.RemoteWriter(t, db)
	write(graph.Project, &entities.Project{ID: "P"})
	write(graph.Quest, &entities.Quest{ID: "Q1", ProjectID: "P", ParentID: graph.StringPtr("Q2")})
	write(graph.Quest, &entities.Quest{ID: "Q2", ProjectID: "P", ParentID: graph.StringPtr("Q1")})

	engine, err := discovery.New(discovery.Config{Remote: service, MaxDepth: 8})
	require.NoError(t, err)
	result, err := engine.Discover(context.Background(), graph.Ref{Category: graph.Quest, ID: "Q1"}, discovery.ScopeRemote, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"Q1", "Q2"}, result.IDs[graph.Quest])
	assert.Len(t, result.Ordered(graph.Quest), 2)
}

func TestDiscoverReturnsPartialResultOnCancel(t *testing.T) {
	service, db := storetest.NewRemote(t)
	storetest.SeedProject(storetest.RemoteWriter(t, db))
	engine, err := discovery.New(discovery.Config{Remote: service})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	reporter := discovery.ReporterFunc(func(category graph.Category, _ int) {
		if category == graph.QuestAssetLink {
			cancel()
		}
	})
	result, err := engine.Discover(ctx, graph.Ref{Category: graph.Quest, ID: storetest.QuestID}, discovery.ScopeRemote, reporter)
	assert.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, result)
	assert.Contains(t, result.IDs[graph.Quest], storetest.QuestID)
	assert.Empty(t, result.IDs[graph.Vote])
}

func TestDiscoverRejectsInvalidRoots(t *testing.T) {
	service, _ := storetest.NewRemote(t)
	engine, err := discovery.New(discovery.Config{Remote: service})
	require.NoError(t, err)

	_, err = engine.Discover(context.Background(), graph.Ref{Category: graph.Attachment, ID: "x"}, discovery.ScopeRemote, nil)
	assert.ErrorIs(t, err, discovery.ErrInvalidRoot)
	_, err = engine.Discover(context.Background(), graph.Ref{Category: graph.Quest, ID: "x"}, discovery.ScopeLocal, nil)
	assert.ErrorIs(t, err, discovery.ErrSourceUnavailable)
	_, err = engine.Discover(context.Background(), graph.Ref{Category: graph.Quest, ID: "missing"}, discovery.ScopeRemote, nil)
	assert.ErrorIs(t, err, discovery.ErrRootNotFound)
}

func TestDiscoverEstimatesAttachmentBytes(t *testing.T) {
	service, db := storetest.NewRemote(t)
	storetest.SeedProject(storetest.RemoteWriter(t, db))

	engine, err := discovery.New(discovery.Config{Remote: service, Sizer: sizerFunc(func(ids []string) int64 {
		return int64(100 * len(ids))
	})})
	require.NoError(t, err)
	result, err := engine.Discover(context.Background(), graph.Ref{Category: graph.Quest, ID: storetest.QuestID}, discovery.ScopeRemote, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(200), result.EstimatedBytes)
}

type sizerFunc func(ids []string) int64

func (f sizerFunc) KnownBytes(_ context.Context, ids []string) (int64, error) {
	return f(ids), nil
}

func TestDiscoverWithoutSkipsExcludedSubtree(t *testing.T) {
	service, db := storetest.NewRemote(t)
	storetest.SeedProject(storetest.RemoteWriter(t, db))

	engine, err := discovery.New(discovery.Config{Remote: service})
	require.NoError(t, err)
	result, err := engine.DiscoverWithout(context.Background(),
		graph.Ref{Category: graph.Quest, ID: storetest.QuestID}, discovery.ScopeRemote,
		[]graph.Ref{{Category: graph.Quest, ID: storetest.ChildQuestID}})
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{storetest.QuestID}, result.IDs[graph.Quest])
	assert.NotContains(t, result.IDs[graph.QuestAssetLink], storetest.ChildAssetID)
	assert.Contains(t, result.IDs[graph.Asset], storetest.AssetTwoID)
	assert.Contains(t, result.IDs[graph.Project], storetest.ProjectID)
}
