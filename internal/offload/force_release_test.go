//go:build !offloaddebug

package offload_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MarcoPoloResearchLab/questsync/internal/entities"
	"github.com/MarcoPoloResearchLab/questsync/internal/graph"
	"github.com/MarcoPoloResearchLab/questsync/internal/offload"
	"github.com/MarcoPoloResearchLab/questsync/internal/store"
	"github.com/MarcoPoloResearchLab/questsync/internal/storetest"
)

func TestForceReadyIsUnavailableInReleaseBuilds(t *testing.T) {
	h := newHarness(t, profileOne)
	storetest.LocalWriter(t, h.local, store.PartitionSynced)(graph.Vote, &entities.Vote{ID: "vote-unsynced", TranslationID: storetest.TranslationID, Polarity: "up"})
	machine := h.machine(t, profileOne)

	state, err := machine.Verify(context.Background())
	require.NoError(t, err)
	require.Equal(t, offload.BlockedVerificationError, state.Reason)

	state, err = machine.ForceReady()
	assert.ErrorIs(t, err, offload.ErrForceDisabled)
	assert.Equal(t, offload.PhaseBlocked, state.Phase)
	assert.Equal(t, offload.PhaseBlocked, machine.Status().Phase)
}
