package blobs

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDirStoreRoundTrip(t *testing.T) {
	store, err := NewDirStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	_, err = store.Stat(ctx, "att-1")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, store.Put(ctx, "att-1", strings.NewReader("audio"), 5))

	object, err := store.Stat(ctx, "att-1")
	require.NoError(t, err)
	assert.Equal(t, int64(5), object.Size)

	reader, err := store.Get(ctx, "att-1")
	require.NoError(t, err)
	defer reader.Close()
	payload, err := io.ReadAll(reader)
	require.NoError(t, err)
	assert.Equal(t, "audio", string(payload))
}

func TestDirStoreKeepsKeysInsideRoot(t *testing.T) {
	store, err := NewDirStore(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, store.Put(context.Background(), "../../escape", strings.NewReader("x"), 1))
	_, err = store.Stat(context.Background(), "escape")
	require.NoError(t, err)

	_, err = store.Get(context.Background(), "/")
	assert.False(t, errors.Is(err, ErrNotFound))
	assert.Error(t, err)
}
