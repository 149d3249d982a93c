package attachments

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/MarcoPoloResearchLab/questsync/internal/blobs"
)

func newTestQueue(t *testing.T) *Queue {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, Migrate(db))

	queue, err := NewQueue(QueueConfig{Database: db, Directory: filepath.Join(t.TempDir(), "attachments")})
	require.NoError(t, err)
	return queue
}

func TestEnqueueDownloadIsIdempotent(t *testing.T) {
	queue := newTestQueue(t)
	ctx := context.Background()

	enqueued, err := queue.EnqueueDownload(ctx, "att-1")
	require.NoError(t, err)
	assert.True(t, enqueued)

	enqueued, err = queue.EnqueueDownload(ctx, "att-1")
	require.NoError(t, err)
	assert.False(t, enqueued)

	state, err := queue.State(ctx, "att-1")
	require.NoError(t, err)
	assert.Equal(t, StateQueued, state)

	_, err = queue.State(ctx, "absent")
	assert.ErrorIs(t, err, ErrNotFound)
}

type recordingWriter struct {
	lines []string
}

func (w *recordingWriter) Printf(format string, args ...interface{}) {
	w.lines = append(w.lines, fmt.Sprintf(format, args...))
}

func TestLookupsOfAbsentRecordsLogNothing(t *testing.T) {
	writer := &recordingWriter{}
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{
		Logger: gormlogger.New(writer, gormlogger.Config{LogLevel: gormlogger.Error}),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, Migrate(db))
	queue, err := NewQueue(QueueConfig{Database: db, Directory: t.TempDir()})
	require.NoError(t, err)
	ctx := context.Background()

	enqueued, err := queue.EnqueueDownload(ctx, "att-new")
	require.NoError(t, err)
	assert.True(t, enqueued)
	_, err = queue.Get(ctx, "absent")
	assert.ErrorIs(t, err, ErrNotFound)

	assert.Empty(t, writer.lines)
}

func TestEnqueueUploadCountsTowardStats(t *testing.T) {
	queue := newTestQueue(t)
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "recording.m4a")
	require.NoError(t, os.WriteFile(path, []byte("recorded"), 0o644))

	id, err := queue.EnqueueUpload(ctx, path)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	stats, err := queue.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Count)
	assert.Equal(t, int64(len("recorded")), stats.TotalBytes)

	record, err := queue.Get(ctx, id)
	require.NoError(t, err)
	assert.False(t, record.FullySynced())
	assert.Equal(t, "recording.m4a", record.Filename)
}

func TestTransferMovesBlobsBothWays(t *testing.T) {
	queue := newTestQueue(t)
	ctx := context.Background()
	store, err := blobs.NewDirStore(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, store.Put(ctx, "remote-att", strings.NewReader("remote audio"), 12))

	path := filepath.Join(t.TempDir(), "mine.m4a")
	require.NoError(t, os.WriteFile(path, []byte("mine"), 0o644))
	uploadID, err := queue.EnqueueUpload(ctx, path)
	require.NoError(t, err)
	_, err = queue.EnqueueDownload(ctx, "remote-att")
	require.NoError(t, err)
	_, err = queue.EnqueueDownload(ctx, "never-uploaded")
	require.NoError(t, err)

	transfer, err := NewTransfer(TransferConfig{Queue: queue, Blobs: store})
	require.NoError(t, err)
	result, err := transfer.ProcessOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, TransferResult{Downloaded: 1, Uploaded: 1, Failed: 1}, result)

	uploaded, err := queue.Get(ctx, uploadID)
	require.NoError(t, err)
	assert.True(t, uploaded.FullySynced())
	_, err = store.Stat(ctx, uploadID)
	require.NoError(t, err)

	downloaded, err := queue.Get(ctx, "remote-att")
	require.NoError(t, err)
	assert.True(t, downloaded.FullySynced())
	payload, err := os.ReadFile(*downloaded.LocalURI)
	require.NoError(t, err)
	assert.Equal(t, "remote audio", string(payload))

	state, err := queue.State(ctx, "never-uploaded")
	require.NoError(t, err)
	assert.Equal(t, StateFailed, state)

	stats, err := queue.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), stats.Count)

	removed, err := queue.Delete(ctx, []string{"remote-att", uploadID})
	require.NoError(t, err)
	assert.Equal(t, 2, removed)
	_, err = os.Stat(*downloaded.LocalURI)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(path)
	assert.NoError(t, err, "files outside the queue directory are left alone")
}

func TestDirWatcherResetsRemovedBlobs(t *testing.T) {
	queue := newTestQueue(t)
	ctx := context.Background()
	store, err := blobs.NewDirStore(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, store.Put(ctx, "att-1", strings.NewReader("audio"), 5))
	_, err = queue.EnqueueDownload(ctx, "att-1")
	require.NoError(t, err)
	transfer, err := NewTransfer(TransferConfig{Queue: queue, Blobs: store})
	require.NoError(t, err)
	_, err = transfer.ProcessOnce(ctx)
	require.NoError(t, err)

	watcher, err := NewDirWatcher(queue, nil)
	require.NoError(t, err)
	require.NoError(t, watcher.Start(ctx))
	defer watcher.Stop()

	record, err := queue.Get(ctx, "att-1")
	require.NoError(t, err)
	require.NoError(t, os.Remove(*record.LocalURI))

	require.Eventually(t, func() bool {
		current, err := queue.Get(ctx, "att-1")
		return err == nil && current.LocalURI == nil && current.State == StateQueued
	}, 2*time.Second, 20*time.Millisecond)
}
