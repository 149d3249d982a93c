package profiles

import (
	"fmt"
	"testing"

	sqlite "github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/MarcoPoloResearchLab/questsync/internal/syncerr"
)

type flaggedRow struct {
	ID               string  `gorm:"column:id;primaryKey"`
	DownloadProfiles *string `gorm:"column:download_profiles"`
}

func (flaggedRow) TableName() string {
	return "flagged"
}

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate(&flaggedRow{}))
	return db
}

func TestSetNormalizes(t *testing.T) {
	set := NewSet("b", " a ", "b", "")
	assert.Equal(t, Set{"a", "b"}, set)
	assert.True(t, set.Contains("a"))
	assert.False(t, set.Contains("c"))
	assert.Equal(t, `["a","b"]`, set.Encode())
	assert.Equal(t, "[]", Set{}.Encode())
	assert.Equal(t, Set{"b"}, set.Remove("a"))
	assert.Equal(t, Set{"a", "b", "c"}, set.Add("c"))
}

func TestDecodeAcceptsStoredShapes(t *testing.T) {
	cases := map[string]any{
		"nil":    nil,
		"empty":  "",
		"null":   "null",
		"bytes":  []byte(`["p2","p1"]`),
		"string": `["p1"]`,
		"slice":  []any{"p1"},
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Decode(raw)
			require.NoError(t, err)
		})
	}
	decoded, err := Decode([]byte(`["p2","p1","p2"]`))
	require.NoError(t, err)
	assert.Equal(t, Set{"p1", "p2"}, decoded)

	_, err = Decode(42)
	assert.Error(t, err)
}

func TestUpdateAddsProfileOnce(t *testing.T) {
	db := openTestDB(t)
	require.NoError(t, db.Create(&flaggedRow{ID: "row-1"}).Error)

	add := func(set Set) Set { return set.Add("profile-1") }
	after, changed, found, err := Update(db, "flagged", "row-1", add)
	require.NoError(t, err)
	assert.True(t, found)
	assert.True(t, changed)
	assert.Equal(t, Set{"profile-1"}, after)

	after, changed, _, err = Update(db, "flagged", "row-1", add)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, Set{"profile-1"}, after)

	var stored flaggedRow
	require.NoError(t, db.First(&stored, "id = ?", "row-1").Error)
	require.NotNil(t, stored.DownloadProfiles)
	assert.Equal(t, `["profile-1"]`, *stored.DownloadProfiles)
}

func TestUpdateReportsMissingRow(t *testing.T) {
	db := openTestDB(t)
	_, _, found, err := Update(db, "flagged", "absent", func(set Set) Set { return set })
	require.NoError(t, err)
	assert.False(t, found)
}

func TestUpdateRetriesOnceThenConflicts(t *testing.T) {
	db := openTestDB(t)
	require.NoError(t, db.Create(&flaggedRow{ID: "row-1", DownloadProfiles: ptr("[]")}).Error)

	interferences := 0
	limit := 1
	require.NoError(t, db.Callback().Update().Before("gorm:update").Register("test:interfere", func(tx *gorm.DB) {
		if interferences >= limit {
			return
		}
		interferences++
		value := fmt.Sprintf(`["other-%d"]`, interferences)
		_, err := tx.Statement.ConnPool.ExecContext(tx.Statement.Context, "UPDATE flagged SET download_profiles = ? WHERE id = ?", value, "row-1")
		require.NoError(t, err)
	}))

	after, changed, _, err := Update(db, "flagged", "row-1", func(set Set) Set { return set.Add("profile-1") })
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, Set{"other-1", "profile-1"}, after)

	interferences = 0
	limit = 2
	_, _, _, err = Update(db, "flagged", "row-1", func(set Set) Set { return set.Add("profile-2") })
	assert.ErrorIs(t, err, syncerr.ErrWriteConflict)
}

func ptr(value string) *string {
	return &value
}
