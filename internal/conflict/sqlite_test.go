package conflict

import (
	"context"
	"database/sql"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AmirrezaFarnamTaheri/Noteece-sub006/internal/common"
	"github.com/AmirrezaFarnamTaheri/Noteece-sub006/internal/entity"
	"github.com/AmirrezaFarnamTaheri/Noteece-sub006/internal/logging"
	"github.com/AmirrezaFarnamTaheri/Noteece-sub006/internal/vclock"

	_ "modernc.org/sqlite"
)

func setupDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	_, err = db.Exec(`
CREATE TABLE sync_conflict (
  id             TEXT PRIMARY KEY,
  entity_type    TEXT NOT NULL,
  entity_id      TEXT NOT NULL,
  local_clock    TEXT NOT NULL,
  remote_clock   TEXT NOT NULL,
  local_payload  BLOB,
  remote_payload BLOB,
  detected_at    INTEGER NOT NULL,
  resolved       INTEGER NOT NULL DEFAULT 0,
  resolved_at    INTEGER,
  resolution     TEXT
);
`)
	require.NoError(t, err)

	return db
}

func testLogger() logging.Logger {
	return logging.NewSlogLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestRepository_InsertAndResolve(t *testing.T) {
	r := NewSQLiteRepository(setupDB(t))
	ctx := context.Background()

	rec := &Record{
		ID:            "cf1",
		EntityType:    entity.TypeNote,
		EntityID:      "n1",
		LocalClock:    vclock.Clock{"dev-a": 2},
		RemoteClock:   vclock.Clock{"dev-b": 2},
		LocalPayload:  []byte(`{"title":"local"}`),
		RemotePayload: []byte(`{"title":"remote"}`),
		DetectedAt:    time.Now(),
	}
	require.NoError(t, r.Insert(ctx, rec))

	unresolved, err := r.Unresolved(ctx)
	require.NoError(t, err)
	require.Len(t, unresolved, 1)
	assert.Equal(t, "cf1", unresolved[0].ID)
	assert.Equal(t, entity.TypeNote, unresolved[0].EntityType)
	assert.Equal(t, vclock.Clock{"dev-a": 2}, unresolved[0].LocalClock)
	assert.Equal(t, vclock.Clock{"dev-b": 2}, unresolved[0].RemoteClock)
	assert.Equal(t, []byte(`{"title":"local"}`), unresolved[0].LocalPayload)

	require.NoError(t, r.MarkResolved(ctx, "cf1", OutcomeMerged))

	unresolved, err = r.Unresolved(ctx)
	require.NoError(t, err)
	assert.Empty(t, unresolved)

	got, err := r.Get(ctx, "cf1")
	require.NoError(t, err)
	assert.True(t, got.Resolved)
	assert.Equal(t, OutcomeMerged, got.Resolution)
	assert.False(t, got.ResolvedAt.IsZero())

	_, err = r.Get(ctx, "ghost")
	assert.ErrorIs(t, err, common.ErrNotFound)
	assert.ErrorIs(t, r.MarkResolved(ctx, "ghost", OutcomeLocal), common.ErrNotFound)
}

func TestResolver_PersistsBeforeResolving(t *testing.T) {
	db := setupDB(t)
	repo := NewSQLiteRepository(db)
	resolver := NewResolver(repo, testLogger())
	ctx := context.Background()

	base := time.UnixMilli(1_000)
	local := version("dev-a", vclock.Clock{"dev-a": 2}, base.Add(time.Second), entity.Fields{
		"title": "local", "tags": []any{"a"},
	})
	remote := version("dev-b", vclock.Clock{"dev-b": 2}, base, entity.Fields{
		"title": "remote", "tags": []any{"b"},
	})

	res, err := resolver.Resolve(ctx, entity.TypeNote, "n1", local, remote)
	require.NoError(t, err)
	// Notes carry set-union tags, so the default policy merges.
	assert.Equal(t, OutcomeMerged, res.Outcome)
	assert.Equal(t, []string{"a", "b"}, res.Fields["tags"])

	// The record is resolved and labeled with the outcome.
	var resolved int
	var resolution string
	err = db.QueryRow(`SELECT resolved, resolution FROM sync_conflict WHERE entity_id='n1'`).
		Scan(&resolved, &resolution)
	require.NoError(t, err)
	assert.Equal(t, 1, resolved)
	assert.Equal(t, "merged", resolution)
}

func TestResolver_FallbackLastWriteWins(t *testing.T) {
	db := setupDB(t)
	resolver := NewResolver(NewSQLiteRepository(db), testLogger())
	ctx := context.Background()

	base := time.UnixMilli(1_000)
	local := version("dev-a", vclock.Clock{"dev-a": 1}, base, entity.Fields{"name": "old"})
	remote := version("dev-b", vclock.Clock{"dev-b": 1}, base.Add(time.Minute), entity.Fields{"name": "new"})

	res, err := resolver.Resolve(ctx, entity.TypeProject, "p1", local, remote)
	require.NoError(t, err)
	assert.Equal(t, OutcomeRemote, res.Outcome)
	assert.Equal(t, "new", res.Fields["name"])

	var count int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM sync_conflict`).Scan(&count))
	assert.Equal(t, 1, count)
}
