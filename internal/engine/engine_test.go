package engine

import (
	"context"
	"database/sql"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AmirrezaFarnamTaheri/Noteece-sub006/internal/entity"
	"github.com/AmirrezaFarnamTaheri/Noteece-sub006/internal/handshake"
	"github.com/AmirrezaFarnamTaheri/Noteece-sub006/internal/logging"
	"github.com/AmirrezaFarnamTaheri/Noteece-sub006/internal/storage"
	"github.com/AmirrezaFarnamTaheri/Noteece-sub006/internal/transport"
	"github.com/AmirrezaFarnamTaheri/Noteece-sub006/internal/trust"
)

func testLogger() logging.Logger {
	return logging.NewSlogLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

type testEngine struct {
	*Engine
	db *sql.DB
}

func newTestEngine(t *testing.T, deviceID, deviceName string) *testEngine {
	t.Helper()
	db, err := storage.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, storage.RunMigrations(context.Background(), db))

	identity, err := handshake.IdentityFromVaultKey([]byte("vault-"+deviceID), deviceID, deviceName)
	require.NoError(t, err)

	e, err := New(Config{
		DB:       db,
		Identity: identity,
		Trust:    trust.NewSQLiteRepository(db),
		Logger:   testLogger(),
	})
	require.NoError(t, err)
	return &testEngine{Engine: e, db: db}
}

// runSync connects two engines over an in-memory pipe and runs one full
// session with a as the initiator.
func runSync(t *testing.T, a, b *testEngine) *Report {
	t.Helper()
	chA, chB := transport.Pipe()
	ctx := context.Background()

	serveErr := make(chan error, 1)
	go func() {
		_, err := b.Serve(ctx, chB)
		serveErr <- err
	}()

	report, err := a.Sync(ctx, chA)
	require.NoError(t, err)
	require.NoError(t, <-serveErr)
	return report
}

func TestSync_EndToEnd(t *testing.T) {
	a := newTestEngine(t, "dev-a", "laptop")
	b := newTestEngine(t, "dev-b", "phone")
	ctx := context.Background()

	require.NoError(t, a.EnqueueChange(ctx, entity.TypeProject, entity.OpCreate, "p1",
		entity.Fields{"name": "home lab", "status": "active"}))
	require.NoError(t, a.EnqueueChange(ctx, entity.TypeTask, entity.OpCreate, "t1",
		entity.Fields{"title": "rack the switch", "project_id": "p1", "tags": []string{"infra"}}))
	require.NoError(t, b.EnqueueChange(ctx, entity.TypeNote, entity.OpCreate, "n1",
		entity.Fields{"title": "shopping", "content_md": "- cables"}))

	var applied []string
	a.OnEntityApplied(func(typ entity.Type, id string, op entity.Operation) {
		applied = append(applied, string(typ)+"/"+id)
	})

	report := runSync(t, a, b)
	assert.Equal(t, "dev-b", report.PeerDeviceID)
	assert.Equal(t, 2, report.Pushed)
	assert.Equal(t, 1, report.Pulled)
	assert.Zero(t, report.Conflicts)
	assert.False(t, report.PartialFailure)
	assert.Equal(t, []string{"note/n1"}, applied)

	// B received the project and its task, A received the note.
	var title string
	require.NoError(t, b.db.QueryRow(`SELECT title FROM task WHERE id='t1'`).Scan(&title))
	assert.Equal(t, "rack the switch", title)
	require.NoError(t, b.db.QueryRow(`SELECT name FROM project WHERE id='p1'`).Scan(&title))
	assert.Equal(t, "home lab", title)
	require.NoError(t, a.db.QueryRow(`SELECT content_md FROM note WHERE id='n1'`).Scan(&title))
	assert.Equal(t, "- cables", title)

	// Checkpoint, history, and trust bookkeeping landed on the initiator.
	state, err := a.syncState.Get(ctx, "dev-b")
	require.NoError(t, err)
	assert.Equal(t, int64(3), state.TotalSyncedEntities)

	history, err := a.history.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.True(t, history[0].Success)
	assert.Equal(t, int64(2), history[0].EntitiesPushed)

	rec, err := a.trust.Get(ctx, "dev-b")
	require.NoError(t, err)
	assert.Equal(t, int64(1), rec.SyncCount)
}

func TestSync_SecondRunMovesNothing(t *testing.T) {
	a := newTestEngine(t, "dev-a", "laptop")
	b := newTestEngine(t, "dev-b", "phone")
	ctx := context.Background()

	require.NoError(t, a.EnqueueChange(ctx, entity.TypeNote, entity.OpCreate, "n1",
		entity.Fields{"title": "once"}))
	report := runSync(t, a, b)
	assert.Equal(t, 1, report.Pushed)

	report = runSync(t, a, b)
	assert.Zero(t, report.Pushed)
	assert.Zero(t, report.Pulled)
}

func TestSync_ConcurrentEditsConverge(t *testing.T) {
	a := newTestEngine(t, "dev-a", "laptop")
	b := newTestEngine(t, "dev-b", "phone")
	ctx := context.Background()

	// The same note edited independently on both devices.
	require.NoError(t, a.EnqueueChange(ctx, entity.TypeNote, entity.OpCreate, "n1",
		entity.Fields{"title": "from a", "tags": []string{"alpha"}}))
	require.NoError(t, b.EnqueueChange(ctx, entity.TypeNote, entity.OpCreate, "n1",
		entity.Fields{"title": "from b", "tags": []string{"beta"}}))

	report := runSync(t, a, b)
	assert.Equal(t, 1, report.Conflicts)

	var titleA, tagsA, titleB, tagsB string
	require.NoError(t, a.db.QueryRow(`SELECT title, tags FROM note WHERE id='n1'`).Scan(&titleA, &tagsA))
	require.NoError(t, b.db.QueryRow(`SELECT title, tags FROM note WHERE id='n1'`).Scan(&titleB, &tagsB))

	// Both sides resolved to the same winner and the same tag union.
	assert.Equal(t, titleA, titleB)
	assert.JSONEq(t, tagsA, tagsB)
	assert.Contains(t, tagsA, "alpha")
	assert.Contains(t, tagsA, "beta")

	// Each side kept its conflict record.
	var n int
	require.NoError(t, a.db.QueryRow(`SELECT COUNT(*) FROM sync_conflict WHERE resolved=1`).Scan(&n))
	assert.Equal(t, 1, n)
	require.NoError(t, b.db.QueryRow(`SELECT COUNT(*) FROM sync_conflict WHERE resolved=1`).Scan(&n))
	assert.Equal(t, 1, n)
}

func TestSync_DeletePropagates(t *testing.T) {
	a := newTestEngine(t, "dev-a", "laptop")
	b := newTestEngine(t, "dev-b", "phone")
	ctx := context.Background()

	require.NoError(t, a.EnqueueChange(ctx, entity.TypeNote, entity.OpCreate, "n1",
		entity.Fields{"title": "temporary"}))
	runSync(t, a, b)

	var n int
	require.NoError(t, b.db.QueryRow(`SELECT COUNT(*) FROM note WHERE id='n1'`).Scan(&n))
	require.Equal(t, 1, n)

	require.NoError(t, a.EnqueueChange(ctx, entity.TypeNote, entity.OpDelete, "n1", nil))
	runSync(t, a, b)

	require.NoError(t, b.db.QueryRow(`SELECT COUNT(*) FROM note WHERE id='n1'`).Scan(&n))
	assert.Zero(t, n)

	var deleted int
	require.NoError(t, b.db.QueryRow(
		`SELECT deleted FROM entity_version WHERE entity_type='note' AND entity_id='n1'`).Scan(&deleted))
	assert.Equal(t, 1, deleted)
}

func TestEnqueueChange_Validation(t *testing.T) {
	a := newTestEngine(t, "dev-a", "laptop")
	ctx := context.Background()

	err := a.EnqueueChange(ctx, "password", entity.OpCreate, "x", entity.Fields{})
	assert.Error(t, err)

	err = a.EnqueueChange(ctx, entity.TypeNote, "upsert", "x", entity.Fields{})
	assert.Error(t, err)

	err = a.EnqueueChange(ctx, entity.TypeNote, entity.OpCreate, "", entity.Fields{})
	assert.Error(t, err)

	err = a.EnqueueChange(ctx, entity.TypeNote, entity.OpCreate, "n1",
		entity.Fields{"title": "ok", "rogue": true})
	assert.Error(t, err)

	// Nothing reached the outbox.
	pending, err := a.outbox.Pending(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestEnqueueChange_TicksClock(t *testing.T) {
	a := newTestEngine(t, "dev-a", "laptop")
	ctx := context.Background()

	require.NoError(t, a.EnqueueChange(ctx, entity.TypeNote, entity.OpCreate, "n1",
		entity.Fields{"title": "v1"}))
	require.NoError(t, a.EnqueueChange(ctx, entity.TypeNote, entity.OpUpdate, "n1",
		entity.Fields{"title": "v2"}))

	pending, err := a.outbox.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, uint64(1), pending[0].Clock.Get("dev-a"))
	assert.Equal(t, uint64(2), pending[1].Clock.Get("dev-a"))
}

func TestShutdown_RefusesNewSessions(t *testing.T) {
	a := newTestEngine(t, "dev-a", "laptop")
	ctx := context.Background()

	require.NoError(t, a.Shutdown(ctx))

	ch, _ := transport.Pipe()
	_, err := a.Sync(ctx, ch)
	assert.ErrorIs(t, err, ErrShutdown)
	_, err = a.Serve(ctx, ch)
	assert.ErrorIs(t, err, ErrShutdown)
}

func TestRegistry_SingleSessionPerPeer(t *testing.T) {
	r := NewRegistry()

	release, err := r.Acquire("dev-b")
	require.NoError(t, err)
	assert.Equal(t, 1, r.Active())

	_, err = r.Acquire("dev-b")
	assert.Error(t, err)

	// A different peer is fine.
	release2, err := r.Acquire("dev-c")
	require.NoError(t, err)
	release2()

	release()
	release() // double release is harmless
	assert.Zero(t, r.Active())

	_, err = r.Acquire("dev-b")
	assert.NoError(t, err)
}

func TestSyncStateRepository(t *testing.T) {
	a := newTestEngine(t, "dev-a", "laptop")
	ctx := context.Background()
	repo := a.syncState

	_, err := repo.Get(ctx, "ghost")
	assert.Error(t, err)

	at := time.Now()
	require.NoError(t, repo.Record(ctx, "dev-b", "phone", at, DirectionBidirectional, 3))
	require.NoError(t, repo.Record(ctx, "dev-b", "phone", at.Add(time.Minute), DirectionBidirectional, 2))

	s, err := repo.Get(ctx, "dev-b")
	require.NoError(t, err)
	assert.Equal(t, int64(5), s.TotalSyncedEntities)
	assert.Equal(t, at.Add(time.Minute).UnixMilli(), s.LastSyncAt.UnixMilli())
}
