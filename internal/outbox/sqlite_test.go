package outbox

import (
	"context"
	"database/sql"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AmirrezaFarnamTaheri/Noteece-sub006/internal/common"
	"github.com/AmirrezaFarnamTaheri/Noteece-sub006/internal/entity"
	"github.com/AmirrezaFarnamTaheri/Noteece-sub006/internal/vclock"

	_ "modernc.org/sqlite"
)

func setupDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	_, err = db.Exec(`
CREATE TABLE change_outbox (
  id          TEXT PRIMARY KEY,
  entity_type TEXT NOT NULL,
  entity_id   TEXT NOT NULL,
  operation   TEXT NOT NULL,
  payload     BLOB,
  clock       TEXT NOT NULL DEFAULT '{}',
  created_at  INTEGER NOT NULL,
  synced      INTEGER NOT NULL DEFAULT 0
);
`)
	require.NoError(t, err)

	return db
}

func change(id string, typ entity.Type, entityID string, op entity.Operation, at time.Time) *Change {
	return &Change{
		ID:         id,
		EntityType: typ,
		EntityID:   entityID,
		Operation:  op,
		Payload:    []byte(`{"title":"x"}`),
		Clock:      vclock.Clock{"dev-a": 1},
		CreatedAt:  at,
	}
}

func TestEnqueueAndPending_FIFO(t *testing.T) {
	r := NewSQLiteRepository(setupDB(t))
	ctx := context.Background()
	base := time.Now()

	for i := 0; i < 3; i++ {
		c := change(fmt.Sprintf("c%d", i), entity.TypeNote, fmt.Sprintf("n%d", i),
			entity.OpCreate, base.Add(time.Duration(i)*time.Second))
		require.NoError(t, r.Enqueue(ctx, c))
	}

	pending, err := r.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 3)
	assert.Equal(t, "c0", pending[0].ID)
	assert.Equal(t, "c2", pending[2].ID)
	assert.Equal(t, entity.TypeNote, pending[0].EntityType)
	assert.Equal(t, vclock.Clock{"dev-a": 1}, pending[0].Clock)
	assert.False(t, pending[0].Synced)
}

func TestEnqueue_RequiresIDs(t *testing.T) {
	r := NewSQLiteRepository(setupDB(t))
	ctx := context.Background()

	err := r.Enqueue(ctx, change("", entity.TypeNote, "n1", entity.OpCreate, time.Now()))
	assert.ErrorIs(t, err, common.ErrInvalidArgument)

	err = r.Enqueue(ctx, change("c1", entity.TypeNote, "", entity.OpCreate, time.Now()))
	assert.ErrorIs(t, err, common.ErrInvalidArgument)
}

func TestMarkSynced_Idempotent(t *testing.T) {
	r := NewSQLiteRepository(setupDB(t))
	ctx := context.Background()

	require.NoError(t, r.Enqueue(ctx, change("c1", entity.TypeNote, "n1", entity.OpCreate, time.Now())))
	require.NoError(t, r.Enqueue(ctx, change("c2", entity.TypeTask, "t1", entity.OpUpdate, time.Now())))

	require.NoError(t, r.MarkSynced(ctx, []string{"c1", "ghost"}))
	require.NoError(t, r.MarkSynced(ctx, []string{"c1"}))
	require.NoError(t, r.MarkSynced(ctx, nil))

	pending, err := r.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "c2", pending[0].ID)
}

func TestLatestSince_OneChangePerEntity(t *testing.T) {
	r := NewSQLiteRepository(setupDB(t))
	ctx := context.Background()
	base := time.UnixMilli(1_000_000)

	// Three changes to the same note; only the delete should surface.
	require.NoError(t, r.Enqueue(ctx, change("c1", entity.TypeNote, "n1", entity.OpCreate, base.Add(1*time.Second))))
	require.NoError(t, r.Enqueue(ctx, change("c2", entity.TypeNote, "n1", entity.OpUpdate, base.Add(2*time.Second))))
	require.NoError(t, r.Enqueue(ctx, change("c3", entity.TypeNote, "n1", entity.OpDelete, base.Add(3*time.Second))))
	require.NoError(t, r.Enqueue(ctx, change("c4", entity.TypeTask, "t1", entity.OpCreate, base.Add(4*time.Second))))

	changes, err := r.LatestSince(ctx, base)
	require.NoError(t, err)
	require.Len(t, changes, 2)
	assert.Equal(t, "c3", changes[0].ID)
	assert.Equal(t, entity.OpDelete, changes[0].Operation)
	assert.Equal(t, "c4", changes[1].ID)

	// The checkpoint excludes everything at or before it.
	changes, err = r.LatestSince(ctx, base.Add(3*time.Second))
	require.NoError(t, err)
	require.Len(t, changes, 1)
	assert.Equal(t, "c4", changes[0].ID)
}

func TestLatestSince_TieBrokenByID(t *testing.T) {
	r := NewSQLiteRepository(setupDB(t))
	ctx := context.Background()
	at := time.UnixMilli(5_000)

	require.NoError(t, r.Enqueue(ctx, change("a", entity.TypeNote, "n1", entity.OpCreate, at)))
	require.NoError(t, r.Enqueue(ctx, change("b", entity.TypeNote, "n1", entity.OpUpdate, at)))

	changes, err := r.LatestSince(ctx, time.UnixMilli(0))
	require.NoError(t, err)
	require.Len(t, changes, 1)
	assert.Equal(t, "b", changes[0].ID)
}

func TestLatest(t *testing.T) {
	r := NewSQLiteRepository(setupDB(t))
	ctx := context.Background()
	base := time.Now()

	require.NoError(t, r.Enqueue(ctx, change("c1", entity.TypeNote, "n1", entity.OpCreate, base)))
	require.NoError(t, r.Enqueue(ctx, change("c2", entity.TypeNote, "n1", entity.OpUpdate, base.Add(time.Second))))

	latest, err := r.Latest(ctx, entity.TypeNote, "n1")
	require.NoError(t, err)
	assert.Equal(t, "c2", latest.ID)
	assert.Equal(t, entity.OpUpdate, latest.Operation)

	_, err = r.Latest(ctx, entity.TypeNote, "ghost")
	assert.ErrorIs(t, err, common.ErrNotFound)
}
