package applier

import (
	"context"
	"database/sql"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AmirrezaFarnamTaheri/Noteece-sub006/internal/cipher"
	"github.com/AmirrezaFarnamTaheri/Noteece-sub006/internal/common"
	"github.com/AmirrezaFarnamTaheri/Noteece-sub006/internal/entity"
	"github.com/AmirrezaFarnamTaheri/Noteece-sub006/internal/logging"
	"github.com/AmirrezaFarnamTaheri/Noteece-sub006/internal/vclock"
	"github.com/AmirrezaFarnamTaheri/Noteece-sub006/internal/wire"

	_ "modernc.org/sqlite"
)

func testLogger() logging.Logger {
	return logging.NewSlogLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func setupDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	_, err = db.Exec(`
CREATE TABLE entity_version (
  entity_type TEXT NOT NULL,
  entity_id   TEXT NOT NULL,
  clock       TEXT NOT NULL,
  updated_at  INTEGER NOT NULL,
  deleted     INTEGER NOT NULL DEFAULT 0,
  PRIMARY KEY (entity_type, entity_id)
);
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
CREATE TABLE note (
  id          TEXT PRIMARY KEY,
  space_id    TEXT,
  title       TEXT,
  content_md  TEXT,
  tags        TEXT,
  created_at  INTEGER,
  modified_at INTEGER
);
CREATE TABLE task (
  id         TEXT PRIMARY KEY,
  space_id   TEXT,
  project_id TEXT,
  title      TEXT,
  status     TEXT,
  tags       TEXT,
  due_at     INTEGER,
  created_at INTEGER,
  updated_at INTEGER
);
`)
	require.NoError(t, err)

	return db
}

func testSession(t *testing.T) *cipher.Session {
	t.Helper()
	key := make([]byte, cipher.KeySize)
	for i := range key {
		key[i] = byte(i)
	}
	sess, err := cipher.NewSession(key, "dev-remote", true)
	require.NoError(t, err)
	t.Cleanup(sess.Close)
	return sess
}

func makeDelta(t *testing.T, sess *cipher.Session, typ entity.Type, id string, op entity.Operation, fields entity.Fields, clock vclock.Clock, at time.Time) *wire.Delta {
	t.Helper()
	payload, err := entity.EncodePayload(typ, fields)
	require.NoError(t, err)
	blob, err := sess.Encrypt(payload)
	require.NoError(t, err)
	sig, err := sess.Sign(blob)
	require.NoError(t, err)
	return &wire.Delta{
		ChangeID:         "ch-" + id,
		EntityType:       string(typ),
		EntityID:         id,
		Operation:        string(op),
		EncryptedPayload: blob,
		Clock:            clock,
		Timestamp:        at.UnixMilli(),
		Signature:        sig,
	}
}

func TestApply_CreateNewEntity(t *testing.T) {
	db := setupDB(t)
	a := NewApplier(db, "dev-local", testLogger())
	sess := testSession(t)
	ctx := context.Background()

	var notified int
	a.OnApplied(func(typ entity.Type, id string, op entity.Operation) {
		notified++
		assert.Equal(t, entity.TypeNote, typ)
		assert.Equal(t, "n1", id)
	})

	d := makeDelta(t, sess, entity.TypeNote, "n1", entity.OpCreate,
		entity.Fields{"title": "hello", "tags": []any{"work"}},
		vclock.Clock{"dev-remote": 1}, time.Now())

	res, err := a.Apply(ctx, sess, d)
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, res.Outcome)
	assert.Equal(t, 1, notified)

	var title, tags string
	require.NoError(t, db.QueryRow(`SELECT title, tags FROM note WHERE id='n1'`).Scan(&title, &tags))
	assert.Equal(t, "hello", title)
	assert.JSONEq(t, `["work"]`, tags)

	v, err := NewVersionRepository(db).Get(ctx, entity.TypeNote, "n1")
	require.NoError(t, err)
	assert.Equal(t, vclock.Clock{"dev-remote": 1}, v.Clock)
	assert.False(t, v.Deleted)
}

func TestApply_StaleDeltaSkipped(t *testing.T) {
	db := setupDB(t)
	a := NewApplier(db, "dev-local", testLogger())
	sess := testSession(t)
	ctx := context.Background()

	newer := makeDelta(t, sess, entity.TypeNote, "n1", entity.OpCreate,
		entity.Fields{"title": "v2"}, vclock.Clock{"dev-remote": 2}, time.Now())
	_, err := a.Apply(ctx, sess, newer)
	require.NoError(t, err)

	var notified bool
	a.OnApplied(func(entity.Type, string, entity.Operation) { notified = true })

	stale := makeDelta(t, sess, entity.TypeNote, "n1", entity.OpUpdate,
		entity.Fields{"title": "v1"}, vclock.Clock{"dev-remote": 1}, time.Now())
	res, err := a.Apply(ctx, sess, stale)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkippedStale, res.Outcome)
	assert.False(t, notified)

	var title string
	require.NoError(t, db.QueryRow(`SELECT title FROM note WHERE id='n1'`).Scan(&title))
	assert.Equal(t, "v2", title)
}

func TestApply_NewerRemoteWins(t *testing.T) {
	db := setupDB(t)
	a := NewApplier(db, "dev-local", testLogger())
	sess := testSession(t)
	ctx := context.Background()

	v1 := makeDelta(t, sess, entity.TypeNote, "n1", entity.OpCreate,
		entity.Fields{"title": "v1"}, vclock.Clock{"dev-remote": 1}, time.Now())
	_, err := a.Apply(ctx, sess, v1)
	require.NoError(t, err)

	v2 := makeDelta(t, sess, entity.TypeNote, "n1", entity.OpUpdate,
		entity.Fields{"title": "v2"}, vclock.Clock{"dev-remote": 2}, time.Now())
	res, err := a.Apply(ctx, sess, v2)
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, res.Outcome)
	assert.Equal(t, vclock.Clock{"dev-remote": 2}, res.Clock)
}

func TestApply_DeleteRemovesRowKeepsTombstone(t *testing.T) {
	db := setupDB(t)
	a := NewApplier(db, "dev-local", testLogger())
	sess := testSession(t)
	ctx := context.Background()

	_, err := a.Apply(ctx, sess, makeDelta(t, sess, entity.TypeNote, "n1", entity.OpCreate,
		entity.Fields{"title": "doomed"}, vclock.Clock{"dev-remote": 1}, time.Now()))
	require.NoError(t, err)

	res, err := a.Apply(ctx, sess, makeDelta(t, sess, entity.TypeNote, "n1", entity.OpDelete,
		entity.Fields{}, vclock.Clock{"dev-remote": 2}, time.Now()))
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, res.Outcome)

	var count int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM note WHERE id='n1'`).Scan(&count))
	assert.Zero(t, count)

	v, err := NewVersionRepository(db).Get(ctx, entity.TypeNote, "n1")
	require.NoError(t, err)
	assert.True(t, v.Deleted)
	assert.Equal(t, vclock.Clock{"dev-remote": 2}, v.Clock)
}

func TestApply_ConcurrentEditsResolved(t *testing.T) {
	db := setupDB(t)
	a := NewApplier(db, "dev-local", testLogger())
	sess := testSession(t)
	ctx := context.Background()

	// Local state written by this device.
	base := time.Now().Add(-time.Hour)
	local := makeDelta(t, sess, entity.TypeNote, "n1", entity.OpCreate,
		entity.Fields{"title": "local", "tags": []any{"a"}},
		vclock.Clock{"dev-local": 1}, base)
	_, err := a.Apply(ctx, sess, local)
	require.NoError(t, err)

	// Remote edit that never saw the local one, with a later timestamp.
	remote := makeDelta(t, sess, entity.TypeNote, "n1", entity.OpUpdate,
		entity.Fields{"title": "remote", "tags": []any{"b"}},
		vclock.Clock{"dev-remote": 1}, base.Add(time.Minute))
	res, err := a.Apply(ctx, sess, remote)
	require.NoError(t, err)
	assert.Equal(t, OutcomeConflictResolved, res.Outcome)
	assert.Equal(t, vclock.Clock{"dev-local": 1, "dev-remote": 1}, res.Clock)

	// Remote won on timestamp; tags merged by set union.
	var title, tags string
	require.NoError(t, db.QueryRow(`SELECT title, tags FROM note WHERE id='n1'`).Scan(&title, &tags))
	assert.Equal(t, "remote", title)
	assert.JSONEq(t, `["b","a"]`, tags)

	// The conflict is on record, resolved.
	var resolved int
	require.NoError(t, db.QueryRow(`SELECT resolved FROM sync_conflict WHERE entity_id='n1'`).Scan(&resolved))
	assert.Equal(t, 1, resolved)
}

func TestApply_RejectsBadDeltas(t *testing.T) {
	db := setupDB(t)
	a := NewApplier(db, "dev-local", testLogger())
	sess := testSession(t)
	ctx := context.Background()

	good := makeDelta(t, sess, entity.TypeNote, "n1", entity.OpCreate,
		entity.Fields{"title": "x"}, vclock.Clock{"dev-remote": 1}, time.Now())

	t.Run("unknown operation", func(t *testing.T) {
		d := *good
		d.Operation = "upsert"
		_, err := a.Apply(ctx, sess, &d)
		assert.ErrorIs(t, err, common.ErrInvalidOperation)
	})

	t.Run("unknown entity type", func(t *testing.T) {
		d := *good
		d.EntityType = "password"
		_, err := a.Apply(ctx, sess, &d)
		assert.ErrorIs(t, err, common.ErrUnknownEntityType)
	})

	t.Run("bad entity id", func(t *testing.T) {
		d := *good
		d.EntityID = ""
		_, err := a.Apply(ctx, sess, &d)
		assert.ErrorIs(t, err, common.ErrInvalidEntityID)

		d.EntityID = "evil\x00id"
		_, err = a.Apply(ctx, sess, &d)
		assert.ErrorIs(t, err, common.ErrInvalidEntityID)
	})

	t.Run("tampered ciphertext", func(t *testing.T) {
		d := *good
		blob := make([]byte, len(d.EncryptedPayload))
		copy(blob, d.EncryptedPayload)
		blob[len(blob)-1] ^= 0xff
		d.EncryptedPayload = blob
		_, err := a.Apply(ctx, sess, &d)
		assert.ErrorIs(t, err, common.ErrTamperDetected)
	})

	t.Run("disallowed payload field", func(t *testing.T) {
		payload := []byte(`{"title":"x","secret_field":"y"}`)
		blob, err := sess.Encrypt(payload)
		require.NoError(t, err)
		sig, err := sess.Sign(blob)
		require.NoError(t, err)
		d := *good
		d.EncryptedPayload = blob
		d.Signature = sig
		_, err = a.Apply(ctx, sess, &d)
		assert.ErrorIs(t, err, common.ErrSchemaViolation)
	})

	// Nothing was written by any of the rejected deltas.
	var count int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM note`).Scan(&count))
	assert.Zero(t, count)
}
