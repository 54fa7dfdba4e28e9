package storage

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/pressly/goose/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AmirrezaFarnamTaheri/Noteece-sub006/internal/common"
)

func setupDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, RunMigrations(context.Background(), db))
	return db
}

func TestRunMigrations_Error(t *testing.T) {
	old := gooseUpContext
	gooseUpContext = func(ctx context.Context, db *sql.DB, dir string, opts ...goose.OptionsFunc) error {
		return errors.New("boom")
	}
	t.Cleanup(func() { gooseUpContext = old })

	db, err := Open(":memory:")
	require.NoError(t, err)
	defer db.Close()

	err = RunMigrations(context.Background(), db)
	require.ErrorContains(t, err, "run migrations")
}

func TestEnsureLocalDevice_CreatesOnce(t *testing.T) {
	db := setupDB(t)
	ctx := context.Background()

	first, err := EnsureLocalDevice(ctx, db, "laptop")
	require.NoError(t, err)
	assert.NotEmpty(t, first.DeviceID)
	assert.Equal(t, "laptop", first.DeviceName)
	assert.Len(t, first.KeySalt, 16)

	// The second call returns the stored identity, even under another name.
	second, err := EnsureLocalDevice(ctx, db, "other")
	require.NoError(t, err)
	assert.Equal(t, first.DeviceID, second.DeviceID)
	assert.Equal(t, "laptop", second.DeviceName)
	assert.Equal(t, first.KeySalt, second.KeySalt)
}

func TestEnsureLocalDevice_RequiresName(t *testing.T) {
	db := setupDB(t)

	_, err := EnsureLocalDevice(context.Background(), db, "")
	require.ErrorIs(t, err, common.ErrInvalidArgument)
}
