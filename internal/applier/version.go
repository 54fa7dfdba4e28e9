package applier

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/AmirrezaFarnamTaheri/Noteece-sub006/internal/common"
	"github.com/AmirrezaFarnamTaheri/Noteece-sub006/internal/dbx"
	"github.com/AmirrezaFarnamTaheri/Noteece-sub006/internal/entity"
	"github.com/AmirrezaFarnamTaheri/Noteece-sub006/internal/vclock"
)

// Version is the tracked vector clock of one local entity.
type Version struct {
	EntityType entity.Type
	EntityID   string
	Clock      vclock.Clock
	UpdatedAt  time.Time
	Deleted    bool
}

// VersionRepository tracks entity vector clocks, including tombstones for
// deleted entities.
type VersionRepository struct {
	db dbx.DBTX
}

// NewVersionRepository returns a VersionRepository bound to the given DBTX.
func NewVersionRepository(db dbx.DBTX) *VersionRepository {
	return &VersionRepository{db: db}
}

// Get loads the version row for one entity.
func (r *VersionRepository) Get(ctx context.Context, t entity.Type, id string) (*Version, error) {
	query := `SELECT clock, updated_at, deleted FROM entity_version WHERE entity_type=? AND entity_id=?`
	row := r.db.QueryRowContext(ctx, query, string(t), id)

	v := &Version{EntityType: t, EntityID: id}
	var clock string
	var updatedAt int64
	var deleted int
	err := row.Scan(&clock, &updatedAt, &deleted)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, common.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query row scan failed: %w", err)
	}
	if err := v.Clock.UnmarshalText([]byte(clock)); err != nil {
		return nil, err
	}
	v.UpdatedAt = time.UnixMilli(updatedAt)
	v.Deleted = deleted != 0
	return v, nil
}

// Upsert writes the version row for one entity.
func (r *VersionRepository) Upsert(ctx context.Context, v *Version) error {
	clock, err := v.Clock.MarshalText()
	if err != nil {
		return err
	}
	query := `INSERT INTO entity_version (entity_type, entity_id, clock, updated_at, deleted)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(entity_type, entity_id) DO UPDATE SET
			clock = excluded.clock,
			updated_at = excluded.updated_at,
			deleted = excluded.deleted`
	deleted := 0
	if v.Deleted {
		deleted = 1
	}
	_, err = r.db.ExecContext(ctx, query,
		string(v.EntityType), v.EntityID, string(clock), v.UpdatedAt.UnixMilli(), deleted)
	if err != nil {
		return fmt.Errorf("failed to upsert entity version: %w", err)
	}
	return nil
}
