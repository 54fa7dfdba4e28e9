// Package engine ties the sync pipeline together: it owns the local device
// identity, runs sync sessions against peers, answers incoming sessions,
// and records every local mutation into the outbox.
package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/AmirrezaFarnamTaheri/Noteece-sub006/internal/common"
	"github.com/AmirrezaFarnamTaheri/Noteece-sub006/internal/dbx"
)

// Direction labels which way a session moved data, from this device's point
// of view.
type Direction string

const (
	DirectionPush          Direction = "push"
	DirectionPull          Direction = "pull"
	DirectionBidirectional Direction = "bidirectional"
)

// SyncState is the per-peer checkpoint: when we last completed a session
// with the device and how much has moved in total.
type SyncState struct {
	DeviceID            string
	DeviceName          string
	LastSyncAt          time.Time
	LastSyncDirection   Direction
	TotalSyncedEntities int64
}

// SyncStateRepository stores per-peer checkpoints.
type SyncStateRepository struct {
	db dbx.DBTX
}

// NewSyncStateRepository returns a SyncStateRepository bound to the given DBTX.
func NewSyncStateRepository(db dbx.DBTX) *SyncStateRepository {
	return &SyncStateRepository{db: db}
}

// Get loads the checkpoint for one peer.
func (r *SyncStateRepository) Get(ctx context.Context, deviceID string) (*SyncState, error) {
	query := `SELECT device_id, device_name, last_sync_at, last_sync_direction, total_synced_entities
		FROM sync_state WHERE device_id=?`
	row := r.db.QueryRowContext(ctx, query, deviceID)

	s := &SyncState{}
	var lastSyncAt int64
	var direction string
	err := row.Scan(&s.DeviceID, &s.DeviceName, &lastSyncAt, &direction, &s.TotalSyncedEntities)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, common.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query row scan failed: %w", err)
	}
	s.LastSyncAt = time.UnixMilli(lastSyncAt)
	s.LastSyncDirection = Direction(direction)
	return s, nil
}

// Record advances the checkpoint after a completed session.
func (r *SyncStateRepository) Record(ctx context.Context, deviceID, deviceName string, at time.Time, direction Direction, syncedEntities int64) error {
	query := `INSERT INTO sync_state (device_id, device_name, last_sync_at, last_sync_direction, total_synced_entities)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(device_id) DO UPDATE SET
			device_name = excluded.device_name,
			last_sync_at = excluded.last_sync_at,
			last_sync_direction = excluded.last_sync_direction,
			total_synced_entities = total_synced_entities + excluded.total_synced_entities`
	_, err := r.db.ExecContext(ctx, query,
		deviceID, deviceName, at.UnixMilli(), string(direction), syncedEntities)
	if err != nil {
		return fmt.Errorf("failed to record sync state: %w", err)
	}
	return nil
}
