package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/AmirrezaFarnamTaheri/Noteece-sub006/internal/dbx"
)

// HistoryEntry is one completed (or failed) sync session, kept for the
// activity log.
type HistoryEntry struct {
	ID                string
	DeviceID          string
	SyncTime          time.Time
	Direction         Direction
	EntitiesPushed    int64
	EntitiesPulled    int64
	ConflictsDetected int64
	Success           bool
	ErrorMessage      string
}

// HistoryRepository stores the session log.
type HistoryRepository struct {
	db dbx.DBTX
}

// NewHistoryRepository returns a HistoryRepository bound to the given DBTX.
func NewHistoryRepository(db dbx.DBTX) *HistoryRepository {
	return &HistoryRepository{db: db}
}

// Insert appends one session to the log.
func (r *HistoryRepository) Insert(ctx context.Context, e *HistoryEntry) error {
	success := 0
	if e.Success {
		success = 1
	}
	var errMsg any
	if e.ErrorMessage != "" {
		errMsg = e.ErrorMessage
	}
	query := `INSERT INTO sync_history (id, device_id, sync_time, direction, entities_pushed, entities_pulled, conflicts_detected, success, error_message)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := r.db.ExecContext(ctx, query,
		e.ID, e.DeviceID, e.SyncTime.UnixMilli(), string(e.Direction),
		e.EntitiesPushed, e.EntitiesPulled, e.ConflictsDetected, success, errMsg)
	if err != nil {
		return fmt.Errorf("failed to insert sync history: %w", err)
	}
	return nil
}

// Recent returns the latest n sessions, newest first.
func (r *HistoryRepository) Recent(ctx context.Context, n int) ([]HistoryEntry, error) {
	query := `SELECT id, device_id, sync_time, direction, entities_pushed, entities_pulled, conflicts_detected, success, COALESCE(error_message, '')
		FROM sync_history ORDER BY sync_time DESC, id DESC LIMIT ?`
	rows, err := r.db.QueryContext(ctx, query, n)
	if err != nil {
		return nil, fmt.Errorf("failed to select sync history: %w", err)
	}
	defer rows.Close()

	var result []HistoryEntry
	for rows.Next() {
		var e HistoryEntry
		var syncTime int64
		var direction string
		var success int
		if err := rows.Scan(&e.ID, &e.DeviceID, &syncTime, &direction,
			&e.EntitiesPushed, &e.EntitiesPulled, &e.ConflictsDetected, &success, &e.ErrorMessage); err != nil {
			return nil, err
		}
		e.SyncTime = time.UnixMilli(syncTime)
		e.Direction = Direction(direction)
		e.Success = success != 0
		result = append(result, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}
