package conflict

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/AmirrezaFarnamTaheri/Noteece-sub006/internal/common"
	"github.com/AmirrezaFarnamTaheri/Noteece-sub006/internal/dbx"
	"github.com/AmirrezaFarnamTaheri/Noteece-sub006/internal/entity"
	"github.com/AmirrezaFarnamTaheri/Noteece-sub006/internal/vclock"
)

// Record is one persisted conflict, written before resolution runs.
type Record struct {
	ID            string
	EntityType    entity.Type
	EntityID      string
	LocalClock    vclock.Clock
	RemoteClock   vclock.Clock
	LocalPayload  []byte
	RemotePayload []byte
	DetectedAt    time.Time
	Resolved      bool
	ResolvedAt    time.Time
	Resolution    Outcome
}

// Repository stores conflict records.
type Repository interface {
	Insert(ctx context.Context, rec *Record) error
	Get(ctx context.Context, id string) (*Record, error)
	Unresolved(ctx context.Context) ([]Record, error)
	MarkResolved(ctx context.Context, id string, outcome Outcome) error
}

// SQLiteRepository implements Repository using a DBTX (either *sql.DB or *sql.Tx).
type SQLiteRepository struct {
	db dbx.DBTX
}

// NewSQLiteRepository returns a new SQLiteRepository bound to the given DBTX.
func NewSQLiteRepository(db dbx.DBTX) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// Insert persists a detected conflict.
func (r *SQLiteRepository) Insert(ctx context.Context, rec *Record) error {
	localClock, err := rec.LocalClock.MarshalText()
	if err != nil {
		return err
	}
	remoteClock, err := rec.RemoteClock.MarshalText()
	if err != nil {
		return err
	}
	query := `INSERT INTO sync_conflict (id, entity_type, entity_id, local_clock, remote_clock, local_payload, remote_payload, detected_at, resolved)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0)`
	_, err = r.db.ExecContext(ctx, query,
		rec.ID, string(rec.EntityType), rec.EntityID, string(localClock), string(remoteClock),
		rec.LocalPayload, rec.RemotePayload, rec.DetectedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to insert conflict: %w", err)
	}
	return nil
}

// Get loads one conflict by id.
func (r *SQLiteRepository) Get(ctx context.Context, id string) (*Record, error) {
	query := `SELECT id, entity_type, entity_id, local_clock, remote_clock, local_payload, remote_payload, detected_at, resolved, resolved_at, resolution
		FROM sync_conflict WHERE id=?`
	var rec Record
	var entityType, localClock, remoteClock string
	var detectedAt int64
	var resolvedAt sql.NullInt64
	var resolution sql.NullString
	err := r.db.QueryRowContext(ctx, query, id).Scan(
		&rec.ID, &entityType, &rec.EntityID, &localClock, &remoteClock,
		&rec.LocalPayload, &rec.RemotePayload, &detectedAt, &rec.Resolved, &resolvedAt, &resolution)
	if err == sql.ErrNoRows {
		return nil, common.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to select conflict: %w", err)
	}
	rec.EntityType = entity.Type(entityType)
	if err := rec.LocalClock.UnmarshalText([]byte(localClock)); err != nil {
		return nil, err
	}
	if err := rec.RemoteClock.UnmarshalText([]byte(remoteClock)); err != nil {
		return nil, err
	}
	rec.DetectedAt = time.UnixMilli(detectedAt)
	if resolvedAt.Valid {
		rec.ResolvedAt = time.UnixMilli(resolvedAt.Int64)
	}
	rec.Resolution = Outcome(resolution.String)
	return &rec, nil
}

// Unresolved lists conflicts awaiting resolution, oldest first.
func (r *SQLiteRepository) Unresolved(ctx context.Context) ([]Record, error) {
	query := `SELECT id, entity_type, entity_id, local_clock, remote_clock, local_payload, remote_payload, detected_at
		FROM sync_conflict WHERE resolved=0 ORDER BY detected_at, id`
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to select conflicts: %w", err)
	}
	defer rows.Close()

	var result []Record
	for rows.Next() {
		var rec Record
		var entityType, localClock, remoteClock string
		var detectedAt int64
		if err := rows.Scan(&rec.ID, &entityType, &rec.EntityID, &localClock, &remoteClock,
			&rec.LocalPayload, &rec.RemotePayload, &detectedAt); err != nil {
			return nil, err
		}
		rec.EntityType = entity.Type(entityType)
		if err := rec.LocalClock.UnmarshalText([]byte(localClock)); err != nil {
			return nil, err
		}
		if err := rec.RemoteClock.UnmarshalText([]byte(remoteClock)); err != nil {
			return nil, err
		}
		rec.DetectedAt = time.UnixMilli(detectedAt)
		result = append(result, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// MarkResolved records the outcome of a resolved conflict.
func (r *SQLiteRepository) MarkResolved(ctx context.Context, id string, outcome Outcome) error {
	query := `UPDATE sync_conflict SET resolved=1, resolved_at=?, resolution=? WHERE id=?`
	res, err := r.db.ExecContext(ctx, query, time.Now().UnixMilli(), string(outcome), id)
	if err != nil {
		return fmt.Errorf("failed to mark conflict resolved: %w", err)
	}
	ra, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if ra == 0 {
		return common.ErrNotFound
	}
	return nil
}
