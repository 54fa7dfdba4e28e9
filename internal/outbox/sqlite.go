package outbox

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/AmirrezaFarnamTaheri/Noteece-sub006/internal/common"
	"github.com/AmirrezaFarnamTaheri/Noteece-sub006/internal/dbx"
	"github.com/AmirrezaFarnamTaheri/Noteece-sub006/internal/entity"
)

// SQLiteRepository implements Repository using a DBTX (either *sql.DB or *sql.Tx).
type SQLiteRepository struct {
	db dbx.DBTX
}

// NewSQLiteRepository returns a new SQLiteRepository bound to the given DBTX.
func NewSQLiteRepository(db dbx.DBTX) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// Enqueue appends a change to the queue.
func (r *SQLiteRepository) Enqueue(ctx context.Context, c *Change) error {
	if c.ID == "" || c.EntityID == "" {
		return fmt.Errorf("change id and entity id required: %w", common.ErrInvalidArgument)
	}
	clock, err := c.Clock.MarshalText()
	if err != nil {
		return err
	}
	query := `INSERT INTO change_outbox (id, entity_type, entity_id, operation, payload, clock, created_at, synced)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0)`
	_, err = r.db.ExecContext(ctx, query,
		c.ID, string(c.EntityType), c.EntityID, string(c.Operation), c.Payload, string(clock), c.CreatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to enqueue change: %w", err)
	}
	return nil
}

// Pending returns unsynced changes in enqueue order.
func (r *SQLiteRepository) Pending(ctx context.Context) ([]Change, error) {
	query := `SELECT id, entity_type, entity_id, operation, payload, clock, created_at, synced
		FROM change_outbox WHERE synced=0 ORDER BY created_at, id`
	return r.query(ctx, query)
}

// LatestSince returns the most recent change per entity after the checkpoint.
func (r *SQLiteRepository) LatestSince(ctx context.Context, since time.Time) ([]Change, error) {
	// The self-join keeps only the newest row per (entity_type, entity_id),
	// breaking created_at ties by the larger id.
	query := `SELECT c.id, c.entity_type, c.entity_id, c.operation, c.payload, c.clock, c.created_at, c.synced
		FROM change_outbox c
		WHERE c.created_at > ?
		  AND NOT EXISTS (
			SELECT 1 FROM change_outbox newer
			WHERE newer.entity_type = c.entity_type
			  AND newer.entity_id = c.entity_id
			  AND (newer.created_at > c.created_at
			       OR (newer.created_at = c.created_at AND newer.id > c.id))
		  )
		ORDER BY c.created_at, c.id`
	return r.query(ctx, query, since.UnixMilli())
}

// Latest returns the most recent change for one entity.
func (r *SQLiteRepository) Latest(ctx context.Context, entityType entity.Type, entityID string) (*Change, error) {
	query := `SELECT id, entity_type, entity_id, operation, payload, clock, created_at, synced
		FROM change_outbox WHERE entity_type=? AND entity_id=?
		ORDER BY created_at DESC, id DESC LIMIT 1`
	row := r.db.QueryRowContext(ctx, query, string(entityType), entityID)

	c, err := scanChange(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, common.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query row scan failed: %w", err)
	}
	return c, nil
}

// MarkSynced flags changes as delivered. Ids already synced or unknown are
// ignored.
func (r *SQLiteRepository) MarkSynced(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders := strings.Repeat(",?", len(ids))[1:]
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	query := `UPDATE change_outbox SET synced=1 WHERE id IN (` + placeholders + `)`
	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to mark changes synced: %w", err)
	}
	return nil
}

func (r *SQLiteRepository) query(ctx context.Context, query string, args ...any) ([]Change, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to select changes: %w", err)
	}
	defer rows.Close()

	var result []Change
	for rows.Next() {
		c, err := scanChange(rows.Scan)
		if err != nil {
			return nil, err
		}
		result = append(result, *c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func scanChange(scan func(...any) error) (*Change, error) {
	c := &Change{}
	var entityType, operation, clock string
	var createdAt int64
	var synced int
	if err := scan(&c.ID, &entityType, &c.EntityID, &operation, &c.Payload, &clock, &createdAt, &synced); err != nil {
		return nil, err
	}
	if err := c.Clock.UnmarshalText([]byte(clock)); err != nil {
		return nil, err
	}
	c.EntityType = entity.Type(entityType)
	c.Operation = entity.Operation(operation)
	c.CreatedAt = time.UnixMilli(createdAt)
	c.Synced = synced != 0
	return c, nil
}
