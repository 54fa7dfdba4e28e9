package trust

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/AmirrezaFarnamTaheri/Noteece-sub006/internal/common"
	"github.com/AmirrezaFarnamTaheri/Noteece-sub006/internal/dbx"
)

// SQLiteRepository implements Repository using a DBTX (either *sql.DB or *sql.Tx).
type SQLiteRepository struct {
	db dbx.DBTX
}

// NewSQLiteRepository returns a new SQLiteRepository bound to the given DBTX.
func NewSQLiteRepository(db dbx.DBTX) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// Verify pins the key on first contact (trust on first use) and compares it
// against the pinned fingerprint on every later contact. A mismatch demotes
// the device to key_changed; a revoked device stays revoked no matter what
// key it presents.
func (r *SQLiteRepository) Verify(ctx context.Context, deviceID, deviceName string, identityKey []byte) (Level, error) {
	if deviceID == "" || len(identityKey) == 0 {
		return LevelUnknown, fmt.Errorf("device id and identity key required: %w", common.ErrInvalidArgument)
	}
	fp := Fingerprint(identityKey)
	now := time.Now().Unix()

	rec, err := r.Get(ctx, deviceID)
	if errors.Is(err, common.ErrNotFound) {
		query := `INSERT INTO device_trust (device_id, device_name, public_key_hash, trust_level, first_seen, last_seen, sync_count)
			VALUES (?, ?, ?, ?, ?, ?, 0)`
		if _, err := r.db.ExecContext(ctx, query, deviceID, deviceName, fp, string(LevelTOFU), now, now); err != nil {
			return LevelUnknown, fmt.Errorf("failed to pin device key: %w", err)
		}
		return LevelTOFU, nil
	}
	if err != nil {
		return LevelUnknown, err
	}

	switch {
	case rec.Level == LevelRevoked:
		return LevelRevoked, nil
	case rec.Fingerprint != fp:
		// The presented fingerprint replaces the pin so an explicit re-trust
		// accepts the key the device last showed. The level stays key_changed
		// until then, so sync remains blocked.
		query := `UPDATE device_trust SET trust_level=?, public_key_hash=?, last_seen=? WHERE device_id=?`
		if _, err := r.db.ExecContext(ctx, query, string(LevelKeyChanged), fp, now, deviceID); err != nil {
			return LevelUnknown, fmt.Errorf("failed to record key change: %w", err)
		}
		return LevelKeyChanged, nil
	}

	// The key matches the pinned one. A key_changed device keeps that level
	// even so; only an explicit re-trust clears it.
	query := `UPDATE device_trust SET device_name=?, last_seen=? WHERE device_id=?`
	if _, err := r.db.ExecContext(ctx, query, deviceName, now, deviceID); err != nil {
		return LevelUnknown, fmt.Errorf("failed to update device: %w", err)
	}
	return rec.Level, nil
}

// Get returns the record for a device.
func (r *SQLiteRepository) Get(ctx context.Context, deviceID string) (*Record, error) {
	query := `SELECT device_id, device_name, public_key_hash, trust_level, first_seen, last_seen, sync_count, COALESCE(notes, '')
		FROM device_trust WHERE device_id=?`
	row := r.db.QueryRowContext(ctx, query, deviceID)

	rec := &Record{}
	var level string
	var firstSeen, lastSeen int64
	err := row.Scan(&rec.DeviceID, &rec.DeviceName, &rec.Fingerprint, &level, &firstSeen, &lastSeen, &rec.SyncCount, &rec.Notes)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, common.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query row scan failed: %w", err)
	}
	rec.Level = Level(level)
	rec.FirstSeen = time.Unix(firstSeen, 0)
	rec.LastSeen = time.Unix(lastSeen, 0)
	return rec, nil
}

// List returns all known devices ordered by most recent contact.
func (r *SQLiteRepository) List(ctx context.Context) ([]Record, error) {
	query := `SELECT device_id, device_name, public_key_hash, trust_level, first_seen, last_seen, sync_count, COALESCE(notes, '')
		FROM device_trust ORDER BY last_seen DESC`
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to select devices: %w", err)
	}
	defer rows.Close()

	var result []Record
	for rows.Next() {
		var rec Record
		var level string
		var firstSeen, lastSeen int64
		if err := rows.Scan(&rec.DeviceID, &rec.DeviceName, &rec.Fingerprint, &level, &firstSeen, &lastSeen, &rec.SyncCount, &rec.Notes); err != nil {
			return nil, err
		}
		rec.Level = Level(level)
		rec.FirstSeen = time.Unix(firstSeen, 0)
		rec.LastSeen = time.Unix(lastSeen, 0)
		result = append(result, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// MarkVerified upgrades a device to verified. Re-trusting after a key change
// re-pins whatever key the device last presented, so callers must show the
// new fingerprint to the user first.
func (r *SQLiteRepository) MarkVerified(ctx context.Context, deviceID string) error {
	query := `UPDATE device_trust SET trust_level=? WHERE device_id=?`
	res, err := r.db.ExecContext(ctx, query, string(LevelVerified), deviceID)
	if err != nil {
		return fmt.Errorf("failed to mark device verified: %w", err)
	}
	return requireOneRow(res)
}

// Revoke blocks a device from syncing.
func (r *SQLiteRepository) Revoke(ctx context.Context, deviceID, reason string) error {
	query := `UPDATE device_trust SET trust_level=?, notes=? WHERE device_id=?`
	res, err := r.db.ExecContext(ctx, query, string(LevelRevoked), reason, deviceID)
	if err != nil {
		return fmt.Errorf("failed to revoke device: %w", err)
	}
	return requireOneRow(res)
}

// RecordSync bumps the sync counter and last-seen time.
func (r *SQLiteRepository) RecordSync(ctx context.Context, deviceID string) error {
	query := `UPDATE device_trust SET sync_count=sync_count+1, last_seen=? WHERE device_id=?`
	res, err := r.db.ExecContext(ctx, query, time.Now().Unix(), deviceID)
	if err != nil {
		return fmt.Errorf("failed to record sync: %w", err)
	}
	return requireOneRow(res)
}

func requireOneRow(res sql.Result) error {
	ra, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if ra == 0 {
		return common.ErrNotFound
	}
	return nil
}
