// Package storage opens the local SQLite database and manages its schema.
package storage

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	"github.com/AmirrezaFarnamTaheri/Noteece-sub006/internal/common"
	"github.com/AmirrezaFarnamTaheri/Noteece-sub006/internal/shared"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Open opens the SQLite database at dsn and verifies the connection.
// SQLite allows a single writer, so the pool is capped accordingly.
func Open(dsn string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	return db, nil
}

// gooseUpContext is a seam for testing goose.UpContext.
var gooseUpContext = func(ctx context.Context, db *sql.DB, dir string, opts ...goose.OptionsFunc) error {
	return goose.UpContext(ctx, db, dir, opts...)
}

// RunMigrations sets up goose with the embedded migrations and runs them
// against the provided database connection.
func RunMigrations(ctx context.Context, db *sql.DB) error {
	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("sqlite3"); err != nil {
		return err
	}
	if err := gooseUpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

// LocalDevice is the identity recorded for this installation. KeySalt is the
// per-installation salt used to derive the vault key from the passphrase.
type LocalDevice struct {
	DeviceID   string
	DeviceName string
	KeySalt    []byte
	CreatedAt  time.Time
}

// EnsureLocalDevice returns the stored local device identity, creating one
// with a fresh UUID and key salt on first run.
func EnsureLocalDevice(ctx context.Context, db *sql.DB, name string) (*LocalDevice, error) {
	d := &LocalDevice{}
	var createdAt int64
	row := db.QueryRowContext(ctx,
		"SELECT device_id, device_name, key_salt, created_at FROM local_device WHERE id = 1")
	err := row.Scan(&d.DeviceID, &d.DeviceName, &d.KeySalt, &createdAt)
	switch {
	case err == nil:
		d.CreatedAt = time.Unix(createdAt, 0)
		return d, nil
	case err != sql.ErrNoRows:
		return nil, fmt.Errorf("load local device: %w", err)
	}

	if name == "" {
		return nil, fmt.Errorf("device name: %w", common.ErrInvalidArgument)
	}
	d.DeviceID = uuid.NewString()
	d.DeviceName = name
	d.KeySalt = shared.GenerateRandByteArray(16)
	d.CreatedAt = time.Now()
	_, err = db.ExecContext(ctx,
		"INSERT INTO local_device (id, device_id, device_name, key_salt, created_at) VALUES (1, ?, ?, ?, ?)",
		d.DeviceID, d.DeviceName, d.KeySalt, d.CreatedAt.Unix())
	if err != nil {
		return nil, fmt.Errorf("save local device: %w", err)
	}
	return d, nil
}
