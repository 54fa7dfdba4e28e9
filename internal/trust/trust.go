// Package trust pins peer identity keys on first use and gates sync on the
// recorded trust level. A peer whose identity key ever changes is blocked
// until the user explicitly re-trusts it.
package trust

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// Level is the trust state of a remote device.
type Level string

const (
	// LevelUnknown means the device has never completed a handshake.
	LevelUnknown Level = "unknown"
	// LevelTOFU means the key was pinned on first contact and has been
	// stable since.
	LevelTOFU Level = "tofu"
	// LevelVerified means the user confirmed the fingerprint out of band.
	LevelVerified Level = "verified"
	// LevelRevoked means the user explicitly blocked the device.
	LevelRevoked Level = "revoked"
	// LevelKeyChanged means the device presented a key that does not match
	// the pinned one.
	LevelKeyChanged Level = "key_changed"
)

// AllowsSync reports whether a device at this level may sync.
func (l Level) AllowsSync() bool {
	return l == LevelTOFU || l == LevelVerified
}

// Record is the pinned state for one remote device.
type Record struct {
	DeviceID    string
	DeviceName  string
	Fingerprint string
	Level       Level
	FirstSeen   time.Time
	LastSeen    time.Time
	SyncCount   int64
	Notes       string
}

// Fingerprint returns the hex SHA-256 digest of an identity public key.
func Fingerprint(identityKey []byte) string {
	sum := sha256.Sum256(identityKey)
	return hex.EncodeToString(sum[:])
}

// Repository stores pinned device identities.
type Repository interface {
	// Verify checks the presented identity key against the pinned record,
	// pinning it on first contact. The returned level decides whether the
	// handshake may proceed.
	Verify(ctx context.Context, deviceID, deviceName string, identityKey []byte) (Level, error)

	// Get returns the record for a device.
	Get(ctx context.Context, deviceID string) (*Record, error)

	// List returns all known devices.
	List(ctx context.Context) ([]Record, error)

	// MarkVerified upgrades a device to verified after an out-of-band
	// fingerprint check.
	MarkVerified(ctx context.Context, deviceID string) error

	// Revoke blocks a device from syncing.
	Revoke(ctx context.Context, deviceID, reason string) error

	// RecordSync bumps the sync counter and last-seen time after a
	// completed session.
	RecordSync(ctx context.Context, deviceID string) error
}
