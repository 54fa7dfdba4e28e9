package applier

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
	"unicode"

	"github.com/AmirrezaFarnamTaheri/Noteece-sub006/internal/cipher"
	"github.com/AmirrezaFarnamTaheri/Noteece-sub006/internal/common"
	"github.com/AmirrezaFarnamTaheri/Noteece-sub006/internal/conflict"
	"github.com/AmirrezaFarnamTaheri/Noteece-sub006/internal/dbx"
	"github.com/AmirrezaFarnamTaheri/Noteece-sub006/internal/entity"
	"github.com/AmirrezaFarnamTaheri/Noteece-sub006/internal/logging"
	"github.com/AmirrezaFarnamTaheri/Noteece-sub006/internal/vclock"
	"github.com/AmirrezaFarnamTaheri/Noteece-sub006/internal/wire"
)

// maxEntityIDLen bounds identifiers from the wire.
const maxEntityIDLen = 128

// Outcome says what applying one delta did.
type Outcome string

const (
	// OutcomeApplied means the remote state was newer and written.
	OutcomeApplied Outcome = "applied"
	// OutcomeSkippedStale means the local state already covers the delta.
	OutcomeSkippedStale Outcome = "skipped_stale"
	// OutcomeConflictResolved means the versions were concurrent and the
	// resolved state was written.
	OutcomeConflictResolved Outcome = "conflict_resolved"
)

// Result reports a successful application.
type Result struct {
	Outcome Outcome
	// Clock is the entity's clock after the apply.
	Clock vclock.Clock
}

// Applied is a hook invoked after a delta lands, outside the transaction.
type Applied func(t entity.Type, entityID string, op entity.Operation)

// Applier validates incoming deltas and writes them to the local store.
type Applier struct {
	db            *sql.DB
	localDeviceID string
	logger        logging.Logger
	onApplied     Applied
}

// NewApplier returns an Applier writing through db.
func NewApplier(db *sql.DB, localDeviceID string, logger logging.Logger) *Applier {
	return &Applier{db: db, localDeviceID: localDeviceID, logger: logger}
}

// OnApplied registers a hook called after every Applied or ConflictResolved
// outcome. Used to notify the rest of the app that an entity changed.
func (a *Applier) OnApplied(fn Applied) {
	a.onApplied = fn
}

// Apply runs one delta through the validation pipeline and, if it survives,
// writes the entity row and its clock in a single transaction.
//
// The order is fixed: operation, type, and id checks first (cheap, no
// crypto), then signature verification over the ciphertext, then
// decryption, then schema validation of the plaintext. A delta rejected at
// any stage leaves no trace in the store, and a bad delta never aborts the
// session; the caller decides whether to continue with the next one.
func (a *Applier) Apply(ctx context.Context, sess *cipher.Session, d *wire.Delta) (*Result, error) {
	op, err := entity.ParseOperation(d.Operation)
	if err != nil {
		return nil, err
	}
	typ, err := entity.ParseType(d.EntityType)
	if err != nil {
		return nil, err
	}
	if err := validateEntityID(d.EntityID); err != nil {
		return nil, err
	}

	ok, err := sess.Verify(d.EncryptedPayload, d.Signature)
	if err != nil {
		return nil, err
	}
	if !ok {
		a.logger.Error(ctx, "delta signature verification failed",
			"entity_type", d.EntityType, "entity_id", d.EntityID,
			"peer_device_id", sess.PeerDeviceID())
		return nil, common.ErrTamperDetected
	}

	plaintext, err := sess.Decrypt(d.EncryptedPayload)
	if err != nil {
		return nil, err
	}

	fields, err := entity.DecodePayload(typ, plaintext)
	if err != nil {
		return nil, err
	}

	var result *Result
	err = dbx.WithTx(ctx, a.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		result, err = a.applyTx(ctx, tx, sess.PeerDeviceID(), typ, op, d, fields)
		return err
	})
	if err != nil {
		return nil, err
	}

	if a.onApplied != nil && result.Outcome != OutcomeSkippedStale {
		a.onApplied(typ, d.EntityID, op)
	}
	return result, nil
}

func (a *Applier) applyTx(ctx context.Context, tx dbx.DBTX, peerDeviceID string, typ entity.Type, op entity.Operation, d *wire.Delta, fields entity.Fields) (*Result, error) {
	store := NewStore(tx)
	versions := NewVersionRepository(tx)

	local, err := versions.Get(ctx, typ, d.EntityID)
	if err != nil && !errors.Is(err, common.ErrNotFound) {
		return nil, err
	}

	// First sight of this entity: nothing to compare against.
	if local == nil {
		if err := a.write(ctx, store, versions, typ, op, d.EntityID, fields, d.Clock, d.Timestamp); err != nil {
			return nil, err
		}
		return &Result{Outcome: OutcomeApplied, Clock: d.Clock}, nil
	}

	switch vclock.Compare(local.Clock, d.Clock) {
	case vclock.Equal, vclock.DominatesLocal:
		return &Result{Outcome: OutcomeSkippedStale, Clock: local.Clock}, nil

	case vclock.DominatesRemote:
		merged := local.Clock.Merge(d.Clock)
		if err := a.write(ctx, store, versions, typ, op, d.EntityID, fields, merged, d.Timestamp); err != nil {
			return nil, err
		}
		return &Result{Outcome: OutcomeApplied, Clock: merged}, nil

	default: // Concurrent
		return a.resolveConflict(ctx, tx, store, versions, peerDeviceID, typ, op, d, local, fields)
	}
}

// resolveConflict runs the conflict policy for concurrent versions inside
// the apply transaction, so the conflict record, the resolved row, and the
// merged clock commit or roll back together.
func (a *Applier) resolveConflict(ctx context.Context, tx dbx.DBTX, store *Store, versions *VersionRepository, peerDeviceID string, typ entity.Type, op entity.Operation, d *wire.Delta, local *Version, remoteFields entity.Fields) (*Result, error) {
	localFields, err := store.Get(ctx, typ, d.EntityID)
	if errors.Is(err, common.ErrNotFound) {
		localFields = entity.Fields{}
	} else if err != nil {
		return nil, err
	}

	resolver := conflict.NewResolver(conflict.NewSQLiteRepository(tx), a.logger)
	res, err := resolver.Resolve(ctx, typ, d.EntityID,
		conflict.Version{
			DeviceID:  a.localDeviceID,
			Clock:     local.Clock,
			Fields:    localFields,
			Timestamp: local.UpdatedAt,
		},
		conflict.Version{
			DeviceID:  peerDeviceID,
			Clock:     d.Clock,
			Fields:    remoteFields,
			Timestamp: time.UnixMilli(d.Timestamp),
		})
	if err != nil {
		return nil, err
	}

	// Which side's delete state survives depends on the outcome: a merged
	// result always has content.
	deleted := false
	switch res.Outcome {
	case conflict.OutcomeLocal:
		deleted = local.Deleted
	case conflict.OutcomeRemote:
		deleted = op == entity.OpDelete
	}

	if deleted {
		if err := store.Delete(ctx, typ, d.EntityID); err != nil {
			return nil, err
		}
	} else if res.Outcome != conflict.OutcomeLocal {
		if err := store.Upsert(ctx, typ, d.EntityID, res.Fields); err != nil {
			return nil, err
		}
	}

	updatedAt := local.UpdatedAt
	if t := time.UnixMilli(d.Timestamp); t.After(updatedAt) {
		updatedAt = t
	}
	if err := versions.Upsert(ctx, &Version{
		EntityType: typ,
		EntityID:   d.EntityID,
		Clock:      res.Clock,
		UpdatedAt:  updatedAt,
		Deleted:    deleted,
	}); err != nil {
		return nil, err
	}

	return &Result{Outcome: OutcomeConflictResolved, Clock: res.Clock}, nil
}

// write applies a non-conflicting delta: row mutation plus clock update.
func (a *Applier) write(ctx context.Context, store *Store, versions *VersionRepository, typ entity.Type, op entity.Operation, id string, fields entity.Fields, clock vclock.Clock, timestamp int64) error {
	if op == entity.OpDelete {
		if err := store.Delete(ctx, typ, id); err != nil {
			return err
		}
	} else {
		if err := store.Upsert(ctx, typ, id, fields); err != nil {
			return err
		}
	}
	return versions.Upsert(ctx, &Version{
		EntityType: typ,
		EntityID:   id,
		Clock:      clock,
		UpdatedAt:  time.UnixMilli(timestamp),
		Deleted:    op == entity.OpDelete,
	})
}

func validateEntityID(id string) error {
	if id == "" {
		return fmt.Errorf("%w: empty", common.ErrInvalidEntityID)
	}
	if len(id) > maxEntityIDLen {
		return fmt.Errorf("%w: longer than %d bytes", common.ErrInvalidEntityID, maxEntityIDLen)
	}
	for _, r := range id {
		if unicode.IsControl(r) {
			return fmt.Errorf("%w: control character", common.ErrInvalidEntityID)
		}
	}
	return nil
}
