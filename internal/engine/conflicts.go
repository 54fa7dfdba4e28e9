package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/AmirrezaFarnamTaheri/Noteece-sub006/internal/applier"
	"github.com/AmirrezaFarnamTaheri/Noteece-sub006/internal/common"
	"github.com/AmirrezaFarnamTaheri/Noteece-sub006/internal/conflict"
	"github.com/AmirrezaFarnamTaheri/Noteece-sub006/internal/dbx"
	"github.com/AmirrezaFarnamTaheri/Noteece-sub006/internal/entity"
	"github.com/AmirrezaFarnamTaheri/Noteece-sub006/internal/outbox"
)

// UnresolvedConflicts lists conflicts persisted during sync that await an
// explicit choice. Conflicts the automatic policies handled do not appear.
func (e *Engine) UnresolvedConflicts(ctx context.Context) ([]conflict.Record, error) {
	return conflict.NewSQLiteRepository(e.db).Unresolved(ctx)
}

// ResolveConflict applies an explicit choice to a persisted conflict. The
// chosen side's fields are written back as a fresh local change: the clock
// ticks past the merge of both sides, so the decision dominates whatever the
// automatic policies produced and propagates on the next sync.
// Outcome must be local or remote; merging is the automatic policies' job.
func (e *Engine) ResolveConflict(ctx context.Context, conflictID string, outcome conflict.Outcome) error {
	if outcome != conflict.OutcomeLocal && outcome != conflict.OutcomeRemote {
		return fmt.Errorf("outcome %q: %w", outcome, common.ErrInvalidArgument)
	}

	return dbx.WithTx(ctx, e.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		conflicts := conflict.NewSQLiteRepository(tx)
		rec, err := conflicts.Get(ctx, conflictID)
		if err != nil {
			return err
		}
		if rec.Resolved {
			return fmt.Errorf("conflict %s already resolved: %w", conflictID, common.ErrInvalidArgument)
		}

		payload := rec.LocalPayload
		if outcome == conflict.OutcomeRemote {
			payload = rec.RemotePayload
		}
		fields, err := entity.DecodePayload(rec.EntityType, payload)
		if err != nil {
			return err
		}

		store := applier.NewStore(tx)
		// An empty payload is a tombstone: the chosen side deleted the entity.
		deleted := len(fields) == 0
		op := entity.OpUpdate
		if deleted {
			op = entity.OpDelete
			if err := store.Delete(ctx, rec.EntityType, rec.EntityID); err != nil {
				return err
			}
		} else {
			if err := store.Upsert(ctx, rec.EntityType, rec.EntityID, fields); err != nil {
				return err
			}
		}

		now := time.Now()
		clock := rec.LocalClock.Merge(rec.RemoteClock).Tick(e.identity.DeviceID)
		versions := applier.NewVersionRepository(tx)
		if err := versions.Upsert(ctx, &applier.Version{
			EntityType: rec.EntityType,
			EntityID:   rec.EntityID,
			Clock:      clock,
			UpdatedAt:  now,
			Deleted:    deleted,
		}); err != nil {
			return err
		}

		if err := outbox.NewSQLiteRepository(tx).Enqueue(ctx, &outbox.Change{
			ID:         uuid.NewString(),
			EntityType: rec.EntityType,
			EntityID:   rec.EntityID,
			Operation:  op,
			Payload:    payload,
			Clock:      clock,
			CreatedAt:  now,
		}); err != nil {
			return err
		}

		return conflicts.MarkResolved(ctx, conflictID, outcome)
	})
}
