// Package outbox is the durable queue of local mutations awaiting
// transmission to peers. Every local create, update, or delete lands here in
// the same transaction that mutates the entity, so the queue never misses a
// change and never invents one.
package outbox

import (
	"context"
	"time"

	"github.com/AmirrezaFarnamTaheri/Noteece-sub006/internal/entity"
	"github.com/AmirrezaFarnamTaheri/Noteece-sub006/internal/vclock"
)

// Change is one queued mutation. Payload is the serialized entity fields
// (plaintext at rest; encryption happens per session on the wire). Delete
// operations carry a tombstone payload so every change ships uniformly.
//
// Clock is the entity's vector clock at enqueue time. Deltas ship this
// snapshot, not the current clock: both sides of a concurrent edit must see
// the same pair of clocks to resolve the conflict to the same winner.
type Change struct {
	ID         string
	EntityType entity.Type
	EntityID   string
	Operation  entity.Operation
	Payload    []byte
	Clock      vclock.Clock
	CreatedAt  time.Time
	Synced     bool
}

// Repository stores queued changes.
type Repository interface {
	// Enqueue appends a change to the queue.
	Enqueue(ctx context.Context, c *Change) error

	// Pending returns unsynced changes in enqueue order.
	Pending(ctx context.Context) ([]Change, error)

	// LatestSince returns, for each entity mutated after the checkpoint, its
	// most recent change. This is the source of the sync manifest.
	LatestSince(ctx context.Context, since time.Time) ([]Change, error)

	// Latest returns the most recent change for one entity.
	Latest(ctx context.Context, entityType entity.Type, entityID string) (*Change, error)

	// MarkSynced flags changes as delivered. Unknown ids are ignored, so the
	// call is safe to repeat after a partial failure.
	MarkSynced(ctx context.Context, ids []string) error
}
