package conflict

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/AmirrezaFarnamTaheri/Noteece-sub006/internal/entity"
	"github.com/AmirrezaFarnamTaheri/Noteece-sub006/internal/logging"
)

// Resolver persists conflicts and applies resolution policies. Types whose
// schema declares set-union fields get SetUnionMerge; everything else falls
// back to last write wins. Callers can override per type.
type Resolver struct {
	repo     Repository
	logger   logging.Logger
	fallback Policy
	policies map[entity.Type]Policy
}

// NewResolver builds a Resolver with the default per-type policies.
func NewResolver(repo Repository, logger logging.Logger) *Resolver {
	policies := make(map[entity.Type]Policy)
	for _, t := range entity.Types() {
		if len(t.SetUnionFields()) > 0 {
			policies[t] = SetUnionMerge{}
		}
	}
	return &Resolver{
		repo:     repo,
		logger:   logger,
		fallback: LastWriteWins{},
		policies: policies,
	}
}

// Override replaces the policy for one entity type.
func (r *Resolver) Override(t entity.Type, p Policy) {
	r.policies[t] = p
}

// Resolve records the conflict, resolves it with the type's policy, and
// marks the record with the outcome. The record insert happens before the
// policy runs: even if resolution fails, the conflict is on disk.
func (r *Resolver) Resolve(ctx context.Context, t entity.Type, entityID string, local, remote Version) (*Resolution, error) {
	localPayload, err := entity.EncodePayload(t, local.Fields)
	if err != nil {
		return nil, fmt.Errorf("encoding local version: %w", err)
	}
	remotePayload, err := entity.EncodePayload(t, remote.Fields)
	if err != nil {
		return nil, fmt.Errorf("encoding remote version: %w", err)
	}

	rec := &Record{
		ID:            uuid.NewString(),
		EntityType:    t,
		EntityID:      entityID,
		LocalClock:    local.Clock,
		RemoteClock:   remote.Clock,
		LocalPayload:  localPayload,
		RemotePayload: remotePayload,
		DetectedAt:    time.Now(),
	}
	if err := r.repo.Insert(ctx, rec); err != nil {
		return nil, fmt.Errorf("persisting conflict: %w", err)
	}

	policy, ok := r.policies[t]
	if !ok {
		policy = r.fallback
	}
	res, err := policy.Resolve(t, local, remote)
	if err != nil {
		return nil, fmt.Errorf("resolving conflict %s: %w", rec.ID, err)
	}

	if err := r.repo.MarkResolved(ctx, rec.ID, res.Outcome); err != nil {
		return nil, fmt.Errorf("marking conflict resolved: %w", err)
	}

	r.logger.Info(ctx, "conflict resolved",
		"entity_type", string(t), "entity_id", entityID,
		"outcome", string(res.Outcome), "conflict_id", rec.ID)
	return res, nil
}
