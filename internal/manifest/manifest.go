// Package manifest builds and exchanges change manifests. A manifest lists,
// per entity, the single most recent change a peer has not seen, annotated
// with the parent entities that must exist before it can be applied.
package manifest

import (
	"context"
	"fmt"
	"time"

	"github.com/AmirrezaFarnamTaheri/Noteece-sub006/internal/entity"
	"github.com/AmirrezaFarnamTaheri/Noteece-sub006/internal/outbox"
	"github.com/AmirrezaFarnamTaheri/Noteece-sub006/internal/wire"
)

// Build assembles the manifest of changes made after the peer's checkpoint.
// Delete entries carry no dependencies; removing a child never requires its
// parent.
func Build(ctx context.Context, repo outbox.Repository, since time.Time) (*wire.Manifest, error) {
	changes, err := repo.LatestSince(ctx, since)
	if err != nil {
		return nil, fmt.Errorf("loading changes: %w", err)
	}

	m := &wire.Manifest{Changes: make([]wire.ChangeEntry, 0, len(changes))}
	for _, c := range changes {
		e := wire.ChangeEntry{
			EntityType: string(c.EntityType),
			EntityID:   c.EntityID,
			Operation:  string(c.Operation),
			Timestamp:  c.CreatedAt.UnixMilli(),
		}
		if c.Operation != entity.OpDelete {
			fields, err := entity.DecodePayload(c.EntityType, c.Payload)
			if err != nil {
				return nil, fmt.Errorf("change %s: %w", c.ID, err)
			}
			for _, ref := range entity.Dependencies(c.EntityType, fields) {
				e.DependencyChain = append(e.DependencyChain, wire.EntityRef{
					EntityType: string(ref.Type),
					EntityID:   ref.ID,
				})
			}
		}
		m.Changes = append(m.Changes, e)
	}
	return m, nil
}

// Order sorts manifest entries so that every entry appears after the
// entries it depends on, when those are present in the same manifest.
// Dependencies on entities outside the manifest are assumed to already
// exist on the receiving side. Among unconstrained entries the original
// (timestamp) order is kept stable.
func Order(entries []wire.ChangeEntry) []wire.ChangeEntry {
	type key struct {
		typ string
		id  string
	}

	index := make(map[key]int, len(entries))
	for i, e := range entries {
		index[key{e.EntityType, e.EntityID}] = i
	}

	// Kahn's algorithm over the in-manifest dependency edges, scanning the
	// remaining entries in input order each round to keep the sort stable.
	indegree := make([]int, len(entries))
	dependents := make([][]int, len(entries))
	for i, e := range entries {
		for _, d := range e.DependencyChain {
			j, ok := index[key{d.EntityType, d.EntityID}]
			if !ok || j == i {
				continue
			}
			indegree[i]++
			dependents[j] = append(dependents[j], i)
		}
	}

	out := make([]wire.ChangeEntry, 0, len(entries))
	emitted := make([]bool, len(entries))
	for len(out) < len(entries) {
		progressed := false
		for i, e := range entries {
			if emitted[i] || indegree[i] > 0 {
				continue
			}
			out = append(out, e)
			emitted[i] = true
			progressed = true
			for _, dep := range dependents[i] {
				indegree[dep]--
			}
		}
		if !progressed {
			// Dependency cycle; emit the remainder in input order rather
			// than dropping changes.
			for i, e := range entries {
				if !emitted[i] {
					out = append(out, e)
					emitted[i] = true
				}
			}
		}
	}
	return out
}
