// Package conflict detects concurrent edits of one entity and resolves them
// deterministically. Every detected conflict is persisted before resolution
// runs, so the losing version can always be recovered for audit or manual
// review.
package conflict

import (
	"fmt"
	"time"

	"github.com/AmirrezaFarnamTaheri/Noteece-sub006/internal/entity"
	"github.com/AmirrezaFarnamTaheri/Noteece-sub006/internal/vclock"
)

// Version is one side of a conflict: the entity fields as that device last
// wrote them, the vector clock of that write, and its wall-clock timestamp.
type Version struct {
	DeviceID  string
	Clock     vclock.Clock
	Fields    entity.Fields
	Timestamp time.Time
}

// Outcome names which side a resolution kept.
type Outcome string

const (
	OutcomeLocal  Outcome = "local"
	OutcomeRemote Outcome = "remote"
	OutcomeMerged Outcome = "merged"
)

// Resolution is the result of resolving one conflict. Clock is always the
// element-wise maximum of both sides, so the resolved version dominates both
// inputs and the conflict cannot re-trigger between the same two devices.
type Resolution struct {
	Outcome Outcome
	Fields  entity.Fields
	Clock   vclock.Clock
}

// Detect reports whether two versions of an entity are in conflict, i.e.
// neither clock dominates the other.
func Detect(local, remote vclock.Clock) bool {
	return vclock.Compare(local, remote) == vclock.Concurrent
}

// Policy resolves one conflict for a given entity type.
type Policy interface {
	Resolve(t entity.Type, local, remote Version) (*Resolution, error)
}

// LastWriteWins keeps the version with the later timestamp. On an exact
// timestamp tie the version from the lexically greater device id wins, so
// both devices pick the same winner without coordinating.
type LastWriteWins struct{}

func (LastWriteWins) Resolve(t entity.Type, local, remote Version) (*Resolution, error) {
	merged := local.Clock.Merge(remote.Clock)
	if remoteWins(local, remote) {
		return &Resolution{Outcome: OutcomeRemote, Fields: remote.Fields, Clock: merged}, nil
	}
	return &Resolution{Outcome: OutcomeLocal, Fields: local.Fields, Clock: merged}, nil
}

// SetUnionMerge keeps the last-write-wins winner but merges the type's
// array-valued fields (tags, track lists) by set union, preserving the
// winner's element order and appending the loser's extras in their order.
type SetUnionMerge struct{}

func (SetUnionMerge) Resolve(t entity.Type, local, remote Version) (*Resolution, error) {
	winner, loser := local, remote
	outcome := OutcomeLocal
	if remoteWins(local, remote) {
		winner, loser = remote, local
		outcome = OutcomeRemote
	}

	fields := make(entity.Fields, len(winner.Fields))
	for k, v := range winner.Fields {
		fields[k] = v
	}

	for _, field := range t.SetUnionFields() {
		w, werr := stringSlice(winner.Fields[field])
		l, lerr := stringSlice(loser.Fields[field])
		if werr != nil {
			return nil, fmt.Errorf("field %q: %w", field, werr)
		}
		if lerr != nil {
			return nil, fmt.Errorf("field %q: %w", field, lerr)
		}
		union := unionStrings(w, l)
		if union != nil {
			fields[field] = union
			if len(union) != len(w) {
				outcome = OutcomeMerged
			}
		}
	}

	return &Resolution{Outcome: outcome, Fields: fields, Clock: local.Clock.Merge(remote.Clock)}, nil
}

func remoteWins(local, remote Version) bool {
	if !remote.Timestamp.Equal(local.Timestamp) {
		return remote.Timestamp.After(local.Timestamp)
	}
	return remote.DeviceID > local.DeviceID
}

// stringSlice coerces a decoded JSON array into []string. A missing value is
// an empty set; a non-array or non-string element is a schema problem.
func stringSlice(v any) ([]string, error) {
	if v == nil {
		return nil, nil
	}
	switch arr := v.(type) {
	case []string:
		return arr, nil
	case []any:
		out := make([]string, 0, len(arr))
		for _, e := range arr {
			s, ok := e.(string)
			if !ok {
				return nil, fmt.Errorf("array element %v is not a string", e)
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("value %v is not an array", v)
	}
}

func unionStrings(a, b []string) []string {
	if a == nil && b == nil {
		return nil
	}
	seen := make(map[string]struct{}, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, s := range a {
		if _, ok := seen[s]; !ok {
			seen[s] = struct{}{}
			out = append(out, s)
		}
	}
	for _, s := range b {
		if _, ok := seen[s]; !ok {
			seen[s] = struct{}{}
			out = append(out, s)
		}
	}
	return out
}
