package entity

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/AmirrezaFarnamTaheri/Noteece-sub006/internal/common"
)

// Fields is a decoded, validated entity payload. Every key is guaranteed to
// be in the entity type's allow-list.
type Fields map[string]any

// DecodePayload parses a plaintext payload into validated Fields.
//
// It fails with common.ErrSchemaViolation when the payload is empty, is not
// a JSON object, or contains a field outside the type's allow-list. The
// rejection happens at decode time, before anything is written, so payloads
// carrying unexpected keys never influence SQL.
func DecodePayload(t Type, data []byte) (Fields, error) {
	if _, ok := schemas[t]; !ok {
		return nil, fmt.Errorf("%w: %q", common.ErrUnknownEntityType, string(t))
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty payload", common.ErrSchemaViolation)
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrSchemaViolation, err)
	}

	for key := range raw {
		if !t.allows(key) {
			return nil, fmt.Errorf("%w: field %q not allowed for %s", common.ErrSchemaViolation, key, t)
		}
	}

	return Fields(raw), nil
}

// EncodePayload serializes Fields back to the canonical JSON payload,
// validating the allow-list on the way out so locally-constructed payloads
// get the same treatment as remote ones.
func EncodePayload(t Type, f Fields) ([]byte, error) {
	for key := range f {
		if !t.allows(key) {
			return nil, fmt.Errorf("%w: field %q not allowed for %s", common.ErrSchemaViolation, key, t)
		}
	}
	return json.Marshal(f)
}

// Dependencies extracts the parent entity references named by the payload.
// A task payload with project_id "p1" depends on ("project", "p1"): that
// entity must be applied first. The result is sorted for determinism.
func Dependencies(t Type, f Fields) []Ref {
	parents := schemas[t].parents
	if len(parents) == 0 {
		return nil
	}

	var refs []Ref
	for field, parentType := range parents {
		v, ok := f[field]
		if !ok {
			continue
		}
		id, ok := v.(string)
		if !ok || id == "" {
			continue
		}
		refs = append(refs, Ref{Type: parentType, ID: id})
	}

	sort.Slice(refs, func(i, j int) bool {
		if refs[i].Type != refs[j].Type {
			return refs[i].Type < refs[j].Type
		}
		return refs[i].ID < refs[j].ID
	})
	return refs
}
