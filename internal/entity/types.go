// Package entity defines the closed set of synchronizable entity types, the
// per-type field allow-lists, and the payload codec. The allow-list check is
// the injection defense: a payload field that is not declared here never
// reaches storage.
package entity

import (
	"fmt"

	"github.com/AmirrezaFarnamTaheri/Noteece-sub006/internal/common"
)

// Type identifies one synchronizable entity kind.
type Type string

const (
	TypeNote            Type = "note"
	TypeTask            Type = "task"
	TypeProject         Type = "project"
	TypeTimeEntry       Type = "time_entry"
	TypeHealthMetric    Type = "health_metric"
	TypeCalendarEvent   Type = "calendar_event"
	TypeTrack           Type = "track"
	TypePlaylist        Type = "playlist"
	TypeLocationTrigger Type = "location_trigger"
	TypeNFCTrigger      Type = "nfc_trigger"
)

// Operation is the kind of mutation a change describes.
type Operation string

const (
	OpCreate Operation = "create"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

// ParseOperation validates an operation string from the wire.
func ParseOperation(s string) (Operation, error) {
	switch Operation(s) {
	case OpCreate, OpUpdate, OpDelete:
		return Operation(s), nil
	default:
		return "", fmt.Errorf("%w: %q", common.ErrInvalidOperation, s)
	}
}

// Ref identifies one entity.
type Ref struct {
	Type Type
	ID   string
}

// schema describes one entity type: its table, ordered allowed payload
// fields, fields holding parent entity ids (dependency edges), and fields
// holding JSON arrays merged by set union on conflict.
type schema struct {
	table          string
	fields         []string
	parents        map[string]Type // field name -> referenced entity type
	setUnionFields []string
}

var schemas = map[Type]schema{
	TypeNote: {
		table:          "note",
		fields:         []string{"space_id", "title", "content_md", "tags", "created_at", "modified_at"},
		setUnionFields: []string{"tags"},
	},
	TypeTask: {
		table:          "task",
		fields:         []string{"space_id", "project_id", "title", "status", "tags", "due_at", "created_at", "updated_at"},
		parents:        map[string]Type{"project_id": TypeProject},
		setUnionFields: []string{"tags"},
	},
	TypeProject: {
		table:  "project",
		fields: []string{"space_id", "name", "status", "created_at", "updated_at"},
	},
	TypeTimeEntry: {
		table:   "time_entry",
		fields:  []string{"space_id", "task_id", "project_id", "started_at", "ended_at", "note", "created_at", "updated_at"},
		parents: map[string]Type{"task_id": TypeTask, "project_id": TypeProject},
	},
	TypeHealthMetric: {
		table:  "health_metric",
		fields: []string{"space_id", "metric_type", "value", "unit", "notes", "recorded_at", "created_at", "updated_at"},
	},
	TypeCalendarEvent: {
		table:   "calendar_event",
		fields:  []string{"space_id", "project_id", "title", "description", "start_time", "end_time", "source", "created_at", "updated_at"},
		parents: map[string]Type{"project_id": TypeProject},
	},
	TypeTrack: {
		table:  "track",
		fields: []string{"space_id", "title", "artist", "album", "added_at", "updated_at"},
	},
	TypePlaylist: {
		table:          "playlist",
		fields:         []string{"space_id", "name", "description", "track_ids", "created_at", "updated_at"},
		setUnionFields: []string{"track_ids"},
	},
	TypeLocationTrigger: {
		table:  "location_trigger",
		fields: []string{"space_id", "name", "latitude", "longitude", "radius_m", "action", "enabled", "created_at", "updated_at"},
	},
	TypeNFCTrigger: {
		table:  "nfc_trigger",
		fields: []string{"space_id", "name", "tag_uid", "action", "enabled", "created_at", "updated_at"},
	},
}

// ParseType validates an entity type string from the wire.
func ParseType(s string) (Type, error) {
	t := Type(s)
	if _, ok := schemas[t]; !ok {
		return "", fmt.Errorf("%w: %q", common.ErrUnknownEntityType, s)
	}
	return t, nil
}

// Types returns every known entity type.
func Types() []Type {
	out := make([]Type, 0, len(schemas))
	for t := range schemas {
		out = append(out, t)
	}
	return out
}

// Table returns the storage table for the type. It panics on an unknown
// type; callers are expected to have gone through ParseType.
func (t Type) Table() string {
	s, ok := schemas[t]
	if !ok {
		panic(fmt.Sprintf("entity: unknown type %q", string(t)))
	}
	return s.table
}

// Fields returns the ordered allow-list of payload field names for the type.
func (t Type) Fields() []string {
	return schemas[t].fields
}

// SetUnionFields returns the payload fields that hold JSON arrays merged by
// set union when concurrent versions conflict.
func (t Type) SetUnionFields() []string {
	return schemas[t].setUnionFields
}

func (t Type) allows(field string) bool {
	for _, f := range schemas[t].fields {
		if f == field {
			return true
		}
	}
	return false
}
