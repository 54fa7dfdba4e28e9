// Package applier validates incoming deltas and applies them to the local
// store. Every delta runs the same gauntlet: operation, type, and id checks,
// signature verification, decryption, schema validation, then conflict
// detection, all before a single row is touched. The final write happens in
// one transaction together with the clock update.
package applier

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/AmirrezaFarnamTaheri/Noteece-sub006/internal/common"
	"github.com/AmirrezaFarnamTaheri/Noteece-sub006/internal/dbx"
	"github.com/AmirrezaFarnamTaheri/Noteece-sub006/internal/entity"
)

// Store reads and writes entity rows. Column names come exclusively from the
// entity schemas, never from payload data, so payload content cannot reach
// SQL as anything but a bind parameter.
type Store struct {
	db dbx.DBTX
}

// NewStore returns a Store bound to the given DBTX.
func NewStore(db dbx.DBTX) *Store {
	return &Store{db: db}
}

// Upsert writes the entity's fields, inserting or updating by id. Array
// values are stored as JSON text.
func (s *Store) Upsert(ctx context.Context, t entity.Type, id string, f entity.Fields) error {
	cols := []string{"id"}
	args := []any{id}
	for _, field := range t.Fields() {
		v, ok := f[field]
		if !ok {
			continue
		}
		sv, err := toColumn(v)
		if err != nil {
			return fmt.Errorf("field %q: %w", field, err)
		}
		cols = append(cols, field)
		args = append(args, sv)
	}

	var sb strings.Builder
	sb.WriteString("INSERT INTO ")
	sb.WriteString(t.Table())
	sb.WriteString(" (")
	sb.WriteString(strings.Join(cols, ", "))
	sb.WriteString(") VALUES (?")
	sb.WriteString(strings.Repeat(", ?", len(cols)-1))
	sb.WriteString(") ON CONFLICT(id) DO UPDATE SET ")
	for i, col := range cols[1:] {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(col)
		sb.WriteString(" = excluded.")
		sb.WriteString(col)
	}

	if _, err := s.db.ExecContext(ctx, sb.String(), args...); err != nil {
		return fmt.Errorf("failed to upsert %s: %w", t, err)
	}
	return nil
}

// Get returns the stored fields for one entity, with array columns decoded
// back into slices. Absent (NULL) columns are omitted.
func (s *Store) Get(ctx context.Context, t entity.Type, id string) (entity.Fields, error) {
	fields := t.Fields()
	query := "SELECT " + strings.Join(fields, ", ") + " FROM " + t.Table() + " WHERE id = ?"
	row := s.db.QueryRowContext(ctx, query, id)

	dest := make([]any, len(fields))
	for i := range dest {
		dest[i] = new(any)
	}
	if err := row.Scan(dest...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrNotFound
		}
		return nil, fmt.Errorf("query row scan failed: %w", err)
	}

	out := make(entity.Fields, len(fields))
	for i, field := range fields {
		v := *(dest[i].(*any))
		if v == nil {
			continue
		}
		out[field] = fromColumn(v, isSetUnion(t, field))
	}
	return out, nil
}

// Delete removes the entity row. Missing rows are fine; a delete may arrive
// before the create it tombstones.
func (s *Store) Delete(ctx context.Context, t entity.Type, id string) error {
	query := "DELETE FROM " + t.Table() + " WHERE id = ?"
	if _, err := s.db.ExecContext(ctx, query, id); err != nil {
		return fmt.Errorf("failed to delete %s: %w", t, err)
	}
	return nil
}

// toColumn converts a decoded payload value to a SQL bind value. Arrays and
// objects become JSON text; scalars pass through.
func toColumn(v any) (any, error) {
	switch val := v.(type) {
	case nil, string, bool, int64, float64, json.Number:
		if n, ok := val.(json.Number); ok {
			return n.String(), nil
		}
		return val, nil
	case []any, []string, map[string]any:
		data, err := json.Marshal(val)
		if err != nil {
			return nil, err
		}
		return string(data), nil
	default:
		return nil, fmt.Errorf("unsupported value type %T", v)
	}
}

// fromColumn converts a scanned column value back to a payload value.
// Set-union columns hold JSON arrays as text and are decoded; everything
// else passes through as the driver returned it.
func fromColumn(v any, setUnion bool) any {
	var text string
	switch val := v.(type) {
	case []byte:
		text = string(val)
	case string:
		text = val
	default:
		return v
	}
	if setUnion {
		var arr []any
		if err := json.Unmarshal([]byte(text), &arr); err == nil {
			return arr
		}
	}
	return text
}

func isSetUnion(t entity.Type, field string) bool {
	for _, f := range t.SetUnionFields() {
		if f == field {
			return true
		}
	}
	return false
}
