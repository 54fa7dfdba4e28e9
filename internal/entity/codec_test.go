package entity

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AmirrezaFarnamTaheri/Noteece-sub006/internal/common"
)

func TestParseType(t *testing.T) {
	typ, err := ParseType("note")
	require.NoError(t, err)
	assert.Equal(t, TypeNote, typ)

	_, err = ParseType("user_credentials")
	require.Error(t, err)
	assert.True(t, errors.Is(err, common.ErrUnknownEntityType))
}

func TestParseOperation(t *testing.T) {
	for _, s := range []string{"create", "update", "delete"} {
		op, err := ParseOperation(s)
		require.NoError(t, err)
		assert.Equal(t, Operation(s), op)
	}

	_, err := ParseOperation("truncate")
	assert.True(t, errors.Is(err, common.ErrInvalidOperation))
}

func TestDecodePayload_AllowListEnforced(t *testing.T) {
	payload := []byte(`{"title":"groceries","status":"inbox","evil_column":"x"}`)

	_, err := DecodePayload(TypeTask, payload)
	require.Error(t, err)
	assert.True(t, errors.Is(err, common.ErrSchemaViolation))
	assert.Contains(t, err.Error(), "evil_column")
}

func TestDecodePayload_Valid(t *testing.T) {
	payload := []byte(`{"space_id":"s1","title":"groceries","status":"inbox","project_id":"p1"}`)

	f, err := DecodePayload(TypeTask, payload)
	require.NoError(t, err)
	assert.Equal(t, "groceries", f["title"])
	assert.Equal(t, "p1", f["project_id"])
}

func TestDecodePayload_RejectsEmptyAndNonObject(t *testing.T) {
	_, err := DecodePayload(TypeNote, nil)
	assert.True(t, errors.Is(err, common.ErrSchemaViolation))

	_, err = DecodePayload(TypeNote, []byte(`["not","an","object"]`))
	assert.True(t, errors.Is(err, common.ErrSchemaViolation))
}

func TestDecodePayload_PreservesNumbers(t *testing.T) {
	payload := []byte(`{"metric_type":"weight","value":72.5,"recorded_at":1700000000}`)

	f, err := DecodePayload(TypeHealthMetric, payload)
	require.NoError(t, err)

	v, ok := f["value"].(json.Number)
	require.True(t, ok)
	assert.Equal(t, "72.5", v.String())
}

func TestEncodePayload_RoundTrip(t *testing.T) {
	f := Fields{"space_id": "s1", "name": "inbox zero", "status": "active"}

	data, err := EncodePayload(TypeProject, f)
	require.NoError(t, err)

	back, err := DecodePayload(TypeProject, data)
	require.NoError(t, err)
	assert.Equal(t, "inbox zero", back["name"])
}

func TestEncodePayload_RejectsUnknownField(t *testing.T) {
	_, err := EncodePayload(TypeProject, Fields{"owner_ssn": "123"})
	assert.True(t, errors.Is(err, common.ErrSchemaViolation))
}

func TestDependencies(t *testing.T) {
	f := Fields{"space_id": "s1", "title": "t", "project_id": "p1"}
	refs := Dependencies(TypeTask, f)
	require.Len(t, refs, 1)
	assert.Equal(t, Ref{Type: TypeProject, ID: "p1"}, refs[0])

	// No parent fields set.
	assert.Empty(t, Dependencies(TypeTask, Fields{"title": "t"}))

	// Notes have no parent relations at all.
	assert.Empty(t, Dependencies(TypeNote, Fields{"title": "t"}))

	// time_entry can depend on both a task and a project.
	f = Fields{"task_id": "t1", "project_id": "p1"}
	refs = Dependencies(TypeTimeEntry, f)
	require.Len(t, refs, 2)
	assert.Equal(t, Ref{Type: TypeProject, ID: "p1"}, refs[0])
	assert.Equal(t, Ref{Type: TypeTask, ID: "t1"}, refs[1])
}
