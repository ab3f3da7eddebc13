package models

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewULID(t *testing.T) {
	a := NewULID()
	b := NewULID()
	assert.False(t, a.IsZero())
	assert.NotEqual(t, a, b)
	assert.Len(t, a.String(), 26)
}

func TestNewULIDAt_SortsByTime(t *testing.T) {
	base := time.Date(2026, 1, 1, 6, 0, 0, 0, time.UTC)
	early := NewULIDAt(base)
	late := NewULIDAt(base.Add(30 * time.Minute))
	assert.Less(t, early.String(), late.String())
	assert.Equal(t, base.UnixMilli(), early.Time().UnixMilli())
}

func TestParseULID(t *testing.T) {
	id := NewULID()
	parsed, err := ParseULID(id.String())
	require.NoError(t, err)
	assert.Equal(t, id, parsed)

	_, err = ParseULID("not-a-ulid")
	assert.Error(t, err)
}

func TestMustParseULID_Panics(t *testing.T) {
	assert.Panics(t, func() { MustParseULID("nope") })
}

func TestULID_ValueScan(t *testing.T) {
	id := NewULID()

	v, err := id.Value()
	require.NoError(t, err)
	assert.Equal(t, id.String(), v)

	var scanned ULID
	require.NoError(t, scanned.Scan(id.String()))
	assert.Equal(t, id, scanned)

	require.NoError(t, scanned.Scan([]byte(id.String())))
	assert.Equal(t, id, scanned)

	// Zero ULID stores as NULL.
	var zero ULID
	v, err = zero.Value()
	require.NoError(t, err)
	assert.Nil(t, v)

	require.NoError(t, scanned.Scan(nil))
	assert.True(t, scanned.IsZero())

	assert.Error(t, scanned.Scan(42))
}

func TestULID_JSON(t *testing.T) {
	id := NewULID()

	data, err := json.Marshal(id)
	require.NoError(t, err)
	assert.Equal(t, `"`+id.String()+`"`, string(data))

	var decoded ULID
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, id, decoded)

	var zero ULID
	data, err = json.Marshal(zero)
	require.NoError(t, err)
	assert.Equal(t, "null", string(data))

	require.NoError(t, json.Unmarshal([]byte("null"), &decoded))
	assert.True(t, decoded.IsZero())

	assert.Error(t, json.Unmarshal([]byte(`"bad"`), &decoded))
}

func TestULID_GormDataType(t *testing.T) {
	assert.Equal(t, "varchar(26)", ULID{}.GormDataType())
}
