package codec

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAnyTargetsDecodeAsStringMaps(t *testing.T) {
	data, err := Marshal(map[string]any{"rows": 3, "nested": map[string]any{"k": "v"}})
	require.NoError(t, err)

	var out any
	require.NoError(t, Unmarshal(data, &out))
	m, ok := out.(map[string]any)
	require.True(t, ok, "got %T", out)
	_, ok = m["nested"].(map[string]any)
	assert.True(t, ok)
}

func TestDeterministicEncoding(t *testing.T) {
	a, err := Marshal(map[string]int{"b": 1, "a": 2})
	require.NoError(t, err)
	b, err := Marshal(map[string]int{"a": 2, "b": 1})
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestStreamKeepsTimePrecision(t *testing.T) {
	type frame struct {
		At time.Time `json:"at"`
	}
	at := time.Date(2026, 3, 1, 10, 0, 0, 123456789, time.UTC)

	var buf bytes.Buffer
	require.NoError(t, NewEncoder(&buf).Encode(frame{At: at}))
	diag, err := Diagnose(buf.Bytes())
	require.NoError(t, err)
	assert.Contains(t, diag, `"at"`)

	var got frame
	require.NoError(t, NewDecoder(&buf).Decode(&got))
	assert.True(t, at.Equal(got.At))
}
