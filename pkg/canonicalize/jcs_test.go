package canonicalize

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonical_Sorting(t *testing.T) {
	input := map[string]interface{}{
		"c": 3,
		"a": 1,
		"b": 2,
	}

	b, err := Canonical(input)
	require.NoError(t, err)
	assert.Equal(t, `{"a":1,"b":2,"c":3}`, string(b))
}

func TestCanonical_RecursiveSorting(t *testing.T) {
	input := map[string]interface{}{
		"z": map[string]interface{}{
			"y": "foo",
			"x": "bar",
		},
		"a": 1,
	}

	b, err := Canonical(input)
	require.NoError(t, err)
	assert.Equal(t, `{"a":1,"z":{"x":"bar","y":"foo"}}`, string(b))
}

func TestCanonical_NoHTMLEscaping(t *testing.T) {
	input := map[string]interface{}{
		"html": "<gate> & veto",
	}

	b, err := Canonical(input)
	require.NoError(t, err)
	assert.Equal(t, `{"html":"<gate> & veto"}`, string(b))
}

func TestCanonical_StructTagsHonored(t *testing.T) {
	type dep struct {
		ID   string `json:"id"`
		Path string `json:"path"`
	}
	b, err := Canonical(dep{ID: "D1", Path: "artifacts/proof"})
	require.NoError(t, err)
	assert.Equal(t, `{"id":"D1","path":"artifacts/proof"}`, string(b))
}

func TestCanonical_KeyOrderIndependence(t *testing.T) {
	a := json.RawMessage(`{"risk":0.2,"efficacy":0.9,"veto":false}`)
	b := json.RawMessage(`{"veto":false,"efficacy":0.9,"risk":0.2}`)

	ca, err := Canonical(a)
	require.NoError(t, err)
	cb, err := Canonical(b)
	require.NoError(t, err)
	assert.Equal(t, string(ca), string(cb))
}

// Re-canonicalizing the parsed canonical form must be a fixpoint.
func TestCanonical_Idempotence(t *testing.T) {
	input := map[string]interface{}{
		"stage":   4,
		"deps":    []interface{}{"D2", "D1"},
		"weights": map[string]interface{}{"b": 1.5, "a": 2},
	}

	first, err := Canonical(input)
	require.NoError(t, err)

	var parsed interface{}
	require.NoError(t, json.Unmarshal(first, &parsed))

	second, err := Canonical(parsed)
	require.NoError(t, err)
	assert.Equal(t, string(first), string(second))
}

func TestTransformRaw(t *testing.T) {
	out, err := TransformRaw([]byte(`{"b": 2, "a": 1}`))
	require.NoError(t, err)
	assert.Equal(t, `{"a":1,"b":2}`, string(out))

	_, err = TransformRaw([]byte(`{not json`))
	assert.Error(t, err)
}

func TestHash_Algorithms(t *testing.T) {
	data := []byte("governance")

	h256, err := Hash(data, SHA256)
	require.NoError(t, err)
	assert.Len(t, h256, 64)

	hDefault, err := Hash(data, "")
	require.NoError(t, err)
	assert.Equal(t, h256, hDefault)

	h512, err := Hash(data, SHA512)
	require.NoError(t, err)
	assert.Len(t, h512, 128)

	h3, err := Hash(data, SHA3_256)
	require.NoError(t, err)
	assert.Len(t, h3, 64)
	assert.NotEqual(t, h256, h3)

	_, err = Hash(data, "md5")
	assert.Error(t, err)
}

func TestCanonicalHash_StableAcrossKeyOrder(t *testing.T) {
	h1, err := CanonicalHash(map[string]interface{}{"x": 1, "y": 2})
	require.NoError(t, err)
	h2, err := CanonicalHash(map[string]interface{}{"y": 2, "x": 1})
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
}
