package manifest

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validYAML = `
version: "1.2.0"
stages:
  - stage_index: 0
    dependencies:
      - id: D1
        path: artifacts/genesis
        integrity_hash: "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
  - stage_index: 4
    dependencies:
      - id: D2
        path: artifacts/proof
        integrity_hash: "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"
      - id: D3
        path: artifacts/simulation
        integrity_hash: "cccccccccccccccccccccccccccccccccccccccccccccccccccccccccccccccc"
`

func TestLoad_Valid(t *testing.T) {
	m, err := Load([]byte(validYAML))
	require.NoError(t, err)
	assert.Equal(t, "1.2.0", m.Version)

	deps := m.DependenciesFor(4)
	require.Len(t, deps, 2)
	assert.Equal(t, "D2", deps[0].ID)
	assert.Equal(t, "D3", deps[1].ID)

	assert.Nil(t, m.DependenciesFor(7), "undeclared stage has no prerequisites")
}

func TestLoad_SchemaViolations(t *testing.T) {
	cases := map[string]string{
		"missing version": `
stages: []`,
		"bad hash format": `
version: "1.0.0"
stages:
  - stage_index: 0
    dependencies:
      - id: D1
        path: p
        integrity_hash: "not-a-hash"`,
		"negative stage": `
version: "1.0.0"
stages:
  - stage_index: -1
    dependencies: []`,
		"unknown field": `
version: "1.0.0"
stages: []
extras: true`,
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestLoad_TypedValidation(t *testing.T) {
	_, err := Load([]byte(strings.Replace(validYAML, `"1.2.0"`, `"not-semver"`, 1)))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "semver")

	dup := strings.Replace(validYAML, "stage_index: 4", "stage_index: 0", 1)
	_, err = Load([]byte(dup))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate stage index")
}

func TestManifest_HashStable(t *testing.T) {
	m1, err := Load([]byte(validYAML))
	require.NoError(t, err)
	m2, err := Load([]byte(validYAML))
	require.NoError(t, err)

	h1, err := m1.Hash()
	require.NoError(t, err)
	h2, err := m2.Hash()
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
	assert.Len(t, h1, 64)
}
