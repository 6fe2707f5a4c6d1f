package gate

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sovereignos/gsep/core/pkg/canonicalize"
	"github.com/sovereignos/gsep/core/pkg/manifest"
	"github.com/sovereignos/gsep/core/pkg/snapshot"
)

// trackingStore records which paths were looked up, to prove short-circuit.
type trackingStore struct {
	*snapshot.MemoryStore
	lookups []string
}

func (s *trackingStore) Lookup(ctx context.Context, path string) ([]byte, error) {
	s.lookups = append(s.lookups, path)
	return s.MemoryStore.Lookup(ctx, path)
}

func buildFixture(t *testing.T, artifacts map[string][]byte) (*trackingStore, *snapshot.Snapshot) {
	t.Helper()
	store := &trackingStore{MemoryStore: snapshot.NewMemoryStore()}
	b, err := snapshot.NewBuilder(store)
	require.NoError(t, err)
	for path, data := range artifacts {
		_, err := b.AddArtifact(context.Background(), path, data)
		require.NoError(t, err)
	}
	snap, err := b.Seal(time.Now())
	require.NoError(t, err)
	store.lookups = nil
	return store, snap
}

func manifestFor(stageIndex int, deps ...manifest.Dependency) *manifest.Manifest {
	return &manifest.Manifest{
		Version: "1.0.0",
		Stages: []manifest.StageRequirements{
			{StageIndex: stageIndex, Dependencies: deps},
		},
	}
}

func TestCheck_Ready(t *testing.T) {
	_, snap := buildFixture(t, map[string][]byte{
		"a": []byte("alpha"),
		"b": []byte("beta"),
	})
	m := manifestFor(2,
		manifest.Dependency{ID: "D1", Path: "a", IntegrityHash: canonicalize.HashBytes([]byte("alpha"))},
		manifest.Dependency{ID: "D2", Path: "b", IntegrityHash: canonicalize.HashBytes([]byte("beta"))},
	)

	out, err := Check(context.Background(), 2, m, snap)
	require.NoError(t, err)
	assert.True(t, out.Ready())
	assert.Nil(t, out.Violating)
}

func TestCheck_EmptyDependencySetIsReady(t *testing.T) {
	_, snap := buildFixture(t, nil)
	out, err := Check(context.Background(), 9, manifestFor(2), snap)
	require.NoError(t, err)
	assert.True(t, out.Ready())
}

func TestCheck_PresenceFailure(t *testing.T) {
	_, snap := buildFixture(t, map[string][]byte{"a": []byte("alpha")})
	m := manifestFor(0,
		manifest.Dependency{ID: "D1", Path: "missing", IntegrityHash: canonicalize.HashBytes([]byte("x"))},
	)

	out, err := Check(context.Background(), 0, m, snap)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, out.Status)
	assert.Equal(t, PresenceFailure, out.FailureType)
	require.NotNil(t, out.Violating)
	assert.Equal(t, "D1", out.Violating.ID)
}

func TestCheck_IntegrityFailure(t *testing.T) {
	_, snap := buildFixture(t, map[string][]byte{"a": []byte("alpha")})
	m := manifestFor(0,
		manifest.Dependency{ID: "D1", Path: "a", IntegrityHash: canonicalize.HashBytes([]byte("expected-other"))},
	)

	out, err := Check(context.Background(), 0, m, snap)
	require.NoError(t, err)
	assert.Equal(t, IntegrityFailure, out.FailureType)
	require.NotNil(t, out.Violating)
	assert.Equal(t, "D1", out.Violating.ID)
}

// D1 passes, D2 fails presence, D3 would fail integrity: the outcome cites
// D2 and D3's artifact is never resolved.
func TestCheck_ShortCircuitCitesFirstFailure(t *testing.T) {
	store, snap := buildFixture(t, map[string][]byte{
		"a": []byte("alpha"),
		"c": []byte("gamma"),
	})
	m := manifestFor(4,
		manifest.Dependency{ID: "D1", Path: "a", IntegrityHash: canonicalize.HashBytes([]byte("alpha"))},
		manifest.Dependency{ID: "D2", Path: "missing", IntegrityHash: canonicalize.HashBytes([]byte("y"))},
		manifest.Dependency{ID: "D3", Path: "c", IntegrityHash: canonicalize.HashBytes([]byte("wrong"))},
	)

	out, err := Check(context.Background(), 4, m, snap)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, out.Status)
	assert.Equal(t, PresenceFailure, out.FailureType)
	require.NotNil(t, out.Violating)
	assert.Equal(t, "D2", out.Violating.ID)

	assert.NotContains(t, store.lookups, "c", "D3 must never be evaluated")
}

// faultyStore accepts writes but simulates an outage on every read.
type faultyStore struct{}

func (faultyStore) Lookup(context.Context, string) ([]byte, error) {
	return nil, fmt.Errorf("backing store timeout")
}

func (faultyStore) Put(context.Context, string, []byte) error { return nil }

func TestCheck_StoreFaultEscalates(t *testing.T) {
	b, err := snapshot.NewBuilder(faultyStore{})
	require.NoError(t, err)
	_, err = b.AddArtifact(context.Background(), "a", []byte("x"))
	require.NoError(t, err)
	snap, err := b.Seal(time.Now())
	require.NoError(t, err)

	m := manifestFor(0,
		manifest.Dependency{ID: "D1", Path: "a", IntegrityHash: canonicalize.HashBytes([]byte("x"))},
	)
	_, err = Check(context.Background(), 0, m, snap)
	require.Error(t, err, "store faults are internal errors, not gate outcomes")
}

func TestCheck_NilInputs(t *testing.T) {
	_, snap := buildFixture(t, nil)
	_, err := Check(context.Background(), 0, nil, snap)
	assert.Error(t, err)
	_, err = Check(context.Background(), 0, manifestFor(0), nil)
	assert.Error(t, err)
}
