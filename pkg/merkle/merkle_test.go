package merkle

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleIndex(n int) map[string]string {
	index := make(map[string]string, n)
	for i := 0; i < n; i++ {
		index[fmt.Sprintf("artifacts/item-%02d", i)] = fmt.Sprintf("%064d", i)
	}
	return index
}

func TestRootIsDeterministic(t *testing.T) {
	index := sampleIndex(5)
	assert.Equal(t, Root(index), Root(index))
	assert.Equal(t, Build(index).Root, Root(index))
}

func TestRootChangesWithContent(t *testing.T) {
	a := sampleIndex(4)
	b := sampleIndex(4)
	b["artifacts/item-02"] = fmt.Sprintf("%064d", 999)
	assert.NotEqual(t, Root(a), Root(b))
}

func TestEmptyTreeHasSentinelRoot(t *testing.T) {
	tree := Build(nil)
	assert.NotEmpty(t, tree.Root)
	assert.Empty(t, tree.Leaves)
	assert.Equal(t, tree.Root, Root(map[string]string{}))
}

func TestProveAndVerify(t *testing.T) {
	for _, n := range []int{1, 2, 3, 7, 8, 13} {
		t.Run(fmt.Sprintf("n=%d", n), func(t *testing.T) {
			index := sampleIndex(n)
			tree := Build(index)
			for path := range index {
				proof, err := tree.Prove(path)
				require.NoError(t, err)
				assert.True(t, Verify(proof, tree.Root), "proof for %s", path)
			}
		})
	}
}

func TestVerifyRejectsTamperedProof(t *testing.T) {
	tree := Build(sampleIndex(6))
	proof, err := tree.Prove("artifacts/item-03")
	require.NoError(t, err)

	proof.Hash = fmt.Sprintf("%064d", 777)
	assert.False(t, Verify(proof, tree.Root))
}

func TestProveUnknownPath(t *testing.T) {
	tree := Build(sampleIndex(3))
	_, err := tree.Prove("artifacts/ghost")
	assert.ErrorIs(t, err, ErrPathNotCommitted)
}
