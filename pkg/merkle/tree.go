// Package merkle builds the commitment tree over a snapshot's certified
// artifact index. The root binds every path and content hash; inclusion
// proofs let a holder of just the root check a single artifact without the
// full index.
package merkle

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"sort"
)

const (
	leafDomain = "gsep:snapshot:leaf:v1\x00"
	nodeDomain = "gsep:snapshot:node:v1\x00"
)

// Leaf is one certified entry: an artifact path and its content hash.
type Leaf struct {
	Path string
	Hash string // hex content hash of the artifact bytes
}

// Tree is the sealed commitment. Levels[0] holds the leaf hashes; the last
// level holds only the root.
type Tree struct {
	Leaves []Leaf
	Root   string
	Levels [][]string
}

// Build constructs the tree from a path-to-content-hash index. Paths are
// sorted, so equal indexes always yield equal roots. An empty index yields
// the empty-tree sentinel root.
func Build(index map[string]string) *Tree {
	paths := make([]string, 0, len(index))
	for p := range index {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	leaves := make([]Leaf, len(paths))
	hashes := make([]string, len(paths))
	for i, p := range paths {
		leaves[i] = Leaf{Path: p, Hash: index[p]}
		hashes[i] = leafHash(p, index[p])
	}

	t := &Tree{Leaves: leaves}
	if len(hashes) == 0 {
		t.Root = sha256Hex([]byte(nodeDomain))
		return t
	}

	t.Levels = append(t.Levels, hashes)
	level := hashes
	for len(level) > 1 {
		// An odd node carries up unpaired; pairing it with itself would
		// let a forged duplicate leaf share the parent.
		next := make([]string, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			if i+1 == len(level) {
				next = append(next, level[i])
				continue
			}
			next = append(next, nodeHash(level[i], level[i+1]))
		}
		t.Levels = append(t.Levels, next)
		level = next
	}
	t.Root = level[0]
	return t
}

func leafHash(path, contentHash string) string {
	buf := make([]byte, 0, len(leafDomain)+len(path)+1+len(contentHash))
	buf = append(buf, leafDomain...)
	buf = append(buf, path...)
	buf = append(buf, 0)
	buf = append(buf, contentHash...)
	return sha256Hex(buf)
}

func nodeHash(left, right string) string {
	buf := make([]byte, 0, len(nodeDomain)+len(left)+len(right))
	buf = append(buf, nodeDomain...)
	buf = append(buf, left...)
	buf = append(buf, right...)
	return sha256Hex(buf)
}

func sha256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// Root computes just the root for an index, without retaining the tree.
func Root(index map[string]string) string {
	return Build(index).Root
}

var ErrPathNotCommitted = errors.New("merkle: path not in tree")
