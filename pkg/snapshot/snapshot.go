package snapshot

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sovereignos/gsep/core/pkg/canonicalize"
	"github.com/sovereignos/gsep/core/pkg/merkle"
)

// Snapshot is a certified, immutable pointer to the committed state at one
// epoch. The certified part is the index: a frozen map of artifact path to
// content hash, sealed under a chain-hashed reference. Artifact bytes live
// in the backing store and are re-hashed on every read, so a store that
// drifts from the index is detected at lookup time.
//
// Snapshots are never mutated. The commit authority derives a successor via
// Builder; everything else sees read-only methods.
type Snapshot struct {
	epoch     uint64
	ref       string
	prevRef   string
	stateRoot string
	createdAt time.Time
	index     map[string]string
	store     ArtifactStore
}

// ErrIntegrity marks an artifact whose stored bytes no longer match the
// certified index.
var ErrIntegrity = errors.New("artifact integrity mismatch")

// Epoch returns the snapshot's epoch number.
func (s *Snapshot) Epoch() uint64 { return s.epoch }

// Ref returns the snapshot's chain-hashed reference.
func (s *Snapshot) Ref() string { return s.ref }

// PreviousRef returns the predecessor snapshot's reference ("" for genesis).
func (s *Snapshot) PreviousRef() string { return s.prevRef }

// StateRoot returns the Merkle root over the certified path index.
func (s *Snapshot) StateRoot() string { return s.stateRoot }

// Prove returns a Merkle inclusion proof for a certified path, checkable
// against StateRoot by a holder without the index.
func (s *Snapshot) Prove(path string) (*merkle.Proof, error) {
	return merkle.Build(s.index).Prove(path)
}

// CreatedAt returns the snapshot creation time.
func (s *Snapshot) CreatedAt() time.Time { return s.createdAt }

// Contains reports whether a path is certified in this snapshot.
func (s *Snapshot) Contains(path string) bool {
	_, ok := s.index[path]
	return ok
}

// Lookup resolves a certified artifact and verifies its bytes against the
// index before returning them.
func (s *Snapshot) Lookup(ctx context.Context, path string) ([]byte, error) {
	want, ok := s.index[path]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrArtifactNotFound, path)
	}
	data, err := s.store.Lookup(ctx, path)
	if err != nil {
		return nil, err
	}
	if got := canonicalize.HashBytes(data); got != want {
		return nil, fmt.Errorf("%w: %s (index %s, stored %s)", ErrIntegrity, path, want, got)
	}
	return data, nil
}

// IntegrityMatch reports whether the artifact at path currently hashes to
// wantHash. An absent artifact is ErrArtifactNotFound, not a mismatch.
func (s *Snapshot) IntegrityMatch(ctx context.Context, path, wantHash string) (bool, error) {
	data, err := s.store.Lookup(ctx, path)
	if err != nil {
		return false, err
	}
	return canonicalize.HashBytes(data) == wantHash, nil
}

// Next starts a successor builder anchored on this snapshot.
func (s *Snapshot) Next() *Builder {
	b := &Builder{
		epoch:   s.epoch + 1,
		prevRef: s.ref,
		store:   s.store,
		index:   make(map[string]string, len(s.index)),
	}
	for k, v := range s.index {
		b.index[k] = v
	}
	return b
}

// Builder accumulates artifacts for a new snapshot. Seal freezes it.
type Builder struct {
	epoch   uint64
	prevRef string
	store   ArtifactStore
	index   map[string]string
	sealed  bool
}

// NewBuilder starts a genesis snapshot builder over the given store.
func NewBuilder(store ArtifactStore) (*Builder, error) {
	if store == nil {
		return nil, errors.New("snapshot: artifact store is required")
	}
	return &Builder{store: store, index: make(map[string]string)}, nil
}

// ResumeBuilder continues a snapshot chain from a known epoch and
// predecessor reference, for processes that rebuild state from disk
// rather than holding the previous snapshot in memory.
func ResumeBuilder(store ArtifactStore, epoch uint64, prevRef string) (*Builder, error) {
	b, err := NewBuilder(store)
	if err != nil {
		return nil, err
	}
	b.epoch = epoch
	b.prevRef = prevRef
	return b, nil
}

// AddArtifact writes the artifact to the backing store and certifies its
// hash in the index. Returns the content hash.
func (b *Builder) AddArtifact(ctx context.Context, path string, data []byte) (string, error) {
	if b.sealed {
		return "", errors.New("snapshot: builder already sealed")
	}
	if path == "" {
		return "", errors.New("snapshot: artifact path is required")
	}
	if err := b.store.Put(ctx, path, data); err != nil {
		return "", err
	}
	h := canonicalize.HashBytes(data)
	b.index[path] = h
	return h, nil
}

// Remove drops a path from the successor's certified index. The artifact
// bytes are left in the store; only the certification is withdrawn.
func (b *Builder) Remove(path string) {
	if !b.sealed {
		delete(b.index, path)
	}
}

// Seal freezes the builder into an immutable snapshot. The reference chains
// over {epoch, state_root, previous_ref} so any replay can re-derive and
// verify it.
func (b *Builder) Seal(now time.Time) (*Snapshot, error) {
	if b.sealed {
		return nil, errors.New("snapshot: builder already sealed")
	}
	b.sealed = true

	stateRoot := merkle.Root(b.index)
	ref, err := canonicalize.CanonicalHash(map[string]interface{}{
		"epoch":        b.epoch,
		"state_root":   stateRoot,
		"previous_ref": b.prevRef,
	})
	if err != nil {
		return nil, fmt.Errorf("snapshot: ref: %w", err)
	}

	index := make(map[string]string, len(b.index))
	for k, v := range b.index {
		index[k] = v
	}
	return &Snapshot{
		epoch:     b.epoch,
		ref:       ref,
		prevRef:   b.prevRef,
		stateRoot: stateRoot,
		createdAt: now.UTC(),
		index:     index,
		store:     b.store,
	}, nil
}
