// Package identity maps public keys and key IDs to governance roles.
//
// The resolver is the trust boundary between raw cryptographic material and
// the consensus layer: a signature only carries weight once its key resolves
// to a registered role. An unknown key resolves to nil, never to an error.
// Errors are reserved for backing-store faults.
package identity

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrStoreUnavailable indicates the backing identity store could not be
	// reached. Distinct from an unknown key, which is a nil result.
	ErrStoreUnavailable = errors.New("identity store unavailable")
)

// Role is a registered governance identity with its voting weight.
type Role struct {
	ID           string  `json:"id"`      // logical identity, e.g. "GOVERNANCE_AGENT"
	KeyID        string  `json:"key_id"`  // stable key identifier
	PublicKeyHex string  `json:"public_key"`
	Weight       float64 `json:"weight"`
}

// PublicKey decodes the role's Ed25519 public key.
func (r *Role) PublicKey() (ed25519.PublicKey, error) {
	raw, err := hex.DecodeString(r.PublicKeyHex)
	if err != nil {
		return nil, fmt.Errorf("identity: invalid public key hex for %s: %w", r.ID, err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("identity: invalid public key size %d for %s", len(raw), r.ID)
	}
	return ed25519.PublicKey(raw), nil
}

// Resolver resolves a public key (hex) or key ID to a registered role.
// A nil result with nil error means the key is unknown.
type Resolver interface {
	ResolveRole(ctx context.Context, keyOrID string) (*Role, error)
}

// Registry is an in-memory Resolver backed by an explicit role set.
// Registration is append-only; roles are never mutated in place.
type Registry struct {
	mu      sync.RWMutex
	byKeyID map[string]*Role
	byKey   map[string]*Role
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byKeyID: make(map[string]*Role),
		byKey:   make(map[string]*Role),
	}
}

// Register adds a role. Registering the same key ID twice is a configuration
// error.
func (r *Registry) Register(role Role) error {
	if role.ID == "" || role.KeyID == "" {
		return errors.New("identity: role requires id and key_id")
	}
	if role.Weight < 0 {
		return fmt.Errorf("identity: role %s has negative weight", role.ID)
	}
	if _, err := role.PublicKey(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byKeyID[role.KeyID]; exists {
		return fmt.Errorf("identity: key id %s already registered", role.KeyID)
	}
	stored := role
	r.byKeyID[role.KeyID] = &stored
	r.byKey[role.PublicKeyHex] = &stored
	return nil
}

// ResolveRole implements Resolver.
func (r *Registry) ResolveRole(_ context.Context, keyOrID string) (*Role, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if role, ok := r.byKeyID[keyOrID]; ok {
		return role, nil
	}
	if role, ok := r.byKey[keyOrID]; ok {
		return role, nil
	}
	return nil, nil
}

// Roles returns a copy of all registered roles.
func (r *Registry) Roles() []Role {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Role, 0, len(r.byKeyID))
	for _, role := range r.byKeyID {
		out = append(out, *role)
	}
	return out
}
