// Package crypto provides the kernel's signing and verification primitives.
// Signatures are Ed25519 over canonical bytes; keys and signatures travel as
// hex strings so they embed cleanly in JSON records.
package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/sovereignos/gsep/core/pkg/canonicalize"
)

// Signer produces detached hex signatures over raw or canonicalized payloads.
type Signer interface {
	Sign(data []byte) (string, error)
	SignCanonical(v interface{}) (string, error)
	KeyID() string
	PublicKeyHex() string
}

// Ed25519Signer is the default Signer implementation.
type Ed25519Signer struct {
	privKey ed25519.PrivateKey
	pubKey  ed25519.PublicKey
	keyID   string
}

// NewEd25519Signer generates a fresh keypair.
func NewEd25519Signer(keyID string) (*Ed25519Signer, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("crypto: key generation failed: %w", err)
	}
	return &Ed25519Signer{privKey: priv, pubKey: pub, keyID: keyID}, nil
}

// NewEd25519SignerFromKey wraps an existing private key.
func NewEd25519SignerFromKey(priv ed25519.PrivateKey, keyID string) *Ed25519Signer {
	return &Ed25519Signer{
		privKey: priv,
		pubKey:  priv.Public().(ed25519.PublicKey),
		keyID:   keyID,
	}
}

func (s *Ed25519Signer) Sign(data []byte) (string, error) {
	return hex.EncodeToString(ed25519.Sign(s.privKey, data)), nil
}

// SignCanonical canonicalizes v and signs the canonical bytes. The verifier
// side re-derives the same bytes, so key order in the original value is
// irrelevant.
func (s *Ed25519Signer) SignCanonical(v interface{}) (string, error) {
	b, err := canonicalize.Canonical(v)
	if err != nil {
		return "", err
	}
	return s.Sign(b)
}

func (s *Ed25519Signer) KeyID() string { return s.keyID }

func (s *Ed25519Signer) PublicKeyHex() string {
	return hex.EncodeToString(s.pubKey)
}

// PrivateKey exposes the raw key for attestation minting at bootstrap.
func (s *Ed25519Signer) PrivateKey() ed25519.PrivateKey { return s.privKey }
