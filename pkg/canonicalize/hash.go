package canonicalize

import (
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/sha3"
)

// Algorithm selects the digest used for content addressing.
type Algorithm string

const (
	SHA256   Algorithm = "sha-256"
	SHA512   Algorithm = "sha-512"
	SHA3_256 Algorithm = "sha3-256"
)

// Hash digests raw bytes with the given algorithm and returns a hex string.
func Hash(data []byte, alg Algorithm) (string, error) {
	switch alg {
	case SHA256, "":
		sum := sha256.Sum256(data)
		return hex.EncodeToString(sum[:]), nil
	case SHA512:
		sum := sha512.Sum512(data)
		return hex.EncodeToString(sum[:]), nil
	case SHA3_256:
		sum := sha3.Sum256(data)
		return hex.EncodeToString(sum[:]), nil
	default:
		return "", fmt.Errorf("canonicalize: unsupported hash algorithm %q", alg)
	}
}

// HashBytes computes the SHA-256 hex digest of raw bytes.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// CanonicalHash returns the SHA-256 hex digest of the canonical form of v.
// This is the content address used for manifests, snapshots and ledger
// records throughout the kernel.
func CanonicalHash(v interface{}) (string, error) {
	b, err := Canonical(v)
	if err != nil {
		return "", err
	}
	return HashBytes(b), nil
}
