package crypto

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"log/slog"

	"github.com/sovereignos/gsep/core/pkg/identity"
)

// VerifyRaw checks an Ed25519 signature given hex key and signature material.
// Malformed material is an error; a well-formed but wrong signature is
// (false, nil).
func VerifyRaw(pubKeyHex, sigHex string, message []byte) (bool, error) {
	pubKey, err := hex.DecodeString(pubKeyHex)
	if err != nil {
		return false, fmt.Errorf("crypto: invalid public key hex: %w", err)
	}
	if len(pubKey) != ed25519.PublicKeySize {
		return false, fmt.Errorf("crypto: invalid public key size %d", len(pubKey))
	}
	sig, err := hex.DecodeString(sigHex)
	if err != nil {
		return false, fmt.Errorf("crypto: invalid signature hex: %w", err)
	}
	if len(sig) != ed25519.SignatureSize {
		return false, fmt.Errorf("crypto: invalid signature size %d", len(sig))
	}
	return ed25519.Verify(ed25519.PublicKey(pubKey), message, sig), nil
}

// RoleVerifier verifies signatures against identities resolved through the
// injected resolver. All failure modes (unknown key, malformed material,
// wrong signature) yield false so that one bad signature can never abort a
// batch evaluation. Failures are logged, not raised.
type RoleVerifier struct {
	resolver identity.Resolver
	logger   *slog.Logger
}

// NewRoleVerifier constructs a verifier. The resolver is a hard dependency:
// a nil resolver is a setup error, not a tolerable degradation.
func NewRoleVerifier(resolver identity.Resolver, logger *slog.Logger) (*RoleVerifier, error) {
	if resolver == nil {
		return nil, fmt.Errorf("crypto: identity resolver is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RoleVerifier{resolver: resolver, logger: logger}, nil
}

// Verify resolves keyOrRoleID and checks the signature over message.
// Returns the resolved role on success so callers can attribute weight.
func (rv *RoleVerifier) Verify(ctx context.Context, message []byte, sigHex, keyOrRoleID string) (bool, *identity.Role) {
	role, err := rv.resolver.ResolveRole(ctx, keyOrRoleID)
	if err != nil {
		rv.logger.Warn("signature verification: resolver failure",
			"key", keyOrRoleID, "error", err)
		return false, nil
	}
	if role == nil {
		rv.logger.Debug("signature verification: unknown identity", "key", keyOrRoleID)
		return false, nil
	}

	ok, err := VerifyRaw(role.PublicKeyHex, sigHex, message)
	if err != nil {
		rv.logger.Warn("signature verification: malformed material",
			"identity", role.ID, "error", err)
		return false, nil
	}
	if !ok {
		rv.logger.Debug("signature verification: signature mismatch", "identity", role.ID)
		return false, nil
	}
	return true, role
}
