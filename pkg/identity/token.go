package identity

import (
	"crypto/ed25519"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// AttestationClaims binds a key ID to a governance role and voting weight.
// Attestations are minted by the registrar authority and imported into a
// Registry at bootstrap; the registrar key itself is bootstrap-trusted
// configuration, not dynamically resolved.
type AttestationClaims struct {
	jwt.RegisteredClaims
	RoleID       string  `json:"role_id"`
	KeyID        string  `json:"key_id"`
	PublicKeyHex string  `json:"public_key"`
	Weight       float64 `json:"weight"`
}

// Attestor mints and validates role attestation tokens.
type Attestor struct {
	issuer  string
	signKey ed25519.PrivateKey
	pubKey  ed25519.PublicKey
}

// NewAttestor creates an attestor from the registrar signing key.
func NewAttestor(issuer string, signKey ed25519.PrivateKey) *Attestor {
	return &Attestor{
		issuer:  issuer,
		signKey: signKey,
		pubKey:  signKey.Public().(ed25519.PublicKey),
	}
}

// NewAttestorVerifyOnly creates an attestor that can only validate tokens.
func NewAttestorVerifyOnly(issuer string, pub ed25519.PublicKey) *Attestor {
	return &Attestor{issuer: issuer, pubKey: pub}
}

// Mint issues a signed attestation for a role.
func (a *Attestor) Mint(role Role, validity time.Duration) (string, error) {
	if a.signKey == nil {
		return "", fmt.Errorf("identity: attestor has no signing key")
	}
	now := time.Now().UTC()
	claims := AttestationClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   role.ID,
			Issuer:    a.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(validity)),
		},
		RoleID:       role.ID,
		KeyID:        role.KeyID,
		PublicKeyHex: role.PublicKeyHex,
		Weight:       role.Weight,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	return token.SignedString(a.signKey)
}

// Validate parses an attestation token and returns the attested role.
func (a *Attestor) Validate(tokenString string) (*Role, error) {
	token, err := jwt.ParseWithClaims(tokenString, &AttestationClaims{},
		func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodEd25519); !ok {
				return nil, fmt.Errorf("identity: unexpected signing method %v", t.Header["alg"])
			}
			return a.pubKey, nil
		},
		jwt.WithIssuer(a.issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("identity: attestation invalid: %w", err)
	}

	claims, ok := token.Claims.(*AttestationClaims)
	if !ok || !token.Valid {
		return nil, jwt.ErrTokenSignatureInvalid
	}
	return &Role{
		ID:           claims.RoleID,
		KeyID:        claims.KeyID,
		PublicKeyHex: claims.PublicKeyHex,
		Weight:       claims.Weight,
	}, nil
}

// ImportAttestations validates each token and registers the attested roles.
// The first invalid token aborts the import: a partially-trusted electorate
// is worse than a failed bootstrap.
func ImportAttestations(reg *Registry, attestor *Attestor, tokens []string) error {
	for i, tok := range tokens {
		role, err := attestor.Validate(tok)
		if err != nil {
			return fmt.Errorf("identity: attestation %d rejected: %w", i, err)
		}
		if err := reg.Register(*role); err != nil {
			return fmt.Errorf("identity: attestation %d: %w", i, err)
		}
	}
	return nil
}
