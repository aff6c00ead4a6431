// Package license handles license token verification and tier
// resolution. It is the only component permitted to dereference a raw
// token; everything downstream sees the resolved tier and subject.
package license

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/entitlegate/entitlegate/internal/tier"
)

// Token parsing errors. All of them mean the credential is definitively
// rejected, which the verifier reports as license_invalid.
var (
	ErrMalformedToken   = fmt.Errorf("malformed license token")
	ErrSignatureInvalid = fmt.Errorf("license token signature invalid")
	ErrTokenExpired     = fmt.Errorf("license token has expired")
)

// Claims are the signed claims carried by a license token.
type Claims struct {
	// LicenseID uniquely identifies the issued license.
	LicenseID string `json:"lid"`

	// SubjectID identifies the license holder for quota accounting.
	SubjectID string `json:"sub"`

	// Tier is the subscription tier the token grants.
	Tier tier.Tier `json:"tier"`

	// IssuedAt is a Unix timestamp.
	IssuedAt int64 `json:"iat"`

	// ExpiresAt is a Unix timestamp, 0 for non-expiring.
	ExpiresAt int64 `json:"exp,omitempty"`
}

// Expired reports whether the claims are past their expiry at now.
func (c Claims) Expired(now time.Time) bool {
	if c.ExpiresAt == 0 {
		return false
	}
	return now.Unix() > c.ExpiresAt
}

// ParseAndVerify validates a token's structure, signature, claims, and
// expiry against the given public key. An empty public key rejects
// every token; there is no unsigned production path.
func ParseAndVerify(token string, publicKey ed25519.PublicKey, now time.Time) (Claims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Claims{}, fmt.Errorf("%w: empty token", ErrMalformedToken)
	}

	// Token is JWT-shaped: base64url(header).base64url(payload).base64url(signature)
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return Claims{}, fmt.Errorf("%w: expected three segments", ErrMalformedToken)
	}

	if _, err := base64.RawURLEncoding.DecodeString(parts[0]); err != nil {
		return Claims{}, fmt.Errorf("%w: invalid header encoding", ErrMalformedToken)
	}
	payloadBytes, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return Claims{}, fmt.Errorf("%w: invalid payload encoding", ErrMalformedToken)
	}
	signature, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil {
		return Claims{}, fmt.Errorf("%w: invalid signature encoding", ErrMalformedToken)
	}

	if len(publicKey) != ed25519.PublicKeySize {
		return Claims{}, fmt.Errorf("%w: no verification key configured", ErrSignatureInvalid)
	}
	signedData := []byte(parts[0] + "." + parts[1])
	if !ed25519.Verify(publicKey, signedData, signature) {
		return Claims{}, ErrSignatureInvalid
	}

	var claims Claims
	if err := json.Unmarshal(payloadBytes, &claims); err != nil {
		return Claims{}, fmt.Errorf("%w: invalid claims JSON", ErrMalformedToken)
	}
	if claims.LicenseID == "" {
		return Claims{}, fmt.Errorf("%w: missing license ID", ErrMalformedToken)
	}
	if claims.SubjectID == "" {
		return Claims{}, fmt.Errorf("%w: missing subject", ErrMalformedToken)
	}
	if !claims.Tier.Known() {
		return Claims{}, fmt.Errorf("%w: unknown tier %q", ErrMalformedToken, claims.Tier)
	}
	if claims.Expired(now) {
		return Claims{}, fmt.Errorf("%w: expired %s", ErrTokenExpired,
			time.Unix(claims.ExpiresAt, 0).UTC().Format("2006-01-02"))
	}

	return claims, nil
}

// DecodeClaims extracts the claims from a token without verifying the
// signature. Inspection only; never use the result for authorization.
func DecodeClaims(token string) (Claims, error) {
	parts := strings.Split(strings.TrimSpace(token), ".")
	if len(parts) != 3 {
		return Claims{}, fmt.Errorf("%w: expected three segments", ErrMalformedToken)
	}
	payloadBytes, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return Claims{}, fmt.Errorf("%w: invalid payload encoding", ErrMalformedToken)
	}
	var claims Claims
	if err := json.Unmarshal(payloadBytes, &claims); err != nil {
		return Claims{}, fmt.Errorf("%w: invalid claims JSON", ErrMalformedToken)
	}
	return claims, nil
}

// GenerateToken signs claims into a token with the given private key.
// Used by tests and the dev "license generate" command; production
// issuance lives with the licensing service, not here.
func GenerateToken(claims Claims, privateKey ed25519.PrivateKey) (string, error) {
	if len(privateKey) != ed25519.PrivateKeySize {
		return "", fmt.Errorf("invalid signing key size %d", len(privateKey))
	}
	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"EdDSA","typ":"JWT"}`))
	payloadBytes, err := json.Marshal(claims)
	if err != nil {
		return "", fmt.Errorf("marshal claims: %w", err)
	}
	payload := base64.RawURLEncoding.EncodeToString(payloadBytes)
	signedData := []byte(header + "." + payload)
	signature := base64.RawURLEncoding.EncodeToString(ed25519.Sign(privateKey, signedData))
	return header + "." + payload + "." + signature, nil
}
