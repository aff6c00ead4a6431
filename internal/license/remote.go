package license

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	apperrors "github.com/entitlegate/entitlegate/internal/errors"
	"github.com/entitlegate/entitlegate/internal/tier"
)

// RemoteVerifier resolves a raw token to claims. Implementations must
// distinguish a definitive rejection (wrap apperrors.ErrLicenseInvalid)
// from unreachability (any other error), because only the latter is
// eligible for degraded cache resolution.
type RemoteVerifier interface {
	Verify(ctx context.Context, token string) (Claims, error)
}

// SignatureVerifier verifies tokens locally against the embedded
// public key. It never fails transiently, so the grace-period branch
// never applies to it.
type SignatureVerifier struct {
	PublicKey ed25519.PublicKey
	now       func() time.Time
}

// NewSignatureVerifier creates a local verifier for the given key.
func NewSignatureVerifier(publicKey ed25519.PublicKey) *SignatureVerifier {
	return &SignatureVerifier{PublicKey: publicKey, now: time.Now}
}

// Verify implements RemoteVerifier.
func (v *SignatureVerifier) Verify(_ context.Context, token string) (Claims, error) {
	claims, err := ParseAndVerify(token, v.PublicKey, v.now())
	if err != nil {
		return Claims{}, apperrors.New(apperrors.TypeLicenseInvalid, "verify_signature", err)
	}
	return claims, nil
}

// verifyResponse is the wire shape of the verification service reply.
type verifyResponse struct {
	Tier      string `json:"tier"`
	SubjectID string `json:"subject_id"`
	LicenseID string `json:"license_id"`
	ExpiresAt int64  `json:"expires_at"`
	Error     string `json:"error,omitempty"`
}

// HTTPVerifier calls a remote verification service. The request body
// carries the opaque token; the response carries the resolved claims or
// an error code distinguishing invalid from unreachable.
type HTTPVerifier struct {
	Endpoint string
	Client   *http.Client
}

// DefaultVerifyTimeout bounds the verification network call when the
// caller supplies no deadline of its own.
const DefaultVerifyTimeout = 10 * time.Second

// NewHTTPVerifier creates a verifier for the given endpoint with a
// bounded client timeout.
func NewHTTPVerifier(endpoint string, timeout time.Duration) *HTTPVerifier {
	if timeout <= 0 {
		timeout = DefaultVerifyTimeout
	}
	return &HTTPVerifier{
		Endpoint: endpoint,
		Client:   &http.Client{Timeout: timeout},
	}
}

// Verify implements RemoteVerifier. Timeouts and connection failures
// surface as plain errors (unreachable); 4xx responses are definitive
// rejections.
func (v *HTTPVerifier) Verify(ctx context.Context, token string) (Claims, error) {
	body, err := json.Marshal(map[string]string{"token": token})
	if err != nil {
		return Claims{}, fmt.Errorf("encode verification request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.Endpoint, bytes.NewReader(body))
	if err != nil {
		return Claims{}, fmt.Errorf("build verification request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := v.Client.Do(req)
	if err != nil {
		// Timeout or connection failure: the caller's degraded-cache
		// branch applies, not a credential rejection.
		return Claims{}, fmt.Errorf("verification service unreachable: %w", err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return Claims{}, fmt.Errorf("read verification response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		var parsed verifyResponse
		if err := json.Unmarshal(payload, &parsed); err != nil {
			return Claims{}, fmt.Errorf("decode verification response: %w", err)
		}
		claims := Claims{
			LicenseID: parsed.LicenseID,
			SubjectID: parsed.SubjectID,
			Tier:      tierFromWire(parsed.Tier),
			ExpiresAt: parsed.ExpiresAt,
		}
		if claims.SubjectID == "" || !claims.Tier.Known() {
			return Claims{}, apperrors.New(apperrors.TypeLicenseInvalid, "verify_remote",
				fmt.Errorf("verification response missing subject or tier"))
		}
		return claims, nil

	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		// The service reached a verdict and the verdict is no. Never
		// covered by the grace period.
		var parsed verifyResponse
		_ = json.Unmarshal(payload, &parsed)
		reason := parsed.Error
		if reason == "" {
			reason = http.StatusText(resp.StatusCode)
		}
		return Claims{}, apperrors.New(apperrors.TypeLicenseInvalid, "verify_remote",
			fmt.Errorf("verification service rejected token: %s", reason))

	default:
		return Claims{}, fmt.Errorf("verification service error: status %d", resp.StatusCode)
	}
}

func tierFromWire(s string) tier.Tier {
	t, err := tier.ParseTier(s)
	if err != nil {
		return tier.Tier("")
	}
	return t
}
