package license

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	apperrors "github.com/entitlegate/entitlegate/internal/errors"
	"github.com/entitlegate/entitlegate/internal/tier"
)

// fakeRemote is a scriptable RemoteVerifier.
type fakeRemote struct {
	mu          sync.Mutex
	claims      Claims
	err         error
	unreachable bool
	delay       time.Duration
	calls       atomic.Int64
}

func (f *fakeRemote) Verify(_ context.Context, _ string) (Claims, error) {
	f.calls.Add(1)
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.unreachable {
		return Claims{}, fmt.Errorf("verification service unreachable: dial tcp: i/o timeout")
	}
	if f.err != nil {
		return Claims{}, f.err
	}
	return f.claims, nil
}

func (f *fakeRemote) setUnreachable(unreachable bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unreachable = unreachable
}

func personalClaims() Claims {
	return Claims{
		LicenseID: "lic_001",
		SubjectID: "sub_alice",
		Tier:      tier.TierPersonal,
		IssuedAt:  time.Now().Unix(),
	}
}

func TestVerifyReachable(t *testing.T) {
	remote := &fakeRemote{claims: personalClaims()}
	v := NewVerifier(remote, VerifierConfig{})

	res, err := v.Verify(context.Background(), "token-a")
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if res.Tier != tier.TierPersonal || res.SubjectID != "sub_alice" {
		t.Errorf("unexpected resolution %+v", res)
	}
	if res.Degraded {
		t.Error("fresh resolution must not be flagged degraded")
	}
	if v.CachedSubjects() != 1 {
		t.Errorf("expected 1 cache entry, got %d", v.CachedSubjects())
	}
}

func TestVerifyInvalidIsNotGraceCovered(t *testing.T) {
	remote := &fakeRemote{claims: personalClaims()}
	v := NewVerifier(remote, VerifierConfig{CacheTTL: time.Minute, GracePeriod: time.Hour})

	// Seed the cache with a successful verification.
	if _, err := v.Verify(context.Background(), "token-a"); err != nil {
		t.Fatalf("seed Verify: %v", err)
	}

	// The service now definitively rejects the token. The cached entry
	// must not rescue it: grace covers network failure only.
	remote.mu.Lock()
	remote.err = apperrors.New(apperrors.TypeLicenseInvalid, "verify_remote", errors.New("revoked"))
	remote.mu.Unlock()

	_, err := v.Verify(context.Background(), "token-a")
	if !errors.Is(err, apperrors.ErrLicenseInvalid) {
		t.Fatalf("expected license invalid, got %v", err)
	}
	if v.CachedSubjects() != 0 {
		t.Error("definitive rejection should evict the cached resolution")
	}
}

func TestVerifyDegradedWithinGraceWindow(t *testing.T) {
	remote := &fakeRemote{claims: personalClaims()}
	v := NewVerifier(remote, VerifierConfig{CacheTTL: 60 * time.Second, GracePeriod: 300 * time.Second})

	base := time.Date(2026, 5, 10, 12, 0, 0, 0, time.UTC)
	current := base
	v.now = func() time.Time { return current }

	if _, err := v.Verify(context.Background(), "token-a"); err != nil {
		t.Fatalf("seed Verify: %v", err)
	}

	remote.setUnreachable(true)

	// At t+200s: inside ttl+grace (360s), degraded resolution.
	current = base.Add(200 * time.Second)
	res, err := v.Verify(context.Background(), "token-a")
	if err != nil {
		t.Fatalf("Verify at t+200s: %v", err)
	}
	if !res.Degraded {
		t.Error("cached resolution during outage must be flagged degraded")
	}
	if res.Tier != tier.TierPersonal {
		t.Errorf("degraded resolution tier = %s, want personal", res.Tier)
	}

	// At t+400s: past the boundary, hard failure.
	current = base.Add(400 * time.Second)
	_, err = v.Verify(context.Background(), "token-a")
	if !errors.Is(err, apperrors.ErrLicenseUnavailable) {
		t.Fatalf("expected license unavailable past grace, got %v", err)
	}
}

func TestVerifyGraceBoundaryIsExclusive(t *testing.T) {
	remote := &fakeRemote{claims: personalClaims()}
	v := NewVerifier(remote, VerifierConfig{CacheTTL: 60 * time.Second, GracePeriod: 300 * time.Second})

	base := time.Date(2026, 5, 10, 12, 0, 0, 0, time.UTC)
	current := base
	v.now = func() time.Time { return current }

	if _, err := v.Verify(context.Background(), "token-a"); err != nil {
		t.Fatalf("seed Verify: %v", err)
	}
	remote.setUnreachable(true)

	// One nanosecond before the boundary still resolves.
	current = base.Add(360*time.Second - time.Nanosecond)
	if _, err := v.Verify(context.Background(), "token-a"); err != nil {
		t.Fatalf("Verify just inside boundary: %v", err)
	}

	// Exactly at the boundary it must fail.
	current = base.Add(360 * time.Second)
	if _, err := v.Verify(context.Background(), "token-a"); !errors.Is(err, apperrors.ErrLicenseUnavailable) {
		t.Fatalf("expected license unavailable at boundary, got %v", err)
	}
}

func TestPruneExpiredSweepsAbandonedEntries(t *testing.T) {
	remote := &fakeRemote{claims: personalClaims()}
	v := NewVerifier(remote, VerifierConfig{CacheTTL: 60 * time.Second, GracePeriod: 300 * time.Second})

	base := time.Date(2026, 5, 10, 12, 0, 0, 0, time.UTC)
	current := base
	v.now = func() time.Time { return current }

	if _, err := v.Verify(context.Background(), "token-a"); err != nil {
		t.Fatalf("seed Verify: %v", err)
	}
	if _, err := v.Verify(context.Background(), "token-b"); err != nil {
		t.Fatalf("seed Verify: %v", err)
	}
	if got := v.CachedSubjects(); got != 2 {
		t.Fatalf("cached entries = %d, want 2", got)
	}

	// Inside ttl+grace nothing is swept.
	current = base.Add(300 * time.Second)
	if pruned := v.PruneExpired(); pruned != 0 {
		t.Fatalf("pruned %d entries inside the grace window", pruned)
	}

	// Past the boundary both abandoned tokens go, without either ever
	// being verified again.
	current = base.Add(360 * time.Second)
	if pruned := v.PruneExpired(); pruned != 2 {
		t.Fatalf("pruned = %d, want 2", pruned)
	}
	if got := v.CachedSubjects(); got != 0 {
		t.Fatalf("cached entries after sweep = %d, want 0", got)
	}
}

func TestVerifyUnreachableWithoutCache(t *testing.T) {
	remote := &fakeRemote{unreachable: true}
	v := NewVerifier(remote, VerifierConfig{})

	_, err := v.Verify(context.Background(), "never-seen")
	if !errors.Is(err, apperrors.ErrLicenseUnavailable) {
		t.Fatalf("expected license unavailable, got %v", err)
	}
}

func TestVerifyConcurrentSharesRemoteCall(t *testing.T) {
	remote := &fakeRemote{claims: personalClaims(), delay: 20 * time.Millisecond}
	v := NewVerifier(remote, VerifierConfig{})

	const goroutines = 16
	var wg sync.WaitGroup
	start := make(chan struct{})
	wg.Add(goroutines)
	for i := 0; i < goroutines; i++ {
		go func() {
			defer wg.Done()
			<-start
			if _, err := v.Verify(context.Background(), "token-a"); err != nil {
				t.Errorf("Verify: %v", err)
			}
		}()
	}
	close(start)
	wg.Wait()

	// Coalescing is best-effort; it must at least beat one call per
	// goroutine under a simultaneous start.
	if calls := remote.calls.Load(); calls >= goroutines {
		t.Errorf("expected coalesced remote calls, got %d for %d goroutines", calls, goroutines)
	}
}

func TestSignatureVerifier(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}

	token, err := GenerateToken(Claims{
		LicenseID: "lic_sig",
		SubjectID: "sub_bob",
		Tier:      tier.TierTeam,
		IssuedAt:  time.Now().Unix(),
		ExpiresAt: time.Now().Add(time.Hour).Unix(),
	}, priv)
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}

	sv := NewSignatureVerifier(pub)
	claims, err := sv.Verify(context.Background(), token)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if claims.Tier != tier.TierTeam || claims.SubjectID != "sub_bob" {
		t.Errorf("unexpected claims %+v", claims)
	}

	t.Run("tampered payload rejected", func(t *testing.T) {
		tampered := token[:len(token)-4] + "AAAA"
		if _, err := sv.Verify(context.Background(), tampered); !errors.Is(err, apperrors.ErrLicenseInvalid) {
			t.Errorf("tampered token should be license invalid, got %v", err)
		}
	})

	t.Run("wrong key rejected", func(t *testing.T) {
		otherPub, _, err := ed25519.GenerateKey(nil)
		if err != nil {
			t.Fatalf("GenerateKey: %v", err)
		}
		if _, err := NewSignatureVerifier(otherPub).Verify(context.Background(), token); !errors.Is(err, apperrors.ErrLicenseInvalid) {
			t.Errorf("wrong key should be license invalid, got %v", err)
		}
	})

	t.Run("expired token rejected", func(t *testing.T) {
		expired, err := GenerateToken(Claims{
			LicenseID: "lic_old",
			SubjectID: "sub_bob",
			Tier:      tier.TierTeam,
			IssuedAt:  time.Now().Add(-2 * time.Hour).Unix(),
			ExpiresAt: time.Now().Add(-time.Hour).Unix(),
		}, priv)
		if err != nil {
			t.Fatalf("GenerateToken: %v", err)
		}
		if _, err := sv.Verify(context.Background(), expired); !errors.Is(err, apperrors.ErrLicenseInvalid) {
			t.Errorf("expired token should be license invalid, got %v", err)
		}
	})
}

func TestParseAndVerifyMalformed(t *testing.T) {
	pub, _, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}

	tests := []struct {
		name  string
		token string
	}{
		{"empty", ""},
		{"two segments", "aaaa.bbbb"},
		{"garbage", "not a token at all"},
		{"invalid base64", "!!.!!.!!"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseAndVerify(tt.token, pub, time.Now()); !errors.Is(err, ErrMalformedToken) {
				t.Errorf("expected malformed token error, got %v", err)
			}
		})
	}
}
