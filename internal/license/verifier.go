package license

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"sync"
	"time"

	apperrors "github.com/entitlegate/entitlegate/internal/errors"
	"github.com/entitlegate/entitlegate/internal/tier"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

// Default cache windows. Grace exists for network unavailability, not
// for a definitively rejected credential.
const (
	DefaultCacheTTL    = 15 * time.Minute
	DefaultGracePeriod = 24 * time.Hour
)

// Resolution is the verifier's answer: the resolved tier and subject,
// and whether the answer came from the cache because the verification
// service was unreachable.
type Resolution struct {
	SubjectID string    `json:"subject_id"`
	Tier      tier.Tier `json:"tier"`
	LicenseID string    `json:"license_id,omitempty"`

	// Degraded marks a cached resolution served while the verification
	// service was unreachable. Downstream policy may restrict degraded
	// sessions; nothing here does.
	Degraded bool `json:"degraded,omitempty"`

	ResolvedAt time.Time `json:"resolved_at"`
}

// cacheEntry is a prior successful resolution, keyed by token digest so
// the raw token never sits in memory longer than the call. Entries are
// only usable until resolvedAt + ttl + grace.
type cacheEntry struct {
	subjectID  string
	tier       tier.Tier
	licenseID  string
	resolvedAt time.Time
}

// Verifier resolves tokens through a RemoteVerifier and caches
// successful resolutions for degraded offline operation.
type Verifier struct {
	remote RemoteVerifier

	mu    sync.RWMutex
	cache map[string]*cacheEntry // token digest -> entry

	ttl   time.Duration
	grace time.Duration

	group singleflight.Group
	now   func() time.Time
}

// VerifierConfig configures cache windows.
type VerifierConfig struct {
	CacheTTL    time.Duration
	GracePeriod time.Duration
}

// NewVerifier creates a verifier over the given remote.
func NewVerifier(remote RemoteVerifier, cfg VerifierConfig) *Verifier {
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = DefaultCacheTTL
	}
	if cfg.GracePeriod < 0 {
		cfg.GracePeriod = 0
	}
	return &Verifier{
		remote: remote,
		cache:  make(map[string]*cacheEntry),
		ttl:    cfg.CacheTTL,
		grace:  cfg.GracePeriod,
		now:    time.Now,
	}
}

// Verify resolves a token to a tier and subject.
//
// Reachable service: validates, refreshes the cache entry, returns a
// fresh resolution. Definitive rejection: license_invalid, never cached
// and never grace-covered. Unreachable or timed out: serves the cached
// resolution flagged Degraded while now < resolvedAt + ttl + grace,
// otherwise license_unavailable.
func (v *Verifier) Verify(ctx context.Context, token string) (Resolution, error) {
	digest := tokenDigest(token)

	// Concurrent verifications of the same token share one remote call.
	result, err, _ := v.group.Do(digest, func() (any, error) {
		claims, err := v.remote.Verify(ctx, token)
		if err != nil {
			return nil, err
		}
		return claims, nil
	})

	now := v.now()

	if err == nil {
		claims := result.(Claims)
		v.storeEntry(digest, claims, now)
		return Resolution{
			SubjectID:  claims.SubjectID,
			Tier:       claims.Tier,
			LicenseID:  claims.LicenseID,
			ResolvedAt: now,
		}, nil
	}

	if errors.Is(err, apperrors.ErrLicenseInvalid) {
		// A rejected credential also invalidates any prior cached
		// resolution for the same token.
		v.evict(digest)
		return Resolution{}, err
	}

	// Unreachable. Try the degraded branch.
	entry := v.lookup(digest)
	if entry == nil {
		return Resolution{}, apperrors.New(apperrors.TypeLicenseUnavailable, "verify_license", err).
			WithDetail("verification service unreachable and no cached resolution")
	}

	deadline := entry.resolvedAt.Add(v.ttl + v.grace)
	if !now.Before(deadline) {
		v.evict(digest)
		return Resolution{}, apperrors.New(apperrors.TypeLicenseUnavailable, "verify_license", err).
			WithSubject(entry.subjectID, string(entry.tier)).
			WithDetail("offline grace period ended %s", deadline.UTC().Format(time.RFC3339))
	}

	log.Warn().
		Str("subject_id", entry.subjectID).
		Str("tier", string(entry.tier)).
		Time("grace_until", deadline).
		Msg("License verification unreachable, serving degraded cached resolution")

	return Resolution{
		SubjectID:  entry.subjectID,
		Tier:       entry.tier,
		LicenseID:  entry.licenseID,
		Degraded:   true,
		ResolvedAt: entry.resolvedAt,
	}, nil
}

// CachedSubjects returns the number of live cache entries, for status
// surfaces and tests.
func (v *Verifier) CachedSubjects() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return len(v.cache)
}

// PruneExpired drops cache entries past ttl+grace. Entries are also
// evicted lazily on re-verification; this sweep covers tokens that
// never come back. Returns the number pruned.
func (v *Verifier) PruneExpired() int {
	now := v.now()
	v.mu.Lock()
	defer v.mu.Unlock()
	pruned := 0
	for digest, entry := range v.cache {
		if !now.Before(entry.resolvedAt.Add(v.ttl + v.grace)) {
			delete(v.cache, digest)
			pruned++
		}
	}
	return pruned
}

// StartCleanup launches a background sweep of expired cache entries.
// Stops when ctx is cancelled.
func (v *Verifier) StartCleanup(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(1 * time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				log.Debug().Msg("License cache cleanup loop stopped")
				return
			case <-ticker.C:
				if pruned := v.PruneExpired(); pruned > 0 {
					log.Debug().Int("count", pruned).Msg("Pruned expired license cache entries")
				}
			}
		}
	}()
}

func (v *Verifier) storeEntry(digest string, claims Claims, now time.Time) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.cache[digest] = &cacheEntry{
		subjectID:  claims.SubjectID,
		tier:       claims.Tier,
		licenseID:  claims.LicenseID,
		resolvedAt: now,
	}
}

func (v *Verifier) lookup(digest string) *cacheEntry {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.cache[digest]
}

func (v *Verifier) evict(digest string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.cache, digest)
}

func tokenDigest(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
