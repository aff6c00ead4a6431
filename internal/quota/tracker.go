// Package quota maintains per-subject, per-resource consumption
// counters with linearizable check-and-consume semantics.
//
// Counters are keyed by (subject, resource, period start) and guarded
// by sharded locks, so contention on one subject never blocks another.
// A counter is created lazily on first use within a period; a new
// period means a new counter, never a decrement.
package quota

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	apperrors "github.com/entitlegate/entitlegate/internal/errors"
	"github.com/entitlegate/entitlegate/internal/tier"
	"github.com/rs/zerolog/log"
)

// Unlimited is the limit value meaning no cap. Unlimited resources
// still count consumption for observability.
const Unlimited int64 = -1

// warnNumerator/warnDenominator: log a proactive warning once a
// counter crosses 80% of its limit.
const (
	warnNumerator   = 4
	warnDenominator = 5
)

// Limit is the budget for one (resource, tier) pair.
type Limit struct {
	Amount int64  `json:"amount"` // -1 for unlimited
	Period Period `json:"period"`
}

// Limits maps resource family -> tier -> limit.
type Limits map[string]map[tier.Tier]Limit

// counterKey identifies one consumption window.
type counterKey struct {
	SubjectID   string
	Resource    string
	PeriodStart int64 // Unix seconds
}

type counter struct {
	consumed    int64
	limit       int64
	period      Period
	warnEmitted bool
}

const shardCount = 32

type shard struct {
	mu       sync.Mutex
	counters map[counterKey]*counter
}

// Tracker answers "is there budget left" and atomically debits it.
type Tracker struct {
	limitsMu sync.RWMutex
	limits   Limits

	shards [shardCount]*shard

	persister *persister
	now       func() time.Time
}

// TrackerConfig configures a Tracker.
type TrackerConfig struct {
	Limits Limits

	// DataDir enables JSON snapshot persistence when non-empty.
	DataDir string
}

// NewTracker creates a tracker. When cfg.DataDir is set, counters for
// periods still current are restored from the snapshot file.
func NewTracker(cfg TrackerConfig) (*Tracker, error) {
	t := &Tracker{
		limits: cfg.Limits,
		now:    time.Now,
	}
	for i := range t.shards {
		t.shards[i] = &shard{counters: make(map[counterKey]*counter)}
	}
	if cfg.DataDir != "" {
		p, err := newPersister(cfg.DataDir)
		if err != nil {
			return nil, err
		}
		t.persister = p
		t.restore()
	}
	return t, nil
}

// SetLimits replaces the limit table, e.g. after a config reload.
// Existing counters keep their recorded limit for the remainder of
// their window.
func (t *Tracker) SetLimits(limits Limits) {
	t.limitsMu.Lock()
	defer t.limitsMu.Unlock()
	t.limits = limits
}

// limitFor resolves the configured limit for (resource, tier).
// A resource with no configuration has no quota: unlimited daily.
func (t *Tracker) limitFor(resource string, tr tier.Tier) Limit {
	t.limitsMu.RLock()
	defer t.limitsMu.RUnlock()

	byTier, ok := t.limits[resource]
	if !ok {
		return Limit{Amount: Unlimited, Period: PeriodDaily}
	}
	limit, ok := byTier[tr]
	if !ok {
		// Configured resource but unconfigured tier: fail closed with a
		// zero budget rather than inventing an allowance.
		log.Warn().Str("resource", resource).Str("tier", string(tr)).
			Msg("No quota configured for tier on limited resource, treating as zero")
		return Limit{Amount: 0, Period: PeriodDaily}
	}
	return limit
}

// CheckAndConsume atomically debits amount from the subject's budget
// for the resource. On insufficient budget it returns quota_exceeded
// and mutates nothing: concurrent overshoot attempts are rejected, not
// capped.
func (t *Tracker) CheckAndConsume(subjectID, resource string, tr tier.Tier, amount int64) error {
	if amount <= 0 {
		return apperrors.New(apperrors.TypeInternal, "consume_quota", nil).
			WithDetail("amount must be positive, got %d", amount)
	}

	limit := t.limitFor(resource, tr)
	now := t.now()
	key := counterKey{
		SubjectID:   subjectID,
		Resource:    resource,
		PeriodStart: limit.Period.Start(now).Unix(),
	}

	s := t.shardFor(key)
	s.mu.Lock()
	c, ok := s.counters[key]
	if !ok {
		c = &counter{limit: limit.Amount, period: limit.Period}
		s.counters[key] = c
	}

	if c.limit != Unlimited && c.consumed+amount > c.limit {
		consumed, capAmount := c.consumed, c.limit
		s.mu.Unlock()
		return apperrors.New(apperrors.TypeQuotaExceeded, "consume_quota", nil).
			WithSubject(subjectID, string(tr)).
			WithDetail("resource %s: limit %d, consumed %d, requested %d", resource, capAmount, consumed, amount)
	}

	c.consumed += amount
	warn := false
	if c.limit != Unlimited && !c.warnEmitted && c.consumed*warnDenominator >= c.limit*warnNumerator {
		c.warnEmitted = true
		warn = true
	}
	consumed, capAmount := c.consumed, c.limit
	s.mu.Unlock()

	if warn {
		log.Warn().
			Str("subject_id", subjectID).
			Str("resource", resource).
			Int64("consumed", consumed).
			Int64("limit", capAmount).
			Msg("Quota consumption crossed 80% of limit")
	}

	if t.persister != nil {
		t.persister.scheduleSave(t.snapshot)
	}
	return nil
}

// Remaining returns the budget left for the subject and resource in
// the current period without mutating state. Unlimited resources
// return Unlimited.
func (t *Tracker) Remaining(subjectID, resource string, tr tier.Tier) int64 {
	limit := t.limitFor(resource, tr)
	if limit.Amount == Unlimited {
		return Unlimited
	}

	key := counterKey{
		SubjectID:   subjectID,
		Resource:    resource,
		PeriodStart: limit.Period.Start(t.now()).Unix(),
	}
	s := t.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.counters[key]
	if !ok {
		return limit.Amount
	}
	remaining := c.limit - c.consumed
	if remaining < 0 {
		return 0
	}
	return remaining
}

// RemainingRatio returns Remaining divided by the limit, or 1.0 for
// unlimited resources. Used by risk scoring.
func (t *Tracker) RemainingRatio(subjectID, resource string, tr tier.Tier) float64 {
	limit := t.limitFor(resource, tr)
	if limit.Amount == Unlimited {
		return 1.0
	}
	if limit.Amount == 0 {
		return 0.0
	}
	return float64(t.Remaining(subjectID, resource, tr)) / float64(limit.Amount)
}

// Consumed returns the amount consumed in the current period, which
// also counts usage against unlimited resources.
func (t *Tracker) Consumed(subjectID, resource string, tr tier.Tier) int64 {
	limit := t.limitFor(resource, tr)
	key := counterKey{
		SubjectID:   subjectID,
		Resource:    resource,
		PeriodStart: limit.Period.Start(t.now()).Unix(),
	}
	s := t.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.counters[key]; ok {
		return c.consumed
	}
	return 0
}

// PruneExpired drops counters whose period has ended. Returns the
// number pruned.
func (t *Tracker) PruneExpired() int {
	now := t.now()
	pruned := 0
	for _, s := range t.shards {
		s.mu.Lock()
		for key, c := range s.counters {
			if now.Unix() >= c.period.End(time.Unix(key.PeriodStart, 0)).Unix() {
				delete(s.counters, key)
				pruned++
			}
		}
		s.mu.Unlock()
	}
	if pruned > 0 && t.persister != nil {
		t.persister.scheduleSave(t.snapshot)
	}
	return pruned
}

// StartCleanup launches a background loop that prunes counters from
// ended periods. Stops when ctx is cancelled.
func (t *Tracker) StartCleanup(ctx context.Context) {
	go t.cleanupLoop(ctx)
}

func (t *Tracker) cleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(1 * time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Debug().Msg("Quota cleanup loop stopped")
			return
		case <-ticker.C:
			if pruned := t.PruneExpired(); pruned > 0 {
				log.Debug().Int("count", pruned).Msg("Pruned expired quota counters")
			}
		}
	}
}

// Flush writes a snapshot immediately, for shutdown paths.
func (t *Tracker) Flush() {
	if t.persister != nil {
		t.persister.flush(t.snapshot)
	}
}

func (t *Tracker) shardFor(key counterKey) *shard {
	h := fnv.New32a()
	h.Write([]byte(key.SubjectID))
	h.Write([]byte{0})
	h.Write([]byte(key.Resource))
	return t.shards[h.Sum32()%shardCount]
}
