// Package provider selects an AI backend for a request from a
// prioritized, tier-scoped candidate list under an explicit avoidance
// policy.
//
// The router never silently substitutes an avoided provider: an empty
// candidate set after exclusion is a hard no_provider failure, so "no
// fallback" is a representable, testable state rather than an implicit
// absence.
package provider

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	apperrors "github.com/entitlegate/entitlegate/internal/errors"
	"github.com/entitlegate/entitlegate/internal/tier"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog/log"
)

// Config describes one backend provider. Immutable for the process
// lifetime; a deployment change means a new router.
type Config struct {
	Name         string      `json:"name"`
	Endpoint     string      `json:"endpoint"`
	Priority     int         `json:"priority"` // lower is preferred
	CostPerUnit  float64     `json:"cost_per_unit"`
	RateLimitQPS int         `json:"rate_limit_qps"`
	Tiers        []tier.Tier `json:"tiers"`
}

// availableTo reports whether the provider serves the tier.
func (c Config) availableTo(t tier.Tier) bool {
	for _, candidate := range c.Tiers {
		if candidate == t {
			return true
		}
	}
	return false
}

// Rejection records why one candidate was passed over, for audit.
type Rejection struct {
	Provider string `json:"provider"`
	Reason   string `json:"reason"`
}

// Decision is the routing outcome for a single request. It is produced
// fresh per request and never persisted here; a collaborator may log it.
type Decision struct {
	ID       string      `json:"id"`
	Chosen   Config      `json:"chosen"`
	Rejected []Rejection `json:"rejected,omitempty"`
}

// Stats is a point-in-time view of one provider's outcome counters.
type Stats struct {
	Requests  int64 `json:"requests"`
	Successes int64 `json:"successes"`
	Failures  int64 `json:"failures"`
}

type providerStats struct {
	requests  atomic.Int64
	successes atomic.Int64
	failures  atomic.Int64
}

// Router selects providers. The provider list and the global avoid set
// are fixed at construction; per-request avoid sets layer on top.
type Router struct {
	providers   []Config
	globalAvoid map[string]struct{}

	statsMu sync.RWMutex
	stats   map[string]*providerStats
}

// NewRouter creates a router over the given provider configs plus a
// global avoid list for permanently deprecated backends.
func NewRouter(providers []Config, globalAvoid []string) (*Router, error) {
	if len(providers) == 0 {
		return nil, fmt.Errorf("at least one provider is required")
	}

	seen := make(map[string]struct{}, len(providers))
	stats := make(map[string]*providerStats, len(providers))
	for _, p := range providers {
		name := strings.TrimSpace(p.Name)
		if name == "" {
			return nil, fmt.Errorf("provider with empty name")
		}
		if _, dup := seen[name]; dup {
			return nil, fmt.Errorf("duplicate provider %q", name)
		}
		if len(p.Tiers) == 0 {
			return nil, fmt.Errorf("provider %q serves no tiers", name)
		}
		for _, t := range p.Tiers {
			if !t.Known() {
				return nil, fmt.Errorf("provider %q: unknown tier %q", name, t)
			}
		}
		seen[name] = struct{}{}
		stats[name] = &providerStats{}
	}

	avoid := make(map[string]struct{}, len(globalAvoid))
	for _, name := range globalAvoid {
		avoid[strings.TrimSpace(name)] = struct{}{}
	}

	// Order once: priority ascending, then cheaper, then name for
	// determinism.
	ordered := make([]Config, len(providers))
	copy(ordered, providers)
	sort.Slice(ordered, func(i, j int) bool {
		if ordered[i].Priority != ordered[j].Priority {
			return ordered[i].Priority < ordered[j].Priority
		}
		if ordered[i].CostPerUnit != ordered[j].CostPerUnit {
			return ordered[i].CostPerUnit < ordered[j].CostPerUnit
		}
		return ordered[i].Name < ordered[j].Name
	})

	return &Router{
		providers:   ordered,
		globalAvoid: avoid,
		stats:       stats,
	}, nil
}

// Select picks the best provider for the tier, excluding the global
// avoid set and any request-supplied avoid names. The decision lists
// every rejected candidate with its reason. An empty candidate set
// fails with no_provider: avoidance is never violated, even for the
// only remaining candidate.
func (r *Router) Select(t tier.Tier, avoid []string) (*Decision, error) {
	requestAvoid := make(map[string]struct{}, len(avoid))
	for _, name := range avoid {
		requestAvoid[strings.TrimSpace(name)] = struct{}{}
	}

	decision := &Decision{ID: ulid.Make().String()}
	chosen := false

	for _, p := range r.providers {
		switch {
		case !p.availableTo(t):
			decision.Rejected = append(decision.Rejected, Rejection{
				Provider: p.Name,
				Reason:   fmt.Sprintf("not available for tier %s", t),
			})
		case inSet(r.globalAvoid, p.Name):
			decision.Rejected = append(decision.Rejected, Rejection{
				Provider: p.Name,
				Reason:   "globally avoided",
			})
		case inSet(requestAvoid, p.Name):
			decision.Rejected = append(decision.Rejected, Rejection{
				Provider: p.Name,
				Reason:   "avoided by request",
			})
		case !chosen:
			decision.Chosen = p
			chosen = true
		default:
			decision.Rejected = append(decision.Rejected, Rejection{
				Provider: p.Name,
				Reason:   fmt.Sprintf("lower preference than %s", decision.Chosen.Name),
			})
		}
	}

	if !chosen {
		log.Warn().
			Str("tier", string(t)).
			Strs("avoid", avoid).
			Msg("No provider available after tier filtering and avoidance")
		return nil, apperrors.New(apperrors.TypeNoProvider, "select_provider", nil).
			WithDetail("no candidate for tier %s after avoidance of %d provider(s)", t, len(avoid)+len(r.globalAvoid))
	}

	r.statsFor(decision.Chosen.Name).requests.Add(1)

	log.Debug().
		Str("decision_id", decision.ID).
		Str("provider", decision.Chosen.Name).
		Int("rejected", len(decision.Rejected)).
		Msg("Provider selected")

	return decision, nil
}

// RecordOutcome records whether a routed request ultimately succeeded,
// keeping per-provider counters for observability.
func (r *Router) RecordOutcome(providerName string, success bool) {
	s := r.statsFor(providerName)
	if s == nil {
		return
	}
	if success {
		s.successes.Add(1)
	} else {
		s.failures.Add(1)
	}
}

// ProviderStats returns a snapshot of per-provider outcome counters.
func (r *Router) ProviderStats() map[string]Stats {
	r.statsMu.RLock()
	defer r.statsMu.RUnlock()
	out := make(map[string]Stats, len(r.stats))
	for name, s := range r.stats {
		out[name] = Stats{
			Requests:  s.requests.Load(),
			Successes: s.successes.Load(),
			Failures:  s.failures.Load(),
		}
	}
	return out
}

// Providers returns the configured providers in preference order.
func (r *Router) Providers() []Config {
	out := make([]Config, len(r.providers))
	copy(out, r.providers)
	return out
}

func (r *Router) statsFor(name string) *providerStats {
	r.statsMu.RLock()
	defer r.statsMu.RUnlock()
	return r.stats[name]
}

func inSet(set map[string]struct{}, name string) bool {
	_, ok := set[name]
	return ok
}
