// Package entitlement implements the static decision table mapping
// (tier, capability) to an access level.
//
// The matrix is an immutable snapshot published atomically; lookups are
// lock-free and unknown capabilities resolve to Blocked so nothing is
// ever implicitly allowed.
package entitlement

import (
	"fmt"
	"sort"

	"github.com/entitlegate/entitlegate/internal/tier"
)

type grantKey struct {
	Tier       tier.Tier
	Capability tier.Capability
}

type defaultKey struct {
	Tier   tier.Tier
	Family tier.Family
}

// Matrix is an immutable (tier, capability) -> access level table.
// Build one with NewMatrix or LoadFile; never mutate it after that.
type Matrix struct {
	version      string
	capabilities []tier.Capability
	grants       map[grantKey]tier.AccessLevel
	defaults     map[defaultKey]tier.AccessLevel
}

// Grant is one explicit row of the matrix source. Name "*" declares a
// family-level default for the tier, so new capabilities in that family
// inherit a sane level without an explicit row each.
type Grant struct {
	Tier   tier.Tier        `json:"tier"`
	Family tier.Family      `json:"family"`
	Name   string           `json:"name"`
	Level  tier.AccessLevel `json:"level"`
}

// NewMatrix builds a matrix from declared capabilities and grants.
// It fails if any tier, family, or level is unknown, if a capability is
// declared twice, or if some (tier, capability) pair resolves neither
// to an explicit grant nor a family default.
func NewMatrix(version string, capabilities []tier.Capability, grants []Grant) (*Matrix, error) {
	m := &Matrix{
		version:  version,
		grants:   make(map[grantKey]tier.AccessLevel, len(grants)),
		defaults: make(map[defaultKey]tier.AccessLevel),
	}

	seen := make(map[tier.Capability]bool, len(capabilities))
	for _, cap := range capabilities {
		if !cap.Family.Known() {
			return nil, fmt.Errorf("capability %q: unknown family", cap.String())
		}
		if cap.Name == "" || cap.Name == "*" {
			return nil, fmt.Errorf("capability in family %q has invalid name %q", cap.Family, cap.Name)
		}
		if seen[cap] {
			return nil, fmt.Errorf("capability %q declared twice", cap.String())
		}
		seen[cap] = true
		m.capabilities = append(m.capabilities, cap)
	}

	for _, g := range grants {
		if !g.Tier.Known() {
			return nil, fmt.Errorf("grant for %s/%s: unknown tier %q", g.Family, g.Name, g.Tier)
		}
		if !g.Family.Known() {
			return nil, fmt.Errorf("grant for tier %s: unknown family %q", g.Tier, g.Family)
		}
		if !g.Level.Known() {
			return nil, fmt.Errorf("grant %s %s/%s: unknown level %q", g.Tier, g.Family, g.Name, g.Level)
		}
		if g.Name == "*" {
			key := defaultKey{Tier: g.Tier, Family: g.Family}
			if _, dup := m.defaults[key]; dup {
				return nil, fmt.Errorf("duplicate family default for %s %s/*", g.Tier, g.Family)
			}
			m.defaults[key] = g.Level
			continue
		}
		cap := tier.Capability{Family: g.Family, Name: g.Name}
		if !seen[cap] {
			return nil, fmt.Errorf("grant references undeclared capability %q", cap.String())
		}
		key := grantKey{Tier: g.Tier, Capability: cap}
		if _, dup := m.grants[key]; dup {
			return nil, fmt.Errorf("duplicate grant for %s %s", g.Tier, cap.String())
		}
		m.grants[key] = g.Level
	}

	// Every tier must resolve every declared capability, explicitly or
	// via a family default. A gap here is a configuration error, not a
	// runtime Blocked surprise.
	for _, t := range tier.AllTiers {
		for _, cap := range m.capabilities {
			if _, ok := m.grants[grantKey{Tier: t, Capability: cap}]; ok {
				continue
			}
			if _, ok := m.defaults[defaultKey{Tier: t, Family: cap.Family}]; ok {
				continue
			}
			return nil, fmt.Errorf("no grant or family default for tier %s capability %s", t, cap.String())
		}
	}

	sort.Slice(m.capabilities, func(i, j int) bool {
		return m.capabilities[i].String() < m.capabilities[j].String()
	})

	return m, nil
}

// Version returns the snapshot version string from the source table.
func (m *Matrix) Version() string {
	return m.version
}

// Capabilities returns the declared capabilities in sorted order.
// The returned slice is a copy.
func (m *Matrix) Capabilities() []tier.Capability {
	out := make([]tier.Capability, len(m.capabilities))
	copy(out, m.capabilities)
	return out
}

// Resolve returns the access level for (t, cap). Unknown capabilities
// and unknown tiers resolve to Blocked.
func (m *Matrix) Resolve(t tier.Tier, cap tier.Capability) tier.AccessLevel {
	if m == nil || !t.Known() {
		return tier.AccessBlocked
	}
	if level, ok := m.grants[grantKey{Tier: t, Capability: cap}]; ok {
		return level
	}
	// Family defaults only cover declared capabilities; an unrecognized
	// capability must never be implicitly allowed.
	if m.isDeclared(cap) {
		if level, ok := m.defaults[defaultKey{Tier: t, Family: cap.Family}]; ok {
			return level
		}
	}
	return tier.AccessBlocked
}

// MeetsMinimum reports whether (t, cap) resolves to minimum or a
// stronger level. A Blocked resolution never meets any minimum above
// Blocked.
func (m *Matrix) MeetsMinimum(t tier.Tier, cap tier.Capability, minimum tier.AccessLevel) bool {
	return m.Resolve(t, cap).AtLeast(minimum)
}

// MinimumTierFor returns the lowest tier whose resolution for cap
// allows access, for upgrade prompts. The second return is false when
// no tier grants the capability.
func (m *Matrix) MinimumTierFor(cap tier.Capability) (tier.Tier, bool) {
	for _, t := range tier.AllTiers {
		if m.Resolve(t, cap).Allows() {
			return t, true
		}
	}
	return "", false
}

func (m *Matrix) isDeclared(cap tier.Capability) bool {
	idx := sort.Search(len(m.capabilities), func(i int) bool {
		return m.capabilities[i].String() >= cap.String()
	})
	return idx < len(m.capabilities) && m.capabilities[idx] == cap
}
