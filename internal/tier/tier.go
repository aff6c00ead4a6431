// Package tier defines the closed tier, capability, and access-level
// vocabulary shared by every enforcement component.
//
// All three enums are strictly ordered so that "at least tier N" and
// "at least level L" checks are total and a missing case is a startup
// validation error rather than a silent runtime default.
package tier

import (
	"fmt"
	"strings"
)

// Tier represents a subscription tier.
type Tier string

const (
	TierCommunity  Tier = "community"
	TierPersonal   Tier = "personal"
	TierTeam       Tier = "team"
	TierEnterprise Tier = "enterprise"
)

// AllTiers lists every known tier in ascending order.
var AllTiers = []Tier{TierCommunity, TierPersonal, TierTeam, TierEnterprise}

// tierRanks gives the strict ordering Community < Personal < Team < Enterprise.
var tierRanks = map[Tier]int{
	TierCommunity:  0,
	TierPersonal:   1,
	TierTeam:       2,
	TierEnterprise: 3,
}

// Known reports whether t is one of the defined tiers.
func (t Tier) Known() bool {
	_, ok := tierRanks[t]
	return ok
}

// Rank returns the position of t in the tier ordering, or -1 for an
// unknown tier so that unknown tiers never satisfy an AtLeast check.
func (t Tier) Rank() int {
	rank, ok := tierRanks[t]
	if !ok {
		return -1
	}
	return rank
}

// AtLeast reports whether t is min or a higher tier.
func (t Tier) AtLeast(min Tier) bool {
	if !t.Known() || !min.Known() {
		return false
	}
	return t.Rank() >= min.Rank()
}

// ParseTier parses a tier name, case-insensitively.
func ParseTier(s string) (Tier, error) {
	t := Tier(strings.ToLower(strings.TrimSpace(s)))
	if !t.Known() {
		return "", fmt.Errorf("unknown tier %q", s)
	}
	return t, nil
}

// DisplayName returns a human-readable name for the tier.
func (t Tier) DisplayName() string {
	switch t {
	case TierCommunity:
		return "Community"
	case TierPersonal:
		return "Personal"
	case TierTeam:
		return "Team"
	case TierEnterprise:
		return "Enterprise"
	default:
		return "Unknown"
	}
}

// AccessLevel represents the strength at which a capability is granted.
type AccessLevel string

const (
	AccessBlocked   AccessLevel = "blocked"
	AccessBasic     AccessLevel = "basic"
	AccessStandard  AccessLevel = "standard"
	AccessAdvanced  AccessLevel = "advanced"
	AccessUnlimited AccessLevel = "unlimited"
)

var accessRanks = map[AccessLevel]int{
	AccessBlocked:   0,
	AccessBasic:     1,
	AccessStandard:  2,
	AccessAdvanced:  3,
	AccessUnlimited: 4,
}

// Known reports whether l is one of the defined access levels.
func (l AccessLevel) Known() bool {
	_, ok := accessRanks[l]
	return ok
}

// Rank returns the position of l in the level ordering, or -1 for an
// unknown level.
func (l AccessLevel) Rank() int {
	rank, ok := accessRanks[l]
	if !ok {
		return -1
	}
	return rank
}

// Allows reports whether l grants access at all (strictly above Blocked).
func (l AccessLevel) Allows() bool {
	return l.Rank() > accessRanks[AccessBlocked]
}

// AtLeast reports whether l is min or a stronger level.
func (l AccessLevel) AtLeast(min AccessLevel) bool {
	if !l.Known() || !min.Known() {
		return false
	}
	return l.Rank() >= min.Rank()
}

// ParseAccessLevel parses an access-level name, case-insensitively.
func ParseAccessLevel(s string) (AccessLevel, error) {
	l := AccessLevel(strings.ToLower(strings.TrimSpace(s)))
	if !l.Known() {
		return "", fmt.Errorf("unknown access level %q", s)
	}
	return l, nil
}

// Family partitions capabilities by quota and matrix semantics.
type Family string

const (
	FamilyComponent Family = "component"
	FamilyWorkflow  Family = "workflow"
	FamilyModel     Family = "model"
	FamilyPlatform  Family = "platform"
)

// AllFamilies lists every known capability family.
var AllFamilies = []Family{FamilyComponent, FamilyWorkflow, FamilyModel, FamilyPlatform}

// Known reports whether f is one of the defined families.
func (f Family) Known() bool {
	switch f {
	case FamilyComponent, FamilyWorkflow, FamilyModel, FamilyPlatform:
		return true
	}
	return false
}

// ParseFamily parses a capability family name.
func ParseFamily(s string) (Family, error) {
	f := Family(strings.ToLower(strings.TrimSpace(s)))
	if !f.Known() {
		return "", fmt.Errorf("unknown capability family %q", s)
	}
	return f, nil
}

// Capability names a single gated resource: a component, workflow,
// AI model class, or deployment platform.
type Capability struct {
	Family Family `json:"family"`
	Name   string `json:"name"`
}

// String returns the canonical "family/name" form.
func (c Capability) String() string {
	return string(c.Family) + "/" + c.Name
}

// ParseCapability parses the canonical "family/name" form.
func ParseCapability(s string) (Capability, error) {
	idx := strings.IndexByte(s, '/')
	if idx <= 0 || idx == len(s)-1 {
		return Capability{}, fmt.Errorf("capability %q is not in family/name form", s)
	}
	family, err := ParseFamily(s[:idx])
	if err != nil {
		return Capability{}, err
	}
	return Capability{Family: family, Name: s[idx+1:]}, nil
}
