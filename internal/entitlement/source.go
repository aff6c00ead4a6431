package entitlement

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/entitlegate/entitlegate/internal/tier"
)

// fileFormat is the declarative matrix source. Capabilities are listed
// in family/name form; grants key (tier, family, name) to a level, with
// name "*" as the family default.
//
//	{
//	  "version": "2026-05",
//	  "capabilities": ["workflow/advanced-workflow", "model/frontier"],
//	  "grants": [
//	    {"tier": "community", "family": "workflow", "name": "*", "level": "basic"},
//	    {"tier": "community", "family": "workflow", "name": "advanced-workflow", "level": "blocked"}
//	  ]
//	}
type fileFormat struct {
	Version      string      `json:"version"`
	Capabilities []string    `json:"capabilities"`
	Grants       []fileGrant `json:"grants"`
}

type fileGrant struct {
	Tier   string `json:"tier"`
	Family string `json:"family"`
	Name   string `json:"name"`
	Level  string `json:"level"`
}

// LoadFile parses and fully validates a matrix source file. The caller
// only publishes the result after this returns without error.
func LoadFile(path string) (*Matrix, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read entitlement matrix: %w", err)
	}
	return Parse(data)
}

// Parse builds a validated matrix from JSON source bytes.
func Parse(data []byte) (*Matrix, error) {
	var raw fileFormat
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse entitlement matrix: %w", err)
	}
	if strings.TrimSpace(raw.Version) == "" {
		return nil, fmt.Errorf("entitlement matrix has no version")
	}

	capabilities := make([]tier.Capability, 0, len(raw.Capabilities))
	for _, name := range raw.Capabilities {
		cap, err := tier.ParseCapability(name)
		if err != nil {
			return nil, fmt.Errorf("entitlement matrix: %w", err)
		}
		capabilities = append(capabilities, cap)
	}

	grants := make([]Grant, 0, len(raw.Grants))
	for i, rg := range raw.Grants {
		t, err := tier.ParseTier(rg.Tier)
		if err != nil {
			return nil, fmt.Errorf("grant %d: %w", i, err)
		}
		family, err := tier.ParseFamily(rg.Family)
		if err != nil {
			return nil, fmt.Errorf("grant %d: %w", i, err)
		}
		level, err := tier.ParseAccessLevel(rg.Level)
		if err != nil {
			return nil, fmt.Errorf("grant %d: %w", i, err)
		}
		grants = append(grants, Grant{Tier: t, Family: family, Name: rg.Name, Level: level})
	}

	return NewMatrix(raw.Version, capabilities, grants)
}
