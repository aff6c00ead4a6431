package provider

import (
	"encoding/json"
	"fmt"
	"os"
)

type fileFormat struct {
	Providers []Config `json:"providers"`
	Avoid     []string `json:"avoid,omitempty"`
}

// LoadFile reads a provider routing document from disk and builds a
// router from it.
func LoadFile(path string) (*Router, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read provider config: %w", err)
	}
	return Parse(data)
}

// Parse builds a router from a JSON routing document. The document
// carries the provider list plus an optional global avoid list for
// deprecated backends.
func Parse(data []byte) (*Router, error) {
	var f fileFormat
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse provider config: %w", err)
	}
	router, err := NewRouter(f.Providers, f.Avoid)
	if err != nil {
		return nil, fmt.Errorf("invalid provider config: %w", err)
	}
	return router, nil
}
