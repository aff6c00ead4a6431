package entitlement

import (
	"fmt"
	"sync/atomic"

	"github.com/rs/zerolog/log"
)

// Store publishes the active matrix snapshot. Readers load the pointer
// atomically and never take a lock; Reload swaps in a replacement only
// after it validated, so lookups cannot observe a partial table.
type Store struct {
	active atomic.Pointer[Matrix]
}

// NewStore creates a store with the given initial snapshot.
func NewStore(initial *Matrix) (*Store, error) {
	if initial == nil {
		return nil, fmt.Errorf("initial matrix is required")
	}
	s := &Store{}
	s.active.Store(initial)
	return s, nil
}

// Current returns the active snapshot.
func (s *Store) Current() *Matrix {
	return s.active.Load()
}

// Reload atomically replaces the active snapshot. NewMatrix already
// validated next, so the only rejection here is a nil replacement; the
// prior snapshot stays active on failure.
func (s *Store) Reload(next *Matrix) error {
	if next == nil {
		return fmt.Errorf("replacement matrix is nil, keeping active snapshot")
	}
	prev := s.active.Swap(next)
	log.Info().
		Str("previous_version", prev.Version()).
		Str("version", next.Version()).
		Int("capabilities", len(next.capabilities)).
		Msg("Entitlement matrix snapshot published")
	return nil
}

// ReloadFromFile parses and validates the file at path, then swaps it
// in. A file that fails to parse or validate is rejected and the prior
// snapshot remains active.
func (s *Store) ReloadFromFile(path string) error {
	next, err := LoadFile(path)
	if err != nil {
		log.Warn().Err(err).Str("path", path).Msg("Rejected invalid entitlement matrix, keeping active snapshot")
		return fmt.Errorf("reload entitlement matrix: %w", err)
	}
	return s.Reload(next)
}
