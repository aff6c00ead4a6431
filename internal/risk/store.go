package risk

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	apperrors "github.com/entitlegate/entitlegate/internal/errors"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Status is the state of an escalation.
type Status string

const (
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
	StatusRejected  Status = "rejected"
	StatusTimedOut  Status = "timed_out"
)

// Escalation is an operation paused for human confirmation. TimedOut
// and Rejected are both terminal and mean the operation does not
// execute; Confirmed releases it to execute exactly once.
type Escalation struct {
	ID            string     `json:"id"`
	SubjectID     string     `json:"subjectId"`
	Capability    string     `json:"capability"`
	OperationType string     `json:"operationType,omitempty"`
	Score         float64    `json:"score"`
	Factors       []string   `json:"factors,omitempty"`
	Status        Status     `json:"status"`
	RequestedAt   time.Time  `json:"requestedAt"`
	ExpiresAt     time.Time  `json:"expiresAt"`
	DecidedAt     *time.Time `json:"decidedAt,omitempty"`
	DecidedBy     string     `json:"decidedBy,omitempty"`
	RejectReason  string     `json:"rejectReason,omitempty"`
	// Consumed marks a confirmed escalation as spent. A second
	// operation needs a fresh escalation.
	Consumed bool `json:"consumed,omitempty"`
}

// Store manages escalation lifecycle and persistence.
type Store struct {
	mu             sync.RWMutex
	escalations    map[string]*Escalation
	dataDir        string
	defaultTimeout time.Duration
	maxPending     int
	persist        bool
	saveTimer      *time.Timer
	savePending    bool
	now            func() time.Time
}

// StoreConfig configures the escalation store.
type StoreConfig struct {
	DataDir        string
	DefaultTimeout time.Duration // default 5 minutes
	MaxPending     int           // default 100
	// DisablePersistence skips load/save for in-memory use (tests,
	// ephemeral flows).
	DisablePersistence bool
}

// NewStore creates an escalation store.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.DataDir == "" && !cfg.DisablePersistence {
		return nil, fmt.Errorf("data directory is required")
	}
	if cfg.DefaultTimeout == 0 {
		cfg.DefaultTimeout = 5 * time.Minute
	}
	if cfg.MaxPending == 0 {
		cfg.MaxPending = 100
	}

	s := &Store{
		escalations:    make(map[string]*Escalation),
		dataDir:        cfg.DataDir,
		defaultTimeout: cfg.DefaultTimeout,
		maxPending:     cfg.MaxPending,
		persist:        !cfg.DisablePersistence,
		now:            time.Now,
	}

	if s.persist {
		if err := s.load(); err != nil {
			log.Warn().Err(err).Msg("Failed to load escalation data, starting fresh")
		}
	}

	// Call StartCleanup(ctx) after creating the store to begin the
	// cleanup goroutine.

	return s, nil
}

// Create records a new pending escalation and returns it.
func (s *Store) Create(esc *Escalation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	pendingCount := 0
	for _, e := range s.escalations {
		if e.Status == StatusPending {
			pendingCount++
		}
	}
	if pendingCount >= s.maxPending {
		return fmt.Errorf("maximum pending escalations (%d) reached", s.maxPending)
	}

	if esc.ID == "" {
		esc.ID = uuid.New().String()
	}
	esc.Status = StatusPending
	esc.RequestedAt = s.now()
	if esc.ExpiresAt.IsZero() {
		esc.ExpiresAt = esc.RequestedAt.Add(s.defaultTimeout)
	}

	s.escalations[esc.ID] = esc
	s.scheduleSave()

	log.Info().
		Str("id", esc.ID).
		Str("subject_id", esc.SubjectID).
		Str("capability", esc.Capability).
		Float64("score", esc.Score).
		Msg("Created risk escalation")

	return nil
}

// Get returns an escalation by ID. A pending escalation past its
// deadline is reported as timed out without mutating stored state;
// cleanup makes the transition durable.
func (s *Store) Get(id string) (*Escalation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	esc, ok := s.escalations[id]
	if !ok {
		return nil, false
	}

	if esc.Status == StatusPending && s.now().After(esc.ExpiresAt) {
		escCopy := *esc
		escCopy.Status = StatusTimedOut
		return &escCopy, true
	}

	return esc, true
}

// Pending returns all pending escalations that have not yet expired.
func (s *Store) Pending() []*Escalation {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := s.now()
	var pending []*Escalation
	for _, esc := range s.escalations {
		if esc.Status == StatusPending && now.Before(esc.ExpiresAt) {
			pending = append(pending, esc)
		}
	}
	return pending
}

// Confirm marks a pending escalation as confirmed by a human.
// Idempotent for already-confirmed escalations.
func (s *Store) Confirm(id, decidedBy string) (*Escalation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	esc, ok := s.escalations[id]
	if !ok {
		return nil, fmt.Errorf("escalation not found: %s", id)
	}

	if esc.Status == StatusConfirmed {
		return esc, nil
	}
	if esc.Status != StatusPending {
		return nil, fmt.Errorf("escalation is not pending (status: %s)", esc.Status)
	}
	if s.now().After(esc.ExpiresAt) {
		esc.Status = StatusTimedOut
		s.scheduleSave()
		return nil, apperrors.New(apperrors.TypeRiskTimedOut, "confirm_escalation", nil).
			WithSubject(esc.SubjectID, "").
			WithDetail("escalation %s expired at %s", id, esc.ExpiresAt.Format(time.RFC3339))
	}

	now := s.now()
	esc.Status = StatusConfirmed
	esc.DecidedAt = &now
	esc.DecidedBy = decidedBy
	s.scheduleSave()

	log.Info().
		Str("id", id).
		Str("by", decidedBy).
		Msg("Risk escalation confirmed")

	return esc, nil
}

// Reject marks a pending escalation as rejected.
func (s *Store) Reject(id, decidedBy, reason string) (*Escalation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	esc, ok := s.escalations[id]
	if !ok {
		return nil, fmt.Errorf("escalation not found: %s", id)
	}
	if esc.Status != StatusPending {
		return nil, fmt.Errorf("escalation is not pending (status: %s)", esc.Status)
	}

	now := s.now()
	esc.Status = StatusRejected
	esc.DecidedAt = &now
	esc.DecidedBy = decidedBy
	esc.RejectReason = reason
	s.scheduleSave()

	log.Info().
		Str("id", id).
		Str("by", decidedBy).
		Str("reason", reason).
		Msg("Risk escalation rejected")

	return esc, nil
}

// Consume validates and spends a confirmed escalation for execution.
// Single-use: a consumed escalation cannot release a second operation.
// The subject and capability must match the ones the escalation was
// created for.
func (s *Store) Consume(id, subjectID, capability string) (*Escalation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	esc, ok := s.escalations[id]
	if !ok {
		return nil, fmt.Errorf("escalation not found: %s", id)
	}

	if esc.Status == StatusPending && s.now().After(esc.ExpiresAt) {
		esc.Status = StatusTimedOut
		s.scheduleSave()
		return nil, apperrors.New(apperrors.TypeRiskTimedOut, "consume_escalation", nil).
			WithSubject(subjectID, "").
			WithDetail("escalation %s expired at %s", id, esc.ExpiresAt.Format(time.RFC3339))
	}
	if esc.Status != StatusConfirmed {
		return nil, fmt.Errorf("escalation is not confirmed (status: %s)", esc.Status)
	}
	if esc.Consumed {
		return nil, fmt.Errorf("escalation %s has already been consumed", id)
	}
	if esc.SubjectID != subjectID || esc.Capability != capability {
		log.Warn().
			Str("id", id).
			Str("subject_id", subjectID).
			Str("capability", capability).
			Msg("Escalation consume mismatch, possible replay")
		return nil, fmt.Errorf("escalation %s was issued for a different subject or capability", id)
	}

	esc.Consumed = true
	s.scheduleSave()

	log.Info().
		Str("id", id).
		Str("subject_id", subjectID).
		Msg("Risk escalation consumed")

	return esc, nil
}

// CleanupExpired transitions expired pending escalations to timed out
// and drops decided escalations older than 24 hours. Returns the
// number of records touched.
func (s *Store) CleanupExpired() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	cleaned := 0

	for _, esc := range s.escalations {
		if esc.Status == StatusPending && now.After(esc.ExpiresAt) {
			esc.Status = StatusTimedOut
			cleaned++
		}
	}

	cutoff := now.Add(-24 * time.Hour)
	for id, esc := range s.escalations {
		switch {
		case esc.Status == StatusPending:
		case esc.DecidedAt != nil && esc.DecidedAt.Before(cutoff):
			delete(s.escalations, id)
			cleaned++
		case esc.Status == StatusTimedOut && esc.ExpiresAt.Before(cutoff):
			delete(s.escalations, id)
			cleaned++
		}
	}

	if cleaned > 0 {
		s.scheduleSave()
	}
	return cleaned
}

// Stats returns escalation counts by status.
func (s *Store) Stats() map[string]int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := map[string]int{
		"pending":   0,
		"confirmed": 0,
		"rejected":  0,
		"timed_out": 0,
	}
	for _, esc := range s.escalations {
		stats[string(esc.Status)]++
	}
	return stats
}

// StartCleanup begins periodic cleanup of expired escalations. Call
// with a context that cancels on shutdown.
func (s *Store) StartCleanup(ctx context.Context) {
	go s.cleanupLoop(ctx)
}

func (s *Store) cleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Debug().Msg("Escalation cleanup loop stopped")
			return
		case <-ticker.C:
			if cleaned := s.CleanupExpired(); cleaned > 0 {
				log.Debug().Int("count", cleaned).Msg("Cleaned up expired escalations")
			}
		}
	}
}

// Persistence

func (s *Store) escalationsFile() string {
	return filepath.Join(s.dataDir, "risk_escalations.json")
}

func (s *Store) load() error {
	data, err := os.ReadFile(s.escalationsFile())
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	var escalations []*Escalation
	if err := json.Unmarshal(data, &escalations); err != nil {
		return err
	}
	for _, esc := range escalations {
		s.escalations[esc.ID] = esc
	}
	return nil
}

// scheduleSave debounces persistence: at most one write per 5 seconds.
// Must be called while s.mu is held.
func (s *Store) scheduleSave() {
	if !s.persist || s.savePending {
		return
	}
	s.savePending = true
	s.saveTimer = time.AfterFunc(5*time.Second, func() {
		s.mu.RLock()
		s.savePending = false
		escalations := make([]*Escalation, 0, len(s.escalations))
		for _, esc := range s.escalations {
			escalations = append(escalations, esc)
		}
		s.mu.RUnlock()

		s.write(escalations)
	})
}

// Flush triggers an immediate save, cancelling any pending debounced
// save. Intended for shutdown paths.
func (s *Store) Flush() {
	if !s.persist {
		return
	}
	s.mu.Lock()
	if s.saveTimer != nil {
		s.saveTimer.Stop()
	}
	s.savePending = false
	escalations := make([]*Escalation, 0, len(s.escalations))
	for _, esc := range s.escalations {
		escalations = append(escalations, esc)
	}
	s.mu.Unlock()

	s.write(escalations)
}

func (s *Store) write(escalations []*Escalation) {
	data, err := json.MarshalIndent(escalations, "", "  ")
	if err != nil {
		log.Error().Err(err).Msg("Failed to encode escalations")
		return
	}
	if err := os.WriteFile(s.escalationsFile(), data, 0o600); err != nil {
		log.Error().Err(err).Msg("Failed to save escalations")
	}
}
