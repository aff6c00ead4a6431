package quota

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	snapshotFile  = "quota_counters.json"
	saveDebounce  = 5 * time.Second
	snapshotPerms = 0o600
)

// counterSnapshot is the persisted form of one live counter.
type counterSnapshot struct {
	SubjectID   string `json:"subjectId"`
	Resource    string `json:"resource"`
	PeriodStart int64  `json:"periodStart"`
	Period      Period `json:"period"`
	Limit       int64  `json:"limit"`
	Consumed    int64  `json:"consumed"`
}

// persister debounces snapshot writes: at most one write per
// saveDebounce window, with an immediate flush available for shutdown.
type persister struct {
	mu          sync.Mutex
	path        string
	saveTimer   *time.Timer
	savePending bool
}

func newPersister(dataDir string) (*persister, error) {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("create quota data dir: %w", err)
	}
	return &persister{path: filepath.Join(dataDir, snapshotFile)}, nil
}

func (p *persister) scheduleSave(snapshot func() []counterSnapshot) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.savePending {
		return
	}
	p.savePending = true
	p.saveTimer = time.AfterFunc(saveDebounce, func() {
		p.mu.Lock()
		p.savePending = false
		p.mu.Unlock()
		p.write(snapshot())
	})
}

func (p *persister) flush(snapshot func() []counterSnapshot) {
	p.mu.Lock()
	if p.saveTimer != nil {
		p.saveTimer.Stop()
	}
	p.savePending = false
	p.mu.Unlock()
	p.write(snapshot())
}

func (p *persister) write(entries []counterSnapshot) {
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		log.Error().Err(err).Msg("Failed to encode quota snapshot")
		return
	}
	if err := os.WriteFile(p.path, data, snapshotPerms); err != nil {
		log.Error().Err(err).Str("path", p.path).Msg("Failed to save quota snapshot")
	}
}

func (p *persister) load() []counterSnapshot {
	data, err := os.ReadFile(p.path)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Warn().Err(err).Str("path", p.path).Msg("Failed to load quota snapshot, starting fresh")
		}
		return nil
	}
	var entries []counterSnapshot
	if err := json.Unmarshal(data, &entries); err != nil {
		log.Warn().Err(err).Str("path", p.path).Msg("Corrupt quota snapshot, starting fresh")
		return nil
	}
	return entries
}

// snapshot collects every live counter across shards.
func (t *Tracker) snapshot() []counterSnapshot {
	var entries []counterSnapshot
	for _, s := range t.shards {
		s.mu.Lock()
		for key, c := range s.counters {
			entries = append(entries, counterSnapshot{
				SubjectID:   key.SubjectID,
				Resource:    key.Resource,
				PeriodStart: key.PeriodStart,
				Period:      c.period,
				Limit:       c.limit,
				Consumed:    c.consumed,
			})
		}
		s.mu.Unlock()
	}
	return entries
}

// restore loads counters from the snapshot, keeping only windows that
// are still current. Consumption is never carried across a period
// boundary.
func (t *Tracker) restore() {
	entries := t.persister.load()
	if len(entries) == 0 {
		return
	}
	now := t.now()
	restored := 0
	for _, e := range entries {
		if e.Period != PeriodDaily && e.Period != PeriodMonthly {
			continue
		}
		if e.Period.Start(now).Unix() != e.PeriodStart {
			continue // stale window
		}
		key := counterKey{SubjectID: e.SubjectID, Resource: e.Resource, PeriodStart: e.PeriodStart}
		s := t.shardFor(key)
		s.mu.Lock()
		s.counters[key] = &counter{consumed: e.Consumed, limit: e.Limit, period: e.Period}
		s.mu.Unlock()
		restored++
	}
	log.Info().Int("restored", restored).Int("total", len(entries)).Msg("Restored quota counters from snapshot")
}
