package risk

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	apperrors "github.com/entitlegate/entitlegate/internal/errors"
	"github.com/entitlegate/entitlegate/internal/tier"
	"github.com/stretchr/testify/require"
)

func mustCapability(t *testing.T, s string) tier.Capability {
	t.Helper()
	cap, err := tier.ParseCapability(s)
	require.NoError(t, err)
	return cap
}

func TestAssessIrreversibleWithNearlyExhaustedQuota(t *testing.T) {
	a := NewAssessor(0)
	a.MarkExecuted("sub-1", "workflow/deploy")

	got := a.Assess("sub-1", mustCapability(t, "workflow/deploy"), 0.05, OperationMeta{
		Irreversible:  true,
		OperationType: "workflow/deploy",
	})

	require.InDelta(t, 0.9, got.Score, 1e-9)
	require.True(t, got.RequiresConfirmation)
	require.Contains(t, got.Factors, FactorQuotaNearlyExhausted)
	require.Contains(t, got.Factors, FactorIrreversible)
	require.NotContains(t, got.Factors, FactorFirstOccurrence)
}

func TestAssessLowRiskNeedsNoConfirmation(t *testing.T) {
	a := NewAssessor(0)
	a.MarkExecuted("sub-1", "model/chat")

	got := a.Assess("sub-1", mustCapability(t, "model/chat"), 0.8, OperationMeta{
		OperationType: "model/chat",
	})

	require.Zero(t, got.Score)
	require.False(t, got.RequiresConfirmation)
	require.Empty(t, got.Factors)
}

func TestAssessFactorWeights(t *testing.T) {
	cases := []struct {
		name      string
		ratio     float64
		meta      OperationMeta
		executed  bool
		wantScore float64
		wantConf  bool
	}{
		{"quota low only", 0.2, OperationMeta{OperationType: "x"}, true, 0.25, false},
		{"quota critical only", 0.05, OperationMeta{OperationType: "x"}, true, 0.5, false},
		{"irreversible only", 1.0, OperationMeta{Irreversible: true, OperationType: "x"}, true, 0.4, false},
		{"first occurrence only", 1.0, OperationMeta{OperationType: "x"}, false, 0.2, false},
		{"critical plus first occurrence", 0.05, OperationMeta{OperationType: "x"}, false, 0.7, true},
		{"all factors clamp to one", 0.05, OperationMeta{Irreversible: true, OperationType: "x"}, false, 1.0, true},
		{"boundary ratio not critical", 0.1, OperationMeta{OperationType: "x"}, true, 0.25, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			a := NewAssessor(0)
			if tc.executed {
				a.MarkExecuted("sub-1", tc.meta.OperationType)
			}
			got := a.Assess("sub-1", mustCapability(t, "workflow/run"), tc.ratio, tc.meta)
			require.InDelta(t, tc.wantScore, got.Score, 1e-9)
			require.Equal(t, tc.wantConf, got.RequiresConfirmation)
		})
	}
}

func TestFirstOccurrenceRetiresAfterMarkExecuted(t *testing.T) {
	a := NewAssessor(0)

	first := a.Assess("sub-1", mustCapability(t, "workflow/run"), 1.0, OperationMeta{OperationType: "workflow/run"})
	require.Contains(t, first.Factors, FactorFirstOccurrence)

	a.MarkExecuted("sub-1", "workflow/run")

	second := a.Assess("sub-1", mustCapability(t, "workflow/run"), 1.0, OperationMeta{OperationType: "workflow/run"})
	require.NotContains(t, second.Factors, FactorFirstOccurrence)

	// History is per subject.
	other := a.Assess("sub-2", mustCapability(t, "workflow/run"), 1.0, OperationMeta{OperationType: "workflow/run"})
	require.Contains(t, other.Factors, FactorFirstOccurrence)
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(StoreConfig{DisablePersistence: true})
	require.NoError(t, err)
	return s
}

func TestEscalationConfirmAndConsume(t *testing.T) {
	s := newTestStore(t)

	esc := &Escalation{
		SubjectID:  "sub-1",
		Capability: "workflow/deploy",
		Score:      0.9,
		Factors:    []string{FactorIrreversible, FactorQuotaNearlyExhausted},
	}
	require.NoError(t, s.Create(esc))
	require.NotEmpty(t, esc.ID)
	require.Equal(t, StatusPending, esc.Status)

	_, err := s.Consume(esc.ID, "sub-1", "workflow/deploy")
	require.Error(t, err, "pending escalation must not release execution")

	confirmed, err := s.Confirm(esc.ID, "operator")
	require.NoError(t, err)
	require.Equal(t, StatusConfirmed, confirmed.Status)
	require.Equal(t, "operator", confirmed.DecidedBy)

	// Idempotent confirm.
	_, err = s.Confirm(esc.ID, "operator")
	require.NoError(t, err)

	spent, err := s.Consume(esc.ID, "sub-1", "workflow/deploy")
	require.NoError(t, err)
	require.True(t, spent.Consumed)

	// Single-use: a second operation needs a fresh escalation.
	_, err = s.Consume(esc.ID, "sub-1", "workflow/deploy")
	require.Error(t, err)
	require.Contains(t, err.Error(), "already been consumed")
}

func TestEscalationConsumeSubjectMismatch(t *testing.T) {
	s := newTestStore(t)

	esc := &Escalation{SubjectID: "sub-1", Capability: "workflow/deploy"}
	require.NoError(t, s.Create(esc))
	_, err := s.Confirm(esc.ID, "operator")
	require.NoError(t, err)

	_, err = s.Consume(esc.ID, "sub-2", "workflow/deploy")
	require.Error(t, err)
	_, err = s.Consume(esc.ID, "sub-1", "model/chat")
	require.Error(t, err)

	// The escalation is still spendable by the rightful pair.
	_, err = s.Consume(esc.ID, "sub-1", "workflow/deploy")
	require.NoError(t, err)
}

func TestEscalationTimeout(t *testing.T) {
	s := newTestStore(t)
	base := time.Date(2025, 5, 10, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return base }

	esc := &Escalation{SubjectID: "sub-1", Capability: "workflow/deploy"}
	require.NoError(t, s.Create(esc))
	require.Equal(t, base.Add(5*time.Minute), esc.ExpiresAt)

	// Past the deadline the escalation reads as timed out and cannot
	// be confirmed or consumed.
	s.now = func() time.Time { return base.Add(6 * time.Minute) }

	got, ok := s.Get(esc.ID)
	require.True(t, ok)
	require.Equal(t, StatusTimedOut, got.Status)

	_, err := s.Confirm(esc.ID, "operator")
	require.Error(t, err)
	require.ErrorIs(t, err, apperrors.ErrRiskTimedOut)

	_, err = s.Consume(esc.ID, "sub-1", "workflow/deploy")
	require.Error(t, err)
}

func TestRejectIsTerminal(t *testing.T) {
	s := newTestStore(t)

	esc := &Escalation{SubjectID: "sub-1", Capability: "workflow/deploy"}
	require.NoError(t, s.Create(esc))

	rejected, err := s.Reject(esc.ID, "operator", "too close to quota limit")
	require.NoError(t, err)
	require.Equal(t, StatusRejected, rejected.Status)
	require.Equal(t, "too close to quota limit", rejected.RejectReason)

	_, err = s.Confirm(esc.ID, "operator")
	require.Error(t, err)
	_, err = s.Consume(esc.ID, "sub-1", "workflow/deploy")
	require.Error(t, err)
}

func TestCleanupExpiredTransitionsAndPrunes(t *testing.T) {
	s := newTestStore(t)
	base := time.Date(2025, 5, 10, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return base }

	stale := &Escalation{SubjectID: "sub-1", Capability: "workflow/deploy"}
	require.NoError(t, s.Create(stale))

	fresh := &Escalation{
		SubjectID:  "sub-2",
		Capability: "workflow/deploy",
		ExpiresAt:  base.Add(time.Hour),
	}
	require.NoError(t, s.Create(fresh))

	s.now = func() time.Time { return base.Add(10 * time.Minute) }
	cleaned := s.CleanupExpired()
	require.Equal(t, 1, cleaned)

	got, _ := s.Get(stale.ID)
	require.Equal(t, StatusTimedOut, got.Status)
	got, _ = s.Get(fresh.ID)
	require.Equal(t, StatusPending, got.Status)

	// Decided records older than 24h are dropped entirely.
	_, err := s.Reject(fresh.ID, "operator", "no")
	require.NoError(t, err)
	s.now = func() time.Time { return base.Add(48 * time.Hour) }
	s.CleanupExpired()
	_, ok := s.Get(fresh.ID)
	require.False(t, ok)
}

func TestMaxPendingEscalations(t *testing.T) {
	s, err := NewStore(StoreConfig{DisablePersistence: true, MaxPending: 2})
	require.NoError(t, err)

	require.NoError(t, s.Create(&Escalation{SubjectID: "a", Capability: "x/y"}))
	require.NoError(t, s.Create(&Escalation{SubjectID: "b", Capability: "x/y"}))
	err = s.Create(&Escalation{SubjectID: "c", Capability: "x/y"})
	require.Error(t, err)
	require.Contains(t, err.Error(), "maximum pending escalations")
}

func TestStorePersistenceRoundTrip(t *testing.T) {
	dir := t.TempDir()

	s, err := NewStore(StoreConfig{DataDir: dir})
	require.NoError(t, err)

	esc := &Escalation{SubjectID: "sub-1", Capability: "workflow/deploy", Score: 0.9}
	require.NoError(t, s.Create(esc))
	_, err = s.Confirm(esc.ID, "operator")
	require.NoError(t, err)
	s.Flush()

	data, err := os.ReadFile(filepath.Join(dir, "risk_escalations.json"))
	require.NoError(t, err)
	var onDisk []*Escalation
	require.NoError(t, json.Unmarshal(data, &onDisk))
	require.Len(t, onDisk, 1)

	reloaded, err := NewStore(StoreConfig{DataDir: dir})
	require.NoError(t, err)
	got, ok := reloaded.Get(esc.ID)
	require.True(t, ok)
	require.Equal(t, StatusConfirmed, got.Status)
	require.Equal(t, "operator", got.DecidedBy)
}
