// Package risk scores prospective operations and manages the human
// confirmation lifecycle for operations that cross the risk threshold.
package risk

import (
	"sync"

	"github.com/entitlegate/entitlegate/internal/tier"
)

// DefaultThreshold is the score at or above which an operation must
// pause for human confirmation.
const DefaultThreshold = 0.7

// Factor weights. An assessment sums the weights of the factors that
// apply and clamps to 1.0.
const (
	weightQuotaCritical   = 0.5  // remaining ratio below 10%
	weightQuotaLow        = 0.25 // remaining ratio below 25%
	weightIrreversible    = 0.4
	weightFirstOccurrence = 0.2
)

const (
	FactorQuotaNearlyExhausted = "quota_nearly_exhausted"
	FactorQuotaLow             = "quota_low"
	FactorIrreversible         = "irreversible_operation"
	FactorFirstOccurrence      = "first_occurrence"
)

// OperationMeta carries the capability metadata the scorer consults.
type OperationMeta struct {
	// Irreversible marks operations whose effects cannot be undone
	// (deletes, deploys, destructive workflow steps).
	Irreversible bool
	// OperationType groups operations for the first-occurrence
	// heuristic, e.g. "workflow/deploy".
	OperationType string
}

// Assessment is the scoring outcome for a single request. Produced
// fresh per request and never persisted here.
type Assessment struct {
	Score                float64  `json:"score"`
	Factors              []string `json:"factors,omitempty"`
	RequiresConfirmation bool     `json:"requires_confirmation"`
}

// Assessor computes risk scores. It remembers which operation types
// each subject has successfully executed so the first-occurrence
// factor only fires once per (subject, operation type).
type Assessor struct {
	threshold float64

	mu       sync.RWMutex
	executed map[historyKey]struct{}
}

type historyKey struct {
	SubjectID     string
	OperationType string
}

// NewAssessor creates an assessor. A non-positive threshold selects
// DefaultThreshold.
func NewAssessor(threshold float64) *Assessor {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	return &Assessor{
		threshold: threshold,
		executed:  make(map[historyKey]struct{}),
	}
}

// Assess scores an operation for the subject on a 0.0-1.0 scale.
// quotaRemainingRatio is the fraction of the relevant quota budget
// still unspent (1.0 for unlimited budgets).
func (a *Assessor) Assess(subjectID string, _ tier.Capability, quotaRemainingRatio float64, meta OperationMeta) Assessment {
	var assessment Assessment

	switch {
	case quotaRemainingRatio < 0.1:
		assessment.Score += weightQuotaCritical
		assessment.Factors = append(assessment.Factors, FactorQuotaNearlyExhausted)
	case quotaRemainingRatio < 0.25:
		assessment.Score += weightQuotaLow
		assessment.Factors = append(assessment.Factors, FactorQuotaLow)
	}

	if meta.Irreversible {
		assessment.Score += weightIrreversible
		assessment.Factors = append(assessment.Factors, FactorIrreversible)
	}

	if meta.OperationType != "" && !a.hasExecuted(subjectID, meta.OperationType) {
		assessment.Score += weightFirstOccurrence
		assessment.Factors = append(assessment.Factors, FactorFirstOccurrence)
	}

	if assessment.Score > 1.0 {
		assessment.Score = 1.0
	}
	assessment.RequiresConfirmation = assessment.Score >= a.threshold

	return assessment
}

// MarkExecuted records a successful execution of an operation type for
// the subject, retiring the first-occurrence factor for that pair.
func (a *Assessor) MarkExecuted(subjectID, operationType string) {
	if operationType == "" {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.executed[historyKey{SubjectID: subjectID, OperationType: operationType}] = struct{}{}
}

func (a *Assessor) hasExecuted(subjectID, operationType string) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	_, ok := a.executed[historyKey{SubjectID: subjectID, OperationType: operationType}]
	return ok
}
