// Package gate composes license verification, entitlement resolution,
// quota accounting, provider routing and risk escalation into a single
// sequential allow/deny pipeline.
package gate

import (
	"context"
	"errors"

	"github.com/entitlegate/entitlegate/internal/entitlement"
	apperrors "github.com/entitlegate/entitlegate/internal/errors"
	"github.com/entitlegate/entitlegate/internal/license"
	"github.com/entitlegate/entitlegate/internal/metrics"
	"github.com/entitlegate/entitlegate/internal/provider"
	"github.com/entitlegate/entitlegate/internal/quota"
	"github.com/entitlegate/entitlegate/internal/risk"
	"github.com/entitlegate/entitlegate/internal/tier"
	"github.com/rs/zerolog/log"
)

// resourceForFamily maps a capability family to the quota resource it
// debits.
var resourceForFamily = map[tier.Family]string{
	tier.FamilyModel:     "model-tokens",
	tier.FamilyWorkflow:  "workflow-runs",
	tier.FamilyComponent: "component-invocations",
	tier.FamilyPlatform:  "deploy-operations",
}

// Request is one gate check: who (token), what (capability), and how
// much (amount of the family's quota resource).
type Request struct {
	Token      string
	Capability tier.Capability
	Amount     int64
	// Avoid lists provider names this request must not be routed to,
	// on top of the globally avoided set.
	Avoid []string
	// Irreversible marks the underlying operation as not undoable.
	Irreversible bool
	// OperationType groups operations for the first-occurrence risk
	// heuristic. Empty skips that factor.
	OperationType string
	// EscalationID resubmits a previously escalated operation with a
	// confirmed escalation to consume.
	EscalationID string
}

// Decision is the pipeline outcome for an allowed (or escalated)
// request.
type Decision struct {
	SubjectID string           `json:"subject_id"`
	Tier      tier.Tier        `json:"tier"`
	Level     tier.AccessLevel `json:"level"`
	Degraded  bool             `json:"degraded,omitempty"`

	// Routing is set for model-family capabilities. A resubmission
	// carries no routing: the decision audited at the original check
	// stands.
	Routing *provider.Decision `json:"routing,omitempty"`

	// Resubmission marks the release of a previously escalated
	// request; routing and quota were settled at the original check.
	Resubmission bool `json:"resubmission,omitempty"`

	Risk risk.Assessment `json:"risk"`
	// PendingEscalation is set when the risk score crossed the
	// threshold: the operation must not execute until the escalation
	// is confirmed and consumed.
	PendingEscalation *risk.Escalation `json:"pending_escalation,omitempty"`

	// UpgradeHint names the cheapest tier that would unlock a denied
	// capability. Only set on access_denied errors' decisions.
	UpgradeHint tier.Tier `json:"upgrade_hint,omitempty"`
}

// Allowed reports whether the caller may execute the operation now.
func (d *Decision) Allowed() bool {
	return d.PendingEscalation == nil
}

// Service wires the five enforcement components together.
type Service struct {
	licenses     *license.Verifier
	entitlements *entitlement.Store
	quotas       *quota.Tracker
	router       *provider.Router
	assessor     *risk.Assessor
	escalations  *risk.Store
}

// NewService assembles a gate service from its components.
func NewService(
	licenses *license.Verifier,
	entitlements *entitlement.Store,
	quotas *quota.Tracker,
	router *provider.Router,
	assessor *risk.Assessor,
	escalations *risk.Store,
) *Service {
	return &Service{
		licenses:     licenses,
		entitlements: entitlements,
		quotas:       quotas,
		router:       router,
		assessor:     assessor,
		escalations:  escalations,
	}
}

// Check runs the full pipeline for one request. Order is fixed:
// license, entitlement, quota, routing, risk. A denial at any step
// stops the pipeline; in particular an entitlement denial never
// touches quota.
func (s *Service) Check(ctx context.Context, req Request) (*Decision, error) {
	m := metrics.Get()

	// 1. License token to tier.
	res, err := s.licenses.Verify(ctx, req.Token)
	if err != nil {
		switch {
		case errors.Is(err, apperrors.ErrLicenseInvalid):
			m.RecordLicenseVerification("invalid")
		case errors.Is(err, apperrors.ErrLicenseUnavailable):
			m.RecordLicenseVerification("unavailable")
		}
		return nil, err
	}
	if res.Degraded {
		m.RecordLicenseVerification("degraded")
	} else {
		m.RecordLicenseVerification("ok")
	}

	decision := &Decision{
		SubjectID: res.SubjectID,
		Tier:      res.Tier,
		Degraded:  res.Degraded,
	}

	// 2. Entitlement. Fail-closed, and a denial must not consume
	// quota.
	matrix := s.entitlements.Current()
	level := matrix.Resolve(res.Tier, req.Capability)
	if !level.Allows() {
		m.RecordAccessDenied(req.Capability.String(), string(res.Tier))
		log.Info().
			Str("subject_id", res.SubjectID).
			Str("tier", string(res.Tier)).
			Str("capability", req.Capability.String()).
			Msg("Access denied by entitlement matrix")

		gerr := apperrors.New(apperrors.TypeAccessDenied, "check_entitlement", nil).
			WithSubject(res.SubjectID, string(res.Tier)).
			WithCapability(req.Capability.String())
		if min, ok := matrix.MinimumTierFor(req.Capability); ok {
			decision.UpgradeHint = min
			gerr = gerr.WithDetail("capability %s requires tier %s or higher", req.Capability, min.DisplayName())
		}
		return decision, gerr
	}
	decision.Level = level

	// 3. Quota. A resubmission with an escalation ID already paid at
	// its original check and must not be debited twice.
	amount := req.Amount
	if amount <= 0 {
		amount = 1
	}
	resource := resourceForFamily[req.Capability.Family]
	if req.EscalationID == "" {
		if err := s.quotas.CheckAndConsume(res.SubjectID, resource, res.Tier, amount); err != nil {
			if errors.Is(err, apperrors.ErrQuotaExceeded) {
				m.RecordQuotaExceeded(resource, string(res.Tier))
			}
			return decision, err
		}
	}

	// 4. Routing, for AI model capabilities only. A resubmission keeps
	// the routing decision audited at its original check; re-selecting
	// here could pick a different provider and would count one logical
	// operation twice.
	if req.Capability.Family == tier.FamilyModel && req.EscalationID == "" {
		routing, err := s.router.Select(res.Tier, req.Avoid)
		if err != nil {
			if errors.Is(err, apperrors.ErrNoProviderAvailable) {
				m.RecordRoutingExhausted(string(res.Tier))
			}
			return decision, err
		}
		decision.Routing = routing
		m.RecordRoutingDecision(routing.Chosen.Name)

		// Per-provider consumption is metered alongside the family
		// quota. Providers without a configured limit are unlimited
		// but still counted.
		if err := s.quotas.CheckAndConsume(res.SubjectID, "provider-"+routing.Chosen.Name, res.Tier, amount); err != nil {
			if errors.Is(err, apperrors.ErrQuotaExceeded) {
				m.RecordQuotaExceeded("provider-"+routing.Chosen.Name, string(res.Tier))
			}
			return decision, err
		}
	}

	// 5. Risk.
	ratio := s.quotas.RemainingRatio(res.SubjectID, resource, res.Tier)
	decision.Risk = s.assessor.Assess(res.SubjectID, req.Capability, ratio, risk.OperationMeta{
		Irreversible:  req.Irreversible,
		OperationType: req.OperationType,
	})

	if req.EscalationID != "" {
		// Resubmission: a confirmed escalation releases the operation
		// exactly once, regardless of the recomputed score.
		decision.Resubmission = true
		esc, err := s.escalations.Consume(req.EscalationID, res.SubjectID, req.Capability.String())
		if err != nil {
			return decision, err
		}
		m.RecordRiskEscalation("consumed")
		log.Info().
			Str("subject_id", res.SubjectID).
			Str("escalation_id", esc.ID).
			Msg("Escalated operation released by confirmed escalation")
	} else if decision.Risk.RequiresConfirmation {
		esc := &risk.Escalation{
			SubjectID:     res.SubjectID,
			Capability:    req.Capability.String(),
			OperationType: req.OperationType,
			Score:         decision.Risk.Score,
			Factors:       decision.Risk.Factors,
		}
		if err := s.escalations.Create(esc); err != nil {
			return decision, apperrors.New(apperrors.TypeInternal, "create_escalation", err).
				WithSubject(res.SubjectID, string(res.Tier))
		}
		m.RecordRiskEscalation("created")
		decision.PendingEscalation = esc
		return decision, nil
	}

	if req.OperationType != "" {
		s.assessor.MarkExecuted(res.SubjectID, req.OperationType)
	}

	log.Debug().
		Str("subject_id", res.SubjectID).
		Str("tier", string(res.Tier)).
		Str("capability", req.Capability.String()).
		Str("level", string(level)).
		Msg("Gate check allowed")

	return decision, nil
}

// ReportOutcome feeds a provider call result back to the router and
// metrics.
func (s *Service) ReportOutcome(providerName string, success bool) {
	s.router.RecordOutcome(providerName, success)
	metrics.Get().RecordProviderOutcome(providerName, success)
}

// Remaining reports the unspent budget for a subject's capability
// family.
func (s *Service) Remaining(subjectID string, family tier.Family, t tier.Tier) int64 {
	return s.quotas.Remaining(subjectID, resourceForFamily[family], t)
}

// Escalations exposes the escalation store for the confirmation API.
func (s *Service) Escalations() *risk.Store {
	return s.escalations
}

// LicenseStatus resolves a token without running the rest of the
// pipeline.
func (s *Service) LicenseStatus(ctx context.Context, token string) (license.Resolution, error) {
	return s.licenses.Verify(ctx, token)
}

// CachedLicenses reports the number of live license cache entries.
func (s *Service) CachedLicenses() int {
	return s.licenses.CachedSubjects()
}

// Providers returns the configured candidates in preference order.
func (s *Service) Providers() []provider.Config {
	return s.router.Providers()
}

// ProviderStats returns per-provider outcome counters.
func (s *Service) ProviderStats() map[string]provider.Stats {
	return s.router.ProviderStats()
}
