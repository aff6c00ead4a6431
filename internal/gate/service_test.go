package gate

import (
	"context"
	"testing"
	"time"

	"github.com/entitlegate/entitlegate/internal/entitlement"
	apperrors "github.com/entitlegate/entitlegate/internal/errors"
	"github.com/entitlegate/entitlegate/internal/license"
	"github.com/entitlegate/entitlegate/internal/provider"
	"github.com/entitlegate/entitlegate/internal/quota"
	"github.com/entitlegate/entitlegate/internal/risk"
	"github.com/entitlegate/entitlegate/internal/tier"
	"github.com/stretchr/testify/require"
)

type stubRemote struct {
	claims map[string]license.Claims
}

func (s *stubRemote) Verify(_ context.Context, token string) (license.Claims, error) {
	claims, ok := s.claims[token]
	if !ok {
		return license.Claims{}, apperrors.New(apperrors.TypeLicenseInvalid, "verify_stub", nil).
			WithDetail("unknown token")
	}
	return claims, nil
}

func testMatrix(t *testing.T) *entitlement.Matrix {
	t.Helper()
	caps := []tier.Capability{
		{Family: tier.FamilyModel, Name: "chat"},
		{Family: tier.FamilyWorkflow, Name: "deploy"},
		{Family: tier.FamilyComponent, Name: "editor"},
	}
	var grants []entitlement.Grant
	for _, tr := range tier.AllTiers {
		for _, f := range tier.AllFamilies {
			level := tier.AccessStandard
			if tr == tier.TierEnterprise {
				level = tier.AccessUnlimited
			}
			grants = append(grants, entitlement.Grant{
				Tier: tr, Family: f, Name: "*", Level: level,
			})
		}
	}
	// Deploy is a paid feature: blocked below team.
	grants = append(grants,
		entitlement.Grant{Tier: tier.TierCommunity, Family: tier.FamilyWorkflow, Name: "deploy", Level: tier.AccessBlocked},
		entitlement.Grant{Tier: tier.TierPersonal, Family: tier.FamilyWorkflow, Name: "deploy", Level: tier.AccessBlocked},
	)
	m, err := entitlement.NewMatrix("test-1", caps, grants)
	require.NoError(t, err)
	return m
}

type fixture struct {
	service *Service
	quotas  *quota.Tracker
	store   *risk.Store
}

func newFixture(t *testing.T, limits quota.Limits) *fixture {
	t.Helper()

	remote := &stubRemote{claims: map[string]license.Claims{
		"tok-personal": {LicenseID: "lic-1", SubjectID: "sub-personal", Tier: tier.TierPersonal},
		"tok-team":     {LicenseID: "lic-2", SubjectID: "sub-team", Tier: tier.TierTeam},
		"tok-ent":      {LicenseID: "lic-3", SubjectID: "sub-ent", Tier: tier.TierEnterprise},
	}}
	licenses := license.NewVerifier(remote, license.VerifierConfig{})

	matrixStore, err := entitlement.NewStore(testMatrix(t))
	require.NoError(t, err)

	if limits == nil {
		limits = quota.Limits{}
	}
	quotas, err := quota.NewTracker(quota.TrackerConfig{Limits: limits})
	require.NoError(t, err)

	router, err := provider.NewRouter([]provider.Config{
		{Name: "primary", Priority: 1, CostPerUnit: 0.01, Tiers: tier.AllTiers},
		{Name: "legacy", Priority: 2, CostPerUnit: 0.002, Tiers: tier.AllTiers},
	}, nil)
	require.NoError(t, err)

	escalations, err := risk.NewStore(risk.StoreConfig{DisablePersistence: true})
	require.NoError(t, err)

	return &fixture{
		service: NewService(licenses, matrixStore, quotas, router, risk.NewAssessor(0), escalations),
		quotas:  quotas,
		store:   escalations,
	}
}

func TestCheckAllowsEntitledRequestAndRoutes(t *testing.T) {
	f := newFixture(t, nil)

	d, err := f.service.Check(context.Background(), Request{
		Token:         "tok-team",
		Capability:    tier.Capability{Family: tier.FamilyModel, Name: "chat"},
		Amount:        100,
		OperationType: "model/chat",
	})
	require.NoError(t, err)
	require.True(t, d.Allowed())
	require.Equal(t, "sub-team", d.SubjectID)
	require.Equal(t, tier.TierTeam, d.Tier)
	require.NotNil(t, d.Routing)
	require.Equal(t, "primary", d.Routing.Chosen.Name)
}

func TestCheckDeniedCapabilityDoesNotTouchQuota(t *testing.T) {
	limits := quota.Limits{
		"workflow-runs": {tier.TierPersonal: quota.Limit{Amount: 10, Period: quota.PeriodMonthly}},
	}
	f := newFixture(t, limits)

	d, err := f.service.Check(context.Background(), Request{
		Token:      "tok-personal",
		Capability: tier.Capability{Family: tier.FamilyWorkflow, Name: "deploy"},
		Amount:     1,
	})
	require.Error(t, err)
	require.ErrorIs(t, err, apperrors.ErrAccessDenied)

	// The denial names the tier that would unlock the capability.
	require.Equal(t, tier.TierTeam, d.UpgradeHint)
	require.Contains(t, err.Error(), "Team")

	// Quota untouched by the entitlement denial.
	require.Equal(t, int64(0), f.quotas.Consumed("sub-personal", "workflow-runs", tier.TierPersonal))
}

func TestCheckQuotaExceededLeavesCounterIntact(t *testing.T) {
	limits := quota.Limits{
		"model-tokens": {tier.TierPersonal: quota.Limit{Amount: 1000, Period: quota.PeriodDaily}},
	}
	f := newFixture(t, limits)
	ctx := context.Background()
	cap := tier.Capability{Family: tier.FamilyModel, Name: "chat"}

	_, err := f.service.Check(ctx, Request{Token: "tok-personal", Capability: cap, Amount: 999, OperationType: "model/chat"})
	require.NoError(t, err)

	_, err = f.service.Check(ctx, Request{Token: "tok-personal", Capability: cap, Amount: 5, OperationType: "model/chat"})
	require.Error(t, err)
	require.ErrorIs(t, err, apperrors.ErrQuotaExceeded)
	require.Equal(t, int64(999), f.quotas.Consumed("sub-personal", "model-tokens", tier.TierPersonal))
}

func TestCheckStrictAvoidanceNeverSubstitutes(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	cap := tier.Capability{Family: tier.FamilyModel, Name: "chat"}

	d, err := f.service.Check(ctx, Request{
		Token: "tok-team", Capability: cap, Amount: 1,
		Avoid:         []string{"legacy"},
		OperationType: "model/chat",
	})
	require.NoError(t, err)
	require.Equal(t, "primary", d.Routing.Chosen.Name)

	_, err = f.service.Check(ctx, Request{
		Token: "tok-team", Capability: cap, Amount: 1,
		Avoid:         []string{"primary", "legacy"},
		OperationType: "model/chat",
	})
	require.ErrorIs(t, err, apperrors.ErrNoProviderAvailable)
}

func TestCheckEscalatesHighRiskOperation(t *testing.T) {
	limits := quota.Limits{
		"workflow-runs": {tier.TierTeam: quota.Limit{Amount: 100, Period: quota.PeriodMonthly}},
	}
	f := newFixture(t, limits)
	ctx := context.Background()
	cap := tier.Capability{Family: tier.FamilyWorkflow, Name: "deploy"}

	// Burn the budget down so the remaining ratio is below 10%.
	require.NoError(t, f.quotas.CheckAndConsume("sub-team", "workflow-runs", tier.TierTeam, 95))

	d, err := f.service.Check(ctx, Request{
		Token:         "tok-team",
		Capability:    cap,
		Amount:        1,
		Irreversible:  true,
		OperationType: "workflow/deploy",
	})
	require.NoError(t, err)
	require.False(t, d.Allowed())
	require.NotNil(t, d.PendingEscalation)
	require.True(t, d.Risk.RequiresConfirmation)
	require.Contains(t, d.Risk.Factors, risk.FactorQuotaNearlyExhausted)
	require.Contains(t, d.Risk.Factors, risk.FactorIrreversible)

	escID := d.PendingEscalation.ID

	// Resubmitting without confirmation fails.
	_, err = f.service.Check(ctx, Request{
		Token: "tok-team", Capability: cap, Amount: 1,
		Irreversible: true, OperationType: "workflow/deploy",
		EscalationID: escID,
	})
	require.Error(t, err)

	_, err = f.store.Confirm(escID, "operator")
	require.NoError(t, err)

	consumedBefore := f.quotas.Consumed("sub-team", "workflow-runs", tier.TierTeam)
	d, err = f.service.Check(ctx, Request{
		Token: "tok-team", Capability: cap, Amount: 1,
		Irreversible: true, OperationType: "workflow/deploy",
		EscalationID: escID,
	})
	require.NoError(t, err)
	require.True(t, d.Allowed())
	// The resubmission does not debit quota a second time.
	require.Equal(t, consumedBefore, f.quotas.Consumed("sub-team", "workflow-runs", tier.TierTeam))

	// The confirmation is single-use.
	_, err = f.service.Check(ctx, Request{
		Token: "tok-team", Capability: cap, Amount: 1,
		Irreversible: true, OperationType: "workflow/deploy",
		EscalationID: escID,
	})
	require.Error(t, err)
}

func TestCheckInvalidTokenStopsPipeline(t *testing.T) {
	f := newFixture(t, nil)

	_, err := f.service.Check(context.Background(), Request{
		Token:      "tok-bogus",
		Capability: tier.Capability{Family: tier.FamilyModel, Name: "chat"},
		Amount:     1,
	})
	require.Error(t, err)
	require.ErrorIs(t, err, apperrors.ErrLicenseInvalid)
}

func TestCheckDefaultsAmountToOne(t *testing.T) {
	limits := quota.Limits{
		"component-invocations": {tier.TierEnterprise: quota.Limit{Amount: 10, Period: quota.PeriodDaily}},
	}
	f := newFixture(t, limits)

	_, err := f.service.Check(context.Background(), Request{
		Token:         "tok-ent",
		Capability:    tier.Capability{Family: tier.FamilyComponent, Name: "editor"},
		OperationType: "component/editor",
	})
	require.NoError(t, err)
	require.Equal(t, int64(1), f.quotas.Consumed("sub-ent", "component-invocations", tier.TierEnterprise))
}

func TestCheckUnknownCapabilityFailsClosed(t *testing.T) {
	f := newFixture(t, nil)

	_, err := f.service.Check(context.Background(), Request{
		Token:      "tok-ent",
		Capability: tier.Capability{Family: tier.FamilyModel, Name: "does-not-exist"},
		Amount:     1,
	})
	require.Error(t, err)
	require.ErrorIs(t, err, apperrors.ErrAccessDenied)
}

func TestReportOutcomeFeedsRouterStats(t *testing.T) {
	f := newFixture(t, nil)

	d, err := f.service.Check(context.Background(), Request{
		Token:         "tok-team",
		Capability:    tier.Capability{Family: tier.FamilyModel, Name: "chat"},
		Amount:        1,
		OperationType: "model/chat",
	})
	require.NoError(t, err)
	f.service.ReportOutcome(d.Routing.Chosen.Name, true)
}

func TestMarkExecutedRetiresFirstOccurrence(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	cap := tier.Capability{Family: tier.FamilyWorkflow, Name: "deploy"}

	first, err := f.service.Check(ctx, Request{
		Token: "tok-team", Capability: cap, Amount: 1,
		OperationType: "workflow/deploy",
	})
	require.NoError(t, err)
	require.Contains(t, first.Risk.Factors, risk.FactorFirstOccurrence)

	second, err := f.service.Check(ctx, Request{
		Token: "tok-team", Capability: cap, Amount: 1,
		OperationType: "workflow/deploy",
	})
	require.NoError(t, err)
	require.NotContains(t, second.Risk.Factors, risk.FactorFirstOccurrence)
}

func TestEscalationTimesOutIntoTerminalState(t *testing.T) {
	f := newFixture(t, nil)
	esc := &risk.Escalation{
		SubjectID:  "sub-team",
		Capability: "workflow/deploy",
		ExpiresAt:  time.Now().Add(-time.Minute),
	}
	require.NoError(t, f.store.Create(esc))

	_, err := f.store.Confirm(esc.ID, "operator")
	require.ErrorIs(t, err, apperrors.ErrRiskTimedOut)

	got, ok := f.store.Get(esc.ID)
	require.True(t, ok)
	require.Equal(t, risk.StatusTimedOut, got.Status)
}

func TestCheckMetersPerProviderConsumption(t *testing.T) {
	f := newFixture(t, nil)
	cap := tier.Capability{Family: tier.FamilyModel, Name: "chat"}

	d, err := f.service.Check(context.Background(), Request{
		Token: "tok-team", Capability: cap, Amount: 25,
	})
	require.NoError(t, err)
	require.Equal(t, "primary", d.Routing.Chosen.Name)
	require.Equal(t, int64(25), f.quotas.Consumed("sub-team", "provider-primary", tier.TierTeam))
	require.Equal(t, int64(0), f.quotas.Consumed("sub-team", "provider-legacy", tier.TierTeam))
}

func TestCheckProviderLimitBlocksRoutedRequest(t *testing.T) {
	limits := quota.Limits{
		"provider-primary": {tier.TierTeam: quota.Limit{Amount: 10, Period: quota.PeriodDaily}},
	}
	f := newFixture(t, limits)
	cap := tier.Capability{Family: tier.FamilyModel, Name: "chat"}

	_, err := f.service.Check(context.Background(), Request{
		Token: "tok-team", Capability: cap, Amount: 8,
	})
	require.NoError(t, err)

	_, err = f.service.Check(context.Background(), Request{
		Token: "tok-team", Capability: cap, Amount: 8,
	})
	require.ErrorIs(t, err, apperrors.ErrQuotaExceeded)
	require.Equal(t, int64(8), f.quotas.Consumed("sub-team", "provider-primary", tier.TierTeam))
}

func TestResubmissionSkipsRoutingAndMetering(t *testing.T) {
	limits := quota.Limits{
		"model-tokens": {tier.TierTeam: quota.Limit{Amount: 100, Period: quota.PeriodDaily}},
	}
	f := newFixture(t, limits)
	cap := tier.Capability{Family: tier.FamilyModel, Name: "chat"}
	ctx := context.Background()

	// Burn the budget down, then trip an escalation with an
	// irreversible first-time operation.
	_, err := f.service.Check(ctx, Request{Token: "tok-team", Capability: cap, Amount: 95})
	require.NoError(t, err)

	pending, err := f.service.Check(ctx, Request{
		Token: "tok-team", Capability: cap, Amount: 1,
		Irreversible: true, OperationType: "model/wipe",
	})
	require.NoError(t, err)
	require.NotNil(t, pending.PendingEscalation)
	require.NotNil(t, pending.Routing)

	_, err = f.store.Confirm(pending.PendingEscalation.ID, "operator")
	require.NoError(t, err)

	requestsBefore := f.service.ProviderStats()["primary"].Requests
	meteredBefore := f.quotas.Consumed("sub-team", "provider-primary", tier.TierTeam)

	released, err := f.service.Check(ctx, Request{
		Token: "tok-team", Capability: cap, Amount: 1,
		Irreversible: true, OperationType: "model/wipe",
		EscalationID: pending.PendingEscalation.ID,
	})
	require.NoError(t, err)
	require.True(t, released.Resubmission)

	// The routing decision audited at the original check stands: the
	// release does not re-select and counts nothing a second time.
	require.Nil(t, released.Routing)
	require.Equal(t, requestsBefore, f.service.ProviderStats()["primary"].Requests)
	require.Equal(t, meteredBefore, f.quotas.Consumed("sub-team", "provider-primary", tier.TierTeam))
}
