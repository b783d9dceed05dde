package quota

import (
	"fmt"
	"time"
)

// PlanPolicy is the usage ceiling of a tier. A Limit of zero or less is unbounded and a
// Window of zero counts lifetime usage.
type PlanPolicy struct {
	Tier   Tier
	Limit  int64
	Window time.Duration
}

// Unbounded reports whether the tier has no ceiling.
func (policy PlanPolicy) Unbounded() bool {
	return policy.Limit <= 0
}

// WindowStart returns the earliest event time counted at now.
func (policy PlanPolicy) WindowStart(now time.Time) time.Time {
	if policy.Window <= 0 {
		return time.Time{}
	}
	return now.Add(-policy.Window)
}

// PlanCatalog maps every tier to its policy.
type PlanCatalog map[Tier]PlanPolicy

// DefaultPlanCatalog returns the stock ceilings.
func DefaultPlanCatalog() PlanCatalog {
	return PlanCatalog{
		TierAnonymous:  {Tier: TierAnonymous, Limit: 1},
		TierFree:       {Tier: TierFree, Limit: 3},
		TierPro:        {Tier: TierPro, Limit: 100, Window: 30 * 24 * time.Hour},
		TierEnterprise: {Tier: TierEnterprise, Limit: 0},
	}
}

// Policy returns the policy for tier.
func (catalog PlanCatalog) Policy(tier Tier) (PlanPolicy, error) {
	policy, ok := catalog[tier]
	if !ok {
		return PlanPolicy{}, fmt.Errorf("%w: no policy for tier %q", ErrInvalidPlanPolicy, tier)
	}
	return policy, nil
}

// Validate ensures every tier has a policy with a non-negative window.
func (catalog PlanCatalog) Validate() error {
	for _, tier := range []Tier{TierAnonymous, TierFree, TierPro, TierEnterprise} {
		policy, err := catalog.Policy(tier)
		if err != nil {
			return err
		}
		if policy.Window < 0 {
			return fmt.Errorf("%w: negative window for tier %q", ErrInvalidPlanPolicy, tier)
		}
	}
	return nil
}
