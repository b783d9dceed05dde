package ratelimit

import (
	"fmt"
	"time"
)

// Endpoint classes metered by the limiter.
const (
	EndpointCreate        = "create"
	EndpointCreateNetwork = "create_network"
	EndpointRead          = "read"
)

// Policy is the ceiling for one (tier, endpoint class) pair.
type Policy struct {
	Limit  int64
	Window time.Duration
}

// PolicyKey selects a Policy.
type PolicyKey struct {
	Tier          string
	EndpointClass string
}

// Policies maps keys to ceilings. Pairs without a policy are not throttled.
type Policies map[PolicyKey]Policy

// DefaultPolicies returns the stock per-tier ceilings.
func DefaultPolicies() Policies {
	day := 24 * time.Hour
	month := 30 * day
	return Policies{
		{Tier: "anonymous", EndpointClass: EndpointCreate}:        {Limit: 1, Window: day},
		{Tier: "anonymous", EndpointClass: EndpointCreateNetwork}: {Limit: 5, Window: day},
		{Tier: "free", EndpointClass: EndpointCreate}:             {Limit: 10, Window: day},
		{Tier: "pro", EndpointClass: EndpointCreate}:              {Limit: 100, Window: month},
		{Tier: "enterprise", EndpointClass: EndpointCreate}:       {Limit: 10000, Window: month},
		{Tier: "anonymous", EndpointClass: EndpointRead}:          {Limit: 600, Window: time.Minute},
		{Tier: "free", EndpointClass: EndpointRead}:               {Limit: 600, Window: time.Minute},
		{Tier: "pro", EndpointClass: EndpointRead}:                {Limit: 600, Window: time.Minute},
		{Tier: "enterprise", EndpointClass: EndpointRead}:         {Limit: 600, Window: time.Minute},
	}
}

// Lookup returns the policy for tier and endpointClass.
func (policies Policies) Lookup(tier string, endpointClass string) (Policy, bool) {
	policy, ok := policies[PolicyKey{Tier: tier, EndpointClass: endpointClass}]
	return policy, ok
}

// Validate rejects non-positive ceilings and windows.
func (policies Policies) Validate() error {
	for key, policy := range policies {
		if policy.Limit <= 0 {
			return fmt.Errorf("%w: limit for %s/%s must be positive", ErrInvalidPolicy, key.Tier, key.EndpointClass)
		}
		if policy.Window <= 0 {
			return fmt.Errorf("%w: window for %s/%s must be positive", ErrInvalidPolicy, key.Tier, key.EndpointClass)
		}
	}
	return nil
}
