package entitlements

import (
	"errors"
	"fmt"

	"github.com/rcourtman/finpulse/internal/metrics"
)

// ErrFeatureNotIncluded is returned by RequireAccess when access is denied.
var ErrFeatureNotIncluded = errors.New("feature not included in plan")

// Resolver answers feature-gating questions for views.
type Resolver struct {
	source Source
}

// NewResolver creates a resolver reading from source.
func NewResolver(source Source) *Resolver {
	return &Resolver{source: source}
}

func (r *Resolver) current() (*Subscription, bool) {
	if r == nil || r.source == nil {
		return nil, false
	}
	return r.source.Current()
}

// HasAccess reports whether feature is usable. It fails closed while the
// subscription is loading. Without an active subscription only free-tier
// features are granted; otherwise the plan's feature list decides.
//
// requiredPlan is accepted for call-site compatibility and is not consulted.
func (r *Resolver) HasAccess(feature string, requiredPlan Tier) bool {
	sub, loading := r.current()
	allowed := false
	switch {
	case loading:
	case !sub.IsActive():
		allowed = IsFreeFeature(feature)
	case sub.Plan != nil:
		allowed = contains(sub.Plan.Features, feature)
	}

	metrics.RecordEntitlementCheck("has_access", allowed)
	return allowed
}

// RequireAccess is HasAccess returning an error for denied features.
func (r *Resolver) RequireAccess(feature string) error {
	if r.HasAccess(feature, TierFree) {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrFeatureNotIncluded, feature)
}

// PlanFeatures summarises the capabilities of the current plan.
func (r *Resolver) PlanFeatures() PlanFeatures {
	sub, _ := r.current()
	sub = active(sub)
	if sub == nil {
		return FreePlanSummary()
	}

	plan := sub.Plan
	if plan == nil {
		plan = &Plan{}
	}

	hasReports := true
	if plan.HasReports != nil {
		hasReports = *plan.HasReports
	}

	features := make([]string, len(plan.Features))
	copy(features, plan.Features)

	return PlanFeatures{
		HasAI:              plan.HasAI,
		HasOCR:             plan.HasOCR,
		HasReports:         hasReports,
		HasExport:          plan.HasExport,
		HasPrioritySupport: plan.HasPrioritySupport,
		MaxTransactions:    copyInt(plan.MaxTransactions),
		MaxGoals:           copyInt(plan.MaxGoals),
		MaxCategories:      copyInt(plan.MaxCategories),
		Features:           features,
	}
}

func copyInt(v *int) *int {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}
