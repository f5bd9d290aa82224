package entitlements

import "github.com/rcourtman/finpulse/internal/metrics"

// LimitCheckResult classifies observed usage against a limit.
type LimitCheckResult string

const (
	LimitAllowed   LimitCheckResult = "allowed"
	LimitSoftBlock LimitCheckResult = "soft_block" // at or above 90% of the limit
	LimitHardBlock LimitCheckResult = "hard_block"
)

// Evaluator enforces feature use and usage quotas.
type Evaluator struct {
	source Source
}

// NewEvaluator creates an evaluator reading from source.
func NewEvaluator(source Source) *Evaluator {
	return &Evaluator{source: source}
}

func (e *Evaluator) active() *Subscription {
	if e == nil || e.source == nil {
		return nil
	}
	sub, _ := e.source.Current()
	return active(sub)
}

// CanUseFeature reports whether the active plan grants feature, either by
// listing it or through the tier fallback table. Without an active
// subscription nothing is granted, free features included.
func (e *Evaluator) CanUseFeature(feature string) bool {
	allowed := e.canUse(feature)
	metrics.RecordEntitlementCheck("can_use_feature", allowed)
	return allowed
}

func (e *Evaluator) canUse(feature string) bool {
	sub := e.active()
	if sub == nil || sub.Plan == nil {
		return false
	}
	if contains(sub.Plan.Features, feature) {
		return true
	}
	for _, tier := range featureAllowedTiers[feature] {
		if tier == sub.Plan.Name {
			return true
		}
	}
	return false
}

// UsageLimit returns the numeric limit for feature. Unlimited (-1) means no
// bound.
func (e *Evaluator) UsageLimit(feature string) int {
	if e.active() == nil {
		return FreeUsageLimits[feature]
	}
	if limit, ok := PremiumUsageLimits[feature]; ok {
		return limit
	}
	return Unlimited
}

// CheckLimit evaluates observed usage against UsageLimit(feature).
func (e *Evaluator) CheckLimit(feature string, observed int) LimitCheckResult {
	limit := e.UsageLimit(feature)
	if IsUnlimited(limit) {
		return LimitAllowed
	}
	if observed >= limit {
		return LimitHardBlock
	}
	if observed*10 >= limit*9 {
		return LimitSoftBlock
	}
	return LimitAllowed
}
