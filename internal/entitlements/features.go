// Package entitlements decides which features a user may use and which
// numeric usage limits apply, from already-fetched subscription state.
//
// Two evaluation paths exist and deliberately keep separate tables:
// Resolver (HasAccess, PlanFeatures) backs feature gating in views, while
// Evaluator (CanUseFeature, UsageLimit) backs quota enforcement. Their
// free-tier numbers differ (30 vs 50 monthly transactions, for example)
// pending a product decision.
package entitlements

// Feature keys gate capabilities.
const (
	// Free tier features
	FeatureTransactions = "transactions"  // Manual transaction entry
	FeatureCategories   = "categories"    // Custom categories
	FeatureGoals        = "goals"         // Savings goals
	FeatureBudgets      = "budgets"       // Monthly budgets
	FeatureBasicReports = "basic_reports" // Monthly summary report

	// Premium tier features (everything in Free, plus:)
	FeatureAIInsights            = "ai_insights"
	FeatureAIRecommendations     = "ai_recommendations"
	FeatureOCRScan               = "ocr_scan"
	FeatureAdvancedReports       = "advanced_reports"
	FeatureExportReports         = "export_reports"
	FeatureUnlimitedTransactions = "unlimited_transactions"
	FeatureRecurring             = "recurring_transactions"

	// Enterprise tier features (everything in Premium, plus:)
	FeatureMultiUser       = "multi_user"
	FeaturePrioritySupport = "priority_support"
	FeatureAPIAccess       = "api_access"
)

// Usage limit keys.
const (
	LimitTransactionsPerMonth = "transactions_per_month"
	LimitCategories           = "categories"
	LimitGoals                = "goals"
	LimitOCRScansPerMonth     = "ocr_scans_per_month"
	LimitExportsPerMonth      = "exports_per_month"
)

// Unlimited is the usage-limit value meaning "no bound".
const Unlimited = -1

// Tier represents a subscription plan tier.
type Tier string

const (
	TierFree       Tier = "free"
	TierPremium    Tier = "premium"
	TierEnterprise Tier = "enterprise"
)

// freeFeatures are the capabilities available without an active subscription.
var freeFeatures = []string{
	FeatureTransactions,
	FeatureCategories,
	FeatureGoals,
	FeatureBudgets,
	FeatureBasicReports,
}

// premiumFeatures adds AI, OCR and reporting on top of free.
var premiumFeatures = appendFeatures(freeFeatures,
	FeatureAIInsights,
	FeatureAIRecommendations,
	FeatureOCRScan,
	FeatureAdvancedReports,
	FeatureExportReports,
	FeatureUnlimitedTransactions,
	FeatureRecurring,
)

// enterpriseFeatures adds multi-user and support on top of premium.
var enterpriseFeatures = appendFeatures(premiumFeatures,
	FeatureMultiUser,
	FeaturePrioritySupport,
	FeatureAPIAccess,
)

// appendFeatures returns a new slice with extra features appended (no mutation).
func appendFeatures(base []string, extra ...string) []string {
	result := make([]string, len(base), len(base)+len(extra))
	copy(result, base)
	return append(result, extra...)
}

// TierFeatures maps each tier to its included features.
var TierFeatures = map[Tier][]string{
	TierFree:       freeFeatures,
	TierPremium:    premiumFeatures,
	TierEnterprise: enterpriseFeatures,
}

// FreeFeatures returns a copy of the free-tier feature set.
func FreeFeatures() []string {
	return appendFeatures(freeFeatures)
}

// IsFreeFeature reports whether feature is in the free-tier set.
func IsFreeFeature(feature string) bool {
	return contains(freeFeatures, feature)
}

// TierHasFeature checks if a tier includes a specific feature.
func TierHasFeature(tier Tier, feature string) bool {
	features, ok := TierFeatures[tier]
	if !ok {
		return false
	}
	return contains(features, feature)
}

// featureAllowedTiers is the fallback consulted by CanUseFeature when a
// feature is not listed on the plan itself.
var featureAllowedTiers = map[string][]Tier{
	FeatureUnlimitedTransactions: {TierPremium, TierEnterprise},
	FeatureAIInsights:            {TierPremium, TierEnterprise},
	FeatureAIRecommendations:     {TierPremium, TierEnterprise},
	FeatureOCRScan:               {TierPremium, TierEnterprise},
	FeatureAdvancedReports:       {TierPremium, TierEnterprise},
	FeatureExportReports:         {TierPremium, TierEnterprise},
	FeatureRecurring:             {TierPremium, TierEnterprise},
	FeatureMultiUser:             {TierEnterprise},
	FeaturePrioritySupport:       {TierEnterprise},
	FeatureAPIAccess:             {TierEnterprise},
}

// AllowedTiers returns the tiers the fallback table grants feature to.
func AllowedTiers(feature string) []Tier {
	tiers := featureAllowedTiers[feature]
	out := make([]Tier, len(tiers))
	copy(out, tiers)
	return out
}

// FreeUsageLimits are the monthly caps applied by UsageLimit without an
// active subscription. Unknown keys resolve to 0.
var FreeUsageLimits = map[string]int{
	LimitTransactionsPerMonth: 50,
	LimitCategories:           10,
	LimitGoals:                3,
	LimitOCRScansPerMonth:     5,
	LimitExportsPerMonth:      2,
}

// PremiumUsageLimits apply to every active subscription. Unknown keys
// resolve to Unlimited.
var PremiumUsageLimits = map[string]int{
	LimitTransactionsPerMonth: Unlimited,
	LimitCategories:           Unlimited,
	LimitGoals:                Unlimited,
	LimitOCRScansPerMonth:     Unlimited,
	LimitExportsPerMonth:      Unlimited,
}

// FreePlanSummary is what PlanFeatures reports without an active subscription.
// Its caps intentionally differ from FreeUsageLimits.
func FreePlanSummary() PlanFeatures {
	return PlanFeatures{
		HasAI:              false,
		HasOCR:             false,
		HasReports:         true,
		HasExport:          false,
		HasPrioritySupport: false,
		MaxTransactions:    intPtr(30),
		MaxGoals:           intPtr(2),
		MaxCategories:      intPtr(5),
		Features:           FreeFeatures(),
	}
}

// IsUnlimited checks if a limit value represents unlimited usage.
func IsUnlimited(limit int) bool {
	return limit < 0
}

// GetTierDisplayName returns a human-readable name for the tier.
func GetTierDisplayName(tier Tier) string {
	switch tier {
	case TierFree:
		return "Free"
	case TierPremium:
		return "Premium"
	case TierEnterprise:
		return "Enterprise"
	default:
		return "Unknown"
	}
}

// GetFeatureDisplayName returns a human-readable name for a feature.
func GetFeatureDisplayName(feature string) string {
	switch feature {
	case FeatureTransactions:
		return "Transactions"
	case FeatureCategories:
		return "Custom Categories"
	case FeatureGoals:
		return "Savings Goals"
	case FeatureBudgets:
		return "Budgets"
	case FeatureBasicReports:
		return "Monthly Reports"
	case FeatureAIInsights:
		return "AI Insights"
	case FeatureAIRecommendations:
		return "AI Recommendations"
	case FeatureOCRScan:
		return "Receipt Scanning"
	case FeatureAdvancedReports:
		return "Advanced Reports"
	case FeatureExportReports:
		return "Report Export"
	case FeatureUnlimitedTransactions:
		return "Unlimited Transactions"
	case FeatureRecurring:
		return "Recurring Transactions"
	case FeatureMultiUser:
		return "Multi-User Households"
	case FeaturePrioritySupport:
		return "Priority Support"
	case FeatureAPIAccess:
		return "API Access"
	default:
		return feature
	}
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

func intPtr(v int) *int {
	return &v
}
