package websocket

import (
	"context"
	"time"

	"github.com/rcourtman/finpulse/internal/aibridge"
)

// Insight is one item in a demo response.
type Insight struct {
	Title       string  `json:"title"`
	Description string  `json:"description"`
	Category    string  `json:"category,omitempty"`
	Amount      float64 `json:"amount,omitempty"`
	Severity    string  `json:"severity,omitempty"`
}

var demoResults = map[aibridge.RequestType][]Insight{
	aibridge.TypeInsights: {
		{Title: "Dining out is up", Description: "Restaurant spending rose 18% compared with last month.", Category: "dining", Amount: 142.5, Severity: "medium"},
		{Title: "Steady income", Description: "Income arrived on the same day for three months running.", Category: "income"},
	},
	aibridge.TypeRecommendations: {
		{Title: "Cap grocery runs", Description: "Setting a weekly grocery budget of 120 would save about 60 a month.", Category: "groceries", Amount: 60},
	},
	aibridge.TypeDashboard: {
		{Title: "Savings rate", Description: "You saved 14% of income this month.", Amount: 14},
	},
	aibridge.TypeOverspend: {
		{Title: "Entertainment over budget", Description: "Entertainment is 35 over its monthly budget.", Category: "entertainment", Amount: 35, Severity: "high"},
	},
	aibridge.TypeGoals: {
		{Title: "Emergency fund on track", Description: "At the current pace the goal completes in 7 months.", Category: "goals"},
	},
	aibridge.TypeAnomaly: {
		{Title: "Unusual charge", Description: "A 249.99 electronics charge is four times your usual spend there.", Category: "shopping", Amount: 249.99, Severity: "high"},
	},
	aibridge.TypeSubscriptions: {
		{Title: "Duplicate streaming services", Description: "Two video streaming subscriptions renew this week.", Category: "subscriptions", Amount: 27.98},
	},
}

// DemoHandler answers every request type with canned results after delay.
func DemoHandler(delay time.Duration) Handler {
	return func(ctx context.Context, req aibridge.Request) ([]any, error) {
		if delay > 0 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		results := demoResults[req.Type]
		items := make([]any, 0, len(results))
		for _, r := range results {
			items = append(items, r)
		}
		return items, nil
	}
}
