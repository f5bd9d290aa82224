package entitlements

import "strings"

// Status is the lifecycle state of a subscription.
type Status string

const (
	StatusActive    Status = "active"
	StatusCancelled Status = "cancelled"
	StatusExpired   Status = "expired"
	StatusPending   Status = "pending"
)

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusCancelled, StatusExpired, StatusPending:
		return true
	}
	return false
}

// ParseStatus normalizes a status string. The US spelling "canceled" is
// accepted as an alias of StatusCancelled.
func ParseStatus(raw string) Status {
	s := Status(strings.ToLower(strings.TrimSpace(raw)))
	if s == "canceled" {
		return StatusCancelled
	}
	return s
}

// Plan is the plan attached to a subscription. Nil caps mean unlimited.
type Plan struct {
	ID                 string   `json:"id,omitempty"`
	Name               Tier     `json:"name"`
	Features           []string `json:"features"`
	MaxTransactions    *int     `json:"maxTransactions,omitempty"`
	MaxGoals           *int     `json:"maxGoals,omitempty"`
	MaxCategories      *int     `json:"maxCategories,omitempty"`
	HasAI              bool     `json:"hasAI"`
	HasOCR             bool     `json:"hasOCR"`
	HasReports         *bool    `json:"hasReports,omitempty"`
	HasExport          bool     `json:"hasExport"`
	HasPrioritySupport bool     `json:"hasPrioritySupport"`
}

// Subscription is the user's subscription as returned by the billing API.
type Subscription struct {
	ID     string `json:"id,omitempty"`
	Status Status `json:"status"`
	Plan   *Plan  `json:"plan,omitempty"`
}

// IsActive reports whether s grants its plan. A nil subscription and any
// status other than active are equivalent to having no subscription.
func (s *Subscription) IsActive() bool {
	return s != nil && ParseStatus(string(s.Status)) == StatusActive
}

// active returns s when it is active, nil otherwise.
func active(s *Subscription) *Subscription {
	if s.IsActive() {
		return s
	}
	return nil
}

// PlanFeatures is the capability summary shown to the user.
type PlanFeatures struct {
	HasAI              bool     `json:"hasAI"`
	HasOCR             bool     `json:"hasOCR"`
	HasReports         bool     `json:"hasReports"`
	HasExport          bool     `json:"hasExport"`
	HasPrioritySupport bool     `json:"hasPrioritySupport"`
	MaxTransactions    *int     `json:"maxTransactions"`
	MaxGoals           *int     `json:"maxGoals"`
	MaxCategories      *int     `json:"maxCategories"`
	Features           []string `json:"features"`
}

// Source provides the subscription being evaluated. loading is true while
// the underlying fetch is in flight.
type Source interface {
	Current() (sub *Subscription, loading bool)
}

// StaticSource is a Source with fixed state.
type StaticSource struct {
	Subscription *Subscription
	Loading      bool
}

func (s StaticSource) Current() (*Subscription, bool) {
	return s.Subscription, s.Loading
}
