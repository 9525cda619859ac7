// Package limitrate implements a multi-tenant HTTP middleware that gates
// requests against a request-rate budget and a cost budget per plan and
// endpoint, backed by a pluggable counter Store.
package limitrate

import (
	"net/http"
)

// Action is one of the three terminal responses to an exceeded budget.
type Action string

const (
	// ActionBlock denies the request with a 429.
	ActionBlock Action = "block"
	// ActionSlowdown admits the request after a configured delay.
	ActionSlowdown Action = "slowdown"
	// ActionAllowAndLog admits the request unmodified and emits an event.
	ActionAllowAndLog Action = "allow-and-log"
)

// DefaultSlowdownMs is used when a slowdown action omits SlowdownMs.
const DefaultSlowdownMs = 500

// RatePolicy bounds request frequency over up to three rolling windows.
// A nil *int means that window is unbounded. An EndpointPolicy with a nil
// Rate has no rate limit at all.
type RatePolicy struct {
	MaxPerMinute *int `json:"maxPerMinute,omitempty" yaml:"maxPerMinute,omitempty"`
	MaxPerHour   *int `json:"maxPerHour,omitempty" yaml:"maxPerHour,omitempty"`
	MaxPerDay    *int `json:"maxPerDay,omitempty" yaml:"maxPerDay,omitempty"`

	ActionOnExceed Action `json:"actionOnExceed,omitempty" yaml:"actionOnExceed,omitempty"`
	// SlowdownMs is the delay applied when ActionOnExceed is
	// ActionSlowdown. Zero means DefaultSlowdownMs.
	SlowdownMs int `json:"slowdownMs,omitempty" yaml:"slowdownMs,omitempty"`
}

// CostPolicy bounds monetary spend over up to two rolling windows. Exactly
// one of PerRequest or EstimateCost should be set; EstimateCost takes
// precedence when both are non-zero/non-nil.
type CostPolicy struct {
	// PerRequest is a constant cost charged to every request.
	PerRequest float64 `json:"perRequest,omitempty" yaml:"perRequest,omitempty"`
	// EstimateCost computes the cost of a specific request. It is pure
	// with respect to rate-limiting state and is called at most once per
	// request. It may perform I/O (e.g. true token counting); the engine
	// holds no lock across the call. Not configurable from a policy file;
	// set it in code via WithPolicies.
	EstimateCost func(*http.Request) float64 `json:"-" yaml:"-"`

	HourlyCap *float64 `json:"hourlyCap,omitempty" yaml:"hourlyCap,omitempty"`
	DailyCap  *float64 `json:"dailyCap,omitempty" yaml:"dailyCap,omitempty"`

	ActionOnExceed Action `json:"actionOnExceed,omitempty" yaml:"actionOnExceed,omitempty"`
}

// EndpointPolicy bundles the independent rate and cost sub-policies for one
// (plan, endpoint) pair. Either may be nil, meaning unlimited on that axis.
type EndpointPolicy struct {
	Rate *RatePolicy `json:"rate,omitempty" yaml:"rate,omitempty"`
	Cost *CostPolicy `json:"cost,omitempty" yaml:"cost,omitempty"`
}

// IsEmpty reports whether the policy imposes no limits at all.
func (p EndpointPolicy) IsEmpty() bool {
	return p.Rate == nil && p.Cost == nil
}

// PlanPolicy holds per-endpoint overrides and a fallback default for one
// plan tier.
type PlanPolicy struct {
	Endpoints map[string]EndpointPolicy `json:"endpoints,omitempty" yaml:"endpoints,omitempty"`
	Defaults  EndpointPolicy            `json:"defaults,omitempty" yaml:"defaults,omitempty"`
}

// Identity is the resolved (user, plan) pair for one request.
type Identity struct {
	User string
	Plan string
}
