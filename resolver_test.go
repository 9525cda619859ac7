package limitrate

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func intp(i int) *int { return &i }

func TestResolvePolicy_EndpointOverride(t *testing.T) {
	policies := map[string]PlanPolicy{
		"free": {
			Endpoints: map[string]EndpointPolicy{
				"POST|/api/ask": {Rate: &RatePolicy{MaxPerMinute: intp(10), ActionOnExceed: ActionBlock}},
			},
			Defaults: EndpointPolicy{Rate: &RatePolicy{MaxPerMinute: intp(100), ActionOnExceed: ActionBlock}},
		},
	}

	got := resolvePolicy(policies, "free", "free", "POST|/api/ask")
	assert.Equal(t, 10, *got.Rate.MaxPerMinute)
}

func TestResolvePolicy_FallsBackToDefaults(t *testing.T) {
	policies := map[string]PlanPolicy{
		"free": {
			Endpoints: map[string]EndpointPolicy{},
			Defaults:  EndpointPolicy{Rate: &RatePolicy{MaxPerMinute: intp(100), ActionOnExceed: ActionBlock}},
		},
	}

	got := resolvePolicy(policies, "free", "free", "GET|/unmapped")
	assert.Equal(t, 100, *got.Rate.MaxPerMinute)
}

func TestResolvePolicy_UnknownPlanCollapsesToBase(t *testing.T) {
	policies := map[string]PlanPolicy{
		"free": {Defaults: EndpointPolicy{Rate: &RatePolicy{MaxPerMinute: intp(5), ActionOnExceed: ActionBlock}}},
	}

	got := resolvePolicy(policies, "free", "nonexistent-plan", "GET|/x")
	assert.Equal(t, 5, *got.Rate.MaxPerMinute)
}

func TestResolvePolicy_NoPolicyIsEmpty(t *testing.T) {
	got := resolvePolicy(map[string]PlanPolicy{}, "free", "free", "GET|/x")
	assert.True(t, got.IsEmpty())
}

func TestResolvePolicy_DoesNotMergeEndpointAndDefaults(t *testing.T) {
	policies := map[string]PlanPolicy{
		"pro": {
			Endpoints: map[string]EndpointPolicy{
				// Rate-only override; Cost is intentionally absent here.
				"POST|/api/ask": {Rate: &RatePolicy{MaxPerMinute: intp(50), ActionOnExceed: ActionBlock}},
			},
			Defaults: EndpointPolicy{
				Rate: &RatePolicy{MaxPerMinute: intp(10), ActionOnExceed: ActionBlock},
				Cost: &CostPolicy{PerRequest: 0.01, ActionOnExceed: ActionBlock},
			},
		},
	}

	got := resolvePolicy(policies, "pro", "pro", "POST|/api/ask")
	assert.Equal(t, 50, *got.Rate.MaxPerMinute)
	// The default's Cost policy must NOT leak in: winner-takes-all.
	assert.Nil(t, got.Cost)
}

func TestResolvePolicy_Deterministic(t *testing.T) {
	policies := map[string]PlanPolicy{
		"free": {Defaults: EndpointPolicy{Rate: &RatePolicy{MaxPerMinute: intp(5), ActionOnExceed: ActionBlock}}},
	}

	a := resolvePolicy(policies, "free", "free", "GET|/x")
	b := resolvePolicy(policies, "free", "free", "GET|/x")
	assert.Equal(t, a, b)
}
