package limitrate

import (
	"log/slog"
	"net/http"

	"github.com/limitrate/limitrate/store"
)

// Limiter is the constructed, immutable middleware: a policy snapshot
// (spec.md 9 "Policy snapshot immutability") bound to a Store and a set
// of identity/event hooks. Build one with New and reuse it for the
// process lifetime; there is no hot-reload — replace the middleware at
// the host framework layer instead.
type Limiter struct {
	policies  map[string]PlanPolicy
	basePlan  string
	store     store.Store
	identifyUser func(*http.Request) (string, error)
	identifyPlan func(*http.Request) (string, error)
	trustProxy   bool
	skip         func(*http.Request) bool
	routeTemplate func(*http.Request) string
	upgradeHint  func(plan string) string
	onEvent      func(Event)
	failOpen     bool
	logger       *slog.Logger
	obs          *Observability
	validate     func(*http.Request) (*ValidateRequest, bool)
}

// Option configures a Limiter at construction time.
type Option func(*limiterConfig)

type limiterConfig struct {
	policies     map[string]PlanPolicy
	basePlan     string
	store        store.Store
	identifyUser func(*http.Request) (string, error)
	identifyPlan func(*http.Request) (string, error)
	trustProxy   bool
	skip         func(*http.Request) bool
	routeTemplate func(*http.Request) string
	upgradeHint  func(plan string) string
	onEvent      func(Event)
	failOpen     *bool
	logger       *slog.Logger
	obs          *Observability
	validate     func(*http.Request) (*ValidateRequest, bool)
}

// WithPolicies sets the plan -> PlanPolicy map (spec.md 3 "Policy tree").
func WithPolicies(policies map[string]PlanPolicy) Option {
	return func(c *limiterConfig) { c.policies = policies }
}

// WithBasePlan sets the plan that unknown plans collapse to. Defaults to
// "free" per spec.md 3.
func WithBasePlan(plan string) Option {
	return func(c *limiterConfig) { c.basePlan = plan }
}

// WithStore sets the counter backend.
func WithStore(s store.Store) Option {
	return func(c *limiterConfig) { c.store = s }
}

// WithIdentifyUser sets the required user-identification hook.
func WithIdentifyUser(f func(*http.Request) (string, error)) Option {
	return func(c *limiterConfig) { c.identifyUser = f }
}

// WithIdentifyPlan sets the required plan-identification hook.
func WithIdentifyPlan(f func(*http.Request) (string, error)) Option {
	return func(c *limiterConfig) { c.identifyPlan = f }
}

// WithTrustProxy enables honoring X-Forwarded-For when falling back to
// the peer address for identity.
func WithTrustProxy(trust bool) Option {
	return func(c *limiterConfig) { c.trustProxy = trust }
}

// WithSkip installs a predicate that bypasses the middleware entirely.
func WithSkip(f func(*http.Request) bool) Option {
	return func(c *limiterConfig) { c.skip = f }
}

// WithRouteTemplate sets a hook that returns the templatized route (e.g.
// "/api/users/{id}") for an incoming request, used for endpoint keying
// instead of the literal path. Without it the literal r.URL.Path is used,
// which fragments counters across path parameters (spec.md GLOSSARY,
// "Endpoint key").
func WithRouteTemplate(f func(*http.Request) string) Option {
	return func(c *limiterConfig) { c.routeTemplate = f }
}

// WithUpgradeHint sets the plan -> upgrade-message hook surfaced in 429
// bodies.
func WithUpgradeHint(f func(plan string) string) Option {
	return func(c *limiterConfig) { c.upgradeHint = f }
}

// WithOnEvent sets the synchronous event sink.
func WithOnEvent(f func(Event)) Option {
	return func(c *limiterConfig) { c.onEvent = f }
}

// WithFailOpen overrides the default fail-open-on-store-error policy
// (spec.md 4.3, Open Question 1: defaults to fail-open with an event).
func WithFailOpen(failOpen bool) Option {
	return func(c *limiterConfig) { c.failOpen = &failOpen }
}

// WithLogger overrides the default slog.Default() logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *limiterConfig) { c.logger = l }
}

// WithObservability attaches an otel-backed Observability provider.
func WithObservability(o *Observability) Option {
	return func(c *limiterConfig) { c.obs = o }
}

// WithValidator enables the pre-flight token-budget check of spec.md 4.6
// as a pipeline step (spec.md 4.5's "Validated?" state), run after policy
// resolution and before the peek/commit engine. extract inspects the
// request and returns the model/prompt to validate; returning false skips
// validation for this request (e.g. non-JSON endpoints). A failing
// validation is answered with a 400 whose error member is
// "validation_failed", before any counter is touched, per spec.md 4.5.
func WithValidator(extract func(*http.Request) (*ValidateRequest, bool)) Option {
	return func(c *limiterConfig) { c.validate = extract }
}

// New constructs a Limiter from the given options, validating the policy
// tree and returning a *ConfigError if it is invalid (spec.md 7: ConfigError
// is fatal at startup, never returned from the admission path).
func New(opts ...Option) (*Limiter, error) {
	c := &limiterConfig{basePlan: "free"}
	for _, opt := range opts {
		opt(c)
	}

	if c.store == nil {
		return nil, &ConfigError{Field: "store", Msg: "a Store implementation is required"}
	}
	if c.identifyUser == nil {
		return nil, &ConfigError{Field: "identifyUser", Msg: "identifyUser hook is required"}
	}
	if c.identifyPlan == nil {
		return nil, &ConfigError{Field: "identifyPlan", Msg: "identifyPlan hook is required"}
	}
	if err := validatePolicies(c.policies); err != nil {
		return nil, err
	}

	failOpen := true
	if c.failOpen != nil {
		failOpen = *c.failOpen
	}

	logger := c.logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Limiter{
		policies:     c.policies,
		basePlan:     c.basePlan,
		store:        c.store,
		identifyUser: c.identifyUser,
		identifyPlan: c.identifyPlan,
		trustProxy:   c.trustProxy,
		skip:         c.skip,
		routeTemplate: c.routeTemplate,
		upgradeHint:  c.upgradeHint,
		onEvent:      c.onEvent,
		failOpen:     failOpen,
		logger:       logger,
		obs:          c.obs,
		validate:     c.validate,
	}, nil
}

// validatePolicies rejects negative limits/caps and unknown actions at
// construction time, per spec.md 7 ConfigError.
func validatePolicies(policies map[string]PlanPolicy) error {
	for plan, pp := range policies {
		if err := validateEndpointPolicy(plan, "defaults", pp.Defaults); err != nil {
			return err
		}
		for ep, p := range pp.Endpoints {
			if err := validateEndpointPolicy(plan, ep, p); err != nil {
				return err
			}
		}
	}
	return nil
}

func validateEndpointPolicy(plan, endpoint string, p EndpointPolicy) error {
	field := plan + "/" + endpoint
	if p.Rate != nil {
		if !validAction(p.Rate.ActionOnExceed) && p.Rate.ActionOnExceed != "" {
			return &ConfigError{Field: field + ".rate.actionOnExceed", Msg: "unknown action " + string(p.Rate.ActionOnExceed)}
		}
		if negIntPtr(p.Rate.MaxPerMinute) || negIntPtr(p.Rate.MaxPerHour) || negIntPtr(p.Rate.MaxPerDay) {
			return &ConfigError{Field: field + ".rate", Msg: "rate limits must be non-negative"}
		}
		if p.Rate.SlowdownMs < 0 {
			return &ConfigError{Field: field + ".rate.slowdownMs", Msg: "slowdownMs must be non-negative"}
		}
	}
	if p.Cost != nil {
		if !validAction(p.Cost.ActionOnExceed) && p.Cost.ActionOnExceed != "" {
			return &ConfigError{Field: field + ".cost.actionOnExceed", Msg: "unknown action " + string(p.Cost.ActionOnExceed)}
		}
		if p.Cost.PerRequest < 0 {
			return &ConfigError{Field: field + ".cost.perRequest", Msg: "perRequest must be non-negative"}
		}
		if negFloatPtr(p.Cost.HourlyCap) || negFloatPtr(p.Cost.DailyCap) {
			return &ConfigError{Field: field + ".cost", Msg: "cost caps must be non-negative"}
		}
	}
	return nil
}

func validAction(a Action) bool {
	switch a {
	case ActionBlock, ActionSlowdown, ActionAllowAndLog:
		return true
	default:
		return false
	}
}

func negIntPtr(p *int) bool  { return p != nil && *p < 0 }
func negFloatPtr(p *float64) bool { return p != nil && *p < 0 }

// resolve looks up the EndpointPolicy for (plan, endpointKey) under this
// Limiter's immutable policy snapshot.
func (l *Limiter) resolve(plan, endpointKey string) EndpointPolicy {
	return resolvePolicy(l.policies, l.basePlan, plan, endpointKey)
}
