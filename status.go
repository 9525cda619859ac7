package limitrate

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// StatusReport is the body the status-inspection endpoint returns for the
// tightest applicable window (spec.md 5.2).
type StatusReport struct {
	Used       int     `json:"used"`
	Limit      int     `json:"limit"`
	Remaining  int     `json:"remaining"`
	ResetIn    int     `json:"resetIn"`
	Plan       string  `json:"plan"`
	Percentage float64 `json:"percentage"`
}

// Status peeks (never commits) the rate window for (identity, endpointKey)
// under the configured policy and reports the tightest window, matching
// spec.md I4/P4 (status-inspection never mutates and always reports
// percentage in [0, 100]).
func (l *Limiter) Status(ctx context.Context, identity Identity, endpointKey string) (*StatusReport, error) {
	policy := l.resolve(identity.Plan, endpointKey)
	windows := policy.Rate.windows()
	if len(windows) == 0 {
		return &StatusReport{Plan: identity.Plan}, nil
	}

	key := identity.User + ":" + endpointKey
	report := &StatusReport{Plan: identity.Plan}
	tightestRemaining := -1

	for _, w := range windows {
		peek, err := l.store.PeekRate(ctx, key, w.limit, w.secs)
		if err != nil {
			return nil, err
		}
		remaining := w.limit - peek.Current
		if remaining < 0 {
			remaining = 0
		}
		if tightestRemaining == -1 || remaining < tightestRemaining {
			tightestRemaining = remaining
			report.Used = peek.Current
			report.Limit = w.limit
			report.Remaining = remaining
			report.ResetIn = peek.ResetInSeconds
			report.Percentage = percentageUsed(peek.Current, w.limit)
		}
	}
	return report, nil
}

// percentageUsed implements spec.md 5.2's
// "percentage = min(100, round(100 * used / limit)), 0 when limit == 0".
func percentageUsed(used, limit int) float64 {
	if limit == 0 {
		return 0
	}
	pct := float64(used) / float64(limit) * 100
	pct = float64(int(pct + 0.5)) // round half up
	if pct > 100 {
		pct = 100
	}
	return pct
}

// StatusHandlerOptions configures NewStatusHandler.
type StatusHandlerOptions struct {
	// EndpointKey resolves which endpoint's policy to report on. When nil,
	// the key is built by EndpointKey from the status request's own method
	// and path (and route template hook, if configured).
	EndpointKey func(*http.Request) string
	// PeekCapPerSecond bounds peek requests per client IP, a last-line
	// defense independent of the Store (spec.md 5.3 "peek-endpoint DoS
	// cap"). Zero (unset) means the default of 20/s.
	PeekCapPerSecond float64
}

// NewStatusHandler builds the separate status-inspection GET handler of
// spec.md 5.2. It never calls CommitRate/CommitCost.
func (l *Limiter) NewStatusHandler(opts StatusHandlerOptions) http.Handler {
	capPerSec := opts.PeekCapPerSecond
	if capPerSec == 0 {
		capPerSec = 20
	}
	dos := newPeekDOSCap(capPerSec)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r, l.trustProxy)
		if !dos.allow(ip) {
			writeProblem(w, r, &ProblemDetail{Status: http.StatusTooManyRequests, Title: "Too Many Requests", Detail: "status endpoint peek cap exceeded"})
			return
		}

		user, err := resolveUser(r, l.identifyUser, l.trustProxy)
		if err != nil {
			l.writeIdentityFailure(w, r, "user", err)
			return
		}
		plan, err := l.identifyPlan(r)
		if err != nil {
			l.writeIdentityFailure(w, r, "plan", err)
			return
		}

		endpoint := l.endpointKey(r)
		if opts.EndpointKey != nil {
			endpoint = opts.EndpointKey(r)
		}

		report, err := l.Status(r.Context(), Identity{User: user, Plan: plan}, endpoint)
		if err != nil {
			writeProblem(w, r, &ProblemDetail{Status: http.StatusInternalServerError, Title: "Store Unavailable", Detail: "could not read rate limit status"})
			return
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(report)
	})
}

// ResetHandlerOptions configures NewResetHandler.
type ResetHandlerOptions struct {
	// EndpointKey resolves which endpoint's counters to clear. When nil,
	// the key is built by EndpointKey from the reset request's own method
	// and path (and route template hook, if configured).
	EndpointKey func(*http.Request) string
	// Authorize gates the call; if it returns false the handler responds
	// 403. There is no default: admin reset endpoints must be explicitly
	// authorized by the caller.
	Authorize func(*http.Request) bool
}

// NewResetHandler builds an admin endpoint that clears all counters under
// (identity, endpointKey) via Store.Reset — the operational escape hatch
// spec.md 3.5 describes for the Store interface ("Used by tests and admin
// tools").
func (l *Limiter) NewResetHandler(opts ResetHandlerOptions) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if opts.Authorize == nil || !opts.Authorize(r) {
			writeProblem(w, r, &ProblemDetail{Status: http.StatusForbidden, Title: "Forbidden", Detail: "reset endpoint requires authorization"})
			return
		}

		user, err := resolveUser(r, l.identifyUser, l.trustProxy)
		if err != nil {
			l.writeIdentityFailure(w, r, "user", err)
			return
		}

		endpoint := l.endpointKey(r)
		if opts.EndpointKey != nil {
			endpoint = opts.EndpointKey(r)
		}

		key := user + ":" + endpoint
		if err := l.store.Reset(r.Context(), key); err != nil {
			writeProblem(w, r, &ProblemDetail{Status: http.StatusInternalServerError, Title: "Reset Failed", Detail: "could not clear counters"})
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
}

// peekDOSCap is an in-process, per-IP rate cap that never touches the
// Store, grounded on the teacher's GlobalRateLimiter visitor-map pattern.
type peekDOSCap struct {
	mu       sync.Mutex
	visitors map[string]*rate.Limiter
	limit    rate.Limit
}

func newPeekDOSCap(perSecond float64) *peekDOSCap {
	d := &peekDOSCap{
		visitors: make(map[string]*rate.Limiter),
		limit:    rate.Limit(perSecond),
	}
	go d.cleanupLoop()
	return d
}

func (d *peekDOSCap) allow(ip string) bool {
	d.mu.Lock()
	limiter, ok := d.visitors[ip]
	if !ok {
		limiter = rate.NewLimiter(d.limit, int(d.limit)+1)
		d.visitors[ip] = limiter
	}
	d.mu.Unlock()
	return limiter.Allow()
}

func (d *peekDOSCap) cleanupLoop() {
	for {
		time.Sleep(time.Minute)
		d.mu.Lock()
		for ip, limiter := range d.visitors {
			if limiter.TokensAt(time.Now()) >= float64(d.limit) {
				delete(d.visitors, ip)
			}
		}
		d.mu.Unlock()
	}
}

func clientIP(r *http.Request, trustProxy bool) string {
	return peerAddress(r, trustProxy)
}
