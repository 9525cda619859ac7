package limitrate

import (
	"net/http"
	"strconv"
	"time"
)

// Header names set on every response, admitted or blocked, whose evaluation
// observed at least one window, mirroring the conventional RateLimit-*
// headers (spec.md 5.1). Requests skipped or resolved to an empty policy
// get none.
const (
	HeaderLimit     = "RateLimit-Limit"
	HeaderRemaining = "RateLimit-Remaining"
	HeaderReset     = "RateLimit-Reset"
)

// Wrap returns an http.Handler that gates next behind the limiter: identify,
// resolve, validate, evaluate, respond (spec.md 4 pipeline). A request that
// is Allowed or AllowLogged reaches next; Delayed sleeps before reaching
// next; Blocked never reaches next.
func (l *Limiter) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if l.skip != nil && l.skip(r) {
			next.ServeHTTP(w, r)
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
		identity := Identity{User: user, Plan: plan}

		endpoint := l.endpointKey(r)
		policy := l.resolve(plan, endpoint)

		if l.validate != nil {
			if req, ok := l.validate(r); ok {
				if !l.runValidator(w, r, identity, endpoint, *req) {
					return
				}
			}
		}

		if policy.IsEmpty() {
			next.ServeHTTP(w, r)
			return
		}

		result := l.evaluate(r.Context(), r, identity, endpoint, policy)
		for _, ev := range result.events {
			emit(l.logger, l.onEvent, ev)
		}

		writeRateHeaders(w, result.verdict.Observations)

		switch result.verdict.Kind {
		case VerdictBlocked:
			hint := ""
			if l.upgradeHint != nil {
				hint = l.upgradeHint(plan)
			}
			writeBlocked(w, r, result.verdict, hint)
			return
		case VerdictDelayed:
			select {
			case <-time.After(time.Duration(result.verdict.DelayMs) * time.Millisecond):
			case <-r.Context().Done():
				return
			}
		}

		next.ServeHTTP(w, r)
	})
}

// runValidator runs the pre-flight token-budget check and, on rejection,
// writes the 400 response and reports false so Wrap stops before the
// peek/commit engine ever runs — no counter is touched for a validation
// failure (spec.md 4.5).
func (l *Limiter) runValidator(w http.ResponseWriter, r *http.Request, identity Identity, endpoint string, req ValidateRequest) bool {
	result, err := Validate(req)
	if err != nil {
		l.logger.Error("validator tokenizer failed", "error", err, "model", req.Model)
		writeProblem(w, r, &ProblemDetail{
			Status: http.StatusInternalServerError,
			Title:  "Validation Unavailable",
			Detail: "could not tokenize the request for pre-flight validation",
		})
		return false
	}
	if result.Valid {
		return true
	}

	ve := &ValidationError{Model: req.Model, Reason: result.Reason, Details: result}
	l.logger.Warn("pre-flight validation failed", "error", ve.Error(), "user", identity.User, "plan", identity.Plan, "endpoint", endpoint)
	ev := newEvent(identity, endpoint, EventValidationFailed)
	ev.Value = float64(result.InputTokens)
	ev.Threshold = float64(result.MaxInputTokens)
	emit(l.logger, l.onEvent, ev)

	writeValidationFailed(w, r, result)
	return false
}

func (l *Limiter) endpointKey(r *http.Request) string {
	template := ""
	if l.routeTemplate != nil {
		template = l.routeTemplate(r)
	}
	return EndpointKey(r.Method, r.URL.Path, template)
}

func (l *Limiter) writeIdentityFailure(w http.ResponseWriter, r *http.Request, hook string, err error) {
	idErr := &IdentityError{Hook: hook, Err: err}
	l.logger.Error("identity hook failed", "hook", hook, "error", err)
	writeProblem(w, r, &ProblemDetail{
		Status: http.StatusInternalServerError,
		Title:  "Identity Resolution Failed",
		Detail: idErr.Error(),
	})
}

// writeRateHeaders surfaces the most restrictive observed window (lowest
// remaining) as the RateLimit-* headers, matching the convention of
// IETF draft-ietf-httpapi-ratelimit-headers.
func writeRateHeaders(w http.ResponseWriter, obs []WindowObservation) {
	if len(obs) == 0 {
		return
	}
	tightest := obs[0]
	for _, o := range obs[1:] {
		if o.Remaining < tightest.Remaining {
			tightest = o
		}
	}
	w.Header().Set(HeaderLimit, strconv.Itoa(int(tightest.Limit)))
	w.Header().Set(HeaderRemaining, strconv.Itoa(int(tightest.Remaining)))
	w.Header().Set(HeaderReset, strconv.Itoa(tightest.ResetInSeconds))
}
