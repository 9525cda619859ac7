package limitrate

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"net/http"

	"github.com/limitrate/limitrate/store"
)

const (
	secondsPerMinute = 60
	secondsPerHour   = 3600
	secondsPerDay    = 86400
)

type rateWindow struct {
	name  string
	limit int
	secs  int
}

func (p *RatePolicy) windows() []rateWindow {
	if p == nil {
		return nil
	}
	var ws []rateWindow
	if p.MaxPerMinute != nil {
		ws = append(ws, rateWindow{WindowMinute, *p.MaxPerMinute, secondsPerMinute})
	}
	if p.MaxPerHour != nil {
		ws = append(ws, rateWindow{WindowHour, *p.MaxPerHour, secondsPerHour})
	}
	if p.MaxPerDay != nil {
		ws = append(ws, rateWindow{WindowDay, *p.MaxPerDay, secondsPerDay})
	}
	return ws
}

type costWindow struct {
	name string
	cap  float64
	secs int
}

func (p *CostPolicy) windows() []costWindow {
	if p == nil {
		return nil
	}
	var ws []costWindow
	if p.HourlyCap != nil {
		ws = append(ws, costWindow{WindowHour, *p.HourlyCap, secondsPerHour})
	}
	if p.DailyCap != nil {
		ws = append(ws, costWindow{WindowDay, *p.DailyCap, secondsPerDay})
	}
	return ws
}

// estimateCost resolves the cost charged for this request (spec.md 4.4
// "Cost estimation hook"). Negative, NaN or infinite estimates are clamped
// to zero and logged, never panicked on.
func estimateCost(logger *slog.Logger, p *CostPolicy, r *http.Request, identity Identity, endpoint string) float64 {
	if p == nil {
		return 0
	}
	var cost float64
	if p.EstimateCost != nil {
		cost = p.EstimateCost(r)
	} else {
		cost = p.PerRequest
	}
	if math.IsNaN(cost) || math.IsInf(cost, 0) || cost < 0 {
		logger.Warn("cost estimate out of range, clamped to 0",
			"user", identity.User, "plan", identity.Plan, "endpoint", endpoint, "estimate", cost)
		return 0
	}
	return cost
}

// evalResult is the internal working state of one evaluate() call, threaded
// through peek, commit, and event emission.
type evalResult struct {
	verdict Verdict
	events  []Event
}

// evaluate runs the limiter engine (spec.md 4.4) for one request: peek
// every configured window, short-circuit to Block if any window's
// peek-projected state would exceed a block-actioned limit, otherwise
// commit every window and merge the resulting actions by precedence.
func (l *Limiter) evaluate(ctx context.Context, r *http.Request, identity Identity, endpoint string, policy EndpointPolicy) evalResult {
	var res evalResult

	ctx, finishObs := l.obs.startEval(ctx, identity.Plan, endpoint)
	var costCommitted float64
	defer func() { finishObs(res.verdict, costCommitted) }()

	rateWindows := policy.Rate.windows()
	costWindows := policy.Cost.windows()

	key := identity.User + ":" + endpoint

	type axisObs struct {
		kind           string // "rate" or "cost"
		windowName     string
		wouldExceed    bool
		action         Action
		limit          float64
		current        float64
		resetInSeconds int
		typ            EventType
	}
	var axes []axisObs

	cost := estimateCost(l.logger, policy.Cost, r, identity, endpoint)

	// Peek pass.
	for _, w := range rateWindows {
		peek, err := l.store.PeekRate(ctx, key, w.limit, w.secs)
		if err != nil {
			if !l.handleStoreErr(&res, identity, endpoint, "rate", w.name, err) {
				return res // fail-closed
			}
			continue
		}
		res.verdict.Observations = append(res.verdict.Observations, observationFromRate("rate", w.name, w.limit, peek))
		wouldExceed := w.limit > 0 && peek.Current+1 > w.limit
		axes = append(axes, axisObs{
			kind: "rate", windowName: w.name, wouldExceed: wouldExceed,
			action: policy.Rate.ActionOnExceed, limit: float64(w.limit), current: float64(peek.Current),
			resetInSeconds: peek.ResetInSeconds, typ: EventRateExceeded,
		})
	}
	for _, w := range costWindows {
		peek, err := l.store.PeekCost(ctx, key, w.secs)
		if err != nil {
			if !l.handleStoreErr(&res, identity, endpoint, "cost", w.name, err) {
				return res
			}
			continue
		}
		res.verdict.Observations = append(res.verdict.Observations, observationFromCost("cost", w.name, w.cap, peek))
		wouldExceed := w.cap > 0 && peek.Current+cost > w.cap
		axes = append(axes, axisObs{
			kind: "cost", windowName: w.name, wouldExceed: wouldExceed,
			action: policy.Cost.ActionOnExceed, limit: w.cap, current: peek.Current,
			resetInSeconds: peek.ResetInSeconds, typ: EventCostExceeded,
		})
	}

	// Step 3: any would-exceed axis with a block action aborts before any
	// commit (I2, I3).
	for _, ax := range axes {
		if ax.wouldExceed && ax.action == ActionBlock {
			reasonStr := "rate_exceeded"
			if ax.kind == "cost" {
				reasonStr = "cost_exceeded"
			}
			res.verdict = Verdict{Kind: VerdictBlocked, Reason: reasonStr, RetryAfterSecs: ax.resetInSeconds, Observations: res.verdict.Observations}
			ev := newEvent(identity, endpoint, ax.typ)
			ev.Window = ax.windowName
			ev.Value = ax.current
			ev.Threshold = ax.limit
			res.events = append(res.events, ev)
			blocked := newEvent(identity, endpoint, EventBlocked)
			blocked.Window = ax.windowName
			res.events = append(res.events, blocked)
			return res
		}
	}

	// Step 4: commit every configured window, unconditionally.
	var pending []pendingAction
	for _, w := range rateWindows {
		commit, err := l.store.CommitRate(ctx, key, w.limit, w.secs)
		if err != nil {
			if !l.handleStoreErr(&res, identity, endpoint, "rate", w.name, err) {
				return res
			}
			continue
		}
		updateObservation(res.verdict.Observations, "rate", w.name, observationFromRate("rate", w.name, w.limit, commit))
		if commit.Exceeded {
			ev := newEvent(identity, endpoint, EventRateExceeded)
			ev.Window = w.name
			ev.Value = float64(commit.Current)
			ev.Threshold = float64(w.limit)
			res.events = append(res.events, ev)
			pending = append(pending, pendingAction{
				action:         policy.Rate.ActionOnExceed,
				slowdownMs:     policy.Rate.SlowdownMs,
				reason:         "rate_exceeded",
				retryAfterSecs: commit.ResetInSeconds,
			})
		}
	}
	for _, w := range costWindows {
		commit, err := l.store.CommitCost(ctx, key, cost, w.secs, w.cap)
		if err != nil {
			if !l.handleStoreErr(&res, identity, endpoint, "cost", w.name, err) {
				return res
			}
			continue
		}
		costCommitted = cost
		updateObservation(res.verdict.Observations, "cost", w.name, observationFromCost("cost", w.name, w.cap, commit))
		if commit.Exceeded {
			ev := newEvent(identity, endpoint, EventCostExceeded)
			ev.Window = w.name
			ev.Value = commit.Current
			ev.Threshold = w.cap
			res.events = append(res.events, ev)
			pending = append(pending, pendingAction{
				action:         policy.Cost.ActionOnExceed,
				reason:         "cost_exceeded",
				retryAfterSecs: commit.ResetInSeconds,
			})
		}
	}

	// Step 5 & 6: merge actions by precedence; a commit-time race that
	// reveals exceeded+block downgrades the verdict to Blocked even though
	// the commit already happened (spec.md 4.4 step 5, rationale note).
	winner, p := mergeActions(pending)
	v := toVerdict(winner, p)
	v.Observations = res.verdict.Observations
	res.verdict = v

	switch v.Kind {
	case VerdictBlocked:
		res.events = append(res.events, newEvent(identity, endpoint, EventBlocked))
	case VerdictDelayed:
		res.events = append(res.events, newEvent(identity, endpoint, EventSlowdownApplied))
	case VerdictAllow, VerdictAllowLogged:
		// Every terminal decision emits at least one event (spec.md I5), so a
		// plain Allow still gets its "allowed" record even though nothing was
		// close to its limit.
		res.events = append(res.events, newEvent(identity, endpoint, EventAllowed))
	}

	return res
}

// handleStoreErr applies the fail-open/fail-closed policy (spec.md 4.3,
// 4.5). It returns true when evaluation should continue treating this
// axis as non-limiting (fail-open), false when the caller must stop and
// res.verdict already holds a Blocked verdict (fail-closed).
func (l *Limiter) handleStoreErr(res *evalResult, identity Identity, endpoint, axis, window string, err error) bool {
	var invalid *store.ErrInvalid
	if errors.As(err, &invalid) {
		wrapped := &StoreInvalid{Op: invalid.Op, Msg: invalid.Msg}
		l.logger.Error("store contract violation, treating as unavailable", "error", wrapped.Error(), "axis", axis, "window", window)
	} else {
		wrapped := &StoreUnavailable{Op: axis, Key: endpoint, Err: err}
		l.logger.Warn("store unavailable", "error", wrapped.Error(), "axis", axis, "window", window)
	}

	ev := newEvent(identity, endpoint, EventStoreUnavailable)
	ev.Window = window
	res.events = append(res.events, ev)

	if l.failOpen {
		return true
	}

	res.verdict = Verdict{Kind: VerdictBlocked, Reason: "store_unavailable", RetryAfterSecs: 1}
	return false
}

// updateObservation replaces the peek-time observation for (axis, window)
// with the post-commit one, so response headers reflect this request's own
// consumption (spec.md 6: "Remaining" on an admitted request already
// accounts for it) while the earlier peek-time value still drove the
// block/no-block decision in step 3.
func updateObservation(obs []WindowObservation, axis, window string, updated WindowObservation) {
	for i := range obs {
		if obs[i].Axis == axis && obs[i].Window == window {
			obs[i] = updated
			return
		}
	}
}

func observationFromRate(axis, window string, limit int, r store.RateResult) WindowObservation {
	remaining := 0.0
	if limit > 0 {
		remaining = float64(limit - r.Current)
		if remaining < 0 {
			remaining = 0
		}
	}
	return WindowObservation{
		Axis: axis, Window: window, Limit: float64(limit), Current: float64(r.Current),
		Remaining: remaining, ResetInSeconds: r.ResetInSeconds, Exceeded: r.Exceeded,
	}
}

func observationFromCost(axis, window string, cap float64, r store.CostResult) WindowObservation {
	remaining := 0.0
	if cap > 0 {
		remaining = cap - r.Current
		if remaining < 0 {
			remaining = 0
		}
	}
	return WindowObservation{
		Axis: axis, Window: window, Limit: cap, Current: r.Current,
		Remaining: remaining, ResetInSeconds: r.ResetInSeconds,
	}
}

