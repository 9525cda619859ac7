package limitrate

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/limitrate/limitrate/store/memory"
)

func newTestLimiter(t *testing.T, policies map[string]PlanPolicy, opts ...Option) *Limiter {
	t.Helper()
	base := []Option{
		WithStore(memory.New()),
		WithIdentifyUser(func(*http.Request) (string, error) { return "user-a", nil }),
		WithIdentifyPlan(func(r *http.Request) (string, error) { return r.Header.Get("X-Plan"), nil }),
		WithPolicies(policies),
	}
	l, err := New(append(base, opts...)...)
	require.NoError(t, err)
	return l
}

func newAskRequest(plan string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/api/ask", nil)
	req.Header.Set("X-Plan", plan)
	return req
}

// Scenario 1: free plan, 10/min, block. Ten sequential requests admitted
// with Remaining decreasing 9..0; the eleventh is blocked with a
// rate_exceeded reason and a retryAfter no larger than the window length.
func TestScenario_FreePlanBlocksEleventhRequest(t *testing.T) {
	policies := map[string]PlanPolicy{
		"free": {Defaults: EndpointPolicy{
			Rate: &RatePolicy{MaxPerMinute: intp(10), ActionOnExceed: ActionBlock},
		}},
	}
	l := newTestLimiter(t, policies)
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	handler := l.Wrap(next)

	for i := 0; i < 10; i++ {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, newAskRequest("free"))
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, strconv.Itoa(9-i), rec.Header().Get(HeaderRemaining))
	}

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, newAskRequest("free"))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	retryAfter := rec.Header().Get("Retry-After")
	require.NotEmpty(t, retryAfter)

	var body ProblemDetail
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, "rate_exceeded", body.ErrorCode)
}

// Scenario 2: cost cap, free, $0.10/hour, $0.03 per request. The fourth
// admitted-or-not request (total would be $0.12) is blocked before its own
// cost is committed, so the counter reads $0.09 afterward.
func TestScenario_CostCapBlocksBeforeCommit(t *testing.T) {
	policies := map[string]PlanPolicy{
		"free": {Defaults: EndpointPolicy{
			Cost: &CostPolicy{PerRequest: 0.03, HourlyCap: floatp(0.10), ActionOnExceed: ActionBlock},
		}},
	}
	s := memory.New()
	l := newTestLimiter(t, policies, WithStore(s))
	handler := l.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) }))

	for i := 0; i < 3; i++ {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, newAskRequest("free"))
		assert.Equal(t, http.StatusOK, rec.Code)
	}

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, newAskRequest("free"))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)

	cost, err := s.PeekCost(context.Background(), "user-a:POST|/api/ask", secondsPerHour)
	require.NoError(t, err)
	assert.InDelta(t, 0.09, cost.Current, 1e-9)
}

// Scenario 3: pro plan, slowdown at maxPerMinute=2, slowdownMs=500. The
// third request within the window is admitted but delayed by at least
// 500ms, and a slowdown_applied event fires.
func TestScenario_ProPlanSlowsThirdRequest(t *testing.T) {
	var events []Event
	var mu sync.Mutex
	policies := map[string]PlanPolicy{
		"pro": {Defaults: EndpointPolicy{
			Rate: &RatePolicy{MaxPerMinute: intp(2), ActionOnExceed: ActionSlowdown, SlowdownMs: 500},
		}},
	}
	l := newTestLimiter(t, policies, WithOnEvent(func(ev Event) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	}))
	handler := l.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) }))

	for i := 0; i < 2; i++ {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, newAskRequest("pro"))
		assert.Equal(t, http.StatusOK, rec.Code)
	}

	start := nowMs()
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, newAskRequest("pro"))
	elapsed := nowMs() - start

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.GreaterOrEqual(t, elapsed, int64(500))

	mu.Lock()
	defer mu.Unlock()
	var sawSlowdown bool
	for _, ev := range events {
		if ev.Type == EventSlowdownApplied {
			sawSlowdown = true
		}
	}
	assert.True(t, sawSlowdown)
}

// Scenario 4: enterprise plan, allow-and-log. A request exceeding
// maxPerMinute is admitted with a normal status and exactly one
// rate_exceeded event.
func TestScenario_EnterpriseAllowsAndLogsOnce(t *testing.T) {
	var events []Event
	var mu sync.Mutex
	policies := map[string]PlanPolicy{
		"enterprise": {Defaults: EndpointPolicy{
			Rate: &RatePolicy{MaxPerMinute: intp(1), ActionOnExceed: ActionAllowAndLog},
		}},
	}
	l := newTestLimiter(t, policies, WithOnEvent(func(ev Event) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	}))
	handler := l.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) }))

	for i := 0; i < 2; i++ {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, newAskRequest("enterprise"))
		assert.Equal(t, http.StatusOK, rec.Code)
	}

	mu.Lock()
	defer mu.Unlock()
	count := 0
	for _, ev := range events {
		if ev.Type == EventRateExceeded {
			count++
		}
	}
	assert.Equal(t, 1, count)
}

// Scenario 5: status endpoint independence. After 3 commitRate calls under
// a 50/60s window, getRateLimitStatus reports {used:3, remaining:47,
// percentage:6}; ten concurrent status calls never alter used.
func TestScenario_StatusEndpointIsIndependentOfCommits(t *testing.T) {
	policies := map[string]PlanPolicy{
		"free": {Defaults: EndpointPolicy{
			Rate: &RatePolicy{MaxPerMinute: intp(50), ActionOnExceed: ActionBlock},
		}},
	}
	l := newTestLimiter(t, policies)
	identity := Identity{User: "user-a", Plan: "free"}

	for i := 0; i < 3; i++ {
		_, err := l.store.CommitRate(context.Background(), "user-a:GET|/x", 50, secondsPerMinute)
		require.NoError(t, err)
	}

	report, err := l.Status(context.Background(), identity, "GET|/x")
	require.NoError(t, err)
	assert.Equal(t, 3, report.Used)
	assert.Equal(t, 47, report.Remaining)
	assert.Equal(t, 6.0, report.Percentage)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := l.Status(context.Background(), identity, "GET|/x")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	after, err := l.Status(context.Background(), identity, "GET|/x")
	require.NoError(t, err)
	assert.Equal(t, 3, after.Used)
}

// Scenario 6: validator pre-flight. A 200,000-token prompt against gpt-4's
// 8192-token cap is rejected with non-empty, same-provider suggestions;
// no Store call is involved.
func TestScenario_ValidatorRejectsOversizedPrompt(t *testing.T) {
	result, err := Validate(ValidateRequest{
		Model:     "gpt-4",
		Prompt:    "",
		Tokenizer: fixedTokenizer(200000),
	})
	require.NoError(t, err)
	assert.False(t, result.Valid)
	require.NotEmpty(t, result.SuggestedModels)
	assert.Contains(t, result.SuggestedModels, "gpt-4-turbo")
}

// TestScenario_ValidatorBlocksBeforeCommitInPipeline exercises the
// validator wired into Wrap via WithValidator: a rejected request never
// reaches the rate-limiting engine, so no counter is touched and the
// wrapped handler never runs.
func TestScenario_ValidatorBlocksBeforeCommitInPipeline(t *testing.T) {
	policies := map[string]PlanPolicy{
		"free": {Defaults: EndpointPolicy{
			Rate: &RatePolicy{MaxPerMinute: intp(10), ActionOnExceed: ActionBlock},
		}},
	}
	s := memory.New()
	var handlerCalled bool
	l := newTestLimiter(t, policies, WithStore(s), WithValidator(func(r *http.Request) (*ValidateRequest, bool) {
		return &ValidateRequest{Model: "gpt-4", Prompt: "", Tokenizer: fixedTokenizer(200000)}, true
	}))
	handler := l.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handlerCalled = true
		w.WriteHeader(http.StatusOK)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, newAskRequest("free"))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.False(t, handlerCalled)

	rate, err := s.PeekRate(context.Background(), "user-a:POST|/api/ask", 10, secondsPerMinute)
	require.NoError(t, err)
	assert.Equal(t, 0, rate.Current)
}

type fixedTokenizer int

func (f fixedTokenizer) CountTokens(string, string) (int, error) { return int(f), nil }

func floatp(f float64) *float64 { return &f }
