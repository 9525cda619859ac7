package limitrate

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// ProblemDetail is an RFC 7807 Problem Details response body. Every error
// this middleware writes to the client uses this shape.
type ProblemDetail struct {
	Type           string   `json:"type"`
	Title          string   `json:"title"`
	Status         int      `json:"status"`
	Detail         string   `json:"detail,omitempty"`
	Instance       string   `json:"instance,omitempty"`
	ErrorCode      string   `json:"error,omitempty"`
	RetryAfterSecs int      `json:"retryAfter,omitempty"`
	UpgradeHint    string   `json:"upgradeHint,omitempty"`
	Suggestions    []string `json:"suggestedModels,omitempty"`
}

func (p *ProblemDetail) Error() string { return fmt.Sprintf("%s: %s", p.Title, p.Detail) }

func writeProblem(w http.ResponseWriter, r *http.Request, p *ProblemDetail) {
	p.Type = fmt.Sprintf("https://pkg.go.dev/github.com/limitrate/limitrate#errors/%d", p.Status)
	p.Instance = r.URL.Path
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(p.Status)
	_ = json.NewEncoder(w).Encode(p)
}

// writeBlocked writes the 429 response of spec.md 5.2: retryAfter and, when
// an upgradeHint hook is configured, an upgrade suggestion.
func writeBlocked(w http.ResponseWriter, r *http.Request, v Verdict, upgradeHint string) {
	w.Header().Set("Retry-After", fmt.Sprintf("%d", v.RetryAfterSecs))
	writeProblem(w, r, &ProblemDetail{
		Status:         http.StatusTooManyRequests,
		Title:          "Too Many Requests",
		Detail:         blockDetail(v.Reason),
		ErrorCode:      v.Reason,
		RetryAfterSecs: v.RetryAfterSecs,
		UpgradeHint:    upgradeHint,
	})
}

func blockDetail(reason string) string {
	switch reason {
	case "rate_exceeded":
		return "request rate limit exceeded for this plan"
	case "cost_exceeded":
		return "cost budget exceeded for this plan"
	case "store_unavailable":
		return "rate limiter backend unavailable"
	default:
		return "request blocked by rate limiter"
	}
}

// writeValidationFailed writes the 400 response of spec.md 6.3.
func writeValidationFailed(w http.ResponseWriter, r *http.Request, v *ValidationResult) {
	p := &ProblemDetail{
		Status:    http.StatusBadRequest,
		Title:     "Request Exceeds Model Token Limit",
		Detail:    v.Reason,
		ErrorCode: "validation_failed",
	}
	if len(v.SuggestedModels) > 0 {
		p.Suggestions = v.SuggestedModels
	}
	writeProblem(w, r, p)
}
