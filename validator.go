package limitrate

import (
	"sort"
	"strings"
)

// ModelLimits describes the context window and output cap for one model
// (spec.md 4.6 built-in model-limits table).
type ModelLimits struct {
	Provider        string
	MaxInputTokens  int
	MaxOutputTokens int
}

// defaultModelLimits is a static snapshot of publicly documented context
// windows. Operators extend or override it with customLimits.
var defaultModelLimits = map[string]ModelLimits{
	"gpt-4":             {Provider: "openai", MaxInputTokens: 8192, MaxOutputTokens: 4096},
	"gpt-4-turbo":        {Provider: "openai", MaxInputTokens: 128000, MaxOutputTokens: 4096},
	"gpt-4o":            {Provider: "openai", MaxInputTokens: 128000, MaxOutputTokens: 16384},
	"gpt-3.5-turbo":     {Provider: "openai", MaxInputTokens: 16385, MaxOutputTokens: 4096},
	"claude-3-opus":     {Provider: "anthropic", MaxInputTokens: 200000, MaxOutputTokens: 4096},
	"claude-3-5-sonnet": {Provider: "anthropic", MaxInputTokens: 200000, MaxOutputTokens: 8192},
	"claude-3-haiku":    {Provider: "anthropic", MaxInputTokens: 200000, MaxOutputTokens: 4096},
	"gemini-1.5-pro":    {Provider: "google", MaxInputTokens: 1048576, MaxOutputTokens: 8192},
	"gemini-1.5-flash":  {Provider: "google", MaxInputTokens: 1048576, MaxOutputTokens: 8192},
}

// Tokenizer counts the tokens a prompt or message set would consume.
// Implementations may call out to a real tokenizer (tiktoken, sentencepiece,
// ...); I/O errors propagate, policy decisions never do.
type Tokenizer interface {
	CountTokens(model string, text string) (int, error)
}

// ValidationResult is the outcome of Validate (spec.md 4.6): it never
// errors for a policy rejection, only for tokenizer I/O failure.
type ValidationResult struct {
	Valid           bool
	InputTokens     int
	MaxInputTokens  int
	MaxOutputTokens int
	Reason          string
	SuggestedModels []string
}

// ValidateRequest is the input to Validate.
type ValidateRequest struct {
	Model           string
	Prompt          string
	Tokenizer       Tokenizer
	MaxOutputTokens int
	CustomLimits    map[string]ModelLimits
}

// Validate runs the pre-flight check of spec.md 4.6: resolve model limits
// (customLimits overriding the built-in table), tokenize once, and verify
// the request fits the model's context window before any counter is
// touched.
func Validate(req ValidateRequest) (*ValidationResult, error) {
	limits, known := resolveModelLimits(req.Model, req.CustomLimits)
	if !known {
		return &ValidationResult{Valid: true}, nil
	}

	inputTokens, err := req.Tokenizer.CountTokens(req.Model, req.Prompt)
	if err != nil {
		return nil, err
	}

	maxOutput := req.MaxOutputTokens
	if maxOutput <= 0 {
		maxOutput = limits.MaxOutputTokens
	}

	result := &ValidationResult{
		Valid:           true,
		InputTokens:     inputTokens,
		MaxInputTokens:  limits.MaxInputTokens,
		MaxOutputTokens: limits.MaxOutputTokens,
	}

	switch {
	case inputTokens > limits.MaxInputTokens:
		result.Valid = false
		result.Reason = "input tokens exceed the model's maximum input window"
	case maxOutput > limits.MaxOutputTokens:
		result.Valid = false
		result.Reason = "requested output tokens exceed the model's maximum output"
	case inputTokens+maxOutput > limits.MaxInputTokens:
		result.Valid = false
		result.Reason = "input plus requested output tokens exceed the model's context window"
	}

	if !result.Valid {
		result.SuggestedModels = suggestModels(req.Model, limits.Provider, limits.MaxInputTokens, req.CustomLimits)
	}

	return result, nil
}

func resolveModelLimits(model string, custom map[string]ModelLimits) (ModelLimits, bool) {
	if custom != nil {
		if l, ok := custom[model]; ok {
			return l, true
		}
	}
	l, ok := defaultModelLimits[model]
	return l, ok
}

// suggestModels picks up to 3 alternative models with a larger input window
// than the current model, preferring same-provider models first (spec.md
// 4.6 step 4). Comparing against currentMaxInput rather than the (possibly
// unsatisfiable) input+output requirement keeps a same-provider upgrade
// suggestible even when nothing fits the full request. The table is merged
// with any operator-supplied customLimits so a fully custom deployment
// still gets suggestions.
func suggestModels(currentModel, provider string, currentMaxInput int, custom map[string]ModelLimits) []string {
	all := map[string]ModelLimits{}
	for k, v := range defaultModelLimits {
		all[k] = v
	}
	for k, v := range custom {
		all[k] = v
	}

	var sameProvider, otherProvider []string
	for name, l := range all {
		if name == currentModel || l.MaxInputTokens <= currentMaxInput {
			continue
		}
		if l.Provider == provider {
			sameProvider = append(sameProvider, name)
		} else {
			otherProvider = append(otherProvider, name)
		}
	}
	sort.Strings(sameProvider)
	sort.Strings(otherProvider)

	suggestions := append(sameProvider, otherProvider...)
	if len(suggestions) > 3 {
		suggestions = suggestions[:3]
	}
	return suggestions
}

// approxTokenizer is a dependency-free Tokenizer usable as a fallback or in
// tests: it estimates tokens as whitespace-delimited words times a small
// multiplier, the same rough heuristic most BPE tokenizers land near for
// English prose. Production deployments should supply a real tokenizer.
type approxTokenizer struct{}

// ApproxTokenizer returns a Tokenizer with no external dependency, for
// deployments that don't need exact token accounting.
func ApproxTokenizer() Tokenizer { return approxTokenizer{} }

func (approxTokenizer) CountTokens(_ string, text string) (int, error) {
	words := strings.Fields(text)
	return int(float64(len(words)) * 1.3), nil
}
