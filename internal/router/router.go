// Package router matches tickets to a worker pool and a model tier via
// ordered rules plus keyword-based complexity and label heuristics.
package router

import (
	"regexp"
	"strings"

	"dispatchd/internal/ticket"
)

// AvailableModels maps a symbolic model tier to a concrete model identifier.
var AvailableModels = map[string]string{
	"haiku":  "claude-haiku-4-5-20251001",
	"sonnet": "claude-sonnet-4-5-20250929",
	"opus":   "claude-opus-4-5-20251101",
}

var complexityModel = map[ticket.Complexity]string{
	ticket.ComplexityLow:    "haiku",
	ticket.ComplexityMedium: "sonnet",
	ticket.ComplexityHigh:   "opus",
}

var highComplexityKeywords = []string{
	"refactor", "redesign", "migrate", "architecture", "performance",
	"security", "database", "auth", "authentication", "integration",
	"real-time", "websocket", "infrastructure",
}

var lowComplexityKeywords = []string{
	"typo", "rename", "label", "color", "text", "copy", "readme",
	"comment", "lint", "format", "style", "docs", "documentation",
}

// EstimateComplexity inspects the ticket's title and description for
// keyword signals. It only overrides the ticket's existing complexity when
// that complexity is Medium (the default/unset value) — an explicitly set
// Low or High complexity is never second-guessed.
func EstimateComplexity(t ticket.Ticket) ticket.Complexity {
	if t.Complexity != "" && t.Complexity != ticket.ComplexityMedium {
		return t.Complexity
	}

	haystack := strings.ToLower(t.Title + " " + t.Description)
	for _, kw := range highComplexityKeywords {
		if strings.Contains(haystack, kw) {
			return ticket.ComplexityHigh
		}
	}
	for _, kw := range lowComplexityKeywords {
		if strings.Contains(haystack, kw) {
			return ticket.ComplexityLow
		}
	}
	return ticket.ComplexityMedium
}

// inferPool falls back to a label-based guess when no rule matches: review
// labels route to the review pool, planning/triage labels route to linear,
// and everything else defaults to coding.
func inferPool(t ticket.Ticket) ticket.PoolType {
	if t.HasAnyLabel("review", "pr", "code-review") {
		return ticket.PoolReview
	}
	if t.HasAnyLabel("linear", "triage", "planning") {
		return ticket.PoolLinear
	}
	return ticket.PoolCoding
}

// Rule is one ordered routing rule. A nil/empty field in Match is not
// checked; TitlePattern is matched case-insensitively as a substring unless
// it compiles as a valid regexp, in which case the regexp is used.
type Rule struct {
	Labels       []string
	Complexity   ticket.Complexity
	Priority     string
	Status       ticket.Status
	TitlePattern string
	Pool         ticket.PoolType
	Model        string

	// Unknown holds any match key from the rule's source config that this
	// router doesn't recognize. A rule with a non-empty Unknown can never
	// match, mirroring RoutingRule.matches()'s "unrecognized key" branch in
	// the original, which always returns False rather than ignoring the key.
	Unknown []string
}

// Matches reports whether every non-empty field of the rule matches t. A
// rule carrying one or more Unknown keys never matches, regardless of its
// other fields — an unrecognized match key makes the rule permanently
// inapplicable rather than silently looser.
func (r Rule) Matches(t ticket.Ticket) bool {
	if len(r.Unknown) > 0 {
		return false
	}
	if len(r.Labels) > 0 && !t.HasAnyLabel(r.Labels...) {
		return false
	}
	if r.Complexity != "" && r.Complexity != t.Complexity {
		return false
	}
	if r.Priority != "" && !strings.EqualFold(r.Priority, t.Priority) {
		return false
	}
	if r.Status != "" && r.Status != t.Status {
		return false
	}
	if r.TitlePattern != "" {
		if re, err := regexp.Compile("(?i)" + r.TitlePattern); err == nil {
			if !re.MatchString(t.Title) {
				return false
			}
		} else if !strings.Contains(strings.ToLower(t.Title), strings.ToLower(r.TitlePattern)) {
			return false
		}
	}
	return true
}

// Router matches tickets against an ordered rule set, falling back to
// heuristics when no rule applies.
type Router struct {
	rules []Rule
}

// New builds a router from an ordered rule list. Rules are evaluated in the
// given order; the first match wins.
func New(rules []Rule) *Router {
	return &Router{rules: rules}
}

// Route returns only the pool a ticket should go to, falling back to the
// label inference (inferPool) when no rule matches. It is used by the
// dispatcher's per-round pool-selection step.
func (r *Router) Route(t ticket.Ticket) ticket.PoolType {
	for _, rule := range r.rules {
		if rule.Matches(t) {
			return rule.Pool
		}
	}
	return inferPool(t)
}

// PoolDefaults supplies each pool's configured default model override, keyed
// by pool type; RouteAndSelect consults it after complexity-based selection.
type PoolDefaults map[ticket.PoolType]string

// RouteAndSelect returns both the pool and the resolved model id for a
// ticket. A rule match supplies both directly. Absent a match, the pool is
// inferred from labels (inferPool) and the model is chosen from estimated
// complexity, then overridden by the destination pool's default model if
// one is configured. This mirrors the original's route_and_select(), used
// inside the per-ticket worker pipeline.
func (r *Router) RouteAndSelect(t ticket.Ticket, defaults PoolDefaults) (ticket.PoolType, string) {
	for _, rule := range r.rules {
		if rule.Matches(t) {
			modelID := rule.Model
			if resolved, ok := AvailableModels[rule.Model]; ok {
				modelID = resolved
			}
			return rule.Pool, modelID
		}
	}

	pool := inferPool(t)
	complexity := EstimateComplexity(t)
	tier := complexityModel[complexity]

	if defaultTier, ok := defaults[pool]; ok && defaultTier != "" {
		tier = defaultTier
	}

	return pool, AvailableModels[tier]
}

// DefaultRules returns the four routing rules DaemonConfig.default() ships:
// review-labeled tickets go to the review pool on haiku, linear/triage
// tickets go to the linear pool on haiku, and complexity extremes pin the
// coding pool to opus or haiku.
func DefaultRules() []Rule {
	return []Rule{
		{Labels: []string{"review"}, Pool: ticket.PoolReview, Model: "haiku"},
		{Labels: []string{"linear", "triage"}, Pool: ticket.PoolLinear, Model: "haiku"},
		{Complexity: ticket.ComplexityHigh, Pool: ticket.PoolCoding, Model: "opus"},
		{Complexity: ticket.ComplexityLow, Pool: ticket.PoolCoding, Model: "haiku"},
	}
}
