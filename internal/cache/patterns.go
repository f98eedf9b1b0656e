package cache

import (
	"regexp"
	"time"

	"github.com/tributary-ai/ai-gateway/internal/types"
)

// PatternRule maps a prompt archetype to a category-specific TTL reflecting
// how volatile answers in that category are. Rules are evaluated top-down;
// the first match wins.
type PatternRule struct {
	Matcher  *regexp.Regexp
	Category string
	TTL      time.Duration
}

// DefaultPatternRules returns the built-in archetype rules. Order matters:
// static and documentation content gets the longest TTL, debugging help the
// shortest.
func DefaultPatternRules() []PatternRule {
	return []PatternRule{
		{regexp.MustCompile(`(?i)\b(code review|review (this|my) (code|pr|pull request))\b`), "code-review", 30 * time.Minute},
		{regexp.MustCompile(`(?i)\b(document(ation)?|docstring|readme|explain (this|the) (api|function|module))\b`), "documentation", 24 * time.Hour},
		{regexp.MustCompile(`(?i)\b(debug|stack ?trace|exception|error message|why (is|does) .* (fail|crash))\b`), "debugging", 5 * time.Minute},
		{regexp.MustCompile(`(?i)\b(optimi[sz]e|performance|faster|speed ?up|profil(e|ing))\b`), "optimization", time.Hour},
		{regexp.MustCompile(`(?i)\b(unit test|test case|write tests?|coverage)\b`), "testing", 2 * time.Hour},
		{regexp.MustCompile(`(?i)\b(sql|query|select .* from|join|index(es)? on)\b`), "sql-help", 6 * time.Hour},
		{regexp.MustCompile(`(?i)\b(api (doc|reference|endpoint)|openapi|swagger|rest api)\b`), "api-docs", 12 * time.Hour},
	}
}

// patternCache classifies prompts against an ordered rule list and selects
// the TTL for cached responses. A request matching no rule gets defaultTTL.
type patternCache struct {
	rules      []PatternRule
	defaultTTL time.Duration
}

func newPatternCache(rules []PatternRule, defaultTTL time.Duration) *patternCache {
	if defaultTTL <= 0 {
		defaultTTL = 15 * time.Minute
	}
	return &patternCache{rules: rules, defaultTTL: defaultTTL}
}

// ttlFor returns the TTL and category for a request. First match wins, no
// fallthrough.
func (p *patternCache) ttlFor(req *types.RoutingRequest) (time.Duration, string) {
	text := req.PromptText()
	for _, rule := range p.rules {
		if rule.Matcher.MatchString(text) {
			return rule.TTL, rule.Category
		}
	}
	return p.defaultTTL, "default"
}
