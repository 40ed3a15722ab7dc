package suggest

import (
	"fmt"
	"regexp"
)

// Rule maps an error-message pattern to a remediation suggestion.
type Rule struct {
	Pattern string
	Message string
}

type compiledRule struct {
	pattern *regexp.Regexp
	message string
}

// Matcher checks error messages against patterns and returns remediation
// suggestions. Suggestions are advisory text, never correctness-affecting.
type Matcher struct {
	rules []compiledRule
}

// NewMatcher compiles the rules. Returns an error on invalid regex patterns.
func NewMatcher(rules []Rule) (*Matcher, error) {
	compiled := make([]compiledRule, len(rules))
	for i, r := range rules {
		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			return nil, fmt.Errorf("suggest: invalid regex pattern %q: %v", r.Pattern, err)
		}
		compiled[i] = compiledRule{pattern: re, message: r.Message}
	}
	return &Matcher{rules: compiled}, nil
}

// Match returns the suggestions for every rule whose pattern matches errMsg,
// in rule order. Nil if nothing matches.
func (m *Matcher) Match(errMsg string) []string {
	var matches []string
	for _, rule := range m.rules {
		if rule.pattern.MatchString(errMsg) {
			matches = append(matches, rule.message)
		}
	}
	return matches
}

// DefaultRules covers the error taxonomy produced by the executor's
// classifier. Callers may append their own rules; custom rules are evaluated
// after these.
func DefaultRules() []Rule {
	return []Rule{
		{
			Pattern: `no such table`,
			Message: "Check the table name spelling, or list available tables to find the right one.",
		},
		{
			Pattern: `no such column`,
			Message: "Check the column name spelling, or describe the table to see its columns.",
		},
		{
			Pattern: `(?i)syntax error`,
			Message: "Review the query near the reported token; string literals use single quotes and identifiers are unquoted or double-quoted.",
		},
		{
			Pattern: `(?i)timed out|deadline exceeded|interrupted`,
			Message: "Reduce the amount of data scanned (add filters or a LIMIT), or raise the query timeout.",
		},
		{
			Pattern: `(?i)memory limit`,
			Message: "Select fewer columns or rows; the process memory ceiling was reached while materializing results.",
		},
	}
}
