package sanitize

import (
	"fmt"
	"regexp"
)

// Rule is the sanitizer's own rule type.
type Rule struct {
	Pattern     string
	Replacement string
}

type compiledRule struct {
	pattern     *regexp.Regexp
	replacement string
}

// Sanitizer applies regex-based sanitization to text cells in result rows.
type Sanitizer struct {
	rules []compiledRule
}

// NewSanitizer creates a new Sanitizer. Returns an error on invalid regex
// patterns.
func NewSanitizer(rules []Rule) (*Sanitizer, error) {
	compiled := make([]compiledRule, len(rules))
	for i, r := range rules {
		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			return nil, fmt.Errorf("sanitize: invalid regex pattern %q: %v", r.Pattern, err)
		}
		compiled[i] = compiledRule{pattern: re, replacement: r.Replacement}
	}
	return &Sanitizer{rules: compiled}, nil
}

// HasRules returns true if the sanitizer has any rules configured.
func (s *Sanitizer) HasRules() bool {
	return len(s.rules) > 0
}

// SanitizeRows applies every rule to each string cell. Rows hold formatted
// scalars only, so no recursion is needed; non-string cells pass through
// untouched.
func (s *Sanitizer) SanitizeRows(rows [][]any) [][]any {
	if len(s.rules) == 0 {
		return rows
	}
	for _, row := range rows {
		for i, cell := range row {
			if text, ok := cell.(string); ok {
				for _, rule := range s.rules {
					text = rule.pattern.ReplaceAllString(text, rule.replacement)
				}
				row[i] = text
			}
		}
	}
	return rows
}
