// Package sanitize scrubs result-row values before they leave the
// gateway. It complements the validator's sensitive-column detector:
// column-name detection cannot catch secrets that surface inside free-text
// or JSON values, so configured regex rules rewrite them here.
package sanitize

import (
	"fmt"
	"regexp"
)

// Rule rewrites matches of Pattern to Replacement in string values.
type Rule struct {
	Pattern     string
	Replacement string
}

type compiledRule struct {
	pattern     *regexp.Regexp
	replacement string
}

// Scrubber applies regex-based sanitization to result row field values.
type Scrubber struct {
	rules []compiledRule
}

// NewScrubber creates a Scrubber. Returns an error on invalid regex
// patterns.
func NewScrubber(rules []Rule) (*Scrubber, error) {
	compiled := make([]compiledRule, len(rules))
	for i, r := range rules {
		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			return nil, fmt.Errorf("sanitize: invalid regex pattern %q: %v", r.Pattern, err)
		}
		compiled[i] = compiledRule{pattern: re, replacement: r.Replacement}
	}
	return &Scrubber{rules: compiled}, nil
}

// HasRules reports whether any rules are configured.
func (s *Scrubber) HasRules() bool {
	return len(s.rules) > 0
}

// ScrubRows applies every rule to each field value in the result rows,
// recursing into JSON object and array cells.
func (s *Scrubber) ScrubRows(rows []map[string]any) []map[string]any {
	if len(s.rules) == 0 {
		return rows
	}
	for _, row := range rows {
		for k, v := range row {
			row[k] = s.scrubValue(v)
		}
	}
	return rows
}

func (s *Scrubber) scrubValue(v any) any {
	switch val := v.(type) {
	case string:
		result := val
		for _, rule := range s.rules {
			result = rule.pattern.ReplaceAllString(result, rule.replacement)
		}
		return result
	case map[string]any:
		for k, item := range val {
			val[k] = s.scrubValue(item)
		}
		return val
	case []any:
		for i, item := range val {
			val[i] = s.scrubValue(item)
		}
		return val
	default:
		// Numeric, bool, nil: nothing to scrub.
		return v
	}
}
