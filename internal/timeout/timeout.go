// Package timeout resolves the per-statement execution timeout. Rules map
// SQL regex patterns to specific timeouts so known-heavy query shapes
// (large scans, warehouse aggregations) get more room without raising the
// default for everything.
package timeout

import (
	"fmt"
	"regexp"
	"time"
)

// Rule maps a SQL pattern to a timeout.
type Rule struct {
	Name    string
	Pattern string
	Timeout time.Duration
}

// Config configures a Resolver.
type Config struct {
	DefaultTimeout time.Duration
	Rules          []Rule
}

type compiledRule struct {
	name    string
	pattern *regexp.Regexp
	timeout time.Duration
}

// Resolver picks the execution timeout for a statement. Safe for
// concurrent use.
type Resolver struct {
	rules          []compiledRule
	defaultTimeout time.Duration
}

// NewResolver creates a Resolver. Panics on invalid regex patterns: rules
// are configuration, and bad configuration fails at startup.
func NewResolver(config Config) *Resolver {
	compiled := make([]compiledRule, len(config.Rules))
	for i, r := range config.Rules {
		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			panic(fmt.Sprintf("timeout: invalid regex pattern %q: %v", r.Pattern, err))
		}
		compiled[i] = compiledRule{name: r.Name, pattern: re, timeout: r.Timeout}
	}
	return &Resolver{rules: compiled, defaultTimeout: config.DefaultTimeout}
}

// Resolve returns the timeout for the given SQL and the name of the rule
// that decided it ("" for the default). First matching rule wins.
func (r *Resolver) Resolve(sql string) (time.Duration, string) {
	for _, rule := range r.rules {
		if rule.pattern.MatchString(sql) {
			name := rule.name
			if name == "" {
				name = rule.pattern.String()
			}
			return rule.timeout, name
		}
	}
	return r.defaultTimeout, ""
}
