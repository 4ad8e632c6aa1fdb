// Package access evaluates ordered path rules into authorization decisions.
package access

import (
	"slices"
	"strings"
)

// Decision is what a matching rule requires of the caller.
type Decision int

const (
	// DenyAll rejects every caller. It is also the result when no rule matches.
	DenyAll Decision = iota
	// PermitAll lets every caller through, authenticated or not.
	PermitAll
	// Authenticated requires an authenticated principal.
	Authenticated
)

func (d Decision) String() string {
	switch d {
	case PermitAll:
		return "permit_all"
	case Authenticated:
		return "authenticated"
	default:
		return "deny_all"
	}
}

// Rule maps a path pattern, optionally restricted to some methods, to a decision.
type Rule struct {
	Pattern  Pattern
	Methods  []string
	Decision Decision
}

// Matches reports whether the rule applies to the request. An empty method
// list matches every method.
func (r Rule) Matches(method, urlPath string) bool {
	if len(r.Methods) > 0 && !slices.ContainsFunc(r.Methods, func(m string) bool {
		return strings.EqualFold(m, method)
	}) {
		return false
	}
	return r.Pattern.Match(urlPath)
}

// Rules is evaluated in order; the first matching rule wins.
type Rules []Rule

// Decide returns the decision of the first rule matching the request, or
// DenyAll when none does.
func (rs Rules) Decide(method, urlPath string) Decision {
	for _, r := range rs {
		if r.Matches(method, urlPath) {
			return r.Decision
		}
	}
	return DenyAll
}

// DefaultRules permits the public patterns and requires authentication for
// everything else.
func DefaultRules(public []string) (Rules, error) {
	patterns, err := CompileAll(public)
	if err != nil {
		return nil, err
	}
	rules := make(Rules, 0, len(patterns)+1)
	for _, p := range patterns {
		rules = append(rules, Rule{Pattern: p, Decision: PermitAll})
	}
	return append(rules, Rule{Pattern: MustCompile("/**"), Decision: Authenticated}), nil
}

// Outcome is the result of applying a decision to a caller.
type Outcome int

const (
	Granted Outcome = iota
	Unauthenticated
	Forbidden
)

func (o Outcome) String() string {
	switch o {
	case Granted:
		return "granted"
	case Unauthenticated:
		return "unauthenticated"
	default:
		return "forbidden"
	}
}

// Authorize applies d to a caller that is or is not authenticated.
func Authorize(d Decision, authenticated bool) Outcome {
	switch d {
	case PermitAll:
		return Granted
	case Authenticated:
		if authenticated {
			return Granted
		}
		return Unauthenticated
	default:
		return Forbidden
	}
}
