package access

import (
	"fmt"
	"path"
	"strings"
)

// Pattern is an Ant-style path pattern. "**" matches zero or more path
// segments, "*" and "?" match within a single segment.
//
//	/api/**      matches /api, /api/loans and /api/loans/7/documents
//	/actuator/*  matches /actuator/health but not /actuator
//	/**          matches every path
type Pattern struct {
	raw      string
	segments []string
}

// Compile parses an Ant-style pattern. Patterns must be absolute and "**"
// must occupy a whole segment.
func Compile(pattern string) (Pattern, error) {
	if !strings.HasPrefix(pattern, "/") {
		return Pattern{}, fmt.Errorf("pattern %q must start with /", pattern)
	}
	segs := split(pattern)
	for _, s := range segs {
		if s == "**" {
			continue
		}
		if strings.Contains(s, "**") {
			return Pattern{}, fmt.Errorf("pattern %q: ** must be a whole segment", pattern)
		}
		if _, err := path.Match(s, ""); err != nil {
			return Pattern{}, fmt.Errorf("pattern %q: %w", pattern, err)
		}
	}
	return Pattern{raw: pattern, segments: segs}, nil
}

// MustCompile is like Compile but panics on error.
func MustCompile(pattern string) Pattern {
	p, err := Compile(pattern)
	if err != nil {
		panic(err)
	}
	return p
}

// Match reports whether the cleaned request path matches the pattern.
func (p Pattern) Match(urlPath string) bool {
	return matchSegments(p.segments, split(urlPath))
}

func (p Pattern) String() string { return p.raw }

func matchSegments(pat, segs []string) bool {
	for len(pat) > 0 {
		if pat[0] == "**" {
			for len(pat) > 0 && pat[0] == "**" {
				pat = pat[1:]
			}
			if len(pat) == 0 {
				return true
			}
			for i := 0; i <= len(segs); i++ {
				if matchSegments(pat, segs[i:]) {
					return true
				}
			}
			return false
		}
		if len(segs) == 0 {
			return false
		}
		if ok, _ := path.Match(pat[0], segs[0]); !ok {
			return false
		}
		pat, segs = pat[1:], segs[1:]
	}
	return len(segs) == 0
}

func split(p string) []string {
	return strings.FieldsFunc(p, func(r rune) bool { return r == '/' })
}

// Patterns is a set of patterns matched as a disjunction.
type Patterns []Pattern

// CompileAll compiles every pattern, failing on the first invalid one.
func CompileAll(patterns []string) (Patterns, error) {
	out := make(Patterns, 0, len(patterns))
	for _, raw := range patterns {
		p, err := Compile(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

// Match reports whether any pattern matches urlPath.
func (ps Patterns) Match(urlPath string) bool {
	for _, p := range ps {
		if p.Match(urlPath) {
			return true
		}
	}
	return false
}
