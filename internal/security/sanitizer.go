// Package security validates LLM-generated simulation artifacts against the
// forbidden-pattern constraints in spec §4.C before they are ever written
// into the sandbox: network access, disk writes outside /tmp, unbounded
// loops. This is a static, best-effort screen — the sandbox's own network
// restriction and filesystem policy are the enforcement boundary; this
// check exists to classify obviously-bad artifacts as GenerationInvalid
// before spending a sandbox exec on them.
package security

import (
	"fmt"
	"regexp"
	"sync"
)

// Violation describes one forbidden-pattern match.
type Violation struct {
	Pattern string
	Reason  string
}

// ArtifactScanner screens generated program text for forbidden constructs.
type ArtifactScanner struct {
	mu       sync.RWMutex
	patterns []compiledPattern
}

type compiledPattern struct {
	re     *regexp.Regexp
	reason string
}

// NewArtifactScanner builds a scanner with the default pattern set for
// network access, disk writes outside /tmp, and unbounded loops.
func NewArtifactScanner() *ArtifactScanner {
	defaults := []struct {
		pattern string
		reason  string
	}{
		{`(?i)\bimport\s+(socket|urllib|requests|http\.client)\b`, "network access import"},
		{`(?i)\bsocket\.(socket|connect|create_connection)\b`, "raw socket use"},
		{`(?i)\brequests\.(get|post|put|delete)\s*\(`, "outbound HTTP call"},
		{`(?i)\bopen\s*\(\s*["']([^/]|/([^t]|t([^m]|m([^p]|p[^/]))))`, "file write outside /tmp"},
		{`(?i)\bos\.(system|popen|exec[lv]p?e?)\s*\(`, "shell execution"},
		{`(?im)\bwhile\s+True\s*:\s*$`, "unbounded loop"},
		{`(?i)\bfor\s*\(\s*;;\s*\)`, "unbounded loop"},
	}

	s := &ArtifactScanner{}
	for _, d := range defaults {
		re, err := regexp.Compile(d.pattern)
		if err != nil {
			continue
		}
		s.patterns = append(s.patterns, compiledPattern{re: re, reason: d.reason})
	}
	return s
}

// Scan returns every forbidden-pattern match found in the artifact text.
func (s *ArtifactScanner) Scan(code string) []Violation {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var violations []Violation
	for _, p := range s.patterns {
		if m := p.re.FindString(code); m != "" {
			violations = append(violations, Violation{Pattern: m, Reason: p.reason})
		}
	}
	return violations
}

// Clean reports whether the artifact has no forbidden-pattern matches.
func (s *ArtifactScanner) Clean(code string) (bool, []Violation) {
	v := s.Scan(code)
	return len(v) == 0, v
}

// ViolationsError formats violations as a single structural-error message
// suitable for feeding back into the repair loop as a synthetic diagnostic.
func ViolationsError(violations []Violation) error {
	if len(violations) == 0 {
		return nil
	}
	msg := "forbidden pattern(s) detected:"
	for _, v := range violations {
		msg += fmt.Sprintf(" [%s: %q]", v.Reason, v.Pattern)
	}
	return fmt.Errorf("%s", msg)
}
