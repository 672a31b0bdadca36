// Package sanitize scrubs credentials and PII from run log messages and
// metadata before they are persisted or shipped to notification sinks.
package sanitize

import (
	"log/slog"
)

// Sanitizer applies a compiled pattern group to strings and nested
// metadata. Created once at startup; thread-safe and stateless aside
// from the compiled patterns.
type Sanitizer struct {
	patterns []*CompiledPattern
}

// New creates a Sanitizer for the named pattern group. An unknown group
// falls back to "all": when in doubt, scrub more.
func New(group string) *Sanitizer {
	names, ok := patternGroups[group]
	if !ok {
		slog.Warn("Unknown sanitize pattern group, falling back to all", "group", group)
		names = patternGroups["all"]
	}
	s := &Sanitizer{patterns: compilePatterns(names)}
	slog.Info("Sanitizer initialized", "group", group, "patterns", len(s.patterns))
	return s
}

// String scrubs one string.
func (s *Sanitizer) String(in string) string {
	if in == "" {
		return in
	}
	out := in
	for _, p := range s.patterns {
		out = p.Regex.ReplaceAllString(out, p.Replacement)
	}
	return out
}

// Metadata scrubs every string reachable in a JSON-shaped value: map
// values, slice elements, nested combinations. Non-string leaves pass
// through unchanged. The input is not mutated.
func (s *Sanitizer) Metadata(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = s.value(v)
	}
	return out
}

func (s *Sanitizer) value(v any) any {
	switch t := v.(type) {
	case string:
		return s.String(t)
	case map[string]any:
		return s.Metadata(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = s.value(e)
		}
		return out
	default:
		return v
	}
}
