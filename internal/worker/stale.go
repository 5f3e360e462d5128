package worker

import (
	"fmt"

	"github.com/gobwas/glob"
)

// StaleMatcher recognises cache names of superseded worker versions
type StaleMatcher struct {
	current  string
	patterns []glob.Glob
}

// NewStaleMatcher compiles patterns; current is never considered stale
func NewStaleMatcher(current string, patterns []string) (*StaleMatcher, error) {
	m := &StaleMatcher{current: current}
	for _, p := range patterns {
		g, err := glob.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("invalid stale pattern %q: %w", p, err)
		}
		m.patterns = append(m.patterns, g)
	}
	return m, nil
}

// IsStale reports whether name belongs to a superseded version
func (m *StaleMatcher) IsStale(name string) bool {
	if name == m.current {
		return false
	}
	for _, g := range m.patterns {
		if g.Match(name) {
			return true
		}
	}
	return false
}
