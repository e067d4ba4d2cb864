package ignore

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/gobwas/glob"
)

// defaultIgnores are editor, VCS and OS droppings that never make sense to report
var defaultIgnores = []string{
	".DS_Store",
	"Thumbs.db",
	"desktop.ini",
	".git",
	".svn",
	".hg",
	"*.swp",
	"*.swo",
	"*~",
	"#*#",
	".#*",
}

var defaultGlobs = pulsePointMustCompileAll(defaultIgnores)

// PulsePointIgnoreMatcher decides which raw notifications are admitted.
// It is safe for concurrent use; notification sources call it from their own goroutines.
type PulsePointIgnoreMatcher struct {
	mu       sync.RWMutex
	root     string
	patterns []Pattern
	defaults bool
}

// Pattern represents a single ignore pattern
type Pattern struct {
	Pattern    string
	IsNegation bool // Patterns starting with !
	IsDir      bool // Patterns ending with /

	// one compiled glob per slash-separated segment
	segments []glob.Glob
}

// NewPulsePointIgnoreMatcher creates a matcher for paths under root with the default ignores enabled
func NewPulsePointIgnoreMatcher(root string) *PulsePointIgnoreMatcher {
	return &PulsePointIgnoreMatcher{
		root:     filepath.ToSlash(filepath.Clean(root)),
		defaults: true,
	}
}

// DisableDefaults turns off the built-in ignore list
func (m *PulsePointIgnoreMatcher) DisableDefaults() {
	m.mu.Lock()
	m.defaults = false
	m.mu.Unlock()
}

// LoadFromFile loads ignore patterns from a file (like .gitignore). A missing
// file is not an error. Invalid patterns are reported after the valid ones
// have been added.
func (m *PulsePointIgnoreMatcher) LoadFromFile(path string) error {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	var patterns []string
	for scanner.Scan() {
		patterns = append(patterns, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return err
	}

	return m.AddPatterns(patterns)
}

// AddPatterns adds multiple patterns to the matcher, skipping invalid ones
func (m *PulsePointIgnoreMatcher) AddPatterns(patterns []string) error {
	var errs []error
	for _, pattern := range patterns {
		if err := m.AddPattern(pattern); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// AddPattern adds a single pattern to the matcher. Blank lines and comments are skipped.
func (m *PulsePointIgnoreMatcher) AddPattern(pattern string) error {
	pattern = strings.TrimSpace(pattern)
	if pattern == "" || strings.HasPrefix(pattern, "#") {
		return nil
	}

	p := Pattern{Pattern: pattern}
	if strings.HasPrefix(p.Pattern, "!") {
		p.IsNegation = true
		p.Pattern = p.Pattern[1:]
	}
	if strings.HasSuffix(p.Pattern, "/") {
		p.IsDir = true
		p.Pattern = strings.TrimSuffix(p.Pattern, "/")
	}
	p.Pattern = strings.TrimPrefix(filepath.ToSlash(p.Pattern), "/")
	if p.Pattern == "" {
		return fmt.Errorf("invalid ignore pattern %q", pattern)
	}

	for _, segment := range strings.Split(p.Pattern, "/") {
		g, err := glob.Compile(segment)
		if err != nil {
			return fmt.Errorf("invalid ignore pattern %q: %w", pattern, err)
		}
		p.segments = append(p.segments, g)
	}

	m.mu.Lock()
	m.patterns = append(m.patterns, p)
	m.mu.Unlock()
	return nil
}

// ShouldIgnore reports whether a notification for path should be dropped.
// Later patterns override earlier ones, so a negation can re-admit a path.
func (m *PulsePointIgnoreMatcher) ShouldIgnore(path string) bool {
	rel := m.pulsePointRelative(path)
	if rel == "" {
		return false
	}
	parts := strings.Split(rel, "/")

	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.defaults {
		for _, part := range parts {
			if pulsePointMatchesAny(defaultGlobs, part) {
				return true
			}
		}
	}

	ignored := false
	for _, pattern := range m.patterns {
		if pulsePointMatches(parts, pattern) {
			ignored = !pattern.IsNegation
		}
	}
	return ignored
}

// GetPatterns returns all configured patterns in their original form
func (m *PulsePointIgnoreMatcher) GetPatterns() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]string, len(m.patterns))
	for i, p := range m.patterns {
		pattern := p.Pattern
		if p.IsNegation {
			pattern = "!" + pattern
		}
		if p.IsDir {
			pattern += "/"
		}
		result[i] = pattern
	}
	return result
}

// pulsePointRelative converts path to a slash-separated path relative to root
func (m *PulsePointIgnoreMatcher) pulsePointRelative(path string) string {
	path = filepath.ToSlash(filepath.Clean(path))
	if m.root != "" && m.root != "." {
		if path == m.root {
			return ""
		}
		if strings.HasPrefix(path, m.root+"/") {
			path = strings.TrimPrefix(path, m.root+"/")
		}
	}
	return strings.TrimPrefix(path, "/")
}

// pulsePointMatches checks a relative path against one pattern. Patterns
// containing a slash are anchored to the root; others match any path element.
// Directory-only patterns match when an ancestor element matches, which is all
// a notification can tell us without a stat.
func pulsePointMatches(parts []string, pattern Pattern) bool {
	if len(pattern.segments) > 1 {
		if len(pattern.segments) > len(parts) {
			return false
		}
		for i, segment := range pattern.segments {
			if !segment.Match(parts[i]) {
				return false
			}
		}
		return !pattern.IsDir || len(parts) > len(pattern.segments)
	}

	limit := len(parts)
	if pattern.IsDir {
		limit--
	}
	for _, part := range parts[:limit] {
		if pattern.segments[0].Match(part) {
			return true
		}
	}
	return false
}

func pulsePointMatchesAny(globs []glob.Glob, name string) bool {
	for _, g := range globs {
		if g.Match(name) {
			return true
		}
	}
	return false
}

func pulsePointMustCompileAll(patterns []string) []glob.Glob {
	globs := make([]glob.Glob, len(patterns))
	for i, pattern := range patterns {
		globs[i] = glob.MustCompile(pattern)
	}
	return globs
}
