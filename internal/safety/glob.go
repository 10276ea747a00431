package safety

import (
	"errors"
	"fmt"
	"strings"

	"github.com/gobwas/glob"
)

const (
	maxPatternLength = 256
	maxWildcardRuns  = 8
)

var (
	ErrEmptyPattern  = errors.New("empty pattern")
	ErrUnsafePattern = errors.New("pattern may cause excessive backtracking")
)

// ValidatePattern rejects glob patterns that are empty, oversized, or
// stack wildcards in ways that expand into nested quantifiers.
func ValidatePattern(pattern string) error {
	if pattern == "" {
		return ErrEmptyPattern
	}
	if len(pattern) > maxPatternLength {
		return fmt.Errorf("%w: longer than %d bytes", ErrUnsafePattern, maxPatternLength)
	}
	if strings.Contains(pattern, "***") {
		return fmt.Errorf("%w: three or more consecutive wildcards", ErrUnsafePattern)
	}
	runs := 0
	prevStar := false
	for _, r := range pattern {
		if r < 0x20 {
			return fmt.Errorf("%w: control character", ErrUnsafePattern)
		}
		star := r == '*'
		if star && !prevStar {
			runs++
		}
		prevStar = star
	}
	if runs > maxWildcardRuns {
		return fmt.Errorf("%w: more than %d wildcard runs", ErrUnsafePattern, maxWildcardRuns)
	}
	return nil
}

// compileGlob compiles a validated pattern. "*" matches any run of
// characters except '/', "**" matches any run including '/', and every
// other character is literal.
func compileGlob(pattern string) (glob.Glob, error) {
	if err := ValidatePattern(pattern); err != nil {
		return nil, err
	}

	var b strings.Builder
	for i := 0; i < len(pattern); {
		if pattern[i] == '*' {
			b.WriteByte('*')
			i++
			continue
		}
		j := i
		for j < len(pattern) && pattern[j] != '*' {
			j++
		}
		b.WriteString(glob.QuoteMeta(pattern[i:j]))
		i = j
	}
	g, err := glob.Compile(b.String(), '/')
	if err != nil {
		return nil, fmt.Errorf("compileGlob %q: %w", pattern, err)
	}
	return g, nil
}

// MatchGlob reports whether action matches pattern. Invalid patterns
// never match.
func MatchGlob(pattern, action string) bool {
	g, err := compileGlob(pattern)
	if err != nil {
		return false
	}
	return g.Match(action)
}
