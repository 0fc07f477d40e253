package signature

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"
)

// Category tags a signature with the attack class it detects.
type Category string

const (
	CategorySQLi            Category = "sqli"
	CategoryXSS             Category = "xss"
	CategoryPathTraversal   Category = "path_traversal"
	CategoryProtocolAnomaly Category = "protocol_anomaly"
)

// Signature is a literal byte pattern, authored in canonical lowercase form,
// tagged with a category. Patterns are compiled once at startup and never
// mutated.
type Signature struct {
	Pattern  string
	Category Category
}

// Builtin returns the compiled-in catalogue. Order is significant: when a
// candidate contains several patterns, the earliest catalogue entry wins.
func Builtin() []Signature {
	return []Signature{
		{"union select", CategorySQLi},
		{"or 1=1", CategorySQLi},
		{"' or '", CategorySQLi},
		{"--", CategorySQLi},
		{"/*", CategorySQLi},
		{"sleep(", CategorySQLi},
		{"information_schema", CategorySQLi},
		{"drop table", CategorySQLi},
		{"pg_sleep", CategorySQLi},
		{"waitfor delay", CategorySQLi},
		{"<script", CategoryXSS},
		{"javascript:", CategoryXSS},
		{"onerror=", CategoryXSS},
		{"onload=", CategoryXSS},
		{"<iframe", CategoryXSS},
		{"<svg", CategoryXSS},
		{"alert(", CategoryXSS},
		{"document.cookie", CategoryXSS},
		{"../", CategoryPathTraversal},
		{"..\\", CategoryPathTraversal},
		{"/etc/passwd", CategoryPathTraversal},
		{`c:\windows`, CategoryPathTraversal},
		{"%2e%2e", CategoryPathTraversal},
	}
}

// Set is a read-only compiled catalogue shared across all connections.
// Matching walks an Aho-Corasick automaton built over every pattern, so
// inspection cost is linear in the candidate regardless of catalogue size.
type Set struct {
	sigs []Signature
	aho  *ahoMatcher
}

// NewSet compiles the given signatures. Patterns are lowercased on the way
// in so the catalogue stays aligned with normalized candidates.
func NewSet(sigs []Signature) (*Set, error) {
	if len(sigs) == 0 {
		return nil, errors.New("at least one signature is required")
	}

	compiled := make([]Signature, 0, len(sigs))
	patterns := make([]string, 0, len(sigs))
	for _, sig := range sigs {
		pattern := strings.ToLower(sig.Pattern)
		if pattern == "" {
			continue
		}
		compiled = append(compiled, Signature{Pattern: pattern, Category: sig.Category})
		patterns = append(patterns, pattern)
	}

	aho, err := newAhoMatcher(patterns)
	if err != nil {
		return nil, err
	}

	return &Set{sigs: compiled, aho: aho}, nil
}

// Len reports the number of compiled signatures.
func (s *Set) Len() int {
	return len(s.sigs)
}

// Match scans candidate for every pattern in a single pass and returns the
// matched signature with the lowest catalogue index, preserving the
// catalogue-order tie-break.
func (s *Set) Match(candidate string) (Signature, bool) {
	best, ok := s.aho.scan(candidate)
	if !ok {
		return Signature{}, false
	}
	return s.sigs[best], true
}

// LoadExtra reads additional signatures from a file, one per line in the
// form "category pattern". Blank lines and '#' comments are skipped.
// Patterns must be authored in already-normalized form.
func LoadExtra(path string) ([]Signature, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = file.Close() }()

	var sigs []Signature
	scanner := bufio.NewScanner(file)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		cat, pattern, ok := strings.Cut(line, " ")
		if !ok || strings.TrimSpace(pattern) == "" {
			return nil, fmt.Errorf("line %d: expected \"category pattern\"", lineNo)
		}
		category, err := parseCategory(cat)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNo, err)
		}
		sigs = append(sigs, Signature{Pattern: strings.TrimSpace(pattern), Category: category})
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return sigs, nil
}

func parseCategory(s string) (Category, error) {
	switch Category(strings.ToLower(s)) {
	case CategorySQLi:
		return CategorySQLi, nil
	case CategoryXSS:
		return CategoryXSS, nil
	case CategoryPathTraversal:
		return CategoryPathTraversal, nil
	case CategoryProtocolAnomaly:
		return CategoryProtocolAnomaly, nil
	default:
		return "", fmt.Errorf("unknown category %q", s)
	}
}
