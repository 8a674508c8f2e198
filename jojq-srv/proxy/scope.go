package proxy

import (
	"strings"

	ahocorasick "github.com/BobuSumisu/aho-corasick"
)

// Scope decides which hosts are eligible for capture. Include patterns, when
// present, restrict capture to matching hosts; exclude patterns always win.
// Patterns are case-insensitive substrings matched with an Aho-Corasick trie
// so large pattern lists stay cheap on the hot path.
type Scope struct {
	include *ahocorasick.Trie
	exclude *ahocorasick.Trie
}

// NewScope compiles the include/exclude pattern lists. Empty lists compile
// to nil tries: without an include list every host is allowed, and without
// an exclude list no host is excluded.
func NewScope(include, exclude []string) *Scope {
	s := &Scope{}
	if len(include) > 0 {
		s.include = ahocorasick.NewTrieBuilder().AddStrings(lowerAll(include)).Build()
	}
	if len(exclude) > 0 {
		s.exclude = ahocorasick.NewTrieBuilder().AddStrings(lowerAll(exclude)).Build()
	}
	return s
}

func lowerAll(patterns []string) []string {
	out := make([]string, len(patterns))
	for i, p := range patterns {
		out[i] = strings.ToLower(p)
	}
	return out
}

// Allows reports whether responses from host may be captured. host may
// include a port, which is ignored.
func (s *Scope) Allows(host string) bool {
	if s == nil {
		return true
	}
	name := strings.ToLower(strings.Split(host, ":")[0])

	if s.exclude != nil && len(s.exclude.MatchString(name)) > 0 {
		return false
	}
	if s.include != nil {
		return len(s.include.MatchString(name)) > 0
	}
	return true
}
