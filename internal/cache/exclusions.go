package cache

import (
	"fmt"
	"regexp"
)

// ExclusionList names the cache-aside prefixes that always read through to
// the store. Rules are exact prefixes ("logs:") or regular expressions.
// A nil list excludes nothing.
type ExclusionList struct {
	exact    map[string]struct{}
	patterns []*regexp.Regexp
}

// NewExclusionList compiles the rules. An invalid pattern is a startup error.
func NewExclusionList(exact, patterns []string) (*ExclusionList, error) {
	el := &ExclusionList{exact: make(map[string]struct{}, len(exact))}
	for _, e := range exact {
		if e != "" {
			el.exact[e] = struct{}{}
		}
	}
	for _, p := range patterns {
		if p == "" {
			continue
		}
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("cache: invalid exclusion pattern %q: %w", p, err)
		}
		el.patterns = append(el.patterns, re)
	}
	return el, nil
}

// Excludes reports whether reads under prefix bypass the cache.
func (el *ExclusionList) Excludes(prefix string) bool {
	if el == nil {
		return false
	}
	if _, ok := el.exact[prefix]; ok {
		return true
	}
	for _, re := range el.patterns {
		if re.MatchString(prefix) {
			return true
		}
	}
	return false
}

// Len returns the number of rules.
func (el *ExclusionList) Len() int {
	if el == nil {
		return 0
	}
	return len(el.exact) + len(el.patterns)
}
