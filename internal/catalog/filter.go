package catalog

import "strings"

// Filter decides which tables discovery keeps. Patterns match against either
// the full key (owner.name) or, when they contain no dot, the owner alone.
// A trailing or leading '*' is a wildcard.
type Filter struct {
	Include []string
	Exclude []string
}

var systemOwners = map[string]bool{
	"pg_catalog":         true,
	"information_schema": true,
	"pg_toast":           true,
	"SYS":                true,
	"SYSTEM":             true,
	"XDB":                true,
	"OUTLN":              true,
	"DBSNMP":             true,
	"APPQOSSYS":          true,
	"WMSYS":              true,
	"CTXSYS":             true,
	"MDSYS":              true,
	"ORDSYS":             true,
	"AUDSYS":             true,
}

// Match reports whether key passes the filter.
func (f Filter) Match(key string) bool {
	owner, _, _ := strings.Cut(key, ".")
	if systemOwners[owner] {
		return false
	}
	for _, p := range f.Exclude {
		if matchPattern(key, owner, p) {
			return false
		}
	}
	if len(f.Include) == 0 {
		return true
	}
	for _, p := range f.Include {
		if matchPattern(key, owner, p) {
			return true
		}
	}
	return false
}

// Apply keeps the items that pass the filter.
func (f Filter) Apply(items []WorkItem) []WorkItem {
	var out []WorkItem
	for _, it := range items {
		if f.Match(it.Key) {
			out = append(out, it)
		}
	}
	return out
}

func matchPattern(key, owner, pattern string) bool {
	if strings.Contains(pattern, ".") {
		return matchGlob(key, pattern)
	}
	return matchGlob(owner, pattern)
}

func matchGlob(name, pattern string) bool {
	if pattern == "*" {
		return true
	}
	if strings.HasSuffix(pattern, "*") {
		return strings.HasPrefix(name, pattern[:len(pattern)-1])
	}
	if strings.HasPrefix(pattern, "*") {
		return strings.HasSuffix(name, pattern[1:])
	}
	return name == pattern
}
