package exchange

import (
	"fmt"
	"strings"
)

// TypeFilter decides which custom type names may be materialized when
// decoding a stored payload.
//
// Pattern syntax (separated by ';' or ','):
//
//	orders.Order   exact name
//	orders.*       any name directly under "orders."
//	orders.**      any name at any depth under "orders."
//	*              any name
//	!pattern       deny
//
// Patterns are evaluated in order and the first match decides. A name that
// matches no pattern is rejected. Built-in value tags (string, bytes, int,
// float, bool, time, json, null) are not subject to the filter.
//
// A TypeFilter is immutable after construction and safe for concurrent use.
type TypeFilter struct {
	rules []filterRule
	expr  string
}

type filterRule struct {
	deny    bool
	pattern string
}

// DenyAll returns a filter that rejects every custom type.
func DenyAll() *TypeFilter {
	return &TypeFilter{}
}

// ParseTypeFilter parses a pattern list.
func ParseTypeFilter(expr string) (*TypeFilter, error) {
	f := &TypeFilter{expr: expr}
	fields := strings.FieldsFunc(expr, func(r rune) bool { return r == ';' || r == ',' })
	for _, field := range fields {
		field = strings.TrimSpace(field)
		if field == "" {
			continue
		}
		rule := filterRule{}
		if strings.HasPrefix(field, "!") {
			rule.deny = true
			field = strings.TrimSpace(field[1:])
		}
		if field == "" {
			return nil, fmt.Errorf("parse type filter: empty pattern after '!' in %q", expr)
		}
		if strings.Contains(strings.TrimSuffix(strings.TrimSuffix(field, "**"), "*"), "*") {
			return nil, fmt.Errorf("parse type filter: wildcard only allowed as suffix in %q", field)
		}
		rule.pattern = field
		f.rules = append(f.rules, rule)
	}
	return f, nil
}

// MustParseTypeFilter is ParseTypeFilter that panics on error.
func MustParseTypeFilter(expr string) *TypeFilter {
	f, err := ParseTypeFilter(expr)
	if err != nil {
		panic(err)
	}
	return f
}

// Allowed reports whether typeName passes the filter.
func (f *TypeFilter) Allowed(typeName string) bool {
	if f == nil {
		return false
	}
	for _, r := range f.rules {
		if matchPattern(r.pattern, typeName) {
			return !r.deny
		}
	}
	return false
}

// String returns the pattern list the filter was parsed from.
func (f *TypeFilter) String() string {
	if f == nil {
		return ""
	}
	return f.expr
}

func matchPattern(pattern, name string) bool {
	switch {
	case pattern == "*" || pattern == "**":
		return true
	case strings.HasSuffix(pattern, ".**"):
		return strings.HasPrefix(name, strings.TrimSuffix(pattern, "**"))
	case strings.HasSuffix(pattern, ".*"):
		prefix := strings.TrimSuffix(pattern, "*")
		if !strings.HasPrefix(name, prefix) {
			return false
		}
		rest := name[len(prefix):]
		return rest != "" && !strings.Contains(rest, ".")
	default:
		return pattern == name
	}
}
