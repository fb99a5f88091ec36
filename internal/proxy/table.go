package proxy

import (
	"slices"
	"strings"
)

// Table is an immutable set of compiled rules ordered for longest-prefix
// lookup. Lookups take no locks.
type Table struct {
	rules []*Rule
}

// NewTable orders rules by descending prefix length. Rules with equal length
// are ordered lexically so iteration is deterministic. Duplicate prefixes keep
// the first occurrence.
func NewTable(rules []*Rule) *Table {
	seen := make(map[string]struct{}, len(rules))
	ordered := make([]*Rule, 0, len(rules))
	for _, r := range rules {
		if r == nil {
			continue
		}
		if _, dup := seen[r.Prefix]; dup {
			continue
		}
		seen[r.Prefix] = struct{}{}
		ordered = append(ordered, r)
	}
	slices.SortStableFunc(ordered, func(a, b *Rule) int {
		if len(a.Prefix) != len(b.Prefix) {
			return len(b.Prefix) - len(a.Prefix)
		}
		return strings.Compare(a.Prefix, b.Prefix)
	})
	return &Table{rules: ordered}
}

// Match returns the rule with the longest prefix of path. It returns false
// when no rule matches, which is not an error: the request belongs to the
// default pipeline.
func (t *Table) Match(path string) (*Rule, bool) {
	if t == nil {
		return nil, false
	}
	for _, r := range t.rules {
		if r.Matches(path) {
			return r, true
		}
	}
	return nil, false
}

// Rules returns the rules in match order.
func (t *Table) Rules() []*Rule {
	if t == nil {
		return nil
	}
	return slices.Clone(t.rules)
}

// Len returns the number of rules.
func (t *Table) Len() int {
	if t == nil {
		return 0
	}
	return len(t.rules)
}
