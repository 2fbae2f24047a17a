// Package queryengine implements the matching half of the query endpoint:
// parsing context-filter expressions and deciding which rules a filter
// admits. The engine never resolves a setting to a single value; it only
// filters and orders candidate rules for the client to rank.
package queryengine

import (
	"fmt"
	"regexp"
	"strings"
)

// contextFilterPattern validates the full wire form before parsing:
// "*", "", or comma-separated "feature:*" / "feature:(v1,v2)" entries.
var contextFilterPattern = regexp.MustCompile(
	`^(\*|([A-Za-z0-9_-]+:(\*|\([A-Za-z0-9_-]+(,[A-Za-z0-9_-]+)*\))(,[A-Za-z0-9_-]+:(\*|\([A-Za-z0-9_-]+(,[A-Za-z0-9_-]+)*\)))*)?)$`)

// entryPattern extracts individual entries after the full form validated.
var entryPattern = regexp.MustCompile(`([A-Za-z0-9_-]+):(\(([^)]+)\)|\*)`)

// ContextFilter restricts which rules a query returns. The zero value
// admits nothing; use ParseContextFilter or MatchAll.
type ContextFilter struct {
	// matchAll is the top-level "*": every rule is admitted.
	matchAll bool
	// features maps feature name to admissible values; a nil slice means
	// any value of that feature is admissible ("feature:*").
	features map[string][]string
}

// MatchAll is the filter that admits every rule.
func MatchAll() ContextFilter {
	return ContextFilter{matchAll: true}
}

// ParseContextFilter parses the query-string form of a context filter.
// "*" admits everything; the empty string admits only rules with no
// conditions at all (no rule can match it, since conditions are non-empty).
// A repeated feature name is an error.
func ParseContextFilter(raw string) (ContextFilter, error) {
	if !contextFilterPattern.MatchString(raw) {
		return ContextFilter{}, fmt.Errorf("malformed context filter %q", raw)
	}
	if raw == "*" {
		return MatchAll(), nil
	}

	features := make(map[string][]string)
	for _, m := range entryPattern.FindAllStringSubmatch(raw, -1) {
		name := m[1]
		if _, dup := features[name]; dup {
			return ContextFilter{}, fmt.Errorf("context feature repeated in context filter: %s", name)
		}
		if m[2] == "*" {
			features[name] = nil
		} else {
			features[name] = strings.Split(m[3], ",")
		}
	}
	return ContextFilter{features: features}, nil
}

// NewContextFilter builds a filter from an already-decoded option map, as
// the body-based compatibility endpoint supplies it. A nil value slice
// means any value is admissible for that feature.
func NewContextFilter(options map[string][]string) ContextFilter {
	return ContextFilter{features: options}
}

// MatchesAll reports whether the filter is the top-level wildcard.
func (f ContextFilter) MatchesAll() bool {
	return f.matchAll
}

// FeatureNames returns the features the filter constrains, for unknown-
// feature pruning by the caller. Nil for the top-level wildcard.
func (f ContextFilter) FeatureNames() []string {
	if f.matchAll {
		return nil
	}
	names := make([]string, 0, len(f.features))
	for name := range f.features {
		names = append(names, name)
	}
	return names
}

// DropFeature removes a constrained feature from the filter. Used to
// silently accept unknown features, which constrain nothing.
func (f ContextFilter) DropFeature(name string) {
	delete(f.features, name)
}

// Matches reports whether a rule with the given exact-match conditions is
// admitted. A rule is admitted iff every condition's feature appears in
// the filter with an admissible value; a feature the rule has no
// condition on never rejects the rule.
func (f ContextFilter) Matches(conditions map[string]string) bool {
	if f.matchAll {
		return true
	}
	for feature, value := range conditions {
		admissible, constrained := f.features[feature]
		if !constrained {
			// the rule demands an exact match on a feature outside the
			// filter: the context can never satisfy it
			return false
		}
		if admissible == nil {
			continue // feature:* admits any value
		}
		found := false
		for _, v := range admissible {
			if v == value {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
