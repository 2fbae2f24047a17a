package queryengine

import "sort"

// ConditionPair is one (feature, value) exact-match condition in the
// registry's feature order.
type ConditionPair [2]string

// OrderConditions flattens a rule's condition map into pairs sorted by
// the registry's current feature order. This ordering is the contract
// that lets clients implement last-feature-first priority locally.
// Features missing from the order map sort last, by name, so that a
// concurrently-deleted feature still yields a deterministic result.
func OrderConditions(conditions map[string]string, featureOrder map[string]int) []ConditionPair {
	pairs := make([]ConditionPair, 0, len(conditions))
	for feature, value := range conditions {
		pairs = append(pairs, ConditionPair{feature, value})
	}
	sort.Slice(pairs, func(i, j int) bool {
		oi, iOK := featureOrder[pairs[i][0]]
		oj, jOK := featureOrder[pairs[j][0]]
		switch {
		case iOK && jOK:
			return oi < oj
		case iOK:
			return true
		case jOK:
			return false
		}
		return pairs[i][0] < pairs[j][0]
	})
	return pairs
}
