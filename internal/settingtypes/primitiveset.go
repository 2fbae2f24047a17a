package settingtypes

import (
	"encoding/json"
	"sort"
)

// PrimitiveSet is a set of JSON scalar values (string, bool, number) that
// follows JSON equality rather than Go equality: 1 and 1.0 are the same
// member, while 1 and true are distinct.
//
// It backs the option lists of Enum and Flag types. The zero value is not
// usable; construct with NewPrimitiveSet.
type PrimitiveSet struct {
	members map[primitiveKey]any
}

// primitiveKey tags each member with its JSON kind so that booleans and
// numbers never collide. Numbers are normalized to float64 by the JSON
// decoder, which already gives us 1 == 1.0.
type primitiveKey struct {
	kind byte // 's', 'b' or 'n'
	str  string
	b    bool
	num  float64
}

func keyOf(v any) (primitiveKey, bool) {
	switch x := v.(type) {
	case string:
		return primitiveKey{kind: 's', str: x}, true
	case bool:
		return primitiveKey{kind: 'b', b: x}, true
	case float64:
		return primitiveKey{kind: 'n', num: x}, true
	case json.Number:
		f, err := x.Float64()
		if err != nil {
			return primitiveKey{}, false
		}
		return primitiveKey{kind: 'n', num: f}, true
	default:
		return primitiveKey{}, false
	}
}

// NewPrimitiveSet builds a set from JSON-decoded scalars. Non-scalar
// elements (arrays, objects, null) are rejected.
func NewPrimitiveSet(elements []any) (PrimitiveSet, bool) {
	members := make(map[primitiveKey]any, len(elements))
	for _, e := range elements {
		k, ok := keyOf(e)
		if !ok {
			return PrimitiveSet{}, false
		}
		members[k] = e
	}
	return PrimitiveSet{members: members}, true
}

// Contains reports membership under JSON equality. Non-scalar values are
// never members.
func (s PrimitiveSet) Contains(v any) bool {
	k, ok := keyOf(v)
	if !ok {
		return false
	}
	_, found := s.members[k]
	return found
}

// Len returns the number of members.
func (s PrimitiveSet) Len() int {
	return len(s.members)
}

// SubsetOf reports whether every member of s is a member of other.
func (s PrimitiveSet) SubsetOf(other PrimitiveSet) bool {
	for k := range s.members {
		if _, ok := other.members[k]; !ok {
			return false
		}
	}
	return true
}

// Equal reports whether both sets hold exactly the same members.
func (s PrimitiveSet) Equal(other PrimitiveSet) bool {
	return len(s.members) == len(other.members) && s.SubsetOf(other)
}

// CanonicalLiterals returns the members encoded as JSON, sorted
// lexicographically. This is the canonical option order used when
// formatting Enum and Flag types.
func (s PrimitiveSet) CanonicalLiterals() []string {
	literals := make([]string, 0, len(s.members))
	for _, v := range s.members {
		b, err := json.Marshal(v)
		if err != nil {
			// members are scalars, marshalling cannot fail
			continue
		}
		literals = append(literals, string(b))
	}
	sort.Strings(literals)
	return literals
}
