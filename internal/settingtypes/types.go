// Package settingtypes implements the value type system for settings:
// parsing the textual type grammar, validating JSON values against a type,
// and computing the subtype relation that gates safe type upgrades.
//
// The grammar:
//
//	int | float | str | bool
//	Enum[<json literals>] | Flag[<json literals>]
//	Sequence<T> | Mapping<T>
//
// Enum and Flag option lists are order- and duplicate-invariant; their
// canonical form sorts the options by JSON encoding. For every type,
// Parse(t.String()) yields a type equal to t.
package settingtypes

import (
	"encoding/json"
	"strings"
)

// Ordering is the result of comparing two types under the subtype relation.
type Ordering int

const (
	// Incomparable means neither type is a subtype of the other.
	Incomparable Ordering = iota
	// Equal means the canonical forms match.
	Equal
	// Less means the left type is a strict subtype of the right.
	Less
	// Greater means the left type is a strict supertype of the right.
	Greater
)

// Type is a setting value type. Implementations are immutable.
type Type interface {
	// Validate reports whether a JSON-decoded value is a member of the type.
	Validate(v any) bool
	// String renders the canonical textual form.
	String() string

	compare(other Type) Ordering
}

// Compare computes the subtype relation between two types:
// Less if a is a strict subtype of b (every value of a is a value of b),
// Greater for the converse, Equal for identical canonical forms, and
// Incomparable across type families.
func Compare(a, b Type) Ordering {
	return a.compare(b)
}

// IsSubtype reports whether every value of a is also a value of b.
func IsSubtype(a, b Type) bool {
	ord := Compare(a, b)
	return ord == Less || ord == Equal
}

// --- primitives ---

type primitiveKind int

const (
	kindInt primitiveKind = iota
	kindFloat
	kindStr
	kindBool
)

type primitiveType struct {
	kind primitiveKind
}

var (
	intType   = primitiveType{kindInt}
	floatType = primitiveType{kindFloat}
	strType   = primitiveType{kindStr}
	boolType  = primitiveType{kindBool}
)

func (t primitiveType) Validate(v any) bool {
	switch t.kind {
	case kindInt:
		f, ok := asNumber(v)
		return ok && f == float64(int64(f))
	case kindFloat:
		_, ok := asNumber(v)
		return ok
	case kindStr:
		_, ok := v.(string)
		return ok
	case kindBool:
		_, ok := v.(bool)
		return ok
	}
	return false
}

func asNumber(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case json.Number:
		f, err := x.Float64()
		return f, err == nil
	}
	return 0, false
}

func (t primitiveType) String() string {
	switch t.kind {
	case kindInt:
		return "int"
	case kindFloat:
		return "float"
	case kindStr:
		return "str"
	default:
		return "bool"
	}
}

func (t primitiveType) compare(other Type) Ordering {
	o, ok := other.(primitiveType)
	if !ok {
		return Incomparable
	}
	if t.kind == o.kind {
		return Equal
	}
	// int is the only strict primitive subtype: every int is a float.
	if t.kind == kindInt && o.kind == kindFloat {
		return Less
	}
	if t.kind == kindFloat && o.kind == kindInt {
		return Greater
	}
	return Incomparable
}

// --- Enum / Flag ---

type optionedKind int

const (
	kindEnum optionedKind = iota
	kindFlag
)

type optionedType struct {
	kind    optionedKind
	options PrimitiveSet
}

func (t optionedType) Validate(v any) bool {
	if t.kind == kindEnum {
		return t.options.Contains(v)
	}
	// Flag: a list whose every element is an option. Order and duplicates
	// are irrelevant; values canonicalize to a sorted unique array.
	list, ok := v.([]any)
	if !ok {
		return false
	}
	for _, e := range list {
		if !t.options.Contains(e) {
			return false
		}
	}
	return true
}

func (t optionedType) String() string {
	name := "Enum"
	if t.kind == kindFlag {
		name = "Flag"
	}
	return name + "[" + strings.Join(t.options.CanonicalLiterals(), ",") + "]"
}

func (t optionedType) compare(other Type) Ordering {
	o, ok := other.(optionedType)
	if !ok || t.kind != o.kind {
		return Incomparable
	}
	switch {
	case t.options.Equal(o.options):
		return Equal
	case t.options.SubsetOf(o.options):
		return Less
	case o.options.SubsetOf(t.options):
		return Greater
	}
	return Incomparable
}

// CanonicalizeFlagValue returns the sorted, deduplicated form of a valid
// Flag value. The input must already have passed Validate.
func CanonicalizeFlagValue(v []any) []any {
	set, ok := NewPrimitiveSet(v)
	if !ok {
		return v
	}
	out := make([]any, 0, set.Len())
	for _, lit := range set.CanonicalLiterals() {
		var decoded any
		if err := json.Unmarshal([]byte(lit), &decoded); err == nil {
			out = append(out, decoded)
		}
	}
	return out
}

// --- Sequence / Mapping ---

type genericKind int

const (
	kindSequence genericKind = iota
	kindMapping
)

type genericType struct {
	kind  genericKind
	inner Type
}

func (t genericType) Validate(v any) bool {
	if t.kind == kindSequence {
		list, ok := v.([]any)
		if !ok {
			return false
		}
		for _, e := range list {
			if !t.inner.Validate(e) {
				return false
			}
		}
		return true
	}
	obj, ok := v.(map[string]any)
	if !ok {
		return false
	}
	for _, e := range obj {
		if !t.inner.Validate(e) {
			return false
		}
	}
	return true
}

func (t genericType) String() string {
	if t.kind == kindSequence {
		return "Sequence<" + t.inner.String() + ">"
	}
	return "Mapping<" + t.inner.String() + ">"
}

func (t genericType) compare(other Type) Ordering {
	o, ok := other.(genericType)
	if !ok || t.kind != o.kind {
		return Incomparable
	}
	return t.inner.compare(o.inner)
}
