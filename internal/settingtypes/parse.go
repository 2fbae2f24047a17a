package settingtypes

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

var (
	// optionedPattern matches the head of Enum[...] and Flag[...] forms.
	// "Flags" is a legacy spelling kept for wire compatibility; the
	// canonical form always renders as "Flag".
	optionedPattern = regexp.MustCompile(`^(Enum|Flags?)\s*\[`)
	// genericPattern captures the single parameter of Sequence<T>/Mapping<T>.
	genericPattern = regexp.MustCompile(`^(Sequence|Mapping)\s*<(.*)>$`)
)

// Parse resolves a textual type expression to a Type. It fails on unknown
// names, malformed option lists, and non-scalar Enum/Flag options.
func Parse(s string) (Type, error) {
	s = strings.TrimSpace(s)
	switch s {
	case "int":
		return intType, nil
	case "float":
		return floatType, nil
	case "str":
		return strType, nil
	case "bool":
		return boolType, nil
	}

	if m := optionedPattern.FindStringSubmatch(s); m != nil {
		if !strings.HasSuffix(s, "]") {
			return nil, fmt.Errorf("malformed option list in type %q", s)
		}
		rawList := s[len(m[0])-1:] // includes the brackets
		var elements []any
		if err := json.Unmarshal([]byte(rawList), &elements); err != nil {
			return nil, fmt.Errorf("malformed option list in type %q: %w", s, err)
		}
		if len(elements) == 0 {
			return nil, fmt.Errorf("type %q must have at least one option", s)
		}
		options, ok := NewPrimitiveSet(elements)
		if !ok {
			return nil, fmt.Errorf("type %q has non-primitive options", s)
		}
		kind := kindEnum
		if strings.HasPrefix(m[1], "Flag") {
			kind = kindFlag
		}
		return optionedType{kind: kind, options: options}, nil
	}

	if m := genericPattern.FindStringSubmatch(s); m != nil {
		inner, err := Parse(m[2])
		if err != nil {
			return nil, err
		}
		if m[1] == "Sequence" {
			return genericType{kind: kindSequence, inner: inner}, nil
		}
		return genericType{kind: kindMapping, inner: inner}, nil
	}

	return nil, fmt.Errorf("cannot resolve setting type %q", s)
}

// MustParse is a test and wiring convenience that panics on parse failure.
func MustParse(s string) Type {
	t, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return t
}
