// Package validation provides helpers for contract enforcement and for
// validating the identifiers that appear throughout the API surface.
package validation

import "fmt"

// AssertNotNil panics when a mandatory dependency is nil. Intended for
// constructors only; a nil here is a wiring mistake, not a runtime
// condition.
func AssertNotNil[T any](ptr *T, name string) {
	if ptr == nil {
		panic(fmt.Sprintf("%s cannot be nil", name))
	}
}
