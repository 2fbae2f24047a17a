package validation

import "regexp"

// identifierRegex covers setting names and aliases. Compiled once at
// package initialization.
var identifierRegex = regexp.MustCompile(`^[A-Za-z0-9_.-]+$`)

// metadataKeyRegex is stricter than identifierRegex: dots are reserved for
// setting-name namespacing and are not allowed in context feature names,
// feature values or metadata keys.
var metadataKeyRegex = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// IsValidName reports whether s is an acceptable setting name or alias.
// Setting names may be dotted (e.g. "cache.size").
func IsValidName(s string) bool {
	return identifierRegex.MatchString(s)
}

// IsValidFeatureName reports whether s is an acceptable context feature name.
func IsValidFeatureName(s string) bool {
	return metadataKeyRegex.MatchString(s)
}

// IsValidFeatureValue reports whether s is an acceptable exact-match value
// for a rule condition.
func IsValidFeatureValue(s string) bool {
	return metadataKeyRegex.MatchString(s)
}

// IsValidMetadataKey reports whether s is an acceptable metadata key.
func IsValidMetadataKey(s string) bool {
	return metadataKeyRegex.MatchString(s)
}
