package validation

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIdentifierValidation(t *testing.T) {
	tests := []struct {
		name  string
		check func(string) bool
		input string
		want  bool
	}{
		{name: "Should accept a plain setting name", check: IsValidName, input: "cache_size", want: true},
		{name: "Should accept a dotted setting name", check: IsValidName, input: "cache.size", want: true},
		{name: "Should reject an empty setting name", check: IsValidName, input: "", want: false},
		{name: "Should reject whitespace in setting names", check: IsValidName, input: "cache size", want: false},
		{name: "Should accept hyphens in feature names", check: IsValidFeatureName, input: "user-tier", want: true},
		{name: "Should reject dots in feature names", check: IsValidFeatureName, input: "user.tier", want: false},
		{name: "Should accept alphanumeric feature values", check: IsValidFeatureValue, input: "john42", want: true},
		{name: "Should reject colons in feature values", check: IsValidFeatureValue, input: "a:b", want: false},
		{name: "Should accept underscore metadata keys", check: IsValidMetadataKey, input: "added_by", want: true},
		{name: "Should reject dots in metadata keys", check: IsValidMetadataKey, input: "a.b", want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.check(tt.input))
		})
	}
}
