package catalog

import (
	"fmt"
	"reflect"
	"sort"

	"github.com/heksher-io/heksher/internal/settingtypes"
)

// Level classifies a single difference between a declaration and the
// current setting state. Higher levels demand larger version bumps;
// LevelMismatch can never be applied.
type Level int

const (
	LevelMinor Level = iota
	LevelMajor
	LevelMismatch
)

func (l Level) String() string {
	switch l {
	case LevelMinor:
		return "minor"
	case LevelMajor:
		return "major"
	default:
		return "mismatch"
	}
}

// Difference is one classified attribute change.
type Difference struct {
	Level       Level
	Description string
}

func (d Difference) String() string {
	return d.Level.String() + ": " + d.Description
}

// Outcome is the verdict of a declaration.
type Outcome string

const (
	OutcomeCreated  Outcome = "created"
	OutcomeUptodate Outcome = "uptodate"
	OutcomeUpgraded Outcome = "upgraded"
	OutcomeOutdated Outcome = "outdated"
	OutcomeRejected Outcome = "rejected"
	OutcomeMismatch Outcome = "mismatch"
)

// RuleValue carries the parts of a rule the compatibility analysis needs.
type RuleValue struct {
	ID    int64
	Value any
}

// State is the current persisted form of a setting.
type State struct {
	Name                 string
	Type                 settingtypes.Type
	DefaultValue         any
	ConfigurableFeatures []string
	Metadata             map[string]any
	Version              Version
}

// Declaration is the client-submitted assertion of a setting's attributes.
type Declaration struct {
	Name                 string
	Type                 settingtypes.Type
	DefaultValue         any
	ConfigurableFeatures []string
	Metadata             map[string]any
	Version              Version
}

// DiffInput gathers everything the classification needs, pre-fetched by
// the caller so Diff itself stays pure.
type DiffInput struct {
	Existing State
	Declared Declaration

	// Rules holds every rule of the setting, used to check that a type
	// change stays compatible with existing rule values.
	Rules []RuleValue

	// FeatureRules maps each configurable feature to the rules that carry
	// an exact-match condition on it. Removing a referenced feature is
	// always a mismatch.
	FeatureRules map[string][]int64

	// NameTaken is set when the declared name collides with an unrelated
	// setting's name or alias, which turns a rename into a mismatch.
	NameTaken bool
}

// Diff classifies every attribute change between the existing state and
// the declaration. The result is ordered mismatch-first, then major, then
// minor, matching the wire format of declaration responses.
func Diff(in DiffInput) []Difference {
	var diffs []Difference
	diffs = append(diffs, diffConfigurableFeatures(in)...)
	diffs = append(diffs, diffType(in)...)
	diffs = append(diffs, diffRename(in)...)
	diffs = append(diffs, diffDefaultValue(in)...)
	diffs = append(diffs, diffMetadata(in)...)

	sort.SliceStable(diffs, func(i, j int) bool {
		return diffs[i].Level > diffs[j].Level
	})
	return diffs
}

func diffConfigurableFeatures(in DiffInput) []Difference {
	existing := toSet(in.Existing.ConfigurableFeatures)
	declared := toSet(in.Declared.ConfigurableFeatures)
	if setsEqual(existing, declared) {
		return nil
	}

	var removed []string
	for cf := range existing {
		if _, ok := declared[cf]; !ok {
			removed = append(removed, cf)
		}
	}
	sort.Strings(removed)

	var inUse []string
	var blockingRules []int64
	for _, cf := range removed {
		if ids := in.FeatureRules[cf]; len(ids) > 0 {
			inUse = append(inUse, cf)
			blockingRules = append(blockingRules, ids...)
		}
	}
	if len(inUse) > 0 {
		sort.Slice(blockingRules, func(i, j int) bool { return blockingRules[i] < blockingRules[j] })
		return []Difference{{
			Level:       LevelMismatch,
			Description: fmt.Sprintf("configurable features %v are still in use by rules %v", inUse, blockingRules),
		}}
	}

	onlyRemovals := true
	for cf := range declared {
		if _, ok := existing[cf]; !ok {
			onlyRemovals = false
			break
		}
	}
	if onlyRemovals {
		return []Difference{{
			Level:       LevelMinor,
			Description: fmt.Sprintf("removal of configurable features %v", removed),
		}}
	}
	return []Difference{{
		Level: LevelMajor,
		Description: fmt.Sprintf("change of configurable features from %v to %v",
			sortedKeys(existing), sortedKeys(declared)),
	}}
}

func diffType(in DiffInput) []Difference {
	oldType, newType := in.Existing.Type, in.Declared.Type
	switch settingtypes.Compare(newType, oldType) {
	case settingtypes.Equal:
		return nil
	case settingtypes.Greater:
		// widening to a supertype keeps every existing value valid
		return []Difference{{
			Level:       LevelMinor,
			Description: fmt.Sprintf("widening of type from %s to %s", oldType, newType),
		}}
	}

	// Narrowing or crossing families: acceptable as a major change only
	// if the new type still admits the default value and every existing
	// rule value.
	var conflicts []int64
	for _, rule := range in.Rules {
		if !newType.Validate(rule.Value) {
			conflicts = append(conflicts, rule.ID)
		}
	}
	defaultOK := newType.Validate(in.Existing.DefaultValue)
	if len(conflicts) > 0 || !defaultOK {
		sort.Slice(conflicts, func(i, j int) bool { return conflicts[i] < conflicts[j] })
		desc := fmt.Sprintf("setting type %s incompatible with values for rules: %v", newType, conflicts)
		if !defaultOK {
			desc = fmt.Sprintf("setting type %s incompatible with default value %v", newType, in.Existing.DefaultValue)
			if len(conflicts) > 0 {
				desc += fmt.Sprintf(" and with values for rules: %v", conflicts)
			}
		}
		return []Difference{{Level: LevelMismatch, Description: desc}}
	}
	return []Difference{{
		Level:       LevelMajor,
		Description: fmt.Sprintf("change of type from %s to %s", oldType, newType),
	}}
}

func diffRename(in DiffInput) []Difference {
	if in.Declared.Name == in.Existing.Name {
		return nil
	}
	if in.NameTaken {
		return []Difference{{
			Level:       LevelMismatch,
			Description: fmt.Sprintf("cannot rename to %s, name already in use", in.Declared.Name),
		}}
	}
	return []Difference{{
		Level:       LevelMinor,
		Description: fmt.Sprintf("rename of setting from %s to %s", in.Existing.Name, in.Declared.Name),
	}}
}

func diffDefaultValue(in DiffInput) []Difference {
	if reflect.DeepEqual(in.Existing.DefaultValue, in.Declared.DefaultValue) {
		return nil
	}
	return []Difference{{
		Level: LevelMinor,
		Description: fmt.Sprintf("change of default value from %v to %v",
			in.Existing.DefaultValue, in.Declared.DefaultValue),
	}}
}

func diffMetadata(in DiffInput) []Difference {
	existing, declared := in.Existing.Metadata, in.Declared.Metadata
	keys := make(map[string]struct{}, len(existing)+len(declared))
	for k := range existing {
		keys[k] = struct{}{}
	}
	for k := range declared {
		keys[k] = struct{}{}
	}

	var diffs []Difference
	for _, k := range sortedKeys(keys) {
		oldV, hadOld := existing[k]
		newV, hasNew := declared[k]
		switch {
		case !hadOld:
			diffs = append(diffs, Difference{
				Level:       LevelMinor,
				Description: fmt.Sprintf("addition of metadata key %s %v", k, newV),
			})
		case !hasNew:
			diffs = append(diffs, Difference{
				Level:       LevelMinor,
				Description: fmt.Sprintf("removal of metadata key %s", k),
			})
		case !reflect.DeepEqual(oldV, newV):
			diffs = append(diffs, Difference{
				Level:       LevelMinor,
				Description: fmt.Sprintf("change of metadata key %s from %v to %v", k, oldV, newV),
			})
		}
	}
	return diffs
}

// Decide resolves the outcome of declaring at version req against a
// setting currently at version cur, given the classified differences.
// OutcomeCreated and OutcomeMismatch-on-create are decided by the caller,
// which knows whether the setting exists.
func Decide(cur, req Version, diffs []Difference) Outcome {
	switch req.Compare(cur) {
	case -1:
		return OutcomeOutdated
	case 0:
		if len(diffs) == 0 {
			return OutcomeUptodate
		}
		return OutcomeMismatch
	}

	max := MaxLevel(diffs)
	switch {
	case len(diffs) > 0 && max == LevelMismatch:
		return OutcomeRejected
	case req.Major > cur.Major:
		// a major bump admits anything short of a mismatch
		return OutcomeUpgraded
	case max <= LevelMinor:
		// a minor bump admits only minor changes
		return OutcomeUpgraded
	}
	return OutcomeRejected
}

// MaxLevel returns the highest level among diffs, or LevelMinor when empty.
func MaxLevel(diffs []Difference) Level {
	max := LevelMinor
	for _, d := range diffs {
		if d.Level > max {
			max = d.Level
		}
	}
	return max
}

// FormatDifferences renders diffs for a declaration response body.
func FormatDifferences(diffs []Difference) []string {
	out := make([]string, len(diffs))
	for i, d := range diffs {
		out[i] = d.String()
	}
	return out
}

func toSet(items []string) map[string]struct{} {
	set := make(map[string]struct{}, len(items))
	for _, s := range items {
		set[s] = struct{}{}
	}
	return set
}

func setsEqual(a, b map[string]struct{}) bool {
	if len(a) != len(b) {
		return false
	}
	for k := range a {
		if _, ok := b[k]; !ok {
			return false
		}
	}
	return true
}

func sortedKeys(set map[string]struct{}) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
