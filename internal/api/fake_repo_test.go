package api_test

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"slices"

	"github.com/heksher-io/heksher/internal/store"
)

// fakeRepo is an in-memory store.Repository with just enough semantics
// for handler tests: ordered features, settings with aliases, rules with
// conditions, and the same sentinel errors as the real store.
type fakeRepo struct {
	features []string
	settings map[string]*store.Setting
	aliases  map[string]string // alias -> canonical
	rules    map[int64]*store.Rule
	nextRule int64
}

var _ store.Repository = (*fakeRepo)(nil)

func newFakeRepo(features ...string) *fakeRepo {
	return &fakeRepo{
		features: features,
		settings: make(map[string]*store.Setting),
		aliases:  make(map[string]string),
		rules:    make(map[int64]*store.Rule),
	}
}

// --- context features ---

func (f *fakeRepo) ListContextFeatures(context.Context) ([]store.ContextFeature, error) {
	out := make([]store.ContextFeature, len(f.features))
	for i, name := range f.features {
		out[i] = store.ContextFeature{Name: name, Index: i}
	}
	return out, nil
}

func (f *fakeRepo) GetContextFeatureIndex(_ context.Context, name string) (int, error) {
	idx := slices.Index(f.features, name)
	if idx < 0 {
		return 0, fmt.Errorf("context feature %q: %w", name, store.ErrNotFound)
	}
	return idx, nil
}

func (f *fakeRepo) AddContextFeature(_ context.Context, name string) (int, error) {
	if slices.Contains(f.features, name) {
		return 0, fmt.Errorf("context feature %q: %w", name, store.ErrConflict)
	}
	f.features = append(f.features, name)
	return len(f.features) - 1, nil
}

func (f *fakeRepo) DeleteContextFeature(_ context.Context, name string) error {
	if !slices.Contains(f.features, name) {
		return fmt.Errorf("context feature %q: %w", name, store.ErrNotFound)
	}
	for _, s := range f.settings {
		if slices.Contains(s.ConfigurableFeatures, name) {
			return fmt.Errorf("context feature %q: %w", name, store.ErrInUse)
		}
	}
	f.features = slices.DeleteFunc(f.features, func(n string) bool { return n == name })
	return nil
}

func (f *fakeRepo) MoveContextFeature(_ context.Context, name, pivot string, before bool) error {
	if !slices.Contains(f.features, name) {
		return fmt.Errorf("context feature %q: %w", name, store.ErrNotFound)
	}
	if !slices.Contains(f.features, pivot) {
		return fmt.Errorf("context feature %q: %w", pivot, store.ErrNotFound)
	}
	if name == pivot {
		return nil
	}
	f.features = slices.DeleteFunc(f.features, func(n string) bool { return n == name })
	at := slices.Index(f.features, pivot)
	if !before {
		at++
	}
	f.features = slices.Insert(f.features, at, name)
	return nil
}

func (f *fakeRepo) EnsureContextFeatures(_ context.Context, expected []string) error {
	f.features = append([]string(nil), expected...)
	return nil
}

// --- settings ---

func (f *fakeRepo) GetCanonicalName(_ context.Context, name string) (string, error) {
	if _, ok := f.settings[name]; ok {
		return name, nil
	}
	if canonical, ok := f.aliases[name]; ok {
		return canonical, nil
	}
	return "", fmt.Errorf("setting %q: %w", name, store.ErrNotFound)
}

func (f *fakeRepo) GetSetting(ctx context.Context, name string) (*store.Setting, error) {
	canonical, err := f.GetCanonicalName(ctx, name)
	if err != nil {
		return nil, err
	}
	return f.copySetting(canonical), nil
}

func (f *fakeRepo) copySetting(canonical string) *store.Setting {
	s := f.settings[canonical]
	cp := *s
	cp.ConfigurableFeatures = f.orderedFeatures(s.ConfigurableFeatures)
	cp.Metadata = maps.Clone(s.Metadata)
	cp.Aliases = nil
	for alias, target := range f.aliases {
		if target == canonical {
			cp.Aliases = append(cp.Aliases, alias)
		}
	}
	slices.Sort(cp.Aliases)
	return &cp
}

// orderedFeatures sorts a feature subset by the registry order, like the
// SQL join does.
func (f *fakeRepo) orderedFeatures(subset []string) []string {
	out := make([]string, 0, len(subset))
	for _, name := range f.features {
		if slices.Contains(subset, name) {
			out = append(out, name)
		}
	}
	return out
}

func (f *fakeRepo) ListSettings(_ context.Context, withData bool) ([]*store.Setting, error) {
	names := slices.Sorted(maps.Keys(f.settings))
	out := make([]*store.Setting, 0, len(names))
	for _, name := range names {
		if withData {
			out = append(out, f.copySetting(name))
		} else {
			out = append(out, &store.Setting{Name: name})
		}
	}
	return out, nil
}

func (f *fakeRepo) CreateSetting(_ context.Context, s *store.Setting) error {
	if _, taken := f.settings[s.Name]; taken {
		return fmt.Errorf("%q already exists: %w", s.Name, store.ErrConflict)
	}
	if _, taken := f.aliases[s.Name]; taken {
		return fmt.Errorf("%q already exists: %w", s.Name, store.ErrConflict)
	}
	cp := *s
	cp.Metadata = maps.Clone(s.Metadata)
	aliases := cp.Aliases
	cp.Aliases = nil
	f.settings[s.Name] = &cp
	for _, alias := range aliases {
		f.aliases[alias] = s.Name
	}
	return nil
}

func (f *fakeRepo) UpdateSettingDeclaration(ctx context.Context, name string, upd store.DeclarationUpdate) error {
	canonical, err := f.GetCanonicalName(ctx, name)
	if err != nil {
		return err
	}
	if upd.NewName != nil && *upd.NewName != canonical {
		if err := f.RenameSetting(ctx, canonical, *upd.NewName); err != nil {
			return err
		}
		canonical = *upd.NewName
	}
	s := f.settings[canonical]
	if upd.RawType != nil {
		s.RawType = *upd.RawType
	}
	if upd.DefaultValue != nil {
		s.DefaultValue = *upd.DefaultValue
	}
	if upd.ConfigurableFeatures != nil {
		s.ConfigurableFeatures = append([]string(nil), upd.ConfigurableFeatures...)
	}
	if upd.Metadata != nil {
		s.Metadata = maps.Clone(upd.Metadata)
	}
	s.VersionMajor, s.VersionMinor = upd.VersionMajor, upd.VersionMinor
	return nil
}

func (f *fakeRepo) DeleteSetting(ctx context.Context, name string) error {
	canonical, err := f.GetCanonicalName(ctx, name)
	if err != nil {
		return err
	}
	delete(f.settings, canonical)
	for alias, target := range f.aliases {
		if target == canonical {
			delete(f.aliases, alias)
		}
	}
	for id, rule := range f.rules {
		if rule.Setting == canonical {
			delete(f.rules, id)
		}
	}
	return nil
}

func (f *fakeRepo) RenameSetting(_ context.Context, canonical, newName string) error {
	s, ok := f.settings[canonical]
	if !ok {
		return fmt.Errorf("setting %q: %w", canonical, store.ErrNotFound)
	}
	if target, isAlias := f.aliases[newName]; isAlias {
		if target != canonical {
			return fmt.Errorf("%q already exists: %w", newName, store.ErrConflict)
		}
		delete(f.aliases, newName)
	} else if _, taken := f.settings[newName]; taken {
		return fmt.Errorf("%q already exists: %w", newName, store.ErrConflict)
	}
	delete(f.settings, canonical)
	s.Name = newName
	f.settings[newName] = s
	for alias, target := range f.aliases {
		if target == canonical {
			f.aliases[alias] = newName
		}
	}
	f.aliases[canonical] = newName
	for _, rule := range f.rules {
		if rule.Setting == canonical {
			rule.Setting = newName
		}
	}
	return nil
}

// --- rules ---

func (f *fakeRepo) CreateRule(_ context.Context, setting string, value json.RawMessage,
	featureValues map[string]string, metadata map[string]json.RawMessage) (int64, error) {
	for id, rule := range f.rules {
		if rule.Setting == setting && maps.Equal(rule.FeatureValues, featureValues) {
			return 0, fmt.Errorf("rule %d with the same conditions: %w", id, store.ErrConflict)
		}
	}
	f.nextRule++
	f.rules[f.nextRule] = &store.Rule{
		ID:            f.nextRule,
		Setting:       setting,
		Value:         value,
		FeatureValues: maps.Clone(featureValues),
		Metadata:      maps.Clone(metadata),
	}
	return f.nextRule, nil
}

func (f *fakeRepo) GetRule(_ context.Context, id int64) (*store.Rule, error) {
	rule, ok := f.rules[id]
	if !ok {
		return nil, fmt.Errorf("rule %d: %w", id, store.ErrNotFound)
	}
	cp := *rule
	cp.FeatureValues = maps.Clone(rule.FeatureValues)
	cp.Metadata = maps.Clone(rule.Metadata)
	return &cp, nil
}

func (f *fakeRepo) DeleteRule(_ context.Context, id int64) error {
	if _, ok := f.rules[id]; !ok {
		return fmt.Errorf("rule %d: %w", id, store.ErrNotFound)
	}
	delete(f.rules, id)
	return nil
}

func (f *fakeRepo) SearchRule(_ context.Context, setting string, featureValues map[string]string) (int64, error) {
	for id, rule := range f.rules {
		if rule.Setting == setting && maps.Equal(rule.FeatureValues, featureValues) {
			return id, nil
		}
	}
	return 0, fmt.Errorf("rule for setting %q: %w", setting, store.ErrNotFound)
}

func (f *fakeRepo) SetRuleValue(_ context.Context, id int64, value json.RawMessage) error {
	rule, ok := f.rules[id]
	if !ok {
		return fmt.Errorf("rule %d: %w", id, store.ErrNotFound)
	}
	rule.Value = value
	return nil
}

func (f *fakeRepo) ListRulesForSetting(ctx context.Context, setting string) ([]*store.Rule, error) {
	grouped, _, err := f.QueryRules(ctx, []string{setting}, false)
	if err != nil {
		return nil, err
	}
	return grouped[setting], nil
}

func (f *fakeRepo) FeatureUsage(_ context.Context, setting string) (map[string][]int64, error) {
	usage := make(map[string][]int64)
	for id, rule := range f.rules {
		if rule.Setting != setting {
			continue
		}
		for feature := range rule.FeatureValues {
			usage[feature] = append(usage[feature], id)
		}
	}
	return usage, nil
}

func (f *fakeRepo) QueryRules(_ context.Context, settings []string, includeMetadata bool) (map[string][]*store.Rule, map[string]json.RawMessage, error) {
	grouped := make(map[string][]*store.Rule)
	defaults := make(map[string]json.RawMessage)
	for _, name := range settings {
		if s, ok := f.settings[name]; ok {
			defaults[name] = s.DefaultValue
		}
		var rules []*store.Rule
		for _, id := range slices.Sorted(maps.Keys(f.rules)) {
			rule := f.rules[id]
			if rule.Setting != name {
				continue
			}
			cp := *rule
			cp.FeatureValues = maps.Clone(rule.FeatureValues)
			if includeMetadata {
				cp.Metadata = maps.Clone(rule.Metadata)
			} else {
				cp.Metadata = nil
			}
			rules = append(rules, &cp)
		}
		grouped[name] = rules
	}
	return grouped, defaults, nil
}

// --- metadata ---

func (f *fakeRepo) GetSettingMetadata(ctx context.Context, name string) (map[string]json.RawMessage, error) {
	canonical, err := f.GetCanonicalName(ctx, name)
	if err != nil {
		return nil, err
	}
	return maps.Clone(f.settings[canonical].Metadata), nil
}

func (f *fakeRepo) MergeSettingMetadata(ctx context.Context, name string, metadata map[string]json.RawMessage) error {
	canonical, err := f.GetCanonicalName(ctx, name)
	if err != nil {
		return err
	}
	s := f.settings[canonical]
	if s.Metadata == nil {
		s.Metadata = make(map[string]json.RawMessage)
	}
	maps.Copy(s.Metadata, metadata)
	return nil
}

func (f *fakeRepo) ReplaceSettingMetadata(ctx context.Context, name string, metadata map[string]json.RawMessage) error {
	canonical, err := f.GetCanonicalName(ctx, name)
	if err != nil {
		return err
	}
	f.settings[canonical].Metadata = maps.Clone(metadata)
	return nil
}

func (f *fakeRepo) DeleteSettingMetadata(ctx context.Context, name string) error {
	return f.ReplaceSettingMetadata(ctx, name, nil)
}

func (f *fakeRepo) SetSettingMetadataKey(ctx context.Context, name, key string, value json.RawMessage) error {
	return f.MergeSettingMetadata(ctx, name, map[string]json.RawMessage{key: value})
}

func (f *fakeRepo) DeleteSettingMetadataKey(ctx context.Context, name, key string) error {
	canonical, err := f.GetCanonicalName(ctx, name)
	if err != nil {
		return err
	}
	delete(f.settings[canonical].Metadata, key)
	return nil
}

func (f *fakeRepo) GetRuleMetadata(_ context.Context, id int64) (map[string]json.RawMessage, error) {
	rule, ok := f.rules[id]
	if !ok {
		return nil, fmt.Errorf("rule %d: %w", id, store.ErrNotFound)
	}
	return maps.Clone(rule.Metadata), nil
}

func (f *fakeRepo) MergeRuleMetadata(_ context.Context, id int64, metadata map[string]json.RawMessage) error {
	rule, ok := f.rules[id]
	if !ok {
		return fmt.Errorf("rule %d: %w", id, store.ErrNotFound)
	}
	if rule.Metadata == nil {
		rule.Metadata = make(map[string]json.RawMessage)
	}
	maps.Copy(rule.Metadata, metadata)
	return nil
}

func (f *fakeRepo) ReplaceRuleMetadata(_ context.Context, id int64, metadata map[string]json.RawMessage) error {
	rule, ok := f.rules[id]
	if !ok {
		return fmt.Errorf("rule %d: %w", id, store.ErrNotFound)
	}
	rule.Metadata = maps.Clone(metadata)
	return nil
}

func (f *fakeRepo) DeleteRuleMetadata(ctx context.Context, id int64) error {
	return f.ReplaceRuleMetadata(ctx, id, nil)
}

func (f *fakeRepo) SetRuleMetadataKey(ctx context.Context, id int64, key string, value json.RawMessage) error {
	return f.MergeRuleMetadata(ctx, id, map[string]json.RawMessage{key: value})
}

func (f *fakeRepo) DeleteRuleMetadataKey(_ context.Context, id int64, key string) error {
	rule, ok := f.rules[id]
	if !ok {
		return fmt.Errorf("rule %d: %w", id, store.ErrNotFound)
	}
	delete(rule.Metadata, key)
	return nil
}
