// Package store provides the data access layer for the Heksher service.
// It handles all direct interactions with the PostgreSQL database using
// the pgx driver. Mutations that could break cross-table invariants run
// inside serializable transactions with bounded retry.
package store

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/heksher-io/heksher/internal/validation"
)

// ContextFeature is one dimension of the context, with its position in
// the global hierarchical order.
type ContextFeature struct {
	Name  string
	Index int
}

// Setting mirrors the settings table plus its owned associations.
type Setting struct {
	Name                 string
	RawType              string
	DefaultValue         json.RawMessage
	VersionMajor         int
	VersionMinor         int
	ConfigurableFeatures []string // ordered by the feature hierarchy
	Metadata             map[string]json.RawMessage
	Aliases              []string
}

// Rule mirrors the rules table plus its exact-match conditions.
type Rule struct {
	ID            int64
	Setting       string
	Value         json.RawMessage
	FeatureValues map[string]string
	Metadata      map[string]json.RawMessage
}

// DeclarationUpdate carries the attribute changes an accepted declaration
// (or an explicit PUT endpoint) applies. Nil fields are left untouched;
// the version is always written.
type DeclarationUpdate struct {
	NewName              *string
	RawType              *string
	DefaultValue         *json.RawMessage
	ConfigurableFeatures []string
	Metadata             map[string]json.RawMessage
	VersionMajor         int
	VersionMinor         int
}

// ContextFeatureRepository is the registry of ordered context features.
type ContextFeatureRepository interface {
	ListContextFeatures(ctx context.Context) ([]ContextFeature, error)
	GetContextFeatureIndex(ctx context.Context, name string) (int, error)
	AddContextFeature(ctx context.Context, name string) (int, error)
	DeleteContextFeature(ctx context.Context, name string) error
	// MoveContextFeature repositions name immediately before (or after)
	// the pivot, with the pivot position computed after removal.
	MoveContextFeature(ctx context.Context, name, pivot string, before bool) error
	// EnsureContextFeatures reconciles the registry against the expected
	// startup order, inserting missing features at their expected
	// positions; it fails when the
	// existing order is not a subsequence of the expected one.
	EnsureContextFeatures(ctx context.Context, expected []string) error
}

// SettingRepository is the catalog of settings and their aliases.
type SettingRepository interface {
	// GetCanonicalName resolves a name or alias to the canonical setting
	// name, or ErrNotFound.
	GetCanonicalName(ctx context.Context, name string) (string, error)
	// GetSetting loads the full setting for a canonical name or alias.
	GetSetting(ctx context.Context, name string) (*Setting, error)
	ListSettings(ctx context.Context, withData bool) ([]*Setting, error)
	CreateSetting(ctx context.Context, s *Setting) error
	UpdateSettingDeclaration(ctx context.Context, name string, upd DeclarationUpdate) error
	DeleteSetting(ctx context.Context, name string) error
	// RenameSetting makes newName canonical and keeps the previous name
	// as an alias; a newName that was already an alias of the setting is
	// promoted.
	RenameSetting(ctx context.Context, canonical, newName string) error
}

// RuleRepository stores rules and their exact-match conditions.
type RuleRepository interface {
	CreateRule(ctx context.Context, setting string, value json.RawMessage,
		featureValues map[string]string, metadata map[string]json.RawMessage) (int64, error)
	GetRule(ctx context.Context, id int64) (*Rule, error)
	DeleteRule(ctx context.Context, id int64) error
	// SearchRule finds a rule by its setting and exact condition set.
	SearchRule(ctx context.Context, setting string, featureValues map[string]string) (int64, error)
	SetRuleValue(ctx context.Context, id int64, value json.RawMessage) error
	ListRulesForSetting(ctx context.Context, setting string) ([]*Rule, error)
	// FeatureUsage maps each context feature to the rules of the setting
	// that carry a condition on it.
	FeatureUsage(ctx context.Context, setting string) (map[string][]int64, error)
	// QueryRules loads all rules (with conditions) of the given settings
	// plus each setting's default value, in one transactional snapshot.
	QueryRules(ctx context.Context, settings []string, includeMetadata bool) (map[string][]*Rule, map[string]json.RawMessage, error)
}

// MetadataRepository is the per-entity key/value metadata sub-store.
type MetadataRepository interface {
	GetSettingMetadata(ctx context.Context, name string) (map[string]json.RawMessage, error)
	MergeSettingMetadata(ctx context.Context, name string, metadata map[string]json.RawMessage) error
	ReplaceSettingMetadata(ctx context.Context, name string, metadata map[string]json.RawMessage) error
	DeleteSettingMetadata(ctx context.Context, name string) error
	SetSettingMetadataKey(ctx context.Context, name, key string, value json.RawMessage) error
	DeleteSettingMetadataKey(ctx context.Context, name, key string) error

	GetRuleMetadata(ctx context.Context, id int64) (map[string]json.RawMessage, error)
	MergeRuleMetadata(ctx context.Context, id int64, metadata map[string]json.RawMessage) error
	ReplaceRuleMetadata(ctx context.Context, id int64, metadata map[string]json.RawMessage) error
	DeleteRuleMetadata(ctx context.Context, id int64) error
	SetRuleMetadataKey(ctx context.Context, id int64, key string, value json.RawMessage) error
	DeleteRuleMetadataKey(ctx context.Context, id int64, key string) error
}

// Repository aggregates every persistence concern of the service.
type Repository interface {
	ContextFeatureRepository
	SettingRepository
	RuleRepository
	MetadataRepository
}

// Compile-time check that PostgresStore satisfies the full contract.
var _ Repository = (*PostgresStore)(nil)

// PostgresStore is the Repository implementation backed by PostgreSQL.
type PostgresStore struct {
	db         *pgxpool.Pool
	maxRetries int
}

// NewPostgresStore creates a repository instance over the given pool.
// maxRetries bounds retry attempts on serialization conflicts.
func NewPostgresStore(db *pgxpool.Pool, maxRetries int) *PostgresStore {
	validation.AssertNotNil(db, "database pool")
	return &PostgresStore{db: db, maxRetries: maxRetries}
}
