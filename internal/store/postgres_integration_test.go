package store_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/heksher-io/heksher/internal/store"
	"github.com/heksher-io/heksher/internal/testsupport"
)

// startStore spins up a postgres container with the real schema and
// returns a repository over it.
func startStore(t *testing.T) *store.PostgresStore {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	ctx := context.Background()
	container, err := testsupport.StartPostgresContainer(ctx, "../../migrations")
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })
	return store.NewPostgresStore(container.DB, 3)
}

func mustFeatureNames(t *testing.T, s *store.PostgresStore) []string {
	t.Helper()
	features, err := s.ListContextFeatures(context.Background())
	require.NoError(t, err)
	names := make([]string, len(features))
	for i, f := range features {
		assert.Equal(t, i, f.Index, "indices must stay contiguous")
		names[i] = f.Name
	}
	return names
}

func TestContextFeatureRegistry(t *testing.T) {
	s := startStore(t)
	ctx := context.Background()

	t.Run("Should append features in order", func(t *testing.T) {
		for _, name := range []string{"account", "user", "theme"} {
			_, err := s.AddContextFeature(ctx, name)
			require.NoError(t, err)
		}
		assert.Equal(t, []string{"account", "user", "theme"}, mustFeatureNames(t, s))
	})

	t.Run("Should conflict on duplicate features", func(t *testing.T) {
		_, err := s.AddContextFeature(ctx, "account")
		assert.ErrorIs(t, err, store.ErrConflict)
	})

	t.Run("Should report indices", func(t *testing.T) {
		index, err := s.GetContextFeatureIndex(ctx, "user")
		require.NoError(t, err)
		assert.Equal(t, 1, index)

		_, err = s.GetContextFeatureIndex(ctx, "ghost")
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("Should move a feature before a pivot", func(t *testing.T) {
		require.NoError(t, s.MoveContextFeature(ctx, "theme", "account", true))
		assert.Equal(t, []string{"theme", "account", "user"}, mustFeatureNames(t, s))
	})

	t.Run("Should move a feature after a pivot", func(t *testing.T) {
		require.NoError(t, s.MoveContextFeature(ctx, "theme", "account", false))
		assert.Equal(t, []string{"account", "theme", "user"}, mustFeatureNames(t, s))
	})

	t.Run("Should treat self moves as no-ops", func(t *testing.T) {
		require.NoError(t, s.MoveContextFeature(ctx, "user", "user", true))
		assert.Equal(t, []string{"account", "theme", "user"}, mustFeatureNames(t, s))
	})

	t.Run("Should delete an unused feature and compact indices", func(t *testing.T) {
		require.NoError(t, s.DeleteContextFeature(ctx, "theme"))
		assert.Equal(t, []string{"account", "user"}, mustFeatureNames(t, s))
	})

	t.Run("Should refuse deleting a feature in use", func(t *testing.T) {
		require.NoError(t, s.CreateSetting(ctx, &store.Setting{
			Name:                 "guard",
			RawType:              "int",
			DefaultValue:         json.RawMessage("0"),
			VersionMajor:         1,
			ConfigurableFeatures: []string{"user"},
		}))
		err := s.DeleteContextFeature(ctx, "user")
		assert.ErrorIs(t, err, store.ErrInUse)

		require.NoError(t, s.DeleteSetting(ctx, "guard"))
		assert.NoError(t, s.DeleteContextFeature(ctx, "user"))
	})
}

func TestEnsureContextFeatures(t *testing.T) {
	s := startStore(t)
	ctx := context.Background()

	t.Run("Should populate an empty registry", func(t *testing.T) {
		require.NoError(t, s.EnsureContextFeatures(ctx, []string{"account", "user"}))
		assert.Equal(t, []string{"account", "user"}, mustFeatureNames(t, s))
	})

	t.Run("Should be idempotent", func(t *testing.T) {
		require.NoError(t, s.EnsureContextFeatures(ctx, []string{"account", "user"}))
		assert.Equal(t, []string{"account", "user"}, mustFeatureNames(t, s))
	})

	t.Run("Should insert missing features at their expected positions", func(t *testing.T) {
		require.NoError(t, s.EnsureContextFeatures(ctx, []string{"tenant", "account", "user", "theme"}))
		assert.Equal(t, []string{"tenant", "account", "user", "theme"}, mustFeatureNames(t, s))
	})

	t.Run("Should fail when the existing order cannot be reconciled", func(t *testing.T) {
		assert.Error(t, s.EnsureContextFeatures(ctx, []string{"user", "account"}))
	})
}

func TestSettingLifecycle(t *testing.T) {
	s := startStore(t)
	ctx := context.Background()
	require.NoError(t, s.EnsureContextFeatures(ctx, []string{"account", "user"}))

	setting := &store.Setting{
		Name:                 "cache_size",
		RawType:              "int",
		DefaultValue:         json.RawMessage("5"),
		VersionMajor:         1,
		VersionMinor:         0,
		ConfigurableFeatures: []string{"account", "user"},
		Metadata:             map[string]json.RawMessage{"owner": json.RawMessage(`"infra"`)},
	}

	t.Run("Should round-trip a created setting", func(t *testing.T) {
		require.NoError(t, s.CreateSetting(ctx, setting))

		got, err := s.GetSetting(ctx, "cache_size")
		require.NoError(t, err)
		assert.Equal(t, "int", got.RawType)
		assert.JSONEq(t, "5", string(got.DefaultValue))
		assert.Equal(t, []string{"account", "user"}, got.ConfigurableFeatures)
		assert.JSONEq(t, `"infra"`, string(got.Metadata["owner"]))
		assert.Empty(t, got.Aliases)
	})

	t.Run("Should conflict on duplicate names", func(t *testing.T) {
		err := s.CreateSetting(ctx, &store.Setting{
			Name: "cache_size", RawType: "int", DefaultValue: json.RawMessage("1"), VersionMajor: 1,
		})
		assert.ErrorIs(t, err, store.ErrConflict)
	})

	t.Run("Should rename keeping the old name as alias", func(t *testing.T) {
		require.NoError(t, s.RenameSetting(ctx, "cache_size", "cache_budget"))

		got, err := s.GetSetting(ctx, "cache_budget")
		require.NoError(t, err)
		assert.Equal(t, "cache_budget", got.Name)
		assert.Equal(t, []string{"cache_size"}, got.Aliases)

		// the old name still resolves
		viaAlias, err := s.GetSetting(ctx, "cache_size")
		require.NoError(t, err)
		assert.Equal(t, "cache_budget", viaAlias.Name)
	})

	t.Run("Should apply a declaration update atomically", func(t *testing.T) {
		newType := "float"
		newDefault := json.RawMessage("7.5")
		require.NoError(t, s.UpdateSettingDeclaration(ctx, "cache_budget", store.DeclarationUpdate{
			RawType:              &newType,
			DefaultValue:         &newDefault,
			ConfigurableFeatures: []string{"account"},
			VersionMajor:         2,
			VersionMinor:         0,
		}))

		got, err := s.GetSetting(ctx, "cache_budget")
		require.NoError(t, err)
		assert.Equal(t, "float", got.RawType)
		assert.JSONEq(t, "7.5", string(got.DefaultValue))
		assert.Equal(t, []string{"account"}, got.ConfigurableFeatures)
		assert.Equal(t, 2, got.VersionMajor)
	})

	t.Run("Should delete with cascade to rules", func(t *testing.T) {
		ruleID, err := s.CreateRule(ctx, "cache_budget", json.RawMessage("1.5"),
			map[string]string{"account": "john"}, nil)
		require.NoError(t, err)

		require.NoError(t, s.DeleteSetting(ctx, "cache_budget"))
		_, err = s.GetSetting(ctx, "cache_budget")
		assert.ErrorIs(t, err, store.ErrNotFound)
		_, err = s.GetRule(ctx, ruleID)
		assert.ErrorIs(t, err, store.ErrNotFound)
	})
}

func TestRuleStore(t *testing.T) {
	s := startStore(t)
	ctx := context.Background()
	require.NoError(t, s.EnsureContextFeatures(ctx, []string{"account", "user"}))
	require.NoError(t, s.CreateSetting(ctx, &store.Setting{
		Name: "s", RawType: "int", DefaultValue: json.RawMessage("0"),
		VersionMajor: 1, ConfigurableFeatures: []string{"account", "user"},
	}))

	var ruleID int64

	t.Run("Should create and fetch a rule", func(t *testing.T) {
		var err error
		ruleID, err = s.CreateRule(ctx, "s", json.RawMessage("10"),
			map[string]string{"account": "john", "user": "admin"},
			map[string]json.RawMessage{"note": json.RawMessage(`"vip"`)})
		require.NoError(t, err)

		rule, err := s.GetRule(ctx, ruleID)
		require.NoError(t, err)
		assert.Equal(t, "s", rule.Setting)
		assert.JSONEq(t, "10", string(rule.Value))
		assert.Equal(t, map[string]string{"account": "john", "user": "admin"}, rule.FeatureValues)
		assert.JSONEq(t, `"vip"`, string(rule.Metadata["note"]))
	})

	t.Run("Should conflict on identical conditions", func(t *testing.T) {
		_, err := s.CreateRule(ctx, "s", json.RawMessage("20"),
			map[string]string{"user": "admin", "account": "john"}, nil)
		assert.ErrorIs(t, err, store.ErrConflict)
	})

	t.Run("Should search by exact conditions only", func(t *testing.T) {
		found, err := s.SearchRule(ctx, "s", map[string]string{"account": "john", "user": "admin"})
		require.NoError(t, err)
		assert.Equal(t, ruleID, found)

		_, err = s.SearchRule(ctx, "s", map[string]string{"account": "john"})
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("Should update the value", func(t *testing.T) {
		require.NoError(t, s.SetRuleValue(ctx, ruleID, json.RawMessage("99")))
		rule, err := s.GetRule(ctx, ruleID)
		require.NoError(t, err)
		assert.JSONEq(t, "99", string(rule.Value))
	})

	t.Run("Should report feature usage", func(t *testing.T) {
		usage, err := s.FeatureUsage(ctx, "s")
		require.NoError(t, err)
		assert.Equal(t, []int64{ruleID}, usage["account"])
		assert.Equal(t, []int64{ruleID}, usage["user"])
	})

	t.Run("Should group query results by setting", func(t *testing.T) {
		secondID, err := s.CreateRule(ctx, "s", json.RawMessage("3"),
			map[string]string{"account": "jim"}, nil)
		require.NoError(t, err)

		grouped, defaults, err := s.QueryRules(ctx, []string{"s"}, false)
		require.NoError(t, err)
		require.Len(t, grouped["s"], 2)
		assert.Equal(t, ruleID, grouped["s"][0].ID)
		assert.Equal(t, secondID, grouped["s"][1].ID)
		assert.Nil(t, grouped["s"][0].Metadata)
		assert.JSONEq(t, "0", string(defaults["s"]))
	})

	t.Run("Should delete a rule", func(t *testing.T) {
		require.NoError(t, s.DeleteRule(ctx, ruleID))
		assert.ErrorIs(t, s.DeleteRule(ctx, ruleID), store.ErrNotFound)
	})
}

func TestMetadataStore(t *testing.T) {
	s := startStore(t)
	ctx := context.Background()
	require.NoError(t, s.EnsureContextFeatures(ctx, []string{"account"}))
	require.NoError(t, s.CreateSetting(ctx, &store.Setting{
		Name: "s", RawType: "int", DefaultValue: json.RawMessage("0"),
		VersionMajor: 1, ConfigurableFeatures: []string{"account"},
	}))

	t.Run("Should merge, replace and clear setting metadata", func(t *testing.T) {
		require.NoError(t, s.MergeSettingMetadata(ctx, "s",
			map[string]json.RawMessage{"a": json.RawMessage("1")}))
		require.NoError(t, s.MergeSettingMetadata(ctx, "s",
			map[string]json.RawMessage{"b": json.RawMessage("2")}))

		metadata, err := s.GetSettingMetadata(ctx, "s")
		require.NoError(t, err)
		assert.Len(t, metadata, 2)

		require.NoError(t, s.ReplaceSettingMetadata(ctx, "s",
			map[string]json.RawMessage{"c": json.RawMessage("3")}))
		metadata, err = s.GetSettingMetadata(ctx, "s")
		require.NoError(t, err)
		assert.Len(t, metadata, 1)
		assert.JSONEq(t, "3", string(metadata["c"]))

		require.NoError(t, s.DeleteSettingMetadata(ctx, "s"))
		metadata, err = s.GetSettingMetadata(ctx, "s")
		require.NoError(t, err)
		assert.Empty(t, metadata)
	})

	t.Run("Should handle per-key operations", func(t *testing.T) {
		require.NoError(t, s.SetSettingMetadataKey(ctx, "s", "k", json.RawMessage(`"v"`)))
		require.NoError(t, s.SetSettingMetadataKey(ctx, "s", "k", json.RawMessage(`"v2"`)))

		metadata, err := s.GetSettingMetadata(ctx, "s")
		require.NoError(t, err)
		assert.JSONEq(t, `"v2"`, string(metadata["k"]))

		require.NoError(t, s.DeleteSettingMetadataKey(ctx, "s", "k"))
		metadata, err = s.GetSettingMetadata(ctx, "s")
		require.NoError(t, err)
		assert.Empty(t, metadata)
	})

	t.Run("Should 404 on unknown settings", func(t *testing.T) {
		_, err := s.GetSettingMetadata(ctx, "ghost")
		assert.ErrorIs(t, err, store.ErrNotFound)
	})
}
