package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/heksher-io/heksher/internal/database"
)

// Setting metadata

// GetSettingMetadata returns the metadata map of a setting.
func (s *PostgresStore) GetSettingMetadata(ctx context.Context, name string) (map[string]json.RawMessage, error) {
	var metadata map[string]json.RawMessage
	err := database.InTx(ctx, s.db, func(tx pgx.Tx) error {
		canonical, err := canonicalNameTx(ctx, tx, name)
		if err != nil {
			return err
		}
		metadata, err = settingMetadataTx(ctx, tx, canonical)
		return err
	})
	if err != nil {
		return nil, err
	}
	return metadata, nil
}

// MergeSettingMetadata upserts the given keys, leaving others untouched.
func (s *PostgresStore) MergeSettingMetadata(ctx context.Context, name string, metadata map[string]json.RawMessage) error {
	return s.withCanonicalSetting(ctx, name, func(tx pgx.Tx, canonical string) error {
		for key, value := range metadata {
			if _, err := tx.Exec(ctx, `
				INSERT INTO setting_metadata (setting, key, value)
				VALUES ($1, $2, $3::jsonb)
				ON CONFLICT (setting, key) DO UPDATE SET value = EXCLUDED.value`,
				canonical, key, string(value)); err != nil {
				return fmt.Errorf("failed to merge setting metadata %q: %w", key, err)
			}
		}
		return nil
	})
}

// ReplaceSettingMetadata swaps the whole metadata map.
func (s *PostgresStore) ReplaceSettingMetadata(ctx context.Context, name string, metadata map[string]json.RawMessage) error {
	return s.withCanonicalSetting(ctx, name, func(tx pgx.Tx, canonical string) error {
		if _, err := tx.Exec(ctx,
			`DELETE FROM setting_metadata WHERE setting = $1`, canonical); err != nil {
			return fmt.Errorf("failed to clear setting metadata: %w", err)
		}
		return insertSettingMetadata(ctx, tx, canonical, metadata)
	})
}

// DeleteSettingMetadata clears the metadata map.
func (s *PostgresStore) DeleteSettingMetadata(ctx context.Context, name string) error {
	return s.ReplaceSettingMetadata(ctx, name, nil)
}

// SetSettingMetadataKey upserts a single key.
func (s *PostgresStore) SetSettingMetadataKey(ctx context.Context, name, key string, value json.RawMessage) error {
	return s.MergeSettingMetadata(ctx, name, map[string]json.RawMessage{key: value})
}

// DeleteSettingMetadataKey removes a single key.
func (s *PostgresStore) DeleteSettingMetadataKey(ctx context.Context, name, key string) error {
	return s.withCanonicalSetting(ctx, name, func(tx pgx.Tx, canonical string) error {
		if _, err := tx.Exec(ctx,
			`DELETE FROM setting_metadata WHERE setting = $1 AND key = $2`, canonical, key); err != nil {
			return fmt.Errorf("failed to delete setting metadata %q: %w", key, err)
		}
		return nil
	})
}

// Rule metadata

// GetRuleMetadata returns the metadata map of a rule.
func (s *PostgresStore) GetRuleMetadata(ctx context.Context, id int64) (map[string]json.RawMessage, error) {
	var metadata map[string]json.RawMessage
	err := database.InTx(ctx, s.db, func(tx pgx.Tx) error {
		if err := requireRuleTx(ctx, tx, id); err != nil {
			return err
		}
		rows, err := tx.Query(ctx,
			`SELECT key, value FROM rule_metadata WHERE rule_id = $1`, id)
		if err != nil {
			return fmt.Errorf("failed to load rule metadata: %w", err)
		}
		metadata, err = scanMetadata(rows)
		return err
	})
	if err != nil {
		return nil, err
	}
	return metadata, nil
}

// MergeRuleMetadata upserts the given keys, leaving others untouched.
func (s *PostgresStore) MergeRuleMetadata(ctx context.Context, id int64, metadata map[string]json.RawMessage) error {
	return s.withRule(ctx, id, func(tx pgx.Tx) error {
		for key, value := range metadata {
			if _, err := tx.Exec(ctx, `
				INSERT INTO rule_metadata (rule_id, key, value)
				VALUES ($1, $2, $3::jsonb)
				ON CONFLICT (rule_id, key) DO UPDATE SET value = EXCLUDED.value`,
				id, key, string(value)); err != nil {
				return fmt.Errorf("failed to merge rule metadata %q: %w", key, err)
			}
		}
		return nil
	})
}

// ReplaceRuleMetadata swaps the whole metadata map.
func (s *PostgresStore) ReplaceRuleMetadata(ctx context.Context, id int64, metadata map[string]json.RawMessage) error {
	return s.withRule(ctx, id, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`DELETE FROM rule_metadata WHERE rule_id = $1`, id); err != nil {
			return fmt.Errorf("failed to clear rule metadata: %w", err)
		}
		for key, value := range metadata {
			if _, err := tx.Exec(ctx, `
				INSERT INTO rule_metadata (rule_id, key, value)
				VALUES ($1, $2, $3::jsonb)`, id, key, string(value)); err != nil {
				return fmt.Errorf("failed to insert rule metadata %q: %w", key, err)
			}
		}
		return nil
	})
}

// DeleteRuleMetadata clears the metadata map.
func (s *PostgresStore) DeleteRuleMetadata(ctx context.Context, id int64) error {
	return s.ReplaceRuleMetadata(ctx, id, nil)
}

// SetRuleMetadataKey upserts a single key.
func (s *PostgresStore) SetRuleMetadataKey(ctx context.Context, id int64, key string, value json.RawMessage) error {
	return s.MergeRuleMetadata(ctx, id, map[string]json.RawMessage{key: value})
}

// DeleteRuleMetadataKey removes a single key.
func (s *PostgresStore) DeleteRuleMetadataKey(ctx context.Context, id int64, key string) error {
	return s.withRule(ctx, id, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`DELETE FROM rule_metadata WHERE rule_id = $1 AND key = $2`, id, key); err != nil {
			return fmt.Errorf("failed to delete rule metadata %q: %w", key, err)
		}
		return nil
	})
}

// withCanonicalSetting resolves the setting and runs fn in a serializable
// transaction.
func (s *PostgresStore) withCanonicalSetting(ctx context.Context, name string, fn func(pgx.Tx, string) error) error {
	return database.InSerializableTx(ctx, s.db, s.maxRetries, func(tx pgx.Tx) error {
		canonical, err := canonicalNameTx(ctx, tx, name)
		if err != nil {
			return err
		}
		return fn(tx, canonical)
	})
}

// withRule verifies the rule exists and runs fn in a serializable
// transaction.
func (s *PostgresStore) withRule(ctx context.Context, id int64, fn func(pgx.Tx) error) error {
	return database.InSerializableTx(ctx, s.db, s.maxRetries, func(tx pgx.Tx) error {
		if err := requireRuleTx(ctx, tx, id); err != nil {
			return err
		}
		return fn(tx)
	})
}

func requireRuleTx(ctx context.Context, tx pgx.Tx, id int64) error {
	var exists bool
	err := tx.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM rules WHERE id = $1)`, id).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to check rule existence: %w", err)
	}
	if !exists {
		return fmt.Errorf("rule %d: %w", id, ErrNotFound)
	}
	return nil
}
