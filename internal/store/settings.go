package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/heksher-io/heksher/internal/database"
)

// uniqueViolation is the SQLSTATE for duplicate keys.
const uniqueViolation = "23505"

// GetCanonicalName resolves a setting name or alias to the canonical name.
func (s *PostgresStore) GetCanonicalName(ctx context.Context, name string) (string, error) {
	var canonical string
	err := s.db.QueryRow(ctx, `
		SELECT name FROM settings WHERE name = $1
		UNION
		SELECT setting FROM setting_aliases WHERE alias = $1`,
		name).Scan(&canonical)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("setting %q: %w", name, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("failed to resolve setting name: %w", err)
	}
	return canonical, nil
}

// GetSetting loads a setting by canonical name or alias, including its
// configurable features (in hierarchy order), metadata and aliases.
func (s *PostgresStore) GetSetting(ctx context.Context, name string) (*Setting, error) {
	var setting *Setting
	err := database.InTx(ctx, s.db, func(tx pgx.Tx) error {
		canonical, err := canonicalNameTx(ctx, tx, name)
		if err != nil {
			return err
		}
		setting, err = loadSettingTx(ctx, tx, canonical)
		return err
	})
	if err != nil {
		return nil, err
	}
	return setting, nil
}

// ListSettings returns all settings ordered by name. Without withData only
// the names are populated.
func (s *PostgresStore) ListSettings(ctx context.Context, withData bool) ([]*Setting, error) {
	var settings []*Setting
	err := database.InTx(ctx, s.db, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `SELECT name FROM settings ORDER BY name`)
		if err != nil {
			return fmt.Errorf("failed to list settings: %w", err)
		}
		names, err := scanStrings(rows)
		if err != nil {
			return err
		}
		for _, n := range names {
			if !withData {
				settings = append(settings, &Setting{Name: n})
				continue
			}
			full, err := loadSettingTx(ctx, tx, n)
			if err != nil {
				return err
			}
			settings = append(settings, full)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return settings, nil
}

// CreateSetting inserts a new setting with its configurable features,
// metadata and aliases.
func (s *PostgresStore) CreateSetting(ctx context.Context, setting *Setting) error {
	err := database.InSerializableTx(ctx, s.db, s.maxRetries, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
			INSERT INTO settings (name, type, default_value, version_major, version_minor)
			VALUES ($1, $2, $3, $4, $5)`,
			setting.Name, setting.RawType, string(setting.DefaultValue),
			setting.VersionMajor, setting.VersionMinor); err != nil {
			return mapUniqueViolation(err, setting.Name)
		}
		if err := insertConfigurableFeatures(ctx, tx, setting.Name, setting.ConfigurableFeatures); err != nil {
			return err
		}
		if err := insertSettingMetadata(ctx, tx, setting.Name, setting.Metadata); err != nil {
			return err
		}
		for _, alias := range setting.Aliases {
			if _, err := tx.Exec(ctx, `
				INSERT INTO setting_aliases (alias, setting) VALUES ($1, $2)`,
				alias, setting.Name); err != nil {
				return mapUniqueViolation(err, alias)
			}
		}
		return nil
	})
	return err
}

// UpdateSettingDeclaration applies an accepted declaration in a single
// transaction: optional rename, type, default, configurable features,
// metadata, and always the new version.
func (s *PostgresStore) UpdateSettingDeclaration(ctx context.Context, name string, upd DeclarationUpdate) error {
	return database.InSerializableTx(ctx, s.db, s.maxRetries, func(tx pgx.Tx) error {
		canonical, err := canonicalNameTx(ctx, tx, name)
		if err != nil {
			return err
		}

		if upd.NewName != nil && *upd.NewName != canonical {
			if err := renameSettingTx(ctx, tx, canonical, *upd.NewName); err != nil {
				return err
			}
			canonical = *upd.NewName
		}
		if upd.RawType != nil {
			if _, err := tx.Exec(ctx,
				`UPDATE settings SET type = $1 WHERE name = $2`, *upd.RawType, canonical); err != nil {
				return fmt.Errorf("failed to update setting type: %w", err)
			}
		}
		if upd.DefaultValue != nil {
			if _, err := tx.Exec(ctx,
				`UPDATE settings SET default_value = $1 WHERE name = $2`,
				string(*upd.DefaultValue), canonical); err != nil {
				return fmt.Errorf("failed to update setting default: %w", err)
			}
		}
		if upd.ConfigurableFeatures != nil {
			if _, err := tx.Exec(ctx,
				`DELETE FROM setting_configurable_features WHERE setting = $1`, canonical); err != nil {
				return fmt.Errorf("failed to clear configurable features: %w", err)
			}
			if err := insertConfigurableFeatures(ctx, tx, canonical, upd.ConfigurableFeatures); err != nil {
				return err
			}
		}
		if upd.Metadata != nil {
			if _, err := tx.Exec(ctx,
				`DELETE FROM setting_metadata WHERE setting = $1`, canonical); err != nil {
				return fmt.Errorf("failed to clear setting metadata: %w", err)
			}
			if err := insertSettingMetadata(ctx, tx, canonical, upd.Metadata); err != nil {
				return err
			}
		}
		if _, err := tx.Exec(ctx,
			`UPDATE settings SET version_major = $1, version_minor = $2 WHERE name = $3`,
			upd.VersionMajor, upd.VersionMinor, canonical); err != nil {
			return fmt.Errorf("failed to update setting version: %w", err)
		}
		return nil
	})
}

// DeleteSetting removes a setting; rules, aliases and metadata cascade.
func (s *PostgresStore) DeleteSetting(ctx context.Context, name string) error {
	return database.InSerializableTx(ctx, s.db, s.maxRetries, func(tx pgx.Tx) error {
		canonical, err := canonicalNameTx(ctx, tx, name)
		if err != nil {
			return err
		}
		tag, err := tx.Exec(ctx, `DELETE FROM settings WHERE name = $1`, canonical)
		if err != nil {
			return fmt.Errorf("failed to delete setting: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("setting %q: %w", name, ErrNotFound)
		}
		return nil
	})
}

// RenameSetting makes newName the canonical name, keeping the old one as
// an alias.
func (s *PostgresStore) RenameSetting(ctx context.Context, canonical, newName string) error {
	return database.InSerializableTx(ctx, s.db, s.maxRetries, func(tx pgx.Tx) error {
		return renameSettingTx(ctx, tx, canonical, newName)
	})
}

// renameSettingTx is the transactional rename: the settings PK update
// cascades to every referencing table, a promoted alias stops being an
// alias, and the previous canonical name becomes one.
func renameSettingTx(ctx context.Context, tx pgx.Tx, canonical, newName string) error {
	if _, err := tx.Exec(ctx,
		`UPDATE settings SET name = $1 WHERE name = $2`, newName, canonical); err != nil {
		return mapUniqueViolation(err, newName)
	}
	// if newName was an alias of this setting it now aliases itself
	if _, err := tx.Exec(ctx,
		`DELETE FROM setting_aliases WHERE alias = $1`, newName); err != nil {
		return fmt.Errorf("failed to drop promoted alias: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO setting_aliases (alias, setting) VALUES ($1, $2)`,
		canonical, newName); err != nil {
		return mapUniqueViolation(err, canonical)
	}
	return nil
}

// canonicalNameTx resolves a name or alias inside a transaction.
func canonicalNameTx(ctx context.Context, tx pgx.Tx, name string) (string, error) {
	var canonical string
	err := tx.QueryRow(ctx, `
		SELECT name FROM settings WHERE name = $1
		UNION
		SELECT setting FROM setting_aliases WHERE alias = $1`,
		name).Scan(&canonical)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("setting %q: %w", name, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("failed to resolve setting name: %w", err)
	}
	return canonical, nil
}

// loadSettingTx loads the full setting row plus associations for a
// canonical name.
func loadSettingTx(ctx context.Context, tx pgx.Tx, canonical string) (*Setting, error) {
	setting := &Setting{Name: canonical}
	var defaultValue string
	err := tx.QueryRow(ctx, `
		SELECT type, default_value, version_major, version_minor
		FROM settings WHERE name = $1`, canonical).
		Scan(&setting.RawType, &defaultValue, &setting.VersionMajor, &setting.VersionMinor)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("setting %q: %w", canonical, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load setting: %w", err)
	}
	setting.DefaultValue = json.RawMessage(defaultValue)

	rows, err := tx.Query(ctx, `
		SELECT scf.context_feature
		FROM setting_configurable_features scf
		JOIN context_features cf ON cf.name = scf.context_feature
		WHERE scf.setting = $1
		ORDER BY cf."index"`, canonical)
	if err != nil {
		return nil, fmt.Errorf("failed to load configurable features: %w", err)
	}
	if setting.ConfigurableFeatures, err = scanStrings(rows); err != nil {
		return nil, err
	}

	if setting.Metadata, err = settingMetadataTx(ctx, tx, canonical); err != nil {
		return nil, err
	}

	aliasRows, err := tx.Query(ctx, `
		SELECT alias FROM setting_aliases WHERE setting = $1 ORDER BY alias`, canonical)
	if err != nil {
		return nil, fmt.Errorf("failed to load aliases: %w", err)
	}
	if setting.Aliases, err = scanStrings(aliasRows); err != nil {
		return nil, err
	}
	return setting, nil
}

func insertConfigurableFeatures(ctx context.Context, tx pgx.Tx, setting string, features []string) error {
	for _, cf := range features {
		if _, err := tx.Exec(ctx, `
			INSERT INTO setting_configurable_features (setting, context_feature)
			VALUES ($1, $2)`, setting, cf); err != nil {
			return fmt.Errorf("failed to insert configurable feature %q: %w", cf, err)
		}
	}
	return nil
}

func insertSettingMetadata(ctx context.Context, tx pgx.Tx, setting string, metadata map[string]json.RawMessage) error {
	for key, value := range metadata {
		if _, err := tx.Exec(ctx, `
			INSERT INTO setting_metadata (setting, key, value)
			VALUES ($1, $2, $3::jsonb)`, setting, key, string(value)); err != nil {
			return fmt.Errorf("failed to insert setting metadata %q: %w", key, err)
		}
	}
	return nil
}

func settingMetadataTx(ctx context.Context, tx pgx.Tx, setting string) (map[string]json.RawMessage, error) {
	rows, err := tx.Query(ctx, `
		SELECT key, value FROM setting_metadata WHERE setting = $1`, setting)
	if err != nil {
		return nil, fmt.Errorf("failed to load setting metadata: %w", err)
	}
	return scanMetadata(rows)
}

// scanStrings drains a single-column string result set.
func scanStrings(rows pgx.Rows) ([]string, error) {
	defer rows.Close()
	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}
	return out, nil
}

// scanMetadata drains a (key, jsonb value) result set.
func scanMetadata(rows pgx.Rows) (map[string]json.RawMessage, error) {
	defer rows.Close()
	metadata := make(map[string]json.RawMessage)
	for rows.Next() {
		var key string
		var value []byte
		if err := rows.Scan(&key, &value); err != nil {
			return nil, fmt.Errorf("failed to scan metadata row: %w", err)
		}
		metadata[key] = json.RawMessage(value)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}
	return metadata, nil
}

// mapUniqueViolation converts duplicate-key errors into ErrConflict.
func mapUniqueViolation(err error, name string) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return fmt.Errorf("%q already exists: %w", name, ErrConflict)
	}
	return fmt.Errorf("database error: %w", err)
}
