package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"

	"github.com/jackc/pgx/v5"

	"github.com/heksher-io/heksher/internal/database"
)

// CreateRule inserts a rule with its exact-match conditions. The caller
// is responsible for semantic validation (configurable features, value
// conformance); uniqueness of (setting, conditions) is enforced here
// inside the transaction.
func (s *PostgresStore) CreateRule(ctx context.Context, setting string, value json.RawMessage,
	featureValues map[string]string, metadata map[string]json.RawMessage) (int64, error) {
	var ruleID int64
	err := database.InSerializableTx(ctx, s.db, s.maxRetries, func(tx pgx.Tx) error {
		existing, err := searchRuleTx(ctx, tx, setting, featureValues)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
		if err == nil {
			return fmt.Errorf("rule %d with the same conditions: %w", existing, ErrConflict)
		}

		if err := tx.QueryRow(ctx, `
			INSERT INTO rules (setting, value) VALUES ($1, $2) RETURNING id`,
			setting, string(value)).Scan(&ruleID); err != nil {
			return fmt.Errorf("failed to insert rule: %w", err)
		}
		for feature, fv := range featureValues {
			if _, err := tx.Exec(ctx, `
				INSERT INTO rule_conditions (rule_id, context_feature, feature_value)
				VALUES ($1, $2, $3)`, ruleID, feature, fv); err != nil {
				return fmt.Errorf("failed to insert rule condition %q: %w", feature, err)
			}
		}
		for key, v := range metadata {
			if _, err := tx.Exec(ctx, `
				INSERT INTO rule_metadata (rule_id, key, value)
				VALUES ($1, $2, $3::jsonb)`, ruleID, key, string(v)); err != nil {
				return fmt.Errorf("failed to insert rule metadata %q: %w", key, err)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return ruleID, nil
}

// GetRule loads a rule with its conditions and metadata.
func (s *PostgresStore) GetRule(ctx context.Context, id int64) (*Rule, error) {
	var rule *Rule
	err := database.InTx(ctx, s.db, func(tx pgx.Tx) error {
		r := &Rule{ID: id}
		var value string
		err := tx.QueryRow(ctx,
			`SELECT setting, value FROM rules WHERE id = $1`, id).Scan(&r.Setting, &value)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("rule %d: %w", id, ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("failed to load rule: %w", err)
		}
		r.Value = json.RawMessage(value)

		if r.FeatureValues, err = ruleConditionsTx(ctx, tx, id); err != nil {
			return err
		}
		metaRows, err := tx.Query(ctx,
			`SELECT key, value FROM rule_metadata WHERE rule_id = $1`, id)
		if err != nil {
			return fmt.Errorf("failed to load rule metadata: %w", err)
		}
		if r.Metadata, err = scanMetadata(metaRows); err != nil {
			return err
		}
		rule = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rule, nil
}

// DeleteRule removes a rule; conditions and metadata cascade.
func (s *PostgresStore) DeleteRule(ctx context.Context, id int64) error {
	tag, err := s.db.Exec(ctx, `DELETE FROM rules WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete rule: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("rule %d: %w", id, ErrNotFound)
	}
	return nil
}

// SearchRule finds the rule of a setting with exactly the given
// conditions.
func (s *PostgresStore) SearchRule(ctx context.Context, setting string, featureValues map[string]string) (int64, error) {
	var id int64
	err := database.InTx(ctx, s.db, func(tx pgx.Tx) error {
		var err error
		id, err = searchRuleTx(ctx, tx, setting, featureValues)
		return err
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

// SetRuleValue updates a rule's value.
func (s *PostgresStore) SetRuleValue(ctx context.Context, id int64, value json.RawMessage) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE rules SET value = $1 WHERE id = $2`, string(value), id)
	if err != nil {
		return fmt.Errorf("failed to update rule value: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("rule %d: %w", id, ErrNotFound)
	}
	return nil
}

// ListRulesForSetting loads every rule of a setting with its conditions.
func (s *PostgresStore) ListRulesForSetting(ctx context.Context, setting string) ([]*Rule, error) {
	grouped, _, err := s.QueryRules(ctx, []string{setting}, false)
	if err != nil {
		return nil, err
	}
	return grouped[setting], nil
}

// FeatureUsage maps each context feature to the rules of the setting that
// condition on it.
func (s *PostgresStore) FeatureUsage(ctx context.Context, setting string) (map[string][]int64, error) {
	rows, err := s.db.Query(ctx, `
		SELECT rc.context_feature, rc.rule_id
		FROM rule_conditions rc
		JOIN rules r ON r.id = rc.rule_id
		WHERE r.setting = $1
		ORDER BY rc.rule_id`, setting)
	if err != nil {
		return nil, fmt.Errorf("failed to load feature usage: %w", err)
	}
	defer rows.Close()

	usage := make(map[string][]int64)
	for rows.Next() {
		var feature string
		var ruleID int64
		if err := rows.Scan(&feature, &ruleID); err != nil {
			return nil, fmt.Errorf("failed to scan feature usage: %w", err)
		}
		usage[feature] = append(usage[feature], ruleID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}
	return usage, nil
}

// QueryRules loads all rules (with conditions, optionally metadata) of
// the given settings together with their default values, in a single
// transactional snapshot, grouped by setting name.
func (s *PostgresStore) QueryRules(ctx context.Context, settings []string, includeMetadata bool) (map[string][]*Rule, map[string]json.RawMessage, error) {
	grouped := make(map[string][]*Rule, len(settings))
	defaults := make(map[string]json.RawMessage, len(settings))
	if len(settings) == 0 {
		return grouped, defaults, nil
	}

	err := database.InTx(ctx, s.db, func(tx pgx.Tx) error {
		defaultRows, err := tx.Query(ctx, `
			SELECT name, default_value FROM settings
			WHERE name = ANY($1)`, settings)
		if err != nil {
			return fmt.Errorf("failed to query setting defaults: %w", err)
		}
		for defaultRows.Next() {
			var name, value string
			if err := defaultRows.Scan(&name, &value); err != nil {
				defaultRows.Close()
				return fmt.Errorf("failed to scan setting default: %w", err)
			}
			defaults[name] = json.RawMessage(value)
		}
		defaultRows.Close()
		if err := defaultRows.Err(); err != nil {
			return fmt.Errorf("rows iteration error: %w", err)
		}

		rows, err := tx.Query(ctx, `
			SELECT id, setting, value FROM rules
			WHERE setting = ANY($1)
			ORDER BY id`, settings)
		if err != nil {
			return fmt.Errorf("failed to query rules: %w", err)
		}

		byID := make(map[int64]*Rule)
		for rows.Next() {
			r := &Rule{FeatureValues: make(map[string]string)}
			var value string
			if err := rows.Scan(&r.ID, &r.Setting, &value); err != nil {
				rows.Close()
				return fmt.Errorf("failed to scan rule: %w", err)
			}
			r.Value = json.RawMessage(value)
			byID[r.ID] = r
			grouped[r.Setting] = append(grouped[r.Setting], r)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("rows iteration error: %w", err)
		}

		condRows, err := tx.Query(ctx, `
			SELECT rc.rule_id, rc.context_feature, rc.feature_value
			FROM rule_conditions rc
			JOIN rules r ON r.id = rc.rule_id
			WHERE r.setting = ANY($1)`, settings)
		if err != nil {
			return fmt.Errorf("failed to query rule conditions: %w", err)
		}
		for condRows.Next() {
			var ruleID int64
			var feature, value string
			if err := condRows.Scan(&ruleID, &feature, &value); err != nil {
				condRows.Close()
				return fmt.Errorf("failed to scan rule condition: %w", err)
			}
			if r, ok := byID[ruleID]; ok {
				r.FeatureValues[feature] = value
			}
		}
		condRows.Close()
		if err := condRows.Err(); err != nil {
			return fmt.Errorf("rows iteration error: %w", err)
		}

		if !includeMetadata {
			return nil
		}
		metaRows, err := tx.Query(ctx, `
			SELECT rm.rule_id, rm.key, rm.value
			FROM rule_metadata rm
			JOIN rules r ON r.id = rm.rule_id
			WHERE r.setting = ANY($1)`, settings)
		if err != nil {
			return fmt.Errorf("failed to query rule metadata: %w", err)
		}
		for metaRows.Next() {
			var ruleID int64
			var key string
			var value []byte
			if err := metaRows.Scan(&ruleID, &key, &value); err != nil {
				metaRows.Close()
				return fmt.Errorf("failed to scan rule metadata: %w", err)
			}
			if r, ok := byID[ruleID]; ok {
				if r.Metadata == nil {
					r.Metadata = make(map[string]json.RawMessage)
				}
				r.Metadata[key] = json.RawMessage(value)
			}
		}
		metaRows.Close()
		return metaRows.Err()
	})
	if err != nil {
		return nil, nil, err
	}
	return grouped, defaults, nil
}

// ruleConditionsTx loads the exact-match conditions of one rule.
func ruleConditionsTx(ctx context.Context, tx pgx.Tx, id int64) (map[string]string, error) {
	rows, err := tx.Query(ctx, `
		SELECT context_feature, feature_value
		FROM rule_conditions WHERE rule_id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load rule conditions: %w", err)
	}
	defer rows.Close()

	conditions := make(map[string]string)
	for rows.Next() {
		var feature, value string
		if err := rows.Scan(&feature, &value); err != nil {
			return nil, fmt.Errorf("failed to scan rule condition: %w", err)
		}
		conditions[feature] = value
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}
	return conditions, nil
}

// searchRuleTx finds a rule by its exact condition set inside a
// transaction. Conditions are compared as whole maps: a rule with extra
// or missing conditions does not match.
func searchRuleTx(ctx context.Context, tx pgx.Tx, setting string, featureValues map[string]string) (int64, error) {
	rows, err := tx.Query(ctx, `
		SELECT r.id, rc.context_feature, rc.feature_value
		FROM rules r
		LEFT JOIN rule_conditions rc ON rc.rule_id = r.id
		WHERE r.setting = $1
		ORDER BY r.id`, setting)
	if err != nil {
		return 0, fmt.Errorf("failed to search rules: %w", err)
	}
	defer rows.Close()

	conditions := make(map[int64]map[string]string)
	for rows.Next() {
		var id int64
		var feature, value *string
		if err := rows.Scan(&id, &feature, &value); err != nil {
			return 0, fmt.Errorf("failed to scan rule condition: %w", err)
		}
		if conditions[id] == nil {
			conditions[id] = make(map[string]string)
		}
		if feature != nil {
			conditions[id][*feature] = *value
		}
	}
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("rows iteration error: %w", err)
	}

	for id, conds := range conditions {
		if maps.Equal(conds, featureValues) {
			return id, nil
		}
	}
	return 0, fmt.Errorf("rule for setting %q: %w", setting, ErrNotFound)
}
