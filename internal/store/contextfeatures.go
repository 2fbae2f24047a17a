package store

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/jackc/pgx/v5"

	"github.com/heksher-io/heksher/internal/database"
)

// indexShift temporarily lifts all feature indices out of the live range
// so a full index rewrite never trips the unique constraint mid-statement.
const indexShift = 1 << 20

// ListContextFeatures returns all features in hierarchical order.
func (s *PostgresStore) ListContextFeatures(ctx context.Context) ([]ContextFeature, error) {
	rows, err := s.db.Query(ctx,
		`SELECT name, "index" FROM context_features ORDER BY "index"`)
	if err != nil {
		return nil, fmt.Errorf("failed to list context features: %w", err)
	}
	defer rows.Close()

	var features []ContextFeature
	for rows.Next() {
		var f ContextFeature
		if err := rows.Scan(&f.Name, &f.Index); err != nil {
			return nil, fmt.Errorf("failed to scan context feature: %w", err)
		}
		features = append(features, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}
	return features, nil
}

// GetContextFeatureIndex returns the hierarchical index of a feature.
func (s *PostgresStore) GetContextFeatureIndex(ctx context.Context, name string) (int, error) {
	var index int
	err := s.db.QueryRow(ctx,
		`SELECT "index" FROM context_features WHERE name = $1`, name).Scan(&index)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get context feature index: %w", err)
	}
	return index, nil
}

// AddContextFeature appends a feature at the end of the hierarchy.
func (s *PostgresStore) AddContextFeature(ctx context.Context, name string) (int, error) {
	var newIndex int
	err := database.InSerializableTx(ctx, s.db, s.maxRetries, func(tx pgx.Tx) error {
		var exists bool
		if err := tx.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM context_features WHERE name = $1)`, name).Scan(&exists); err != nil {
			return fmt.Errorf("failed to check context feature existence: %w", err)
		}
		if exists {
			return fmt.Errorf("context feature %q: %w", name, ErrConflict)
		}
		return tx.QueryRow(ctx, `
			INSERT INTO context_features (name, "index")
			VALUES ($1, (SELECT COALESCE(MAX("index"), -1) + 1 FROM context_features))
			RETURNING "index"`,
			name).Scan(&newIndex)
	})
	if err != nil {
		return 0, err
	}
	return newIndex, nil
}

// DeleteContextFeature removes a feature and compacts the indices of the
// remaining ones. A feature that any setting is configurable by cannot be
// removed.
func (s *PostgresStore) DeleteContextFeature(ctx context.Context, name string) error {
	return database.InSerializableTx(ctx, s.db, s.maxRetries, func(tx pgx.Tx) error {
		var exists bool
		if err := tx.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM context_features WHERE name = $1)`, name).Scan(&exists); err != nil {
			return fmt.Errorf("failed to check context feature existence: %w", err)
		}
		if !exists {
			return fmt.Errorf("context feature %q: %w", name, ErrNotFound)
		}

		var inUse bool
		if err := tx.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM setting_configurable_features WHERE context_feature = $1)`,
			name).Scan(&inUse); err != nil {
			return fmt.Errorf("failed to check context feature usage: %w", err)
		}
		if inUse {
			return fmt.Errorf("context feature %q: %w", name, ErrInUse)
		}

		remaining, err := orderedFeatureNames(ctx, tx)
		if err != nil {
			return err
		}
		remaining = slices.DeleteFunc(remaining, func(n string) bool { return n == name })

		if _, err := tx.Exec(ctx,
			`DELETE FROM context_features WHERE name = $1`, name); err != nil {
			return fmt.Errorf("failed to delete context feature: %w", err)
		}
		return rewriteFeatureIndices(ctx, tx, remaining)
	})
}

// MoveContextFeature repositions name so that it sits immediately before
// (or after) the pivot. The pivot position is computed after removing the
// moved feature, so moving a feature relative to itself is a no-op.
func (s *PostgresStore) MoveContextFeature(ctx context.Context, name, pivot string, before bool) error {
	return database.InSerializableTx(ctx, s.db, s.maxRetries, func(tx pgx.Tx) error {
		order, err := orderedFeatureNames(ctx, tx)
		if err != nil {
			return err
		}
		if !slices.Contains(order, name) {
			return fmt.Errorf("context feature %q: %w", name, ErrNotFound)
		}
		if !slices.Contains(order, pivot) {
			return fmt.Errorf("context feature %q: %w", pivot, ErrNotFound)
		}
		if name == pivot {
			return nil
		}

		// remove, then insert at the pivot position computed after removal
		order = slices.DeleteFunc(order, func(n string) bool { return n == name })
		pivotAt := slices.Index(order, pivot)
		insertAt := pivotAt
		if !before {
			insertAt = pivotAt + 1
		}
		order = slices.Insert(order, insertAt, name)
		return rewriteFeatureIndices(ctx, tx, order)
	})
}

// EnsureContextFeatures reconciles the registry with the expected startup
// order. The existing order must be a subsequence of the expected one;
// missing features are inserted at their expected positions.
func (s *PostgresStore) EnsureContextFeatures(ctx context.Context, expected []string) error {
	if len(expected) == 0 {
		return nil
	}
	return database.InSerializableTx(ctx, s.db, s.maxRetries, func(tx pgx.Tx) error {
		existing, err := orderedFeatureNames(ctx, tx)
		if err != nil {
			return err
		}
		if slices.Equal(existing, expected) {
			return nil
		}
		if !isSubsequence(existing, expected) {
			return fmt.Errorf("existing context features %v cannot be reconciled with expected %v",
				existing, expected)
		}

		existingSet := make(map[string]struct{}, len(existing))
		for _, n := range existing {
			existingSet[n] = struct{}{}
		}
		for i, n := range expected {
			if _, ok := existingSet[n]; !ok {
				if _, err := tx.Exec(ctx,
					`INSERT INTO context_features (name, "index") VALUES ($1, $2)`,
					n, 2*indexShift+i); err != nil {
					return fmt.Errorf("failed to insert context feature %q: %w", n, err)
				}
			}
		}
		return rewriteFeatureIndices(ctx, tx, expected)
	})
}

// orderedFeatureNames reads the feature names in hierarchical order inside
// a transaction.
func orderedFeatureNames(ctx context.Context, tx pgx.Tx) ([]string, error) {
	rows, err := tx.Query(ctx, `SELECT name FROM context_features ORDER BY "index"`)
	if err != nil {
		return nil, fmt.Errorf("failed to read context feature order: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, fmt.Errorf("failed to scan context feature name: %w", err)
		}
		names = append(names, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}
	return names, nil
}

// rewriteFeatureIndices assigns indices 0..n-1 following the given order.
// All rows are shifted out of the live range first so the unique
// constraint holds at every intermediate row.
func rewriteFeatureIndices(ctx context.Context, tx pgx.Tx, order []string) error {
	if _, err := tx.Exec(ctx,
		`UPDATE context_features SET "index" = "index" + $1 WHERE "index" < $1`, indexShift); err != nil {
		return fmt.Errorf("failed to shift context feature indices: %w", err)
	}
	for i, name := range order {
		if _, err := tx.Exec(ctx,
			`UPDATE context_features SET "index" = $1 WHERE name = $2`, i, name); err != nil {
			return fmt.Errorf("failed to set index of context feature %q: %w", name, err)
		}
	}
	return nil
}

// isSubsequence reports whether sub appears, in order, within super.
func isSubsequence(sub, super []string) bool {
	i := 0
	for _, s := range super {
		if i < len(sub) && sub[i] == s {
			i++
		}
	}
	return i == len(sub)
}
