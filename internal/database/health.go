package database

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// HealthChecker implements the health.Checker interface for PostgreSQL.
type HealthChecker struct {
	pool *pgxpool.Pool
}

// NewHealthChecker creates a health checker for the given connection pool.
func NewHealthChecker(pool *pgxpool.Pool) *HealthChecker {
	return &HealthChecker{pool: pool}
}

// Name returns the component name.
func (h *HealthChecker) Name() string {
	return "postgres"
}

// Check verifies the database connection.
func (h *HealthChecker) Check(ctx context.Context) error {
	if h.pool == nil {
		return fmt.Errorf("database connection is nil")
	}
	return h.pool.Ping(ctx)
}
