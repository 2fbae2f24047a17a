package health

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresPinger adapts a pgx pool to the sentinel's Pinger contract.
type PostgresPinger struct {
	pool *pgxpool.Pool
}

// NewPostgresPinger creates a pinger over the given pool.
func NewPostgresPinger(pool *pgxpool.Pool) *PostgresPinger {
	if pool == nil {
		panic("health: database pool cannot be nil")
	}
	return &PostgresPinger{pool: pool}
}

// PingVersion asks the server for its version; a non-empty answer proves
// the database processes queries, not just TCP connects.
func (p *PostgresPinger) PingVersion(ctx context.Context) (string, error) {
	var version string
	if err := p.pool.QueryRow(ctx, `SHOW server_version`).Scan(&version); err != nil {
		return "", fmt.Errorf("failed to query server version: %w", err)
	}
	return version, nil
}
