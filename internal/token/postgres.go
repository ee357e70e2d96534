package token

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

type PostgresIssuer struct {
	pool *pgxpool.Pool
}

func NewPostgresIssuer(pool *pgxpool.Pool) *PostgresIssuer {
	return &PostgresIssuer{pool: pool}
}

func (p *PostgresIssuer) Issue(ctx context.Context, day string) (string, error) {
	var next int64
	row := p.pool.QueryRow(ctx, `
		INSERT INTO token_sequences (day, next_number)
		VALUES ($1::date, 1)
		ON CONFLICT (day)
		DO UPDATE SET next_number = token_sequences.next_number + 1
		RETURNING next_number
	`, day)
	if err := row.Scan(&next); err != nil {
		return "", fmt.Errorf("next token number: %w", err)
	}
	return Format(day, next), nil
}
