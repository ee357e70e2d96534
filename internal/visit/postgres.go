package visit

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

type PostgresLinker struct {
	pool *pgxpool.Pool
}

func NewPostgresLinker(pool *pgxpool.Pool) *PostgresLinker {
	return &PostgresLinker{pool: pool}
}

func (p *PostgresLinker) LinkNewVisit(ctx context.Context, patientRef, doctorRef string) (string, error) {
	visitID := uuid.NewString()
	_, err := p.pool.Exec(ctx, `
		INSERT INTO visits (visit_id, patient_id, doctor_id, created_at)
		VALUES ($1, $2, $3, $4)
	`, visitID, patientRef, doctorRef, time.Now().UTC())
	if err != nil {
		return "", err
	}
	return visitID, nil
}

func (p *PostgresLinker) DiscardVisit(ctx context.Context, visitRef string) error {
	_, err := p.pool.Exec(ctx, `DELETE FROM visits WHERE visit_id = $1`, visitRef)
	return err
}
