package directory

import (
	"context"
	"errors"

	"qms/patient-queue/internal/models"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type Postgres struct {
	pool *pgxpool.Pool
}

func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

func (p *Postgres) Patient(ctx context.Context, patientID string) (models.Patient, error) {
	var out models.Patient
	var phone *string
	row := p.pool.QueryRow(ctx, `
		SELECT patient_id, display_name, phone FROM patients WHERE patient_id = $1
	`, patientID)
	if err := row.Scan(&out.PatientID, &out.DisplayName, &phone); err != nil {
		return models.Patient{}, notFound(err)
	}
	if phone != nil {
		out.Phone = *phone
	}
	return out, nil
}

func (p *Postgres) Doctor(ctx context.Context, doctorID string) (models.Doctor, error) {
	var out models.Doctor
	var branchID *string
	row := p.pool.QueryRow(ctx, `
		SELECT doctor_id, display_name, branch_id FROM doctors WHERE doctor_id = $1
	`, doctorID)
	if err := row.Scan(&out.DoctorID, &out.DisplayName, &branchID); err != nil {
		return models.Doctor{}, notFound(err)
	}
	if branchID != nil {
		out.BranchID = *branchID
	}
	return out, nil
}

func (p *Postgres) Branch(ctx context.Context, branchID string) (models.Branch, error) {
	var out models.Branch
	row := p.pool.QueryRow(ctx, `
		SELECT branch_id, name, code FROM branches WHERE branch_id = $1
	`, branchID)
	if err := row.Scan(&out.BranchID, &out.Name, &out.Code); err != nil {
		return models.Branch{}, notFound(err)
	}
	return out, nil
}

func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}
