// Package directory resolves the patient, doctor and branch records that
// queue entries reference. The records are owned by other systems; this
// package only reads them.
package directory

import (
	"context"
	"errors"
	"sync"

	"qms/patient-queue/internal/models"
)

var ErrNotFound = errors.New("directory record not found")

type Directory interface {
	Patient(ctx context.Context, patientID string) (models.Patient, error)
	Doctor(ctx context.Context, doctorID string) (models.Doctor, error)
	Branch(ctx context.Context, branchID string) (models.Branch, error)
}

type Memory struct {
	mu       sync.RWMutex
	patients map[string]models.Patient
	doctors  map[string]models.Doctor
	branches map[string]models.Branch
}

func NewMemory() *Memory {
	return &Memory{
		patients: make(map[string]models.Patient),
		doctors:  make(map[string]models.Doctor),
		branches: make(map[string]models.Branch),
	}
}

func (m *Memory) AddPatient(p models.Patient) {
	m.mu.Lock()
	m.patients[p.PatientID] = p
	m.mu.Unlock()
}

func (m *Memory) AddDoctor(d models.Doctor) {
	m.mu.Lock()
	m.doctors[d.DoctorID] = d
	m.mu.Unlock()
}

func (m *Memory) AddBranch(b models.Branch) {
	m.mu.Lock()
	m.branches[b.BranchID] = b
	m.mu.Unlock()
}

func (m *Memory) Patient(ctx context.Context, patientID string) (models.Patient, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.patients[patientID]
	if !ok {
		return models.Patient{}, ErrNotFound
	}
	return p, nil
}

func (m *Memory) Doctor(ctx context.Context, doctorID string) (models.Doctor, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.doctors[doctorID]
	if !ok {
		return models.Doctor{}, ErrNotFound
	}
	return d, nil
}

func (m *Memory) Branch(ctx context.Context, branchID string) (models.Branch, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.branches[branchID]
	if !ok {
		return models.Branch{}, ErrNotFound
	}
	return b, nil
}
