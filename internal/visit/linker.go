// Package visit opens the clinical visit that every queue entry points at.
package visit

import (
	"context"
	"sync"
	"time"

	"qms/patient-queue/internal/models"

	"github.com/google/uuid"
)

type Linker interface {
	LinkNewVisit(ctx context.Context, patientRef, doctorRef string) (string, error)
	// DiscardVisit undoes LinkNewVisit when the queue insert that followed it failed.
	DiscardVisit(ctx context.Context, visitRef string) error
}

type MemoryLinker struct {
	mu     sync.RWMutex
	visits map[string]models.Visit
}

func NewMemoryLinker() *MemoryLinker {
	return &MemoryLinker{visits: make(map[string]models.Visit)}
}

func (m *MemoryLinker) LinkNewVisit(ctx context.Context, patientRef, doctorRef string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	v := models.Visit{
		VisitID:   uuid.NewString(),
		PatientID: patientRef,
		DoctorID:  doctorRef,
		CreatedAt: time.Now().UTC(),
	}
	m.mu.Lock()
	m.visits[v.VisitID] = v
	m.mu.Unlock()
	return v.VisitID, nil
}

func (m *MemoryLinker) DiscardVisit(ctx context.Context, visitRef string) error {
	m.mu.Lock()
	delete(m.visits, visitRef)
	m.mu.Unlock()
	return nil
}
