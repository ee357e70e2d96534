package store

import (
	"context"

	"qms/patient-queue/internal/models"
)

// Mutation is applied to a private copy of an entry while the store holds
// that entry's write lock. Returning an error aborts the write.
type Mutation struct {
	Event string
	Apply func(entry *models.QueueEntry) error
}

type QueueStore interface {
	Insert(ctx context.Context, entry models.QueueEntry) error
	Get(ctx context.Context, id string) (models.QueueEntry, error)
	GetByRequestID(ctx context.Context, requestID string) (models.QueueEntry, bool, error)
	Update(ctx context.Context, id string, mutation Mutation) (models.QueueEntry, error)
	UpdateMany(ctx context.Context, ids []string, mutation Mutation) ([]models.QueueEntry, error)
	Delete(ctx context.Context, id string) (models.QueueEntry, error)
	List(ctx context.Context, filter Filter) ([]models.QueueEntry, error)
	ListEvents(ctx context.Context, entryID string) ([]EntryEvent, error)
}

const (
	EventCreated      = "queue.entry.created"
	EventTransitioned = "queue.entry.transitioned"
	EventUpdated      = "queue.entry.updated"
	EventRemoved      = "queue.entry.removed"
	EventReordered    = "queue.reordered"
)
