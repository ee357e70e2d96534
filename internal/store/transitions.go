package store

import (
	"time"

	"qms/patient-queue/internal/models"
)

var transitionMap = map[models.Status][]models.Status{
	models.StatusWaiting:        {models.StatusCalled, models.StatusNoShow},
	models.StatusCalled:         {models.StatusInConsultation, models.StatusNoShow},
	models.StatusInConsultation: {models.StatusCompleted},
	models.StatusCompleted:      nil,
	models.StatusNoShow:         nil,
}

func ValidTransition(from, to models.Status) bool {
	allowed, ok := transitionMap[from]
	if !ok {
		return false
	}
	for _, status := range allowed {
		if status == to {
			return true
		}
	}
	return false
}

// StampTransition sets the timestamp belonging to status unless it is already set.
func StampTransition(entry *models.QueueEntry, status models.Status, at time.Time) {
	var field **time.Time
	switch status {
	case models.StatusWaiting:
		field = &entry.CheckedInAt
	case models.StatusCalled:
		field = &entry.CalledAt
	case models.StatusInConsultation:
		field = &entry.ConsultationStartedAt
	case models.StatusCompleted:
		field = &entry.ConsultationEndedAt
	case models.StatusNoShow:
		field = &entry.NoShowAt
	default:
		return
	}
	if *field != nil {
		return
	}
	stamp := at
	*field = &stamp
}
