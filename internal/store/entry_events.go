package store

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"time"

	"qms/patient-queue/internal/models"
)

type EntryEvent struct {
	EventID   string          `json:"event_id"`
	EntryID   string          `json:"entry_id"`
	Seq       int             `json:"seq"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
	PrevHash  string          `json:"prev_hash"`
	Hash      string          `json:"hash"`
}

type eventPayload struct {
	ID             string        `json:"id"`
	Token          string        `json:"token"`
	Status         models.Status `json:"status"`
	PatientRef     string        `json:"patient_id"`
	DoctorRef      string        `json:"doctor_id"`
	BranchRef      string        `json:"branch_id"`
	VisitRef       string        `json:"visit_id"`
	Source         models.Source `json:"source"`
	Priority       int           `json:"priority"`
	AppointmentRef string        `json:"appointment_id,omitempty"`
	Notes          string        `json:"notes,omitempty"`
}

func ComputeEntryEventHash(prevHash, entryID, eventType string, payload json.RawMessage, createdAt time.Time, seq int) string {
	raw := fmt.Sprintf("%s|%s|%s|%s|%d|%s", prevHash, entryID, eventType, createdAt.UTC().Format(time.RFC3339Nano), seq, payload)
	sum := sha256.Sum256([]byte(raw))
	return fmt.Sprintf("%x", sum)
}

// EventPayload is the JSON snapshot of entry stored with every event.
func EventPayload(entry models.QueueEntry) (json.RawMessage, error) {
	return json.Marshal(eventPayload{
		ID:             entry.ID,
		Token:          entry.Token,
		Status:         entry.Status,
		PatientRef:     entry.PatientRef,
		DoctorRef:      entry.DoctorRef,
		BranchRef:      entry.BranchRef,
		VisitRef:       entry.VisitRef,
		Source:         entry.Source,
		Priority:       entry.Priority,
		AppointmentRef: entry.AppointmentRef,
		Notes:          entry.Notes,
	})
}

// NextEntryEvent chains a new event after prev, which is nil for the first event.
func NextEntryEvent(prev *EntryEvent, eventID, entryID, eventType string, payload json.RawMessage, createdAt time.Time) EntryEvent {
	seq := 1
	prevHash := ""
	if prev != nil {
		seq = prev.Seq + 1
		prevHash = prev.Hash
	}
	return EntryEvent{
		EventID:   eventID,
		EntryID:   entryID,
		Seq:       seq,
		Type:      eventType,
		Payload:   payload,
		CreatedAt: createdAt,
		PrevHash:  prevHash,
		Hash:      ComputeEntryEventHash(prevHash, entryID, eventType, payload, createdAt, seq),
	}
}

// VerifyEntryEvents checks sequence continuity and every hash link.
func VerifyEntryEvents(events []EntryEvent) error {
	prevHash := ""
	for i, event := range events {
		if event.Seq != i+1 {
			return fmt.Errorf("event %s: sequence %d, want %d", event.EventID, event.Seq, i+1)
		}
		if event.PrevHash != prevHash {
			return fmt.Errorf("event %s: broken chain", event.EventID)
		}
		want := ComputeEntryEventHash(event.PrevHash, event.EntryID, event.Type, event.Payload, event.CreatedAt, event.Seq)
		if event.Hash != want {
			return fmt.Errorf("event %s: hash mismatch", event.EventID)
		}
		prevHash = event.Hash
	}
	return nil
}
