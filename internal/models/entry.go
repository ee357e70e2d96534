package models

import (
	"fmt"
	"time"
)

type Status string

const (
	StatusWaiting        Status = "waiting"
	StatusCalled         Status = "called"
	StatusInConsultation Status = "in_consultation"
	StatusCompleted      Status = "completed"
	StatusNoShow         Status = "no_show"
)

var statuses = []Status{StatusWaiting, StatusCalled, StatusInConsultation, StatusCompleted, StatusNoShow}

func ParseStatus(raw string) (Status, error) {
	for _, s := range statuses {
		if string(s) == raw {
			return s, nil
		}
	}
	return "", fmt.Errorf("unknown status %q", raw)
}

// Terminal reports whether no further transition can leave s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusNoShow
}

type Source string

const (
	SourceOnlineAppointment Source = "online_appointment"
	SourceWalkIn            Source = "walk_in"
	SourceStaffAdded        Source = "staff_added"
)

const (
	PriorityAppointment = 1
	PriorityRegular     = 2
)

func ParseSource(raw string) (Source, error) {
	switch Source(raw) {
	case SourceOnlineAppointment, SourceWalkIn, SourceStaffAdded:
		return Source(raw), nil
	}
	return "", fmt.Errorf("unknown source %q", raw)
}

// DefaultPriority is the priority class assigned at admission.
func (s Source) DefaultPriority() int {
	if s == SourceOnlineAppointment {
		return PriorityAppointment
	}
	return PriorityRegular
}

type QueueEntry struct {
	ID                    string     `json:"id"`
	Token                 string     `json:"token"`
	TokenDay              string     `json:"token_day"`
	RequestID             string     `json:"request_id,omitempty"`
	PatientRef            string     `json:"patient_id"`
	PatientName           string     `json:"patient_name"`
	DoctorRef             string     `json:"doctor_id"`
	BranchRef             string     `json:"branch_id"`
	AppointmentRef        string     `json:"appointment_id,omitempty"`
	VisitRef              string     `json:"visit_id"`
	Status                Status     `json:"status"`
	Source                Source     `json:"source"`
	Priority              int        `json:"priority"`
	Notes                 string     `json:"notes,omitempty"`
	CreatedAt             time.Time  `json:"created_at"`
	CheckedInAt           *time.Time `json:"checked_in_at,omitempty"`
	CalledAt              *time.Time `json:"called_at,omitempty"`
	ConsultationStartedAt *time.Time `json:"consultation_started_at,omitempty"`
	ConsultationEndedAt   *time.Time `json:"consultation_ended_at,omitempty"`
	NoShowAt              *time.Time `json:"no_show_at,omitempty"`
	UpdatedAt             time.Time  `json:"updated_at"`
}

// Clone returns a deep copy so callers never share timestamp pointers with a store.
func (e QueueEntry) Clone() QueueEntry {
	out := e
	out.CheckedInAt = cloneTime(e.CheckedInAt)
	out.CalledAt = cloneTime(e.CalledAt)
	out.ConsultationStartedAt = cloneTime(e.ConsultationStartedAt)
	out.ConsultationEndedAt = cloneTime(e.ConsultationEndedAt)
	out.NoShowAt = cloneTime(e.NoShowAt)
	return out
}

// WaitStart is the moment the patient started waiting, or false if unknown.
func (e QueueEntry) WaitStart() (time.Time, bool) {
	if e.CheckedInAt != nil && !e.CheckedInAt.IsZero() {
		return *e.CheckedInAt, true
	}
	if !e.CreatedAt.IsZero() {
		return e.CreatedAt, true
	}
	return time.Time{}, false
}

// ActivityAt is the timestamp of the transition that produced the current status.
func (e QueueEntry) ActivityAt() time.Time {
	var ts *time.Time
	switch e.Status {
	case StatusCalled:
		ts = e.CalledAt
	case StatusInConsultation:
		ts = e.ConsultationStartedAt
	case StatusCompleted:
		ts = e.ConsultationEndedAt
	case StatusNoShow:
		ts = e.NoShowAt
	}
	if ts != nil {
		return *ts
	}
	return e.CreatedAt
}

func cloneTime(value *time.Time) *time.Time {
	if value == nil {
		return nil
	}
	t := *value
	return &t
}
