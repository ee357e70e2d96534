package store

import (
	"sort"
	"strings"
	"time"

	"qms/patient-queue/internal/models"
)

const DayLayout = "2006-01-02"

// Filter fields are conjunctive; zero values match everything.
type Filter struct {
	DoctorRef  string
	BranchRef  string
	Statuses   []models.Status
	Sources    []models.Source
	Date       string
	SearchTerm string
}

// DayKey formats t as the calendar day used for token scope and date filtering.
func DayKey(t time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}
	return t.In(loc).Format(DayLayout)
}

func (f Filter) Match(entry models.QueueEntry) bool {
	if f.DoctorRef != "" && entry.DoctorRef != f.DoctorRef {
		return false
	}
	if f.BranchRef != "" && entry.BranchRef != f.BranchRef {
		return false
	}
	if len(f.Statuses) > 0 && !containsStatus(f.Statuses, entry.Status) {
		return false
	}
	if len(f.Sources) > 0 && !containsSource(f.Sources, entry.Source) {
		return false
	}
	if f.Date != "" && entry.TokenDay != f.Date {
		return false
	}
	if term := strings.TrimSpace(f.SearchTerm); term != "" {
		term = strings.ToLower(term)
		if !strings.Contains(strings.ToLower(entry.PatientName), term) &&
			!strings.Contains(strings.ToLower(entry.Token), term) {
			return false
		}
	}
	return true
}

func containsStatus(values []models.Status, value models.Status) bool {
	for _, item := range values {
		if item == value {
			return true
		}
	}
	return false
}

func containsSource(values []models.Source, value models.Source) bool {
	for _, item := range values {
		if item == value {
			return true
		}
	}
	return false
}

func statusGroup(status models.Status) int {
	switch status {
	case models.StatusWaiting:
		return 0
	case models.StatusCalled, models.StatusInConsultation:
		return 1
	default:
		return 2
	}
}

// SortEntries orders waiting entries by (priority, created_at) first, then
// active entries and finally finished ones, each by latest activity.
func SortEntries(entries []models.QueueEntry) {
	sort.SliceStable(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		ga, gb := statusGroup(a.Status), statusGroup(b.Status)
		if ga != gb {
			return ga < gb
		}
		if ga == 0 {
			if a.Priority != b.Priority {
				return a.Priority < b.Priority
			}
			if !a.CreatedAt.Equal(b.CreatedAt) {
				return a.CreatedAt.Before(b.CreatedAt)
			}
			return a.ID < b.ID
		}
		ta, tb := a.ActivityAt(), b.ActivityAt()
		if !ta.Equal(tb) {
			return ta.After(tb)
		}
		return a.ID < b.ID
	})
}
