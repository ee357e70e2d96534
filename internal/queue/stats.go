package queue

import (
	"math"
	"time"

	"qms/patient-queue/internal/models"

	"github.com/rs/zerolog/log"
)

type Stats struct {
	WaitingCount        int       `json:"waiting_count"`
	CalledCount         int       `json:"called_count"`
	InConsultationCount int       `json:"in_consultation_count"`
	CompletedCount      int       `json:"completed_count"`
	NoShowCount         int       `json:"no_show_count"`
	AverageWaitMinutes  int       `json:"average_wait_minutes"`
	LongestWaitMinutes  int       `json:"longest_wait_minutes"`
	GeneratedAt         time.Time `json:"generated_at"`
}

// ComputeStats derives counts and wait metrics from entries as of now.
// Only waiting and called entries contribute to wait metrics; entries
// without any usable start timestamp are skipped.
func ComputeStats(entries []models.QueueEntry, now time.Time) Stats {
	out := Stats{GeneratedAt: now}
	var total time.Duration
	var longest time.Duration
	waiting := 0

	for _, entry := range entries {
		switch entry.Status {
		case models.StatusWaiting:
			out.WaitingCount++
		case models.StatusCalled:
			out.CalledCount++
		case models.StatusInConsultation:
			out.InConsultationCount++
		case models.StatusCompleted:
			out.CompletedCount++
		case models.StatusNoShow:
			out.NoShowCount++
		}

		if entry.Status != models.StatusWaiting && entry.Status != models.StatusCalled {
			continue
		}
		start, ok := entry.WaitStart()
		if !ok {
			log.Warn().Str("entry_id", entry.ID).Str("token", entry.Token).Msg("skip entry without check-in timestamp")
			continue
		}
		wait := now.Sub(start)
		if wait < 0 {
			wait = 0
		}
		total += wait
		if wait > longest {
			longest = wait
		}
		waiting++
	}

	if waiting > 0 {
		out.AverageWaitMinutes = roundMinutes(total / time.Duration(waiting))
		out.LongestWaitMinutes = roundMinutes(longest)
	}
	return out
}

func roundMinutes(d time.Duration) int {
	return int(math.Round(d.Minutes()))
}
