// Package queue owns the patient queue lifecycle: admission with token
// issuance and visit linking, status transitions, manual reordering,
// edits, removal and dashboard statistics.
package queue

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"qms/patient-queue/internal/directory"
	"qms/patient-queue/internal/models"
	"qms/patient-queue/internal/store"
	"qms/patient-queue/internal/token"
	"qms/patient-queue/internal/visit"
)

// Notifier receives every committed change. Implementations must not block.
type Notifier interface {
	Publish(eventType string, entry models.QueueEntry)
}

type noopNotifier struct{}

func (noopNotifier) Publish(string, models.QueueEntry) {}

type Options struct {
	Notifier Notifier
	// Location decides which calendar day a token belongs to.
	Location        *time.Location
	UpstreamTimeout time.Duration
	Now             func() time.Time
}

type Service struct {
	store     store.QueueStore
	tokens    token.Issuer
	visits    visit.Linker
	directory directory.Directory
	notifier  Notifier
	loc       *time.Location
	timeout   time.Duration
	now       func() time.Time
	tracer    trace.Tracer
}

func NewService(st store.QueueStore, tokens token.Issuer, visits visit.Linker, dir directory.Directory, opts Options) *Service {
	svc := &Service{
		store:     st,
		tokens:    tokens,
		visits:    visits,
		directory: dir,
		notifier:  opts.Notifier,
		loc:       opts.Location,
		timeout:   opts.UpstreamTimeout,
		now:       opts.Now,
		tracer:    otel.Tracer("qms/patient-queue/queue"),
	}
	if svc.notifier == nil {
		svc.notifier = noopNotifier{}
	}
	if svc.loc == nil {
		svc.loc = time.UTC
	}
	if svc.timeout <= 0 {
		svc.timeout = 5 * time.Second
	}
	if svc.now == nil {
		svc.now = time.Now
	}
	return svc
}

type EnqueueInput struct {
	RequestID      string
	PatientRef     string
	DoctorRef      string
	BranchRef      string
	Source         models.Source
	AppointmentRef string
	Notes          string
}

type EditInput struct {
	Notes     *string
	Priority  *int
	DoctorRef *string
	BranchRef *string
}

func (in EditInput) reassigns() bool {
	return in.Priority != nil || in.DoctorRef != nil || in.BranchRef != nil
}

// Today is the day key of now in the configured location.
func (s *Service) Today() string {
	return store.DayKey(s.now(), s.loc)
}

func (s *Service) Enqueue(ctx context.Context, in EnqueueInput) (entry models.QueueEntry, err error) {
	ctx, span := s.tracer.Start(ctx, "queue.Enqueue")
	defer func() { finishSpan(span, err) }()

	in.RequestID = strings.TrimSpace(in.RequestID)
	in.PatientRef = strings.TrimSpace(in.PatientRef)
	in.DoctorRef = strings.TrimSpace(in.DoctorRef)
	in.BranchRef = strings.TrimSpace(in.BranchRef)
	in.AppointmentRef = strings.TrimSpace(in.AppointmentRef)
	if err := validateEnqueue(in); err != nil {
		return models.QueueEntry{}, err
	}
	span.SetAttributes(
		attribute.String("queue.branch_id", in.BranchRef),
		attribute.String("queue.doctor_id", in.DoctorRef),
		attribute.String("queue.source", string(in.Source)),
	)

	if in.RequestID != "" {
		lookupCtx, cancel := s.storeCtx(ctx)
		existing, found, err := s.store.GetByRequestID(lookupCtx, in.RequestID)
		cancel()
		if err != nil {
			return models.QueueEntry{}, s.storeErr("lookup request", err)
		}
		if found {
			return existing, nil
		}
	}

	patient, err := s.resolveRefs(ctx, in.PatientRef, in.DoctorRef, in.BranchRef)
	if err != nil {
		return models.QueueEntry{}, err
	}

	now := s.now().UTC()
	day := store.DayKey(now, s.loc)

	tokenCtx, cancel := context.WithTimeout(ctx, s.timeout)
	tok, err := s.tokens.Issue(tokenCtx, day)
	cancel()
	if err != nil {
		return models.QueueEntry{}, store.Upstream("issue token", err)
	}

	linkCtx, cancel := context.WithTimeout(ctx, s.timeout)
	visitRef, err := s.visits.LinkNewVisit(linkCtx, in.PatientRef, in.DoctorRef)
	cancel()
	if err != nil {
		return models.QueueEntry{}, store.Upstream("link visit", err)
	}

	checkedIn := now
	entry = models.QueueEntry{
		ID:             uuid.NewString(),
		Token:          tok,
		TokenDay:       day,
		RequestID:      in.RequestID,
		PatientRef:     in.PatientRef,
		PatientName:    patient.DisplayName,
		DoctorRef:      in.DoctorRef,
		BranchRef:      in.BranchRef,
		AppointmentRef: in.AppointmentRef,
		VisitRef:       visitRef,
		Status:         models.StatusWaiting,
		Source:         in.Source,
		Priority:       in.Source.DefaultPriority(),
		Notes:          strings.TrimSpace(in.Notes),
		CreatedAt:      now,
		CheckedInAt:    &checkedIn,
		UpdatedAt:      now,
	}

	insertCtx, cancel := s.storeCtx(ctx)
	err = s.store.Insert(insertCtx, entry)
	cancel()
	if err != nil {
		s.discardVisit(visitRef)
		if errors.Is(err, store.ErrConflict) && in.RequestID != "" {
			lookupCtx, cancel := s.storeCtx(ctx)
			existing, found, lookupErr := s.store.GetByRequestID(lookupCtx, in.RequestID)
			cancel()
			if lookupErr == nil && found {
				return existing, nil
			}
		}
		return models.QueueEntry{}, s.storeErr("insert entry", err)
	}

	log.Info().
		Str("entry_id", entry.ID).
		Str("token", entry.Token).
		Str("branch_id", entry.BranchRef).
		Str("doctor_id", entry.DoctorRef).
		Str("source", string(entry.Source)).
		Msg("patient enqueued")
	s.notifier.Publish(store.EventCreated, entry)
	return entry, nil
}

func validateEnqueue(in EnqueueInput) error {
	switch {
	case in.PatientRef == "":
		return store.Invalid("patient_id", "is required")
	case in.DoctorRef == "":
		return store.Invalid("doctor_id", "is required")
	case in.BranchRef == "":
		return store.Invalid("branch_id", "is required")
	}
	if _, err := models.ParseSource(string(in.Source)); err != nil {
		return store.Invalid("source", "must be one of online_appointment, walk_in, staff_added")
	}
	return nil
}

func (s *Service) resolveRefs(ctx context.Context, patientRef, doctorRef, branchRef string) (models.Patient, error) {
	if s.directory == nil {
		return models.Patient{PatientID: patientRef}, nil
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	patient, err := s.directory.Patient(ctx, patientRef)
	if err != nil {
		return models.Patient{}, directoryErr("patient_id", err)
	}
	if doctorRef != "" {
		if _, err := s.directory.Doctor(ctx, doctorRef); err != nil {
			return models.Patient{}, directoryErr("doctor_id", err)
		}
	}
	if branchRef != "" {
		if _, err := s.directory.Branch(ctx, branchRef); err != nil {
			return models.Patient{}, directoryErr("branch_id", err)
		}
	}
	return patient, nil
}

func directoryErr(field string, err error) error {
	if errors.Is(err, directory.ErrNotFound) {
		return store.Invalid(field, "does not exist")
	}
	return store.Upstream("resolve "+field, err)
}

func (s *Service) discardVisit(visitRef string) {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	if err := s.visits.DiscardVisit(ctx, visitRef); err != nil {
		log.Error().Err(err).Str("visit_id", visitRef).Msg("failed to discard orphaned visit")
	}
}

// Transition moves an entry to target. Repeating the entry's current status
// never overwrites first-entry timestamps; notes sent with the repeat are
// still appended.
func (s *Service) Transition(ctx context.Context, id string, target models.Status, notes string) (entry models.QueueEntry, err error) {
	ctx, span := s.tracer.Start(ctx, "queue.Transition", trace.WithAttributes(
		attribute.String("queue.entry_id", id),
		attribute.String("queue.target_status", string(target)),
	))
	defer func() { finishSpan(span, err) }()

	if _, err := models.ParseStatus(string(target)); err != nil {
		return models.QueueEntry{}, store.Invalid("status", "is not a known queue status")
	}
	now := s.now().UTC()
	notes = strings.TrimSpace(notes)
	var from models.Status

	callCtx, cancel := s.storeCtx(ctx)
	defer cancel()
	entry, err = s.store.Update(callCtx, id, store.Mutation{
		Event: store.EventTransitioned,
		Apply: func(e *models.QueueEntry) error {
			from = e.Status
			if e.Status == target {
				return errUnchanged
			}
			if !store.ValidTransition(e.Status, target) {
				return &store.TransitionError{From: e.Status, To: target}
			}
			e.Status = target
			store.StampTransition(e, target, now)
			e.Notes = appendNote(e.Notes, notes)
			return nil
		},
	})
	if errors.Is(err, errUnchanged) {
		if notes == "" {
			return s.Get(ctx, id)
		}
		return s.appendNotes(ctx, id, notes)
	}
	if err != nil {
		return models.QueueEntry{}, s.storeErr("transition entry", err)
	}

	log.Info().
		Str("entry_id", entry.ID).
		Str("token", entry.Token).
		Str("from", string(from)).
		Str("to", string(target)).
		Msg("queue entry transitioned")
	s.notifier.Publish(store.EventTransitioned, entry)
	return entry, nil
}

var errUnchanged = errors.New("entry unchanged")

func (s *Service) appendNotes(ctx context.Context, id, notes string) (models.QueueEntry, error) {
	callCtx, cancel := s.storeCtx(ctx)
	defer cancel()
	entry, err := s.store.Update(callCtx, id, store.Mutation{
		Event: store.EventUpdated,
		Apply: func(e *models.QueueEntry) error {
			e.Notes = appendNote(e.Notes, notes)
			return nil
		},
	})
	if err != nil {
		return models.QueueEntry{}, s.storeErr("append notes", err)
	}
	s.notifier.Publish(store.EventUpdated, entry)
	return entry, nil
}

func appendNote(existing, note string) string {
	if note == "" {
		return existing
	}
	if existing == "" {
		return note
	}
	return existing + "\n" + note
}

func (s *Service) Remove(ctx context.Context, id string) (entry models.QueueEntry, err error) {
	ctx, span := s.tracer.Start(ctx, "queue.Remove", trace.WithAttributes(attribute.String("queue.entry_id", id)))
	defer func() { finishSpan(span, err) }()

	callCtx, cancel := s.storeCtx(ctx)
	defer cancel()
	entry, err = s.store.Delete(callCtx, id)
	if err != nil {
		return models.QueueEntry{}, s.storeErr("remove entry", err)
	}
	log.Info().Str("entry_id", entry.ID).Str("token", entry.Token).Str("status", string(entry.Status)).Msg("queue entry removed")
	s.notifier.Publish(store.EventRemoved, entry)
	return entry, nil
}

func (s *Service) Get(ctx context.Context, id string) (models.QueueEntry, error) {
	callCtx, cancel := s.storeCtx(ctx)
	defer cancel()
	entry, err := s.store.Get(callCtx, id)
	if err != nil {
		return models.QueueEntry{}, s.storeErr("get entry", err)
	}
	return entry, nil
}

func (s *Service) List(ctx context.Context, filter store.Filter) (entries []models.QueueEntry, err error) {
	ctx, span := s.tracer.Start(ctx, "queue.List")
	defer func() { finishSpan(span, err) }()

	callCtx, cancel := s.storeCtx(ctx)
	defer cancel()
	entries, err = s.store.List(callCtx, filter)
	if err != nil {
		return nil, s.storeErr("list entries", err)
	}
	span.SetAttributes(attribute.Int("queue.result_count", len(entries)))
	return entries, nil
}

// Stats aggregates the filtered entries of one day, today when the filter
// names no date.
func (s *Service) Stats(ctx context.Context, filter store.Filter) (out Stats, err error) {
	ctx, span := s.tracer.Start(ctx, "queue.Stats")
	defer func() { finishSpan(span, err) }()

	now := s.now().UTC()
	if filter.Date == "" {
		filter.Date = store.DayKey(now, s.loc)
	}
	callCtx, cancel := s.storeCtx(ctx)
	defer cancel()
	entries, err := s.store.List(callCtx, filter)
	if err != nil {
		return Stats{}, s.storeErr("list entries", err)
	}
	return ComputeStats(entries, now), nil
}

// Reorder renumbers the listed waiting entries so that the first id is
// served first. All entries are updated or none are.
func (s *Service) Reorder(ctx context.Context, ids []string) (entries []models.QueueEntry, err error) {
	ctx, span := s.tracer.Start(ctx, "queue.Reorder", trace.WithAttributes(attribute.Int("queue.entry_count", len(ids))))
	defer func() { finishSpan(span, err) }()

	if len(ids) == 0 {
		return nil, store.Invalid("queue_ids", "must not be empty")
	}
	positions := make(map[string]int, len(ids))
	for i, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			return nil, store.Invalid("queue_ids", "must not contain blank ids")
		}
		if _, dup := positions[id]; dup {
			return nil, store.Invalid("queue_ids", "must not repeat "+id)
		}
		positions[id] = i + 1
	}
	clean := make([]string, 0, len(ids))
	for _, id := range ids {
		clean = append(clean, strings.TrimSpace(id))
	}

	callCtx, cancel := s.storeCtx(ctx)
	defer cancel()
	entries, err = s.store.UpdateMany(callCtx, clean, store.Mutation{
		Event: store.EventReordered,
		Apply: func(e *models.QueueEntry) error {
			if e.Status != models.StatusWaiting {
				return &store.StateError{ID: e.ID, Status: e.Status, Action: "reorder"}
			}
			e.Priority = positions[e.ID]
			return nil
		},
	})
	if err != nil {
		return nil, s.storeErr("reorder entries", err)
	}
	for _, entry := range entries {
		s.notifier.Publish(store.EventReordered, entry)
	}
	log.Info().Int("count", len(entries)).Msg("queue reordered")
	return entries, nil
}

// Edit updates notes at any time. Priority and doctor or branch
// reassignment are accepted only while the entry is waiting.
func (s *Service) Edit(ctx context.Context, id string, in EditInput) (entry models.QueueEntry, err error) {
	ctx, span := s.tracer.Start(ctx, "queue.Edit", trace.WithAttributes(attribute.String("queue.entry_id", id)))
	defer func() { finishSpan(span, err) }()

	if in.Notes == nil && !in.reassigns() {
		return models.QueueEntry{}, store.Invalid("body", "must change at least one field")
	}
	if in.Priority != nil && *in.Priority < 0 {
		return models.QueueEntry{}, store.Invalid("priority", "must not be negative")
	}
	if in.DoctorRef != nil {
		trimmed := strings.TrimSpace(*in.DoctorRef)
		if trimmed == "" {
			return models.QueueEntry{}, store.Invalid("doctor_id", "must not be blank")
		}
		in.DoctorRef = &trimmed
	}
	if in.BranchRef != nil {
		trimmed := strings.TrimSpace(*in.BranchRef)
		if trimmed == "" {
			return models.QueueEntry{}, store.Invalid("branch_id", "must not be blank")
		}
		in.BranchRef = &trimmed
	}
	if s.directory != nil && (in.DoctorRef != nil || in.BranchRef != nil) {
		lookupCtx, cancel := context.WithTimeout(ctx, s.timeout)
		if in.DoctorRef != nil {
			if _, err := s.directory.Doctor(lookupCtx, *in.DoctorRef); err != nil {
				cancel()
				return models.QueueEntry{}, directoryErr("doctor_id", err)
			}
		}
		if in.BranchRef != nil {
			if _, err := s.directory.Branch(lookupCtx, *in.BranchRef); err != nil {
				cancel()
				return models.QueueEntry{}, directoryErr("branch_id", err)
			}
		}
		cancel()
	}

	callCtx, cancel := s.storeCtx(ctx)
	defer cancel()
	entry, err = s.store.Update(callCtx, id, store.Mutation{
		Event: store.EventUpdated,
		Apply: func(e *models.QueueEntry) error {
			if in.reassigns() && e.Status != models.StatusWaiting {
				return &store.StateError{ID: e.ID, Status: e.Status, Action: "reassign"}
			}
			if in.Notes != nil {
				e.Notes = strings.TrimSpace(*in.Notes)
			}
			if in.Priority != nil {
				e.Priority = *in.Priority
			}
			if in.DoctorRef != nil {
				e.DoctorRef = *in.DoctorRef
			}
			if in.BranchRef != nil {
				e.BranchRef = *in.BranchRef
			}
			return nil
		},
	})
	if err != nil {
		return models.QueueEntry{}, s.storeErr("edit entry", err)
	}
	s.notifier.Publish(store.EventUpdated, entry)
	return entry, nil
}

func (s *Service) Events(ctx context.Context, id string) ([]store.EntryEvent, error) {
	callCtx, cancel := s.storeCtx(ctx)
	defer cancel()
	events, err := s.store.ListEvents(callCtx, id)
	if err != nil {
		return nil, s.storeErr("list events", err)
	}
	return events, nil
}

// SweepNoShows marks called entries whose call is older than grace as
// no_show. Entries that moved on concurrently are skipped.
func (s *Service) SweepNoShows(ctx context.Context, grace time.Duration) (int, error) {
	if grace <= 0 {
		return 0, nil
	}
	listCtx, cancel := s.storeCtx(ctx)
	called, err := s.store.List(listCtx, store.Filter{Statuses: []models.Status{models.StatusCalled}})
	cancel()
	if err != nil {
		return 0, s.storeErr("list called entries", err)
	}
	cutoff := s.now().UTC().Add(-grace)
	swept := 0
	for _, entry := range called {
		if entry.CalledAt == nil || entry.CalledAt.After(cutoff) {
			continue
		}
		_, err := s.Transition(ctx, entry.ID, models.StatusNoShow, "marked no-show automatically")
		switch {
		case err == nil:
			swept++
		case errors.Is(err, store.ErrIllegalTransition), errors.Is(err, store.ErrConflict), errors.Is(err, store.ErrNotFound):
			log.Debug().Err(err).Str("entry_id", entry.ID).Msg("skip no-show sweep for entry")
		default:
			return swept, err
		}
	}
	if swept > 0 {
		log.Info().Int("count", swept).Dur("grace", grace).Msg("auto no-show sweep")
	}
	return swept, nil
}

// storeCtx bounds a single call to the backing store.
func (s *Service) storeCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.timeout)
}

// storeErr keeps queue outcomes as they are. Anything else from the backing
// store, including an expired deadline, is an upstream failure.
func (s *Service) storeErr(op string, err error) error {
	for _, known := range []error{
		store.ErrValidation,
		store.ErrNotFound,
		store.ErrIllegalTransition,
		store.ErrDuplicateToken,
		store.ErrInvalidState,
		store.ErrConflict,
		store.ErrUpstreamUnavailable,
		context.Canceled,
	} {
		if errors.Is(err, known) {
			return err
		}
	}
	return store.Upstream(op, err)
}

func finishSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
