package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"qms/patient-queue/internal/directory"
	"qms/patient-queue/internal/models"
	"qms/patient-queue/internal/store"
	"qms/patient-queue/internal/store/memory"
	"qms/patient-queue/internal/token"
	"qms/patient-queue/internal/visit"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []string
}

func (r *recordingNotifier) Publish(eventType string, entry models.QueueEntry) {
	r.mu.Lock()
	r.events = append(r.events, eventType+":"+entry.ID)
	r.mu.Unlock()
}

var _ visit.Linker = (*recordingLinker)(nil)

// recordingLinker keeps the visits that are currently open.
type recordingLinker struct {
	mu   sync.Mutex
	next int
	open map[string]string
}

func newRecordingLinker() *recordingLinker {
	return &recordingLinker{open: make(map[string]string)}
}

func (r *recordingLinker) LinkNewVisit(ctx context.Context, patientRef, doctorRef string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.next++
	ref := fmt.Sprintf("visit-%d", r.next)
	r.open[ref] = patientRef
	return ref, nil
}

func (r *recordingLinker) DiscardVisit(ctx context.Context, visitRef string) error {
	r.mu.Lock()
	delete(r.open, visitRef)
	r.mu.Unlock()
	return nil
}

func (r *recordingLinker) Has(visitRef string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.open[visitRef]
	return ok
}

func (r *recordingLinker) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.open)
}

type failingLinker struct {
	err       error
	discarded []string
}

func (f *failingLinker) LinkNewVisit(ctx context.Context, patientRef, doctorRef string) (string, error) {
	return "", f.err
}

func (f *failingLinker) DiscardVisit(ctx context.Context, visitRef string) error {
	f.discarded = append(f.discarded, visitRef)
	return nil
}

type blockingLinker struct{}

func (blockingLinker) LinkNewVisit(ctx context.Context, patientRef, doctorRef string) (string, error) {
	<-ctx.Done()
	return "", ctx.Err()
}

func (blockingLinker) DiscardVisit(ctx context.Context, visitRef string) error { return nil }

// insertFailStore rejects every Insert but otherwise behaves like memory.Store.
type insertFailStore struct {
	*memory.Store
}

func (insertFailStore) Insert(ctx context.Context, entry models.QueueEntry) error {
	return errors.New("disk full")
}

// unreachableStore fails reads the way a dropped database connection does.
type unreachableStore struct {
	*memory.Store
}

func (unreachableStore) Get(ctx context.Context, id string) (models.QueueEntry, error) {
	return models.QueueEntry{}, errors.New("dial tcp 10.0.0.5:5432: connect: connection refused")
}

// hungStore never answers List until the caller gives up.
type hungStore struct {
	*memory.Store
}

func (hungStore) List(ctx context.Context, filter store.Filter) ([]models.QueueEntry, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

var base = time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

type fixture struct {
	svc      *Service
	store    *memory.Store
	visits   *recordingLinker
	clock    *clock
	notifier *recordingNotifier
}

func newDirectory() *directory.Memory {
	dir := directory.NewMemory()
	dir.AddPatient(models.Patient{PatientID: "p1", DisplayName: "Ana Lima"})
	dir.AddPatient(models.Patient{PatientID: "p2", DisplayName: "Bruno Costa"})
	dir.AddPatient(models.Patient{PatientID: "p3", DisplayName: "Carla Dias"})
	dir.AddDoctor(models.Doctor{DoctorID: "d1", DisplayName: "Dr. Reis", BranchID: "b1"})
	dir.AddDoctor(models.Doctor{DoctorID: "d2", DisplayName: "Dr. Melo", BranchID: "b1"})
	dir.AddBranch(models.Branch{BranchID: "b1", Name: "Centro"})
	dir.AddBranch(models.Branch{BranchID: "b2", Name: "Norte"})
	return dir
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clk := &clock{now: base}
	st := memory.NewStore()
	visits := newRecordingLinker()
	notifier := &recordingNotifier{}
	svc := NewService(st, token.NewMemoryIssuer(), visits, newDirectory(), Options{
		Notifier:        notifier,
		UpstreamTimeout: time.Second,
		Now:             clk.Now,
	})
	return &fixture{svc: svc, store: st, visits: visits, clock: clk, notifier: notifier}
}

func (f *fixture) enqueue(t *testing.T, patient string, source models.Source) models.QueueEntry {
	t.Helper()
	entry, err := f.svc.Enqueue(context.Background(), EnqueueInput{
		PatientRef: patient,
		DoctorRef:  "d1",
		BranchRef:  "b1",
		Source:     source,
	})
	require.NoError(t, err)
	return entry
}

func TestEnqueueCreatesWaitingEntry(t *testing.T) {
	f := newFixture(t)
	entry := f.enqueue(t, "p1", models.SourceWalkIn)

	assert.Equal(t, models.StatusWaiting, entry.Status)
	assert.Equal(t, "0314-0001", entry.Token)
	assert.Equal(t, "2026-03-14", entry.TokenDay)
	assert.Equal(t, "Ana Lima", entry.PatientName)
	assert.Equal(t, models.PriorityRegular, entry.Priority)
	require.NotNil(t, entry.CheckedInAt)
	assert.True(t, entry.CheckedInAt.Equal(base))
	assert.NotEmpty(t, entry.VisitRef)

	linked := f.visits.Has(entry.VisitRef)
	assert.True(t, linked)
	assert.Equal(t, []string{store.EventCreated + ":" + entry.ID}, f.notifier.events)

	second := f.enqueue(t, "p2", models.SourceOnlineAppointment)
	assert.Equal(t, "0314-0002", second.Token)
	assert.Equal(t, models.PriorityAppointment, second.Priority)
}

func TestEnqueueValidation(t *testing.T) {
	f := newFixture(t)
	cases := []struct {
		name  string
		in    EnqueueInput
		field string
	}{
		{"missing patient", EnqueueInput{DoctorRef: "d1", BranchRef: "b1", Source: models.SourceWalkIn}, "patient_id"},
		{"blank doctor", EnqueueInput{PatientRef: "p1", DoctorRef: "  ", BranchRef: "b1", Source: models.SourceWalkIn}, "doctor_id"},
		{"missing branch", EnqueueInput{PatientRef: "p1", DoctorRef: "d1", Source: models.SourceWalkIn}, "branch_id"},
		{"bad source", EnqueueInput{PatientRef: "p1", DoctorRef: "d1", BranchRef: "b1", Source: "fax"}, "source"},
		{"unknown patient", EnqueueInput{PatientRef: "ghost", DoctorRef: "d1", BranchRef: "b1", Source: models.SourceWalkIn}, "patient_id"},
		{"unknown branch", EnqueueInput{PatientRef: "p1", DoctorRef: "d1", BranchRef: "nowhere", Source: models.SourceWalkIn}, "branch_id"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.svc.Enqueue(context.Background(), tc.in)
			require.ErrorIs(t, err, store.ErrValidation)
			var verr *store.ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tc.field, verr.Field)
		})
	}
	assert.Equal(t, 0, f.visits.Count())
}

func TestEnqueueIsIdempotentOnRequestID(t *testing.T) {
	f := newFixture(t)
	in := EnqueueInput{RequestID: "req-1", PatientRef: "p1", DoctorRef: "d1", BranchRef: "b1", Source: models.SourceWalkIn}

	first, err := f.svc.Enqueue(context.Background(), in)
	require.NoError(t, err)
	again, err := f.svc.Enqueue(context.Background(), in)
	require.NoError(t, err)

	assert.Equal(t, first.ID, again.ID)
	assert.Equal(t, first.Token, again.Token)
	assert.Equal(t, 1, f.visits.Count())
}

func TestEnqueueLeavesNothingWhenVisitLinkFails(t *testing.T) {
	st := memory.NewStore()
	linker := &failingLinker{err: errors.New("connection refused")}
	svc := NewService(st, token.NewMemoryIssuer(), linker, newDirectory(), Options{Now: func() time.Time { return base }})

	_, err := svc.Enqueue(context.Background(), EnqueueInput{PatientRef: "p1", DoctorRef: "d1", BranchRef: "b1", Source: models.SourceWalkIn})
	require.ErrorIs(t, err, store.ErrUpstreamUnavailable)

	entries, err := st.List(context.Background(), store.Filter{})
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestEnqueueDiscardsVisitWhenInsertFails(t *testing.T) {
	visits := newRecordingLinker()
	st := insertFailStore{memory.NewStore()}
	svc := NewService(st, token.NewMemoryIssuer(), visits, newDirectory(), Options{Now: func() time.Time { return base }})

	_, err := svc.Enqueue(context.Background(), EnqueueInput{PatientRef: "p1", DoctorRef: "d1", BranchRef: "b1", Source: models.SourceWalkIn})
	require.ErrorIs(t, err, store.ErrUpstreamUnavailable)
	assert.Equal(t, 0, visits.Count())

	entries, err := st.List(context.Background(), store.Filter{})
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestEnqueueUpstreamTimeout(t *testing.T) {
	st := memory.NewStore()
	svc := NewService(st, token.NewMemoryIssuer(), blockingLinker{}, newDirectory(), Options{
		UpstreamTimeout: 20 * time.Millisecond,
		Now:             func() time.Time { return base },
	})

	start := time.Now()
	_, err := svc.Enqueue(context.Background(), EnqueueInput{PatientRef: "p1", DoctorRef: "d1", BranchRef: "b1", Source: models.SourceWalkIn})
	require.ErrorIs(t, err, store.ErrUpstreamUnavailable)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)

	entries, err := st.List(context.Background(), store.Filter{})
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestStoreFailuresAreUpstream(t *testing.T) {
	svc := NewService(unreachableStore{memory.NewStore()}, token.NewMemoryIssuer(), newRecordingLinker(), nil, Options{})

	_, err := svc.Get(context.Background(), "e1")
	require.ErrorIs(t, err, store.ErrUpstreamUnavailable)
	assert.ErrorContains(t, err, "connection refused")
}

func TestHungStoreTimesOut(t *testing.T) {
	svc := NewService(hungStore{memory.NewStore()}, token.NewMemoryIssuer(), newRecordingLinker(), nil, Options{
		UpstreamTimeout: 20 * time.Millisecond,
		Now:             func() time.Time { return base },
	})

	start := time.Now()
	_, err := svc.Stats(context.Background(), store.Filter{})
	require.ErrorIs(t, err, store.ErrUpstreamUnavailable)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	_, err = svc.List(context.Background(), store.Filter{})
	require.ErrorIs(t, err, store.ErrUpstreamUnavailable)
	assert.Less(t, time.Since(start), time.Second)
}

func TestCanceledRequestIsNotUpstream(t *testing.T) {
	svc := NewService(hungStore{memory.NewStore()}, token.NewMemoryIssuer(), newRecordingLinker(), nil, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := svc.List(ctx, store.Filter{})
	require.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, store.ErrUpstreamUnavailable)
}

func TestTransitionLifecycle(t *testing.T) {
	f := newFixture(t)
	entry := f.enqueue(t, "p1", models.SourceWalkIn)
	ctx := context.Background()

	f.clock.Set(base.Add(5 * time.Minute))
	called, err := f.svc.Transition(ctx, entry.ID, models.StatusCalled, "room 3")
	require.NoError(t, err)
	require.NotNil(t, called.CalledAt)
	assert.True(t, called.CalledAt.Equal(base.Add(5*time.Minute)))
	assert.Equal(t, "room 3", called.Notes)

	f.clock.Set(base.Add(7 * time.Minute))
	consulting, err := f.svc.Transition(ctx, entry.ID, models.StatusInConsultation, "")
	require.NoError(t, err)
	require.NotNil(t, consulting.ConsultationStartedAt)

	f.clock.Set(base.Add(20 * time.Minute))
	done, err := f.svc.Transition(ctx, entry.ID, models.StatusCompleted, "follow up in 2 weeks")
	require.NoError(t, err)
	require.NotNil(t, done.ConsultationEndedAt)
	assert.Equal(t, "room 3\nfollow up in 2 weeks", done.Notes)

	_, err = f.svc.Transition(ctx, entry.ID, models.StatusWaiting, "")
	var terr *store.TransitionError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, models.StatusCompleted, terr.From)
	assert.Equal(t, models.StatusWaiting, terr.To)

	events, err := f.svc.Events(ctx, entry.ID)
	require.NoError(t, err)
	assert.Len(t, events, 4)
	require.NoError(t, store.VerifyEntryEvents(events))
}

func TestTransitionRejectsSkippingAhead(t *testing.T) {
	f := newFixture(t)
	entry := f.enqueue(t, "p1", models.SourceWalkIn)

	_, err := f.svc.Transition(context.Background(), entry.ID, models.StatusCompleted, "")
	require.ErrorIs(t, err, store.ErrIllegalTransition)

	_, err = f.svc.Transition(context.Background(), entry.ID, "teleported", "")
	require.ErrorIs(t, err, store.ErrValidation)

	_, err = f.svc.Transition(context.Background(), "missing", models.StatusCalled, "")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestRepeatedTransitionKeepsFirstTimestamp(t *testing.T) {
	f := newFixture(t)
	entry := f.enqueue(t, "p1", models.SourceWalkIn)
	ctx := context.Background()

	f.clock.Set(base.Add(time.Minute))
	first, err := f.svc.Transition(ctx, entry.ID, models.StatusCalled, "")
	require.NoError(t, err)

	f.clock.Set(base.Add(9 * time.Minute))
	second, err := f.svc.Transition(ctx, entry.ID, models.StatusCalled, "")
	require.NoError(t, err)

	require.NotNil(t, second.CalledAt)
	assert.True(t, second.CalledAt.Equal(*first.CalledAt))
	assert.Len(t, f.notifier.events, 2)
}

func TestRepeatedTransitionAppendsNotes(t *testing.T) {
	f := newFixture(t)
	entry := f.enqueue(t, "p1", models.SourceWalkIn)
	ctx := context.Background()

	f.clock.Set(base.Add(time.Minute))
	first, err := f.svc.Transition(ctx, entry.ID, models.StatusCalled, "room 3")
	require.NoError(t, err)

	f.clock.Set(base.Add(4 * time.Minute))
	again, err := f.svc.Transition(ctx, entry.ID, models.StatusCalled, "called again")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCalled, again.Status)
	assert.Equal(t, "room 3\ncalled again", again.Notes)
	assert.True(t, again.CalledAt.Equal(*first.CalledAt))

	events, err := f.svc.Events(ctx, entry.ID)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, store.EventUpdated, events[2].Type)
	assert.Equal(t, "queue.entry.updated:"+entry.ID, f.notifier.events[len(f.notifier.events)-1])
}

func TestConcurrentTransitionsSerialize(t *testing.T) {
	f := newFixture(t)
	entry := f.enqueue(t, "p1", models.SourceWalkIn)

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.Transition(context.Background(), entry.ID, models.StatusCalled, "")
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			assert.ErrorIs(t, err, store.ErrConflict)
		}
	}
	got, err := f.svc.Get(context.Background(), entry.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCalled, got.Status)
	require.NotNil(t, got.CalledAt)
}

func TestRemove(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	waiting := f.enqueue(t, "p1", models.SourceWalkIn)
	consulting := f.enqueue(t, "p2", models.SourceWalkIn)
	_, err := f.svc.Transition(ctx, consulting.ID, models.StatusCalled, "")
	require.NoError(t, err)
	_, err = f.svc.Transition(ctx, consulting.ID, models.StatusInConsultation, "")
	require.NoError(t, err)

	_, err = f.svc.Remove(ctx, consulting.ID)
	require.ErrorIs(t, err, store.ErrInvalidState)
	kept, err := f.svc.Get(ctx, consulting.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusInConsultation, kept.Status)

	removed, err := f.svc.Remove(ctx, waiting.ID)
	require.NoError(t, err)
	assert.Equal(t, waiting.ID, removed.ID)

	_, err = f.svc.Get(ctx, waiting.ID)
	require.ErrorIs(t, err, store.ErrNotFound)

	_, err = f.svc.Remove(ctx, waiting.ID)
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestListOrdering(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	walkIn := f.enqueue(t, "p1", models.SourceWalkIn)
	f.clock.Set(base.Add(time.Minute))
	appointment := f.enqueue(t, "p2", models.SourceOnlineAppointment)
	f.clock.Set(base.Add(2 * time.Minute))
	later := f.enqueue(t, "p3", models.SourceWalkIn)

	entries, err := f.svc.List(ctx, store.Filter{})
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, []string{appointment.ID, walkIn.ID, later.ID}, ids(entries))

	for i := 1; i < len(entries); i++ {
		prev, cur := entries[i-1], entries[i]
		ok := prev.Priority < cur.Priority ||
			(prev.Priority == cur.Priority && !prev.CreatedAt.After(cur.CreatedAt))
		assert.True(t, ok, "entries %d and %d out of order", i-1, i)
	}
}

func TestListFilterIsConjunctive(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.enqueue(t, "p1", models.SourceWalkIn)
	other, err := f.svc.Enqueue(ctx, EnqueueInput{PatientRef: "p2", DoctorRef: "d2", BranchRef: "b1", Source: models.SourceWalkIn})
	require.NoError(t, err)
	_, err = f.svc.Transition(ctx, other.ID, models.StatusCalled, "")
	require.NoError(t, err)

	entries, err := f.svc.List(ctx, store.Filter{DoctorRef: "d2", Statuses: []models.Status{models.StatusWaiting}})
	require.NoError(t, err)
	assert.Empty(t, entries)

	entries, err = f.svc.List(ctx, store.Filter{DoctorRef: "d2", Statuses: []models.Status{models.StatusCalled}})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, other.ID, entries[0].ID)

	entries, err = f.svc.List(ctx, store.Filter{SearchTerm: "bruno"})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, other.ID, entries[0].ID)
}

func TestStatsScenario(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	now := base.Add(30 * time.Minute)

	for i, patient := range []string{"p1", "p2", "p3"} {
		f.clock.Set(now.Add(-time.Duration(20-10*i) * time.Minute))
		f.enqueue(t, patient, models.SourceWalkIn)
	}
	f.clock.Set(now)

	stats, err := f.svc.Stats(ctx, store.Filter{})
	require.NoError(t, err)
	assert.Equal(t, 3, stats.WaitingCount)
	assert.Equal(t, 10, stats.AverageWaitMinutes)
	assert.Equal(t, 20, stats.LongestWaitMinutes)
	assert.Equal(t, 0, stats.CompletedCount)
}

func TestStatsEmptyQueue(t *testing.T) {
	f := newFixture(t)
	stats, err := f.svc.Stats(context.Background(), store.Filter{})
	require.NoError(t, err)
	assert.Zero(t, stats.WaitingCount)
	assert.Zero(t, stats.AverageWaitMinutes)
	assert.Zero(t, stats.LongestWaitMinutes)
}

func TestStatsOnlyCountsRequestedDay(t *testing.T) {
	f := newFixture(t)
	f.enqueue(t, "p1", models.SourceWalkIn)
	f.clock.Set(base.Add(24 * time.Hour))
	f.enqueue(t, "p2", models.SourceWalkIn)

	stats, err := f.svc.Stats(context.Background(), store.Filter{})
	require.NoError(t, err)
	assert.Equal(t, 1, stats.WaitingCount)

	stats, err = f.svc.Stats(context.Background(), store.Filter{Date: "2026-03-14"})
	require.NoError(t, err)
	assert.Equal(t, 1, stats.WaitingCount)
	assert.Equal(t, 24*60, stats.LongestWaitMinutes)
}

func TestComputeStatsSkipsEntriesWithoutStart(t *testing.T) {
	now := base.Add(time.Hour)
	checkedIn := base
	entries := []models.QueueEntry{
		{ID: "a", Status: models.StatusWaiting, CheckedInAt: &checkedIn},
		{ID: "b", Status: models.StatusWaiting},
		{ID: "c", Status: models.StatusCompleted, CreatedAt: base},
	}
	stats := ComputeStats(entries, now)
	assert.Equal(t, 2, stats.WaitingCount)
	assert.Equal(t, 1, stats.CompletedCount)
	assert.Equal(t, 60, stats.AverageWaitMinutes)
	assert.Equal(t, 60, stats.LongestWaitMinutes)
}

func TestReorder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.enqueue(t, "p1", models.SourceWalkIn)
	f.clock.Set(base.Add(time.Minute))
	b := f.enqueue(t, "p2", models.SourceOnlineAppointment)
	f.clock.Set(base.Add(2 * time.Minute))
	c := f.enqueue(t, "p3", models.SourceWalkIn)

	_, err := f.svc.Reorder(ctx, []string{c.ID, a.ID, b.ID})
	require.NoError(t, err)

	entries, err := f.svc.List(ctx, store.Filter{})
	require.NoError(t, err)
	assert.Equal(t, []string{c.ID, a.ID, b.ID}, ids(entries))
}

func TestReorderRejects(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.enqueue(t, "p1", models.SourceWalkIn)
	b := f.enqueue(t, "p2", models.SourceWalkIn)
	_, err := f.svc.Transition(ctx, b.ID, models.StatusCalled, "")
	require.NoError(t, err)

	_, err = f.svc.Reorder(ctx, nil)
	require.ErrorIs(t, err, store.ErrValidation)

	_, err = f.svc.Reorder(ctx, []string{a.ID, a.ID})
	require.ErrorIs(t, err, store.ErrValidation)

	_, err = f.svc.Reorder(ctx, []string{a.ID, b.ID})
	require.ErrorIs(t, err, store.ErrInvalidState)

	got, err := f.svc.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PriorityRegular, got.Priority)

	_, err = f.svc.Reorder(ctx, []string{a.ID, "missing"})
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestEdit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	entry := f.enqueue(t, "p1", models.SourceWalkIn)

	notes := "wheelchair"
	doctor := "d2"
	priority := 0
	edited, err := f.svc.Edit(ctx, entry.ID, EditInput{Notes: &notes, DoctorRef: &doctor, Priority: &priority})
	require.NoError(t, err)
	assert.Equal(t, "wheelchair", edited.Notes)
	assert.Equal(t, "d2", edited.DoctorRef)
	assert.Equal(t, 0, edited.Priority)

	ghost := "d404"
	_, err = f.svc.Edit(ctx, entry.ID, EditInput{DoctorRef: &ghost})
	require.ErrorIs(t, err, store.ErrValidation)

	_, err = f.svc.Transition(ctx, entry.ID, models.StatusCalled, "")
	require.NoError(t, err)

	branch := "b2"
	_, err = f.svc.Edit(ctx, entry.ID, EditInput{BranchRef: &branch})
	require.ErrorIs(t, err, store.ErrInvalidState)

	later := "needs interpreter"
	edited, err = f.svc.Edit(ctx, entry.ID, EditInput{Notes: &later})
	require.NoError(t, err)
	assert.Equal(t, "needs interpreter", edited.Notes)

	_, err = f.svc.Edit(ctx, entry.ID, EditInput{})
	require.ErrorIs(t, err, store.ErrValidation)
}

func TestSweepNoShows(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	stale := f.enqueue(t, "p1", models.SourceWalkIn)
	fresh := f.enqueue(t, "p2", models.SourceWalkIn)

	_, err := f.svc.Transition(ctx, stale.ID, models.StatusCalled, "")
	require.NoError(t, err)
	f.clock.Set(base.Add(10 * time.Minute))
	_, err = f.svc.Transition(ctx, fresh.ID, models.StatusCalled, "")
	require.NoError(t, err)

	f.clock.Set(base.Add(16 * time.Minute))
	swept, err := f.svc.SweepNoShows(ctx, 15*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, swept)

	got, err := f.svc.Get(ctx, stale.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusNoShow, got.Status)
	require.NotNil(t, got.NoShowAt)

	got, err = f.svc.Get(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCalled, got.Status)

	swept, err = f.svc.SweepNoShows(ctx, 0)
	require.NoError(t, err)
	assert.Zero(t, swept)
}

func ids(entries []models.QueueEntry) []string {
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.ID)
	}
	return out
}
