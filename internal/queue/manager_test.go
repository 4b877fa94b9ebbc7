package queue

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hackgods/clinic-queue/internal/appointment"
	"github.com/hackgods/clinic-queue/internal/clock"
	"github.com/hackgods/clinic-queue/internal/events"
	"github.com/hackgods/clinic-queue/internal/lock"
)

var (
	queueDay = time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC)
	staff    = appointment.Actor{Role: appointment.RoleStaff, ID: uuid.New()}
)

type recorder struct {
	mu  sync.Mutex
	got []events.Event
}

func (r *recorder) Publish(_ context.Context, ev events.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, ev)
	return nil
}

func (r *recorder) queuePayloads(t *testing.T) []events.QueuePayload {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []events.QueuePayload
	for _, ev := range r.got {
		if ev.Type != events.QueueAdvanced {
			continue
		}
		var p events.QueuePayload
		require.NoError(t, ev.Decode(&p))
		out = append(out, p)
	}
	return out
}

type fixture struct {
	repo    *appointment.MemoryRepository
	appts   *appointment.Service
	manager *Manager
	store   *MemoryStore
	events  *recorder
	doctor  uuid.UUID
	slot    int
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	log := logrus.New()
	log.SetOutput(io.Discard)

	clk := clock.NewFixed(time.Date(2024, 1, 9, 8, 0, 0, 0, time.UTC))
	locker := lock.NewKeyedMutex(5 * time.Second)

	f := &fixture{
		repo:   appointment.NewMemoryRepository(),
		store:  NewMemoryStore(),
		events: &recorder{},
		doctor: uuid.New(),
	}
	f.repo.AddDoctor(appointment.Doctor{ID: f.doctor, Name: "Dr. Iyer"})
	f.repo.AddAvailability(appointment.Availability{
		DoctorID:            f.doctor,
		DayOfWeek:           time.Wednesday,
		StartTime:           appointment.MustSlotTime("08:00"),
		EndTime:             appointment.MustSlotTime("20:00"),
		SlotDurationMinutes: 10,
		MaxPatientsPerSlot:  1,
		SupportsInPerson:    true,
		IsActive:            true,
	})

	f.appts = appointment.NewService(f.repo, locker, clk, f.events, log, appointment.Options{AutoConfirm: true})
	f.manager = NewManager(f.store, f.appts, locker, clk, f.events, log)
	return f
}

// book creates a confirmed appointment in the next free slot.
func (f *fixture) book(t *testing.T, name string) *appointment.Appointment {
	t.Helper()

	patient := uuid.New()
	f.repo.AddPatient(appointment.Patient{ID: patient, Name: name})

	at := appointment.MustSlotTime("08:00").Add(10 * f.slot)
	f.slot++

	appt, err := f.appts.BookSlot(context.Background(), staff, appointment.BookingRequest{
		PatientID:        patient,
		DoctorID:         f.doctor,
		Date:             queueDay,
		Time:             at,
		ConsultationType: appointment.InPerson,
	})
	require.NoError(t, err)
	return appt
}

func (f *fixture) enqueue(t *testing.T, appt *appointment.Appointment) *Entry {
	t.Helper()
	e, err := f.manager.Enqueue(context.Background(), staff, appt.ID, EnqueueOptions{})
	require.NoError(t, err)
	return e
}

func (f *fixture) snapshot(t *testing.T) View {
	t.Helper()
	v, err := f.manager.Snapshot(context.Background(), f.doctor, queueDay)
	require.NoError(t, err)
	return v
}

func states(v View) map[int]EntryState {
	out := make(map[int]EntryState, len(v.Entries))
	for _, e := range v.Entries {
		out[e.Token] = e.State
	}
	return out
}

func TestEnqueueAndCallNext(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a, b, c := f.book(t, "A"), f.book(t, "B"), f.book(t, "C")
	assert.Equal(t, 1, f.enqueue(t, a).Token)
	assert.Equal(t, 2, f.enqueue(t, b).Token)
	assert.Equal(t, 3, f.enqueue(t, c).Token)

	first, err := f.manager.CallNext(ctx, staff, f.doctor, queueDay)
	require.NoError(t, err)
	assert.Equal(t, 1, first.Token)
	assert.Equal(t, StateServing, first.State)

	second, err := f.manager.CallNext(ctx, staff, f.doctor, queueDay)
	require.NoError(t, err)
	assert.Equal(t, 2, second.Token)

	v := f.snapshot(t)
	assert.Equal(t, map[int]EntryState{1: StateDone, 2: StateServing, 3: StateWaiting}, states(v))
	require.NotNil(t, v.CurrentServingToken)
	assert.Equal(t, 2, *v.CurrentServingToken)
	assert.Equal(t, 1, v.WaitingCount)
	assert.Equal(t, 4, v.NextToken)

	stored, err := f.repo.GetAppointmentByID(ctx, b.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.QueueToken)
	assert.Equal(t, 2, *stored.QueueToken)
}

func TestSkipThenCallNextServesFollowingToken(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for _, name := range []string{"A", "B", "C"} {
		f.enqueue(t, f.book(t, name))
	}
	_, err := f.manager.CallNext(ctx, staff, f.doctor, queueDay)
	require.NoError(t, err)

	skipped, err := f.manager.Skip(ctx, staff, f.doctor, queueDay, 2)
	require.NoError(t, err)
	assert.Equal(t, StateSkipped, skipped.State)

	next, err := f.manager.CallNext(ctx, staff, f.doctor, queueDay)
	require.NoError(t, err)
	assert.Equal(t, 3, next.Token)

	_, err = f.manager.CallNext(ctx, staff, f.doctor, queueDay)
	assert.ErrorIs(t, err, ErrQueueEmpty)

	v := f.snapshot(t)
	assert.Equal(t, map[int]EntryState{1: StateDone, 2: StateSkipped, 3: StateServing}, states(v))
	assert.Equal(t, 3, *v.CurrentServingToken)
}

func TestSkipErrors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.enqueue(t, f.book(t, "A"))
	f.enqueue(t, f.book(t, "B"))

	_, err := f.manager.Skip(ctx, staff, f.doctor, queueDay, 9)
	assert.ErrorIs(t, err, ErrEntryNotFound)
	assert.ErrorIs(t, err, appointment.ErrNotFound)

	_, err = f.manager.CallNext(ctx, staff, f.doctor, queueDay)
	require.NoError(t, err)
	_, err = f.manager.CallNext(ctx, staff, f.doctor, queueDay)
	require.NoError(t, err)

	_, err = f.manager.Skip(ctx, staff, f.doctor, queueDay, 1)
	assert.ErrorIs(t, err, ErrNotSkippable)

	serving, err := f.manager.Skip(ctx, staff, f.doctor, queueDay, 2)
	require.NoError(t, err)
	assert.Equal(t, StateSkipped, serving.State)

	_, err = f.manager.Skip(ctx, staff, f.doctor, queueDay, 2)
	assert.ErrorIs(t, err, ErrNotSkippable)
}

func TestCallNext_EmptyQueueChangesNothing(t *testing.T) {
	f := newFixture(t)

	_, err := f.manager.CallNext(context.Background(), staff, f.doctor, queueDay)
	assert.ErrorIs(t, err, ErrQueueEmpty)

	v := f.snapshot(t)
	assert.Nil(t, v.CurrentServingToken)
	assert.Equal(t, 1, v.NextToken)
	assert.Empty(t, v.Entries)
	assert.Empty(t, f.events.queuePayloads(t))
}

func TestEnqueue_Idempotence(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.book(t, "A")

	first := f.enqueue(t, a)
	again := f.enqueue(t, a)
	assert.Equal(t, first.Token, again.Token)
	assert.Equal(t, 2, f.snapshot(t).NextToken)

	_, err := f.manager.CallNext(ctx, staff, f.doctor, queueDay)
	require.NoError(t, err)
	serving := f.enqueue(t, a)
	assert.Equal(t, StateServing, serving.State)

	b := f.book(t, "B")
	f.enqueue(t, b)
	_, err = f.manager.CallNext(ctx, staff, f.doctor, queueDay)
	require.NoError(t, err)

	_, err = f.manager.Enqueue(ctx, staff, a.ID, EnqueueOptions{})
	assert.ErrorIs(t, err, ErrAlreadyQueued)
}

func TestEnqueue_SkippedRejoinsAtTail(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a, b := f.book(t, "A"), f.book(t, "B")
	f.enqueue(t, a)
	f.enqueue(t, b)

	_, err := f.manager.Skip(ctx, staff, f.doctor, queueDay, 1)
	require.NoError(t, err)

	rejoined := f.enqueue(t, a)
	assert.Equal(t, 3, rejoined.Token)
	assert.Equal(t, map[int]EntryState{1: StateSkipped, 2: StateWaiting, 3: StateWaiting}, states(f.snapshot(t)))

	stored, err := f.repo.GetAppointmentByID(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, *stored.QueueToken)
}

func TestEnqueue_Eligibility(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.book(t, "A")

	_, err := f.manager.Enqueue(ctx, staff, uuid.New(), EnqueueOptions{})
	assert.ErrorIs(t, err, appointment.ErrAppointmentNotFound)

	_, err = f.manager.Enqueue(ctx, appointment.Actor{Role: appointment.RolePatient, ID: uuid.New()}, a.ID, EnqueueOptions{})
	assert.ErrorIs(t, err, appointment.ErrForbidden)

	_, err = f.appts.Cancel(ctx, staff, a.ID)
	require.NoError(t, err)
	_, err = f.manager.Enqueue(ctx, staff, a.ID, EnqueueOptions{})
	assert.ErrorIs(t, err, ErrNotEligible)

	b := f.book(t, "B")
	own, err := f.manager.Enqueue(ctx, appointment.Actor{Role: appointment.RolePatient, ID: b.PatientID}, b.ID, EnqueueOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, own.Token)
	assert.Equal(t, "B", own.PatientName)
}

func TestPriorityEntriesAreCalledFirst(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.enqueue(t, f.book(t, "A"))
	urgent := f.book(t, "Urgent")
	_, err := f.manager.Enqueue(ctx, staff, urgent.ID, EnqueueOptions{Priority: true})
	require.NoError(t, err)

	next, err := f.manager.CallNext(ctx, staff, f.doctor, queueDay)
	require.NoError(t, err)
	assert.Equal(t, 2, next.Token)
	assert.Equal(t, "Urgent", next.PatientName)
}

func TestPauseResumeAndRecall(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.enqueue(t, f.book(t, "A"))

	_, err := f.manager.Recall(ctx, staff, f.doctor, queueDay)
	assert.ErrorIs(t, err, ErrNotServing)

	v, err := f.manager.Pause(ctx, staff, f.doctor, queueDay)
	require.NoError(t, err)
	assert.True(t, v.Paused)

	_, err = f.manager.CallNext(ctx, staff, f.doctor, queueDay)
	assert.ErrorIs(t, err, ErrQueuePaused)

	_, err = f.manager.Resume(ctx, staff, f.doctor, queueDay)
	require.NoError(t, err)

	called, err := f.manager.CallNext(ctx, staff, f.doctor, queueDay)
	require.NoError(t, err)

	recalled, err := f.manager.Recall(ctx, staff, f.doctor, queueDay)
	require.NoError(t, err)
	assert.Equal(t, called.Token, recalled.Token)

	var actions []string
	for _, p := range f.events.queuePayloads(t) {
		actions = append(actions, p.Action)
	}
	assert.Equal(t, []string{ActionEnqueued, ActionPaused, ActionResumed, ActionCalled, ActionRecalled}, actions)
}

func TestQueueControl_Actors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.enqueue(t, f.book(t, "A"))

	_, err := f.manager.CallNext(ctx, appointment.Actor{Role: appointment.RolePatient, ID: uuid.New()}, f.doctor, queueDay)
	assert.ErrorIs(t, err, appointment.ErrForbidden)

	_, err = f.manager.CallNext(ctx, appointment.Actor{Role: appointment.RoleDoctor, ID: uuid.New()}, f.doctor, queueDay)
	assert.ErrorIs(t, err, appointment.ErrForbidden)

	e, err := f.manager.CallNext(ctx, appointment.Actor{Role: appointment.RoleDoctor, ID: f.doctor}, f.doctor, queueDay)
	require.NoError(t, err)
	assert.Equal(t, 1, e.Token)
}

func TestConcurrentEnqueueIssuesDistinctIncreasingTokens(t *testing.T) {
	f := newFixture(t)
	const n = 30

	appts := make([]*appointment.Appointment, n)
	for i := range appts {
		appts[i] = f.book(t, fmt.Sprintf("P%d", i))
	}

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		tokens []int
	)
	for _, a := range appts {
		wg.Add(1)
		go func(a *appointment.Appointment) {
			defer wg.Done()
			e, err := f.manager.Enqueue(context.Background(), staff, a.ID, EnqueueOptions{})
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			tokens = append(tokens, e.Token)
			mu.Unlock()
		}(a)
	}
	wg.Wait()

	sort.Ints(tokens)
	want := make([]int, n)
	for i := range want {
		want[i] = i + 1
	}
	assert.Equal(t, want, tokens)

	// Issuance order is enqueuedAt order.
	v := f.snapshot(t)
	for i := 1; i < len(v.Entries); i++ {
		assert.Less(t, v.Entries[i-1].Token, v.Entries[i].Token)
	}

	var published []int
	for _, p := range f.events.queuePayloads(t) {
		published = append(published, p.Token)
	}
	assert.Equal(t, want, published)
}

func TestConcurrentCallNextKeepsOneServing(t *testing.T) {
	f := newFixture(t)
	const n = 20
	for i := 0; i < n; i++ {
		f.enqueue(t, f.book(t, fmt.Sprintf("P%d", i)))
	}

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		served []int
	)
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				e, err := f.manager.CallNext(context.Background(), staff, f.doctor, queueDay)
				if err != nil {
					assert.ErrorIs(t, err, ErrQueueEmpty)
					return
				}
				mu.Lock()
				served = append(served, e.Token)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	sort.Ints(served)
	require.Len(t, served, n)
	for i, token := range served {
		assert.Equal(t, i+1, token)
	}

	serving := 0
	for _, e := range f.snapshot(t).Entries {
		if e.State == StateServing {
			serving++
		}
	}
	assert.Equal(t, 1, serving)
}

func TestActivateDay(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	late, early := f.book(t, "Late"), f.book(t, "Early")
	_, err := f.appts.RescheduleSlot(ctx, staff, late.ID, queueDay, appointment.MustSlotTime("12:00"))
	require.NoError(t, err)

	n, err := f.manager.ActivateDay(ctx, queueDay)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	v := f.snapshot(t)
	require.Len(t, v.Entries, 2)
	assert.Equal(t, early.ID, v.Entries[0].AppointmentID)
	assert.Equal(t, late.ID, v.Entries[1].AppointmentID)

	n, err = f.manager.ActivateDay(ctx, queueDay)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestEntriesToWrite_ServingLast(t *testing.T) {
	day := newDay(uuid.New(), queueDay)
	day.Entries = []Entry{
		{Token: 1, State: StateDone},
		{Token: 2, State: StateServing},
		{Token: 3, State: StateWaiting},
	}

	got := entriesToWrite(day, []int{2, 1, 7})
	require.Len(t, got, 2)
	assert.Equal(t, 1, got[0].Token)
	assert.Equal(t, 2, got[1].Token)
}

func TestRecallAfterSkippingServingEntry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.enqueue(t, f.book(t, "A"))
	f.enqueue(t, f.book(t, "B"))

	_, err := f.manager.CallNext(ctx, staff, f.doctor, queueDay)
	require.NoError(t, err)
	_, err = f.manager.Skip(ctx, staff, f.doctor, queueDay, 1)
	require.NoError(t, err)

	v := f.snapshot(t)
	require.NotNil(t, v.CurrentServingToken)
	assert.Equal(t, 1, *v.CurrentServingToken)

	recalled, err := f.manager.Recall(ctx, staff, f.doctor, queueDay)
	require.NoError(t, err)
	assert.Equal(t, 1, recalled.Token)
	assert.Equal(t, StateSkipped, recalled.State)
	assert.Equal(t, "A", recalled.PatientName)

	next, err := f.manager.CallNext(ctx, staff, f.doctor, queueDay)
	require.NoError(t, err)
	assert.Equal(t, 2, next.Token)
	assert.Equal(t, map[int]EntryState{1: StateSkipped, 2: StateServing}, states(f.snapshot(t)))
}

func TestMemoryStore_RejectsStaleSave(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	doctor := uuid.New()

	first, err := store.LoadDay(ctx, doctor, queueDay)
	require.NoError(t, err)
	second, err := store.LoadDay(ctx, doctor, queueDay)
	require.NoError(t, err)

	first.NextToken = 2
	require.NoError(t, store.SaveDay(ctx, first))
	assert.Equal(t, int64(1), first.Version)

	second.Paused = true
	assert.ErrorIs(t, store.SaveDay(ctx, second), ErrDayChanged)

	stored, err := store.LoadDay(ctx, doctor, queueDay)
	require.NoError(t, err)
	assert.Equal(t, 2, stored.NextToken)
	assert.False(t, stored.Paused)

	stored.Paused = true
	require.NoError(t, store.SaveDay(ctx, stored))
	assert.Equal(t, int64(2), stored.Version)
}

// slowStore widens the window between load and save.
type slowStore struct {
	Store
	delay time.Duration
}

func (s slowStore) LoadDay(ctx context.Context, doctorID uuid.UUID, date time.Time) (*Day, error) {
	day, err := s.Store.LoadDay(ctx, doctorID, date)
	time.Sleep(s.delay)
	return day, err
}

// Two processes each hold their own in-process lock; only the store
// serializes them.
func TestManagersWithSeparateLocksShareOneStore(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	log := logrus.New()
	log.SetOutput(io.Discard)
	clk := clock.NewFixed(time.Date(2024, 1, 9, 8, 0, 0, 0, time.UTC))
	shared := slowStore{Store: f.store, delay: 20 * time.Millisecond}

	managers := []*Manager{
		NewManager(shared, f.appts, lock.NewKeyedMutex(5*time.Second), clk, f.events, log),
		NewManager(shared, f.appts, lock.NewKeyedMutex(5*time.Second), clk, f.events, log),
	}

	const perManager = 3
	var appts []*appointment.Appointment
	for i := 0; i < 2*perManager; i++ {
		appts = append(appts, f.book(t, fmt.Sprintf("P%d", i)))
	}

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		issued = make(map[uuid.UUID]int)
	)
	for i, a := range appts {
		wg.Add(1)
		go func(m *Manager, a *appointment.Appointment) {
			defer wg.Done()
			e, err := m.Enqueue(ctx, staff, a.ID, EnqueueOptions{})
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			issued[a.ID] = e.Token
			mu.Unlock()
		}(managers[i%2], a)
	}
	wg.Wait()

	v := f.snapshot(t)
	require.Len(t, v.Entries, len(appts))
	assert.Equal(t, len(appts)+1, v.NextToken)

	seen := make(map[int]bool)
	for _, e := range v.Entries {
		assert.False(t, seen[e.Token], "token %d issued twice", e.Token)
		seen[e.Token] = true
		assert.Equal(t, issued[e.AppointmentID], e.Token)

		stored, err := f.repo.GetAppointmentByID(ctx, e.AppointmentID)
		require.NoError(t, err)
		require.NotNil(t, stored.QueueToken)
		assert.Equal(t, e.Token, *stored.QueueToken)
	}

	// A call from one process is not rolled back by a save from the other.
	var callWG sync.WaitGroup
	callWG.Add(2)
	go func() {
		defer callWG.Done()
		_, err := managers[0].CallNext(ctx, staff, f.doctor, queueDay)
		assert.NoError(t, err)
	}()
	go func() {
		defer callWG.Done()
		_, err := managers[1].Skip(ctx, staff, f.doctor, queueDay, len(appts))
		assert.NoError(t, err)
	}()
	callWG.Wait()

	v = f.snapshot(t)
	require.NotNil(t, v.CurrentServingToken)
	assert.Equal(t, 1, *v.CurrentServingToken)
	got := states(v)
	assert.Equal(t, StateServing, got[1])
	assert.Equal(t, StateSkipped, got[len(appts)])
}
