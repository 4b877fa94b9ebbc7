// Package queue runs the live token queue of each doctor's day. All
// operations on one (doctor, date) are serialized on a key lock; the state
// is loaded, changed, saved and announced while the lock is held, so the
// events of a queue room are published in commit order.
package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/hackgods/clinic-queue/internal/appointment"
	"github.com/hackgods/clinic-queue/internal/clock"
	"github.com/hackgods/clinic-queue/internal/events"
	"github.com/hackgods/clinic-queue/internal/lock"
)

const (
	ActionEnqueued = "ENQUEUED"
	ActionCalled   = "CALLED"
	ActionRecalled = "RECALLED"
	ActionSkipped  = "SKIPPED"
	ActionPaused   = "PAUSED"
	ActionResumed  = "RESUMED"
)

// AppointmentSource is the narrow view of the schedule the queue needs.
type AppointmentSource interface {
	GetAppointment(ctx context.Context, id uuid.UUID) (*appointment.Appointment, error)
	PatientName(ctx context.Context, patientID uuid.UUID) (string, error)
	SetQueueToken(ctx context.Context, id uuid.UUID, token int) error
	ConfirmedForDay(ctx context.Context, date time.Time) ([]appointment.Appointment, error)
}

type EnqueueOptions struct {
	// Priority entries are called before regular ones.
	Priority bool
}

type Manager struct {
	store  Store
	appts  AppointmentSource
	locker lock.Locker
	clock  clock.Clock
	events events.Publisher
	log    logrus.FieldLogger
}

func NewManager(store Store, appts AppointmentSource, locker lock.Locker, clk clock.Clock, pub events.Publisher, log logrus.FieldLogger) *Manager {
	if pub == nil {
		pub = events.Discard
	}
	return &Manager{
		store:  store,
		appts:  appts,
		locker: locker,
		clock:  clk,
		events: pub,
		log:    log,
	}
}

// Enqueue issues the next token of the appointment's day. Retrying for an
// appointment that is still waiting or serving returns its current entry.
func (m *Manager) Enqueue(ctx context.Context, actor appointment.Actor, appointmentID uuid.UUID, opts EnqueueOptions) (*Entry, error) {
	appt, err := m.appts.GetAppointment(ctx, appointmentID)
	if err != nil {
		return nil, err
	}
	if !canJoin(actor, appt) {
		return nil, appointment.ErrForbidden
	}
	if appt.Status != appointment.StatusConfirmed {
		return nil, fmt.Errorf("%w: appointment is %s", ErrNotEligible, appt.Status)
	}

	name, err := m.appts.PatientName(ctx, appt.PatientID)
	if err != nil && !errors.Is(err, appointment.ErrNotFound) {
		return nil, fmt.Errorf("load patient name: %w", err)
	}

	var result Entry
	err = m.withDay(ctx, appt.DoctorID, appt.Date, func(ctx context.Context, day *Day, now time.Time) error {
		if prev := day.latestFor(appt.ID); prev != nil {
			switch prev.State {
			case StateWaiting, StateServing:
				result = *prev
				return m.ensureToken(ctx, appt, prev.Token)
			case StateDone:
				return ErrAlreadyQueued
			}
		}

		e := Entry{
			DoctorID:      day.DoctorID,
			Date:          day.Date,
			Token:         day.NextToken,
			AppointmentID: appt.ID,
			PatientID:     appt.PatientID,
			PatientName:   name,
			Priority:      opts.Priority,
			State:         StateWaiting,
			EnqueuedAt:    now,
			UpdatedAt:     now,
		}
		day.NextToken++
		day.Entries = append(day.Entries, e)
		day.UpdatedAt = now

		if err := m.store.SaveDay(ctx, day, e.Token); err != nil {
			return fmt.Errorf("save queue: %w", err)
		}
		if err := m.appts.SetQueueToken(ctx, appt.ID, e.Token); err != nil {
			return fmt.Errorf("record queue token: %w", err)
		}

		result = e
		m.announce(ctx, day, ActionEnqueued, &e, now)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// ensureToken finishes an enqueue whose token write-back failed earlier.
func (m *Manager) ensureToken(ctx context.Context, appt *appointment.Appointment, token int) error {
	if appt.QueueToken != nil && *appt.QueueToken == token {
		return nil
	}
	if err := m.appts.SetQueueToken(ctx, appt.ID, token); err != nil {
		return fmt.Errorf("record queue token: %w", err)
	}
	return nil
}

// CallNext finishes the entry being served and serves the next waiting
// token. An empty queue returns ErrQueueEmpty and changes nothing.
func (m *Manager) CallNext(ctx context.Context, actor appointment.Actor, doctorID uuid.UUID, date time.Time) (*Entry, error) {
	if !canControl(actor, doctorID) {
		return nil, appointment.ErrForbidden
	}

	var result Entry
	err := m.withDay(ctx, doctorID, date, func(ctx context.Context, day *Day, now time.Time) error {
		if day.Paused {
			return ErrQueuePaused
		}
		next := day.nextWaiting()
		if next == nil {
			return ErrQueueEmpty
		}

		changed := []int{next.Token}
		if cur := day.serving(); cur != nil {
			cur.State = StateDone
			cur.UpdatedAt = now
			changed = append(changed, cur.Token)
		}
		next.State = StateServing
		next.UpdatedAt = now
		token := next.Token
		day.CurrentServingToken = &token
		day.UpdatedAt = now

		if err := m.store.SaveDay(ctx, day, changed...); err != nil {
			return fmt.Errorf("save queue: %w", err)
		}

		result = *next
		m.announce(ctx, day, ActionCalled, next, now)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// Recall announces the last called token again without changing state.
// This also covers a called patient who was skipped for not showing up:
// currentServingToken still names them until the next CallNext.
func (m *Manager) Recall(ctx context.Context, actor appointment.Actor, doctorID uuid.UUID, date time.Time) (*Entry, error) {
	if !canControl(actor, doctorID) {
		return nil, appointment.ErrForbidden
	}

	var result Entry
	err := m.withDay(ctx, doctorID, date, func(ctx context.Context, day *Day, now time.Time) error {
		if day.CurrentServingToken == nil {
			return ErrNotServing
		}
		cur := day.entry(*day.CurrentServingToken)
		if cur == nil {
			return ErrNotServing
		}
		result = *cur
		m.announce(ctx, day, ActionRecalled, cur, now)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// Skip moves a waiting or serving token to SKIPPED. The other tokens keep
// their order and a skipped token is never called again on its own.
func (m *Manager) Skip(ctx context.Context, actor appointment.Actor, doctorID uuid.UUID, date time.Time, token int) (*Entry, error) {
	if !canControl(actor, doctorID) {
		return nil, appointment.ErrForbidden
	}

	var result Entry
	err := m.withDay(ctx, doctorID, date, func(ctx context.Context, day *Day, now time.Time) error {
		e := day.entry(token)
		if e == nil {
			return ErrEntryNotFound
		}
		if !e.State.Active() {
			return fmt.Errorf("%w: token %d is %s", ErrNotSkippable, token, e.State)
		}

		e.State = StateSkipped
		e.UpdatedAt = now
		day.UpdatedAt = now

		if err := m.store.SaveDay(ctx, day, e.Token); err != nil {
			return fmt.Errorf("save queue: %w", err)
		}

		result = *e
		m.announce(ctx, day, ActionSkipped, e, now)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

func (m *Manager) Pause(ctx context.Context, actor appointment.Actor, doctorID uuid.UUID, date time.Time) (View, error) {
	return m.setPaused(ctx, actor, doctorID, date, true)
}

func (m *Manager) Resume(ctx context.Context, actor appointment.Actor, doctorID uuid.UUID, date time.Time) (View, error) {
	return m.setPaused(ctx, actor, doctorID, date, false)
}

func (m *Manager) setPaused(ctx context.Context, actor appointment.Actor, doctorID uuid.UUID, date time.Time, paused bool) (View, error) {
	if !canControl(actor, doctorID) {
		return View{}, appointment.ErrForbidden
	}

	var view View
	err := m.withDay(ctx, doctorID, date, func(ctx context.Context, day *Day, now time.Time) error {
		if day.Paused != paused {
			day.Paused = paused
			day.UpdatedAt = now
			if err := m.store.SaveDay(ctx, day); err != nil {
				return fmt.Errorf("save queue: %w", err)
			}

			action := ActionResumed
			if paused {
				action = ActionPaused
			}
			m.announce(ctx, day, action, nil, now)
		}
		view = day.view()
		return nil
	})
	return view, err
}

// Snapshot returns the current state of a queue day for clients that
// (re)join its room.
func (m *Manager) Snapshot(ctx context.Context, doctorID uuid.UUID, date time.Time) (View, error) {
	day, err := m.store.LoadDay(ctx, doctorID, clock.DateOf(date))
	if err != nil {
		return View{}, fmt.Errorf("load queue: %w", err)
	}
	return day.view(), nil
}

// ActivateDay enqueues every confirmed appointment of the day that has no
// token yet, in slot order. Running it again enqueues nothing new.
func (m *Manager) ActivateDay(ctx context.Context, date time.Time) (int, error) {
	list, err := m.appts.ConfirmedForDay(ctx, clock.DateOf(date))
	if err != nil {
		return 0, err
	}

	enqueued := 0
	for _, appt := range list {
		if appt.QueueToken != nil {
			continue
		}
		if ctx.Err() != nil {
			return enqueued, ctx.Err()
		}

		_, err := m.Enqueue(ctx, appointment.SystemActor, appt.ID, EnqueueOptions{})
		switch {
		case err == nil:
			enqueued++
		case errors.Is(err, ErrAlreadyQueued), errors.Is(err, ErrNotEligible):
		default:
			m.log.WithError(err).WithField("appointment_id", appt.ID).Warn("failed to activate appointment")
		}
	}
	return enqueued, nil
}

// withDay runs fn on a freshly loaded day under the queue lock. If the store
// reports that another writer saved the day first, fn runs again on a
// reload; fn must only have side effects after its SaveDay succeeds.
func (m *Manager) withDay(ctx context.Context, doctorID uuid.UUID, date time.Time, fn func(ctx context.Context, day *Day, now time.Time) error) error {
	date = clock.DateOf(date)
	return m.locker.WithLock(ctx, queueLockKey(doctorID, date), func(lockCtx context.Context) error {
		var err error
		for attempt := 1; attempt <= maxSaveAttempts; attempt++ {
			var day *Day
			day, err = m.store.LoadDay(lockCtx, doctorID, date)
			if err != nil {
				return fmt.Errorf("load queue: %w", err)
			}
			err = fn(lockCtx, day, m.clock.Now())
			if !errors.Is(err, ErrDayChanged) {
				return err
			}
			m.log.WithFields(logrus.Fields{
				"doctor_id": doctorID,
				"date":      clock.FormatDate(date),
				"attempt":   attempt,
			}).Debug("queue day changed concurrently, retrying")
		}
		return err
	})
}

func (m *Manager) announce(ctx context.Context, day *Day, action string, e *Entry, now time.Time) {
	payload := events.QueuePayload{
		DoctorID:            day.DoctorID,
		Date:                clock.FormatDate(day.Date),
		Action:              action,
		CurrentServingToken: day.CurrentServingToken,
		WaitingCount:        day.waitingCount(),
		Paused:              day.Paused,
		UpdatedAt:           day.UpdatedAt,
	}
	if e != nil {
		id := e.AppointmentID
		payload.Token = e.Token
		payload.AppointmentID = &id
		payload.PatientName = e.PatientName
		payload.Status = string(e.State)
		payload.UpdatedAt = e.UpdatedAt
	}

	m.log.WithFields(logrus.Fields{
		"doctor_id": day.DoctorID,
		"date":      payload.Date,
		"action":    action,
		"token":     payload.Token,
		"waiting":   payload.WaitingCount,
	}).Info("queue updated")

	events.Emit(ctx, m.events, m.log, events.QueueAdvanced, events.QueueTopic(day.DoctorID, day.Date), payload, now)
}

const maxSaveAttempts = 5

func queueLockKey(doctorID uuid.UUID, date time.Time) string {
	return fmt.Sprintf("queue:%s:%s", doctorID, clock.FormatDate(date))
}

// canControl allows staff, the system and the queue's own doctor to run it.
func canControl(actor appointment.Actor, doctorID uuid.UUID) bool {
	switch actor.Role {
	case appointment.RoleStaff, appointment.RoleSystem:
		return true
	case appointment.RoleDoctor:
		return actor.ID == doctorID
	}
	return false
}

// canJoin also lets a patient check in for their own appointment.
func canJoin(actor appointment.Actor, appt *appointment.Appointment) bool {
	if actor.IsPatient(appt.PatientID) {
		return true
	}
	return canControl(actor, appt.DoctorID)
}
