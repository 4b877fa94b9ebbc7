package appointment

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/hackgods/clinic-queue/internal/clock"
	"github.com/hackgods/clinic-queue/internal/events"
	"github.com/hackgods/clinic-queue/internal/lock"
)

const (
	defaultListLimit = 50
	maxListLimit     = 200
)

type Options struct {
	// AutoConfirm books new appointments directly as CONFIRMED.
	AutoConfirm bool
	IDs         clock.IDGen
}

// Service owns the appointment lifecycle: slot allocation, status
// transitions and the queue token back-reference.
type Service struct {
	repo        Repository
	locker      lock.Locker
	clock       clock.Clock
	ids         clock.IDGen
	events      events.Publisher
	log         logrus.FieldLogger
	autoConfirm bool
}

func NewService(repo Repository, locker lock.Locker, clk clock.Clock, pub events.Publisher, log logrus.FieldLogger, opts Options) *Service {
	ids := opts.IDs
	if ids == nil {
		ids = clock.UUIDv7{}
	}
	if pub == nil {
		pub = events.Discard
	}
	return &Service{
		repo:        repo,
		locker:      locker,
		clock:       clk,
		ids:         ids,
		events:      pub,
		log:         log,
		autoConfirm: opts.AutoConfirm,
	}
}

// Transition applies one state machine step. The update is a
// compare-and-swap on the status read here, so a concurrent change makes it
// fail with ErrStaleState.
func (s *Service) Transition(ctx context.Context, actor Actor, id uuid.UUID, to Status) (*Appointment, error) {
	appt, err := s.repo.GetAppointmentByID(ctx, id)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	if err := checkTransition(appt, to, actor, now); err != nil {
		return nil, err
	}

	updated, err := s.repo.UpdateAppointmentStatus(ctx, id, appt.Status, to, now)
	if err != nil {
		return nil, err
	}

	s.log.WithFields(logrus.Fields{
		"appointment_id": id,
		"from":           appt.Status,
		"to":             to,
		"actor":          actor.Role,
	}).Info("appointment status changed")

	s.emitAppointment(ctx, events.AppointmentStatusChanged, updated, s.patientName(ctx, updated.PatientID), func(p *events.AppointmentPayload) {
		p.OldStatus = string(appt.Status)
	})
	return updated, nil
}

func (s *Service) Confirm(ctx context.Context, actor Actor, id uuid.UUID) (*Appointment, error) {
	return s.Transition(ctx, actor, id, StatusConfirmed)
}

func (s *Service) Cancel(ctx context.Context, actor Actor, id uuid.UUID) (*Appointment, error) {
	return s.Transition(ctx, actor, id, StatusCancelled)
}

func (s *Service) Complete(ctx context.Context, actor Actor, id uuid.UUID) (*Appointment, error) {
	return s.Transition(ctx, actor, id, StatusCompleted)
}

func (s *Service) MarkMissed(ctx context.Context, actor Actor, id uuid.UUID) (*Appointment, error) {
	return s.Transition(ctx, actor, id, StatusMissed)
}

// Get returns one appointment if actor may see it.
func (s *Service) Get(ctx context.Context, actor Actor, id uuid.UUID) (*Appointment, error) {
	appt, err := s.repo.GetAppointmentByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !canManage(actor, appt) {
		return nil, ErrForbidden
	}
	return appt, nil
}

// List returns appointments matching f. Patients and doctors only see their
// own appointments.
func (s *Service) List(ctx context.Context, actor Actor, f ListFilter) ([]Appointment, error) {
	switch actor.Role {
	case RolePatient:
		f.PatientID = &actor.ID
	case RoleDoctor:
		f.DoctorID = &actor.ID
	case RoleStaff, RoleSystem:
	default:
		return nil, ErrForbidden
	}

	if f.Limit <= 0 {
		f.Limit = defaultListLimit
	}
	if f.Limit > maxListLimit {
		f.Limit = maxListLimit
	}
	if f.Offset < 0 {
		f.Offset = 0
	}

	list, err := s.repo.ListAppointments(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("list appointments: %w", err)
	}
	return list, nil
}

// ConfirmedForDay lists the CONFIRMED appointments of a day, ordered by
// doctor and slot time.
func (s *Service) ConfirmedForDay(ctx context.Context, date time.Time) ([]Appointment, error) {
	day := clock.DateOf(date)
	status := StatusConfirmed
	list, err := s.repo.ListAppointments(ctx, ListFilter{Date: &day, Status: &status})
	if err != nil {
		return nil, fmt.Errorf("list confirmed appointments: %w", err)
	}
	sort.SliceStable(list, func(i, j int) bool {
		if list[i].DoctorID != list[j].DoctorID {
			return list[i].DoctorID.String() < list[j].DoctorID.String()
		}
		return list[i].Time < list[j].Time
	})
	return list, nil
}

// SweepMissed marks CONFIRMED appointments of past days that never joined a
// queue as MISSED. It is intended to be called by the worker periodically.
func (s *Service) SweepMissed(ctx context.Context) (int, error) {
	today := clock.Today(s.clock)
	candidates, err := s.repo.FindUnqueuedConfirmedBefore(ctx, today)
	if err != nil {
		return 0, fmt.Errorf("find missed appointments: %w", err)
	}

	marked := 0
	for _, appt := range candidates {
		if ctx.Err() != nil {
			return marked, ctx.Err()
		}
		_, err := s.MarkMissed(ctx, SystemActor, appt.ID)
		switch {
		case err == nil:
			marked++
		case errors.Is(err, ErrStaleState), errors.Is(err, ErrInvalidTransition):
			// Changed since the scan.
		default:
			s.log.WithError(err).WithField("appointment_id", appt.ID).Warn("failed to mark appointment missed")
		}
	}
	return marked, nil
}

// GetAppointment loads an appointment without an actor check, for
// collaborators inside the core.
func (s *Service) GetAppointment(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	return s.repo.GetAppointmentByID(ctx, id)
}

// PatientName returns the display name of a patient.
func (s *Service) PatientName(ctx context.Context, id uuid.UUID) (string, error) {
	p, err := s.repo.GetPatientByID(ctx, id)
	if err != nil {
		return "", err
	}
	return p.Name, nil
}

// SetQueueToken records the queue token issued to an appointment.
func (s *Service) SetQueueToken(ctx context.Context, id uuid.UUID, token int) error {
	updated, err := s.repo.SetQueueToken(ctx, id, token, s.clock.Now())
	if err != nil {
		return err
	}

	s.emitAppointment(ctx, events.AppointmentQueued, updated, s.patientName(ctx, updated.PatientID), func(*events.AppointmentPayload) {})
	return nil
}

func (s *Service) patientName(ctx context.Context, id uuid.UUID) string {
	name, err := s.PatientName(ctx, id)
	if err != nil {
		s.log.WithError(err).WithField("patient_id", id).Debug("patient name lookup failed")
		return ""
	}
	return name
}

func (s *Service) emitAppointment(ctx context.Context, typ events.Type, a *Appointment, patientName string, decorate func(*events.AppointmentPayload)) {
	payload := events.AppointmentPayload{
		AppointmentID:    a.ID,
		PatientID:        a.PatientID,
		DoctorID:         a.DoctorID,
		PatientName:      patientName,
		Date:             clock.FormatDate(a.Date),
		Time:             a.Time.String(),
		ConsultationType: string(a.ConsultationType),
		Status:           string(a.Status),
		Token:            a.QueueToken,
		UpdatedAt:        a.UpdatedAt,
	}
	decorate(&payload)
	events.Emit(ctx, s.events, s.log, typ, events.AppointmentTopic(a.ID), payload, s.clock.Now())
}
