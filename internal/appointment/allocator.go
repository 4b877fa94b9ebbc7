package appointment

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/hackgods/clinic-queue/internal/clock"
	"github.com/hackgods/clinic-queue/internal/events"
	"github.com/hackgods/clinic-queue/internal/lock"
)

// BookingRequest is a patient's request for one slot.
type BookingRequest struct {
	PatientID        uuid.UUID
	DoctorID         uuid.UUID
	Date             time.Time
	Time             SlotTime
	ConsultationType ConsultationType
	Reason           string
}

// CandidateSlots expands the availability windows into slot starts for the
// given consultation type, minus blocked ranges. Windows are stepped by their
// slot duration; a trailing partial slot is dropped and duplicates across
// overlapping windows collapse. The result is ordered by start time.
func CandidateSlots(windows []Availability, blocks []Block, ct ConsultationType) []Slot {
	seen := make(map[SlotTime]bool)
	var slots []Slot

	for _, w := range windows {
		if !w.IsActive || !w.Supports(ct) || w.SlotDurationMinutes <= 0 {
			continue
		}
		for start := w.StartTime; start.Add(w.SlotDurationMinutes) <= w.EndTime && start.Add(w.SlotDurationMinutes) <= minutesPerDay; start = start.Add(w.SlotDurationMinutes) {
			end := start.Add(w.SlotDurationMinutes)
			if seen[start] || blocked(blocks, start, end) {
				continue
			}
			seen[start] = true
			slots = append(slots, Slot{Start: start, End: end, ConsultationType: ct})
		}
	}

	sort.Slice(slots, func(i, j int) bool { return slots[i].Start < slots[j].Start })
	return slots
}

func blocked(blocks []Block, start, end SlotTime) bool {
	for _, b := range blocks {
		if b.Overlaps(start, end) {
			return true
		}
	}
	return false
}

// ProposeSlots returns the free slots of a doctor's day for a consultation
// type, ordered by start time. Past days and already started slots are not
// offered.
func (s *Service) ProposeSlots(ctx context.Context, doctorID uuid.UUID, date time.Time, ct ConsultationType) ([]Slot, error) {
	if !ct.Valid() {
		return nil, ErrInvalidConsultType
	}
	if _, err := s.repo.GetDoctorByID(ctx, doctorID); err != nil {
		return nil, err
	}

	candidates, err := s.openCandidates(ctx, doctorID, date, ct)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return []Slot{}, nil
	}

	booked, err := s.repo.BookedCounts(ctx, doctorID, date)
	if err != nil {
		return nil, fmt.Errorf("load booked slots: %w", err)
	}

	free := make([]Slot, 0, len(candidates))
	for _, slot := range candidates {
		// Every slot holds exactly one live booking.
		if booked[slot.Start] >= 1 {
			continue
		}
		free = append(free, slot)
	}
	return free, nil
}

// openCandidates returns the schedule's slots for the day that have not
// started yet.
func (s *Service) openCandidates(ctx context.Context, doctorID uuid.UUID, date time.Time, ct ConsultationType) ([]Slot, error) {
	date = clock.DateOf(date)
	today := clock.Today(s.clock)
	if date.Before(today) {
		return nil, nil
	}

	windows, err := s.repo.ListAvailability(ctx, doctorID, date.Weekday())
	if err != nil {
		return nil, fmt.Errorf("load availability: %w", err)
	}
	blocks, err := s.repo.ListBlocks(ctx, doctorID, date)
	if err != nil {
		return nil, fmt.Errorf("load blocks: %w", err)
	}

	slots := CandidateSlots(windows, blocks, ct)
	if !date.Equal(today) {
		return slots, nil
	}

	now := SlotTimeOf(s.clock.Now().In(s.clock.Location()))
	open := slots[:0]
	for _, slot := range slots {
		if slot.Start > now {
			open = append(open, slot)
		}
	}
	return open, nil
}

func (s *Service) isCandidate(ctx context.Context, doctorID uuid.UUID, date time.Time, at SlotTime, ct ConsultationType) (bool, error) {
	slots, err := s.openCandidates(ctx, doctorID, date, ct)
	if err != nil {
		return false, err
	}
	for _, slot := range slots {
		if slot.Start == at {
			return true, nil
		}
	}
	return false, nil
}

// BookSlot books one slot for a patient. Concurrent requests for the same
// slot are serialized on the slot key; of N racing requests exactly one
// succeeds and the others get ErrSlotConflict.
func (s *Service) BookSlot(ctx context.Context, actor Actor, req BookingRequest) (*Appointment, error) {
	if !req.ConsultationType.Valid() {
		return nil, ErrInvalidConsultType
	}
	if !canBookFor(actor, req) {
		return nil, ErrForbidden
	}

	patient, err := s.repo.GetPatientByID(ctx, req.PatientID)
	if err != nil {
		return nil, err
	}
	if _, err := s.repo.GetDoctorByID(ctx, req.DoctorID); err != nil {
		return nil, err
	}

	date := clock.DateOf(req.Date)
	ok, err := s.isCandidate(ctx, req.DoctorID, date, req.Time, req.ConsultationType)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrSlotUnavailable
	}

	status := StatusPending
	if s.autoConfirm {
		status = StatusConfirmed
	}

	var created *Appointment
	err = s.withSlotLock(ctx, slotLockKey(req.DoctorID, date, req.Time), func(lockCtx context.Context) error {
		booked, err := s.repo.BookedCounts(lockCtx, req.DoctorID, date)
		if err != nil {
			return fmt.Errorf("check slot occupancy: %w", err)
		}
		if booked[req.Time] >= 1 {
			return ErrSlotConflict
		}

		now := s.clock.Now()
		appt, err := s.repo.CreateAppointment(lockCtx, Appointment{
			ID:               s.ids.NewID(),
			PatientID:        req.PatientID,
			DoctorID:         req.DoctorID,
			Date:             date,
			Time:             req.Time,
			ConsultationType: req.ConsultationType,
			ReasonForVisit:   strings.TrimSpace(req.Reason),
			Status:           status,
			CreatedAt:        now,
			UpdatedAt:        now,
		})
		if err != nil {
			return err
		}
		created = appt
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrSlotConflict) {
			s.log.WithFields(logrus.Fields{
				"doctor_id": req.DoctorID,
				"date":      clock.FormatDate(date),
				"time":      req.Time.String(),
			}).Debug("slot conflict")
		}
		return nil, err
	}

	s.log.WithFields(logrus.Fields{
		"appointment_id": created.ID,
		"doctor_id":      created.DoctorID,
		"status":         created.Status,
	}).Info("appointment booked")

	s.emitAppointment(ctx, events.AppointmentCreated, created, patient.Name, func(*events.AppointmentPayload) {})
	return created, nil
}

// RescheduleSlot moves an appointment that is still PENDING or CONFIRMED
// and not yet queued to another slot of the same doctor. On conflict the
// original booking is left as it was.
func (s *Service) RescheduleSlot(ctx context.Context, actor Actor, id uuid.UUID, newDate time.Time, newTime SlotTime) (*Appointment, error) {
	cur, err := s.repo.GetAppointmentByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !canManage(actor, cur) {
		return nil, ErrForbidden
	}
	if cur.Status.Terminal() || cur.QueueToken != nil {
		return nil, ErrNotReschedulable
	}

	newDate = clock.DateOf(newDate)
	if cur.Date.Equal(newDate) && cur.Time == newTime {
		return cur, nil
	}

	ok, err := s.isCandidate(ctx, cur.DoctorID, newDate, newTime, cur.ConsultationType)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrSlotUnavailable
	}

	var moved *Appointment
	err = s.withSlotLock(ctx, slotLockKey(cur.DoctorID, newDate, newTime), func(lockCtx context.Context) error {
		booked, err := s.repo.BookedCounts(lockCtx, cur.DoctorID, newDate)
		if err != nil {
			return fmt.Errorf("check slot occupancy: %w", err)
		}
		if booked[newTime] >= 1 {
			return ErrSlotConflict
		}

		appt, err := s.repo.MoveAppointment(lockCtx, *cur, newDate, newTime, s.clock.Now())
		if err != nil {
			return err
		}
		moved = appt
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.WithFields(logrus.Fields{
		"appointment_id": moved.ID,
		"from":           clock.FormatDate(cur.Date) + " " + cur.Time.String(),
		"to":             clock.FormatDate(moved.Date) + " " + moved.Time.String(),
	}).Info("appointment rescheduled")

	s.emitAppointment(ctx, events.AppointmentRescheduled, moved, s.patientName(ctx, moved.PatientID), func(p *events.AppointmentPayload) {
		p.PreviousDate = clock.FormatDate(cur.Date)
		p.PreviousTime = cur.Time.String()
	})
	return moved, nil
}

// withSlotLock runs fn under the slot lock. The lock only thins out racing
// writers; the store's unique slot index decides the winner. A caller that
// gives up waiting therefore still runs fn, so it ends with the booking or
// ErrSlotConflict rather than a lock timeout.
func (s *Service) withSlotLock(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	err := s.locker.WithLock(ctx, key, fn)
	if !errors.Is(err, lock.ErrLockTimeout) {
		return err
	}
	s.log.WithField("key", key).Debug("slot lock busy, deferring to the store")
	return fn(ctx)
}

func slotLockKey(doctorID uuid.UUID, date time.Time, at SlotTime) string {
	return fmt.Sprintf("slot:%s:%s:%s", doctorID, clock.FormatDate(date), at)
}

// canBookFor allows patients to book for themselves, doctors on their own
// schedule, and staff or the system for anyone.
func canBookFor(actor Actor, req BookingRequest) bool {
	switch actor.Role {
	case RoleStaff, RoleSystem:
		return true
	case RolePatient:
		return actor.ID == req.PatientID
	case RoleDoctor:
		return actor.ID == req.DoctorID
	}
	return false
}

// canManage reports whether actor may change or read an existing booking.
func canManage(actor Actor, a *Appointment) bool {
	switch actor.Role {
	case RoleStaff, RoleSystem:
		return true
	case RolePatient:
		return actor.ID == a.PatientID
	case RoleDoctor:
		return actor.ID == a.DoctorID
	}
	return false
}
