package appointment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var ErrNotFound = errors.New("not found")

var (
	ErrPatientNotFound     = fmt.Errorf("patient %w", ErrNotFound)
	ErrDoctorNotFound      = fmt.Errorf("doctor %w", ErrNotFound)
	ErrAppointmentNotFound = fmt.Errorf("appointment %w", ErrNotFound)
)

var (
	ErrSlotConflict       = errors.New("slot already booked")
	ErrSlotUnavailable    = errors.New("slot is not offered by the doctor's schedule")
	ErrInvalidTransition  = errors.New("invalid status transition")
	ErrStaleState         = errors.New("appointment was modified concurrently")
	ErrForbidden          = errors.New("actor is not allowed to perform this action")
	ErrNotReschedulable   = errors.New("appointment can no longer be rescheduled")
	ErrInvalidConsultType = errors.New("invalid consultation type")
	ErrInvalidBlock       = errors.New("block needs both bounds with start before end, or neither")
)

// Repository contains all store interactions needed by the service.
type Repository interface {
	GetPatientByID(ctx context.Context, id uuid.UUID) (*Patient, error)
	GetDoctorByID(ctx context.Context, id uuid.UUID) (*Doctor, error)

	// Schedule inputs
	ListAvailability(ctx context.Context, doctorID uuid.UUID, day time.Weekday) ([]Availability, error)
	ListBlocks(ctx context.Context, doctorID uuid.UUID, date time.Time) ([]Block, error)

	GetAppointmentByID(ctx context.Context, id uuid.UUID) (*Appointment, error)
	ListAppointments(ctx context.Context, f ListFilter) ([]Appointment, error)

	// BookedCounts returns the number of non-cancelled appointments per
	// start time of a doctor's day.
	BookedCounts(ctx context.Context, doctorID uuid.UUID, date time.Time) (map[SlotTime]int, error)

	// CreateAppointment inserts a. A live booking on the same slot yields
	// ErrSlotConflict.
	CreateAppointment(ctx context.Context, a Appointment) (*Appointment, error)

	// UpdateAppointmentStatus moves id from status from to status to. If the
	// stored status is no longer from it returns ErrStaleState.
	UpdateAppointmentStatus(ctx context.Context, id uuid.UUID, from, to Status, at time.Time) (*Appointment, error)

	// MoveAppointment changes the slot of an unqueued appointment, guarded by
	// its current slot and status. A live booking on the target slot yields
	// ErrSlotConflict and leaves the row untouched.
	MoveAppointment(ctx context.Context, cur Appointment, date time.Time, at SlotTime, now time.Time) (*Appointment, error)

	SetQueueToken(ctx context.Context, id uuid.UUID, token int, at time.Time) (*Appointment, error)

	// FindUnqueuedConfirmedBefore lists CONFIRMED appointments dated before
	// date that never received a queue token.
	FindUnqueuedConfirmedBefore(ctx context.Context, date time.Time) ([]Appointment, error)
}
