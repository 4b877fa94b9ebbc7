package appointment

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusPending   Status = "PENDING"
	StatusConfirmed Status = "CONFIRMED"
	StatusCompleted Status = "COMPLETED"
	StatusCancelled Status = "CANCELLED"
	StatusMissed    Status = "MISSED"
)

// Terminal reports whether no transition leaves s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled || s == StatusMissed
}

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusConfirmed, StatusCompleted, StatusCancelled, StatusMissed:
		return true
	}
	return false
}

type ConsultationType string

const (
	InPerson     ConsultationType = "IN_PERSON"
	Telemedicine ConsultationType = "TELEMEDICINE"
)

func (c ConsultationType) Valid() bool {
	return c == InPerson || c == Telemedicine
}

type Role string

const (
	RolePatient Role = "PATIENT"
	RoleDoctor  Role = "DOCTOR"
	RoleStaff   Role = "STAFF"
	RoleSystem  Role = "SYSTEM"
)

func (r Role) Valid() bool {
	switch r {
	case RolePatient, RoleDoctor, RoleStaff, RoleSystem:
		return true
	}
	return false
}

// Actor is the verified caller of a state-changing operation. ID is the
// patient or doctor id for those roles.
type Actor struct {
	Role Role
	ID   uuid.UUID
}

// SystemActor runs timers and policies.
var SystemActor = Actor{Role: RoleSystem}

func (a Actor) IsPatient(id uuid.UUID) bool {
	return a.Role == RolePatient && a.ID == id
}

func (a Actor) IsDoctor(id uuid.UUID) bool {
	return a.Role == RoleDoctor && a.ID == id
}

// SlotTime is a time of day with minute precision, counted in minutes from
// midnight. 24:00 is valid as the end of a window.
type SlotTime int

const minutesPerDay = 24 * 60

func ParseSlotTime(s string) (SlotTime, error) {
	if len(s) != 5 || s[2] != ':' || !isDigits(s[:2]) || !isDigits(s[3:]) {
		return 0, fmt.Errorf("invalid time %q, want HH:MM", s)
	}
	h := int(s[0]-'0')*10 + int(s[1]-'0')
	m := int(s[3]-'0')*10 + int(s[4]-'0')
	if m > 59 || h > 24 || (h == 24 && m != 0) {
		return 0, fmt.Errorf("time %q out of range", s)
	}
	return SlotTime(h*60 + m), nil
}

func isDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

// MustSlotTime is ParseSlotTime for literals.
func MustSlotTime(s string) SlotTime {
	t, err := ParseSlotTime(s)
	if err != nil {
		panic(err)
	}
	return t
}

func (t SlotTime) String() string {
	return fmt.Sprintf("%02d:%02d", int(t)/60, int(t)%60)
}

func (t SlotTime) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

func (t *SlotTime) UnmarshalText(b []byte) error {
	v, err := ParseSlotTime(string(b))
	if err != nil {
		return err
	}
	*t = v
	return nil
}

// Add returns t shifted by minutes.
func (t SlotTime) Add(minutes int) SlotTime {
	return t + SlotTime(minutes)
}

// On returns the instant t happens on the calendar day date in loc.
func (t SlotTime) On(date time.Time, loc *time.Location) time.Time {
	y, m, d := date.Date()
	return time.Date(y, m, d, int(t)/60, int(t)%60, 0, 0, loc)
}

// SlotTimeOf returns the time of day of ts, truncated to the minute.
func SlotTimeOf(ts time.Time) SlotTime {
	return SlotTime(ts.Hour()*60 + ts.Minute())
}

type Patient struct {
	ID        uuid.UUID
	Name      string
	Email     *string
	Phone     *string
	CreatedAt time.Time
	UpdatedAt time.Time
}

type Doctor struct {
	ID        uuid.UUID
	Name      string
	Specialty *string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Availability is one recurring weekly working window of a doctor.
type Availability struct {
	ID                   int64
	DoctorID             uuid.UUID
	DayOfWeek            time.Weekday
	StartTime            SlotTime
	EndTime              SlotTime
	SlotDurationMinutes  int
	MaxPatientsPerSlot   int
	SupportsInPerson     bool
	SupportsTelemedicine bool
	IsActive             bool
}

func (a Availability) Supports(ct ConsultationType) bool {
	switch ct {
	case InPerson:
		return a.SupportsInPerson
	case Telemedicine:
		return a.SupportsTelemedicine
	}
	return false
}

// Block takes a doctor out of service on one day. Nil bounds block the
// whole day.
type Block struct {
	ID        int64
	DoctorID  uuid.UUID
	Date      time.Time
	StartTime *SlotTime
	EndTime   *SlotTime
	Reason    string
}

// Valid reports whether the block is whole-day (no bounds) or a proper
// [start, end) range.
func (b Block) Valid() bool {
	switch {
	case b.StartTime == nil && b.EndTime == nil:
		return true
	case b.StartTime == nil || b.EndTime == nil:
		return false
	}
	return *b.StartTime < *b.EndTime
}

// Overlaps reports whether the block intersects [start, end). A block without
// bounds covers the whole day.
func (b Block) Overlaps(start, end SlotTime) bool {
	if b.StartTime == nil || b.EndTime == nil {
		return true
	}
	return start < *b.EndTime && *b.StartTime < end
}

type Appointment struct {
	ID               uuid.UUID
	PatientID        uuid.UUID
	DoctorID         uuid.UUID
	Date             time.Time
	Time             SlotTime
	ConsultationType ConsultationType
	ReasonForVisit   string
	Status           Status
	QueueToken       *int
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Slot is a free, bookable start time.
type Slot struct {
	Start            SlotTime         `json:"time"`
	End              SlotTime         `json:"endTime"`
	ConsultationType ConsultationType `json:"consultationType"`
}

// ListFilter narrows ListAppointments. Nil fields match everything.
type ListFilter struct {
	DoctorID  *uuid.UUID
	PatientID *uuid.UUID
	Date      *time.Time
	Status    *Status
	Limit     int
	Offset    int
}
