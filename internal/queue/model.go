package queue

import (
	"time"

	"github.com/google/uuid"
)

type EntryState string

const (
	StateWaiting EntryState = "WAITING"
	StateServing EntryState = "SERVING"
	StateDone    EntryState = "DONE"
	StateSkipped EntryState = "SKIPPED"
)

// Active reports whether the entry still holds a place in the line.
func (s EntryState) Active() bool {
	return s == StateWaiting || s == StateServing
}

// Entry is one token of a doctor's day.
type Entry struct {
	DoctorID      uuid.UUID
	Date          time.Time
	Token         int
	AppointmentID uuid.UUID
	PatientID     uuid.UUID
	PatientName   string
	Priority      bool
	State         EntryState
	EnqueuedAt    time.Time
	UpdatedAt     time.Time
}

// Day is the queue of one doctor for one calendar day. Entries are kept in
// token order.
type Day struct {
	DoctorID            uuid.UUID
	Date                time.Time
	NextToken           int
	CurrentServingToken *int
	Paused              bool
	UpdatedAt           time.Time
	Entries             []Entry
	// Version counts saves; 0 means the day was never stored.
	Version int64
	// loadedNext is NextToken as it was loaded; entries at or above it are
	// new in this save.
	loadedNext int
}

func newDay(doctorID uuid.UUID, date time.Time) *Day {
	return &Day{DoctorID: doctorID, Date: date, NextToken: 1, loadedNext: 1}
}

// isNew reports whether token was issued after the day was loaded.
func (d *Day) isNew(token int) bool {
	return token >= d.loadedNext
}

// markSaved moves the day to the state the store now holds.
func (d *Day) markSaved() {
	d.Version++
	d.loadedNext = d.NextToken
}

func (d *Day) entry(token int) *Entry {
	for i := range d.Entries {
		if d.Entries[i].Token == token {
			return &d.Entries[i]
		}
	}
	return nil
}

// latestFor returns the most recent entry of an appointment.
func (d *Day) latestFor(appointmentID uuid.UUID) *Entry {
	for i := len(d.Entries) - 1; i >= 0; i-- {
		if d.Entries[i].AppointmentID == appointmentID {
			return &d.Entries[i]
		}
	}
	return nil
}

func (d *Day) serving() *Entry {
	for i := range d.Entries {
		if d.Entries[i].State == StateServing {
			return &d.Entries[i]
		}
	}
	return nil
}

// nextWaiting picks the lowest priority token, then the lowest token.
func (d *Day) nextWaiting() *Entry {
	var next *Entry
	for i := range d.Entries {
		e := &d.Entries[i]
		if e.State != StateWaiting {
			continue
		}
		if e.Priority {
			return e
		}
		if next == nil {
			next = e
		}
	}
	return next
}

func (d *Day) waitingCount() int {
	n := 0
	for _, e := range d.Entries {
		if e.State == StateWaiting {
			n++
		}
	}
	return n
}

func (d *Day) clone() *Day {
	c := *d
	if d.CurrentServingToken != nil {
		token := *d.CurrentServingToken
		c.CurrentServingToken = &token
	}
	c.Entries = append([]Entry(nil), d.Entries...)
	return &c
}

// View is a consistent snapshot of a queue day.
type View struct {
	DoctorID            uuid.UUID
	Date                time.Time
	NextToken           int
	CurrentServingToken *int
	Paused              bool
	WaitingCount        int
	UpdatedAt           time.Time
	Entries             []Entry
}

func (d *Day) view() View {
	c := d.clone()
	return View{
		DoctorID:            c.DoctorID,
		Date:                c.Date,
		NextToken:           c.NextToken,
		CurrentServingToken: c.CurrentServingToken,
		Paused:              c.Paused,
		WaitingCount:        c.waitingCount(),
		UpdatedAt:           c.UpdatedAt,
		Entries:             c.Entries,
	}
}
