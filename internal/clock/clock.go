package clock

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// DateLayout is the wire and storage format of a calendar day.
const DateLayout = "2006-01-02"

// Clock supplies timestamps and the clinic-local calendar day.
type Clock interface {
	Now() time.Time
	Location() *time.Location
}

// IDGen hands out unique identifiers for appointments and sessions.
type IDGen interface {
	NewID() uuid.UUID
}

// Monotonic is a wall clock that never goes backwards: every call returns a
// timestamp strictly after the previous one.
type Monotonic struct {
	mu   sync.Mutex
	last time.Time
	loc  *time.Location
	now  func() time.Time
}

func NewMonotonic(loc *time.Location) *Monotonic {
	if loc == nil {
		loc = time.UTC
	}
	return &Monotonic{loc: loc, now: time.Now}
}

func (m *Monotonic) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()

	t := m.now().In(m.loc)
	if !t.After(m.last) {
		t = m.last.Add(time.Microsecond)
	}
	m.last = t
	return t
}

func (m *Monotonic) Location() *time.Location {
	return m.loc
}

// Fixed is a settable clock for tests and simulations.
type Fixed struct {
	mu  sync.Mutex
	t   time.Time
	loc *time.Location
}

func NewFixed(t time.Time) *Fixed {
	return &Fixed{t: t, loc: t.Location()}
}

func (f *Fixed) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.t
}

func (f *Fixed) Location() *time.Location {
	return f.loc
}

// Set moves the clock to t.
func (f *Fixed) Set(t time.Time) {
	f.mu.Lock()
	f.t = t
	f.mu.Unlock()
}

// Advance moves the clock forward by d.
func (f *Fixed) Advance(d time.Duration) {
	f.mu.Lock()
	f.t = f.t.Add(d)
	f.mu.Unlock()
}

// UUIDv7 generates time-ordered ids, so ids issued later sort later.
type UUIDv7 struct{}

func (UUIDv7) NewID() uuid.UUID {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New()
	}
	return id
}

// Today returns the current calendar day of c as midnight UTC.
func Today(c Clock) time.Time {
	return DateOf(c.Now().In(c.Location()))
}

// DateOf strips the time of day from t, keeping its calendar day in t's
// location, and returns it as midnight UTC.
func DateOf(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// ParseDate parses a YYYY-MM-DD day.
func ParseDate(s string) (time.Time, error) {
	return time.ParseInLocation(DateLayout, s, time.UTC)
}

// FormatDate renders a day as YYYY-MM-DD.
func FormatDate(d time.Time) string {
	return d.Format(DateLayout)
}
