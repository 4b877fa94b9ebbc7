package appointment

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/clinic-queue/internal/clock"
)

type slotKey struct {
	doctorID uuid.UUID
	date     time.Time
	start    SlotTime
}

// MemoryRepository keeps the schedule in process memory. It backs tests and
// single-node demo runs, and enforces the same one-live-booking-per-slot rule
// as the Postgres unique index.
type MemoryRepository struct {
	mu           sync.RWMutex
	patients     map[uuid.UUID]Patient
	doctors      map[uuid.UUID]Doctor
	availability map[uuid.UUID][]Availability
	blocks       map[uuid.UUID][]Block
	appointments map[uuid.UUID]Appointment
	live         map[slotKey]uuid.UUID
	nextID       int64
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		patients:     make(map[uuid.UUID]Patient),
		doctors:      make(map[uuid.UUID]Doctor),
		availability: make(map[uuid.UUID][]Availability),
		blocks:       make(map[uuid.UUID][]Block),
		appointments: make(map[uuid.UUID]Appointment),
		live:         make(map[slotKey]uuid.UUID),
	}
}

func (r *MemoryRepository) AddPatient(p Patient) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.patients[p.ID] = p
}

func (r *MemoryRepository) AddDoctor(d Doctor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.doctors[d.ID] = d
}

func (r *MemoryRepository) AddAvailability(a Availability) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	a.ID = r.nextID
	r.availability[a.DoctorID] = append(r.availability[a.DoctorID], a)
}

// AddBlock stores b. Blocks follow the same shape rule as the blocks table.
func (r *MemoryRepository) AddBlock(b Block) error {
	if !b.Valid() {
		return ErrInvalidBlock
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	b.ID = r.nextID
	b.Date = clock.DateOf(b.Date)
	r.blocks[b.DoctorID] = append(r.blocks[b.DoctorID], b)
	return nil
}

func (r *MemoryRepository) GetPatientByID(_ context.Context, id uuid.UUID) (*Patient, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.patients[id]
	if !ok {
		return nil, ErrPatientNotFound
	}
	return &p, nil
}

func (r *MemoryRepository) GetDoctorByID(_ context.Context, id uuid.UUID) (*Doctor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	d, ok := r.doctors[id]
	if !ok {
		return nil, ErrDoctorNotFound
	}
	return &d, nil
}

func (r *MemoryRepository) ListAvailability(_ context.Context, doctorID uuid.UUID, day time.Weekday) ([]Availability, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var result []Availability
	for _, a := range r.availability[doctorID] {
		if a.DayOfWeek == day {
			result = append(result, a)
		}
	}
	return result, nil
}

func (r *MemoryRepository) ListBlocks(_ context.Context, doctorID uuid.UUID, date time.Time) ([]Block, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	date = clock.DateOf(date)
	var result []Block
	for _, b := range r.blocks[doctorID] {
		if b.Date.Equal(date) {
			result = append(result, b)
		}
	}
	return result, nil
}

func (r *MemoryRepository) GetAppointmentByID(_ context.Context, id uuid.UUID) (*Appointment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, ok := r.appointments[id]
	if !ok {
		return nil, ErrAppointmentNotFound
	}
	return &a, nil
}

func (r *MemoryRepository) ListAppointments(_ context.Context, f ListFilter) ([]Appointment, error) {
	r.mu.RLock()
	var result []Appointment
	for _, a := range r.appointments {
		if matches(a, f) {
			result = append(result, a)
		}
	}
	r.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool {
		a, b := result[i], result[j]
		if !a.Date.Equal(b.Date) {
			return a.Date.Before(b.Date)
		}
		if a.Time != b.Time {
			return a.Time < b.Time
		}
		return a.DoctorID.String() < b.DoctorID.String()
	})

	if f.Offset > 0 {
		if f.Offset >= len(result) {
			return nil, nil
		}
		result = result[f.Offset:]
	}
	if f.Limit > 0 && len(result) > f.Limit {
		result = result[:f.Limit]
	}
	return result, nil
}

func matches(a Appointment, f ListFilter) bool {
	if f.DoctorID != nil && a.DoctorID != *f.DoctorID {
		return false
	}
	if f.PatientID != nil && a.PatientID != *f.PatientID {
		return false
	}
	if f.Date != nil && !a.Date.Equal(clock.DateOf(*f.Date)) {
		return false
	}
	if f.Status != nil && a.Status != *f.Status {
		return false
	}
	return true
}

func (r *MemoryRepository) BookedCounts(_ context.Context, doctorID uuid.UUID, date time.Time) (map[SlotTime]int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	date = clock.DateOf(date)
	counts := make(map[SlotTime]int)
	for key := range r.live {
		if key.doctorID == doctorID && key.date.Equal(date) {
			counts[key.start]++
		}
	}
	return counts, nil
}

func (r *MemoryRepository) CreateAppointment(_ context.Context, a Appointment) (*Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	a.Date = clock.DateOf(a.Date)
	key := slotKey{a.DoctorID, a.Date, a.Time}
	if a.Status != StatusCancelled {
		if _, taken := r.live[key]; taken {
			return nil, ErrSlotConflict
		}
		r.live[key] = a.ID
	}
	a.UpdatedAt = a.CreatedAt
	r.appointments[a.ID] = a
	return &a, nil
}

func (r *MemoryRepository) UpdateAppointmentStatus(_ context.Context, id uuid.UUID, from, to Status, at time.Time) (*Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.appointments[id]
	if !ok {
		return nil, ErrAppointmentNotFound
	}
	if a.Status != from {
		return nil, ErrStaleState
	}

	if to == StatusCancelled {
		delete(r.live, slotKey{a.DoctorID, a.Date, a.Time})
	}
	a.Status = to
	a.UpdatedAt = at
	r.appointments[id] = a
	return &a, nil
}

func (r *MemoryRepository) MoveAppointment(_ context.Context, cur Appointment, date time.Time, at SlotTime, now time.Time) (*Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.appointments[cur.ID]
	if !ok {
		return nil, ErrAppointmentNotFound
	}
	if a.Status != cur.Status || !a.Date.Equal(clock.DateOf(cur.Date)) || a.Time != cur.Time || a.QueueToken != nil {
		return nil, ErrStaleState
	}

	date = clock.DateOf(date)
	target := slotKey{a.DoctorID, date, at}
	if holder, taken := r.live[target]; taken && holder != a.ID {
		return nil, ErrSlotConflict
	}

	delete(r.live, slotKey{a.DoctorID, a.Date, a.Time})
	r.live[target] = a.ID
	a.Date = date
	a.Time = at
	a.UpdatedAt = now
	r.appointments[a.ID] = a
	return &a, nil
}

func (r *MemoryRepository) SetQueueToken(_ context.Context, id uuid.UUID, token int, at time.Time) (*Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.appointments[id]
	if !ok {
		return nil, ErrAppointmentNotFound
	}
	a.QueueToken = &token
	a.UpdatedAt = at
	r.appointments[id] = a
	return &a, nil
}

func (r *MemoryRepository) FindUnqueuedConfirmedBefore(ctx context.Context, date time.Time) ([]Appointment, error) {
	confirmed := StatusConfirmed
	all, err := r.ListAppointments(ctx, ListFilter{Status: &confirmed})
	if err != nil {
		return nil, err
	}

	date = clock.DateOf(date)
	var result []Appointment
	for _, a := range all {
		if a.QueueToken == nil && a.Date.Before(date) {
			result = append(result, a)
		}
	}
	return result, nil
}
