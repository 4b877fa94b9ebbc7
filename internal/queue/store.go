package queue

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Store persists queue days. Callers serialize access per day through a
// lock, but the store does not rely on it: SaveDay is a compare-and-swap on
// the day version, so writers holding different locks (separate processes
// with in-process locks) cannot overwrite each other.
type Store interface {
	// LoadDay returns the stored day, or a fresh day starting at token 1.
	LoadDay(ctx context.Context, doctorID uuid.UUID, date time.Time) (*Day, error)
	// SaveDay writes the day counters and the entries with the given tokens.
	// It fails with ErrDayChanged if the stored version is no longer
	// day.Version, and on success advances day.Version.
	SaveDay(ctx context.Context, day *Day, tokens ...int) error
}

type dayKey struct {
	doctorID uuid.UUID
	date     time.Time
}

// MemoryStore keeps queue days in process memory.
type MemoryStore struct {
	mu   sync.RWMutex
	days map[dayKey]*Day
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{days: make(map[dayKey]*Day)}
}

func (s *MemoryStore) LoadDay(_ context.Context, doctorID uuid.UUID, date time.Time) (*Day, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if d, ok := s.days[dayKey{doctorID, date}]; ok {
		return d.clone(), nil
	}
	return newDay(doctorID, date), nil
}

func (s *MemoryStore) SaveDay(_ context.Context, day *Day, _ ...int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := dayKey{day.DoctorID, day.Date}
	var stored int64
	if cur, ok := s.days[key]; ok {
		stored = cur.Version
	}
	if stored != day.Version {
		return ErrDayChanged
	}

	day.markSaved()
	s.days[key] = day.clone()
	return nil
}
