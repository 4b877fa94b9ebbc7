package queue

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hackgods/clinic-queue/internal/db"
)

const (
	servingIndex      = "queue_entries_serving_uq"
	entriesPrimaryKey = "queue_entries_pkey"
)

// ErrServingConflict means the store already holds another SERVING entry for
// the day, which only happens if two writers bypassed the queue lock.
var ErrServingConflict = errors.New("another entry is already serving")

type PgStore struct {
	pool *pgxpool.Pool
}

func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

func (s *PgStore) LoadDay(ctx context.Context, doctorID uuid.UUID, date time.Time) (*Day, error) {
	day := newDay(doctorID, date)

	err := s.pool.QueryRow(ctx, `
		SELECT next_token, current_serving_token, paused, version, updated_at
		FROM queue_days
		WHERE doctor_id = $1 AND queue_date = $2
	`, doctorID, date).Scan(&day.NextToken, &day.CurrentServingToken, &day.Paused, &day.Version, &day.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return day, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load queue day: %w", err)
	}
	day.loadedNext = day.NextToken

	rows, err := s.pool.Query(ctx, `
		SELECT token, appointment_id, patient_id, patient_name, priority, state, enqueued_at, updated_at
		FROM queue_entries
		WHERE doctor_id = $1 AND queue_date = $2
		ORDER BY token
	`, doctorID, date)
	if err != nil {
		return nil, fmt.Errorf("load queue entries: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		e := Entry{DoctorID: doctorID, Date: date}
		if err := rows.Scan(
			&e.Token,
			&e.AppointmentID,
			&e.PatientID,
			&e.PatientName,
			&e.Priority,
			&e.State,
			&e.EnqueuedAt,
			&e.UpdatedAt,
		); err != nil {
			return nil, err
		}
		day.Entries = append(day.Entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return day, nil
}

// SaveDay is a compare-and-swap on queue_days.version. The guarded update
// takes the day row lock, so a second writer with the same loaded version
// blocks until the first commits and then matches no row.
func (s *PgStore) SaveDay(ctx context.Context, day *Day, tokens ...int) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin queue save: %w", err)
	}
	defer tx.Rollback(ctx)

	var tag pgconn.CommandTag
	if day.Version == 0 {
		tag, err = tx.Exec(ctx, `
			INSERT INTO queue_days (doctor_id, queue_date, next_token, current_serving_token, paused, version, updated_at)
			VALUES ($1, $2, $3, $4, $5, 1, $6)
			ON CONFLICT (doctor_id, queue_date) DO NOTHING
		`, day.DoctorID, day.Date, day.NextToken, day.CurrentServingToken, day.Paused, day.UpdatedAt)
	} else {
		tag, err = tx.Exec(ctx, `
			UPDATE queue_days
			SET next_token = $3,
			    current_serving_token = $4,
			    paused = $5,
			    version = version + 1,
			    updated_at = $6
			WHERE doctor_id = $1
			  AND queue_date = $2
			  AND version = $7
		`, day.DoctorID, day.Date, day.NextToken, day.CurrentServingToken, day.Paused, day.UpdatedAt, day.Version)
	}
	if err != nil {
		return fmt.Errorf("save queue day: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrDayChanged
	}

	for _, e := range entriesToWrite(day, tokens) {
		if day.isNew(e.Token) {
			_, err = tx.Exec(ctx, `
				INSERT INTO queue_entries (doctor_id, queue_date, token, appointment_id, patient_id, patient_name,
				                           priority, state, enqueued_at, updated_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			`, day.DoctorID, day.Date, e.Token, e.AppointmentID, e.PatientID, e.PatientName,
				e.Priority, string(e.State), e.EnqueuedAt, e.UpdatedAt)
		} else {
			_, err = tx.Exec(ctx, `
				UPDATE queue_entries
				SET state = $4,
				    priority = $5,
				    updated_at = $6
				WHERE doctor_id = $1 AND queue_date = $2 AND token = $3
			`, day.DoctorID, day.Date, e.Token, string(e.State), e.Priority, e.UpdatedAt)
		}
		if err != nil {
			switch {
			case db.IsUniqueViolation(err, servingIndex):
				return ErrServingConflict
			case db.IsUniqueViolation(err, entriesPrimaryKey):
				return ErrDayChanged
			}
			return fmt.Errorf("save queue entry %d: %w", e.Token, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit queue save: %w", err)
	}
	day.markSaved()
	return nil
}

// entriesToWrite returns the changed entries with the SERVING one last, so
// the serving index never sees two SERVING rows mid-transaction.
func entriesToWrite(day *Day, tokens []int) []Entry {
	out := make([]Entry, 0, len(tokens))
	for _, t := range tokens {
		if e := day.entry(t); e != nil {
			out = append(out, *e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].State != StateServing && out[j].State == StateServing
	})
	return out
}
