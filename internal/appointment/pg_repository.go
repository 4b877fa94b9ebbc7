package appointment

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hackgods/clinic-queue/internal/db"
)

const (
	// activeSlotIndex enforces one live booking per (doctor, date, time).
	activeSlotIndex = "appointments_active_slot_uq"
	patientFK       = "appointments_patient_id_fkey"
	doctorFK        = "appointments_doctor_id_fkey"
)

const appointmentColumns = `id, patient_id, doctor_id, appt_date, to_char(slot_time, 'HH24:MI'),
	consultation_type, reason_for_visit, status, queue_token, created_at, updated_at`

type PgRepository struct {
	pool *pgxpool.Pool
}

func NewPgRepository(pool *pgxpool.Pool) *PgRepository {
	return &PgRepository{pool: pool}
}

// Helpers

func scanPatient(row pgx.Row) (*Patient, error) {
	var p Patient

	err := row.Scan(
		&p.ID,
		&p.Name,
		&p.Email,
		&p.Phone,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPatientNotFound
		}
		return nil, err
	}

	return &p, nil
}

func scanDoctor(row pgx.Row) (*Doctor, error) {
	var d Doctor

	err := row.Scan(
		&d.ID,
		&d.Name,
		&d.Specialty,
		&d.CreatedAt,
		&d.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrDoctorNotFound
		}
		return nil, err
	}

	return &d, nil
}

func scanAppointment(row pgx.Row) (*Appointment, error) {
	var (
		a        Appointment
		slotTime string
	)

	err := row.Scan(
		&a.ID,
		&a.PatientID,
		&a.DoctorID,
		&a.Date,
		&slotTime,
		&a.ConsultationType,
		&a.ReasonForVisit,
		&a.Status,
		&a.QueueToken,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAppointmentNotFound
		}
		return nil, err
	}

	if a.Time, err = ParseSlotTime(slotTime); err != nil {
		return nil, fmt.Errorf("appointment %s: %w", a.ID, err)
	}
	return &a, nil
}

func collectAppointments(rows pgx.Rows) ([]Appointment, error) {
	defer rows.Close()

	var result []Appointment
	for rows.Next() {
		a, err := scanAppointment(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *a)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return result, nil
}

// Interface methods

func (r *PgRepository) GetPatientByID(ctx context.Context, id uuid.UUID) (*Patient, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, name, email, phone, created_at, updated_at
		FROM patients
		WHERE id = $1
	`, id)
	return scanPatient(row)
}

func (r *PgRepository) GetDoctorByID(ctx context.Context, id uuid.UUID) (*Doctor, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, name, specialty, created_at, updated_at
		FROM doctors
		WHERE id = $1
	`, id)
	return scanDoctor(row)
}

func (r *PgRepository) ListAvailability(ctx context.Context, doctorID uuid.UUID, day time.Weekday) ([]Availability, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, doctor_id, day_of_week,
		       to_char(start_time, 'HH24:MI'), to_char(end_time, 'HH24:MI'),
		       slot_duration_minutes, max_patients_per_slot,
		       supports_in_person, supports_telemedicine, is_active
		FROM doctor_availability
		WHERE doctor_id = $1 AND day_of_week = $2
		ORDER BY start_time
	`, doctorID, int(day))
	if err != nil {
		return nil, fmt.Errorf("query availability: %w", err)
	}
	defer rows.Close()

	var result []Availability
	for rows.Next() {
		var (
			a          Availability
			dow        int16
			start, end string
		)
		if err := rows.Scan(
			&a.ID,
			&a.DoctorID,
			&dow,
			&start,
			&end,
			&a.SlotDurationMinutes,
			&a.MaxPatientsPerSlot,
			&a.SupportsInPerson,
			&a.SupportsTelemedicine,
			&a.IsActive,
		); err != nil {
			return nil, err
		}
		a.DayOfWeek = time.Weekday(dow)
		if a.StartTime, err = ParseSlotTime(start); err != nil {
			return nil, err
		}
		if a.EndTime, err = ParseSlotTime(end); err != nil {
			return nil, err
		}
		result = append(result, a)
	}

	return result, rows.Err()
}

func (r *PgRepository) ListBlocks(ctx context.Context, doctorID uuid.UUID, date time.Time) ([]Block, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, doctor_id, block_date,
		       to_char(start_time, 'HH24:MI'), to_char(end_time, 'HH24:MI'), reason
		FROM doctor_blocks
		WHERE doctor_id = $1 AND block_date = $2
	`, doctorID, date)
	if err != nil {
		return nil, fmt.Errorf("query blocks: %w", err)
	}
	defer rows.Close()

	var result []Block
	for rows.Next() {
		var (
			b          Block
			start, end *string
		)
		if err := rows.Scan(&b.ID, &b.DoctorID, &b.Date, &start, &end, &b.Reason); err != nil {
			return nil, err
		}
		if start != nil && end != nil {
			s, err := ParseSlotTime(*start)
			if err != nil {
				return nil, err
			}
			e, err := ParseSlotTime(*end)
			if err != nil {
				return nil, err
			}
			b.StartTime, b.EndTime = &s, &e
		}
		result = append(result, b)
	}

	return result, rows.Err()
}

func (r *PgRepository) GetAppointmentByID(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE id = $1
	`, id)
	return scanAppointment(row)
}

func (r *PgRepository) ListAppointments(ctx context.Context, f ListFilter) ([]Appointment, error) {
	var (
		where []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}

	if f.DoctorID != nil {
		add("doctor_id = $%d", *f.DoctorID)
	}
	if f.PatientID != nil {
		add("patient_id = $%d", *f.PatientID)
	}
	if f.Date != nil {
		add("appt_date = $%d", *f.Date)
	}
	if f.Status != nil {
		add("status = $%d", string(*f.Status))
	}

	query := `SELECT ` + appointmentColumns + ` FROM appointments`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY appt_date, slot_time, doctor_id"

	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if f.Offset > 0 {
		args = append(args, f.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query appointments: %w", err)
	}
	return collectAppointments(rows)
}

func (r *PgRepository) BookedCounts(ctx context.Context, doctorID uuid.UUID, date time.Time) (map[SlotTime]int, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT to_char(slot_time, 'HH24:MI'), count(*)
		FROM appointments
		WHERE doctor_id = $1
		  AND appt_date = $2
		  AND status <> 'CANCELLED'
		GROUP BY slot_time
	`, doctorID, date)
	if err != nil {
		return nil, fmt.Errorf("query booked slots: %w", err)
	}
	defer rows.Close()

	counts := make(map[SlotTime]int)
	for rows.Next() {
		var (
			raw string
			n   int
		)
		if err := rows.Scan(&raw, &n); err != nil {
			return nil, err
		}
		t, err := ParseSlotTime(raw)
		if err != nil {
			return nil, err
		}
		counts[t] = n
	}

	return counts, rows.Err()
}

func (r *PgRepository) CreateAppointment(ctx context.Context, a Appointment) (*Appointment, error) {
	row := r.pool.QueryRow(ctx, `
		INSERT INTO appointments (id, patient_id, doctor_id, appt_date, slot_time, consultation_type,
		                          reason_for_visit, status, queue_token, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5::time, $6, $7, $8, NULL, $9, $9)
		RETURNING `+appointmentColumns,
		a.ID, a.PatientID, a.DoctorID, a.Date, a.Time.String(), string(a.ConsultationType),
		a.ReasonForVisit, string(a.Status), a.CreatedAt)

	created, err := scanAppointment(row)
	if err != nil {
		switch {
		case db.IsUniqueViolation(err, activeSlotIndex):
			return nil, ErrSlotConflict
		case db.IsForeignKeyViolation(err, patientFK):
			return nil, ErrPatientNotFound
		case db.IsForeignKeyViolation(err, doctorFK):
			return nil, ErrDoctorNotFound
		}
		return nil, fmt.Errorf("insert appointment: %w", err)
	}
	return created, nil
}

func (r *PgRepository) UpdateAppointmentStatus(ctx context.Context, id uuid.UUID, from, to Status, at time.Time) (*Appointment, error) {
	row := r.pool.QueryRow(ctx, `
		UPDATE appointments
		SET status = $2,
		    updated_at = $4
		WHERE id = $1
		  AND status = $3
		RETURNING `+appointmentColumns,
		id, string(to), string(from), at)

	updated, err := scanAppointment(row)
	if errors.Is(err, ErrAppointmentNotFound) {
		return nil, r.missOrStale(ctx, id)
	}
	if err != nil {
		return nil, fmt.Errorf("update appointment status: %w", err)
	}
	return updated, nil
}

func (r *PgRepository) MoveAppointment(ctx context.Context, cur Appointment, date time.Time, at SlotTime, now time.Time) (*Appointment, error) {
	row := r.pool.QueryRow(ctx, `
		UPDATE appointments
		SET appt_date = $2,
		    slot_time = $3::time,
		    updated_at = $4
		WHERE id = $1
		  AND appt_date = $5
		  AND slot_time = $6::time
		  AND status = $7
		  AND queue_token IS NULL
		RETURNING `+appointmentColumns,
		cur.ID, date, at.String(), now, cur.Date, cur.Time.String(), string(cur.Status))

	moved, err := scanAppointment(row)
	if errors.Is(err, ErrAppointmentNotFound) {
		return nil, r.missOrStale(ctx, cur.ID)
	}
	if err != nil {
		if db.IsUniqueViolation(err, activeSlotIndex) {
			return nil, ErrSlotConflict
		}
		return nil, fmt.Errorf("move appointment: %w", err)
	}
	return moved, nil
}

func (r *PgRepository) SetQueueToken(ctx context.Context, id uuid.UUID, token int, at time.Time) (*Appointment, error) {
	row := r.pool.QueryRow(ctx, `
		UPDATE appointments
		SET queue_token = $2,
		    updated_at = $3
		WHERE id = $1
		RETURNING `+appointmentColumns,
		id, token, at)

	updated, err := scanAppointment(row)
	if err != nil {
		if errors.Is(err, ErrAppointmentNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("set queue token: %w", err)
	}
	return updated, nil
}

func (r *PgRepository) FindUnqueuedConfirmedBefore(ctx context.Context, date time.Time) ([]Appointment, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE status = 'CONFIRMED'
		  AND appt_date < $1
		  AND queue_token IS NULL
		ORDER BY appt_date, slot_time
	`, date)
	if err != nil {
		return nil, fmt.Errorf("query unqueued appointments: %w", err)
	}
	return collectAppointments(rows)
}

// missOrStale tells a missing row apart from a failed compare-and-swap.
func (r *PgRepository) missOrStale(ctx context.Context, id uuid.UUID) error {
	var exists bool
	err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM appointments WHERE id = $1)`, id).Scan(&exists)
	if err != nil {
		return fmt.Errorf("check appointment: %w", err)
	}
	if !exists {
		return ErrAppointmentNotFound
	}
	return ErrStaleState
}
