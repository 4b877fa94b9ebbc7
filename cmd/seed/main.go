package main

import (
	"context"
	"os"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/hackgods/clinic-queue/internal/db"
	"github.com/hackgods/clinic-queue/internal/logging"
	"github.com/hackgods/clinic-queue/internal/seeddata"
)

const patientBatchSize = 500

func main() {
	_ = godotenv.Load()

	log := logging.New(os.Getenv("APP_ENV"), os.Getenv("LOG_LEVEL"), "seed")
	log.Info("seed starting")

	dsn := os.Getenv("POSTGRES_DSN")
	if dsn == "" {
		log.Fatal("POSTGRES_DSN is required")
	}

	if err := db.Migrate(dsn, log); err != nil {
		log.WithError(err).Fatal("migrate")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := db.ConnectPostgres(ctx, dsn, db.PoolOptions{}, log)
	if err != nil {
		log.WithError(err).Fatal("connect postgres")
	}
	defer pool.Close()

	ds := seeddata.Generate(seeddata.Options{
		Doctors:   getInt("SEED_DOCTORS", 20),
		Patients:  getInt("SEED_PATIENTS", 2000),
		From:      time.Now(),
		BlockDays: 14,
	})

	if err := seedDoctors(context.Background(), pool, ds, log); err != nil {
		log.WithError(err).Fatal("seed doctors")
	}
	if err := seedPatients(context.Background(), pool, ds, log); err != nil {
		log.WithError(err).Fatal("seed patients")
	}

	log.Info("seed complete")
}

// seedDoctors writes doctors with their schedules and blocks in one
// transaction.
func seedDoctors(ctx context.Context, pool *pgxpool.Pool, ds seeddata.Dataset, log logrus.FieldLogger) error {
	log.WithField("count", len(ds.Doctors)).Info("seeding doctors")

	tx, err := pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	for _, d := range ds.Doctors {
		_, err := tx.Exec(ctx, `
			INSERT INTO doctors (id, name, specialty, created_at, updated_at)
			VALUES ($1, $2, $3, now(), now())
		`, d.ID, d.Name, d.Specialty)
		if err != nil {
			return err
		}
	}

	batch := &pgx.Batch{}
	for _, a := range ds.Availability {
		batch.Queue(`
			INSERT INTO doctor_availability (
				doctor_id, day_of_week, start_time, end_time, slot_duration_minutes,
				max_patients_per_slot, supports_in_person, supports_telemedicine, is_active
			) VALUES ($1, $2, $3::time, $4::time, $5, $6, $7, $8, $9)
		`, a.DoctorID, int(a.DayOfWeek), a.StartTime.String(), a.EndTime.String(), a.SlotDurationMinutes,
			a.MaxPatientsPerSlot, a.SupportsInPerson, a.SupportsTelemedicine, a.IsActive)
	}
	for _, b := range ds.Blocks {
		var start, end *string
		if b.StartTime != nil && b.EndTime != nil {
			s, e := b.StartTime.String(), b.EndTime.String()
			start, end = &s, &e
		}
		batch.Queue(`
			INSERT INTO doctor_blocks (doctor_id, block_date, start_time, end_time, reason)
			VALUES ($1, $2, $3::time, $4::time, $5)
		`, b.DoctorID, b.Date, start, end, b.Reason)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return err
	}

	log.WithFields(logrus.Fields{
		"availability": len(ds.Availability),
		"blocks":       len(ds.Blocks),
	}).Info("doctors seeded")
	return nil
}

func seedPatients(ctx context.Context, pool *pgxpool.Pool, ds seeddata.Dataset, log logrus.FieldLogger) error {
	count := len(ds.Patients)
	log.WithField("count", count).Info("seeding patients")

	for offset := 0; offset < count; offset += patientBatchSize {
		end := min(offset+patientBatchSize, count)

		tx, err := pool.Begin(ctx)
		if err != nil {
			return err
		}

		for _, p := range ds.Patients[offset:end] {
			_, err := tx.Exec(ctx, `
				INSERT INTO patients (id, name, email, phone, created_at, updated_at)
				VALUES ($1, $2, $3, $4, now(), now())
			`, p.ID, p.Name, p.Email, p.Phone)
			if err != nil {
				_ = tx.Rollback(ctx)
				return err
			}
		}

		if err := tx.Commit(ctx); err != nil {
			return err
		}

		log.Debugf("patients seeded: %d/%d", end, count)
	}

	log.Info("patients seeded")
	return nil
}

func getInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}
