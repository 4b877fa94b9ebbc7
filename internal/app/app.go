// Package app assembles the scheduling core from configuration. Both the
// api-server and the clinic-worker start from the same Backend.
package app

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/hackgods/clinic-queue/internal/appointment"
	"github.com/hackgods/clinic-queue/internal/broadcast"
	"github.com/hackgods/clinic-queue/internal/clock"
	"github.com/hackgods/clinic-queue/internal/config"
	"github.com/hackgods/clinic-queue/internal/db"
	"github.com/hackgods/clinic-queue/internal/events"
	"github.com/hackgods/clinic-queue/internal/lock"
	"github.com/hackgods/clinic-queue/internal/queue"
	redisclient "github.com/hackgods/clinic-queue/internal/redis"
	"github.com/hackgods/clinic-queue/internal/seeddata"
)

const (
	memorySeedDoctors  = 5
	memorySeedPatients = 50
)

type Backend struct {
	Appointments *appointment.Service
	Queues       *queue.Manager
	Hub          *broadcast.Hub
	Clock        clock.Clock
	PgPool       *pgxpool.Pool
	Redis        *redis.Client
	// Relay is set when redis is configured; the caller runs it.
	Relay *redisclient.Relay
}

// Build connects the configured stores and wires the services. Close must be
// called once the backend is no longer used.
func Build(ctx context.Context, cfg config.Config, log logrus.FieldLogger) (*Backend, error) {
	b := &Backend{
		Hub:   broadcast.NewHub(),
		Clock: clock.NewMonotonic(cfg.ClinicTimezone),
	}
	fanout := events.NewFanout(b.Hub)

	var (
		repo  appointment.Repository
		store queue.Store
	)
	switch cfg.StoreBackend {
	case config.StoreBackendPostgres:
		if cfg.MigrateOnStart {
			if err := db.Migrate(cfg.PostgresDSN, log); err != nil {
				return nil, err
			}
		}

		pgCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		pool, err := db.ConnectPostgres(pgCtx, cfg.PostgresDSN, db.PoolOptions{}, log)
		cancel()
		if err != nil {
			return nil, fmt.Errorf("postgres connection: %w", err)
		}
		b.PgPool = pool

		repo = appointment.NewPgRepository(pool)
		store = queue.NewPgStore(pool)
		fanout.Add(events.NewPgLog(pool))

	case config.StoreBackendMemory:
		mem := appointment.NewMemoryRepository()
		ds := seeddata.Generate(seeddata.Options{
			Doctors:  memorySeedDoctors,
			Patients: memorySeedPatients,
			From:     clock.Today(b.Clock),
		})
		if err := ds.LoadInto(mem); err != nil {
			return nil, fmt.Errorf("seed memory store: %w", err)
		}
		for _, d := range ds.Doctors {
			log.WithFields(logrus.Fields{"doctor_id": d.ID, "name": d.Name}).Info("seeded doctor")
		}
		log.WithField("patients", len(ds.Patients)).Info("memory store seeded")

		repo = mem
		store = queue.NewMemoryStore()
	}

	if cfg.RedisEnabled() {
		rdb, err := redisclient.NewRedisClient(ctx, cfg.RedisAddr, cfg.RedisUsername, cfg.RedisPassword)
		if err != nil {
			b.Close()
			return nil, fmt.Errorf("redis connection: %w", err)
		}
		b.Redis = rdb
		log.WithField("addr", cfg.RedisAddr).Info("connected to Redis")

		b.Relay = redisclient.NewRelay(rdb, cfg.EventsChannel, origin(), b.Hub, log)
		fanout.Add(b.Relay)
		fanout.Add(redisclient.NewNotificationOutbox(rdb, cfg.NotifyStream))
	}

	var locker lock.Locker = lock.NewKeyedMutex(cfg.LockWait)
	if cfg.LockBackend == config.LockBackendRedis {
		locker = redisclient.NewRedisKeyLocker(b.Redis, cfg.LockTTL, cfg.LockWait)
	}

	b.Appointments = appointment.NewService(repo, locker, b.Clock, fanout, log, appointment.Options{
		AutoConfirm: cfg.AutoConfirm,
	})
	b.Queues = queue.NewManager(store, b.Appointments, locker, b.Clock, fanout, log)
	return b, nil
}

func (b *Backend) Close() {
	if b.Redis != nil {
		_ = b.Redis.Close()
	}
	if b.PgPool != nil {
		b.PgPool.Close()
	}
}

// origin tags relayed events so an instance can skip its own messages.
func origin() string {
	host, err := os.Hostname()
	if err != nil {
		host = "instance"
	}
	return host + "-" + uuid.NewString()[:8]
}
