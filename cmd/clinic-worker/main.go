package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/hackgods/clinic-queue/internal/app"
	"github.com/hackgods/clinic-queue/internal/clock"
	"github.com/hackgods/clinic-queue/internal/config"
	"github.com/hackgods/clinic-queue/internal/logging"
)

const runTimeout = 2 * time.Minute

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.Fatalf("config load error: %v", err)
	}

	log := logging.New(cfg.Env, cfg.LogLevel, "clinic-worker")
	log.WithFields(logrus.Fields{
		"env":           cfg.Env,
		"missed_sweep":  cfg.MissedSweepCron,
		"activate_days": cfg.ActivateCron,
	}).Info("clinic-worker starting up")

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	backend, err := app.Build(rootCtx, cfg, log)
	if err != nil {
		log.WithError(err).Fatal("startup failed")
	}
	defer backend.Close()

	sweep := func() {
		ctx, cancel := context.WithTimeout(rootCtx, runTimeout)
		defer cancel()

		start := time.Now()
		n, err := backend.Appointments.SweepMissed(ctx)
		if err != nil {
			log.WithError(err).Error("missed sweep failed")
			return
		}
		log.WithFields(logrus.Fields{"marked": n, "took": time.Since(start)}).Info("missed sweep complete")
	}

	activate := func() {
		ctx, cancel := context.WithTimeout(rootCtx, runTimeout)
		defer cancel()

		today := clock.Today(backend.Clock)
		n, err := backend.Queues.ActivateDay(ctx, today)
		if err != nil {
			log.WithError(err).Error("queue activation failed")
			return
		}
		log.WithFields(logrus.Fields{"date": clock.FormatDate(today), "enqueued": n}).Info("queue activation complete")
	}

	c := cron.New(cron.WithLocation(cfg.ClinicTimezone), cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := c.AddFunc(cfg.MissedSweepCron, sweep); err != nil {
		log.WithError(err).Fatal("invalid MISSED_SWEEP_CRON")
	}
	if _, err := c.AddFunc(cfg.ActivateCron, activate); err != nil {
		log.WithError(err).Fatal("invalid ACTIVATE_CRON")
	}

	// Run once at startup
	sweep()
	activate()

	c.Start()
	<-rootCtx.Done()

	log.Info("shutdown signal received, stopping clinic-worker")
	<-c.Stop().Done()
}
