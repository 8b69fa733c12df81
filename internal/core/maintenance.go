package core

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Armer registers a one-shot OS wake-up, replacing any previously armed
// one. Implemented by internal/wakeup.
type Armer interface {
	Arm(ctx context.Context, at time.Time) error
}

// Maintenance keeps the OS wake-up in sync while the daemon is running.
// A launch agent can get lost (rebooted machine, unloaded agent), so an
// hourly job re-arms it from the store's minimum next_run.
type Maintenance struct {
	repo   Repository
	armer  Armer
	logger *slog.Logger
	cron   *cron.Cron
}

// NewMaintenance builds the maintenance runner.
func NewMaintenance(repo Repository, armer Armer, logger *slog.Logger, location *time.Location) *Maintenance {
	if location == nil {
		location = time.Local
	}
	return &Maintenance{
		repo:   repo,
		armer:  armer,
		logger: logger,
		cron:   cron.New(cron.WithLocation(location)),
	}
}

// Start schedules the hourly re-arm job and runs it once immediately.
func (m *Maintenance) Start(ctx context.Context) error {
	if _, err := m.cron.AddFunc("@hourly", func() { m.rearm(ctx) }); err != nil {
		return err
	}
	m.cron.Start()
	go m.rearm(ctx)
	return nil
}

// Stop stops the cron loop and returns a context that is done once running
// jobs have finished.
func (m *Maintenance) Stop() context.Context {
	return m.cron.Stop()
}

func (m *Maintenance) rearm(ctx context.Context) {
	tasks, err := m.repo.ListTasks(ctx)
	if err != nil {
		m.logger.Warn("rearm: list tasks", "err", err)
		return
	}
	next := minNextRun(tasks)
	if next == nil {
		m.logger.Debug("rearm: no tasks, nothing to arm")
		return
	}
	if err := m.armer.Arm(ctx, *next); err != nil {
		m.logger.Warn("rearm: arm wake-up", "at", *next, "err", err)
		return
	}
	m.logger.Debug("rearm: wake-up armed", "at", *next)
}
