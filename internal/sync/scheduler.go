package sync

import (
	"context"
	"errors"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"analytics-sync-service/internal/config"
	"analytics-sync-service/internal/logger"
)

// Scheduler fires run-schedules and drain on cron specs inside the process,
// for deployments without an external trigger.
type Scheduler struct {
	cfg            config.SchedulerConfig
	manager        *Manager
	cron           *cron.Cron
	schedulesEntry cron.EntryID
	drainEntry     cron.EntryID
}

func NewScheduler(cfg config.SchedulerConfig, manager *Manager) *Scheduler {
	return &Scheduler{
		cfg:     cfg,
		manager: manager,
		cron:    cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
	}
}

func (s *Scheduler) Start() error {
	if !s.cfg.Enabled {
		logger.Log.Info("Scheduler is disabled")
		return nil
	}

	logger.Log.Info("Starting scheduler",
		zap.String("schedules_spec", s.cfg.SchedulesSpec),
		zap.String("drain_spec", s.cfg.DrainSpec),
	)

	var err error
	if s.schedulesEntry, err = s.cron.AddFunc(s.cfg.SchedulesSpec, s.triggerSchedules); err != nil {
		return err
	}
	if s.drainEntry, err = s.cron.AddFunc(s.cfg.DrainSpec, s.triggerDrain); err != nil {
		s.cron.Remove(s.schedulesEntry)
		return err
	}

	s.cron.Start()
	return nil
}

// Stop waits for a running trigger to return.
func (s *Scheduler) Stop() {
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
	logger.Log.Info("Stopped scheduler")
}

func (s *Scheduler) triggerSchedules() {
	logger.Log.Debug("Triggering scheduled run-schedules")
	if _, err := s.manager.RunSchedules(context.Background()); err != nil {
		logger.Log.Error("Scheduled run-schedules failed", zap.Error(err))
	}
}

func (s *Scheduler) triggerDrain() {
	logger.Log.Debug("Triggering scheduled drain")
	_, err := s.manager.Drain(context.Background(), 0)
	if errors.Is(err, ErrDrainInProgress) {
		logger.Log.Info("Drain already running, skipping scheduled run")
		return
	}
	if err != nil {
		logger.Log.Error("Scheduled drain failed", zap.Error(err))
	}
}
