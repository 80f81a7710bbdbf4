package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// Names of the maintenance jobs
const (
	SeatLockReaperJobName = "seat-lock-reaper"
	BookingReaperJobName  = "booking-reaper"
)

// CronJob is one scheduled maintenance task. Run returns how many rows it touched.
type CronJob struct {
	Name    string
	Spec    string // standard cron spec or descriptor such as "@every 1m"
	Timeout time.Duration
	Run     func(ctx context.Context) (int, error)
}

// CronService manages scheduled background jobs
type CronService struct {
	cron   *cron.Cron
	jobs   []CronJob
	ids    map[string]cron.EntryID
	logger *logrus.Logger

	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
}

// NewCronService creates a new CronService. A job still running when its
// next tick fires is skipped for that tick.
func NewCronService(logger *logrus.Logger, jobs ...CronJob) *CronService {
	c := cron.New(cron.WithChain(
		cron.Recover(cron.PrintfLogger(logger)),
		cron.SkipIfStillRunning(cron.PrintfLogger(logger)),
	))
	ctx, cancel := context.WithCancel(context.Background())

	return &CronService{
		cron:   c,
		jobs:   jobs,
		ids:    make(map[string]cron.EntryID, len(jobs)),
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start schedules all jobs and starts the scheduler
func (s *CronService) Start() error {
	s.logger.Info("Starting cron service...")

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, job := range s.jobs {
		job := job
		id, err := s.cron.AddFunc(job.Spec, func() { s.runJob(job) })
		if err != nil {
			return fmt.Errorf("failed to schedule %s job: %w", job.Name, err)
		}
		s.ids[job.Name] = id
		s.logger.WithFields(logrus.Fields{
			"job":  job.Name,
			"spec": job.Spec,
		}).Info("Scheduled cron job")
	}

	s.cron.Start()
	s.logger.Info("Cron service started")
	return nil
}

// Stop stops the scheduler, cancels running jobs and waits for them to return
func (s *CronService) Stop() {
	s.logger.Info("Stopping cron service...")
	s.cancel()
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.logger.Info("Cron service stopped")
}

func (s *CronService) runJob(job CronJob) {
	ctx := s.ctx
	if job.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, job.Timeout)
		defer cancel()
	}

	startTime := time.Now()
	affected, err := job.Run(ctx)
	log := s.logger.WithFields(logrus.Fields{
		"job":      job.Name,
		"duration": time.Since(startTime).String(),
	})
	if err != nil {
		log.WithError(err).Error("Cron job failed")
		return
	}
	if affected > 0 {
		log.WithField("affected", affected).Info("Cron job finished")
		return
	}
	log.Debug("Cron job finished")
}

// RunNow runs a scheduled job immediately, outside the scheduler
func (s *CronService) RunNow(name string) error {
	for _, job := range s.jobs {
		if job.Name == name {
			s.logger.WithField("job", name).Info("Running cron job manually")
			s.runJob(job)
			return nil
		}
	}
	return fmt.Errorf("unknown cron job %q", name)
}

// GetJobStatus returns the status of scheduled jobs
func (s *CronService) GetJobStatus() map[string]interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()

	jobs := make([]map[string]interface{}, 0, len(s.ids))
	for name, id := range s.ids {
		entry := s.cron.Entry(id)
		jobs = append(jobs, map[string]interface{}{
			"name":     name,
			"next_run": entry.Next,
			"prev_run": entry.Prev,
		})
	}

	return map[string]interface{}{
		"running":   len(s.ids) > 0,
		"job_count": len(s.ids),
		"jobs":      jobs,
	}
}

// ============================================================================
// REAPERS
// ============================================================================

// SeatLockReaperJob expires HELD seat locks past their deadline
func SeatLockReaperJob(locks *SeatLockService, spec string) CronJob {
	return CronJob{
		Name:    SeatLockReaperJobName,
		Spec:    spec,
		Timeout: 30 * time.Second,
		Run: func(ctx context.Context) (int, error) {
			n, err := locks.ExpireStaleLocks(ctx)
			return int(n), err
		},
	}
}

// BookingReaperJob expires overdue drafts and unpaid bookings in batches
func BookingReaperJob(orchestrator *BookingOrchestratorService, spec string, batchSize int) CronJob {
	return CronJob{
		Name:    BookingReaperJobName,
		Spec:    spec,
		Timeout: 50 * time.Second,
		Run: func(ctx context.Context) (int, error) {
			return orchestrator.ExpireOverdue(ctx, batchSize)
		},
	}
}
