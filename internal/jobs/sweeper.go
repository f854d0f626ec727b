// Package jobs runs the periodic storage hygiene tasks of the auth core.
package jobs

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fmtmentor/server/internal/auth"
	"github.com/fmtmentor/server/internal/metrics"
	"go.uber.org/zap"
)

// Job is one sweep task; it returns how many rows it affected
type Job struct {
	Name string
	Run  func(ctx context.Context) (int64, error)
}

// Sweeper runs its jobs on a fixed interval. A failing or panicking job is logged
// and retried on the next tick; it never stops the loop or the other jobs.
type Sweeper struct {
	jobs       []Job
	interval   time.Duration
	jobTimeout time.Duration
	log        *zap.Logger
	metrics    *metrics.Metrics
	wg         sync.WaitGroup
}

// NewSweeper creates a new sweeper
func NewSweeper(interval time.Duration, log *zap.Logger, m *metrics.Metrics, jobs ...Job) *Sweeper {
	return &Sweeper{
		jobs:       jobs,
		interval:   interval,
		jobTimeout: 5 * time.Minute,
		log:        log,
		metrics:    m,
	}
}

// AuthJobs returns the refresh-token purge, stale-device sweep and expired-OTP purge.
// OTP rows are kept for otpRetention after expiry.
func AuthJobs(tokens *auth.TokenService, devices *auth.DeviceRegistry, otps *auth.OtpEngine, otpRetention time.Duration) []Job {
	return []Job{
		{Name: "refresh_tokens", Run: tokens.CleanupExpired},
		{Name: "stale_devices", Run: func(ctx context.Context) (int64, error) {
			n, err := devices.SweepInactive(ctx)
			return int64(n), err
		}},
		{Name: "expired_otps", Run: func(ctx context.Context) (int64, error) {
			return otps.PurgeExpired(ctx, time.Now().Add(-otpRetention))
		}},
	}
}

// Start runs the jobs once immediately and then on every tick until ctx is done
func (s *Sweeper) Start(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		s.RunOnce(ctx)
		for {
			select {
			case <-ctx.Done():
				s.log.Info("sweeper stopped")
				return
			case <-ticker.C:
				s.RunOnce(ctx)
			}
		}
	}()
}

// Wait blocks until a started sweeper has exited
func (s *Sweeper) Wait() {
	s.wg.Wait()
}

// RunOnce executes every job in order
func (s *Sweeper) RunOnce(ctx context.Context) {
	for _, job := range s.jobs {
		if ctx.Err() != nil {
			return
		}
		s.run(ctx, job)
	}
}

func (s *Sweeper) run(ctx context.Context, job Job) {
	ctx, cancel := context.WithTimeout(ctx, s.jobTimeout)
	defer cancel()

	start := time.Now()
	n, err := s.safeRun(ctx, job)
	if err != nil {
		s.metrics.Sweep(job.Name, "error")
		s.log.Error("sweep job failed", zap.String("job", job.Name), zap.Error(err))
		return
	}
	s.metrics.Sweep(job.Name, "ok")
	s.log.Info("sweep job finished",
		zap.String("job", job.Name),
		zap.Int64("affected", n),
		zap.Duration("took", time.Since(start)),
	)
}

func (s *Sweeper) safeRun(ctx context.Context, job Job) (n int64, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return job.Run(ctx)
}
