// Package scheduler runs periodic housekeeping on a cron.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// slogLogger adapts slog to cron.Logger.
type slogLogger struct{}

func (slogLogger) Info(msg string, kv ...interface{}) {
	slog.Debug("cron: "+msg, kv...)
}

func (slogLogger) Error(err error, msg string, kv ...interface{}) {
	slog.Error("cron: "+msg, append(kv, "error", err)...)
}

type Scheduler struct {
	cron *cron.Cron
	ctx  context.Context
	stop context.CancelFunc
}

func New() *Scheduler {
	l := slogLogger{}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron: cron.New(
			cron.WithSeconds(),
			cron.WithLogger(l),
			cron.WithChain(cron.Recover(l), cron.SkipIfStillRunning(l)),
		),
		ctx:  ctx,
		stop: cancel,
	}
}

// Add registers fn under a cron spec; descriptors such as "@every 10m" work.
func (s *Scheduler) Add(name, spec string, fn func(ctx context.Context)) error {
	_, err := s.cron.AddFunc(spec, func() {
		start := time.Now()
		fn(s.ctx)
		slog.Debug("scheduled job finished", "job", name, "duration", time.Since(start))
	})
	if err != nil {
		return fmt.Errorf("schedule %s (%q): %w", name, spec, err)
	}
	slog.Info("scheduled job registered", "job", name, "spec", spec)
	return nil
}

func (s *Scheduler) Len() int { return len(s.cron.Entries()) }

// Run starts the cron and blocks until ctx is done, then waits up to
// timeout for running jobs.
func (s *Scheduler) Run(ctx context.Context, timeout time.Duration) error {
	s.cron.Start()
	slog.Info("scheduler started", "jobs", s.Len())
	<-ctx.Done()
	s.stop()
	select {
	case <-s.cron.Stop().Done():
	case <-time.After(timeout):
		slog.Warn("scheduled jobs still running at shutdown, abandoning")
	}
	return nil
}

type RemediationHousekeeper interface {
	Prune() int
	RefreshJobs(ctx context.Context)
}

type ChaosHousekeeper interface {
	PruneCooldowns() int
}

// Housekeeping wires the periodic maintenance jobs.
type Housekeeping struct {
	PruneSchedule      string
	JobRefreshSchedule string
	Remediation        RemediationHousekeeper
	Chaos              ChaosHousekeeper
}

func (s *Scheduler) AddHousekeeping(h Housekeeping) error {
	if h.PruneSchedule != "" {
		err := s.Add("prune", h.PruneSchedule, func(context.Context) {
			var gate, cooldowns int
			if h.Remediation != nil {
				gate = h.Remediation.Prune()
			}
			if h.Chaos != nil {
				cooldowns = h.Chaos.PruneCooldowns()
			}
			if gate+cooldowns > 0 {
				slog.Info("pruned stale cooldown entries", "remediation", gate, "chaos", cooldowns)
			}
		})
		if err != nil {
			return err
		}
	}
	if h.JobRefreshSchedule != "" && h.Remediation != nil {
		return s.Add("job-refresh", h.JobRefreshSchedule, func(ctx context.Context) {
			h.Remediation.RefreshJobs(ctx)
		})
	}
	return nil
}
