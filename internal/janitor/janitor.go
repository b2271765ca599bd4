package janitor

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

const DefaultSchedule = "@every 10m"

// Sweeper removes stale files from the artifact directory.
type Sweeper interface {
	Sweep(maxAge time.Duration, inUse func(path string) bool) (int, error)
}

// Owner reports whether a live job still holds path.
type Owner interface {
	Owns(path string) bool
}

// Pruner forgets terminal jobs from the status board.
type Pruner interface {
	Prune(olderThan time.Duration) int
}

type Report struct {
	Artifacts int
	Jobs      int
}

// Janitor periodically removes artifacts abandoned by failed or interrupted
// jobs and drops old terminal statuses.
type Janitor struct {
	runner    *cron.Cron
	artifacts Sweeper
	board     Pruner
	owner     Owner
	ttl       time.Duration
	logger    *zap.Logger
}

// New builds a janitor. Files owned by a live job according to owner are
// never swept, however old they are.
func New(schedule string, ttl time.Duration, artifacts Sweeper, board Pruner, owner Owner, logger *zap.Logger) (*Janitor, error) {
	if ttl <= 0 {
		return nil, fmt.Errorf("janitor ttl must be positive, got %s", ttl)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	j := &Janitor{
		runner:    cron.New(),
		artifacts: artifacts,
		board:     board,
		owner:     owner,
		ttl:       ttl,
		logger:    logger,
	}

	if _, err := j.runner.AddFunc(schedule, func() { j.RunOnce() }); err != nil {
		return nil, fmt.Errorf("invalid janitor schedule %q: %w", schedule, err)
	}
	return j, nil
}

// Start runs the schedule until ctx is cancelled.
func (j *Janitor) Start(ctx context.Context) {
	j.runner.Start()
	j.logger.Info("janitor started", zap.Duration("ttl", j.ttl))

	go func() {
		<-ctx.Done()
		<-j.runner.Stop().Done()
		j.logger.Info("janitor stopped")
	}()
}

func (j *Janitor) inUse(path string) bool {
	return j.owner != nil && j.owner.Owns(path)
}

// RunOnce performs a single sweep.
func (j *Janitor) RunOnce() Report {
	var report Report

	if j.artifacts != nil {
		removed, err := j.artifacts.Sweep(j.ttl, j.inUse)
		if err != nil {
			j.logger.Warn("artifact sweep failed", zap.Error(err))
		}
		report.Artifacts = removed
	}
	if j.board != nil {
		report.Jobs = j.board.Prune(j.ttl)
	}

	if report.Artifacts > 0 || report.Jobs > 0 {
		j.logger.Info("janitor sweep", zap.Int("artifacts_removed", report.Artifacts), zap.Int("jobs_pruned", report.Jobs))
	} else {
		j.logger.Debug("janitor sweep found nothing to remove")
	}
	return report
}
