// Package retention purges tracking events and expired consents past their
// retention window. Audit entries are never purged.
package retention

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/onnwee/autocash/internal/audit"
	"github.com/onnwee/autocash/internal/jobs"
	"github.com/onnwee/autocash/internal/killswitch"
	"github.com/onnwee/autocash/internal/store"
	"github.com/onnwee/autocash/internal/tracing"
)

// Defaults.
const (
	DefaultInterval      = 24 * time.Hour
	DefaultTimeout       = 5 * time.Minute
	DefaultRetentionDays = 365
	MinRetentionDays     = 30
)

// ErrPaused is returned by Sweep while the kill switch is active.
var ErrPaused = errors.New("retention sweep paused by kill switch")

// JobMetrics reports to the centralized background job metrics.
type JobMetrics interface {
	IncJobsTotal(jobType, status string)
	ObserveJobDuration(jobType string, seconds float64)
	IncJobErrors(jobType, errorType string)
	IncJobsSkipped(jobType, reason string)
}

// Config configures the sweep.
type Config struct {
	Store         store.Store
	KillSwitch    killswitch.Switch // optional
	RetentionDays int
	Interval      time.Duration
	Timeout       time.Duration
	JobMetrics    JobMetrics // optional
	Logger        *slog.Logger
	Now           func() time.Time
}

// Result reports what one sweep removed.
type Result struct {
	Cutoff          time.Time `json:"cutoff"`
	EventsDeleted   int64     `json:"tracking_events_deleted"`
	ConsentsExpired int64     `json:"consents_deleted"`
}

// Job runs Sweep on a ticker.
type Job struct {
	config Config

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewJob creates a retention job.
func NewJob(config Config) *Job {
	if config.Interval <= 0 {
		config.Interval = DefaultInterval
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultTimeout
	}
	if config.RetentionDays <= 0 {
		config.RetentionDays = DefaultRetentionDays
	}
	if config.RetentionDays < MinRetentionDays {
		config.RetentionDays = MinRetentionDays
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	return &Job{config: config}
}

// Start begins the periodic sweep and returns immediately.
func (j *Job) Start(ctx context.Context) error {
	j.mu.Lock()
	if j.running {
		j.mu.Unlock()
		return nil
	}
	j.running = true
	j.stopCh = make(chan struct{})
	j.doneCh = make(chan struct{})
	j.mu.Unlock()

	go j.run(ctx)
	return nil
}

// Stop signals the job to stop and waits for it to finish.
func (j *Job) Stop() {
	j.mu.Lock()
	if !j.running {
		j.mu.Unlock()
		return
	}
	stopCh := j.stopCh
	doneCh := j.doneCh
	j.mu.Unlock()

	close(stopCh)
	<-doneCh

	j.mu.Lock()
	j.running = false
	j.mu.Unlock()
}

// IsRunning returns whether the job is currently running.
func (j *Job) IsRunning() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.running
}

func (j *Job) run(ctx context.Context) {
	defer close(j.doneCh)

	ticker := time.NewTicker(j.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			j.config.Logger.Info("retention job stopping due to context cancellation")
			return
		case <-j.stopCh:
			j.config.Logger.Info("retention job stopping due to stop signal")
			return
		case <-ticker.C:
			sweepCtx, cancel := context.WithTimeout(ctx, j.config.Timeout)
			_, err := j.Sweep(sweepCtx)
			cancel()
			if err != nil && !errors.Is(err, ErrPaused) {
				j.config.Logger.Error("retention sweep failed", "error", err)
			}
		}
	}
}

// Sweep deletes tracking events older than the retention window and consents
// whose expiry has passed, and appends a retention_purge audit entry, all in
// one transaction.
func (j *Job) Sweep(ctx context.Context) (_ *Result, err error) {
	ctx, endSpan := tracing.StartSpan(ctx, "retention.sweep")
	defer func() { endSpan(err) }()

	if j.paused(ctx) {
		j.config.Logger.Info("retention sweep skipped, kill switch active")
		if j.config.JobMetrics != nil {
			j.config.JobMetrics.IncJobsSkipped(jobs.JobTypeRetentionSweep, "paused")
		}
		return nil, ErrPaused
	}

	start := time.Now()
	now := j.config.Now().UTC()
	res := &Result{Cutoff: now.AddDate(0, 0, -j.config.RetentionDays)}

	err = j.config.Store.WithTx(ctx, func(tx store.Tx) error {
		var err error
		if res.EventsDeleted, err = tx.Events().DeleteOlderThan(ctx, res.Cutoff); err != nil {
			return err
		}
		if res.ConsentsExpired, err = tx.Consents().DeleteExpired(ctx, now); err != nil {
			return err
		}
		_, err = tx.Audit().Append(ctx, audit.Entry{
			Action: audit.ActionRetentionPurge,
			Details: map[string]any{
				"retention_days":          j.config.RetentionDays,
				"cutoff":                  res.Cutoff.Format(time.RFC3339),
				"tracking_events_deleted": res.EventsDeleted,
				"consents_deleted":        res.ConsentsExpired,
			},
		})
		return err
	})

	duration := time.Since(start).Seconds()
	if j.config.JobMetrics != nil {
		j.config.JobMetrics.ObserveJobDuration(jobs.JobTypeRetentionSweep, duration)
	}
	if err != nil {
		if j.config.JobMetrics != nil {
			errType := "database_error"
			if errors.Is(err, context.DeadlineExceeded) {
				errType = "timeout"
			}
			j.config.JobMetrics.IncJobErrors(jobs.JobTypeRetentionSweep, errType)
			j.config.JobMetrics.IncJobsTotal(jobs.JobTypeRetentionSweep, jobs.StatusFailure)
		}
		return nil, err
	}
	if j.config.JobMetrics != nil {
		j.config.JobMetrics.IncJobsTotal(jobs.JobTypeRetentionSweep, jobs.StatusSuccess)
	}

	j.config.Logger.Info("retention sweep completed",
		"duration_seconds", duration,
		"cutoff", res.Cutoff,
		"tracking_events_deleted", res.EventsDeleted,
		"consents_deleted", res.ConsentsExpired,
	)
	return res, nil
}

// paused reports whether the kill switch is active. A switch that cannot be
// read counts as active so that the sweep never deletes blind.
func (j *Job) paused(ctx context.Context) bool {
	if j.config.KillSwitch == nil {
		return false
	}
	s, err := j.config.KillSwitch.State(ctx)
	if err != nil {
		j.config.Logger.Warn("kill switch unreadable, skipping sweep", "error", err)
		return true
	}
	return s.Active
}
