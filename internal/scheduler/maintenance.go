package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"billingengine/internal/types"
)

// DefaultLockTTL covers one run of the slowest task with margin.
const DefaultLockTTL = 15 * time.Minute

// Job history statuses.
const (
	StatusSuccess = "success"
	StatusFailed  = "failed"
)

// ErrUnknownTask is returned for a payload naming no registered task.
var ErrUnknownTask = errors.New("unknown maintenance task")

// JobLocker takes a time-bounded lock. Implemented by db.JobLockRepository.
type JobLocker interface {
	Acquire(ctx context.Context, lockID string, workerID string, ttl time.Duration) (bool, error)
}

// JobHistorian records task runs. Implemented by db.JobHistoryRepository.
type JobHistorian interface {
	Start(ctx context.Context, jobType string) (int64, error)
	Finish(ctx context.Context, id int64, status string, items int, err error) error
}

// TaskMetrics receives the outcome of every run that held the lock.
type TaskMetrics interface {
	RecordTask(ctx context.Context, task TaskType, items int, err error)
}

// RunnerConfig identifies the worker and sizes the lock window.
type RunnerConfig struct {
	WorkerID string
	// LockTTL is both the lock lifetime and the window a lock id covers, so
	// one task runs at most once per window across all workers.
	LockTTL time.Duration
}

// Runner is the maintenance multiplexer: it routes a payload to its task
// under a distributed lock and records the run.
type Runner struct {
	tasks   map[TaskType]Task
	lock    JobLocker
	history JobHistorian
	metrics TaskMetrics
	clock   types.Clock
	cfg     RunnerConfig
	logger  *slog.Logger
}

// NewRunner creates a Runner. lock, history and metrics may be nil; without a
// lock every call runs.
func NewRunner(tasks map[TaskType]Task, lock JobLocker, history JobHistorian, metrics TaskMetrics, clock types.Clock, cfg RunnerConfig, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	if clock == nil {
		clock = types.RealClock{}
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = DefaultLockTTL
	}
	if cfg.WorkerID == "" {
		cfg.WorkerID = "local"
	}
	return &Runner{
		tasks:   tasks,
		lock:    lock,
		history: history,
		metrics: metrics,
		clock:   clock,
		cfg:     cfg,
		logger:  logger,
	}
}

// Tasks returns the registered task names, sorted.
func (r *Runner) Tasks() []TaskType {
	out := make([]TaskType, 0, len(r.tasks))
	for t := range r.tasks {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Handle runs the task named by payload:
//  1. Resolve the reference time.
//  2. Acquire the lock "task:window-start"; a held lock skips the run.
//  3. Record the start in job history.
//  4. Run the task.
//  5. Record the outcome in job history and metrics.
//
// History failures are logged and never fail the run.
func (r *Runner) Handle(ctx context.Context, payload MaintenancePayload) (string, error) {
	task, ok := r.tasks[payload.Task]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownTask, payload.Task)
	}

	now := r.clock.Now().UTC()
	if payload.ReferenceTime != nil {
		now = payload.ReferenceTime.UTC()
	}
	logger := r.logger.With("task", string(payload.Task), "worker_id", r.cfg.WorkerID)

	if r.lock != nil {
		lockID := fmt.Sprintf("%s:%s", payload.Task, now.Truncate(r.cfg.LockTTL).Format(time.RFC3339))
		acquired, err := r.lock.Acquire(ctx, lockID, r.cfg.WorkerID, r.cfg.LockTTL)
		if err != nil {
			return "", fmt.Errorf("acquiring job lock %s: %w", lockID, err)
		}
		if !acquired {
			logger.InfoContext(ctx, "job lock held by another worker, skipping", "lock_id", lockID)
			return fmt.Sprintf("skipped: lock %s held by another worker", lockID), nil
		}
	}

	var jobID int64
	if r.history != nil {
		id, err := r.history.Start(ctx, string(payload.Task))
		if err != nil {
			logger.ErrorContext(ctx, "failed to start job history", "error", err)
		} else {
			jobID = id
		}
	}

	started := r.clock.Now()
	items, runErr := task.Run(ctx, now)

	if jobID != 0 {
		status := StatusSuccess
		if runErr != nil {
			status = StatusFailed
		}
		// The run's context may be exhausted by now.
		hctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		if err := r.history.Finish(hctx, jobID, status, items, runErr); err != nil {
			logger.ErrorContext(ctx, "failed to finish job history", "job_id", jobID, "error", err)
		}
		cancel()
	}
	if r.metrics != nil {
		r.metrics.RecordTask(ctx, payload.Task, items, runErr)
	}

	if runErr != nil {
		logger.ErrorContext(ctx, "maintenance task failed", "items", items, "error", runErr)
		return "", fmt.Errorf("task %s failed: %w", payload.Task, runErr)
	}

	logger.InfoContext(ctx, "maintenance task complete",
		"items", items,
		"reference_time", now.Format(time.RFC3339),
		"duration", r.clock.Now().Sub(started),
	)
	return fmt.Sprintf("task %s complete: %d items processed", payload.Task, items), nil
}
