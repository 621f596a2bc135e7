package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Handler runs one maintenance payload. Implemented by Runner.
type Handler interface {
	Handle(ctx context.Context, payload MaintenancePayload) (string, error)
}

// Cron runs maintenance tasks in-process on a schedule. Overlapping runs of
// the same task are skipped; the job lock still guards against other
// instances.
type Cron struct {
	cron    *cron.Cron
	handler Handler
	timeout time.Duration
	logger  *slog.Logger
}

// NewCron creates a Cron. timeout bounds each run; zero means one hour.
func NewCron(handler Handler, timeout time.Duration, logger *slog.Logger) *Cron {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = time.Hour
	}
	cl := cronLogger{logger: logger}
	return &Cron{
		cron: cron.New(
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		handler: handler,
		timeout: timeout,
		logger:  logger,
	}
}

// Schedule registers task on a standard cron spec or a descriptor such as
// "@hourly" or "@every 15m". An empty spec leaves the task unscheduled.
func (c *Cron) Schedule(spec string, task TaskType) error {
	if spec == "" {
		return nil
	}
	_, err := c.cron.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
		defer cancel()
		if _, err := c.handler.Handle(ctx, MaintenancePayload{Task: task}); err != nil {
			c.logger.Error("scheduled maintenance task failed", "task", string(task), "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("scheduling %s with %q: %w", task, spec, err)
	}
	c.logger.Info("maintenance task scheduled", "task", string(task), "spec", spec)
	return nil
}

// Start begins running scheduled tasks in the background.
func (c *Cron) Start() {
	c.cron.Start()
}

// Stop stops the scheduler and waits for running tasks until ctx is done.
func (c *Cron) Stop(ctx context.Context) error {
	done := c.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
