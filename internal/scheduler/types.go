// Package scheduler implements the periodic maintenance tasks of the billing
// engine and the multiplexer that runs them.
//
// The same Runner serves the maintenance Lambda (EventBridge payloads), the
// in-process cron of the API and the operator CLI.
package scheduler

import (
	"context"
	"time"
)

// TaskType identifies a maintenance task.
type TaskType string

const (
	TaskResetCredits       TaskType = "reset_credits"
	TaskSyncStripe         TaskType = "sync_stripe"
	TaskPurgeWebhookEvents TaskType = "purge_webhook_events"
)

// AllTasks lists every task in a stable order.
var AllTasks = []TaskType{TaskResetCredits, TaskSyncStripe, TaskPurgeWebhookEvents}

// Valid reports whether t names a known task.
func (t TaskType) Valid() bool {
	switch t {
	case TaskResetCredits, TaskSyncStripe, TaskPurgeWebhookEvents:
		return true
	}
	return false
}

// MaintenancePayload is the JSON event that triggers one task run.
//
//	{
//	  "task": "reset_credits",
//	  "reference_time": "2026-02-06T03:00:00Z"  // optional
//	}
type MaintenancePayload struct {
	Task TaskType `json:"task"`
	// ReferenceTime replaces "now" for manual runs and backfills.
	ReferenceTime *time.Time `json:"reference_time,omitempty"`
}

// Task runs one maintenance job at the reference time and reports how many
// items it handled.
type Task interface {
	Run(ctx context.Context, now time.Time) (int, error)
}

// TaskFunc adapts a function to Task.
type TaskFunc func(ctx context.Context, now time.Time) (int, error)

// Run calls f.
func (f TaskFunc) Run(ctx context.Context, now time.Time) (int, error) {
	return f(ctx, now)
}
