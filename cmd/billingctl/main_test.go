package main

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"billingengine/internal/db"
	"billingengine/internal/scheduler"
	"billingengine/internal/types"
)

func TestRootCmd_Subcommands(t *testing.T) {
	root := NewRootCmd("test")

	var names []string
	for _, c := range root.Commands() {
		names = append(names, c.Name())
	}
	for _, want := range []string{"migrate", "run-task", "tasks", "state"} {
		assert.Contains(t, names, want)
	}
}

func TestRunTask_UnknownTaskFailsBeforeConnecting(t *testing.T) {
	// No DATABASE_URL: reaching config loading would fail with a different error.
	t.Setenv("DATABASE_URL", "")

	root := NewRootCmd("test")
	root.SetArgs([]string{"run-task", "--task", "defrag"})
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})

	err := root.Execute()
	require.Error(t, err)
	assert.ErrorIs(t, err, scheduler.ErrUnknownTask)
}

func TestRunTask_TaskFlagRequired(t *testing.T) {
	root := NewRootCmd("test")
	root.SetArgs([]string{"run-task"})
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})

	require.Error(t, root.Execute())
}

func TestParsePayload(t *testing.T) {
	p, err := parsePayload("sync_stripe", "")
	require.NoError(t, err)
	assert.Equal(t, scheduler.TaskSyncStripe, p.Task)
	assert.Nil(t, p.ReferenceTime)

	p, err = parsePayload("reset_credits", "2026-02-06T03:00:00Z")
	require.NoError(t, err)
	require.NotNil(t, p.ReferenceTime)
	assert.True(t, p.ReferenceTime.Equal(time.Date(2026, 2, 6, 3, 0, 0, 0, time.UTC)))

	_, err = parsePayload("reset_credits", "yesterday")
	assert.Error(t, err)
}

type stubHistory struct {
	runs map[string][]db.JobRun
	err  error
}

func (s stubHistory) Recent(_ context.Context, jobType string, _ int) ([]db.JobRun, error) {
	return s.runs[jobType], s.err
}

func TestPrintTasks(t *testing.T) {
	t.Run("names only", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, printTasks(context.Background(), &buf, nil, 0))
		for _, task := range scheduler.AllTasks {
			assert.Contains(t, buf.String(), string(task))
		}
	})

	t.Run("with history", func(t *testing.T) {
		started := time.Date(2026, 2, 6, 3, 0, 0, 0, time.UTC)
		finished := started.Add(1500 * time.Millisecond)
		msg := "stripe down"
		history := stubHistory{runs: map[string][]db.JobRun{
			string(scheduler.TaskSyncStripe): {
				{JobType: "sync_stripe", StartedAt: started, FinishedAt: &finished, Status: "failed", Items: 3, Error: &msg},
			},
		}}

		var buf bytes.Buffer
		require.NoError(t, printTasks(context.Background(), &buf, history, 5))
		out := buf.String()
		assert.Contains(t, out, "2026-02-06T03:00:00Z")
		assert.Contains(t, out, "1.5s")
		assert.Contains(t, out, "stripe down")
		assert.Contains(t, out, "(never run)")
	})

	t.Run("history error", func(t *testing.T) {
		err := printTasks(context.Background(), &bytes.Buffer{}, stubHistory{err: errors.New("db down")}, 5)
		assert.Error(t, err)
	})
}

type stubStates struct {
	view    *types.SubscriptionState
	viewErr error
	base    *types.SubscriptionState
	baseHit bool
}

func (s *stubStates) GetFromView(context.Context, string) (*types.SubscriptionState, error) {
	return s.view, s.viewErr
}

func (s *stubStates) GetFromBaseTables(context.Context, string) (*types.SubscriptionState, error) {
	s.baseHit = true
	return s.base, nil
}

func TestPrintState(t *testing.T) {
	t.Run("view", func(t *testing.T) {
		states := &stubStates{view: &types.SubscriptionState{IdentityID: "usr_1", PlanType: types.PlanStarter}}
		var buf bytes.Buffer
		require.NoError(t, printState(context.Background(), &buf, states, "usr_1"))
		assert.Contains(t, buf.String(), `"usr_1"`)
		assert.False(t, states.baseHit)
	})

	t.Run("view failure falls back", func(t *testing.T) {
		states := &stubStates{
			viewErr: types.NewAppError(types.ErrCodeInternalDB, "view broken", nil),
			base:    &types.SubscriptionState{IdentityID: "usr_1", PlanType: types.PlanFree},
		}
		var buf bytes.Buffer
		require.NoError(t, printState(context.Background(), &buf, states, "usr_1"))
		assert.True(t, states.baseHit)
	})

	t.Run("unknown identity is not initialized", func(t *testing.T) {
		states := &stubStates{viewErr: types.NewAppError(types.ErrCodeNotFoundIdentity, "not found", nil)}
		err := printState(context.Background(), &bytes.Buffer{}, states, "usr_x")
		require.Error(t, err)
		assert.True(t, types.HasCode(err, types.ErrCodeNotFoundIdentity))
		assert.False(t, states.baseHit)
	})
}

func TestWriteJSON_Indented(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeJSON(&buf, map[string]int{"a": 1}))
	assert.True(t, strings.HasPrefix(buf.String(), "{\n  \"a\": 1"))
}
