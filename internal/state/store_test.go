package state

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/foreman/internal/model"
)

func openTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestNewSQLiteStore_FileBackend(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "foreman.db")
	ctx := context.Background()

	store, err := NewSQLiteStore(DefaultOptions(path))
	require.NoError(t, err)
	require.NoError(t, store.SaveAgent(ctx, &model.Agent{ID: "a1", Status: model.AgentOnline}))
	require.NoError(t, store.Close())

	// Reopen and verify
	store2, err := NewSQLiteStore(DefaultOptions(path))
	require.NoError(t, err)
	defer store2.Close()

	agent, err := store2.GetAgent(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, model.AgentOnline, agent.Status)
}

func TestCommandRecords(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	for i, id := range []string{"c1", "c2", "c3"} {
		cmd := &model.Command{
			ID:        id,
			Type:      model.CommandNatural,
			Prompt:    "echo " + id,
			Status:    model.StatusQueued,
			UserID:    "u1",
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}
		require.NoError(t, store.SaveCommand(ctx, cmd))
	}

	cmd, err := store.GetCommand(ctx, "c2")
	require.NoError(t, err)
	cmd.Status = model.StatusCompleted
	require.NoError(t, store.SaveCommand(ctx, cmd))

	got, err := store.GetCommand(ctx, "c2")
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, got.Status)
	assert.Equal(t, "echo c2", got.Prompt)

	queued, err := store.ListCommands(ctx, CommandFilter{Statuses: []model.CommandStatus{model.StatusQueued}})
	require.NoError(t, err)
	require.Len(t, queued, 2)
	assert.Equal(t, "c3", queued[0].ID, "newest first")

	limited, err := store.ListCommands(ctx, CommandFilter{UserID: "u1", Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	_, err = store.GetCommand(ctx, "missing")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestJobRecords(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	now := time.Now()

	waiting := &model.Job{ID: "j1", CommandID: "c1", State: model.JobWaiting}
	done := &model.Job{ID: "j2", CommandID: "c2", State: model.JobCompleted, FinishedAt: now.Add(-2 * time.Hour)}
	recent := &model.Job{ID: "j3", CommandID: "c3", State: model.JobFailed, FinishedAt: now}
	for _, j := range []*model.Job{waiting, done, recent} {
		require.NoError(t, store.SaveJob(ctx, j))
	}

	pending, err := store.ListJobs(ctx, model.JobWaiting, model.JobDelayed, model.JobActive)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "j1", pending[0].ID)

	n, err := store.PruneJobs(ctx, now.Add(-time.Hour))
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	all, err := store.ListJobs(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	job, err := store.GetJob(ctx, "j3")
	require.NoError(t, err)
	assert.Equal(t, model.JobFailed, job.State)
}

func TestAgentRecords(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.SaveAgent(ctx, &model.Agent{ID: "b", Type: model.AgentCodex, Status: model.AgentOnline}))
	require.NoError(t, store.SaveAgent(ctx, &model.Agent{ID: "a", Type: model.AgentClaude, Status: model.AgentOffline}))

	agents, err := store.ListAgents(ctx)
	require.NoError(t, err)
	require.Len(t, agents, 2)
	assert.Equal(t, "a", agents[0].ID)
	assert.Equal(t, model.AgentCodex, agents[1].Type)
}

func TestClosedStore(t *testing.T) {
	store, err := OpenMemory()
	require.NoError(t, err)
	require.NoError(t, store.Close())
	require.NoError(t, store.Close())

	_, err = store.GetCommand(context.Background(), "x")
	assert.ErrorIs(t, err, ErrStoreClosed)
	assert.ErrorIs(t, store.Ping(context.Background()), ErrStoreClosed)
}
