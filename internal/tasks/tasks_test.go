package tasks

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brianhealey/drone-relay/internal/database"
	"github.com/brianhealey/drone-relay/internal/models"
	"github.com/brianhealey/drone-relay/internal/protocol"
	"github.com/brianhealey/drone-relay/internal/registry"
	"github.com/brianhealey/drone-relay/internal/registry/registrytest"
)

func setup(t *testing.T) (*Handler, *database.Gateway, *registry.Registry) {
	t.Helper()
	gw := database.Open(database.Options{Path: ":memory:"}, zerolog.Nop())
	require.NoError(t, gw.Connect(context.Background()))
	t.Cleanup(func() { gw.Close() })

	reg := registry.New(zerolog.Nop())
	return NewHandler(gw, reg, zerolog.Nop()), gw, reg
}

func register(t *testing.T, reg *registry.Registry, role, id string) *registrytest.Channel {
	t.Helper()
	ch := registrytest.New()
	_, err := reg.Register(ch, role, id)
	require.NoError(t, err)
	return ch
}

func TestCreateTaskForwardsToConnectedDrone(t *testing.T) {
	h, gw, reg := setup(t)
	ctx := context.Background()
	drone := register(t, reg, "drone", "D2")

	taskID, delivered, err := h.CreateTask(ctx, "A1", protocol.TaskPayload{
		DroneID:   "D2",
		TaskType:  "scan",
		InputData: json.RawMessage(`{"area":"north"}`),
		Priority:  1,
	})
	require.NoError(t, err)
	assert.True(t, delivered)

	msgs := drone.OfType("processing_task")
	require.Len(t, msgs, 1)
	assert.Equal(t, taskID, msgs[0]["task_id"])
	data := msgs[0]["task_data"].(map[string]any)
	assert.Equal(t, "A1", data["app_id"])
	assert.Equal(t, map[string]any{"area": "north"}, data["input_data"])

	task, err := gw.GetTask(ctx, taskID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskPending, task.Status)
}

func TestCreateTaskForDisconnectedDrone(t *testing.T) {
	h, gw, reg := setup(t)
	ctx := context.Background()

	taskID, delivered, err := h.CreateTask(ctx, "A1", protocol.TaskPayload{DroneID: "D2", TaskType: "scan"})
	require.NoError(t, err)
	assert.False(t, delivered)

	// connecting later does not replay the task
	drone := register(t, reg, "drone", "D2")
	assert.Empty(t, drone.Messages())

	task, err := gw.GetTask(ctx, taskID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskPending, task.Status)

	pending, err := gw.PendingTasks(ctx, "D2")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, taskID, pending[0].TaskID)
}

func TestRecordResultCompletesTaskAndBroadcasts(t *testing.T) {
	h, gw, reg := setup(t)
	ctx := context.Background()
	app1 := register(t, reg, "application", "A1")
	app2 := register(t, reg, "application", "A2")

	taskID, _, err := h.CreateTask(ctx, "A1", protocol.TaskPayload{DroneID: "D1", TaskType: "scan"})
	require.NoError(t, err)

	result, err := h.RecordResult(ctx, "D1", protocol.ResultPayload{
		TaskID:         taskID,
		ResultData:     json.RawMessage(`{"objects":3}`),
		ProcessingTime: 1.25,
	})
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Empty(t, result.ErrorMessage)

	task, err := gw.GetTask(ctx, taskID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskCompleted, task.Status)

	for _, app := range []*registrytest.Channel{app1, app2} {
		msgs := app.OfType("processing_result_received")
		require.Len(t, msgs, 1)
		assert.Equal(t, "A1", msgs[0]["app_id"])
		assert.Equal(t, "D1", msgs[0]["drone_id"])
		assert.Equal(t, taskID, msgs[0]["task_id"])
		assert.Equal(t, result.ResultID, msgs[0]["result_id"])
	}

	// a second result for the same task is accepted
	_, err = h.RecordResult(ctx, "D1", protocol.ResultPayload{TaskID: taskID})
	require.NoError(t, err)
	results, err := gw.ResultsForTask(ctx, taskID)
	require.NoError(t, err)
	assert.Len(t, results, 2)
}

func TestRecordFailedResult(t *testing.T) {
	h, _, _ := setup(t)
	failed := false

	result, err := h.RecordResult(context.Background(), "D1", protocol.ResultPayload{TaskID: "unknown", Success: &failed})
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Equal(t, DefaultFailureMessage, result.ErrorMessage)

	ok := true
	result, err = h.RecordResult(context.Background(), "D1", protocol.ResultPayload{TaskID: "unknown", Success: &ok, ErrorMessage: "stale"})
	require.NoError(t, err)
	assert.Empty(t, result.ErrorMessage)
}

func TestUpdateStatus(t *testing.T) {
	h, gw, reg := setup(t)
	ctx := context.Background()
	app := register(t, reg, "application", "A1")

	taskID, _, err := h.CreateTask(ctx, "A1", protocol.TaskPayload{DroneID: "D1"})
	require.NoError(t, err)

	task, err := h.UpdateStatus(ctx, "D1", taskID, "warming-up", nil)
	require.NoError(t, err)
	assert.Equal(t, "warming-up", task.Status)

	msgs := app.OfType("task_status_update")
	require.Len(t, msgs, 1)
	assert.Equal(t, "warming-up", msgs[0]["status"])
	assert.Equal(t, "D1", msgs[0]["drone_id"])
	assert.Equal(t, map[string]any{}, msgs[0]["additional_data"])

	stored, err := gw.GetTask(ctx, taskID)
	require.NoError(t, err)
	assert.Equal(t, "warming-up", stored.Status)

	missing, err := h.UpdateStatus(ctx, "D1", "nope", "failed", nil)
	require.NoError(t, err)
	assert.Nil(t, missing)
	assert.Len(t, app.OfType("task_status_update"), 1)
}
