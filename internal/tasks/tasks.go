// Package tasks correlates processing tasks created by applications with
// the results and status updates drones report for them.
package tasks

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/brianhealey/drone-relay/internal/models"
	"github.com/brianhealey/drone-relay/internal/protocol"
)

// DefaultFailureMessage is recorded for failed results that carry no message
const DefaultFailureMessage = "unspecified error"

// Store is the persistence the handler needs
type Store interface {
	CreateTask(ctx context.Context, task *models.ProcessingTask) (string, error)
	GetTask(ctx context.Context, taskID string) (*models.ProcessingTask, error)
	UpdateTaskStatus(ctx context.Context, taskID, status string, additional json.RawMessage) (*models.ProcessingTask, error)
	CreateResult(ctx context.Context, result *models.ProcessingResult) (string, error)
}

// Dispatcher delivers messages to connected clients
type Dispatcher interface {
	Send(role models.Role, clientID string, msg any) error
	Broadcast(role models.Role, msg any) int
}

// Handler creates tasks, forwards them to drones and fans results back out
type Handler struct {
	store    Store
	dispatch Dispatcher
	log      zerolog.Logger
}

// NewHandler creates a task handler
func NewHandler(store Store, dispatch Dispatcher, log zerolog.Logger) *Handler {
	return &Handler{
		store:    store,
		dispatch: dispatch,
		log:      log.With().Str("component", "tasks").Logger(),
	}
}

// CreateTask persists a pending task for appID and forwards it to its drone
// if connected. delivered is false when the drone was not reachable; the
// task then waits to be fetched through the pending-task query.
func (h *Handler) CreateTask(ctx context.Context, appID string, p protocol.TaskPayload) (string, bool, error) {
	task := &models.ProcessingTask{
		TaskID:    p.TaskID,
		AppID:     appID,
		DroneID:   p.DroneID,
		TaskType:  p.TaskType,
		InputData: p.InputData,
		Status:    models.TaskPending,
		Priority:  p.Priority,
	}

	taskID, err := h.store.CreateTask(ctx, task)
	if err != nil {
		return "", false, fmt.Errorf("failed to create task: %w", err)
	}

	logger := h.log.With().Str("task_id", taskID).Str("app_id", appID).Str("drone_id", task.DroneID).Logger()
	if task.DroneID == "" {
		logger.Warn().Msg("task names no drone, left pending")
		return taskID, false, nil
	}

	if err := h.dispatch.Send(models.RoleDrone, task.DroneID, protocol.NewProcessingTaskDispatch(task)); err != nil {
		logger.Info().Err(err).Msg("drone not reachable, task left pending")
		return taskID, false, nil
	}

	logger.Info().Str("task_type", task.TaskType).Msg("task forwarded to drone")
	return taskID, true, nil
}

// RecordResult stores a drone's result, completes the task and tells every
// application. Repeated results for one task are all accepted.
func (h *Handler) RecordResult(ctx context.Context, droneID string, p protocol.ResultPayload) (*models.ProcessingResult, error) {
	result := &models.ProcessingResult{
		ResultID:       p.ResultID,
		TaskID:         p.TaskID,
		DroneID:        droneID,
		ResultData:     p.ResultData,
		ProcessingTime: p.ProcessingTime,
		Success:        p.Succeeded(),
		ErrorMessage:   p.ErrorMessage,
		Timestamp:      p.Timestamp,
	}
	if result.Success {
		result.ErrorMessage = ""
	} else if result.ErrorMessage == "" {
		result.ErrorMessage = DefaultFailureMessage
	}

	if _, err := h.store.CreateResult(ctx, result); err != nil {
		return nil, fmt.Errorf("failed to create result: %w", err)
	}

	if _, err := h.store.UpdateTaskStatus(ctx, result.TaskID, models.TaskCompleted, nil); err != nil {
		return nil, fmt.Errorf("failed to complete task: %w", err)
	}

	var appID string
	task, err := h.store.GetTask(ctx, result.TaskID)
	if err != nil {
		return nil, fmt.Errorf("failed to read task back: %w", err)
	}
	if task != nil {
		appID = task.AppID
	} else {
		h.log.Warn().Str("task_id", result.TaskID).Msg("result for unknown task")
	}

	n := h.dispatch.Broadcast(models.RoleApplication, protocol.NewProcessingResultReceived(result, appID))
	h.log.Info().
		Str("result_id", result.ResultID).
		Str("task_id", result.TaskID).
		Str("drone_id", droneID).
		Bool("success", result.Success).
		Int("applications", n).
		Msg("processing result recorded")
	return result, nil
}

// UpdateStatus writes whatever status the drone reports and tells every
// application. Updates for unknown tasks are dropped.
func (h *Handler) UpdateStatus(ctx context.Context, droneID, taskID, status string, extra json.RawMessage) (*models.ProcessingTask, error) {
	task, err := h.store.UpdateTaskStatus(ctx, taskID, status, extra)
	if err != nil {
		return nil, fmt.Errorf("failed to update task status: %w", err)
	}
	if task == nil {
		h.log.Warn().Str("task_id", taskID).Str("drone_id", droneID).Msg("status update for unknown task")
		return nil, nil
	}

	h.dispatch.Broadcast(models.RoleApplication, protocol.NewTaskStatusUpdate(taskID, status, droneID, extra))
	h.log.Info().Str("task_id", taskID).Str("status", status).Msg("task status updated")
	return task, nil
}
