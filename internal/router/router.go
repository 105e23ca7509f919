// Package router dispatches decoded client frames to the alert and task
// handlers according to message type and sender role.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/brianhealey/drone-relay/internal/models"
	"github.com/brianhealey/drone-relay/internal/protocol"
)

// ErrRoleMismatch is returned when a client sends a type its role may not send
var ErrRoleMismatch = errors.New("message type not allowed for role")

// AlertHandler is the alert lifecycle as seen by the router
type AlertHandler interface {
	Create(ctx context.Context, droneID string, p protocol.AlertPayload) (*models.Alert, error)
	ApplyResponse(ctx context.Context, alertID string, actions []string) error
	ApplyImage(ctx context.Context, droneID, alertID, imageRef string) error
	RecordAlertImage(ctx context.Context, sender models.Role, senderID string, p protocol.AlertImagePayload) (*models.AlertImage, error)
}

// TaskHandler is the task/result correlation as seen by the router
type TaskHandler interface {
	CreateTask(ctx context.Context, appID string, p protocol.TaskPayload) (string, bool, error)
	RecordResult(ctx context.Context, droneID string, p protocol.ResultPayload) (*models.ProcessingResult, error)
	UpdateStatus(ctx context.Context, droneID, taskID, status string, extra json.RawMessage) (*models.ProcessingTask, error)
}

// Replier answers the sender directly
type Replier interface {
	Send(role models.Role, clientID string, msg any) error
}

// allowed lists which roles may send each message type
var allowed = map[protocol.Type][]models.Role{
	protocol.TypeAlert:            {models.RoleDrone},
	protocol.TypeResponse:         {models.RoleApplication},
	protocol.TypeImage:            {models.RoleDrone},
	protocol.TypeAlertImage:       {models.RoleDrone, models.RoleApplication},
	protocol.TypeProcessingTask:   {models.RoleApplication},
	protocol.TypeProcessingResult: {models.RoleDrone},
	protocol.TypeTaskStatusUpdate: {models.RoleDrone},
	protocol.TypePing:             {models.RoleDrone, models.RoleApplication},
}

// Router is the single entry point for inbound frames
type Router struct {
	alerts AlertHandler
	tasks  TaskHandler
	reply  Replier
	log    zerolog.Logger
}

// New creates a router
func New(alerts AlertHandler, tasks TaskHandler, reply Replier, log zerolog.Logger) *Router {
	return &Router{
		alerts: alerts,
		tasks:  tasks,
		reply:  reply,
		log:    log.With().Str("component", "router").Logger(),
	}
}

// Route decodes frame and applies it on behalf of clientID. Errors are for
// the caller to log; none of them should close the connection.
func (r *Router) Route(ctx context.Context, clientID string, role models.Role, frame []byte) error {
	msg, err := protocol.Decode(frame)
	if err != nil {
		return err
	}
	if !permitted(msg.Type(), role) {
		return fmt.Errorf("%w: %s from %s %s", ErrRoleMismatch, msg.Type(), role, clientID)
	}

	r.log.Debug().Str("client_id", clientID).Str("role", string(role)).Str("type", string(msg.Type())).Msg("routing message")

	switch m := msg.(type) {
	case protocol.AlertMessage:
		_, err = r.alerts.Create(ctx, clientID, m.Payload)
	case protocol.ResponseMessage:
		err = r.alerts.ApplyResponse(ctx, m.AlertID, m.Actions)
	case protocol.ImageMessage:
		err = r.alerts.ApplyImage(ctx, clientID, m.AlertID, m.Ref())
	case protocol.AlertImageMessage:
		_, err = r.alerts.RecordAlertImage(ctx, role, clientID, m.Payload)
	case protocol.ProcessingTaskMessage:
		_, _, err = r.tasks.CreateTask(ctx, clientID, m.Payload)
	case protocol.ProcessingResultMessage:
		_, err = r.tasks.RecordResult(ctx, clientID, m.Payload)
	case protocol.TaskStatusUpdateMessage:
		_, err = r.tasks.UpdateStatus(ctx, clientID, m.TaskID, m.Status, m.AdditionalData)
	case protocol.PingMessage:
		err = r.reply.Send(role, clientID, protocol.NewPong())
	}
	if err != nil {
		return fmt.Errorf("failed to handle %s: %w", msg.Type(), err)
	}
	return nil
}

func permitted(t protocol.Type, role models.Role) bool {
	for _, r := range allowed[t] {
		if r == role {
			return true
		}
	}
	return false
}
