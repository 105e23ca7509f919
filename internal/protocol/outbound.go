package protocol

import (
	"encoding/json"
	"time"

	"github.com/brianhealey/drone-relay/internal/models"
)

// Server-originated message types
const (
	TypeConnectionEstablished    Type = "connection_established"
	TypeNewAlert                 Type = "new_alert"
	TypeDroneCommand             Type = "drone_command"
	TypeImageReceived            Type = "image_received"
	TypeAlertImageReceived       Type = "alert_image_received"
	TypeProcessingResultReceived Type = "processing_result_received"
	TypeAlertUpdate              Type = "alert_update"
	TypePong                     Type = "pong"
)

// Timestamp formats t the way every outbound message carries time
func Timestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func now() string {
	return Timestamp(time.Now())
}

// ConnectionEstablished greets a newly registered client
type ConnectionEstablished struct {
	Type       Type   `json:"type"`
	ClientID   string `json:"client_id"`
	ClientType string `json:"client_type"`
	Timestamp  string `json:"timestamp"`
}

// NewConnectionEstablished builds the greeting sent right after registration
func NewConnectionEstablished(clientID string, role models.Role) ConnectionEstablished {
	return ConnectionEstablished{
		Type:       TypeConnectionEstablished,
		ClientID:   clientID,
		ClientType: string(role),
		Timestamp:  now(),
	}
}

// NewAlert announces a freshly stored alert to applications
type NewAlert struct {
	Type      Type          `json:"type"`
	Alert     *models.Alert `json:"alert"`
	AlertID   string        `json:"alert_id"`
	Timestamp string        `json:"timestamp"`
}

// NewNewAlert wraps a stored alert for broadcast
func NewNewAlert(alert *models.Alert) NewAlert {
	return NewAlert{Type: TypeNewAlert, Alert: alert, AlertID: alert.ID, Timestamp: now()}
}

// DroneCommand relays an application's actions to the alert's drone
type DroneCommand struct {
	Type      Type     `json:"type"`
	AlertID   string   `json:"alert_id"`
	Actions   []string `json:"actions"`
	Timestamp string   `json:"timestamp"`
}

// NewDroneCommand builds a command; nil actions encode as an empty list
func NewDroneCommand(alertID string, actions []string) DroneCommand {
	if actions == nil {
		actions = []string{}
	}
	return DroneCommand{Type: TypeDroneCommand, AlertID: alertID, Actions: actions, Timestamp: now()}
}

// ImageReceived tells applications an alert's image arrived
type ImageReceived struct {
	Type      Type   `json:"type"`
	AlertID   string `json:"alert_id"`
	ImageURL  string `json:"image_url"`
	Timestamp string `json:"timestamp"`
}

// NewImageReceived builds an image notice for applications
func NewImageReceived(alertID, imageURL string) ImageReceived {
	return ImageReceived{Type: TypeImageReceived, AlertID: alertID, ImageURL: imageURL, Timestamp: now()}
}

// AlertImageReceived announces a stored AlertImage. Exactly one of DroneID
// and AppID is set, naming the sender.
type AlertImageReceived struct {
	Type         Type               `json:"type"`
	AlertImageID string             `json:"alert_image_id"`
	AlertImage   *models.AlertImage `json:"alert_image"`
	DroneID      string             `json:"drone_id,omitempty"`
	AppID        string             `json:"app_id,omitempty"`
	Timestamp    string             `json:"timestamp"`
}

// NewAlertImageReceived builds the broadcast for a stored AlertImage sent by sender
func NewAlertImageReceived(img *models.AlertImage, sender models.Role, senderID string) AlertImageReceived {
	msg := AlertImageReceived{
		Type:         TypeAlertImageReceived,
		AlertImageID: img.ID,
		AlertImage:   img,
		Timestamp:    now(),
	}
	if sender == models.RoleDrone {
		msg.DroneID = senderID
	} else {
		msg.AppID = senderID
	}
	return msg
}

// AlertImageForward delivers an application's AlertImage to the named drone
type AlertImageForward struct {
	Type         Type               `json:"type"`
	AlertImageID string             `json:"alert_image_id"`
	AlertImage   *models.AlertImage `json:"alert_image"`
	AppID        string             `json:"app_id"`
	Timestamp    string             `json:"timestamp"`
}

// NewAlertImageForward builds the alert_image frame forwarded to a drone
func NewAlertImageForward(img *models.AlertImage, appID string) AlertImageForward {
	return AlertImageForward{
		Type:         TypeAlertImage,
		AlertImageID: img.ID,
		AlertImage:   img,
		AppID:        appID,
		Timestamp:    now(),
	}
}

// ProcessingTaskDispatch hands a task to its drone
type ProcessingTaskDispatch struct {
	Type      Type                   `json:"type"`
	TaskID    string                 `json:"task_id"`
	TaskData  *models.ProcessingTask `json:"task_data"`
	Timestamp string                 `json:"timestamp"`
}

// NewProcessingTaskDispatch builds the processing_task frame for a drone
func NewProcessingTaskDispatch(task *models.ProcessingTask) ProcessingTaskDispatch {
	return ProcessingTaskDispatch{Type: TypeProcessingTask, TaskID: task.TaskID, TaskData: task, Timestamp: now()}
}

// ProcessingResultReceived announces a task result to applications
type ProcessingResultReceived struct {
	Type       Type                     `json:"type"`
	ResultID   string                   `json:"result_id"`
	TaskID     string                   `json:"task_id"`
	ResultData *models.ProcessingResult `json:"result_data"`
	DroneID    string                   `json:"drone_id"`
	AppID      string                   `json:"app_id"`
	Timestamp  string                   `json:"timestamp"`
}

// NewProcessingResultReceived builds the result broadcast; appID may be empty
func NewProcessingResultReceived(result *models.ProcessingResult, appID string) ProcessingResultReceived {
	return ProcessingResultReceived{
		Type:       TypeProcessingResultReceived,
		ResultID:   result.ResultID,
		TaskID:     result.TaskID,
		ResultData: result,
		DroneID:    result.DroneID,
		AppID:      appID,
		Timestamp:  now(),
	}
}

// TaskStatusUpdate rebroadcasts a drone's task progress
type TaskStatusUpdate struct {
	Type           Type            `json:"type"`
	TaskID         string          `json:"task_id"`
	Status         string          `json:"status"`
	DroneID        string          `json:"drone_id"`
	AdditionalData json.RawMessage `json:"additional_data"`
	Timestamp      string          `json:"timestamp"`
}

// NewTaskStatusUpdate builds a status broadcast; missing additional data encodes as {}
func NewTaskStatusUpdate(taskID, status, droneID string, additional json.RawMessage) TaskStatusUpdate {
	if len(additional) == 0 {
		additional = json.RawMessage("{}")
	}
	return TaskStatusUpdate{
		Type:           TypeTaskStatusUpdate,
		TaskID:         taskID,
		Status:         status,
		DroneID:        droneID,
		AdditionalData: additional,
		Timestamp:      now(),
	}
}

// AlertUpdate carries a normalized store change
type AlertUpdate struct {
	Type      Type   `json:"type"`
	Change    any    `json:"change"`
	Timestamp string `json:"timestamp"`
}

// NewAlertUpdate wraps a normalized change event
func NewAlertUpdate(change any) AlertUpdate {
	return AlertUpdate{Type: TypeAlertUpdate, Change: change, Timestamp: now()}
}

// Pong answers a ping
type Pong struct {
	Type      Type   `json:"type"`
	Timestamp string `json:"timestamp"`
}

// NewPong answers a ping
func NewPong() Pong {
	return Pong{Type: TypePong, Timestamp: now()}
}
