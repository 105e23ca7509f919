// Package protocol defines the JSON messages exchanged with drones and
// applications. Inbound frames decode into one concrete type per "type" tag.
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/brianhealey/drone-relay/internal/models"
)

// Type is the value of the envelope's "type" field
type Type string

// Client-originated message types
const (
	TypeAlert            Type = "alert"
	TypeResponse         Type = "response"
	TypeImage            Type = "image"
	TypeAlertImage       Type = "alert_image"
	TypeProcessingTask   Type = "processing_task"
	TypeProcessingResult Type = "processing_result"
	TypeTaskStatusUpdate Type = "task_status_update"
	TypePing             Type = "ping"
)

var (
	// ErrMalformed is returned for frames that cannot be decoded
	ErrMalformed = errors.New("malformed message")
	// ErrUnknownType is returned for well-formed frames with an unrecognized type
	ErrUnknownType = errors.New("unknown message type")
)

// Envelope is the wire shape shared by every frame
type Envelope struct {
	Type    Type            `json:"type"`
	Data    json.RawMessage `json:"data,omitempty"`
	AlertID string          `json:"alert_id,omitempty"`
	TaskID  string          `json:"task_id,omitempty"`
}

// NewEnvelope builds an envelope with data marshalled as its payload
func NewEnvelope(t Type, data any) (Envelope, error) {
	env := Envelope{Type: t}
	if data == nil {
		return env, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return env, fmt.Errorf("failed to marshal %s payload: %w", t, err)
	}
	env.Data = raw
	return env, nil
}

// Message is a decoded inbound frame
type Message interface {
	Type() Type
}

// AlertPayload is the data of an "alert" message
type AlertPayload struct {
	ID        string          `json:"id,omitempty"`
	AlertText string          `json:"alert_text"`
	DroneID   string          `json:"drone_id,omitempty"`
	Location  models.Location `json:"location"`
	Image     string          `json:"image,omitempty"`
	Score     float64         `json:"score"`
	Timestamp string          `json:"timestamp,omitempty"`
}

// AlertMessage reports a new anomaly
type AlertMessage struct {
	Payload AlertPayload
}

// ResponseMessage carries an application's decision for an alert
type ResponseMessage struct {
	AlertID string
	Actions []string
}

// ImageMessage attaches an image to an existing alert
type ImageMessage struct {
	AlertID  string
	ImageURL string
	Image    string
}

// Ref returns the reference stored on the alert, preferring the URL
func (m ImageMessage) Ref() string {
	if m.ImageURL != "" {
		return m.ImageURL
	}
	return m.Image
}

// AlertImagePayload is the data of an "alert_image" message
type AlertImagePayload struct {
	ID           string          `json:"id,omitempty"`
	Found        int             `json:"found"`
	Name         string          `json:"name"`
	DroneID      string          `json:"drone_id,omitempty"`
	ActualImage  string          `json:"actual_image,omitempty"`
	MatchedFrame string          `json:"matched_frame,omitempty"`
	Location     models.Location `json:"location"`
	Timestamp    string          `json:"timestamp,omitempty"`
}

// AlertImageMessage carries an AlertImage from either role
type AlertImageMessage struct {
	Payload AlertImagePayload
}

// TaskPayload is the data of a "processing_task" message
type TaskPayload struct {
	TaskID    string          `json:"task_id,omitempty"`
	DroneID   string          `json:"drone_id"`
	TaskType  string          `json:"task_type"`
	InputData json.RawMessage `json:"input_data,omitempty"`
	Priority  int             `json:"priority"`
}

// ProcessingTaskMessage asks the relay to create and forward a task
type ProcessingTaskMessage struct {
	Payload TaskPayload
}

// ResultPayload is the data of a "processing_result" message
type ResultPayload struct {
	ResultID       string          `json:"result_id,omitempty"`
	TaskID         string          `json:"task_id"`
	ResultData     json.RawMessage `json:"result_data,omitempty"`
	ProcessingTime float64         `json:"processing_time"`
	Success        *bool           `json:"success,omitempty"`
	ErrorMessage   string          `json:"error_message,omitempty"`
	Timestamp      string          `json:"timestamp,omitempty"`
}

// Succeeded reports the success flag, defaulting to true when omitted
func (p ResultPayload) Succeeded() bool {
	return p.Success == nil || *p.Success
}

// ProcessingResultMessage reports a drone's task outcome
type ProcessingResultMessage struct {
	Payload ResultPayload
}

// TaskStatusUpdateMessage reports progress on a task
type TaskStatusUpdateMessage struct {
	TaskID         string
	Status         string
	AdditionalData json.RawMessage
}

// PingMessage asks for a pong
type PingMessage struct{}

// Type reports each message's wire tag
func (AlertMessage) Type() Type            { return TypeAlert }
func (ResponseMessage) Type() Type         { return TypeResponse }
func (ImageMessage) Type() Type            { return TypeImage }
func (AlertImageMessage) Type() Type       { return TypeAlertImage }
func (ProcessingTaskMessage) Type() Type   { return TypeProcessingTask }
func (ProcessingResultMessage) Type() Type { return TypeProcessingResult }
func (TaskStatusUpdateMessage) Type() Type { return TypeTaskStatusUpdate }
func (PingMessage) Type() Type             { return TypePing }

// Decode parses a frame into its typed message
func Decode(frame []byte) (Message, error) {
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if env.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrMalformed)
	}

	data := env.Data
	if len(bytes.TrimSpace(data)) == 0 || bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		data = json.RawMessage("{}")
	}

	switch env.Type {
	case TypeAlert:
		var p AlertPayload
		if err := decodeData(env.Type, data, &p); err != nil {
			return nil, err
		}
		if p.Score < 0 || p.Score > 1 {
			return nil, fmt.Errorf("%w: score %v outside [0,1]", ErrMalformed, p.Score)
		}
		return AlertMessage{Payload: p}, nil

	case TypeResponse:
		var p struct {
			AlertID string   `json:"alert_id"`
			Actions []string `json:"actions"`
		}
		if err := decodeData(env.Type, data, &p); err != nil {
			return nil, err
		}
		msg := ResponseMessage{AlertID: firstNonEmpty(env.AlertID, p.AlertID), Actions: p.Actions}
		if msg.AlertID == "" {
			return nil, fmt.Errorf("%w: response without alert_id", ErrMalformed)
		}
		if msg.Actions == nil {
			msg.Actions = []string{}
		}
		return msg, nil

	case TypeImage:
		var p struct {
			AlertID  string `json:"alert_id"`
			ImageURL string `json:"image_url"`
			Image    string `json:"image"`
		}
		if err := decodeData(env.Type, data, &p); err != nil {
			return nil, err
		}
		msg := ImageMessage{AlertID: firstNonEmpty(env.AlertID, p.AlertID), ImageURL: p.ImageURL, Image: p.Image}
		if msg.AlertID == "" || msg.Ref() == "" {
			return nil, fmt.Errorf("%w: image requires alert_id and image_url or image", ErrMalformed)
		}
		return msg, nil

	case TypeAlertImage:
		var p AlertImagePayload
		if err := decodeData(env.Type, data, &p); err != nil {
			return nil, err
		}
		return AlertImageMessage{Payload: p}, nil

	case TypeProcessingTask:
		var p TaskPayload
		if err := decodeData(env.Type, data, &p); err != nil {
			return nil, err
		}
		if p.TaskID == "" {
			p.TaskID = env.TaskID
		}
		return ProcessingTaskMessage{Payload: p}, nil

	case TypeProcessingResult:
		var p ResultPayload
		if err := decodeData(env.Type, data, &p); err != nil {
			return nil, err
		}
		p.TaskID = firstNonEmpty(env.TaskID, p.TaskID)
		if p.TaskID == "" {
			return nil, fmt.Errorf("%w: processing_result without task_id", ErrMalformed)
		}
		if p.ProcessingTime < 0 {
			return nil, fmt.Errorf("%w: negative processing_time", ErrMalformed)
		}
		return ProcessingResultMessage{Payload: p}, nil

	case TypeTaskStatusUpdate:
		var p struct {
			TaskID         string          `json:"task_id"`
			Status         string          `json:"status"`
			AdditionalData json.RawMessage `json:"additional_data"`
		}
		if err := decodeData(env.Type, data, &p); err != nil {
			return nil, err
		}
		msg := TaskStatusUpdateMessage{
			TaskID:         firstNonEmpty(env.TaskID, p.TaskID),
			Status:         p.Status,
			AdditionalData: p.AdditionalData,
		}
		if msg.TaskID == "" || msg.Status == "" {
			return nil, fmt.Errorf("%w: task_status_update requires task_id and status", ErrMalformed)
		}
		return msg, nil

	case TypePing:
		return PingMessage{}, nil

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}
}

func decodeData(t Type, data json.RawMessage, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %s data: %v", ErrMalformed, t, err)
	}
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
