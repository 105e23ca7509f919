package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// Role identifies which side of the relay a connection belongs to
type Role string

const (
	RoleDrone       Role = "drone"
	RoleApplication Role = "application"
)

// ParseRole validates a role string taken from the connection path
func ParseRole(s string) (Role, error) {
	switch Role(s) {
	case RoleDrone, RoleApplication:
		return Role(s), nil
	default:
		return "", fmt.Errorf("unknown client role %q", s)
	}
}

// AlertStatus is the lifecycle state of an alert
type AlertStatus string

const (
	AlertPending   AlertStatus = "pending"
	AlertResponded AlertStatus = "responded"
	AlertCompleted AlertStatus = "completed"
)

// Rank orders alert statuses; unknown statuses rank below pending
func (s AlertStatus) Rank() int {
	switch s {
	case AlertPending:
		return 1
	case AlertResponded:
		return 2
	case AlertCompleted:
		return 3
	default:
		return 0
	}
}

// Named processing task statuses. Drones may report any other string.
const (
	TaskPending    = "pending"
	TaskProcessing = "processing"
	TaskCompleted  = "completed"
	TaskFailed     = "failed"
)

// Location is an (x, y, z) position reported by a drone
type Location [3]float64

// Alert represents an anomaly reported by a drone
type Alert struct {
	ID            string      `json:"id"`
	AlertText     string      `json:"alert_text"`
	DroneID       string      `json:"drone_id"`
	Location      Location    `json:"location"`
	Image         string      `json:"image,omitempty"`     // Base64-encoded image
	ImageURL      string      `json:"image_url,omitempty"` // Reference attached by a later image message
	ImageReceived int         `json:"image_received"`
	Responded     int         `json:"responded"`
	Actions       []string    `json:"actions,omitempty"`
	Score         float64     `json:"score"`
	Status        AlertStatus `json:"status"`
	CreatedAt     time.Time   `json:"created_at"`
	Timestamp     string      `json:"timestamp"` // As reported by the drone
}

// AlertImage is a matched/actual image pair sent by a drone or an application
type AlertImage struct {
	ID           string    `json:"id"`
	Found        int       `json:"found"`
	Name         string    `json:"name"`
	DroneID      string    `json:"drone_id"`
	ActualImage  string    `json:"actual_image,omitempty"`  // Base64-encoded JPEG
	MatchedFrame string    `json:"matched_frame,omitempty"` // Base64-encoded JPEG
	Location     Location  `json:"location"`
	CreatedAt    time.Time `json:"created_at"`
	Timestamp    string    `json:"timestamp"`
}

// ProcessingTask is work an application asks a drone to perform
type ProcessingTask struct {
	TaskID         string          `json:"task_id"`
	AppID          string          `json:"app_id"`
	DroneID        string          `json:"drone_id"`
	TaskType       string          `json:"task_type"`
	InputData      json.RawMessage `json:"input_data,omitempty"`
	Status         string          `json:"status"`
	Priority       int             `json:"priority"`
	AdditionalData json.RawMessage `json:"additional_data,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// ProcessingResult is a drone's answer to a ProcessingTask
type ProcessingResult struct {
	ResultID       string          `json:"result_id"`
	TaskID         string          `json:"task_id"`
	DroneID        string          `json:"drone_id"`
	ResultData     json.RawMessage `json:"result_data,omitempty"`
	ProcessingTime float64         `json:"processing_time"` // Seconds
	Success        bool            `json:"success"`
	ErrorMessage   string          `json:"error_message,omitempty"`
	Timestamp      string          `json:"timestamp"`
}
