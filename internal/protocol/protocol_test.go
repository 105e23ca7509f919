package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brianhealey/drone-relay/internal/models"
)

func TestDecode(t *testing.T) {
	tests := []struct {
		name  string
		frame string
		check func(t *testing.T, msg Message)
	}{
		{
			name:  "alert",
			frame: `{"type":"alert","data":{"alert_text":"fire","score":0.9,"location":[1,2,3]}}`,
			check: func(t *testing.T, msg Message) {
				m := msg.(AlertMessage)
				assert.Equal(t, "fire", m.Payload.AlertText)
				assert.Equal(t, 0.9, m.Payload.Score)
				assert.Equal(t, models.Location{1, 2, 3}, m.Payload.Location)
			},
		},
		{
			name:  "response with top-level alert_id",
			frame: `{"type":"response","alert_id":"a1","data":{"actions":["notify"]}}`,
			check: func(t *testing.T, msg Message) {
				m := msg.(ResponseMessage)
				assert.Equal(t, "a1", m.AlertID)
				assert.Equal(t, []string{"notify"}, m.Actions)
			},
		},
		{
			name:  "response with alert_id in data and no actions",
			frame: `{"type":"response","data":{"alert_id":"a2"}}`,
			check: func(t *testing.T, msg Message) {
				m := msg.(ResponseMessage)
				assert.Equal(t, "a2", m.AlertID)
				assert.NotNil(t, m.Actions)
				assert.Empty(t, m.Actions)
			},
		},
		{
			name:  "image",
			frame: `{"type":"image","data":{"alert_id":"a1","image_url":"http://img/1.jpg"}}`,
			check: func(t *testing.T, msg Message) {
				m := msg.(ImageMessage)
				assert.Equal(t, "a1", m.AlertID)
				assert.Equal(t, "http://img/1.jpg", m.Ref())
			},
		},
		{
			name:  "alert image",
			frame: `{"type":"alert_image","data":{"name":"suspect","found":1,"drone_id":"D1"}}`,
			check: func(t *testing.T, msg Message) {
				m := msg.(AlertImageMessage)
				assert.Equal(t, "suspect", m.Payload.Name)
				assert.Equal(t, 1, m.Payload.Found)
				assert.Equal(t, "D1", m.Payload.DroneID)
			},
		},
		{
			name:  "processing task keeps input data opaque",
			frame: `{"type":"processing_task","data":{"drone_id":"D2","task_type":"scan","priority":3,"input_data":{"k":[1,2]}}}`,
			check: func(t *testing.T, msg Message) {
				m := msg.(ProcessingTaskMessage)
				assert.Equal(t, "D2", m.Payload.DroneID)
				assert.Equal(t, 3, m.Payload.Priority)
				assert.JSONEq(t, `{"k":[1,2]}`, string(m.Payload.InputData))
			},
		},
		{
			name:  "processing result defaults to success",
			frame: `{"type":"processing_result","task_id":"t1","data":{"processing_time":1.5}}`,
			check: func(t *testing.T, msg Message) {
				m := msg.(ProcessingResultMessage)
				assert.Equal(t, "t1", m.Payload.TaskID)
				assert.True(t, m.Payload.Succeeded())
			},
		},
		{
			name:  "task status update",
			frame: `{"type":"task_status_update","data":{"task_id":"t1","status":"processing","additional_data":{"progress":50}}}`,
			check: func(t *testing.T, msg Message) {
				m := msg.(TaskStatusUpdateMessage)
				assert.Equal(t, "processing", m.Status)
				assert.JSONEq(t, `{"progress":50}`, string(m.AdditionalData))
			},
		},
		{
			name:  "ping without data",
			frame: `{"type":"ping"}`,
			check: func(t *testing.T, msg Message) {
				assert.Equal(t, TypePing, msg.Type())
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := Decode([]byte(tt.frame))
			require.NoError(t, err)
			tt.check(t, msg)
		})
	}
}

func TestDecodeErrors(t *testing.T) {
	tests := []struct {
		name  string
		frame string
		want  error
	}{
		{"not json", `{"type":`, ErrMalformed},
		{"missing type", `{"data":{}}`, ErrMalformed},
		{"data not an object", `{"type":"alert","data":"fire"}`, ErrMalformed},
		{"score above one", `{"type":"alert","data":{"score":1.5}}`, ErrMalformed},
		{"response without alert", `{"type":"response","data":{"actions":["x"]}}`, ErrMalformed},
		{"image without ref", `{"type":"image","alert_id":"a1","data":{}}`, ErrMalformed},
		{"result without task", `{"type":"processing_result","data":{}}`, ErrMalformed},
		{"negative processing time", `{"type":"processing_result","data":{"task_id":"t","processing_time":-1}}`, ErrMalformed},
		{"status without status", `{"type":"task_status_update","data":{"task_id":"t"}}`, ErrMalformed},
		{"unknown type", `{"type":"teleport","data":{}}`, ErrUnknownType},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.frame))
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestNewEnvelopeRoundTrip(t *testing.T) {
	env, err := NewEnvelope(TypeAlert, AlertPayload{AlertText: "smoke", Score: 0.4})
	require.NoError(t, err)

	frame, err := json.Marshal(env)
	require.NoError(t, err)

	msg, err := Decode(frame)
	require.NoError(t, err)
	assert.Equal(t, "smoke", msg.(AlertMessage).Payload.AlertText)
}

func TestOutboundShapes(t *testing.T) {
	alert := &models.Alert{ID: "a1", DroneID: "D1", Score: 0.9}

	data, err := json.Marshal(NewNewAlert(alert))
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "new_alert", decoded["type"])
	assert.Equal(t, "a1", decoded["alert_id"])
	assert.Equal(t, "D1", decoded["alert"].(map[string]any)["drone_id"])
	assert.NotEmpty(t, decoded["timestamp"])

	data, err = json.Marshal(NewDroneCommand("a1", nil))
	require.NoError(t, err)
	assert.Contains(t, string(data), `"actions":[]`)

	data, err = json.Marshal(NewTaskStatusUpdate("t1", "failed", "D1", nil))
	require.NoError(t, err)
	assert.Contains(t, string(data), `"additional_data":{}`)

	img := &models.AlertImage{ID: "i1"}
	fromDrone := NewAlertImageReceived(img, models.RoleDrone, "D1")
	assert.Equal(t, "D1", fromDrone.DroneID)
	assert.Empty(t, fromDrone.AppID)
	fromApp := NewAlertImageReceived(img, models.RoleApplication, "A1")
	assert.Equal(t, "A1", fromApp.AppID)
	assert.Empty(t, fromApp.DroneID)
}
