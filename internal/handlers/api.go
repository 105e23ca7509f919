package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/brianhealey/drone-relay/internal/database"
	"github.com/brianhealey/drone-relay/internal/models"
	"github.com/brianhealey/drone-relay/internal/protocol"
)

const (
	defaultLimit = 100
	maxLimit     = 1000
)

// Health reports service liveness and store connectivity
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	if !h.gateway.Connected() {
		status = "degraded"
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   status,
		"service":  "drone-relay",
		"database": h.gateway.Connected(),
	})
}

// Stats reports connections, open correlations and alert counts
func (h *Handlers) Stats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	byStatus := map[string]int{}
	for _, s := range []models.AlertStatus{models.AlertPending, models.AlertResponded, models.AlertCompleted} {
		n, err := h.gateway.CountAlerts(ctx, s)
		if err != nil {
			h.storeError(w, err, "failed to count alerts")
			return
		}
		byStatus[string(s)] = n
	}
	total, err := h.gateway.CountAlerts(ctx, "")
	if err != nil {
		h.storeError(w, err, "failed to count alerts")
		return
	}
	drones, err := h.gateway.AlertDrones(ctx)
	if err != nil {
		h.storeError(w, err, "failed to list drones")
		return
	}
	if drones == nil {
		drones = []string{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"connections":      h.registry.Stats(),
		"clients": map[string][]string{
			"drones":       h.registry.Clients(models.RoleDrone),
			"applications": h.registry.Clients(models.RoleApplication),
		},
		"open_alerts":      h.alerts.OpenAlerts(),
		"alerts_total":     total,
		"alerts_by_status": byStatus,
		"reporting_drones": drones,
	})
}

// ListAlerts returns recent alerts, filtered by drone_id and status
func (h *Handlers) ListAlerts(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	alerts, err := h.gateway.ListAlerts(r.Context(), database.AlertFilter{
		DroneID: q.Get("drone_id"),
		Status:  models.AlertStatus(q.Get("status")),
		Limit:   limit,
	})
	if err != nil {
		h.storeError(w, err, "failed to list alerts")
		return
	}
	writeJSON(w, http.StatusOK, alerts)
}

// GetAlert returns one alert
func (h *Handlers) GetAlert(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	alert, err := h.gateway.GetAlert(r.Context(), id)
	if err != nil {
		h.storeError(w, err, "failed to get alert")
		return
	}
	if alert == nil {
		writeError(w, http.StatusNotFound, "alert not found")
		return
	}
	writeJSON(w, http.StatusOK, alert)
}

// CreateAlert stores an alert posted over REST. Applications learn about it
// through the change feed rather than a new_alert push.
func (h *Handlers) CreateAlert(w http.ResponseWriter, r *http.Request) {
	var p protocol.AlertPayload
	if !h.decodeBody(w, r, &p) {
		return
	}
	if p.DroneID == "" {
		writeError(w, http.StatusBadRequest, "drone_id is required")
		return
	}
	if p.Score < 0 || p.Score > 1 {
		writeError(w, http.StatusBadRequest, "score must be between 0 and 1")
		return
	}

	alert := &models.Alert{
		ID:        p.ID,
		AlertText: p.AlertText,
		DroneID:   p.DroneID,
		Location:  p.Location,
		Image:     p.Image,
		Actions:   []string{},
		Score:     p.Score,
		Timestamp: p.Timestamp,
	}
	if alert.Timestamp == "" {
		alert.Timestamp = protocol.Timestamp(time.Now())
	}

	id, err := h.gateway.CreateAlert(r.Context(), alert)
	if errors.Is(err, database.ErrDuplicate) {
		writeError(w, http.StatusConflict, "alert already exists")
		return
	}
	if err != nil {
		h.storeError(w, err, "failed to create alert")
		return
	}
	h.log.Info().Str("alert_id", id).Str("drone_id", alert.DroneID).Msg("alert created over REST")
	writeJSON(w, http.StatusCreated, map[string]any{"alert_id": id, "message": "Alert created successfully"})
}

// RespondToAlert records actions for an alert and marks it responded
func (h *Handlers) RespondToAlert(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Actions []string `json:"actions"`
	}
	if !h.decodeBody(w, r, &body) {
		return
	}
	alert, err := h.gateway.RespondToAlert(r.Context(), mux.Vars(r)["id"], body.Actions)
	if err != nil {
		h.storeError(w, err, "failed to update alert response")
		return
	}
	if alert == nil {
		writeError(w, http.StatusNotFound, "alert not found")
		return
	}
	writeJSON(w, http.StatusOK, alert)
}

// UpdateAlertImage completes an alert, attaching image_url when one is given
func (h *Handlers) UpdateAlertImage(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ImageURL string `json:"image_url"`
	}
	if !h.decodeBody(w, r, &body) {
		return
	}

	id := mux.Vars(r)["id"]
	var (
		alert *models.Alert
		err   error
	)
	if body.ImageURL != "" {
		alert, err = h.gateway.AttachAlertImage(r.Context(), id, body.ImageURL)
	} else {
		alert, err = h.gateway.CompleteAlert(r.Context(), id)
	}
	if err != nil {
		h.storeError(w, err, "failed to update alert image")
		return
	}
	if alert == nil {
		writeError(w, http.StatusNotFound, "alert not found")
		return
	}
	writeJSON(w, http.StatusOK, alert)
}

// DeleteAlert removes one alert
func (h *Handlers) DeleteAlert(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	deleted, err := h.gateway.DeleteAlert(r.Context(), id)
	if err != nil {
		h.storeError(w, err, "failed to delete alert")
		return
	}
	if !deleted {
		writeError(w, http.StatusNotFound, "alert not found")
		return
	}
	h.log.Info().Str("alert_id", id).Msg("alert deleted")
	writeJSON(w, http.StatusOK, map[string]any{"deleted": id})
}

// ListAlertImages returns recent alert images, optionally for one drone
func (h *Handlers) ListAlertImages(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}
	imgs, err := h.gateway.ListAlertImages(r.Context(), r.URL.Query().Get("drone_id"), limit)
	if err != nil {
		h.storeError(w, err, "failed to list alert images")
		return
	}
	writeJSON(w, http.StatusOK, imgs)
}

// GetAlertImage returns one alert image
func (h *Handlers) GetAlertImage(w http.ResponseWriter, r *http.Request) {
	img, err := h.gateway.GetAlertImage(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.storeError(w, err, "failed to get alert image")
		return
	}
	if img == nil {
		writeError(w, http.StatusNotFound, "alert image not found")
		return
	}
	writeJSON(w, http.StatusOK, img)
}

// GetTask returns one processing task
func (h *Handlers) GetTask(w http.ResponseWriter, r *http.Request) {
	task, err := h.gateway.GetTask(r.Context(), mux.Vars(r)["task_id"])
	if err != nil {
		h.storeError(w, err, "failed to get task")
		return
	}
	if task == nil {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	writeJSON(w, http.StatusOK, task)
}

// PendingTasks returns the tasks still waiting for a drone. Drones that
// were offline when a task was created use this to pick it up.
func (h *Handlers) PendingTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := h.gateway.PendingTasks(r.Context(), mux.Vars(r)["drone_id"])
	if err != nil {
		h.storeError(w, err, "failed to list pending tasks")
		return
	}
	writeJSON(w, http.StatusOK, tasks)
}

// TasksForApp returns the tasks an application created
func (h *Handlers) TasksForApp(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}
	tasks, err := h.gateway.TasksForApp(r.Context(), mux.Vars(r)["app_id"], limit)
	if err != nil {
		h.storeError(w, err, "failed to list tasks")
		return
	}
	writeJSON(w, http.StatusOK, tasks)
}

// ResultsForTask returns every result reported for a task
func (h *Handlers) ResultsForTask(w http.ResponseWriter, r *http.Request) {
	results, err := h.gateway.ResultsForTask(r.Context(), mux.Vars(r)["task_id"])
	if err != nil {
		h.storeError(w, err, "failed to list results")
		return
	}
	writeJSON(w, http.StatusOK, results)
}

// GetResult returns one processing result by its result id
func (h *Handlers) GetResult(w http.ResponseWriter, r *http.Request) {
	result, err := h.gateway.GetResult(r.Context(), mux.Vars(r)["result_id"])
	if err != nil {
		h.storeError(w, err, "failed to get result")
		return
	}
	if result == nil {
		writeError(w, http.StatusNotFound, "result not found")
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// ResultsForDrone returns a drone's recent results
func (h *Handlers) ResultsForDrone(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}
	results, err := h.gateway.ResultsForDrone(r.Context(), mux.Vars(r)["drone_id"], limit)
	if err != nil {
		h.storeError(w, err, "failed to list results")
		return
	}
	writeJSON(w, http.StatusOK, results)
}

func (h *Handlers) storeError(w http.ResponseWriter, err error, msg string) {
	if errors.Is(err, database.ErrNotConnected) {
		writeError(w, http.StatusServiceUnavailable, "database unavailable")
		return
	}
	h.log.Error().Err(err).Msg(msg)
	writeError(w, http.StatusInternalServerError, msg)
}

func (h *Handlers) decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, h.cfg.Server.MaxMessageBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

func parseLimit(w http.ResponseWriter, r *http.Request) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return defaultLimit, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		writeError(w, http.StatusBadRequest, "limit must be a positive integer")
		return 0, false
	}
	if n > maxLimit {
		n = maxLimit
	}
	return n, true
}
