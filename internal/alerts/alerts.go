// Package alerts implements the alert lifecycle: drones raise alerts,
// applications respond, drones attach images.
package alerts

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/brianhealey/drone-relay/internal/models"
	"github.com/brianhealey/drone-relay/internal/protocol"
	"github.com/brianhealey/drone-relay/internal/registry"
)

// NoDrone is the placeholder applications send when an alert image targets no drone
const NoDrone = "No Drone"

// Store is the persistence the handler needs
type Store interface {
	CreateAlert(ctx context.Context, alert *models.Alert) (string, error)
	RespondToAlert(ctx context.Context, id string, actions []string) (*models.Alert, error)
	AttachAlertImage(ctx context.Context, id, imageRef string) (*models.Alert, error)
	CreateAlertImage(ctx context.Context, img *models.AlertImage) (string, error)
}

// Dispatcher delivers messages to connected clients
type Dispatcher interface {
	Send(role models.Role, clientID string, msg any) error
	Broadcast(role models.Role, msg any) int
}

// Handler drives alerts through pending, responded and completed, and
// remembers which alert each drone raised last.
type Handler struct {
	store    Store
	dispatch Dispatcher
	log      zerolog.Logger

	mu   sync.Mutex
	open map[string]string // drone id -> alert id
}

// NewHandler creates an alert handler
func NewHandler(store Store, dispatch Dispatcher, log zerolog.Logger) *Handler {
	return &Handler{
		store:    store,
		dispatch: dispatch,
		log:      log.With().Str("component", "alerts").Logger(),
		open:     make(map[string]string),
	}
}

// Create persists a new pending alert from droneID, makes it the drone's
// open alert and announces it to every application.
func (h *Handler) Create(ctx context.Context, droneID string, p protocol.AlertPayload) (*models.Alert, error) {
	alert := &models.Alert{
		ID:            p.ID,
		AlertText:     p.AlertText,
		DroneID:       p.DroneID,
		Location:      p.Location,
		Image:         p.Image,
		ImageReceived: 0,
		Responded:     0,
		Actions:       []string{},
		Score:         p.Score,
		Status:        models.AlertPending,
		Timestamp:     p.Timestamp,
	}
	if alert.DroneID == "" {
		alert.DroneID = droneID
	}
	if alert.Timestamp == "" {
		alert.Timestamp = protocol.Timestamp(time.Now())
	}

	id, err := h.store.CreateAlert(ctx, alert)
	if err != nil {
		return nil, fmt.Errorf("failed to create alert: %w", err)
	}

	h.mu.Lock()
	if prev, ok := h.open[droneID]; ok && prev != id {
		h.log.Debug().Str("drone_id", droneID).Str("previous", prev).Msg("replacing open alert")
	}
	h.open[droneID] = id
	h.mu.Unlock()

	n := h.dispatch.Broadcast(models.RoleApplication, protocol.NewNewAlert(alert))
	h.log.Info().
		Str("alert_id", id).
		Str("drone_id", droneID).
		Float64("score", alert.Score).
		Int("applications", n).
		Msg("alert created")
	return alert, nil
}

// ApplyResponse records an application's actions and commands the drone
// that raised the alert. Unknown alerts and drones that have gone away or
// moved on to a newer alert get no command.
func (h *Handler) ApplyResponse(ctx context.Context, alertID string, actions []string) error {
	alert, err := h.store.RespondToAlert(ctx, alertID, actions)
	if err != nil {
		return fmt.Errorf("failed to apply response: %w", err)
	}
	if alert == nil {
		h.log.Warn().Str("alert_id", alertID).Msg("response for unknown alert, command not sent")
		return nil
	}

	droneID := h.DroneFor(alertID)
	if droneID == "" {
		h.log.Debug().Str("alert_id", alertID).Msg("no open drone for alert, command not delivered")
		return nil
	}

	if err := h.dispatch.Send(models.RoleDrone, droneID, protocol.NewDroneCommand(alertID, actions)); err != nil {
		if errors.Is(err, registry.ErrClientNotFound) {
			h.log.Debug().Str("alert_id", alertID).Str("drone_id", droneID).Msg("drone not connected, command not delivered")
		} else {
			h.log.Warn().Err(err).Str("drone_id", droneID).Msg("failed to deliver drone command")
		}
		return nil
	}

	h.log.Info().Str("alert_id", alertID).Str("drone_id", droneID).Strs("actions", actions).Msg("drone command sent")
	return nil
}

// ApplyImage attaches imageRef to an alert, completes it and tells every
// application.
func (h *Handler) ApplyImage(ctx context.Context, droneID, alertID, imageRef string) error {
	alert, err := h.store.AttachAlertImage(ctx, alertID, imageRef)
	if err != nil {
		return fmt.Errorf("failed to attach image: %w", err)
	}
	if alert == nil {
		h.log.Warn().Str("alert_id", alertID).Str("drone_id", droneID).Msg("image for unknown alert")
		return nil
	}

	n := h.dispatch.Broadcast(models.RoleApplication, protocol.NewImageReceived(alertID, imageRef))
	h.log.Info().Str("alert_id", alertID).Str("drone_id", droneID).Int("applications", n).Msg("alert image received")
	return nil
}

// RecordAlertImage stores an AlertImage and announces it to applications.
// When an application sends one naming a drone, it is also forwarded to
// that drone.
func (h *Handler) RecordAlertImage(ctx context.Context, sender models.Role, senderID string, p protocol.AlertImagePayload) (*models.AlertImage, error) {
	img := &models.AlertImage{
		ID:           p.ID,
		Found:        p.Found,
		Name:         p.Name,
		DroneID:      p.DroneID,
		ActualImage:  p.ActualImage,
		MatchedFrame: p.MatchedFrame,
		Location:     p.Location,
		Timestamp:    p.Timestamp,
	}
	if sender == models.RoleDrone && img.DroneID == "" {
		img.DroneID = senderID
	}
	if img.Timestamp == "" {
		img.Timestamp = protocol.Timestamp(time.Now())
	}

	if _, err := h.store.CreateAlertImage(ctx, img); err != nil {
		return nil, fmt.Errorf("failed to create alert image: %w", err)
	}

	h.dispatch.Broadcast(models.RoleApplication, protocol.NewAlertImageReceived(img, sender, senderID))

	if sender == models.RoleApplication && img.DroneID != "" && img.DroneID != NoDrone {
		err := h.dispatch.Send(models.RoleDrone, img.DroneID, protocol.NewAlertImageForward(img, senderID))
		if err != nil {
			h.log.Debug().Err(err).Str("drone_id", img.DroneID).Msg("alert image not forwarded")
		}
	}

	h.log.Info().
		Str("alert_image_id", img.ID).
		Str("sender", senderID).
		Str("name", img.Name).
		Msg("alert image stored")
	return img, nil
}

// DroneFor returns the drone whose open alert is alertID, or ""
func (h *Handler) DroneFor(alertID string) string {
	h.mu.Lock()
	defer h.mu.Unlock()
	for droneID, id := range h.open {
		if id == alertID {
			return droneID
		}
	}
	return ""
}

// Forget drops a drone's open alert
func (h *Handler) Forget(droneID string) {
	h.mu.Lock()
	delete(h.open, droneID)
	h.mu.Unlock()
}

// OpenAlerts returns how many drones currently have an open alert
func (h *Handler) OpenAlerts() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.open)
}
