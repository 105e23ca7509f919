package handlers

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/brianhealey/drone-relay/internal/config"
	"github.com/brianhealey/drone-relay/internal/database"
	"github.com/brianhealey/drone-relay/internal/middleware"
	"github.com/brianhealey/drone-relay/internal/models"
	"github.com/brianhealey/drone-relay/internal/registry"
)

// Router routes one inbound frame
type Router interface {
	Route(ctx context.Context, clientID string, role models.Role, frame []byte) error
}

// OpenAlertCounter reports how many drones have an open alert
type OpenAlertCounter interface {
	OpenAlerts() int
}

// Handlers serves the websocket endpoints and the REST API
type Handlers struct {
	cfg      *config.Config
	registry *registry.Registry
	router   Router
	gateway  *database.Gateway
	alerts   OpenAlertCounter
	upgrader websocket.Upgrader
	log      zerolog.Logger
}

// New creates the HTTP handlers
func New(cfg *config.Config, reg *registry.Registry, rt Router, gw *database.Gateway, alerts OpenAlertCounter, log zerolog.Logger) *Handlers {
	return &Handlers{
		cfg:      cfg,
		registry: reg,
		router:   rt,
		gateway:  gw,
		alerts:   alerts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		log: log.With().Str("component", "handlers").Logger(),
	}
}

// Register mounts every route on r
func (h *Handlers) Register(r *mux.Router) {
	// Apply global middleware
	r.Use(middleware.CORS)
	r.Use(middleware.Logger(h.log))

	// Health check endpoint (no auth required)
	r.HandleFunc("/health", h.Health).Methods(http.MethodGet)

	ws := r.PathPrefix("/ws").Subrouter()
	api := r.PathPrefix("/api").Subrouter()

	// Apply authentication middleware if token is configured
	if h.cfg.Auth.Enabled {
		ws.Use(middleware.AuthValidator(h.cfg.Auth.Token, h.log))
		api.Use(middleware.AuthValidator(h.cfg.Auth.Token, h.log))
	}

	ws.HandleFunc("/{role}/{client_id}", h.ServeWS)
	ws.HandleFunc("/{role}", h.ServeWS)

	api.HandleFunc("/stats", h.Stats).Methods(http.MethodGet)
	api.HandleFunc("/alerts", h.ListAlerts).Methods(http.MethodGet)
	api.HandleFunc("/alerts/{id}", h.GetAlert).Methods(http.MethodGet)
	api.HandleFunc("/alerts", h.CreateAlert).Methods(http.MethodPost)
	api.HandleFunc("/alerts/{id}", h.DeleteAlert).Methods(http.MethodDelete)
	api.HandleFunc("/alerts/{id}/response", h.RespondToAlert).Methods(http.MethodPut)
	api.HandleFunc("/alerts/{id}/image", h.UpdateAlertImage).Methods(http.MethodPut)
	api.HandleFunc("/alert-images", h.ListAlertImages).Methods(http.MethodGet)
	api.HandleFunc("/alert-images/{id}", h.GetAlertImage).Methods(http.MethodGet)
	api.HandleFunc("/processing-tasks/drone/{drone_id}/pending", h.PendingTasks).Methods(http.MethodGet)
	api.HandleFunc("/processing-tasks/app/{app_id}", h.TasksForApp).Methods(http.MethodGet)
	api.HandleFunc("/processing-tasks/{task_id}", h.GetTask).Methods(http.MethodGet)
	api.HandleFunc("/processing-results/drone/{drone_id}", h.ResultsForDrone).Methods(http.MethodGet)
	api.HandleFunc("/processing-results/result/{result_id}", h.GetResult).Methods(http.MethodGet)
	api.HandleFunc("/processing-results/{task_id}", h.ResultsForTask).Methods(http.MethodGet)

	// Catch-all 404 handler - must be last
	r.PathPrefix("/").HandlerFunc(NotFoundHandler)
	r.NotFoundHandler = http.HandlerFunc(NotFoundHandler)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"error": msg})
}
