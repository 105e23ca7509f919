// Package database persists alerts, alert images, processing tasks and
// results, and publishes their changes.
package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/brianhealey/drone-relay/internal/models"
)

// Collection names
const (
	CollAlerts     = "alerts"
	CollAlertImage = "alertImage"
	CollTasks      = "processingTasks"
	CollResults    = "processingResults"
)

// Change feed modes
const (
	FeedAuto = "auto"
	FeedPush = "push"
	FeedPoll = "poll"
)

// Options configures a Gateway
type Options struct {
	Driver        string
	Path          string
	NATSURL       string
	SubjectPrefix string
	FeedMode      string
	PollInterval  time.Duration
	Collections   []string
}

// Gateway is the typed persistence API used by the relay
type Gateway struct {
	opts Options
	log  zerolog.Logger

	mu    sync.RWMutex
	store *Store
	feed  *NATSFeed
}

// Open builds a gateway. Nothing is dialled until Connect.
func Open(opts Options, log zerolog.Logger) *Gateway {
	if opts.FeedMode == "" {
		opts.FeedMode = FeedAuto
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 2 * time.Second
	}
	if len(opts.Collections) == 0 {
		opts.Collections = []string{CollAlerts}
	}
	return &Gateway{opts: opts, log: log.With().Str("component", "gateway").Logger()}
}

// Connect opens the store and, when configured, the NATS push feed
func (g *Gateway) Connect(ctx context.Context) error {
	store, err := OpenStore(ctx, g.opts.Driver, g.opts.Path, g.log)
	if err != nil {
		return &PersistenceError{Op: "connect", Err: err}
	}

	var feed *NATSFeed
	if g.opts.NATSURL != "" && g.opts.FeedMode != FeedPoll {
		feed, err = ConnectNATSFeed(g.opts.NATSURL, g.opts.SubjectPrefix, g.log)
		if err != nil {
			store.Close()
			return &PersistenceError{Op: "connect change feed", Err: err}
		}
		store.SetPublisher(feed)
	}

	g.mu.Lock()
	g.store = store
	g.feed = feed
	g.mu.Unlock()
	return nil
}

// Close closes the feed and the store
func (g *Gateway) Close() error {
	g.mu.Lock()
	store, feed := g.store, g.feed
	g.store, g.feed = nil, nil
	g.mu.Unlock()

	if feed != nil {
		feed.Close()
	}
	if store != nil {
		return store.Close()
	}
	return nil
}

// Connected reports whether Connect has succeeded and Close not been called
func (g *Gateway) Connected() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.store != nil
}

func (g *Gateway) db() (*Store, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.store == nil {
		return nil, ErrNotConnected
	}
	return g.store, nil
}

// SubscribeToChanges starts delivering store changes to fn. In auto mode
// the push feed is tried first and polling used when it is unsupported.
func (g *Gateway) SubscribeToChanges(ctx context.Context, fn func(ChangeEvent)) (*Subscription, error) {
	store, err := g.db()
	if err != nil {
		return nil, err
	}

	if g.opts.FeedMode != FeedPoll {
		sub, err := store.Watch(ctx, g.opts.Collections, fn)
		switch {
		case err == nil:
			g.log.Info().Msg("subscribed to push change feed")
			return sub, nil
		case errors.Is(err, ErrChangeStreamUnsupported) && g.opts.FeedMode == FeedAuto:
			g.log.Info().Dur("interval", g.opts.PollInterval).Msg("push feed unavailable, polling for changes")
		default:
			return nil, wrap("subscribe to changes", err)
		}
	}

	sub, err := store.Poll(ctx, g.opts.Collections, g.opts.PollInterval, fn)
	if err != nil {
		return nil, wrap("start polling", err)
	}
	return sub, nil
}

// CreateAlert stores a new alert, assigning an id and creation time when absent
func (g *Gateway) CreateAlert(ctx context.Context, alert *models.Alert) (string, error) {
	store, err := g.db()
	if err != nil {
		return "", err
	}
	if alert.ID == "" {
		alert.ID = uuid.NewString()
	}
	if alert.CreatedAt.IsZero() {
		alert.CreatedAt = time.Now().UTC()
	}
	if alert.Status == "" {
		alert.Status = models.AlertPending
	}
	if err := store.Insert(ctx, CollAlerts, alert.ID, alert); err != nil {
		return "", wrap("create alert", err)
	}
	return alert.ID, nil
}

// GetAlert retrieves an alert by id. Returns nil, nil when absent.
func (g *Gateway) GetAlert(ctx context.Context, id string) (*models.Alert, error) {
	store, err := g.db()
	if err != nil {
		return nil, err
	}
	var alert models.Alert
	if err := store.Get(ctx, CollAlerts, id, &alert); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil
		}
		return nil, wrap("get alert", err)
	}
	return &alert, nil
}

// AlertFilter narrows ListAlerts
type AlertFilter struct {
	DroneID string
	Status  models.AlertStatus
	Limit   int
}

// ListAlerts returns alerts newest first
func (g *Gateway) ListAlerts(ctx context.Context, f AlertFilter) ([]*models.Alert, error) {
	store, err := g.db()
	if err != nil {
		return nil, err
	}
	filter := map[string]any{}
	if f.DroneID != "" {
		filter["drone_id"] = f.DroneID
	}
	if f.Status != "" {
		filter["status"] = string(f.Status)
	}
	records, err := store.Find(ctx, CollAlerts, Query{Filter: filter, Desc: true, Limit: f.Limit})
	if err != nil {
		return nil, wrap("list alerts", err)
	}
	return decodeAll[models.Alert](records, "list alerts")
}

// RespondToAlert records an application's actions. Returns nil, nil when
// the alert does not exist.
func (g *Gateway) RespondToAlert(ctx context.Context, id string, actions []string) (*models.Alert, error) {
	if actions == nil {
		actions = []string{}
	}
	return g.updateAlert(ctx, "respond to alert", id, func(doc map[string]any) {
		doc["responded"] = 1
		doc["actions"] = actions
		advanceStatus(doc, models.AlertResponded)
	})
}

// AttachAlertImage marks an alert's image as received and completes it
func (g *Gateway) AttachAlertImage(ctx context.Context, id, imageRef string) (*models.Alert, error) {
	return g.updateAlert(ctx, "attach alert image", id, func(doc map[string]any) {
		doc["image_received"] = 1
		doc["image_url"] = imageRef
		advanceStatus(doc, models.AlertCompleted)
	})
}

// CompleteAlert moves an alert to completed
func (g *Gateway) CompleteAlert(ctx context.Context, id string) (*models.Alert, error) {
	return g.updateAlert(ctx, "complete alert", id, func(doc map[string]any) {
		advanceStatus(doc, models.AlertCompleted)
	})
}

// DeleteAlert removes an alert and reports whether it existed
func (g *Gateway) DeleteAlert(ctx context.Context, id string) (bool, error) {
	store, err := g.db()
	if err != nil {
		return false, err
	}
	ok, err := store.Delete(ctx, CollAlerts, id)
	if err != nil {
		return false, wrap("delete alert", err)
	}
	return ok, nil
}

// CountAlerts counts alerts, optionally only those with status
func (g *Gateway) CountAlerts(ctx context.Context, status models.AlertStatus) (int, error) {
	store, err := g.db()
	if err != nil {
		return 0, err
	}
	var filter map[string]any
	if status != "" {
		filter = map[string]any{"status": string(status)}
	}
	n, err := store.Count(ctx, CollAlerts, filter)
	if err != nil {
		return 0, wrap("count alerts", err)
	}
	return n, nil
}

// AlertDrones lists the distinct drones that have reported alerts
func (g *Gateway) AlertDrones(ctx context.Context) ([]string, error) {
	store, err := g.db()
	if err != nil {
		return nil, err
	}
	ids, err := store.Distinct(ctx, CollAlerts, "drone_id", nil)
	if err != nil {
		return nil, wrap("list alert drones", err)
	}
	return ids, nil
}

func (g *Gateway) updateAlert(ctx context.Context, op, id string, mutate func(map[string]any)) (*models.Alert, error) {
	store, err := g.db()
	if err != nil {
		return nil, err
	}
	body, err := store.Update(ctx, CollAlerts, id, func(doc map[string]any) error {
		mutate(doc)
		return nil
	})
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, wrap(op, err)
	}
	var alert models.Alert
	if err := json.Unmarshal(body, &alert); err != nil {
		return nil, wrap(op, err)
	}
	return &alert, nil
}

// advanceStatus sets status to next unless the document is already further along
func advanceStatus(doc map[string]any, next models.AlertStatus) {
	current, _ := doc["status"].(string)
	if models.AlertStatus(current).Rank() < next.Rank() {
		doc["status"] = string(next)
	}
}

// CreateAlertImage stores an AlertImage, assigning an id when absent
func (g *Gateway) CreateAlertImage(ctx context.Context, img *models.AlertImage) (string, error) {
	store, err := g.db()
	if err != nil {
		return "", err
	}
	if img.ID == "" {
		img.ID = uuid.NewString()
	}
	if img.CreatedAt.IsZero() {
		img.CreatedAt = time.Now().UTC()
	}
	if err := store.Insert(ctx, CollAlertImage, img.ID, img); err != nil {
		return "", wrap("create alert image", err)
	}
	return img.ID, nil
}

// GetAlertImage retrieves an AlertImage by id. Returns nil, nil when absent.
func (g *Gateway) GetAlertImage(ctx context.Context, id string) (*models.AlertImage, error) {
	store, err := g.db()
	if err != nil {
		return nil, err
	}
	var img models.AlertImage
	if err := store.Get(ctx, CollAlertImage, id, &img); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil
		}
		return nil, wrap("get alert image", err)
	}
	return &img, nil
}

// ListAlertImages returns AlertImages newest first, optionally for one drone
func (g *Gateway) ListAlertImages(ctx context.Context, droneID string, limit int) ([]*models.AlertImage, error) {
	store, err := g.db()
	if err != nil {
		return nil, err
	}
	var filter map[string]any
	if droneID != "" {
		filter = map[string]any{"drone_id": droneID}
	}
	records, err := store.Find(ctx, CollAlertImage, Query{Filter: filter, Desc: true, Limit: limit})
	if err != nil {
		return nil, wrap("list alert images", err)
	}
	return decodeAll[models.AlertImage](records, "list alert images")
}

// CreateTask stores a processing task with status pending unless set
func (g *Gateway) CreateTask(ctx context.Context, task *models.ProcessingTask) (string, error) {
	store, err := g.db()
	if err != nil {
		return "", err
	}
	if task.TaskID == "" {
		task.TaskID = uuid.NewString()
	}
	if task.Status == "" {
		task.Status = models.TaskPending
	}
	now := time.Now().UTC()
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	task.UpdatedAt = now
	if err := store.Insert(ctx, CollTasks, task.TaskID, task); err != nil {
		return "", wrap("create task", err)
	}
	return task.TaskID, nil
}

// GetTask retrieves a task by id. Returns nil, nil when absent.
func (g *Gateway) GetTask(ctx context.Context, taskID string) (*models.ProcessingTask, error) {
	store, err := g.db()
	if err != nil {
		return nil, err
	}
	var task models.ProcessingTask
	if err := store.Get(ctx, CollTasks, taskID, &task); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil
		}
		return nil, wrap("get task", err)
	}
	return &task, nil
}

// UpdateTaskStatus writes status, and additional data when given. Returns
// nil, nil when the task does not exist.
func (g *Gateway) UpdateTaskStatus(ctx context.Context, taskID, status string, additional json.RawMessage) (*models.ProcessingTask, error) {
	store, err := g.db()
	if err != nil {
		return nil, err
	}

	var extra any
	if len(additional) > 0 {
		if err := json.Unmarshal(additional, &extra); err != nil {
			return nil, wrap("update task status", fmt.Errorf("invalid additional data: %w", err))
		}
	}

	body, err := store.Update(ctx, CollTasks, taskID, func(doc map[string]any) error {
		doc["status"] = status
		doc["updated_at"] = time.Now().UTC()
		if extra != nil {
			doc["additional_data"] = extra
		}
		return nil
	})
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, wrap("update task status", err)
	}
	var task models.ProcessingTask
	if err := json.Unmarshal(body, &task); err != nil {
		return nil, wrap("update task status", err)
	}
	return &task, nil
}

// PendingTasks returns a drone's pending tasks, highest priority first
func (g *Gateway) PendingTasks(ctx context.Context, droneID string) ([]*models.ProcessingTask, error) {
	store, err := g.db()
	if err != nil {
		return nil, err
	}
	records, err := store.Find(ctx, CollTasks, Query{
		Filter:    map[string]any{"drone_id": droneID, "status": models.TaskPending},
		SortField: "priority",
		Desc:      true,
	})
	if err != nil {
		return nil, wrap("list pending tasks", err)
	}
	return decodeAll[models.ProcessingTask](records, "list pending tasks")
}

// TasksForApp returns the tasks an application created, newest first
func (g *Gateway) TasksForApp(ctx context.Context, appID string, limit int) ([]*models.ProcessingTask, error) {
	store, err := g.db()
	if err != nil {
		return nil, err
	}
	records, err := store.Find(ctx, CollTasks, Query{
		Filter: map[string]any{"app_id": appID},
		Desc:   true,
		Limit:  limit,
	})
	if err != nil {
		return nil, wrap("list app tasks", err)
	}
	return decodeAll[models.ProcessingTask](records, "list app tasks")
}

// CreateResult stores a processing result, assigning an id and timestamp when absent
func (g *Gateway) CreateResult(ctx context.Context, result *models.ProcessingResult) (string, error) {
	store, err := g.db()
	if err != nil {
		return "", err
	}
	if result.ResultID == "" {
		result.ResultID = uuid.NewString()
	}
	if result.Timestamp == "" {
		result.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	}
	if err := store.Insert(ctx, CollResults, result.ResultID, result); err != nil {
		return "", wrap("create result", err)
	}
	return result.ResultID, nil
}

// GetResult retrieves a result by id. Returns nil, nil when absent.
func (g *Gateway) GetResult(ctx context.Context, resultID string) (*models.ProcessingResult, error) {
	store, err := g.db()
	if err != nil {
		return nil, err
	}
	var result models.ProcessingResult
	if err := store.Get(ctx, CollResults, resultID, &result); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil
		}
		return nil, wrap("get result", err)
	}
	return &result, nil
}

// ResultsForTask returns every result recorded for a task, oldest first
func (g *Gateway) ResultsForTask(ctx context.Context, taskID string) ([]*models.ProcessingResult, error) {
	store, err := g.db()
	if err != nil {
		return nil, err
	}
	records, err := store.Find(ctx, CollResults, Query{Filter: map[string]any{"task_id": taskID}})
	if err != nil {
		return nil, wrap("list task results", err)
	}
	return decodeAll[models.ProcessingResult](records, "list task results")
}

// ResultsForDrone returns a drone's results, newest first
func (g *Gateway) ResultsForDrone(ctx context.Context, droneID string, limit int) ([]*models.ProcessingResult, error) {
	store, err := g.db()
	if err != nil {
		return nil, err
	}
	records, err := store.Find(ctx, CollResults, Query{
		Filter: map[string]any{"drone_id": droneID},
		Desc:   true,
		Limit:  limit,
	})
	if err != nil {
		return nil, wrap("list drone results", err)
	}
	return decodeAll[models.ProcessingResult](records, "list drone results")
}

func decodeAll[T any](records []Record, op string) ([]*T, error) {
	out := make([]*T, 0, len(records))
	for _, rec := range records {
		var v T
		if err := rec.Decode(&v); err != nil {
			return nil, wrap(op, fmt.Errorf("failed to decode %s: %w", rec.ID, err))
		}
		out = append(out, &v)
	}
	return out, nil
}
