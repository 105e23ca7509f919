package alerts

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brianhealey/drone-relay/internal/database"
	"github.com/brianhealey/drone-relay/internal/models"
	"github.com/brianhealey/drone-relay/internal/protocol"
	"github.com/brianhealey/drone-relay/internal/registry"
	"github.com/brianhealey/drone-relay/internal/registry/registrytest"
)

type fixture struct {
	handler *Handler
	gw      *database.Gateway
	reg     *registry.Registry
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gw := database.Open(database.Options{Path: ":memory:"}, zerolog.Nop())
	require.NoError(t, gw.Connect(context.Background()))
	t.Cleanup(func() { gw.Close() })

	reg := registry.New(zerolog.Nop())
	h := NewHandler(gw, reg, zerolog.Nop())
	reg.OnUnregister(func(c *registry.Connection) {
		if c.Role == models.RoleDrone {
			h.Forget(c.ClientID)
		}
	})
	return &fixture{handler: h, gw: gw, reg: reg}
}

func (f *fixture) connect(t *testing.T, role, id string) *registrytest.Channel {
	t.Helper()
	ch := registrytest.New()
	_, err := f.reg.Register(ch, role, id)
	require.NoError(t, err)
	return ch
}

func TestCreateBroadcastsNewAlert(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	app := f.connect(t, "application", "A1")

	alert, err := f.handler.Create(ctx, "D1", protocol.AlertPayload{
		AlertText: "fire",
		Score:     0.9,
		Location:  models.Location{1, 2, 3},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, alert.ID)
	assert.Equal(t, "D1", alert.DroneID)
	assert.Equal(t, "D1", f.handler.DroneFor(alert.ID))

	msgs := app.OfType("new_alert")
	require.Len(t, msgs, 1)
	assert.Equal(t, alert.ID, msgs[0]["alert_id"])
	body := msgs[0]["alert"].(map[string]any)
	assert.Equal(t, "fire", body["alert_text"])
	assert.Equal(t, 0.9, body["score"])
	assert.Equal(t, []any{1.0, 2.0, 3.0}, body["location"])
	assert.Equal(t, "pending", body["status"])

	stored, err := f.gw.GetAlert(ctx, alert.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, stored.Responded)
	assert.Equal(t, 0, stored.ImageReceived)
}

func TestResponseCommandsDrone(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	drone := f.connect(t, "drone", "D1")

	alert, err := f.handler.Create(ctx, "D1", protocol.AlertPayload{AlertText: "fire", Score: 0.9})
	require.NoError(t, err)

	require.NoError(t, f.handler.ApplyResponse(ctx, alert.ID, []string{"notify"}))

	cmds := drone.OfType("drone_command")
	require.Len(t, cmds, 1)
	assert.Equal(t, alert.ID, cmds[0]["alert_id"])
	assert.Equal(t, []any{"notify"}, cmds[0]["actions"])

	stored, err := f.gw.GetAlert(ctx, alert.ID)
	require.NoError(t, err)
	assert.Equal(t, models.AlertResponded, stored.Status)
	assert.Equal(t, 1, stored.Responded)
}

func TestLastAlertWins(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	drone := f.connect(t, "drone", "D1")

	first, err := f.handler.Create(ctx, "D1", protocol.AlertPayload{AlertText: "one"})
	require.NoError(t, err)
	second, err := f.handler.Create(ctx, "D1", protocol.AlertPayload{AlertText: "two"})
	require.NoError(t, err)
	assert.Equal(t, 1, f.handler.OpenAlerts())

	// the overwritten alert is still persisted as responded but the drone hears nothing
	require.NoError(t, f.handler.ApplyResponse(ctx, first.ID, []string{"ignore"}))
	assert.Empty(t, drone.OfType("drone_command"))

	stored, err := f.gw.GetAlert(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, models.AlertResponded, stored.Status)

	require.NoError(t, f.handler.ApplyResponse(ctx, second.ID, []string{"land"}))
	assert.Len(t, drone.OfType("drone_command"), 1)
}

func TestResponseAfterDroneDisconnects(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.connect(t, "drone", "D1")

	alert, err := f.handler.Create(ctx, "D1", protocol.AlertPayload{AlertText: "fire"})
	require.NoError(t, err)

	f.reg.Unregister("D1")
	assert.Equal(t, "", f.handler.DroneFor(alert.ID))

	require.NoError(t, f.handler.ApplyResponse(ctx, alert.ID, []string{"notify"}))
	stored, err := f.gw.GetAlert(ctx, alert.ID)
	require.NoError(t, err)
	assert.Equal(t, models.AlertResponded, stored.Status)
}

func TestResponseToDeletedAlertSendsNoCommand(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	drone := f.connect(t, "drone", "D1")

	alert, err := f.handler.Create(ctx, "D1", protocol.AlertPayload{AlertText: "smoke", Score: 0.4})
	require.NoError(t, err)
	deleted, err := f.gw.DeleteAlert(ctx, alert.ID)
	require.NoError(t, err)
	require.True(t, deleted)

	require.NoError(t, f.handler.ApplyResponse(ctx, alert.ID, []string{"notify"}))
	assert.Empty(t, drone.OfType("drone_command"))
	// the correlation itself survives until the drone disconnects
	assert.Equal(t, "D1", f.handler.DroneFor(alert.ID))
}

func TestApplyImageCompletesAlert(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	app := f.connect(t, "application", "A1")

	alert, err := f.handler.Create(ctx, "D1", protocol.AlertPayload{AlertText: "fire"})
	require.NoError(t, err)
	require.NoError(t, f.handler.ApplyImage(ctx, "D1", alert.ID, "http://img/1.jpg"))

	msgs := app.OfType("image_received")
	require.Len(t, msgs, 1)
	assert.Equal(t, "http://img/1.jpg", msgs[0]["image_url"])

	stored, err := f.gw.GetAlert(ctx, alert.ID)
	require.NoError(t, err)
	assert.Equal(t, models.AlertCompleted, stored.Status)
	assert.Equal(t, 1, stored.ImageReceived)

	require.NoError(t, f.handler.ApplyImage(ctx, "D1", "missing", "x"))
	assert.Len(t, app.OfType("image_received"), 1)
}

func TestAlertImageForwarding(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	app := f.connect(t, "application", "A1")
	drone := f.connect(t, "drone", "D1")

	img, err := f.handler.RecordAlertImage(ctx, models.RoleApplication, "A1", protocol.AlertImagePayload{
		Name: "suspect", Found: 1, DroneID: "D1",
	})
	require.NoError(t, err)

	forwarded := drone.OfType("alert_image")
	require.Len(t, forwarded, 1)
	assert.Equal(t, img.ID, forwarded[0]["alert_image_id"])

	received := app.OfType("alert_image_received")
	require.Len(t, received, 1)
	assert.Equal(t, "A1", received[0]["app_id"])
	assert.NotContains(t, received[0], "drone_id")

	_, err = f.handler.RecordAlertImage(ctx, models.RoleApplication, "A1", protocol.AlertImagePayload{Name: "x", DroneID: NoDrone})
	require.NoError(t, err)
	assert.Len(t, drone.OfType("alert_image"), 1)

	fromDrone, err := f.handler.RecordAlertImage(ctx, models.RoleDrone, "D1", protocol.AlertImagePayload{Name: "match"})
	require.NoError(t, err)
	assert.Equal(t, "D1", fromDrone.DroneID)
	assert.Len(t, drone.OfType("alert_image"), 1)

	received = app.OfType("alert_image_received")
	require.Len(t, received, 3)
	assert.Equal(t, "D1", received[2]["drone_id"])
}

func TestCreateFailsWhenStoreDown(t *testing.T) {
	gw := database.Open(database.Options{Path: ":memory:"}, zerolog.Nop())
	reg := registry.New(zerolog.Nop())
	h := NewHandler(gw, reg, zerolog.Nop())
	app := registrytest.New()
	_, err := reg.Register(app, "application", "A1")
	require.NoError(t, err)

	_, err = h.Create(context.Background(), "D1", protocol.AlertPayload{AlertText: "fire"})
	assert.ErrorIs(t, err, database.ErrNotConnected)
	assert.Empty(t, app.Messages())
	assert.Zero(t, h.OpenAlerts())
}
