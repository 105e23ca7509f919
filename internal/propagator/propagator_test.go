package propagator

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brianhealey/drone-relay/internal/database"
	"github.com/brianhealey/drone-relay/internal/models"
	"github.com/brianhealey/drone-relay/internal/registry"
	"github.com/brianhealey/drone-relay/internal/registry/registrytest"
)

func pollingGateway(t *testing.T) *database.Gateway {
	t.Helper()
	gw := database.Open(database.Options{
		Path:         ":memory:",
		FeedMode:     database.FeedPoll,
		PollInterval: 10 * time.Millisecond,
	}, zerolog.Nop())
	require.NoError(t, gw.Connect(context.Background()))
	t.Cleanup(func() { gw.Close() })
	return gw
}

func start(t *testing.T, p *Propagator) {
	t.Helper()
	go p.Run(context.Background())
	t.Cleanup(func() { p.Stop() })
}

func TestChangesReachApplications(t *testing.T) {
	gw := pollingGateway(t)
	reg := registry.New(zerolog.Nop())
	app := registrytest.New()
	_, err := reg.Register(app, "application", "A1")
	require.NoError(t, err)
	drone := registrytest.New()
	_, err = reg.Register(drone, "drone", "D1")
	require.NoError(t, err)

	start(t, New(gw, reg, 10*time.Millisecond, zerolog.Nop()))
	time.Sleep(20 * time.Millisecond)

	id, err := gw.CreateAlert(context.Background(), &models.Alert{AlertText: "fire", DroneID: "D1"})
	require.NoError(t, err)

	msg, ok := app.WaitFor("alert_update", 2*time.Second)
	require.True(t, ok)
	change := msg["change"].(map[string]any)
	assert.Equal(t, id, change["documentKey"].(map[string]any)["_id"])
	assert.IsType(t, "", change["clusterTime"])
	assert.NotEmpty(t, msg["timestamp"])
	assert.Empty(t, drone.Messages())
}

type flakySource struct {
	calls atomic.Int32
	next  Source
}

func (f *flakySource) SubscribeToChanges(ctx context.Context, fn func(database.ChangeEvent)) (*database.Subscription, error) {
	if f.calls.Add(1) == 1 {
		return nil, errors.New("feed unavailable")
	}
	return f.next.SubscribeToChanges(ctx, fn)
}

func TestRetriesFailedSubscribe(t *testing.T) {
	gw := pollingGateway(t)
	reg := registry.New(zerolog.Nop())
	app := registrytest.New()
	_, err := reg.Register(app, "application", "A1")
	require.NoError(t, err)

	src := &flakySource{next: gw}
	start(t, New(src, reg, 10*time.Millisecond, zerolog.Nop()))

	require.Eventually(t, func() bool { return src.calls.Load() >= 2 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)

	_, err = gw.CreateAlert(context.Background(), &models.Alert{AlertText: "smoke"})
	require.NoError(t, err)
	_, ok := app.WaitFor("alert_update", 2*time.Second)
	assert.True(t, ok)
}

func TestResubscribesAfterStreamEnds(t *testing.T) {
	gw := pollingGateway(t)
	reg := registry.New(zerolog.Nop())
	app := registrytest.New()
	_, err := reg.Register(app, "application", "A1")
	require.NoError(t, err)

	start(t, New(gw, reg, 10*time.Millisecond, zerolog.Nop()))
	time.Sleep(20 * time.Millisecond)

	// dropping the store ends the poll; the propagator keeps retrying until it is back
	require.NoError(t, gw.Close())
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, gw.Connect(context.Background()))

	require.Eventually(t, func() bool {
		if _, err := gw.CreateAlert(context.Background(), &models.Alert{AlertText: "again"}); err != nil {
			return false
		}
		_, ok := app.WaitFor("alert_update", 100*time.Millisecond)
		return ok
	}, 3*time.Second, 10*time.Millisecond)
}

type countingBroadcaster struct {
	mu sync.Mutex
	n  int
}

func (c *countingBroadcaster) Broadcast(models.Role, any) int {
	c.mu.Lock()
	c.n++
	c.mu.Unlock()
	return 0
}

func TestStopIsIdempotent(t *testing.T) {
	gw := pollingGateway(t)
	p := New(gw, &countingBroadcaster{}, 10*time.Millisecond, zerolog.Nop())

	assert.NoError(t, p.Stop())

	go p.Run(context.Background())
	require.Eventually(t, func() bool {
		p.mu.Lock()
		defer p.mu.Unlock()
		return p.sub != nil
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, p.Stop())
	require.NoError(t, p.Stop())
}
