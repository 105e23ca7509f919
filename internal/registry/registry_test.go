package registry

import (
	"errors"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brianhealey/drone-relay/internal/models"
	"github.com/brianhealey/drone-relay/internal/registry/registrytest"
)

func newRegistry() *Registry {
	return New(zerolog.Nop())
}

func TestRegisterAssignsID(t *testing.T) {
	r := newRegistry()
	conn, err := r.Register(registrytest.New(), "drone", "")
	require.NoError(t, err)
	assert.NotEmpty(t, conn.ClientID)
	assert.Equal(t, models.RoleDrone, conn.Role)
	assert.Equal(t, conn, r.Lookup(models.RoleDrone, conn.ClientID))
}

func TestRegisterUnknownRoleClosesChannel(t *testing.T) {
	r := newRegistry()
	ch := registrytest.New()

	conn, err := r.Register(ch, "satellite", "S1")
	assert.Nil(t, conn)
	assert.ErrorIs(t, err, ErrProtocolViolation)

	closed, code, reason := ch.Closed()
	assert.True(t, closed)
	assert.Equal(t, CloseInvalidClient, code)
	assert.Equal(t, "Invalid client type", reason)
	assert.Equal(t, Stats{}, r.Stats())
}

func TestSendToUnknownClient(t *testing.T) {
	r := newRegistry()
	err := r.Send(models.RoleDrone, "ghost", map[string]string{"type": "pong"})
	assert.ErrorIs(t, err, ErrClientNotFound)
}

func TestSendFailureUnregisters(t *testing.T) {
	r := newRegistry()
	ch := registrytest.New()
	_, err := r.Register(ch, "drone", "D1")
	require.NoError(t, err)

	ch.Break()
	err = r.Send(models.RoleDrone, "D1", map[string]string{"type": "pong"})
	assert.ErrorIs(t, err, registrytest.ErrBroken)
	assert.Nil(t, r.Lookup(models.RoleDrone, "D1"))
}

func TestBroadcastPrunesBrokenChannels(t *testing.T) {
	r := newRegistry()
	var healthy []*registrytest.Channel
	for _, id := range []string{"A1", "A2", "A3"} {
		ch := registrytest.New()
		healthy = append(healthy, ch)
		_, err := r.Register(ch, "application", id)
		require.NoError(t, err)
	}
	for _, id := range []string{"B1", "B2"} {
		_, err := r.Register(registrytest.Broken(), "application", id)
		require.NoError(t, err)
	}
	droneCh := registrytest.New()
	_, err := r.Register(droneCh, "drone", "D1")
	require.NoError(t, err)

	delivered := r.Broadcast(models.RoleApplication, map[string]string{"type": "alert_update"})
	assert.Equal(t, 3, delivered)
	assert.Equal(t, Stats{Drones: 1, Applications: 3}, r.Stats())
	assert.Nil(t, r.Lookup(models.RoleApplication, "B1"))
	assert.Nil(t, r.Lookup(models.RoleApplication, "B2"))

	for _, ch := range healthy {
		assert.Len(t, ch.OfType("alert_update"), 1)
	}
	assert.Empty(t, droneCh.Messages())
}

func TestReconnectReplacesEntry(t *testing.T) {
	r := newRegistry()
	old := registrytest.New()
	oldConn, err := r.Register(old, "drone", "D1")
	require.NoError(t, err)

	fresh := registrytest.New()
	_, err = r.Register(fresh, "drone", "D1")
	require.NoError(t, err)

	// the stale connection going away must not remove the new one
	r.Disconnect(oldConn)
	require.NotNil(t, r.Lookup(models.RoleDrone, "D1"))

	require.NoError(t, r.Send(models.RoleDrone, "D1", map[string]string{"type": "pong"}))
	assert.Len(t, fresh.Messages(), 1)
	assert.Empty(t, old.Messages())
}

func TestUnregisterHooks(t *testing.T) {
	r := newRegistry()
	var (
		mu   sync.Mutex
		gone []string
	)
	r.OnUnregister(func(c *Connection) {
		mu.Lock()
		gone = append(gone, c.ClientID)
		mu.Unlock()
	})

	conn, err := r.Register(registrytest.New(), "drone", "D1")
	require.NoError(t, err)
	_, err = r.Register(registrytest.New(), "application", "A1")
	require.NoError(t, err)

	r.Disconnect(conn)
	r.Disconnect(conn)
	r.Unregister("A1")
	r.Unregister("missing")

	assert.Equal(t, []string{"D1", "A1"}, gone)
}

func TestConcurrentRegisterAndBroadcast(t *testing.T) {
	r := newRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			conn, err := r.Register(registrytest.New(), "application", "")
			if err == nil {
				r.Disconnect(conn)
			}
		}()
		go func() {
			defer wg.Done()
			r.Broadcast(models.RoleApplication, map[string]string{"type": "alert_update"})
		}()
	}
	wg.Wait()
	assert.Equal(t, 0, r.Stats().Applications)
}

func TestCloseAll(t *testing.T) {
	r := newRegistry()
	drone := registrytest.New()
	app := registrytest.New()
	_, err := r.Register(drone, "drone", "D1")
	require.NoError(t, err)
	_, err = r.Register(app, "application", "A1")
	require.NoError(t, err)

	var gone int
	r.OnUnregister(func(*Connection) { gone++ })

	assert.Equal(t, 2, r.CloseAll(CloseGoingAway, "server shutting down"))
	assert.Equal(t, Stats{}, r.Stats())
	assert.Equal(t, 2, gone)

	closed, code, _ := drone.Closed()
	assert.True(t, closed)
	assert.Equal(t, CloseGoingAway, code)
	closed, _, _ = app.Closed()
	assert.True(t, closed)
	assert.Equal(t, []string{}, r.Clients(models.RoleDrone))
}

func TestSendEncodeError(t *testing.T) {
	r := newRegistry()
	_, err := r.Register(registrytest.New(), "drone", "D1")
	require.NoError(t, err)

	err = r.Send(models.RoleDrone, "D1", make(chan int))
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrClientNotFound))
	assert.NotNil(t, r.Lookup(models.RoleDrone, "D1"))
}
