// Package registry tracks live drone and application connections and
// delivers messages to them.
package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/brianhealey/drone-relay/internal/models"
)

// Close codes sent to clients
const (
	CloseGoingAway     = 1001
	CloseInvalidClient = 1008
)

var (
	// ErrClientNotFound is returned by Send when no connection matches
	ErrClientNotFound = errors.New("client not found")
	// ErrProtocolViolation is returned by Register for an unknown role
	ErrProtocolViolation = errors.New("protocol violation")
)

// Channel is the write side of a bidirectional client connection
type Channel interface {
	Send(data []byte) error
	Close(code int, reason string) error
}

// Connection is a registered client channel
type Connection struct {
	ClientID    string
	Role        models.Role
	ConnectedAt time.Time

	ch Channel
}

// Stats counts registered connections per role
type Stats struct {
	Drones       int `json:"drones"`
	Applications int `json:"applications"`
}

// Registry maps client ids to connections, one map per role
type Registry struct {
	mu    sync.RWMutex
	conns map[models.Role]map[string]*Connection
	hooks []func(*Connection)
	log   zerolog.Logger
}

// New creates an empty registry
func New(log zerolog.Logger) *Registry {
	return &Registry{
		conns: map[models.Role]map[string]*Connection{
			models.RoleDrone:       make(map[string]*Connection),
			models.RoleApplication: make(map[string]*Connection),
		},
		log: log.With().Str("component", "registry").Logger(),
	}
}

// OnUnregister adds a hook called after a connection leaves the registry
func (r *Registry) OnUnregister(fn func(*Connection)) {
	r.mu.Lock()
	r.hooks = append(r.hooks, fn)
	r.mu.Unlock()
}

// Register adds ch under role and clientID. An unknown role closes the
// channel with CloseInvalidClient. An empty clientID is replaced by a
// generated one. A prior connection under the same id is replaced.
func (r *Registry) Register(ch Channel, role string, clientID string) (*Connection, error) {
	parsed, err := models.ParseRole(role)
	if err != nil {
		if cerr := ch.Close(CloseInvalidClient, "Invalid client type"); cerr != nil {
			r.log.Debug().Err(cerr).Msg("close after invalid role failed")
		}
		return nil, fmt.Errorf("%w: %v", ErrProtocolViolation, err)
	}
	if clientID == "" {
		clientID = uuid.NewString()
	}

	conn := &Connection{
		ClientID:    clientID,
		Role:        parsed,
		ConnectedAt: time.Now().UTC(),
		ch:          ch,
	}

	r.mu.Lock()
	_, replaced := r.conns[parsed][clientID]
	r.conns[parsed][clientID] = conn
	r.mu.Unlock()

	r.log.Info().
		Str("client_id", clientID).
		Str("role", string(parsed)).
		Bool("replaced", replaced).
		Msg("client connected")
	return conn, nil
}

// Disconnect removes conn only if it is still the current entry for its id
func (r *Registry) Disconnect(conn *Connection) {
	if conn == nil {
		return
	}
	r.mu.Lock()
	current, ok := r.conns[conn.Role][conn.ClientID]
	if ok && current == conn {
		delete(r.conns[conn.Role], conn.ClientID)
	}
	hooks := r.hooks
	r.mu.Unlock()

	if ok && current == conn {
		r.log.Info().Str("client_id", conn.ClientID).Str("role", string(conn.Role)).Msg("client disconnected")
		runHooks(hooks, conn)
	}
}

// Unregister removes clientID from whichever role holds it
func (r *Registry) Unregister(clientID string) {
	var removed []*Connection
	r.mu.Lock()
	for _, byID := range r.conns {
		if conn, ok := byID[clientID]; ok {
			delete(byID, clientID)
			removed = append(removed, conn)
		}
	}
	hooks := r.hooks
	r.mu.Unlock()

	for _, conn := range removed {
		r.log.Info().Str("client_id", conn.ClientID).Str("role", string(conn.Role)).Msg("client unregistered")
		runHooks(hooks, conn)
	}
}

// Lookup returns the connection for role and clientID, or nil
func (r *Registry) Lookup(role models.Role, clientID string) *Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.conns[role][clientID]
}

// Send writes msg to one client. A failed write unregisters the connection.
func (r *Registry) Send(role models.Role, clientID string, msg any) error {
	conn := r.Lookup(role, clientID)
	if conn == nil {
		return fmt.Errorf("%w: %s %s", ErrClientNotFound, role, clientID)
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}

	if err := conn.ch.Send(data); err != nil {
		r.log.Warn().Err(err).Str("client_id", clientID).Str("role", string(role)).Msg("send failed, dropping client")
		r.Disconnect(conn)
		return fmt.Errorf("failed to send to %s: %w", clientID, err)
	}
	return nil
}

// Broadcast writes msg to every connection of role in parallel and returns
// how many received it. Connections whose write fails are unregistered.
func (r *Registry) Broadcast(role models.Role, msg any) int {
	data, err := json.Marshal(msg)
	if err != nil {
		r.log.Error().Err(err).Msg("failed to encode broadcast")
		return 0
	}

	r.mu.RLock()
	targets := make([]*Connection, 0, len(r.conns[role]))
	for _, conn := range r.conns[role] {
		targets = append(targets, conn)
	}
	r.mu.RUnlock()

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		failed []*Connection
	)
	for _, conn := range targets {
		wg.Add(1)
		go func(conn *Connection) {
			defer wg.Done()
			if err := conn.ch.Send(data); err != nil {
				r.log.Warn().Err(err).Str("client_id", conn.ClientID).Msg("broadcast send failed")
				mu.Lock()
				failed = append(failed, conn)
				mu.Unlock()
			}
		}(conn)
	}
	wg.Wait()

	for _, conn := range failed {
		r.Disconnect(conn)
	}
	return len(targets) - len(failed)
}

// CloseAll closes and removes every connection
func (r *Registry) CloseAll(code int, reason string) int {
	var all []*Connection
	r.mu.Lock()
	for role, byID := range r.conns {
		for _, conn := range byID {
			all = append(all, conn)
		}
		r.conns[role] = make(map[string]*Connection)
	}
	hooks := r.hooks
	r.mu.Unlock()

	for _, conn := range all {
		if err := conn.ch.Close(code, reason); err != nil {
			r.log.Debug().Err(err).Str("client_id", conn.ClientID).Msg("close failed")
		}
		runHooks(hooks, conn)
	}
	return len(all)
}

// Clients lists the client ids registered under role, sorted
func (r *Registry) Clients(role models.Role) []string {
	r.mu.RLock()
	ids := make([]string, 0, len(r.conns[role]))
	for id := range r.conns[role] {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// Stats returns connection counts
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return Stats{
		Drones:       len(r.conns[models.RoleDrone]),
		Applications: len(r.conns[models.RoleApplication]),
	}
}

func runHooks(hooks []func(*Connection), conn *Connection) {
	for _, fn := range hooks {
		fn(conn)
	}
}
