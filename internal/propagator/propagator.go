// Package propagator pushes store changes to every connected application.
package propagator

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/brianhealey/drone-relay/internal/database"
	"github.com/brianhealey/drone-relay/internal/models"
	"github.com/brianhealey/drone-relay/internal/protocol"
)

// DefaultRetryDelay is the wait before resubscribing after a feed failure
const DefaultRetryDelay = 5 * time.Second

// Source produces store changes
type Source interface {
	SubscribeToChanges(ctx context.Context, fn func(database.ChangeEvent)) (*database.Subscription, error)
}

// Broadcaster fans a message out to every client of a role
type Broadcaster interface {
	Broadcast(role models.Role, msg any) int
}

// Propagator relays change events as alert_update messages
type Propagator struct {
	src        Source
	out        Broadcaster
	retryDelay time.Duration
	log        zerolog.Logger

	mu     sync.Mutex
	sub    *database.Subscription
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a propagator
func New(src Source, out Broadcaster, retryDelay time.Duration, log zerolog.Logger) *Propagator {
	if retryDelay <= 0 {
		retryDelay = DefaultRetryDelay
	}
	return &Propagator{
		src:        src,
		out:        out,
		retryDelay: retryDelay,
		log:        log.With().Str("component", "propagator").Logger(),
		done:       make(chan struct{}),
	}
}

// Run subscribes and relays changes until ctx is cancelled or Stop is
// called. Subscription failures are logged and retried after a fixed delay.
func (p *Propagator) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	p.mu.Lock()
	p.cancel = cancel
	p.mu.Unlock()
	defer close(p.done)
	defer cancel()

	for {
		sub, err := p.src.SubscribeToChanges(ctx, p.handle)
		if err != nil {
			p.log.Error().Err(err).Dur("retry_in", p.retryDelay).Msg("failed to subscribe to changes")
			if !p.wait(ctx) {
				return nil
			}
			continue
		}

		p.mu.Lock()
		p.sub = sub
		p.mu.Unlock()
		p.log.Info().Msg("change propagation started")

		select {
		case <-ctx.Done():
			p.closeSub(sub)
			return nil
		case <-sub.Done():
		}

		if ctx.Err() != nil {
			return nil
		}
		p.log.Warn().Err(sub.Err()).Dur("retry_in", p.retryDelay).Msg("change stream ended, resubscribing")
		p.closeSub(sub)
		if !p.wait(ctx) {
			return nil
		}
	}
}

// Stop cancels Run and closes the active subscription. A subscription
// already closed concurrently is not an error.
func (p *Propagator) Stop() error {
	p.mu.Lock()
	cancel, sub := p.cancel, p.sub
	p.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	<-p.done

	if sub != nil {
		if err := sub.Close(); err != nil && !errors.Is(err, database.ErrSubscriptionClosed) {
			return err
		}
	}
	p.log.Info().Msg("change propagation stopped")
	return nil
}

func (p *Propagator) handle(ev database.ChangeEvent) {
	change := database.Normalize(ev.Map())
	n := p.out.Broadcast(models.RoleApplication, protocol.NewAlertUpdate(change))
	p.log.Debug().
		Str("collection", ev.Collection).
		Str("operation", ev.OperationType).
		Str("id", ev.DocumentID).
		Int("applications", n).
		Msg("change propagated")
}

func (p *Propagator) closeSub(sub *database.Subscription) {
	if err := sub.Close(); err != nil && !errors.Is(err, database.ErrSubscriptionClosed) {
		p.log.Warn().Err(err).Msg("failed to close subscription")
	}
}

func (p *Propagator) wait(ctx context.Context) bool {
	t := time.NewTimer(p.retryDelay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
