package database

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ChangeEvent describes one committed write
type ChangeEvent struct {
	Collection    string
	OperationType string
	DocumentID    string
	Document      map[string]any
	At            time.Time
}

// Map renders the event in the shape broadcast to applications
func (e ChangeEvent) Map() map[string]any {
	m := map[string]any{
		"operationType": e.OperationType,
		"ns":            map[string]any{"coll": e.Collection},
		"documentKey":   map[string]any{"_id": e.DocumentID},
		"clusterTime":   e.At,
	}
	if e.Document != nil {
		m["fullDocument"] = e.Document
	}
	return m
}

// Subscription is a running change feed. Done is closed when the feed
// stops; Err then reports why, or nil after Close or context cancellation.
type Subscription struct {
	cancel  context.CancelFunc
	done    chan struct{}
	cleanup func() error

	mu     sync.Mutex
	err    error
	closed bool
	once   sync.Once
}

func newSubscription(ctx context.Context) (*Subscription, context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	return &Subscription{cancel: cancel, done: make(chan struct{})}, ctx
}

func (s *Subscription) finish(err error) {
	s.once.Do(func() {
		s.mu.Lock()
		if !s.closed && !errors.Is(err, context.Canceled) {
			s.err = err
		}
		s.mu.Unlock()
		close(s.done)
	})
}

// Done is closed once the subscription has stopped delivering
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Err returns the failure that ended the subscription, if any
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close stops the subscription and waits for its goroutine to exit.
// A second Close returns ErrSubscriptionClosed.
func (s *Subscription) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSubscriptionClosed
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	<-s.done
	if s.cleanup != nil {
		return s.cleanup()
	}
	return nil
}

// Poll starts a polling subscription that re-reads every document in
// collections updated since the previous tick. Delivery is at-least-once.
func (s *Store) Poll(ctx context.Context, collections []string, interval time.Duration, fn func(ChangeEvent)) (*Subscription, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	if interval <= 0 {
		interval = 2 * time.Second
	}
	sub, pollCtx := newSubscription(ctx)
	log := s.log.With().Str("feed", "poll").Logger()
	lastPoll := time.Now()

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-pollCtx.Done():
				sub.finish(pollCtx.Err())
				return
			case <-ticker.C:
			}

			pollStart := time.Now()
			if err := s.pollOnce(pollCtx, collections, lastPoll, fn, log); err != nil {
				if errors.Is(err, ErrNotConnected) {
					sub.finish(err)
					return
				}
				if pollCtx.Err() != nil {
					sub.finish(pollCtx.Err())
					return
				}
				log.Error().Err(err).Msg("poll failed")
				continue
			}
			lastPoll = pollStart
		}
	}()
	return sub, nil
}

func (s *Store) pollOnce(ctx context.Context, collections []string, since time.Time, fn func(ChangeEvent), log zerolog.Logger) error {
	for _, coll := range collections {
		records, err := s.Find(ctx, coll, Query{ChangedSince: since, SortField: "updated_at"})
		if err != nil {
			return err
		}
		for _, rec := range records {
			op := OpUpdate
			if rec.CreatedAt.Equal(rec.UpdatedAt) {
				op = OpInsert
			}
			doc := make(map[string]any)
			if err := rec.Decode(&doc); err != nil {
				log.Warn().Err(err).Str("id", rec.ID).Msg("skipping undecodable document")
				continue
			}
			fn(ChangeEvent{
				Collection:    coll,
				OperationType: op,
				DocumentID:    rec.ID,
				Document:      doc,
				At:            rec.UpdatedAt,
			})
		}
	}
	return nil
}
