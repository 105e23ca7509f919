package database

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

var (
	feedEncMode cbor.EncMode
	feedDecMode cbor.DecMode
)

func init() {
	var err error
	feedEncMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("database: CBOR encoder initialization failed: " + err.Error())
	}
	feedDecMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("database: CBOR decoder initialization failed: " + err.Error())
	}
}

// wireEvent is the CBOR payload published for each change. The document
// body travels as its stored JSON.
type wireEvent struct {
	Collection string `cbor:"1,keyasint"`
	Operation  string `cbor:"2,keyasint"`
	DocumentID string `cbor:"3,keyasint"`
	Body       []byte `cbor:"4,keyasint,omitempty"`
	At         int64  `cbor:"5,keyasint"`
}

func encodeEvent(ev ChangeEvent) ([]byte, error) {
	w := wireEvent{
		Collection: ev.Collection,
		Operation:  ev.OperationType,
		DocumentID: ev.DocumentID,
		At:         ev.At.UnixNano(),
	}
	if ev.Document != nil {
		body, err := json.Marshal(ev.Document)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal document: %w", err)
		}
		w.Body = body
	}
	return feedEncMode.Marshal(w)
}

func decodeEvent(data []byte) (ChangeEvent, error) {
	var w wireEvent
	if err := feedDecMode.Unmarshal(data, &w); err != nil {
		return ChangeEvent{}, fmt.Errorf("failed to decode change event: %w", err)
	}
	ev := ChangeEvent{
		Collection:    w.Collection,
		OperationType: w.Operation,
		DocumentID:    w.DocumentID,
		At:            time.Unix(0, w.At).UTC(),
	}
	if len(w.Body) > 0 {
		doc := make(map[string]any)
		if err := json.Unmarshal(w.Body, &doc); err != nil {
			return ChangeEvent{}, fmt.Errorf("failed to unmarshal document: %w", err)
		}
		ev.Document = doc
	}
	return ev, nil
}

// NATSFeed publishes store changes on NATS subjects and serves Watch from them
type NATSFeed struct {
	nc     *nats.Conn
	prefix string
	log    zerolog.Logger
}

// ConnectNATSFeed dials url. Subjects are "<prefix>.<collection>".
func ConnectNATSFeed(url, prefix string, log zerolog.Logger) (*NATSFeed, error) {
	if prefix == "" {
		prefix = "relay.changes"
	}
	log = log.With().Str("component", "nats-feed").Logger()

	opts := []nats.Option{
		nats.Name("drone-relay"),
		nats.ReconnectWait(2 * time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			log.Info().Msg("NATS connection closed")
		}),
	}

	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	log.Info().Str("url", nc.ConnectedUrl()).Str("prefix", prefix).Msg("change feed connected")
	return &NATSFeed{nc: nc, prefix: prefix, log: log}, nil
}

func (f *NATSFeed) subject(collection string) string {
	return f.prefix + "." + collection
}

// Publish sends ev on its collection's subject
func (f *NATSFeed) Publish(ev ChangeEvent) error {
	data, err := encodeEvent(ev)
	if err != nil {
		return err
	}
	if err := f.nc.Publish(f.subject(ev.Collection), data); err != nil {
		return fmt.Errorf("failed to publish change: %w", err)
	}
	return nil
}

// Watch delivers changes for collections until ctx is cancelled, the
// subscription is closed, or the NATS connection closes.
func (f *NATSFeed) Watch(ctx context.Context, collections []string, fn func(ChangeEvent)) (*Subscription, error) {
	if f.nc.IsClosed() {
		return nil, ErrStreamInterrupted
	}

	msgs := make(chan *nats.Msg, 256)
	var subs []*nats.Subscription
	unsubscribe := func() error {
		var firstErr error
		for _, s := range subs {
			if err := s.Unsubscribe(); err != nil && firstErr == nil && err != nats.ErrConnectionClosed && err != nats.ErrBadSubscription {
				firstErr = err
			}
		}
		return firstErr
	}

	for _, coll := range collections {
		s, err := f.nc.ChanSubscribe(f.subject(coll), msgs)
		if err != nil {
			unsubscribe()
			return nil, fmt.Errorf("failed to subscribe to %s: %w", f.subject(coll), err)
		}
		subs = append(subs, s)
	}
	if len(subs) == 0 {
		return nil, fmt.Errorf("no collections to watch")
	}

	sub, watchCtx := newSubscription(ctx)
	sub.cleanup = unsubscribe
	closed := subs[0].StatusChanged(nats.SubscriptionClosed)

	go func() {
		for {
			select {
			case <-watchCtx.Done():
				sub.finish(watchCtx.Err())
				return
			case <-closed:
				sub.finish(ErrStreamInterrupted)
				return
			case msg := <-msgs:
				ev, err := decodeEvent(msg.Data)
				if err != nil {
					f.log.Warn().Err(err).Str("subject", msg.Subject).Msg("dropping undecodable change")
					continue
				}
				fn(ev)
			}
		}
	}()

	f.log.Debug().Strs("collections", collections).Msg("watching change feed")
	return sub, nil
}

// Close drains and closes the NATS connection
func (f *NATSFeed) Close() {
	if err := f.nc.Drain(); err != nil {
		f.nc.Close()
	}
}
