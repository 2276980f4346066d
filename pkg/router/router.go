// Package router connects a session to the notification bus.
//
// For each attached session it subscribes to the session's message channel,
// the page-wide error channel and the session-scoped error channel, classifies
// error notifications once and forwards normalized events to the session.
package router

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/aretw0/parley/internal/logging"
	"github.com/aretw0/parley/pkg/bus"
	"github.com/aretw0/parley/pkg/classifier"
	"github.com/aretw0/parley/pkg/domain"
	"github.com/mitchellh/mapstructure"
)

// Sink receives the normalized events of one session.
type Sink interface {
	HandleMessage(text string)
	HandleError(c domain.Classification)
}

// Router subscribes sessions to their channels on a bus.
type Router struct {
	bus      *bus.Bus
	logger   *slog.Logger
	classify func(any) domain.Classification
}

// Option configures the Router.
type Option func(*Router)

// WithLogger configures a logger for the Router.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Router) {
		r.logger = logger
	}
}

// WithClassifier replaces the default error classifier.
func WithClassifier(fn func(any) domain.Classification) Option {
	return func(r *Router) {
		r.classify = fn
	}
}

// New creates a Router on top of b.
func New(b *bus.Bus, opts ...Option) *Router {
	r := &Router{
		bus:      b,
		logger:   logging.NewNop(),
		classify: classifier.Classify,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// replayTolerance is how far before Attach a notification may have been
// published and still be delivered. It absorbs clock skew between replicas;
// anything older is a replay from a persistent transport.
const replayTolerance = time.Second

// Subscription is the set of bus subscriptions held for one session.
type Subscription struct {
	channel string
	since   time.Time
	ctx     context.Context
	cancel  context.CancelFunc
	closed  atomic.Bool
	wg      sync.WaitGroup
}

// Close unsubscribes from every channel. Deliveries racing with Close are
// dropped. It does not wait, so it is safe to call from a Sink callback.
func (s *Subscription) Close() {
	s.closed.Store(true)
	s.cancel()
}

// Wait blocks until every consumer goroutine has exited. Call after Close.
func (s *Subscription) Wait() {
	s.wg.Wait()
}

func (s *Subscription) replayed(msg *message.Message) bool {
	at, ok := bus.PublishedAt(msg)
	return ok && at.Before(s.since)
}

// Channel returns the message channel this subscription serves.
func (s *Subscription) Channel() string {
	return s.channel
}

// Attach subscribes sink to channel, the global error channel and the
// derived session error channel.
func (r *Router) Attach(channel string, sink Sink) (*Subscription, error) {
	ctx, cancel := context.WithCancel(context.Background())
	sub := &Subscription{channel: channel, ctx: ctx, cancel: cancel, since: time.Now().Add(-replayTolerance)}

	routes := []struct {
		channel string
		handle  func([]byte)
	}{
		{channel, func(p []byte) { r.routeMessage(channel, p, sink) }},
		{domain.GlobalErrorChannel, func(p []byte) { r.routeError(channel, p, sink) }},
		{channel + domain.ErrorChannelSuffix, func(p []byte) { r.routeError(channel, p, sink) }},
	}

	for _, route := range routes {
		msgs, err := r.bus.Subscribe(ctx, route.channel)
		if err != nil {
			sub.Close()
			return nil, err
		}
		q := newInbox()
		sub.wg.Add(2)
		go r.pump(sub, msgs, q)
		go r.deliver(sub, q, route.handle)
	}

	r.logger.Debug("Router: attached", "channel", channel)
	return sub, nil
}

// pump moves one topic into its inbox and acks at once. The bus hands out
// the next message on a topic only after the previous one is acked, so the
// inbox keeps publish order while a slow Sink never holds up publishers.
func (r *Router) pump(sub *Subscription, msgs <-chan *message.Message, q *inbox) {
	defer sub.wg.Done()
	defer q.finish()
	for msg := range msgs {
		if !sub.closed.Load() && !sub.replayed(msg) {
			q.push(msg.Payload)
		}
		msg.Ack()
	}
}

// deliver hands inbox payloads to the Sink one at a time, in FIFO order.
func (r *Router) deliver(sub *Subscription, q *inbox, handle func([]byte)) {
	defer sub.wg.Done()
	for {
		payload, ok := q.pop(sub.ctx)
		if !ok || sub.closed.Load() {
			return
		}
		handle(payload)
	}
}

// inbox is an unbounded FIFO of payloads between a pump and its deliverer.
type inbox struct {
	mu       sync.Mutex
	items    [][]byte
	finished bool
	ready    chan struct{}
}

func newInbox() *inbox {
	return &inbox{ready: make(chan struct{}, 1)}
}

func (q *inbox) push(p []byte) {
	q.mu.Lock()
	q.items = append(q.items, p)
	q.mu.Unlock()
	q.signal()
}

func (q *inbox) finish() {
	q.mu.Lock()
	q.finished = true
	q.mu.Unlock()
	q.signal()
}

func (q *inbox) signal() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

// pop returns the oldest payload, waiting for one until ctx ends or the pump
// finishes with nothing left.
func (q *inbox) pop(ctx context.Context) ([]byte, bool) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			p := q.items[0]
			q.items[0] = nil
			q.items = q.items[1:]
			q.mu.Unlock()
			return p, true
		}
		finished := q.finished
		q.mu.Unlock()
		if finished {
			return nil, false
		}

		select {
		case <-q.ready:
		case <-ctx.Done():
			return nil, false
		}
	}
}

// messagePayload is the shape of a transcript notification: {message: string}.
type messagePayload struct {
	Message string `mapstructure:"message"`
}

// decodeMessage reads a transcript notification. Decoding is strict so a
// non-string message is rejected rather than coerced into text.
func decodeMessage(obj map[string]any) (string, error) {
	var p messagePayload
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &p,
		WeaklyTypedInput: false,
	})
	if err != nil {
		return "", err
	}
	if err := dec.Decode(obj); err != nil {
		return "", err
	}
	return p.Message, nil
}

func (r *Router) routeMessage(channel string, payload []byte, sink Sink) {
	var raw any
	if err := json.Unmarshal(payload, &raw); err != nil {
		r.logger.Debug("Router: dropping unparsable message", "channel", channel, "err", err)
		return
	}

	obj, ok := raw.(map[string]any)
	if !ok {
		r.logger.Debug("Router: dropping non-object message", "channel", channel)
		return
	}

	text, err := decodeMessage(obj)
	if err != nil {
		r.logger.Debug("Router: dropping malformed message", "channel", channel, "err", err)
		return
	}
	if text == "" {
		return
	}
	sink.HandleMessage(text)
}

func (r *Router) routeError(channel string, payload []byte, sink Sink) {
	var raw any
	if err := json.Unmarshal(payload, &raw); err != nil {
		raw = string(payload)
	}

	c := r.classify(raw)
	r.logger.Debug("Router: classified error", "channel", channel, "kind", c.Kind, "message", c.Message)
	sink.HandleError(c)
}
