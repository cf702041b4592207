// Package bus provides the in-process typed event bus connecting the
// decision pipeline, order flow, ledger, and audit trail. Delivery is
// fan-out on a single dispatch goroutine: a publish returns after every
// handler for that event has run, and events published by one caller are
// observed in publish order.
package bus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/warroomhq/warroom/internal/metrics"
)

// Topic identifies an event stream. The set is closed: publishing or
// subscribing outside it is an error.
type Topic string

const (
	TopicOrderSent         Topic = "order_sent"
	TopicOrderFilled       Topic = "order_filled"
	TopicOrderCancelled    Topic = "order_cancelled"
	TopicOrderRejected     Topic = "order_rejected"
	TopicOrderFailed       Topic = "order_failed"
	TopicSignalReceived    Topic = "signal_received"
	TopicSignalValidated   Topic = "signal_validated"
	TopicSignalRejected    Topic = "signal_rejected"
	TopicPositionOpened    Topic = "position_opened"
	TopicPositionClosed    Topic = "position_closed"
	TopicPositionStopLoss  Topic = "position_stop_loss_triggered"
	TopicRiskLimitExceeded Topic = "risk_limit_exceeded"
	TopicKillSwitch        Topic = "kill_switch_activated"
	TopicDebateStarted     Topic = "debate_started"
	TopicDebateEnded       Topic = "debate_ended"
	TopicConsensusReached  Topic = "consensus_reached"
	TopicSystemStarted     Topic = "system_started"
	TopicSystemStopped     Topic = "system_stopped"
	TopicRecoveryStarted   Topic = "recovery_started"
	TopicRecoveryCompleted Topic = "recovery_completed"
	TopicErrorOccurred     Topic = "error_occurred"
	TopicReserved1         Topic = "reserved_1"
	TopicReserved2         Topic = "reserved_2"
)

// Topics lists every known topic
var Topics = []Topic{
	TopicOrderSent, TopicOrderFilled, TopicOrderCancelled, TopicOrderRejected,
	TopicOrderFailed, TopicSignalReceived, TopicSignalValidated,
	TopicSignalRejected, TopicPositionOpened, TopicPositionClosed,
	TopicPositionStopLoss, TopicRiskLimitExceeded, TopicKillSwitch,
	TopicDebateStarted, TopicDebateEnded, TopicConsensusReached,
	TopicSystemStarted, TopicSystemStopped, TopicRecoveryStarted,
	TopicRecoveryCompleted, TopicErrorOccurred, TopicReserved1, TopicReserved2,
}

var knownTopics = func() map[Topic]struct{} {
	m := make(map[Topic]struct{}, len(Topics))
	for _, t := range Topics {
		m[t] = struct{}{}
	}
	return m
}()

// Event is a single bus message
type Event struct {
	ID      uuid.UUID
	Topic   Topic
	At      time.Time
	Payload map[string]interface{}
}

// Handler processes one event. Returning an error does not stop delivery
// to other handlers; the error is logged and counted.
type Handler func(ctx context.Context, evt Event) error

// DefaultHistorySize is the ring buffer capacity when none is given
const DefaultHistorySize = 10000

type namedHandler struct {
	name string
	fn   Handler
}

type publishReq struct {
	evt  Event
	done chan struct{} // nil when the publisher does not wait
}

type dispatchKey struct{}

// Bus is the in-process event bus
type Bus struct {
	logger zerolog.Logger

	mu       sync.RWMutex
	handlers map[Topic][]namedHandler
	allSubs  []namedHandler

	queueMu sync.Mutex
	queue   []publishReq
	wake    chan struct{}

	history *ringBuffer

	stopOnce sync.Once
	stopping chan struct{}
	stopped  chan struct{}
}

// New creates a bus with the given history capacity and starts its
// dispatch goroutine. historySize <= 0 selects DefaultHistorySize.
func New(logger zerolog.Logger, historySize int) *Bus {
	if historySize <= 0 {
		historySize = DefaultHistorySize
	}
	b := &Bus{
		logger:   logger,
		handlers: make(map[Topic][]namedHandler),
		wake:     make(chan struct{}, 1),
		history:  newRingBuffer(historySize),
		stopping: make(chan struct{}),
		stopped:  make(chan struct{}),
	}
	go b.dispatchLoop()
	return b
}

// Subscribe registers a handler for one topic. Registration happens at
// startup, before traffic flows; it is still safe under concurrency.
func (b *Bus) Subscribe(topic Topic, name string, fn Handler) error {
	if _, ok := knownTopics[topic]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTopic, topic)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[topic] = append(b.handlers[topic], namedHandler{name: name, fn: fn})
	return nil
}

// SubscribeAll registers a handler for every topic (audit trail, metrics)
func (b *Bus) SubscribeAll(name string, fn Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.allSubs = append(b.allSubs, namedHandler{name: name, fn: fn})
}

// Publish delivers an event to every subscriber of topic and returns once
// all handlers have run. A publish from inside a handler is enqueued
// behind the in-flight event and returns immediately; waiting there would
// deadlock the dispatch goroutine.
func (b *Bus) Publish(ctx context.Context, topic Topic, payload map[string]interface{}) error {
	if _, ok := knownTopics[topic]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTopic, topic)
	}
	select {
	case <-b.stopping:
		return ErrBusClosed
	default:
	}

	evt := Event{
		ID:      uuid.New(),
		Topic:   topic,
		At:      time.Now().UTC(),
		Payload: payload,
	}

	req := publishReq{evt: evt}
	if ctx.Value(dispatchKey{}) == nil {
		req.done = make(chan struct{})
	}
	b.enqueue(req)

	if req.done == nil {
		return nil
	}
	select {
	case <-req.done:
		return nil
	case <-ctx.Done():
		// Delivery still completes on the dispatch goroutine
		return ctx.Err()
	}
}

// History returns up to limit most-recent events, newest first. An empty
// topic returns events across all topics.
func (b *Bus) History(topic Topic, limit int) []Event {
	return b.history.snapshot(topic, limit)
}

// Close stops the dispatch loop after draining queued events
func (b *Bus) Close() {
	b.stopOnce.Do(func() {
		close(b.stopping)
		select {
		case b.wake <- struct{}{}:
		default:
		}
		<-b.stopped
	})
}

func (b *Bus) enqueue(req publishReq) {
	b.queueMu.Lock()
	b.queue = append(b.queue, req)
	b.queueMu.Unlock()
	select {
	case b.wake <- struct{}{}:
	default:
	}
}

func (b *Bus) dispatchLoop() {
	defer close(b.stopped)
	for {
		req, ok := b.dequeue()
		if !ok {
			select {
			case <-b.wake:
				continue
			case <-b.stopping:
				// Drain whatever was queued before the close
				for {
					req, ok := b.dequeue()
					if !ok {
						return
					}
					b.deliver(req)
				}
			}
		}
		b.deliver(req)
	}
}

func (b *Bus) dequeue() (publishReq, bool) {
	b.queueMu.Lock()
	defer b.queueMu.Unlock()
	if len(b.queue) == 0 {
		return publishReq{}, false
	}
	req := b.queue[0]
	b.queue = b.queue[1:]
	return req, true
}

func (b *Bus) deliver(req publishReq) {
	evt := req.evt
	b.history.append(evt)
	metrics.BusEventsTotal.WithLabelValues(string(evt.Topic)).Inc()

	b.mu.RLock()
	subs := make([]namedHandler, 0, len(b.handlers[evt.Topic])+len(b.allSubs))
	subs = append(subs, b.handlers[evt.Topic]...)
	subs = append(subs, b.allSubs...)
	b.mu.RUnlock()

	ctx := context.WithValue(context.Background(), dispatchKey{}, true)
	for _, sub := range subs {
		b.runHandler(ctx, sub, evt)
	}

	if req.done != nil {
		close(req.done)
	}
}

// runHandler invokes one handler, containing panics and logging failures
// so the remaining handlers still see the event
func (b *Bus) runHandler(ctx context.Context, sub namedHandler, evt Event) {
	defer func() {
		if r := recover(); r != nil {
			metrics.BusHandlerErrorsTotal.WithLabelValues(string(evt.Topic), sub.name).Inc()
			b.logger.Error().
				Str("topic", string(evt.Topic)).
				Str("handler", sub.name).
				Interface("panic", r).
				Msg("Event handler panicked")
		}
	}()

	if err := sub.fn(ctx, evt); err != nil {
		metrics.BusHandlerErrorsTotal.WithLabelValues(string(evt.Topic), sub.name).Inc()
		b.logger.Error().
			Err(err).
			Str("topic", string(evt.Topic)).
			Str("handler", sub.name).
			Str("event_id", evt.ID.String()).
			Msg("Event handler failed")
	}
}
