// Copyright 2026 Teradata
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package broker

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/teradata-labs/amcp/pkg/event"
	"github.com/teradata-labs/amcp/pkg/observability"
	"github.com/teradata-labs/amcp/pkg/protocol"
)

func init() {
	RegisterTransport("memory", func(cfg Config, logger *zap.Logger) (EventBroker, error) {
		return NewMemoryBroker(cfg, logger), nil
	})
}

// MemoryBroker is the in-process transport. Each subscriber owns a bounded
// queue drained by a dedicated worker goroutine, so one slow subscriber
// never blocks publishers or its peers. All operations are safe for
// concurrent use.
type MemoryBroker struct {
	mu sync.RWMutex

	// Subscriber id → subscriber (queue + routes)
	subscribers map[string]*subscriber

	// Subscription id → route (for unsubscribe)
	routes map[string]*route

	cfg    Config
	logger *zap.Logger
	sink   observability.MetricsSink
	tracer observability.Tracer

	// Metrics (atomic counters)
	published    atomic.Int64
	delivered    atomic.Int64
	dropped      atomic.Int64
	failed       atomic.Int64
	deadLettered atomic.Int64

	// Lifecycle; stopCh and wg are replaced on every Start, guarded by mu.
	running atomic.Bool
	stopCh  chan struct{}
	wg      *sync.WaitGroup
}

// route is one (pattern, handler) registration of a subscriber.
type route struct {
	id           string
	subscriberID string
	pattern      *event.Pattern
	handler      Handler
	created      time.Time
}

// subscriber groups the routes sharing one queue and worker.
type subscriber struct {
	id      string
	queue   chan *delivery
	done    chan struct{} // closed when the last route is removed
	routes  []*route      // registration order; guarded by broker mu
	dropped atomic.Int64
}

// delivery is one queued event together with the route that matched it at
// publish time. When several of one subscriber's patterns match a topic,
// the earliest registered route wins; the subscriber still sees the event
// exactly once.
type delivery struct {
	evt   *event.Event
	route *route
}

// NewMemoryBroker builds a stopped in-process broker.
func NewMemoryBroker(cfg Config, logger *zap.Logger) *MemoryBroker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = DefaultQueueDepth
	}
	if cfg.DropPolicy == "" {
		cfg.DropPolicy = DropOldest
	}
	if cfg.Sink == nil {
		cfg.Sink = observability.NewNopSink()
	}
	return &MemoryBroker{
		subscribers: make(map[string]*subscriber),
		routes:      make(map[string]*route),
		cfg:         cfg,
		logger:      logger,
		sink:        cfg.Sink,
		tracer:      cfg.Tracer,
	}
}

// Start begins delivery. Calling Start on a running broker is a no-op.
func (b *MemoryBroker) Start(ctx context.Context) error {
	if !b.running.CompareAndSwap(false, true) {
		return nil
	}
	b.mu.Lock()
	b.stopCh = make(chan struct{})
	b.wg = &sync.WaitGroup{}
	for _, s := range b.subscribers {
		b.startWorkerLocked(s)
	}
	b.mu.Unlock()

	b.logger.Info("broker started",
		zap.String("transport", "memory"),
		zap.Int("queue_depth", b.cfg.QueueDepth),
		zap.String("drop_policy", string(b.cfg.DropPolicy)),
		zap.Bool("strict_validation", b.cfg.StrictValidation))
	return nil
}

// Stop drains subscriber queues and joins all workers. Respecting ctx, it
// returns early with the context error if draining exceeds the deadline.
// Calling Stop on a stopped broker is a no-op.
func (b *MemoryBroker) Stop(ctx context.Context) error {
	if !b.running.CompareAndSwap(true, false) {
		return nil
	}
	b.mu.Lock()
	stopCh := b.stopCh
	wg := b.wg
	b.stopCh = nil
	b.wg = nil
	b.mu.Unlock()

	if stopCh != nil {
		close(stopCh)
	}
	done := make(chan struct{})
	go func() {
		if wg != nil {
			wg.Wait()
		}
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("broker stop: %w", ctx.Err())
	}

	b.logger.Info("broker stopped",
		zap.Int64("published", b.published.Load()),
		zap.Int64("delivered", b.delivered.Load()),
		zap.Int64("dropped", b.dropped.Load()),
		zap.Int64("failed_deliveries", b.failed.Load()))
	return nil
}

// Publish queues e to every subscriber with at least one matching pattern
// and returns; handlers run asynchronously on subscriber workers. In strict
// validation mode an invalid event is rejected; otherwise the violation is
// logged and the event is still routed.
func (b *MemoryBroker) Publish(ctx context.Context, e *event.Event) error {
	if !b.running.Load() {
		return ErrNotRunning
	}
	if e == nil {
		return fmt.Errorf("event cannot be nil")
	}

	var span *observability.Span
	if b.tracer != nil {
		_, span = b.tracer.StartSpan(ctx, SpanPublish)
		defer b.tracer.EndSpan(span)
		span.SetAttribute("topic", e.Topic())
		span.SetAttribute("event_id", e.ID())
	}

	if err := e.Validate(); err != nil {
		if b.cfg.StrictValidation {
			return err
		}
		b.logger.Warn("publishing invalid event",
			zap.String("event_id", e.ID()),
			zap.Error(err))
	}

	topic := e.Topic()
	start := time.Now()
	queued := 0
	droppedNow := 0

	b.mu.RLock()
	for _, s := range b.subscribers {
		var matched *route
		for _, r := range s.routes {
			if r.pattern.Match(topic) {
				matched = r
				break
			}
		}
		if matched == nil {
			continue
		}
		enq, drops := s.enqueue(&delivery{evt: e, route: matched}, b.cfg.DropPolicy)
		droppedNow += drops
		if enq {
			queued++
		}
	}
	b.mu.RUnlock()

	b.published.Add(1)
	b.dropped.Add(int64(droppedNow))
	b.sink.IncCounter(observability.MetricEventsPublished, 1)

	if span != nil {
		span.SetAttribute("queued", queued)
		span.SetAttribute("dropped", droppedNow)
	}
	b.logger.Debug("broker publish",
		zap.String("topic", topic),
		zap.String("event_id", e.ID()),
		zap.Int("queued", queued),
		zap.Int("dropped", droppedNow),
		zap.Duration("latency", time.Since(start)))
	return nil
}

// Subscribe registers handler under subscriberID for all topics matching
// pattern. The broker may be stopped; delivery begins once it starts.
func (b *MemoryBroker) Subscribe(ctx context.Context, subscriberID, pattern string, handler Handler) (*Subscription, error) {
	if subscriberID == "" {
		return nil, fmt.Errorf("subscriber id cannot be empty")
	}
	if handler == nil {
		return nil, fmt.Errorf("handler cannot be nil")
	}
	compiled, err := event.CompilePattern(pattern)
	if err != nil {
		return nil, err
	}
	if pattern == "" {
		return nil, fmt.Errorf("%w: empty pattern matches nothing", event.ErrInvalidPattern)
	}

	r := &route{
		id:           fmt.Sprintf("%s-%s-%d", subscriberID, pattern, time.Now().UnixNano()),
		subscriberID: subscriberID,
		pattern:      compiled,
		handler:      handler,
		created:      time.Now(),
	}

	b.mu.Lock()
	s, ok := b.subscribers[subscriberID]
	if !ok {
		s = &subscriber{
			id:    subscriberID,
			queue: make(chan *delivery, b.cfg.QueueDepth),
			done:  make(chan struct{}),
		}
		b.subscribers[subscriberID] = s
		if b.running.Load() {
			b.startWorkerLocked(s)
		}
	}
	s.routes = append(s.routes, r)
	b.routes[r.id] = r
	b.mu.Unlock()

	b.logger.Info("broker subscribe",
		zap.String("subscription_id", r.id),
		zap.String("subscriber_id", subscriberID),
		zap.String("pattern", pattern))

	return &Subscription{
		ID:           r.id,
		SubscriberID: subscriberID,
		Pattern:      pattern,
		Created:      r.created,
	}, nil
}

// Unsubscribe removes one subscription. Removing a subscriber's last
// subscription retires its queue and worker.
func (b *MemoryBroker) Unsubscribe(ctx context.Context, subscriptionID string) error {
	b.mu.Lock()
	r, ok := b.routes[subscriptionID]
	if !ok {
		b.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrSubscriptionNotFound, subscriptionID)
	}
	delete(b.routes, subscriptionID)

	s := b.subscribers[r.subscriberID]
	if s != nil {
		for i, candidate := range s.routes {
			if candidate.id == subscriptionID {
				s.routes = append(s.routes[:i], s.routes[i+1:]...)
				break
			}
		}
		if len(s.routes) == 0 {
			delete(b.subscribers, r.subscriberID)
			close(s.done)
		}
	}
	b.mu.Unlock()

	b.logger.Info("broker unsubscribe",
		zap.String("subscription_id", subscriptionID),
		zap.String("subscriber_id", r.subscriberID))
	return nil
}

// Metrics reports a snapshot of broker counters.
func (b *MemoryBroker) Metrics() Metrics {
	b.mu.RLock()
	subscribers := len(b.subscribers)
	subscriptions := len(b.routes)
	b.mu.RUnlock()
	return Metrics{
		Published:           b.published.Load(),
		Delivered:           b.delivered.Load(),
		Dropped:             b.dropped.Load(),
		FailedDeliveries:    b.failed.Load(),
		DeadLettered:        b.deadLettered.Load(),
		Subscribers:         subscribers,
		ActiveSubscriptions: subscriptions,
	}
}

// startWorkerLocked spawns the subscriber's worker. Caller holds b.mu. A
// Subscribe racing a concurrent Start can observe running=true before Start
// has installed stopCh/wg; in that window the subscriber is skipped here and
// picked up by Start's own loop.
func (b *MemoryBroker) startWorkerLocked(s *subscriber) {
	if b.wg == nil || b.stopCh == nil {
		return
	}
	b.wg.Add(1)
	go b.runSubscriber(s, b.stopCh, b.wg)
}

// runSubscriber drains one subscriber queue until the broker stops or the
// subscriber is retired; on either signal it finishes what is already
// queued before exiting.
func (b *MemoryBroker) runSubscriber(s *subscriber, stopCh <-chan struct{}, wg *sync.WaitGroup) {
	defer wg.Done()
	for {
		select {
		case d := <-s.queue:
			b.deliver(s, d)
		case <-stopCh:
			b.drain(s)
			return
		case <-s.done:
			b.drain(s)
			return
		}
	}
}

func (b *MemoryBroker) drain(s *subscriber) {
	for {
		select {
		case d := <-s.queue:
			b.deliver(s, d)
		default:
			return
		}
	}
}

// deliver runs the matched handler for one queued event. Handler errors and
// panics are contained: counted, logged, and dead-lettered when enabled.
func (b *MemoryBroker) deliver(s *subscriber, d *delivery) {
	ctx := context.Background()
	var span *observability.Span
	if b.tracer != nil {
		ctx, span = b.tracer.StartSpan(ctx, SpanDeliver)
		defer b.tracer.EndSpan(span)
		span.SetAttribute("topic", d.evt.Topic())
		span.SetAttribute("subscriber_id", s.id)
	}

	if err := b.invoke(ctx, d.route, d.evt); err != nil {
		b.failed.Add(1)
		b.sink.IncCounter(observability.MetricDeliveriesFailed, 1)
		b.logger.Warn("delivery failed",
			zap.String("topic", d.evt.Topic()),
			zap.String("event_id", d.evt.ID()),
			zap.String("subscriber_id", s.id),
			zap.Error(err))
		b.deadLetter(d.evt, d.route, err)
	}

	b.delivered.Add(1)
	b.sink.IncCounter(observability.MetricEventsDelivered, 1)
}

func (b *MemoryBroker) invoke(ctx context.Context, r *route, e *event.Event) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("handler panic: %v", rec)
		}
	}()
	return r.handler(ctx, e)
}

// deadLetter republishes a failed delivery to <topic>.dlq. Events already
// on a dlq topic are never dead-lettered again.
func (b *MemoryBroker) deadLetter(e *event.Event, r *route, handlerErr error) {
	if !b.cfg.DeadLetter || protocol.IsDLQTopic(e.Topic()) {
		return
	}
	raw, err := event.Encode(e)
	if err != nil {
		b.logger.Error("encode dead letter", zap.Error(err))
		return
	}
	dlq, err := protocol.NewEvent(protocol.DLQTopic(e.Topic()), "amcp://broker", protocol.DeadLetter{
		Topic:        e.Topic(),
		SubscriberID: r.subscriberID,
		Error:        handlerErr.Error(),
		Event:        raw,
	}, event.WithSender("broker"))
	if err != nil {
		b.logger.Error("build dead letter", zap.Error(err))
		return
	}
	if err := b.Publish(context.Background(), dlq); err != nil {
		b.logger.Warn("publish dead letter failed",
			zap.String("topic", e.Topic()),
			zap.Error(err))
		return
	}
	b.deadLettered.Add(1)
}

// enqueue adds d to the subscriber queue according to policy. It reports
// whether d was admitted and how many deliveries were evicted to make room.
func (s *subscriber) enqueue(d *delivery, policy DropPolicy) (bool, int) {
	if policy == DropNewest {
		select {
		case s.queue <- d:
			return true, 0
		default:
			s.dropped.Add(1)
			return false, 1
		}
	}
	// DropOldest: evict from the head until the new delivery fits. The
	// worker may race us for the head; the loop converges either way.
	evicted := 0
	for {
		select {
		case s.queue <- d:
			return true, evicted
		default:
			select {
			case <-s.queue:
				s.dropped.Add(1)
				evicted++
			default:
			}
		}
	}
}

var _ EventBroker = (*MemoryBroker)(nil)
