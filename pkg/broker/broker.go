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

// Package broker provides pattern-routed publish/subscribe for mesh events.
//
// The package ships an in-process transport; distributed bindings (Kafka,
// NATS, Solace) plug in through RegisterTransport and must honor the same
// contract: at-least-once delivery, FIFO per (publisher source, subscriber),
// and bounded per-subscriber queues with an explicit drop policy.
package broker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/teradata-labs/amcp/pkg/event"
	"github.com/teradata-labs/amcp/pkg/observability"
)

// Span names for broker instrumentation.
const (
	SpanPublish = "broker.publish"
	SpanDeliver = "broker.deliver"
)

// Default configuration values.
const (
	// DefaultQueueDepth bounds each subscriber's pending deliveries.
	DefaultQueueDepth = 256
)

var (
	// ErrNotRunning is returned by Publish before Start or after Stop.
	ErrNotRunning = errors.New("broker is not running")

	// ErrSubscriptionNotFound is returned by Unsubscribe for unknown ids.
	ErrSubscriptionNotFound = errors.New("subscription not found")
)

// Handler consumes one delivered event. Handlers run on broker-owned
// workers, never on the publisher's goroutine; a returned error is counted
// and may dead-letter the event, but never aborts the broker. Handlers must
// not block for long; long work should be handed off.
type Handler func(ctx context.Context, e *event.Event) error

// DropPolicy selects which event is discarded when a subscriber queue is
// full.
type DropPolicy string

const (
	// DropOldest evicts the head of the queue to admit the new event.
	DropOldest DropPolicy = "oldest"
	// DropNewest discards the incoming event and keeps the queue.
	DropNewest DropPolicy = "newest"
)

// Config holds broker construction options. Distributed-transport fields
// (Bootstrap, TopicPrefix, Partitions, Replication) are ignored by the
// in-process transport.
type Config struct {
	Type        string
	Bootstrap   []string
	TopicPrefix string
	Partitions  int
	Replication int

	QueueDepth       int
	DropPolicy       DropPolicy
	StrictValidation bool
	DeadLetter       bool

	Sink   observability.MetricsSink
	Tracer observability.Tracer
}

// DefaultConfig returns the in-process transport defaults.
func DefaultConfig() Config {
	return Config{
		Type:       "memory",
		QueueDepth: DefaultQueueDepth,
		DropPolicy: DropOldest,
		DeadLetter: true,
	}
}

// Metrics is a point-in-time snapshot of broker activity.
type Metrics struct {
	Published           int64
	Delivered           int64
	Dropped             int64
	FailedDeliveries    int64
	DeadLettered        int64
	Subscribers         int
	ActiveSubscriptions int
}

// Subscription is the handle returned by Subscribe, used to Unsubscribe.
type Subscription struct {
	ID           string
	SubscriberID string
	Pattern      string
	Created      time.Time
}

// EventBroker routes events from publishers to pattern subscribers.
// Start and Stop are idempotent; the broker may be restarted. All methods
// are safe for concurrent use.
type EventBroker interface {
	// Start makes the broker accept publishes and begin delivering.
	Start(ctx context.Context) error

	// Stop halts delivery after draining queued events. Events published
	// after Stop fail with ErrNotRunning.
	Stop(ctx context.Context) error

	// Publish routes e to every subscriber with a matching pattern. It
	// returns once the event is queued to all matching subscribers; handler
	// execution is asynchronous.
	Publish(ctx context.Context, e *event.Event) error

	// Subscribe registers a handler for every topic matching pattern.
	// Subscribing the same subscriberID again adds a route sharing that
	// subscriber's queue. An event matching several of one subscriber's
	// patterns is delivered once, to the earliest registered matching
	// route.
	Subscribe(ctx context.Context, subscriberID, pattern string, handler Handler) (*Subscription, error)

	// Unsubscribe removes one subscription by id.
	Unsubscribe(ctx context.Context, subscriptionID string) error

	// Metrics reports delivery counters and table sizes.
	Metrics() Metrics
}

// Factory builds a broker for one transport type.
type Factory func(cfg Config, logger *zap.Logger) (EventBroker, error)

var (
	transportsMu sync.RWMutex
	transports   = make(map[string]Factory)
)

// RegisterTransport makes a transport available to New. Bindings call this
// from their init; registering a duplicate name panics.
func RegisterTransport(name string, factory Factory) {
	transportsMu.Lock()
	defer transportsMu.Unlock()
	if _, dup := transports[name]; dup {
		panic(fmt.Sprintf("broker: transport %q registered twice", name))
	}
	transports[name] = factory
}

// Transports lists registered transport names, sorted.
func Transports() []string {
	transportsMu.RLock()
	defer transportsMu.RUnlock()
	names := make([]string, 0, len(transports))
	for name := range transports {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// New builds a broker for cfg.Type ("memory" when empty). Distributed types
// resolve only when their binding package is linked in.
func New(cfg Config, logger *zap.Logger) (EventBroker, error) {
	name := cfg.Type
	if name == "" {
		name = "memory"
	}
	transportsMu.RLock()
	factory, ok := transports[name]
	transportsMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown broker type %q (registered: %v)", name, Transports())
	}
	return factory(cfg, logger)
}
