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

package observability

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Tracer instruments runtime operations with spans. Implementations must be
// safe for concurrent use.
type Tracer interface {
	// StartSpan creates a span and returns a context carrying it.
	StartSpan(ctx context.Context, name string) (context.Context, *Span)

	// EndSpan completes a span. Always call via defer after StartSpan.
	EndSpan(span *Span)
}

// Span is one timed operation with free-form attributes.
type Span struct {
	ID        string
	ParentID  string
	Name      string
	StartTime time.Time
	EndTime   time.Time

	mu    sync.Mutex
	attrs map[string]any
}

// SetAttribute records a key/value pair on the span.
func (s *Span) SetAttribute(key string, value any) {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.attrs == nil {
		s.attrs = make(map[string]any)
	}
	s.attrs[key] = value
}

// Attributes returns a copy of the recorded attributes.
func (s *Span) Attributes() map[string]any {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]any, len(s.attrs))
	for k, v := range s.attrs {
		out[k] = v
	}
	return out
}

// Duration returns the span's elapsed time (to now while still open).
func (s *Span) Duration() time.Duration {
	if s == nil || s.StartTime.IsZero() {
		return 0
	}
	if s.EndTime.IsZero() {
		return time.Since(s.StartTime)
	}
	return s.EndTime.Sub(s.StartTime)
}

type spanContextKey struct{}

// SpanFromContext retrieves the current span, or nil.
func SpanFromContext(ctx context.Context) *Span {
	span, _ := ctx.Value(spanContextKey{}).(*Span)
	return span
}

// NoOpTracer produces inert spans. Use when tracing is disabled; spans still
// carry attributes so instrumented code needs no nil checks.
type NoOpTracer struct{}

// NewNoOpTracer returns a tracer that records nothing.
func NewNoOpTracer() *NoOpTracer { return &NoOpTracer{} }

func (t *NoOpTracer) StartSpan(ctx context.Context, name string) (context.Context, *Span) {
	span := &Span{Name: name, StartTime: time.Now()}
	return context.WithValue(ctx, spanContextKey{}, span), span
}

func (t *NoOpTracer) EndSpan(span *Span) {
	if span != nil && span.EndTime.IsZero() {
		span.EndTime = time.Now()
	}
}

// LogTracer writes every completed span to the logger at debug level. Useful
// in development; production deployments typically run NoOpTracer and rely
// on the metrics sink instead.
type LogTracer struct {
	logger *zap.Logger
}

// NewLogTracer returns a tracer logging spans through logger.
func NewLogTracer(logger *zap.Logger) *LogTracer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogTracer{logger: logger}
}

func (t *LogTracer) StartSpan(ctx context.Context, name string) (context.Context, *Span) {
	span := &Span{
		ID:        uuid.New().String(),
		Name:      name,
		StartTime: time.Now(),
	}
	if parent := SpanFromContext(ctx); parent != nil {
		span.ParentID = parent.ID
	}
	return context.WithValue(ctx, spanContextKey{}, span), span
}

func (t *LogTracer) EndSpan(span *Span) {
	if span == nil {
		return
	}
	if span.EndTime.IsZero() {
		span.EndTime = time.Now()
	}
	t.logger.Debug("span",
		zap.String("span_id", span.ID),
		zap.String("parent_id", span.ParentID),
		zap.String("name", span.Name),
		zap.Duration("duration", span.Duration()),
		zap.Any("attributes", span.Attributes()),
	)
}

var (
	_ Tracer = (*NoOpTracer)(nil)
	_ Tracer = (*LogTracer)(nil)
)
