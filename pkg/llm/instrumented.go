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

package llm

import (
	"context"
	"io"
	"time"

	"go.uber.org/zap"

	"github.com/teradata-labs/amcp/pkg/observability"
)

// SpanCompletion names the tracing span around one provider call.
const SpanCompletion = "llm.complete"

// InstrumentedProvider wraps a Provider with tracing, metrics, and logging.
// The wrapper is transparent: it changes no request or response.
type InstrumentedProvider struct {
	inner  Provider
	tracer observability.Tracer
	sink   observability.MetricsSink
	logger *zap.Logger
}

// NewInstrumentedProvider wraps inner. Nil tracer, sink, or logger fall back
// to no-ops.
func NewInstrumentedProvider(inner Provider, tracer observability.Tracer, sink observability.MetricsSink, logger *zap.Logger) *InstrumentedProvider {
	if tracer == nil {
		tracer = observability.NewNoOpTracer()
	}
	if sink == nil {
		sink = observability.NewNopSink()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &InstrumentedProvider{inner: inner, tracer: tracer, sink: sink, logger: logger}
}

// Name returns the wrapped provider's name.
func (p *InstrumentedProvider) Name() string { return p.inner.Name() }

// Model returns the wrapped provider's model identifier.
func (p *InstrumentedProvider) Model() string { return p.inner.Model() }

// Close releases the wrapped provider's resources when it holds any.
func (p *InstrumentedProvider) Close() error {
	if closer, ok := p.inner.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}

// Complete delegates to the wrapped provider, recording latency, token
// usage, and errors.
func (p *InstrumentedProvider) Complete(ctx context.Context, req Request) (*Response, error) {
	spanCtx, span := p.tracer.StartSpan(ctx, SpanCompletion)
	defer p.tracer.EndSpan(span)
	span.SetAttribute("llm.provider", p.inner.Name())
	span.SetAttribute("llm.model", p.inner.Model())
	span.SetAttribute("llm.messages", len(req.Messages))
	span.SetAttribute("llm.temperature", req.Temperature)

	start := time.Now()
	resp, err := p.inner.Complete(spanCtx, req)
	elapsed := time.Since(start)

	p.sink.IncCounter(observability.MetricLLMRequests, 1)
	p.sink.ObserveHistogram(observability.MetricLLMLatencyMs, float64(elapsed.Milliseconds()))

	if err != nil {
		span.SetAttribute("error", err.Error())
		p.sink.IncCounter(observability.MetricLLMErrors, 1)
		p.logger.Warn("llm completion failed",
			zap.String("provider", p.inner.Name()),
			zap.String("model", p.inner.Model()),
			zap.Duration("elapsed", elapsed),
			zap.Error(err))
		return nil, err
	}

	span.SetAttribute("llm.tokens.input", resp.Usage.InputTokens)
	span.SetAttribute("llm.tokens.output", resp.Usage.OutputTokens)
	span.SetAttribute("llm.stop_reason", resp.StopReason)
	p.sink.IncCounter(observability.MetricLLMTokens, float64(resp.Usage.TotalTokens))
	p.logger.Debug("llm completion",
		zap.String("provider", p.inner.Name()),
		zap.String("model", p.inner.Model()),
		zap.Int("input_tokens", resp.Usage.InputTokens),
		zap.Int("output_tokens", resp.Usage.OutputTokens),
		zap.Duration("elapsed", elapsed))
	return resp, nil
}

var _ Provider = (*InstrumentedProvider)(nil)
