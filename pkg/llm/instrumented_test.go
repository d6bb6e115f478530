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
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/teradata-labs/amcp/pkg/observability"
)

// stubProvider returns a canned response or error.
type stubProvider struct {
	resp *Response
	err  error
}

func (s *stubProvider) Name() string  { return "stub" }
func (s *stubProvider) Model() string { return "stub-model" }

func (s *stubProvider) Complete(ctx context.Context, req Request) (*Response, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.resp, nil
}

// recordingTracer keeps every span it starts.
type recordingTracer struct {
	mu    sync.Mutex
	spans []*observability.Span
}

func (t *recordingTracer) StartSpan(ctx context.Context, name string) (context.Context, *observability.Span) {
	span := &observability.Span{Name: name}
	t.mu.Lock()
	t.spans = append(t.spans, span)
	t.mu.Unlock()
	return ctx, span
}

func (t *recordingTracer) EndSpan(span *observability.Span) {}

func (t *recordingTracer) span(name string) *observability.Span {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, s := range t.spans {
		if s.Name == name {
			return s
		}
	}
	return nil
}

func TestInstrumentedProvider_Success(t *testing.T) {
	inner := &stubProvider{
		resp: &Response{
			Content: "answer",
			Model:   "stub-model",
			Usage:   Usage{InputTokens: 100, OutputTokens: 50, TotalTokens: 150},
		},
	}
	tracer := &recordingTracer{}
	sink := observability.NewMemorySink()

	p := NewInstrumentedProvider(inner, tracer, sink, zaptest.NewLogger(t))

	resp, err := p.Complete(context.Background(), UserRequest("sys", "question", 0.2, 1024))
	require.NoError(t, err)
	assert.Equal(t, "answer", resp.Content)

	assert.Equal(t, float64(1), sink.Counter(observability.MetricLLMRequests))
	assert.Equal(t, float64(0), sink.Counter(observability.MetricLLMErrors))
	assert.Equal(t, float64(150), sink.Counter(observability.MetricLLMTokens))
	assert.Equal(t, int64(1), sink.Histogram(observability.MetricLLMLatencyMs).Count)

	span := tracer.span(SpanCompletion)
	require.NotNil(t, span)
	attrs := span.Attributes()
	assert.Equal(t, "stub", attrs["llm.provider"])
	assert.Equal(t, "stub-model", attrs["llm.model"])
	assert.Equal(t, 100, attrs["llm.tokens.input"])
	assert.Equal(t, 50, attrs["llm.tokens.output"])
}

func TestInstrumentedProvider_Error(t *testing.T) {
	inner := &stubProvider{err: errors.New("upstream refused")}
	tracer := &recordingTracer{}
	sink := observability.NewMemorySink()

	p := NewInstrumentedProvider(inner, tracer, sink, zaptest.NewLogger(t))

	resp, err := p.Complete(context.Background(), UserRequest("", "question", 0.0, 0))
	require.Error(t, err)
	assert.Nil(t, resp)

	assert.Equal(t, float64(1), sink.Counter(observability.MetricLLMRequests))
	assert.Equal(t, float64(1), sink.Counter(observability.MetricLLMErrors))
	assert.Equal(t, float64(0), sink.Counter(observability.MetricLLMTokens))

	span := tracer.span(SpanCompletion)
	require.NotNil(t, span)
	assert.Equal(t, "upstream refused", span.Attributes()["error"])
}

func TestInstrumentedProvider_NilCollaborators(t *testing.T) {
	inner := &stubProvider{resp: &Response{Content: "ok"}}

	p := NewInstrumentedProvider(inner, nil, nil, nil)

	resp, err := p.Complete(context.Background(), UserRequest("", "q", 0.5, 0))
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Content)
	assert.Equal(t, "stub", p.Name())
	assert.Equal(t, "stub-model", p.Model())
}
