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
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// RateLimiterConfig configures the provider rate limiter.
type RateLimiterConfig struct {
	// Enabled turns rate limiting on. Disabled limiters call through.
	Enabled bool

	// RequestsPerSecond is the sustained request rate across the process.
	RequestsPerSecond float64

	// TokensPerMinute bounds model-token consumption; tracked in a sliding
	// window for reporting, not enforced as a hard gate.
	TokensPerMinute int64

	// BurstCapacity is the token bucket size.
	BurstCapacity int

	// MinDelay is the minimum spacing between requests.
	MinDelay time.Duration

	// MaxRetries bounds retries of throttled (429) calls.
	MaxRetries int

	// RetryBackoff is the initial backoff for throttle retries; it doubles
	// on each attempt.
	RetryBackoff time.Duration

	// QueueTimeout is the longest a request may wait for a slot.
	QueueTimeout time.Duration

	Logger *zap.Logger
}

// DefaultRateLimiterConfig returns conservative planner-oriented defaults:
// the orchestrator makes few, large requests, so sustained rate matters less
// than surviving provider throttling.
func DefaultRateLimiterConfig() RateLimiterConfig {
	return RateLimiterConfig{
		Enabled:           true,
		RequestsPerSecond: 2.0,
		TokensPerMinute:   80000,
		BurstCapacity:     5,
		MinDelay:          200 * time.Millisecond,
		MaxRetries:        5,
		RetryBackoff:      time.Second,
		QueueTimeout:      2 * time.Minute,
	}
}

// RateLimiterMetrics is a snapshot of limiter activity.
type RateLimiterMetrics struct {
	TotalRequests     int64
	ThrottledRequests int64
	QueuedRequests    int64
	DroppedRequests   int64
	CurrentQueueDepth int64
	TokensConsumed    int64
	LastThrottleTime  time.Time
}

type limitedCall struct {
	ctx      context.Context
	call     func(context.Context) (any, error)
	resultCh chan *limitedResult
}

type limitedResult struct {
	result any
	err    error
}

type tokenSample struct {
	at     time.Time
	tokens int64
}

// RateLimiter serializes provider calls through a token bucket and retries
// throttled calls with exponential backoff. One limiter is shared per
// provider instance.
type RateLimiter struct {
	cfg    RateLimiterConfig
	logger *zap.Logger

	mu         sync.Mutex
	tokens     float64
	maxTokens  float64
	refillRate float64
	lastRefill time.Time

	windowMu sync.Mutex
	window   []tokenSample

	queue      chan *limitedCall
	queueDepth atomic.Int64

	metricsMu sync.Mutex
	metrics   RateLimiterMetrics

	stopCh chan struct{}
	closed atomic.Bool
	wg     sync.WaitGroup
}

// NewRateLimiter builds and starts a rate limiter.
func NewRateLimiter(cfg RateLimiterConfig) *RateLimiter {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = DefaultRateLimiterConfig().RequestsPerSecond
	}
	if cfg.BurstCapacity <= 0 {
		cfg.BurstCapacity = DefaultRateLimiterConfig().BurstCapacity
	}
	if cfg.QueueTimeout <= 0 {
		cfg.QueueTimeout = DefaultRateLimiterConfig().QueueTimeout
	}

	rl := &RateLimiter{
		cfg:        cfg,
		logger:     cfg.Logger,
		tokens:     float64(cfg.BurstCapacity),
		maxTokens:  float64(cfg.BurstCapacity),
		refillRate: cfg.RequestsPerSecond,
		lastRefill: time.Now(),
		queue:      make(chan *limitedCall, cfg.BurstCapacity*2),
		stopCh:     make(chan struct{}),
	}
	rl.wg.Add(1)
	go rl.processQueue()
	return rl
}

// Do runs call under the limiter, retrying throttled attempts. With the
// limiter disabled the call runs directly.
func (rl *RateLimiter) Do(ctx context.Context, call func(context.Context) (any, error)) (any, error) {
	if !rl.cfg.Enabled {
		return call(ctx)
	}
	if rl.closed.Load() {
		return nil, fmt.Errorf("rate limiter stopped")
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	req := &limitedCall{ctx: ctx, call: call, resultCh: make(chan *limitedResult, 1)}

	queueCtx, cancel := context.WithTimeout(ctx, rl.cfg.QueueTimeout)
	defer cancel()

	rl.queueDepth.Add(1)
	defer rl.queueDepth.Add(-1)

	select {
	case <-rl.stopCh:
		return nil, fmt.Errorf("rate limiter stopped")
	case <-queueCtx.Done():
		rl.count("dropped", 0)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("rate limiter queue timeout after %v", rl.cfg.QueueTimeout)
	case rl.queue <- req:
		rl.count("queued", 0)
	}

	select {
	case res := <-req.resultCh:
		return res.result, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-rl.stopCh:
		return nil, fmt.Errorf("rate limiter stopped")
	}
}

func (rl *RateLimiter) processQueue() {
	defer rl.wg.Done()
	for {
		select {
		case req := <-rl.queue:
			rl.serve(req)
		case <-rl.stopCh:
			return
		}
	}
}

func (rl *RateLimiter) serve(req *limitedCall) {
	for !rl.acquireToken() {
		select {
		case <-time.After(50 * time.Millisecond):
		case <-req.ctx.Done():
			req.resultCh <- &limitedResult{err: req.ctx.Err()}
			return
		case <-rl.stopCh:
			req.resultCh <- &limitedResult{err: fmt.Errorf("rate limiter stopped")}
			return
		}
	}
	if rl.cfg.MinDelay > 0 {
		time.Sleep(rl.cfg.MinDelay)
	}

	result, err := rl.callWithRetry(req.ctx, req.call)
	select {
	case req.resultCh <- &limitedResult{result: result, err: err}:
	case <-req.ctx.Done():
	case <-rl.stopCh:
	}
}

func (rl *RateLimiter) callWithRetry(ctx context.Context, call func(context.Context) (any, error)) (any, error) {
	backoff := rl.cfg.RetryBackoff
	if backoff <= 0 {
		backoff = time.Second
	}

	for attempt := 0; attempt <= rl.cfg.MaxRetries; attempt++ {
		result, err := call(ctx)
		rl.count("request", 0)
		if err == nil || !IsThrottlingError(err) {
			return result, err
		}

		rl.count("throttled", 0)
		rl.logger.Warn("llm request throttled",
			zap.Int("attempt", attempt+1),
			zap.Int("max_retries", rl.cfg.MaxRetries),
			zap.Duration("backoff", backoff),
			zap.Error(err))

		if attempt == rl.cfg.MaxRetries {
			break
		}
		select {
		case <-time.After(backoff):
			backoff *= 2
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-rl.stopCh:
			return nil, fmt.Errorf("rate limiter stopped during retry")
		}
	}
	return nil, fmt.Errorf("llm request failed after %d attempts due to throttling", rl.cfg.MaxRetries+1)
}

func (rl *RateLimiter) acquireToken() bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	elapsed := now.Sub(rl.lastRefill).Seconds()
	rl.tokens = min(rl.maxTokens, rl.tokens+elapsed*rl.refillRate)
	rl.lastRefill = now

	if rl.tokens >= 1.0 {
		rl.tokens--
		return true
	}
	return false
}

// IsThrottlingError reports whether err looks like provider throttling.
func IsThrottlingError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "429") ||
		strings.Contains(msg, "ThrottlingException") ||
		strings.Contains(msg, "TooManyRequests") ||
		strings.Contains(msg, "rate limit") ||
		strings.Contains(msg, "throttle")
}

// RecordTokenUsage notes consumed model tokens for the sliding window.
func (rl *RateLimiter) RecordTokenUsage(tokens int64) {
	rl.windowMu.Lock()
	now := time.Now()
	rl.window = append(rl.window, tokenSample{at: now, tokens: tokens})
	cutoff := now.Add(-time.Minute)
	for i, s := range rl.window {
		if s.at.After(cutoff) {
			rl.window = rl.window[i:]
			break
		}
	}
	rl.windowMu.Unlock()
	rl.count("tokens", tokens)
}

// TokenUsageLastMinute returns model tokens consumed in the last minute.
func (rl *RateLimiter) TokenUsageLastMinute() int64 {
	rl.windowMu.Lock()
	defer rl.windowMu.Unlock()

	var total int64
	cutoff := time.Now().Add(-time.Minute)
	for _, s := range rl.window {
		if s.at.After(cutoff) {
			total += s.tokens
		}
	}
	return total
}

// Metrics returns a snapshot of limiter counters.
func (rl *RateLimiter) Metrics() RateLimiterMetrics {
	rl.metricsMu.Lock()
	defer rl.metricsMu.Unlock()
	m := rl.metrics
	m.CurrentQueueDepth = rl.queueDepth.Load()
	return m
}

func (rl *RateLimiter) count(event string, value int64) {
	rl.metricsMu.Lock()
	defer rl.metricsMu.Unlock()
	switch event {
	case "request":
		rl.metrics.TotalRequests++
	case "throttled":
		rl.metrics.ThrottledRequests++
		rl.metrics.LastThrottleTime = time.Now()
	case "queued":
		rl.metrics.QueuedRequests++
	case "dropped":
		rl.metrics.DroppedRequests++
	case "tokens":
		rl.metrics.TokensConsumed += value
	}
}

// Close stops the limiter and waits for its worker. Idempotent.
func (rl *RateLimiter) Close() error {
	if !rl.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(rl.stopCh)
	rl.wg.Wait()
	return nil
}
