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
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/teradata-labs/amcp/pkg/event"
)

// CircuitState represents the current state of the circuit breaker.
type CircuitState int

const (
	StateClosed   CircuitState = iota // Normal operation
	StateOpen                         // Failing - reject requests immediately
	StateHalfOpen                     // Testing - allow limited requests
)

func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig defines circuit breaker behavior.
type CircuitBreakerConfig struct {
	FailureThreshold int           // Consecutive failures to open circuit (default: 5)
	SuccessThreshold int           // Consecutive successes to close from half-open (default: 2)
	Timeout          time.Duration // Wait before attempting half-open (default: 30s)
	OnStateChange    func(from, to CircuitState)
}

// DefaultCircuitBreakerConfig returns sensible defaults.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Timeout:          30 * time.Second,
	}
}

// CircuitBreaker guards transport publishes against cascading failures.
// Recovery uses exponential backoff: each reopen doubles the open timeout,
// capped at 60s.
type CircuitBreaker struct {
	mu               sync.RWMutex
	state            CircuitState
	failureCount     int
	successCount     int
	consecutiveOpens int
	lastFailureTime  time.Time
	lastStateChange  time.Time
	lastError        error
	config           CircuitBreakerConfig
	logger           *zap.Logger
}

// NewCircuitBreaker creates a closed breaker.
func NewCircuitBreaker(config CircuitBreakerConfig, logger *zap.Logger) *CircuitBreaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 5
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = 2
	}
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CircuitBreaker{
		state:           StateClosed,
		config:          config,
		logger:          logger,
		lastStateChange: time.Now(),
	}
}

// Execute wraps an operation with circuit breaker logic. Every returned
// error counts toward the failure threshold.
func (cb *CircuitBreaker) Execute(operation func() error) error {
	return cb.ExecuteEx(operation, nil)
}

// ExecuteEx wraps an operation with circuit breaker logic. When countFailure
// is non-nil, only errors it approves count toward the threshold; others are
// returned without moving the breaker (used for caller mistakes such as
// invalid events, which say nothing about transport health).
func (cb *CircuitBreaker) ExecuteEx(operation func() error, countFailure func(error) bool) error {
	if err := cb.beforeRequest(); err != nil {
		return err
	}
	err := operation()
	cb.afterRequest(err, countFailure)
	return err
}

func (cb *CircuitBreaker) beforeRequest() error {
	cb.mu.RLock()
	state := cb.state
	lastFailure := cb.lastFailureTime
	cb.mu.RUnlock()

	switch state {
	case StateClosed, StateHalfOpen:
		return nil

	case StateOpen:
		timeout := cb.Timeout()
		if time.Since(lastFailure) >= timeout {
			cb.setState(StateHalfOpen)
			cb.logger.Info("circuit_breaker_half_open",
				zap.Duration("elapsed", time.Since(lastFailure)),
				zap.Duration("timeout_used", timeout))
			return nil
		}
		remaining := timeout - time.Since(lastFailure)
		return fmt.Errorf("circuit breaker open: too many consecutive failures (%d), retry after %v",
			cb.config.FailureThreshold, remaining)

	default:
		return fmt.Errorf("unknown circuit breaker state: %v", state)
	}
}

func (cb *CircuitBreaker) afterRequest(err error, countFailure func(error) bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if err == nil {
		cb.onSuccess()
		return
	}
	if countFailure != nil && !countFailure(err) {
		cb.logger.Debug("circuit_breaker_uncounted_error", zap.Error(err))
		return
	}
	cb.onFailure(err)
}

func (cb *CircuitBreaker) onSuccess() {
	switch cb.state {
	case StateClosed:
		cb.failureCount = 0

	case StateHalfOpen:
		cb.successCount++
		if cb.successCount >= cb.config.SuccessThreshold {
			cb.failureCount = 0
			cb.successCount = 0
			cb.consecutiveOpens = 0
			cb.setStateLocked(StateClosed)
			cb.logger.Info("circuit_breaker_closed",
				zap.String("reason", "success_threshold_reached"))
		}
	}
}

func (cb *CircuitBreaker) onFailure(err error) {
	cb.failureCount++
	cb.lastFailureTime = time.Now()
	cb.lastError = err

	switch cb.state {
	case StateClosed:
		cb.logger.Warn("circuit_breaker_failure",
			zap.Error(err),
			zap.Int("failure_count", cb.failureCount),
			zap.Int("threshold", cb.config.FailureThreshold))
		if cb.failureCount >= cb.config.FailureThreshold {
			cb.consecutiveOpens++
			cb.setStateLocked(StateOpen)
			cb.logger.Error("circuit_breaker_opened",
				zap.Int("consecutive_failures", cb.failureCount),
				zap.Int("consecutive_opens", cb.consecutiveOpens),
				zap.Duration("timeout", cb.timeoutLocked()))
		}

	case StateHalfOpen:
		cb.setStateLocked(StateOpen)
		cb.successCount = 0
		cb.logger.Warn("circuit_breaker_reopened",
			zap.Error(err),
			zap.String("reason", "half_open_failure"))
	}
}

func (cb *CircuitBreaker) setState(newState CircuitState) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.setStateLocked(newState)
}

func (cb *CircuitBreaker) setStateLocked(newState CircuitState) {
	if cb.state == newState {
		return
	}
	oldState := cb.state
	cb.state = newState
	cb.lastStateChange = time.Now()
	if cb.config.OnStateChange != nil {
		cb.config.OnStateChange(oldState, newState)
	}
}

// State returns the current circuit state.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state
}

// CircuitBreakerStats contains circuit breaker statistics.
type CircuitBreakerStats struct {
	State            CircuitState
	FailureCount     int
	SuccessCount     int
	LastFailureTime  time.Time
	LastStateChange  time.Time
	FailureThreshold int
	SuccessThreshold int
	ConsecutiveOpens int
}

// Stats returns current circuit breaker statistics.
func (cb *CircuitBreaker) Stats() CircuitBreakerStats {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return CircuitBreakerStats{
		State:            cb.state,
		FailureCount:     cb.failureCount,
		SuccessCount:     cb.successCount,
		LastFailureTime:  cb.lastFailureTime,
		LastStateChange:  cb.lastStateChange,
		FailureThreshold: cb.config.FailureThreshold,
		SuccessThreshold: cb.config.SuccessThreshold,
		ConsecutiveOpens: cb.consecutiveOpens,
	}
}

// Reset manually closes the breaker without waiting for the timeout.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	oldState := cb.state
	cb.state = StateClosed
	cb.failureCount = 0
	cb.successCount = 0
	cb.lastFailureTime = time.Time{}
	cb.lastStateChange = time.Now()
	cb.consecutiveOpens = 0

	if cb.config.OnStateChange != nil && oldState != StateClosed {
		cb.config.OnStateChange(oldState, StateClosed)
	}
}

// Timeout returns the current open-state timeout with exponential backoff
// applied: base, base*2, base*4, capped at 60s.
func (cb *CircuitBreaker) Timeout() time.Duration {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.timeoutLocked()
}

func (cb *CircuitBreaker) timeoutLocked() time.Duration {
	if cb.consecutiveOpens <= 0 {
		return cb.config.Timeout
	}
	delay := cb.config.Timeout * (1 << uint(cb.consecutiveOpens-1))
	if maxDelay := 60 * time.Second; delay > maxDelay {
		delay = maxDelay
	}
	return delay
}

// GuardConfig tunes the publish guard decorator.
type GuardConfig struct {
	Breaker      CircuitBreakerConfig
	MaxAttempts  int           // Publish attempts before surfacing (default: 3)
	RetryBackoff time.Duration // Initial retry backoff, doubled per attempt (default: 50ms)
}

// DefaultGuardConfig returns the decorator defaults.
func DefaultGuardConfig() GuardConfig {
	return GuardConfig{
		Breaker:      DefaultCircuitBreakerConfig(),
		MaxAttempts:  3,
		RetryBackoff: 50 * time.Millisecond,
	}
}

// GuardedBroker decorates a broker with publish retry and a circuit
// breaker. Transient transport failures are retried with exponential
// backoff; persistent failure opens the breaker and sheds publishes fast.
// All other broker methods pass through.
type GuardedBroker struct {
	inner   EventBroker
	breaker *CircuitBreaker
	cfg     GuardConfig
	logger  *zap.Logger
}

// WithPublishGuard wraps inner with retry and breaker protection.
func WithPublishGuard(inner EventBroker, cfg GuardConfig, logger *zap.Logger) *GuardedBroker {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 50 * time.Millisecond
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GuardedBroker{
		inner:   inner,
		breaker: NewCircuitBreaker(cfg.Breaker, logger),
		cfg:     cfg,
		logger:  logger,
	}
}

func (g *GuardedBroker) Start(ctx context.Context) error { return g.inner.Start(ctx) }
func (g *GuardedBroker) Stop(ctx context.Context) error  { return g.inner.Stop(ctx) }

// Publish attempts the inner publish up to MaxAttempts times for transient
// errors. Caller mistakes (invalid event, stopped broker) surface at once
// and do not move the breaker.
func (g *GuardedBroker) Publish(ctx context.Context, e *event.Event) error {
	return g.breaker.ExecuteEx(func() error {
		backoff := g.cfg.RetryBackoff
		var err error
		for attempt := 1; attempt <= g.cfg.MaxAttempts; attempt++ {
			err = g.inner.Publish(ctx, e)
			if err == nil {
				return nil
			}
			if !isTransientPublishError(err) || attempt == g.cfg.MaxAttempts {
				break
			}
			g.logger.Debug("publish retry",
				zap.Int("attempt", attempt),
				zap.Duration("backoff", backoff),
				zap.Error(err))
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return fmt.Errorf("publish aborted: %w", ctx.Err())
			}
			backoff *= 2
		}
		return err
	}, isTransientPublishError)
}

func (g *GuardedBroker) Subscribe(ctx context.Context, subscriberID, pattern string, handler Handler) (*Subscription, error) {
	return g.inner.Subscribe(ctx, subscriberID, pattern, handler)
}

func (g *GuardedBroker) Unsubscribe(ctx context.Context, subscriptionID string) error {
	return g.inner.Unsubscribe(ctx, subscriptionID)
}

func (g *GuardedBroker) Metrics() Metrics { return g.inner.Metrics() }

// Breaker exposes the publish breaker for stats and manual reset.
func (g *GuardedBroker) Breaker() *CircuitBreaker { return g.breaker }

// isTransientPublishError separates transport trouble (worth retrying and
// counting) from caller mistakes (not worth either).
func isTransientPublishError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrNotRunning) || errors.Is(err, event.ErrInvalidEvent) {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return true
}

var _ EventBroker = (*GuardedBroker)(nil)
