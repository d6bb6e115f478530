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
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

func TestNewRateLimiter(t *testing.T) {
	config := DefaultRateLimiterConfig()
	config.Logger = zaptest.NewLogger(t)

	rl := NewRateLimiter(config)
	require.NotNil(t, rl)
	defer rl.Close() //nolint:errcheck

	assert.Equal(t, config.RequestsPerSecond, rl.refillRate)
	assert.Equal(t, float64(config.BurstCapacity), rl.maxTokens)
	assert.Equal(t, float64(config.BurstCapacity), rl.tokens)
}

func TestNewRateLimiter_FillsDefaults(t *testing.T) {
	rl := NewRateLimiter(RateLimiterConfig{Enabled: true})
	defer rl.Close() //nolint:errcheck

	assert.Equal(t, DefaultRateLimiterConfig().RequestsPerSecond, rl.refillRate)
	assert.Equal(t, float64(DefaultRateLimiterConfig().BurstCapacity), rl.maxTokens)
	assert.NotNil(t, rl.logger)
}

func TestRateLimiter_Do_Success(t *testing.T) {
	config := DefaultRateLimiterConfig()
	config.Logger = zaptest.NewLogger(t)
	config.RequestsPerSecond = 10
	config.MinDelay = 0

	rl := NewRateLimiter(config)
	defer rl.Close() //nolint:errcheck

	callCount := 0
	result, err := rl.Do(context.Background(), func(ctx context.Context) (any, error) {
		callCount++
		return "success", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "success", result)
	assert.Equal(t, 1, callCount)

	metrics := rl.Metrics()
	assert.Equal(t, int64(1), metrics.TotalRequests)
	assert.Equal(t, int64(0), metrics.ThrottledRequests)
}

func TestRateLimiter_Do_ThrottlingRetry(t *testing.T) {
	config := DefaultRateLimiterConfig()
	config.Logger = zaptest.NewLogger(t)
	config.RequestsPerSecond = 10
	config.MinDelay = 0
	config.MaxRetries = 3
	config.RetryBackoff = 10 * time.Millisecond

	rl := NewRateLimiter(config)
	defer rl.Close() //nolint:errcheck

	callCount := 0
	result, err := rl.Do(context.Background(), func(ctx context.Context) (any, error) {
		callCount++
		if callCount < 3 {
			return nil, errors.New("ThrottlingException: Too many tokens")
		}
		return "success", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "success", result)
	assert.Equal(t, 3, callCount)

	metrics := rl.Metrics()
	assert.Equal(t, int64(3), metrics.TotalRequests)
	assert.Equal(t, int64(2), metrics.ThrottledRequests)
}

func TestRateLimiter_Do_ThrottlingExhausted(t *testing.T) {
	config := DefaultRateLimiterConfig()
	config.Logger = zaptest.NewLogger(t)
	config.RequestsPerSecond = 10
	config.MinDelay = 0
	config.MaxRetries = 2
	config.RetryBackoff = 10 * time.Millisecond

	rl := NewRateLimiter(config)
	defer rl.Close() //nolint:errcheck

	callCount := 0
	result, err := rl.Do(context.Background(), func(ctx context.Context) (any, error) {
		callCount++
		return nil, errors.New("HTTP 429: rate limit exceeded")
	})

	require.Error(t, err)
	assert.Nil(t, result)
	assert.Contains(t, err.Error(), "failed after 3 attempts")
	assert.Equal(t, 3, callCount) // MaxRetries=2 means 3 total attempts

	metrics := rl.Metrics()
	assert.Equal(t, int64(3), metrics.TotalRequests)
	assert.Equal(t, int64(3), metrics.ThrottledRequests)
}

func TestRateLimiter_Do_Disabled(t *testing.T) {
	config := DefaultRateLimiterConfig()
	config.Enabled = false
	config.Logger = zaptest.NewLogger(t)

	rl := NewRateLimiter(config)
	defer rl.Close() //nolint:errcheck

	callCount := 0
	result, err := rl.Do(context.Background(), func(ctx context.Context) (any, error) {
		callCount++
		return "direct", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "direct", result)
	assert.Equal(t, 1, callCount)

	// Metrics are not updated when disabled.
	metrics := rl.Metrics()
	assert.Equal(t, int64(0), metrics.TotalRequests)
}

func TestRateLimiter_Do_ContextCancellation(t *testing.T) {
	config := DefaultRateLimiterConfig()
	config.Logger = zaptest.NewLogger(t)
	config.RequestsPerSecond = 1

	rl := NewRateLimiter(config)
	defer rl.Close() //nolint:errcheck

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result, err := rl.Do(ctx, func(ctx context.Context) (any, error) {
		return "should not execute", nil
	})

	require.Error(t, err)
	assert.Nil(t, result)
	assert.Equal(t, context.Canceled, err)
}

func TestRateLimiter_ConcurrentRequests(t *testing.T) {
	config := DefaultRateLimiterConfig()
	config.Logger = zaptest.NewLogger(t)
	config.RequestsPerSecond = 200
	config.BurstCapacity = 20
	config.MinDelay = 0

	rl := NewRateLimiter(config)
	defer rl.Close() //nolint:errcheck

	const numRequests = 50
	var successCount atomic.Int64
	var wg sync.WaitGroup

	for i := 0; i < numRequests; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()

			result, err := rl.Do(context.Background(), func(ctx context.Context) (any, error) {
				return fmt.Sprintf("request-%d", id), nil
			})

			if err == nil && result != nil {
				successCount.Add(1)
			}
		}(i)
	}

	wg.Wait()

	assert.Equal(t, int64(numRequests), successCount.Load())

	metrics := rl.Metrics()
	assert.Equal(t, int64(numRequests), metrics.TotalRequests)
	assert.Equal(t, int64(0), metrics.DroppedRequests)
}

func TestRateLimiter_TokenBucketRefill(t *testing.T) {
	config := DefaultRateLimiterConfig()
	config.Logger = zaptest.NewLogger(t)
	config.RequestsPerSecond = 10 // 1 token every 100ms
	config.BurstCapacity = 2
	config.MinDelay = 0

	rl := NewRateLimiter(config)
	defer rl.Close() //nolint:errcheck

	// Consume burst capacity (2 tokens).
	for i := 0; i < 2; i++ {
		_, err := rl.Do(context.Background(), func(ctx context.Context) (any, error) {
			return "ok", nil
		})
		require.NoError(t, err)
	}

	// Tokens exhausted, the next request has to wait for a refill.
	start := time.Now()
	_, err := rl.Do(context.Background(), func(ctx context.Context) (any, error) {
		return "ok", nil
	})
	elapsed := time.Since(start)

	require.NoError(t, err)
	assert.GreaterOrEqual(t, elapsed, 90*time.Millisecond)
}

func TestRateLimiter_QueueTimeout(t *testing.T) {
	config := DefaultRateLimiterConfig()
	config.Logger = zaptest.NewLogger(t)
	config.RequestsPerSecond = 0.1 // 1 request per 10 seconds
	config.BurstCapacity = 1
	config.MinDelay = 0
	config.QueueTimeout = 100 * time.Millisecond

	rl := NewRateLimiter(config)

	// Consume burst capacity.
	_, err := rl.Do(context.Background(), func(ctx context.Context) (any, error) {
		return "ok", nil
	})
	require.NoError(t, err)

	// With the bucket empty and a glacial refill the worker stalls, so
	// enough concurrent requests fill the queue channel.
	var wg sync.WaitGroup
	for i := 0; i < cap(rl.queue)+1; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = rl.Do(context.Background(), func(ctx context.Context) (any, error) {
				return "ok", nil
			})
		}()
	}

	// Give the goroutines time to fill the queue.
	time.Sleep(50 * time.Millisecond)

	// This request cannot enqueue before the timeout.
	result, err := rl.Do(context.Background(), func(ctx context.Context) (any, error) {
		return "should not execute", nil
	})

	require.Error(t, err)
	assert.Nil(t, result)
	assert.Contains(t, err.Error(), "queue timeout")

	metrics := rl.Metrics()
	assert.Greater(t, metrics.DroppedRequests, int64(0))

	rl.Close() //nolint:errcheck
	wg.Wait()
}

func TestRateLimiter_RecordTokenUsage(t *testing.T) {
	config := DefaultRateLimiterConfig()
	config.Logger = zaptest.NewLogger(t)

	rl := NewRateLimiter(config)
	defer rl.Close() //nolint:errcheck

	rl.RecordTokenUsage(1000)
	rl.RecordTokenUsage(2000)
	rl.RecordTokenUsage(3000)

	total := rl.TokenUsageLastMinute()
	assert.Equal(t, int64(6000), total)

	metrics := rl.Metrics()
	assert.Equal(t, int64(6000), metrics.TokensConsumed)
}

func TestRateLimiter_TokenUsageWindow(t *testing.T) {
	config := DefaultRateLimiterConfig()
	config.Logger = zaptest.NewLogger(t)

	rl := NewRateLimiter(config)
	defer rl.Close() //nolint:errcheck

	// Seed an entry older than the window.
	rl.windowMu.Lock()
	rl.window = append(rl.window, tokenSample{
		at:     time.Now().Add(-2 * time.Minute),
		tokens: 5000,
	})
	rl.windowMu.Unlock()

	rl.RecordTokenUsage(1000)

	// Only the recent usage counts, the old entry is pruned.
	total := rl.TokenUsageLastMinute()
	assert.Equal(t, int64(1000), total)
}

func TestIsThrottlingError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{
			name:     "HTTP 429 error",
			err:      errors.New("HTTP 429: Too Many Requests"),
			expected: true,
		},
		{
			name:     "ThrottlingException",
			err:      errors.New("ThrottlingException: Too many tokens"),
			expected: true,
		},
		{
			name:     "TooManyRequests",
			err:      errors.New("TooManyRequests: rate limit exceeded"),
			expected: true,
		},
		{
			name:     "rate limit keyword",
			err:      errors.New("API rate limit exceeded"),
			expected: true,
		},
		{
			name:     "throttle keyword",
			err:      errors.New("request throttled by provider"),
			expected: true,
		},
		{
			name:     "other error",
			err:      errors.New("connection timeout"),
			expected: false,
		},
		{
			name:     "nil error",
			err:      nil,
			expected: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, IsThrottlingError(tt.err))
		})
	}
}

func TestRateLimiter_MinDelay(t *testing.T) {
	config := DefaultRateLimiterConfig()
	config.Logger = zaptest.NewLogger(t)
	config.RequestsPerSecond = 100
	config.MinDelay = 100 * time.Millisecond

	rl := NewRateLimiter(config)
	defer rl.Close() //nolint:errcheck

	start := time.Now()

	for i := 0; i < 2; i++ {
		_, err := rl.Do(context.Background(), func(ctx context.Context) (any, error) {
			return "ok", nil
		})
		require.NoError(t, err)
	}

	elapsed := time.Since(start)

	// Each request pays the minimum delay.
	assert.GreaterOrEqual(t, elapsed, 200*time.Millisecond)
}

func TestRateLimiter_Metrics(t *testing.T) {
	config := DefaultRateLimiterConfig()
	config.Logger = zaptest.NewLogger(t)
	config.RequestsPerSecond = 50
	config.MinDelay = 0
	config.RetryBackoff = 10 * time.Millisecond

	rl := NewRateLimiter(config)
	defer rl.Close() //nolint:errcheck

	_, err := rl.Do(context.Background(), func(ctx context.Context) (any, error) {
		return "ok", nil
	})
	require.NoError(t, err)

	// Throttled twice, succeeds on the third attempt.
	callCount := 0
	_, err = rl.Do(context.Background(), func(ctx context.Context) (any, error) {
		callCount++
		if callCount < 3 {
			return nil, errors.New("429 throttled")
		}
		return "ok", nil
	})
	require.NoError(t, err)

	metrics := rl.Metrics()
	assert.Equal(t, int64(4), metrics.TotalRequests) // 1 + 3 attempts
	assert.Equal(t, int64(2), metrics.ThrottledRequests)
	assert.Greater(t, metrics.QueuedRequests, int64(0))
	assert.False(t, metrics.LastThrottleTime.IsZero())
}

func TestRateLimiter_ConcurrentThrottling(t *testing.T) {
	config := DefaultRateLimiterConfig()
	config.Logger = zaptest.NewLogger(t)
	config.RequestsPerSecond = 200
	config.BurstCapacity = 10
	config.MinDelay = 0
	config.MaxRetries = 2
	config.RetryBackoff = 10 * time.Millisecond

	rl := NewRateLimiter(config)
	defer rl.Close() //nolint:errcheck

	const numRequests = 20
	var successCount atomic.Int64
	var wg sync.WaitGroup

	for i := 0; i < numRequests; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()

			callCount := 0
			result, err := rl.Do(context.Background(), func(ctx context.Context) (any, error) {
				callCount++
				// Every third caller is throttled on its first attempt.
				if callCount == 1 && id%3 == 0 {
					return nil, errors.New("429 rate limit")
				}
				return fmt.Sprintf("request-%d", id), nil
			})

			if err == nil && result != nil {
				successCount.Add(1)
			}
		}(i)
	}

	wg.Wait()

	assert.Equal(t, int64(numRequests), successCount.Load())

	metrics := rl.Metrics()
	assert.Equal(t, int64(numRequests), metrics.QueuedRequests)
	assert.Greater(t, metrics.ThrottledRequests, int64(0))
}

func TestRateLimiter_Close(t *testing.T) {
	config := DefaultRateLimiterConfig()
	config.Logger = zaptest.NewLogger(t)

	rl := NewRateLimiter(config)

	err := rl.Close()
	assert.NoError(t, err)
	assert.NoError(t, rl.Close()) // idempotent

	result, err := rl.Do(context.Background(), func(ctx context.Context) (any, error) {
		return "should not execute", nil
	})

	require.Error(t, err)
	assert.Nil(t, result)
	assert.Contains(t, err.Error(), "stopped")
}

func TestRateLimiter_TokenWindowPruning(t *testing.T) {
	config := DefaultRateLimiterConfig()
	config.Logger = zaptest.NewLogger(t)

	rl := NewRateLimiter(config)
	defer rl.Close() //nolint:errcheck

	rl.windowMu.Lock()
	rl.window = append(rl.window,
		tokenSample{at: time.Now().Add(-90 * time.Second), tokens: 1000},
		tokenSample{at: time.Now().Add(-70 * time.Second), tokens: 2000},
		tokenSample{at: time.Now().Add(-30 * time.Second), tokens: 3000},
	)
	rl.windowMu.Unlock()

	rl.RecordTokenUsage(4000)

	// Only entries inside the window remain: 3000 + 4000.
	total := rl.TokenUsageLastMinute()
	assert.Equal(t, int64(7000), total)
}

func TestRateLimiter_ExponentialBackoff(t *testing.T) {
	config := DefaultRateLimiterConfig()
	config.Logger = zaptest.NewLogger(t)
	config.MinDelay = 0
	config.MaxRetries = 3
	config.RetryBackoff = 50 * time.Millisecond

	rl := NewRateLimiter(config)
	defer rl.Close() //nolint:errcheck

	callTimes := make([]time.Time, 0)
	_, err := rl.Do(context.Background(), func(ctx context.Context) (any, error) {
		callTimes = append(callTimes, time.Now())
		return nil, errors.New("ThrottlingException")
	})

	require.Error(t, err)
	require.Len(t, callTimes, 4) // 1 initial + 3 retries

	delay1 := callTimes[1].Sub(callTimes[0])
	delay2 := callTimes[2].Sub(callTimes[1])
	delay3 := callTimes[3].Sub(callTimes[2])

	assert.GreaterOrEqual(t, delay1, 50*time.Millisecond)
	assert.GreaterOrEqual(t, delay2, 100*time.Millisecond)
	assert.GreaterOrEqual(t, delay3, 200*time.Millisecond)
}

func TestRateLimiter_RaceConditions(t *testing.T) {
	// Meant to run under -race.
	config := DefaultRateLimiterConfig()
	config.Logger = zaptest.NewLogger(t)
	config.RequestsPerSecond = 200
	config.MinDelay = 0

	rl := NewRateLimiter(config)
	defer rl.Close() //nolint:errcheck

	var wg sync.WaitGroup
	const numGoroutines = 20
	const requestsPerGoroutine = 10

	for i := 0; i < numGoroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			for j := 0; j < requestsPerGoroutine; j++ {
				_, _ = rl.Do(context.Background(), func(ctx context.Context) (any, error) {
					return "ok", nil
				})
				rl.RecordTokenUsage(int64(100 + j))
				_ = rl.Metrics()
				_ = rl.TokenUsageLastMinute()
			}
		}()
	}

	wg.Wait()
}

func BenchmarkRateLimiter_Do(b *testing.B) {
	config := DefaultRateLimiterConfig()
	config.Logger = zap.NewNop()
	config.RequestsPerSecond = 1000
	config.MinDelay = 0

	rl := NewRateLimiter(config)
	defer rl.Close() //nolint:errcheck

	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = rl.Do(ctx, func(ctx context.Context) (any, error) {
			return "ok", nil
		})
	}
}
