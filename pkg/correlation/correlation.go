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

// Package correlation links outbound fan-out requests to their asynchronous
// responses. A correlation context is created per dispatch, filled by
// Record as responses arrive, and drained by a single Await call that wakes
// on completion, timeout, or cancellation.
package correlation

import (
	"encoding/json"
	"errors"
	"sync"
	"time"
)

// Correlation states.
type State string

const (
	StatePending   State = "pending"
	StateCompleted State = "completed"
	StateTimedOut  State = "timedOut"
	StateCancelled State = "cancelled"
)

var (
	// ErrUnknownCorrelation is returned for ids absent from the table.
	ErrUnknownCorrelation = errors.New("unknown correlation id")

	// ErrTimeout marks an Await that returned before all expected
	// responses arrived. The partial results are still returned.
	ErrTimeout = errors.New("correlation timed out")

	// ErrCancelled marks an Await woken by Cancel.
	ErrCancelled = errors.New("correlation cancelled")

	// ErrOverloaded is returned by Create when the pending-correlation
	// bound is exhausted.
	ErrOverloaded = errors.New("correlation table overloaded")
)

// Response is one recorded answer. The payload is kept raw; the awaiting
// session decodes it against the capability's schema.
type Response struct {
	Source     string
	Payload    json.RawMessage
	ReceivedAt time.Time
}

// Context tracks one outbound request until enough responses arrive. Fields
// above the mutex are immutable after Create.
type Context struct {
	ID        string
	RequestID string
	Kind      string
	Expected  int
	CreatedAt time.Time
	Deadline  time.Time

	mu       sync.Mutex
	state    State
	received []Response
	done     chan struct{}
}

// State returns the current lifecycle state.
func (c *Context) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Received returns a copy of the responses recorded so far.
func (c *Context) Received() []Response {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Response(nil), c.received...)
}

// Done returns a channel closed when the context reaches a terminal state.
func (c *Context) Done() <-chan struct{} { return c.done }

// record appends r if the context is still pending. It reports whether the
// response was accepted and whether it completed the fan-out.
func (c *Context) record(r Response) (accepted, completed bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StatePending {
		return false, false
	}
	c.received = append(c.received, r)
	if len(c.received) >= c.Expected {
		c.state = StateCompleted
		close(c.done)
		return true, true
	}
	return true, false
}

// transition moves a pending context to a terminal state and signals the
// awaiter. Terminal contexts are never mutated again.
func (c *Context) transition(to State) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StatePending {
		return false
	}
	c.state = to
	close(c.done)
	return true
}

// snapshot returns the state and received list under one lock acquisition.
func (c *Context) snapshot() (State, []Response) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state, append([]Response(nil), c.received...)
}
