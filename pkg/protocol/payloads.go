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

package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/teradata-labs/amcp/pkg/event"
)

// Agent health states reported in heartbeats.
const (
	StatusHealthy  = "healthy"
	StatusDegraded = "degraded"
)

// Alert kinds published on the system.health.* family.
const (
	AlertHealthDegraded  = "HealthDegraded"
	AlertHealthRecovered = "HealthRecovered"
	AlertCircuitOpened   = "CircuitOpened"
)

// UserRequest is the data payload of a user.request event.
type UserRequest struct {
	Query         string `json:"query"`
	UserID        string `json:"userId,omitempty"`
	SessionID     string `json:"sessionId,omitempty"`
	CorrelationID string `json:"correlationId,omitempty"`
}

// UserResponse is the data payload of a user.response event. Exactly one is
// published per accepted user.request, carrying the same correlationId.
type UserResponse struct {
	CorrelationID string   `json:"correlationId"`
	Answer        string   `json:"answer"`
	Degraded      bool     `json:"degraded,omitempty"`
	Missing       []string `json:"missing,omitempty"`
}

// TaskRequest is the data payload of a task.request.<capability> event.
type TaskRequest struct {
	CorrelationID string         `json:"correlationId"`
	TaskID        string         `json:"taskId,omitempty"`
	Capability    string         `json:"capability"`
	Parameters    map[string]any `json:"parameters,omitempty"`
	Priority      int            `json:"priority,omitempty"`
	TimeoutMs     int64          `json:"timeoutMs,omitempty"`
	Deadline      time.Time      `json:"deadline,omitzero"`
}

// ErrorDetail carries a failed task's machine-readable error.
type ErrorDetail struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

func (e *ErrorDetail) Error() string {
	if e == nil {
		return ""
	}
	if e.Code == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// TaskResponse is the data payload of a task.response.<capability> event.
// Result is kept raw so the synthesizer can relay agent output verbatim.
type TaskResponse struct {
	CorrelationID string          `json:"correlationId"`
	TaskID        string          `json:"taskId,omitempty"`
	Capability    string          `json:"capability,omitempty"`
	Success       bool            `json:"success"`
	Result        json.RawMessage `json:"result,omitempty"`
	Error         *ErrorDetail    `json:"error,omitempty"`
}

// Registration is the data payload of agent.register: the descriptor an
// agent advertises when joining the mesh.
type Registration struct {
	AgentID      string            `json:"agentId"`
	AgentType    string            `json:"agentType"`
	Capabilities []string          `json:"capabilities"`
	Endpoint     string            `json:"endpoint,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// Unregister is the data payload of agent.unregister.
type Unregister struct {
	AgentID string `json:"agentId"`
	Reason  string `json:"reason,omitempty"`
}

// Heartbeat is the data payload of agent.heartbeat.
type Heartbeat struct {
	AgentID    string             `json:"agentId"`
	Status     string             `json:"status"`
	ErrorCount int                `json:"errorCount"`
	Metrics    map[string]float64 `json:"metrics,omitempty"`
}

// HealthAlert is the data payload of system.health.* events.
type HealthAlert struct {
	Kind      string    `json:"kind"`
	Subject   string    `json:"subject"`
	Reason    string    `json:"reason,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// AlertTopic maps an alert kind to its reserved topic. Unknown kinds land
// on the family prefix so they stay visible to system.health.** subscribers.
func AlertTopic(kind string) string {
	switch kind {
	case AlertHealthDegraded:
		return TopicHealthDegraded
	case AlertHealthRecovered:
		return TopicHealthRecovered
	case AlertCircuitOpened:
		return TopicCircuitOpened
	default:
		return HealthPrefix + ".other"
	}
}

// DeadLetter is the data payload of <topic>.dlq events: the original
// envelope plus the delivery failure that sent it there.
type DeadLetter struct {
	Topic        string          `json:"topic"`
	SubscriberID string          `json:"subscriberId"`
	Error        string          `json:"error"`
	Event        json.RawMessage `json:"event"`
}

// DecodeUserRequest extracts and checks a user.request payload.
func DecodeUserRequest(e *event.Event) (UserRequest, error) {
	var req UserRequest
	if err := e.DecodeData(&req); err != nil {
		return req, fmt.Errorf("decode user.request: %w", err)
	}
	if req.Query == "" {
		return req, fmt.Errorf("user.request %s: query is required", e.ID())
	}
	return req, nil
}

// DecodeUserResponse extracts and checks a user.response payload.
func DecodeUserResponse(e *event.Event) (UserResponse, error) {
	var resp UserResponse
	if err := e.DecodeData(&resp); err != nil {
		return resp, fmt.Errorf("decode user.response: %w", err)
	}
	if resp.CorrelationID == "" {
		return resp, fmt.Errorf("user.response %s: correlationId is required", e.ID())
	}
	return resp, nil
}

// DecodeTaskRequest extracts and checks a task.request payload.
func DecodeTaskRequest(e *event.Event) (TaskRequest, error) {
	var req TaskRequest
	if err := e.DecodeData(&req); err != nil {
		return req, fmt.Errorf("decode task.request: %w", err)
	}
	if req.CorrelationID == "" {
		return req, fmt.Errorf("task.request %s: correlationId is required", e.ID())
	}
	if req.Capability == "" {
		if fromTopic, ok := CapabilityFromTopic(e.Topic()); ok {
			req.Capability = fromTopic
		} else {
			return req, fmt.Errorf("task.request %s: capability is required", e.ID())
		}
	}
	return req, nil
}

// DecodeTaskResponse extracts and checks a task.response payload. The
// capability falls back to the topic when an agent omits it.
func DecodeTaskResponse(e *event.Event) (TaskResponse, error) {
	var resp TaskResponse
	if err := e.DecodeData(&resp); err != nil {
		return resp, fmt.Errorf("decode task.response: %w", err)
	}
	if resp.CorrelationID == "" {
		return resp, fmt.Errorf("task.response %s: correlationId is required", e.ID())
	}
	if resp.Capability == "" {
		if fromTopic, ok := CapabilityFromTopic(e.Topic()); ok {
			resp.Capability = fromTopic
		}
	}
	return resp, nil
}

// DecodeRegistration extracts and checks an agent.register payload.
func DecodeRegistration(e *event.Event) (Registration, error) {
	var reg Registration
	if err := e.DecodeData(&reg); err != nil {
		return reg, fmt.Errorf("decode agent.register: %w", err)
	}
	if reg.AgentID == "" {
		return reg, fmt.Errorf("agent.register %s: agentId is required", e.ID())
	}
	for _, capability := range reg.Capabilities {
		if !IsValidCapability(capability) {
			return reg, fmt.Errorf("agent.register %s: malformed capability %q", e.ID(), capability)
		}
	}
	return reg, nil
}

// DecodeUnregister extracts and checks an agent.unregister payload. The
// agent id falls back to the envelope sender.
func DecodeUnregister(e *event.Event) (Unregister, error) {
	var u Unregister
	if err := e.DecodeData(&u); err != nil {
		return u, fmt.Errorf("decode agent.unregister: %w", err)
	}
	if u.AgentID == "" {
		u.AgentID = e.Sender()
	}
	if u.AgentID == "" {
		return u, fmt.Errorf("agent.unregister %s: agentId is required", e.ID())
	}
	return u, nil
}

// DecodeHeartbeat extracts and checks an agent.heartbeat payload.
func DecodeHeartbeat(e *event.Event) (Heartbeat, error) {
	var hb Heartbeat
	if err := e.DecodeData(&hb); err != nil {
		return hb, fmt.Errorf("decode agent.heartbeat: %w", err)
	}
	if hb.AgentID == "" {
		hb.AgentID = e.Sender()
	}
	if hb.AgentID == "" {
		return hb, fmt.Errorf("agent.heartbeat %s: agentId is required", e.ID())
	}
	return hb, nil
}

// NewEvent wraps a typed payload into a validated envelope on the given
// topic. Extra options are applied after source and data.
func NewEvent(topic, source string, payload any, opts ...event.Option) (*event.Event, error) {
	base := []event.Option{event.WithSource(source), event.WithData(payload)}
	return event.New(topic, append(base, opts...)...)
}
