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

// Package protocol defines the mesh wire contract: the reserved topic
// namespace and the typed payloads carried under each topic family. Every
// component speaks through these types instead of ad-hoc JSON maps.
package protocol

import (
	"strings"

	"github.com/teradata-labs/amcp/pkg/event"
)

// Reserved topics and topic prefixes.
const (
	TopicUserRequest  = "user.request"
	TopicUserResponse = "user.response"

	TaskRequestPrefix  = "task.request"
	TaskResponsePrefix = "task.response"

	TopicAgentRegister   = "agent.register"
	TopicAgentUnregister = "agent.unregister"
	TopicAgentHeartbeat  = "agent.heartbeat"

	HealthPrefix         = "system.health"
	TopicHealthDegraded  = "system.health.degraded"
	TopicHealthRecovered = "system.health.recovered"
	TopicCircuitOpened   = "system.health.circuit-opened"

	// DLQSuffix terminates every dead-letter topic.
	DLQSuffix = ".dlq"
)

// Subscription patterns used by the orchestrator side of the mesh.
const (
	PatternTaskResponses = TaskResponsePrefix + ".**"
	PatternTaskRequests  = TaskRequestPrefix + ".**"
	PatternAgentEvents   = "agent.*"
	PatternHealthEvents  = HealthPrefix + ".**"
)

// TaskRequestTopic returns the dispatch topic for a capability, e.g.
// "task.request.weather.get". Capabilities are themselves dotted paths.
func TaskRequestTopic(capability string) string {
	return TaskRequestPrefix + "." + capability
}

// TaskResponseTopic returns the reply topic for a capability.
func TaskResponseTopic(capability string) string {
	return TaskResponsePrefix + "." + capability
}

// CapabilityFromTopic extracts the capability from a task.request.* or
// task.response.* topic. ok is false for topics outside those families.
func CapabilityFromTopic(topic string) (capability string, ok bool) {
	for _, prefix := range []string{TaskRequestPrefix + ".", TaskResponsePrefix + "."} {
		if strings.HasPrefix(topic, prefix) {
			rest := strings.TrimPrefix(topic, prefix)
			if event.IsValidTopic(rest) {
				return rest, true
			}
			return "", false
		}
	}
	return "", false
}

// IsValidCapability reports whether a capability id is a well-formed dotted
// name such as "weather.get" or "flight-booking".
func IsValidCapability(capability string) bool {
	return event.IsValidTopic(capability)
}

// DLQTopic returns the dead-letter topic for a delivery topic.
func DLQTopic(topic string) string {
	return topic + DLQSuffix
}

// IsDLQTopic reports whether topic belongs to the dead-letter family.
// Dead-letter events are never dead-lettered again.
func IsDLQTopic(topic string) bool {
	return strings.HasSuffix(topic, DLQSuffix)
}
