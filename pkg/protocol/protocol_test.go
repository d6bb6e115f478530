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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teradata-labs/amcp/pkg/event"
)

func TestCapabilityFromTopic(t *testing.T) {
	cases := []struct {
		topic string
		want  string
		ok    bool
	}{
		{"task.request.weather.get", "weather.get", true},
		{"task.response.flight-booking", "flight-booking", true},
		{"task.request.", "", false},
		{"user.request", "", false},
		{"task.requests.weather.get", "", false},
	}
	for _, tc := range cases {
		got, ok := CapabilityFromTopic(tc.topic)
		assert.Equal(t, tc.ok, ok, "topic %q", tc.topic)
		assert.Equal(t, tc.want, got, "topic %q", tc.topic)
	}
}

func TestTaskTopics_RoundTrip(t *testing.T) {
	topic := TaskRequestTopic("currency.convert")
	assert.Equal(t, "task.request.currency.convert", topic)

	capability, ok := CapabilityFromTopic(topic)
	require.True(t, ok)
	assert.Equal(t, "currency.convert", capability)
}

func TestDLQTopic(t *testing.T) {
	assert.Equal(t, "user.request.dlq", DLQTopic("user.request"))
	assert.True(t, IsDLQTopic("user.request.dlq"))
	assert.False(t, IsDLQTopic("user.request"))
}

func TestDecodeTaskResponse_CapabilityFromTopic(t *testing.T) {
	e, err := NewEvent(TaskResponseTopic("weather.get"), "amcp://agents/weather-1", TaskResponse{
		CorrelationID: "corr-1",
		Success:       true,
		Result:        []byte(`{"tempC": 21}`),
	})
	require.NoError(t, err)

	resp, err := DecodeTaskResponse(e)
	require.NoError(t, err)
	assert.Equal(t, "weather.get", resp.Capability)
	assert.True(t, resp.Success)
	assert.JSONEq(t, `{"tempC": 21}`, string(resp.Result))
}

func TestDecodeTaskResponse_RequiresCorrelationID(t *testing.T) {
	e, err := NewEvent(TaskResponseTopic("weather.get"), "amcp://agents/weather-1", TaskResponse{
		Success: true,
	})
	require.NoError(t, err)

	_, err = DecodeTaskResponse(e)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "correlationId")
}

func TestDecodeUserRequest(t *testing.T) {
	e, err := NewEvent(TopicUserRequest, "amcp://gateway", UserRequest{Query: "weather in Nice"})
	require.NoError(t, err)

	req, err := DecodeUserRequest(e)
	require.NoError(t, err)
	assert.Equal(t, "weather in Nice", req.Query)

	empty, err := NewEvent(TopicUserRequest, "amcp://gateway", UserRequest{})
	require.NoError(t, err)
	_, err = DecodeUserRequest(empty)
	assert.Error(t, err)
}

func TestDecodeRegistration_ValidatesCapabilities(t *testing.T) {
	e, err := NewEvent(TopicAgentRegister, "amcp://agents/weather-1", Registration{
		AgentID:      "weather-1",
		AgentType:    "weather",
		Capabilities: []string{"weather.get", "bad..capability"},
	})
	require.NoError(t, err)

	_, err = DecodeRegistration(e)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad..capability")
}

func TestDecodeHeartbeat_FallsBackToSender(t *testing.T) {
	e, err := NewEvent(TopicAgentHeartbeat, "amcp://agents/weather-1",
		Heartbeat{Status: StatusHealthy},
		event.WithSender("weather-1"),
	)
	require.NoError(t, err)

	hb, err := DecodeHeartbeat(e)
	require.NoError(t, err)
	assert.Equal(t, "weather-1", hb.AgentID)
	assert.Equal(t, StatusHealthy, hb.Status)
}

func TestAlertTopic(t *testing.T) {
	assert.Equal(t, TopicHealthDegraded, AlertTopic(AlertHealthDegraded))
	assert.Equal(t, TopicHealthRecovered, AlertTopic(AlertHealthRecovered))
	assert.Equal(t, TopicCircuitOpened, AlertTopic(AlertCircuitOpened))
	assert.Equal(t, "system.health.other", AlertTopic("Custom"))
}
