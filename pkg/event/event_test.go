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

package event

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_Defaults(t *testing.T) {
	e, err := New("task.request.flight-booking", WithSource("amcp://orchestrator"))
	require.NoError(t, err)

	assert.Equal(t, SpecVersion, e.SpecVersion())
	assert.NotEmpty(t, e.ID())
	assert.Equal(t, "com.teradata.amcp.task.request.flight-booking", e.Type())
	assert.Equal(t, "amcp://orchestrator", e.Source())
	assert.Equal(t, "task.request.flight-booking", e.Topic())
	assert.Equal(t, DefaultContentType, e.DataContentType())
	assert.False(t, e.Time().IsZero())
	assert.WithinDuration(t, time.Now(), e.Time(), 5*time.Second)
}

func TestNew_RequiresSource(t *testing.T) {
	_, err := New("user.request")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidEvent)
	assert.Contains(t, err.Error(), "source")
}

func TestNew_RejectsMalformedTopics(t *testing.T) {
	cases := []string{
		"task..request",
		".task",
		"task.",
		"task.*",
		"task.**",
	}
	for _, topic := range cases {
		_, err := New(topic, WithSource("amcp://test"))
		assert.ErrorIs(t, err, ErrInvalidEvent, "topic %q should be rejected", topic)
	}
}

func TestNew_EmptyTopicRequiresExplicitType(t *testing.T) {
	_, err := New("", WithSource("amcp://test"))
	require.ErrorIs(t, err, ErrInvalidEvent)

	e, err := New("", WithSource("amcp://test"), WithType("com.example.custom"))
	require.NoError(t, err)
	assert.Equal(t, "com.example.custom", e.Type())
	assert.Empty(t, e.Topic())
}

func TestNew_TopicDerivedFromTypePrefix(t *testing.T) {
	e, err := New("", WithSource("amcp://test"), WithType(TypePrefix+"user.response"))
	require.NoError(t, err)
	assert.Equal(t, "user.response", e.Topic())
}

func TestWithExtension_RejectsCEPrefix(t *testing.T) {
	_, err := New("user.request",
		WithSource("amcp://test"),
		WithExtension("ce-custom", "nope"),
	)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidEvent)

	// case-insensitive on the reserved prefix
	_, err = New("user.request",
		WithSource("amcp://test"),
		WithExtension("CE-custom", "nope"),
	)
	require.Error(t, err)
}

func TestWithExtension_RejectsReservedAndMalformedNames(t *testing.T) {
	for _, name := range []string{"source", "data", "specversion", "", "Amcp-Topic", "has space", "has_underscore"} {
		_, err := New("user.request",
			WithSource("amcp://test"),
			WithExtension(name, "v"),
		)
		assert.ErrorIs(t, err, ErrInvalidEvent, "extension name %q should be rejected", name)
	}
}

func TestWithExtension_ScalarsOnly(t *testing.T) {
	_, err := New("user.request",
		WithSource("amcp://test"),
		WithExtension("amcp-meta-bad", map[string]string{"k": "v"}),
	)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidEvent)

	e, err := New("user.request",
		WithSource("amcp://test"),
		WithExtension("retries", 3),
		WithExtension("ratio", 0.5),
		WithExtension("flag", true),
	)
	require.NoError(t, err)

	retries, ok := e.Extension("retries")
	require.True(t, ok)
	assert.Equal(t, int64(3), retries)

	ratio, ok := e.Extension("ratio")
	require.True(t, ok)
	assert.Equal(t, 0.5, ratio)

	flag, ok := e.Extension("flag")
	require.True(t, ok)
	assert.Equal(t, true, flag)
}

func TestEvent_SenderAndMeta(t *testing.T) {
	e, err := New("task.response.weather",
		WithSource("amcp://agents/weather-1"),
		WithSender("weather-1"),
		WithMeta("trace", "abc123"),
	)
	require.NoError(t, err)

	assert.Equal(t, "weather-1", e.Sender())
	v, ok := e.Extension(ExtMetaPrefix + "trace")
	require.True(t, ok)
	assert.Equal(t, "abc123", v)
}

func TestEvent_DataAccessorsCopy(t *testing.T) {
	e, err := New("user.request",
		WithSource("amcp://gateway"),
		WithData(map[string]string{"query": "book a flight"}),
	)
	require.NoError(t, err)

	raw := e.Data()
	require.NotNil(t, raw)
	raw[0] = 'X'
	assert.NotEqual(t, raw[0], e.Data()[0], "mutating the returned slice must not touch the event")

	exts := e.Extensions()
	exts["amcp-topic"] = "hijacked"
	assert.Equal(t, "user.request", e.Topic())
}

func TestEvent_DecodeData(t *testing.T) {
	type payload struct {
		Query string `json:"query"`
	}
	e, err := New("user.request",
		WithSource("amcp://gateway"),
		WithData(payload{Query: "weather in nice"}),
	)
	require.NoError(t, err)

	var got payload
	require.NoError(t, e.DecodeData(&got))
	assert.Equal(t, "weather in nice", got.Query)

	empty, err := New("user.request", WithSource("amcp://gateway"))
	require.NoError(t, err)
	assert.Error(t, empty.DecodeData(&got))
}

func TestEvent_PartitionKey(t *testing.T) {
	e, err := New("user.request", WithSource("amcp://gateway"))
	require.NoError(t, err)
	assert.Equal(t, "amcp://gateway", e.PartitionKey())

	// identical inputs derive the identical key
	again, err := New("user.request", WithSource("amcp://gateway"))
	require.NoError(t, err)
	assert.Equal(t, e.PartitionKey(), again.PartitionKey())
}

func TestEvent_Equal(t *testing.T) {
	mk := func() *Event {
		e, err := New("user.request",
			WithID("fixed-id"),
			WithTime(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)),
			WithSource("amcp://gateway"),
			WithData(map[string]string{"query": "hi"}),
			WithSender("gateway"),
		)
		require.NoError(t, err)
		return e
	}
	a, b := mk(), mk()
	assert.True(t, a.Equal(b))

	c, err := New("user.request",
		WithID("fixed-id"),
		WithTime(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)),
		WithSource("amcp://other"),
	)
	require.NoError(t, err)
	assert.False(t, a.Equal(c))
	assert.False(t, a.Equal(nil))
}

func TestWithRawData_RejectsInvalidJSON(t *testing.T) {
	_, err := New("user.request",
		WithSource("amcp://gateway"),
		WithRawData([]byte(`{"broken":`)),
	)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidEvent)
}
