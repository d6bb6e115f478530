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

package gateway

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/teradata-labs/amcp/pkg/archive"
	"github.com/teradata-labs/amcp/pkg/broker"
	"github.com/teradata-labs/amcp/pkg/event"
	"github.com/teradata-labs/amcp/pkg/plan"
	"github.com/teradata-labs/amcp/pkg/protocol"
	"github.com/teradata-labs/amcp/pkg/registry"
	"github.com/teradata-labs/amcp/pkg/session"
)

type fakeSessions struct {
	infos []session.Info
}

func (f *fakeSessions) Sessions() []session.Info { return f.infos }

func (f *fakeSessions) Session(id string) (session.Info, bool) {
	for _, info := range f.infos {
		if info.ID == id {
			return info, true
		}
	}
	return session.Info{}, false
}

type gwHarness struct {
	t      *testing.T
	broker broker.EventBroker
	reg    *registry.Registry
	gw     *Gateway
	base   string
}

func newGwHarness(t *testing.T, mutate func(*Config)) *gwHarness {
	t.Helper()
	logger := zaptest.NewLogger(t)
	b := broker.NewMemoryBroker(broker.DefaultConfig(), logger)
	require.NoError(t, b.Start(context.Background()))
	t.Cleanup(func() { _ = b.Stop(context.Background()) })

	reg := registry.New(registry.Config{}, logger)
	cfg := Config{
		Addr:     "127.0.0.1:0",
		Broker:   b,
		Registry: reg,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	g, err := New(cfg, logger)
	require.NoError(t, err)
	require.NoError(t, g.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = g.Stop(ctx)
	})
	return &gwHarness{t: t, broker: b, reg: reg, gw: g, base: "http://" + g.Addr()}
}

func (h *gwHarness) submit(body string) *http.Response {
	h.t.Helper()
	resp, err := http.Post(h.base+"/v1/requests", "application/json", strings.NewReader(body))
	require.NoError(h.t, err)
	return resp
}

func (h *gwHarness) publishResponse(corrID, answer string) {
	h.t.Helper()
	e, err := protocol.NewEvent(protocol.TopicUserResponse, "amcp://orchestrator",
		protocol.UserResponse{CorrelationID: corrID, Answer: answer})
	require.NoError(h.t, err)
	require.NoError(h.t, h.broker.Publish(context.Background(), e))
}

// streamData opens an SSE connection and forwards every data line.
func streamData(t *testing.T, url string) (<-chan []byte, context.CancelFunc) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	out := make(chan []byte, 8)
	go func() {
		defer resp.Body.Close()
		defer close(out)
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			line := scanner.Text()
			if strings.HasPrefix(line, "data: ") {
				out <- []byte(strings.TrimPrefix(line, "data: "))
			}
		}
	}()
	return out, cancel
}

func awaitData(t *testing.T, ch <-chan []byte) []byte {
	t.Helper()
	select {
	case data, ok := <-ch:
		require.True(t, ok, "stream closed before any event")
		return data
	case <-time.After(3 * time.Second):
		t.Fatal("no SSE event arrived")
		return nil
	}
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func TestNewValidation(t *testing.T) {
	logger := zaptest.NewLogger(t)
	reg := registry.New(registry.Config{}, logger)
	b := broker.NewMemoryBroker(broker.DefaultConfig(), logger)

	_, err := New(Config{Registry: reg}, logger)
	require.ErrorContains(t, err, "broker is required")
	_, err = New(Config{Broker: b}, logger)
	require.ErrorContains(t, err, "registry is required")
}

func TestSubmitAndStream(t *testing.T) {
	h := newGwHarness(t, nil)

	resp := h.submit(`{"query":"What is the weather in Nice?","correlationId":"c-gw"}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	accepted := decodeBody[submitResponse](t, resp)
	assert.Equal(t, "c-gw", accepted.CorrelationID)
	assert.Equal(t, "/v1/stream?stream=c-gw", accepted.Stream)

	// Live push: the client is connected when the answer lands.
	ch, cancel := streamData(t, h.base+accepted.Stream)
	defer cancel()
	h.publishResponse("c-gw", "Sunny, 24 degrees.")

	var answer protocol.UserResponse
	require.NoError(t, json.Unmarshal(awaitData(t, ch), &answer))
	assert.Equal(t, "c-gw", answer.CorrelationID)
	assert.Equal(t, "Sunny, 24 degrees.", answer.Answer)

	// Replay: a client connecting after the answer still receives it.
	replay, cancelReplay := streamData(t, h.base+accepted.Stream)
	defer cancelReplay()
	var replayed protocol.UserResponse
	require.NoError(t, json.Unmarshal(awaitData(t, replay), &replayed))
	assert.Equal(t, "Sunny, 24 degrees.", replayed.Answer)
}

func TestSubmitGeneratesCorrelationID(t *testing.T) {
	h := newGwHarness(t, nil)

	resp := h.submit(`{"query":"hello mesh"}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	accepted := decodeBody[submitResponse](t, resp)
	assert.NotEmpty(t, accepted.CorrelationID)
	assert.Contains(t, accepted.Stream, accepted.CorrelationID)
}

func TestSubmitValidation(t *testing.T) {
	h := newGwHarness(t, nil)

	resp := h.submit(`{"query":"   "}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	body := decodeBody[map[string]string](t, resp)
	assert.Equal(t, "query is required", body["error"])

	resp = h.submit(`{not json`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()

	getResp, err := http.Get(h.base + "/v1/requests")
	require.NoError(t, err)
	assert.Equal(t, http.StatusMethodNotAllowed, getResp.StatusCode)
	getResp.Body.Close()
}

func TestSubmitWhileMeshDown(t *testing.T) {
	logger := zaptest.NewLogger(t)
	b := broker.NewMemoryBroker(broker.DefaultConfig(), logger)
	g, err := New(Config{
		Addr:     "127.0.0.1:0",
		Broker:   b,
		Registry: registry.New(registry.Config{}, logger),
	}, logger)
	require.NoError(t, err)
	require.NoError(t, g.Start(context.Background()))
	defer func() { _ = g.Stop(context.Background()) }()

	resp, err := http.Post("http://"+g.Addr()+"/v1/requests", "application/json",
		strings.NewReader(`{"query":"anyone there?"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestStreamLookupErrors(t *testing.T) {
	h := newGwHarness(t, nil)

	resp, err := http.Get(h.base + "/v1/stream?stream=never-created")
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()

	resp, err = http.Get(h.base + "/v1/stream")
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

func TestEventsTap(t *testing.T) {
	h := newGwHarness(t, nil)
	baseline := h.broker.Metrics().ActiveSubscriptions

	ch, cancel := streamData(t, h.base+"/v1/events?pattern=agent.*")
	require.Eventually(t, func() bool {
		return h.broker.Metrics().ActiveSubscriptions == baseline+1
	}, 2*time.Second, 5*time.Millisecond)

	e, err := protocol.NewEvent(protocol.TopicAgentRegister, "amcp://agent/tap-probe",
		protocol.Registration{AgentID: "tap-probe", AgentType: "test", Capabilities: []string{"tap.cap"}},
		event.WithSender("tap-probe"))
	require.NoError(t, err)
	require.NoError(t, h.broker.Publish(context.Background(), e))

	envelope := awaitData(t, ch)
	assert.Contains(t, string(envelope), "agent.register")
	assert.Contains(t, string(envelope), "tap-probe")

	// Closing the connection releases the per-tap broker subscription.
	cancel()
	require.Eventually(t, func() bool {
		return h.broker.Metrics().ActiveSubscriptions == baseline
	}, 2*time.Second, 5*time.Millisecond)
}

func TestEventsTapRejectsBadPattern(t *testing.T) {
	h := newGwHarness(t, nil)

	resp, err := http.Get(h.base + "/v1/events?pattern=a..b")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAgentsEndpoint(t *testing.T) {
	h := newGwHarness(t, nil)
	require.NoError(t, h.reg.Register(registry.Descriptor{
		AgentID:   "weather-1",
		AgentType: "weather",
		Capabilities: []registry.Capability{
			{Name: "weather.forecast", Description: "forecasts by location"},
		},
	}))

	resp, err := http.Get(h.base + "/v1/agents")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	listing := decodeBody[agentsResponse](t, resp)
	require.Len(t, listing.Agents, 1)
	assert.Equal(t, "weather-1", listing.Agents[0].AgentID)
	assert.Equal(t, 1, listing.Healthy)
	require.Len(t, listing.Capabilities, 1)
	assert.Equal(t, "weather.forecast", listing.Capabilities[0].Name)
	assert.Equal(t, []string{"weather-1"}, listing.Capabilities[0].Agents)
}

func TestSessionsEndpoint(t *testing.T) {
	now := time.Now().UTC()
	live := &fakeSessions{infos: []session.Info{
		{ID: "c-old", Query: "first", State: session.StateExecuting, StartedAt: now.Add(-time.Minute)},
		{ID: "c-new", Query: "second", State: session.StatePlanning, StartedAt: now},
	}}
	store := archive.NewMemoryStore(0)
	require.NoError(t, store.SaveSession(context.Background(), archive.SessionRecord{
		ID:          "c-done",
		Query:       "finished earlier",
		State:       string(session.StateCompleted),
		Tasks:       plan.Counts{Total: 2, Completed: 2},
		CompletedAt: now.Add(-time.Hour),
	}))
	h := newGwHarness(t, func(cfg *Config) {
		cfg.Sessions = live
		cfg.Archive = store
	})

	resp, err := http.Get(h.base + "/v1/sessions")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	listing := decodeBody[sessionsResponse](t, resp)
	require.Len(t, listing.Active, 2)
	assert.Equal(t, "c-new", listing.Active[0].ID, "newest first")
	require.Len(t, listing.Archived, 1)
	assert.Equal(t, "c-done", listing.Archived[0].ID)

	resp, err = http.Get(h.base + "/v1/sessions/c-new")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	info := decodeBody[session.Info](t, resp)
	assert.Equal(t, "second", info.Query)

	resp, err = http.Get(h.base + "/v1/sessions/c-done")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	rec := decodeBody[archive.SessionRecord](t, resp)
	assert.Equal(t, string(session.StateCompleted), rec.State)
	assert.Equal(t, 2, rec.Tasks.Completed)

	resp, err = http.Get(h.base + "/v1/sessions/c-nope")
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()

	resp, err = http.Get(h.base + "/v1/sessions?limit=abc")
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

func TestHealthz(t *testing.T) {
	h := newGwHarness(t, nil)

	resp, err := http.Get(h.base + "/healthz")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody[map[string]string](t, resp)
	assert.Equal(t, "healthy", body["status"])
}

func TestMetricsEndpoint(t *testing.T) {
	h := newGwHarness(t, nil)

	resp, err := http.Get(h.base + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestCORSPreflight(t *testing.T) {
	h := newGwHarness(t, func(cfg *Config) {
		cfg.CORS = DefaultCORSConfig()
	})

	req, err := http.NewRequest(http.MethodOptions, h.base+"/v1/agents", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "http://dashboard.local")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
	assert.Contains(t, resp.Header.Get("Access-Control-Allow-Methods"), http.MethodPost)
}

func TestStopIsIdempotent(t *testing.T) {
	h := newGwHarness(t, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, h.gw.Stop(ctx))
	require.NoError(t, h.gw.Stop(ctx))

	_, err := http.Get(h.base + "/healthz")
	assert.Error(t, err, "listener is closed after stop")
}
