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

// Package gateway is the HTTP frontend of the mesh: it accepts user
// requests over REST, relays each session's user.response over SSE, and
// serves the registry, session, and metrics read surfaces. The gateway is
// an ordinary broker client; the mesh runs the same without it.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/r3labs/sse/v2"
	"go.uber.org/zap"

	"github.com/teradata-labs/amcp/pkg/archive"
	"github.com/teradata-labs/amcp/pkg/broker"
	"github.com/teradata-labs/amcp/pkg/event"
	"github.com/teradata-labs/amcp/pkg/protocol"
	"github.com/teradata-labs/amcp/pkg/registry"
	"github.com/teradata-labs/amcp/pkg/session"
)

const (
	// DefaultAddr is the listen address when Config.Addr is empty.
	DefaultAddr = ":8480"

	// DefaultStreamLinger is how long a response stream stays subscribable
	// after its user.response arrived, covering clients that connect late.
	DefaultStreamLinger = 2 * time.Minute

	// DefaultSource is the CloudEvents source stamped on published requests.
	DefaultSource = "amcp://gateway"

	defaultSessionLimit = 50
	subscriberID        = "gateway"
)

// RegistrySource serves the agent listing. *registry.Registry satisfies it.
type RegistrySource interface {
	Snapshot() *registry.Snapshot
}

// SessionSource serves the live session listing. *session.Manager
// satisfies it.
type SessionSource interface {
	Sessions() []session.Info
	Session(id string) (session.Info, bool)
}

// CORSConfig controls the CORS headers the gateway emits. The zero value
// disables CORS entirely.
type CORSConfig struct {
	Enabled        bool
	AllowedOrigins []string
	AllowedMethods []string
	AllowedHeaders []string
	MaxAge         int
}

// DefaultCORSConfig permits any origin, which suits a gateway reached by
// browser dashboards inside a trusted network.
func DefaultCORSConfig() CORSConfig {
	return CORSConfig{
		Enabled:        true,
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"*"},
		MaxAge:         86400,
	}
}

// Config assembles a gateway. Broker and Registry are required; everything
// else defaults.
type Config struct {
	// Addr is the TCP listen address. Defaults to DefaultAddr; use ":0"
	// for an ephemeral port.
	Addr string

	// Broker carries the mesh traffic the gateway bridges.
	Broker broker.EventBroker

	// Registry backs GET /v1/agents.
	Registry RegistrySource

	// Sessions backs the live half of GET /v1/sessions. Optional.
	Sessions SessionSource

	// Archive backs the archived half of GET /v1/sessions. Optional.
	Archive archive.Store

	// Metrics is served at GET /metrics. Defaults to the Prometheus
	// default registry handler.
	Metrics http.Handler

	// Source is the CloudEvents source for published user requests.
	Source string

	// StreamLinger bounds how long answered response streams are kept.
	StreamLinger time.Duration

	CORS CORSConfig
}

// Gateway bridges HTTP clients onto the event mesh.
type Gateway struct {
	cfg    Config
	broker broker.EventBroker
	logger *zap.Logger

	// streams replays each session's response to late subscribers; tap
	// serves live pattern taps and never buffers.
	streams *sse.Server
	tap     *sse.Server

	server *http.Server

	mu      sync.Mutex
	running bool
	ln      net.Listener
	subs    []*broker.Subscription
}

// New builds a gateway around an existing broker. The broker may be
// started before or after the gateway.
func New(cfg Config, logger *zap.Logger) (*Gateway, error) {
	if cfg.Broker == nil {
		return nil, fmt.Errorf("gateway: broker is required")
	}
	if cfg.Registry == nil {
		return nil, fmt.Errorf("gateway: registry is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Addr == "" {
		cfg.Addr = DefaultAddr
	}
	if cfg.Source == "" {
		cfg.Source = DefaultSource
	}
	if cfg.StreamLinger <= 0 {
		cfg.StreamLinger = DefaultStreamLinger
	}
	if cfg.Metrics == nil {
		cfg.Metrics = promhttp.Handler()
	}

	g := &Gateway{
		cfg:     cfg,
		broker:  cfg.Broker,
		logger:  logger,
		streams: sse.New(),
		tap:     sse.New(),
	}
	g.tap.AutoReplay = false

	mux := http.NewServeMux()
	mux.HandleFunc("/v1/requests", g.handleSubmit)
	mux.HandleFunc("/v1/stream", g.handleStream)
	mux.HandleFunc("/v1/events", g.handleEvents)
	mux.HandleFunc("/v1/agents", g.handleAgents)
	mux.HandleFunc("/v1/sessions", g.handleSessions)
	mux.HandleFunc("/v1/sessions/", g.handleSessions)
	mux.HandleFunc("/healthz", g.handleHealthz)
	mux.Handle("/metrics", cfg.Metrics)

	var handler http.Handler = mux
	if cfg.CORS.Enabled {
		handler = g.corsMiddleware(mux)
	}
	g.server = &http.Server{
		Handler:     handler,
		ReadTimeout: 30 * time.Second,
		// SSE connections stay open for as long as the client listens.
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}
	return g, nil
}

// Start binds the listener, subscribes to user.response traffic, and
// serves in the background. Bind failures surface here.
func (g *Gateway) Start(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.running {
		return nil
	}

	sub, err := g.broker.Subscribe(ctx, subscriberID, protocol.TopicUserResponse, g.onUserResponse)
	if err != nil {
		return fmt.Errorf("gateway subscribe: %w", err)
	}
	g.subs = append(g.subs, sub)

	ln, err := net.Listen("tcp", g.cfg.Addr)
	if err != nil {
		g.unsubscribeLocked(ctx)
		return fmt.Errorf("gateway listen on %s: %w", g.cfg.Addr, err)
	}
	g.ln = ln
	g.running = true

	go func() {
		if err := g.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			g.logger.Error("gateway server failed", zap.Error(err))
		}
	}()

	g.logger.Info("gateway started", zap.String("addr", ln.Addr().String()))
	return nil
}

// Addr is the bound listen address, empty before Start.
func (g *Gateway) Addr() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.ln == nil {
		return ""
	}
	return g.ln.Addr().String()
}

// Stop shuts the HTTP server down gracefully and releases the broker
// subscriptions. Stop is idempotent.
func (g *Gateway) Stop(ctx context.Context) error {
	g.mu.Lock()
	if !g.running {
		g.mu.Unlock()
		return nil
	}
	g.running = false
	g.unsubscribeLocked(ctx)
	g.ln = nil
	g.mu.Unlock()

	err := g.server.Shutdown(ctx)
	g.streams.Close()
	g.tap.Close()
	if err != nil {
		return fmt.Errorf("gateway shutdown: %w", err)
	}
	g.logger.Info("gateway stopped")
	return nil
}

func (g *Gateway) unsubscribeLocked(ctx context.Context) {
	for _, sub := range g.subs {
		if err := g.broker.Unsubscribe(ctx, sub.ID); err != nil &&
			!errors.Is(err, broker.ErrSubscriptionNotFound) && !errors.Is(err, broker.ErrNotRunning) {
			g.logger.Warn("gateway unsubscribe failed", zap.Error(err))
		}
	}
	g.subs = nil
}

// onUserResponse relays an answer onto its correlation stream. Responses
// for requests that did not enter through the gateway are ignored.
func (g *Gateway) onUserResponse(ctx context.Context, e *event.Event) error {
	resp, err := protocol.DecodeUserResponse(e)
	if err != nil {
		g.logger.Warn("undecodable user response", zap.String("event_id", e.ID()), zap.Error(err))
		return nil
	}
	if !g.streams.StreamExists(resp.CorrelationID) {
		g.logger.Debug("response without a stream", zap.String("correlation_id", resp.CorrelationID))
		return nil
	}
	g.streams.Publish(resp.CorrelationID, &sse.Event{
		ID:    []byte(e.ID()),
		Event: []byte("response"),
		Data:  e.Data(),
	})
	// The answer is terminal; the stream only needs to outlive stragglers.
	corrID := resp.CorrelationID
	time.AfterFunc(g.cfg.StreamLinger, func() { g.streams.RemoveStream(corrID) })
	g.logger.Debug("response relayed",
		zap.String("correlation_id", corrID),
		zap.Bool("degraded", resp.Degraded))
	return nil
}

type submitRequest struct {
	Query         string `json:"query"`
	UserID        string `json:"userId,omitempty"`
	CorrelationID string `json:"correlationId,omitempty"`
}

type submitResponse struct {
	CorrelationID string `json:"correlationId"`
	Stream        string `json:"stream"`
}

// handleSubmit publishes one user.request and answers with the correlation
// id plus the stream path where the response will appear.
func (g *Gateway) handleSubmit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.Query = strings.TrimSpace(req.Query)
	if req.Query == "" {
		writeError(w, http.StatusBadRequest, "query is required")
		return
	}
	corrID := req.CorrelationID
	if corrID == "" {
		corrID = uuid.NewString()
	}

	// The stream must exist before the request is on the mesh, or a fast
	// answer could arrive with nowhere to land.
	g.streams.CreateStream(corrID)

	e, err := protocol.NewEvent(protocol.TopicUserRequest, g.cfg.Source, protocol.UserRequest{
		Query:         req.Query,
		UserID:        req.UserID,
		CorrelationID: corrID,
	})
	if err != nil {
		g.streams.RemoveStream(corrID)
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := g.broker.Publish(r.Context(), e); err != nil {
		g.streams.RemoveStream(corrID)
		if errors.Is(err, broker.ErrNotRunning) {
			writeError(w, http.StatusServiceUnavailable, "mesh is not running")
			return
		}
		g.logger.Error("request publish failed", zap.String("correlation_id", corrID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "publish failed")
		return
	}

	g.logger.Info("request accepted",
		zap.String("correlation_id", corrID),
		zap.String("user_id", req.UserID))
	writeJSON(w, http.StatusAccepted, submitResponse{
		CorrelationID: corrID,
		Stream:        "/v1/stream?stream=" + url.QueryEscape(corrID),
	})
}

// handleStream serves one correlation's response stream over SSE.
func (g *Gateway) handleStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	id := r.URL.Query().Get("stream")
	if id == "" {
		writeError(w, http.StatusBadRequest, "stream parameter is required")
		return
	}
	if !g.streams.StreamExists(id) {
		writeError(w, http.StatusNotFound, "unknown stream")
		return
	}
	g.streams.ServeHTTP(w, r)
}

// handleEvents taps live mesh traffic matching a topic pattern onto an SSE
// stream. Each connection gets its own broker subscription, released when
// the client goes away.
func (g *Gateway) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	pattern := r.URL.Query().Get("pattern")
	if pattern == "" {
		pattern = "**"
	}
	if _, err := event.CompilePattern(pattern); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid pattern: %v", err))
		return
	}

	tapID := "tap-" + uuid.NewString()
	g.tap.CreateStream(tapID)
	defer g.tap.RemoveStream(tapID)

	sub, err := g.broker.Subscribe(r.Context(), subscriberID+"-"+tapID, pattern,
		func(ctx context.Context, e *event.Event) error {
			envelope, err := json.Marshal(e)
			if err != nil {
				return err
			}
			g.tap.Publish(tapID, &sse.Event{
				ID:    []byte(e.ID()),
				Event: []byte(e.Topic()),
				Data:  envelope,
			})
			return nil
		})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "tap subscribe failed")
		return
	}
	defer func() {
		if err := g.broker.Unsubscribe(context.Background(), sub.ID); err != nil &&
			!errors.Is(err, broker.ErrSubscriptionNotFound) && !errors.Is(err, broker.ErrNotRunning) {
			g.logger.Warn("tap unsubscribe failed", zap.Error(err))
		}
	}()
	g.logger.Info("event tap opened", zap.String("tap_id", tapID), zap.String("pattern", pattern))

	q := r.URL.Query()
	q.Set("stream", tapID)
	r.URL.RawQuery = q.Encode()
	g.tap.ServeHTTP(w, r)
}

type agentsResponse struct {
	Agents       []registry.Descriptor     `json:"agents"`
	Capabilities []registry.CatalogueEntry `json:"capabilities"`
	Healthy      int                       `json:"healthy"`
}

func (g *Gateway) handleAgents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	snap := g.cfg.Registry.Snapshot()
	writeJSON(w, http.StatusOK, agentsResponse{
		Agents:       snap.Agents(),
		Capabilities: snap.Catalogue(),
		Healthy:      snap.HealthyCount(),
	})
}

type sessionsResponse struct {
	Active   []session.Info          `json:"active"`
	Archived []archive.SessionRecord `json:"archived,omitempty"`
}

// handleSessions serves the session listing and single-session lookups.
// Lookups try the live table first, then the archive.
func (g *Gateway) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/v1/sessions")
	id = strings.TrimPrefix(id, "/")
	if id == "" {
		g.listSessions(w, r)
		return
	}

	if g.cfg.Sessions != nil {
		if info, ok := g.cfg.Sessions.Session(id); ok {
			writeJSON(w, http.StatusOK, info)
			return
		}
	}
	if g.cfg.Archive != nil {
		rec, err := g.cfg.Archive.Session(r.Context(), id)
		if err == nil {
			writeJSON(w, http.StatusOK, rec)
			return
		}
		if !errors.Is(err, archive.ErrNotFound) {
			g.logger.Warn("archive session lookup failed", zap.String("session_id", id), zap.Error(err))
		}
	}
	writeError(w, http.StatusNotFound, "unknown session")
}

func (g *Gateway) listSessions(w http.ResponseWriter, r *http.Request) {
	limit := defaultSessionLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	resp := sessionsResponse{Active: []session.Info{}}
	if g.cfg.Sessions != nil {
		resp.Active = g.cfg.Sessions.Sessions()
		sort.Slice(resp.Active, func(i, j int) bool {
			return resp.Active[i].StartedAt.After(resp.Active[j].StartedAt)
		})
		if len(resp.Active) > limit {
			resp.Active = resp.Active[:limit]
		}
	}
	if g.cfg.Archive != nil {
		recs, err := g.cfg.Archive.Sessions(r.Context(), limit)
		if err != nil {
			g.logger.Warn("archive session listing failed", zap.Error(err))
		} else {
			resp.Archived = recs
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (g *Gateway) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (g *Gateway) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if origin := g.allowedOrigin(r.Header.Get("Origin")); origin != "" {
			w.Header().Set("Access-Control-Allow-Origin", origin)
		}
		if len(g.cfg.CORS.AllowedMethods) > 0 {
			w.Header().Set("Access-Control-Allow-Methods", strings.Join(g.cfg.CORS.AllowedMethods, ", "))
		}
		if len(g.cfg.CORS.AllowedHeaders) > 0 {
			w.Header().Set("Access-Control-Allow-Headers", strings.Join(g.cfg.CORS.AllowedHeaders, ", "))
		}
		if g.cfg.CORS.MaxAge > 0 {
			w.Header().Set("Access-Control-Max-Age", strconv.Itoa(g.cfg.CORS.MaxAge))
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (g *Gateway) allowedOrigin(origin string) string {
	if origin == "" {
		return ""
	}
	for _, allowed := range g.cfg.CORS.AllowedOrigins {
		if allowed == "*" {
			return "*"
		}
		if allowed == origin {
			return origin
		}
	}
	return ""
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
