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

// Package archive keeps a durable record of mesh traffic and finished
// sessions. The broker itself never persists anything; the archive is an
// optional consumer fed by the orchestrator. Backends: in-memory ring,
// SQLite (encrypted when built with CGO), PostgreSQL, MySQL.
package archive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/teradata-labs/amcp/pkg/event"
	"github.com/teradata-labs/amcp/pkg/plan"
)

// Backend names accepted by Open.
const (
	BackendMemory   = "memory"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendMySQL    = "mysql"
)

// DefaultRetention is how long archived rows live before pruning.
const DefaultRetention = 72 * time.Hour

// DefaultMaxEvents caps the in-memory backend.
const DefaultMaxEvents = 4096

// ErrNotFound reports a lookup for a row the archive does not hold.
var ErrNotFound = errors.New("archive: not found")

// Config selects and tunes an archive backend.
type Config struct {
	// Backend is one of memory, sqlite, postgres, mysql. Empty means memory.
	Backend string

	// Path is the SQLite database file. Ignored by other backends.
	Path string

	// DSN is the PostgreSQL or MySQL connection string.
	DSN string

	// Key enables SQLCipher encryption for the SQLite backend. Requires a
	// CGO build; plain builds refuse a non-empty key.
	Key string

	// Compress stores event envelopes zstd-compressed once they exceed
	// the compression threshold. SQL backends only.
	Compress bool

	// Retention is how long rows are kept. The orchestrator's prune sweep
	// derives its cutoff from this. Zero means DefaultRetention.
	Retention time.Duration

	// MaxEvents bounds the memory backend. Zero means DefaultMaxEvents.
	MaxEvents int
}

// Record is one archived mesh event. Envelope always holds the structured
// JSON form uncompressed; backends compress internally.
type Record struct {
	ID       string          `json:"id"`
	Topic    string          `json:"topic"`
	Type     string          `json:"type"`
	Source   string          `json:"source"`
	Subject  string          `json:"subject,omitempty"`
	Sender   string          `json:"sender,omitempty"`
	Time     time.Time       `json:"time"`
	Envelope json.RawMessage `json:"envelope"`
}

// NewRecord flattens an event into its archive form.
func NewRecord(e *event.Event) (Record, error) {
	raw, err := json.Marshal(e)
	if err != nil {
		return Record{}, fmt.Errorf("encode envelope: %w", err)
	}
	return Record{
		ID:       e.ID(),
		Topic:    e.Topic(),
		Type:     e.Type(),
		Source:   e.Source(),
		Subject:  e.Subject(),
		Sender:   e.Sender(),
		Time:     e.Time(),
		Envelope: raw,
	}, nil
}

// SessionRecord is one finished session.
type SessionRecord struct {
	ID          string      `json:"id"`
	Query       string      `json:"query"`
	UserID      string      `json:"userId,omitempty"`
	State       string      `json:"state"`
	Degraded    bool        `json:"degraded"`
	Error       string      `json:"error,omitempty"`
	Tasks       plan.Counts `json:"tasks"`
	StartedAt   time.Time   `json:"startedAt"`
	CompletedAt time.Time   `json:"completedAt"`
}

// EventQuery filters Events. Zero fields match everything.
type EventQuery struct {
	// Topic matches exactly when set.
	Topic string

	// Subject matches the envelope subject, which the orchestrator sets to
	// the session correlation ID on task traffic.
	Subject string

	// Since drops rows that occurred before it.
	Since time.Time

	// Limit caps the result. Zero means 100.
	Limit int
}

func (q EventQuery) limit() int {
	if q.Limit <= 0 {
		return 100
	}
	return q.Limit
}

// Store is a durable archive backend. Reads return newest rows first.
type Store interface {
	SaveEvent(ctx context.Context, rec Record) error
	SaveSession(ctx context.Context, rec SessionRecord) error
	Events(ctx context.Context, q EventQuery) ([]Record, error)
	Session(ctx context.Context, id string) (*SessionRecord, error)
	Sessions(ctx context.Context, limit int) ([]SessionRecord, error)
	Prune(ctx context.Context, before time.Time) (int, error)
	Close() error
}

// Open builds the backend named by cfg. ctx bounds connection checks for
// the server-based backends.
func Open(ctx context.Context, cfg Config, logger *zap.Logger) (Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	switch cfg.Backend {
	case "", BackendMemory:
		return NewMemoryStore(cfg.MaxEvents), nil
	case BackendSQLite:
		return openSQLite(ctx, cfg, logger)
	case BackendPostgres:
		if cfg.DSN == "" {
			return nil, errors.New("postgres archive requires a dsn")
		}
		return openSQL(ctx, dialectPostgres, cfg.DSN, cfg, logger)
	case BackendMySQL:
		if cfg.DSN == "" {
			return nil, errors.New("mysql archive requires a dsn")
		}
		return openSQL(ctx, dialectMySQL, cfg.DSN, cfg, logger)
	default:
		return nil, fmt.Errorf("unsupported archive backend: %s", cfg.Backend)
	}
}
