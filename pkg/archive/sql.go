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

package archive

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
	"go.uber.org/zap"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"

	"github.com/teradata-labs/amcp/internal/sqlitedriver"
)

// compressMinBytes is the envelope size below which compression is skipped.
const compressMinBytes = 512

var (
	zstdEnc *zstd.Encoder
	zstdDec *zstd.Decoder
)

func init() {
	zstdEnc, _ = zstd.NewWriter(nil)
	zstdDec, _ = zstd.NewReader(nil)
}

// dialect carries the per-engine SQL variations. Dynamic queries are
// written with ? placeholders and rebound for engines that number them.
type dialect struct {
	driver        string
	keyType       string // primary key column type
	indexedText   string // type for indexed text columns
	blobType      string
	positional    bool // rebind ? to $N
	indexCreate   string
	insertEvent   string
	upsertSession string
}

var dialectSQLite = dialect{
	driver:      "sqlite3",
	keyType:     "TEXT",
	indexedText: "TEXT",
	blobType:    "BLOB",
	indexCreate: "CREATE INDEX IF NOT EXISTS",
	insertEvent: `INSERT OR IGNORE INTO archive_events
		(id, topic, event_type, source, subject, sender, occurred_at, compressed, envelope)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
	upsertSession: `INSERT OR REPLACE INTO archive_sessions
		(id, user_query, user_id, state, degraded, error_message, counts_json, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
}

var dialectPostgres = dialect{
	driver:      "postgres",
	keyType:     "TEXT",
	indexedText: "TEXT",
	blobType:    "BYTEA",
	positional:  true,
	indexCreate: "CREATE INDEX IF NOT EXISTS",
	insertEvent: `INSERT INTO archive_events
		(id, topic, event_type, source, subject, sender, occurred_at, compressed, envelope)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO NOTHING`,
	upsertSession: `INSERT INTO archive_sessions
		(id, user_query, user_id, state, degraded, error_message, counts_json, started_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			user_query = EXCLUDED.user_query,
			user_id = EXCLUDED.user_id,
			state = EXCLUDED.state,
			degraded = EXCLUDED.degraded,
			error_message = EXCLUDED.error_message,
			counts_json = EXCLUDED.counts_json,
			started_at = EXCLUDED.started_at,
			completed_at = EXCLUDED.completed_at`,
}

var dialectMySQL = dialect{
	driver: "mysql",
	// MySQL cannot index unbounded TEXT, so keys and indexed columns use
	// the utf8mb4-safe VARCHAR length.
	keyType:     "VARCHAR(191)",
	indexedText: "VARCHAR(191)",
	blobType:    "LONGBLOB",
	indexCreate: "CREATE INDEX",
	insertEvent: `INSERT IGNORE INTO archive_events
		(id, topic, event_type, source, subject, sender, occurred_at, compressed, envelope)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
	upsertSession: `INSERT INTO archive_sessions
		(id, user_query, user_id, state, degraded, error_message, counts_json, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE
			user_query = VALUES(user_query),
			user_id = VALUES(user_id),
			state = VALUES(state),
			degraded = VALUES(degraded),
			error_message = VALUES(error_message),
			counts_json = VALUES(counts_json),
			started_at = VALUES(started_at),
			completed_at = VALUES(completed_at)`,
}

// sqlStore implements Store on database/sql for the three SQL backends.
type sqlStore struct {
	db       *sql.DB
	d        dialect
	compress bool
	logger   *zap.Logger
}

func openSQLite(ctx context.Context, cfg Config, logger *zap.Logger) (Store, error) {
	path := cfg.Path
	if path == "" {
		path = "amcp-archive.db"
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite archive: %w", err)
	}
	if cfg.Key != "" {
		if !sqlitedriver.EncryptionSupported {
			db.Close()
			return nil, errors.New("sqlite archive encryption requires a cgo build")
		}
		// The key pragma must run before any other statement touches the file.
		quoted := strings.ReplaceAll(cfg.Key, "'", "''")
		if _, err := db.ExecContext(ctx, fmt.Sprintf("PRAGMA key = '%s'", quoted)); err != nil {
			db.Close()
			return nil, fmt.Errorf("set sqlite archive key: %w", err)
		}
	}
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable wal mode: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout = 10000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}
	logger.Debug("sqlite archive opened",
		zap.String("path", path),
		zap.Bool("encrypted", cfg.Key != ""))
	return newSQLStore(ctx, db, dialectSQLite, cfg, logger)
}

func openSQL(ctx context.Context, d dialect, dsn string, cfg Config, logger *zap.Logger) (Store, error) {
	db, err := sql.Open(d.driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s archive: %w", d.driver, err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect %s archive: %w", d.driver, err)
	}
	logger.Debug("archive connected", zap.String("backend", d.driver))
	return newSQLStore(ctx, db, d, cfg, logger)
}

func newSQLStore(ctx context.Context, db *sql.DB, d dialect, cfg Config, logger *zap.Logger) (*sqlStore, error) {
	s := &sqlStore{db: db, d: d, compress: cfg.Compress, logger: logger}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *sqlStore) initSchema(ctx context.Context) error {
	tables := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS archive_events (
			id %s PRIMARY KEY,
			topic TEXT NOT NULL,
			event_type TEXT NOT NULL,
			source TEXT NOT NULL,
			subject %s NOT NULL,
			sender TEXT NOT NULL,
			occurred_at BIGINT NOT NULL,
			compressed INTEGER NOT NULL,
			envelope %s NOT NULL
		)`, s.d.keyType, s.d.indexedText, s.d.blobType),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS archive_sessions (
			id %s PRIMARY KEY,
			user_query TEXT NOT NULL,
			user_id TEXT NOT NULL,
			state TEXT NOT NULL,
			degraded INTEGER NOT NULL,
			error_message TEXT NOT NULL,
			counts_json TEXT NOT NULL,
			started_at BIGINT NOT NULL,
			completed_at BIGINT NOT NULL
		)`, s.d.keyType),
	}
	for _, stmt := range tables {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create archive schema: %w", err)
		}
	}

	indexes := []struct{ name, table, column string }{
		{"idx_archive_events_occurred_at", "archive_events", "occurred_at"},
		{"idx_archive_events_subject", "archive_events", "subject"},
		{"idx_archive_sessions_completed_at", "archive_sessions", "completed_at"},
	}
	for _, ix := range indexes {
		stmt := fmt.Sprintf("%s %s ON %s(%s)", s.d.indexCreate, ix.name, ix.table, ix.column)
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			// MySQL has no IF NOT EXISTS for indexes; a duplicate-name
			// error on re-open means the index is already present.
			if s.d.indexCreate == "CREATE INDEX" {
				continue
			}
			return fmt.Errorf("create archive index %s: %w", ix.name, err)
		}
	}
	return nil
}

// rebind converts ? placeholders to $N for engines that number them.
func (s *sqlStore) rebind(query string) string {
	if !s.d.positional {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *sqlStore) SaveEvent(ctx context.Context, rec Record) error {
	blob := []byte(rec.Envelope)
	compressed := 0
	if s.compress && len(blob) >= compressMinBytes {
		blob = zstdEnc.EncodeAll(blob, nil)
		compressed = 1
	}
	_, err := s.db.ExecContext(ctx, s.d.insertEvent,
		rec.ID, rec.Topic, rec.Type, rec.Source, rec.Subject, rec.Sender,
		rec.Time.UnixMilli(), compressed, blob)
	if err != nil {
		return fmt.Errorf("archive event %s: %w", rec.ID, err)
	}
	return nil
}

func (s *sqlStore) SaveSession(ctx context.Context, rec SessionRecord) error {
	counts, err := json.Marshal(rec.Tasks)
	if err != nil {
		return fmt.Errorf("encode task counts: %w", err)
	}
	degraded := 0
	if rec.Degraded {
		degraded = 1
	}
	_, err = s.db.ExecContext(ctx, s.d.upsertSession,
		rec.ID, rec.Query, rec.UserID, rec.State, degraded, rec.Error,
		string(counts), rec.StartedAt.UnixMilli(), rec.CompletedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("archive session %s: %w", rec.ID, err)
	}
	return nil
}

func (s *sqlStore) Events(ctx context.Context, q EventQuery) ([]Record, error) {
	var b strings.Builder
	b.WriteString(`SELECT id, topic, event_type, source, subject, sender, occurred_at, compressed, envelope
		FROM archive_events WHERE 1=1`)
	args := make([]any, 0, 4)
	if q.Topic != "" {
		b.WriteString(" AND topic = ?")
		args = append(args, q.Topic)
	}
	if q.Subject != "" {
		b.WriteString(" AND subject = ?")
		args = append(args, q.Subject)
	}
	if !q.Since.IsZero() {
		b.WriteString(" AND occurred_at >= ?")
		args = append(args, q.Since.UnixMilli())
	}
	b.WriteString(" ORDER BY occurred_at DESC LIMIT ?")
	args = append(args, q.limit())

	rows, err := s.db.QueryContext(ctx, s.rebind(b.String()), args...)
	if err != nil {
		return nil, fmt.Errorf("query archive events: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

func scanEvents(rows *sql.Rows) ([]Record, error) {
	var out []Record
	for rows.Next() {
		var (
			rec        Record
			occurredAt int64
			compressed int
			blob       []byte
		)
		if err := rows.Scan(&rec.ID, &rec.Topic, &rec.Type, &rec.Source,
			&rec.Subject, &rec.Sender, &occurredAt, &compressed, &blob); err != nil {
			return nil, fmt.Errorf("scan archive event: %w", err)
		}
		rec.Time = time.UnixMilli(occurredAt).UTC()
		if compressed == 1 {
			raw, err := zstdDec.DecodeAll(blob, nil)
			if err != nil {
				return nil, fmt.Errorf("decompress envelope %s: %w", rec.ID, err)
			}
			rec.Envelope = raw
		} else {
			rec.Envelope = append(json.RawMessage(nil), blob...)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *sqlStore) Session(ctx context.Context, id string) (*SessionRecord, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT id, user_query, user_id, state, degraded, error_message, counts_json, started_at, completed_at
		FROM archive_sessions WHERE id = ?`), id)
	rec, err := scanSession(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load archived session %s: %w", id, err)
	}
	return rec, nil
}

func (s *sqlStore) Sessions(ctx context.Context, limit int) ([]SessionRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(`SELECT id, user_query, user_id, state, degraded, error_message, counts_json, started_at, completed_at
		FROM archive_sessions ORDER BY completed_at DESC LIMIT ?`), limit)
	if err != nil {
		return nil, fmt.Errorf("query archived sessions: %w", err)
	}
	defer rows.Close()

	var out []SessionRecord
	for rows.Next() {
		rec, err := scanSession(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan archived session: %w", err)
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

func scanSession(scan func(dest ...any) error) (*SessionRecord, error) {
	var (
		rec         SessionRecord
		degraded    int
		countsJSON  string
		startedAt   int64
		completedAt int64
	)
	if err := scan(&rec.ID, &rec.Query, &rec.UserID, &rec.State, &degraded,
		&rec.Error, &countsJSON, &startedAt, &completedAt); err != nil {
		return nil, err
	}
	rec.Degraded = degraded == 1
	if err := json.Unmarshal([]byte(countsJSON), &rec.Tasks); err != nil {
		return nil, fmt.Errorf("decode task counts: %w", err)
	}
	rec.StartedAt = time.UnixMilli(startedAt).UTC()
	rec.CompletedAt = time.UnixMilli(completedAt).UTC()
	return &rec, nil
}

func (s *sqlStore) Prune(ctx context.Context, before time.Time) (int, error) {
	cutoff := before.UnixMilli()
	total := 0
	res, err := s.db.ExecContext(ctx, s.rebind("DELETE FROM archive_events WHERE occurred_at < ?"), cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune archive events: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil {
		total += int(n)
	}
	res, err = s.db.ExecContext(ctx, s.rebind("DELETE FROM archive_sessions WHERE completed_at < ?"), cutoff)
	if err != nil {
		return total, fmt.Errorf("prune archived sessions: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil {
		total += int(n)
	}
	return total, nil
}

func (s *sqlStore) Close() error {
	return s.db.Close()
}
