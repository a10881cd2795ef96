package recorder

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/lunaroute/lunaroute/internal/core/domain"
	"github.com/lunaroute/lunaroute/internal/core/ports"
	"github.com/lunaroute/lunaroute/internal/logger"
)

// schemaVersion gates startup: a fresh database is stamped with it, and a
// mismatched existing one fails fast rather than silently diverging from
// the table definitions below.
const schemaVersion = 1

// SqliteWriter implements ports.SessionWriter against a WAL-mode SQLite
// database, maintaining four tables: sessions, tool_calls, session_stats and
// stream_metrics. Session and stats writes are idempotent (inserts are
// ON CONFLICT DO NOTHING, numeric updates widen via MAX) so redelivery never
// double-counts; tool_calls is the one true aggregate, one row per
// (session_id, tool_name) accumulating call and error counts.
type SqliteWriter struct {
	db  *sql.DB
	log *logger.StyledLogger
}

var _ ports.SessionWriter = (*SqliteWriter)(nil)

// NewSqliteWriter opens (creating if absent) the database at path, enables
// WAL mode, and ensures the schema exists at the expected version.
func NewSqliteWriter(path string, maxOpenConns int, log *logger.StyledLogger) (*SqliteWriter, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite writer: open: %w", err)
	}
	if maxOpenConns <= 0 {
		maxOpenConns = 4
	}
	db.SetMaxOpenConns(maxOpenConns)

	w := &SqliteWriter{db: db, log: log}
	if err := w.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return w, nil
}

func (w *SqliteWriter) init() error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	}
	for _, p := range pragmas {
		if _, err := w.db.Exec(p); err != nil {
			return fmt.Errorf("sqlite writer: pragma %q: %w", p, err)
		}
	}

	schema := `
CREATE TABLE IF NOT EXISTS schema_meta (
	version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS sessions (
	session_id            TEXT PRIMARY KEY,
	request_id            TEXT,
	started_at            TEXT,
	completed_at          TEXT,
	provider              TEXT,
	listener              TEXT,
	model_requested       TEXT,
	model_used            TEXT,
	success               INTEGER,
	error_message         TEXT,
	finish_reason         TEXT,
	total_duration_ms     INTEGER,
	provider_latency_ms   INTEGER,
	input_tokens          INTEGER DEFAULT 0,
	output_tokens         INTEGER DEFAULT 0,
	thinking_tokens       INTEGER DEFAULT 0,
	reasoning_tokens      INTEGER DEFAULT 0,
	cache_read_tokens     INTEGER DEFAULT 0,
	cache_creation_tokens INTEGER DEFAULT 0,
	audio_input_tokens    INTEGER DEFAULT 0,
	audio_output_tokens   INTEGER DEFAULT 0,
	total_tokens          INTEGER GENERATED ALWAYS AS (COALESCE(input_tokens, 0) + COALESCE(output_tokens, 0)) STORED,
	request_text          TEXT,
	response_text         TEXT,
	client_ip             TEXT,
	user_agent            TEXT,
	is_streaming          INTEGER,
	created_at            TEXT,
	metadata_json         TEXT
);
CREATE INDEX IF NOT EXISTS idx_sessions_created_at ON sessions(created_at DESC);
CREATE INDEX IF NOT EXISTS idx_sessions_provider_created ON sessions(provider, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_sessions_model_created ON sessions(model_used, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_sessions_request_id ON sessions(request_id);
CREATE INDEX IF NOT EXISTS idx_sessions_streaming_created ON sessions(is_streaming, created_at DESC);

CREATE TABLE IF NOT EXISTS tool_calls (
	session_id            TEXT NOT NULL,
	request_id            TEXT,
	model_name            TEXT,
	tool_name             TEXT NOT NULL,
	call_count            INTEGER NOT NULL DEFAULT 0,
	avg_execution_time_ms REAL NOT NULL DEFAULT 0,
	error_count           INTEGER NOT NULL DEFAULT 0,
	created_at            TEXT,
	PRIMARY KEY (session_id, tool_name),
	FOREIGN KEY (session_id) REFERENCES sessions(session_id)
);
CREATE INDEX IF NOT EXISTS idx_tool_calls_model_created ON tool_calls(model_name, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_tool_calls_tool_created ON tool_calls(tool_name, created_at DESC);

CREATE TABLE IF NOT EXISTS session_stats (
	session_id            TEXT PRIMARY KEY,
	request_id            TEXT,
	model_name            TEXT,
	selection_ms          INTEGER,
	request_processing_ms INTEGER,
	backend_response_ms   INTEGER,
	first_data_ms         INTEGER,
	streaming_ms          INTEGER,
	header_processing_ms  INTEGER,
	total_ms              INTEGER,
	input_tokens          INTEGER DEFAULT 0,
	output_tokens         INTEGER DEFAULT 0,
	thinking_tokens       INTEGER DEFAULT 0,
	reasoning_tokens      INTEGER DEFAULT 0,
	cache_read_tokens     INTEGER DEFAULT 0,
	cache_creation_tokens INTEGER DEFAULT 0,
	response_size_bytes   INTEGER DEFAULT 0,
	message_count         INTEGER DEFAULT 0,
	content_blocks        INTEGER DEFAULT 0,
	has_tools             INTEGER DEFAULT 0,
	has_refusal           INTEGER DEFAULT 0,
	created_at            TEXT,
	FOREIGN KEY (session_id) REFERENCES sessions(session_id)
);
CREATE INDEX IF NOT EXISTS idx_session_stats_model_created ON session_stats(model_name, created_at DESC);

CREATE TABLE IF NOT EXISTS stream_metrics (
	session_id              TEXT PRIMARY KEY,
	request_id              TEXT,
	time_to_first_token_ms  INTEGER,
	total_chunks            INTEGER,
	streaming_duration_ms   INTEGER,
	avg_chunk_latency_ms    REAL,
	p50_chunk_latency_ms    REAL,
	p95_chunk_latency_ms    REAL,
	p99_chunk_latency_ms    REAL,
	max_chunk_latency_ms    REAL,
	min_chunk_latency_ms    REAL,
	FOREIGN KEY (session_id) REFERENCES sessions(session_id)
);
CREATE INDEX IF NOT EXISTS idx_stream_metrics_ttft ON stream_metrics(time_to_first_token_ms);
`
	if _, err := w.db.Exec(schema); err != nil {
		return fmt.Errorf("sqlite writer: create schema: %w", err)
	}

	var count int
	if err := w.db.QueryRow("SELECT COUNT(*) FROM schema_meta").Scan(&count); err != nil {
		return fmt.Errorf("sqlite writer: read schema_meta: %w", err)
	}
	if count == 0 {
		if _, err := w.db.Exec("INSERT INTO schema_meta (version) VALUES (?)", schemaVersion); err != nil {
			return fmt.Errorf("sqlite writer: stamp schema version: %w", err)
		}
		return nil
	}

	var version int
	if err := w.db.QueryRow("SELECT version FROM schema_meta LIMIT 1").Scan(&version); err != nil {
		return fmt.Errorf("sqlite writer: read schema version: %w", err)
	}
	if version != schemaVersion {
		return fmt.Errorf("sqlite writer: schema version mismatch: database has %d, writer expects %d", version, schemaVersion)
	}
	return nil
}

func (w *SqliteWriter) SupportsBatching() bool { return true }

// WriteEvent upserts the relevant row(s) for event.Type. Token counters on
// sessions update via MAX(COALESCE(existing, 0), new) so a streaming update
// and a non-streaming update for the same session never double-count, and
// arrival order does not matter.
func (w *SqliteWriter) WriteEvent(ctx context.Context, event domain.SessionEvent) error {
	if !domain.ValidSessionID(event.SessionID) {
		return fmt.Errorf("sqlite writer: invalid session_id %q", event.SessionID)
	}

	switch event.Type {
	case domain.EventStarted:
		return w.writeStarted(ctx, event)
	case domain.EventStreamStarted:
		return w.writeStreamStarted(ctx, event)
	case domain.EventRequestRecorded, domain.EventResponseRecorded:
		return w.writeRequestResponse(ctx, event)
	case domain.EventToolCallRecorded:
		return w.writeToolCall(ctx, event)
	case domain.EventStatsSnapshot:
		return w.writeStats(ctx, event, event.Stats)
	case domain.EventCompleted:
		return w.writeCompleted(ctx, event)
	default:
		return nil
	}
}

func (w *SqliteWriter) writeStarted(ctx context.Context, e domain.SessionEvent) error {
	metaJSON, err := json.Marshal(e.Metadata)
	if err != nil {
		metaJSON = []byte("{}")
	}
	ts := e.Timestamp.UTC().Format(timeLayout)
	_, err = w.db.ExecContext(ctx, `
INSERT INTO sessions (session_id, request_id, started_at, provider, listener, model_requested, is_streaming, client_ip, user_agent, created_at, metadata_json)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(session_id) DO NOTHING`,
		e.SessionID, e.RequestID, ts, e.Provider, string(e.Listener), e.ModelRequested, boolToInt(e.IsStreaming), e.ClientIP, e.UserAgent, ts, string(metaJSON))
	return err
}

func (w *SqliteWriter) writeStreamStarted(ctx context.Context, e domain.SessionEvent) error {
	_, err := w.db.ExecContext(ctx, `
INSERT INTO stream_metrics (session_id, request_id, time_to_first_token_ms)
VALUES (?, ?, ?)
ON CONFLICT(session_id) DO UPDATE SET
	request_id             = COALESCE(request_id, excluded.request_id),
	time_to_first_token_ms = MAX(COALESCE(time_to_first_token_ms, 0), excluded.time_to_first_token_ms)`,
		e.SessionID, e.RequestID, e.TimeToFirstTokenMs)
	return err
}

func (w *SqliteWriter) writeRequestResponse(ctx context.Context, e domain.SessionEvent) error {
	if err := w.updateSessionTotals(ctx, e, e.Usage, e.Stats.TotalMs); err != nil {
		return err
	}
	return w.writeStats(ctx, e, e.Stats)
}

// updateSessionTotals folds the text, model and token columns of one
// RequestRecorded/ResponseRecorded/Completed event into the sessions row.
func (w *SqliteWriter) updateSessionTotals(ctx context.Context, e domain.SessionEvent, u domain.Usage, totalMs int64) error {
	_, err := w.db.ExecContext(ctx, `
UPDATE sessions SET
	model_used            = COALESCE(?, model_used),
	request_text          = COALESCE(?, request_text),
	response_text         = COALESCE(?, response_text),
	total_duration_ms     = MAX(COALESCE(total_duration_ms, 0), ?),
	provider_latency_ms   = MAX(COALESCE(provider_latency_ms, 0), ?),
	input_tokens          = MAX(COALESCE(input_tokens, 0), ?),
	output_tokens         = MAX(COALESCE(output_tokens, 0), ?),
	thinking_tokens       = MAX(COALESCE(thinking_tokens, 0), ?),
	reasoning_tokens      = MAX(COALESCE(reasoning_tokens, 0), ?),
	cache_read_tokens     = MAX(COALESCE(cache_read_tokens, 0), ?),
	cache_creation_tokens = MAX(COALESCE(cache_creation_tokens, 0), ?),
	audio_input_tokens    = MAX(COALESCE(audio_input_tokens, 0), ?),
	audio_output_tokens   = MAX(COALESCE(audio_output_tokens, 0), ?)
WHERE session_id = ?`,
		nullIfEmpty(e.ModelUsed), nullIfEmpty(e.RequestText), nullIfEmpty(e.ResponseText),
		totalMs, e.ProviderLatencyMs,
		u.InputTokens, u.OutputTokens, u.ThinkingTokens, u.ReasoningTokens,
		u.CacheReadTokens, u.CacheCreationTokens, u.AudioInputTokens, u.AudioOutputTokens,
		e.SessionID)
	return err
}

func (w *SqliteWriter) writeStats(ctx context.Context, e domain.SessionEvent, s domain.RequestResponseStats) error {
	modelName := e.ModelUsed
	if modelName == "" {
		modelName = e.ModelRequested
	}
	u := e.Usage
	_, err := w.db.ExecContext(ctx, `
INSERT INTO session_stats (session_id, request_id, model_name, selection_ms, request_processing_ms, backend_response_ms, first_data_ms, streaming_ms, header_processing_ms, total_ms, input_tokens, output_tokens, thinking_tokens, reasoning_tokens, cache_read_tokens, cache_creation_tokens, response_size_bytes, message_count, content_blocks, has_tools, has_refusal, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(session_id) DO UPDATE SET
	request_id            = COALESCE(request_id, excluded.request_id),
	model_name            = COALESCE(NULLIF(model_name, ''), excluded.model_name),
	selection_ms          = MAX(COALESCE(selection_ms, 0), excluded.selection_ms),
	request_processing_ms = MAX(COALESCE(request_processing_ms, 0), excluded.request_processing_ms),
	backend_response_ms   = MAX(COALESCE(backend_response_ms, 0), excluded.backend_response_ms),
	first_data_ms         = MAX(COALESCE(first_data_ms, 0), excluded.first_data_ms),
	streaming_ms          = MAX(COALESCE(streaming_ms, 0), excluded.streaming_ms),
	header_processing_ms  = MAX(COALESCE(header_processing_ms, 0), excluded.header_processing_ms),
	total_ms              = MAX(COALESCE(total_ms, 0), excluded.total_ms),
	input_tokens          = MAX(COALESCE(input_tokens, 0), excluded.input_tokens),
	output_tokens         = MAX(COALESCE(output_tokens, 0), excluded.output_tokens),
	thinking_tokens       = MAX(COALESCE(thinking_tokens, 0), excluded.thinking_tokens),
	reasoning_tokens      = MAX(COALESCE(reasoning_tokens, 0), excluded.reasoning_tokens),
	cache_read_tokens     = MAX(COALESCE(cache_read_tokens, 0), excluded.cache_read_tokens),
	cache_creation_tokens = MAX(COALESCE(cache_creation_tokens, 0), excluded.cache_creation_tokens),
	response_size_bytes   = MAX(COALESCE(response_size_bytes, 0), excluded.response_size_bytes),
	message_count         = MAX(COALESCE(message_count, 0), excluded.message_count),
	content_blocks        = MAX(COALESCE(content_blocks, 0), excluded.content_blocks),
	has_tools             = MAX(COALESCE(has_tools, 0), excluded.has_tools),
	has_refusal           = MAX(COALESCE(has_refusal, 0), excluded.has_refusal)`,
		e.SessionID, e.RequestID, modelName,
		s.SelectionMs, s.RequestProcessingMs, s.BackendResponseMs, s.FirstDataMs, s.StreamingMs, s.HeaderProcessingMs, s.TotalMs,
		u.InputTokens, u.OutputTokens, u.ThinkingTokens, u.ReasoningTokens, u.CacheReadTokens, u.CacheCreationTokens,
		s.ResponseSizeBytes, s.MessageCount, s.ContentBlocks, boolToInt(s.HasTools), boolToInt(s.HasRefusal),
		e.Timestamp.UTC().Format(timeLayout))
	return err
}

// writeToolCall accumulates one aggregate row per (session_id, tool_name):
// call_count and error_count increment per recorded result, and the running
// average execution time is rebalanced against the previous count (SET
// expressions read the pre-update row, so call_count there is the old value).
func (w *SqliteWriter) writeToolCall(ctx context.Context, e domain.SessionEvent) error {
	errIncrement := 0
	if !e.ToolSuccess {
		errIncrement = 1
	}
	modelName := e.ModelUsed
	if modelName == "" {
		modelName = e.ModelRequested
	}
	_, err := w.db.ExecContext(ctx, `
INSERT INTO tool_calls (session_id, request_id, model_name, tool_name, call_count, avg_execution_time_ms, error_count, created_at)
VALUES (?, ?, ?, ?, 1, ?, ?, ?)
ON CONFLICT(session_id, tool_name) DO UPDATE SET
	call_count            = call_count + 1,
	avg_execution_time_ms = (avg_execution_time_ms * call_count + excluded.avg_execution_time_ms) / (call_count + 1),
	error_count           = error_count + excluded.error_count`,
		e.SessionID, e.RequestID, modelName, e.ToolName,
		float64(e.ToolDurationMs), errIncrement, e.Timestamp.UTC().Format(timeLayout))
	return err
}

func (w *SqliteWriter) writeCompleted(ctx context.Context, e domain.SessionEvent) error {
	_, err := w.db.ExecContext(ctx, `
UPDATE sessions SET
	completed_at  = ?,
	success       = ?,
	error_message = ?,
	finish_reason = ?
WHERE session_id = ?`,
		e.Timestamp.UTC().Format(timeLayout), boolToInt(e.Success), e.Error, string(e.FinishReason), e.SessionID)
	if err != nil {
		return err
	}

	// A stream-only session (no ResponseRecorded) gets its token, text and
	// latency columns entirely from here.
	if err := w.updateSessionTotals(ctx, e, e.Usage, e.FinalStats.TotalMs); err != nil {
		return err
	}
	if err := w.writeStats(ctx, e, e.FinalStats); err != nil {
		return err
	}

	if e.StreamStats == nil {
		return nil
	}
	s := e.StreamStats
	_, err = w.db.ExecContext(ctx, `
INSERT INTO stream_metrics (session_id, request_id, time_to_first_token_ms, total_chunks, streaming_duration_ms, avg_chunk_latency_ms, p50_chunk_latency_ms, p95_chunk_latency_ms, p99_chunk_latency_ms, max_chunk_latency_ms, min_chunk_latency_ms)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(session_id) DO UPDATE SET
	request_id             = COALESCE(request_id, excluded.request_id),
	time_to_first_token_ms = MAX(COALESCE(time_to_first_token_ms, 0), excluded.time_to_first_token_ms),
	total_chunks           = excluded.total_chunks,
	streaming_duration_ms  = excluded.streaming_duration_ms,
	avg_chunk_latency_ms   = excluded.avg_chunk_latency_ms,
	p50_chunk_latency_ms   = excluded.p50_chunk_latency_ms,
	p95_chunk_latency_ms   = excluded.p95_chunk_latency_ms,
	p99_chunk_latency_ms   = excluded.p99_chunk_latency_ms,
	max_chunk_latency_ms   = excluded.max_chunk_latency_ms,
	min_chunk_latency_ms   = excluded.min_chunk_latency_ms`,
		e.SessionID, e.RequestID, s.TimeToFirstTokenMs, s.TotalChunks, s.StreamingDurationMs, s.AvgChunkLatencyMs, s.P50ChunkLatencyMs, s.P95ChunkLatencyMs, s.P99ChunkLatencyMs, s.MaxChunkLatencyMs, s.MinChunkLatencyMs)
	return err
}

// Flush is a no-op: every WriteEvent call already commits its own
// statement, and SQLite's WAL checkpointing is left to its defaults.
func (w *SqliteWriter) Flush(ctx context.Context) error { return nil }

func (w *SqliteWriter) Close() error { return w.db.Close() }

const timeLayout = "2006-01-02T15:04:05.000Z07:00"

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
