package recorder

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/lunaroute/lunaroute/internal/core/domain"
)

func openTestWriter(t *testing.T) *SqliteWriter {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sessions.db")
	w, err := NewSqliteWriter(path, 2, nil)
	if err != nil {
		t.Fatalf("NewSqliteWriter: %v", err)
	}
	t.Cleanup(func() { _ = w.Close() })
	return w
}

func TestSqliteWriterCreatesSchema(t *testing.T) {
	w := openTestWriter(t)

	var version int
	if err := w.db.QueryRow("SELECT version FROM schema_meta LIMIT 1").Scan(&version); err != nil {
		t.Fatalf("reading schema_meta: %v", err)
	}
	if version != schemaVersion {
		t.Fatalf("expected schema version %d, got %d", schemaVersion, version)
	}
}

func TestSqliteWriterInsertsSessionOnStarted(t *testing.T) {
	w := openTestWriter(t)
	ts := time.Date(2026, 7, 31, 0, 0, 0, 0, time.UTC)

	event := domain.SessionEvent{
		Type:           domain.EventStarted,
		SessionID:      "sess-1",
		RequestID:      "req-1",
		Timestamp:      ts,
		ModelRequested: "gpt-4o",
		Provider:       "openai-primary",
	}
	if err := w.WriteEvent(context.Background(), event); err != nil {
		t.Fatalf("WriteEvent: %v", err)
	}

	var model, provider string
	err := w.db.QueryRow("SELECT model_requested, provider FROM sessions WHERE session_id = ?", "sess-1").Scan(&model, &provider)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if model != "gpt-4o" || provider != "openai-primary" {
		t.Fatalf("unexpected row: model=%s provider=%s", model, provider)
	}
}

func TestSqliteWriterStartedIsIdempotent(t *testing.T) {
	w := openTestWriter(t)
	ts := time.Date(2026, 7, 31, 0, 0, 0, 0, time.UTC)
	event := domain.SessionEvent{Type: domain.EventStarted, SessionID: "sess-1", Timestamp: ts, ModelRequested: "gpt-4o"}

	for i := 0; i < 2; i++ {
		if err := w.WriteEvent(context.Background(), event); err != nil {
			t.Fatalf("WriteEvent iteration %d: %v", i, err)
		}
	}

	var count int
	if err := w.db.QueryRow("SELECT COUNT(*) FROM sessions WHERE session_id = ?", "sess-1").Scan(&count); err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Fatalf("expected exactly 1 row after replay, got %d", count)
	}
}

func TestSqliteWriterToolCallsAggregatePerToolName(t *testing.T) {
	w := openTestWriter(t)
	ts := time.Date(2026, 7, 31, 0, 0, 0, 0, time.UTC)
	_ = w.WriteEvent(context.Background(), domain.SessionEvent{Type: domain.EventStarted, SessionID: "sess-1", Timestamp: ts})

	ok := domain.SessionEvent{
		Type:           domain.EventToolCallRecorded,
		SessionID:      "sess-1",
		ModelRequested: "gpt-4o",
		ToolCallID:     "call-1",
		ToolName:       "search",
		ToolSuccess:    true,
		ToolDurationMs: 10,
		Timestamp:      ts,
	}
	failed := ok
	failed.ToolCallID = "call-2"
	failed.ToolSuccess = false
	failed.ToolDurationMs = 30

	if err := w.WriteEvent(context.Background(), ok); err != nil {
		t.Fatalf("WriteEvent: %v", err)
	}
	if err := w.WriteEvent(context.Background(), failed); err != nil {
		t.Fatalf("WriteEvent: %v", err)
	}

	var callCount, errorCount int
	var avgMs float64
	var model string
	err := w.db.QueryRow(`SELECT call_count, error_count, avg_execution_time_ms, model_name
FROM tool_calls WHERE session_id = ? AND tool_name = ?`, "sess-1", "search").Scan(&callCount, &errorCount, &avgMs, &model)
	if err != nil {
		t.Fatal(err)
	}
	if callCount != 2 {
		t.Errorf("expected call_count 2, got %d", callCount)
	}
	if errorCount != 1 {
		t.Errorf("expected error_count 1 after one is_error result, got %d", errorCount)
	}
	if avgMs != 20 {
		t.Errorf("expected running average 20ms, got %f", avgMs)
	}
	if model != "gpt-4o" {
		t.Errorf("expected model_name recorded, got %q", model)
	}
}

func TestSqliteWriterSessionTokenColumns(t *testing.T) {
	w := openTestWriter(t)
	ts := time.Date(2026, 7, 31, 0, 0, 0, 0, time.UTC)
	_ = w.WriteEvent(context.Background(), domain.SessionEvent{
		Type: domain.EventStarted, SessionID: "sess-1", Timestamp: ts,
		ClientIP: "10.0.0.9", UserAgent: "curl/8.0",
	})

	response := domain.SessionEvent{
		Type:      domain.EventResponseRecorded,
		SessionID: "sess-1",
		Timestamp: ts,
		ModelUsed: "claude-3",
		Usage:     domain.Usage{InputTokens: 7, OutputTokens: 5, CacheReadTokens: 3},
		Stats:     domain.RequestResponseStats{TotalMs: 40},
	}
	if err := w.WriteEvent(context.Background(), response); err != nil {
		t.Fatalf("WriteEvent: %v", err)
	}
	// A second, smaller update must not shrink the counters.
	response.Usage = domain.Usage{InputTokens: 2, OutputTokens: 1}
	if err := w.WriteEvent(context.Background(), response); err != nil {
		t.Fatalf("replayed WriteEvent: %v", err)
	}

	var input, output, cacheRead, total int
	var clientIP, userAgent string
	err := w.db.QueryRow(`SELECT input_tokens, output_tokens, cache_read_tokens, total_tokens, client_ip, user_agent
FROM sessions WHERE session_id = ?`, "sess-1").Scan(&input, &output, &cacheRead, &total, &clientIP, &userAgent)
	if err != nil {
		t.Fatal(err)
	}
	if input != 7 || output != 5 || cacheRead != 3 {
		t.Errorf("expected widened token counts 7/5/3, got %d/%d/%d", input, output, cacheRead)
	}
	if total != 12 {
		t.Errorf("expected generated total_tokens 12, got %d", total)
	}
	if clientIP != "10.0.0.9" || userAgent != "curl/8.0" {
		t.Errorf("expected client_ip/user_agent persisted, got %q/%q", clientIP, userAgent)
	}
}

func TestSqliteWriterStatsWidenViaMax(t *testing.T) {
	w := openTestWriter(t)
	ts := time.Date(2026, 7, 31, 0, 0, 0, 0, time.UTC)
	_ = w.WriteEvent(context.Background(), domain.SessionEvent{Type: domain.EventStarted, SessionID: "sess-1", Timestamp: ts})

	_ = w.WriteEvent(context.Background(), domain.SessionEvent{
		Type: domain.EventStatsSnapshot, SessionID: "sess-1",
		Stats: domain.RequestResponseStats{TotalMs: 50},
	})
	_ = w.WriteEvent(context.Background(), domain.SessionEvent{
		Type: domain.EventStatsSnapshot, SessionID: "sess-1",
		Stats: domain.RequestResponseStats{TotalMs: 30},
	})

	var total int64
	if err := w.db.QueryRow("SELECT total_ms FROM session_stats WHERE session_id = ?", "sess-1").Scan(&total); err != nil {
		t.Fatal(err)
	}
	if total != 50 {
		t.Fatalf("expected widened total_ms of 50 (max), got %d", total)
	}
}

func TestSqliteWriterCompletedRecordsStreamMetrics(t *testing.T) {
	w := openTestWriter(t)
	ts := time.Date(2026, 7, 31, 0, 0, 0, 0, time.UTC)
	_ = w.WriteEvent(context.Background(), domain.SessionEvent{Type: domain.EventStarted, SessionID: "sess-1", Timestamp: ts})

	completed := domain.SessionEvent{
		Type:      domain.EventCompleted,
		SessionID: "sess-1",
		Timestamp: ts,
		Success:   true,
		StreamStats: &domain.StreamingStats{
			TimeToFirstTokenMs: 120,
			TotalChunks:        42,
			P50ChunkLatencyMs:  5,
		},
	}
	if err := w.WriteEvent(context.Background(), completed); err != nil {
		t.Fatalf("WriteEvent: %v", err)
	}

	var chunks int
	var p50 float64
	if err := w.db.QueryRow("SELECT total_chunks, p50_chunk_latency_ms FROM stream_metrics WHERE session_id = ?", "sess-1").Scan(&chunks, &p50); err != nil {
		t.Fatal(err)
	}
	if chunks != 42 || p50 != 5 {
		t.Fatalf("unexpected stream_metrics row: chunks=%d p50=%f", chunks, p50)
	}

	var success int
	if err := w.db.QueryRow("SELECT success FROM sessions WHERE session_id = ?", "sess-1").Scan(&success); err != nil {
		t.Fatal(err)
	}
	if success != 1 {
		t.Fatal("expected success=1 on sessions row")
	}
}

func TestSqliteWriterRejectsInvalidSessionID(t *testing.T) {
	w := openTestWriter(t)
	err := w.WriteEvent(context.Background(), domain.SessionEvent{Type: domain.EventStarted, SessionID: "bad id"})
	if err == nil {
		t.Fatal("expected error for invalid session_id")
	}
}
