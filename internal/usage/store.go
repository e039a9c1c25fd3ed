// Package usage keeps a persistent ledger of conversational turns: who
// asked, which model answered, how many tool calls and tokens it took,
// and how the turn ended. Records are append-only and indexed by
// timestamp and user for aggregation queries.
package usage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Outcomes recorded for a turn.
const (
	OutcomeOK          = "ok"
	OutcomeModelError  = "model_error"
	OutcomeStoreError  = "history_error"
	OutcomeOtherError  = "error"
	OutcomeRateLimited = "rate_limited"
)

// Channels a turn can arrive on.
const (
	ChannelChat      = "chat"
	ChannelVoice     = "voice"
	ChannelWebsocket = "websocket"
)

// Record is one turn.
type Record struct {
	ID           string        `json:"id"`
	Timestamp    time.Time     `json:"timestamp"`
	RequestID    string        `json:"request_id,omitempty"`
	UserID       string        `json:"user_id"`
	Channel      string        `json:"channel"`
	Model        string        `json:"model,omitempty"`
	ModelCalls   int           `json:"model_calls"`
	ToolCalls    int           `json:"tool_calls"`
	InputTokens  int           `json:"input_tokens"`
	OutputTokens int           `json:"output_tokens"`
	Duration     time.Duration `json:"duration"`
	Outcome      string        `json:"outcome"`
}

// Summary holds aggregated totals.
type Summary struct {
	Turns        int   `json:"turns"`
	FailedTurns  int   `json:"failed_turns"`
	ModelCalls   int64 `json:"model_calls"`
	ToolCalls    int64 `json:"tool_calls"`
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

// Store is an append-only ledger in the main database. All methods are
// safe for concurrent use.
type Store struct {
	db *sql.DB
}

// NewStore creates the ledger table in db when missing.
func NewStore(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate usage schema: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS turn_usage (
		id            TEXT PRIMARY KEY,
		timestamp     TEXT NOT NULL,
		request_id    TEXT,
		user_id       TEXT NOT NULL,
		channel       TEXT NOT NULL,
		model         TEXT,
		model_calls   INTEGER NOT NULL,
		tool_calls    INTEGER NOT NULL,
		input_tokens  INTEGER NOT NULL,
		output_tokens INTEGER NOT NULL,
		duration_ms   INTEGER NOT NULL,
		outcome       TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_turn_usage_timestamp ON turn_usage(timestamp);
	CREATE INDEX IF NOT EXISTS idx_turn_usage_user ON turn_usage(user_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Record persists rec. An empty ID gets a UUIDv7 and a zero Timestamp
// gets the current time.
func (s *Store) Record(ctx context.Context, rec Record) error {
	if rec.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("generate usage record ID: %w", err)
		}
		rec.ID = id.String()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}
	if rec.Outcome == "" {
		rec.Outcome = OutcomeOK
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO turn_usage
			(id, timestamp, request_id, user_id, channel, model, model_calls,
			 tool_calls, input_tokens, output_tokens, duration_ms, outcome)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID,
		rec.Timestamp.UTC().Format(time.RFC3339),
		rec.RequestID,
		rec.UserID,
		rec.Channel,
		rec.Model,
		rec.ModelCalls,
		rec.ToolCalls,
		rec.InputTokens,
		rec.OutputTokens,
		rec.Duration.Milliseconds(),
		rec.Outcome,
	)
	if err != nil {
		return fmt.Errorf("insert usage record: %w", err)
	}
	return nil
}

const summaryColumns = `COUNT(*),
	COALESCE(SUM(CASE WHEN outcome != 'ok' THEN 1 ELSE 0 END), 0),
	COALESCE(SUM(model_calls), 0), COALESCE(SUM(tool_calls), 0),
	COALESCE(SUM(input_tokens), 0), COALESCE(SUM(output_tokens), 0)`

// Summary returns totals for turns within [start, end).
func (s *Store) Summary(ctx context.Context, start, end time.Time) (*Summary, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+summaryColumns+`
		 FROM turn_usage
		 WHERE timestamp >= ? AND timestamp < ?`,
		start.UTC().Format(time.RFC3339),
		end.UTC().Format(time.RFC3339),
	)

	var sum Summary
	if err := row.Scan(&sum.Turns, &sum.FailedTurns, &sum.ModelCalls, &sum.ToolCalls, &sum.InputTokens, &sum.OutputTokens); err != nil {
		return nil, fmt.Errorf("query usage summary: %w", err)
	}
	return &sum, nil
}

// SummaryByUser returns per-user totals for turns within [start, end).
func (s *Store) SummaryByUser(ctx context.Context, start, end time.Time) (map[string]*Summary, error) {
	return s.summaryGroupedBy(ctx, "user_id", start, end)
}

// SummaryByModel returns per-model totals for turns within [start, end).
// Turns that failed before any model answered are grouped under "".
func (s *Store) SummaryByModel(ctx context.Context, start, end time.Time) (map[string]*Summary, error) {
	return s.summaryGroupedBy(ctx, "model", start, end)
}

// SummaryByChannel returns per-channel totals for turns within [start, end).
func (s *Store) SummaryByChannel(ctx context.Context, start, end time.Time) (map[string]*Summary, error) {
	return s.summaryGroupedBy(ctx, "channel", start, end)
}

func (s *Store) summaryGroupedBy(ctx context.Context, column string, start, end time.Time) (map[string]*Summary, error) {
	// column always comes from the methods above, never from input.
	query := fmt.Sprintf(
		`SELECT COALESCE(%s, ''), `+summaryColumns+`
		 FROM turn_usage
		 WHERE timestamp >= ? AND timestamp < ?
		 GROUP BY %s`,
		column, column,
	)

	rows, err := s.db.QueryContext(ctx, query,
		start.UTC().Format(time.RFC3339),
		end.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return nil, fmt.Errorf("query usage by %s: %w", column, err)
	}
	defer rows.Close()

	result := make(map[string]*Summary)
	for rows.Next() {
		var key string
		var sum Summary
		if err := rows.Scan(&key, &sum.Turns, &sum.FailedTurns, &sum.ModelCalls, &sum.ToolCalls, &sum.InputTokens, &sum.OutputTokens); err != nil {
			return nil, fmt.Errorf("scan usage by %s: %w", column, err)
		}
		result[key] = &sum
	}
	return result, rows.Err()
}

// Recent returns a user's latest turns, newest first.
func (s *Store) Recent(ctx context.Context, userID string, limit int) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, timestamp, COALESCE(request_id, ''), user_id, channel, COALESCE(model, ''),
			model_calls, tool_calls, input_tokens, output_tokens, duration_ms, outcome
		FROM turn_usage
		WHERE user_id = ?
		ORDER BY timestamp DESC, id DESC
		LIMIT ?`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent usage: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var rec Record
		var ts string
		var ms int64
		if err := rows.Scan(&rec.ID, &ts, &rec.RequestID, &rec.UserID, &rec.Channel, &rec.Model,
			&rec.ModelCalls, &rec.ToolCalls, &rec.InputTokens, &rec.OutputTokens, &ms, &rec.Outcome); err != nil {
			return nil, fmt.Errorf("scan usage record: %w", err)
		}
		rec.Timestamp, _ = time.Parse(time.RFC3339, ts)
		rec.Duration = time.Duration(ms) * time.Millisecond
		out = append(out, rec)
	}
	return out, rows.Err()
}
