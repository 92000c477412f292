package archive

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// SQLite is the file-backed archive store.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the archive database at path and applies
// the schema. An empty path uses an in-memory database.
func OpenSQLite(path string) (*SQLite, error) {
	if path == "" {
		path = ":memory:"
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open archive database: %w", err)
	}
	// modernc serializes writers; a single connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	s := NewSQLite(db)
	if err := s.Migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewSQLite wraps an existing handle without touching the schema.
func NewSQLite(db *sql.DB) *SQLite {
	return &SQLite{db: db}
}

// Migrate applies the archive schema.
func (s *SQLite) Migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS requests (
			id TEXT PRIMARY KEY,
			trace_id TEXT,
			agent_id TEXT,
			session_id TEXT,
			provider TEXT NOT NULL,
			model TEXT NOT NULL,
			input_tokens INTEGER NOT NULL DEFAULT 0,
			output_tokens INTEGER NOT NULL DEFAULT 0,
			cost_usd REAL NOT NULL DEFAULT 0,
			latency_ms REAL NOT NULL DEFAULT 0,
			finish_reason TEXT,
			turns INTEGER NOT NULL DEFAULT 0,
			error TEXT,
			created_at DATETIME NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS tool_events (
			id TEXT PRIMARY KEY,
			request_id TEXT NOT NULL,
			call_id TEXT,
			tool TEXT NOT NULL,
			hook_result TEXT,
			state TEXT NOT NULL,
			content TEXT,
			duration_ms REAL NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL
		)`,
		"CREATE INDEX IF NOT EXISTS idx_requests_created ON requests(created_at)",
		"CREATE INDEX IF NOT EXISTS idx_requests_provider ON requests(provider)",
		"CREATE INDEX IF NOT EXISTS idx_requests_agent ON requests(agent_id)",
		"CREATE INDEX IF NOT EXISTS idx_tool_events_request ON tool_events(request_id)",
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate archive schema: %w", err)
		}
	}
	return nil
}

// SaveRequest archives one terminal outcome. Replays with the same id
// replace the previous row.
func (s *SQLite) SaveRequest(ctx context.Context, rec *Record) error {
	if rec == nil {
		return nil
	}
	id := rec.ID
	if id == "" {
		id = uuid.New().String()
	}
	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO requests
			(id, trace_id, agent_id, session_id, provider, model,
			 input_tokens, output_tokens, cost_usd, latency_ms,
			 finish_reason, turns, error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, id, rec.TraceID, rec.AgentID, rec.SessionID, rec.Provider, rec.Model,
		rec.InputTokens, rec.OutputTokens, rec.CostUSD, rec.LatencyMS,
		rec.FinishReason, rec.Turns, rec.Error, createdAt)
	if err != nil {
		return fmt.Errorf("save request: %w", err)
	}
	return nil
}

// SaveToolEvents archives the tool events of one request in one
// transaction.
func (s *SQLite) SaveToolEvents(ctx context.Context, requestID string, events []ToolEvent) error {
	if len(events) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("save tool events: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR REPLACE INTO tool_events
			(id, request_id, call_id, tool, hook_result, state, content, duration_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("save tool events: %w", err)
	}
	defer stmt.Close()

	for _, ev := range events {
		id := ev.ID
		if id == "" {
			id = uuid.New().String()
		}
		createdAt := ev.CreatedAt
		if createdAt.IsZero() {
			createdAt = time.Now().UTC()
		}
		_, err := stmt.ExecContext(ctx, id, requestID, ev.CallID, ev.Tool,
			ev.HookResult, ev.State, clampContent(ev.Content), ev.DurationMS, createdAt)
		if err != nil {
			tx.Rollback()
			return fmt.Errorf("save tool event %s: %w", ev.CallID, err)
		}
	}
	return tx.Commit()
}

// ListRequests returns archived requests newest-first.
func (s *SQLite) ListRequests(ctx context.Context, opts ListOptions) ([]Record, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}

	query := `SELECT id, trace_id, agent_id, session_id, provider, model,
		input_tokens, output_tokens, cost_usd, latency_ms,
		finish_reason, turns, error, created_at
		FROM requests WHERE 1=1`
	args := []any{}
	if opts.Provider != "" {
		query += " AND provider = ?"
		args = append(args, opts.Provider)
	}
	if opts.Model != "" {
		query += " AND model = ?"
		args = append(args, opts.Model)
	}
	if opts.AgentID != "" {
		query += " AND agent_id = ?"
		args = append(args, opts.AgentID)
	}
	if !opts.Since.IsZero() {
		query += " AND created_at >= ?"
		args = append(args, opts.Since)
	}
	query += " ORDER BY created_at DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list requests: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var rec Record
		err := rows.Scan(&rec.ID, &rec.TraceID, &rec.AgentID, &rec.SessionID,
			&rec.Provider, &rec.Model, &rec.InputTokens, &rec.OutputTokens,
			&rec.CostUSD, &rec.LatencyMS, &rec.FinishReason, &rec.Turns,
			&rec.Error, &rec.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("scan request row: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Summarize aggregates requests archived at or after since.
func (s *SQLite) Summarize(ctx context.Context, since time.Time) (*Summary, error) {
	sum := &Summary{Since: since}
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
			COALESCE(SUM(CASE WHEN error != '' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(input_tokens), 0),
			COALESCE(SUM(output_tokens), 0),
			COALESCE(SUM(cost_usd), 0)
		FROM requests WHERE created_at >= ?
	`, since).Scan(&sum.Requests, &sum.Failures, &sum.InputTokens, &sum.OutputTokens, &sum.CostUSD)
	if err != nil {
		return nil, fmt.Errorf("summarize requests: %w", err)
	}
	return sum, nil
}

// Prune deletes requests older than before along with their tool events
// and reports how many requests went.
func (s *SQLite) Prune(ctx context.Context, before time.Time) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("prune archive: %w", err)
	}
	_, err = tx.ExecContext(ctx,
		"DELETE FROM tool_events WHERE request_id IN (SELECT id FROM requests WHERE created_at < ?)", before)
	if err != nil {
		tx.Rollback()
		return 0, fmt.Errorf("prune tool events: %w", err)
	}
	res, err := tx.ExecContext(ctx, "DELETE FROM requests WHERE created_at < ?", before)
	if err != nil {
		tx.Rollback()
		return 0, fmt.Errorf("prune requests: %w", err)
	}
	pruned, err := res.RowsAffected()
	if err != nil {
		tx.Rollback()
		return 0, fmt.Errorf("prune requests: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("prune archive: %w", err)
	}
	return pruned, nil
}

// Close releases the database handle.
func (s *SQLite) Close() error {
	return s.db.Close()
}
