package history

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists session history in PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS live_sessions (
			session_id TEXT PRIMARY KEY,
			chat_mode TEXT NOT NULL,
			voice_name TEXT NOT NULL,
			end_reason TEXT NOT NULL,
			turn_count INTEGER NOT NULL DEFAULT 0,
			interruption_count INTEGER NOT NULL DEFAULT 0,
			total_tokens BIGINT NOT NULL DEFAULT 0,
			started_at TIMESTAMPTZ NOT NULL,
			ended_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE INDEX IF NOT EXISTS idx_live_sessions_ended ON live_sessions (ended_at DESC);`,
		`CREATE TABLE IF NOT EXISTS live_transcripts (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			role TEXT NOT NULL,
			text TEXT NOT NULL,
			pii_redacted BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE INDEX IF NOT EXISTS idx_live_transcripts_session_created ON live_transcripts (session_id, created_at);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresStore) SaveSession(ctx context.Context, r Record) error {
	if r.EndedAt.IsZero() {
		r.EndedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO live_sessions (session_id, chat_mode, voice_name, end_reason, turn_count, interruption_count, total_tokens, started_at, ended_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (session_id) DO UPDATE SET end_reason = EXCLUDED.end_reason, ended_at = EXCLUDED.ended_at`,
		r.SessionID,
		r.ChatMode,
		r.VoiceName,
		r.EndReason,
		r.TurnCount,
		r.InterruptionCount,
		r.TotalTokens,
		r.StartedAt,
		r.EndedAt,
	)
	if err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

func (s *PostgresStore) AppendTranscript(ctx context.Context, line Line) error {
	line = redact(line)
	if line.ID == "" {
		line.ID = uuid.NewString()
	}
	if line.CreatedAt.IsZero() {
		line.CreatedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO live_transcripts (id, session_id, role, text, pii_redacted, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		line.ID,
		line.SessionID,
		line.Role,
		line.Text,
		line.PIIRedacted,
		line.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("append transcript: %w", err)
	}
	return nil
}

func (s *PostgresStore) RecentSessions(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.pool.Query(ctx,
		`SELECT session_id, chat_mode, voice_name, end_reason, turn_count, interruption_count, total_tokens, started_at, ended_at
		 FROM live_sessions ORDER BY ended_at DESC LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query recent sessions: %w", err)
	}
	records, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Record, error) {
		var r Record
		err := row.Scan(&r.SessionID, &r.ChatMode, &r.VoiceName, &r.EndReason, &r.TurnCount, &r.InterruptionCount, &r.TotalTokens, &r.StartedAt, &r.EndedAt)
		return r, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan session rows: %w", err)
	}
	return records, nil
}

func (s *PostgresStore) Transcript(ctx context.Context, sessionID string) ([]Line, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, session_id, role, text, pii_redacted, created_at
		 FROM live_transcripts WHERE session_id=$1 ORDER BY created_at ASC`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("query transcript: %w", err)
	}
	defer rows.Close()

	var lines []Line
	for rows.Next() {
		var l Line
		if err := rows.Scan(&l.ID, &l.SessionID, &l.Role, &l.Text, &l.PIIRedacted, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan transcript row: %w", err)
		}
		lines = append(lines, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transcript rows: %w", err)
	}
	return lines, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
