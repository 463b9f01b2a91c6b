package history

import (
	"context"
	"time"

	"github.com/ent0n29/livebridge/internal/policy"
)

// Record summarizes one finished session.
type Record struct {
	SessionID         string    `json:"session_id"`
	ChatMode          string    `json:"chat_mode"`
	VoiceName         string    `json:"voice_name"`
	EndReason         string    `json:"end_reason"`
	TurnCount         int       `json:"turn_count"`
	InterruptionCount int       `json:"interruption_count"`
	TotalTokens       int64     `json:"total_tokens"`
	StartedAt         time.Time `json:"started_at"`
	EndedAt           time.Time `json:"ended_at"`
}

// Line is one transcription fragment. Role is "user" or "model".
type Line struct {
	ID          string    `json:"id"`
	SessionID   string    `json:"session_id"`
	Role        string    `json:"role"`
	Text        string    `json:"text"`
	PIIRedacted bool      `json:"pii_redacted"`
	CreatedAt   time.Time `json:"created_at"`
}

const (
	RoleUser  = "user"
	RoleModel = "model"
)

// Store persists session summaries and transcripts.
type Store interface {
	SaveSession(ctx context.Context, record Record) error
	AppendTranscript(ctx context.Context, line Line) error
	RecentSessions(ctx context.Context, limit int) ([]Record, error)
	Transcript(ctx context.Context, sessionID string) ([]Line, error)
	Close() error
}

func redact(line Line) Line {
	text, changed := policy.RedactPII(line.Text)
	line.Text = text
	line.PIIRedacted = line.PIIRedacted || changed
	return line
}
