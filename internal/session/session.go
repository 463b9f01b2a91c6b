package session

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Bridge is the running duplex connection bound to a session.
type Bridge interface {
	SendAudio(ctx context.Context, data []byte, mimeType string) error
	SendText(ctx context.Context, text string) error
	SendImage(ctx context.Context, data []byte, mimeType string) error
	Stop(ctx context.Context, reason EndReason) error
}

type Session struct {
	ID        string
	Config    Config
	CreatedAt time.Time

	clock        func() time.Time
	lastActivity atomic.Int64
	active       atomic.Bool

	mu     sync.Mutex
	bridge Bridge
}

func newSession(id string, cfg Config, clock func() time.Time) *Session {
	now := clock()
	s := &Session{
		ID:        id,
		Config:    cfg,
		CreatedAt: now,
		clock:     clock,
	}
	s.lastActivity.Store(now.UnixNano())
	return s
}

// Touch records activity now.
func (s *Session) Touch() {
	s.lastActivity.Store(s.clock().UnixNano())
}

func (s *Session) LastActivity() time.Time {
	return time.Unix(0, s.lastActivity.Load())
}

func (s *Session) IdleFor(now time.Time) time.Duration {
	return now.Sub(s.LastActivity())
}

func (s *Session) SetActive(active bool) {
	s.active.Store(active)
}

func (s *Session) Active() bool {
	return s.active.Load()
}

// Bind attaches the bridge that owns the upstream stream for this session.
func (s *Session) Bind(b Bridge) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bridge = b
}

func (s *Session) Bridge() Bridge {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bridge
}

func (s *Session) Info() Info {
	return Info{
		SessionID:    s.ID,
		ChatMode:     s.Config.ChatMode,
		VoiceName:    s.Config.VoiceName,
		ConnectedAt:  unixSeconds(s.CreatedAt),
		LastActivity: unixSeconds(s.LastActivity()),
		IsActive:     s.Active(),
	}
}

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}
