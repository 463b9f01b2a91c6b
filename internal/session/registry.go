package session

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound         = errors.New("session not found")
	ErrCapacityExceeded = errors.New("session capacity exceeded")
)

// Registry is the process-wide table of live sessions keyed by id.
type Registry struct {
	mu          sync.RWMutex
	sessions    map[string]*Session
	maxSessions int
	onExpire    func(*Session)
	clock       func() time.Time
	logger      *slog.Logger
}

// NewRegistry builds a registry. maxSessions <= 0 means unlimited.
func NewRegistry(maxSessions int, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		sessions:    make(map[string]*Session),
		maxSessions: maxSessions,
		clock:       time.Now,
		logger:      logger,
	}
}

func (r *Registry) SetExpireHook(hook func(*Session)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onExpire = hook
}

func (r *Registry) Create(cfg Config) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.maxSessions > 0 && len(r.sessions) >= r.maxSessions {
		return nil, ErrCapacityExceeded
	}
	id := uuid.NewString()
	for _, taken := r.sessions[id]; taken; _, taken = r.sessions[id] {
		id = uuid.NewString()
	}
	s := newSession(id, cfg, r.clock)
	r.sessions[id] = s
	return s, nil
}

func (r *Registry) Get(id string) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return s, nil
}

// Remove deletes the entry. Removing an unknown id is a no-op.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, id)
}

// All returns a snapshot ordered by creation time.
func (r *Registry) All() []*Session {
	r.mu.RLock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (r *Registry) ActiveCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	count := 0
	for _, s := range r.sessions {
		if s.Active() {
			count++
		}
	}
	return count
}

func (r *Registry) Stats() Stats {
	now := r.clock()
	var st Stats
	var total time.Duration

	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, s := range r.sessions {
		st.TotalSessions++
		if s.Active() {
			st.ActiveSessions++
		}
		switch s.Config.ChatMode {
		case ModeScreen:
			st.ScreenSessions++
		case ModeCamera:
			st.CameraSessions++
		default:
			st.VoiceSessions++
		}
		total += now.Sub(s.CreatedAt)
	}
	if st.TotalSessions > 0 {
		st.AverageSessionDuration = total.Seconds() / float64(st.TotalSessions)
	}
	return st
}

// Sweep removes every session idle for at least threshold and stops its
// bridge. Bridges are stopped after the lock is released.
func (r *Registry) Sweep(ctx context.Context, threshold time.Duration) []string {
	now := r.clock()
	var expired []*Session

	r.mu.Lock()
	for id, s := range r.sessions {
		if s.IdleFor(now) < threshold {
			continue
		}
		expired = append(expired, s)
		delete(r.sessions, id)
	}
	hook := r.onExpire
	r.mu.Unlock()

	ids := make([]string, 0, len(expired))
	for _, s := range expired {
		ids = append(ids, s.ID)
		r.logger.Info("session idle timeout", "session_id", s.ID, "idle", s.IdleFor(now).String())
		if hook != nil {
			hook(s)
		}
		r.stopSession(ctx, s, ReasonIdleTimeout)
	}
	return ids
}

// StopAll tears down every registered session, used on shutdown.
func (r *Registry) StopAll(ctx context.Context, reason EndReason) {
	for _, s := range r.All() {
		r.stopSession(ctx, s, reason)
		r.Remove(s.ID)
	}
}

func (r *Registry) stopSession(ctx context.Context, s *Session, reason EndReason) {
	b := s.Bridge()
	if b == nil {
		s.SetActive(false)
		return
	}
	if err := b.Stop(ctx, reason); err != nil {
		r.logger.Warn("session stop failed", "session_id", s.ID, "reason", string(reason), "error", err)
	}
}
