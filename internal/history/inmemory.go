package history

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

const defaultRetainedSessions = 1000

// InMemoryStore keeps the most recent sessions in process for local/dev use.
type InMemoryStore struct {
	mu          sync.RWMutex
	retain      int
	records     []Record
	transcripts map[string][]Line
}

func NewInMemoryStore(retain int) *InMemoryStore {
	if retain <= 0 {
		retain = defaultRetainedSessions
	}
	return &InMemoryStore{
		retain:      retain,
		transcripts: make(map[string][]Line),
	}
}

func (s *InMemoryStore) SaveSession(_ context.Context, record Record) error {
	if record.EndedAt.IsZero() {
		record.EndedAt = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, record)
	for len(s.records) > s.retain {
		delete(s.transcripts, s.records[0].SessionID)
		s.records = s.records[1:]
	}
	return nil
}

func (s *InMemoryStore) AppendTranscript(_ context.Context, line Line) error {
	line = redact(line)
	if line.ID == "" {
		line.ID = uuid.NewString()
	}
	if line.CreatedAt.IsZero() {
		line.CreatedAt = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transcripts[line.SessionID] = append(s.transcripts[line.SessionID], line)
	return nil
}

// RecentSessions returns the newest records first.
func (s *InMemoryStore) RecentSessions(_ context.Context, limit int) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if limit <= 0 || limit > len(s.records) {
		limit = len(s.records)
	}
	out := make([]Record, 0, limit)
	for i := len(s.records) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, s.records[i])
	}
	return out, nil
}

func (s *InMemoryStore) Transcript(_ context.Context, sessionID string) ([]Line, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Line(nil), s.transcripts[sessionID]...), nil
}

func (s *InMemoryStore) Close() error { return nil }
