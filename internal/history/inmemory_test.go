package history

import (
	"context"
	"strings"
	"testing"
	"time"
)

func TestInMemoryStoreRedactsTranscript(t *testing.T) {
	s := NewInMemoryStore(0)
	ctx := context.Background()
	if err := s.AppendTranscript(ctx, Line{SessionID: "s1", Role: RoleUser, Text: "mail me at sam@example.com"}); err != nil {
		t.Fatalf("AppendTranscript() error = %v", err)
	}
	if err := s.AppendTranscript(ctx, Line{SessionID: "s1", Role: RoleModel, Text: "sure"}); err != nil {
		t.Fatalf("AppendTranscript() error = %v", err)
	}

	lines, err := s.Transcript(ctx, "s1")
	if err != nil {
		t.Fatalf("Transcript() error = %v", err)
	}
	if len(lines) != 2 {
		t.Fatalf("len(lines) = %d, want 2", len(lines))
	}
	if !lines[0].PIIRedacted || strings.Contains(lines[0].Text, "sam@example.com") {
		t.Fatalf("first line not redacted: %+v", lines[0])
	}
	if lines[1].PIIRedacted || lines[1].ID == "" || lines[1].CreatedAt.IsZero() {
		t.Fatalf("unexpected second line: %+v", lines[1])
	}
}

func TestInMemoryStoreRecentSessionsNewestFirst(t *testing.T) {
	s := NewInMemoryStore(2)
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, id := range []string{"a", "b", "c"} {
		if err := s.AppendTranscript(ctx, Line{SessionID: id, Role: RoleUser, Text: "hi"}); err != nil {
			t.Fatalf("AppendTranscript() error = %v", err)
		}
		rec := Record{SessionID: id, EndedAt: base.Add(time.Duration(i) * time.Minute)}
		if err := s.SaveSession(ctx, rec); err != nil {
			t.Fatalf("SaveSession() error = %v", err)
		}
	}

	recs, err := s.RecentSessions(ctx, 10)
	if err != nil {
		t.Fatalf("RecentSessions() error = %v", err)
	}
	if len(recs) != 2 || recs[0].SessionID != "c" || recs[1].SessionID != "b" {
		t.Fatalf("unexpected records: %+v", recs)
	}
	if lines, _ := s.Transcript(ctx, "a"); len(lines) != 0 {
		t.Fatalf("evicted session transcript should be dropped, got %d lines", len(lines))
	}
}

func TestNewStoreWithoutDatabaseURL(t *testing.T) {
	store, err := NewStore(context.Background(), "  ")
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	defer store.Close()
	if _, ok := store.(*InMemoryStore); !ok {
		t.Fatalf("store type = %T, want *InMemoryStore", store)
	}
}
