package session

import (
	"context"
	"testing"
	"time"
)

func TestSweeperExpiresIdleSessions(t *testing.T) {
	r := NewRegistry(0, nil)
	s, _ := r.Create(Config{})
	bridge := &stubBridge{}
	s.Bind(bridge)

	sw := NewSweeper(r, 10*time.Millisecond, 30*time.Millisecond, nil)
	swept := make(chan []string, 16)
	sw.OnSweep(func(ids []string) {
		if len(ids) > 0 {
			swept <- ids
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := sw.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := sw.Start(ctx); err != nil {
		t.Fatalf("second Start() error = %v", err)
	}
	defer sw.Stop()

	select {
	case ids := <-swept:
		if len(ids) != 1 || ids[0] != s.ID {
			t.Fatalf("swept ids = %v, want [%s]", ids, s.ID)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("sweeper did not expire idle session")
	}
	if _, err := r.Get(s.ID); err == nil {
		t.Fatalf("expired session should be removed")
	}
	if got := bridge.stops(); len(got) != 1 || got[0] != ReasonIdleTimeout {
		t.Fatalf("bridge stops = %v, want [idle_timeout]", got)
	}
}

func TestSweeperRecoversFromPanic(t *testing.T) {
	r := NewRegistry(0, nil)
	s, _ := r.Create(Config{})
	s.lastActivity.Store(time.Now().Add(-time.Hour).UnixNano())

	sw := NewSweeper(r, 10*time.Millisecond, time.Minute, nil)
	calls := make(chan struct{}, 16)
	sw.OnSweep(func([]string) {
		calls <- struct{}{}
		panic("boom")
	})

	if err := sw.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer sw.Stop()

	for i := 0; i < 2; i++ {
		select {
		case <-calls:
		case <-time.After(2 * time.Second):
			t.Fatalf("sweep %d did not run after panic", i+1)
		}
	}
}

func TestSweeperStartRequiresRegistry(t *testing.T) {
	sw := NewSweeper(nil, time.Second, time.Minute, nil)
	if err := sw.Start(context.Background()); err == nil {
		t.Fatalf("Start() error = nil, want error")
	}
	sw.Stop()
}
