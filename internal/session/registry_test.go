package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type stubBridge struct {
	mu      sync.Mutex
	reasons []EndReason
	onStop  func()
}

func (b *stubBridge) SendAudio(context.Context, []byte, string) error { return nil }
func (b *stubBridge) SendText(context.Context, string) error          { return nil }
func (b *stubBridge) SendImage(context.Context, []byte, string) error { return nil }

func (b *stubBridge) Stop(_ context.Context, reason EndReason) error {
	b.mu.Lock()
	b.reasons = append(b.reasons, reason)
	b.mu.Unlock()
	if b.onStop != nil {
		b.onStop()
	}
	return nil
}

func (b *stubBridge) stops() []EndReason {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]EndReason(nil), b.reasons...)
}

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestRegistryCreateGetRemove(t *testing.T) {
	r := NewRegistry(0, nil)
	s, err := r.Create(Config{ChatMode: ModeVoice, VoiceName: "Kore"})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if s.ID == "" {
		t.Fatalf("session ID should not be empty")
	}

	got, err := r.Get(s.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got != s {
		t.Fatalf("Get() returned a different session")
	}

	r.Remove(s.ID)
	r.Remove(s.ID)
	if _, err := r.Get(s.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get() error = %v, want ErrNotFound", err)
	}
	if n := len(r.All()); n != 0 {
		t.Fatalf("All() len = %d, want 0", n)
	}
}

func TestRegistryCreateUniqueIDs(t *testing.T) {
	r := NewRegistry(0, nil)
	seen := make(map[string]struct{})
	for i := 0; i < 200; i++ {
		s, err := r.Create(Config{})
		if err != nil {
			t.Fatalf("Create() error = %v", err)
		}
		if _, dup := seen[s.ID]; dup {
			t.Fatalf("duplicate session id %s", s.ID)
		}
		seen[s.ID] = struct{}{}
	}
}

func TestRegistryCapacity(t *testing.T) {
	r := NewRegistry(1, nil)
	if _, err := r.Create(Config{}); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if _, err := r.Create(Config{}); !errors.Is(err, ErrCapacityExceeded) {
		t.Fatalf("Create() error = %v, want ErrCapacityExceeded", err)
	}
}

func TestRegistrySweepBoundaryInclusive(t *testing.T) {
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	threshold := 300 * time.Second

	r := NewRegistry(0, nil)
	r.clock = fixedClock(base)
	atBoundary, _ := r.Create(Config{})
	justUnder, _ := r.Create(Config{})

	atBoundary.lastActivity.Store(base.Add(-threshold).UnixNano())
	justUnder.lastActivity.Store(base.Add(-threshold + time.Nanosecond).UnixNano())

	bridge := &stubBridge{}
	atBoundary.Bind(bridge)

	var expired []string
	r.SetExpireHook(func(s *Session) { expired = append(expired, s.ID) })

	ids := r.Sweep(context.Background(), threshold)
	if len(ids) != 1 || ids[0] != atBoundary.ID {
		t.Fatalf("Sweep() = %v, want [%s]", ids, atBoundary.ID)
	}
	if len(expired) != 1 {
		t.Fatalf("expire hook calls = %d, want 1", len(expired))
	}
	if got := bridge.stops(); len(got) != 1 || got[0] != ReasonIdleTimeout {
		t.Fatalf("bridge stops = %v, want [idle_timeout]", got)
	}
	if _, err := r.Get(justUnder.ID); err != nil {
		t.Fatalf("session under threshold should remain: %v", err)
	}
}

func TestRegistrySweepStopsOutsideLock(t *testing.T) {
	r := NewRegistry(0, nil)
	s, _ := r.Create(Config{})
	s.lastActivity.Store(time.Now().Add(-time.Hour).UnixNano())

	bridge := &stubBridge{}
	bridge.onStop = func() {
		// Stop paths remove themselves; this must not deadlock.
		r.Remove(s.ID)
		_ = r.All()
	}
	s.Bind(bridge)

	done := make(chan struct{})
	go func() {
		r.Sweep(context.Background(), time.Minute)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("Sweep() deadlocked while stopping bridge")
	}
}

func TestRegistryStats(t *testing.T) {
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	r := NewRegistry(0, nil)
	r.clock = fixedClock(base)

	voice, _ := r.Create(Config{ChatMode: ModeVoice})
	_, _ = r.Create(Config{ChatMode: ModeScreen})
	_, _ = r.Create(Config{ChatMode: ModeCamera})
	voice.SetActive(true)

	r.clock = fixedClock(base.Add(10 * time.Second))
	st := r.Stats()
	if st.TotalSessions != 3 || st.ActiveSessions != 1 {
		t.Fatalf("unexpected totals: %+v", st)
	}
	if st.VoiceSessions != 1 || st.ScreenSessions != 1 || st.CameraSessions != 1 {
		t.Fatalf("unexpected per-mode counts: %+v", st)
	}
	if st.AverageSessionDuration != 10 {
		t.Fatalf("AverageSessionDuration = %v, want 10", st.AverageSessionDuration)
	}
	if r.ActiveCount() != 1 {
		t.Fatalf("ActiveCount() = %d, want 1", r.ActiveCount())
	}
}

func TestConfigWithDefaults(t *testing.T) {
	cfg := Config{}.WithDefaults(Defaults{VoiceName: "Kore", SystemInstruction: "be brief"})
	if cfg.ChatMode != ModeVoice || cfg.VoiceName != "Kore" || cfg.SystemInstruction != "be brief" {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.AudioConfig != DefaultAudioConfig() {
		t.Fatalf("AudioConfig = %+v, want defaults", cfg.AudioConfig)
	}

	kept := Config{VoiceName: "Puck", AudioConfig: AudioConfig{SampleRate: 8000}}.WithDefaults(Defaults{VoiceName: "Kore"})
	if kept.VoiceName != "Puck" || kept.AudioConfig.SampleRate != 8000 || kept.AudioConfig.OutputSampleRate != 24000 {
		t.Fatalf("explicit values overwritten: %+v", kept)
	}
}

func TestParseChatMode(t *testing.T) {
	for raw, want := range map[string]ChatMode{"": ModeVoice, "Screen": ModeScreen, "camera": ModeCamera} {
		got, err := ParseChatMode(raw)
		if err != nil || got != want {
			t.Fatalf("ParseChatMode(%q) = %q, %v; want %q", raw, got, err, want)
		}
	}
	if _, err := ParseChatMode("hologram"); err == nil {
		t.Fatalf("ParseChatMode() error = nil, want error")
	}
}
