package httpapi

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"google.golang.org/genai"

	"github.com/ent0n29/livebridge/internal/config"
	"github.com/ent0n29/livebridge/internal/history"
	"github.com/ent0n29/livebridge/internal/observability"
	"github.com/ent0n29/livebridge/internal/session"
	"github.com/ent0n29/livebridge/internal/upstream"
)

type testEnv struct {
	ts        *httptest.Server
	registry  *session.Registry
	connector *upstream.MockConnector
	store     *history.InMemoryStore
}

func newTestEnv(t *testing.T, mutate func(*config.Config)) *testEnv {
	t.Helper()
	cfg := config.Defaults()
	cfg.HandshakeTimeout = time.Second
	if mutate != nil {
		mutate(&cfg)
	}
	env := &testEnv{
		registry:  session.NewRegistry(cfg.MaxSessions, nil),
		connector: upstream.NewMockConnector(true),
		store:     history.NewInMemoryStore(0),
	}
	metrics := observability.NewMetrics("test_httpapi_" + strings.ToLower(t.Name()))
	srv := New(cfg, env.registry, env.connector, env.store, metrics, nil)
	env.ts = httptest.NewServer(srv.Router())
	t.Cleanup(env.ts.Close)
	return env
}

type envelope struct {
	Type      string          `json:"type"`
	SessionID string          `json:"session_id"`
	Timestamp float64         `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

func (e *testEnv) dial(t *testing.T, path string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(e.ts.URL, "http") + path
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial(%s) error = %v", path, err)
	}
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

func send(t *testing.T, ws *websocket.Conn, typ string, data any) {
	t.Helper()
	msg := map[string]any{"type": typ}
	if data != nil {
		msg["data"] = data
	}
	if err := ws.WriteJSON(msg); err != nil {
		t.Fatalf("WriteJSON(%s) error = %v", typ, err)
	}
}

func read(t *testing.T, ws *websocket.Conn) envelope {
	t.Helper()
	_ = ws.SetReadDeadline(time.Now().Add(3 * time.Second))
	var env envelope
	if err := ws.ReadJSON(&env); err != nil {
		t.Fatalf("ReadJSON() error = %v", err)
	}
	return env
}

// readUntil returns the first envelope of typ plus every type seen before it.
func readUntil(t *testing.T, ws *websocket.Conn, typ string) (envelope, []string) {
	t.Helper()
	var seen []string
	for {
		env := read(t, ws)
		if env.Type == typ {
			return env, seen
		}
		seen = append(seen, env.Type)
	}
}

func connect(t *testing.T, ws *websocket.Conn, data map[string]any) string {
	t.Helper()
	if data == nil {
		data = map[string]any{}
	}
	send(t, ws, "connect", data)
	env := read(t, ws)
	if env.Type != "session_start" {
		t.Fatalf("first message = %s (%s), want session_start", env.Type, env.Data)
	}
	var start struct {
		SessionID string         `json:"session_id"`
		Config    session.Config `json:"config"`
	}
	if err := json.Unmarshal(env.Data, &start); err != nil {
		t.Fatalf("decode session_start: %v", err)
	}
	if start.SessionID == "" || start.SessionID != env.SessionID {
		t.Fatalf("session_start ids = %q/%q", start.SessionID, env.SessionID)
	}
	return start.SessionID
}

func errorCode(t *testing.T, env envelope) string {
	t.Helper()
	if env.Type != "error" {
		t.Fatalf("message type = %s, want error", env.Type)
	}
	var data struct {
		Error string `json:"error"`
		Code  string `json:"code"`
	}
	if err := json.Unmarshal(env.Data, &data); err != nil {
		t.Fatalf("decode error data: %v", err)
	}
	if data.Error == "" {
		t.Fatalf("error envelope without message: %s", env.Data)
	}
	return data.Code
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func getJSON(t *testing.T, url string, out any) int {
	t.Helper()
	res, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s error = %v", url, err)
	}
	defer res.Body.Close()
	if out != nil {
		if err := json.NewDecoder(res.Body).Decode(out); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	}
	return res.StatusCode
}

func TestLiveSessionTextRoundTrip(t *testing.T) {
	env := newTestEnv(t, nil)
	ws := env.dial(t, "/v1/live/voice-chat")

	id := connect(t, ws, map[string]any{"voice_name": "Puck"})
	sess, err := env.registry.Get(id)
	if err != nil {
		t.Fatalf("registry Get() error = %v", err)
	}
	if sess.Config.VoiceName != "Puck" || sess.Config.ChatMode != session.ModeVoice {
		t.Fatalf("unexpected session config: %+v", sess.Config)
	}

	send(t, ws, "text_message", map[string]any{"text": "hello"})
	reply, seen := readUntil(t, ws, "text_response")
	var text struct {
		Text string `json:"text"`
	}
	_ = json.Unmarshal(reply.Data, &text)
	if text.Text != "hello" || reply.SessionID != id {
		t.Fatalf("unexpected text_response: %+v", reply)
	}
	for _, typ := range seen {
		if typ == "audio_data" {
			t.Fatalf("text turn produced audio: %v", seen)
		}
	}

	send(t, ws, "disconnect", nil)
	end, rest := readUntil(t, ws, "session_end")
	if !strings.Contains(string(end.Data), "client_disconnect") {
		t.Fatalf("session_end data = %s", end.Data)
	}
	responses := 1
	for _, typ := range append(seen, rest...) {
		if typ == "text_response" {
			responses++
		}
	}
	if responses != 1 {
		t.Fatalf("text_response count = %d, want 1 (extra: %v %v)", responses, seen, rest)
	}
	waitUntil(t, "session removal", func() bool {
		_, err := env.registry.Get(id)
		return errors.Is(err, session.ErrNotFound)
	})
	if !env.connector.LastStream().Closed() {
		t.Fatalf("upstream stream should be closed after disconnect")
	}
}

func TestLiveSessionRequiresConnectFirst(t *testing.T) {
	env := newTestEnv(t, nil)
	ws := env.dial(t, "/v1/live/ws")

	send(t, ws, "text_message", map[string]any{"text": "hi"})
	if code := errorCode(t, read(t, ws)); code != "expected_connect" {
		t.Fatalf("code = %q, want expected_connect", code)
	}
	_ = ws.SetReadDeadline(time.Now().Add(3 * time.Second))
	if _, _, err := ws.ReadMessage(); err == nil {
		t.Fatalf("connection should be closed after failed handshake")
	}
	if len(env.registry.All()) != 0 {
		t.Fatalf("no session should be registered")
	}
}

func TestLiveSessionHandshakeTimeout(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) { c.HandshakeTimeout = 50 * time.Millisecond })
	ws := env.dial(t, "/v1/live/ws")

	if code := errorCode(t, read(t, ws)); code != "expected_connect" {
		t.Fatalf("code = %q, want expected_connect", code)
	}
}

func TestLiveSessionUpstreamUnavailable(t *testing.T) {
	env := newTestEnv(t, nil)
	env.connector.FailConnect(errors.New("no route to model"))
	ws := env.dial(t, "/v1/live/ws")

	send(t, ws, "connect", map[string]any{})
	if code := errorCode(t, read(t, ws)); code != "upstream_unavailable" {
		t.Fatalf("code = %q, want upstream_unavailable", code)
	}
	if len(env.registry.All()) != 0 {
		t.Fatalf("failed session should not stay registered")
	}
}

func TestLiveSessionCapacity(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) { c.MaxSessions = 1 })
	first := env.dial(t, "/v1/live/ws")
	connect(t, first, nil)

	second := env.dial(t, "/v1/live/ws")
	send(t, second, "connect", map[string]any{})
	if code := errorCode(t, read(t, second)); code != "capacity_exceeded" {
		t.Fatalf("code = %q, want capacity_exceeded", code)
	}
}

func TestLiveSessionMalformedFrameKeepsSession(t *testing.T) {
	env := newTestEnv(t, nil)
	ws := env.dial(t, "/v1/live/ws")
	connect(t, ws, nil)

	send(t, ws, "video_call", map[string]any{})
	if code := errorCode(t, read(t, ws)); code != "unsupported_type" {
		t.Fatalf("code = %q, want unsupported_type", code)
	}
	send(t, ws, "connect", map[string]any{})
	if code := errorCode(t, read(t, ws)); code != "already_connected" {
		t.Fatalf("code = %q, want already_connected", code)
	}

	send(t, ws, "text_message", map[string]any{"text": "still there?"})
	readUntil(t, ws, "text_response")
}

func TestLiveSessionsDoNotShareAudio(t *testing.T) {
	env := newTestEnv(t, nil)
	a := env.dial(t, "/v1/live/voice-chat")
	b := env.dial(t, "/v1/live/voice-chat")
	idA := connect(t, a, nil)
	idB := connect(t, b, nil)

	pcmA := base64.StdEncoding.EncodeToString([]byte{0xA, 0xA})
	pcmB := base64.StdEncoding.EncodeToString([]byte{0xB, 0xB})
	for i := 0; i < 5; i++ {
		send(t, a, "audio_data", map[string]any{"audio": pcmA, "sample_rate": 16000})
		send(t, b, "audio_data", map[string]any{"audio": pcmB, "sample_rate": 16000})
	}

	check := func(ws *websocket.Conn, id, want string) {
		t.Helper()
		for i := 0; i < 5; i++ {
			msg, _ := readUntil(t, ws, "audio_data")
			var data struct {
				Audio      string `json:"audio"`
				SampleRate int    `json:"sample_rate"`
			}
			_ = json.Unmarshal(msg.Data, &data)
			if msg.SessionID != id || data.Audio != want {
				t.Fatalf("session %s received %+v, want audio %q", id, msg, want)
			}
			if data.SampleRate != 24000 {
				t.Fatalf("sample_rate = %d, want 24000", data.SampleRate)
			}
		}
	}
	check(a, idA, pcmA)
	check(b, idB, pcmB)
}

func TestAdminEndpoints(t *testing.T) {
	env := newTestEnv(t, nil)
	ws := env.dial(t, "/v1/live/screen-share")
	id := connect(t, ws, map[string]any{"chat_mode": "screen"})

	var list struct {
		Sessions   []session.Info `json:"sessions"`
		TotalCount int            `json:"total_count"`
	}
	if status := getJSON(t, env.ts.URL+"/v1/live/sessions", &list); status != http.StatusOK {
		t.Fatalf("sessions status = %d", status)
	}
	if list.TotalCount != 1 || list.Sessions[0].SessionID != id || !list.Sessions[0].IsActive {
		t.Fatalf("unexpected sessions: %+v", list)
	}

	var stats session.Stats
	getJSON(t, env.ts.URL+"/v1/live/stats", &stats)
	if stats.TotalSessions != 1 || stats.ActiveSessions != 1 || stats.ScreenSessions != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}

	var health map[string]any
	getJSON(t, env.ts.URL+"/v1/live/health", &health)
	if health["status"] != "healthy" || health["active_sessions"] != float64(1) {
		t.Fatalf("unexpected health: %+v", health)
	}

	var voices listVoicesResponse
	getJSON(t, env.ts.URL+"/v1/live/voices", &voices)
	if voices.DefaultVoiceID != "Kore" || len(voices.Voices) != 8 {
		t.Fatalf("unexpected voices: %+v", voices)
	}

	req, _ := http.NewRequest(http.MethodDelete, env.ts.URL+"/v1/live/sessions/"+id, nil)
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE error = %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("DELETE status = %d, want 200", res.StatusCode)
	}
	end, _ := readUntil(t, ws, "session_end")
	if !strings.Contains(string(end.Data), "terminated") {
		t.Fatalf("session_end data = %s", end.Data)
	}

	res, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("second DELETE error = %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("second DELETE status = %d, want 404", res.StatusCode)
	}

	var past struct {
		Sessions []history.Record `json:"sessions"`
	}
	waitUntil(t, "history record", func() bool {
		getJSON(t, env.ts.URL+"/v1/live/history?limit=5", &past)
		return len(past.Sessions) == 1
	})
	if past.Sessions[0].SessionID != id || past.Sessions[0].EndReason != "terminated" {
		t.Fatalf("unexpected history: %+v", past.Sessions)
	}
	if status := getJSON(t, env.ts.URL+"/v1/live/history?limit=nope", nil); status != http.StatusBadRequest {
		t.Fatalf("invalid limit status = %d, want 400", status)
	}
}

func TestHealthAndLatencyRoutes(t *testing.T) {
	env := newTestEnv(t, nil)

	var health map[string]any
	if status := getJSON(t, env.ts.URL+"/healthz", &health); status != http.StatusOK {
		t.Fatalf("healthz status = %d", status)
	}
	if health["upstream"] != "mock" {
		t.Fatalf("healthz upstream = %v, want mock", health["upstream"])
	}
	if status := getJSON(t, env.ts.URL+"/readyz", nil); status != http.StatusOK {
		t.Fatalf("readyz status = %d", status)
	}

	var snap observability.LatencySnapshot
	if status := getJSON(t, env.ts.URL+"/v1/perf/latency", &snap); status != http.StatusOK {
		t.Fatalf("latency status = %d", status)
	}
}

// greetingConnector opens streams that speak before the client sends anything.
type greetingConnector struct {
	*upstream.MockConnector
}

func (g greetingConnector) Connect(ctx context.Context, cfg *genai.LiveConnectConfig) (upstream.Stream, error) {
	stream, err := g.MockConnector.Connect(ctx, cfg)
	if err != nil {
		return nil, err
	}
	mock := stream.(*upstream.MockStream)
	mock.Emit(&genai.LiveServerMessage{ServerContent: &genai.LiveServerContent{
		OutputTranscription: &genai.Transcription{Text: "hi there"},
	}})
	mock.Emit(&genai.LiveServerMessage{ServerContent: &genai.LiveServerContent{
		ModelTurn: &genai.Content{Parts: []*genai.Part{genai.NewPartFromText("welcome")}},
	}})
	return stream, nil
}

func TestLiveSessionStartPrecedesGreeting(t *testing.T) {
	cfg := config.Defaults()
	cfg.HandshakeTimeout = time.Second
	registry := session.NewRegistry(0, nil)
	srv := New(cfg, registry, greetingConnector{upstream.NewMockConnector(false)}, nil, nil, nil)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()
	env := &testEnv{ts: ts, registry: registry}

	for i := 0; i < 50; i++ {
		ws := env.dial(t, "/v1/live/ws")
		send(t, ws, "connect", map[string]any{"enable_output_transcription": true})
		first := read(t, ws)
		if first.Type != "session_start" {
			t.Fatalf("session %d: first envelope = %s, want session_start", i, first.Type)
		}
		_, before := readUntil(t, ws, "text_response")
		for _, typ := range before {
			if typ == "session_start" {
				t.Fatalf("session %d: session_start sent twice: %v", i, before)
			}
		}
		_ = ws.Close()
	}
}
