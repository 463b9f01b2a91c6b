package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"google.golang.org/genai"

	"github.com/ent0n29/livebridge/internal/history"
	"github.com/ent0n29/livebridge/internal/observability"
	"github.com/ent0n29/livebridge/internal/protocol"
	"github.com/ent0n29/livebridge/internal/reliability"
	"github.com/ent0n29/livebridge/internal/session"
	"github.com/ent0n29/livebridge/internal/upstream"
)

var (
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
	ErrAlreadyStarted      = errors.New("connection already started")
	ErrStopped             = errors.New("connection stopped")
)

const (
	maxTranscriptLines = 2000
	historyTimeout     = 3 * time.Second
	sessionEndTimeout  = 2 * time.Second
)

type State int32

const (
	StateCreated State = iota
	StateStarting
	StateActive
	StateStopping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateStarting:
		return "starting"
	case StateActive:
		return "active"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Transport delivers envelopes to the client. It must be safe for
// concurrent use and should return once ctx is done.
type Transport interface {
	Send(ctx context.Context, msg protocol.Outbound) error
}

type Options struct {
	Connector upstream.Connector
	Defaults  upstream.BuilderDefaults
	Registry  *session.Registry
	History   history.Store
	Metrics   *observability.Metrics
	Logger    *slog.Logger
	Backoff   reliability.Backoff
}

// Connection bridges one client transport to one upstream Live stream.
type Connection struct {
	sess      *session.Session
	transport Transport
	connector upstream.Connector
	defaults  upstream.BuilderDefaults
	registry  *session.Registry
	history   history.Store
	metrics   *observability.Metrics
	logger    *slog.Logger
	backoff   reliability.Backoff
	queue     *audioQueue

	mu        sync.Mutex
	state     State
	stopAfter session.EndReason
	reason    session.EndReason
	stream    upstream.Stream
	cancel    context.CancelFunc
	group     *errgroup.Group
	done      chan struct{}
	closeOnce sync.Once

	// Serializes upstream sends so one sender's calls are never reordered.
	sendMu sync.Mutex

	turnMu        sync.Mutex
	turnStarted   time.Time
	firstResponse bool
	transcript    []history.Line

	turns         atomic.Int64
	interruptions atomic.Int64
	tokens        atomic.Int64
}

func New(sess *session.Session, transport Transport, opts Options) *Connection {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	backoff := opts.Backoff
	if backoff.Base <= 0 {
		backoff = reliability.Backoff{Base: time.Second, Max: 8 * time.Second, MaxAttempts: 5}
	}
	return &Connection{
		sess:      sess,
		transport: transport,
		connector: opts.Connector,
		defaults:  opts.Defaults,
		registry:  opts.Registry,
		history:   opts.History,
		metrics:   opts.Metrics,
		logger:    logger.With("session_id", sess.ID),
		backoff:   backoff,
		queue:     newAudioQueue(),
		done:      make(chan struct{}),
	}
}

func (c *Connection) SessionID() string { return c.sess.ID }

func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Done is closed once the connection reaches StateStopped.
func (c *Connection) Done() <-chan struct{} { return c.done }

// Reason reports why the connection stopped. Empty until Stop runs.
func (c *Connection) Reason() session.EndReason {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reason
}

// Start opens the upstream stream, queues session_start on the transport and
// then launches the receive and drain loops. On connect failure the session is
// removed, nothing is sent and the error wraps ErrUpstreamUnavailable.
func (c *Connection) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateCreated {
		c.mu.Unlock()
		return ErrAlreadyStarted
	}
	c.state = StateStarting
	c.mu.Unlock()

	cfg := upstream.BuildConnectConfig(c.sess.Config, c.defaults)
	began := time.Now()
	stream, err := c.connector.Connect(ctx, cfg)
	if err != nil {
		c.metrics.UpstreamError(c.connector.Name(), "connect")
		c.logger.Error("upstream connect failed", "provider", c.connector.Name(), "error", err)
		c.finish()
		return fmt.Errorf("%w: %w", ErrUpstreamUnavailable, err)
	}
	c.metrics.ObserveStage(observability.StageUpstreamConnect, time.Since(began))

	// session_start goes out before either loop can queue upstream traffic.
	if err := c.transport.Send(ctx, protocol.SessionStart(c.sess.ID, c.sess.Config)); err != nil {
		c.logger.Warn("session_start not delivered", "error", err)
		c.mu.Lock()
		c.reason = session.ReasonTransportClosed
		c.mu.Unlock()
		c.closeStream(stream)
		c.finish()
		return fmt.Errorf("send session_start: %w", err)
	}

	c.mu.Lock()
	if c.stopAfter != "" {
		// Stop arrived while connecting.
		reason := c.stopAfter
		c.reason = reason
		c.mu.Unlock()
		c.closeStream(stream)
		c.sendSessionEnd(ctx, reason)
		c.finish()
		return ErrStopped
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	group, groupCtx := errgroup.WithContext(runCtx)
	c.stream = stream
	c.cancel = cancel
	c.group = group
	group.Go(func() error { return c.receiveLoop(groupCtx, stream) })
	group.Go(func() error { return c.drainLoop(groupCtx) })
	c.state = StateActive
	c.mu.Unlock()

	c.sess.SetActive(true)
	c.sess.Touch()
	c.metrics.SessionEvent("started")
	c.logger.Info("live session started",
		"provider", c.connector.Name(),
		"chat_mode", string(c.sess.Config.ChatMode),
		"voice", c.sess.Config.VoiceName,
	)
	return nil
}

func (c *Connection) SendAudio(ctx context.Context, data []byte, mimeType string) error {
	return c.forward(ctx, "audio", func(s upstream.Stream) error {
		return s.SendRealtimeInput(genai.LiveRealtimeInput{
			Audio: &genai.Blob{Data: data, MIMEType: mimeType},
		})
	})
}

func (c *Connection) SendText(ctx context.Context, text string) error {
	err := c.forward(ctx, "text", func(s upstream.Stream) error {
		return s.SendClientContent(genai.LiveClientContentInput{
			Turns:        []*genai.Content{genai.NewContentFromText(text, genai.RoleUser)},
			TurnComplete: genai.Ptr(true),
		})
	})
	if err == nil && c.State() == StateActive {
		c.recordLine(history.RoleUser, text)
	}
	return err
}

func (c *Connection) SendImage(ctx context.Context, data []byte, mimeType string) error {
	return c.forward(ctx, "image", func(s upstream.Stream) error {
		return s.SendRealtimeInput(genai.LiveRealtimeInput{
			Video: &genai.Blob{Data: data, MIMEType: mimeType},
		})
	})
}

// forward issues exactly one upstream call while active. Outside the active
// state the call is dropped and activity is left untouched.
func (c *Connection) forward(ctx context.Context, kind string, send func(upstream.Stream) error) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	c.mu.Lock()
	state, stream := c.state, c.stream
	c.mu.Unlock()
	if state != StateActive {
		c.logger.Debug("dropping send outside active state", "kind", kind, "state", state.String())
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := send(stream); err != nil {
		code, _ := reliability.ClassifyStreamError(err)
		c.metrics.UpstreamError(c.connector.Name(), "send_"+code)
		return fmt.Errorf("send %s upstream: %w", kind, err)
	}
	c.sess.Touch()
	if kind != "image" {
		c.markTurnStart()
	}
	return nil
}

// Stop tears the connection down. It is safe to call more than once; later
// calls wait for the first to finish.
func (c *Connection) Stop(ctx context.Context, reason session.EndReason) error {
	c.mu.Lock()
	switch c.state {
	case StateCreated:
		c.reason = reason
		c.mu.Unlock()
		c.finish()
		return nil
	case StateStarting:
		if c.stopAfter == "" {
			c.stopAfter = reason
		}
		c.mu.Unlock()
		return c.wait(ctx)
	case StateStopping, StateStopped:
		c.mu.Unlock()
		return c.wait(ctx)
	}
	c.state = StateStopping
	c.reason = reason
	cancel, group, stream := c.cancel, c.group, c.stream
	c.mu.Unlock()

	c.logger.Info("stopping live session", "reason", string(reason))
	cancel()
	c.closeStream(stream)
	_ = group.Wait()
	c.sess.SetActive(false)

	if dropped := c.queue.Clear(); dropped > 0 {
		c.logger.Debug("discarded undelivered audio", "chunks", dropped)
	}
	c.sendSessionEnd(ctx, reason)
	c.saveHistory(ctx, reason)
	c.metrics.SessionEvent("ended_" + string(reason))
	c.finish()
	return nil
}

func (c *Connection) sendSessionEnd(ctx context.Context, reason session.EndReason) {
	endCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sessionEndTimeout)
	defer cancel()
	if err := c.transport.Send(endCtx, protocol.SessionEnd(c.sess.ID, reason)); err != nil {
		c.logger.Debug("session_end not delivered", "error", err)
	}
}

func (c *Connection) wait(ctx context.Context) error {
	select {
	case <-c.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// finish removes the session and marks the connection stopped.
func (c *Connection) finish() {
	c.sess.SetActive(false)
	if c.registry != nil {
		c.registry.Remove(c.sess.ID)
	}
	c.mu.Lock()
	c.state = StateStopped
	c.mu.Unlock()
	c.closeOnce.Do(func() { close(c.done) })
}

func (c *Connection) closeStream(stream upstream.Stream) {
	if stream == nil {
		return
	}
	if err := stream.Close(); err != nil {
		c.logger.Warn("upstream close failed", "error", err)
	}
}

func (c *Connection) receiveLoop(ctx context.Context, stream upstream.Stream) error {
	failures := 0
	for {
		msg, err := stream.Receive()
		if err != nil {
			if ctx.Err() != nil || c.State() != StateActive {
				return nil
			}
			code, retryable := reliability.ClassifyStreamError(err)
			c.metrics.UpstreamError(c.connector.Name(), code)
			failures++
			if !retryable || c.backoff.Exhausted(failures) {
				c.logger.Error("upstream lost", "code", code, "failures", failures, "error", err)
				c.upstreamLost(ctx)
				return nil
			}
			delay := c.backoff.Delay(failures - 1)
			c.logger.Warn("upstream receive failed, retrying", "code", code, "attempt", failures, "backoff", delay.String(), "error", err)
			if !sleepCtx(ctx, delay) {
				return nil
			}
			continue
		}
		failures = 0
		events := upstream.Classify(msg)
		if len(events) > 0 {
			c.sess.Touch()
		}
		for _, ev := range events {
			c.dispatch(ctx, ev)
		}
	}
}

// upstreamLost reports the failure to the client and tears down. Stop joins
// this loop, so it runs on its own goroutine; owners observe it through Done.
func (c *Connection) upstreamLost(ctx context.Context) {
	c.emit(ctx, protocol.ErrorMessage(c.sess.ID, protocol.CodeUpstreamLost, "connection to the model was lost"))
	go func() {
		_ = c.Stop(context.Background(), session.ReasonUpstreamLost)
	}()
}

func (c *Connection) dispatch(ctx context.Context, ev upstream.Event) {
	id := c.sess.ID
	switch ev.Kind {
	case upstream.EventAudio:
		c.markFirstResponse()
		c.queue.Push(ev.Audio)
	case upstream.EventText:
		c.markFirstResponse()
		c.emit(ctx, protocol.TextResponse(id, ev.Text))
	case upstream.EventInputTranscript:
		c.emit(ctx, protocol.InputTranscription(id, ev.Text))
		c.recordLine(history.RoleUser, ev.Text)
	case upstream.EventOutputTranscript:
		c.markFirstResponse()
		c.emit(ctx, protocol.OutputTranscription(id, ev.Text))
		c.recordLine(history.RoleModel, ev.Text)
	case upstream.EventInterruption:
		dropped := c.queue.Clear()
		c.interruptions.Add(1)
		c.metrics.ObserveInterruption(dropped)
		c.logger.Debug("upstream interrupted turn", "dropped_chunks", dropped)
		c.emit(ctx, protocol.Interrupted(id, dropped))
	case upstream.EventUsage:
		u := ev.Usage
		c.tokens.Add(int64(u.TotalTokenCount))
		c.metrics.AddTokens(u.PromptTokenCount, u.ResponseTokenCount, u.TotalTokenCount)
		c.logger.Debug("upstream usage", "prompt_tokens", u.PromptTokenCount, "response_tokens", u.ResponseTokenCount, "total_tokens", u.TotalTokenCount)
	case upstream.EventTurnComplete:
		c.completeTurn()
	case upstream.EventGoAway:
		c.metrics.SessionEvent("go_away")
		c.logger.Warn("upstream will disconnect soon", "time_left", ev.TimeLeft.String())
	}
}

func (c *Connection) drainLoop(ctx context.Context) error {
	rate := c.sess.Config.AudioConfig.OutputSampleRate
	for {
		chunk, err := c.queue.Pop(ctx)
		if err != nil {
			return nil
		}
		c.emit(ctx, protocol.AudioOut(c.sess.ID, chunk, rate))
	}
}

func (c *Connection) emit(ctx context.Context, msg protocol.Outbound) {
	if err := c.transport.Send(ctx, msg); err != nil && ctx.Err() == nil {
		c.logger.Debug("client send failed", "type", string(msg.Type), "error", err)
	}
}

func (c *Connection) markTurnStart() {
	c.turnMu.Lock()
	defer c.turnMu.Unlock()
	if c.turnStarted.IsZero() {
		c.turnStarted = time.Now()
		c.firstResponse = false
	}
}

func (c *Connection) markFirstResponse() {
	c.turnMu.Lock()
	defer c.turnMu.Unlock()
	if c.turnStarted.IsZero() || c.firstResponse {
		return
	}
	c.firstResponse = true
	c.metrics.ObserveFirstResponseLatency(time.Since(c.turnStarted))
}

func (c *Connection) completeTurn() {
	c.turns.Add(1)
	c.turnMu.Lock()
	defer c.turnMu.Unlock()
	if !c.turnStarted.IsZero() {
		c.metrics.ObserveStage(observability.StageTurnTotal, time.Since(c.turnStarted))
	}
	c.turnStarted = time.Time{}
	c.firstResponse = false
}

func (c *Connection) recordLine(role, text string) {
	if c.history == nil || text == "" {
		return
	}
	c.turnMu.Lock()
	defer c.turnMu.Unlock()
	if len(c.transcript) >= maxTranscriptLines {
		return
	}
	c.transcript = append(c.transcript, history.Line{
		SessionID: c.sess.ID,
		Role:      role,
		Text:      text,
		CreatedAt: time.Now().UTC(),
	})
}

func (c *Connection) saveHistory(ctx context.Context, reason session.EndReason) {
	if c.history == nil {
		return
	}
	c.turnMu.Lock()
	lines := c.transcript
	c.transcript = nil
	c.turnMu.Unlock()

	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), historyTimeout)
	defer cancel()
	for _, line := range lines {
		if err := c.history.AppendTranscript(saveCtx, line); err != nil {
			c.logger.Warn("transcript save failed", "error", err)
			break
		}
	}
	record := history.Record{
		SessionID:         c.sess.ID,
		ChatMode:          string(c.sess.Config.ChatMode),
		VoiceName:         c.sess.Config.VoiceName,
		EndReason:         string(reason),
		TurnCount:         int(c.turns.Load()),
		InterruptionCount: int(c.interruptions.Load()),
		TotalTokens:       c.tokens.Load(),
		StartedAt:         c.sess.CreatedAt.UTC(),
		EndedAt:           time.Now().UTC(),
	}
	if err := c.history.SaveSession(saveCtx, record); err != nil {
		c.logger.Warn("session history save failed", "error", err)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
