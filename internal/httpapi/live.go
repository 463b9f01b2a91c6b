package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ent0n29/livebridge/internal/bridge"
	"github.com/ent0n29/livebridge/internal/observability"
	"github.com/ent0n29/livebridge/internal/protocol"
	"github.com/ent0n29/livebridge/internal/reliability"
	"github.com/ent0n29/livebridge/internal/session"
	"github.com/ent0n29/livebridge/internal/upstream"
)

const (
	writeTimeout   = 10 * time.Second
	pongWait       = 120 * time.Second
	pingPeriod     = 50 * time.Second
	outboundBuffer = 256
	// Screen and camera frames arrive base64 encoded.
	maxFrameBytes = 8 << 20
)

var errTransportClosed = errors.New("websocket writer closed")

// wsTransport feeds the single websocket writer goroutine.
type wsTransport struct {
	out  chan protocol.Outbound
	done chan struct{}
}

func newWSTransport() *wsTransport {
	return &wsTransport{
		out:  make(chan protocol.Outbound, outboundBuffer),
		done: make(chan struct{}),
	}
}

func (t *wsTransport) Send(ctx context.Context, msg protocol.Outbound) error {
	select {
	case <-t.done:
		return errTransportClosed
	default:
	}
	select {
	case t.out <- msg:
		return nil
	case <-t.done:
		return errTransportClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	if s.connector == nil {
		respondError(w, http.StatusServiceUnavailable, protocol.CodeUpstreamUnavailable, "upstream connector not configured")
		return
	}
	accepted := time.Now()
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer ws.Close()
	s.metrics.SessionEvent("ws_connected")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	tr := newWSTransport()
	quit := make(chan struct{})
	go s.writeLoop(ws, tr, quit)
	defer func() {
		close(quit)
		<-tr.done
		s.metrics.SessionEvent("ws_disconnected")
	}()

	ws.SetReadLimit(maxFrameBytes)
	conn, sess, ok := s.accept(ctx, ws, tr)
	if !ok {
		return
	}
	s.metrics.SetActiveSessions(s.registry.ActiveCount())
	s.metrics.ObserveStage(observability.StageSessionStart, time.Since(accepted))

	reason := s.readLoop(ctx, ws, tr, sess.ID, conn)
	if err := conn.Stop(context.WithoutCancel(ctx), reason); err != nil {
		s.logger.Warn("live session stop failed", "session_id", sess.ID, "error", err)
	}
	s.metrics.SetActiveSessions(s.registry.ActiveCount())
}

// accept runs the handshake: the first frame must be a connect message.
// On success exactly one session_start has been queued, before any other
// session traffic.
func (s *Server) accept(ctx context.Context, ws *websocket.Conn, tr *wsTransport) (*bridge.Connection, *session.Session, bool) {
	fail := func(code, message string) (*bridge.Connection, *session.Session, bool) {
		_ = tr.Send(ctx, protocol.ErrorMessage("", code, message))
		return nil, nil, false
	}

	_ = ws.SetReadDeadline(time.Now().Add(s.cfg.HandshakeTimeout))
	_, raw, err := ws.ReadMessage()
	if err != nil {
		var netErr interface{ Timeout() bool }
		if errors.As(err, &netErr) && netErr.Timeout() {
			return fail(protocol.CodeExpectedConnect, "no connect message received")
		}
		return nil, nil, false
	}

	var env protocol.Envelope
	if err := json.Unmarshal(raw, &env); err != nil || env.Type != protocol.TypeConnect {
		return fail(protocol.CodeExpectedConnect, "first message must be connect")
	}
	cmd, err := protocol.ParseClientMessage(raw)
	if err != nil {
		var perr *protocol.Error
		if errors.As(err, &perr) {
			return fail(perr.Code, perr.Message)
		}
		return fail(protocol.CodeInvalidPayload, err.Error())
	}
	connect := cmd.(protocol.Connect)
	s.metrics.WSMessage("inbound", string(protocol.TypeConnect))

	cfg := connect.Config.WithDefaults(session.Defaults{
		VoiceName:         s.cfg.DefaultVoice,
		SystemInstruction: s.cfg.DefaultSystemInstruction,
		LanguageCode:      s.cfg.DefaultLanguage,
	})
	sess, err := s.registry.Create(cfg)
	if err != nil {
		if errors.Is(err, session.ErrCapacityExceeded) {
			s.metrics.SessionEvent("rejected_capacity")
			return fail(protocol.CodeCapacityExceeded, "too many active sessions")
		}
		return fail(protocol.CodeUpstreamUnavailable, err.Error())
	}

	conn := bridge.New(sess, tr, bridge.Options{
		Connector: s.connector,
		Defaults: upstream.BuilderDefaults{
			VoiceName:        s.cfg.DefaultVoice,
			StartSensitivity: s.cfg.VADStartSensitivity,
			EndSensitivity:   s.cfg.VADEndSensitivity,
		},
		Registry: s.registry,
		History:  s.history,
		Metrics:  s.metrics,
		Logger:   s.logger,
		Backoff: reliability.Backoff{
			Base:        s.cfg.ReceiveBackoff,
			Max:         s.cfg.ReceiveBackoffMax,
			MaxAttempts: s.cfg.ReceiveMaxRetries,
		},
	})
	sess.Bind(conn)
	// Start queues session_start itself, ahead of any upstream output.
	if err := conn.Start(ctx); err != nil {
		s.metrics.SessionEvent("start_failed")
		if errors.Is(err, bridge.ErrUpstreamUnavailable) {
			return fail(protocol.CodeUpstreamUnavailable, "could not connect to the model")
		}
		return nil, nil, false
	}
	return conn, sess, true
}

// readLoop routes client frames until the client leaves, the socket fails or
// the bridge stops on its own.
func (s *Server) readLoop(ctx context.Context, ws *websocket.Conn, tr *wsTransport, sessionID string, conn *bridge.Connection) session.EndReason {
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	stopped := make(chan struct{})
	defer close(stopped)
	go func() {
		select {
		case <-conn.Done():
			// Unblock ReadMessage; the writer still flushes session_end.
			_ = ws.SetReadDeadline(time.Now())
		case <-stopped:
		}
	}()

	for {
		msgType, raw, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return session.ReasonClientDisconnect
			}
			return session.ReasonTransportClosed
		}
		if msgType != websocket.TextMessage {
			continue
		}

		outcome, err := s.router.Route(ctx, sessionID, raw)
		if err != nil {
			s.sendProtocolError(ctx, tr, sessionID, err)
		}
		if outcome == bridge.OutcomeDisconnect {
			return session.ReasonClientDisconnect
		}
	}
}

func (s *Server) sendProtocolError(ctx context.Context, tr *wsTransport, sessionID string, err error) {
	var perr *protocol.Error
	if !errors.As(err, &perr) {
		perr = &protocol.Error{Code: protocol.CodeInvalidPayload, Message: err.Error()}
	}
	_ = tr.Send(ctx, perr.Outbound(sessionID))
}

// writeLoop owns every write on ws. After quit it flushes what is queued and
// sends a close frame.
func (s *Server) writeLoop(ws *websocket.Conn, tr *wsTransport, quit <-chan struct{}) {
	defer close(tr.done)
	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()

	for {
		select {
		case msg := <-tr.out:
			if err := s.writeMessage(ws, msg); err != nil {
				_ = ws.Close()
				return
			}
		case <-ping.C:
			if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				_ = ws.Close()
				return
			}
		case <-quit:
			for {
				select {
				case msg := <-tr.out:
					if err := s.writeMessage(ws, msg); err != nil {
						return
					}
				default:
					_ = ws.WriteControl(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
						time.Now().Add(time.Second))
					return
				}
			}
		}
	}
}

func (s *Server) writeMessage(ws *websocket.Conn, msg protocol.Outbound) error {
	_ = ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := ws.WriteJSON(msg); err != nil {
		code, _ := reliability.ClassifyStreamError(err)
		s.metrics.WSMessage("outbound_error", code)
		return err
	}
	s.metrics.WSMessage("outbound", string(msg.Type))
	return nil
}
