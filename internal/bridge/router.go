package bridge

import (
	"context"
	"errors"
	"log/slog"

	"github.com/ent0n29/livebridge/internal/observability"
	"github.com/ent0n29/livebridge/internal/protocol"
	"github.com/ent0n29/livebridge/internal/session"
)

// Outcome tells the per-session read loop whether to keep reading.
type Outcome int

const (
	OutcomeContinue Outcome = iota
	OutcomeDisconnect
)

// Router decodes inbound frames and dispatches them to the session's bridge.
type Router struct {
	registry *session.Registry
	metrics  *observability.Metrics
	logger   *slog.Logger
}

func NewRouter(registry *session.Registry, metrics *observability.Metrics, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{registry: registry, metrics: metrics, logger: logger}
}

// Route handles one raw client frame for sessionID. Returned errors are
// always *protocol.Error and leave the connection state unchanged.
func (r *Router) Route(ctx context.Context, sessionID string, raw []byte) (Outcome, error) {
	cmd, err := protocol.ParseClientMessage(raw)
	if err != nil {
		r.metrics.WSMessage("inbound_invalid", "unknown")
		return OutcomeContinue, err
	}
	r.metrics.WSMessage("inbound", string(cmd.Type()))
	return r.Dispatch(ctx, sessionID, cmd)
}

func (r *Router) Dispatch(ctx context.Context, sessionID string, cmd protocol.Command) (Outcome, error) {
	if _, ok := cmd.(protocol.Disconnect); ok {
		return OutcomeDisconnect, nil
	}

	sess, err := r.registry.Get(sessionID)
	if err != nil {
		return OutcomeDisconnect, &protocol.Error{Code: protocol.CodeSessionNotFound, Message: "session is no longer active"}
	}
	b := sess.Bridge()
	if b == nil {
		return OutcomeDisconnect, &protocol.Error{Code: protocol.CodeSessionNotFound, Message: "session has no live connection"}
	}

	switch c := cmd.(type) {
	case protocol.Connect:
		return OutcomeContinue, &protocol.Error{Code: protocol.CodeAlreadyConnected, Message: "session already connected"}
	case protocol.AudioChunk:
		err = b.SendAudio(ctx, c.Data, c.MIMEType)
	case protocol.TextTurn:
		err = b.SendText(ctx, c.Text)
	case protocol.ImageFrame:
		err = b.SendImage(ctx, c.Data, c.MIMEType)
	default:
		return OutcomeContinue, protocol.ErrUnsupportedType
	}
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return OutcomeDisconnect, nil
		}
		r.logger.Warn("upstream send failed", "session_id", sessionID, "type", string(cmd.Type()), "error", err)
		return OutcomeContinue, &protocol.Error{Code: protocol.CodeSendFailed, Message: "could not forward message to the model"}
	}
	return OutcomeContinue, nil
}
