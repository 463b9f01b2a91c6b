package protocol

// Error codes sent in error envelopes.
const (
	CodeInvalidJSON         = "invalid_json"
	CodeInvalidPayload      = "invalid_payload"
	CodeUnsupportedType     = "unsupported_type"
	CodeExpectedConnect     = "expected_connect"
	CodeAlreadyConnected    = "already_connected"
	CodeSessionNotFound     = "session_not_found"
	CodeCapacityExceeded    = "capacity_exceeded"
	CodeUpstreamUnavailable = "upstream_unavailable"
	CodeUpstreamLost        = "upstream_lost"
	CodeSendFailed          = "send_failed"
)

// ErrUnsupportedType matches any *Error with CodeUnsupportedType via errors.Is.
var ErrUnsupportedType = &Error{Code: CodeUnsupportedType, Message: "unsupported message type"}

// Error is a client-attributable failure reported as an error envelope.
type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string {
	return e.Code + ": " + e.Message
}

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// Outbound renders the error as an envelope for the given session.
func (e *Error) Outbound(sessionID string) Outbound {
	return ErrorMessage(sessionID, e.Code, e.Message)
}
