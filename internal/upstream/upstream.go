package upstream

import (
	"context"
	"errors"

	"google.golang.org/genai"
)

var ErrClosed = errors.New("upstream stream closed")

// Stream is one open Live session. *genai.Session satisfies it.
// Receive blocks until a message arrives or the stream is closed.
type Stream interface {
	SendRealtimeInput(genai.LiveRealtimeInput) error
	SendClientContent(genai.LiveClientContentInput) error
	Receive() (*genai.LiveServerMessage, error)
	Close() error
}

// Connector opens Live sessions.
type Connector interface {
	Connect(ctx context.Context, cfg *genai.LiveConnectConfig) (Stream, error)
	Name() string
}
