package upstream

import (
	"context"
	"sync"

	"google.golang.org/genai"
)

// MockConnector is an in-process Live endpoint. With Echo set, text turns
// come back as a text response and audio chunks come back as audio.
type MockConnector struct {
	Echo bool

	mu         sync.Mutex
	connectErr error
	streams    []*MockStream
}

func NewMockConnector(echo bool) *MockConnector {
	return &MockConnector{Echo: echo}
}

func (c *MockConnector) Name() string { return "mock" }

// FailConnect makes subsequent Connect calls return err. nil restores success.
func (c *MockConnector) FailConnect(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connectErr = err
}

func (c *MockConnector) Connect(ctx context.Context, cfg *genai.LiveConnectConfig) (Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.connectErr != nil {
		return nil, c.connectErr
	}
	s := newMockStream(cfg, c.Echo)
	c.streams = append(c.streams, s)
	return s, nil
}

func (c *MockConnector) Streams() []*MockStream {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*MockStream(nil), c.streams...)
}

func (c *MockConnector) LastStream() *MockStream {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.streams) == 0 {
		return nil
	}
	return c.streams[len(c.streams)-1]
}

type mockItem struct {
	msg *genai.LiveServerMessage
	err error
}

// MockStream records sends and replays scripted server messages.
type MockStream struct {
	cfg  *genai.LiveConnectConfig
	echo bool

	incoming  chan mockItem
	closed    chan struct{}
	closeOnce sync.Once

	mu            sync.Mutex
	realtime      []genai.LiveRealtimeInput
	clientContent []genai.LiveClientContentInput
	closeCalls    int
	sendErr       error
}

func newMockStream(cfg *genai.LiveConnectConfig, echo bool) *MockStream {
	return &MockStream{
		cfg:      cfg,
		echo:     echo,
		incoming: make(chan mockItem, 1024),
		closed:   make(chan struct{}),
	}
}

func (s *MockStream) Config() *genai.LiveConnectConfig { return s.cfg }

func (s *MockStream) SendRealtimeInput(in genai.LiveRealtimeInput) error {
	s.mu.Lock()
	if err := s.sendGuard(); err != nil {
		s.mu.Unlock()
		return err
	}
	s.realtime = append(s.realtime, in)
	s.mu.Unlock()

	if s.echo && in.Audio != nil && len(in.Audio.Data) > 0 {
		s.Emit(&genai.LiveServerMessage{ServerContent: &genai.LiveServerContent{
			ModelTurn: &genai.Content{Role: "model", Parts: []*genai.Part{{
				InlineData: &genai.Blob{Data: in.Audio.Data, MIMEType: "audio/pcm;rate=24000"},
			}}},
		}})
	}
	return nil
}

func (s *MockStream) SendClientContent(in genai.LiveClientContentInput) error {
	s.mu.Lock()
	if err := s.sendGuard(); err != nil {
		s.mu.Unlock()
		return err
	}
	s.clientContent = append(s.clientContent, in)
	s.mu.Unlock()

	if !s.echo {
		return nil
	}
	for _, turn := range in.Turns {
		if turn == nil {
			continue
		}
		for _, part := range turn.Parts {
			if part == nil || part.Text == "" {
				continue
			}
			s.Emit(&genai.LiveServerMessage{ServerContent: &genai.LiveServerContent{
				ModelTurn: &genai.Content{Role: "model", Parts: []*genai.Part{genai.NewPartFromText(part.Text)}},
			}})
		}
	}
	s.Emit(&genai.LiveServerMessage{ServerContent: &genai.LiveServerContent{TurnComplete: true}})
	return nil
}

func (s *MockStream) sendGuard() error {
	select {
	case <-s.closed:
		return ErrClosed
	default:
	}
	return s.sendErr
}

// FailSends makes every following send return err.
func (s *MockStream) FailSends(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sendErr = err
}

func (s *MockStream) Receive() (*genai.LiveServerMessage, error) {
	select {
	case <-s.closed:
		return nil, ErrClosed
	case item := <-s.incoming:
		return item.msg, item.err
	}
}

// Emit queues a server message for Receive. Messages emitted after Close are dropped.
func (s *MockStream) Emit(msg *genai.LiveServerMessage) {
	s.push(mockItem{msg: msg})
}

// EmitError makes the next Receive fail with err.
func (s *MockStream) EmitError(err error) {
	s.push(mockItem{err: err})
}

func (s *MockStream) push(item mockItem) {
	select {
	case <-s.closed:
	case s.incoming <- item:
	}
}

func (s *MockStream) Close() error {
	s.mu.Lock()
	s.closeCalls++
	s.mu.Unlock()
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

func (s *MockStream) Closed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

func (s *MockStream) CloseCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeCalls
}

func (s *MockStream) RealtimeInputs() []genai.LiveRealtimeInput {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]genai.LiveRealtimeInput(nil), s.realtime...)
}

func (s *MockStream) ClientContents() []genai.LiveClientContentInput {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]genai.LiveClientContentInput(nil), s.clientContent...)
}
