package voice

import (
	"context"
	"fmt"
	"sync"
)

// Channel is a reliable, ordered, bidirectional message channel carrying
// protocol events alongside the media stream. Exactly one goroutine reads
// from a Channel at a time.
type Channel interface {
	// Send transmits one message.
	Send(ctx context.Context, data []byte) error

	// Receive blocks until the next message arrives, the channel closes, or
	// ctx is done.
	Receive(ctx context.Context) ([]byte, error)

	// Close tears the channel down. Safe to call more than once.
	Close() error
}

// Transport abstracts the real-time media connection. This decouples the
// session from any particular peer-connection stack and allows testing
// without one; a concrete media implementation can be added as another
// Transport.
type Transport interface {
	// OpenChannel creates the control channel. Called before negotiation so
	// protocol events can flow as soon as the answer is applied.
	OpenChannel(ctx context.Context) (Channel, error)

	// CreateOffer creates the local session offer.
	CreateOffer(ctx context.Context) (offer string, err error)

	// AcceptAnswer applies the remote answer, completing negotiation.
	AcceptAnswer(ctx context.Context, answer string) error

	// Close tears down the transport and releases resources. Safe to call
	// more than once.
	Close() error
}

// ── Mock transport ─────────────────────────────────────────────────────────────

// MockChannel is an in-memory [Channel] for tests: push inbound protocol
// events with [MockChannel.Deliver] and inspect outbound messages via
// [MockChannel.Sent].
type MockChannel struct {
	inbound chan []byte

	mu     sync.Mutex
	sent   [][]byte
	closed chan struct{}

	// SendErr, if non-nil, is returned from Send.
	SendErr error
}

// Compile-time interface assertions.
var (
	_ Channel   = (*MockChannel)(nil)
	_ Transport = (*MockTransport)(nil)
)

// NewMockChannel returns an open MockChannel.
func NewMockChannel() *MockChannel {
	return &MockChannel{
		inbound: make(chan []byte, 64),
		closed:  make(chan struct{}),
	}
}

// Deliver queues an inbound message as if the remote peer sent it.
func (c *MockChannel) Deliver(data []byte) {
	select {
	case c.inbound <- data:
	case <-c.closed:
	}
}

// Sent returns a snapshot of all messages sent so far, in order.
func (c *MockChannel) Sent() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.sent))
	copy(out, c.sent)
	return out
}

// Send implements Channel.
func (c *MockChannel) Send(_ context.Context, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.SendErr != nil {
		return c.SendErr
	}
	select {
	case <-c.closed:
		return fmt.Errorf("voice: mock channel closed")
	default:
	}
	c.sent = append(c.sent, data)
	return nil
}

// Receive implements Channel.
func (c *MockChannel) Receive(ctx context.Context) ([]byte, error) {
	select {
	case data := <-c.inbound:
		return data, nil
	case <-c.closed:
		return nil, fmt.Errorf("voice: mock channel closed")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close implements Channel. Idempotent.
func (c *MockChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case <-c.closed:
	default:
		close(c.closed)
	}
	return nil
}

// MockTransport is a scriptable [Transport] for tests. Zero value fields
// mean every operation succeeds.
type MockTransport struct {
	channel *MockChannel

	// OfferErr, AnswerErr, ChannelErr inject failures into the matching step.
	OfferErr   error
	AnswerErr  error
	ChannelErr error

	mu         sync.Mutex
	GotAnswer  string
	CloseCount int
}

// NewMockTransport returns a MockTransport with a fresh [MockChannel].
func NewMockTransport() *MockTransport {
	return &MockTransport{channel: NewMockChannel()}
}

// Channel returns the underlying mock channel for event injection.
func (m *MockTransport) Channel() *MockChannel { return m.channel }

// OpenChannel implements Transport.
func (m *MockTransport) OpenChannel(_ context.Context) (Channel, error) {
	if m.ChannelErr != nil {
		return nil, m.ChannelErr
	}
	return m.channel, nil
}

// CreateOffer implements Transport.
func (m *MockTransport) CreateOffer(_ context.Context) (string, error) {
	if m.OfferErr != nil {
		return "", m.OfferErr
	}
	return "v=0\r\no=- 0 0 IN IP4 127.0.0.1\r\ns=Voxflow Audio\r\n", nil
}

// AcceptAnswer implements Transport.
func (m *MockTransport) AcceptAnswer(_ context.Context, answer string) error {
	if m.AnswerErr != nil {
		return m.AnswerErr
	}
	m.mu.Lock()
	m.GotAnswer = answer
	m.mu.Unlock()
	return nil
}

// Close implements Transport. Counted so tests can assert exactly-once
// teardown.
func (m *MockTransport) Close() error {
	m.mu.Lock()
	m.CloseCount++
	m.mu.Unlock()
	return m.channel.Close()
}
