package voice

import (
	"context"
	"fmt"
	"net/http"

	"github.com/coder/websocket"
)

// WebSocketChannel is a [Channel] over a WebSocket connection, for speech
// endpoints that carry both protocol events and media framing on a single
// socket.
type WebSocketChannel struct {
	conn *websocket.Conn
}

// Compile-time interface assertions.
var (
	_ Channel   = (*WebSocketChannel)(nil)
	_ Transport = (*WebSocketTransport)(nil)
)

// DialWebSocketChannel connects to url with the given headers (typically a
// bearer credential).
func DialWebSocketChannel(ctx context.Context, url string, header http.Header) (*WebSocketChannel, error) {
	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPHeader: header,
	})
	if err != nil {
		return nil, fmt.Errorf("voice: dial control channel: %w", err)
	}
	return &WebSocketChannel{conn: conn}, nil
}

// Send implements Channel.
func (c *WebSocketChannel) Send(ctx context.Context, data []byte) error {
	if err := c.conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("voice: channel send: %w", err)
	}
	return nil
}

// Receive implements Channel.
func (c *WebSocketChannel) Receive(ctx context.Context) ([]byte, error) {
	_, data, err := c.conn.Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("voice: channel receive: %w", err)
	}
	return data, nil
}

// Close implements Channel. Safe to call more than once; the second close
// of the underlying connection returns an error that is discarded.
func (c *WebSocketChannel) Close() error {
	_ = c.conn.Close(websocket.StatusNormalClosure, "session closed")
	return nil
}

// WebSocketTransport is a [Transport] for deployments where the speech
// endpoint terminates media itself over the WebSocket: there is no peer
// media connection to negotiate, so the offer degenerates to a static
// session descriptor and the answer is accepted without media wiring. The
// HTTPS offer/answer exchange still runs — it is what binds the ephemeral
// credential to the session on the remote side.
type WebSocketTransport struct {
	// URL is the WebSocket endpoint for the control channel.
	URL string

	// Header carries dial headers, typically the bearer credential.
	Header http.Header

	channel *WebSocketChannel
}

// OpenChannel implements Transport.
func (t *WebSocketTransport) OpenChannel(ctx context.Context) (Channel, error) {
	ch, err := DialWebSocketChannel(ctx, t.URL, t.Header)
	if err != nil {
		return nil, err
	}
	t.channel = ch
	return ch, nil
}

// CreateOffer implements Transport.
func (t *WebSocketTransport) CreateOffer(_ context.Context) (string, error) {
	return `{"type":"session.offer","media":"websocket"}`, nil
}

// AcceptAnswer implements Transport.
func (t *WebSocketTransport) AcceptAnswer(_ context.Context, answer string) error {
	if answer == "" {
		return fmt.Errorf("voice: empty session answer")
	}
	return nil
}

// Close implements Transport.
func (t *WebSocketTransport) Close() error {
	if t.channel != nil {
		return t.channel.Close()
	}
	return nil
}
