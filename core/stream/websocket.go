package stream

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ftfuture/insitechart-sync/core/event"
)

// DefaultReadWait is how long a WSConn waits for any inbound traffic
// before the read loop fails. Pongs and client messages both reset it.
const DefaultReadWait = 60 * time.Second

// WSConn adapts a gorilla websocket connection to the Conn interface.
// Frames go out as JSON text messages; liveness uses websocket ping/pong
// control frames, with any inbound client message also counting as an
// ack.
type WSConn struct {
	conn     *websocket.Conn
	readWait time.Duration

	mu     sync.Mutex
	onPong func()

	closeOnce sync.Once
	closeErr  error
}

// NewWSConn wraps an upgraded websocket connection.
func NewWSConn(conn *websocket.Conn) *WSConn {
	c := &WSConn{conn: conn, readWait: DefaultReadWait}
	_ = conn.SetReadDeadline(time.Now().Add(c.readWait))
	conn.SetPongHandler(func(string) error {
		c.markAlive()
		return nil
	})
	return c
}

func (c *WSConn) markAlive() {
	_ = c.conn.SetReadDeadline(time.Now().Add(c.readWait))

	c.mu.Lock()
	fn := c.onPong
	c.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// WriteFrame sends one JSON frame, honoring the context deadline as the
// write deadline.
func (c *WSConn) WriteFrame(ctx context.Context, f Frame) error {
	data, err := f.Encode()
	if err != nil {
		return err
	}

	deadline := time.Now().Add(DefaultWriteTimeout)
	if d, ok := ctx.Deadline(); ok {
		deadline = d
	}
	_ = c.conn.SetWriteDeadline(deadline)

	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// Ping sends a websocket ping control frame.
func (c *WSConn) Ping(ctx context.Context) error {
	deadline := time.Now().Add(DefaultWriteTimeout)
	if d, ok := ctx.Deadline(); ok {
		deadline = d
	}
	return c.conn.WriteControl(websocket.PingMessage, nil, deadline)
}

// OnPong registers the liveness callback invoked on every pong or client
// message.
func (c *WSConn) OnPong(fn func()) {
	c.mu.Lock()
	c.onPong = fn
	c.mu.Unlock()
}

// Close tears down the underlying websocket connection.
func (c *WSConn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}

// ResumeToken is one entry of the client hello's resume cursor: the last
// sequence the client applied for a topic partition.
type ResumeToken struct {
	Topic        string `json:"topic"`
	Partition    int    `json:"partition"`
	LastSequence uint64 `json:"last_sequence"`
}

// helloMessage is the first message a client sends after the upgrade.
type helloMessage struct {
	Topics []string      `json:"topics"`
	Resume []ResumeToken `json:"resume,omitempty"`
}

// clientMessage covers messages a client may send after the hello.
type clientMessage struct {
	Action string   `json:"action"`
	Topics []string `json:"topics,omitempty"`
}

type handlerConfig struct {
	upgrader     *websocket.Upgrader
	helloTimeout time.Duration
}

// HandlerOption configures the websocket endpoint.
type HandlerOption func(*handlerConfig)

// WithReadBuffer sets the websocket read buffer size.
func WithReadBuffer(size int) HandlerOption {
	return func(c *handlerConfig) {
		c.upgrader.ReadBufferSize = size
	}
}

// WithWriteBuffer sets the websocket write buffer size.
func WithWriteBuffer(size int) HandlerOption {
	return func(c *handlerConfig) {
		c.upgrader.WriteBufferSize = size
	}
}

// WithHandshakeTimeout bounds the websocket handshake.
func WithHandshakeTimeout(timeout time.Duration) HandlerOption {
	return func(c *handlerConfig) {
		c.upgrader.HandshakeTimeout = timeout
	}
}

// WithOriginCheck sets a custom origin check for the upgrade.
func WithOriginCheck(fn func(r *http.Request) bool) HandlerOption {
	return func(c *handlerConfig) {
		c.upgrader.CheckOrigin = fn
	}
}

// WithAllowAnyOrigin disables the origin check. Use behind a gateway that
// enforces origins itself.
func WithAllowAnyOrigin() HandlerOption {
	return func(c *handlerConfig) {
		c.upgrader.CheckOrigin = func(r *http.Request) bool {
			return true
		}
	}
}

// WithHelloTimeout bounds how long the endpoint waits for the client
// hello after the upgrade. Default 10s.
func WithHelloTimeout(timeout time.Duration) HandlerOption {
	return func(c *handlerConfig) {
		if timeout > 0 {
			c.helloTimeout = timeout
		}
	}
}

// Handler returns the websocket endpoint for the stream manager. The
// client opens a connection, sends a hello naming its topics and optional
// resume cursors, and then receives event and heartbeat frames until it
// disconnects. A `set_topics` message switches the topic set in place.
func Handler(m *Manager, opts ...HandlerOption) http.HandlerFunc {
	cfg := &handlerConfig{
		upgrader: &websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		helloTimeout: 10 * time.Second,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	return func(w http.ResponseWriter, r *http.Request) {
		ws, err := cfg.upgrader.Upgrade(w, r, nil)
		if err != nil {
			// Upgrade has already written the error response.
			return
		}

		_ = ws.SetReadDeadline(time.Now().Add(cfg.helloTimeout))
		_, data, err := ws.ReadMessage()
		if err != nil {
			_ = ws.Close()
			return
		}

		var hello helloMessage
		if err := json.Unmarshal(data, &hello); err != nil {
			_ = ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseInvalidFramePayloadData, "malformed hello"),
				time.Now().Add(time.Second))
			_ = ws.Close()
			return
		}

		resume := make(map[event.TopicPartition]uint64, len(hello.Resume))
		for _, token := range hello.Resume {
			tp := event.TopicPartition{Topic: token.Topic, Partition: token.Partition}
			resume[tp] = token.LastSequence
		}

		conn := NewWSConn(ws)
		sub, err := m.Connect(r.Context(), conn, hello.Topics, resume)
		if err != nil {
			_ = ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.ClosePolicyViolation, err.Error()),
				time.Now().Add(time.Second))
			_ = conn.Close()
			return
		}

		// Read loop: keeps pong handlers firing and applies topic
		// switches. Any read error ends the subscription.
		for {
			_, data, err := ws.ReadMessage()
			if err != nil {
				break
			}
			conn.markAlive()

			var msg clientMessage
			if err := json.Unmarshal(data, &msg); err != nil {
				continue
			}
			if msg.Action == "set_topics" && len(msg.Topics) > 0 {
				_ = m.SetTopics(sub.ID, msg.Topics)
			}
		}

		_ = m.Disconnect(sub.ID)
	}
}
