package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Transport defaults.
const (
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultWriteTimeout     = 5 * time.Second

	// DefaultMaxMessageSize bounds one inbound frame.
	DefaultMaxMessageSize = 4 * 1024 * 1024
)

// ErrNotConnected is returned by Send before the socket is open or after it
// closed.
var ErrNotConnected = errors.New("socket not connected")

// Config configures a WebSocket.
type Config struct {
	// URL is the gateway address (wss://...).
	URL string

	// TLSConfig is used for the handshake. Nil uses NewClientTLSConfig(nil).
	TLSConfig *tls.Config

	// Header is sent with the upgrade request.
	Header http.Header

	// HandshakeTimeout bounds the dial and upgrade (default: 10s).
	HandshakeTimeout time.Duration

	// WriteTimeout bounds a single Send (default: 5s).
	WriteTimeout time.Duration

	// MaxMessageSize is the largest accepted inbound message (default: 4MB).
	MaxMessageSize int64

	// Logger receives debug output. Nil discards.
	Logger *slog.Logger
}

func (c *Config) applyDefaults() {
	if c.TLSConfig == nil {
		c.TLSConfig = NewClientTLSConfig(nil)
	}
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
	if c.MaxMessageSize == 0 {
		c.MaxMessageSize = DefaultMaxMessageSize
	}
	if c.Logger == nil {
		c.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
}

// NewDialer returns a Dialer creating WebSockets with cfg.
func NewDialer(cfg Config) Dialer {
	cfg.applyDefaults()
	return func(listener Listener) Socket {
		return NewWebSocket(cfg, listener)
	}
}

// WebSocket is a Socket over gorilla/websocket.
type WebSocket struct {
	config   Config
	listener Listener

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	conn    *websocket.Conn
	started bool
	closed  bool

	writeMu  sync.Mutex
	downOnce sync.Once
}

// NewWebSocket creates an unopened socket.
func NewWebSocket(cfg Config, listener Listener) *WebSocket {
	cfg.applyDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &WebSocket{
		config:   cfg,
		listener: listener,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Connect dials in the background. Calling it more than once has no effect.
func (w *WebSocket) Connect() {
	w.mu.Lock()
	if w.started || w.closed {
		w.mu.Unlock()
		return
	}
	w.started = true
	w.mu.Unlock()

	go w.run()
}

func (w *WebSocket) run() {
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		TLSClientConfig:  w.config.TLSConfig,
		HandshakeTimeout: w.config.HandshakeTimeout,
	}

	ctx, cancel := context.WithTimeout(w.ctx, w.config.HandshakeTimeout)
	conn, resp, err := dialer.DialContext(ctx, w.config.URL, w.config.Header)
	cancel()
	if err != nil {
		if resp != nil {
			err = fmt.Errorf("websocket upgrade: %s: %w", resp.Status, err)
		}
		w.down(Classify(err))
		return
	}
	conn.SetReadLimit(w.config.MaxMessageSize)

	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		conn.Close()
		return
	}
	w.conn = conn
	w.mu.Unlock()

	w.config.Logger.Debug("WebSocket: connected", "url", w.config.URL)
	w.listener.OnConnected()
	w.readPump(conn)
}

func (w *WebSocket) readPump(conn *websocket.Conn) {
	defer conn.Close()
	for {
		messageType, message, err := conn.ReadMessage()
		if err != nil {
			w.down(err)
			return
		}
		switch messageType {
		case websocket.TextMessage, websocket.BinaryMessage:
			if w.isClosed() {
				return
			}
			w.listener.OnMessage(message)
		}
	}
}

// Send writes data as one text message.
func (w *WebSocket) Send(data []byte) error {
	w.mu.Lock()
	conn := w.conn
	closed := w.closed
	w.mu.Unlock()
	if conn == nil || closed {
		return ErrNotConnected
	}

	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(w.config.WriteTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		// Closing unblocks the read pump, which reports the failure.
		conn.Close()
		return fmt.Errorf("websocket write: %w", err)
	}
	return nil
}

// Disconnect closes the socket without reporting to the listener.
func (w *WebSocket) Disconnect() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	conn := w.conn
	w.mu.Unlock()

	w.cancel()
	if conn == nil {
		return
	}

	w.writeMu.Lock()
	deadline := time.Now().Add(w.config.WriteTimeout)
	conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	w.writeMu.Unlock()
	conn.Close()
}

func (w *WebSocket) isClosed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closed
}

// down reports a failure once, unless the socket was closed locally.
func (w *WebSocket) down(err error) {
	if w.isClosed() {
		return
	}
	w.downOnce.Do(func() {
		w.config.Logger.Debug("WebSocket: disconnected", "url", w.config.URL, "error", err)
		w.listener.OnDisconnected(err)
	})
}
