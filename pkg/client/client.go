// Package client assembles a session, its subscription coordinator and
// their persistence from a configuration file.
//
//	cfg, _ := config.Load("rtsync.yaml")
//	c, err := client.New(cfg, tokens)
//	if err != nil { ... }
//	defer c.Close()
//	c.Connect(ctx)
//	stream := c.Subscriptions().Subscribe("CH1", "channel", nil)
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"os"
	"strings"
	"sync"

	"github.com/rtsync/rtsync-go/pkg/config"
	"github.com/rtsync/rtsync-go/pkg/log"
	"github.com/rtsync/rtsync-go/pkg/persistence"
	"github.com/rtsync/rtsync-go/pkg/session"
	"github.com/rtsync/rtsync-go/pkg/subscription"
	"github.com/rtsync/rtsync-go/pkg/transport"
	"github.com/rtsync/rtsync-go/pkg/version"
)

// Option overrides a collaborator New would otherwise build from the
// configuration.
type Option func(*options)

type options struct {
	logger         *slog.Logger
	dialer         transport.Dialer
	store          session.ContinuationStore
	protocolLogger log.Logger
}

// WithLogger sets the operational logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithDialer replaces the WebSocket dialer.
func WithDialer(d transport.Dialer) Option {
	return func(o *options) { o.dialer = d }
}

// WithContinuationStore replaces the continuation file.
func WithContinuationStore(s session.ContinuationStore) Option {
	return func(o *options) { o.store = s }
}

// WithProtocolLogger adds a protocol capture sink next to the capture file.
func WithProtocolLogger(l log.Logger) Option {
	return func(o *options) { o.protocolLogger = l }
}

// Client owns a session and its subscription coordinator.
type Client struct {
	session *session.Session
	subs    *subscription.Coordinator
	capture *log.FileLogger
	logger  *slog.Logger

	closeOnce sync.Once
	closeErr  error
}

// New builds a disconnected client. tokens supplies access tokens on
// Connect and on expiry; it may be nil if tokens are pushed with
// Session().UpdateToken.
func New(cfg *config.Config, tokens session.TokenSupplier, opts ...Option) (*Client, error) {
	if cfg == nil {
		return nil, errors.New("client: config is required")
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = NewLogger(os.Stderr, cfg.LogLevel)
	}

	sessCfg, err := cfg.SessionConfig()
	if err != nil {
		return nil, err
	}
	sessCfg.TokenSupplier = tokens
	sessCfg.Metadata = version.Metadata()
	maps.Copy(sessCfg.Metadata, cfg.Metadata)
	sessCfg.Logger = o.logger

	if o.dialer == nil {
		tc, err := cfg.TransportConfig()
		if err != nil {
			return nil, err
		}
		tc.Logger = o.logger.With("component", "transport")
		o.dialer = transport.NewDialer(tc)
	}

	if o.store == nil && cfg.ContinuationFile != "" {
		o.store = persistence.NewContinuationFile(cfg.ContinuationFile)
	}
	sessCfg.ContinuationStore = o.store

	c := &Client{logger: o.logger}

	capture := log.Tee(o.protocolLogger)
	if cfg.ProtocolLog != "" {
		var opts []log.FileOption
		if cfg.ProtocolLogMaxSize > 0 {
			opts = append(opts, log.WithRotation(cfg.ProtocolLogMaxSize, cfg.ProtocolLogKeep))
		}
		c.capture, err = log.NewFileLogger(cfg.ProtocolLog, opts...)
		if err != nil {
			return nil, fmt.Errorf("open protocol log: %w", err)
		}
		capture = log.Tee(c.capture, o.protocolLogger)
	}
	sessCfg.ProtocolLogger = capture

	c.session, err = session.New(sessCfg, o.dialer)
	if err != nil {
		c.closeCapture()
		return nil, err
	}

	subCfg := cfg.SubscriptionConfig()
	subCfg.ConnectionID = c.session.ID()
	subCfg.Logger = o.logger.With("component", "subscription")
	subCfg.ProtocolLogger = capture
	c.subs = subscription.New(c.session, subCfg)

	o.logger.Debug("client created",
		"connection_id", c.session.ID(),
		"url", cfg.URL,
		"continuation", o.store != nil,
		"protocol_log", cfg.ProtocolLog)
	return c, nil
}

// Session returns the underlying session.
func (c *Client) Session() *session.Session {
	return c.session
}

// Subscriptions returns the subscription coordinator.
func (c *Client) Subscriptions() *subscription.Coordinator {
	return c.subs
}

// Connect starts connecting the session.
func (c *Client) Connect(ctx context.Context) error {
	return c.session.Connect(ctx)
}

// Close stops the coordinator and the session and closes the protocol log.
// It is safe to call more than once.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.subs.Close()
		c.session.Close()
		c.closeErr = c.closeCapture()
	})
	return c.closeErr
}

func (c *Client) closeCapture() error {
	if c.capture == nil {
		return nil
	}
	if err := c.capture.Close(); err != nil {
		return fmt.Errorf("close protocol log: %w", err)
	}
	return nil
}

// NewLogger returns a text logger writing to w at the named level. Unknown
// or empty levels use info.
func NewLogger(w io.Writer, level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: lvl}))
}
