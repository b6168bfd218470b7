package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/rtsync/rtsync-go/internal/mailbox"
	"github.com/rtsync/rtsync-go/pkg/connection"
	"github.com/rtsync/rtsync-go/pkg/log"
	"github.com/rtsync/rtsync-go/pkg/transport"
	"github.com/rtsync/rtsync-go/pkg/version"
	"github.com/rtsync/rtsync-go/pkg/wire"
)

// Session defaults.
const (
	DefaultRequestTimeout  = 10 * time.Second
	DefaultInitTimeout     = 2 * time.Second
	DefaultWatchdogTimeout = 45 * time.Second
	DefaultThrottleMin     = 1 * time.Second
	DefaultThrottleMax     = 2 * time.Second
)

// DefaultCapabilities are announced in init when Config names none.
var DefaultCapabilities = []string{"client_update", "offline_storage", "telemetry.v1"}

// ContinuationStore persists the server's continuation token across
// restarts. Load is called once by New; Save on every reply carrying a new
// token.
type ContinuationStore interface {
	Load() (string, error)
	Save(token string) error
}

// Config configures a Session.
type Config struct {
	// URL is the gateway address. Used for protocol capture only; the
	// Dialer decides where to connect.
	URL string

	// Capabilities announced in init (default: DefaultCapabilities).
	Capabilities []string

	// Registrations route product push traffic to this connection.
	Registrations []wire.Registration

	// Tweaks is passed through to init unchanged.
	Tweaks json.RawMessage

	// Metadata describes the client (default: version.Metadata).
	Metadata map[string]string

	// RequestTimeout is the default SendRequest timeout (default: 10s).
	RequestTimeout time.Duration

	// InitTimeout bounds the init handshake (default: 2s).
	InitTimeout time.Duration

	// WatchdogTimeout is the allowed inbound silence while connected
	// (default: 45s).
	WatchdogTimeout time.Duration

	// TokenRefreshMargin is how long before JWT expiry the about-to-expire
	// signal fires (default: 3m).
	TokenRefreshMargin time.Duration

	// ThrottleMin and ThrottleMax bound the throttle wait when a 429 reply
	// names no window (default: 1s, 2s).
	ThrottleMin time.Duration
	ThrottleMax time.Duration

	// Backoff configures reconnect waits. Zero fields take the fibonacci
	// defaults; a negative Jitter disables jitter.
	Backoff connection.BackoffConfig

	// TokenSupplier is called on Connect and when the token is about to
	// expire or expired. Optional.
	TokenSupplier TokenSupplier

	// ContinuationStore persists the continuation token. Optional.
	ContinuationStore ContinuationStore

	// Logger receives operational logs. Nil discards.
	Logger *slog.Logger

	// ProtocolLogger receives the protocol trace. Nil disables capture.
	ProtocolLogger log.Logger
}

func (c *Config) applyDefaults() {
	if len(c.Capabilities) == 0 {
		c.Capabilities = DefaultCapabilities
	}
	if c.Metadata == nil {
		c.Metadata = version.Metadata()
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = DefaultRequestTimeout
	}
	if c.InitTimeout <= 0 {
		c.InitTimeout = DefaultInitTimeout
	}
	if c.WatchdogTimeout <= 0 {
		c.WatchdogTimeout = DefaultWatchdogTimeout
	}
	if c.TokenRefreshMargin <= 0 {
		c.TokenRefreshMargin = DefaultTokenRefreshMargin
	}
	if c.ThrottleMin <= 0 {
		c.ThrottleMin = DefaultThrottleMin
	}
	if c.ThrottleMax < c.ThrottleMin {
		c.ThrottleMax = max(DefaultThrottleMax, c.ThrottleMin)
	}
	if c.Backoff.Jitter == 0 {
		c.Backoff.Jitter = connection.ReconnectJitter
	}
	if c.Logger == nil {
		c.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if c.ProtocolLogger == nil {
		c.ProtocolLogger = log.NoopLogger{}
	}
}

// Session keeps one authenticated connection to the gateway. All state
// changes run on a single loop goroutine fed by an unbounded mailbox;
// public methods only post events.
type Session struct {
	config Config
	dial   transport.Dialer
	logger *slog.Logger
	connID string

	events    *mailbox.Mailbox[event]
	machine   *machine
	observers *observers

	// Owned by the loop.
	socket transport.Socket
	timers [numTimers]*time.Timer

	stateMu sync.RWMutex
	state   connection.State

	tokenSeq   atomic.Uint64
	refreshing atomic.Bool

	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
}

// New creates a disconnected session. dial creates the socket for every
// connection attempt.
func New(cfg Config, dial transport.Dialer) (*Session, error) {
	if dial == nil {
		return nil, errors.New("session: dialer is required")
	}
	cfg.applyDefaults()

	s := &Session{
		config:    cfg,
		dial:      dial,
		logger:    cfg.Logger,
		connID:    uuid.NewString(),
		events:    mailbox.New[event](),
		observers: newObservers(),
		state:     connection.Disconnected(nil),
		done:      make(chan struct{}),
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())

	s.machine = newMachine(machineConfig{
		capabilities:  cfg.Capabilities,
		registrations: cfg.Registrations,
		tweaks:        cfg.Tweaks,
		metadata:      cfg.Metadata,
		initTimeout:   cfg.InitTimeout,
		watchdog:      cfg.WatchdogTimeout,
		tokenMargin:   cfg.TokenRefreshMargin,
		throttleMin:   cfg.ThrottleMin,
		throttleMax:   cfg.ThrottleMax,
		backoff:       cfg.Backoff,
	}, cfg.Logger, func(msg wire.Message, timeout time.Duration) *Request {
		return newRequest(msg, timeout, s.forget)
	})

	if cfg.ContinuationStore != nil {
		tok, err := cfg.ContinuationStore.Load()
		if err != nil {
			return nil, fmt.Errorf("load continuation token: %w", err)
		}
		s.machine.continuation = tok
	}

	go s.run()
	return s, nil
}

// ID identifies the session in protocol captures.
func (s *Session) ID() string {
	return s.connID
}

// Connect starts connecting. With a TokenSupplier configured, a fresh token
// is fetched first.
func (s *Session) Connect(ctx context.Context) error {
	if s.config.TokenSupplier != nil {
		tok, err := s.config.TokenSupplier(ctx)
		if err != nil {
			return fmt.Errorf("token supplier: %w", err)
		}
		if err := s.UpdateToken(ctx, tok); err != nil {
			return err
		}
	}
	if !s.post(event{kind: evConnect}) {
		return ErrSessionClosed
	}
	return nil
}

// Disconnect closes the connection. In-flight requests fail; no reconnect
// is scheduled.
func (s *Session) Disconnect() {
	s.post(event{kind: evDisconnect})
}

// NetworkChanged reports connectivity changes from the platform.
func (s *Session) NetworkChanged(reachable bool) {
	s.post(event{kind: evNetwork, reachable: reachable})
}

// State returns the current connection state.
func (s *Session) State() connection.State {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.state
}

// SendRequest sends msg and waits for its reply. The message id is
// assigned here; an empty method defaults to "message". A zero timeout uses
// Config.RequestTimeout. Non-2xx gateway statuses are returned as
// *ReplyError; the upstream http_status is left to the caller.
func (s *Session) SendRequest(ctx context.Context, msg wire.Message, timeout time.Duration) (*wire.Reply, error) {
	return s.send(ctx, msg, timeout, false, 0)
}

// SendOnConnection is SendRequest bound to one established connection,
// named by the Epoch of its Connected state. It fails with ErrNotConnected
// unless that connection is current, and with ErrTransportDisconnected when
// it drops before the reply. It is never replayed on a later connection.
func (s *Session) SendOnConnection(ctx context.Context, epoch uint64, msg wire.Message, timeout time.Duration) (*wire.Reply, error) {
	return s.send(ctx, msg, timeout, true, epoch)
}

func (s *Session) send(ctx context.Context, msg wire.Message, timeout time.Duration, scoped bool, epoch uint64) (*wire.Reply, error) {
	if msg.Envelope().Method == "" {
		msg.Envelope().Method = wire.MethodMessage
	}
	if timeout <= 0 {
		timeout = s.config.RequestTimeout
	}
	r := newRequest(msg, timeout, s.forget)
	r.connScoped = scoped
	r.epoch = epoch
	if !s.post(event{kind: evSend, req: r}) {
		r.cancel(ErrSessionClosed)
	}
	return r.Wait(ctx)
}

// UpdateToken replaces the access token. While connected the gateway is
// told at once; otherwise the token is used by the next init. An update
// overtaken by a newer one returns nil without network traffic.
func (s *Session) UpdateToken(ctx context.Context, token string) error {
	seq := s.tokenSeq.Add(1)
	msg := &wire.Update{Header: wire.Header{Method: wire.MethodUpdate}, Token: token}
	r := newRequest(msg, s.config.RequestTimeout, s.forget)
	r.tokenUpdate = true
	if !s.post(event{kind: evUpdateToken, req: r, token: token, seq: seq}) {
		r.cancel(ErrSessionClosed)
	}
	_, err := r.Wait(ctx)
	if errors.Is(err, ErrTokenUpdatedLocally) {
		return nil
	}
	return err
}

// Close disconnects and stops the session. Further calls fail with
// ErrSessionClosed.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.events.Post(event{kind: evClose, err: ErrSessionClosed})
		<-s.done
		s.cancel()
		s.observers.close()
	})
}

func (s *Session) post(ev event) bool {
	return s.events.Post(ev)
}

func (s *Session) forget(r *Request) {
	s.post(event{kind: evForget, req: r})
}

func (s *Session) run() {
	defer close(s.done)
	for range s.events.Ready() {
		for {
			ev, ok := s.events.Take()
			if !ok {
				break
			}
			s.apply(s.machine.handle(ev))
			if ev.kind == evClose {
				s.shutdown()
				return
			}
		}
	}
}

// shutdown stops timers and fails whatever was posted after Close.
func (s *Session) shutdown() {
	s.events.Close()
	for k := range s.timers {
		s.stopTimer(timerKind(k))
	}
	for {
		ev, ok := s.events.Take()
		if !ok {
			return
		}
		if ev.req != nil {
			ev.req.cancel(ErrSessionClosed)
		}
	}
}

// apply interprets effects in order.
func (s *Session) apply(effects []effect) {
	for _, e := range effects {
		switch e.kind {
		case effOpenSocket:
			s.openSocket(e.gen)
		case effCloseSocket:
			if s.socket != nil {
				s.socket.Disconnect()
				s.socket = nil
			}
		case effTransmit:
			s.transmit(e.msg, e.req)
		case effStartTimer:
			s.startTimer(e.timer, e.gen, e.wait)
		case effStopTimer:
			s.stopTimer(e.timer)
		case effState:
			s.setState(e.state)
		case effError:
			s.reportError(e.err, e.fatal)
		case effInbound:
			s.captureMessage(log.DirectionIn, e.msg, e.req)
		case effNotification:
			emit(s.observers, &s.observers.notification, e.msg.(*wire.Notification))
		case effClientUpdate:
			emit(s.observers, &s.observers.clientUpdate, e.msg.(*wire.ClientUpdate))
		case effTokenSignal:
			s.tokenSignal(e.expired)
		case effComplete:
			e.req.complete(e.reply)
		case effFail:
			e.req.cancel(e.err)
		case effSaveContinuation:
			s.saveContinuation(e.token)
		}
	}
}

// socketListener tags socket callbacks with the socket generation.
type socketListener struct {
	s   *Session
	gen uint64
}

func (l socketListener) OnConnected() {
	l.s.post(event{kind: evSocketConnected, gen: l.gen})
}

func (l socketListener) OnDisconnected(err error) {
	l.s.post(event{kind: evSocketDisconnected, gen: l.gen, err: err})
}

func (l socketListener) OnMessage(data []byte) {
	l.s.captureFrame(log.DirectionIn, data)
	l.s.post(event{kind: evSocketMessage, gen: l.gen, data: data})
}

func (s *Session) openSocket(gen uint64) {
	s.logger.Debug("Session: opening socket", "url", s.config.URL, "gen", gen)
	s.socket = s.dial(socketListener{s: s, gen: gen})
	s.socket.Connect()
}

func (s *Session) transmit(msg wire.Message, r *Request) {
	data, err := wire.Encode(msg)
	if err != nil {
		s.logger.Error("Session: encode failed", "method", msg.Envelope().Method, "error", err)
		if r != nil && r.cancel(fmt.Errorf("encode request: %w", err)) {
			s.forget(r)
		}
		return
	}
	if s.socket == nil {
		return
	}

	s.captureFrame(log.DirectionOut, data)
	s.captureMessage(log.DirectionOut, msg, nil)
	if err := s.socket.Send(data); err != nil {
		s.logger.Debug("Session: send failed", "id", msg.Envelope().ID, "error", err)
		s.post(event{kind: evSocketDisconnected, gen: s.machine.socketGen, err: err})
	}
}

func (s *Session) startTimer(k timerKind, gen uint64, d time.Duration) {
	if t := s.timers[k]; t != nil {
		t.Stop()
	}
	s.timers[k] = time.AfterFunc(d, func() {
		s.post(event{kind: evTimer, timer: k, gen: gen})
	})
}

func (s *Session) stopTimer(k timerKind) {
	if t := s.timers[k]; t != nil {
		t.Stop()
		s.timers[k] = nil
	}
}

func (s *Session) setState(st connection.State) {
	s.stateMu.Lock()
	prev := s.state
	s.state = st
	s.stateMu.Unlock()

	s.logger.Info("Session: state changed", "from", prev.String(), "to", st.String())
	s.captureState(prev, st)
	emit(s.observers, &s.observers.stateChange, st)
}

func (s *Session) reportError(err error, fatal bool) {
	s.captureError(err, fatal)
	if fatal {
		s.logger.Error("Session: fatal error", "error", err)
		emit(s.observers, &s.observers.fatalError, err)
		return
	}
	s.logger.Warn("Session: connection error", "error", err)
	emit(s.observers, &s.observers.nonFatalError, err)
}

func (s *Session) tokenSignal(expired bool) {
	if expired {
		emit(s.observers, &s.observers.tokenExpired, struct{}{})
	} else {
		emit(s.observers, &s.observers.tokenAboutToExpire, struct{}{})
	}
	s.refreshToken()
}

// refreshToken asks the TokenSupplier for a new token in the background.
// At most one refresh runs at a time.
func (s *Session) refreshToken() {
	supplier := s.config.TokenSupplier
	if supplier == nil || !s.refreshing.CompareAndSwap(false, true) {
		return
	}
	go func() {
		defer s.refreshing.Store(false)

		ctx, cancel := context.WithTimeout(s.ctx, s.config.RequestTimeout)
		defer cancel()

		tok, err := supplier(ctx)
		if err != nil {
			s.logger.Warn("Session: token refresh failed", "error", err)
			emit(s.observers, &s.observers.nonFatalError, fmt.Errorf("token refresh: %w", err))
			return
		}
		if err := s.UpdateToken(ctx, tok); err != nil {
			s.logger.Warn("Session: token update failed", "error", err)
		}
	}()
}

func (s *Session) saveContinuation(tok string) {
	if s.config.ContinuationStore == nil {
		return
	}
	if err := s.config.ContinuationStore.Save(tok); err != nil {
		s.logger.Warn("Session: saving continuation token failed", "error", err)
	}
}
