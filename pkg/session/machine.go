package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/rtsync/rtsync-go/pkg/connection"
	"github.com/rtsync/rtsync-go/pkg/transport"
	"github.com/rtsync/rtsync-go/pkg/wire"
)

type eventKind uint8

const (
	evConnect eventKind = iota
	evDisconnect
	evClose
	evSend
	evForget
	evUpdateToken
	evNetwork
	evSocketConnected
	evSocketDisconnected
	evSocketMessage
	evTimer
)

// event is one input to the state machine. Only the fields of its kind are
// set.
type event struct {
	kind      eventKind
	req       *Request
	token     string
	seq       uint64
	reachable bool
	gen       uint64
	err       error
	data      []byte
	timer     timerKind
}

type timerKind uint8

const (
	timerReconnect timerKind = iota
	timerThrottle
	timerWatchdog
	timerToken
	numTimers
)

func (k timerKind) String() string {
	switch k {
	case timerReconnect:
		return "reconnect"
	case timerThrottle:
		return "throttle"
	case timerWatchdog:
		return "watchdog"
	case timerToken:
		return "token"
	default:
		return "unknown"
	}
}

type effectKind uint8

const (
	effOpenSocket effectKind = iota
	effCloseSocket
	effTransmit
	effStartTimer
	effStopTimer
	effState
	effError
	effInbound
	effNotification
	effClientUpdate
	effTokenSignal
	effComplete
	effFail
	effSaveContinuation
)

// effect is one side effect requested by the state machine.
type effect struct {
	kind    effectKind
	gen     uint64
	msg     wire.Message
	req     *Request
	reply   *wire.Reply
	err     error
	fatal   bool
	expired bool
	timer   timerKind
	wait    time.Duration
	state   connection.State
	token   string
}

// machineConfig holds the values the state machine needs from Config.
type machineConfig struct {
	capabilities  []string
	registrations []wire.Registration
	tweaks        json.RawMessage
	metadata      map[string]string

	initTimeout time.Duration
	watchdog    time.Duration
	tokenMargin time.Duration

	// Throttle window used when a 429 reply names none.
	throttleMin time.Duration
	throttleMax time.Duration

	backoff connection.BackoffConfig
}

// machine is the session state machine. handle is its only entry point and
// performs no I/O: everything observable is returned as effects. It is not
// safe for concurrent use; the session loop owns it.
type machine struct {
	cfg        machineConfig
	logger     *slog.Logger
	newRequest func(msg wire.Message, timeout time.Duration) *Request
	now        func() time.Time

	state     connection.State
	backoff   *connection.Backoff
	reachable bool

	token        string
	tokenSeq     uint64
	continuation string

	// pending holds requests waiting for Connected, in send order.
	pending []*Request
	// sent holds transmitted requests awaiting a reply.
	sent    map[string]*Request
	initReq *Request

	socketGen uint64
	timerGen  [numTimers]uint64
	epoch     uint64

	out []effect
}

func newMachine(cfg machineConfig, logger *slog.Logger, newReq func(wire.Message, time.Duration) *Request) *machine {
	return &machine{
		cfg:        cfg,
		logger:     logger,
		newRequest: newReq,
		now:        time.Now,
		state:      connection.Disconnected(nil),
		backoff:    connection.NewBackoffWithConfig(cfg.backoff),
		reachable:  true,
		sent:       make(map[string]*Request),
	}
}

// handle applies one event and returns the resulting effects in order.
func (m *machine) handle(ev event) []effect {
	m.out = nil

	switch ev.kind {
	case evConnect:
		m.onConnect()
	case evDisconnect, evClose:
		if !m.state.Is(connection.StateDisconnected) {
			m.enterDisconnected(ev.err, false)
		}
	case evSend:
		m.onSend(ev.req)
	case evForget:
		m.onForget(ev.req)
	case evUpdateToken:
		m.onUpdateToken(ev)
	case evNetwork:
		m.onNetwork(ev.reachable)
	case evSocketConnected:
		m.onSocketConnected(ev.gen)
	case evSocketDisconnected:
		m.onSocketDisconnected(ev.gen, ev.err)
	case evSocketMessage:
		m.onSocketMessage(ev.gen, ev.data)
	case evTimer:
		m.onTimer(ev.timer, ev.gen)
	}

	out := m.out
	m.out = nil
	return out
}

func (m *machine) emit(e effect) {
	m.out = append(m.out, e)
}

func (m *machine) setState(s connection.State) {
	if s.Is(connection.StateConnected) || s.Is(connection.StateThrottling) {
		s.Epoch = m.epoch
	}
	m.state = s
	m.emit(effect{kind: effState, state: s})
}

func (m *machine) startTimer(k timerKind, d time.Duration) {
	m.timerGen[k]++
	m.emit(effect{kind: effStartTimer, timer: k, gen: m.timerGen[k], wait: d})
}

func (m *machine) stopTimer(k timerKind) {
	m.timerGen[k]++
	m.emit(effect{kind: effStopTimer, timer: k})
}

func (m *machine) fail(r *Request, err error) {
	m.emit(effect{kind: effFail, req: r, err: err})
}

func (m *machine) complete(r *Request, reply *wire.Reply) {
	m.emit(effect{kind: effComplete, req: r, reply: reply})
}

func (m *machine) transmit(r *Request) {
	r.sentAt = m.now()
	m.sent[r.id] = r
	m.emit(effect{kind: effTransmit, msg: r.msg, req: r})
}

func (m *machine) ack(id string) {
	m.emit(effect{kind: effTransmit, msg: wire.NewReply(id, wire.StatusOK)})
}

func (m *machine) closeSocket() {
	m.socketGen++
	m.emit(effect{kind: effCloseSocket})
}

// remove drops id from both tables.
func (m *machine) remove(id string) {
	delete(m.sent, id)
	m.pending = slices.DeleteFunc(m.pending, func(r *Request) bool { return r.id == id })
}

// Transitions

func (m *machine) connect() {
	m.stopTimer(timerReconnect)
	m.socketGen++
	m.setState(connection.State{Kind: connection.StateConnecting})
	m.emit(effect{kind: effOpenSocket, gen: m.socketGen})
}

func (m *machine) enterConnected() {
	m.backoff.Reset()
	m.stopTimer(timerThrottle)
	m.setState(connection.State{Kind: connection.StateConnected})
	m.startTimer(timerWatchdog, m.cfg.watchdog)

	queued := m.pending
	m.pending = nil
	for _, r := range queued {
		if r.resolved() {
			continue
		}
		m.transmit(r)
	}
}

func (m *machine) enterThrottling(wait time.Duration) {
	m.startTimer(timerThrottle, wait)
	m.setState(connection.State{Kind: connection.StateThrottling, Wait: wait})
}

// enterWaitAndReconnect tears down the socket after a non-fatal failure.
// Sent requests fail; pending ones survive for the next connection unless
// they are bound to this one. A positive wait overrides the backoff.
func (m *machine) enterWaitAndReconnect(reason error, wait time.Duration) {
	m.stopTimer(timerWatchdog)
	m.stopTimer(timerThrottle)
	m.closeSocket()
	m.initReq = nil

	sentErr := reason
	if !errors.Is(sentErr, ErrTransportDisconnected) {
		sentErr = fmt.Errorf("%w: %w", ErrTransportDisconnected, reason)
	}
	for _, r := range m.sentInOrder() {
		if r.tokenUpdate {
			// The next init carries the token.
			m.complete(r, nil)
			continue
		}
		m.fail(r, sentErr)
	}
	clear(m.sent)
	m.pending = slices.DeleteFunc(m.pending, func(r *Request) bool {
		if r.connScoped {
			m.fail(r, sentErr)
			return true
		}
		return false
	})

	next := m.backoff.Next()
	if wait <= 0 {
		wait = next
	}
	if m.reachable {
		m.startTimer(timerReconnect, wait)
	} else {
		m.stopTimer(timerReconnect)
		wait = 0
	}

	m.setState(connection.State{Kind: connection.StateWaitAndReconnect, Reason: reason, Wait: wait})
	m.emit(effect{kind: effError, err: reason})
}

// enterDisconnected ends the session. A nil reason is a local disconnect.
func (m *machine) enterDisconnected(reason error, fatal bool) {
	m.stopTimer(timerReconnect)
	m.stopTimer(timerThrottle)
	m.stopTimer(timerWatchdog)
	m.closeSocket()
	m.backoff.Reset()
	m.initReq = nil

	failErr := reason
	if failErr == nil {
		failErr = ErrTransportDisconnected
	}
	for _, r := range m.pending {
		m.fail(r, failErr)
	}
	for _, r := range m.sentInOrder() {
		m.fail(r, failErr)
	}
	m.pending = nil
	clear(m.sent)

	m.setState(connection.Disconnected(reason))
	if fatal {
		m.emit(effect{kind: effError, err: reason, fatal: true})
	}
}

// nonFatal routes a recoverable failure.
func (m *machine) nonFatal(err error) {
	m.enterWaitAndReconnect(err, 0)
}

func (m *machine) sentInOrder() []*Request {
	out := make([]*Request, 0, len(m.sent))
	for _, r := range m.sent {
		out = append(out, r)
	}
	slices.SortFunc(out, func(a, b *Request) int { return a.sentAt.Compare(b.sentAt) })
	return out
}

// Event handlers

func (m *machine) onConnect() {
	switch m.state.Kind {
	case connection.StateDisconnected:
		if !m.reachable {
			m.enterWaitAndReconnect(ErrNetworkUnreachable, 0)
			return
		}
		m.connect()
	case connection.StateWaitAndReconnect:
		m.connect()
	}
}

func (m *machine) onSend(r *Request) {
	if r.resolved() {
		return
	}
	if r.connScoped && !m.onConnection(r.epoch) {
		m.fail(r, ErrNotConnected)
		return
	}
	switch m.state.Kind {
	case connection.StateDisconnected:
		m.fail(r, ErrTransportDisconnected)
	case connection.StateConnected:
		m.transmit(r)
	default:
		m.pending = append(m.pending, r)
	}
}

// onConnection reports whether the established connection epoch is current.
func (m *machine) onConnection(epoch uint64) bool {
	switch m.state.Kind {
	case connection.StateConnected, connection.StateThrottling:
		return m.epoch == epoch
	default:
		return false
	}
}

func (m *machine) onForget(r *Request) {
	m.remove(r.id)
	if r != m.initReq {
		return
	}
	m.initReq = nil
	_, err := r.Result()
	m.logger.Debug("Session: init request failed", "id", r.id, "error", err)
	m.nonFatal(err)
}

func (m *machine) onUpdateToken(ev event) {
	r := ev.req
	if ev.seq <= m.tokenSeq || ev.token == m.token {
		if ev.seq > m.tokenSeq {
			m.tokenSeq = ev.seq
		}
		m.fail(r, ErrTokenUpdatedLocally)
		return
	}
	m.token = ev.token
	m.tokenSeq = ev.seq
	m.watchToken()

	// Queued updates carry an older token.
	m.pending = slices.DeleteFunc(m.pending, func(p *Request) bool {
		if p.tokenUpdate {
			m.fail(p, ErrTokenUpdatedLocally)
			return true
		}
		return false
	})

	switch m.state.Kind {
	case connection.StateConnected:
		m.transmit(r)
	case connection.StateInitializing, connection.StateThrottling:
		m.pending = append(m.pending, r)
	case connection.StateDisconnected:
		m.complete(r, nil)
		if errors.Is(m.state.Reason, ErrTokenExpired) {
			m.logger.Info("Session: reconnecting with refreshed token")
			m.connect()
		}
	default:
		// The next init carries the token.
		m.complete(r, nil)
	}
}

func (m *machine) watchToken() {
	if d, ok := refreshDelay(m.token, m.cfg.tokenMargin, m.now()); ok {
		m.startTimer(timerToken, d)
		return
	}
	m.stopTimer(timerToken)
}

func (m *machine) onNetwork(reachable bool) {
	if !reachable {
		m.reachable = false
		switch m.state.Kind {
		case connection.StateConnecting, connection.StateInitializing,
			connection.StateConnected, connection.StateThrottling:
			m.nonFatal(ErrNetworkUnreachable)
		case connection.StateWaitAndReconnect:
			m.stopTimer(timerReconnect)
			m.setState(connection.State{Kind: connection.StateWaitAndReconnect, Reason: ErrNetworkUnreachable})
		}
		return
	}

	m.reachable = true
	if m.state.Is(connection.StateWaitAndReconnect) {
		m.connect()
	}
}

func (m *machine) onSocketConnected(gen uint64) {
	if gen != m.socketGen || !m.state.Is(connection.StateConnecting) {
		return
	}

	init := &wire.Init{
		Header:            wire.Header{Method: wire.MethodInit},
		Capabilities:      m.cfg.capabilities,
		Token:             m.token,
		ContinuationToken: m.continuation,
		Registrations:     m.cfg.registrations,
		Tweaks:            m.cfg.tweaks,
		Metadata:          m.cfg.metadata,
	}
	r := m.newRequest(init, m.cfg.initTimeout)
	m.initReq = r
	m.setState(connection.State{Kind: connection.StateInitializing})
	m.transmit(r)
}

func (m *machine) onSocketDisconnected(gen uint64, err error) {
	if gen != m.socketGen {
		return
	}
	switch m.state.Kind {
	case connection.StateDisconnected, connection.StateWaitAndReconnect:
		return
	}

	if transport.IsFatal(err) {
		m.enterDisconnected(err, true)
		return
	}
	if err == nil {
		err = ErrTransportDisconnected
	}
	m.nonFatal(fmt.Errorf("%w: %w", ErrTransportDisconnected, err))
}

func (m *machine) onSocketMessage(gen uint64, data []byte) {
	if gen != m.socketGen {
		return
	}
	switch m.state.Kind {
	case connection.StateInitializing:
	case connection.StateConnected, connection.StateThrottling:
		m.startTimer(timerWatchdog, m.cfg.watchdog)
	default:
		return
	}

	msg, err := wire.Decode(data)
	if err != nil {
		m.enterDisconnected(err, true)
		return
	}

	var matched *Request
	if reply, ok := msg.(*wire.Reply); ok {
		matched = m.sent[reply.ID]
	}
	m.emit(effect{kind: effInbound, msg: msg, req: matched})

	switch msg := msg.(type) {
	case *wire.Reply:
		m.onReply(msg)
	case *wire.Ping:
		m.ack(msg.ID)
	case *wire.Notification:
		m.ack(msg.ID)
		m.emit(effect{kind: effNotification, msg: msg})
	case *wire.ClientUpdate:
		m.ack(msg.ID)
		m.emit(effect{kind: effClientUpdate, msg: msg})
		switch msg.ClientUpdateType {
		case wire.ClientUpdateTokenAboutToExpire:
			m.emit(effect{kind: effTokenSignal})
		case wire.ClientUpdateTokenExpired:
			m.emit(effect{kind: effTokenSignal, expired: true})
		}
	case *wire.Close:
		m.onClose(msg)
	default:
		h := msg.Envelope()
		m.logger.Debug("Session: ignoring inbound frame", "method", h.Method, "id", h.ID)
	}
}

func (m *machine) onClose(msg *wire.Close) {
	fatal, err := classifyClose(msg.Status)
	switch {
	case fatal:
	case msg.Status.Code == wire.CodeRedirect:
		m.logger.Info("Session: gateway redirected connection", "status", msg.Status.String())
	default:
		m.logger.Warn("Session: gateway closed connection", "status", msg.Status.String())
	}

	if errors.Is(err, ErrTokenExpired) {
		m.emit(effect{kind: effTokenSignal, expired: true})
	}
	if fatal {
		m.enterDisconnected(err, true)
		return
	}
	m.nonFatal(err)
}

func (m *machine) onReply(reply *wire.Reply) {
	r, ok := m.sent[reply.ID]
	if !ok {
		m.logger.Debug("Session: dropping unmatched reply", "id", reply.ID)
		return
	}
	delete(m.sent, reply.ID)

	if tok := reply.ContinuationToken; tok != "" && tok != m.continuation {
		m.continuation = tok
		m.emit(effect{kind: effSaveContinuation, token: tok})
	}

	err := statusError(reply.Status)
	if r == m.initReq {
		m.initReq = nil
		m.onInitReply(r, reply, err)
		return
	}

	switch {
	case err == nil:
		m.complete(r, reply)
	case errors.Is(err, ErrTooManyRequests):
		// Not processed by the gateway; resend first once throttling ends.
		m.pending = append([]*Request{r}, m.pending...)
		if m.state.Is(connection.StateConnected) {
			m.enterThrottling(m.throttleWait(reply))
		}
	case errors.Is(err, ErrTokenExpired):
		m.fail(r, err)
		m.emit(effect{kind: effTokenSignal, expired: true})
		m.enterDisconnected(err, true)
	case errors.Is(err, ErrUnauthorized):
		m.fail(r, err)
		m.enterDisconnected(err, true)
	default:
		m.fail(r, err)
	}
}

func (m *machine) onInitReply(r *Request, reply *wire.Reply, err error) {
	switch {
	case err == nil:
		m.complete(r, reply)
		m.epoch++
		m.enterConnected()
	case errors.Is(err, ErrTooManyRequests):
		m.fail(r, err)
		m.enterWaitAndReconnect(err, m.throttleWait(reply))
	case errors.Is(err, ErrTokenExpired):
		m.fail(r, err)
		m.emit(effect{kind: effTokenSignal, expired: true})
		m.enterDisconnected(err, true)
	case errors.Is(err, ErrUnauthorized):
		m.fail(r, err)
		m.enterDisconnected(err, true)
	default:
		m.fail(r, err)
		m.nonFatal(err)
	}
}

// throttleWait picks a wait in the reply's window, or the configured
// fallback window.
func (m *machine) throttleWait(reply *wire.Reply) time.Duration {
	lo, hi, ok := reply.ThrottleWindow()
	if !ok {
		lo, hi = m.cfg.throttleMin, m.cfg.throttleMax
	}
	wait := connection.RandomIn(lo, hi)
	m.logger.Info("Session: throttled by gateway", "wait", wait)
	return wait
}

func (m *machine) onTimer(k timerKind, gen uint64) {
	if gen != m.timerGen[k] {
		return
	}
	switch k {
	case timerReconnect:
		if m.state.Is(connection.StateWaitAndReconnect) {
			m.connect()
		}
	case timerThrottle:
		if m.state.Is(connection.StateThrottling) {
			m.enterConnected()
		}
	case timerWatchdog:
		if m.state.Is(connection.StateConnected) || m.state.Is(connection.StateThrottling) {
			m.nonFatal(fmt.Errorf("%w: no inbound traffic for %v", ErrTimeout, m.cfg.watchdog))
		}
	case timerToken:
		m.emit(effect{kind: effTokenSignal})
	}
}
