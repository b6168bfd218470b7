package subscription

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rtsync/rtsync-go/internal/mailbox"
	"github.com/rtsync/rtsync-go/pkg/connection"
	"github.com/rtsync/rtsync-go/pkg/log"
	"github.com/rtsync/rtsync-go/pkg/session"
	"github.com/rtsync/rtsync-go/pkg/wire"
)

// Session is the part of a session the coordinator uses.
type Session interface {
	SendOnConnection(ctx context.Context, epoch uint64, msg wire.Message, timeout time.Duration) (*wire.Reply, error)
	State() connection.State
	OnStateChange(fn func(connection.State)) func()
	OnNotification(fn func(*wire.Notification)) func()
}

var _ Session = (*session.Session)(nil)

// serverState is what the server knows about an entity's subscription.
type serverState uint8

const (
	serverNone serverState = iota
	serverEstablishing
	serverEstablished
	serverCancelling
)

// entry is the loop-owned bookkeeping for one entity.
type entry struct {
	id          string
	typ         string
	lastEventID *int64

	wanted bool
	server serverState
	state  State

	// batch is the correlation id of the in-flight batch naming this entry.
	batch    string
	queued   bool
	retrying bool

	stream *Stream
}

type batch struct {
	corr    string
	action  action
	entries []*entry
	cancel  context.CancelFunc
}

type commandKind uint8

const (
	cmdSubscribe commandKind = iota
	cmdUnsubscribe
	cmdFlush
	cmdRetry
	cmdBatchDone
	cmdSessionState
	cmdNotification
	cmdClose
)

type command struct {
	kind        commandKind
	entityID    string
	entityType  string
	lastEventID *int64
	stream      *Stream
	gen         uint64
	batch       *batch
	reply       *wire.Reply
	err         error
	state       connection.State
	note        *wire.Notification
}

// Coordinator batches subscribe and unsubscribe intents for one session.
// Entry bookkeeping is owned by a single loop goroutine; public methods only
// post commands and never wait for the network.
type Coordinator struct {
	cfg     Config
	session Session
	logger  *slog.Logger

	cmds     *mailbox.Mailbox[command]
	delivery *mailbox.Dispatcher

	mu      sync.Mutex
	streams map[string]*Stream
	closed  bool

	handlersMu sync.Mutex
	handlers   map[int]func(Event)
	nextID     int

	// Owned by the loop.
	entries      map[string]*entry
	queue        []*entry
	inflight     map[string]*batch
	batchSize    int
	retry        *connection.Backoff
	sessionState connection.StateKind
	epoch        uint64
	flushTimer   *time.Timer
	flushGen     uint64
	flushArmed   bool
	retryTimer   *time.Timer
	retryGen     uint64
	retryArmed   bool

	detach    []func()
	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
}

// New creates a coordinator bound to s.
func New(s Session, cfg Config) *Coordinator {
	cfg.applyDefaults()

	c := &Coordinator{
		cfg:       cfg,
		session:   s,
		logger:    cfg.Logger,
		cmds:      mailbox.New[command](),
		delivery:  mailbox.NewDispatcher(),
		streams:   make(map[string]*Stream),
		handlers:  make(map[int]func(Event)),
		entries:   make(map[string]*entry),
		inflight:  make(map[string]*batch),
		batchSize: cfg.InitialBatchSize,
		retry:     connection.NewBackoffWithConfig(cfg.retryBackoff()),
		done:      make(chan struct{}),
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())

	// Attach before reading the state so no transition is missed.
	c.detach = append(c.detach,
		s.OnStateChange(func(st connection.State) {
			c.cmds.Post(command{kind: cmdSessionState, state: st})
		}),
		s.OnNotification(func(n *wire.Notification) {
			c.cmds.Post(command{kind: cmdNotification, note: n})
		}),
	)
	st := s.State()
	c.sessionState, c.epoch = st.Kind, st.Epoch

	go c.run()
	return c
}

// Subscribe asks for events of an entity and returns its state stream.
// lastEventID, when set, asks the server to replay events after it.
// Subscribing an already wanted entity returns the same stream.
func (c *Coordinator) Subscribe(entityID, entityType string, lastEventID *int64) *Stream {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		closed := newStream(entityID, State{Kind: StateFailed, Err: ErrClosed})
		closed.close()
		return closed
	}
	st, ok := c.streams[entityID]
	if !ok {
		st = newStream(entityID, State{Kind: StatePending})
		c.streams[entityID] = st
	}
	c.cmds.Post(command{
		kind:        cmdSubscribe,
		entityID:    entityID,
		entityType:  entityType,
		lastEventID: lastEventID,
		stream:      st,
	})
	return st
}

// Unsubscribe drops interest in an entity.
func (c *Coordinator) Unsubscribe(entityID string) {
	c.cmds.Post(command{kind: cmdUnsubscribe, entityID: entityID})
}

// State returns the current state of an entity's subscription.
func (c *Coordinator) State(entityID string) State {
	c.mu.Lock()
	st, ok := c.streams[entityID]
	c.mu.Unlock()
	if !ok {
		return State{Kind: StateUnsubscribed}
	}
	return st.Current()
}

// OnEvent registers fn for every domain event, subscribed or not. Handlers
// run on a dedicated goroutine in arrival order. The returned function
// removes fn.
func (c *Coordinator) OnEvent(fn func(Event)) func() {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	id := c.nextID
	c.nextID++
	c.handlers[id] = fn
	return func() {
		c.handlersMu.Lock()
		defer c.handlersMu.Unlock()
		delete(c.handlers, id)
	}
}

// Close stops the coordinator and closes every stream. Subscriptions are
// left to expire with the session.
func (c *Coordinator) Close() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()

		c.cmds.Post(command{kind: cmdClose})
		<-c.done
		c.cancel()
		for _, off := range c.detach {
			off()
		}
		c.delivery.Stop()

		c.mu.Lock()
		defer c.mu.Unlock()
		for _, st := range c.streams {
			st.close()
		}
	})
}

func (c *Coordinator) run() {
	defer close(c.done)
	for range c.cmds.Ready() {
		for {
			cmd, ok := c.cmds.Take()
			if !ok {
				break
			}
			if cmd.kind == cmdClose {
				c.shutdown()
				return
			}
			c.handle(cmd)
		}
	}
}

func (c *Coordinator) shutdown() {
	c.cmds.Close()
	c.cancelInflight()
	if c.flushTimer != nil {
		c.flushTimer.Stop()
	}
	if c.retryTimer != nil {
		c.retryTimer.Stop()
	}
}

func (c *Coordinator) handle(cmd command) {
	switch cmd.kind {
	case cmdSubscribe:
		c.onSubscribe(cmd)
	case cmdUnsubscribe:
		c.onUnsubscribe(cmd.entityID)
	case cmdFlush:
		if cmd.gen == c.flushGen {
			c.flushArmed = false
			c.flush()
		}
	case cmdRetry:
		if cmd.gen == c.retryGen {
			c.retryArmed = false
			c.onRetry()
		}
	case cmdBatchDone:
		c.onBatchDone(cmd.batch, cmd.reply, cmd.err)
	case cmdSessionState:
		c.onSessionState(cmd.state)
	case cmdNotification:
		c.onNotification(cmd.note)
	}
}

func (c *Coordinator) onSubscribe(cmd command) {
	e, ok := c.entries[cmd.entityID]
	switch {
	case !ok:
		e = &entry{id: cmd.entityID, stream: cmd.stream, state: cmd.stream.Current()}
		c.entries[e.id] = e
	case e.stream != cmd.stream:
		// The entry's stream was dropped and Subscribe made a new one.
		cmd.stream.set(e.state)
		e.stream = cmd.stream
	}
	c.mu.Lock()
	c.streams[e.id] = e.stream
	c.mu.Unlock()

	e.typ = cmd.entityType
	if id := cmd.lastEventID; id != nil && (e.lastEventID == nil || *id > *e.lastEventID) {
		e.lastEventID = id
	}
	if e.wanted && !e.state.Is(StateFailed) {
		return
	}
	e.wanted = true

	switch e.server {
	case serverNone:
		c.setState(e, State{Kind: StatePending})
		c.enqueue(e)
	case serverEstablishing:
		c.setState(e, State{Kind: StateSubscribing})
	case serverEstablished:
		c.setState(e, State{Kind: StateEstablished})
	case serverCancelling:
		// A fresh establish follows the cancel.
		c.setState(e, State{Kind: StatePending})
	}
}

func (c *Coordinator) onUnsubscribe(id string) {
	e, ok := c.entries[id]
	if !ok || !e.wanted {
		return
	}
	e.wanted = false
	c.setState(e, State{Kind: StateUnsubscribed})

	switch e.server {
	case serverNone:
		c.remove(e)
	case serverEstablished:
		c.enqueue(e)
	}
	// In-flight batches are re-evaluated when they resolve.
}

func (c *Coordinator) remove(e *entry) {
	e.queued = false
	e.retrying = false
	delete(c.entries, e.id)

	// Unwatched streams are dropped; a later Subscribe starts a new one.
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.streams[e.id] == e.stream && !e.stream.listening() {
		delete(c.streams, e.id)
	}
}

func (c *Coordinator) enqueue(e *entry) {
	if !e.queued {
		e.queued = true
		c.queue = append(c.queue, e)
	}
	c.scheduleFlush()
}

func (c *Coordinator) scheduleFlush() {
	if c.flushArmed {
		return
	}
	c.flushArmed = true
	c.flushGen++
	gen := c.flushGen
	c.flushTimer = time.AfterFunc(c.cfg.BatchWindow, func() {
		c.cmds.Post(command{kind: cmdFlush, gen: gen})
	})
}

func (c *Coordinator) scheduleRetry() {
	if c.retryArmed {
		return
	}
	c.retryArmed = true
	c.retryGen++
	gen := c.retryGen
	wait := c.retry.Next()
	c.logger.Debug("Subscription: retrying batch", "wait", wait, "attempt", c.retry.Attempts())
	c.retryTimer = time.AfterFunc(wait, func() {
		c.cmds.Post(command{kind: cmdRetry, gen: gen})
	})
}

// flush sends what is queued, at most one batch per action. Leftovers go in
// the next window. Nothing is sent until the session is Connected.
func (c *Coordinator) flush() {
	if c.sessionState != connection.StateConnected {
		return
	}

	var establish, cancel, rest []*entry
	for _, e := range c.queue {
		if !e.queued || c.entries[e.id] != e {
			continue
		}
		switch {
		case e.wanted && e.server == serverNone && !e.state.Is(StateFailed):
			if len(establish) < c.batchSize {
				e.queued = false
				establish = append(establish, e)
				continue
			}
		case !e.wanted && e.server == serverEstablished:
			if len(cancel) < c.batchSize {
				e.queued = false
				cancel = append(cancel, e)
				continue
			}
		default:
			e.queued = false
			continue
		}
		rest = append(rest, e)
	}
	c.queue = rest

	if len(establish) > 0 {
		c.send(actionEstablish, establish)
	}
	if len(cancel) > 0 {
		c.send(actionCancel, cancel)
	}
	if len(c.queue) > 0 {
		c.scheduleFlush()
	}
}

func (c *Coordinator) send(act action, entries []*entry) {
	b := &batch{corr: uuid.NewString(), action: act, entries: entries}

	body := batchRequest{
		EventProtocolVersion: c.cfg.EventProtocolVersion,
		Action:               act,
		CorrelationID:        b.corr,
		RetriedRequests:      c.retry.Attempts(),
		Requests:             make([]entityEntry, 0, len(entries)),
	}
	for _, e := range entries {
		req := entityEntry{EntityID: e.id, EntityType: e.typ}
		if act == actionEstablish {
			req.LastEventID = e.lastEventID
		}
		body.Requests = append(body.Requests, req)
	}
	msg, err := newBatchMessage(c.cfg, body)
	if err != nil {
		c.logger.Error("Subscription: cannot build batch", "error", err)
		return
	}

	for _, e := range entries {
		e.batch = b.corr
		if act == actionEstablish {
			e.server = serverEstablishing
			c.setState(e, State{Kind: StateSubscribing})
		} else {
			e.server = serverCancelling
		}
	}
	c.inflight[b.corr] = b

	c.logger.Debug("Subscription: sending batch",
		"action", string(act),
		"correlation_id", b.corr,
		"entities", len(entries))

	var ctx context.Context
	ctx, b.cancel = context.WithCancel(c.ctx)
	epoch, timeout := c.epoch, c.cfg.RequestTimeout
	go func() {
		reply, err := c.session.SendOnConnection(ctx, epoch, msg, timeout)
		c.cmds.Post(command{kind: cmdBatchDone, batch: b, reply: reply, err: err})
	}()
}

// cancelInflight abandons every in-flight batch. Their requests leave the
// session's tables and late replies are ignored.
func (c *Coordinator) cancelInflight() {
	for _, corr := range slices.Sorted(maps.Keys(c.inflight)) {
		b := c.inflight[corr]
		b.cancel()
		c.abandon(b)
	}
	clear(c.inflight)
}

// abandon detaches b from its entries without a retry. Wanted entries wait
// as pending for the resync of the next connection.
func (c *Coordinator) abandon(b *batch) {
	for _, e := range c.live(b) {
		e.batch = ""
		if b.action == actionCancel {
			e.server = serverEstablished
			continue
		}
		e.server = serverNone
		if !e.wanted {
			c.remove(e)
			continue
		}
		c.setState(e, State{Kind: StatePending})
	}
}

// live returns the entries of b that still wait for it.
func (c *Coordinator) live(b *batch) []*entry {
	var out []*entry
	for _, e := range b.entries {
		if c.entries[e.id] == e && e.batch == b.corr {
			out = append(out, e)
		}
	}
	return out
}

func (c *Coordinator) onBatchDone(b *batch, reply *wire.Reply, err error) {
	b.cancel()
	delete(c.inflight, b.corr)
	err = batchError(reply, err)

	switch {
	case err == nil:
		c.retry.Reset()
		size, delivery := parseBatchReply(reply)
		if size > 0 && size != c.batchSize {
			c.logger.Debug("Subscription: batch size changed", "from", c.batchSize, "to", size)
			c.batchSize = size
		}
		c.logger.Debug("Subscription: batch accepted",
			"action", string(b.action),
			"correlation_id", b.corr,
			"estimated_delivery", delivery)
		for _, e := range c.live(b) {
			c.resolve(e, b.action)
		}

	case errors.Is(err, session.ErrNotConnected):
		c.logger.Debug("Subscription: batch missed its connection", "correlation_id", b.corr)
		c.abandon(b)

	case isNotFound(err):
		for _, e := range c.live(b) {
			if b.action == actionEstablish {
				c.fail(e, fmt.Errorf("%w: %s", ErrNotFound, e.id))
			} else {
				c.resolve(e, actionCancel)
			}
		}

	default:
		live := c.live(b)
		if len(live) == 0 {
			return
		}
		c.logger.Warn("Subscription: batch failed",
			"action", string(b.action),
			"correlation_id", b.corr,
			"error", err)
		c.captureError(err, b)
		for _, e := range live {
			c.retryLater(e, b.action)
		}
		c.scheduleRetry()
	}
}

// resolve applies a successful establish or cancel and re-evaluates the
// entry against what the user wants now.
func (c *Coordinator) resolve(e *entry, act action) {
	e.batch = ""
	switch act {
	case actionEstablish:
		e.server = serverEstablished
		if e.wanted {
			c.setState(e, State{Kind: StateEstablished})
		} else {
			c.enqueue(e)
		}
	case actionCancel:
		e.server = serverNone
		if e.wanted {
			c.setState(e, State{Kind: StatePending})
			c.enqueue(e)
		} else {
			c.remove(e)
		}
	}
}

func (c *Coordinator) fail(e *entry, err error) {
	e.batch = ""
	e.server = serverNone
	if !e.wanted {
		c.remove(e)
		return
	}
	c.logger.Info("Subscription: failed", "entity", e.id, "error", err)
	c.setState(e, State{Kind: StateFailed, Err: err})
}

func (c *Coordinator) retryLater(e *entry, act action) {
	e.batch = ""
	switch act {
	case actionEstablish:
		e.server = serverNone
		if !e.wanted {
			c.remove(e)
			return
		}
		c.setState(e, State{Kind: StatePending})
		e.retrying = true
	case actionCancel:
		e.server = serverEstablished
		if e.wanted {
			c.setState(e, State{Kind: StateEstablished})
			return
		}
		e.retrying = true
	}
}

func (c *Coordinator) onRetry() {
	for _, id := range slices.Sorted(maps.Keys(c.entries)) {
		e := c.entries[id]
		if e.retrying {
			e.retrying = false
			c.enqueue(e)
		}
	}
	c.flush()
}

func (c *Coordinator) onSessionState(st connection.State) {
	prev := c.sessionState
	c.sessionState = st.Kind
	switch st.Kind {
	case connection.StateConnected:
		c.epoch = st.Epoch
	case connection.StateThrottling:
		c.epoch = st.Epoch
		return
	default:
		// The connection is gone; a new one is re-established from scratch.
		c.cancelInflight()
		return
	}
	if prev == connection.StateConnected {
		return
	}
	if prev == connection.StateThrottling {
		c.flush()
		return
	}
	c.resync()
	c.flush()
}

// resync re-establishes every wanted entry on a new connection.
func (c *Coordinator) resync() {
	c.cancelInflight()
	for _, id := range slices.Sorted(maps.Keys(c.entries)) {
		e := c.entries[id]
		e.batch = ""
		e.retrying = false
		if !e.wanted {
			c.remove(e)
			continue
		}
		if e.state.Is(StateFailed) {
			continue
		}
		e.server = serverNone
		c.setState(e, State{Kind: StatePending})
		if !e.queued {
			e.queued = true
			c.queue = append(c.queue, e)
		}
	}
	c.logger.Debug("Subscription: resubscribing after reconnect", "entities", len(c.queue))
}

func (c *Coordinator) onNotification(n *wire.Notification) {
	if n.MessageType != NotificationType {
		return
	}
	var p eventPayload
	if err := json.Unmarshal(n.Payload, &p); err != nil {
		c.logger.Warn("Subscription: malformed event", "id", n.ID, "error", err)
		return
	}

	e := c.entries[p.EntityID]
	matches := e != nil && e.batch != "" && (p.CorrelationID == "" || p.CorrelationID == e.batch)

	switch p.EventType {
	case EventEstablished:
		if matches && e.server == serverEstablishing {
			c.resolve(e, actionEstablish)
		}
	case EventCanceled:
		if matches && e.server == serverCancelling {
			c.resolve(e, actionCancel)
		}
	case EventFailed:
		if !matches {
			return
		}
		act := actionEstablish
		if e.server == serverCancelling {
			act = actionCancel
		}
		switch {
		case p.Status == wire.CodeNotFound && act == actionEstablish:
			c.fail(e, fmt.Errorf("%w: %s", ErrNotFound, e.id))
		case p.Status == wire.CodeNotFound:
			c.resolve(e, actionCancel)
		default:
			c.retryLater(e, act)
			c.scheduleRetry()
		}
	default:
		if e != nil && p.EventID != nil && (e.lastEventID == nil || *p.EventID > *e.lastEventID) {
			e.lastEventID = p.EventID
		}
		c.dispatch(Event{
			EntityID:   p.EntityID,
			EntityType: p.EntityType,
			EventType:  p.EventType,
			EventID:    p.EventID,
			Data:       p.Data,
		})
	}
}

func (c *Coordinator) dispatch(ev Event) {
	c.handlersMu.Lock()
	fns := make([]func(Event), 0, len(c.handlers))
	for _, id := range slices.Sorted(maps.Keys(c.handlers)) {
		fns = append(fns, c.handlers[id])
	}
	c.handlersMu.Unlock()
	if len(fns) == 0 {
		return
	}
	c.delivery.Go(func() {
		for _, fn := range fns {
			fn(ev)
		}
	})
}

func (c *Coordinator) setState(e *entry, st State) {
	prev := e.state
	e.state = st
	if !e.stream.set(st) {
		return
	}
	c.captureState(e.id, prev, st)
}

func (c *Coordinator) captureState(id string, prev, next State) {
	sc := &log.StateChangeEvent{
		Entity:   log.StateEntitySubscription,
		OldState: prev.Kind.String(),
		NewState: next.Kind.String(),
		Subject:  id,
	}
	if next.Err != nil {
		sc.Reason = next.Err.Error()
	}
	c.cfg.ProtocolLogger.Log(log.Event{
		Timestamp:    time.Now(),
		ConnectionID: c.cfg.ConnectionID,
		Layer:        log.LayerSubscription,
		Category:     log.CategoryState,
		StateChange:  sc,
	})
}

func (c *Coordinator) captureError(err error, b *batch) {
	c.cfg.ProtocolLogger.Log(log.Event{
		Timestamp:    time.Now(),
		ConnectionID: c.cfg.ConnectionID,
		Layer:        log.LayerSubscription,
		Category:     log.CategoryError,
		Error: &log.ErrorEventData{
			Layer:   log.LayerSubscription,
			Message: err.Error(),
			Context: string(b.action) + " " + b.corr,
		},
	})
}
