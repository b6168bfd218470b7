package commands

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rtsync/rtsync-go/pkg/log"
	"github.com/rtsync/rtsync-go/pkg/wire"
)

const sessionID = "7d3e9a10-2b4c-4f5e-8a9b-0c1d2e3f4a5b"

var traceStart = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

// traceBuilder assembles the records a client writes, in order.
type traceBuilder struct {
	t      *testing.T
	at     time.Time
	events []log.Event
}

func newTrace(t *testing.T) *traceBuilder {
	return &traceBuilder{t: t, at: traceStart}
}

func (b *traceBuilder) after(d time.Duration) *traceBuilder {
	b.at = b.at.Add(d)
	return b
}

func (b *traceBuilder) add(ev log.Event) {
	ev.Timestamp = b.at
	ev.ConnectionID = sessionID
	ev.URL = "wss://gw.example.com/v3"
	b.events = append(b.events, ev)
}

// frame records msg twice, raw and decoded, as the session does.
func (b *traceBuilder) frame(dir log.Direction, msg wire.Message, rtt time.Duration) *traceBuilder {
	data, err := wire.Encode(msg)
	require.NoError(b.t, err)
	b.add(log.Event{Direction: dir, Layer: log.LayerTransport, Frame: log.NewFrameEvent(data)})

	me := log.NewMessageEvent(msg)
	if rtt > 0 {
		me.RoundTrip = &rtt
	}
	b.add(log.Event{
		Direction: dir,
		Layer:     log.LayerWire,
		Category:  log.CategoryOf(msg.Envelope().Method),
		Message:   me,
	})
	return b
}

func (b *traceBuilder) session(from, to, reason string) *traceBuilder {
	b.add(log.Event{
		Layer:       log.LayerSession,
		Category:    log.CategoryState,
		StateChange: &log.StateChangeEvent{Entity: log.StateEntitySession, OldState: from, NewState: to, Reason: reason},
	})
	return b
}

func (b *traceBuilder) entity(id, from, to string) *traceBuilder {
	b.add(log.Event{
		Layer:       log.LayerSubscription,
		Category:    log.CategoryState,
		StateChange: &log.StateChangeEvent{Entity: log.StateEntitySubscription, Subject: id, OldState: from, NewState: to},
	})
	return b
}

func (b *traceBuilder) failure(msg string, code int, fatal bool) *traceBuilder {
	e := &log.ErrorEventData{Layer: log.LayerSession, Message: msg, Context: "init", Fatal: fatal}
	if code != 0 {
		e.Code = &code
	}
	b.add(log.Event{Layer: log.LayerSession, Category: log.CategoryError, Error: e})
	return b
}

func initFrame(id string) *wire.Init {
	return &wire.Init{Header: wire.Header{Method: wire.MethodInit, ID: id}, Token: "tok"}
}

func reply(id string, code int, payload string) *wire.Reply {
	r := wire.NewReply(id, wire.Status{Status: "ok", Code: code})
	r.Payload = []byte(payload)
	return r
}

func establish(id string, entities ...string) *wire.Request {
	body := `{"action":"establish","requests":[`
	for i, e := range entities {
		if i > 0 {
			body += ","
		}
		body += `{"entity_id":"` + e + `"}`
	}
	return &wire.Request{
		Header: wire.Header{Method: wire.MethodMessage, ID: id, Payload: []byte(body + "]}")},
		Target: "subscriptions",
	}
}

func push(id, entity string) *wire.Notification {
	return &wire.Notification{
		Header:      wire.Header{Method: wire.MethodNotification, ID: id, Payload: []byte(`{"entity_id":"` + entity + `","event_type":"message_added"}`)},
		MessageType: "rtsync.event",
	}
}

// reconnectTrace covers an init, two subscriptions, a push, a dropped
// socket and a rejected re-init.
func reconnectTrace(t *testing.T) []log.Event {
	return newTrace(t).
		session("DISCONNECTED", "CONNECTING", "").
		after(5*time.Millisecond).frame(log.DirectionOut, initFrame("TM1"), 0).
		after(40*time.Millisecond).frame(log.DirectionIn, reply("TM1", 200, ""), 40*time.Millisecond).
		session("INITIALIZING", "CONNECTED", "").
		after(10*time.Millisecond).frame(log.DirectionOut, establish("RQ1", "CH1", "CH2"), 0).
		after(10*time.Millisecond).frame(log.DirectionIn, reply("RQ1", 200, `{"max_batch_size":50}`), 10*time.Millisecond).
		entity("CH1", "SUBSCRIBING", "ESTABLISHED").
		entity("CH2", "SUBSCRIBING", "FAILED").
		after(time.Second).frame(log.DirectionIn, push("TM2", "CH1"), 0).
		after(time.Second).session("CONNECTED", "WAIT_AND_RECONNECT", "unexpected EOF").
		after(time.Second).frame(log.DirectionOut, initFrame("TM3"), 0).
		after(200*time.Millisecond).frame(log.DirectionIn, reply("TM3", 401, ""), 200*time.Millisecond).
		failure("init rejected: 401", 401, true).
		events
}

func writeTrace(t *testing.T, dir, name string, events []log.Event) string {
	t.Helper()
	path := filepath.Join(dir, name)
	l, err := log.NewFileLogger(path)
	require.NoError(t, err)
	for _, ev := range events {
		l.Log(ev)
	}
	require.NoError(t, l.Close())
	return path
}

func TestWithRolledOrdersOldestFirst(t *testing.T) {
	dir := t.TempDir()
	events := reconnectTrace(t)
	path := writeTrace(t, dir, "protocol.cbor", events[8:])
	writeTrace(t, dir, "protocol.cbor.1", events[4:8])
	writeTrace(t, dir, "protocol.cbor.2", events[:4])

	src := WithRolled([]string{path})
	assert.Equal(t, Source{path + ".2", path + ".1", path}, src)

	var n int
	require.NoError(t, src.Each(log.Filter{}, func(ev log.Event) error {
		assert.Equal(t, events[n].Kind(), ev.Kind())
		n++
		return nil
	}))
	assert.Equal(t, len(events), n)
}

func TestWithRolledWithoutParts(t *testing.T) {
	path := filepath.Join(t.TempDir(), "protocol.cbor")
	assert.Equal(t, Source{path}, WithRolled([]string{path}))
}

func TestSourceReportsBadFile(t *testing.T) {
	dir := t.TempDir()
	bogus := filepath.Join(dir, "notes.txt")
	require.NoError(t, os.WriteFile(bogus, []byte("not a capture"), 0o644))

	err := Source{bogus}.Each(log.Filter{}, func(log.Event) error { return nil })
	require.Error(t, err)

	err = Source{filepath.Join(dir, "missing.cbor")}.Each(log.Filter{}, func(log.Event) error { return nil })
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestSelectionFilter(t *testing.T) {
	f, err := Selection{
		Direction: "OUT",
		Layer:     "wire",
		Category:  "control",
		Method:    "init",
		ID:        "TM1",
		Entity:    "CH1",
		Since:     "2026-03-01T09:00:00Z",
		Until:     "2026-03-01T10:00:00.5Z",
	}.Filter()
	require.NoError(t, err)

	require.NotNil(t, f.Direction)
	assert.Equal(t, log.DirectionOut, *f.Direction)
	assert.Equal(t, log.LayerWire, *f.Layer)
	assert.Equal(t, log.CategoryControl, *f.Category)
	assert.Equal(t, "TM1", f.MessageID)
	assert.Equal(t, "CH1", f.Subject)
	assert.Equal(t, traceStart, f.Since)
	assert.Equal(t, traceStart.Add(time.Hour+500*time.Millisecond), f.Until)

	empty, err := Selection{}.Filter()
	require.NoError(t, err)
	assert.Equal(t, log.Filter{}, empty)
}

func TestSelectionFilterErrors(t *testing.T) {
	tests := map[string]Selection{
		"invalid direction": {Direction: "sideways"},
		"invalid layer":     {Layer: "http"},
		"invalid category":  {Category: "noise"},
		"invalid since":     {Since: "yesterday"},
		"invalid until":     {Until: "1700000000"},
	}
	for want, sel := range tests {
		t.Run(want, func(t *testing.T) {
			_, err := sel.Filter()
			assert.ErrorContains(t, err, want)
		})
	}

	_, err := Selection{Layer: "http"}.Filter()
	assert.ErrorContains(t, err, "transport, wire, session, subscription")
}
