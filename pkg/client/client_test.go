package client

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rtsync/rtsync-go/pkg/config"
	"github.com/rtsync/rtsync-go/pkg/connection"
	"github.com/rtsync/rtsync-go/pkg/log"
	"github.com/rtsync/rtsync-go/pkg/persistence"
	"github.com/rtsync/rtsync-go/pkg/subscription"
	"github.com/rtsync/rtsync-go/pkg/version"
	"github.com/rtsync/rtsync-go/pkg/wire"
)

// gateway is a minimal server side of the protocol: it accepts init,
// accepts every subscription batch and pushes one event per entity.
type gateway struct {
	srv    *httptest.Server
	tokens chan string
	inits  atomic.Int32
	init   atomic.Pointer[wire.Init]
}

func newGateway(t *testing.T) *gateway {
	t.Helper()
	g := &gateway{tokens: make(chan string, 4)}
	upgrader := websocket.Upgrader{}
	g.srv = httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close()
		g.serve(t, c)
	}))
	t.Cleanup(g.srv.Close)
	return g
}

func (g *gateway) url() string {
	return strings.Replace(g.srv.URL, "https://", "wss://", 1)
}

func (g *gateway) serve(t *testing.T, c *websocket.Conn) {
	write := func(msg wire.Message) bool {
		data, err := wire.Encode(msg)
		if err != nil {
			t.Errorf("encode: %v", err)
			return false
		}
		return c.WriteMessage(websocket.TextMessage, data) == nil
	}

	for {
		_, data, err := c.ReadMessage()
		if err != nil {
			return
		}
		msg, err := wire.Decode(data)
		if err != nil {
			t.Errorf("decode: %v", err)
			return
		}
		switch m := msg.(type) {
		case *wire.Init:
			g.inits.Add(1)
			g.init.Store(m)
			g.tokens <- m.Token
			reply := wire.NewReply(m.ID, wire.StatusOK)
			reply.ContinuationToken = "ct-1"
			if !write(reply) {
				return
			}

		case *wire.Request:
			var batch struct {
				Action        string `json:"action"`
				CorrelationID string `json:"correlation_id"`
				Requests      []struct {
					EntityID   string `json:"entity_id"`
					EntityType string `json:"entity_type"`
				} `json:"requests"`
			}
			if err := json.Unmarshal(m.Payload, &batch); err != nil {
				t.Errorf("batch payload: %v", err)
				return
			}
			reply := wire.NewReply(m.ID, wire.StatusOK)
			reply.HTTPStatus = &wire.HTTPStatus{Code: 202, Status: "Accepted"}
			reply.Payload = []byte(`{"estimated_delivery_in_ms": 10, "max_batch_size": 50}`)
			if !write(reply) {
				return
			}
			if batch.Action != "establish" {
				continue
			}
			for i, req := range batch.Requests {
				ev, _ := json.Marshal(map[string]any{
					"event_type":  "message_added",
					"entity_id":   req.EntityID,
					"entity_type": req.EntityType,
					"event_id":    i + 1,
					"data":        map[string]string{"body": "hello"},
				})
				n := &wire.Notification{
					Header:      wire.Header{Method: wire.MethodNotification, ID: "n-" + req.EntityID, Payload: ev},
					MessageType: subscription.NotificationType,
				}
				if !write(n) {
					return
				}
			}
		}
	}
}

func testConfig(t *testing.T, g *gateway) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg, err := config.Parse([]byte(`
url: ` + g.url() + `
tls:
  insecure_skip_verify: true
reconnect:
  jitter: 0
subscriptions:
  batch_window: 10ms
metadata:
  app: tests
continuation_file: ` + filepath.Join(dir, "continuation.json") + `
protocol_log: ` + filepath.Join(dir, "protocol.cbor") + `
`))
	require.NoError(t, err)
	return cfg
}

func waitState(t *testing.T, ch <-chan subscription.State, kind subscription.StateKind) {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case st, ok := <-ch:
			require.True(t, ok, "stream closed before %s", kind)
			if st.Is(kind) {
				return
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s", kind)
		}
	}
}

func TestClientEndToEnd(t *testing.T) {
	g := newGateway(t)
	cfg := testConfig(t, g)

	var supplied atomic.Int32
	tokens := func(ctx context.Context) (string, error) {
		supplied.Add(1)
		return "tok-1", nil
	}

	var logs, trace bytes.Buffer
	traceLogger := slog.New(slog.NewTextHandler(&trace, &slog.HandlerOptions{Level: slog.LevelDebug}))
	c, err := New(cfg, tokens,
		WithLogger(NewLogger(&logs, "debug")),
		WithProtocolLogger(log.NewSlogAdapter(traceLogger)))
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	events := make(chan subscription.Event, 4)
	c.Subscriptions().OnEvent(func(ev subscription.Event) { events <- ev })

	require.NoError(t, c.Connect(context.Background()))
	assert.Equal(t, "tok-1", <-g.tokens)
	assert.Equal(t, int32(1), supplied.Load())
	init := g.init.Load()
	require.NotNil(t, init)
	assert.Equal(t, "tests", init.Metadata["app"])
	assert.Equal(t, version.SDKName, init.Metadata["sdk"])

	stream := c.Subscriptions().Subscribe("CH1", "channel", nil)
	ch, cancel := stream.Listen()
	defer cancel()
	waitState(t, ch, subscription.StateEstablished)

	select {
	case ev := <-events:
		assert.Equal(t, "CH1", ev.EntityID)
		assert.Equal(t, "message_added", ev.EventType)
		require.NotNil(t, ev.EventID)
		assert.Equal(t, int64(1), *ev.EventID)
		assert.JSONEq(t, `{"body":"hello"}`, string(ev.Data))
	case <-time.After(5 * time.Second):
		t.Fatal("no event delivered")
	}
	assert.True(t, c.Session().State().Is(connection.StateConnected))

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	assert.Equal(t, int32(1), g.inits.Load())

	tok, err := persistence.NewContinuationFile(cfg.ContinuationFile).Load()
	require.NoError(t, err)
	assert.Equal(t, "ct-1", tok)

	r, err := log.OpenCapture(cfg.ProtocolLog)
	require.NoError(t, err)
	defer r.Close()
	assert.Equal(t, log.CaptureFormat, r.Header().Format)
	var count int
	var sentInit bool
	for ev, err := range r.Events(log.Filter{}) {
		require.NoError(t, err)
		assert.Equal(t, c.Session().ID(), ev.ConnectionID)
		if ev.Frame != nil && ev.Direction == log.DirectionOut && ev.Frame.Method == "init" {
			sentInit = true
		}
		count++
	}
	assert.Positive(t, count)
	assert.True(t, sentInit, "outgoing init frame recorded with its method")
	assert.Contains(t, trace.String(), "msg=\"sent init\"")
	assert.Contains(t, trace.String(), "msg=\"subscription state\"")
	assert.Contains(t, logs.String(), "client created")
}

func TestClientResumesContinuation(t *testing.T) {
	g := newGateway(t)
	cfg := testConfig(t, g)
	cfg.ProtocolLog = ""

	store := persistence.NewMemoryStore("ct-0")
	c, err := New(cfg, nil,
		WithLogger(NewLogger(io.Discard, "")),
		WithContinuationStore(store))
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.Session().UpdateToken(context.Background(), "tok-2"))
	require.NoError(t, c.Connect(context.Background()))
	assert.Equal(t, "tok-2", <-g.tokens)

	require.Eventually(t, func() bool {
		tok, _ := store.Load()
		return tok == "ct-1"
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, store.Saves())
}

func TestNewErrors(t *testing.T) {
	_, err := New(nil, nil)
	require.Error(t, err)

	cfg, err := config.Parse([]byte("url: wss://gateway.example.com\nprotocol_log: " +
		filepath.Join(t.TempDir(), "missing", "protocol.cbor") + "\n"))
	require.NoError(t, err)
	_, err = New(cfg, nil, WithLogger(NewLogger(io.Discard, "")))
	assert.ErrorContains(t, err, "open protocol log")

	cfg.ProtocolLog = ""
	cfg.TLS.RootCAFile = filepath.Join(t.TempDir(), "ca.pem")
	_, err = New(cfg, nil, WithLogger(NewLogger(io.Discard, "")))
	var le *config.LoadError
	assert.ErrorAs(t, err, &le)
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(&buf, "warn")
	l.Info("hidden")
	l.Warn("shown")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "shown")

	buf.Reset()
	NewLogger(&buf, "").Debug("hidden")
	assert.Empty(t, buf.String())
}
