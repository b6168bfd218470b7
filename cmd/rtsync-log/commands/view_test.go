package commands

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rtsync/rtsync-go/pkg/log"
)

func viewLines(t *testing.T, f log.Filter, opts ViewOptions) []string {
	t.Helper()
	path := writeTrace(t, t.TempDir(), "protocol.cbor", reconnectTrace(t))
	var buf bytes.Buffer
	require.NoError(t, RunView(Source{path}, f, opts, &buf))
	return strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
}

func TestViewReplyRoundTrip(t *testing.T) {
	lines := viewLines(t, log.Filter{MessageID: "RQ1"}, ViewOptions{})
	require.Len(t, lines, 4)

	assert.Regexp(t, `^2026-03-01 09:00:00\.055000 7d3e9a10 OUT TRANSPORT    frame message RQ1 \d+B$`, lines[0])
	assert.Regexp(t, `OUT WIRE +message RQ1 payload=\d+B$`, lines[1])
	assert.Contains(t, lines[2], "IN  TRANSPORT    frame reply RQ1")
	assert.True(t, strings.HasSuffix(lines[3], "reply RQ1 status=200 rtt=10ms payload=21B"), lines[3])
}

func TestViewStateAndErrors(t *testing.T) {
	lines := viewLines(t, log.Filter{Layer: ptr(log.LayerSession)}, ViewOptions{})
	require.Len(t, lines, 4)

	assert.Contains(t, lines[0], " -   SESSION      session DISCONNECTED -> CONNECTING")
	assert.Contains(t, lines[2], "session CONNECTED -> WAIT_AND_RECONNECT (unexpected EOF)")
	assert.True(t, strings.HasSuffix(lines[3], "error FATAL [init] init rejected: 401 code=401"), lines[3])

	subs := viewLines(t, log.Filter{Subject: "CH2"}, ViewOptions{})
	require.Len(t, subs, 1)
	assert.Contains(t, subs[0], "SUBSCRIPTION subscription CH2 SUBSCRIBING -> FAILED")
}

func TestViewVerbose(t *testing.T) {
	lines := viewLines(t, log.Filter{Method: "notification"}, ViewOptions{Verbose: true})
	require.Len(t, lines, 4)

	assert.Contains(t, lines[0], "frame notification TM2")
	assert.True(t, strings.HasPrefix(lines[1], `    bytes: "RTSOCK V3.0 `), lines[1])
	assert.Contains(t, lines[2], "notification TM2 type=rtsync.event")
	assert.Equal(t, `    payload: {"entity_id":"CH1","event_type":"message_added"}`, lines[3])
}

func TestViewLimit(t *testing.T) {
	lines := viewLines(t, log.Filter{Direction: ptr(log.DirectionOut)}, ViewOptions{Limit: 3})
	require.Len(t, lines, 3)
	assert.Contains(t, lines[2], "frame message RQ1")
}

func TestSummarizeEdgeCases(t *testing.T) {
	unparsed := log.Event{Frame: &log.FrameEvent{Size: 5000, Data: []byte{0x00, 0xff}, Truncated: true}}
	assert.Equal(t, "frame (unparsed) 5000B truncated", summarize(unparsed))
	assert.Equal(t, "0000ff ...", frameBytes(&log.FrameEvent{Data: []byte{0x00, 0x00, 0xff}, Truncated: true}))
	assert.Equal(t, `"ping\r\n"`, frameBytes(&log.FrameEvent{Data: []byte("ping\r\n")}))

	fresh := log.Event{StateChange: &log.StateChangeEvent{Entity: log.StateEntitySession, NewState: "CONNECTING"}}
	assert.Equal(t, "session ? -> CONNECTING", summarize(fresh))
	assert.Equal(t, "empty record", summarize(log.Event{}))
}

func TestFormatRTT(t *testing.T) {
	assert.Equal(t, "850µs", formatRTT(850*time.Microsecond+300))
	assert.Equal(t, "42.35ms", formatRTT(42347*time.Microsecond))
	assert.Equal(t, "1.5s", formatRTT(1500*time.Millisecond+400*time.Microsecond))
}

func ptr[T any](v T) *T { return &v }
