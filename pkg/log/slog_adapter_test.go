package log

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func traceLines(t *testing.T, level slog.Level, events ...Event) []map[string]any {
	t.Helper()
	var buf bytes.Buffer
	a := NewSlogAdapter(slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: level})))
	for _, ev := range events {
		a.Log(ev)
	}
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var m map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &m))
		out = append(out, m)
	}
	return out
}

func TestSlogAdapterDebugTrace(t *testing.T) {
	lines := traceLines(t, slog.LevelDebug, sessionTrace(t)...)

	var msgs []string
	for _, l := range lines {
		msgs = append(msgs, l["msg"].(string))
	}
	assert.Equal(t, []string{
		"session state",
		"sent init",
		"received reply",
		"session state",
		"subscription state",
		"received notification",
		"session error",
	}, msgs, "raw frames stay below debug")

	reply := lines[2]
	assert.Equal(t, "DEBUG", reply["level"])
	assert.Equal(t, "TM-init", reply["id"])
	assert.Equal(t, float64(200), reply["status"])
	assert.Equal(t, float64(42_000_000), reply["rtt"], "JSON durations are nanoseconds")
	assert.Equal(t, "5f0c2d1e", reply["conn"])

	sub := lines[4]
	assert.Equal(t, "INFO", sub["level"])
	assert.Equal(t, "CH1", sub["entity"])
	assert.Equal(t, "PENDING", sub["from"])
	assert.Equal(t, "ESTABLISHED", sub["to"])

	errLine := lines[6]
	assert.Equal(t, "WARN", errLine["level"])
	assert.Equal(t, "watchdog expired", errLine["error"])
	assert.Equal(t, "watchdog", errLine["op"])
}

func TestSlogAdapterFrameLevel(t *testing.T) {
	trace := sessionTrace(t)
	lines := traceLines(t, LevelFrame, trace[1])

	require.Len(t, lines, 1)
	assert.Equal(t, "sent frame", lines[0]["msg"])
	assert.Equal(t, "init", lines[0]["method"])
	assert.Equal(t, "TM-init", lines[0]["id"])
	assert.Equal(t, float64(trace[1].Frame.Size), lines[0]["size"])
}

func TestSlogAdapterLevels(t *testing.T) {
	rejected := sessionTrace(t)[4]
	rejected.Message = &MessageEvent{Method: "reply", ID: "RQ3", Status: ptr(401), ErrorCode: ptr(20104)}
	fatal := Event{
		ConnectionID: connID,
		Layer:        LayerSession,
		Category:     CategoryError,
		Error:        &ErrorEventData{Layer: LayerSession, Message: "init rejected", Code: ptr(403), Fatal: true},
	}

	lines := traceLines(t, slog.LevelWarn, append(sessionTrace(t), rejected, fatal)...)
	require.Len(t, lines, 3)
	assert.Equal(t, "session error", lines[0]["msg"])

	assert.Equal(t, "received reply", lines[1]["msg"])
	assert.Equal(t, "WARN", lines[1]["level"])
	assert.Equal(t, float64(20104), lines[1]["error_code"])

	assert.Equal(t, "ERROR", lines[2]["level"])
	assert.Equal(t, float64(403), lines[2]["code"])
}

func TestSlogAdapterSkipsEmptyEvents(t *testing.T) {
	assert.Empty(t, traceLines(t, LevelFrame, Event{ConnectionID: connID}))
}
