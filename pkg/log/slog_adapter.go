package log

import (
	"context"
	"log/slog"
	"strings"
)

// LevelFrame is the level raw frames are traced at, below slog.LevelDebug.
const LevelFrame = slog.LevelDebug - 4

// SlogAdapter traces protocol events to an slog.Logger. Decoded frames go
// to Debug, raw frames to LevelFrame, state changes to Info, failed replies
// and errors to Warn and fatal errors to Error.
type SlogAdapter struct {
	logger *slog.Logger
}

// NewSlogAdapter returns an adapter writing to logger.
func NewSlogAdapter(logger *slog.Logger) *SlogAdapter {
	return &SlogAdapter{logger: logger}
}

func (a *SlogAdapter) Log(event Event) {
	ctx := context.Background()
	level := traceLevel(event)
	if !a.logger.Enabled(ctx, level) {
		return
	}

	attrs := make([]slog.Attr, 0, 8)
	if id := event.ConnectionID; id != "" {
		attrs = append(attrs, slog.String("conn", shortID(id)))
	}

	var msg string
	switch {
	case event.Frame != nil:
		msg = verb(event.Direction) + " frame"
		attrs = append(attrs, slog.Int("size", event.Frame.Size))
		if event.Frame.Method != "" {
			attrs = append(attrs, slog.String("method", event.Frame.Method))
		}
		if event.Frame.ID != "" {
			attrs = append(attrs, slog.String("id", event.Frame.ID))
		}
	case event.Message != nil:
		m := event.Message
		msg = verb(event.Direction) + " " + m.Method
		if m.ID != "" {
			attrs = append(attrs, slog.String("id", m.ID))
		}
		if m.MessageType != "" {
			attrs = append(attrs, slog.String("type", m.MessageType))
		}
		if m.Status != nil {
			attrs = append(attrs, slog.Int("status", *m.Status))
		}
		if m.ErrorCode != nil {
			attrs = append(attrs, slog.Int("error_code", *m.ErrorCode))
		}
		if m.RoundTrip != nil {
			attrs = append(attrs, slog.Duration("rtt", *m.RoundTrip))
		}
		if m.PayloadSize > 0 {
			attrs = append(attrs, slog.Int("payload", m.PayloadSize))
		}
	case event.StateChange != nil:
		sc := event.StateChange
		msg = strings.ToLower(sc.Entity.String()) + " state"
		if sc.Subject != "" {
			attrs = append(attrs, slog.String("entity", sc.Subject))
		}
		attrs = append(attrs, slog.String("from", sc.OldState), slog.String("to", sc.NewState))
		if sc.Reason != "" {
			attrs = append(attrs, slog.String("reason", sc.Reason))
		}
	case event.Error != nil:
		e := event.Error
		msg = strings.ToLower(e.Layer.String()) + " error"
		attrs = append(attrs, slog.String("error", e.Message))
		if e.Context != "" {
			attrs = append(attrs, slog.String("op", e.Context))
		}
		if e.Code != nil {
			attrs = append(attrs, slog.Int("code", *e.Code))
		}
	default:
		return
	}
	a.logger.LogAttrs(ctx, level, msg, attrs...)
}

func traceLevel(event Event) slog.Level {
	switch {
	case event.Frame != nil:
		return LevelFrame
	case event.StateChange != nil:
		return slog.LevelInfo
	case event.Error != nil && event.Error.Fatal:
		return slog.LevelError
	case event.Error != nil:
		return slog.LevelWarn
	case event.Message != nil && event.Message.Status != nil && *event.Message.Status >= 400:
		return slog.LevelWarn
	}
	return slog.LevelDebug
}

func verb(d Direction) string {
	if d == DirectionOut {
		return "sent"
	}
	return "received"
}

// shortID keeps the first group of a UUID.
func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
