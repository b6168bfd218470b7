package commands

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rtsync/rtsync-go/pkg/log"
)

// ViewOptions controls the view command.
type ViewOptions struct {
	// Verbose adds payloads and frame bytes below each line.
	Verbose bool

	// Limit stops after this many events. Zero shows all.
	Limit int
}

const viewTime = "2006-01-02 15:04:05.000000"

// RunView prints one line per matching event.
func RunView(src Source, f log.Filter, opts ViewOptions, w io.Writer) error {
	shown := 0
	return src.Each(f, func(ev log.Event) error {
		writeEvent(w, ev, opts.Verbose)
		shown++
		if opts.Limit > 0 && shown >= opts.Limit {
			return errStop
		}
		return nil
	})
}

func writeEvent(w io.Writer, ev log.Event, verbose bool) {
	dir := ev.Direction.String()
	if ev.Frame == nil && ev.Message == nil {
		dir = "-"
	}
	fmt.Fprintf(w, "%s %s %-3s %-12s %s\n",
		ev.Timestamp.UTC().Format(viewTime), shortConn(ev.ConnectionID), dir, ev.Layer, summarize(ev))
	if !verbose {
		return
	}
	switch {
	case ev.Frame != nil && len(ev.Frame.Data) > 0:
		fmt.Fprintf(w, "    bytes: %s\n", frameBytes(ev.Frame))
	case ev.Message != nil && ev.Message.Payload != nil:
		if b, err := json.Marshal(ev.Message.Payload); err == nil {
			fmt.Fprintf(w, "    payload: %s\n", b)
		}
	}
}

// summarize renders the type specific part of an event line.
func summarize(ev log.Event) string {
	var b strings.Builder
	switch {
	case ev.Frame != nil:
		fe := ev.Frame
		b.WriteString("frame")
		if fe.Method != "" {
			fmt.Fprintf(&b, " %s %s", fe.Method, fe.ID)
		} else {
			b.WriteString(" (unparsed)")
		}
		fmt.Fprintf(&b, " %dB", fe.Size)
		if fe.Truncated {
			b.WriteString(" truncated")
		}
	case ev.Message != nil:
		m := ev.Message
		b.WriteString(m.Method)
		if m.ID != "" {
			b.WriteString(" " + m.ID)
		}
		if m.MessageType != "" {
			fmt.Fprintf(&b, " type=%s", m.MessageType)
		}
		if m.Status != nil {
			fmt.Fprintf(&b, " status=%d", *m.Status)
		}
		if m.ErrorCode != nil {
			fmt.Fprintf(&b, " error=%d", *m.ErrorCode)
		}
		if m.RoundTrip != nil {
			fmt.Fprintf(&b, " rtt=%s", formatRTT(*m.RoundTrip))
		}
		if m.PayloadSize > 0 {
			fmt.Fprintf(&b, " payload=%dB", m.PayloadSize)
		}
	case ev.StateChange != nil:
		sc := ev.StateChange
		b.WriteString(strings.ToLower(sc.Entity.String()))
		if sc.Subject != "" {
			b.WriteString(" " + sc.Subject)
		}
		from := sc.OldState
		if from == "" {
			from = "?"
		}
		fmt.Fprintf(&b, " %s -> %s", from, sc.NewState)
		if sc.Reason != "" {
			fmt.Fprintf(&b, " (%s)", sc.Reason)
		}
	case ev.Error != nil:
		e := ev.Error
		b.WriteString("error")
		if e.Fatal {
			b.WriteString(" FATAL")
		}
		if e.Context != "" {
			fmt.Fprintf(&b, " [%s]", e.Context)
		}
		b.WriteString(" " + e.Message)
		if e.Code != nil {
			fmt.Fprintf(&b, " code=%d", *e.Code)
		}
	default:
		b.WriteString("empty record")
	}
	return b.String()
}

// frameBytes quotes text frames and hex encodes anything else.
func frameBytes(fe *log.FrameEvent) string {
	s := hex.EncodeToString(fe.Data)
	if utf8.Valid(fe.Data) && !strings.ContainsFunc(string(fe.Data), isControl) {
		s = fmt.Sprintf("%q", fe.Data)
	}
	if fe.Truncated {
		s += " ..."
	}
	return s
}

func isControl(r rune) bool {
	return r < 0x20 && r != '\r' && r != '\n' && r != '\t' || r == 0x7f
}

func formatRTT(d time.Duration) string {
	switch {
	case d < time.Millisecond:
		return d.Round(time.Microsecond).String()
	case d < time.Second:
		return d.Round(10 * time.Microsecond).String()
	}
	return d.Round(time.Millisecond).String()
}
