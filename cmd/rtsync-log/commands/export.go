package commands

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"

	"github.com/rtsync/rtsync-go/pkg/log"
)

// Export formats.
const (
	FormatJSONL = "jsonl"
	FormatCSV   = "csv"
)

var csvHeader = []string{
	"time", "connection_id", "direction", "layer", "category",
	"kind", "method", "id", "entity", "status", "rtt_us", "detail",
}

// RunExport writes the matching events of src to w as JSON lines or CSV.
func RunExport(src Source, f log.Filter, format string, w io.Writer) error {
	switch format {
	case FormatJSONL:
		enc := json.NewEncoder(w)
		return src.Each(f, func(ev log.Event) error {
			return enc.Encode(ev)
		})
	case FormatCSV:
		cw := csv.NewWriter(w)
		if err := cw.Write(csvHeader); err != nil {
			return err
		}
		err := src.Each(f, func(ev log.Event) error {
			return cw.Write(csvRow(ev))
		})
		cw.Flush()
		if err != nil {
			return err
		}
		return cw.Error()
	}
	return fmt.Errorf("unknown format %q (%s or %s)", format, FormatJSONL, FormatCSV)
}

func csvRow(ev log.Event) []string {
	var entity, status, rtt, detail string
	switch {
	case ev.Frame != nil:
		detail = strconv.Itoa(ev.Frame.Size) + "B"
	case ev.Message != nil:
		m := ev.Message
		if m.Status != nil {
			status = strconv.Itoa(*m.Status)
		}
		if m.RoundTrip != nil {
			rtt = strconv.FormatInt(m.RoundTrip.Microseconds(), 10)
		}
		detail = m.MessageType
	case ev.StateChange != nil:
		entity = ev.StateChange.Subject
		status = ev.StateChange.NewState
		detail = ev.StateChange.Reason
	case ev.Error != nil:
		if ev.Error.Code != nil {
			status = strconv.Itoa(*ev.Error.Code)
		}
		detail = ev.Error.Message
	}
	return []string{
		ev.Timestamp.UTC().Format("2006-01-02T15:04:05.000000Z07:00"),
		ev.ConnectionID,
		ev.Direction.String(),
		ev.Layer.String(),
		ev.Category.String(),
		ev.Kind(),
		ev.Method(),
		ev.MessageID(),
		entity,
		status,
		rtt,
		detail,
	}
}
