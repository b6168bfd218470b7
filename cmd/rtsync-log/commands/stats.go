package commands

import (
	"fmt"
	"io"
	"maps"
	"math"
	"slices"
	"text/tabwriter"
	"time"

	"github.com/rtsync/rtsync-go/pkg/log"
)

// Stats summarizes a capture.
type Stats struct {
	Events      int
	First, Last time.Time

	// Sessions counts events per connection id.
	Sessions map[string]int
	URLs     map[string]bool

	// Sent and Received count decoded frames by method.
	Sent     map[string]int
	Received map[string]int

	// FrameBytes is the raw frame volume per direction.
	FrameBytes [2]int

	// RTTs holds every reply round trip in capture order.
	RTTs []time.Duration

	// Rejected counts replies with a status of 400 or more.
	Rejected int

	// Connects counts session transitions into CONNECTED, Drops those into
	// WAIT_AND_RECONNECT.
	Connects int
	Drops    int

	// Entities is the last recorded state of each subscription entity.
	Entities map[string]string

	Errors int
	Fatal  int
}

func newStats() *Stats {
	return &Stats{
		Sessions: make(map[string]int),
		URLs:     make(map[string]bool),
		Sent:     make(map[string]int),
		Received: make(map[string]int),
		Entities: make(map[string]string),
	}
}

func (s *Stats) add(ev log.Event) {
	s.Events++
	if s.First.IsZero() || ev.Timestamp.Before(s.First) {
		s.First = ev.Timestamp
	}
	if ev.Timestamp.After(s.Last) {
		s.Last = ev.Timestamp
	}
	s.Sessions[ev.ConnectionID]++
	if ev.URL != "" {
		s.URLs[ev.URL] = true
	}

	switch {
	case ev.Frame != nil:
		if d := ev.Direction; d <= log.DirectionOut {
			s.FrameBytes[d] += ev.Frame.Size
		}
	case ev.Message != nil:
		m := ev.Message
		if ev.Direction == log.DirectionOut {
			s.Sent[m.Method]++
		} else {
			s.Received[m.Method]++
		}
		if m.RoundTrip != nil {
			s.RTTs = append(s.RTTs, *m.RoundTrip)
		}
		if m.Status != nil && *m.Status >= 400 {
			s.Rejected++
		}
	case ev.StateChange != nil:
		sc := ev.StateChange
		if sc.Entity == log.StateEntitySubscription {
			s.Entities[sc.Subject] = sc.NewState
			break
		}
		switch sc.NewState {
		case "CONNECTED":
			s.Connects++
		case "WAIT_AND_RECONNECT":
			s.Drops++
		}
	case ev.Error != nil:
		s.Errors++
		if ev.Error.Fatal {
			s.Fatal++
		}
	}
}

// RTT returns the p-th percentile reply round trip, 0 < p <= 100.
func (s *Stats) RTT(p float64) time.Duration {
	if len(s.RTTs) == 0 {
		return 0
	}
	sorted := slices.Sorted(slices.Values(s.RTTs))
	i := int(math.Ceil(float64(len(sorted))*p/100)) - 1
	return sorted[max(0, min(i, len(sorted)-1))]
}

// CollectStats reads every event of src.
func CollectStats(src Source) (*Stats, error) {
	s := newStats()
	err := src.Each(log.Filter{}, func(ev log.Event) error {
		s.add(ev)
		return nil
	})
	return s, err
}

// RunStats prints the summary of src.
func RunStats(src Source, w io.Writer) error {
	s, err := CollectStats(src)
	if err != nil {
		return err
	}
	s.write(w)
	return nil
}

func (s *Stats) write(out io.Writer) {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	defer w.Flush()

	fmt.Fprintf(w, "events\t%d\n", s.Events)
	if s.Events == 0 {
		return
	}
	fmt.Fprintf(w, "span\t%s .. %s (%s)\n",
		s.First.UTC().Format(time.RFC3339), s.Last.UTC().Format(time.RFC3339), s.Last.Sub(s.First).Round(time.Millisecond))
	fmt.Fprintf(w, "sessions\t%d\n", len(s.Sessions))
	for _, u := range slices.Sorted(maps.Keys(s.URLs)) {
		fmt.Fprintf(w, "gateway\t%s\n", u)
	}
	fmt.Fprintf(w, "connects\t%d (%d drops)\n", s.Connects, s.Drops)
	fmt.Fprintf(w, "frame bytes\t%d in, %d out\n", s.FrameBytes[log.DirectionIn], s.FrameBytes[log.DirectionOut])

	methods := slices.Sorted(maps.Keys(s.Sent))
	for m := range maps.Keys(s.Received) {
		if _, ok := s.Sent[m]; !ok {
			methods = append(methods, m)
		}
	}
	slices.Sort(methods)
	for _, m := range methods {
		fmt.Fprintf(w, "  %s\t%d out, %d in\n", m, s.Sent[m], s.Received[m])
	}

	if n := len(s.RTTs); n > 0 {
		fmt.Fprintf(w, "replies\t%d (p50 %s, p95 %s, max %s)\n",
			n, formatRTT(s.RTT(50)), formatRTT(s.RTT(95)), formatRTT(s.RTT(100)))
	}
	if s.Rejected > 0 {
		fmt.Fprintf(w, "rejected\t%d\n", s.Rejected)
	}

	if len(s.Entities) > 0 {
		byState := make(map[string]int)
		for _, st := range s.Entities {
			byState[st]++
		}
		fmt.Fprintf(w, "subscriptions\t%d\n", len(s.Entities))
		for _, st := range slices.Sorted(maps.Keys(byState)) {
			fmt.Fprintf(w, "  %s\t%d\n", st, byState[st])
		}
	}
	if s.Errors > 0 {
		fmt.Fprintf(w, "errors\t%d (%d fatal)\n", s.Errors, s.Fatal)
	}
}
