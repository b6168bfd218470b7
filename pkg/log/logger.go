package log

// Logger receives protocol events from the session and the subscription
// coordinator. Log is called from their loops and must not block.
type Logger interface {
	Log(event Event)
}

// NoopLogger drops every event.
type NoopLogger struct{}

func (NoopLogger) Log(Event) {}

// LoggerFunc adapts a function to Logger.
type LoggerFunc func(Event)

func (f LoggerFunc) Log(event Event) { f(event) }

// Tee returns a Logger that hands each event to every sink in order. Nil
// and NoopLogger sinks are skipped; with nothing left Tee returns
// NoopLogger, with one sink it returns that sink.
func Tee(sinks ...Logger) Logger {
	var live tee
	for _, s := range sinks {
		switch s.(type) {
		case nil, NoopLogger, *NoopLogger:
			continue
		}
		live = append(live, s)
	}
	switch len(live) {
	case 0:
		return NoopLogger{}
	case 1:
		return live[0]
	}
	return live
}

type tee []Logger

func (t tee) Log(event Event) {
	for _, s := range t {
		s.Log(event)
	}
}
