package log

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

type recorder struct{ events []Event }

func (r *recorder) Log(ev Event) { r.events = append(r.events, ev) }

func TestTeeFansOutInOrder(t *testing.T) {
	var order []string
	first := LoggerFunc(func(ev Event) { order = append(order, "first:"+ev.Kind()) })
	second := LoggerFunc(func(ev Event) { order = append(order, "second:"+ev.Kind()) })

	trace := sessionTrace(t)
	sink := Tee(first, nil, NoopLogger{}, second)
	sink.Log(trace[0])
	sink.Log(trace[4])

	assert.Equal(t, []string{"first:state", "second:state", "first:reply", "second:reply"}, order)
}

func TestTeeCollapses(t *testing.T) {
	assert.Equal(t, NoopLogger{}, Tee())
	assert.Equal(t, NoopLogger{}, Tee(nil, NoopLogger{}, &NoopLogger{}))

	rec := &recorder{}
	assert.Same(t, rec, Tee(nil, rec))
}

func TestNoopLoggerDropsEvents(t *testing.T) {
	var sink Logger = NoopLogger{}
	assert.NotPanics(t, func() {
		for _, ev := range sessionTrace(t) {
			sink.Log(ev)
		}
		sink.Log(Event{})
	})
}
