package mailbox

// Dispatcher runs queued functions in order on its own goroutine. It keeps
// callbacks off the event loop that produces them.
type Dispatcher struct {
	box *Mailbox[func()]
}

// NewDispatcher starts a dispatcher.
func NewDispatcher() *Dispatcher {
	d := &Dispatcher{box: New[func()]()}
	go d.run()
	return d
}

func (d *Dispatcher) run() {
	for range d.box.Ready() {
		for {
			fn, ok := d.box.Take()
			if !ok {
				break
			}
			if fn == nil {
				return
			}
			fn()
		}
	}
}

// Go queues fn. It returns false once the dispatcher is stopped.
func (d *Dispatcher) Go(fn func()) bool {
	if fn == nil {
		return false
	}
	return d.box.Post(fn)
}

// Stop ends the goroutine after the functions already queued have run. It
// does not wait, so it is safe to call from a queued function.
func (d *Dispatcher) Stop() {
	d.box.Post(nil)
	d.box.Close()
}
