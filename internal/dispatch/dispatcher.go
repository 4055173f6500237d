// Package dispatch routes inbound realtime events to handler families one at a
// time, in arrival order.
package dispatch

import (
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/danstonedev/EMRsim-chat-sub002/internal/realtime"
)

// Handler processes one event. It must not block on network I/O.
type Handler func(realtime.Event)

// Stats counts what the dispatcher has seen.
type Stats struct {
	Dispatched int
	Unknown    int
	Malformed  int
	Unrouted   int
	Panics     int
}

// Dispatcher serializes event handling for one session. Dispatch and Do never
// run concurrently with each other; handlers must not call back into the
// dispatcher.
type Dispatcher struct {
	log *slog.Logger
	now func() time.Time

	mu       sync.Mutex
	handlers map[realtime.Family]Handler
	closed   bool
	stats    Stats
}

// New returns a dispatcher logging to log (slog.Default when nil).
func New(log *slog.Logger) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{log: log, now: time.Now, handlers: make(map[realtime.Family]Handler)}
}

// Route sets the handler for a family, replacing any previous one.
func (d *Dispatcher) Route(f realtime.Family, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[f] = h
}

// Dispatch parses raw and runs the owning handler before returning.
// Malformed and unknown events are logged and dropped.
func (d *Dispatcher) Dispatch(raw []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	ev, err := realtime.Parse(raw, d.now())
	if err != nil {
		d.stats.Malformed++
		d.log.Warn("dropping malformed event", "err", err, "bytes", len(raw))
		return
	}
	if u, ok := ev.(*realtime.Unknown); ok {
		d.stats.Unknown++
		d.log.Debug("dropping unknown event", "type", u.Type)
		return
	}
	d.dispatchLocked(ev)
}

// DispatchEvent routes an already parsed event.
func (d *Dispatcher) DispatchEvent(ev realtime.Event) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	d.dispatchLocked(ev)
}

func (d *Dispatcher) dispatchLocked(ev realtime.Event) {
	typ := ev.Header().Type
	fam := realtime.FamilyOf(typ)
	h, ok := d.handlers[fam]
	if !ok {
		d.stats.Unrouted++
		d.log.Debug("no handler for event", "type", typ, "family", fam)
		return
	}
	d.stats.Dispatched++
	d.run(typ, func() { h(ev) })
}

// Do runs fn inside the dispatch serialization. Timer expiries and other
// non-network work use it so they never interleave with event handlers.
// It reports false when the dispatcher is closed and fn did not run.
func (d *Dispatcher) Do(fn func()) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return false
	}
	d.run("do", fn)
	return true
}

func (d *Dispatcher) run(label string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			d.stats.Panics++
			d.log.Error("handler panic", "type", label, "panic", fmt.Sprint(r), "stack", string(debug.Stack()))
		}
	}()
	fn()
}

// Close stops all further dispatch. It waits for a running handler to return.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	d.closed = true
	d.handlers = make(map[realtime.Family]Handler)
	d.mu.Unlock()
}

// Stats returns a copy of the counters.
func (d *Dispatcher) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stats
}
