package fiber

import (
	"sync"
	"time"
)

// Group is the set of fibers belonging to one raft group; it is
// single-threaded within its dispatcher — every method here that touches
// fiber state is only ever called from the owning dispatcher goroutine,
// except Shutdown, Err, Closed and the internal submit hand-off, which
// are safe to call from any goroutine.
type Group struct {
	id   string
	disp *Dispatcher

	mu       sync.Mutex // guards only `closed`/`shutdownErr`, touched cross-thread
	closed   bool
	shutdownErr error

	nextID  ID
	fibers  map[ID]*Fiber
	ready   []*Fiber
	sleeping []*Fiber // unsorted; promoted by linear scan, fine at this scale
}

func newGroup(id string, d *Dispatcher) *Group {
	return &Group{
		id:     id,
		disp:   d,
		fibers: make(map[ID]*Fiber),
	}
}

// ID returns the group's identifier (typically "<groupID>").
func (g *Group) ID() string { return g.id }

// FireFiber births a new fiber running root on this group's dispatcher and
// schedules it ready. This is the only legal way fibers are created.
func (g *Group) FireFiber(root ResumeFunc) *Fiber {
	g.nextID++
	f := newFiber(g.nextID, g, newFrame(root))
	g.fibers[f.id] = f
	g.ready = append(g.ready, f)
	return f
}

// submit posts fn to be run on this group's dispatcher goroutine. It is
// the one legal cross-thread ingress point (spec §4.1 "Cross-thread
// hand-off"): Future.Complete, Channel.SendAsync, and external RPC
// delivery all funnel through here.
func (g *Group) submit(fn func()) {
	g.disp.enqueue(task{group: g, fn: fn})
}

// wake transitions a waiting/sleeping fiber back to ready with r as its
// next resume value. Called only from the owning dispatcher goroutine.
func (g *Group) wake(f *Fiber, r Result) {
	if f.state == StateFinished {
		return
	}
	if f.state == StateWaiting && f.waitingOn != nil {
		f.waitingOn.dequeue(f)
		f.waitingOn = nil
	}
	f.state = StateReady
	f.pendingR = r
	g.ready = append(g.ready, f)
}

// interrupt implements Fiber.Interrupt: immediate delivery if waiting,
// else a flag observed at the fiber's own next suspension point.
func (g *Group) interrupt(f *Fiber) {
	if f.state == StateWaiting {
		g.wake(f, Result{Err: ErrInterrupted})
		return
	}
	f.interrupted = true
}

// promoteTimers moves every sleeping fiber (or awaiting fiber with an
// expired timeout) whose deadline is <= now into the ready queue.
func (g *Group) promoteTimers(now time.Time) {
	remaining := g.sleeping[:0]
	for _, f := range g.sleeping {
		if !now.Before(f.deadline) {
			if f.state == StateWaiting && f.waitingOn != nil {
				f.waitingOn.dequeue(f)
				f.waitingOn = nil
				g.wake(f, Result{Err: ErrTimeout})
				continue
			}
			if f.state == StateSleeping {
				g.wake(f, Result{})
				continue
			}
			// already handled via another path; drop from sleeping set.
			continue
		}
		remaining = append(remaining, f)
	}
	g.sleeping = remaining
}

func (g *Group) nextTimerDeadline() (time.Time, bool) {
	var best time.Time
	found := false
	for _, f := range g.sleeping {
		if !found || f.deadline.Before(best) {
			best = f.deadline
			found = true
		}
	}
	return best, found
}

// drainReady runs one step for each fiber that was ready at entry to this
// call (a bounded snapshot, so newly-readied fibers wait one dispatcher
// tick — this is what prevents timer starvation, per spec §4.1 step 3).
func (g *Group) drainReady() {
	n := len(g.ready)
	if n == 0 {
		return
	}
	batch := g.ready[:n]
	g.ready = g.ready[n:]

	for _, f := range batch {
		if f.state != StateReady {
			continue
		}
		g.step(f)
	}
}

// step runs exactly one frame invocation of f and interprets its Outcome.
func (g *Group) step(f *Fiber) {
	r := f.pendingR
	f.pendingR = Result{}

	if f.interrupted && r.Err == nil {
		f.interrupted = false
		r = Result{Err: ErrInterrupted}
	}

	fr := f.top()
	if fr == nil {
		f.state = StateFinished
		delete(g.fibers, f.id)
		return
	}

	out := fr.invoke(f, r)
	g.apply(f, out)
}

func (g *Group) apply(f *Fiber, out Outcome) {
	switch out.Kind {
	case outcomeReturn:
		f.pop()
		if len(f.frames) == 0 {
			f.state = StateFinished
			delete(g.fibers, f.id)
			return
		}
		f.state = StateReady
		f.pendingR = out.Result
		g.ready = append(g.ready, f)

	case outcomeCall:
		cur := f.top()
		if cur.suspended {
			g.fatal(f, ErrDoubleSuspend)
			return
		}
		cur.suspended = true
		cur.ResumePoint = out.ResumePoint
		g.push(f, out.SubFrame)

	case outcomeAwait:
		cur := f.top()
		if cur.suspended {
			g.fatal(f, ErrDoubleSuspend)
			return
		}
		cur.suspended = true
		cur.ResumePoint = out.ResumePoint
		f.state = StateWaiting
		f.waitingOn = out.Source
		out.Source.enqueue(f, Result{})
		if out.TimeoutMs > 0 {
			f.deadline = time.Now().Add(time.Duration(out.TimeoutMs) * time.Millisecond)
			g.sleeping = append(g.sleeping, f)
		}

	case outcomeSleep:
		cur := f.top()
		if cur.suspended {
			g.fatal(f, ErrDoubleSuspend)
			return
		}
		cur.suspended = true
		cur.ResumePoint = out.ResumePoint
		f.state = StateSleeping
		f.deadline = time.Now().Add(out.SleepFor)
		g.sleeping = append(g.sleeping, f)
	}
}

func (g *Group) push(f *Fiber, sub *Frame) {
	f.push(sub)
	f.state = StateReady
	f.pendingR = Result{}
	g.ready = append(g.ready, f)
}

// fatal fails the entire group on a usage-contract violation: double
// suspension within one step, per spec §4.1.
func (g *Group) fatal(f *Fiber, err error) {
	g.Shutdown(&UsageFatalError{Err: err})
}

// Shutdown marks the group finished with err (nil for a clean drain) and
// releases every fiber still registered, waking waiters with
// ErrGroupShutdown. Safe to call from any goroutine.
func (g *Group) Shutdown(err error) {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return
	}
	g.closed = true
	g.shutdownErr = err
	g.mu.Unlock()

	g.submit(func() {
		var waiting []*Fiber
		for _, f := range g.fibers {
			if f.state == StateWaiting {
				waiting = append(waiting, f)
				continue
			}
			f.state = StateFinished
			delete(g.fibers, f.id)
		}
		g.ready = nil
		g.sleeping = nil
		for _, f := range waiting {
			g.wake(f, Result{Err: ErrGroupShutdown})
		}
	})
}

// Err returns the reason the group shut down, or nil if it is still
// running or shut down cleanly.
func (g *Group) Err() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.shutdownErr
}

// Closed reports whether Shutdown has been called.
func (g *Group) Closed() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.closed
}

func (g *Group) hasWork() bool {
	return len(g.ready) > 0 || len(g.sleeping) > 0 || len(g.fibers) > 0
}
