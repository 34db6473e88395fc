package fiber

import (
	"time"
)

const pollTimeout = 50 * time.Millisecond

type task struct {
	group *Group
	fn    func()
}

// Dispatcher is the thread owning one or more fiber groups (spec §4.1).
// Exactly one goroutine runs Dispatcher.run; everything it touches besides
// the submission channel is therefore free of locking.
type Dispatcher struct {
	submissions chan task
	groups      map[string]*Group
	stop        chan struct{}
	done        chan struct{}
}

func newDispatcher() *Dispatcher {
	return &Dispatcher{
		submissions: make(chan task, 4096),
		groups:      make(map[string]*Group),
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
	}
}

// enqueue is the cross-thread-safe ingress used by Group.submit.
func (d *Dispatcher) enqueue(t task) {
	select {
	case d.submissions <- t:
	case <-d.done:
	}
}

// NewGroup creates and registers a new fiber group on this dispatcher,
// identified by id (typically the raft group id).
func (d *Dispatcher) NewGroup(id string) *Group {
	g := newGroup(id, d)
	d.enqueueSync(func() { d.groups[id] = g })
	return g
}

// enqueueSync posts fn and blocks the calling goroutine until it has run,
// used only for the registration calls made before the dispatcher has any
// other work (safe even before Run is called, since submissions is
// buffered).
func (d *Dispatcher) enqueueSync(fn func()) {
	done := make(chan struct{})
	d.enqueue(task{fn: func() { fn(); close(done) }})
	select {
	case <-done:
	case <-d.done:
	}
}

// Run is the dispatcher main loop (spec §4.1): block on the submission
// queue up to the nearest timer deadline (capped at pollTimeout), drain
// pending submissions, promote expired sleepers, then drain each group's
// ready queue by a bounded snapshot. Run blocks until Stop is called.
func (d *Dispatcher) Run() {
	defer close(d.done)
	for {
		timeout := d.nextTimeout()
		select {
		case t := <-d.submissions:
			d.runTask(t)
		case <-time.After(timeout):
		case <-d.stop:
			return
		}

		d.drainSubmissions()

		now := time.Now()
		for _, g := range d.groups {
			g.promoteTimers(now)
		}
		for _, g := range d.groups {
			g.drainReady()
		}
	}
}

func (d *Dispatcher) drainSubmissions() {
	for {
		select {
		case t := <-d.submissions:
			d.runTask(t)
		default:
			return
		}
	}
}

func (d *Dispatcher) runTask(t task) {
	if t.fn != nil {
		t.fn()
	}
}

func (d *Dispatcher) nextTimeout() time.Duration {
	best := pollTimeout
	now := time.Now()
	for _, g := range d.groups {
		if dl, ok := g.nextTimerDeadline(); ok {
			if d := dl.Sub(now); d < best {
				if d < 0 {
					d = 0
				}
				best = d
			}
		}
	}
	return best
}

// Stop halts the dispatcher loop after its current iteration.
func (d *Dispatcher) Stop() {
	close(d.stop)
	<-d.done
}
