package fiber

// Future is a WaitSource representing a single eventual value. Exactly one
// completion wins; later completions are ignored. Unlike Condition, a
// Future can legally be completed from a goroutine other than the
// dispatcher owning the waiting fiber(s) — that's the one sanctioned
// cross-thread hand-off the spec describes (§4.1 "Cross-thread hand-off"):
// Complete posts the delivery onto the owning group's submission queue
// rather than touching fiber state directly.
type Future struct {
	group     *Group
	completed bool
	result    Result
	waiters   []*Fiber
}

// NewFuture returns a Future whose completions will be delivered on g's
// dispatcher. g must be the group of every fiber that will await this
// future.
func NewFuture(g *Group) *Future {
	return &Future{group: g}
}

func (fu *Future) enqueue(f *Fiber, _ Result) {
	if fu.completed {
		f.group.wake(f, fu.result)
		return
	}
	fu.waiters = append(fu.waiters, f)
}

func (fu *Future) dequeue(f *Fiber) bool {
	for i, w := range fu.waiters {
		if w == f {
			fu.waiters = append(fu.waiters[:i], fu.waiters[i+1:]...)
			return true
		}
	}
	return false
}

// Complete resolves the future with val/err, waking every waiter in FIFO
// order. Safe to call from any goroutine.
func (fu *Future) Complete(val interface{}, err error) {
	fu.group.submit(func() {
		if fu.completed {
			return
		}
		fu.completed = true
		fu.result = Result{Val: val, Err: err}
		ws := fu.waiters
		fu.waiters = nil
		for _, f := range ws {
			f.group.wake(f, fu.result)
		}
	})
}

// IsCompleted reports completion state. Only meaningful when called on the
// owning dispatcher goroutine (e.g. from inside a frame body); from other
// goroutines it is inherently racy and advisory only.
func (fu *Future) IsCompleted() bool { return fu.completed }
