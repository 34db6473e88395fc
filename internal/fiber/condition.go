package fiber

// Condition is a WaitSource with no payload: fibers block on it until
// Signal/Broadcast wakes one or all of them, FIFO. It is the fiber
// runtime's analogue of a condition variable, used e.g. for
// needAppendCondition / needFsyncCondition in the log store.
type Condition struct {
	waiters []*Fiber
}

// NewCondition returns an unsignaled Condition.
func NewCondition() *Condition {
	return &Condition{}
}

func (c *Condition) enqueue(f *Fiber, _ Result) {
	c.waiters = append(c.waiters, f)
}

func (c *Condition) dequeue(f *Fiber) bool {
	for i, w := range c.waiters {
		if w == f {
			c.waiters = append(c.waiters[:i], c.waiters[i+1:]...)
			return true
		}
	}
	return false
}

// Signal wakes the single longest-waiting fiber, if any.
func (c *Condition) Signal() {
	if len(c.waiters) == 0 {
		return
	}
	f := c.waiters[0]
	c.waiters = c.waiters[1:]
	f.group.wake(f, Result{})
}

// Broadcast wakes every fiber currently waiting on c.
func (c *Condition) Broadcast() {
	ws := c.waiters
	c.waiters = nil
	for _, f := range ws {
		f.group.wake(f, Result{})
	}
}

// Len reports how many fibers are currently blocked on c.
func (c *Condition) Len() int { return len(c.waiters) }
