package fiber

// Channel is an unbounded, multi-producer single-consumer-at-a-time
// WaitSource: values queue up, and a fiber awaiting an empty channel is
// woken, FIFO, as soon as a value is available.
type Channel struct {
	group   *Group
	buf     []interface{}
	waiters []*Fiber
}

// NewChannel returns an empty Channel bound to g's dispatcher.
func NewChannel(g *Group) *Channel {
	return &Channel{group: g}
}

func (c *Channel) enqueue(f *Fiber, _ Result) {
	if len(c.buf) > 0 {
		v := c.buf[0]
		c.buf = c.buf[1:]
		f.group.wake(f, Result{Val: v})
		return
	}
	c.waiters = append(c.waiters, f)
}

func (c *Channel) dequeue(f *Fiber) bool {
	for i, w := range c.waiters {
		if w == f {
			c.waiters = append(c.waiters[:i], c.waiters[i+1:]...)
			return true
		}
	}
	return false
}

// Send delivers v to the longest-waiting fiber, or buffers it if none is
// waiting. Must be called on the owning dispatcher goroutine; cross-thread
// producers must use SendAsync.
func (c *Channel) Send(v interface{}) {
	if len(c.waiters) > 0 {
		f := c.waiters[0]
		c.waiters = c.waiters[1:]
		f.group.wake(f, Result{Val: v})
		return
	}
	c.buf = append(c.buf, v)
}

// SendAsync is the cross-thread-safe form of Send, routed through the
// group's submission queue like Future.Complete.
func (c *Channel) SendAsync(v interface{}) {
	c.group.submit(func() { c.Send(v) })
}

// Len reports the number of buffered, undelivered values.
func (c *Channel) Len() int { return len(c.buf) }
