package fiber

// Pool is the small fixed pool of dispatcher threads a server node hosts;
// each raft group is assigned to exactly one dispatcher slot at creation
// (spec §2: "Each group owns an independent fiber group assigned to one
// of a small pool of dispatcher threads").
type Pool struct {
	dispatchers []*Dispatcher
	next        int
}

// NewPool starts n dispatcher goroutines and returns a Pool that assigns
// groups to them round-robin.
func NewPool(n int) *Pool {
	if n <= 0 {
		n = 1
	}
	p := &Pool{dispatchers: make([]*Dispatcher, n)}
	for i := range p.dispatchers {
		d := newDispatcher()
		p.dispatchers[i] = d
		go d.Run()
	}
	return p
}

// NewGroup creates a new fiber group on the next dispatcher in round-robin
// order.
func (p *Pool) NewGroup(id string) *Group {
	d := p.dispatchers[p.next%len(p.dispatchers)]
	p.next++
	return d.NewGroup(id)
}

// Close stops every dispatcher in the pool.
func (p *Pool) Close() error {
	for _, d := range p.dispatchers {
		d.Stop()
	}
	return nil
}
