// Package msgbus is a tiny pub/sub keyed by uint64 ids, used to wake a
// caller blocked on a linearizable read or a proposal's commit without the
// raft event loop itself knowing anything about callers (grounded on the
// Subscribe/Broadcast contract the daemon's ProposeReplicate/ReadIndex
// paths rely on).
package msgbus

import "sync"

// Subscription is a one-shot or durable subscription to an id.
type Subscription struct {
	bus *MsgBus
	id  uint64
	ch  chan interface{}
}

// Chan returns the channel delivery arrives on.
func (s *Subscription) Chan() <-chan interface{} { return s.ch }

// Unsubscribe removes the subscription, if still registered.
func (s *Subscription) Unsubscribe() {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	subs := s.bus.subs[s.id]
	for i, sub := range subs {
		if sub == s {
			s.bus.subs[s.id] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	if len(s.bus.subs[s.id]) == 0 {
		delete(s.bus.subs, s.id)
	}
}

// MsgBus fans a value keyed by id out to every subscriber of that id.
type MsgBus struct {
	mu     sync.Mutex
	subs   map[uint64][]*Subscription
	closed bool
}

// New returns a ready MsgBus.
func New() *MsgBus {
	return &MsgBus{subs: make(map[uint64][]*Subscription)}
}

// SubscribeOnce registers a buffered, single-delivery subscription to id.
func (b *MsgBus) SubscribeOnce(id uint64) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub := &Subscription{bus: b, id: id, ch: make(chan interface{}, 1)}
	b.subs[id] = append(b.subs[id], sub)
	return sub
}

// Broadcast delivers val to every current subscriber of id, then clears
// them (each subscriber's channel is buffered, so this never blocks).
func (b *MsgBus) Broadcast(id uint64, val interface{}) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for _, sub := range b.subs[id] {
		select {
		case sub.ch <- val:
		default:
		}
	}
	delete(b.subs, id)
}

// BroadcastToAll delivers val to every currently registered subscriber,
// regardless of id — used to wake every pending reader when leadership is
// lost (daemon's "no leader" signal).
func (b *MsgBus) BroadcastToAll(val interface{}) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for id, subs := range b.subs {
		for _, sub := range subs {
			select {
			case sub.ch <- val:
			default:
			}
		}
		delete(b.subs, id)
	}
}

// Close releases the bus; further Broadcasts are no-ops.
func (b *MsgBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.subs = make(map[uint64][]*Subscription)
	return nil
}
