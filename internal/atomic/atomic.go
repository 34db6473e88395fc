// Package atomic provides the small set of lock-free counters the engine
// shares across dispatcher and caller goroutines without taking a lock.
package atomic

import "go.uber.org/atomic"

// Bool is a lock-free boolean, used for the daemon/engine started flag.
type Bool struct {
	v *atomic.Bool
}

// NewBool returns an unset Bool.
func NewBool() *Bool {
	return &Bool{v: atomic.NewBool(false)}
}

func (b *Bool) Set()         { b.v.Store(true) }
func (b *Bool) UnSet()       { b.v.Store(false) }
func (b *Bool) True() bool   { return b.v.Load() }
func (b *Bool) False() bool  { return !b.v.Load() }
func (b *Bool) Get() bool    { return b.v.Load() }
func (b *Bool) String() string {
	if b.True() {
		return "true"
	}
	return "false"
}

// Uint64 is a lock-free monotonic-ish counter used for indices and terms.
type Uint64 struct {
	v *atomic.Uint64
}

// NewUint64 returns a Uint64 starting at 0.
func NewUint64() *Uint64 {
	return &Uint64{v: atomic.NewUint64(0)}
}

func (u *Uint64) Set(n uint64)  { u.v.Store(n) }
func (u *Uint64) Get() uint64   { return u.v.Load() }
func (u *Uint64) Add(n uint64) uint64 { return u.v.Add(n) }
func (u *Uint64) CAS(old, new uint64) bool {
	return u.v.CAS(old, new)
}
func (u *Uint64) String() string {
	return u.v.String()
}

// Uint32 is a lock-free counter used for epochs and vote round ids.
type Uint32 struct {
	v *atomic.Uint32
}

// NewUint32 returns a Uint32 starting at 0.
func NewUint32() *Uint32 {
	return &Uint32{v: atomic.NewUint32(0)}
}

func (u *Uint32) Set(n uint32)     { u.v.Store(n) }
func (u *Uint32) Get() uint32      { return u.v.Load() }
func (u *Uint32) Inc() uint32      { return u.v.Inc() }
