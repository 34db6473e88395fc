package fiber

// compareFiberBySchedule orders two fibers by scheduleNanoTime. The
// dispatcher's timer handling (Group.promoteTimers) scans deadlines and
// does not call it. The source system's comparator read
// `f1.scheduleNanoTime = f2.scheduleNanoTime` — an assignment where a
// comparison was clearly intended (spec.md §9, Open Questions). The
// correct, monotonic-safe form is a signed subtraction-and-compare, which
// tolerates wraparound of the underlying monotonic clock reading the way a
// direct `<` on two large uint64-ish nanosecond stamps would not.
func compareFiberBySchedule(a, b *Fiber) int {
	d := a.scheduleNanoTime - b.scheduleNanoTime
	switch {
	case d < 0:
		return -1
	case d > 0:
		return 1
	default:
		return 0
	}
}

// checkPositive validates that n is a strictly positive duration in
// milliseconds. The scheduler does not call it: an await timeout of 0
// arms no deadline at all (Group.apply). The source
// system's equivalent check read "must be >=0" in its error message while
// actually testing `<= 0` — i.e. it rejected zero, contradicting its own
// message (spec.md §9, Open Questions). This implementation keeps the
// `> 0` intent and corrects the message to match it.
func checkPositive(n int64) error {
	if n <= 0 {
		return errPositive
	}
	return nil
}
