package fiber

// Status is the lifecycle of a single FiberFrame, tracked so the dispatcher
// knows whether a re-entry into an unwinding frame should call Body, Catch
// or Finally.
type Status int

const (
	StatusInitial Status = iota
	StatusBodyCalled
	StatusCatchCalled
	StatusFinallyCalled
)

func (s Status) String() string {
	switch s {
	case StatusInitial:
		return "initial"
	case StatusBodyCalled:
		return "body-called"
	case StatusCatchCalled:
		return "catch-called"
	case StatusFinallyCalled:
		return "finally-called"
	default:
		return "unknown"
	}
}

// Result is the value handed back into a resume point. It keeps both a
// boxed object slot and primitive slots so hot resume paths (e.g. the
// append-callback advancing lastLogIndex) need not box an integer.
type Result struct {
	Val   interface{}
	Int   int
	Long  uint64
	Err   error
}

// ResumeFunc is a frame's continuation: given the result delivered by
// whatever it last suspended on, it returns the frame's next move.
type ResumeFunc func(f *Fiber, r Result) Outcome

// Frame is one suspend-capable call on a Fiber's frame stack.
type Frame struct {
	// Body runs first, and on every subsequent invocation of this frame
	// delegates to whatever ResumePoint was left behind by the previous
	// Outcome — this is the "resume point is the last statement" rule:
	// a frame must return immediately from Body after requesting a
	// suspension, and next time it's invoked it must be via ResumePoint.
	Body    ResumeFunc
	Catch   func(f *Fiber, err error) Outcome
	Finally func(f *Fiber) Outcome

	ResumePoint ResumeFunc
	Status      Status

	// suspended records whether this frame already requested a
	// suspension during the current step; a second request in the same
	// step is a fatal usage error.
	suspended bool
}

func newFrame(body ResumeFunc) *Frame {
	return &Frame{Body: body, Status: StatusInitial}
}

// invoke calls the correct continuation for the frame's current status and
// the kind of re-entry (normal resume vs. error unwind).
func (fr *Frame) invoke(f *Fiber, r Result) Outcome {
	fr.suspended = false

	if r.Err != nil && fr.Status != StatusFinallyCalled {
		if fr.Catch != nil && fr.Status != StatusCatchCalled {
			fr.Status = StatusCatchCalled
			return fr.Catch(f, r.Err)
		}
		if fr.Finally != nil {
			fr.Status = StatusFinallyCalled
			out := fr.Finally(f)
			if out.Kind == outcomeReturn && out.Result.Err == nil {
				// finally did not swallow the error: propagate original.
				out.Result.Err = r.Err
			}
			return out
		}
		return Outcome{Kind: outcomeReturn, Result: r}
	}

	if fr.Status == StatusInitial {
		fr.Status = StatusBodyCalled
		if fr.ResumePoint == nil {
			fr.ResumePoint = fr.Body
		}
		return fr.Body(f, r)
	}

	rp := fr.ResumePoint
	if rp == nil {
		// frame finished its body with no pending resume point: if it
		// suspended it must have set one; reaching here with none means
		// the body returned without a suspension request, which the
		// caller already treats as completion before invoke is called
		// again, so this path only triggers finally on a clean return.
		if fr.Finally != nil && fr.Status != StatusFinallyCalled {
			fr.Status = StatusFinallyCalled
			return fr.Finally(f)
		}
		return Outcome{Kind: outcomeReturn, Result: r}
	}

	return rp(f, r)
}
