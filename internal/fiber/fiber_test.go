package fiber

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestFireFiberRunsToCompletion(t *testing.T) {
	p := NewPool(1)
	defer p.Close()

	g := p.NewGroup("g1")

	done := make(chan int, 1)
	g.FireFiber(func(f *Fiber, r Result) Outcome {
		done <- 42
		return Return(nil)
	})

	select {
	case v := <-done:
		require.Equal(t, 42, v)
	case <-time.After(time.Second):
		t.Fatal("fiber never ran")
	}
}

func TestCallPushesAndResumes(t *testing.T) {
	p := NewPool(1)
	defer p.Close()

	g := p.NewGroup("g1")
	result := make(chan interface{}, 1)

	child := func(f *Fiber, r Result) Outcome {
		return Return("child-done")
	}

	g.FireFiber(func(f *Fiber, r Result) Outcome {
		return Call(newFrame(child), func(f *Fiber, r Result) Outcome {
			result <- r.Val
			return Return(nil)
		})
	})

	select {
	case v := <-result:
		require.Equal(t, "child-done", v)
	case <-time.After(time.Second):
		t.Fatal("call never resumed")
	}
}

func TestConditionWakesWaiter(t *testing.T) {
	p := NewPool(1)
	defer p.Close()

	g := p.NewGroup("g1")
	cond := NewCondition()
	woke := make(chan struct{}, 1)

	g.FireFiber(func(f *Fiber, r Result) Outcome {
		return AwaitOn(cond, 0, func(f *Fiber, r Result) Outcome {
			close(woke)
			return Return(nil)
		})
	})

	// give the awaiting fiber a moment to register on cond before signaling.
	time.Sleep(20 * time.Millisecond)
	g.submit(func() { cond.Signal() })

	select {
	case <-woke:
	case <-time.After(time.Second):
		t.Fatal("condition signal never woke fiber")
	}
}

func TestAwaitTimeoutDeliversErrTimeout(t *testing.T) {
	p := NewPool(1)
	defer p.Close()

	g := p.NewGroup("g1")
	cond := NewCondition()
	errc := make(chan error, 1)

	g.FireFiber(func(f *Fiber, r Result) Outcome {
		return AwaitOn(cond, 30, func(f *Fiber, r Result) Outcome {
			errc <- r.Err
			return Return(nil)
		})
	})

	select {
	case err := <-errc:
		require.ErrorIs(t, err, ErrTimeout)
	case <-time.After(2 * time.Second):
		t.Fatal("timeout was never delivered")
	}
}

func TestFutureCompletedFromAnotherGoroutine(t *testing.T) {
	p := NewPool(1)
	defer p.Close()

	g := p.NewGroup("g1")
	fut := NewFuture(g)
	valc := make(chan interface{}, 1)

	g.FireFiber(func(f *Fiber, r Result) Outcome {
		return AwaitOn(fut, 0, func(f *Fiber, r Result) Outcome {
			valc <- r.Val
			return Return(nil)
		})
	})

	time.Sleep(20 * time.Millisecond)
	go fut.Complete("hello", nil)

	select {
	case v := <-valc:
		require.Equal(t, "hello", v)
	case <-time.After(time.Second):
		t.Fatal("future completion never delivered")
	}
}

func TestSleepResumesAfterDuration(t *testing.T) {
	p := NewPool(1)
	defer p.Close()

	g := p.NewGroup("g1")
	start := time.Now()
	done := make(chan time.Duration, 1)

	g.FireFiber(func(f *Fiber, r Result) Outcome {
		return Sleep(50*time.Millisecond, func(f *Fiber, r Result) Outcome {
			done <- time.Since(start)
			return Return(nil)
		})
	})

	select {
	case d := <-done:
		require.GreaterOrEqual(t, d.Milliseconds(), int64(45))
	case <-time.After(2 * time.Second):
		t.Fatal("sleep never resumed")
	}
}

func TestInterruptWakesWaitingFiber(t *testing.T) {
	p := NewPool(1)
	defer p.Close()

	g := p.NewGroup("g1")
	cond := NewCondition()
	errc := make(chan error, 1)

	var fiberRef *Fiber
	reg := make(chan struct{})

	g.FireFiber(func(f *Fiber, r Result) Outcome {
		fiberRef = f
		close(reg)
		return AwaitOn(cond, 0, func(f *Fiber, r Result) Outcome {
			errc <- r.Err
			return Return(nil)
		})
	})

	<-reg
	time.Sleep(20 * time.Millisecond)
	g.submit(func() { fiberRef.Interrupt() })

	select {
	case err := <-errc:
		require.ErrorIs(t, err, ErrInterrupted)
	case <-time.After(time.Second):
		t.Fatal("interrupt was never delivered")
	}
}

func TestCompareFiberBySchedule(t *testing.T) {
	a := &Fiber{scheduleNanoTime: 100}
	b := &Fiber{scheduleNanoTime: 200}
	require.Equal(t, -1, compareFiberBySchedule(a, b))
	require.Equal(t, 1, compareFiberBySchedule(b, a))
	require.Equal(t, 0, compareFiberBySchedule(a, a))
}

func TestCheckPositive(t *testing.T) {
	require.NoError(t, checkPositive(1))
	require.Error(t, checkPositive(0))
	require.Error(t, checkPositive(-1))
}
