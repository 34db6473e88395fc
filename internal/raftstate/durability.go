package raftstate

import (
	"github.com/shardkit/raft/internal/fiber"
	"github.com/shardkit/raft/internal/log"
)

// fsyncResult boxes Force's outcome so it can travel through a
// fiber.Future without tripping the frame's error-unwind path: a Result
// delivered with a non-nil Err bypasses the waiting fiber's own resume
// function entirely (internal/fiber's Frame.invoke), which would
// silently end this pipeline on the very first disk error instead of
// letting it log and keep serving later callers.
type fsyncResult struct {
	err error
}

// asyncForce runs Store.Force on a background goroutine tracked by
// durabilityWg — so Close can drain it before the store itself closes —
// and delivers the boxed result to a Future on the group's dispatcher,
// mirroring Store.ForceAsync's own bridge.
func (r *Raft) asyncForce() *fiber.Future {
	fu := fiber.NewFuture(r.group)
	r.durabilityWg.Add(1)
	go func() {
		defer r.durabilityWg.Done()
		fu.Complete(fsyncResult{err: r.store.Force()}, nil)
	}()
	return fu
}

// requestFsync asks the durability pipeline to make every byte appended
// so far durable, and blocks the calling goroutine — a Propose call, an
// AppendEntries handler, anything, not just a fiber — until the batch
// covering this call completes. fsyncQueue is the one legal cross-thread
// ingress point into the pipeline (spec.md §4.2 "Durability").
func (r *Raft) requestFsync() error {
	done := make(chan error, 1)
	r.fsyncQueue.SendAsync(done)
	return <-done
}

// fsyncCollectStep is the pipeline's producer half: it drains requests
// off fsyncQueue onto pendingFsync and signals fsyncForceStep once
// there's something to flush (spec.md §4.2 "needAppendCondition"). Both
// halves run on the same dispatcher goroutine, so pendingFsync needs no
// lock of its own.
func (r *Raft) fsyncCollectStep(f *fiber.Fiber, res fiber.Result) fiber.Outcome {
	return fiber.AwaitOn(r.fsyncQueue, 0, func(f *fiber.Fiber, res fiber.Result) fiber.Outcome {
		if !r.started.True() {
			return fiber.Return(nil)
		}
		r.pendingFsync = append(r.pendingFsync, res.Val.(chan error))
		r.fsyncBatch.Signal()
		return r.fsyncCollectStep(f, fiber.Result{})
	})
}

// fsyncForceStep is the pipeline's consumer half: it waits for
// fsyncCollectStep's signal, then batches every request queued since the
// last round into a single Force call — group commit, so N concurrent
// appenders pay for one fsync instead of N (spec.md §4.2
// "needFsyncCondition").
func (r *Raft) fsyncForceStep(f *fiber.Fiber, res fiber.Result) fiber.Outcome {
	if len(r.pendingFsync) == 0 {
		return fiber.AwaitOn(r.fsyncBatch, 0, func(f *fiber.Fiber, res fiber.Result) fiber.Outcome {
			if !r.started.True() {
				return fiber.Return(nil)
			}
			return r.fsyncForceStep(f, fiber.Result{})
		})
	}

	batch := r.pendingFsync
	r.pendingFsync = nil

	return fiber.AwaitOn(r.asyncForce(), 0, func(f *fiber.Fiber, res fiber.Result) fiber.Outcome {
		out := res.Val.(fsyncResult)
		if out.err != nil {
			log.Errorf("raftstate: group %d: fsync: %v", r.cfg.GroupID, out.err)
		}
		for _, done := range batch {
			done <- out.err
		}
		if !r.started.True() {
			return fiber.Return(nil)
		}
		return r.fsyncForceStep(f, fiber.Result{})
	})
}
