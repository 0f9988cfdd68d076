// Copyright 2020 Nathan Taylor (nbtaylor@gmail.com)
//
// Permission is hereby granted, free of charge, to any person obtaining a copy of
// this software and associated documentation files (the "Software"), to deal in
// the Software without restriction, including without limitation the rights to
// use, copy, modify, merge, publish, distribute, sublicense, and/or sell copies
// of the Software, and to permit persons to whom the Software is furnished to do
// so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.

package vcpucore

import "time"

// ExecStart marks cpu as entering a guest-execution window (§4.4). The
// host's per-CPU executor goroutine calls this immediately before running
// a batch of guest instructions, and ExecEnd immediately after. CPU.Step
// wraps both for callers who don't need finer control.
//
// Go's sync/atomic operations are sequentially consistent, which satisfies
// this routine's requirement (inherited from the C original) that the
// store to cpu.running be ordered before the load of pendingCPUs: no
// explicit fence instruction is needed in the Go memory model.
func (r *Registry) ExecStart(cpu *CPU) {
	cpu.running.Store(true)

	if r.pendingCPUs.Load() == 0 {
		return
	}

	r.mu.Lock()
	if !cpu.hasWaiter {
		// We arrived after the initiator's scan of the registry: it
		// does not know to wait for us. Self-suspend until the
		// barrier in progress (or any that start before we wake)
		// releases us.
		cpu.running.Store(false)
		for r.pendingCPUs.Load() != 0 {
			r.resumeCond.Wait()
		}
		cpu.running.Store(true)
	}
	// Else: a barrier already counted us via hasWaiter, and is waiting
	// for our matching ExecEnd. Proceed into guest code; we'll pay the
	// barrier back on the way out.
	r.mu.Unlock()
}

// ExecEnd marks cpu as leaving a guest-execution window (§4.4).
func (r *Registry) ExecEnd(cpu *CPU) {
	cpu.running.Store(false)

	if r.pendingCPUs.Load() == 0 {
		return
	}

	r.mu.Lock()
	if cpu.hasWaiter {
		cpu.hasWaiter = false
		remaining := r.pendingCPUs.Add(-1)
		if remaining == 1 {
			// Only the initiator's own contribution is left.
			r.exclusiveCond.Signal()
		}
	}
	r.mu.Unlock()
}

// StartExclusive halts every other registered CPU that is currently
// running guest code, waits for each to acknowledge, and returns with no
// CPU executing guest code until EndExclusive is called. initiator is the
// CPU on whose behalf the barrier is being taken if the caller is itself a
// CPU's executor goroutine (e.g. processing an exclusive work item from its
// own drain); it may be nil for an arbitrary external caller. initiator
// itself is never counted or kicked.
//
// Concurrent StartExclusive calls from different goroutines serialize: a
// second caller waits on resumeCond until the first's EndExclusive runs.
func (r *Registry) StartExclusive(initiator *CPU) {
	start := time.Now()

	r.mu.Lock()
	for r.pendingCPUs.Load() != 0 {
		r.resumeCond.Wait()
	}

	// Announcing: our own contribution keeps pendingCPUs nonzero (and so
	// blocks new barriers and new ExecStart entries) for the rest of
	// this routine and the critical section that follows it.
	r.pendingCPUs.Store(1)

	var counted int64
	for _, cpu := range *r.cpus.Load() {
		if cpu == initiator {
			continue
		}
		if cpu.running.Load() {
			cpu.hasWaiter = true
			counted++
			cpu.kick()
		}
	}
	r.pendingCPUs.Store(1 + counted)

	for r.pendingCPUs.Load() > 1 {
		r.exclusiveCond.Wait()
	}
	r.mu.Unlock()

	if initiator != nil {
		initiator.inExclusiveContext = true
	}

	if r.metrics != nil {
		r.metrics.recordBarrier(time.Since(start))
	}
}

// EndExclusive releases a barrier previously started with StartExclusive,
// waking every CPU suspended in ExecStart and every goroutine waiting in
// StartExclusive for this one to finish.
func (r *Registry) EndExclusive(initiator *CPU) {
	if initiator != nil {
		initiator.inExclusiveContext = false
	}
	r.mu.Lock()
	r.pendingCPUs.Store(0)
	r.resumeCond.Broadcast()
	r.mu.Unlock()
}
