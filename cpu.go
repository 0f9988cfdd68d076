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

import (
	"sync"
	"sync/atomic"
)

// UnassignedIndex is the sentinel index of a CPU before it is registered
// and after it is removed.
const UnassignedIndex int = -1

// WorkOwnership distinguishes a work item the core owns (and may discard
// once executed) from one the submitter still owns and waits on. Per the
// "work item ownership" design note, this is a sum type rather than a bare
// boolean.
type WorkOwnership int

const (
	// BorrowedByCaller items are built on the caller's stack; the core
	// never frees them, and the caller observes completion through
	// WorkItem.Done.
	BorrowedByCaller WorkOwnership = iota
	// OwnedByCore items are allocated by the dispatcher on the
	// submitter's behalf; the core is the only thing that ever looks at
	// them again, so there is nothing for a caller to wait on.
	OwnedByCore
)

// WorkFunc is a unit of work posted to a CPU: a callback plus an opaque
// payload, run on the target CPU's own goroutine.
type WorkFunc func(cpu *CPU, data interface{})

// WorkItem is one entry in a CPU's work queue. Callers never construct a
// WorkItem directly; the Dispatcher's Run/Async methods build one with the
// flag combination appropriate to the operation.
type WorkItem struct {
	fn        WorkFunc
	data      interface{}
	ownership WorkOwnership
	exclusive bool
	bql       bool
	done      atomic.Bool
}

// Done reports whether this item has finished executing. Only meaningful
// for BorrowedByCaller items; OwnedByCore items are never observed again
// after being enqueued.
func (w *WorkItem) Done() bool {
	return w.done.Load()
}

// CPUInfo is a point-in-time, read-only snapshot of one CPU's coordination
// state, as returned by Registry.Snapshot.
type CPUInfo struct {
	Index     int
	Running   bool
	HasWaiter bool
}

// CPU is the coordination-facing handle for one guest CPU execution
// context. The emulator's instruction-stepping loop and device model own
// everything else about a CPU (registers, memory view, translation cache);
// this struct holds only what the registry, work queue, dispatcher, and
// barrier need.
type CPU struct {
	// index is written only under the owning Registry's mutex (Add/
	// Remove serialize against each other and against the auto/explicit
	// invariant check), but it is an atomic so that code outside the
	// registry -- the dispatcher and metrics, which have no reason to
	// take the registry lock just to log or tag a counter -- can read it
	// without racing those writes.
	index atomic.Int32

	running atomic.Bool // true while executing guest code (§4.4)

	hasWaiter          bool // guarded by the owning Registry's mutex
	inExclusiveContext bool // true only on the thread holding an exclusive barrier

	workMu   sync.Mutex
	workCond *sync.Cond
	workList []*WorkItem

	kickFn func()
}

// NewCPU creates an unregistered CPU context. kick is called by the core
// whenever this CPU's executor goroutine should wake from any blocking wait
// (work enqueued, barrier requested); it must be non-blocking and safe to
// call from any goroutine, including when the target is not currently
// waiting on anything. A nil kick is replaced with a no-op, which is only
// sensible for tests that drive Drain/ExecStart/ExecEnd by hand.
func NewCPU(kick func()) *CPU {
	cpu := &CPU{kickFn: kick}
	cpu.index.Store(int32(UnassignedIndex))
	cpu.workCond = sync.NewCond(&cpu.workMu)
	if cpu.kickFn == nil {
		cpu.kickFn = func() {}
	}
	return cpu
}

// Index returns this CPU's registry-assigned index, or UnassignedIndex if
// it is not currently registered.
func (cpu *CPU) Index() int {
	return int(cpu.index.Load())
}

// Running reports whether this CPU is currently between ExecStart and
// ExecEnd, i.e. executing guest code.
func (cpu *CPU) Running() bool {
	return cpu.running.Load()
}

// InExclusiveContext reports whether an exclusive barrier started with this
// CPU as its initiator is currently held. The flag belongs to the CPU, not
// to the calling goroutine.
func (cpu *CPU) InExclusiveContext() bool {
	return cpu.inExclusiveContext
}

func (cpu *CPU) kick() {
	cpu.kickFn()
}

// Step brackets fn with ExecStart/ExecEnd on r, publishing this CPU's
// running state around the guest-execution window the way the emulator's
// instruction loop would around a batch of guest instructions. This is a
// convenience wrapper; callers that need finer control may call ExecStart
// and ExecEnd directly.
func (cpu *CPU) Step(r *Registry, fn func()) {
	r.ExecStart(cpu)
	defer r.ExecEnd(cpu)
	fn()
}
