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
	"context"
	"log"
	"time"
)

// stallWarnThreshold is how long a synchronous RunOnCPU call waits before
// it starts logging that it's still waiting. This is a diagnostic only --
// per §5/§8, operations here run to completion and are never canceled or
// timed out; the wait itself never returns early because of this.
const stallWarnThreshold = 5 * time.Second

// Dispatcher is the public entry point for posting work onto a CPU and for
// draining a CPU's queue on its own executor goroutine. A Dispatcher is
// bound to one Registry and one host-supplied BQL for its lifetime.
type Dispatcher struct {
	registry *Registry
	bql      BQL
	logger   *log.Logger
	metrics  *Metrics
}

// DispatcherOption configures optional collaborators on a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithDispatcherLogger injects a logger used for diagnostics (stalled
// synchronous waits, recovered work-item panics) and for assertion
// failures. A nil logger (the default) disables diagnostic output.
func WithDispatcherLogger(l *log.Logger) DispatcherOption {
	return func(d *Dispatcher) { d.logger = l }
}

// WithDispatcherMetrics attaches a Metrics sink for queue-depth tracking.
func WithDispatcherMetrics(m *Metrics) DispatcherOption {
	return func(d *Dispatcher) { d.metrics = m }
}

// NewDispatcher binds a Dispatcher to registry and bql.
func NewDispatcher(registry *Registry, bql BQL, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{registry: registry, bql: bql}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// RunOnCPU runs f(cpu, data) on cpu's executor goroutine with the BQL held,
// blocking the caller until f returns.
//
// If the caller is already executing on cpu's own executor goroutine (as
// identified by ctx via WithCurrentCPU), f runs inline: the BQL is
// acquired around it only if not already held, and no work item is
// enqueued at all. Otherwise a work item is built on the caller's stack,
// the BQL is released if the caller holds it (the caller is about to
// sleep, and this core never sleeps while holding the BQL), the item is
// enqueued and cpu is kicked, and the caller waits on cpu's condition
// variable until the item is marked done. The BQL is reacquired before
// returning iff the caller originally held it.
//
// Precondition: the caller holds no per-CPU lock (enqueuing while holding
// one can deadlock against that CPU's own Drain).
func (d *Dispatcher) RunOnCPU(ctx context.Context, cpu *CPU, f WorkFunc, data interface{}) {
	if CurrentCPU(ctx) == cpu {
		hadBQL := d.bql.IsHeld()
		if !hadBQL {
			d.bql.Lock()
		}
		f(cpu, data)
		if !hadBQL {
			d.bql.Unlock()
		}
		return
	}

	item := &WorkItem{fn: f, data: data, ownership: BorrowedByCaller, bql: true}

	hadBQL := d.bql.IsHeld()
	if hadBQL {
		d.bql.Unlock()
	}

	d.enqueue(cpu, item)

	stop := make(chan struct{})
	if d.logger != nil {
		go d.watchStall(cpu, item, stop)
	}

	cpu.workMu.Lock()
	for !item.Done() {
		cpu.workCond.Wait()
	}
	cpu.workMu.Unlock()
	close(stop)

	if hadBQL {
		d.bql.Lock()
	}
}

// AsyncRunOnCPU posts f(cpu, data) to run on cpu's executor goroutine with
// the BQL held, without waiting for it to run.
func (d *Dispatcher) AsyncRunOnCPU(cpu *CPU, f WorkFunc, data interface{}) {
	d.enqueue(cpu, &WorkItem{fn: f, data: data, ownership: OwnedByCore, bql: true})
}

// AsyncRunOnCPUNoBQL posts f(cpu, data) to run on cpu's executor goroutine
// without the BQL held, without waiting for it to run.
func (d *Dispatcher) AsyncRunOnCPUNoBQL(cpu *CPU, f WorkFunc, data interface{}) {
	d.enqueue(cpu, &WorkItem{fn: f, data: data, ownership: OwnedByCore, bql: false})
}

// AsyncSafeRunOnCPU posts f(cpu, data) to run on cpu's executor goroutine
// inside an exclusive barrier (every other CPU halted), without waiting
// for it to run.
func (d *Dispatcher) AsyncSafeRunOnCPU(cpu *CPU, f WorkFunc, data interface{}) {
	d.enqueue(cpu, &WorkItem{fn: f, data: data, ownership: OwnedByCore, exclusive: true, bql: false})
}

func (d *Dispatcher) enqueue(cpu *CPU, item *WorkItem) {
	cpu.workMu.Lock()
	cpu.workList = append(cpu.workList, item)
	depth := len(cpu.workList)
	item.done.Store(false)
	cpu.workMu.Unlock()
	if d.metrics != nil {
		d.metrics.setQueueDepth(cpu.Index(), depth)
	}
	// The kick must happen after the item is visible and before we
	// return, so the target notices it even if it is currently blocked
	// in a wait.
	cpu.kick()
}

// Drain is called by cpu's own executor goroutine when it reaches a safe
// point. It repeatedly pops the head of cpu's work queue and executes it
// per the dispatch rules below, releasing cpu's per-CPU lock between items
// so other goroutines may enqueue, and broadcasting cpu's condition
// variable after every item so synchronous RunOnCPU waiters notice. It
// tolerates re-entrant enqueues performed by an item's own callback and
// returns once the queue is empty.
//
// Dispatch rules, with hasBQL = whether the BQL is held at the moment
// Drain is entered:
//
//   - exclusive (bql must be false): if hasBQL, release the BQL; enter the
//     exclusive barrier, run the item, leave the barrier, reacquire the
//     BQL if it was held. Acquiring the BQL while another CPU is trying to
//     enter the barrier would deadlock the two against each other, hence
//     the requirement that exclusive items never also request the BQL.
//   - non-exclusive, bql=true, hasBQL: run directly.
//   - non-exclusive, bql=true, !hasBQL: acquire the BQL, run, release it.
//   - non-exclusive, bql=false, hasBQL: release the BQL, run, reacquire it.
//   - non-exclusive, bql=false, !hasBQL: run directly.
func (d *Dispatcher) Drain(cpu *CPU) {
	hasBQL := d.bql.IsHeld()

	cpu.workMu.Lock()
	for len(cpu.workList) > 0 {
		item := cpu.workList[0]
		cpu.workList = cpu.workList[1:]
		depth := len(cpu.workList)
		cpu.workMu.Unlock()

		if d.metrics != nil {
			d.metrics.setQueueDepth(cpu.Index(), depth)
		}

		d.runAndNotify(cpu, item, hasBQL)

		cpu.workMu.Lock()
	}
	cpu.workMu.Unlock()
}

// runAndNotify runs item and always broadcasts cpu.workCond afterward, via
// defer, even if item's callback panics -- a synchronous RunOnCPU waiter
// parked in cpu.workCond.Wait() has no other way to learn the item is done,
// and sync.Cond has no spurious wakeups to rescue a missed broadcast.
func (d *Dispatcher) runAndNotify(cpu *CPU, item *WorkItem, hasBQL bool) {
	defer func() {
		cpu.workMu.Lock()
		cpu.workCond.Broadcast()
		cpu.workMu.Unlock()
	}()
	d.run(cpu, item, hasBQL)
}

func (d *Dispatcher) run(cpu *CPU, item *WorkItem, hasBQL bool) {
	defer func() {
		r := recover()
		if item.ownership == BorrowedByCaller {
			item.done.Store(true)
		}
		if r != nil {
			if d.logger != nil {
				d.logger.Printf("vcpucore: work item on cpu %d panicked: %v", cpu.Index(), r)
			}
			panic(r)
		}
	}()

	// Every branch below undoes what it did via defer, not by falling
	// through to cleanup code after item.fn -- a panic from item.fn must
	// still release the BQL and leave the barrier, or it wedges every
	// other CPU against a lock or a barrier that never ends.
	switch {
	case item.exclusive:
		assert(d.logger, !item.bql, "an exclusive work item must not also request the BQL")
		if hasBQL {
			d.bql.Unlock()
			defer d.bql.Lock()
		}
		d.registry.StartExclusive(cpu)
		defer d.registry.EndExclusive(cpu)
		item.fn(cpu, item.data)
	case item.bql && hasBQL:
		item.fn(cpu, item.data)
	case item.bql && !hasBQL:
		d.bql.Lock()
		defer d.bql.Unlock()
		item.fn(cpu, item.data)
	case !item.bql && hasBQL:
		d.bql.Unlock()
		defer d.bql.Lock()
		item.fn(cpu, item.data)
	default: // !item.bql && !hasBQL
		item.fn(cpu, item.data)
	}
}

func (d *Dispatcher) watchStall(cpu *CPU, item *WorkItem, stop <-chan struct{}) {
	t := time.NewTicker(stallWarnThreshold)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			if !item.Done() {
				d.logger.Printf("vcpucore: RunOnCPU on cpu %d has been waiting over %s", cpu.Index(), stallWarnThreshold)
			}
		}
	}
}
