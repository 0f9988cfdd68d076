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
	"expvar"
	"sync"
	"sync/atomic"
	"time"
)

// Metrics is an opt-in observability sink for barrier contention and
// work-queue depth. It is never read by the core itself: attaching one via
// WithMetrics/WithDispatcherMetrics only ever adds bookkeeping, never
// changes behavior. The zero value is not usable; construct with
// NewMetrics.
type Metrics struct {
	barriers      atomic.Int64
	barrierWaitNS atomic.Int64

	depthMu sync.Mutex
	depth   map[int]int64
}

// NewMetrics returns a ready-to-use Metrics sink.
func NewMetrics() *Metrics {
	return &Metrics{depth: make(map[int]int64)}
}

func (m *Metrics) recordBarrier(wait time.Duration) {
	if m == nil {
		return
	}
	m.barriers.Add(1)
	m.barrierWaitNS.Add(wait.Nanoseconds())
}

func (m *Metrics) setQueueDepth(cpuIndex int, depth int) {
	if m == nil {
		return
	}
	m.depthMu.Lock()
	m.depth[cpuIndex] = int64(depth)
	m.depthMu.Unlock()
}

// Barriers returns the number of StartExclusive calls that have returned
// so far, whether or not the matching EndExclusive has run yet.
func (m *Metrics) Barriers() int64 { return m.barriers.Load() }

// BarrierWait returns the cumulative time every StartExclusive call has
// spent waiting for a prior barrier and for counted CPUs to yield.
func (m *Metrics) BarrierWait() time.Duration {
	return time.Duration(m.barrierWaitNS.Load())
}

// QueueDepth returns the most recently observed work-queue length for the
// CPU at the given index, or 0 if no item has ever been enqueued or
// drained for it.
func (m *Metrics) QueueDepth(cpuIndex int) int64 {
	m.depthMu.Lock()
	defer m.depthMu.Unlock()
	return m.depth[cpuIndex]
}

// Publish registers this Metrics' counters under expvar, namespaced under
// prefix, so they show up on the host's /debug/vars handler alongside the
// rest of the process's exported variables. It is idempotent: publishing
// the same prefix twice (e.g. from two Metrics built in the same process,
// as happens across table-driven tests) is a no-op rather than a panic.
func (m *Metrics) Publish(prefix string) {
	publishOnce(prefix+".barriers", expvar.Func(func() interface{} { return m.Barriers() }))
	publishOnce(prefix+".barrier_wait_ns", expvar.Func(func() interface{} { return m.barrierWaitNS.Load() }))
	publishOnce(prefix+".queue_depth", expvar.Func(func() interface{} {
		m.depthMu.Lock()
		defer m.depthMu.Unlock()
		snapshot := make(map[int]int64, len(m.depth))
		for k, v := range m.depth {
			snapshot[k] = v
		}
		return snapshot
	}))
}

func publishOnce(name string, v expvar.Var) {
	if expvar.Get(name) == nil {
		expvar.Publish(name, v)
	}
}
