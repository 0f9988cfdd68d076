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
	"log"
	"sync"
	"sync/atomic"
)

// Registry holds the ordered list of live CPUs for one emulator instance
// and the state backing the exclusive-execution barrier (§3, §4.1, §4.4).
// It is safe for concurrent use from any number of goroutines.
//
// A process that forks after creating a Registry must call Init in the
// child before using it further; the parent's barrier state (an
// in-progress StartExclusive, any counted CPUs) never carries over (§6).
type Registry struct {
	mu sync.Mutex

	// cpus is swapped, not mutated in place, under mu, so that readers
	// such as ForEach can take a snapshot reference without holding mu
	// for the duration of their iteration -- the read-copy-update
	// discipline §4.1 and §9 call for. The barrier scan in StartExclusive
	// holds mu while it iterates.
	cpus atomic.Pointer[[]*CPU]

	indexAutoAssigned bool // sticky until Init: some CPU was auto-indexed
	indexExplicit     bool // sticky until Init: some CPU was given an explicit index

	pendingCPUs atomic.Int64

	exclusiveCond *sync.Cond // initiator waits here for pendingCPUs to reach 1
	resumeCond    *sync.Cond // non-initiators wait here while pendingCPUs > 0

	logger  *log.Logger
	metrics *Metrics
}

// RegistryOption configures optional collaborators on a Registry.
type RegistryOption func(*Registry)

// WithLogger injects a logger used for diagnostics and for messages
// preceding a fatal assertion. A nil logger (the default) disables
// diagnostic output; assertion failures still panic.
func WithLogger(l *log.Logger) RegistryOption {
	return func(r *Registry) { r.logger = l }
}

// WithMetrics attaches a Metrics sink. A nil Metrics (the default)
// disables metrics collection entirely.
func WithMetrics(m *Metrics) RegistryOption {
	return func(r *Registry) { r.metrics = m }
}

// NewRegistry constructs an empty, ready-to-use Registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{}
	r.exclusiveCond = sync.NewCond(&r.mu)
	r.resumeCond = sync.NewCond(&r.mu)
	empty := make([]*CPU, 0)
	r.cpus.Store(&empty)
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Init (re)initializes barrier state. It is safe to call in a freshly
// forked child process: pendingCPUs is reset to 0 unconditionally and
// every currently-registered CPU's per-barrier bookkeeping is cleared,
// regardless of what the parent was doing when fork occurred. Init also
// clears the sticky auto/explicit index-assignment flags, so the next Add
// may use either kind of index.
func (r *Registry) Init() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pendingCPUs.Store(0)
	for _, cpu := range *r.cpus.Load() {
		cpu.hasWaiter = false
		cpu.inExclusiveContext = false
	}
	r.indexAutoAssigned = false
	r.indexExplicit = false
	r.exclusiveCond.Broadcast()
	r.resumeCond.Broadcast()
}

// Lock acquires the registry mutex, letting external iteration serialize
// against membership changes.
func (r *Registry) Lock() { r.mu.Lock() }

// Unlock releases the registry mutex.
func (r *Registry) Unlock() { r.mu.Unlock() }

// Add registers cpu, assigning it an index if it doesn't already have one.
// Auto-assigned indices are the smallest integer strictly greater than
// every existing index (max+1, not gap-filling): an index freed below the
// current maximum is not handed out again, but once the highest-indexed
// CPU is removed its index is the next one assigned. Mixing auto-assigned
// and caller-supplied indices is a fatal misuse (§3's "never mixed"
// invariant); the record of which kind has been used is cleared only by
// Init.
func (r *Registry) Add(cpu *CPU) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur := *r.cpus.Load()
	if cpu.index.Load() == int32(UnassignedIndex) {
		assert(r.logger, !r.indexExplicit, "cannot auto-assign a CPU index once an explicit index has been used")
		max := int32(-1)
		for _, c := range cur {
			if idx := c.index.Load(); idx > max {
				max = idx
			}
		}
		cpu.index.Store(max + 1)
		r.indexAutoAssigned = true
	} else {
		assert(r.logger, !r.indexAutoAssigned, "cannot add a CPU with an explicit index once auto-assignment has been used")
		r.indexExplicit = true
	}

	next := make([]*CPU, len(cur)+1)
	copy(next, cur)
	next[len(cur)] = cpu
	r.cpus.Store(&next)
}

// Remove unregisters cpu. It is idempotent: removing a CPU that is not
// (or no longer) registered is a no-op.
func (r *Registry) Remove(cpu *CPU) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur := *r.cpus.Load()
	at := -1
	for i, c := range cur {
		if c == cpu {
			at = i
			break
		}
	}
	if at == -1 {
		return
	}

	next := make([]*CPU, 0, len(cur)-1)
	next = append(next, cur[:at]...)
	next = append(next, cur[at+1:]...)
	r.cpus.Store(&next)
	cpu.index.Store(int32(UnassignedIndex))
}

// ForEach iterates a snapshot of the registry without holding the registry
// mutex for the duration, per the read-copy-update discipline described in
// §4.1/§9. fn is called for each CPU in registration order until it
// returns false or the snapshot is exhausted. Concurrent Add/Remove calls
// never invalidate an in-progress ForEach; they simply won't be reflected
// in it.
func (r *Registry) ForEach(fn func(*CPU) bool) {
	for _, cpu := range *r.cpus.Load() {
		if !fn(cpu) {
			return
		}
	}
}

// Snapshot returns a point-in-time view of every registered CPU's
// coordination state, for introspection and metrics -- the Go analogue of
// an emulator's "query CPUs" monitor command. It takes the registry mutex
// so that HasWaiter, which §3 requires be read only under that mutex, is
// read consistently.
func (r *Registry) Snapshot() []CPUInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur := *r.cpus.Load()
	out := make([]CPUInfo, len(cur))
	for i, cpu := range cur {
		out[i] = CPUInfo{
			Index:     cpu.Index(),
			Running:   cpu.running.Load(),
			HasWaiter: cpu.hasWaiter,
		}
	}
	return out
}
