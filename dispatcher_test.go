package vcpucore

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// executorHarness simulates one CPU's dedicated executor goroutine: it
// loops stepping trivial guest code and draining the dispatcher's queue
// whenever kicked, exactly as a real host main loop would at its safe
// points.
type executorHarness struct {
	cpu   *CPU
	r     *Registry
	d     *Dispatcher
	kick  chan struct{}
	stop  chan struct{}
	wg    sync.WaitGroup
	ctx   context.Context
}

func newExecutorHarness(r *Registry, d *Dispatcher) *executorHarness {
	h := &executorHarness{r: r, d: d, kick: make(chan struct{}, 1), stop: make(chan struct{})}
	h.cpu = NewCPU(func() {
		select {
		case h.kick <- struct{}{}:
		default:
		}
	})
	h.ctx = WithCurrentCPU(context.Background(), h.cpu)
	return h
}

func (h *executorHarness) start() {
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		for {
			select {
			case <-h.stop:
				return
			case <-h.kick:
				h.d.Drain(h.cpu)
			case <-time.After(time.Millisecond):
				h.cpu.Step(h.r, func() {})
			}
		}
	}()
}

func (h *executorHarness) close() {
	close(h.stop)
	h.wg.Wait()
}

func TestDispatcher_RunOnCPU_SameThreadRunsInline(t *testing.T) {
	bql := NewTrackedBQL()
	r := NewRegistry()
	d := NewDispatcher(r, bql)
	cpu := NewCPU(nil)
	r.Add(cpu)

	ctx := WithCurrentCPU(context.Background(), cpu)

	var ran bool
	d.RunOnCPU(ctx, cpu, func(c *CPU, data interface{}) {
		ran = true
		assert.Same(t, cpu, c)
		assert.Equal(t, 42, data)
		assert.True(t, bql.IsHeld(), "BQL should be held while f runs")
	}, 42)

	assert.True(t, ran)
	assert.False(t, bql.IsHeld(), "BQL should be released again once RunOnCPU returns")
}

func TestDispatcher_RunOnCPU_CrossThreadBlocksUntilDrained(t *testing.T) {
	bql := NewTrackedBQL()
	r := NewRegistry()
	d := NewDispatcher(r, bql)

	h := newExecutorHarness(r, d)
	r.Add(h.cpu)
	h.start()
	defer h.close()

	bql.Lock()
	var ranOnGoroutine int64
	done := make(chan struct{})
	go func() {
		d.RunOnCPU(context.Background(), h.cpu, func(c *CPU, data interface{}) {
			atomic.StoreInt64(&ranOnGoroutine, 1)
		}, nil)
		close(done)
	}()

	select {
	case <-done:
	case <-timeoutCh(t):
		t.Fatal("RunOnCPU never returned")
	}
	require.EqualValues(t, 1, atomic.LoadInt64(&ranOnGoroutine))
	assert.True(t, bql.IsHeld(), "RunOnCPU must restore the caller's original BQL state")
	bql.Unlock()
}

func TestDispatcher_AsyncRunOnCPU_PreservesSubmissionOrder(t *testing.T) {
	bql := NewTrackedBQL()
	r := NewRegistry()
	d := NewDispatcher(r, bql)

	h := newExecutorHarness(r, d)
	r.Add(h.cpu)
	h.start()
	defer h.close()

	const n = 50
	var mu sync.Mutex
	var order []int

	for i := 0; i < n; i++ {
		i := i
		d.AsyncRunOnCPU(h.cpu, func(c *CPU, data interface{}) {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
		}, nil)
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == n
	}, testTimeout, time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	for i, v := range order {
		assert.Equal(t, i, v, "work items executed out of submission order")
	}
}

func TestDispatcher_AsyncSafeRunOnCPU_RunsInsideExclusiveBarrier(t *testing.T) {
	bql := NewTrackedBQL()
	r := NewRegistry()
	d := NewDispatcher(r, bql)

	target := newExecutorHarness(r, d)
	r.Add(target.cpu)
	target.start()
	defer target.close()

	bystander := NewCPU(nil)
	r.Add(bystander)
	stop := make(chan struct{})
	var bystanderExecs int64
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		runGuestLoop(r, bystander, &bystanderExecs, stop)
	}()

	time.Sleep(5 * time.Millisecond)

	bql.Lock()
	var sawBystanderRunning bool
	done := make(chan struct{})
	d.AsyncSafeRunOnCPU(target.cpu, func(c *CPU, data interface{}) {
		sawBystanderRunning = bystander.Running()
		close(done)
	}, nil)

	select {
	case <-done:
	case <-timeoutCh(t):
		t.Fatal("AsyncSafeRunOnCPU never ran")
	}
	assert.False(t, sawBystanderRunning, "bystander CPU was running during an exclusive section")
	assert.True(t, bql.IsHeld(), "the caller's BQL state must be unaffected by another CPU's exclusive item")
	bql.Unlock()

	close(stop)
	wg.Wait()
}

func TestDispatcher_Drain_ToleratesReentrantEnqueue(t *testing.T) {
	bql := NewTrackedBQL()
	r := NewRegistry()
	d := NewDispatcher(r, bql)
	cpu := NewCPU(nil)
	r.Add(cpu)

	var runs int32
	var reenqueue func(*CPU, interface{})
	reenqueue = func(c *CPU, data interface{}) {
		if atomic.AddInt32(&runs, 1) < 3 {
			d.AsyncRunOnCPU(c, reenqueue, nil)
		}
	}
	d.AsyncRunOnCPU(cpu, reenqueue, nil)

	d.Drain(cpu)
	assert.EqualValues(t, 3, atomic.LoadInt32(&runs))
}

func TestDispatcher_ExclusiveItemRejectsBQL(t *testing.T) {
	bql := NewTrackedBQL()
	r := NewRegistry()
	d := NewDispatcher(r, bql)
	cpu := NewCPU(nil)
	r.Add(cpu)

	item := &WorkItem{
		fn:        func(*CPU, interface{}) {},
		exclusive: true,
		bql:       true,
	}
	assert.Panics(t, func() { d.run(cpu, item, false) })
}

func TestDispatcher_PanicInWorkItemUnblocksSynchronousWaiter(t *testing.T) {
	bql := NewTrackedBQL()
	r := NewRegistry()
	d := NewDispatcher(r, bql)
	cpu := NewCPU(nil)
	r.Add(cpu)

	waiterDone := make(chan struct{})
	go func() {
		defer close(waiterDone)
		defer func() { recover() }()
		d.RunOnCPU(context.Background(), cpu, func(*CPU, interface{}) {
			panic("boom")
		}, nil)
	}()

	// Give RunOnCPU a moment to enqueue before we drain on cpu's "own
	// thread" (this goroutine, standing in for its executor).
	time.Sleep(time.Millisecond)
	func() {
		defer func() { recover() }()
		d.Drain(cpu)
	}()

	select {
	case <-waiterDone:
	case <-timeoutCh(t):
		t.Fatal("RunOnCPU waiter was left blocked by a panicking work item")
	}
}
