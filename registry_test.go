package vcpucore

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_AutoAssignIndicesAreMonotonicAndUnique(t *testing.T) {
	r := NewRegistry()
	seen := map[int]bool{}
	var last = -1
	for i := 0; i < 8; i++ {
		cpu := NewCPU(nil)
		r.Add(cpu)
		require.False(t, seen[cpu.Index()], "index %d reused", cpu.Index())
		seen[cpu.Index()] = true
		assert.Greater(t, cpu.Index(), last)
		last = cpu.Index()
	}
}

func TestRegistry_AutoAssignDoesNotFillGaps(t *testing.T) {
	r := NewRegistry()
	a, b, c := NewCPU(nil), NewCPU(nil), NewCPU(nil)
	r.Add(a)
	r.Add(b)
	r.Add(c)
	require.Equal(t, 1, b.Index())
	r.Remove(b)
	d := NewCPU(nil)
	r.Add(d)
	// max+1 over {0, 2}, not the freed gap at 1.
	assert.Equal(t, 3, d.Index())
}

func TestRegistry_MixedIndexAssignmentPanics(t *testing.T) {
	t.Run("explicit after auto", func(t *testing.T) {
		r := NewRegistry()
		r.Add(NewCPU(nil))
		explicit := NewCPU(nil)
		explicit.index.Store(41)
		assert.Panics(t, func() { r.Add(explicit) })
	})

	t.Run("auto after explicit", func(t *testing.T) {
		r := NewRegistry()
		explicit := NewCPU(nil)
		explicit.index.Store(7)
		r.Add(explicit)
		assert.Panics(t, func() { r.Add(NewCPU(nil)) })
	})
}

func TestRegistry_RemoveIsIdempotent(t *testing.T) {
	r := NewRegistry()
	cpu := NewCPU(nil)
	r.Add(cpu)
	r.Remove(cpu)
	assert.Equal(t, UnassignedIndex, cpu.Index())
	assert.NotPanics(t, func() { r.Remove(cpu) })
}

func TestRegistry_ForEachIteratesConcurrentWithMutation(t *testing.T) {
	r := NewRegistry()
	for i := 0; i < 16; i++ {
		r.Add(NewCPU(nil))
	}

	var wg sync.WaitGroup
	stop := make(chan struct{})

	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			cpu := NewCPU(nil)
			r.Add(cpu)
			r.Remove(cpu)
		}
	}()

	for i := 0; i < 200; i++ {
		count := 0
		r.ForEach(func(*CPU) bool {
			count++
			return true
		})
		assert.GreaterOrEqual(t, count, 16)
	}
	close(stop)
	wg.Wait()
}

func TestRegistry_InitResetsPendingCPUsRegardlessOfParentState(t *testing.T) {
	r := NewRegistry()
	cpu := NewCPU(nil)
	r.Add(cpu)

	// Simulate a parent process with a barrier mid-flight at fork time.
	r.pendingCPUs.Store(3)
	cpu.hasWaiter = true

	r.Init()

	assert.Equal(t, int64(0), r.pendingCPUs.Load())
	assert.False(t, cpu.hasWaiter)

	// A post-fork child should be able to start a fresh barrier without
	// waiting on anything the parent left behind.
	done := make(chan struct{})
	go func() {
		r.StartExclusive(nil)
		r.EndExclusive(nil)
		close(done)
	}()
	select {
	case <-done:
	case <-timeoutCh(t):
		t.Fatal("StartExclusive blocked after Init")
	}
}
