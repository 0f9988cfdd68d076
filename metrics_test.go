package vcpucore

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMetrics_QueueDepthTracksEnqueueAndDrain(t *testing.T) {
	m := NewMetrics()
	bql := NewTrackedBQL()
	r := NewRegistry(WithMetrics(m))
	d := NewDispatcher(r, bql, WithDispatcherMetrics(m))
	cpu := NewCPU(nil)
	r.Add(cpu)

	d.AsyncRunOnCPUNoBQL(cpu, func(*CPU, interface{}) {}, nil)
	d.AsyncRunOnCPUNoBQL(cpu, func(*CPU, interface{}) {}, nil)
	assert.EqualValues(t, 2, m.QueueDepth(cpu.Index()))

	d.Drain(cpu)
	assert.EqualValues(t, 0, m.QueueDepth(cpu.Index()))
}

func TestMetrics_PublishIsIdempotent(t *testing.T) {
	m := NewMetrics()
	assert.NotPanics(t, func() {
		m.Publish("vcpucore_test_metrics")
		m.Publish("vcpucore_test_metrics")
	})
}
