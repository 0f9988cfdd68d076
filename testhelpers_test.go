package vcpucore

import (
	"testing"
	"time"
)

// testTimeout bounds how long any single test is willing to block on a
// goroutine; this core has no cancellation of its own (§5), so tests that
// want to detect a deadlock race the operation against this instead.
const testTimeout = 2 * time.Second

func timeoutCh(t *testing.T) <-chan time.Time {
	t.Helper()
	return time.After(testTimeout)
}
