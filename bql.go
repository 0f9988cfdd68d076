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

// BQL is the host's "big emulator lock": a single process-wide mutex held
// by most host callbacks, acquired and released by this core only at the
// dispatch-rule boundaries in §4.3. The core never owns the lock; it is
// supplied by the host and used purely as a collaborator.
type BQL interface {
	Lock()
	Unlock()
	// IsHeld reports whether the lock is currently held by anyone. The
	// dispatcher only ever calls this to decide whether it, specifically,
	// is the one holding it -- true precisely when the calling goroutine
	// last called Lock without an intervening Unlock.
	IsHeld() bool
}

// TrackedBQL is a ready-to-use BQL built on a plain sync.Mutex plus an
// atomic "am I held" flag, for hosts whose own lock type doesn't expose
// IsHeld natively. The dispatcher reads IsHeld to decide whether to release
// and reacquire the lock around a wait or a work item; neither TrackedBQL
// nor the dispatcher asserts on the "never sleep holding the BQL inside
// this core" rule. TrackedBQL does not track recursion: a second Lock from
// the holder blocks.
type TrackedBQL struct {
	mu   sync.Mutex
	held atomic.Bool
}

// NewTrackedBQL returns an unlocked TrackedBQL.
func NewTrackedBQL() *TrackedBQL {
	return &TrackedBQL{}
}

func (b *TrackedBQL) Lock() {
	b.mu.Lock()
	b.held.Store(true)
}

func (b *TrackedBQL) Unlock() {
	b.held.Store(false)
	b.mu.Unlock()
}

func (b *TrackedBQL) IsHeld() bool {
	return b.held.Load()
}
