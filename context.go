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

import "context"

// currentCPUKey is the context.Context key under which a CPU's executor
// goroutine stashes its own identity. C emulators keep this in a
// thread-local; Go has no equivalent tied to an OS thread (and goroutines
// aren't pinned to one), so the idiomatic substitute is to thread it
// through the context.Context the executor loop already carries, per the
// "back-references to CPU" design note in §9.
type currentCPUKey struct{}

// WithCurrentCPU returns a context that identifies cpu as the CPU whose
// executor goroutine is running under it. A CPU's own executor loop should
// wrap its context with this once, and pass the result into every call
// that might perform work on this CPU's behalf, so that RunOnCPU can take
// its same-thread fast path.
func WithCurrentCPU(ctx context.Context, cpu *CPU) context.Context {
	return context.WithValue(ctx, currentCPUKey{}, cpu)
}

// CurrentCPU returns the CPU associated with ctx by WithCurrentCPU, or nil
// if ctx does not identify one.
func CurrentCPU(ctx context.Context) *CPU {
	cpu, _ := ctx.Value(currentCPUKey{}).(*CPU)
	return cpu
}
