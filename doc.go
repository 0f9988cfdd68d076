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

// Package vcpucore implements the coordination core of a multi-threaded
// machine emulator: a registry of live guest CPU contexts, a per-CPU FIFO
// work queue, a dispatcher that posts synchronous, asynchronous, and
// exclusive work onto a target CPU, and an exclusive-execution barrier that
// briefly halts every other CPU so a caller can mutate shared emulator
// state safely.
//
// ## Overview
//
// Each guest CPU has exactly one dedicated executor goroutine (owned by the
// host). Arbitrary other goroutines may call Dispatcher.RunOnCPU,
// Dispatcher.AsyncRunOnCPU, Dispatcher.AsyncRunOnCPUNoBQL,
// Dispatcher.AsyncSafeRunOnCPU, and Registry.StartExclusive.
//
// A CPU's executor goroutine publishes whether it is currently running guest
// code via an atomic flag (Registry.ExecStart / Registry.ExecEnd, or the
// CPU.Step convenience wrapper around them). The exclusive barrier
// (Registry.StartExclusive / Registry.EndExclusive) uses that flag, plus a
// shared "how many CPUs are being waited on" counter, to guarantee that no
// CPU executes guest code while the barrier's critical section runs.
//
// Work submitted through the Dispatcher is queued on the target CPU's work
// list and executed by that CPU's own goroutine the next time it calls
// Dispatcher.Drain at a safe point; the dispatch rules in Drain's
// documentation describe exactly how each kind of work interacts with the
// host's "big lock" (BQL).
//
// This package has no persistent state, no wire format, and no CLI surface;
// it is an in-process coordination library only.
package vcpucore
