// Copyright 2026 The Recoveryd Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock provides an injectable time abstraction for testability.
//
// Production code accepts a Clock parameter instead of calling
// time.Now, time.After, or time.Sleep directly. In production, Real()
// provides the standard library behavior. In tests, Fake() provides a
// deterministic clock that advances only when Advance is called.
//
// When a goroutine calls Sleep or After on a FakeClock, it registers a
// pending waiter. Use WaitForWaiters to block until a specific number
// of waiters are registered before calling Advance. This eliminates
// the race between timer registration and time advancement that
// plagues tests built on real sleeps.
package clock
