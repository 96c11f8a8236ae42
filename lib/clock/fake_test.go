// Copyright 2026 The Recoveryd Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import (
	"testing"
	"time"
)

func TestFakeNow(t *testing.T) {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	c := Fake(start)

	if got := c.Now(); !got.Equal(start) {
		t.Errorf("Now() = %v, want %v", got, start)
	}

	c.Advance(90 * time.Second)
	want := start.Add(90 * time.Second)
	if got := c.Now(); !got.Equal(want) {
		t.Errorf("Now() after Advance = %v, want %v", got, want)
	}
}

func TestFakeAfterFiresOnAdvance(t *testing.T) {
	c := Fake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))

	ch := c.After(time.Second)
	select {
	case <-ch:
		t.Fatal("After fired before Advance")
	default:
	}

	c.Advance(time.Second)
	select {
	case <-ch:
	default:
		t.Fatal("After did not fire after Advance past deadline")
	}
}

func TestFakeAfterZeroFiresImmediately(t *testing.T) {
	c := Fake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	select {
	case <-c.After(0):
	default:
		t.Fatal("After(0) did not fire immediately")
	}
}

func TestFakeSleepBlocksUntilAdvance(t *testing.T) {
	c := Fake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))

	done := make(chan struct{})
	go func() {
		c.Sleep(time.Second)
		close(done)
	}()

	c.WaitForWaiters(1)
	select {
	case <-done:
		t.Fatal("Sleep returned before Advance")
	default:
	}

	c.Advance(time.Second)
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Sleep did not return after Advance")
	}
}

func TestFakeAdvancePartial(t *testing.T) {
	c := Fake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))

	ch := c.After(3 * time.Second)
	c.Advance(time.Second)
	c.Advance(time.Second)
	select {
	case <-ch:
		t.Fatal("After fired before deadline")
	default:
	}

	c.Advance(time.Second)
	select {
	case <-ch:
	default:
		t.Fatal("After did not fire once the cumulative advance reached the deadline")
	}
}
