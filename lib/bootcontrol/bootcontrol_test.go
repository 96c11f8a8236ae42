// Copyright 2026 The Recoveryd Authors
// SPDX-License-Identifier: Apache-2.0

package bootcontrol

import (
	"errors"
	"testing"
)

// fakeControl is a scripted BootControl.
type fakeControl struct {
	currentSlot    int
	currentError   error
	activeSlot     int
	activeError    error
}

func (f *fakeControl) CurrentSlot() (int, error)    { return f.currentSlot, f.currentError }
func (f *fakeControl) ActiveBootSlot() (int, error) { return f.activeSlot, f.activeError }

// fakeProvider returns a scripted control or a scripted error.
type fakeProvider struct {
	control BootControl
	err     error
}

func (f *fakeProvider) BootControl() (BootControl, error) { return f.control, f.err }

func TestVerifyNonABDeviceSkips(t *testing.T) {
	// The provider would hard-fail, but non-A/B devices never query it.
	verifier := NewVerifier(&fakeProvider{err: errors.New("unreachable")}, false, nil)
	if !verifier.VerifySlotForNextBoot(true) {
		t.Error("VerifySlotForNextBoot on non-a/b device = false, want true")
	}
}

func TestVerifyProviderErrorIsHardFailure(t *testing.T) {
	verifier := NewVerifier(&fakeProvider{err: errors.New("rpc failure")}, true, nil)
	if verifier.VerifySlotForNextBoot(false) {
		t.Error("VerifySlotForNextBoot with provider error = true, want false")
	}
}

func TestVerifyNilControlIsSoftSkip(t *testing.T) {
	verifier := NewVerifier(&fakeProvider{control: nil, err: nil}, true, nil)
	if !verifier.VerifySlotForNextBoot(true) {
		t.Error("VerifySlotForNextBoot with unsupported control = false, want true")
	}
}

func TestVerifySlotMatch(t *testing.T) {
	tests := []struct {
		name        string
		currentSlot int
		activeSlot  int
		slotSwitch  bool
		want        bool
	}{
		{"no switch, staying on 0", 0, 0, false, true},
		{"no switch, unexpected move to 1", 0, 1, false, false},
		{"switch from 0, active is 1", 0, 1, true, true},
		{"switch from 0, active still 0", 0, 0, true, false},
		{"switch from 1, active is 0", 1, 0, true, true},
		{"no switch, staying on 1", 1, 1, false, true},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			control := &fakeControl{
				currentSlot: test.currentSlot,
				activeSlot:  test.activeSlot,
			}
			verifier := NewVerifier(&fakeProvider{control: control}, true, nil)
			if got := verifier.VerifySlotForNextBoot(test.slotSwitch); got != test.want {
				t.Errorf("VerifySlotForNextBoot(%v) = %v, want %v", test.slotSwitch, got, test.want)
			}
		})
	}
}

func TestVerifyQueryErrorsFail(t *testing.T) {
	t.Run("current slot query fails", func(t *testing.T) {
		control := &fakeControl{currentError: errors.New("query failed")}
		verifier := NewVerifier(&fakeProvider{control: control}, true, nil)
		if verifier.VerifySlotForNextBoot(false) {
			t.Error("VerifySlotForNextBoot = true, want false")
		}
	})
	t.Run("active slot query fails", func(t *testing.T) {
		control := &fakeControl{currentSlot: 0, activeError: errors.New("query failed")}
		verifier := NewVerifier(&fakeProvider{control: control}, true, nil)
		if verifier.VerifySlotForNextBoot(false) {
			t.Error("VerifySlotForNextBoot = true, want false")
		}
	})
}

func TestVerifyInvalidCurrentSlotPanics(t *testing.T) {
	control := &fakeControl{currentSlot: 7}
	verifier := NewVerifier(&fakeProvider{control: control}, true, nil)

	defer func() {
		if recover() == nil {
			t.Error("VerifySlotForNextBoot with current slot 7 did not panic")
		}
	}()
	verifier.VerifySlotForNextBoot(false)
}
