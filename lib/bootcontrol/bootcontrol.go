// Copyright 2026 The Recoveryd Authors
// SPDX-License-Identifier: Apache-2.0

// Package bootcontrol verifies A/B boot-slot state before an escrow
// key is committed to a reboot.
//
// The boot-control interface is optional hardware support: obtaining
// the interface at all is mandatory (an error there is a hard
// failure), but a platform may report that it cannot answer slot
// queries (a nil interface), in which case verification is skipped
// rather than blocking the update. The two tiers must not be
// conflated: failing to reach the boot-control provider means
// something is wrong with the system and the reboot is refused;
// a missing optional capability merely downgrades the check.
package bootcontrol

import (
	"fmt"
	"io"
	"log/slog"
)

// BootControl answers A/B slot queries. Both slots are numbered 0 or 1.
type BootControl interface {
	// CurrentSlot returns the slot the device is currently running.
	CurrentSlot() (int, error)

	// ActiveBootSlot returns the slot the bootloader will boot next.
	ActiveBootSlot() (int, error)
}

// Provider obtains the boot-control interface. The contract carries
// the two-tier fallback:
//
//   - a non-nil error is a hard failure (verification fails);
//   - a nil BootControl with a nil error means the platform does not
//     support slot queries (verification is skipped).
type Provider interface {
	BootControl() (BootControl, error)
}

// Verifier checks that the bootloader's next-boot slot matches the
// slot an update expects before escrow is armed.
type Verifier struct {
	provider Provider
	abDevice bool
	logger   *slog.Logger
}

// NewVerifier constructs a Verifier. abDevice reports whether the
// device uses A/B slots at all; on non-A/B devices verification is
// trivially satisfied.
func NewVerifier(provider Provider, abDevice bool, logger *slog.Logger) *Verifier {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Verifier{
		provider: provider,
		abDevice: abDevice,
		logger:   logger,
	}
}

// VerifySlotForNextBoot reports whether the bootloader's next-boot
// slot matches the expected target: the other slot when slotSwitch is
// set, the current slot otherwise.
//
// Panics if the reported current slot is outside {0, 1}: that is an
// internal invariant violation, and continuing could commit an escrow
// key for the wrong slot.
func (v *Verifier) VerifySlotForNextBoot(slotSwitch bool) bool {
	if !v.abDevice {
		v.logger.Warn("device is not a/b, skipping slot verification")
		return true
	}

	control, err := v.provider.BootControl()
	if err != nil {
		v.logger.Warn("failed to reach boot control", "error", err)
		return false
	}
	if control == nil {
		v.logger.Warn("boot control does not support slot queries, skipping slot verification")
		return true
	}

	currentSlot, err := control.CurrentSlot()
	if err != nil {
		v.logger.Warn("failed to query current slot", "error", err)
		return false
	}
	if currentSlot != 0 && currentSlot != 1 {
		panic(fmt.Sprintf("bootcontrol: current slot should be 0 or 1, got %d", currentSlot))
	}

	activeSlot, err := control.ActiveBootSlot()
	if err != nil {
		v.logger.Warn("failed to query active boot slot", "error", err)
		return false
	}

	expectedSlot := currentSlot
	if slotSwitch {
		expectedSlot = 1 - currentSlot
	}
	if activeSlot != expectedSlot {
		v.logger.Warn("next active boot slot does not match the expected value",
			"expected", expectedSlot,
			"active", activeSlot,
		)
		return false
	}
	return true
}
