// Copyright 2026 The Recoveryd Authors
// SPDX-License-Identifier: Apache-2.0

// Package escrow coordinates multi-client resume-on-reboot (RoR)
// preparation: escrowing a lock-screen-derived key across a reboot so
// an encrypted device can apply an update without the user re-entering
// credentials.
//
// Per requesting package the state machine is NONE → PENDING →
// PREPARED → NONE. Globally there is at most one preparation epoch
// outstanding at a time: concurrent requests from different packages
// converge onto a single underlying escrow preparation, and the
// prepared set must be cleared back to empty before a new epoch can
// begin.
//
// The [Manager] owns the two package sets under one mutex. The mutex
// is held only for set reads and mutation, never across calls into
// the lock-state collaborator, which may block, so a slow
// collaborator cannot stall unrelated reads like [Manager.IsLskfCaptured].
// Collaborator calls run inside a privilege.AsSystem scope, because
// the collaborator performs operations the direct caller is not
// authorized to perform itself.
package escrow

import "context"

// NotifyFunc is an opaque completion-notification handle supplied with
// a preparation request. Invoked (at most once per request) when
// escrow preparation completes. May be nil when the requester does not
// want a notification.
type NotifyFunc func()

// LockSettings is the lock-state collaborator holding the actual
// escrow machinery. Preparation completion arrives asynchronously
// through [Listener.OnPreparedForReboot].
type LockSettings interface {
	// PrepareRebootEscrow begins capturing the lock-screen knowledge
	// factor for escrow. Completion is signalled through the listener.
	PrepareRebootEscrow(ctx context.Context) error

	// ArmRebootEscrow commits the escrow key for the upcoming reboot.
	// Reports whether the key was armed.
	ArmRebootEscrow(ctx context.Context) bool

	// ClearRebootEscrow discards any prepared escrow state.
	ClearRebootEscrow(ctx context.Context) error
}

// Listener receives preparation completion callbacks from the
// lock-state collaborator. [Manager] implements it.
type Listener interface {
	OnPreparedForReboot(ready bool)
}

// PowerManager is the power-control collaborator.
type PowerManager interface {
	Reboot(reason string)
}

// SlotVerifier confirms the intended boot-slot transition before
// escrow is armed. Implemented by bootcontrol.Verifier.
type SlotVerifier interface {
	VerifySlotForNextBoot(slotSwitch bool) bool
}

// Recorder receives best-effort audit records of escrow transitions.
type Recorder interface {
	RecordEscrow(ctx context.Context, event, packageName, outcome string)
}
