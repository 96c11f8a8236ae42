// Copyright 2026 The Recoveryd Authors
// SPDX-License-Identifier: Apache-2.0

package escrow

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/updateos/recoveryd/lib/privilege"
)

// requestAction is the decision taken for a new preparation request.
type requestAction int

const (
	// needPreparation: first request of a new epoch, trigger the
	// collaborator's preparation.
	needPreparation requestAction = iota
	// skipPreparationAndNotify: an epoch is already prepared, the
	// latecomer joins it and is notified immediately.
	skipPreparationAndNotify
	// skipPreparationNoNotify: a request is already in flight; wait
	// for its completion.
	skipPreparationNoNotify
)

// clearAction is the decision taken for a clear request.
type clearAction int

const (
	// notRequested: the package never asked for preparation.
	notRequested clearAction = iota
	// clearedNeedCollaboratorClear: this clear emptied both sets, the
	// epoch winds down and the collaborator's escrow state goes too.
	clearedNeedCollaboratorClear
	// clearedSkipCollaboratorClear: other callers still depend on the
	// epoch, leave the collaborator armed.
	clearedSkipCollaboratorClear
)

// Config holds the collaborators for constructing a Manager.
type Config struct {
	// LockSettings is the lock-state collaborator. Required.
	LockSettings LockSettings

	// Verifier confirms boot-slot state before arming. Required.
	Verifier SlotVerifier

	// Power triggers the final reboot. Required.
	Power PowerManager

	// Logger receives operational messages. If nil, logs are
	// discarded.
	Logger *slog.Logger

	// Recorder receives audit records. Nil disables recording.
	Recorder Recorder
}

// Manager is the resume-on-reboot state machine. One instance is
// constructed per service and shared by reference with the command
// surface; there is no package-level state.
type Manager struct {
	lockSettings LockSettings
	verifier     SlotVerifier
	power        PowerManager
	logger       *slog.Logger
	recorder     Recorder

	// mu guards pending and prepared. Held only for map reads and
	// mutation, never across collaborator calls or notifications.
	mu       sync.Mutex
	pending  map[string]NotifyFunc
	prepared map[string]struct{}
}

// NewManager constructs a Manager from cfg.
func NewManager(cfg Config) *Manager {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Manager{
		lockSettings: cfg.LockSettings,
		verifier:     cfg.Verifier,
		power:        cfg.Power,
		logger:       logger,
		recorder:     cfg.Recorder,
		pending:      make(map[string]NotifyFunc),
		prepared:     make(map[string]struct{}),
	}
}

// RequestLskf asks for escrow preparation on behalf of packageName.
// notify, when non-nil, is invoked once preparation completes. That
// may be immediately, when another caller's epoch has already
// completed. Returns false only for a missing package name.
func (m *Manager) RequestLskf(ctx context.Context, packageName string, notify NotifyFunc) bool {
	if packageName == "" {
		m.logger.Warn("missing package name when requesting lskf")
		return false
	}

	action := m.updateOnNewRequest(packageName, notify)
	switch action {
	case skipPreparationAndNotify:
		// Someone else has prepared; the preparation is considered
		// done for this caller too.
		m.record(ctx, "request-lskf", packageName, "joined prepared epoch")
		sendPreparedNotification(notify)
		return true
	case skipPreparationNoNotify:
		m.record(ctx, "request-lskf", packageName, "joined pending epoch")
		return true
	case needPreparation:
		err := privilege.AsSystem(ctx, func(systemCtx context.Context) error {
			return m.lockSettings.PrepareRebootEscrow(systemCtx)
		})
		if err != nil {
			// Preparation failure surfaces later through the
			// listener; the request itself is recorded.
			m.logger.Warn("prepare reboot escrow failed", "error", err)
		}
		m.record(ctx, "request-lskf", packageName, "preparation triggered")
		return true
	default:
		panic(fmt.Sprintf("escrow: unsupported action on new request: %d", action))
	}
}

// updateOnNewRequest applies a new preparation request to the two sets
// and decides the follow-up action.
func (m *Manager) updateOnNewRequest(packageName string, notify NotifyFunc) requestAction {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.prepared) > 0 {
		if _, ok := m.prepared[packageName]; ok {
			m.logger.Info("escrow already prepared for package", "package", packageName)
		}
		m.prepared[packageName] = struct{}{}
		return skipPreparationAndNotify
	}

	needsPreparation := len(m.pending) == 0
	if _, ok := m.pending[packageName]; ok {
		m.logger.Info("duplicate escrow preparation request", "package", packageName)
	}
	// Duplicate requests coalesce to the newest notification handle.
	m.pending[packageName] = notify

	if needsPreparation {
		return needPreparation
	}
	return skipPreparationNoNotify
}

// OnPreparedForReboot is the inbound completion callback from the
// lock-state collaborator. A ready value of false is ignored. On true,
// every pending package moves to the prepared set and its notification
// handle is invoked exactly once.
func (m *Manager) OnPreparedForReboot(ready bool) {
	if !ready {
		return
	}

	notifications := m.moveAllPendingToPrepared()
	for _, notify := range notifications {
		sendPreparedNotification(notify)
	}
	m.record(context.Background(), "prepared", "", fmt.Sprintf("%d packages notified", len(notifications)))
}

// moveAllPendingToPrepared transfers every pending entry into the
// prepared set and returns the notification handles to invoke. The
// desync cases (the collaborator reporting completion when callers
// are already prepared, or when nothing was requested) indicate
// protocol drift with the collaborator; they are logged and tolerated.
func (m *Manager) moveAllPendingToPrepared() []NotifyFunc {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.prepared) > 0 {
		m.logger.Warn("escrow preparation completed while some callers were already prepared")
	}
	if len(m.pending) == 0 {
		m.logger.Warn("escrow preparation completed but no caller has requested it")
	}

	notifications := make([]NotifyFunc, 0, len(m.pending))
	for packageName, notify := range m.pending {
		notifications = append(notifications, notify)
		m.prepared[packageName] = struct{}{}
	}
	clear(m.pending)
	return notifications
}

// ClearLskf withdraws packageName from the current epoch. Clearing a
// package that never prepared is tolerated (reported as success with a
// warning). When the clear empties both sets, the collaborator's
// escrow state is cleared too; otherwise it stays armed for the
// remaining callers.
func (m *Manager) ClearLskf(ctx context.Context, packageName string) bool {
	if packageName == "" {
		m.logger.Warn("missing package name when clearing lskf")
		return false
	}

	action := m.updateOnClear(packageName)
	switch action {
	case notRequested:
		m.logger.Warn("escrow clear requested before preparation", "package", packageName)
		return true
	case clearedSkipCollaboratorClear:
		m.record(ctx, "clear-lskf", packageName, "cleared, epoch still live")
		return true
	case clearedNeedCollaboratorClear:
		err := privilege.AsSystem(ctx, func(systemCtx context.Context) error {
			return m.lockSettings.ClearRebootEscrow(systemCtx)
		})
		if err != nil {
			m.logger.Warn("clear reboot escrow failed", "error", err)
		}
		m.record(ctx, "clear-lskf", packageName, "epoch wound down")
		return true
	default:
		panic(fmt.Sprintf("escrow: unsupported action on clear: %d", action))
	}
}

// updateOnClear removes packageName from both sets and decides whether
// the collaborator's escrow state should be cleared as well.
func (m *Manager) updateOnClear(packageName string) clearAction {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, wasPending := m.pending[packageName]
	_, wasPrepared := m.prepared[packageName]
	if !wasPending && !wasPrepared {
		return notRequested
	}
	delete(m.pending, packageName)
	delete(m.prepared, packageName)

	if len(m.pending) == 0 && len(m.prepared) == 0 {
		return clearedNeedCollaboratorClear
	}
	return clearedSkipCollaboratorClear
}

// IsLskfCaptured reports whether escrow preparation has completed for
// packageName.
func (m *Manager) IsLskfCaptured(packageName string) bool {
	m.mu.Lock()
	_, captured := m.prepared[packageName]
	m.mu.Unlock()

	if !captured {
		m.logger.Info("escrow not captured for package", "package", packageName)
	}
	return captured
}

// RebootWithLskf reboots into the update iff every precondition holds,
// strictly in this order: escrow captured for packageName, boot-slot
// verification for slotSwitch, escrow armed. Arming before slot
// verification could commit an escrow key for the wrong target slot,
// so the order must not change. Any failed precondition aborts with no
// side effects.
func (m *Manager) RebootWithLskf(ctx context.Context, packageName, reason string, slotSwitch bool) bool {
	if packageName == "" {
		m.logger.Warn("missing package name when rebooting with lskf")
		return false
	}
	if !m.IsLskfCaptured(packageName) {
		return false
	}

	if !m.verifier.VerifySlotForNextBoot(slotSwitch) {
		return false
	}

	armed := false
	err := privilege.AsSystem(ctx, func(systemCtx context.Context) error {
		armed = m.lockSettings.ArmRebootEscrow(systemCtx)
		return nil
	})
	if err != nil {
		m.logger.Warn("arm reboot escrow failed", "error", err)
	}
	if !armed {
		m.logger.Warn("failed to arm escrow key for reboot", "package", packageName)
		m.record(ctx, "reboot-lskf", packageName, "arm failed")
		return false
	}

	m.record(ctx, "reboot-lskf", packageName, "rebooting: "+reason)
	m.power.Reboot(reason)
	return true
}

// RebootWithLskfAssumeSlotSwitch is the legacy reboot entry point; it
// behaves like RebootWithLskf with slotSwitch forced on.
func (m *Manager) RebootWithLskfAssumeSlotSwitch(ctx context.Context, packageName, reason string) bool {
	return m.RebootWithLskf(ctx, packageName, reason, true)
}

// sendPreparedNotification invokes a notification handle if present.
func sendPreparedNotification(notify NotifyFunc) {
	if notify != nil {
		notify()
	}
}

func (m *Manager) record(ctx context.Context, event, packageName, outcome string) {
	if m.recorder == nil {
		return
	}
	m.recorder.RecordEscrow(ctx, event, packageName, outcome)
}
