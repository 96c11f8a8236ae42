// Copyright 2026 The Recoveryd Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"context"
	"fmt"
	"sync"

	"github.com/updateos/recoveryd/lib/codec"
	"github.com/updateos/recoveryd/lib/escrow"
	"github.com/updateos/recoveryd/lib/history"
	"github.com/updateos/recoveryd/lib/recoveryapi"
	"github.com/updateos/recoveryd/lib/uncrypt"
)

// rebootReasonRecovery is the power-manager reason for a reboot into
// the recovery image.
const rebootReasonRecovery = "recovery"

// handlerDeps are the collaborators the action handlers dispatch to.
type handlerDeps struct {
	stager  *uncrypt.Stager
	manager *escrow.Manager
	power   escrow.PowerManager

	// historyLog is nil when history is disabled in the config.
	historyLog *history.Log
}

// registerHandlers wires every command-surface action onto the server.
func registerHandlers(server *Server, deps handlerDeps) {
	server.Handle(recoveryapi.ActionUncrypt, deps.handleUncrypt)
	server.Handle(recoveryapi.ActionSetupBcb, deps.handleSetupBcb)
	server.Handle(recoveryapi.ActionClearBcb, deps.handleClearBcb)
	server.Handle(recoveryapi.ActionRebootRecovery, deps.handleRebootRecovery)
	server.Handle(recoveryapi.ActionRequestLskf, deps.handleRequestLskf)
	server.Handle(recoveryapi.ActionClearLskf, deps.handleClearLskf)
	server.Handle(recoveryapi.ActionIsLskfCaptured, deps.handleIsLskfCaptured)
	server.Handle(recoveryapi.ActionRebootLskf, deps.handleRebootLskf)
	server.Handle(recoveryapi.ActionRebootLskfLegacy, deps.handleRebootLskfLegacy)
	server.Handle(recoveryapi.ActionHistory, deps.handleHistory)
	server.Handle(recoveryapi.ActionHistoryExport, deps.handleHistoryExport)
}

func decodeRequest(raw []byte) (recoveryapi.Request, error) {
	var request recoveryapi.Request
	if err := codec.Unmarshal(raw, &request); err != nil {
		return recoveryapi.Request{}, fmt.Errorf("invalid request: %w", err)
	}
	return request, nil
}

func (d handlerDeps) handleUncrypt(ctx context.Context, raw []byte, progress func(int)) (any, error) {
	request, err := decodeRequest(raw)
	if err != nil {
		return nil, err
	}
	if request.Filename == "" {
		return nil, fmt.Errorf("missing required field: filename")
	}
	success := d.stager.Uncrypt(ctx, request.Filename, progress)
	return recoveryapi.BoolResult{Value: success}, nil
}

func (d handlerDeps) handleSetupBcb(ctx context.Context, raw []byte, progress func(int)) (any, error) {
	request, err := decodeRequest(raw)
	if err != nil {
		return nil, err
	}
	if request.Command == "" {
		return nil, fmt.Errorf("missing required field: command")
	}
	success := d.stager.SetupBcb(ctx, request.Command)
	return recoveryapi.BoolResult{Value: success}, nil
}

func (d handlerDeps) handleClearBcb(ctx context.Context, raw []byte, progress func(int)) (any, error) {
	success := d.stager.ClearBcb(ctx)
	return recoveryapi.BoolResult{Value: success}, nil
}

// handleRebootRecovery stages the given BCB command and, on success,
// reboots into recovery. An empty command stages a plain recovery
// boot. The reboot runs while the staging mutex is still held, so no
// concurrent BCB operation can wipe the staged command first. On real
// hardware the response may never reach the caller; a true outcome
// means the reboot was initiated.
func (d handlerDeps) handleRebootRecovery(ctx context.Context, raw []byte, progress func(int)) (any, error) {
	request, err := decodeRequest(raw)
	if err != nil {
		return nil, err
	}
	success := d.stager.SetupBcbThen(ctx, request.Command, func() {
		d.power.Reboot(rebootReasonRecovery)
	})
	return recoveryapi.BoolResult{Value: success}, nil
}

func (d handlerDeps) handleRequestLskf(ctx context.Context, raw []byte, progress func(int)) (any, error) {
	request, err := decodeRequest(raw)
	if err != nil {
		return nil, err
	}

	if !request.Wait {
		registered := d.manager.RequestLskf(ctx, request.Package, nil)
		return recoveryapi.BoolResult{Value: registered}, nil
	}

	// The notification handle may fire more than once if the same
	// package requests again during a ready epoch; Once keeps the
	// channel close idempotent.
	captured := make(chan struct{})
	var once sync.Once
	notify := func() {
		once.Do(func() { close(captured) })
	}

	registered := d.manager.RequestLskf(ctx, request.Package, notify)
	if !registered {
		return recoveryapi.BoolResult{Value: false}, nil
	}

	select {
	case <-captured:
		return recoveryapi.BoolResult{Value: true}, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("waiting for capture: %w", ctx.Err())
	}
}

func (d handlerDeps) handleClearLskf(ctx context.Context, raw []byte, progress func(int)) (any, error) {
	request, err := decodeRequest(raw)
	if err != nil {
		return nil, err
	}
	cleared := d.manager.ClearLskf(ctx, request.Package)
	return recoveryapi.BoolResult{Value: cleared}, nil
}

func (d handlerDeps) handleIsLskfCaptured(ctx context.Context, raw []byte, progress func(int)) (any, error) {
	request, err := decodeRequest(raw)
	if err != nil {
		return nil, err
	}
	return recoveryapi.BoolResult{Value: d.manager.IsLskfCaptured(request.Package)}, nil
}

func (d handlerDeps) handleRebootLskf(ctx context.Context, raw []byte, progress func(int)) (any, error) {
	request, err := decodeRequest(raw)
	if err != nil {
		return nil, err
	}
	success := d.manager.RebootWithLskf(ctx, request.Package, request.Reason, request.SlotSwitch)
	return recoveryapi.BoolResult{Value: success}, nil
}

func (d handlerDeps) handleRebootLskfLegacy(ctx context.Context, raw []byte, progress func(int)) (any, error) {
	request, err := decodeRequest(raw)
	if err != nil {
		return nil, err
	}
	success := d.manager.RebootWithLskfAssumeSlotSwitch(ctx, request.Package, request.Reason)
	return recoveryapi.BoolResult{Value: success}, nil
}

func (d handlerDeps) handleHistory(ctx context.Context, raw []byte, progress func(int)) (any, error) {
	if d.historyLog == nil {
		return nil, fmt.Errorf("history recording is disabled")
	}
	request, err := decodeRequest(raw)
	if err != nil {
		return nil, err
	}
	entries, err := d.historyLog.Recent(ctx, request.Limit)
	if err != nil {
		return nil, err
	}
	return recoveryapi.HistoryResult{Entries: entries}, nil
}

func (d handlerDeps) handleHistoryExport(ctx context.Context, raw []byte, progress func(int)) (any, error) {
	if d.historyLog == nil {
		return nil, fmt.Errorf("history recording is disabled")
	}
	var archive bytes.Buffer
	if err := d.historyLog.ExportZstd(ctx, &archive); err != nil {
		return nil, err
	}
	return recoveryapi.ExportResult{Archive: archive.Bytes()}, nil
}
