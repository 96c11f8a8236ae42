// Copyright 2026 The Recoveryd Authors
// SPDX-License-Identifier: Apache-2.0

// Package recoveryapi defines the wire protocol of recoveryd's command
// socket and a client for it.
//
// The protocol is CBOR request-response over a unix socket, one
// request per connection. Struct fields carry json tags; the CBOR
// codec uses them too, and recoveryctl reuses the same types for its
// --json output.
//
// Every action responds with exactly one final Response frame. The
// uncrypt action is the exception: the server streams interim frames
// with Progress set while the helper reports block-map progress, then
// sends the final frame with Progress unset.
package recoveryapi

import (
	"github.com/updateos/recoveryd/lib/codec"
	"github.com/updateos/recoveryd/lib/history"
)

// Actions accepted by the daemon.
const (
	ActionUncrypt          = "uncrypt"
	ActionSetupBcb         = "setup-bcb"
	ActionClearBcb         = "clear-bcb"
	ActionRebootRecovery   = "reboot-recovery"
	ActionRequestLskf      = "request-lskf"
	ActionClearLskf        = "clear-lskf"
	ActionRebootLskf       = "reboot-lskf"
	ActionRebootLskfLegacy = "reboot-lskf-legacy"
	ActionIsLskfCaptured   = "is-lskf-captured"
	ActionHistory          = "history"
	ActionHistoryExport    = "history-export"
)

// Request is the union of all action parameters. Action selects the
// operation; the other fields are read per action and ignored
// elsewhere.
type Request struct {
	Action string `json:"action"`

	// Filename is the update package path (uncrypt).
	Filename string `json:"filename,omitempty"`

	// Command is the bootloader control block command (setup-bcb,
	// reboot-recovery).
	Command string `json:"command,omitempty"`

	// Package identifies the escrow client (request-lskf, clear-lskf,
	// is-lskf-captured, reboot-lskf, reboot-lskf-legacy).
	Package string `json:"package,omitempty"`

	// Reason is the reboot reason (reboot-lskf, reboot-lskf-legacy).
	Reason string `json:"reason,omitempty"`

	// SlotSwitch declares that the staged update switches the active
	// boot slot (reboot-lskf).
	SlotSwitch bool `json:"slot_switch,omitempty"`

	// Wait asks request-lskf to hold the connection open until the
	// lock screen knowledge factor has been captured, instead of
	// returning as soon as the request is registered.
	Wait bool `json:"wait,omitempty"`

	// Limit caps the number of history entries returned (history).
	Limit int `json:"limit,omitempty"`
}

// Response is the wire envelope for every frame the daemon sends.
//
// OK false means the request itself failed: unauthorized caller,
// unknown action, malformed request. Operation outcomes (did the
// staging succeed) travel inside Data as a BoolResult, matching the
// boolean contracts of the underlying operations.
type Response struct {
	OK       bool             `json:"ok"`
	Error    string           `json:"error,omitempty"`
	Progress *int             `json:"progress,omitempty"`
	Data     codec.RawMessage `json:"data,omitempty"`
}

// BoolResult carries a boolean operation outcome in Response.Data.
type BoolResult struct {
	Value bool `json:"value"`
}

// HistoryResult carries history entries in Response.Data.
type HistoryResult struct {
	Entries []history.Entry `json:"entries"`
}

// ExportResult carries a zstd-compressed CBOR stream of all history
// entries in Response.Data.
type ExportResult struct {
	Archive []byte `json:"archive"`
}
