// Copyright 2026 The Recoveryd Authors
// SPDX-License-Identifier: Apache-2.0

// Package uncrypt stages OTA update packages and bootloader control
// block (BCB) commands through the privileged uncrypt helper.
//
// The helper is started on demand by the init system: recoveryd sets a
// control property, init launches the helper, and the helper creates a
// Unix socket for exactly one operation. The wire protocol is fixed by
// the helper: a 4-byte big-endian length followed by UTF-8 command
// bytes in the service→helper direction, a 4-byte big-endian status
// integer (0–100 progress, negative failure) in the helper→service
// direction, and a 4-byte zero acknowledgment that the helper blocks
// on before tearing the socket down.
//
// Because init creates and deletes the socket on each helper start and
// exit, only one BCB operation may run system-wide at a time. The
// [Stager] enforces this with one coarse mutex plus a busy-check that
// polls the helper service-state properties before every operation.
//
// Transient infrastructure failure (the socket not yet created, a
// helper still winding down) is retried up to fixed budgets (30
// attempts at 1-second spacing) and then reported as operation
// failure, never escalated to a process-level fault.
package uncrypt
