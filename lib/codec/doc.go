// Copyright 2026 The Recoveryd Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec provides the standard CBOR encoding configuration for
// the recoveryd command-surface protocol and history export streams.
//
// The uncrypt helper socket does NOT use this package: that protocol
// is fixed by the helper (4-byte big-endian frames) and lives in
// lib/uncrypt. Everything recoveryd itself defines on the wire is
// CBOR, encoded identically everywhere through this package.
//
// The encoder uses Core Deterministic Encoding (RFC 8949 §4.2): sorted
// map keys, smallest integer encoding, no indefinite-length items.
//
// Protocol types carry `json` struct tags. fxamacker/cbor v2 reads
// json tags as fallback when cbor tags are absent, so a single json
// tag controls field naming and omitempty for both CBOR on the socket
// and JSON in recoveryctl --json output.
package codec
