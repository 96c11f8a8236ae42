// Copyright 2026 The Recoveryd Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil provides shared test helpers for recoveryd packages.
//
// [RequireReceive] and [RequireClosed] encapsulate the timeout safety
// valve pattern (select with time.After fallback) so that individual
// tests do not need direct time.After calls; these are the only place
// in the test suite where real wall-clock timeouts appear.
//
// [SocketDir] creates a short-path temporary directory for Unix domain
// socket files, working around the 108-byte sun_path limit.
//
// All helpers call t.Fatalf on failure rather than returning errors,
// since test setup failures are not recoverable.
//
// This package has no recoveryd-internal dependencies.
package testutil
