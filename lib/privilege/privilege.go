// Copyright 2026 The Recoveryd Authors
// SPDX-License-Identifier: Apache-2.0

// Package privilege carries the calling client's identity on the
// request context and provides a structured scope for dropping it.
//
// The command surface attaches the peer credentials of each accepted
// socket connection (SO_PEERCRED) to the request context. Collaborator
// calls that the direct caller is not authorized to perform itself,
// such as preparing, arming, or clearing reboot escrow through the
// lock-state service, run inside [AsSystem], which strips the caller
// identity for exactly the duration of the call. Because identity
// lives on an immutable context rather than thread-ambient state,
// there is nothing to restore on error paths: the caller's context is
// untouched.
package privilege

import "context"

// Identity describes the peer that opened a command-surface
// connection, as reported by the kernel for the Unix socket.
type Identity struct {
	UID uint32
	GID uint32
	PID int32
}

// System is the identity recoveryd uses for its own outbound
// collaborator calls.
var System = Identity{UID: 0, GID: 0, PID: 0}

type contextKey struct{}

// WithIdentity returns a context carrying the given caller identity.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, contextKey{}, id)
}

// FromContext returns the caller identity attached to ctx. The second
// return is false when no identity is attached (an internal call, or a
// call already running under AsSystem).
func FromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(contextKey{}).(Identity)
	return id, ok
}

// AsSystem runs fn with the caller identity removed from the context.
// The derived context passed to fn reports no identity via
// [FromContext]; the original ctx is unchanged, so the bracket cannot
// leak elevated authority past fn's return, panic included.
func AsSystem(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(context.WithValue(ctx, contextKey{}, nil))
}
