// Copyright 2026 The Recoveryd Authors
// SPDX-License-Identifier: Apache-2.0

package privilege

import (
	"context"
	"errors"
	"testing"
)

func TestWithIdentityRoundTrip(t *testing.T) {
	id := Identity{UID: 1000, GID: 1000, PID: 4321}
	ctx := WithIdentity(context.Background(), id)

	got, ok := FromContext(ctx)
	if !ok {
		t.Fatal("FromContext = !ok, want identity present")
	}
	if got != id {
		t.Errorf("FromContext = %+v, want %+v", got, id)
	}
}

func TestFromContextEmpty(t *testing.T) {
	if _, ok := FromContext(context.Background()); ok {
		t.Error("FromContext on a bare context reported an identity")
	}
}

func TestAsSystemStripsIdentity(t *testing.T) {
	caller := Identity{UID: 1000, GID: 1000, PID: 4321}
	ctx := WithIdentity(context.Background(), caller)

	err := AsSystem(ctx, func(inner context.Context) error {
		if _, ok := FromContext(inner); ok {
			t.Error("identity still visible inside AsSystem")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("AsSystem: %v", err)
	}

	// The outer context keeps the caller identity.
	if got, ok := FromContext(ctx); !ok || got != caller {
		t.Errorf("outer identity after AsSystem = %+v (ok=%v), want %+v", got, ok, caller)
	}
}

func TestAsSystemPropagatesError(t *testing.T) {
	wantError := errors.New("collaborator unavailable")
	err := AsSystem(context.Background(), func(context.Context) error {
		return wantError
	})
	if !errors.Is(err, wantError) {
		t.Errorf("AsSystem error = %v, want %v", err, wantError)
	}
}
