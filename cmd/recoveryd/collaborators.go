// Copyright 2026 The Recoveryd Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os/exec"
	"slices"
	"time"

	"github.com/updateos/recoveryd/lib/clock"
	"github.com/updateos/recoveryd/lib/codec"
	"github.com/updateos/recoveryd/lib/escrow"
	"github.com/updateos/recoveryd/lib/recoveryapi"
)

// Lock-state service actions. The lock-state service speaks the same
// one-request-per-connection CBOR protocol as the command socket;
// subscribe-prepared is the exception, streaming one frame per
// capture-completion event until the connection closes.
const (
	lockActionPrepare   = "prepare-reboot-escrow"
	lockActionArm       = "arm-reboot-escrow"
	lockActionClear     = "clear-reboot-escrow"
	lockActionSubscribe = "subscribe-prepared"
)

// lockDialTimeout bounds the connect phase of each lock-state call.
const lockDialTimeout = 5 * time.Second

// lockCallTimeout bounds a full prepare/arm/clear exchange. Preparing
// escrow derives key material and can take a few seconds on slow
// hardware.
const lockCallTimeout = 30 * time.Second

// subscribeRetryDelay spaces reconnect attempts of the prepared-event
// subscription.
const subscribeRetryDelay = 5 * time.Second

// preparedEvent is one capture-completion notification from the
// lock-state service.
type preparedEvent struct {
	Ready bool `json:"ready"`
}

// lockStateClient implements escrow.LockSettings over the lock-state
// service socket.
type lockStateClient struct {
	socketPath string
	clock      clock.Clock
	logger     *slog.Logger
}

func newLockStateClient(socketPath string, clk clock.Clock, logger *slog.Logger) *lockStateClient {
	return &lockStateClient{
		socketPath: socketPath,
		clock:      clk,
		logger:     logger,
	}
}

// call performs one request-response exchange. On ok=true with a
// non-nil result, the response data is decoded into result.
func (c *lockStateClient) call(ctx context.Context, action string, result any) error {
	dialer := net.Dialer{Timeout: lockDialTimeout}
	conn, err := dialer.DialContext(ctx, "unix", c.socketPath)
	if err != nil {
		return fmt.Errorf("connecting to lock-state service: %w", err)
	}
	defer conn.Close()

	if err := codec.NewEncoder(conn).Encode(map[string]any{"action": action}); err != nil {
		return fmt.Errorf("writing %q request: %w", action, err)
	}
	if unixConn, ok := conn.(*net.UnixConn); ok {
		unixConn.CloseWrite()
	}

	conn.SetReadDeadline(time.Now().Add(lockCallTimeout))
	var response recoveryapi.Response
	if err := codec.NewDecoder(conn).Decode(&response); err != nil {
		return fmt.Errorf("reading %q response: %w", action, err)
	}
	if !response.OK {
		return fmt.Errorf("lock-state %q: %s", action, response.Error)
	}
	if result != nil {
		if err := codec.Unmarshal(response.Data, result); err != nil {
			return fmt.Errorf("decoding %q result: %w", action, err)
		}
	}
	return nil
}

func (c *lockStateClient) PrepareRebootEscrow(ctx context.Context) error {
	return c.call(ctx, lockActionPrepare, nil)
}

func (c *lockStateClient) ArmRebootEscrow(ctx context.Context) bool {
	var result recoveryapi.BoolResult
	if err := c.call(ctx, lockActionArm, &result); err != nil {
		c.logger.Warn("arming reboot escrow failed", "error", err)
		return false
	}
	return result.Value
}

func (c *lockStateClient) ClearRebootEscrow(ctx context.Context) error {
	return c.call(ctx, lockActionClear, nil)
}

// WatchPrepared maintains a subscription to capture-completion events
// and forwards each one to listener. Reconnects with a fixed delay
// until ctx is cancelled. Runs in its own goroutine.
func (c *lockStateClient) WatchPrepared(ctx context.Context, listener escrow.Listener) {
	for {
		if err := c.subscribeOnce(ctx, listener); err != nil && ctx.Err() == nil {
			c.logger.Warn("prepared-event subscription lost",
				"error", err,
				"retry_in", subscribeRetryDelay,
			)
		}

		select {
		case <-ctx.Done():
			return
		case <-c.clock.After(subscribeRetryDelay):
		}
	}
}

// subscribeOnce holds one subscription connection open, delivering
// events until the connection fails or ctx is cancelled.
func (c *lockStateClient) subscribeOnce(ctx context.Context, listener escrow.Listener) error {
	dialer := net.Dialer{Timeout: lockDialTimeout}
	conn, err := dialer.DialContext(ctx, "unix", c.socketPath)
	if err != nil {
		return err
	}
	defer conn.Close()

	// Tear the connection down on cancellation so the blocking Decode
	// below returns.
	watchDone := make(chan struct{})
	defer close(watchDone)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-watchDone:
		}
	}()

	if err := codec.NewEncoder(conn).Encode(map[string]any{"action": lockActionSubscribe}); err != nil {
		return err
	}
	if unixConn, ok := conn.(*net.UnixConn); ok {
		unixConn.CloseWrite()
	}

	decoder := codec.NewDecoder(conn)
	for {
		var response recoveryapi.Response
		if err := decoder.Decode(&response); err != nil {
			if err == io.EOF {
				return fmt.Errorf("subscription closed by lock-state service")
			}
			return err
		}
		if !response.OK {
			return fmt.Errorf("lock-state subscription: %s", response.Error)
		}

		var event preparedEvent
		if err := codec.Unmarshal(response.Data, &event); err != nil {
			return fmt.Errorf("decoding prepared event: %w", err)
		}
		c.logger.Info("escrow preparation event", "ready", event.Ready)
		listener.OnPreparedForReboot(event.Ready)
	}
}

// execPower implements escrow.PowerManager by running the configured
// reboot command with the reason appended.
type execPower struct {
	command []string
	logger  *slog.Logger
}

func newExecPower(command []string, logger *slog.Logger) *execPower {
	return &execPower{command: command, logger: logger}
}

func (p *execPower) Reboot(reason string) {
	arguments := append(slices.Clone(p.command[1:]), reason)
	p.logger.Info("rebooting", "command", p.command[0], "reason", reason)

	output, err := exec.Command(p.command[0], arguments...).CombinedOutput()
	if err != nil {
		// The device is in an armed-escrow state with nothing left to
		// do but go down; a failed reboot command is loud.
		p.logger.Error("reboot command failed",
			"command", p.command[0],
			"error", err,
			"output", string(output),
		)
	}
}
