// Copyright 2026 The Recoveryd Authors
// SPDX-License-Identifier: Apache-2.0

package recoveryapi

import (
	"context"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/updateos/recoveryd/lib/codec"
)

// dialTimeout is the maximum time to wait for a connection to the
// daemon socket. Covers only the connect phase.
const dialTimeout = 5 * time.Second

// responseReadTimeout bounds the wait for each response frame. Staging
// operations spend up to 60 seconds in their retry budgets (30x1s busy
// poll plus 30x1s connect retry) before producing a final frame.
const responseReadTimeout = 2 * time.Minute

// maxResponseSize is the maximum size of a single CBOR response frame.
const maxResponseSize = 8 * 1024 * 1024

// DaemonError is returned when the daemon responds with ok=false.
type DaemonError struct {
	Action  string
	Message string
}

func (e *DaemonError) Error() string {
	return fmt.Sprintf("recoveryd error on %q: %s", e.Action, e.Message)
}

// Client sends requests to a recoveryd command socket. Each call opens
// a new connection, matching the server's one-request-per-connection
// model. The zero value is not usable; set SocketPath.
type Client struct {
	// SocketPath is the daemon's unix socket.
	SocketPath string
}

// Call sends a request and returns the final response frame. Interim
// progress frames, if any, are delivered to onProgress when it is
// non-nil and discarded otherwise.
//
// A response with ok=false is returned as a *DaemonError. Connection
// and decoding failures are plain errors.
func (c *Client) Call(ctx context.Context, request Request, onProgress func(int)) (*Response, error) {
	dialer := net.Dialer{Timeout: dialTimeout}
	conn, err := dialer.DialContext(ctx, "unix", c.SocketPath)
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", c.SocketPath, err)
	}
	defer conn.Close()

	if err := codec.NewEncoder(conn).Encode(request); err != nil {
		return nil, fmt.Errorf("writing %q request: %w", request.Action, err)
	}

	// Half-close the write side so the server's read sees EOF cleanly.
	if unixConn, ok := conn.(*net.UnixConn); ok {
		unixConn.CloseWrite()
	}

	decoder := codec.NewDecoder(io.LimitReader(conn, maxResponseSize))
	for {
		conn.SetReadDeadline(time.Now().Add(responseReadTimeout))

		var response Response
		if err := decoder.Decode(&response); err != nil {
			return nil, fmt.Errorf("reading %q response: %w", request.Action, err)
		}
		if response.Progress != nil {
			if onProgress != nil {
				onProgress(*response.Progress)
			}
			continue
		}
		if !response.OK {
			return &response, &DaemonError{
				Action:  request.Action,
				Message: response.Error,
			}
		}
		return &response, nil
	}
}

// boolCall runs an action whose outcome is a BoolResult.
func (c *Client) boolCall(ctx context.Context, request Request, onProgress func(int)) (bool, error) {
	response, err := c.Call(ctx, request, onProgress)
	if err != nil {
		return false, err
	}
	var result BoolResult
	if err := codec.Unmarshal(response.Data, &result); err != nil {
		return false, fmt.Errorf("decoding %q result: %w", request.Action, err)
	}
	return result.Value, nil
}

// Uncrypt asks the daemon to run the uncrypt helper for the given
// update package. Progress percentages are delivered to onProgress as
// the helper reports them. Returns the operation outcome.
func (c *Client) Uncrypt(ctx context.Context, filename string, onProgress func(int)) (bool, error) {
	return c.boolCall(ctx, Request{
		Action:   ActionUncrypt,
		Filename: filename,
	}, onProgress)
}

// SetupBcb stages a command in the bootloader control block.
func (c *Client) SetupBcb(ctx context.Context, command string) (bool, error) {
	return c.boolCall(ctx, Request{
		Action:  ActionSetupBcb,
		Command: command,
	}, nil)
}

// ClearBcb wipes the bootloader control block.
func (c *Client) ClearBcb(ctx context.Context) (bool, error) {
	return c.boolCall(ctx, Request{Action: ActionClearBcb}, nil)
}

// RebootRecovery stages the given command (empty for a plain recovery
// boot) and reboots into recovery. On success the call does not
// return a response before the device goes down, so a timeout from
// the daemon's side is expected; callers treat a true outcome as
// "reboot initiated".
func (c *Client) RebootRecovery(ctx context.Context, command string) (bool, error) {
	return c.boolCall(ctx, Request{
		Action:  ActionRebootRecovery,
		Command: command,
	}, nil)
}

// RequestLskf registers interest in capturing the lock screen
// knowledge factor. With wait true, the call blocks until the factor
// has been captured and escrowed.
func (c *Client) RequestLskf(ctx context.Context, packageName string, wait bool) (bool, error) {
	return c.boolCall(ctx, Request{
		Action:  ActionRequestLskf,
		Package: packageName,
		Wait:    wait,
	}, nil)
}

// ClearLskf withdraws a package's escrow request.
func (c *Client) ClearLskf(ctx context.Context, packageName string) (bool, error) {
	return c.boolCall(ctx, Request{
		Action:  ActionClearLskf,
		Package: packageName,
	}, nil)
}

// IsLskfCaptured reports whether the package's escrow request has
// completed preparation.
func (c *Client) IsLskfCaptured(ctx context.Context, packageName string) (bool, error) {
	return c.boolCall(ctx, Request{
		Action:  ActionIsLskfCaptured,
		Package: packageName,
	}, nil)
}

// RebootLskf arms the escrowed key and reboots. slotSwitch declares
// that the staged update changes the active boot slot.
func (c *Client) RebootLskf(ctx context.Context, packageName, reason string, slotSwitch bool) (bool, error) {
	return c.boolCall(ctx, Request{
		Action:     ActionRebootLskf,
		Package:    packageName,
		Reason:     reason,
		SlotSwitch: slotSwitch,
	}, nil)
}

// RebootLskfLegacy is RebootLskf for callers that predate the
// slot-switch parameter; a slot switch is assumed.
func (c *Client) RebootLskfLegacy(ctx context.Context, packageName, reason string) (bool, error) {
	return c.boolCall(ctx, Request{
		Action:  ActionRebootLskfLegacy,
		Package: packageName,
		Reason:  reason,
	}, nil)
}

// History returns up to limit recent operations, newest first.
func (c *Client) History(ctx context.Context, limit int) (*HistoryResult, error) {
	response, err := c.Call(ctx, Request{
		Action: ActionHistory,
		Limit:  limit,
	}, nil)
	if err != nil {
		return nil, err
	}
	var result HistoryResult
	if err := codec.Unmarshal(response.Data, &result); err != nil {
		return nil, fmt.Errorf("decoding history result: %w", err)
	}
	return &result, nil
}

// HistoryExport writes the full history as a zstd-compressed CBOR
// stream to w.
func (c *Client) HistoryExport(ctx context.Context, w io.Writer) error {
	response, err := c.Call(ctx, Request{Action: ActionHistoryExport}, nil)
	if err != nil {
		return err
	}
	var result ExportResult
	if err := codec.Unmarshal(response.Data, &result); err != nil {
		return fmt.Errorf("decoding export result: %w", err)
	}
	if _, err := w.Write(result.Archive); err != nil {
		return fmt.Errorf("writing export archive: %w", err)
	}
	return nil
}
