// Copyright 2026 The Recoveryd Authors
// SPDX-License-Identifier: Apache-2.0

package uncrypt

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/updateos/recoveryd/lib/clock"
)

// connectMaxAttempts bounds the socket connect retry loop. The helper
// socket is created asynchronously by the init system in response to
// the service-start trigger, so absence is not final until the budget
// is exhausted.
const connectMaxAttempts = 30

// connectRetryInterval is the spacing between connect attempts.
const connectRetryInterval = time.Second

// Dialer connects to the uncrypt helper socket with bounded retry.
type Dialer struct {
	// SocketPath is the filesystem path of the helper's Unix socket.
	SocketPath string

	// Clock paces the retry loop. Defaults to clock.Real().
	Clock clock.Clock

	// Logger receives retry diagnostics. If nil, logs are discarded.
	Logger *slog.Logger
}

// Connect dials the helper socket, retrying up to connectMaxAttempts
// times with connectRetryInterval spacing. Returns the connected
// session, or an error once the retry budget is exhausted or ctx is
// cancelled. Never panics across this boundary: callers log and fail
// the outer operation.
func (d *Dialer) Connect(ctx context.Context) (*Session, error) {
	clk := d.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := d.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	var lastError error
	dialer := net.Dialer{}
	for attempt := 0; attempt < connectMaxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-clk.After(connectRetryInterval):
			}
		}

		conn, err := dialer.DialContext(ctx, "unix", d.SocketPath)
		if err == nil {
			return NewSession(conn), nil
		}
		lastError = err
		logger.Debug("uncrypt socket not ready",
			"path", d.SocketPath,
			"attempt", attempt+1,
			"error", err,
		)
	}
	return nil, fmt.Errorf("connecting to uncrypt socket %s: timed out after %d attempts: %w",
		d.SocketPath, connectMaxAttempts, lastError)
}

// Session wraps one connected helper socket and the framing operations
// of the helper protocol: length-prefixed commands service→helper, a
// 4-byte status integer helper→service, and a 4-byte zero
// acknowledgment service→helper.
//
// A Session is owned by the call stack that created it and must be
// closed on every exit path.
type Session struct {
	conn      net.Conn
	closeOnce sync.Once
}

// NewSession wraps an established connection. Production code obtains
// sessions through Dialer.Connect; tests wrap one end of a net.Pipe.
func NewSession(conn net.Conn) *Session {
	return &Session{conn: conn}
}

// SendCommand writes a 4-byte big-endian length followed by the UTF-8
// bytes of text.
func (s *Session) SendCommand(text string) error {
	payload := []byte(text)
	if err := binary.Write(s.conn, binary.BigEndian, int32(len(payload))); err != nil {
		return fmt.Errorf("writing command length: %w", err)
	}
	if _, err := s.conn.Write(payload); err != nil {
		return fmt.Errorf("writing command: %w", err)
	}
	return nil
}

// ReadStatus blocks until the helper reports a 4-byte big-endian
// status integer: 0–100 for progress, negative for helper-side
// failure.
func (s *Session) ReadStatus() (int32, error) {
	var status int32
	if err := binary.Read(s.conn, binary.BigEndian, &status); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return 0, fmt.Errorf("helper closed socket before sending status: %w", err)
		}
		return 0, fmt.Errorf("reading status: %w", err)
	}
	return status, nil
}

// SendAck writes a 4-byte zero. The helper blocks on this ack before
// tearing down the socket, so it must be sent on every terminal
// status, success or failure, before Close.
func (s *Session) SendAck() error {
	if err := binary.Write(s.conn, binary.BigEndian, int32(0)); err != nil {
		return fmt.Errorf("writing ack: %w", err)
	}
	return nil
}

// Close closes the underlying connection. Idempotent; secondary close
// errors are swallowed.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.conn.Close()
	})
}
