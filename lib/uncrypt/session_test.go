// Copyright 2026 The Recoveryd Authors
// SPDX-License-Identifier: Apache-2.0

package uncrypt

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/updateos/recoveryd/lib/clock"
	"github.com/updateos/recoveryd/lib/testutil"
)

// readFrame reads a length-prefixed command frame from the helper side
// of the connection.
func readFrame(t *testing.T, conn net.Conn) string {
	t.Helper()
	var length int32
	if err := binary.Read(conn, binary.BigEndian, &length); err != nil {
		t.Fatalf("reading frame length: %v", err)
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(conn, payload); err != nil {
		t.Fatalf("reading frame payload: %v", err)
	}
	return string(payload)
}

// writeStatus writes a 4-byte big-endian status from the helper side.
func writeStatus(t *testing.T, conn net.Conn, status int32) {
	t.Helper()
	if err := binary.Write(conn, binary.BigEndian, status); err != nil {
		t.Fatalf("writing status %d: %v", status, err)
	}
}

// readAck reads the 4-byte acknowledgment from the helper side and
// verifies it is zero.
func readAck(t *testing.T, conn net.Conn) {
	t.Helper()
	var ack int32
	if err := binary.Read(conn, binary.BigEndian, &ack); err != nil {
		t.Fatalf("reading ack: %v", err)
	}
	if ack != 0 {
		t.Errorf("ack = %d, want 0", ack)
	}
}

func TestSendCommandFraming(t *testing.T) {
	serviceEnd, helperEnd := net.Pipe()
	session := NewSession(serviceEnd)
	defer session.Close()

	received := make(chan []byte, 1)
	go func() {
		var length int32
		binary.Read(helperEnd, binary.BigEndian, &length)
		header := make([]byte, 4)
		binary.BigEndian.PutUint32(header, uint32(length))
		payload := make([]byte, length)
		io.ReadFull(helperEnd, payload)
		received <- append(header, payload...)
	}()

	if err := session.SendCommand("setup-bcb:1"); err != nil {
		t.Fatalf("SendCommand: %v", err)
	}

	frame := testutil.RequireReceive(t, received, 5*time.Second, "command frame")
	want := append([]byte{0, 0, 0, 11}, []byte("setup-bcb:1")...)
	if !bytes.Equal(frame, want) {
		t.Errorf("frame = %v, want %v", frame, want)
	}
}

func TestReadStatus(t *testing.T) {
	tests := []struct {
		name   string
		status int32
	}{
		{"progress", 42},
		{"success", 100},
		{"failure", -1},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			serviceEnd, helperEnd := net.Pipe()
			session := NewSession(serviceEnd)
			defer session.Close()

			go writeStatus(t, helperEnd, test.status)

			got, err := session.ReadStatus()
			if err != nil {
				t.Fatalf("ReadStatus: %v", err)
			}
			if got != test.status {
				t.Errorf("ReadStatus = %d, want %d", got, test.status)
			}
		})
	}
}

func TestReadStatusHelperClosed(t *testing.T) {
	serviceEnd, helperEnd := net.Pipe()
	session := NewSession(serviceEnd)
	defer session.Close()

	helperEnd.Close()

	if _, err := session.ReadStatus(); err == nil {
		t.Error("ReadStatus on a closed socket succeeded, want error")
	}
}

func TestSendAck(t *testing.T) {
	serviceEnd, helperEnd := net.Pipe()
	session := NewSession(serviceEnd)
	defer session.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		readAck(t, helperEnd)
	}()

	if err := session.SendAck(); err != nil {
		t.Fatalf("SendAck: %v", err)
	}
	testutil.RequireClosed(t, done, 5*time.Second, "helper ack read")
}

func TestCloseIdempotent(t *testing.T) {
	serviceEnd, _ := net.Pipe()
	session := NewSession(serviceEnd)

	session.Close()
	session.Close()

	if err := session.SendAck(); err == nil {
		t.Error("SendAck after Close succeeded, want error")
	}
}

func TestConnectRetriesUntilSocketAppears(t *testing.T) {
	socketPath := filepath.Join(testutil.SocketDir(t), "uncrypt.sock")
	fakeClock := clock.Fake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	dialer := &Dialer{SocketPath: socketPath, Clock: fakeClock}

	type connectResult struct {
		session *Session
		err     error
	}
	results := make(chan connectResult, 1)
	go func() {
		session, err := dialer.Connect(context.Background())
		results <- connectResult{session, err}
	}()

	// First attempt fails (no socket yet); the dialer sleeps. Create
	// the socket before releasing the retry.
	fakeClock.WaitForWaiters(1)
	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		t.Fatalf("creating helper socket: %v", err)
	}
	defer listener.Close()
	fakeClock.Advance(time.Second)

	result := testutil.RequireReceive(t, results, 5*time.Second, "connect result")
	if result.err != nil {
		t.Fatalf("Connect: %v", result.err)
	}
	result.session.Close()
}

func TestConnectExhaustsRetryBudget(t *testing.T) {
	socketPath := filepath.Join(testutil.SocketDir(t), "missing.sock")
	fakeClock := clock.Fake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	dialer := &Dialer{SocketPath: socketPath, Clock: fakeClock}

	errs := make(chan error, 1)
	go func() {
		_, err := dialer.Connect(context.Background())
		errs <- err
	}()

	// 30 attempts means 29 sleeps between them.
	for i := 0; i < connectMaxAttempts-1; i++ {
		fakeClock.WaitForWaiters(1)
		fakeClock.Advance(connectRetryInterval)
	}

	err := testutil.RequireReceive(t, errs, 5*time.Second, "connect error")
	if err == nil {
		t.Fatal("Connect with no socket succeeded, want error")
	}
}

func TestConnectHonorsContextCancel(t *testing.T) {
	socketPath := filepath.Join(testutil.SocketDir(t), "missing.sock")
	fakeClock := clock.Fake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	dialer := &Dialer{SocketPath: socketPath, Clock: fakeClock}

	ctx, cancel := context.WithCancel(context.Background())
	errs := make(chan error, 1)
	go func() {
		_, err := dialer.Connect(ctx)
		errs <- err
	}()

	fakeClock.WaitForWaiters(1)
	cancel()

	err := testutil.RequireReceive(t, errs, 5*time.Second, "connect error")
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Connect error = %v, want context.Canceled", err)
	}
}
