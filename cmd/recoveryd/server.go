// Copyright 2026 The Recoveryd Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/updateos/recoveryd/lib/codec"
	"github.com/updateos/recoveryd/lib/privilege"
	"github.com/updateos/recoveryd/lib/recoveryapi"
)

// ActionFunc processes one command-socket request. The raw parameter
// is the full CBOR request including the "action" field; the handler
// decodes its own parameters from it. progress emits an interim
// progress frame on the same connection; most handlers never call it.
//
// Return a value for the final response's data field, or an error for
// a failure response.
type ActionFunc func(ctx context.Context, raw []byte, progress func(int)) (any, error)

// readTimeout is how long the server waits for the client to send its
// request after connecting.
const readTimeout = 30 * time.Second

// writeTimeout bounds each response frame write.
const writeTimeout = 10 * time.Second

// maxRequestSize is the maximum size of a single CBOR request. All
// command requests are tiny; 64 KB leaves room for long package paths
// and BCB commands.
const maxRequestSize = 64 * 1024

// Server serves the CBOR command protocol on a unix socket. Each
// connection handles exactly one request: the client writes a CBOR
// request, the server writes zero or more progress frames followed by
// one final response, then the connection closes.
//
// Admission is by peer credentials: UID 0 is always allowed, other
// UIDs must be in the configured privileged set.
type Server struct {
	socketPath     string
	privilegedUIDs map[uint32]struct{}
	handlers       map[string]ActionFunc
	logger         *slog.Logger

	// activeConnections tracks in-flight handlers so Serve can drain
	// them before returning.
	activeConnections sync.WaitGroup
}

// NewServer creates a server that will listen on socketPath. Register
// actions with Handle before calling Serve.
func NewServer(socketPath string, privilegedUIDs []uint32, logger *slog.Logger) *Server {
	allowed := make(map[uint32]struct{}, len(privilegedUIDs))
	for _, uid := range privilegedUIDs {
		allowed[uid] = struct{}{}
	}
	return &Server{
		socketPath:     socketPath,
		privilegedUIDs: allowed,
		handlers:       make(map[string]ActionFunc),
		logger:         logger,
	}
}

// Handle registers a handler for the given action name. Panics if the
// action is already registered.
func (s *Server) Handle(action string, handler ActionFunc) {
	if _, exists := s.handlers[action]; exists {
		panic(fmt.Sprintf("recoveryd: duplicate handler for action %q", action))
	}
	s.handlers[action] = handler
}

// Serve accepts connections on the unix socket and dispatches requests
// to registered handlers. Blocks until ctx is cancelled, then stops
// accepting and waits for active handlers to complete.
//
// Any stale socket file at the configured path is removed before
// listening, and the socket file is removed on return.
func (s *Server) Serve(ctx context.Context) error {
	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing stale socket %s: %w", s.socketPath, err)
	}

	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.socketPath, err)
	}
	defer func() {
		listener.Close()
		os.Remove(s.socketPath)
	}()

	// Unblock Accept when the context is cancelled.
	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	s.logger.Info("command socket listening", "path", s.socketPath)

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			if errors.Is(err, net.ErrClosed) {
				break
			}
			s.logger.Error("accept failed", "error", err)
			continue
		}

		s.activeConnections.Add(1)
		go func() {
			defer s.activeConnections.Done()
			s.handleConnection(ctx, conn)
		}()
	}

	s.activeConnections.Wait()
	return nil
}

// handleConnection processes one request. The caller identity from
// SO_PEERCRED rides the request context for the duration of the
// handler.
func (s *Server) handleConnection(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	identity, err := peerIdentity(conn)
	if err != nil {
		s.logger.Warn("rejecting connection without peer credentials", "error", err)
		s.writeError(conn, "peer credentials unavailable")
		return
	}
	if !s.authorized(identity.UID) {
		s.logger.Warn("rejecting unprivileged caller",
			"uid", identity.UID,
			"pid", identity.PID,
		)
		s.writeError(conn, "caller not privileged")
		return
	}
	ctx = privilege.WithIdentity(ctx, identity)

	conn.SetReadDeadline(time.Now().Add(readTimeout))

	// One CBOR value per request; CBOR is self-delimiting so no
	// framing is needed. LimitReader caps memory per connection.
	var raw codec.RawMessage
	if err := codec.NewDecoder(io.LimitReader(conn, maxRequestSize)).Decode(&raw); err != nil {
		if errors.Is(err, io.EOF) {
			return
		}
		s.writeError(conn, fmt.Sprintf("invalid request: %v", err))
		return
	}

	var header struct {
		Action string `json:"action"`
	}
	if err := codec.Unmarshal(raw, &header); err != nil {
		s.writeError(conn, fmt.Sprintf("invalid request: %v", err))
		return
	}
	if header.Action == "" {
		s.writeError(conn, "missing required field: action")
		return
	}

	handler, exists := s.handlers[header.Action]
	if !exists {
		s.writeError(conn, fmt.Sprintf("unknown action %q", header.Action))
		return
	}

	progress := func(percent int) {
		s.writeProgress(conn, percent)
	}

	result, err := handler(ctx, []byte(raw), progress)
	if err != nil {
		s.logger.Debug("action failed",
			"action", header.Action,
			"uid", identity.UID,
			"error", err,
		)
		s.writeError(conn, err.Error())
		return
	}

	s.writeSuccess(conn, result)
}

func (s *Server) authorized(uid uint32) bool {
	if uid == 0 {
		return true
	}
	_, ok := s.privilegedUIDs[uid]
	return ok
}

// peerIdentity reads the kernel-reported credentials of the connected
// peer.
func peerIdentity(conn net.Conn) (privilege.Identity, error) {
	unixConn, ok := conn.(*net.UnixConn)
	if !ok {
		return privilege.Identity{}, fmt.Errorf("connection is %T, not a unix socket", conn)
	}

	rawConn, err := unixConn.SyscallConn()
	if err != nil {
		return privilege.Identity{}, err
	}

	var cred *unix.Ucred
	var credErr error
	controlErr := rawConn.Control(func(fd uintptr) {
		cred, credErr = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	})
	if controlErr != nil {
		return privilege.Identity{}, controlErr
	}
	if credErr != nil {
		return privilege.Identity{}, credErr
	}

	return privilege.Identity{
		UID: cred.Uid,
		GID: cred.Gid,
		PID: cred.Pid,
	}, nil
}

// writeProgress sends an interim frame: {ok: true, progress: N}.
func (s *Server) writeProgress(conn net.Conn, percent int) {
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := codec.NewEncoder(conn).Encode(recoveryapi.Response{
		OK:       true,
		Progress: &percent,
	}); err != nil {
		s.logger.Debug("failed to write progress frame", "error", err)
	}
}

// writeError sends a failure response: {ok: false, error: "..."}.
// Write failures are logged at debug level; the connection is closing
// regardless.
func (s *Server) writeError(conn net.Conn, message string) {
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := codec.NewEncoder(conn).Encode(recoveryapi.Response{
		OK:    false,
		Error: message,
	}); err != nil {
		s.logger.Debug("failed to write error response", "error", err)
	}
}

// writeSuccess sends the final response. If result is nil, the
// response is {ok: true}; otherwise the value is marshaled into the
// data field.
func (s *Server) writeSuccess(conn net.Conn, result any) {
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))

	response := recoveryapi.Response{OK: true}
	if result != nil {
		data, err := codec.Marshal(result)
		if err != nil {
			s.writeError(conn, fmt.Sprintf("internal: marshaling response: %v", err))
			return
		}
		response.Data = data
	}

	if err := codec.NewEncoder(conn).Encode(response); err != nil {
		s.logger.Debug("failed to write response", "error", err)
	}
}
