// Copyright 2026 The Recoveryd Authors
// SPDX-License-Identifier: Apache-2.0

package uncrypt

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/updateos/recoveryd/lib/clock"
)

// idlePollMaxAttempts bounds the busy-check loop that waits for the
// helper services to go idle before a new BCB operation starts.
const idlePollMaxAttempts = 30

// idlePollInterval is the spacing between busy-check polls.
const idlePollInterval = time.Second

// Recorder receives best-effort audit records of staging operations.
// Implementations must never fail the operation: recording problems
// are theirs to log and swallow.
type Recorder interface {
	RecordStaging(ctx context.Context, operation, detail, outcome string)
}

// Config holds the parameters for constructing a Stager.
type Config struct {
	// Properties is the init property store used for the busy-check
	// and for triggering helper services. Required.
	Properties PropertyStore

	// CommandFile is the path of the single-line file holding the OTA
	// package path for the recovery image to read. Required.
	CommandFile string

	// SocketPath is the helper's Unix socket path. Required unless
	// Connect is set.
	SocketPath string

	// Connect overrides the socket connector. Nil means dial
	// SocketPath with the standard retry budget. Tests inject a
	// connector that returns a pipe-backed session.
	Connect func(ctx context.Context) (*Session, error)

	// Clock paces the busy-check and connect retries. Defaults to
	// clock.Real().
	Clock clock.Clock

	// Logger receives operational messages. If nil, logs are
	// discarded.
	Logger *slog.Logger

	// Recorder receives audit records. Nil disables recording.
	Recorder Recorder
}

// Stager stages OTA packages and bootloader control block commands
// through the uncrypt helper. All operations are serialized under one
// mutex: only one BCB operation runs system-wide at a time, because
// the helper process creates and destroys the shared socket on each
// invocation.
type Stager struct {
	mu          sync.Mutex
	properties  PropertyStore
	commandFile string
	connect     func(ctx context.Context) (*Session, error)
	clock       clock.Clock
	logger      *slog.Logger
	recorder    Recorder
}

// NewStager constructs a Stager from cfg.
func NewStager(cfg Config) *Stager {
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	connect := cfg.Connect
	if connect == nil {
		dialer := &Dialer{
			SocketPath: cfg.SocketPath,
			Clock:      clk,
			Logger:     logger,
		}
		connect = dialer.Connect
	}
	return &Stager{
		properties:  cfg.Properties,
		commandFile: cfg.CommandFile,
		connect:     connect,
		clock:       clk,
		logger:      logger,
		recorder:    cfg.Recorder,
	}
}

// statusNone marks "no status received yet" in the progress loop, so
// a first status of any legal value is always reported.
const statusNone = int32(math.MinInt32)

// Uncrypt stages the OTA package at filename: waits for the helper
// services to be idle, rewrites the command file, triggers the uncrypt
// helper, and relays its progress to the optional progress sink until
// the helper reports completion. Returns true only when the helper
// reports 100.
//
// Duplicate consecutive status values are coalesced so the sink is not
// flooded with redundant notifications. Any I/O error, a status
// outside [0,100], or an exhausted busy-check budget fails the
// operation; none of these are fatal to the service process.
func (s *Stager) Uncrypt(ctx context.Context, filename string, progress func(int)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	ok := s.uncryptLocked(ctx, filename, progress)
	s.record(ctx, "uncrypt", filename, ok)
	return ok
}

func (s *Stager) uncryptLocked(ctx context.Context, filename string, progress func(int)) bool {
	if !s.waitForHelperIdle(ctx) {
		s.logger.Error("uncrypt helper services are unavailable")
		return false
	}

	if err := s.writeCommandFile(filename); err != nil {
		s.logger.Error("writing uncrypt command file",
			"path", s.commandFile,
			"error", err,
		)
		return false
	}

	s.properties.Set(PropCtlStart, "uncrypt")

	session, err := s.connect(ctx)
	if err != nil {
		s.logger.Error("failed to connect to uncrypt socket", "error", err)
		return false
	}
	defer session.Close()

	lastStatus := statusNone
	for {
		status, err := session.ReadStatus()
		if err != nil {
			s.logger.Error("reading uncrypt status", "error", err)
			return false
		}
		if status == lastStatus {
			continue
		}
		lastStatus = status

		if status < 0 || status > 100 {
			s.logger.Error("uncrypt failed", "status", status)
			// The helper blocks on the ack before tearing down the
			// socket, terminal failure included.
			if err := session.SendAck(); err != nil {
				s.logger.Error("acking uncrypt failure status", "error", err)
			}
			return false
		}

		s.logger.Info("uncrypt progress", "status", status)
		if progress != nil {
			progress(int(status))
		}
		if status == 100 {
			if err := session.SendAck(); err != nil {
				s.logger.Error("acking uncrypt final status", "error", err)
				return false
			}
			s.logger.Info("uncrypt finished")
			return true
		}
	}
}

// SetupBcb writes command into the bootloader control block through
// the setup-bcb helper. Returns true only when the helper reports 100.
func (s *Stager) SetupBcb(ctx context.Context, command string) bool {
	return s.SetupBcbThen(ctx, command, nil)
}

// SetupBcbThen is SetupBcb with a follow-up: when staging succeeds,
// then runs before the staging mutex is released, so no other BCB
// operation can interleave between the stage and the follow-up. The
// reboot-into-recovery flow depends on this: a concurrent clear-bcb
// must not wipe the command the device is about to boot with.
func (s *Stager) SetupBcbThen(ctx context.Context, command string, then func()) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	ok := s.setupOrClearBcbLocked(ctx, true, command)
	s.record(ctx, "setup-bcb", command, ok)
	if ok && then != nil {
		then()
	}
	return ok
}

// ClearBcb clears the bootloader control block through the clear-bcb
// helper. Returns true only when the helper reports 100.
func (s *Stager) ClearBcb(ctx context.Context) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	ok := s.setupOrClearBcbLocked(ctx, false, "")
	s.record(ctx, "clear-bcb", "", ok)
	return ok
}

func (s *Stager) setupOrClearBcbLocked(ctx context.Context, isSetup bool, command string) bool {
	if !s.waitForHelperIdle(ctx) {
		s.logger.Error("uncrypt helper services are unavailable")
		return false
	}

	if isSetup {
		s.properties.Set(PropCtlStart, "setup-bcb")
	} else {
		s.properties.Set(PropCtlStart, "clear-bcb")
	}

	session, err := s.connect(ctx)
	if err != nil {
		s.logger.Error("failed to connect to uncrypt socket", "error", err)
		return false
	}
	defer session.Close()

	if isSetup {
		if err := session.SendCommand(command); err != nil {
			s.logger.Error("sending bcb command", "error", err)
			return false
		}
	}

	status, err := session.ReadStatus()
	if err != nil {
		s.logger.Error("reading bcb status", "error", err)
		return false
	}

	// Ack receipt of the status; the helper waits for it before
	// destroying the socket.
	if err := session.SendAck(); err != nil {
		s.logger.Error("acking bcb status", "error", err)
		return false
	}

	if status != 100 {
		s.logger.Error("bcb operation failed",
			"setup", isSetup,
			"status", status,
		)
		return false
	}

	s.logger.Info("bcb operation finished", "setup", isSetup)
	return true
}

// waitForHelperIdle polls the three helper service-state properties
// until none report "running", up to idlePollMaxAttempts with
// idlePollInterval spacing. Starting a new helper while one is still
// alive would break the socket protocol, since the init system creates
// and deletes the socket on service start and exit.
func (s *Stager) waitForHelperIdle(ctx context.Context) bool {
	for attempt := 0; attempt < idlePollMaxAttempts; attempt++ {
		uncryptState := s.properties.Get(PropServiceUncrypt)
		setupBcbState := s.properties.Get(PropServiceSetupBcb)
		clearBcbState := s.properties.Get(PropServiceClearBcb)

		busy := uncryptState == ServiceStateRunning ||
			setupBcbState == ServiceStateRunning ||
			clearBcbState == ServiceStateRunning
		if !busy {
			return true
		}

		s.logger.Debug("helper services busy",
			"attempt", attempt+1,
			"uncrypt", uncryptState,
			"setup_bcb", setupBcbState,
			"clear_bcb", clearBcbState,
		)

		select {
		case <-ctx.Done():
			return false
		case <-s.clock.After(idlePollInterval):
		}
	}
	return false
}

// writeCommandFile deletes any stale command file and atomically
// writes the new single-line command: temporary file, fsync, rename,
// then a best-effort sync of the parent directory. The recovery image
// reads this file after reboot, so a torn write is worse than a failed
// one.
func (s *Stager) writeCommandFile(filename string) error {
	if err := os.Remove(s.commandFile); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing stale command file: %w", err)
	}

	temporaryPath := s.commandFile + ".tmp"
	file, err := os.OpenFile(temporaryPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("creating temporary command file: %w", err)
	}

	if _, err := file.WriteString(filename + "\n"); err != nil {
		file.Close()
		os.Remove(temporaryPath)
		return fmt.Errorf("writing temporary command file: %w", err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(temporaryPath)
		return fmt.Errorf("syncing temporary command file: %w", err)
	}
	if err := file.Close(); err != nil {
		os.Remove(temporaryPath)
		return fmt.Errorf("closing temporary command file: %w", err)
	}

	if err := os.Rename(temporaryPath, s.commandFile); err != nil {
		os.Remove(temporaryPath)
		return fmt.Errorf("renaming command file into place: %w", err)
	}

	if parentDirectory, err := os.Open(filepath.Dir(s.commandFile)); err == nil {
		parentDirectory.Sync()
		parentDirectory.Close()
	}

	return nil
}

// CommandFile returns the configured command file path.
func (s *Stager) CommandFile() string {
	return s.commandFile
}

func (s *Stager) record(ctx context.Context, operation, detail string, ok bool) {
	if s.recorder == nil {
		return
	}
	outcome := "failed"
	if ok {
		outcome = "ok"
	}
	s.recorder.RecordStaging(ctx, operation, detail, outcome)
}
