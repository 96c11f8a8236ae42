// Copyright 2026 The Recoveryd Authors
// SPDX-License-Identifier: Apache-2.0

// Recoveryd orchestrates device recovery: it stages OTA packages and
// bootloader control block commands through the privileged uncrypt
// helper, verifies A/B boot slots before an update reboot, and runs
// the resume-on-reboot escrow flow against the lock-state service.
//
// Clients talk to recoveryd over a unix command socket speaking a CBOR
// request-response protocol (see lib/recoveryapi). Admission is by
// peer credentials: root always, plus the UIDs listed in the config.
//
// On startup:
//  1. Loads the YAML config (--config flag or RECOVERYD_CONFIG).
//  2. Opens the operation history store, when configured.
//  3. Subscribes to capture-completion events from the lock-state
//     service.
//  4. Serves the command socket until SIGINT/SIGTERM.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/updateos/recoveryd/lib/bootcontrol"
	"github.com/updateos/recoveryd/lib/clock"
	"github.com/updateos/recoveryd/lib/config"
	"github.com/updateos/recoveryd/lib/escrow"
	"github.com/updateos/recoveryd/lib/history"
	"github.com/updateos/recoveryd/lib/sqlitepool"
	"github.com/updateos/recoveryd/lib/uncrypt"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var configPath string
	flag.StringVar(&configPath, "config", "", "path to recoveryd.yaml (default: $RECOVERYD_CONFIG)")
	flag.Parse()

	var cfg *config.Config
	var err error
	if configPath != "" {
		cfg, err = config.LoadFile(configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	properties, err := openPropertyStore(cfg.Staging)
	if err != nil {
		return err
	}

	var historyLog *history.Log
	if cfg.History.DatabasePath != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.History.DatabasePath), 0o755); err != nil {
			return fmt.Errorf("creating history directory: %w", err)
		}
		pool, err := sqlitepool.Open(sqlitepool.Config{
			Path:   cfg.History.DatabasePath,
			Logger: logger,
			OnConnect: func(conn *sqlite.Conn) error {
				return sqlitex.ExecuteScript(conn, history.Schema, nil)
			},
		})
		if err != nil {
			return err
		}
		defer pool.Close()

		historyLog, err = history.NewLog(history.Config{
			Pool:        pool,
			CommandFile: cfg.Staging.CommandFile,
			Logger:      logger,
		})
		if err != nil {
			return err
		}
	} else {
		logger.Warn("history recording disabled: no database_path configured")
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Staging.CommandFile), 0o755); err != nil {
		return fmt.Errorf("creating command file directory: %w", err)
	}

	stagerConfig := uncrypt.Config{
		Properties:  properties,
		CommandFile: cfg.Staging.CommandFile,
		SocketPath:  cfg.Staging.HelperSocket,
		Logger:      logger,
	}
	if historyLog != nil {
		stagerConfig.Recorder = historyLog
	}
	stager := uncrypt.NewStager(stagerConfig)

	verifier := bootcontrol.NewVerifier(
		&bootcontrol.CommandProvider{BinaryPath: cfg.Boot.BootctlBinary},
		cfg.Boot.ABDevice,
		logger,
	)

	lockClient := newLockStateClient(cfg.Escrow.LockSettingsSocket, clock.Real(), logger)
	power := newExecPower(cfg.Escrow.RebootCommand, logger)

	managerConfig := escrow.Config{
		LockSettings: lockClient,
		Verifier:     verifier,
		Power:        power,
		Logger:       logger,
	}
	if historyLog != nil {
		managerConfig.Recorder = historyLog
	}
	manager := escrow.NewManager(managerConfig)

	// The lock-state service announces capture completion through the
	// subscription; the manager moves pending requests to prepared.
	go lockClient.WatchPrepared(ctx, manager)

	if err := os.MkdirAll(filepath.Dir(cfg.Socket.Path), 0o755); err != nil {
		return fmt.Errorf("creating socket directory: %w", err)
	}

	server := NewServer(cfg.Socket.Path, cfg.Socket.PrivilegedUIDs, logger)
	registerHandlers(server, handlerDeps{
		stager:     stager,
		manager:    manager,
		power:      power,
		historyLog: historyLog,
	})

	return server.Serve(ctx)
}

// openPropertyStore builds the init property store selected by the
// config.
func openPropertyStore(staging config.StagingConfig) (uncrypt.PropertyStore, error) {
	switch staging.PropertyBackend {
	case config.BackendMemory:
		return uncrypt.NewMemoryStore(), nil
	case config.BackendDir:
		if err := os.MkdirAll(staging.PropertyDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating property directory: %w", err)
		}
		return uncrypt.NewDirStore(staging.PropertyDir), nil
	default:
		return nil, fmt.Errorf("unknown property backend %q", staging.PropertyBackend)
	}
}
