// Copyright 2026 The Recoveryd Authors
// SPDX-License-Identifier: Apache-2.0

package bootcontrol

import (
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
)

// CommandProvider obtains slot state by running a platform bootctl
// binary. The binary is expected to support two subcommands, each
// printing a single integer: "current-slot" and "active-slot".
//
// A missing binary is the "older platform" case: BootControl returns
// (nil, nil) and the verifier skips slot checks. A binary that exists
// but cannot be executed is a hard failure.
type CommandProvider struct {
	// BinaryPath is the bootctl binary. Empty disables slot queries
	// entirely (soft skip).
	BinaryPath string
}

// BootControl implements [Provider].
func (p *CommandProvider) BootControl() (BootControl, error) {
	if p.BinaryPath == "" {
		return nil, nil
	}
	info, err := os.Stat(p.BinaryPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("bootctl binary %s: %w", p.BinaryPath, err)
	}
	if info.Mode()&0111 == 0 {
		return nil, fmt.Errorf("bootctl binary %s is not executable", p.BinaryPath)
	}
	return &commandControl{binaryPath: p.BinaryPath}, nil
}

type commandControl struct {
	binaryPath string
}

func (c *commandControl) CurrentSlot() (int, error) {
	return c.querySlot("current-slot")
}

func (c *commandControl) ActiveBootSlot() (int, error) {
	return c.querySlot("active-slot")
}

// querySlot runs the bootctl subcommand and parses its integer output.
func (c *commandControl) querySlot(subcommand string) (int, error) {
	output, err := exec.Command(c.binaryPath, subcommand).Output()
	if err != nil {
		return 0, fmt.Errorf("running %s %s: %w", c.binaryPath, subcommand, err)
	}
	slot, err := strconv.Atoi(strings.TrimSpace(string(output)))
	if err != nil {
		return 0, fmt.Errorf("parsing %s output %q: %w", subcommand, output, err)
	}
	return slot, nil
}
