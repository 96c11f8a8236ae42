// Copyright 2026 The Recoveryd Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"strings"
	"testing"

	"github.com/spf13/pflag"
)

func TestDispatchRunsSubcommand(t *testing.T) {
	ran := false
	root := &Command{
		Name: "tool",
		Subcommands: []*Command{
			{
				Name: "go",
				Run: func(args []string) error {
					ran = true
					return nil
				},
			},
		},
	}

	if err := root.Execute([]string{"go"}); err != nil {
		t.Fatalf("Execute() = %v, want nil", err)
	}
	if !ran {
		t.Fatal("subcommand did not run")
	}
}

func TestDispatchUnknownCommandSuggests(t *testing.T) {
	root := rootCommand(context.Background())

	err := root.Execute([]string{"histori"})
	if err == nil {
		t.Fatal("Execute() = nil, want error")
	}
	if !strings.Contains(err.Error(), `"history"`) {
		t.Errorf("error %q does not suggest history", err)
	}
}

func TestDispatchPassesFlagsAndArgs(t *testing.T) {
	var verbose bool
	var got []string
	command := &Command{
		Name: "run",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("run", pflag.ContinueOnError)
			flagSet.BoolVar(&verbose, "verbose", false, "")
			return flagSet
		},
		Run: func(args []string) error {
			got = args
			return nil
		},
	}

	if err := command.Execute([]string{"--verbose", "a", "b"}); err != nil {
		t.Fatalf("Execute() = %v, want nil", err)
	}
	if !verbose {
		t.Error("verbose flag not set")
	}
	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Errorf("args = %v, want [a b]", got)
	}
}

func TestFullNameFollowsParents(t *testing.T) {
	root := rootCommand(context.Background())

	// Dispatching through an unknown subcommand of history sets the
	// parent chain before the error surfaces.
	err := root.Execute([]string{"history", "exprot"})
	if err == nil {
		t.Fatal("Execute() = nil, want error")
	}
	if !strings.Contains(err.Error(), "recoveryctl history --help") {
		t.Errorf("error %q does not name the full command path", err)
	}
}

func TestHelpListsSubcommands(t *testing.T) {
	root := rootCommand(context.Background())

	var out strings.Builder
	root.PrintHelp(&out)

	for _, name := range []string{"uncrypt", "setup-bcb", "request-lskf", "reboot-lskf", "history"} {
		if !strings.Contains(out.String(), name) {
			t.Errorf("help output missing command %q", name)
		}
	}
}

func TestLevenshtein(t *testing.T) {
	tests := []struct {
		a, b string
		want int
	}{
		{"", "", 0},
		{"history", "", 7},
		{"history", "history", 0},
		{"histori", "history", 1},
		{"uncrpyt", "uncrypt", 2},
		{"status", "history", 6},
	}

	for _, tt := range tests {
		if got := levenshtein(tt.a, tt.b); got != tt.want {
			t.Errorf("levenshtein(%q, %q) = %d, want %d", tt.a, tt.b, got, tt.want)
		}
	}
}

func TestSuggestCommandThreshold(t *testing.T) {
	commands := []*Command{{Name: "history"}, {Name: "uncrypt"}}

	if got := suggestCommand("histry", commands); got != "history" {
		t.Errorf("suggestCommand(histry) = %q, want history", got)
	}
	if got := suggestCommand("zzzzzzzz", commands); got != "" {
		t.Errorf("suggestCommand(zzzzzzzz) = %q, want empty", got)
	}
}
