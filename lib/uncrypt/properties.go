// Copyright 2026 The Recoveryd Authors
// SPDX-License-Identifier: Apache-2.0

package uncrypt

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Property keys shared between recoveryd and the init system. The
// service-state keys report the lifecycle of the three helper
// services; the control key starts one of them.
const (
	// PropServiceUncrypt reports the state of the uncrypt service.
	PropServiceUncrypt = "init.svc.uncrypt"
	// PropServiceSetupBcb reports the state of the setup-bcb service.
	PropServiceSetupBcb = "init.svc.setup-bcb"
	// PropServiceClearBcb reports the state of the clear-bcb service.
	PropServiceClearBcb = "init.svc.clear-bcb"
	// PropCtlStart starts the named helper service when set.
	PropCtlStart = "ctl.start"
)

// ServiceStateRunning is the value a service-state property reports
// while its helper process is alive. The busy-check refuses to start a
// new BCB operation while any helper reports this state, because the
// helper creates and destroys the shared socket on each invocation.
const ServiceStateRunning = "running"

// PropertyStore reads and writes init-system properties. Get returns
// the empty string for unset keys. Set is fire-and-forget: the init
// system acts on control properties asynchronously.
type PropertyStore interface {
	Get(key string) string
	Set(key, value string)
}

// MemoryStore is an in-process PropertyStore. Used by tests and by
// single-process deployments where a test harness plays the init role.
type MemoryStore struct {
	mu     sync.Mutex
	values map[string]string
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{values: make(map[string]string)}
}

// Get returns the stored value, or "" when unset.
func (s *MemoryStore) Get(key string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.values[key]
}

// Set stores value under key.
func (s *MemoryStore) Set(key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = value
}

// DirStore is a PropertyStore backed by one file per key under a
// directory, for init systems that expose service state as files
// (key "init.svc.uncrypt" maps to <dir>/init.svc.uncrypt). Writes go
// through a temporary file and rename so readers never observe a
// partial value.
type DirStore struct {
	dir string
}

// NewDirStore returns a DirStore rooted at dir. The directory must
// exist.
func NewDirStore(dir string) *DirStore {
	return &DirStore{dir: dir}
}

// Get reads the property file, trimming trailing whitespace. Missing
// or unreadable files read as unset.
func (s *DirStore) Get(key string) string {
	data, err := os.ReadFile(filepath.Join(s.dir, key))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

// Set writes the property file atomically. Write failures are dropped:
// property writes are fire-and-forget and the init system owns the
// directory.
func (s *DirStore) Set(key, value string) {
	path := filepath.Join(s.dir, key)
	temporaryPath := path + ".tmp"
	if err := os.WriteFile(temporaryPath, []byte(value+"\n"), 0644); err != nil {
		return
	}
	if err := os.Rename(temporaryPath, path); err != nil {
		os.Remove(temporaryPath)
	}
}
