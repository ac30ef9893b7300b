// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package lifecycle implements C8: the startup/shutdown sequence of
// §4.8, the per-subprocess crash tracker that decides whether a managed
// external process (Strongswan, FRR, vpncmangle, autossh) is restarted
// or left down, and systemd sd_notify readiness signaling.
package lifecycle

import (
	"encoding/json"
	"os"
	"path/filepath"
	"syscall"
	"time"

	vpncerrors "ncubed.io/vpncd/internal/errors"
)

const (
	// DefaultCrashThreshold is the number of real crashes within Window
	// before a subprocess is no longer automatically restarted.
	DefaultCrashThreshold = 3
	// DefaultCrashWindow is the sliding window real crashes are counted
	// over.
	DefaultCrashWindow = 5 * time.Minute
)

// CrashEvent records one subprocess exit.
type CrashEvent struct {
	ExitCode  int            `json:"exit_code"`
	Signal    syscall.Signal `json:"signal"`
	Timestamp time.Time      `json:"timestamp"`
}

// IsCrash reports whether the exit represents an actual crash rather
// than a clean exit or a stop this process requested itself.
func (e CrashEvent) IsCrash() bool {
	switch e.Signal {
	case syscall.SIGKILL, syscall.SIGSEGV, syscall.SIGBUS, syscall.SIGABRT:
		return true
	case syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP:
		return false
	}
	return e.ExitCode != 0
}

type crashState struct {
	Events []CrashEvent `json:"events"`
}

// CrashTracker persists one subprocess's recent exit history to disk so
// restart decisions survive a vpncd restart, mirroring the "don't
// restart-loop a broken dependency" concern of §5.
type CrashTracker struct {
	path      string
	threshold int
	window    time.Duration
	state     crashState
}

// NewCrashTracker returns a tracker persisting to statePath, best-effort
// loading any prior history already there.
func NewCrashTracker(statePath string, threshold int, window time.Duration) *CrashTracker {
	t := &CrashTracker{path: statePath, threshold: threshold, window: window}
	_ = t.load()
	return t
}

// RecordExit appends an exit event and persists the updated history.
func (t *CrashTracker) RecordExit(exitCode int, signal syscall.Signal) error {
	t.state.Events = append(t.state.Events, CrashEvent{ExitCode: exitCode, Signal: signal, Timestamp: time.Now()})
	t.prune()
	return t.save()
}

// ShouldEnterSafeMode reports whether enough real crashes have happened
// within the window that this subprocess should stop being restarted
// until an operator intervenes.
func (t *CrashTracker) ShouldEnterSafeMode() bool {
	t.prune()
	crashes := 0
	for _, e := range t.state.Events {
		if e.IsCrash() {
			crashes++
		}
	}
	return crashes >= t.threshold
}

// Reset clears the crash history and persists the empty state.
func (t *CrashTracker) Reset() error {
	t.state.Events = nil
	return t.save()
}

func (t *CrashTracker) prune() {
	cutoff := time.Now().Add(-t.window)
	filtered := t.state.Events[:0]
	for _, e := range t.state.Events {
		if e.Timestamp.After(cutoff) {
			filtered = append(filtered, e)
		}
	}
	t.state.Events = filtered
}

func (t *CrashTracker) load() error {
	data, err := os.ReadFile(t.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if err := json.Unmarshal(data, &t.state); err != nil {
		t.state = crashState{}
	}
	return nil
}

func (t *CrashTracker) save() error {
	if err := os.MkdirAll(filepath.Dir(t.path), 0o755); err != nil {
		return vpncerrors.Wrap(err, vpncerrors.KindInternal, "create lifecycle state directory")
	}
	data, err := json.Marshal(t.state)
	if err != nil {
		return vpncerrors.Wrap(err, vpncerrors.KindInternal, "marshal crash state")
	}
	if err := os.WriteFile(t.path, data, 0o644); err != nil {
		return vpncerrors.Wrapf(err, vpncerrors.KindInternal, "write crash state %s", t.path)
	}
	return nil
}
