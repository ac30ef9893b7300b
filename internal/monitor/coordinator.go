// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package monitor

import (
	"sync"

	"ncubed.io/vpncd/internal/config"
	"ncubed.io/vpncd/internal/kernel"
	"ncubed.io/vpncd/internal/logging"
	"ncubed.io/vpncd/internal/state"
)

// Coordinator is C6's process-wide supervisor: it owns one netlink
// link-state subscription per active network instance and starts/stops
// them as the file-watch controller (C7) brings instances into and out
// of existence. The VICI event listener and sweeper are process-wide
// singletons started once at bootstrap (C8) and are not instance-scoped.
type Coordinator struct {
	watcher  LinkWatcher
	k        kernel.Kernel
	registry *state.Registry
	log      *logging.Logger

	mu      sync.Mutex
	running map[string]*runningInstance
}

type runningInstance struct {
	mon    *instanceMonitor
	cancel func()
}

// NewCoordinator builds a Coordinator around a LinkWatcher (normally
// NewLinkWatcher(), or a fake in tests).
func NewCoordinator(watcher LinkWatcher, k kernel.Kernel, registry *state.Registry, log *logging.Logger) *Coordinator {
	return &Coordinator{
		watcher:  watcher,
		k:        k,
		registry: registry,
		log:      log,
		running:  make(map[string]*runningInstance),
	}
}

// EnsureInstance starts (or restarts, if the connection set changed) the
// link-state monitor for niID. conns maps each connection's real kernel
// interface name to its Connection and declared NIType; lookup uses this
// same map, and its keys form the "all connections up" expected set for
// the CORE aggregate gate (§4.6).
func (co *Coordinator) EnsureInstance(niID string, niType config.NIType, conns map[string]*config.Connection) error {
	co.mu.Lock()
	defer co.mu.Unlock()

	if existing, ok := co.running[niID]; ok {
		existing.cancel()
		delete(co.running, niID)
	}

	events, cancel, err := co.watcher.Subscribe(niID)
	if err != nil {
		return err
	}

	byIfname := make(map[string]*config.Connection, len(conns))
	expected := make(map[string]bool, len(conns))
	for ifname, c := range conns {
		byIfname[ifname] = c
		expected[ifname] = true
	}
	lookup := func(ifname string) (*config.Connection, config.NIType) {
		return byIfname[ifname], niType
	}

	mon := &instanceMonitor{
		niID:     niID,
		k:        co.k,
		registry: co.registry,
		log:      co.log,
		linkUp:   make(map[string]bool),
	}
	co.running[niID] = &runningInstance{mon: mon, cancel: cancel}

	go mon.run(events, expected, lookup)
	return nil
}

// StopInstance cancels and forgets niID's link-state subscription, used
// on network-instance teardown.
func (co *Coordinator) StopInstance(niID string) {
	co.mu.Lock()
	defer co.mu.Unlock()
	if existing, ok := co.running[niID]; ok {
		existing.cancel()
		delete(co.running, niID)
	}
	co.registry.ForgetNI(niID)
}
