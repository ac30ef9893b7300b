// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package adapters

import (
	"net/netip"

	vpncerrors "ncubed.io/vpncd/internal/errors"
)

// Jool drives the jool CLI for NAT64 instance management, one instance
// per network instance namespace, scoped by the NAT64 pool6 prefix
// derived by the allocator.
type Jool struct {
	runCmd func(name string, args ...string) ([]byte, error)
}

// NewJool returns a Jool adapter that shells out to the real jool
// binary inside the target namespace via "ip netns exec".
func NewJool() *Jool {
	return &Jool{runCmd: runCommand}
}

// NewJoolWithRunner builds a Jool adapter around a caller-supplied
// runner, used by tests elsewhere in the module that need a Reconciler
// wired up without shelling out to a real jool binary.
func NewJoolWithRunner(runCmd func(name string, args ...string) ([]byte, error)) *Jool {
	return &Jool{runCmd: runCmd}
}

// EnsureInstance creates (or replaces) the NAT64 instance for ns,
// bound to pool6, idempotently: a prior instance of the same name is
// flushed first so re-applying an unchanged scope is a no-op from the
// kernel's perspective.
func (j *Jool) EnsureInstance(ns, instanceName string, pool6 netip.Prefix) error {
	if _, err := j.runCmd("ip", "netns", "exec", ns, "jool", "instance", "flush"); err != nil {
		return vpncerrors.Wrapf(err, vpncerrors.KindExternalUnavailable, "jool instance flush in %s", ns)
	}
	args := []string{"netns", "exec", ns, "jool", "instance", "add", instanceName,
		"--netfilter", "--pool6", pool6.String()}
	if _, err := j.runCmd("ip", args...); err != nil {
		return vpncerrors.Wrapf(err, vpncerrors.KindExternalUnavailable, "jool instance add %s in %s", instanceName, ns)
	}
	return nil
}

// RemoveInstance flushes all NAT64 state in ns, used on network
// instance teardown.
func (j *Jool) RemoveInstance(ns string) error {
	if _, err := j.runCmd("ip", "netns", "exec", ns, "jool", "instance", "flush"); err != nil {
		return vpncerrors.Wrapf(err, vpncerrors.KindExternalUnavailable, "jool instance flush in %s", ns)
	}
	return nil
}
