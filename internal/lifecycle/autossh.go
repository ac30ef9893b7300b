// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package lifecycle

import (
	"fmt"
	"sync"

	"ncubed.io/vpncd/internal/config"
	vpncerrors "ncubed.io/vpncd/internal/errors"
	"ncubed.io/vpncd/internal/logging"
	"ncubed.io/vpncd/internal/paths"
)

// AutosshSupervisor launches and crash-tracks one autossh subprocess per
// SSH connection, implementing reconciler.SSHSupervisor. Each tunnel's
// local/remote tun device pair is passed to autossh's "-w" point-to-point
// tunnel flag; the resulting tunN device is what the reconciler and link
// monitor observe.
type AutosshSupervisor struct {
	layout paths.Layout
	log    *logging.Logger

	mu    sync.Mutex
	procs map[string]*managedProcess
}

// NewAutosshSupervisor returns a supervisor with no tunnels running yet.
func NewAutosshSupervisor(layout paths.Layout, log *logging.Logger) *AutosshSupervisor {
	return &AutosshSupervisor{layout: layout, log: log, procs: make(map[string]*managedProcess)}
}

func tunnelKey(niID string, c *config.Connection) string {
	return fmt.Sprintf("%s-%d-autossh", niID, c.ID)
}

// EnsureTunnel starts the connection's autossh subprocess if it is not
// already running. Idempotent: re-applying an unchanged connection is a
// no-op.
func (a *AutosshSupervisor) EnsureTunnel(niID string, c *config.Connection) error {
	if c.SSH == nil || len(c.SSH.RemoteAddrs) == 0 {
		return vpncerrors.Errorf(vpncerrors.KindInvalidTopology, "connection %s-%d: ssh requires at least one remote address", niID, c.ID)
	}
	key := tunnelKey(niID, c)

	a.mu.Lock()
	defer a.mu.Unlock()
	if p, ok := a.procs[key]; ok && p.alive() {
		return nil
	}

	target := c.SSH.RemoteAddrs[0]
	if c.SSH.Username != "" {
		target = c.SSH.Username + "@" + target
	}
	args := []string{
		"-M", "0", // disable autossh's own monitoring port, rely on ServerAlive
		"-N",      // no remote command
		"-o", "ServerAliveInterval=15",
		"-o", "ServerAliveCountMax=3",
		"-o", "StrictHostKeyChecking=accept-new",
		"-w", fmt.Sprintf("%d:%d", c.SSH.LocalTunnelDev, c.SSH.RemoteTunnelDev),
		target,
	}

	p := newManagedProcess(key, "autossh", args, a.layout, a.log)
	if err := p.start(); err != nil {
		return vpncerrors.Wrapf(err, vpncerrors.KindExternalUnavailable, "start autossh for %s-%d", niID, c.ID)
	}
	a.procs[key] = p
	return nil
}

// StopTunnel terminates a connection's autossh subprocess, if running.
func (a *AutosshSupervisor) StopTunnel(niID string, c *config.Connection) error {
	key := tunnelKey(niID, c)

	a.mu.Lock()
	p, ok := a.procs[key]
	if ok {
		delete(a.procs, key)
	}
	a.mu.Unlock()
	if !ok {
		return nil
	}
	return p.stop()
}

// StopAll terminates every tracked autossh subprocess, used on daemon
// shutdown.
func (a *AutosshSupervisor) StopAll() {
	a.mu.Lock()
	procs := make([]*managedProcess, 0, len(a.procs))
	for _, p := range a.procs {
		procs = append(procs, p)
	}
	a.procs = make(map[string]*managedProcess)
	a.mu.Unlock()

	for _, p := range procs {
		_ = p.stop()
	}
}
