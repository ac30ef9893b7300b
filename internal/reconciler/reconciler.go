// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package reconciler implements C5: per-network-instance desired-vs-
// actual diff and apply. Apply is the single entry point the file
// watcher (C7) and the bootstrap sequence (C8) both drive; it dispatches
// on the network instance's type and, for DOWNLINK/ENDPOINT, walks the
// per-type connection lifecycle (add/delete) before installing routes
// and external-tool config.
package reconciler

import (
	"fmt"

	"ncubed.io/vpncd/internal/adapters"
	"ncubed.io/vpncd/internal/config"
	vpncerrors "ncubed.io/vpncd/internal/errors"
	"ncubed.io/vpncd/internal/kernel"
	"ncubed.io/vpncd/internal/logging"
	"ncubed.io/vpncd/internal/paths"
	"ncubed.io/vpncd/internal/state"
)

// SSHSupervisor manages the autossh subprocess backing one SSH
// connection. Implemented by C8's process supervisor; nil in tests that
// don't exercise SSH connections, in which case sshHandler only manages
// the tunnel device's kernel-visible state.
type SSHSupervisor interface {
	EnsureTunnel(niID string, c *config.Connection) error
	StopTunnel(niID string, c *config.Connection) error
}

// Deps are the external collaborators a Reconciler drives. All fields
// except SSH are required; Reconciler does not construct any of them
// itself so tests can substitute a kernel.MockKernel and fake adapter
// transports.
type Deps struct {
	Kernel   kernel.Kernel
	Swanctl  *adapters.Swanctl
	FRR      *adapters.FRR
	Jool     *adapters.Jool
	Mangle   *adapters.VpncMangle
	Registry *state.Registry
	Log      *logging.Logger
	Layout   paths.Layout
	SSH      SSHSupervisor
}

// Reconciler drives kernel and external-tool state toward a network
// instance's desired configuration.
type Reconciler struct {
	deps Deps

	// frrFragments accumulates the rendered per-NI FRR stanza so the
	// whole frr.conf can be rewritten after any single instance changes,
	// matching the "regenerate frr.conf" contract in §4.7.
	frrFragments map[string]string

	// mangleTranslations accumulates the per-NI DNS64/DNS66 translation
	// set so the whole translations.json can be rewritten after any
	// single instance changes, mirroring vpncmangle's own
	// regenerate-from-every-tenant config generator.
	mangleTranslations map[string]adapters.Translation
}

// New returns a Reconciler wired to deps.
func New(deps Deps) *Reconciler {
	return &Reconciler{
		deps:               deps,
		frrFragments:       make(map[string]string),
		mangleTranslations: make(map[string]adapters.Translation),
	}
}

// Context carries the service-wide configuration an Apply call needs
// beyond the two network instance documents: the parsed prefix scopes
// (§4.4), the deployment mode, the BGP config (hub mode only), and the
// service-level local IKE identity (§6, default "%any").
type Context struct {
	Mode     config.Mode
	Prefixes config.ParsedPrefixes
	BGP      config.BGPConfig
	LocalID  string
}

// Apply reconciles network instance niNew against its previously
// applied state niPrev (nil if this is the first time it is seen).
// It is a no-op if the two documents are equal, per §4.5.
func (r *Reconciler) Apply(ctx Context, niNew, niPrev *config.NetworkInstance) error {
	if niNew == nil && niPrev == nil {
		return nil
	}
	if niNew != nil && niPrev != nil && niNew.Equal(niPrev) {
		return nil
	}

	id := idOf(niNew, niPrev)
	return r.deps.Registry.WithNILock(id, func() error {
		if niNew == nil {
			return r.teardown(ctx, niPrev)
		}
		switch niNew.Type {
		case config.NITypeExternal:
			return r.applyExternal(ctx, niNew)
		case config.NITypeCore:
			return r.applyCore(ctx, niNew)
		case config.NITypeDownlink, config.NITypeEndpoint:
			return r.applyDownlink(ctx, niNew, niPrev)
		default:
			return vpncerrors.Errorf(vpncerrors.KindInvalidTopology, "network instance %s: unknown type %q", id, niNew.Type)
		}
	})
}

// teardown removes every kernel/external-tool trace of a deleted
// network instance (§4.5 Deletion, §8 property 8).
func (r *Reconciler) teardown(ctx Context, prev *config.NetworkInstance) error {
	switch prev.Type {
	case config.NITypeExternal, config.NITypeCore:
		// EXTERNAL/CORE are never deleted at runtime; nothing to do.
		return nil
	default:
		return r.teardownDownlink(ctx, prev)
	}
}

func idOf(a, b *config.NetworkInstance) string {
	if a != nil {
		return a.ID
	}
	if b != nil {
		return b.ID
	}
	return ""
}

func intfName(niID string, connID int) string {
	return fmt.Sprintf("%s-%d", niID, connID)
}

func xfrmIfName(niID string, connID int) string {
	return fmt.Sprintf("xfrm%d", connID)
}

func vethDownlinkName(niID string) string { return niID + "_D" }
func vethCoreName(niID string) string     { return niID + "_C" }

// ConnLinkName returns the real kernel interface name a connection owns
// inside its network instance, which varies by connection kind: xfrmN
// for IPsec, wgN for WireGuard, tunN for the local end of an autossh
// tunnel, and the adopted interface's own name for Physical.
func ConnLinkName(niID string, c *config.Connection) string {
	switch c.Kind {
	case config.ConnIPsec:
		return xfrmIfName(niID, c.ID)
	case config.ConnWireGuard:
		return fmt.Sprintf("wg%d", c.ID)
	case config.ConnSSH:
		if c.SSH != nil {
			return fmt.Sprintf("tun%d", c.SSH.LocalTunnelDev)
		}
		return fmt.Sprintf("tun%d", c.ID)
	default:
		return intfName(niID, c.ID)
	}
}
