// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package reconciler

import (
	"fmt"
	"net/netip"

	"ncubed.io/vpncd/internal/allocator"
	"ncubed.io/vpncd/internal/config"
	vpncerrors "ncubed.io/vpncd/internal/errors"
	"ncubed.io/vpncd/internal/kernel"
)

// connHandler is the tagged-variant vtable §4.5 describes for
// connection add/delete: one implementation per config.ConnKind.
type connHandler interface {
	add(r *Reconciler, ctx Context, niID string, parts allocator.DownlinkParts, c *config.Connection) error
	delete(r *Reconciler, niID string, c *config.Connection) error
}

func handlerFor(kind config.ConnKind) (connHandler, error) {
	switch kind {
	case config.ConnIPsec:
		return ipsecHandler{}, nil
	case config.ConnWireGuard:
		return wireguardHandler{}, nil
	case config.ConnPhysical:
		return physicalHandler{}, nil
	case config.ConnSSH:
		return sshHandler{}, nil
	default:
		return nil, vpncerrors.Errorf(vpncerrors.KindInvalidTopology, "unknown connection kind %q", kind)
	}
}

// reconcileConnections builds the desired interface-name set from
// niNew, deletes any previous connection no longer present (SSH first,
// since SSH tunnels ride over the other connections' transport), then
// adds/updates every connection in niNew, finally installing its
// up/down route set from the observed link state.
func (r *Reconciler) reconcileConnections(ctx Context, niID string, niNew, niPrev *config.NetworkInstance) error {
	parts, err := allocator.ParseDownlinkParts(niID)
	if err != nil {
		return err
	}

	desired := make(map[string]bool, len(niNew.Connections))
	for _, c := range niNew.Connections {
		desired[intfName(niID, c.ID)] = true
	}

	if niPrev != nil {
		// SSH connections are deleted before others (§4.5 Connection
		// reconciliation): they ride on the other connections' transport.
		for _, c := range niPrev.Connections {
			if c.Kind != config.ConnSSH {
				continue
			}
			if !desired[intfName(niID, c.ID)] {
				if err := r.deleteConnection(niID, c); err != nil {
					return err
				}
			}
		}
		for _, c := range niPrev.Connections {
			if c.Kind == config.ConnSSH {
				continue
			}
			if !desired[intfName(niID, c.ID)] {
				if err := r.deleteConnection(niID, c); err != nil {
					return err
				}
			}
		}
	}

	for _, c := range niNew.Connections {
		h, err := handlerFor(c.Kind)
		if err != nil {
			r.deps.Log.Warn("skipping connection with invalid topology", "ni", niID, "conn", c.ID, "error", err)
			continue
		}
		if err := h.add(r, ctx, niID, parts, c); err != nil {
			return err
		}
		if err := r.installConnectionRoutes(niID, c); err != nil {
			return err
		}
	}
	return nil
}

func (r *Reconciler) deleteConnection(niID string, c *config.Connection) error {
	h, err := handlerFor(c.Kind)
	if err != nil {
		return nil
	}
	return h.delete(r, niID, c)
}

// installConnectionRoutes queries the connection's link state and
// installs either the real route set or a blackhole (§4.5 final step;
// the authoritative up/down transition itself is driven by C6, this is
// the initial install at connection-creation time).
func (r *Reconciler) installConnectionRoutes(niID string, c *config.Connection) error {
	name := ConnLinkName(niID, c)
	state, err := r.deps.Kernel.LinkState(niID, name)
	if err != nil {
		return vpncerrors.Wrapf(err, vpncerrors.KindTransientKernel, "query link state of %s", name)
	}
	routeType := kernel.RouteUnicast
	if state == kernel.LinkDown {
		routeType = kernel.RouteBlackhole
	}
	for _, rt := range c.Routes.IPv4 {
		if err := r.installRoute(niID, name, rt, routeType, false); err != nil {
			return err
		}
	}
	for _, rt := range c.Routes.IPv6 {
		if err := r.installRoute(niID, name, rt, routeType, true); err != nil {
			return err
		}
	}
	return nil
}

func (r *Reconciler) installRoute(niID, ifname string, rt config.Route, routeType kernel.RouteType, isV6 bool) error {
	dst := rt.To
	if dst == "default" {
		if isV6 {
			dst = "::/0"
		} else {
			dst = "0.0.0.0/0"
		}
	}
	prefix, err := netip.ParsePrefix(dst)
	if err != nil {
		return vpncerrors.Wrapf(err, vpncerrors.KindInvalidTopology, "parse route destination %q", rt.To)
	}
	spec := kernel.RouteSpec{Op: kernel.RouteReplace, Dst: prefix, Ifname: ifname, Type: routeType}
	if rt.Via != "" {
		via, err := netip.ParseAddr(rt.Via)
		if err != nil {
			return vpncerrors.Wrapf(err, vpncerrors.KindInvalidTopology, "parse route via %q", rt.Via)
		}
		spec.Via = via
	}
	if err := r.deps.Kernel.Route(niID, spec); err != nil {
		return vpncerrors.Wrapf(err, vpncerrors.KindTransientKernel, "install route %s in %s", prefix, niID)
	}
	return nil
}

// --- IPsec ---

type ipsecHandler struct{}

func (ipsecHandler) add(r *Reconciler, ctx Context, niID string, parts allocator.DownlinkParts, c *config.Connection) error {
	if c.IPsec == nil {
		return vpncerrors.Errorf(vpncerrors.KindInvalidTopology, "connection %s-%d: ipsec type with no ipsec config", niID, c.ID)
	}
	vpnID := allocator.VPNID(parts, c.ID)
	name := xfrmIfName(niID, c.ID)

	if err := r.deps.Kernel.EnsureLink(externalNamespace, kernel.LinkSpec{
		Kind: kernel.LinkXFRM, Name: name, ParentInterface: "ext0", IfID: vpnID,
	}); err != nil {
		return vpncerrors.Wrapf(err, vpncerrors.KindTransientKernel, "ensure xfrm link %s", name)
	}
	if err := r.deps.Kernel.MoveLink(niID, name); err != nil {
		return vpncerrors.Wrapf(err, vpncerrors.KindTransientKernel, "move xfrm link %s into %s", name, niID)
	}
	if err := r.deps.Kernel.SetLinkState(niID, name, kernel.LinkUp); err != nil {
		return vpncerrors.Wrapf(err, vpncerrors.KindTransientKernel, "bring up xfrm link %s", name)
	}
	if err := r.deps.Kernel.FlushAddresses(niID, name); err != nil {
		return vpncerrors.Wrapf(err, vpncerrors.KindTransientKernel, "flush addresses on %s", name)
	}
	iface, err := resolveInterfaceAddrs(ctx, parts, c)
	if err != nil {
		return err
	}
	return applyInterfaceAddrs(r.deps.Kernel, niID, name, iface)
}

func (ipsecHandler) delete(r *Reconciler, niID string, c *config.Connection) error {
	name := xfrmIfName(niID, c.ID)
	return r.deps.Kernel.DeleteLink(niID, name)
}

// --- WireGuard ---

type wireguardHandler struct{}

func (wireguardHandler) add(r *Reconciler, ctx Context, niID string, parts allocator.DownlinkParts, c *config.Connection) error {
	if c.WireGuard == nil {
		return vpncerrors.Errorf(vpncerrors.KindInvalidTopology, "connection %s-%d: wireguard type with no wireguard config", niID, c.ID)
	}
	name := fmt.Sprintf("wg%d", c.ID)
	if err := r.deps.Kernel.EnsureLink(externalNamespace, kernel.LinkSpec{Kind: kernel.LinkWireGuard, Name: name}); err != nil {
		return vpncerrors.Wrapf(err, vpncerrors.KindTransientKernel, "ensure wireguard link %s", name)
	}
	if err := r.deps.Kernel.MoveLink(niID, name); err != nil {
		return vpncerrors.Wrapf(err, vpncerrors.KindTransientKernel, "move wireguard link %s into %s", name, niID)
	}
	iface, err := resolveInterfaceAddrs(ctx, parts, c)
	if err != nil {
		return err
	}
	if err := applyInterfaceAddrs(r.deps.Kernel, niID, name, iface); err != nil {
		return err
	}
	if err := r.deps.Kernel.SetLinkState(niID, name, kernel.LinkUp); err != nil {
		return vpncerrors.Wrapf(err, vpncerrors.KindTransientKernel, "bring up wireguard link %s", name)
	}

	wgCfg, err := wireguardDeviceConfig(c)
	if err != nil {
		return err
	}
	if err := r.deps.Kernel.ConfigureWireGuard(niID, name, wgCfg); err != nil {
		return vpncerrors.Wrapf(err, vpncerrors.KindExternalUnavailable, "configure wireguard peer on %s", name)
	}
	return nil
}

func (wireguardHandler) delete(r *Reconciler, niID string, c *config.Connection) error {
	name := fmt.Sprintf("wg%d", c.ID)
	return r.deps.Kernel.DeleteLink(niID, name)
}

// wireguardDeviceConfig builds the private key, listen port, and
// single-peer configuration for a WireGuard connection (§4.5: one peer
// per connection), taking the peer's allowed-ips from the connection's
// own route list so a WireGuard tunnel and an IPsec tunnel describe
// reachability the same way.
func wireguardDeviceConfig(c *config.Connection) (kernel.WireGuardConfig, error) {
	wg := c.WireGuard
	allowed := make([]netip.Prefix, 0, len(c.Routes.IPv4)+len(c.Routes.IPv6))
	for _, set := range []struct {
		routes  []config.Route
		allZero string
	}{
		{c.Routes.IPv4, "0.0.0.0/0"},
		{c.Routes.IPv6, "::/0"},
	} {
		for _, rt := range set.routes {
			to := rt.To
			if to == "default" {
				to = set.allZero
			}
			prefix, err := netip.ParsePrefix(to)
			if err != nil {
				return kernel.WireGuardConfig{}, vpncerrors.Wrapf(err, vpncerrors.KindInvalidTopology, "parse wireguard allowed-ip %q", rt.To)
			}
			allowed = append(allowed, prefix)
		}
	}

	var endpoint string
	if len(wg.RemoteAddrs) > 0 && wg.RemotePort != 0 {
		endpoint = fmt.Sprintf("%s:%d", wg.RemoteAddrs[0], wg.RemotePort)
	}

	return kernel.WireGuardConfig{
		PrivateKeyHex:    wg.PrivateKey,
		ListenPort:       wg.LocalPort,
		PeerPublicKeyHex: wg.PublicKey,
		Endpoint:         endpoint,
		AllowedIPs:       allowed,
	}, nil
}

// --- Physical ---

type physicalHandler struct{}

func (physicalHandler) add(r *Reconciler, ctx Context, niID string, parts allocator.DownlinkParts, c *config.Connection) error {
	if c.Physical == nil {
		return vpncerrors.Errorf(vpncerrors.KindInvalidTopology, "connection %s-%d: physical type with no physical config", niID, c.ID)
	}
	name := intfName(niID, c.ID)
	if err := r.deps.Kernel.EnsureLink(externalNamespace, kernel.LinkSpec{
		Kind: kernel.LinkPhysical, Name: name, PhysicalName: c.Physical.InterfaceName,
	}); err != nil {
		return vpncerrors.Wrapf(err, vpncerrors.KindTransientKernel, "ensure physical link %s", name)
	}
	if err := r.deps.Kernel.MoveLink(niID, name); err != nil {
		return vpncerrors.Wrapf(err, vpncerrors.KindTransientKernel, "move physical link %s into %s", name, niID)
	}
	iface, err := resolveInterfaceAddrs(ctx, parts, c)
	if err != nil {
		return err
	}
	if err := applyInterfaceAddrs(r.deps.Kernel, niID, name, iface); err != nil {
		return err
	}
	return r.deps.Kernel.SetLinkState(niID, name, kernel.LinkUp)
}

func (physicalHandler) delete(r *Reconciler, niID string, c *config.Connection) error {
	return r.deps.Kernel.DeleteLink(niID, intfName(niID, c.ID))
}

// --- SSH ---

type sshHandler struct{}

func (sshHandler) add(r *Reconciler, ctx Context, niID string, parts allocator.DownlinkParts, c *config.Connection) error {
	if c.SSH == nil {
		return vpncerrors.Errorf(vpncerrors.KindInvalidTopology, "connection %s-%d: ssh type with no ssh config", niID, c.ID)
	}
	// autossh itself is launched by the process supervisor (C8) against
	// the per-connection crash-tracked subprocess spec; the reconciler's
	// job is limited to the tunnel device's kernel-visible state, which
	// autossh's point-to-point tun device owns once it is up.
	r.deps.Log.Info("ssh connection configured, awaiting autossh tunnel bring-up",
		"ni", niID, "conn", c.ID, "local_tun", c.SSH.LocalTunnelDev, "remote_tun", c.SSH.RemoteTunnelDev)
	if r.deps.SSH == nil {
		return nil
	}
	return r.deps.SSH.EnsureTunnel(niID, c)
}

func (sshHandler) delete(r *Reconciler, niID string, c *config.Connection) error {
	if r.deps.SSH != nil {
		if err := r.deps.SSH.StopTunnel(niID, c); err != nil {
			return err
		}
	}
	name := fmt.Sprintf("tun%d", c.SSH.LocalTunnelDev)
	return r.deps.Kernel.DeleteLink(niID, name)
}

// resolveInterfaceAddrs returns the connection's interface addresses,
// falling back to the §4.4 deterministic derivation for whichever
// family the operator did not explicitly override.
func resolveInterfaceAddrs(ctx Context, parts allocator.DownlinkParts, c *config.Connection) (*config.Interface, error) {
	iface := &config.Interface{}
	if c.Interface != nil {
		*iface = *c.Interface
	}

	if iface.IPv4 == "" && ctx.Prefixes.DownlinkInterfaceV4.IsValid() {
		p, err := allocator.InterfaceV4(ctx.Prefixes.DownlinkInterfaceV4, parts, c.ID)
		if err != nil {
			return nil, err
		}
		iface.IPv4 = p.String()
	}
	if iface.IPv6 == "" && ctx.Prefixes.DownlinkInterfaceV6.IsValid() {
		p, err := allocator.InterfaceV6(ctx.Prefixes.DownlinkInterfaceV6, parts, c.ID)
		if err != nil {
			return nil, err
		}
		iface.IPv6 = p.String()
	}
	return iface, nil
}
