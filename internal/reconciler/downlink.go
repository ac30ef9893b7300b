// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package reconciler

import (
	"fmt"
	"net/netip"

	"ncubed.io/vpncd/internal/adapters"
	"ncubed.io/vpncd/internal/allocator"
	"ncubed.io/vpncd/internal/config"
	vpncerrors "ncubed.io/vpncd/internal/errors"
	"ncubed.io/vpncd/internal/kernel"
)

var (
	linkLocalDownlink = netip.MustParsePrefix("fe80::1/64")
	linkLocalCore     = netip.MustParsePrefix("fe80::/64")
	endpointDownlink  = netip.MustParsePrefix("169.254.0.2/30")
	endpointCore      = netip.MustParsePrefix("169.254.0.1/30")
)

// applyDownlink implements the nine-step DOWNLINK/ENDPOINT sequence of
// §4.5. The caller already holds the instance's mutex (Apply acquires
// it before dispatching here).
func (r *Reconciler) applyDownlink(ctx Context, ni, prev *config.NetworkInstance) error {
	k := r.deps.Kernel

	// 2. Ensure namespace; enable forwarding.
	if err := k.EnsureNamespace(ni.ID); err != nil {
		return vpncerrors.Wrapf(err, vpncerrors.KindTransientKernel, "ensure namespace %s", ni.ID)
	}
	if err := k.EnableForwarding(ni.ID); err != nil {
		return vpncerrors.Wrapf(err, vpncerrors.KindTransientKernel, "enable forwarding in %s", ni.ID)
	}

	// 3. veth pair to CORE.
	downSide := vethDownlinkName(ni.ID)
	coreSide := vethCoreName(ni.ID)
	if err := k.EnsureLink(ni.ID, kernel.LinkSpec{
		Kind: kernel.LinkVeth, Name: downSide, PeerName: coreSide, PeerNamespace: coreNamespace,
	}); err != nil {
		return vpncerrors.Wrapf(err, vpncerrors.KindTransientKernel, "ensure veth %s<->%s", downSide, coreSide)
	}
	if err := k.SetLinkState(ni.ID, downSide, kernel.LinkUp); err != nil {
		return vpncerrors.Wrapf(err, vpncerrors.KindTransientKernel, "bring up %s", downSide)
	}
	if err := k.SetLinkState(coreNamespace, coreSide, kernel.LinkUp); err != nil {
		return vpncerrors.Wrapf(err, vpncerrors.KindTransientKernel, "bring up %s", coreSide)
	}
	if err := k.ReplaceAddress(ni.ID, downSide, linkLocalDownlink); err != nil {
		return vpncerrors.Wrapf(err, vpncerrors.KindTransientKernel, "address %s on %s", linkLocalDownlink, downSide)
	}
	if err := k.ReplaceAddress(coreNamespace, coreSide, linkLocalCore); err != nil {
		return vpncerrors.Wrapf(err, vpncerrors.KindTransientKernel, "address %s on %s", linkLocalCore, coreSide)
	}
	if ni.Type == config.NITypeEndpoint {
		if err := k.ReplaceAddress(ni.ID, downSide, endpointDownlink); err != nil {
			return vpncerrors.Wrapf(err, vpncerrors.KindTransientKernel, "address %s on %s", endpointDownlink, downSide)
		}
		if err := k.ReplaceAddress(coreNamespace, coreSide, endpointCore); err != nil {
			return vpncerrors.Wrapf(err, vpncerrors.KindTransientKernel, "address %s on %s", endpointCore, coreSide)
		}
	}

	// 4. Cross-instance routes from CORE uplink routes.
	if err := r.installCrossInstanceRoutes(ctx, ni); err != nil {
		return err
	}

	// 6. Connection reconciliation (add/delete per type).
	if err := r.reconcileConnections(ctx, ni.ID, ni, prev); err != nil {
		return err
	}

	// 7. Dynamic NPTv6 mappings and downlink ruleset.
	netmaps, err := r.applyNPTv6Mappings(ctx, ni)
	if err != nil {
		return err
	}
	downlinkIfaces := make([]string, 0, len(ni.Connections))
	for _, c := range ni.Connections {
		downlinkIfaces = append(downlinkIfaces, intfName(ni.ID, c.ID))
	}
	if err := k.ApplyNFTRules(ni.ID, renderDownlinkRuleset(ni.ID, netmaps, downlinkIfaces)); err != nil {
		return vpncerrors.Wrapf(err, vpncerrors.KindTransientKernel, "apply downlink nft ruleset for %s", ni.ID)
	}
	r.verifyRuleset(ni.ID)

	// 8. Hub mode: Jool NAT64.
	if ctx.Mode == config.ModeHub {
		parts, err := allocator.ParseDownlinkParts(ni.ID)
		if err != nil {
			return err
		}
		scope, err := allocator.NAT64Scope(ctx.Prefixes.DownlinkNAT64, parts)
		if err != nil {
			return err
		}
		if err := r.deps.Jool.EnsureInstance(ni.ID, ni.ID, scope); err != nil {
			return vpncerrors.Wrap(err, vpncerrors.KindExternalUnavailable, "configure jool nat64 instance")
		}
		if err := r.writeVpncMangle(ni, scope); err != nil {
			return err
		}
	}

	// 9. swanctl.
	if err := r.writeSwanctl(ctx, ni); err != nil {
		return err
	}

	// hub mode FRR fragment per-instance, re-render whole frr.conf.
	if ctx.Mode == config.ModeHub {
		r.frrFragments[ni.ID] = ""
		if err := r.deps.FRR.WriteConfig(r.frrFragments); err != nil {
			return vpncerrors.Wrap(err, vpncerrors.KindExternalUnavailable, "write frr.conf")
		}
	}

	return nil
}

// installCrossInstanceRoutes installs, per §4.5 step 4, a route for
// each IPv6 (and, outside hub mode, IPv4) route advertised from CORE
// toward this instance via the veth's link-local peer.
func (r *Reconciler) installCrossInstanceRoutes(ctx Context, ni *config.NetworkInstance) error {
	via := linkLocalCore.Addr()
	for _, c := range ni.Connections {
		for _, rt := range c.Routes.IPv6 {
			prefix, err := netip.ParsePrefix(coerceDefault(rt.To, true))
			if err != nil {
				continue
			}
			if err := r.deps.Kernel.Route(ni.ID, kernel.RouteSpec{
				Op: kernel.RouteReplace, Dst: prefix, Via: via, Ifname: vethDownlinkName(ni.ID), Type: kernel.RouteUnicast,
			}); err != nil {
				return vpncerrors.Wrapf(err, vpncerrors.KindTransientKernel, "install cross-instance route %s", prefix)
			}
		}
		if ctx.Mode != config.ModeHub {
			for _, rt := range c.Routes.IPv4 {
				prefix, err := netip.ParsePrefix(coerceDefault(rt.To, false))
				if err != nil {
					continue
				}
				if err := r.deps.Kernel.Route(ni.ID, kernel.RouteSpec{
					Op: kernel.RouteReplace, Dst: prefix, Via: endpointCore.Addr(), Ifname: vethDownlinkName(ni.ID), Type: kernel.RouteUnicast,
				}); err != nil {
					return vpncerrors.Wrapf(err, vpncerrors.KindTransientKernel, "install cross-instance route %s", prefix)
				}
			}
		}
	}
	return nil
}

func coerceDefault(to string, isV6 bool) string {
	if to != "default" {
		return to
	}
	if isV6 {
		return "::/0"
	}
	return "0.0.0.0/0"
}

// applyNPTv6Mappings runs the dynamic NPTv6 sub-allocation algorithm
// (§4.4) for every flagged route on the instance, mutating ni in place,
// and returns the (local, nptv6) pairs for the nft NETMAP rules. The
// caller (file watcher) is responsible for persisting ni back to disk
// when this reports a change was made.
func (r *Reconciler) applyNPTv6Mappings(ctx Context, ni *config.NetworkInstance) ([]netmapPair, error) {
	if ctx.Mode != config.ModeHub {
		return nil, nil
	}
	parts, err := allocator.ParseDownlinkParts(ni.ID)
	if err != nil {
		return nil, err
	}
	scope, err := allocator.NPTv6Scope(ctx.Prefixes.DownlinkNPTv6, parts)
	if err != nil {
		return nil, err
	}

	// owners holds direct pointers into each connection's route slice so
	// the resolved prefix can be written back without a second pass over
	// ni.Connections (map iteration order is not stable across ranges,
	// so re-walking the map and matching by position would misalign).
	var routes []*allocator.NPTv6Route
	var owners []*config.Route
	for _, c := range ni.Connections {
		for i := range c.Routes.IPv6 {
			rt := &c.Routes.IPv6[i]
			if !rt.NPTv6 {
				continue
			}
			to, err := netip.ParsePrefix(rt.To)
			if err != nil {
				continue
			}
			nr := &allocator.NPTv6Route{To: to}
			if rt.NPTv6Prefix != nil {
				if p, err := netip.ParsePrefix(*rt.NPTv6Prefix); err == nil {
					nr.Prefix = &p
				}
			}
			routes = append(routes, nr)
			owners = append(owners, rt)
		}
	}

	// ni-level persistence of any change this makes is handled by the
	// file watcher, which re-diffs the tenant document after Apply
	// returns and writes it back if the routes mutated.
	allocator.AssignNPTv6(r.deps.Log, scope, routes)

	var pairs []netmapPair
	for i, nr := range routes {
		if nr.Prefix == nil {
			continue
		}
		s := nr.Prefix.String()
		owners[i].NPTv6Prefix = &s
		pairs = append(pairs, netmapPair{Local: owners[i].To, NPTv6: s})
	}

	return pairs, nil
}

// writeSwanctl renders and writes the swanctl conf.d fragment for every
// IPsec connection on the instance (§4.5 step 9, §4.2).
func (r *Reconciler) writeSwanctl(ctx Context, ni *config.NetworkInstance) error {
	parts, err := allocator.ParseDownlinkParts(ni.ID)
	if err != nil {
		return err
	}

	localID := ctx.LocalID
	if localID == "" {
		localID = config.DefaultLocalID
	}

	var conns []adapters.SwanctlConnection
	for _, c := range ni.Connections {
		if c.Kind != config.ConnIPsec || c.IPsec == nil {
			continue
		}
		conns = append(conns, adapters.SwanctlConnection{
			NIID: ni.ID, ConnID: c.ID, IKEVersion: c.IPsec.IKEVersion,
			LocalAddr: c.IPsec.LocalAddr, RemoteAddr: c.IPsec.RemoteAddr,
			LocalID: localID, RemoteID: c.IPsec.RemoteID,
			IKEProposals: c.IPsec.IKEProposals, IKELifetime: c.IPsec.IKELifetime,
			IPsecProposals: c.IPsec.IPsecProposals, IPsecLifetime: c.IPsec.IPsecLifetime,
			LocalTS: c.IPsec.TSLocal, RemoteTS: c.IPsec.TSRemote,
			IfIDHex:     fmt.Sprintf("%x", allocator.VPNID(parts, c.ID)),
			StartAction: startActionOrDefault(c.IPsec.Initiation),
			PSK:         c.IPsec.PSK,
		})
	}
	if err := r.deps.Swanctl.WriteConfig(ni.ID, conns); err != nil {
		return vpncerrors.Wrap(err, vpncerrors.KindExternalUnavailable, "write swanctl config")
	}
	return nil
}

// writeVpncMangle rebuilds this instance's DNS64/DNS66 translation
// entry and rewrites the whole translations.json (hub mode only),
// mirroring vpncmangle's own every-tenant config generator: DNS64 maps
// the NAT64 scope back to "0.0.0.0/0", and DNS66 maps each IPv6 route's
// NPTv6 prefix (falling back to the route's own prefix when it has
// none) back to the route's internal destination (§4.2).
func (r *Reconciler) writeVpncMangle(ni *config.NetworkInstance, nat64Scope netip.Prefix) error {
	t := adapters.Translation{
		DNS64: []adapters.Mapping{{nat64Scope.String(), "0.0.0.0/0"}},
	}
	for _, c := range ni.Connections {
		for _, rt := range c.Routes.IPv6 {
			nptv6 := rt.To
			if rt.NPTv6Prefix != nil && *rt.NPTv6Prefix != "" {
				nptv6 = *rt.NPTv6Prefix
			}
			t.DNS66 = append(t.DNS66, adapters.Mapping{nptv6, rt.To})
		}
	}
	r.mangleTranslations[ni.ID] = t
	if err := r.deps.Mangle.WriteTranslations(r.mangleTranslations); err != nil {
		return vpncerrors.Wrap(err, vpncerrors.KindExternalUnavailable, "write vpncmangle translations")
	}
	return nil
}

func startActionOrDefault(initiation string) string {
	if initiation == "" {
		return "trap"
	}
	return initiation
}

// teardownDownlink reverses applyDownlink: connections in reverse (SSH
// first), the veth to CORE, the Jool instance, then the namespace
// itself (§4.5 Deletion).
func (r *Reconciler) teardownDownlink(ctx Context, prev *config.NetworkInstance) error {
	if err := r.reconcileConnections(ctx, prev.ID, &config.NetworkInstance{ID: prev.ID, Type: prev.Type}, prev); err != nil {
		return err
	}
	if err := r.deps.Kernel.DeleteLink(coreNamespace, vethCoreName(prev.ID)); err != nil {
		return vpncerrors.Wrapf(err, vpncerrors.KindTransientKernel, "delete veth %s", vethCoreName(prev.ID))
	}
	if ctx.Mode == config.ModeHub {
		if err := r.deps.Jool.RemoveInstance(prev.ID); err != nil {
			return vpncerrors.Wrap(err, vpncerrors.KindExternalUnavailable, "remove jool instance")
		}
		delete(r.mangleTranslations, prev.ID)
		if err := r.deps.Mangle.WriteTranslations(r.mangleTranslations); err != nil {
			return vpncerrors.Wrap(err, vpncerrors.KindExternalUnavailable, "remove vpncmangle translations")
		}
	}
	if err := r.deps.Swanctl.WriteConfig(prev.ID, nil); err != nil {
		return vpncerrors.Wrap(err, vpncerrors.KindExternalUnavailable, "remove swanctl config")
	}
	if err := r.deps.Kernel.DeleteNamespace(prev.ID); err != nil {
		return vpncerrors.Wrapf(err, vpncerrors.KindTransientKernel, "delete namespace %s", prev.ID)
	}
	delete(r.frrFragments, prev.ID)
	if ctx.Mode == config.ModeHub {
		if err := r.deps.FRR.WriteConfig(r.frrFragments); err != nil {
			return vpncerrors.Wrap(err, vpncerrors.KindExternalUnavailable, "write frr.conf")
		}
	}
	r.deps.Registry.ForgetNI(prev.ID)
	return nil
}
