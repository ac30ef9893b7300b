// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package reconciler

import (
	"net/netip"

	"ncubed.io/vpncd/internal/config"
	vpncerrors "ncubed.io/vpncd/internal/errors"
	"ncubed.io/vpncd/internal/kernel"
)

const externalNamespace = "EXTERNAL"
const coreNamespace = "CORE"

// applyExternal ensures the EXTERNAL namespace, adopts the configured
// physical uplink, and installs the default-deny ruleset that only
// allows ESP/IKE/WireGuard traffic (§4.5 EXTERNAL).
func (r *Reconciler) applyExternal(ctx Context, ni *config.NetworkInstance) error {
	k := r.deps.Kernel
	if err := k.EnsureNamespace(externalNamespace); err != nil {
		return vpncerrors.Wrap(err, vpncerrors.KindTransientKernel, "ensure EXTERNAL namespace")
	}

	for _, c := range ni.Connections {
		if c.Kind != config.ConnPhysical || c.Physical == nil {
			continue
		}
		name := intfName(ni.ID, c.ID)
		if err := k.EnsureLink(externalNamespace, kernel.LinkSpec{
			Kind: kernel.LinkPhysical, Name: name, PhysicalName: c.Physical.InterfaceName,
		}); err != nil {
			return vpncerrors.Wrapf(err, vpncerrors.KindTransientKernel, "ensure EXTERNAL uplink %s", name)
		}
		if err := applyInterfaceAddrs(k, externalNamespace, name, c.Interface); err != nil {
			return err
		}
		if err := k.SetLinkState(externalNamespace, name, kernel.LinkUp); err != nil {
			return vpncerrors.Wrapf(err, vpncerrors.KindTransientKernel, "bring up EXTERNAL uplink %s", name)
		}
		for _, rt := range defaultRoutes(c) {
			if err := k.Route(externalNamespace, rt); err != nil {
				return vpncerrors.Wrapf(err, vpncerrors.KindTransientKernel, "install EXTERNAL default route via %s", name)
			}
		}
	}

	if err := k.ApplyNFTRules(externalNamespace, renderExternalRuleset()); err != nil {
		return vpncerrors.Wrap(err, vpncerrors.KindTransientKernel, "apply EXTERNAL nft ruleset")
	}
	r.verifyRuleset(externalNamespace)
	return nil
}

// verifyRuleset reads back the installed rule count after an apply and
// logs a warning if nothing actually landed, so a silently-failed "nft
// -f -" (e.g. the binary ran but the namespace disappeared under it)
// doesn't look identical to a real success.
func (r *Reconciler) verifyRuleset(ns string) {
	count, err := r.deps.Kernel.RuleCount(ns)
	if err != nil {
		r.deps.Log.WithError(err).Warn("failed to verify installed ruleset", "ns", ns)
		return
	}
	if count == 0 {
		r.deps.Log.Warn("nft ruleset apply reported success but no rules are installed", "ns", ns)
	}
}

func applyInterfaceAddrs(k kernel.Kernel, ns, name string, iface *config.Interface) error {
	if iface == nil {
		return nil
	}
	if iface.IPv4 != "" {
		p, err := netip.ParsePrefix(iface.IPv4)
		if err != nil {
			return vpncerrors.Wrapf(err, vpncerrors.KindInvalidTopology, "parse interface ipv4 %q", iface.IPv4)
		}
		if err := k.ReplaceAddress(ns, name, p); err != nil {
			return vpncerrors.Wrapf(err, vpncerrors.KindTransientKernel, "replace address %s on %s", p, name)
		}
	}
	if iface.IPv6 != "" {
		p, err := netip.ParsePrefix(iface.IPv6)
		if err != nil {
			return vpncerrors.Wrapf(err, vpncerrors.KindInvalidTopology, "parse interface ipv6 %q", iface.IPv6)
		}
		if err := k.ReplaceAddress(ns, name, p); err != nil {
			return vpncerrors.Wrapf(err, vpncerrors.KindTransientKernel, "replace address %s on %s", p, name)
		}
	}
	return nil
}

func defaultRoutes(c *config.Connection) []kernel.RouteSpec {
	return []kernel.RouteSpec{
		{Op: kernel.RouteReplace, Dst: netip.MustParsePrefix("0.0.0.0/0"), Type: kernel.RouteUnicast},
		{Op: kernel.RouteReplace, Dst: netip.MustParsePrefix("::/0"), Type: kernel.RouteUnicast},
	}
}
