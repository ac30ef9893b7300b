// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package reconciler

import (
	"ncubed.io/vpncd/internal/adapters"
	"ncubed.io/vpncd/internal/config"
	vpncerrors "ncubed.io/vpncd/internal/errors"
)

// applyCore ensures the CORE namespace, enables forwarding, and (hub
// mode) renders frr.conf from the service BGP config (§4.5 CORE).
func (r *Reconciler) applyCore(ctx Context, ni *config.NetworkInstance) error {
	k := r.deps.Kernel
	if err := k.EnsureNamespace(coreNamespace); err != nil {
		return vpncerrors.Wrap(err, vpncerrors.KindTransientKernel, "ensure CORE namespace")
	}
	if err := k.EnableForwarding(coreNamespace); err != nil {
		return vpncerrors.Wrap(err, vpncerrors.KindTransientKernel, "enable CORE forwarding")
	}

	connIfaces := make([]string, 0, len(ni.Connections))
	for _, c := range ni.Connections {
		connIfaces = append(connIfaces, intfName(ni.ID, c.ID))
	}
	if err := k.ApplyNFTRules(coreNamespace, renderCoreRuleset(connIfaces, r.knownDownlinkVeths())); err != nil {
		return vpncerrors.Wrap(err, vpncerrors.KindTransientKernel, "apply CORE nft ruleset")
	}
	r.verifyRuleset(coreNamespace)

	if ctx.Mode == config.ModeHub {
		r.frrFragments[coreNamespace] = adapters.RenderFRRConfig(coreNamespace, ctx.BGP, []string{"connected", "static"})
		if err := r.deps.FRR.WriteConfig(r.frrFragments); err != nil {
			return vpncerrors.Wrap(err, vpncerrors.KindExternalUnavailable, "write frr.conf")
		}
	}
	return nil
}

// knownDownlinkVeths lists the CORE-side veth leg names for every
// downlink whose FRR fragment has been rendered so far, used to build
// the CORE ruleset's accept list. Tracking this alongside frrFragments
// avoids a second registry just for interface names.
func (r *Reconciler) knownDownlinkVeths() []string {
	veths := make([]string, 0, len(r.frrFragments))
	for id := range r.frrFragments {
		if id == coreNamespace {
			continue
		}
		veths = append(veths, vethCoreName(id))
	}
	return veths
}
