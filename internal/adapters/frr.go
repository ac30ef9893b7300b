// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package adapters

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"ncubed.io/vpncd/internal/config"
	vpncerrors "ncubed.io/vpncd/internal/errors"
	"ncubed.io/vpncd/internal/paths"
)

// RenderFRRConfig renders the vtysh-style frr.conf fragment for one
// network instance's BGP configuration, matching the FRR contract in
// §6 (one "router bgp" block per network instance, vrf-bound).
func RenderFRRConfig(niID string, bgp config.BGPConfig, redistribute []string) string {
	if bgp.Globals.ASN == 0 {
		return ""
	}
	var b strings.Builder
	fmt.Fprintf(&b, "router bgp %d vrf %s\n", bgp.Globals.ASN, niID)
	if bgp.Globals.RouterID != "" {
		fmt.Fprintf(&b, " bgp router-id %s\n", bgp.Globals.RouterID)
	}
	if bgp.Globals.BFD {
		b.WriteString(" bfd\n")
	}
	b.WriteString(" no bgp ebgp-requires-policy\n")
	for _, af := range []string{"ipv4", "ipv6"} {
		fmt.Fprintf(&b, " address-family %s unicast\n", af)
		for _, r := range redistribute {
			fmt.Fprintf(&b, "  redistribute %s\n", r)
		}
		b.WriteString(" exit-address-family\n")
	}
	for _, n := range bgp.Neighbors {
		fmt.Fprintf(&b, " neighbor %s remote-as %d\n", n.Address, n.ASN)
	}
	b.WriteString("exit\n")
	b.WriteString("!\n")
	return b.String()
}

// FRR writes frr.conf and drives a reload through frr-reload.py, the
// idiom the concentrator inherits for applying config without
// restarting the daemon. A reload runs only after a managed write; the
// file is not watched, so operator hand edits are neither reloaded nor
// detected, and the next managed write replaces them.
type FRR struct {
	layout paths.Layout
	runCmd func(name string, args ...string) ([]byte, error)
}

// NewFRR returns an FRR adapter that shells out to the real
// frr-reload.py script.
func NewFRR(layout paths.Layout) *FRR {
	return &FRR{layout: layout, runCmd: runCommand}
}

// NewFRRWithRunner builds an FRR adapter around a caller-supplied
// runner, used by tests elsewhere in the module that need a Reconciler
// wired up without shelling out to a real frr-reload.py script.
func NewFRRWithRunner(layout paths.Layout, runCmd func(name string, args ...string) ([]byte, error)) *FRR {
	return &FRR{layout: layout, runCmd: runCmd}
}

// WriteConfig assembles the per-NI fragments (sorted by network
// instance id so repeated writes of an unchanged fragment set are
// byte-identical) into the single frr.conf FRR reads, and reloads it.
func (f *FRR) WriteConfig(fragments map[string]string) error {
	ids := make([]string, 0, len(fragments))
	for id, frag := range fragments {
		if frag == "" {
			continue
		}
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var b strings.Builder
	b.WriteString("frr version 9\nfrr defaults traditional\nhostname vpncd\n!\n")
	for _, id := range ids {
		b.WriteString(fragments[id])
	}

	path := f.layout.FRRConfFile()
	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		return vpncerrors.Wrapf(err, vpncerrors.KindInternal, "write frr config %s", path)
	}
	return f.reload()
}

func (f *FRR) reload() error {
	script := f.layout.FRRReloadScript()
	if _, err := f.runCmd(script, "--reload", f.layout.FRRConfFile()); err != nil {
		return vpncerrors.Wrapf(err, vpncerrors.KindExternalUnavailable, "%s --reload", script)
	}
	return nil
}
