// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package reconciler

import (
	"fmt"
	"strings"
)

// renderExternalRuleset renders the canonical EXTERNAL-namespace
// ruleset: accept only ESP, IKE (UDP/500, UDP/4500), and the WireGuard
// port range, drop everything else, in both directions (§4.5 EXTERNAL).
func renderExternalRuleset() string {
	return strings.TrimLeft(`
table inet filter {
  chain input {
    type filter hook input priority 0; policy drop;
    ip protocol esp accept
    udp dport 500 accept
    udp dport 4500 accept
    udp dport 51820-51899 accept
    ct state established,related accept
  }
  chain output {
    type filter hook output priority 0; policy drop;
    ip protocol esp accept
    udp dport 500 accept
    udp dport 4500 accept
    udp dport 51820-51899 accept
    ct state established,related accept
  }
  chain forward {
    type filter hook forward priority 0; policy drop;
  }
}
`, "\n")
}

// renderCoreRuleset renders the CORE-namespace ruleset: accept inbound
// on the listed connection interfaces and on veth legs from downlinks,
// drop transit from downlinks into EXTERNAL (§4.5 CORE).
func renderCoreRuleset(connIfaces, downlinkVeths []string) string {
	var b strings.Builder
	b.WriteString("table inet filter {\n")
	b.WriteString("  chain input {\n    type filter hook input priority 0; policy drop;\n")
	for _, ifc := range connIfaces {
		fmt.Fprintf(&b, "    iifname %q accept\n", ifc)
	}
	for _, ifc := range downlinkVeths {
		fmt.Fprintf(&b, "    iifname %q accept\n", ifc)
	}
	b.WriteString("    ct state established,related accept\n  }\n")
	b.WriteString("  chain forward {\n    type filter hook forward priority 0; policy drop;\n")
	for _, ifc := range downlinkVeths {
		fmt.Fprintf(&b, "    iifname %q oifname \"ext*\" drop\n", ifc)
	}
	b.WriteString("    ct state established,related accept\n  }\n")
	b.WriteString("}\n")
	return b.String()
}

// netmapPair is one (local, nptv6) translation for the downlink
// ruleset's NETMAP rules.
type netmapPair struct {
	Local string
	NPTv6 string
}

// renderDownlinkRuleset renders the per-DOWNLINK/ENDPOINT ruleset:
// NETMAP for each NPTv6 pair, MASQUERADE the downlink interfaces for
// legacy IPv4 (§4.5 step 7).
func renderDownlinkRuleset(niID string, netmaps []netmapPair, downlinkIfaces []string) string {
	var b strings.Builder
	b.WriteString("table ip6 nptv6 {\n  chain postrouting {\n    type nat hook postrouting priority srcnat;\n")
	for _, m := range netmaps {
		fmt.Fprintf(&b, "    ip6 saddr %s netmap to %s\n", m.Local, m.NPTv6)
	}
	b.WriteString("  }\n  chain prerouting {\n    type nat hook prerouting priority dstnat;\n")
	for _, m := range netmaps {
		fmt.Fprintf(&b, "    ip6 daddr %s netmap to %s\n", m.NPTv6, m.Local)
	}
	b.WriteString("  }\n}\n")

	b.WriteString("table ip nat {\n  chain postrouting {\n    type nat hook postrouting priority srcnat;\n")
	for _, ifc := range downlinkIfaces {
		fmt.Fprintf(&b, "    oifname %q masquerade\n", ifc)
	}
	b.WriteString("  }\n}\n")
	return b.String()
}
