// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package allocator implements the deterministic address/scope
// derivations and the dynamic NPTv6 sub-allocation algorithm of §4.4:
// interface addresses, NAT64 scopes, NPTv6 scopes and VPN-ids are all
// pure functions of a network instance's id plus the service's four
// prefix scopes, so they are identical across restarts without being
// stored anywhere.
package allocator

import (
	"fmt"

	vpncerrors "ncubed.io/vpncd/internal/errors"
)

// DownlinkParts are the three components encoded in a DOWNLINK/ENDPOINT
// network instance id "TTTTTT-NN": E (the tenant id's leading hex digit,
// carried both as the digit value and its original character), T (the
// remaining four hex digits of the tenant id as an integer) and N (the
// two-hex network-instance index as an integer).
type DownlinkParts struct {
	TenantExtDigit int
	TenantExtChar  string
	TenantID       int
	NIIndex        int
}

// ParseDownlinkParts decodes a DOWNLINK/ENDPOINT id of the form
// "TTTTTT-NN" into its structural components (§3 invariant 3). These are
// never stored; every allocator derivation re-parses the id.
func ParseDownlinkParts(niID string) (DownlinkParts, error) {
	if len(niID) != 8 || niID[5] != '-' {
		return DownlinkParts{}, vpncerrors.Errorf(vpncerrors.KindInvalidTopology, "malformed downlink id %q", niID)
	}
	tenant := niID[:5]
	niIdx := niID[6:8]

	var ext int
	if _, err := fmt.Sscanf(tenant[:1], "%x", &ext); err != nil {
		return DownlinkParts{}, vpncerrors.Wrapf(err, vpncerrors.KindInvalidTopology, "downlink id %q: bad tenant ext digit", niID)
	}
	var tid int
	if _, err := fmt.Sscanf(tenant[1:5], "%x", &tid); err != nil {
		return DownlinkParts{}, vpncerrors.Wrapf(err, vpncerrors.KindInvalidTopology, "downlink id %q: bad tenant id", niID)
	}
	var idx int
	if _, err := fmt.Sscanf(niIdx, "%x", &idx); err != nil {
		return DownlinkParts{}, vpncerrors.Wrapf(err, vpncerrors.KindInvalidTopology, "downlink id %q: bad instance index", niID)
	}

	return DownlinkParts{
		TenantExtDigit: ext,
		TenantExtChar:  tenant[:1],
		TenantID:       tid,
		NIIndex:        idx,
	}, nil
}

// VPNID derives the 32-bit XFRM if_id for a connection. It packs the
// tenant ext digit (bits 28-31), the four-hex tenant id (bits 12-27), the
// network-instance index (bits 4-11), and the connection id (bits 0-3);
// CORE network instances (which have no DOWNLINK structure) use
// CoreVPNID instead.
func VPNID(parts DownlinkParts, connID int) uint32 {
	return uint32(parts.TenantExtDigit)<<28 | uint32(parts.TenantID)<<12 | uint32(parts.NIIndex)<<4 | uint32(connID)
}

// CoreVPNIDSentinel is the fixed base if_id for CORE-namespace
// connections, which have no tenant/downlink structure to derive from.
const CoreVPNIDSentinel uint32 = 0xf000_0000

// CoreVPNID derives the if_id for a connection inside CORE.
func CoreVPNID(connID int) uint32 {
	return CoreVPNIDSentinel | uint32(connID)
}
