// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package config

import (
	"net/netip"

	vpncerrors "ncubed.io/vpncd/internal/errors"
)

// Validate checks t against the schema invariants in §3: filename/id
// match (performed by the caller, which knows the filename), prefix
// bounds on the DEFAULT service scopes, dense connection ids, and
// structural NPTv6 route requirements. Schema-level violations return
// KindSchema; structural violations against an otherwise schema-valid
// document return KindInvalidTopology.
func Validate(t *Tenant) error {
	if t.ID == DefaultTenantID {
		if t.Service == nil {
			return vpncerrors.New(vpncerrors.KindSchema, "DEFAULT tenant missing service config")
		}
		if err := validateService(t.Service); err != nil {
			return err
		}
	} else if !IsTenantID(t.ID) {
		return vpncerrors.Errorf(vpncerrors.KindSchema, "invalid tenant id %q", t.ID)
	}

	for niID, ni := range t.NetworkInstances {
		if ni.ID == "" {
			ni.ID = niID
		}
		if err := validateNetworkInstance(ni); err != nil {
			return vpncerrors.Attr(err, "network_instance", niID)
		}
	}
	return nil
}

func validateService(s *ServiceConfig) error {
	if s.Mode != ModeHub && s.Mode != ModeEndpoint {
		return vpncerrors.Errorf(vpncerrors.KindSchema, "service mode must be HUB or ENDPOINT, got %q", s.Mode)
	}
	checks := []struct {
		name     string
		cidr     string
		maxBits  int
	}{
		{"prefix_downlink_interface_v4", s.PrefixDownlinkInterfaceV4, MaxPrefixDownlinkInterfaceV4},
		{"prefix_downlink_interface_v6", s.PrefixDownlinkInterfaceV6, MaxPrefixDownlinkInterfaceV6},
		{"prefix_downlink_nat64", s.PrefixDownlinkNAT64, MaxPrefixDownlinkNAT64},
		{"prefix_downlink_nptv6", s.PrefixDownlinkNPTv6, MaxPrefixDownlinkNPTv6},
	}
	for _, c := range checks {
		p, err := netip.ParsePrefix(c.cidr)
		if err != nil {
			return vpncerrors.Wrapf(err, vpncerrors.KindSchema, "%s: invalid prefix %q", c.name, c.cidr)
		}
		if p.Bits() > c.maxBits {
			return vpncerrors.Errorf(vpncerrors.KindSchema, "%s: /%d exceeds maximum of /%d", c.name, p.Bits(), c.maxBits)
		}
	}
	for _, n := range s.BGP.Neighbors {
		if n.Priority < 0 || n.Priority > 9 {
			return vpncerrors.Errorf(vpncerrors.KindSchema, "bgp neighbor %s: priority %d out of range 0-9", n.Address, n.Priority)
		}
	}
	return nil
}

func validateNetworkInstance(ni *NetworkInstance) error {
	switch ni.Type {
	case NITypeExternal, NITypeCore, NITypeDownlink, NITypeEndpoint:
	default:
		return vpncerrors.Errorf(vpncerrors.KindSchema, "network instance %s: invalid type %q", ni.ID, ni.Type)
	}

	seen := make(map[int]bool)
	for connID, c := range ni.Connections {
		if c.ID < 0 || c.ID > 9 {
			return vpncerrors.Errorf(vpncerrors.KindInvalidTopology, "connection %s: id %d out of range 0-9", connID, c.ID)
		}
		if seen[c.ID] {
			return vpncerrors.Errorf(vpncerrors.KindInvalidTopology, "connection %s: duplicate id %d", connID, c.ID)
		}
		seen[c.ID] = true

		if err := validateConnectionKind(c); err != nil {
			return vpncerrors.Attr(err, "connection", connID)
		}
		if err := validateNPTv6Routes(ni, c); err != nil {
			return err
		}
	}
	// Dense in [0, len-1].
	for i := 0; i < len(seen); i++ {
		if !seen[i] {
			return vpncerrors.Errorf(vpncerrors.KindInvalidTopology, "network instance %s: connection ids not dense in [0,%d)", ni.ID, len(seen))
		}
	}
	return nil
}

func validateConnectionKind(c *Connection) error {
	switch c.Kind {
	case ConnIPsec:
		if c.IPsec == nil {
			return vpncerrors.New(vpncerrors.KindSchema, "type ipsec requires an ipsec block")
		}
		if c.IPsec.IKEVersion != 1 && c.IPsec.IKEVersion != 2 {
			return vpncerrors.Errorf(vpncerrors.KindSchema, "ipsec: ike_version must be 1 or 2, got %d", c.IPsec.IKEVersion)
		}
	case ConnWireGuard:
		if c.WireGuard == nil {
			return vpncerrors.New(vpncerrors.KindSchema, "type wireguard requires a wireguard block")
		}
	case ConnSSH:
		if c.SSH == nil {
			return vpncerrors.New(vpncerrors.KindSchema, "type ssh requires an ssh block")
		}
	case ConnPhysical:
		if c.Physical == nil {
			return vpncerrors.New(vpncerrors.KindSchema, "type physical requires a physical block")
		}
	default:
		return vpncerrors.Errorf(vpncerrors.KindSchema, "unknown connection type %q", c.Kind)
	}
	return nil
}

func validateNPTv6Routes(ni *NetworkInstance, c *Connection) error {
	isDownlink := ni.Type == NITypeDownlink || ni.Type == NITypeEndpoint
	for i, r := range c.Routes.IPv6 {
		if !r.NPTv6 {
			continue
		}
		if !isDownlink {
			return vpncerrors.Errorf(vpncerrors.KindInvalidTopology, "connection %d route %d: nptv6 only valid on DOWNLINK/ENDPOINT instances", c.ID, i)
		}
		to, err := netip.ParsePrefix(r.To)
		if err != nil {
			return vpncerrors.Wrapf(err, vpncerrors.KindSchema, "connection %d route %d: invalid route destination %q", c.ID, i, r.To)
		}
		if r.NPTv6Prefix != nil {
			pfx, err := netip.ParsePrefix(*r.NPTv6Prefix)
			if err != nil {
				return vpncerrors.Wrapf(err, vpncerrors.KindSchema, "connection %d route %d: invalid nptv6_prefix %q", c.ID, i, *r.NPTv6Prefix)
			}
			if pfx.Bits() != to.Bits() {
				return vpncerrors.Errorf(vpncerrors.KindInvalidTopology, "connection %d route %d: nptv6_prefix length /%d != route length /%d", c.ID, i, pfx.Bits(), to.Bits())
			}
		}
	}
	return nil
}

// errBadFilename builds the error CheckFilename returns when the id
// embedded in a file does not match its filename.
func errBadFilename(filename, wantID, gotID string) error {
	return vpncerrors.Attr(
		vpncerrors.Attr(
			vpncerrors.Errorf(vpncerrors.KindInvalidTopology, "filename %s implies id %q but document has id %q", filename, wantID, gotID),
			"filename", filename),
		"parsed_id", gotID)
}

// CheckFilename verifies the tenant id in the filename equals the parsed
// id (§3 invariant 1).
func CheckFilename(filename string, t *Tenant) error {
	want := IDFromFilename(filename)
	if want == "" {
		return vpncerrors.Errorf(vpncerrors.KindSchema, "filename %s does not match the tenant/service naming pattern", filename)
	}
	if want != t.ID {
		return errBadFilename(filename, want, t.ID)
	}
	return nil
}
