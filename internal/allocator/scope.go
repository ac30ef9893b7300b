// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package allocator

import (
	"fmt"
	"math/big"
	"net"
	"net/netip"

	"github.com/apparentlymart/go-cidr/cidr"

	vpncerrors "ncubed.io/vpncd/internal/errors"
)

// InterfaceV4 derives the /28 interface subnet for a connection: the
// N-th /24 of the service's IPv4 downlink-interface scope, then the
// conn-th /28 of that /24.
func InterfaceV4(scope netip.Prefix, parts DownlinkParts, connID int) (netip.Prefix, error) {
	base := toIPNet(scope)
	slash24, err := cidr.Subnet(base, 24-netMaskBits(base), parts.NIIndex)
	if err != nil {
		return netip.Prefix{}, vpncerrors.Wrapf(err, vpncerrors.KindInvalidTopology, "interface v4: /24 subnet %d of %s", parts.NIIndex, scope)
	}
	slash28, err := cidr.Subnet(slash24, 4, connID)
	if err != nil {
		return netip.Prefix{}, vpncerrors.Wrapf(err, vpncerrors.KindInvalidTopology, "interface v4: /28 subnet %d", connID)
	}
	return fromIPNet(slash28), nil
}

// InterfaceV6 derives the /64 interface subnet for a connection: the
// N-th /48 of the service's IPv6 downlink-interface scope, then the
// conn-th /64 of that /48.
func InterfaceV6(scope netip.Prefix, parts DownlinkParts, connID int) (netip.Prefix, error) {
	base := toIPNet(scope)
	slash48, err := cidr.Subnet(base, 48-netMaskBits(base), parts.NIIndex)
	if err != nil {
		return netip.Prefix{}, vpncerrors.Wrapf(err, vpncerrors.KindInvalidTopology, "interface v6: /48 subnet %d of %s", parts.NIIndex, scope)
	}
	slash64, err := cidr.Subnet(slash48, 16, connID)
	if err != nil {
		return netip.Prefix{}, vpncerrors.Wrapf(err, vpncerrors.KindInvalidTopology, "interface v6: /64 subnet %d", connID)
	}
	return fromIPNet(slash64), nil
}

// NAT64Scope derives the /96 NAT64 pool for a DOWNLINK/ENDPOINT instance
// (hub mode only): the service's NAT64 scope network address, offset by
// "0:0:<ext>:<tenant_id_hex>:<ni_index>::" and snapped to /96.
func NAT64Scope(serviceScope netip.Prefix, parts DownlinkParts) (netip.Prefix, error) {
	offset := fmt.Sprintf("0:0:%s:%x:%d::", parts.TenantExtChar, parts.TenantID, parts.NIIndex)
	return addOffsetAndSnap(serviceScope, offset, 96)
}

// NPTv6Scope derives the /48 NPTv6 scope for a DOWNLINK/ENDPOINT instance
// (hub mode only): the service's NPTv6 scope network address, offset by
// "<ext>:<tenant_id_hex>:<ni_index>::" and snapped to /48.
func NPTv6Scope(serviceScope netip.Prefix, parts DownlinkParts) (netip.Prefix, error) {
	offset := fmt.Sprintf("%s:%x:%d::", parts.TenantExtChar, parts.TenantID, parts.NIIndex)
	return addOffsetAndSnap(serviceScope, offset, 48)
}

func addOffsetAndSnap(base netip.Prefix, offsetAddr string, snapBits int) (netip.Prefix, error) {
	off, err := netip.ParseAddr(offsetAddr)
	if err != nil {
		return netip.Prefix{}, vpncerrors.Wrapf(err, vpncerrors.KindInternal, "parse derived offset %q", offsetAddr)
	}
	baseAddr := base.Masked().Addr()
	sum := addIPv6(baseAddr, off)
	return netip.PrefixFrom(sum, snapBits).Masked(), nil
}

// addIPv6 adds two IPv6 addresses as 128-bit integers — the derivation
// algorithm for NAT64/NPTv6 scopes is defined as address-offset
// addition, not bitwise OR, so a tenant id large enough to carry into an
// adjacent group behaves the same way it does in the reference
// implementation.
func addIPv6(a, b netip.Addr) netip.Addr {
	ab := a.As16()
	bb := b.As16()
	ai := new(big.Int).SetBytes(ab[:])
	bi := new(big.Int).SetBytes(bb[:])
	sum := new(big.Int).Add(ai, bi)
	sumBytes := sum.Bytes()
	var out [16]byte
	copy(out[16-len(sumBytes):], sumBytes)
	addr, _ := netip.AddrFromSlice(out[:])
	return addr
}

func toIPNet(p netip.Prefix) *net.IPNet {
	return &net.IPNet{
		IP:   p.Masked().Addr().AsSlice(),
		Mask: net.CIDRMask(p.Bits(), p.Addr().BitLen()),
	}
}

func fromIPNet(n *net.IPNet) netip.Prefix {
	addr, _ := netip.AddrFromSlice(n.IP)
	ones, _ := n.Mask.Size()
	return netip.PrefixFrom(addr.Unmap(), ones)
}

func netMaskBits(n *net.IPNet) int {
	ones, _ := n.Mask.Size()
	return ones
}
