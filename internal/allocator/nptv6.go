// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package allocator

import (
	"net/netip"

	"github.com/apparentlymart/go-cidr/cidr"

	"ncubed.io/vpncd/internal/logging"
)

// NPTv6Route is one IPv6 route flagged for NPTv6 translation. Assign
// mutates Prefix in place, mirroring the reconciler's in-memory document
// that later gets persisted back to YAML when Assign reports updated.
type NPTv6Route struct {
	To     netip.Prefix
	Prefix *netip.Prefix // nil if unassigned
}

// AssignNPTv6 implements the dynamic sub-allocation algorithm of §4.4 for
// every route in routes, in order. Earlier routes' freshly assigned
// prefixes count toward the overlap check for later routes in the same
// call, matching the reference implementation's single left-to-right
// pass. Returns true if any route's Prefix changed, so the caller knows
// to persist the tenant document.
func AssignNPTv6(log *logging.Logger, scope netip.Prefix, routes []*NPTv6Route) bool {
	updated := false

	for _, r := range routes {
		if r.Prefix != nil {
			valid := r.Prefix.IsValid() &&
				r.Prefix.Bits() == r.To.Bits() &&
				cidrContains(scope, *r.Prefix)
			if valid {
				continue
			}
			r.Prefix = nil
			updated = true
		}

		if r.To.Bits() < scope.Bits() {
			log.Warn("nptv6 route larger than instance scope, skipping",
				"route", r.To.String(), "scope", scope.String())
			continue
		}

		candidate, found := firstFreeSubnet(scope, r.To.Bits(), routes)
		if !found {
			log.Warn("no free nptv6 subnet of required length in scope",
				"route", r.To.String(), "scope", scope.String())
			continue
		}
		r.Prefix = &candidate
		updated = true
	}

	return updated
}

// firstFreeSubnet iterates scope's subnets of length newBits in order
// and returns the first that does not overlap any already-assigned
// prefix among routes (§4.4 step 4-5).
func firstFreeSubnet(scope netip.Prefix, newBits int, routes []*NPTv6Route) (netip.Prefix, bool) {
	base := toIPNet(scope)
	count := 1 << uint(newBits-scope.Bits())
	addBits := newBits - netMaskBits(base)

	for i := 0; i < count; i++ {
		sub, err := cidr.Subnet(base, addBits, i)
		if err != nil {
			return netip.Prefix{}, false
		}
		candidate := fromIPNet(sub)
		if !overlapsAny(candidate, routes) {
			return candidate, true
		}
	}
	return netip.Prefix{}, false
}

func overlapsAny(candidate netip.Prefix, routes []*NPTv6Route) bool {
	cFirst, cLast := rangeOf(candidate)
	for _, r := range routes {
		if r.Prefix == nil {
			continue
		}
		aFirst, aLast := rangeOf(*r.Prefix)
		// Disjoint iff candidate entirely before or entirely after the
		// existing assignment; anything else is an overlap (§4.4 step 5).
		disjoint := cLast.Compare(aFirst) < 0 || cFirst.Compare(aLast) > 0
		if !disjoint {
			return true
		}
	}
	return false
}

func rangeOf(p netip.Prefix) (first, last netip.Addr) {
	first = p.Masked().Addr()
	ipnet := toIPNet(p)
	_, lastIP := cidr.AddressRange(ipnet)
	last, _ = netip.AddrFromSlice(lastIP)
	last = last.Unmap()
	return first, last
}

func cidrContains(outer, inner netip.Prefix) bool {
	if inner.Bits() < outer.Bits() {
		return false
	}
	return outer.Contains(inner.Masked().Addr())
}
