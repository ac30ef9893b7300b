// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package allocator

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/require"

	"ncubed.io/vpncd/internal/logging"
)

func TestParseDownlinkParts(t *testing.T) {
	p, err := ParseDownlinkParts("c0001-00")
	require.NoError(t, err)
	require.Equal(t, 0xc, p.TenantExtDigit)
	require.Equal(t, "c", p.TenantExtChar)
	require.Equal(t, 1, p.TenantID)
	require.Equal(t, 0, p.NIIndex)
}

func TestParseDownlinkParts_Malformed(t *testing.T) {
	_, err := ParseDownlinkParts("bogus")
	require.Error(t, err)
}

func TestNAT64Scope_Is96(t *testing.T) {
	scope := netip.MustParsePrefix("64:ff9b::/32")
	parts, err := ParseDownlinkParts("c0001-00")
	require.NoError(t, err)

	got, err := NAT64Scope(scope, parts)
	require.NoError(t, err)
	require.Equal(t, 96, got.Bits())
	require.True(t, scope.Contains(got.Addr()), "nat64 scope must be contained in the service scope")
}

func TestNPTv6Scope_Is48(t *testing.T) {
	scope := netip.MustParsePrefix("660::/12")
	parts, err := ParseDownlinkParts("c0001-00")
	require.NoError(t, err)

	got, err := NPTv6Scope(scope, parts)
	require.NoError(t, err)
	require.Equal(t, 48, got.Bits())
	require.True(t, scope.Contains(got.Addr()))
}

func TestNAT64Scope_DifferentInstancesDisjoint(t *testing.T) {
	scope := netip.MustParsePrefix("64:ff9b::/32")
	p1, _ := ParseDownlinkParts("c0001-00")
	p2, _ := ParseDownlinkParts("c0001-01")

	s1, err := NAT64Scope(scope, p1)
	require.NoError(t, err)
	s2, err := NAT64Scope(scope, p2)
	require.NoError(t, err)
	require.NotEqual(t, s1, s2)
}

func TestAssignNPTv6_FirstRouteTakesWholeScope(t *testing.T) {
	scope := netip.MustParsePrefix("660:0:c::/48")
	routes := []*NPTv6Route{
		{To: netip.MustParsePrefix("2001:db8:c57::/48")},
	}
	updated := AssignNPTv6(logging.NewDiscard(), scope, routes)
	require.True(t, updated)
	require.NotNil(t, routes[0].Prefix)
	require.Equal(t, scope, *routes[0].Prefix)
}

func TestAssignNPTv6_SecondRouteGetsDisjointSubnet(t *testing.T) {
	scope := netip.MustParsePrefix("660:0:c::/46")
	routes := []*NPTv6Route{
		{To: netip.MustParsePrefix("2001:db8:c57::/48")},
		{To: netip.MustParsePrefix("2001:db8:c58::/48")},
	}
	updated := AssignNPTv6(logging.NewDiscard(), scope, routes)
	require.True(t, updated)
	require.NotNil(t, routes[0].Prefix)
	require.NotNil(t, routes[1].Prefix)
	require.NotEqual(t, *routes[0].Prefix, *routes[1].Prefix)
	require.True(t, scope.Contains(routes[0].Prefix.Addr()))
	require.True(t, scope.Contains(routes[1].Prefix.Addr()))
}

func TestAssignNPTv6_KeepsValidExistingAssignment(t *testing.T) {
	scope := netip.MustParsePrefix("660:0:c::/46")
	existing := netip.MustParsePrefix("660:0:c:1::/48")
	routes := []*NPTv6Route{
		{To: netip.MustParsePrefix("2001:db8:c57::/48"), Prefix: &existing},
	}
	updated := AssignNPTv6(logging.NewDiscard(), scope, routes)
	require.False(t, updated)
	require.Equal(t, existing, *routes[0].Prefix)
}

func TestAssignNPTv6_ClearsOutOfScopeAssignment(t *testing.T) {
	scope := netip.MustParsePrefix("660:0:c::/46")
	bogus := netip.MustParsePrefix("dead:beef::/48")
	routes := []*NPTv6Route{
		{To: netip.MustParsePrefix("2001:db8:c57::/48"), Prefix: &bogus},
	}
	updated := AssignNPTv6(logging.NewDiscard(), scope, routes)
	require.True(t, updated)
	require.True(t, scope.Contains(routes[0].Prefix.Addr()))
}

func TestAssignNPTv6_SkipsRouteLargerThanScope(t *testing.T) {
	scope := netip.MustParsePrefix("660:0:c::/48")
	routes := []*NPTv6Route{
		{To: netip.MustParsePrefix("2001:db8::/32")}, // /32 is larger than the /48 scope
	}
	updated := AssignNPTv6(logging.NewDiscard(), scope, routes)
	require.False(t, updated)
	require.Nil(t, routes[0].Prefix)
}

func TestVPNID_Deterministic(t *testing.T) {
	parts, err := ParseDownlinkParts("c0001-00")
	require.NoError(t, err)
	require.Equal(t, VPNID(parts, 0), VPNID(parts, 0))
	require.NotEqual(t, VPNID(parts, 0), VPNID(parts, 1))
}
