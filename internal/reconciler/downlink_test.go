// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package reconciler

import (
	"fmt"
	"net/netip"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"ncubed.io/vpncd/internal/allocator"
	"ncubed.io/vpncd/internal/config"
)

func TestApplyNPTv6Mappings_AssignsAndWritesBack(t *testing.T) {
	r, _ := newTestReconciler(t)

	ni := &config.NetworkInstance{
		ID:   "c0001-00",
		Type: config.NITypeDownlink,
		Connections: map[string]*config.Connection{
			"0": {ID: 0, Routes: config.Routes{IPv6: []config.Route{
				{To: "fdcc:0:c:1:1::/64", NPTv6: true},
			}}},
		},
	}
	ctx := Context{Mode: config.ModeHub, Prefixes: config.ParsedPrefixes{
		DownlinkNPTv6: netip.MustParsePrefix("660::/12"),
	}}

	pairs, err := r.applyNPTv6Mappings(ctx, ni)
	require.NoError(t, err)
	require.Len(t, pairs, 1)

	conn := ni.Connections["0"]
	require.NotNil(t, conn.Routes.IPv6[0].NPTv6Prefix)
	assigned, err := netip.ParsePrefix(*conn.Routes.IPv6[0].NPTv6Prefix)
	require.NoError(t, err)
	require.Equal(t, 64, assigned.Bits())
}

func TestApplyNPTv6Mappings_EndpointModeSkipped(t *testing.T) {
	r, _ := newTestReconciler(t)
	ni := &config.NetworkInstance{ID: "c0001-00", Type: config.NITypeEndpoint}
	pairs, err := r.applyNPTv6Mappings(Context{Mode: config.ModeEndpoint}, ni)
	require.NoError(t, err)
	require.Nil(t, pairs)
}

func TestApplyDownlink_VethAddressingMatchesCoreAndDownlinkLegs(t *testing.T) {
	r, mk := newTestReconciler(t)
	niID := "c0001-00"
	ni := &config.NetworkInstance{ID: niID, Type: config.NITypeEndpoint}

	require.NoError(t, r.applyDownlink(Context{}, ni, nil))

	coreAddrs := mk.Addresses[coreNamespace][niID+"_C"]
	downAddrs := mk.Addresses[niID][niID+"_D"]

	require.Contains(t, coreAddrs, netip.MustParsePrefix("fe80::/64"))
	require.Contains(t, coreAddrs, netip.MustParsePrefix("169.254.0.1/30"))
	require.Contains(t, downAddrs, netip.MustParsePrefix("fe80::1/64"))
	require.Contains(t, downAddrs, netip.MustParsePrefix("169.254.0.2/30"))
}

func TestWriteSwanctl_PopulatesIfIDAndDefaultLocalID(t *testing.T) {
	r, _ := newTestReconciler(t)
	niID := "c0001-00"
	ni := &config.NetworkInstance{
		ID:   niID,
		Type: config.NITypeDownlink,
		Connections: map[string]*config.Connection{
			"0": {
				ID:   0,
				Kind: config.ConnIPsec,
				IPsec: &config.IPsecConfig{
					IKEVersion: 2,
					LocalAddr:  "192.0.2.1",
					RemoteAddr: "192.0.2.2",
					RemoteID:   "peer.example.com",
					PSK:        "s3cr3t",
				},
			},
		},
	}

	require.NoError(t, r.writeSwanctl(Context{}, ni))

	parts, err := allocator.ParseDownlinkParts(niID)
	require.NoError(t, err)
	wantIfID := fmt.Sprintf("%x", allocator.VPNID(parts, 0))

	raw, err := os.ReadFile(r.deps.Layout.SwanctlConfFile(niID))
	require.NoError(t, err)
	content := string(raw)
	require.Contains(t, content, fmt.Sprintf("if_id_in = %s, if_id_out = %s", wantIfID, wantIfID))
	require.Contains(t, content, "local { id = %any }")
	require.Contains(t, content, "remote { id = peer.example.com, auth = psk }")
}

func TestWriteSwanctl_UsesServiceLocalIDNotRemoteID(t *testing.T) {
	r, _ := newTestReconciler(t)
	niID := "c0001-01"
	ni := &config.NetworkInstance{
		ID:   niID,
		Type: config.NITypeDownlink,
		Connections: map[string]*config.Connection{
			"0": {
				ID:   0,
				Kind: config.ConnIPsec,
				IPsec: &config.IPsecConfig{
					IKEVersion: 2,
					LocalAddr:  "192.0.2.1",
					RemoteAddr: "192.0.2.2",
					RemoteID:   "peer.example.com",
					PSK:        "s3cr3t",
				},
			},
		},
	}

	require.NoError(t, r.writeSwanctl(Context{LocalID: "hub.example.com"}, ni))

	raw, err := os.ReadFile(r.deps.Layout.SwanctlConfFile(niID))
	require.NoError(t, err)
	content := string(raw)
	require.Contains(t, content, "local { id = hub.example.com }")
	require.NotContains(t, content, "local { id = peer.example.com }")
}

func TestWriteVpncMangle_RendersDNS64AndDNS66AndAccumulatesAcrossInstances(t *testing.T) {
	r, _ := newTestReconciler(t)

	niA := &config.NetworkInstance{
		ID: "c0001-00",
		Connections: map[string]*config.Connection{
			"0": {ID: 0, Routes: config.Routes{IPv6: []config.Route{
				{To: "fdcc:0:c:1::/64"},
			}}},
		},
	}
	require.NoError(t, r.writeVpncMangle(niA, netip.MustParsePrefix("64:ff9b::/96")))

	niB := &config.NetworkInstance{
		ID: "c0001-01",
		Connections: map[string]*config.Connection{
			"0": {ID: 0, Routes: config.Routes{IPv6: []config.Route{
				{To: "fdcc:0:c:2::/64"},
			}}},
		},
	}
	require.NoError(t, r.writeVpncMangle(niB, netip.MustParsePrefix("64:ff9b::1:0/96")))

	raw, err := os.ReadFile(r.deps.Layout.VpncmangleTranslationsFile())
	require.NoError(t, err)
	content := string(raw)
	require.True(t, strings.Contains(content, `"c0001-00"`) && strings.Contains(content, `"c0001-01"`),
		"expected both instances' entries to survive in the rewritten file")
	require.Contains(t, content, "64:ff9b::/96")
	require.Contains(t, content, "fdcc:0:c:1::/64")
}
