// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package reconciler

import (
	"testing"

	"github.com/stretchr/testify/require"

	"ncubed.io/vpncd/internal/allocator"
	"ncubed.io/vpncd/internal/config"
)

func TestWireguardDeviceConfig_DerivesAllowedIPsFromRoutes(t *testing.T) {
	c := &config.Connection{
		ID: 3,
		WireGuard: &config.WireGuardConfig{
			LocalPort:  51820,
			PrivateKey: "cGxhY2Vob2xkZXJwcml2YXRla2V5MzJieXRlcyEhISEhIQ==",
			PublicKey:  "cGxhY2Vob2xkZXJwdWJsaWNrZXkzMmJ5dGVzISEhISEhISE=",
			RemoteAddrs: []string{"198.51.100.10"},
			RemotePort:  51820,
		},
		Routes: config.Routes{
			IPv4: []config.Route{{To: "default"}},
			IPv6: []config.Route{{To: "2001:db8::/32"}},
		},
	}

	cfg, err := wireguardDeviceConfig(c)
	require.NoError(t, err)
	require.Equal(t, 51820, cfg.ListenPort)
	require.Equal(t, "198.51.100.10:51820", cfg.Endpoint)
	require.Equal(t, c.WireGuard.PrivateKey, cfg.PrivateKeyHex)
	require.Equal(t, c.WireGuard.PublicKey, cfg.PeerPublicKeyHex)
	require.Len(t, cfg.AllowedIPs, 2)
	require.Equal(t, "0.0.0.0/0", cfg.AllowedIPs[0].String())
	require.Equal(t, "2001:db8::/32", cfg.AllowedIPs[1].String())
}

func TestWireguardDeviceConfig_NoEndpointWhenRemoteAddrsMissing(t *testing.T) {
	c := &config.Connection{
		ID: 4,
		WireGuard: &config.WireGuardConfig{
			LocalPort:  51821,
			PrivateKey: "cGxhY2Vob2xkZXJwcml2YXRla2V5MzJieXRlcyEhISEhIQ==",
			PublicKey:  "cGxhY2Vob2xkZXJwdWJsaWNrZXkzMmJ5dGVzISEhISEhISE=",
		},
	}

	cfg, err := wireguardDeviceConfig(c)
	require.NoError(t, err)
	require.Empty(t, cfg.Endpoint)
	require.Empty(t, cfg.AllowedIPs)
}

func TestWireguardHandler_Add_ConfiguresDeviceOnMockKernel(t *testing.T) {
	r, mk := newTestReconciler(t)
	c := &config.Connection{
		ID: 1,
		WireGuard: &config.WireGuardConfig{
			LocalPort:  51820,
			PrivateKey: "cGxhY2Vob2xkZXJwcml2YXRla2V5MzJieXRlcyEhISEhIQ==",
			PublicKey:  "cGxhY2Vob2xkZXJwdWJsaWNrZXkzMmJ5dGVzISEhISEhISE=",
		},
		Kind: config.ConnWireGuard,
	}
	niID := "c0001-00"
	require.NoError(t, mk.EnsureNamespace(niID))

	h := wireguardHandler{}
	require.NoError(t, h.add(r, Context{}, niID, allocator.DownlinkParts{}, c))

	cfg, ok := mk.WireGuard[niID]["wg1"]
	require.True(t, ok, "expected a wireguard device config recorded for wg1 in %s", niID)
	require.Equal(t, c.WireGuard.PrivateKey, cfg.PrivateKeyHex)
}
