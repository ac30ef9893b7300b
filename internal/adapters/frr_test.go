// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package adapters

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"ncubed.io/vpncd/internal/config"
	"ncubed.io/vpncd/internal/paths"
)

func TestRenderFRRConfig(t *testing.T) {
	bgp := config.BGPConfig{
		Globals:   config.BGPGlobals{ASN: 65001, RouterID: "10.0.0.1"},
		Neighbors: []config.BGPNeighbor{{ASN: 65002, Address: "10.0.0.2"}},
	}
	rendered := RenderFRRConfig("c0001-00", bgp, []string{"connected", "static"})
	require.Contains(t, rendered, "router bgp 65001 vrf c0001-00")
	require.Contains(t, rendered, "redistribute connected")
	require.Contains(t, rendered, "neighbor 10.0.0.2 remote-as 65002")
}

func TestRenderFRRConfig_NoASNIsEmpty(t *testing.T) {
	require.Equal(t, "", RenderFRRConfig("c0001-00", config.BGPConfig{}, nil))
}

func TestFRR_WriteConfig_SortedAndReloads(t *testing.T) {
	dir := t.TempDir()
	layout := paths.New(dir)
	require.NoError(t, os.MkdirAll(dir+"/etc/frr", 0o755))

	var reloaded bool
	f := &FRR{layout: layout, runCmd: func(name string, args ...string) ([]byte, error) {
		reloaded = true
		return nil, nil
	}}

	require.NoError(t, f.WriteConfig(map[string]string{
		"c0002-00": "router bgp 2 vrf c0002-00\nexit\n!\n",
		"c0001-00": "router bgp 1 vrf c0001-00\nexit\n!\n",
	}))
	require.True(t, reloaded)

	content, err := os.ReadFile(layout.FRRConfFile())
	require.NoError(t, err)
	require.Less(t, indexOf(string(content), "c0001-00"), indexOf(string(content), "c0002-00"))
}

func indexOf(s, substr string) int {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return i
		}
	}
	return -1
}
