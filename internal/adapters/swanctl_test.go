// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package adapters

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"ncubed.io/vpncd/internal/paths"
)

func TestRenderSwanctlConfig(t *testing.T) {
	rendered := RenderSwanctlConfig([]SwanctlConnection{{
		NIID: "c0001-00", ConnID: 0, IKEVersion: 2,
		LocalAddr: "10.0.0.1", RemoteAddr: "203.0.113.5",
		LocalID: "vpnc.example.com", RemoteID: "peer.example.com",
		IKEProposals: []string{"aes256-sha256-modp2048"}, IKELifetime: 10800,
		IPsecProposals: []string{"aes256-sha256"}, IPsecLifetime: 3600,
		IfIDHex: "0x1", StartAction: "start", PSK: "s3cr3t",
	}})

	require.Contains(t, rendered, "connections.c0001-00-0 {")
	require.Contains(t, rendered, "version = 2")
	require.Contains(t, rendered, "if_id_in = 0x1, if_id_out = 0x1")
	require.Contains(t, rendered, "secrets.ike-c0001-00-0 {")
	require.Contains(t, rendered, "secret = s3cr3t")
}

func TestSwanctl_WriteConfig_RemovesOnEmpty(t *testing.T) {
	dir := t.TempDir()
	layout := paths.New(dir)
	require.NoError(t, os.MkdirAll(layout.SwanctlConfDir(), 0o755))

	var calls [][]string
	s := &Swanctl{layout: layout, runCmd: func(name string, args ...string) ([]byte, error) {
		calls = append(calls, append([]string{name}, args...))
		return nil, nil
	}}

	require.NoError(t, s.WriteConfig("c0001-00", []SwanctlConnection{{NIID: "c0001-00", ConnID: 0}}))
	path := layout.SwanctlConfFile("c0001-00")
	_, err := os.Stat(path)
	require.NoError(t, err)

	require.NoError(t, s.WriteConfig("c0001-00", nil))
	_, err = os.Stat(path)
	require.True(t, os.IsNotExist(err))
	require.Len(t, calls, 2)
}

func TestSwanctl_WriteConfig_Path(t *testing.T) {
	dir := t.TempDir()
	layout := paths.New(dir)
	s := &Swanctl{layout: layout, runCmd: func(name string, args ...string) ([]byte, error) { return nil, nil }}

	require.NoError(t, s.WriteConfig("c0002-00", []SwanctlConnection{{NIID: "c0002-00", ConnID: 1}}))
	expected := filepath.Join(layout.SwanctlConfDir(), "c0002-00.conf")
	_, err := os.Stat(expected)
	require.NoError(t, err)
}
