// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package kernel

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMockKernel_EnsureNamespaceIdempotent(t *testing.T) {
	k := NewMockKernel()
	require.NoError(t, k.EnsureNamespace("c0001-00"))
	calls := k.Calls
	require.NoError(t, k.EnsureNamespace("c0001-00"))
	require.Equal(t, calls, k.Calls, "re-ensuring an existing namespace must not mutate")
}

func TestMockKernel_EnsureLinkIdempotent(t *testing.T) {
	k := NewMockKernel()
	spec := LinkSpec{Kind: LinkXFRM, Name: "xfrm0", ParentInterface: "eth0", IfID: 42}
	require.NoError(t, k.EnsureLink("c0001-00", spec))
	calls := k.Calls
	require.NoError(t, k.EnsureLink("c0001-00", spec))
	require.Equal(t, calls, k.Calls)
}

func TestMockKernel_DeleteNamespaceToleratesAbsent(t *testing.T) {
	k := NewMockKernel()
	require.NoError(t, k.DeleteNamespace("never-existed"))
	require.Equal(t, 0, k.Calls)
}

func TestMockKernel_ConfigureWireGuardIdempotent(t *testing.T) {
	k := NewMockKernel()
	cfg := WireGuardConfig{PrivateKeyHex: "key", ListenPort: 51820, PeerPublicKeyHex: "peer"}
	require.NoError(t, k.ConfigureWireGuard("c0001-00", "wg0", cfg))
	calls := k.Calls
	require.NoError(t, k.ConfigureWireGuard("c0001-00", "wg0", cfg))
	require.Equal(t, calls, k.Calls, "re-configuring an identical wireguard device must not mutate")
}

func TestMockKernel_RuleCount_ReflectsLastAppliedRuleset(t *testing.T) {
	k := NewMockKernel()
	count, err := k.RuleCount("EXTERNAL")
	require.NoError(t, err)
	require.Zero(t, count)

	require.NoError(t, k.ApplyNFTRules("EXTERNAL", "accept\naccept\ndrop\n"))
	count, err = k.RuleCount("EXTERNAL")
	require.NoError(t, err)
	require.Equal(t, 3, count)
}
