// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package monitor

import (
	"testing"

	"github.com/stretchr/testify/require"

	"ncubed.io/vpncd/internal/config"
	"ncubed.io/vpncd/internal/kernel"
	"ncubed.io/vpncd/internal/logging"
	"ncubed.io/vpncd/internal/state"
)

func newTestInstanceMonitor(niID string, k kernel.Kernel) *instanceMonitor {
	return &instanceMonitor{
		niID:     niID,
		k:        k,
		registry: state.NewRegistry(),
		log:      logging.NewDiscard(),
		linkUp:   make(map[string]bool),
	}
}

func lastAggregateRoute(mk *kernel.MockKernel) kernel.RouteSpec {
	routes := mk.Routes[coreNamespaceName]
	return routes[len(routes)-1]
}

func TestHandleLinkEvent_SingleConnectionFlapDoesNotWithdrawAggregate(t *testing.T) {
	mk := kernel.NewMockKernel()
	m := newTestInstanceMonitor("c0001-00", mk)

	expected := map[string]bool{"c0001-00_0": true, "c0001-00_1": true}
	conn := &config.Connection{ID: 0, Routes: config.Routes{IPv6: []config.Route{{To: "fdcc:0:c:1:1::/64"}}}}

	// Both connections come up: aggregate should go unicast.
	require.NoError(t, m.handleLinkEvent(LinkEvent{Ifname: "c0001-00_0", Up: true}, conn, config.NITypeDownlink, expected))
	require.NoError(t, m.handleLinkEvent(LinkEvent{Ifname: "c0001-00_1", Up: true}, conn, config.NITypeDownlink, expected))
	require.Equal(t, kernel.RouteUnicast, lastAggregateRoute(mk).Type)

	// One of the two connections flaps down: the aggregate must stay up
	// because its sibling is still up (§4.6).
	require.NoError(t, m.handleLinkEvent(LinkEvent{Ifname: "c0001-00_0", Up: false}, conn, config.NITypeDownlink, expected))
	require.Equal(t, kernel.RouteUnicast, lastAggregateRoute(mk).Type)

	// The remaining sibling also goes down: now the aggregate must withdraw.
	require.NoError(t, m.handleLinkEvent(LinkEvent{Ifname: "c0001-00_1", Up: false}, conn, config.NITypeDownlink, expected))
	require.Equal(t, kernel.RouteBlackhole, lastAggregateRoute(mk).Type)
}

func TestHandleLinkEvent_Deleted_WithdrawsAggregateAndForgetsState(t *testing.T) {
	mk := kernel.NewMockKernel()
	m := newTestInstanceMonitor("c0001-00", mk)

	expected := map[string]bool{"c0001-00_0": true}
	conn := &config.Connection{ID: 0, Routes: config.Routes{IPv6: []config.Route{{To: "fdcc:0:c:1:1::/64"}}}}

	require.NoError(t, m.handleLinkEvent(LinkEvent{Ifname: "c0001-00_0", Up: true}, conn, config.NITypeDownlink, expected))
	require.Equal(t, kernel.RouteUnicast, lastAggregateRoute(mk).Type)

	require.NoError(t, m.handleLinkEvent(LinkEvent{Ifname: "c0001-00_0", Deleted: true}, conn, config.NITypeDownlink, expected))
	require.Equal(t, kernel.RouteBlackhole, lastAggregateRoute(mk).Type)
	require.False(t, m.linkUp["c0001-00_0"])
}

func TestAllSiblingsUp(t *testing.T) {
	m := newTestInstanceMonitor("c0001-00", kernel.NewMockKernel())
	expected := map[string]bool{"a": true, "b": true}

	require.False(t, m.allSiblingsUp(expected))

	m.linkUp["a"] = true
	require.False(t, m.allSiblingsUp(expected))

	m.linkUp["b"] = true
	require.True(t, m.allSiblingsUp(expected))

	m.linkUp["a"] = false
	require.False(t, m.allSiblingsUp(expected))
}
