// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package monitor

import (
	"net/netip"

	"ncubed.io/vpncd/internal/config"
	vpncerrors "ncubed.io/vpncd/internal/errors"
	"ncubed.io/vpncd/internal/kernel"
	"ncubed.io/vpncd/internal/logging"
	"ncubed.io/vpncd/internal/state"
)

var (
	coreNextHopV6 = netip.MustParseAddr("fe80::1")
	coreNextHopV4 = netip.MustParseAddr("169.254.0.2")
)

// instanceMonitor tracks link events for one network instance and keeps
// its route state (and, for DOWNLINK/ENDPOINT, the aggregate route
// announced into CORE) in sync with connection up/down transitions
// (§4.6).
type instanceMonitor struct {
	niID     string
	k        kernel.Kernel
	registry *state.Registry
	log      *logging.Logger
	cancel   func()

	// linkUp tracks the last-known operational state of every
	// connection ifname this instance has seen, so the CORE aggregate
	// route only goes live when ALL sibling connections are up — a
	// single-tunnel flap must not withdraw the whole instance's
	// advertisement (§4.6).
	linkUp map[string]bool
}

// run consumes link events for the instance until cancel is called or
// the process-wide stop event fires. expectedIfnames is the full set of
// connection interfaces this instance is supposed to have; it is used
// only to decide whether "all connections up" holds.
func (m *instanceMonitor) run(events <-chan LinkEvent, expectedIfnames map[string]bool, lookup func(ifname string) (conn *config.Connection, niType config.NIType)) {
	if m.linkUp == nil {
		m.linkUp = make(map[string]bool)
	}
	for {
		select {
		case <-m.registry.StopCh():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			conn, niType := lookup(ev.Ifname)
			if conn == nil {
				continue
			}
			_ = m.registry.WithNILock(m.niID, func() error {
				return m.handleLinkEvent(ev, conn, niType, expectedIfnames)
			})
		}
	}
}

// allSiblingsUp reports whether every expected connection ifname on
// this instance is currently marked up.
func (m *instanceMonitor) allSiblingsUp(expected map[string]bool) bool {
	for ifname := range expected {
		if !m.linkUp[ifname] {
			return false
		}
	}
	return true
}

// handleLinkEvent implements §4.6's link-event branch: delete routes on
// DELLINK, install real routes on NEWLINK-up, blackhole on NEWLINK-down.
// The CORE-side aggregate route only follows a single connection's
// transition when that transition takes the instance from "all up" to
// "not all up" or back; a flap on one of several sibling connections
// never withdraws the aggregate while the rest stay up.
func (m *instanceMonitor) handleLinkEvent(ev LinkEvent, conn *config.Connection, niType config.NIType, expected map[string]bool) error {
	ifname := ev.Ifname
	if ev.Deleted {
		return m.deleteAllRoutes(ifname, conn, niType, expected)
	}

	routeType := kernel.RouteUnicast
	if !ev.Up {
		routeType = kernel.RouteBlackhole
	}

	for _, rt := range conn.Routes.IPv4 {
		if err := m.installRoute(m.niID, ifname, rt, routeType, false); err != nil {
			return err
		}
	}
	for _, rt := range conn.Routes.IPv6 {
		if err := m.installRoute(m.niID, ifname, rt, routeType, true); err != nil {
			return err
		}
	}

	m.linkUp[ifname] = ev.Up

	if niType == config.NITypeDownlink || niType == config.NITypeEndpoint {
		return m.settleInstance(conn, niType, expected)
	}
	return nil
}

// settleInstance recomputes the CORE aggregate route from the current
// linkUp snapshot: unicast only when every expected connection ifname is
// up, blackhole otherwise (§4.6).
func (m *instanceMonitor) settleInstance(conn *config.Connection, niType config.NIType, expected map[string]bool) error {
	aggregateType := kernel.RouteBlackhole
	if len(expected) > 0 && m.allSiblingsUp(expected) {
		aggregateType = kernel.RouteUnicast
	}
	return m.installCoreAggregate(conn, niType, aggregateType)
}

func (m *instanceMonitor) deleteAllRoutes(ifname string, conn *config.Connection, niType config.NIType, expected map[string]bool) error {
	delete(m.linkUp, ifname)
	for _, rt := range conn.Routes.IPv4 {
		if err := m.deleteRoute(m.niID, rt, false); err != nil {
			return err
		}
	}
	for _, rt := range conn.Routes.IPv6 {
		if err := m.deleteRoute(m.niID, rt, true); err != nil {
			return err
		}
	}
	if niType == config.NITypeDownlink || niType == config.NITypeEndpoint {
		return m.settleInstance(conn, niType, expected)
	}
	return nil
}

func (m *instanceMonitor) installRoute(ns, ifname string, rt config.Route, routeType kernel.RouteType, isV6 bool) error {
	prefix, err := netip.ParsePrefix(coerceDefault(rt.To, isV6))
	if err != nil {
		return nil
	}
	spec := kernel.RouteSpec{Op: kernel.RouteReplace, Dst: prefix, Ifname: ifname, Type: routeType}
	if rt.Via != "" {
		if via, err := netip.ParseAddr(rt.Via); err == nil {
			spec.Via = via
		}
	}
	if err := m.k.Route(ns, spec); err != nil {
		return vpncerrors.Wrapf(err, vpncerrors.KindTransientKernel, "install route %s in %s", prefix, ns)
	}
	return nil
}

func (m *instanceMonitor) deleteRoute(ns string, rt config.Route, isV6 bool) error {
	prefix, err := netip.ParsePrefix(coerceDefault(rt.To, isV6))
	if err != nil {
		return nil
	}
	if err := m.k.Route(ns, kernel.RouteSpec{Op: kernel.RouteDelete, Dst: prefix}); err != nil {
		return vpncerrors.Wrapf(err, vpncerrors.KindTransientKernel, "delete route %s in %s", prefix, ns)
	}
	return nil
}

// installCoreAggregate installs (or blackholes) the CORE-side route for
// the prefix this connection advertises: the nptv6_prefix when flagged,
// else the raw route, out the instance's CORE-side veth leg with the
// downlink veth's link-local peer as next-hop (§4.6).
func (m *instanceMonitor) installCoreAggregate(conn *config.Connection, niType config.NIType, routeType kernel.RouteType) error {
	ifname := vethCoreVeth(m.niID)
	for _, rt := range conn.Routes.IPv6 {
		advertised := rt.To
		if rt.NPTv6 && rt.NPTv6Prefix != nil {
			advertised = *rt.NPTv6Prefix
		}
		prefix, err := netip.ParsePrefix(coerceDefault(advertised, true))
		if err != nil {
			continue
		}
		spec := kernel.RouteSpec{Op: kernel.RouteReplace, Dst: prefix, Via: coreNextHopV6, Ifname: ifname, Type: routeType}
		if err := m.k.Route(coreNamespaceName, spec); err != nil {
			return vpncerrors.Wrapf(err, vpncerrors.KindTransientKernel, "install CORE aggregate route %s", prefix)
		}
	}
	if niType == config.NITypeEndpoint {
		for _, rt := range conn.Routes.IPv4 {
			prefix, err := netip.ParsePrefix(coerceDefault(rt.To, false))
			if err != nil {
				continue
			}
			spec := kernel.RouteSpec{Op: kernel.RouteReplace, Dst: prefix, Via: coreNextHopV4, Ifname: ifname, Type: routeType}
			if err := m.k.Route(coreNamespaceName, spec); err != nil {
				return vpncerrors.Wrapf(err, vpncerrors.KindTransientKernel, "install CORE aggregate route %s", prefix)
			}
		}
	}
	return nil
}

func coerceDefault(to string, isV6 bool) string {
	if to != "default" {
		return to
	}
	if isV6 {
		return "::/0"
	}
	return "0.0.0.0/0"
}

func vethCoreVeth(niID string) string { return niID + "_C" }

const coreNamespaceName = "CORE"
