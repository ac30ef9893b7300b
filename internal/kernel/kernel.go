// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package kernel wraps the idempotent Linux kernel primitives the
// reconciler and monitor drive: network namespaces, links (veth, xfrm,
// wireguard, adopted physical), addresses, routes, and nftables
// rulesets. Every operation tolerates being called against state that
// already matches the desired outcome, and every operation is scoped to
// one namespace so callers can batch several calls under a single
// namespace handle before releasing it.
package kernel

import (
	"net/netip"
)

// LinkKind tags which variant of a link spec to create.
type LinkKind int

const (
	LinkVeth LinkKind = iota
	LinkXFRM
	LinkWireGuard
	LinkPhysical
)

// LinkSpec describes a link to ensure exists, per §4.1.
type LinkSpec struct {
	Kind LinkKind

	// Name is the link's name inside its owning namespace.
	Name string

	// Veth: PeerName and PeerNamespace describe the other end.
	PeerName      string
	PeerNamespace string

	// XFRM: ParentInterface plus the if_id (VPN-id).
	ParentInterface string
	IfID            uint32

	// Physical: the existing host interface name to adopt (same as
	// Name but kept distinct for clarity at call sites).
	PhysicalName string
}

// RouteOp selects between installing and removing a route.
type RouteOp int

const (
	RouteReplace RouteOp = iota
	RouteDelete
)

// RouteType distinguishes an ordinary unicast route from one that should
// black-hole traffic (used when a connection's link is down, §4.6).
type RouteType int

const (
	RouteUnicast RouteType = iota
	RouteBlackhole
)

// RouteSpec is one route to install or remove.
type RouteSpec struct {
	Op      RouteOp
	Dst     netip.Prefix
	Via     netip.Addr // zero Addr means no gateway
	Ifname  string
	Type    RouteType
}

// LinkState is the observed or desired administrative state of a link.
type LinkState int

const (
	LinkDown LinkState = iota
	LinkUp
)

// Kernel is the idempotent primitive surface C1 exposes to the
// reconciler, monitor, and adapters. Implementations must be safe for
// concurrent use across different namespace names; callers serialize
// same-namespace work themselves via the per-instance lock (C9).
type Kernel interface {
	// EnsureNamespace creates namespace ns if absent. The special name
	// passed for the DEFAULT namespace instead bind-mounts /proc/1/ns/net
	// at the namespace path, matching "ip netns" convention for the
	// initial namespace.
	EnsureNamespace(ns string) error
	// DeleteNamespace removes ns; absent is not an error.
	DeleteNamespace(ns string) error

	// EnsureLink creates spec inside ns if it does not already exist in
	// the desired shape.
	EnsureLink(ns string, spec LinkSpec) error
	// MoveLink moves an existing link named linkName from its current
	// namespace into ns.
	MoveLink(ns, linkName string) error
	// DeleteLink removes a link; absent is not an error.
	DeleteLink(ns, linkName string) error

	// SetLinkState brings a link up or down.
	SetLinkState(ns, name string, state LinkState) error
	// LinkState returns the observed admin state of a link.
	LinkState(ns, name string) (LinkState, error)

	// FlushAddresses removes all addresses (AF_INET and AF_INET6) from a
	// link.
	FlushAddresses(ns, name string) error
	// ReplaceAddress idempotently sets an address on a link.
	ReplaceAddress(ns, name string, addr netip.Prefix) error

	// Route installs or removes a route inside ns.
	Route(ns string, spec RouteSpec) error

	// ApplyNFTRules atomically replaces the full nftables ruleset inside
	// ns with renderedText (the "nft -f -" idiom): either the whole
	// ruleset takes effect or none of it does.
	ApplyNFTRules(ns string, renderedText string) error
	// ApplyIPTablesRules is the legacy-iptables counterpart, used only
	// where nftables is unavailable.
	ApplyIPTablesRules(ns string, renderedText string) error

	// EnableForwarding sets net.ipv4.ip_forward and
	// net.ipv6.conf.all.forwarding to 1 inside ns.
	EnableForwarding(ns string) error

	// ConfigureWireGuard sets the private key, listen port, and single
	// peer on an existing WireGuard device inside ns (§4.5 WireGuard
	// connections carry exactly one peer).
	ConfigureWireGuard(ns, name string, cfg WireGuardConfig) error

	// RuleCount reads back the number of rules actually installed across
	// every table and chain inside ns, so a caller that just applied a
	// ruleset via ApplyNFTRules can confirm it is still there rather than
	// trusting the apply call's exit status alone.
	RuleCount(ns string) (int, error)
}

// WireGuardConfig is the device/peer state to apply to a WireGuard link.
type WireGuardConfig struct {
	PrivateKeyHex string
	ListenPort    int

	PeerPublicKeyHex string
	// Endpoint is host:port, empty if the peer has no fixed endpoint
	// (e.g. it dials us instead).
	Endpoint   string
	AllowedIPs []netip.Prefix
}
