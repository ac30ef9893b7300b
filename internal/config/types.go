// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package config implements the strongly-typed YAML data model for
// tenants and the DEFAULT service descriptor, schema validation, the
// legacy migration, and the (new, previous) diff-pair loader that feeds
// the reconciler.
package config

import (
	"net/netip"

	vpncerrors "ncubed.io/vpncd/internal/errors"
)

// Mode selects between hub and endpoint deployment.
type Mode string

const (
	ModeHub      Mode = "HUB"
	ModeEndpoint Mode = "ENDPOINT"
)

// NIType is the kind of a network instance.
type NIType string

const (
	NITypeExternal NIType = "EXTERNAL"
	NITypeCore     NIType = "CORE"
	NITypeDownlink NIType = "DOWNLINK"
	NITypeEndpoint NIType = "ENDPOINT"
)

// DefaultTenantID is the reserved id for the provider service document.
const DefaultTenantID = "DEFAULT"

// Tenant is the unit of a YAML file: either a customer tenant or, when
// Id == DefaultTenantID, the provider service document (which additionally
// carries Service).
type Tenant struct {
	ID               string                    `yaml:"id"`
	Name             string                    `yaml:"name"`
	Version          string                    `yaml:"version"`
	Metadata         map[string]any            `yaml:"metadata,omitempty"`
	NetworkInstances map[string]*NetworkInstance `yaml:"network_instances,omitempty"`

	// Service is populated only when ID == DefaultTenantID.
	Service *ServiceConfig `yaml:"service,omitempty"`
}

// NetworkInstance is one routing/namespace boundary within a tenant.
type NetworkInstance struct {
	ID          string                 `yaml:"id"`
	Type        NIType                 `yaml:"type"`
	Metadata    map[string]any         `yaml:"metadata,omitempty"`
	Connections map[string]*Connection `yaml:"connections,omitempty"`
}

// Route is one IPv4 or IPv6 route entry on a connection.
type Route struct {
	To          string  `yaml:"to"`
	Via         string  `yaml:"via,omitempty"`
	NPTv6       bool    `yaml:"nptv6,omitempty"`
	NPTv6Prefix *string `yaml:"nptv6_prefix,omitempty"`
}

// Routes groups a connection's IPv4 and IPv6 route lists.
type Routes struct {
	IPv4 []Route `yaml:"ipv4,omitempty"`
	IPv6 []Route `yaml:"ipv6,omitempty"`
}

// Interface carries optional explicit addresses for a connection.
type Interface struct {
	IPv4 string `yaml:"ipv4,omitempty"`
	IPv6 string `yaml:"ipv6,omitempty"`
}

// ConnKind tags which variant of Connection.Config is populated.
type ConnKind string

const (
	ConnIPsec     ConnKind = "ipsec"
	ConnPhysical  ConnKind = "physical"
	ConnWireGuard ConnKind = "wireguard"
	ConnSSH       ConnKind = "ssh"
)

// IPsecConfig configures one Strongswan-managed tunnel.
type IPsecConfig struct {
	LocalAddr      string   `yaml:"local_addr,omitempty"`
	RemoteAddr     string   `yaml:"remote_addr"`
	RemoteID       string   `yaml:"remote_id,omitempty"`
	IKEVersion     int      `yaml:"ike_version"`
	IKEProposals   []string `yaml:"ike_proposals,omitempty"`
	IKELifetime    int      `yaml:"ike_lifetime,omitempty"`
	IPsecProposals []string `yaml:"ipsec_proposals,omitempty"`
	IPsecLifetime  int      `yaml:"ipsec_lifetime,omitempty"`
	Initiation     string   `yaml:"initiation,omitempty"` // "start" | "none"
	PSK            string   `yaml:"psk"`
	TSLocal        []string `yaml:"ts_local,omitempty"`
	TSRemote       []string `yaml:"ts_remote,omitempty"`
}

// WireGuardConfig configures one WireGuard peer.
type WireGuardConfig struct {
	LocalPort      int      `yaml:"local_port"`
	RemoteAddrs    []string `yaml:"remote_addrs"`
	RemotePort     int      `yaml:"remote_port"`
	PrivateKey     string   `yaml:"private_key"`
	PublicKey      string   `yaml:"public_key"`
}

// SSHConfig configures an autossh-tunneled connection.
type SSHConfig struct {
	Username        string   `yaml:"username"`
	RemoteAddrs     []string `yaml:"remote_addrs"`
	LocalTunnelDev  int      `yaml:"local_tunnel_dev"`
	RemoteTunnelDev int      `yaml:"remote_tunnel_dev"`
	RemoteConfig    bool     `yaml:"remote_config,omitempty"`
}

// PhysicalConfig adopts an existing host interface by name.
type PhysicalConfig struct {
	InterfaceName string `yaml:"interface_name"`
}

// Connection is one tunnel within a network instance, numbered 0-9.
type Connection struct {
	ID        int            `yaml:"id"`
	Metadata  map[string]any `yaml:"metadata,omitempty"`
	Interface *Interface     `yaml:"interface,omitempty"`
	Routes    Routes         `yaml:"routes,omitempty"`

	Kind      ConnKind         `yaml:"type"`
	IPsec     *IPsecConfig     `yaml:"ipsec,omitempty"`
	WireGuard *WireGuardConfig `yaml:"wireguard,omitempty"`
	SSH       *SSHConfig       `yaml:"ssh,omitempty"`
	Physical  *PhysicalConfig  `yaml:"physical,omitempty"`
}

// BGPGlobals are the per-host BGP speaker settings.
type BGPGlobals struct {
	ASN      int    `yaml:"asn"`
	RouterID string `yaml:"router_id"`
	BFD      bool   `yaml:"bfd,omitempty"`
}

// BGPNeighbor is one configured BGP peer.
type BGPNeighbor struct {
	ASN      int    `yaml:"asn"`
	Address  string `yaml:"address"`
	Priority int    `yaml:"priority"` // 0-9
}

// BGPConfig is the service-wide BGP configuration (hub mode only).
type BGPConfig struct {
	Globals   BGPGlobals    `yaml:"globals"`
	Neighbors []BGPNeighbor `yaml:"neighbors,omitempty"`
}

// ServiceConfig is embedded in the DEFAULT tenant.
type ServiceConfig struct {
	Mode    Mode   `yaml:"mode"`
	LocalID string `yaml:"local_id,omitempty"`

	PrefixDownlinkInterfaceV4 string `yaml:"prefix_downlink_interface_v4,omitempty"`
	PrefixDownlinkInterfaceV6 string `yaml:"prefix_downlink_interface_v6,omitempty"`
	PrefixDownlinkNAT64       string `yaml:"prefix_downlink_nat64,omitempty"`
	PrefixDownlinkNPTv6       string `yaml:"prefix_downlink_nptv6,omitempty"`

	BGP BGPConfig `yaml:"bgp,omitempty"`
}

// Defaults for ServiceConfig prefix scopes, applied when the field is
// empty after load.
const (
	DefaultLocalID                   = "%any"
	DefaultPrefixDownlinkInterfaceV4 = "100.64.0.0/10"
	DefaultPrefixDownlinkInterfaceV6 = "fdcc:cbe::/32"
	DefaultPrefixDownlinkNAT64       = "64:ff9b::/32"
	DefaultPrefixDownlinkNPTv6       = "660::/12"
)

// Max prefix lengths permitted for the four scopes (§3).
const (
	MaxPrefixDownlinkInterfaceV4 = 16
	MaxPrefixDownlinkInterfaceV6 = 32
	MaxPrefixDownlinkNAT64       = 32
	MaxPrefixDownlinkNPTv6       = 12
)

// ApplyDefaults fills in empty ServiceConfig fields with the spec
// defaults. Called after unmarshal, before validation.
func (s *ServiceConfig) ApplyDefaults() {
	if s.LocalID == "" {
		s.LocalID = DefaultLocalID
	}
	if s.PrefixDownlinkInterfaceV4 == "" {
		s.PrefixDownlinkInterfaceV4 = DefaultPrefixDownlinkInterfaceV4
	}
	if s.PrefixDownlinkInterfaceV6 == "" {
		s.PrefixDownlinkInterfaceV6 = DefaultPrefixDownlinkInterfaceV6
	}
	if s.PrefixDownlinkNAT64 == "" {
		s.PrefixDownlinkNAT64 = DefaultPrefixDownlinkNAT64
	}
	if s.PrefixDownlinkNPTv6 == "" {
		s.PrefixDownlinkNPTv6 = DefaultPrefixDownlinkNPTv6
	}
}

// ParsedPrefixes holds the four service scopes parsed to netip.Prefix,
// computed once at load time for use by the allocator.
type ParsedPrefixes struct {
	DownlinkInterfaceV4 netip.Prefix
	DownlinkInterfaceV6 netip.Prefix
	DownlinkNAT64       netip.Prefix
	DownlinkNPTv6       netip.Prefix
}

// ParsePrefixes parses the four scope strings (already defaulted by
// ApplyDefaults) into ParsedPrefixes, once per DEFAULT load.
func (s *ServiceConfig) ParsePrefixes() (ParsedPrefixes, error) {
	v4, err := netip.ParsePrefix(s.PrefixDownlinkInterfaceV4)
	if err != nil {
		return ParsedPrefixes{}, vpncerrors.Wrapf(err, vpncerrors.KindSchema, "prefix_downlink_interface_v4 %q", s.PrefixDownlinkInterfaceV4)
	}
	v6, err := netip.ParsePrefix(s.PrefixDownlinkInterfaceV6)
	if err != nil {
		return ParsedPrefixes{}, vpncerrors.Wrapf(err, vpncerrors.KindSchema, "prefix_downlink_interface_v6 %q", s.PrefixDownlinkInterfaceV6)
	}
	nat64, err := netip.ParsePrefix(s.PrefixDownlinkNAT64)
	if err != nil {
		return ParsedPrefixes{}, vpncerrors.Wrapf(err, vpncerrors.KindSchema, "prefix_downlink_nat64 %q", s.PrefixDownlinkNAT64)
	}
	nptv6, err := netip.ParsePrefix(s.PrefixDownlinkNPTv6)
	if err != nil {
		return ParsedPrefixes{}, vpncerrors.Wrapf(err, vpncerrors.KindSchema, "prefix_downlink_nptv6 %q", s.PrefixDownlinkNPTv6)
	}
	return ParsedPrefixes{
		DownlinkInterfaceV4: v4,
		DownlinkInterfaceV6: v6,
		DownlinkNAT64:       nat64,
		DownlinkNPTv6:       nptv6,
	}, nil
}
