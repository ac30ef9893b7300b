// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package kernel

import (
	"fmt"
	"net"
	"net/netip"
	"os"
	"os/exec"
	"runtime"

	"github.com/google/nftables"
	"github.com/vishvananda/netlink"
	"github.com/vishvananda/netns"
	"golang.org/x/sys/unix"
	"golang.zx2c4.com/wireguard/wgctrl"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"

	vpncerrors "ncubed.io/vpncd/internal/errors"
	"ncubed.io/vpncd/internal/logging"
	"ncubed.io/vpncd/internal/paths"
)

// LinuxKernel is the production Kernel backed by vishvananda/netlink and
// vishvananda/netns. Each method opens the target namespace's handle,
// performs its batch of netlink calls, and restores the calling thread's
// original namespace before returning — the per-thread handle model §4.1
// calls for, since netns.Set affects the calling OS thread only.
type LinuxKernel struct {
	layout paths.Layout
	log    *logging.Logger
}

// NewLinuxKernel returns a Kernel that operates on the real host.
func NewLinuxKernel(layout paths.Layout, log *logging.Logger) *LinuxKernel {
	return &LinuxKernel{layout: layout, log: log}
}

// withNamespace locks the calling goroutine to its OS thread, switches it
// into ns, runs fn, and restores the original namespace before
// unlocking. ns == "" means the current (root) namespace.
func withNamespace(ns string, fn func() error) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	if ns == "" {
		return fn()
	}

	orig, err := netns.Get()
	if err != nil {
		return vpncerrors.Wrap(err, vpncerrors.KindTransientKernel, "get current namespace handle")
	}
	defer orig.Close()

	target, err := netns.GetFromName(ns)
	if err != nil {
		return vpncerrors.Wrapf(err, vpncerrors.KindTransientKernel, "open namespace %s", ns)
	}
	defer target.Close()

	if err := netns.Set(target); err != nil {
		return vpncerrors.Wrapf(err, vpncerrors.KindTransientKernel, "enter namespace %s", ns)
	}
	defer netns.Set(orig)

	return fn()
}

// DefaultNamespaceName is the special namespace name EnsureNamespace
// treats as an alias for the host's initial network namespace instead
// of creating a new one (see the Kernel interface's doc comment).
const DefaultNamespaceName = "DEFAULT"

func (k *LinuxKernel) EnsureNamespace(ns string) error {
	path := k.layout.NetnsPath(ns)
	if _, err := os.Stat(path); err == nil {
		return nil // already exists, idempotent
	}

	if err := os.MkdirAll(k.layout.NetnsDir(), 0o755); err != nil {
		return vpncerrors.Wrap(err, vpncerrors.KindInternal, "create netns directory")
	}

	if ns == DefaultNamespaceName {
		return bindMountInitialNamespace(path)
	}

	newns, err := netns.NewNamed(ns)
	if err != nil {
		if os.IsExist(err) {
			return nil
		}
		return vpncerrors.Wrapf(err, vpncerrors.KindTransientKernel, "create namespace %s", ns)
	}
	defer newns.Close()

	return nil
}

// bindMountInitialNamespace bind-mounts /proc/1/ns/net at path, the
// "ip netns" convention for giving the initial namespace a name under
// /var/run/netns without actually creating a new one.
func bindMountInitialNamespace(path string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDONLY, 0o644)
	if err != nil {
		return vpncerrors.Wrap(err, vpncerrors.KindInternal, "create namespace bind-mount target")
	}
	f.Close()

	if err := unix.Mount("/proc/1/ns/net", path, "", unix.MS_BIND, ""); err != nil {
		return vpncerrors.Wrapf(err, vpncerrors.KindTransientKernel, "bind-mount initial namespace at %s", path)
	}
	return nil
}

func (k *LinuxKernel) DeleteNamespace(ns string) error {
	if err := netns.DeleteNamed(ns); err != nil && !os.IsNotExist(err) {
		return vpncerrors.Wrapf(err, vpncerrors.KindTransientKernel, "delete namespace %s", ns)
	}
	return nil
}

func (k *LinuxKernel) EnsureLink(ns string, spec LinkSpec) error {
	return withNamespace(ns, func() error {
		switch spec.Kind {
		case LinkVeth:
			return k.ensureVeth(spec)
		case LinkXFRM:
			return k.ensureXFRM(spec)
		case LinkWireGuard:
			return k.ensureWireGuard(spec)
		case LinkPhysical:
			return nil // adoption happens via MoveLink; nothing to create
		default:
			return vpncerrors.Errorf(vpncerrors.KindInvalidTopology, "unknown link kind %d", spec.Kind)
		}
	})
}

func (k *LinuxKernel) ensureVeth(spec LinkSpec) error {
	if _, err := netlink.LinkByName(spec.Name); err == nil {
		return nil
	}
	la := netlink.NewLinkAttrs()
	la.Name = spec.Name
	veth := &netlink.Veth{LinkAttrs: la, PeerName: spec.PeerName}
	if err := netlink.LinkAdd(veth); err != nil {
		if isEExist(err) {
			return nil
		}
		return vpncerrors.Wrapf(err, vpncerrors.KindTransientKernel, "create veth %s<->%s", spec.Name, spec.PeerName)
	}
	return nil
}

func (k *LinuxKernel) ensureXFRM(spec LinkSpec) error {
	if _, err := netlink.LinkByName(spec.Name); err == nil {
		return nil
	}
	parent, err := netlink.LinkByName(spec.ParentInterface)
	if err != nil {
		return vpncerrors.Wrapf(err, vpncerrors.KindInvalidTopology, "xfrm parent interface %s not found", spec.ParentInterface)
	}
	la := netlink.NewLinkAttrs()
	la.Name = spec.Name
	la.ParentIndex = parent.Attrs().Index
	xfrm := &netlink.Xfrmi{LinkAttrs: la, Ifid: spec.IfID}
	if err := netlink.LinkAdd(xfrm); err != nil {
		if isEExist(err) {
			return nil
		}
		return vpncerrors.Wrapf(err, vpncerrors.KindTransientKernel, "create xfrm interface %s if_id=%d", spec.Name, spec.IfID)
	}
	return nil
}

func (k *LinuxKernel) ensureWireGuard(spec LinkSpec) error {
	if _, err := netlink.LinkByName(spec.Name); err == nil {
		return nil
	}
	la := netlink.NewLinkAttrs()
	la.Name = spec.Name
	wg := &netlink.GenericLink{LinkAttrs: la, LinkType: "wireguard"}
	if err := netlink.LinkAdd(wg); err != nil {
		if isEExist(err) {
			return nil
		}
		return vpncerrors.Wrapf(err, vpncerrors.KindTransientKernel, "create wireguard interface %s", spec.Name)
	}
	return nil
}

func (k *LinuxKernel) MoveLink(ns, linkName string) error {
	target, err := netns.GetFromName(ns)
	if err != nil {
		return vpncerrors.Wrapf(err, vpncerrors.KindTransientKernel, "open namespace %s", ns)
	}
	defer target.Close()

	link, err := netlink.LinkByName(linkName)
	if err != nil {
		if isENoDev(err) {
			return nil // already moved, or never existed here; idempotent
		}
		return vpncerrors.Wrapf(err, vpncerrors.KindTransientKernel, "find link %s", linkName)
	}

	if err := netlink.LinkSetNsFd(link, int(target)); err != nil {
		return vpncerrors.Wrapf(err, vpncerrors.KindTransientKernel, "move link %s into namespace %s", linkName, ns)
	}
	return nil
}

func (k *LinuxKernel) DeleteLink(ns, name string) error {
	return withNamespace(ns, func() error {
		link, err := netlink.LinkByName(name)
		if err != nil {
			if isENoDev(err) {
				return nil
			}
			return vpncerrors.Wrapf(err, vpncerrors.KindTransientKernel, "find link %s", name)
		}
		if err := netlink.LinkDel(link); err != nil {
			return vpncerrors.Wrapf(err, vpncerrors.KindTransientKernel, "delete link %s", name)
		}
		return nil
	})
}

func (k *LinuxKernel) SetLinkState(ns, name string, state LinkState) error {
	return withNamespace(ns, func() error {
		link, err := netlink.LinkByName(name)
		if err != nil {
			return vpncerrors.Wrapf(err, vpncerrors.KindTransientKernel, "find link %s", name)
		}
		if state == LinkUp {
			err = netlink.LinkSetUp(link)
		} else {
			err = netlink.LinkSetDown(link)
		}
		if err != nil {
			return vpncerrors.Wrapf(err, vpncerrors.KindTransientKernel, "set link %s state", name)
		}
		return nil
	})
}

func (k *LinuxKernel) LinkState(ns, name string) (LinkState, error) {
	var state LinkState
	err := withNamespace(ns, func() error {
		link, err := netlink.LinkByName(name)
		if err != nil {
			return vpncerrors.Wrapf(err, vpncerrors.KindTransientKernel, "find link %s", name)
		}
		if link.Attrs().OperState == netlink.OperUp || link.Attrs().Flags&1 != 0 {
			state = LinkUp
		} else {
			state = LinkDown
		}
		return nil
	})
	return state, err
}

func (k *LinuxKernel) FlushAddresses(ns, name string) error {
	return withNamespace(ns, func() error {
		link, err := netlink.LinkByName(name)
		if err != nil {
			return vpncerrors.Wrapf(err, vpncerrors.KindTransientKernel, "find link %s", name)
		}
		addrs, err := netlink.AddrList(link, netlink.FAMILY_ALL)
		if err != nil {
			return vpncerrors.Wrapf(err, vpncerrors.KindTransientKernel, "list addresses on %s", name)
		}
		for _, a := range addrs {
			if err := netlink.AddrDel(link, &a); err != nil && !isENoDev(err) {
				return vpncerrors.Wrapf(err, vpncerrors.KindTransientKernel, "flush address %s from %s", a.IPNet, name)
			}
		}
		return nil
	})
}

func (k *LinuxKernel) ReplaceAddress(ns, name string, addr netip.Prefix) error {
	return withNamespace(ns, func() error {
		link, err := netlink.LinkByName(name)
		if err != nil {
			return vpncerrors.Wrapf(err, vpncerrors.KindTransientKernel, "find link %s", name)
		}
		nlAddr, err := netlink.ParseAddr(addr.String())
		if err != nil {
			return vpncerrors.Wrapf(err, vpncerrors.KindInvalidTopology, "parse address %s", addr)
		}
		if err := netlink.AddrReplace(link, nlAddr); err != nil {
			return vpncerrors.Wrapf(err, vpncerrors.KindTransientKernel, "replace address %s on %s", addr, name)
		}
		return nil
	})
}

func (k *LinuxKernel) Route(ns string, spec RouteSpec) error {
	return withNamespace(ns, func() error {
		route := &netlink.Route{
			Dst: toStdIPNet(spec.Dst),
		}
		if spec.Ifname != "" {
			link, err := netlink.LinkByName(spec.Ifname)
			if err != nil {
				return vpncerrors.Wrapf(err, vpncerrors.KindTransientKernel, "find route interface %s", spec.Ifname)
			}
			route.LinkIndex = link.Attrs().Index
		}
		if spec.Via.IsValid() {
			route.Gw = spec.Via.AsSlice()
		}
		if spec.Type == RouteBlackhole {
			route.Type = 6 // RTN_BLACKHOLE, not exported by netlink as a const
		}

		switch spec.Op {
		case RouteReplace:
			if err := netlink.RouteReplace(route); err != nil {
				return vpncerrors.Wrapf(err, vpncerrors.KindTransientKernel, "replace route %s", spec.Dst)
			}
		case RouteDelete:
			if err := netlink.RouteDel(route); err != nil && !isESrch(err) {
				return vpncerrors.Wrapf(err, vpncerrors.KindTransientKernel, "delete route %s", spec.Dst)
			}
		}
		return nil
	})
}

// ApplyNFTRules renders a complete ruleset and applies it atomically via
// "nft -f -" inside ns, grounded on the atomic-ruleset-apply idiom: the
// whole text is piped to a single nft invocation so a syntax or
// reference error in any rule rejects the entire ruleset rather than
// leaving a half-applied chain.
func (k *LinuxKernel) ApplyNFTRules(ns string, renderedText string) error {
	return k.runInNamespace(ns, "nft", []string{"-f", "-"}, renderedText)
}

func (k *LinuxKernel) ApplyIPTablesRules(ns string, renderedText string) error {
	return k.runInNamespace(ns, "iptables-restore", nil, renderedText)
}

func (k *LinuxKernel) runInNamespace(ns, name string, args []string, stdin string) error {
	fullArgs := append([]string{"netns", "exec", ns, name}, args...)
	cmd := exec.Command("ip", fullArgs...)
	cmd.Stdin = stringsReader(stdin)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return vpncerrors.Attr(
			vpncerrors.Wrapf(err, vpncerrors.KindInvalidTopology, "%s in namespace %s", name, ns),
			"output", string(out))
	}
	return nil
}

func (k *LinuxKernel) EnableForwarding(ns string) error {
	for _, key := range []string{"net.ipv4.ip_forward", "net.ipv6.conf.all.forwarding"} {
		if err := k.runInNamespace(ns, "sysctl", []string{"-w", fmt.Sprintf("%s=1", key)}, ""); err != nil {
			return err
		}
	}
	return nil
}

// ConfigureWireGuard applies cfg to an existing WireGuard link via
// wgctrl, which speaks the device's generic-netlink family directly and
// so, like every other link operation, is scoped to the calling
// thread's network namespace.
func (k *LinuxKernel) ConfigureWireGuard(ns, name string, cfg WireGuardConfig) error {
	return withNamespace(ns, func() error {
		client, err := wgctrl.New()
		if err != nil {
			return vpncerrors.Wrap(err, vpncerrors.KindExternalUnavailable, "open wgctrl client")
		}
		defer client.Close()

		privateKey, err := wgtypes.ParseKey(cfg.PrivateKeyHex)
		if err != nil {
			return vpncerrors.Wrapf(err, vpncerrors.KindSchema, "parse wireguard private key for %s", name)
		}
		publicKey, err := wgtypes.ParseKey(cfg.PeerPublicKeyHex)
		if err != nil {
			return vpncerrors.Wrapf(err, vpncerrors.KindSchema, "parse wireguard peer public key for %s", name)
		}

		allowed := make([]net.IPNet, 0, len(cfg.AllowedIPs))
		for _, p := range cfg.AllowedIPs {
			allowed = append(allowed, *netipPrefixToIPNet(p))
		}

		var endpoint *net.UDPAddr
		if cfg.Endpoint != "" {
			endpoint, err = net.ResolveUDPAddr("udp", cfg.Endpoint)
			if err != nil {
				return vpncerrors.Wrapf(err, vpncerrors.KindTransientKernel, "resolve wireguard endpoint %s for %s", cfg.Endpoint, name)
			}
		}

		listenPort := cfg.ListenPort
		devCfg := wgtypes.Config{
			PrivateKey:   &privateKey,
			ListenPort:   &listenPort,
			ReplacePeers: true,
			Peers: []wgtypes.PeerConfig{{
				PublicKey:         publicKey,
				Endpoint:          endpoint,
				AllowedIPs:        allowed,
				ReplaceAllowedIPs: true,
			}},
		}
		if err := client.ConfigureDevice(name, devCfg); err != nil {
			return vpncerrors.Wrapf(err, vpncerrors.KindExternalUnavailable, "configure wireguard device %s", name)
		}
		return nil
	})
}

// RuleCount reads the ruleset actually loaded inside ns via a read-only
// nftables netlink query, rather than trusting "nft -f -"'s exit status
// alone.
func (k *LinuxKernel) RuleCount(ns string) (int, error) {
	var total int
	err := withNamespace(ns, func() error {
		conn, err := nftables.New()
		if err != nil {
			return vpncerrors.Wrap(err, vpncerrors.KindExternalUnavailable, "open nftables connection")
		}
		tables, err := conn.ListTables()
		if err != nil {
			return vpncerrors.Wrap(err, vpncerrors.KindTransientKernel, "list nftables tables")
		}
		chains, err := conn.ListChains()
		if err != nil {
			return vpncerrors.Wrap(err, vpncerrors.KindTransientKernel, "list nftables chains")
		}
		for _, t := range tables {
			for _, c := range chains {
				if c.Table.Name != t.Name || c.Table.Family != t.Family {
					continue
				}
				rules, err := conn.GetRules(t, c)
				if err != nil {
					return vpncerrors.Wrapf(err, vpncerrors.KindTransientKernel, "get rules of chain %s/%s", t.Name, c.Name)
				}
				total += len(rules)
			}
		}
		return nil
	})
	return total, err
}

func netipPrefixToIPNet(p netip.Prefix) *net.IPNet {
	return &net.IPNet{
		IP:   p.Addr().AsSlice(),
		Mask: net.CIDRMask(p.Bits(), p.Addr().BitLen()),
	}
}

