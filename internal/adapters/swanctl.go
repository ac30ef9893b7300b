// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package adapters implements the external-tool integrations of C2:
// rendering and reloading Strongswan swanctl config, a VICI session
// client, FRR config rendering/reload, the Jool NAT64 CLI, and the
// vpncmangle DNS-mangle translation file.
package adapters

import (
	"fmt"
	"os"
	"os/exec"
	"strings"

	vpncerrors "ncubed.io/vpncd/internal/errors"
	"ncubed.io/vpncd/internal/paths"
)

// SwanctlConnection is the rendering input for one IPsec connection's
// swanctl stanza (see the swanctl file contract in §6).
type SwanctlConnection struct {
	NIID       string
	ConnID     int
	IKEVersion int
	LocalAddr  string
	RemoteAddr string
	LocalID    string
	RemoteID   string
	IKEProposals   []string
	IKELifetime    int
	IPsecProposals []string
	IPsecLifetime  int
	LocalTS  []string
	RemoteTS []string
	IfIDHex  string
	StartAction string // "trap" | "start" | "none"
	PSK         string
}

// RenderSwanctlConfig renders the full swanctl conf.d fragment for a
// network instance: one connections.<ni>-<cid> section per connection,
// exactly matching the contract in §6.
func RenderSwanctlConfig(conns []SwanctlConnection) string {
	var b strings.Builder
	for _, c := range conns {
		name := fmt.Sprintf("%s-%d", c.NIID, c.ConnID)
		localTS := "0.0.0.0/0,::/0"
		if len(c.LocalTS) > 0 {
			localTS = strings.Join(c.LocalTS, ",")
		}
		remoteTS := "0.0.0.0/0,::/0"
		if len(c.RemoteTS) > 0 {
			remoteTS = strings.Join(c.RemoteTS, ",")
		}

		fmt.Fprintf(&b, "connections.%s {\n", name)
		fmt.Fprintf(&b, "  version = %d\n", c.IKEVersion)
		fmt.Fprintf(&b, "  local_addrs = %s\n", c.LocalAddr)
		fmt.Fprintf(&b, "  remote_addrs = %s\n", c.RemoteAddr)
		fmt.Fprintf(&b, "  proposals = %s\n", strings.Join(c.IKEProposals, ","))
		fmt.Fprintf(&b, "  rekey_time = %ds\n", c.IKELifetime)
		fmt.Fprintf(&b, "  local { id = %s }\n", c.LocalID)
		fmt.Fprintf(&b, "  remote { id = %s, auth = psk }\n", c.RemoteID)
		fmt.Fprintf(&b, "  children.%s {\n", name)
		fmt.Fprintf(&b, "    esp_proposals = %s\n", strings.Join(c.IPsecProposals, ","))
		fmt.Fprintf(&b, "    life_time = %ds\n", c.IPsecLifetime)
		fmt.Fprintf(&b, "    local_ts = %s\n", localTS)
		fmt.Fprintf(&b, "    remote_ts = %s\n", remoteTS)
		fmt.Fprintf(&b, "    if_id_in = %s, if_id_out = %s\n", c.IfIDHex, c.IfIDHex)
		fmt.Fprintf(&b, "    start_action = %s\n", c.StartAction)
		b.WriteString("  }\n")
		b.WriteString("}\n")
		fmt.Fprintf(&b, "secrets.ike-%s {\n", name)
		fmt.Fprintf(&b, "  id-1 = %s\n", c.LocalID)
		fmt.Fprintf(&b, "  id-2 = %s\n", c.RemoteID)
		fmt.Fprintf(&b, "  secret = %s\n", c.PSK)
		b.WriteString("}\n")
	}
	return b.String()
}

// Swanctl renders and reloads Strongswan's conf.d files.
type Swanctl struct {
	layout  paths.Layout
	runCmd  func(name string, args ...string) ([]byte, error)
}

// NewSwanctl returns a Swanctl adapter that shells out to the real
// swanctl binary.
func NewSwanctl(layout paths.Layout) *Swanctl {
	return &Swanctl{layout: layout, runCmd: runCommand}
}

// NewSwanctlWithRunner builds a Swanctl adapter around a caller-supplied
// runner, used by tests elsewhere in the module that need a Reconciler
// wired up without shelling out to a real swanctl binary.
func NewSwanctlWithRunner(layout paths.Layout, runCmd func(name string, args ...string) ([]byte, error)) *Swanctl {
	return &Swanctl{layout: layout, runCmd: runCmd}
}

// WriteConfig writes the rendered fragment for niID and triggers a
// reload. An empty conns list (no remaining IPsec connections) removes
// the file instead, per §4.2 ("tear-down of a tenant removes its file
// and triggers the reload").
func (s *Swanctl) WriteConfig(niID string, conns []SwanctlConnection) error {
	path := s.layout.SwanctlConfFile(niID)
	if len(conns) == 0 {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return vpncerrors.Wrapf(err, vpncerrors.KindTransientKernel, "remove swanctl config %s", path)
		}
		return s.reload()
	}

	rendered := RenderSwanctlConfig(conns)
	if err := os.MkdirAll(s.layout.SwanctlConfDir(), 0o755); err != nil {
		return vpncerrors.Wrap(err, vpncerrors.KindInternal, "create swanctl conf.d directory")
	}
	if err := os.WriteFile(path, []byte(rendered), 0o600); err != nil {
		return vpncerrors.Wrapf(err, vpncerrors.KindInternal, "write swanctl config %s", path)
	}
	return s.reload()
}

func (s *Swanctl) reload() error {
	if _, err := s.runCmd("swanctl", "--load-all", "--clear"); err != nil {
		return vpncerrors.Wrap(err, vpncerrors.KindExternalUnavailable, "swanctl --load-all --clear")
	}
	return nil
}

func runCommand(name string, args ...string) ([]byte, error) {
	return exec.Command(name, args...).CombinedOutput()
}
