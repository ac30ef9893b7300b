// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package paths centralizes the concentrator's fixed filesystem layout so
// every other package refers to one name instead of a scattered literal,
// and so tests can point the whole daemon at a scratch root.
package paths

import "path/filepath"

// Layout is the set of directories and files the daemon reads from and
// writes to. The zero value is the production layout rooted at "/".
type Layout struct {
	root string
}

// Default is the production layout.
var Default = New("/")

// New returns a Layout rooted at root, for tests that want an isolated
// tree under a temp directory.
func New(root string) Layout {
	return Layout{root: root}
}

func (l Layout) join(elem ...string) string {
	root := l.root
	if root == "" {
		root = "/"
	}
	return filepath.Join(append([]string{root}, elem...)...)
}

// ActiveDir is the directory of committed tenant/service YAML — the
// source of truth the file watcher observes.
func (l Layout) ActiveDir() string { return l.join("opt", "ncubed", "config", "vpnc", "active") }

// CandidateDir is where the CLI stages edits before they are promoted
// into ActiveDir.
func (l Layout) CandidateDir() string {
	return l.join("opt", "ncubed", "config", "vpnc", "candidate")
}

// ActiveFile returns the path of a tenant (or DEFAULT) file in the active
// directory.
func (l Layout) ActiveFile(id string) string {
	return filepath.Join(l.ActiveDir(), id+".yaml")
}

// CandidateFile returns the path of a tenant (or DEFAULT) file in the
// candidate directory.
func (l Layout) CandidateFile(id string) string {
	return filepath.Join(l.CandidateDir(), id+".yaml")
}

// SwanctlConfDir is where generated per-network-instance swanctl config
// fragments are written.
func (l Layout) SwanctlConfDir() string { return l.join("etc", "swanctl", "conf.d") }

// SwanctlConfFile returns the generated swanctl fragment path for a
// network instance id.
func (l Layout) SwanctlConfFile(niID string) string {
	return filepath.Join(l.SwanctlConfDir(), niID+".conf")
}

// VICISocket is the Strongswan control socket path.
func (l Layout) VICISocket() string { return l.join("var", "run", "charon.vici") }

// FRRConfFile is the generated FRR configuration.
func (l Layout) FRRConfFile() string { return l.join("etc", "frr", "frr.conf") }

// FRRReloadScript is invoked after FRRConfFile changes.
func (l Layout) FRRReloadScript() string { return l.join("usr", "lib", "frr", "frr-reload.py") }

// VpncmangleDir holds the DNS-mangle helper's generated config.
func (l Layout) VpncmangleDir() string { return l.join("opt", "ncubed", "config", "vpncmangle") }

// VpncmangleTranslationsFile is the generated NAT64/NPTv6 translation map.
func (l Layout) VpncmangleTranslationsFile() string {
	return filepath.Join(l.VpncmangleDir(), "translations.json")
}

// LogDir is where rotating daemon logs are written.
func (l Layout) LogDir() string { return l.join("var", "log", "ncubed", "vpnc") }

// RunDir holds runtime state: crash-counter persistence.
func (l Layout) RunDir() string { return l.join("var", "run", "ncubed", "vpncd") }

// LifecycleStateFile persists per-subprocess crash tracking across
// daemon restarts.
func (l Layout) LifecycleStateFile(name string) string {
	return filepath.Join(l.RunDir(), name+".crashstate.json")
}

// NetnsDir is where network namespace handles are bind-mounted, matching
// the "ip netns" convention so external tooling (ip, nft) can address
// them by name.
func (l Layout) NetnsDir() string { return l.join("run", "netns") }

// NetnsPath returns the bind-mount path for a namespace name.
func (l Layout) NetnsPath(name string) string {
	return filepath.Join(l.NetnsDir(), name)
}
