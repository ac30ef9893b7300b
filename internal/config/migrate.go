// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package config

import (
	"fmt"
	"os"

	vpncerrors "ncubed.io/vpncd/internal/errors"
)

// minVersion is the version a freshly loaded document is migrated up to.
const minVersion = "0.0.12"

// needsMigration reports whether a raw document's "version" field is
// below minVersion. Resolves Open Question #2: callers must check this
// before backing anything up — the legacy implementation backed up every
// file unconditionally before checking the version, which left a stray
// timestamped copy of every already-current file on every load.
func needsMigration(raw map[string]any) bool {
	v, _ := raw["version"].(string)
	if v == "" {
		return true
	}
	return compareVersions(v, minVersion) < 0
}

// compareVersions does a field-by-field numeric comparison of two
// "major.minor.patch" strings. Returns -1, 0, or 1.
func compareVersions(a, b string) int {
	pa, pb := splitVersion(a), splitVersion(b)
	for i := 0; i < 3; i++ {
		if pa[i] != pb[i] {
			if pa[i] < pb[i] {
				return -1
			}
			return 1
		}
	}
	return 0
}

func splitVersion(v string) [3]int {
	var out [3]int
	var cur, idx int
	for _, r := range v {
		if r == '.' {
			if idx < 3 {
				out[idx] = cur
			}
			idx++
			cur = 0
			continue
		}
		if r >= '0' && r <= '9' {
			cur = cur*10 + int(r-'0')
		}
	}
	if idx < 3 {
		out[idx] = cur
	}
	return out
}

// migrateRaw rewrites a pre-0.0.12 document in place: "uplinks" becomes
// "connections", each connection gains type "ipsec" and the renamed
// fields, and version is bumped. Operates on the generic map so it does
// not need the typed Tenant shape (which doesn't know about "uplinks").
func migrateRaw(raw map[string]any) {
	if uplinks, ok := raw["uplinks"]; ok {
		raw["connections"] = uplinks
		delete(raw, "uplinks")
	}

	if nis, ok := raw["network_instances"].(map[string]any); ok {
		for _, rawNI := range nis {
			ni, ok := rawNI.(map[string]any)
			if !ok {
				continue
			}
			if uplinks, ok := ni["uplinks"]; ok {
				ni["connections"] = uplinks
				delete(ni, "uplinks")
			}
			conns, ok := ni["connections"].(map[string]any)
			if !ok {
				continue
			}
			for _, rawConn := range conns {
				conn, ok := rawConn.(map[string]any)
				if !ok {
					continue
				}
				migrateConnection(conn)
			}
		}
	}

	raw["version"] = minVersion
}

func migrateConnection(conn map[string]any) {
	if _, ok := conn["type"]; !ok {
		conn["type"] = string(ConnIPsec)
	}
	if v, ok := conn["prefix_uplink_tunnel"]; ok {
		conn["interface_ip"] = v
		delete(conn, "prefix_uplink_tunnel")
	}
	if v, ok := conn["tunnel_ip"]; ok {
		conn["interface_ip"] = v
		delete(conn, "tunnel_ip")
	}
	if _, ok := conn["traffic_selectors"]; !ok {
		conn["traffic_selectors"] = map[string]any{
			"local":  []string{"0.0.0.0/0", "::/0"},
			"remote": []string{"0.0.0.0/0", "::/0"},
		}
	}
}

// backupPath returns the Unix-timestamp-suffixed backup path for a
// config file, written before an in-place migration rewrite.
func backupPath(path string, unixTS int64) string {
	return fmt.Sprintf("%s.%d", path, unixTS)
}

// backupBeforeMigration copies the file at path to its timestamped
// backup. Called only when needsMigration has already returned true.
func backupBeforeMigration(path string, unixTS int64) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return vpncerrors.Wrapf(err, vpncerrors.KindInternal, "read %s for migration backup", path)
	}
	if err := os.WriteFile(backupPath(path, unixTS), data, 0o644); err != nil {
		return vpncerrors.Wrapf(err, vpncerrors.KindInternal, "write migration backup for %s", path)
	}
	return nil
}
