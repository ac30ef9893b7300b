// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package config

import (
	"regexp"
	"strings"
)

// tenantFilenameRegex matches a bare tenant id (a filename with its
// ".yaml" already removed): first hex digit in [2-9a-fA-F], followed by
// four more hex digits.
var tenantFilenameRegex = regexp.MustCompile(`^[2-9a-fA-F][0-9a-fA-F]{4}$`)

// IsTenantID reports whether id is a well-formed tenant id (not
// DEFAULT).
func IsTenantID(id string) bool {
	return tenantFilenameRegex.MatchString(id)
}

// IDFromFilename extracts the tenant/service id a config filename should
// carry, or "" if the filename doesn't match either the tenant pattern or
// "DEFAULT.yaml".
func IDFromFilename(name string) string {
	base := strings.TrimSuffix(name, ".yaml")
	if base == DefaultTenantID {
		return base
	}
	if IsTenantID(base) {
		return base
	}
	return ""
}

// downlinkIDRegex matches a DOWNLINK/ENDPOINT network instance id
// "TTTTTT-NN".
var downlinkIDRegex = regexp.MustCompile(`^([2-9a-fA-F][0-9a-fA-F]{4})-([0-9a-fA-F]{2})$`)

// ParseDownlinkID splits a DOWNLINK id "TTTTTT-NN" into its tenant id
// (TTTTTT) and the two-hex network-instance index (NN). ok is false if id
// is not well-formed.
func ParseDownlinkID(id string) (tenantID string, niIndex string, ok bool) {
	m := downlinkIDRegex.FindStringSubmatch(id)
	if m == nil {
		return "", "", false
	}
	return m[1], m[2], true
}
