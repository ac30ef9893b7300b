// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package config

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestServiceConfig_ParsePrefixes_UsesDefaultsAfterApply(t *testing.T) {
	svc := &ServiceConfig{Mode: ModeHub}
	svc.ApplyDefaults()

	prefixes, err := svc.ParsePrefixes()
	require.NoError(t, err)
	require.Equal(t, DefaultPrefixDownlinkNPTv6, prefixes.DownlinkNPTv6.String())
	require.Equal(t, DefaultPrefixDownlinkNAT64, prefixes.DownlinkNAT64.String())
}

func TestServiceConfig_ParsePrefixes_RejectsMalformedPrefix(t *testing.T) {
	svc := &ServiceConfig{Mode: ModeHub}
	svc.ApplyDefaults()
	svc.PrefixDownlinkNPTv6 = "not-a-prefix"

	_, err := svc.ParsePrefixes()
	require.Error(t, err)
}
