// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"ncubed.io/vpncd/internal/logging"
)

const defaultYAML = `
id: DEFAULT
name: provider
version: 0.0.12
service:
  mode: HUB
`

func TestLoad_DefaultTenant(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "DEFAULT.yaml")
	require.NoError(t, os.WriteFile(path, []byte(defaultYAML), 0o644))

	s := NewStore(logging.NewDiscard())
	res, err := s.Load(path)
	require.NoError(t, err)
	require.NotNil(t, res.New)
	require.Equal(t, "DEFAULT", res.New.ID)
	require.Equal(t, ModeHub, res.New.Service.Mode)
	require.Equal(t, DefaultLocalID, res.New.Service.LocalID)
	require.Equal(t, DefaultPrefixDownlinkNPTv6, res.New.Service.PrefixDownlinkNPTv6)
}

func TestLoad_FilenameMismatchRejected(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "c0001.yaml")
	require.NoError(t, os.WriteFile(path, []byte("id: c0002\nname: x\nversion: 0.0.12\n"), 0o644))

	s := NewStore(logging.NewDiscard())
	_, err := s.Load(path)
	require.Error(t, err)
}

func TestLoad_PreviousIsRetainedOnSchemaError(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "c0001.yaml")
	require.NoError(t, os.WriteFile(path, []byte("id: c0001\nname: x\nversion: 0.0.12\n"), 0o644))

	s := NewStore(logging.NewDiscard())
	first, err := s.Load(path)
	require.NoError(t, err)
	require.Equal(t, "c0001", first.New.ID)

	require.NoError(t, os.WriteFile(path, []byte(": not valid yaml :::"), 0o644))
	second, err := s.Load(path)
	require.Error(t, err)
	require.NotNil(t, second.Previous)
	require.Equal(t, "c0001", second.Previous.ID)
}

func TestLoad_LegacyMigration(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "c0001.yaml")
	legacy := `
id: c0001
name: legacy tenant
version: 0.0.11
network_instances:
  c0001-00:
    type: DOWNLINK
    uplinks:
      0:
        prefix_uplink_tunnel: 10.0.0.0/28
`
	require.NoError(t, os.WriteFile(path, []byte(legacy), 0o644))

	s := NewStore(logging.NewDiscard())
	res, err := s.Load(path)
	require.NoError(t, err)
	require.Equal(t, "0.0.12", res.New.Version)

	ni := res.New.NetworkInstances["c0001-00"]
	require.NotNil(t, ni)
	conn := ni.Connections["0"]
	require.NotNil(t, conn)
	require.Equal(t, ConnIPsec, conn.Kind)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 2) // original + backup
}

func TestDiffNetworkInstances(t *testing.T) {
	prev := &Tenant{NetworkInstances: map[string]*NetworkInstance{
		"a": {Type: NITypeDownlink},
		"b": {Type: NITypeDownlink},
	}}
	next := &Tenant{NetworkInstances: map[string]*NetworkInstance{
		"b": {Type: NITypeDownlink},
		"c": {Type: NITypeDownlink},
	}}

	pairs := DiffNetworkInstances(next, prev)
	byID := map[string]NetworkInstancePair{}
	for _, p := range pairs {
		byID[p.ID] = p
	}
	require.Len(t, pairs, 3)
	require.Nil(t, byID["a"].New)
	require.NotNil(t, byID["a"].Previous)
	require.NotNil(t, byID["b"].New)
	require.NotNil(t, byID["b"].Previous)
	require.NotNil(t, byID["c"].New)
	require.Nil(t, byID["c"].Previous)
}
