// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package watch

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"ncubed.io/vpncd/internal/adapters"
	"ncubed.io/vpncd/internal/config"
	"ncubed.io/vpncd/internal/kernel"
	"ncubed.io/vpncd/internal/logging"
	"ncubed.io/vpncd/internal/paths"
	"ncubed.io/vpncd/internal/reconciler"
	"ncubed.io/vpncd/internal/state"
)

const testDefaultYAML = `
id: DEFAULT
name: provider
version: "1"
service:
  mode: HUB
network_instances:
  EXTERNAL:
    type: EXTERNAL
  CORE:
    type: CORE
`

const testTenantYAML = `
id: c0001
name: customer one
version: "1"
network_instances:
  c0001-00:
    type: DOWNLINK
`

func newTestController(t *testing.T) (*Controller, *kernel.MockKernel, paths.Layout) {
	t.Helper()
	dir := t.TempDir()
	layout := paths.New(dir)
	require.NoError(t, os.MkdirAll(layout.ActiveDir(), 0o755))
	require.NoError(t, os.MkdirAll(layout.CandidateDir(), 0o755))
	require.NoError(t, os.MkdirAll(layout.SwanctlConfDir(), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Dir(layout.FRRConfFile()), 0o755))
	require.NoError(t, os.MkdirAll(layout.VpncmangleDir(), 0o755))

	noop := func(name string, args ...string) ([]byte, error) { return nil, nil }
	mk := kernel.NewMockKernel()
	log := logging.NewDiscard()
	deps := reconciler.Deps{
		Kernel:   mk,
		Swanctl:  adapters.NewSwanctlWithRunner(layout, noop),
		FRR:      adapters.NewFRRWithRunner(layout, noop),
		Jool:     adapters.NewJoolWithRunner(noop),
		Mangle:   adapters.NewVpncMangle(layout),
		Registry: state.NewRegistry(),
		Log:      log,
		Layout:   layout,
	}
	recon := reconciler.New(deps)
	store := config.NewStore(log)

	c, err := New(layout, store, recon, nil, log)
	require.NoError(t, err)
	t.Cleanup(func() { c.watcher.Close() })
	return c, mk, layout
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestController_LoadAndApplyDefault_ReconcilesExternalAndCore(t *testing.T) {
	c, mk, layout := newTestController(t)
	writeFile(t, layout.ActiveFile(config.DefaultTenantID), testDefaultYAML)

	require.NoError(t, c.LoadAndApplyDefault())

	require.True(t, mk.Namespaces["EXTERNAL"])
	require.True(t, mk.Namespaces["CORE"])
	require.Equal(t, config.ModeHub, c.currentContext().Mode)
}

func TestController_HandleFile_TenantCreatesDownlinkNamespace(t *testing.T) {
	c, mk, layout := newTestController(t)
	writeFile(t, layout.ActiveFile(config.DefaultTenantID), testDefaultYAML)
	require.NoError(t, c.LoadAndApplyDefault())

	tenantPath := layout.ActiveFile("c0001")
	writeFile(t, tenantPath, testTenantYAML)
	require.NoError(t, c.handleFile(tenantPath))

	require.True(t, mk.Namespaces["c0001-00"])
}

func TestController_HandleDelete_TearsDownTenantInstances(t *testing.T) {
	c, mk, layout := newTestController(t)
	writeFile(t, layout.ActiveFile(config.DefaultTenantID), testDefaultYAML)
	require.NoError(t, c.LoadAndApplyDefault())

	tenantPath := layout.ActiveFile("c0001")
	writeFile(t, tenantPath, testTenantYAML)
	require.NoError(t, c.handleFile(tenantPath))
	require.True(t, mk.Namespaces["c0001-00"])

	c.handleDelete(tenantPath)
	require.False(t, mk.Namespaces["c0001-00"])
	require.Nil(t, c.store.Previous("c0001"))
}

func TestController_IgnoresUnrelatedFilenames(t *testing.T) {
	c, _, layout := newTestController(t)
	path := layout.ActiveFile(config.DefaultTenantID)
	_ = path
	require.NoError(t, c.handleFile(filepath.Join(layout.ActiveDir(), "not-a-config.txt")))
}

func TestController_EndpointMode_IgnoresNonDefaultFiles(t *testing.T) {
	c, mk, layout := newTestController(t)
	endpointYAML := `
id: DEFAULT
name: provider
version: "1"
service:
  mode: ENDPOINT
`
	writeFile(t, layout.ActiveFile(config.DefaultTenantID), endpointYAML)
	require.NoError(t, c.LoadAndApplyDefault())

	tenantPath := layout.ActiveFile("c0001")
	writeFile(t, tenantPath, testTenantYAML)
	require.NoError(t, c.handleFile(tenantPath))

	require.False(t, mk.Namespaces["c0001-00"])
}
