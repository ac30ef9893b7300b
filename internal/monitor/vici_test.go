// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package monitor

import (
	"testing"

	"github.com/stretchr/testify/require"

	"ncubed.io/vpncd/internal/adapters"
	"ncubed.io/vpncd/internal/kernel"
	"ncubed.io/vpncd/internal/logging"
)

type fakeViciTransport struct {
	responses map[string][]map[string]any
	requests  []map[string]any
}

func newFakeViciTransport() *fakeViciTransport {
	return &fakeViciTransport{responses: make(map[string][]map[string]any)}
}

func (f *fakeViciTransport) Request(command string, args map[string]any) ([]map[string]any, error) {
	req := map[string]any{"command": command}
	for k, v := range args {
		req[k] = v
	}
	f.requests = append(f.requests, req)
	return f.responses[command], nil
}

func (f *fakeViciTransport) Listen(events []string) (<-chan adapters.ViciEvent, func(), error) {
	ch := make(chan adapters.ViciEvent)
	return ch, func() {}, nil
}

func (f *fakeViciTransport) Close() error { return nil }

func TestClassifyConnName(t *testing.T) {
	niID, connID, ok := classifyConnName("c0001-00-3")
	require.True(t, ok)
	require.Equal(t, "c0001-00", niID)
	require.Equal(t, 3, connID)

	_, _, ok = classifyConnName("noconnid")
	require.False(t, ok)
}

func TestViciMonitor_HandleUpdown_ResolvesDuplicateIKEAndSetsXfrmUp(t *testing.T) {
	ft := newFakeViciTransport()
	ft.responses["list_sas"] = []map[string]any{
		{"c0001-00-0": map[string]any{
			"state": "ESTABLISHED", "uniqueid": "1", "established": "50",
			"child-sas": map[string]any{
				"c0001-00-0": map[string]any{
					"state": "INSTALLED", "uniqueid": "10", "install-time": "40",
					"local-ts": []any{"10.0.0.0/24"}, "remote-ts": []any{"10.1.0.0/24"},
				},
			},
		}},
		{"c0001-00-0": map[string]any{
			"state": "ESTABLISHED", "uniqueid": "2", "established": "90",
			"child-sas": map[string]any{
				"c0001-00-0": map[string]any{
					"state": "INSTALLED", "uniqueid": "11", "install-time": "80",
					"local-ts": []any{"10.0.0.0/24"}, "remote-ts": []any{"10.1.0.0/24"},
				},
			},
		}},
	}
	client := adapters.NewViciClientWithTransport(ft, logging.NewDiscard())
	mk := kernel.NewMockKernel()
	v := NewViciMonitor(client, mk, logging.NewDiscard())

	require.NoError(t, v.handleUpdown("c0001-00-0"))

	require.Equal(t, kernel.LinkUp, mk.LinkStates["c0001-00"]["xfrm0"])

	// The older IKE SA (uniqueid 1, established=50) must be terminated.
	var terminated []string
	for _, req := range ft.requests {
		if req["command"] == "terminate" {
			if id, ok := req["ike-id"]; ok {
				terminated = append(terminated, id.(string))
			}
		}
	}
	require.Equal(t, []string{"1"}, terminated)
}

func TestViciMonitor_HandleUpdown_NotEstablishedSetsXfrmDown(t *testing.T) {
	ft := newFakeViciTransport()
	ft.responses["list_sas"] = []map[string]any{
		{"c0001-00-0": map[string]any{"state": "CONNECTING", "uniqueid": "1", "established": "0"}},
	}
	client := adapters.NewViciClientWithTransport(ft, logging.NewDiscard())
	mk := kernel.NewMockKernel()
	v := NewViciMonitor(client, mk, logging.NewDiscard())

	require.NoError(t, v.handleUpdown("c0001-00-0"))
	require.Equal(t, kernel.LinkDown, mk.LinkStates["c0001-00"]["xfrm0"])
}

func TestResolveDuplicateChildren_BucketsBySelectorAndKeepsLatest(t *testing.T) {
	client := adapters.NewViciClientWithTransport(newFakeViciTransport(), logging.NewDiscard())
	v := NewViciMonitor(client, kernel.NewMockKernel(), logging.NewDiscard())
	children := []adapters.ChildSA{
		{UniqueID: "1", State: "INSTALLED", LocalTS: []string{"10.0.0.0/24"}, RemoteTS: []string{"10.1.0.0/24"}, InstallTime: "10"},
		{UniqueID: "2", State: "INSTALLED", LocalTS: []string{"10.0.0.0/24"}, RemoteTS: []string{"10.1.0.0/24"}, InstallTime: "20"},
	}
	latest, err := v.resolveDuplicateChildren(children)
	require.NoError(t, err)
	require.Equal(t, "2", latest.UniqueID)
}
