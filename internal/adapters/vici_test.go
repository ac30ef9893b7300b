// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package adapters

import (
	"testing"

	"github.com/stretchr/testify/require"

	"ncubed.io/vpncd/internal/logging"
)

type fakeTransport struct {
	requests  []string
	responses map[string][]map[string]any
	events    chan ViciEvent
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{responses: make(map[string][]map[string]any), events: make(chan ViciEvent, 8)}
}

func (f *fakeTransport) Request(command string, args map[string]any) ([]map[string]any, error) {
	f.requests = append(f.requests, command)
	return f.responses[command], nil
}

func (f *fakeTransport) Listen(events []string) (<-chan ViciEvent, func(), error) {
	return f.events, func() { close(f.events) }, nil
}

func (f *fakeTransport) Close() error { return nil }

func TestViciClient_ListSAs(t *testing.T) {
	ft := newFakeTransport()
	ft.responses["list_sas"] = []map[string]any{
		{"c0001-00-0": map[string]any{"state": "ESTABLISHED", "uniqueid": "7"}},
	}
	c := NewViciClientWithTransport(ft, logging.NewDiscard())

	sas, err := c.ListSAs()
	require.NoError(t, err)
	require.Len(t, sas, 1)
	require.Equal(t, "c0001-00-0", sas[0].Name)
	require.Equal(t, "ESTABLISHED", sas[0].State)
}

func TestViciClient_ListSAs_ParsesChildSAs(t *testing.T) {
	ft := newFakeTransport()
	ft.responses["list_sas"] = []map[string]any{
		{"c0001-00-0": map[string]any{
			"state": "ESTABLISHED", "uniqueid": "7", "established": "120",
			"child-sas": map[string]any{
				"c0001-00-0": map[string]any{
					"state": "INSTALLED", "uniqueid": "9", "install-time": "90",
					"local-ts":  []any{"10.0.0.0/24"},
					"remote-ts": []any{"10.1.0.0/24"},
				},
			},
		}},
	}
	c := NewViciClientWithTransport(ft, logging.NewDiscard())

	sas, err := c.ListSAs()
	require.NoError(t, err)
	require.Len(t, sas, 1)
	require.Equal(t, "120", sas[0].Established)
	require.Len(t, sas[0].ChildSAs, 1)
	require.Equal(t, "9", sas[0].ChildSAs[0].UniqueID)
	require.Equal(t, []string{"10.0.0.0/24"}, sas[0].ChildSAs[0].LocalTS)
}

func TestViciClient_ListConns(t *testing.T) {
	ft := newFakeTransport()
	ft.responses["list_conns"] = []map[string]any{
		{"c0001-00-0": map[string]any{}},
		{"c0001-00-1": map[string]any{}},
	}
	c := NewViciClientWithTransport(ft, logging.NewDiscard())

	names, err := c.ListConns()
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"c0001-00-0", "c0001-00-1"}, names)
}

func TestViciClient_InitiateAndTerminate(t *testing.T) {
	ft := newFakeTransport()
	c := NewViciClientWithTransport(ft, logging.NewDiscard())

	require.NoError(t, c.Initiate("c0001-00-0"))
	require.NoError(t, c.Terminate("c0001-00-0"))
	require.Equal(t, []string{"initiate", "terminate"}, ft.requests)
}

func TestViciClient_Events(t *testing.T) {
	ft := newFakeTransport()
	c := NewViciClientWithTransport(ft, logging.NewDiscard())

	ch, cancel, err := c.Events("ike-updown")
	require.NoError(t, err)
	defer cancel()

	ft.events <- ViciEvent{Name: "ike-updown", Data: map[string]any{"up": "yes"}}
	ev := <-ch
	require.Equal(t, "ike-updown", ev.Name)
	require.Equal(t, "yes", ev.Data["up"])
}
