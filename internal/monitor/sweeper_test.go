// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package monitor

import (
	"testing"

	"github.com/stretchr/testify/require"

	"ncubed.io/vpncd/internal/adapters"
	"ncubed.io/vpncd/internal/logging"
)

func TestSweeper_InitiatesMissingAndTerminatesExtra(t *testing.T) {
	ft := newFakeViciTransport()
	ft.responses["list_conns"] = []map[string]any{
		{"c0001-00-0": map[string]any{}},
		{"c0001-00-1": map[string]any{}},
	}
	ft.responses["list_sas"] = []map[string]any{
		{"c0001-00-0": map[string]any{"state": "ESTABLISHED", "uniqueid": "1"}},
		{"c0002-00-0": map[string]any{"state": "ESTABLISHED", "uniqueid": "2"}},
	}
	client := adapters.NewViciClientWithTransport(ft, logging.NewDiscard())
	s := NewSweeper(client, logging.NewDiscard())

	require.NoError(t, s.sweepOnce())

	var initiated, terminated []string
	for _, req := range ft.requests {
		switch req["command"] {
		case "initiate":
			initiated = append(initiated, req["child"].(string))
		case "terminate":
			terminated = append(terminated, req["ike"].(string))
		}
	}
	require.Equal(t, []string{"c0001-00-1"}, initiated)
	require.Equal(t, []string{"c0002-00-0"}, terminated)
}
