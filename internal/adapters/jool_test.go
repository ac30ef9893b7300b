// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package adapters

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestJool_EnsureInstance_FlushesThenAdds(t *testing.T) {
	var calls []string
	j := &Jool{runCmd: func(name string, args ...string) ([]byte, error) {
		calls = append(calls, name+" "+joinArgs(args))
		return nil, nil
	}}

	pool6 := netip.MustParsePrefix("64:ff9b:0:0:c:1:0::/96")
	require.NoError(t, j.EnsureInstance("c0001-00", "c0001-00", pool6))
	require.Len(t, calls, 2)
	require.Contains(t, calls[0], "instance flush")
	require.Contains(t, calls[1], "--pool6 64:ff9b:0:0:c:1:0::/96")
}

func joinArgs(args []string) string {
	out := ""
	for i, a := range args {
		if i > 0 {
			out += " "
		}
		out += a
	}
	return out
}
