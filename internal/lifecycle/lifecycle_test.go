// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package lifecycle

import (
	"testing"

	"ncubed.io/vpncd/internal/logging"
	"ncubed.io/vpncd/internal/paths"
)

func testLayout(t *testing.T) paths.Layout {
	t.Helper()
	return paths.New(t.TempDir())
}

func testLog() *logging.Logger {
	return logging.NewDiscard()
}
