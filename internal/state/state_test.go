// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package state

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRegistry_NILockIsPerInstance(t *testing.T) {
	r := NewRegistry()
	a := r.NILock("c0001-00")
	b := r.NILock("c0001-01")
	require.NotSame(t, a, b)
	require.Same(t, a, r.NILock("c0001-00"))
}

func TestRegistry_StopIsOneShot(t *testing.T) {
	r := NewRegistry()
	require.False(t, r.Stopped())
	r.Stop()
	r.Stop() // must not panic on double-close
	require.True(t, r.Stopped())
	<-r.StopCh()
}

func TestRegistry_WithNILockSerializes(t *testing.T) {
	r := NewRegistry()
	order := make([]int, 0, 2)
	done := make(chan struct{})
	go func() {
		_ = r.WithNILock("c0001-00", func() error {
			order = append(order, 1)
			return nil
		})
		close(done)
	}()
	<-done
	_ = r.WithNILock("c0001-00", func() error {
		order = append(order, 2)
		return nil
	})
	require.Equal(t, []int{1, 2}, order)
}
