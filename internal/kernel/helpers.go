// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package kernel

import (
	"errors"
	"net"
	"net/netip"
	"strings"
	"syscall"
)

// isEExist, isENoDev, isESrch classify netlink errors that mean "already
// in the desired state" / "already gone" so operations stay idempotent
// rather than surfacing a spurious TransientKernel error on every retry.
func isEExist(err error) bool { return errors.Is(err, syscall.EEXIST) }
func isENoDev(err error) bool {
	return errors.Is(err, syscall.ENODEV) || errors.Is(err, syscall.ENOENT) || strings.Contains(err.Error(), "Link not found")
}
func isESrch(err error) bool { return errors.Is(err, syscall.ESRCH) || errors.Is(err, syscall.ENOENT) }

func toStdIPNet(p netip.Prefix) *net.IPNet {
	addr := p.Masked().Addr()
	return &net.IPNet{
		IP:   addr.AsSlice(),
		Mask: net.CIDRMask(p.Bits(), addr.BitLen()),
	}
}

func stringsReader(s string) *strings.Reader {
	return strings.NewReader(s)
}
