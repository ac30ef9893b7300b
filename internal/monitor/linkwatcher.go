// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package monitor implements C6: one netlink link-state subscription
// per active network instance plus a single process-wide Strongswan
// VICI event listener, duplicate-SA resolution, and the periodic
// configured-vs-active sweeper.
package monitor

import (
	"runtime"

	"github.com/vishvananda/netlink"
	"github.com/vishvananda/netns"
	"golang.org/x/sys/unix"

	vpncerrors "ncubed.io/vpncd/internal/errors"
)

// LinkEvent is a simplified RTM_NEWLINK/RTM_DELLINK notification: the
// interface name and whether its operational state (IFLA_OPERSTATE) is
// now up, or it has been removed entirely (Deleted).
type LinkEvent struct {
	Ifname  string
	Up      bool
	Deleted bool
}

// LinkWatcher subscribes to link-state changes in one namespace.
type LinkWatcher interface {
	Subscribe(ns string) (<-chan LinkEvent, func(), error)
}

// netlinkLinkWatcher is the production LinkWatcher, grounded on the same
// per-thread namespace-handle idiom the kernel package uses: open the
// namespace once, hand its handle to netlink.LinkSubscribeAt, and let
// the subscription outlive the opening goroutine until cancel closes
// the done channel.
type netlinkLinkWatcher struct{}

// NewLinkWatcher returns the production netlink-backed LinkWatcher.
func NewLinkWatcher() LinkWatcher { return netlinkLinkWatcher{} }

func (netlinkLinkWatcher) Subscribe(ns string) (<-chan LinkEvent, func(), error) {
	runtime.LockOSThread()
	handle, err := netns.GetFromName(ns)
	runtime.UnlockOSThread()
	if err != nil {
		return nil, nil, vpncerrors.Wrapf(err, vpncerrors.KindTransientKernel, "open namespace %s for link subscription", ns)
	}

	updates := make(chan netlink.LinkUpdate, 64)
	done := make(chan struct{})
	if err := netlink.LinkSubscribeAt(handle, updates, done); err != nil {
		handle.Close()
		return nil, nil, vpncerrors.Wrapf(err, vpncerrors.KindTransientKernel, "subscribe to link updates in %s", ns)
	}

	out := make(chan LinkEvent, 64)
	go func() {
		defer close(out)
		defer handle.Close()
		for {
			select {
			case <-done:
				return
			case u, ok := <-updates:
				if !ok {
					return
				}
				ev := LinkEvent{
					Ifname:  u.Link.Attrs().Name,
					Up:      u.Link.Attrs().OperState == netlink.OperUp,
					Deleted: u.Header.Type == unix.RTM_DELLINK,
				}
				select {
				case out <- ev:
				case <-done:
					return
				}
			}
		}
	}()

	cancel := func() { close(done) }
	return out, cancel, nil
}
