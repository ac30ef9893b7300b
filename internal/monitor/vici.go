// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package monitor

import (
	"fmt"
	"strconv"
	"strings"

	"ncubed.io/vpncd/internal/adapters"
	vpncerrors "ncubed.io/vpncd/internal/errors"
	"ncubed.io/vpncd/internal/kernel"
	"ncubed.io/vpncd/internal/logging"
)

// ViciMonitor is the single process-wide VICI event listener (§4.6): it
// classifies ike-updown/child-updown events back into (ni, conn),
// resolves duplicate SAs produced by simultaneous initiation from both
// peers, and sets the connection's xfrm interface up/down — the sole
// authoritative source for xfrm admin state.
type ViciMonitor struct {
	client *adapters.ViciClient
	k      kernel.Kernel
	log    *logging.Logger
}

// NewViciMonitor wires a ViciMonitor around an already-connected client.
func NewViciMonitor(client *adapters.ViciClient, k kernel.Kernel, log *logging.Logger) *ViciMonitor {
	return &ViciMonitor{client: client, k: k, log: log}
}

// Run subscribes to ike-updown and child-updown and processes events
// until stopCh closes.
func (v *ViciMonitor) Run(stopCh <-chan struct{}) error {
	events, cancel, err := v.client.Events("ike-updown", "child-updown")
	if err != nil {
		return err
	}
	defer cancel()
	for {
		select {
		case <-stopCh:
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			name := firstKey(ev.Data)
			if name == "" {
				continue
			}
			if err := v.handleUpdown(name); err != nil {
				v.log.Warn("vici: failed to handle updown event", "conn", name, "error", err)
			}
		}
	}
}

func firstKey(data map[string]any) string {
	for k := range data {
		return k
	}
	return ""
}

// handleUpdown re-fetches the full SA set for one connection name,
// resolves any duplicates, and drives the connection's xfrm interface
// state from the result.
func (v *ViciMonitor) handleUpdown(connName string) error {
	niID, connID, ok := classifyConnName(connName)
	if !ok {
		return vpncerrors.Errorf(vpncerrors.KindSchema, "vici: cannot classify connection name %q", connName)
	}

	sas, err := v.client.ListSAs()
	if err != nil {
		return err
	}

	var group []adapters.SA
	for _, sa := range sas {
		if sa.Name == connName {
			group = append(group, sa)
		}
	}

	survivor, err := v.resolveDuplicateIKE(group)
	if err != nil {
		return err
	}

	up := false
	if survivor != nil && survivor.State == "ESTABLISHED" {
		child, err := v.resolveDuplicateChildren(survivor.ChildSAs)
		if err != nil {
			return err
		}
		up = child != nil && child.State == "INSTALLED"
	}

	state := kernel.LinkDown
	if up {
		state = kernel.LinkUp
	}
	ifname := xfrmIfName(connID)
	if err := v.k.SetLinkState(niID, ifname, state); err != nil {
		return vpncerrors.Wrapf(err, vpncerrors.KindTransientKernel, "set xfrm link %s state in %s", ifname, niID)
	}
	return nil
}

// resolveDuplicateIKE keeps the youngest (largest Established) IKE_SA in
// the group and terminates the rest by ike-id, returning the survivor.
func (v *ViciMonitor) resolveDuplicateIKE(group []adapters.SA) (*adapters.SA, error) {
	if len(group) == 0 {
		return nil, nil
	}
	survivor := &group[0]
	for i := 1; i < len(group); i++ {
		if parseInt(group[i].Established) > parseInt(survivor.Established) {
			survivor = &group[i]
		}
	}
	for i := range group {
		if &group[i] == survivor {
			continue
		}
		if err := v.client.TerminateByUniqueID(group[i].Uniqueid); err != nil {
			return nil, err
		}
	}
	return survivor, nil
}

// resolveDuplicateChildren buckets a survivor IKE_SA's children by their
// (local_ts, remote_ts) selector pair, keeps the largest install-time in
// each bucket, and terminates the rest by child-id. It returns the
// bucket survivor with the largest install-time, whatever its state, or
// the single survivor if there was only one bucket.
func (v *ViciMonitor) resolveDuplicateChildren(children []adapters.ChildSA) (*adapters.ChildSA, error) {
	if len(children) == 0 {
		return nil, nil
	}
	buckets := make(map[string][]adapters.ChildSA)
	for _, c := range children {
		key := strings.Join(c.LocalTS, ",") + "|" + strings.Join(c.RemoteTS, ",")
		buckets[key] = append(buckets[key], c)
	}

	var latest *adapters.ChildSA
	for _, bucket := range buckets {
		survivor := bucket[0]
		for i := 1; i < len(bucket); i++ {
			if parseInt(bucket[i].InstallTime) > parseInt(survivor.InstallTime) {
				survivor = bucket[i]
			}
		}
		for _, c := range bucket {
			if c.UniqueID == survivor.UniqueID {
				continue
			}
			if err := v.client.TerminateChildByUniqueID(c.UniqueID); err != nil {
				return nil, err
			}
		}
		s := survivor
		if latest == nil || parseInt(s.InstallTime) > parseInt(latest.InstallTime) {
			latest = &s
		}
	}
	return latest, nil
}

func parseInt(s string) int64 {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return n
}

// classifyConnName splits a swanctl connection name of the form
// "<ni-id>-<conn-id>" (e.g. "c0001-00-3") back into its namespace and
// numeric connection id, per the naming contract in §6.
func classifyConnName(name string) (niID string, connID int, ok bool) {
	idx := strings.LastIndex(name, "-")
	if idx < 0 || idx == len(name)-1 {
		return "", 0, false
	}
	id, err := strconv.Atoi(name[idx+1:])
	if err != nil {
		return "", 0, false
	}
	return name[:idx], id, true
}

func xfrmIfName(connID int) string { return fmt.Sprintf("xfrm%d", connID) }
