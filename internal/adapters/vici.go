// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package adapters

import (
	"fmt"
	"net"
	"time"

	vpncerrors "ncubed.io/vpncd/internal/errors"
	"ncubed.io/vpncd/internal/logging"
	"ncubed.io/vpncd/internal/paths"
)

// ViciTransport is the minimal wire surface the VICI client needs. The
// real implementation dials the Strongswan Unix socket; tests supply an
// in-memory fake so the monitor's event-driven logic can be exercised
// without a running charon.
type ViciTransport interface {
	Request(command string, args map[string]any) ([]map[string]any, error)
	Listen(events []string) (<-chan ViciEvent, func(), error)
	Close() error
}

// ViciEvent is one event-stream message (ike-updown, child-updown, ...).
type ViciEvent struct {
	Name string
	Data map[string]any
}

// ChildSA summarizes one CHILD_SA nested under an IKE_SA, as reported by
// list_sas. LocalTS/RemoteTS are used to bucket duplicate children for
// resolution (§4.6); InstallTime is compared to find the youngest.
type ChildSA struct {
	Name        string
	State       string
	UniqueID    string
	LocalTS     []string
	RemoteTS    []string
	InstallTime string
}

// SA summarizes one IKE_SA as reported by list_sas, including its child
// SAs so the monitor can bucket and resolve duplicates without a second
// round-trip.
type SA struct {
	Name        string
	State       string
	Uniqueid    string
	Established string
	ChildSAs    []ChildSA
}

// ViciClient wraps a ViciTransport with the handful of operations the
// reconciler and monitor need: enumerate SAs, initiate/terminate a
// connection by name, and subscribe to up/down events.
type ViciClient struct {
	transport ViciTransport
	log       *logging.Logger
}

// NewViciClient dials the VICI Unix socket at the daemon's well-known
// path, retrying with backoff since charon may still be starting when
// the concentrator comes up (bootstrap ordering in §4.7).
func NewViciClient(layout paths.Layout, log *logging.Logger) (*ViciClient, error) {
	const maxAttempts = 10
	var lastErr error
	backoff := 200 * time.Millisecond
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		conn, err := net.DialTimeout("unix", layout.VICISocket(), 2*time.Second)
		if err == nil {
			return &ViciClient{transport: newSocketTransport(conn), log: log}, nil
		}
		lastErr = err
		log.Warn("vici: dial attempt failed", "attempt", attempt, "error", err)
		time.Sleep(backoff)
		if backoff < 5*time.Second {
			backoff *= 2
		}
	}
	return nil, vpncerrors.Wrap(lastErr, vpncerrors.KindExternalUnavailable, "vici: charon unreachable after retries")
}

// NewViciClientWithTransport wires a client around a supplied transport,
// used by tests to inject a mock.
func NewViciClientWithTransport(t ViciTransport, log *logging.Logger) *ViciClient {
	return &ViciClient{transport: t, log: log}
}

func (c *ViciClient) Close() error { return c.transport.Close() }

// ListSAs returns every active IKE_SA known to charon, each carrying its
// nested child SAs for duplicate-resolution bucketing.
func (c *ViciClient) ListSAs() ([]SA, error) {
	rows, err := c.transport.Request("list_sas", nil)
	if err != nil {
		return nil, vpncerrors.Wrap(err, vpncerrors.KindExternalUnavailable, "vici: list_sas")
	}
	sas := make([]SA, 0, len(rows))
	for _, row := range rows {
		for name, v := range row {
			entry, ok := v.(map[string]any)
			if !ok {
				continue
			}
			sa := SA{
				Name:        name,
				State:       fmt.Sprintf("%v", entry["state"]),
				Uniqueid:    fmt.Sprintf("%v", entry["uniqueid"]),
				Established: fmt.Sprintf("%v", entry["established"]),
			}
			if children, ok := entry["child-sas"].(map[string]any); ok {
				for cname, cv := range children {
					child, ok := cv.(map[string]any)
					if !ok {
						continue
					}
					sa.ChildSAs = append(sa.ChildSAs, ChildSA{
						Name:        cname,
						State:       fmt.Sprintf("%v", child["state"]),
						UniqueID:    fmt.Sprintf("%v", child["uniqueid"]),
						LocalTS:     toStringSlice(child["local-ts"]),
						RemoteTS:    toStringSlice(child["remote-ts"]),
						InstallTime: fmt.Sprintf("%v", child["install-time"]),
					})
				}
			}
			sas = append(sas, sa)
		}
	}
	return sas, nil
}

func toStringSlice(v any) []string {
	raw, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, e := range raw {
		out = append(out, fmt.Sprintf("%v", e))
	}
	return out
}

// ListConns returns the names of every connection currently loaded into
// charon's config (swanctl --load-all state), used by the sweeper to
// detect configured-but-inactive connections (§4.6).
func (c *ViciClient) ListConns() ([]string, error) {
	rows, err := c.transport.Request("list_conns", nil)
	if err != nil {
		return nil, vpncerrors.Wrap(err, vpncerrors.KindExternalUnavailable, "vici: list_conns")
	}
	names := make([]string, 0, len(rows))
	for _, row := range rows {
		for name := range row {
			names = append(names, name)
		}
	}
	return names, nil
}

// Initiate brings up the named child SA (start_action = start path, or
// an operator-triggered re-initiate).
func (c *ViciClient) Initiate(child string) error {
	_, err := c.transport.Request("initiate", map[string]any{"child": child})
	if err != nil {
		return vpncerrors.Wrapf(err, vpncerrors.KindExternalUnavailable, "vici: initiate %s", child)
	}
	return nil
}

// Terminate tears down the named IKE_SA, used on connection deletion
// and duplicate-SA resolution (§4.6).
func (c *ViciClient) Terminate(ikeSA string) error {
	_, err := c.transport.Request("terminate", map[string]any{"ike": ikeSA})
	if err != nil {
		return vpncerrors.Wrapf(err, vpncerrors.KindExternalUnavailable, "vici: terminate %s", ikeSA)
	}
	return nil
}

// TerminateByUniqueID tears down one specific IKE_SA instance, used
// when two SAs race for the same connection name and only the younger
// (or older, depending on policy) must be killed.
func (c *ViciClient) TerminateByUniqueID(uniqueID string) error {
	_, err := c.transport.Request("terminate", map[string]any{"ike-id": uniqueID})
	if err != nil {
		return vpncerrors.Wrapf(err, vpncerrors.KindExternalUnavailable, "vici: terminate unique-id %s", uniqueID)
	}
	return nil
}

// TerminateChildByUniqueID tears down one specific CHILD_SA instance,
// used when duplicate-SA resolution finds more than one child sharing
// the same (local_ts, remote_ts) selector pair (§4.6).
func (c *ViciClient) TerminateChildByUniqueID(uniqueID string) error {
	_, err := c.transport.Request("terminate", map[string]any{"child-id": uniqueID})
	if err != nil {
		return vpncerrors.Wrapf(err, vpncerrors.KindExternalUnavailable, "vici: terminate child unique-id %s", uniqueID)
	}
	return nil
}

// Events subscribes to the named VICI event stream (ike-updown,
// child-updown) and returns a channel of decoded events plus an
// unsubscribe func.
func (c *ViciClient) Events(events ...string) (<-chan ViciEvent, func(), error) {
	ch, cancel, err := c.transport.Listen(events)
	if err != nil {
		return nil, nil, vpncerrors.Wrap(err, vpncerrors.KindExternalUnavailable, "vici: subscribe to events")
	}
	return ch, cancel, nil
}
