// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package monitor

import (
	"time"

	"ncubed.io/vpncd/internal/adapters"
	"ncubed.io/vpncd/internal/logging"
)

// DefaultSweepInterval is the cadence of the configured-vs-active
// reconciliation sweep (§4.6).
const DefaultSweepInterval = 30 * time.Second

// Sweeper periodically compares charon's configured connections against
// its active SAs and nudges the two back into agreement: initiating
// anything configured-but-missing, terminating anything active-but-not-
// configured.
type Sweeper struct {
	client   *adapters.ViciClient
	log      *logging.Logger
	interval time.Duration
}

// NewSweeper builds a Sweeper with the default 30s interval.
func NewSweeper(client *adapters.ViciClient, log *logging.Logger) *Sweeper {
	return &Sweeper{client: client, log: log, interval: DefaultSweepInterval}
}

// Run blocks, sweeping on every tick, until stopCh closes. Callers
// should delay calling Run until after a short post-startup grace
// period so the sweeper never races VICI's own readiness (§5).
func (s *Sweeper) Run(stopCh <-chan struct{}) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			if err := s.sweepOnce(); err != nil {
				s.log.Warn("vici sweeper: sweep failed", "error", err)
			}
		}
	}
}

func (s *Sweeper) sweepOnce() error {
	configured, err := s.client.ListConns()
	if err != nil {
		return err
	}
	active, err := s.client.ListSAs()
	if err != nil {
		return err
	}

	activeNames := make(map[string]bool, len(active))
	for _, sa := range active {
		activeNames[sa.Name] = true
	}

	for _, name := range configured {
		if !activeNames[name] {
			s.log.Info("vici sweeper: initiating missing connection", "conn", name)
			if err := s.client.Initiate(name); err != nil {
				s.log.Warn("vici sweeper: initiate failed", "conn", name, "error", err)
			}
		}
	}

	configuredNames := make(map[string]bool, len(configured))
	for _, name := range configured {
		configuredNames[name] = true
	}
	for _, sa := range active {
		if !configuredNames[sa.Name] {
			s.log.Info("vici sweeper: terminating unconfigured SA", "conn", sa.Name)
			if err := s.client.Terminate(sa.Name); err != nil {
				s.log.Warn("vici sweeper: terminate failed", "conn", sa.Name, "error", err)
			}
		}
	}
	return nil
}
