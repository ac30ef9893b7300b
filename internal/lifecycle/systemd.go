// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package lifecycle

import (
	"github.com/coreos/go-systemd/v22/daemon"

	"ncubed.io/vpncd/internal/logging"
)

// notifyReady signals READY=1 to systemd for a unit with Type=notify,
// once EXTERNAL, CORE, and the VICI socket are all confirmed up (§4.8).
// A no-op, non-error return when NOTIFY_SOCKET is unset (not running
// under systemd, e.g. interactively or in tests).
func notifyReady(log *logging.Logger) {
	sent, err := daemon.SdNotify(false, daemon.SdNotifyReady)
	if err != nil {
		log.WithError(err).Warn("lifecycle: sd_notify READY failed")
		return
	}
	if sent {
		log.Info("lifecycle: sd_notify READY=1 sent")
	}
}

// notifyStopping signals STOPPING=1 to systemd at the start of shutdown.
func notifyStopping(log *logging.Logger) {
	if _, err := daemon.SdNotify(false, daemon.SdNotifyStopping); err != nil {
		log.WithError(err).Warn("lifecycle: sd_notify STOPPING failed")
	}
}
