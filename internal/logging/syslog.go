// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package logging

import (
	"fmt"
	"net"
	"time"

	vpncerrors "ncubed.io/vpncd/internal/errors"
)

// SyslogConfig controls forwarding of log records to a remote syslog
// collector, in addition to the local log file and stderr.
type SyslogConfig struct {
	Enabled  bool
	Host     string
	Port     int
	Protocol string // "udp" or "tcp"
	Tag      string
	Facility int
}

// DefaultSyslogConfig returns remote syslog forwarding disabled, with the
// remaining fields set to what would be used if it were enabled with only
// a Host given.
func DefaultSyslogConfig() SyslogConfig {
	return SyslogConfig{
		Enabled:  false,
		Port:     514,
		Protocol: "udp",
		Tag:      "vpncd",
		Facility: 1, // user-level
	}
}

// SyslogWriter forwards log records to a remote syslog collector over a
// long-lived UDP or TCP connection.
type SyslogWriter struct {
	conn     net.Conn
	tag      string
	facility int
}

// NewSyslogWriter dials the configured remote syslog collector. Zero-valued
// Port, Protocol, and Tag fields are defaulted the same way
// DefaultSyslogConfig sets them.
func NewSyslogWriter(cfg SyslogConfig) (*SyslogWriter, error) {
	if cfg.Host == "" {
		return nil, vpncerrors.New(vpncerrors.KindSchema, "syslog: host is required when enabled")
	}
	if cfg.Port == 0 {
		cfg.Port = 514
	}
	if cfg.Protocol == "" {
		cfg.Protocol = "udp"
	}
	if cfg.Tag == "" {
		cfg.Tag = "vpncd"
	}

	addr := net.JoinHostPort(cfg.Host, fmt.Sprintf("%d", cfg.Port))
	conn, err := net.DialTimeout(cfg.Protocol, addr, 5*time.Second)
	if err != nil {
		return nil, vpncerrors.Wrapf(err, vpncerrors.KindExternalUnavailable, "syslog: dial %s", addr)
	}

	return &SyslogWriter{conn: conn, tag: cfg.Tag, facility: cfg.Facility}, nil
}

// Write implements io.Writer, framing p as an RFC 3164 syslog message.
func (w *SyslogWriter) Write(p []byte) (int, error) {
	priority := w.facility*8 + 6 // informational severity
	msg := fmt.Sprintf("<%d>%s %s: %s", priority, time.Now().Format(time.Stamp), w.tag, p)
	if _, err := w.conn.Write([]byte(msg)); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Close closes the underlying connection.
func (w *SyslogWriter) Close() error {
	return w.conn.Close()
}
