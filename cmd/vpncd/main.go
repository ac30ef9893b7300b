// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Command vpncd is the multi-tenant IPsec/VPN concentrator daemon.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jessevdk/go-flags"

	"ncubed.io/vpncd/internal/config"
	vpncerrors "ncubed.io/vpncd/internal/errors"
	"ncubed.io/vpncd/internal/kernel"
	"ncubed.io/vpncd/internal/lifecycle"
	"ncubed.io/vpncd/internal/logging"
	"ncubed.io/vpncd/internal/paths"
)

type options struct {
	ConfigDir  string `long:"config-dir" description:"root directory of the filesystem layout" default:"/"`
	LogLevel   string `long:"log-level" description:"debug, info, warn, or error" default:"info"`
	LogJSON    bool   `long:"log-json" description:"emit structured JSON log records"`
	Foreground bool   `long:"foreground" description:"log to stderr only instead of the rotating log directory"`
}

func main() {
	os.Exit(run())
}

func run() int {
	var opts options
	if _, err := flags.Parse(&opts); err != nil {
		if flags.WroteHelp(err) {
			return 0
		}
		return 1
	}

	layout := paths.New(opts.ConfigDir)

	logCfg := logging.DefaultConfig()
	logCfg.Level = opts.LogLevel
	logCfg.JSON = opts.LogJSON
	if !opts.Foreground {
		logCfg.Dir = layout.LogDir()
	}
	log := logging.New(logCfg)

	config.SetMigrationClock(func() int64 { return time.Now().Unix() })

	d := lifecycle.New(layout, log, kernel.NewLinuxKernel(layout, log))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		<-sigCh
		log.Info("vpncd: shutdown signal received")
		d.Stop()
	}()

	if err := d.Run(); err != nil {
		if vpncerrors.GetKind(err) == vpncerrors.KindSchema {
			fmt.Fprintf(os.Stderr, "vpncd: bad or missing DEFAULT config: %v\n", err)
		} else {
			fmt.Fprintf(os.Stderr, "vpncd: startup failed: %v\n", err)
		}
		return 1
	}
	return 0
}
