// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package lifecycle

import (
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"ncubed.io/vpncd/internal/adapters"
	"ncubed.io/vpncd/internal/config"
	vpncerrors "ncubed.io/vpncd/internal/errors"
	"ncubed.io/vpncd/internal/kernel"
	"ncubed.io/vpncd/internal/logging"
	"ncubed.io/vpncd/internal/monitor"
	"ncubed.io/vpncd/internal/paths"
	"ncubed.io/vpncd/internal/reconciler"
	"ncubed.io/vpncd/internal/state"
	"ncubed.io/vpncd/internal/watch"
)

// sweeperGrace is the post-startup delay before the VICI sweeper starts
// initiating/terminating connections, so the daemon never races a
// still-negotiating tunnel against a freshly-dialed VICI socket (§5).
const sweeperGrace = 10 * time.Second

// hostNamespace is the special name EnsureNamespace recognizes for the
// initial (DEFAULT) network namespace alias.
const hostNamespace = kernel.DefaultNamespaceName

// Daemon owns the full process lifetime described in §4.8: it wires
// together C1-C7, runs the startup sequence, blocks until asked to
// stop, then tears everything down in reverse.
type Daemon struct {
	layout paths.Layout
	log    *logging.Logger

	registry *state.Registry
	store    *config.Store
	kernel   kernel.Kernel

	swanctl *adapters.Swanctl
	frr     *adapters.FRR
	jool    *adapters.Jool
	mangle  *adapters.VpncMangle
	autossh *AutosshSupervisor

	recon *reconciler.Reconciler
	coord *monitor.Coordinator
	watch *watch.Controller

	vici    *adapters.ViciClient
	viciMon *monitor.ViciMonitor
	sweeper *monitor.Sweeper

	charon      *managedProcess
	vpncmangled *managedProcess
	frrd        *managedProcess
}

// New wires a Daemon around layout using the real kernel/adapter
// implementations. Callers that need fakes (tests) should construct the
// pieces directly rather than going through New.
func New(layout paths.Layout, log *logging.Logger, k kernel.Kernel) *Daemon {
	registry := state.NewRegistry()
	autossh := NewAutosshSupervisor(layout, log)

	deps := reconciler.Deps{
		Kernel:   k,
		Swanctl:  adapters.NewSwanctl(layout),
		FRR:      adapters.NewFRR(layout),
		Jool:     adapters.NewJool(),
		Mangle:   adapters.NewVpncMangle(layout),
		Registry: registry,
		Log:      log,
		Layout:   layout,
		SSH:      autossh,
	}

	d := &Daemon{
		layout:   layout,
		log:      log,
		registry: registry,
		store:    config.NewStore(log),
		kernel:   k,
		swanctl:  deps.Swanctl,
		frr:      deps.FRR,
		jool:     deps.Jool,
		mangle:   deps.Mangle,
		autossh:  autossh,
		recon:    reconciler.New(deps),
	}
	d.coord = monitor.NewCoordinator(monitor.NewLinkWatcher(), k, registry, log)
	return d
}

// Run executes the §4.8 startup sequence, blocks until registry's stop
// channel fires (or an unrecoverable startup error occurs), then tears
// down in reverse order. It returns a non-nil error only for a startup
// failure; a clean shutdown always returns nil.
func (d *Daemon) Run() error {
	if err := d.startup(); err != nil {
		return err
	}
	defer d.shutdown()

	<-d.registry.StopCh()
	return nil
}

// Stop requests an orderly shutdown; Run's caller observes it by Run
// returning once teardown completes.
func (d *Daemon) Stop() {
	d.registry.Stop()
}

func (d *Daemon) startup() error {
	// 1. Load DEFAULT.
	defaultPath := d.layout.ActiveFile(config.DefaultTenantID)
	if _, err := os.Stat(defaultPath); err != nil {
		return vpncerrors.Wrapf(err, vpncerrors.KindSchema, "DEFAULT config missing at %s", defaultPath)
	}

	w, err := watch.New(d.layout, d.store, d.recon, d.coord, d.log)
	if err != nil {
		return err
	}
	d.watch = w

	// Ensure the DEFAULT namespace alias is mounted before anything
	// else touches the kernel.
	if err := d.kernel.EnsureNamespace(hostNamespace); err != nil {
		return vpncerrors.Wrap(err, vpncerrors.KindTransientKernel, "mount DEFAULT namespace alias")
	}

	// 2. Reconcile EXTERNAL/CORE from DEFAULT.
	if err := d.watch.LoadAndApplyDefault(); err != nil {
		return vpncerrors.Wrap(err, vpncerrors.KindSchema, "reconcile DEFAULT config")
	}

	svc := d.store.Previous(config.DefaultTenantID)
	if svc == nil || svc.Service == nil {
		return vpncerrors.New(vpncerrors.KindSchema, "DEFAULT config loaded but carries no service block")
	}

	// 3. Start Strongswan (charon) inside EXTERNAL.
	d.charon = newManagedProcess("charon", "ip", []string{"netns", "exec", "EXTERNAL", "charon"}, d.layout, d.log)
	if err := d.charon.start(); err != nil {
		return vpncerrors.Wrap(err, vpncerrors.KindExternalUnavailable, "start strongswan charon")
	}

	// 4. Wait for VICI with retries (NewViciClient retries internally).
	vici, err := adapters.NewViciClient(d.layout, d.log)
	if err != nil {
		return err
	}
	d.vici = vici

	// 5. Start the SA duplicate-resolution monitor thread.
	d.viciMon = monitor.NewViciMonitor(d.vici, d.kernel, d.log)
	go func() {
		if err := d.viciMon.Run(d.registry.StopCh()); err != nil {
			d.log.WithError(err).Error("lifecycle: vici monitor exited")
		}
	}()

	// 6. Hub mode: modprobe jool, launch vpncmangle inside CORE, start FRR.
	if svc.Service.Mode == config.ModeHub {
		if err := modprobeJool(); err != nil {
			d.log.WithError(err).Warn("lifecycle: modprobe jool failed, NAT64 instances will not come up")
		}
		d.vpncmangled = newManagedProcess("vpncmangle", "ip",
			[]string{"netns", "exec", "CORE", "vpncmangle", "-config", d.layout.VpncmangleTranslationsFile()}, d.layout, d.log)
		if err := d.vpncmangled.start(); err != nil {
			d.log.WithError(err).Error("lifecycle: failed to start vpncmangle")
		}
		d.frrd = newManagedProcess("frr", "ip", []string{"netns", "exec", "CORE", "watchfrr"}, d.layout, d.log)
		if err := d.frrd.start(); err != nil {
			d.log.WithError(err).Error("lifecycle: failed to start frr (watchfrr)")
		}
	}

	// 7. Start the VICI sweeper after the grace period.
	d.sweeper = monitor.NewSweeper(d.vici, d.log)
	go func() {
		select {
		case <-time.After(sweeperGrace):
		case <-d.registry.StopCh():
			return
		}
		d.sweeper.Run(d.registry.StopCh())
	}()

	// 8. Start the file watcher.
	go func() {
		if err := d.watch.Run(d.registry.StopCh()); err != nil {
			d.log.WithError(err).Error("lifecycle: file watch controller exited")
		}
	}()

	// 9. Load all tenant files already present.
	if err := d.loadExistingTenants(); err != nil {
		d.log.WithError(err).Warn("lifecycle: failed to load one or more existing tenant files")
	}

	notifyReady(d.log)
	return nil
}

// loadExistingTenants walks ActiveDir once at startup and loads every
// tenant file already there, since the watcher only observes changes
// from this point forward.
func (d *Daemon) loadExistingTenants() error {
	entries, err := os.ReadDir(d.layout.ActiveDir())
	if err != nil {
		return vpncerrors.Wrapf(err, vpncerrors.KindInternal, "list %s", d.layout.ActiveDir())
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		id := config.IDFromFilename(e.Name())
		if id == "" || id == config.DefaultTenantID {
			continue
		}
		path := filepath.Join(d.layout.ActiveDir(), e.Name())
		if err := d.watch.HandleFile(path); err != nil {
			d.log.WithError(err).Warn("lifecycle: failed to load tenant file at startup", "file", e.Name())
		}
	}
	return nil
}

func modprobeJool() error {
	_, err := exec.Command("modprobe", "jool").CombinedOutput()
	return err
}

func (d *Daemon) shutdown() {
	notifyStopping(d.log)

	// The sweeper and VICI monitor goroutines observe registry.StopCh()
	// directly and exit on their own; nothing further to signal here.
	if d.vici != nil {
		_ = d.vici.Close()
	}

	d.autossh.StopAll()

	for _, p := range []*managedProcess{d.frrd, d.vpncmangled, d.charon} {
		if p == nil {
			continue
		}
		if err := p.stop(); err != nil {
			d.log.WithError(err).Warn("lifecycle: failed to stop subprocess cleanly")
		}
	}
}
