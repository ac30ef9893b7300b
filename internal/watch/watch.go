// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package watch implements C7: the fsnotify-driven controller that
// watches the active config directory, debounces bursts of filesystem
// events per file, loads the changed document through C3, diffs its
// network instances against what was last applied, and drives C5 (the
// reconciler) and C6 (the link-state monitor) to match.
package watch

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"ncubed.io/vpncd/internal/config"
	vpncerrors "ncubed.io/vpncd/internal/errors"
	"ncubed.io/vpncd/internal/logging"
	"ncubed.io/vpncd/internal/monitor"
	"ncubed.io/vpncd/internal/paths"
	"ncubed.io/vpncd/internal/reconciler"
)

// debounceInterval is the settle time §4.7 specifies before a burst of
// filesystem events for the same path is treated as one change.
const debounceInterval = 100 * time.Millisecond

// Controller is C7's file-watch dispatcher.
type Controller struct {
	layout   paths.Layout
	store    *config.Store
	recon    *reconciler.Reconciler
	coord    *monitor.Coordinator
	log      *logging.Logger
	watcher  *fsnotify.Watcher

	mu       sync.Mutex
	timers   map[string]*time.Timer
	selfHash map[string]string // id -> content hash this controller itself wrote back

	svcMu  sync.RWMutex
	svcCtx reconciler.Context
}

// New builds a Controller watching layout.ActiveDir(). The caller must
// have already reconciled DEFAULT (EXTERNAL/CORE) at least once before
// calling Run, since the initial svcCtx is empty until the first DEFAULT
// load arrives through the watcher (bootstrap loads DEFAULT directly,
// see C8, which should call LoadAndApplyDefault before Run starts).
func New(layout paths.Layout, store *config.Store, recon *reconciler.Reconciler, coord *monitor.Coordinator, log *logging.Logger) (*Controller, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, vpncerrors.Wrap(err, vpncerrors.KindInternal, "create fsnotify watcher")
	}
	if err := fw.Add(layout.ActiveDir()); err != nil {
		fw.Close()
		return nil, vpncerrors.Wrapf(err, vpncerrors.KindInternal, "watch %s", layout.ActiveDir())
	}
	return &Controller{
		layout:   layout,
		store:    store,
		recon:    recon,
		coord:    coord,
		log:      log,
		watcher:  fw,
		timers:   make(map[string]*time.Timer),
		selfHash: make(map[string]string),
	}, nil
}

// LoadAndApplyDefault loads DEFAULT.yaml directly (outside the debounced
// event path) for bootstrap, updating svcCtx and reconciling its network
// instances (EXTERNAL/CORE).
func (c *Controller) LoadAndApplyDefault() error {
	return c.handleFile(c.layout.ActiveFile(config.DefaultTenantID))
}

// HandleFile loads and reconciles the tenant file at path immediately,
// outside the debounced event path. Used by bootstrap (C8) to load every
// tenant file already present in ActiveDir before the watcher starts.
func (c *Controller) HandleFile(path string) error {
	return c.handleFile(path)
}

// Run processes debounced file events until stopCh closes.
func (c *Controller) Run(stopCh <-chan struct{}) error {
	defer c.watcher.Close()
	for {
		select {
		case <-stopCh:
			return nil
		case err, ok := <-c.watcher.Errors:
			if !ok {
				return nil
			}
			c.log.Warn("watch: fsnotify error", "error", err)
		case ev, ok := <-c.watcher.Events:
			if !ok {
				return nil
			}
			c.dispatch(ev)
		}
	}
}

func (c *Controller) dispatch(ev fsnotify.Event) {
	path := ev.Name
	filename := filepath.Base(path)
	if config.IDFromFilename(filename) == "" {
		return
	}

	c.mu.Lock()
	if t, ok := c.timers[path]; ok {
		t.Stop()
	}
	c.timers[path] = time.AfterFunc(debounceInterval, func() {
		if ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
			c.handleDelete(path)
			return
		}
		if err := c.handleFile(path); err != nil {
			c.log.Warn("watch: failed to process config change", "file", filename, "error", err)
		}
	})
	c.mu.Unlock()
}

// handleFile loads path and reconciles every affected network instance.
// It is also the direct entry point bootstrap uses for the first DEFAULT
// load, so it must tolerate being called before any watcher event fires.
func (c *Controller) handleFile(path string) error {
	filename := filepath.Base(path)
	id := config.IDFromFilename(filename)
	if id == "" {
		return nil
	}

	if c.isEndpointMode() && id != config.DefaultTenantID {
		c.log.Warn("watch: ignoring non-DEFAULT file in endpoint mode", "file", filename)
		return nil
	}

	res, err := c.store.Load(path)
	if err != nil {
		c.log.Warn("watch: config load failed, ignoring", "file", filename, "error", err)
		return nil
	}

	if c.selfHash[id] != "" && c.selfHash[id] == res.ContentHash {
		// Our own write-back echoed back through the watcher; nothing
		// changed that didn't already get applied.
		return nil
	}

	if id == config.DefaultTenantID {
		if err := c.applyServiceContext(res.New); err != nil {
			return err
		}
	}

	ctx := c.currentContext()
	mutated, err := c.reconcileTenant(ctx, id, res.New, res.Previous)
	if err != nil {
		return err
	}
	if mutated && id != config.DefaultTenantID {
		return c.writeBack(res.New)
	}
	return nil
}

func (c *Controller) handleDelete(path string) {
	filename := filepath.Base(path)
	id := config.IDFromFilename(filename)
	if id == "" {
		return
	}
	prev := c.store.Previous(id)
	if prev == nil {
		return
	}
	ctx := c.currentContext()
	for _, ni := range prev.NetworkInstances {
		if c.coord != nil && (ni.Type == config.NITypeDownlink || ni.Type == config.NITypeEndpoint) {
			c.coord.StopInstance(ni.ID)
		}
		if err := c.recon.Apply(ctx, nil, ni); err != nil {
			c.log.Warn("watch: teardown failed", "ni", ni.ID, "error", err)
		}
	}
	c.store.Forget(id)
	delete(c.selfHash, id)
}

// reconcileTenant walks the union of network-instance ids between
// newT/prevT, applying each pair through the reconciler and (for
// DOWNLINK/ENDPOINT) re-arming the link-state monitor. It reports
// whether any instance's canonical form changed during Apply (i.e. the
// reconciler mutated a dynamic NPTv6 assignment), which is the signal to
// write the document back (§4.7).
func (c *Controller) reconcileTenant(ctx reconciler.Context, id string, newT, prevT *config.Tenant) (bool, error) {
	before, _ := config.Canonicalize(newT)

	for _, pair := range config.DiffNetworkInstances(newT, prevT) {
		if err := c.recon.Apply(ctx, pair.New, pair.Previous); err != nil {
			return false, vpncerrors.Wrapf(err, vpncerrors.KindInternal, "reconcile network instance %s", pair.ID)
		}
		if err := c.rearmMonitor(pair); err != nil {
			c.log.Warn("watch: failed to arm link-state monitor", "ni", pair.ID, "error", err)
		}
	}

	if newT == nil {
		return false, nil
	}
	after, _ := config.Canonicalize(newT)
	return string(before) != string(after), nil
}

func (c *Controller) rearmMonitor(pair config.NetworkInstancePair) error {
	if c.coord == nil {
		return nil
	}
	if pair.New == nil {
		if pair.Previous != nil && (pair.Previous.Type == config.NITypeDownlink || pair.Previous.Type == config.NITypeEndpoint) {
			c.coord.StopInstance(pair.Previous.ID)
		}
		return nil
	}
	if pair.New.Type != config.NITypeDownlink && pair.New.Type != config.NITypeEndpoint {
		return nil
	}
	conns := make(map[string]*config.Connection, len(pair.New.Connections))
	for _, conn := range pair.New.Connections {
		conns[reconciler.ConnLinkName(pair.New.ID, conn)] = conn
	}
	return c.coord.EnsureInstance(pair.New.ID, pair.New.Type, conns)
}

func (c *Controller) applyServiceContext(t *config.Tenant) error {
	if t == nil || t.Service == nil {
		return nil
	}
	prefixes, err := t.Service.ParsePrefixes()
	if err != nil {
		return vpncerrors.Wrap(err, vpncerrors.KindSchema, "parse DEFAULT prefix scopes")
	}
	c.svcMu.Lock()
	c.svcCtx = reconciler.Context{Mode: t.Service.Mode, Prefixes: prefixes, BGP: t.Service.BGP, LocalID: t.Service.LocalID}
	c.svcMu.Unlock()
	return nil
}

func (c *Controller) currentContext() reconciler.Context {
	c.svcMu.RLock()
	defer c.svcMu.RUnlock()
	return c.svcCtx
}

func (c *Controller) isEndpointMode() bool {
	return c.currentContext().Mode == config.ModeEndpoint
}

// writeBack atomically rewrites t's canonical form to both the active
// and candidate directories (temp-file + rename), after recording the
// hash so the watcher's own echo of this write is recognized and
// ignored on the next event (Design Note / Open Question #1).
func (c *Controller) writeBack(t *config.Tenant) error {
	canon, err := config.Canonicalize(t)
	if err != nil {
		return err
	}
	if err := atomicWrite(c.layout.ActiveFile(t.ID), canon); err != nil {
		return err
	}
	if err := atomicWrite(c.layout.CandidateFile(t.ID), canon); err != nil {
		return err
	}

	res, err := c.store.Load(c.layout.ActiveFile(t.ID))
	if err == nil {
		c.mu.Lock()
		c.selfHash[t.ID] = res.ContentHash
		c.mu.Unlock()
	}
	return nil
}

func atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return vpncerrors.Wrapf(err, vpncerrors.KindInternal, "create temp file in %s", dir)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return vpncerrors.Wrapf(err, vpncerrors.KindInternal, "write temp file %s", tmpPath)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return vpncerrors.Wrapf(err, vpncerrors.KindInternal, "close temp file %s", tmpPath)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return vpncerrors.Wrapf(err, vpncerrors.KindInternal, fmt.Sprintf("rename %s to %s", tmpPath, path))
	}
	return nil
}
