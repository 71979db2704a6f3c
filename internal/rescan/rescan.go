// Package rescan drives the scan engine on a schedule and, optionally, in
// response to filesystem change notifications on directories registered
// with a local loader. Overlap prevention and panic recovery are adapted
// from the teacher's job scheduler; the schedule itself is parsed by a
// real cron expression library instead of the teacher's duration-only
// parser.
package rescan

import (
	"context"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/robfig/cron/v3"

	"github.com/ipsix/plugboard/internal/logging"
	"github.com/ipsix/plugboard/internal/scanengine"
)

// debounceWindow coalesces bursts of filesystem events (e.g. an archive
// extraction writing many files) into a single rescan trigger.
const debounceWindow = 500 * time.Millisecond

// Daemon periodically invokes a scanengine.Engine's Scan.
type Daemon struct {
	logger *logging.Logger
	engine *scanengine.Engine
	flags  scanengine.Flags

	cron    *cron.Cron
	watcher *fsnotify.Watcher

	running   atomic.Bool
	watchStop chan struct{}
}

// New returns a daemon that will invoke engine.Scan with flags whenever it
// fires. Call AddSchedule and/or WatchDirectories before Start.
func New(logger *logging.Logger, engine *scanengine.Engine, flags scanengine.Flags) *Daemon {
	return &Daemon{
		logger: logger,
		engine: engine,
		flags:  flags,
		cron:   cron.New(),
	}
}

// AddSchedule registers a cron expression (standard five-field syntax, or
// "@every <duration>") that triggers a rescan each time it fires.
func (d *Daemon) AddSchedule(ctx context.Context, expr string) error {
	_, err := d.cron.AddFunc(expr, func() { d.triggerScan(ctx) })
	return err
}

// WatchDirectories starts an fsnotify watch on every directory given;
// create/write/rename/remove events debounce into a single rescan trigger.
func (d *Daemon) WatchDirectories(ctx context.Context, dirs []string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	for _, dir := range dirs {
		if err := watcher.Add(dir); err != nil {
			d.logger.Error("rescan: watch failed", logging.Field{Key: "dir", Value: dir}, logging.Field{Key: "error", Value: err.Error()})
		}
	}
	d.watcher = watcher
	d.watchStop = make(chan struct{})
	go d.watchLoop(ctx)
	return nil
}

func (d *Daemon) watchLoop(ctx context.Context) {
	var pending *time.Timer
	fire := func() {
		d.triggerScan(ctx)
	}
	for {
		select {
		case <-d.watchStop:
			if pending != nil {
				pending.Stop()
			}
			return
		case ev, ok := <-d.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			if pending != nil {
				pending.Stop()
			}
			pending = time.AfterFunc(debounceWindow, fire)
		case err, ok := <-d.watcher.Errors:
			if !ok {
				return
			}
			d.logger.Error("rescan: watch error", logging.Field{Key: "error", Value: err.Error()})
		}
	}
}

// Start begins firing scheduled scans. Safe to call even if no schedule
// was registered (the cron runner simply has nothing to do).
func (d *Daemon) Start() {
	d.cron.Start()
}

// Stop halts scheduled scans and any filesystem watch.
func (d *Daemon) Stop() {
	<-d.cron.Stop().Done()
	if d.watcher != nil {
		close(d.watchStop)
		_ = d.watcher.Close()
	}
}

// TriggerNow runs one scan immediately, bypassing the schedule, using the
// daemon's configured flags. Used by the process runner's SIGHUP handler.
func (d *Daemon) TriggerNow(ctx context.Context) (scanengine.ScanRun, error) {
	return d.engine.Scan(ctx, d.flags)
}

// TriggerWithFlags runs one scan immediately using an explicit flag set,
// overriding the daemon's configured default. Used by the HTTP API's
// /scan endpoint, which lets a caller request a one-off scan policy.
func (d *Daemon) TriggerWithFlags(ctx context.Context, flags scanengine.Flags) (scanengine.ScanRun, error) {
	return d.engine.Scan(ctx, flags)
}

// triggerScan wraps a scheduled or watch-driven scan with overlap
// prevention and panic recovery, matching the teacher's job-execution
// idiom exactly.
func (d *Daemon) triggerScan(ctx context.Context) {
	if !d.running.CompareAndSwap(false, true) {
		d.logger.Warn("rescan skipped due to overlap")
		return
	}
	defer d.running.Store(false)

	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("rescan panic recovered",
				logging.Field{Key: "panic", Value: r},
				logging.Field{Key: "stack", Value: string(debug.Stack())},
			)
		}
	}()

	if _, err := d.engine.Scan(ctx, d.flags); err != nil {
		d.logger.Error("rescan failed", logging.Field{Key: "error", Value: err.Error()})
	}
}
