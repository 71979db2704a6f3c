// Package scanengine is the top-level orchestrator: it iterates every
// loader registered with a host context, merges their results by
// identifier with a highest-version-wins rule, and drives
// install/upgrade/restart against the host registry under policy flags.
// It is a direct port of C-Pluff's cp_scan_plugins (pscan.c).
package scanengine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ipsix/plugboard/internal/hostregistry"
	"github.com/ipsix/plugboard/internal/loader"
	"github.com/ipsix/plugboard/internal/logging"
	"github.com/ipsix/plugboard/internal/plugininfo"
	"github.com/ipsix/plugboard/internal/storage"
)

const scanRunBucket = "scan-runs"

// Flags is a bit set of independent scan policy flags.
type Flags uint8

const (
	// Upgrade replaces an installed plug-in when a strictly newer version
	// is discovered.
	Upgrade Flags = 1 << iota
	// StopAllOnInstall stops every running plug-in before installing any
	// new one.
	StopAllOnInstall
	// StopAllOnUpgrade stops every running plug-in before uninstalling
	// one for upgrade.
	StopAllOnUpgrade
	// RestartActive restarts, after install/upgrade, every plug-in that
	// was STARTING or ACTIVE when the scan began.
	RestartActive
)

func (f Flags) has(bit Flags) bool { return f&bit != 0 }

// statusFor maps a host registry error to the scan's return status.
// spec.md §7: host-returned statuses propagate unchanged, with RESOURCE
// reserved for the KV-store-write case (hostregistry.PersistError);
// everything else — install/uninstall precondition violations — is a
// malformed host request, not a resource failure.
func statusFor(err error) Status {
	var persistErr *hostregistry.PersistError
	if errors.As(err, &persistErr) {
		return StatusResource
	}
	return StatusMalformed
}

// Status is the scan's return status. Zero value is OK.
type Status string

const (
	StatusOK        Status = "OK"
	StatusResource  Status = "RESOURCE"
	StatusMalformed Status = "MALFORMED"
	StatusIO        Status = "IO"
)

// EventKind identifies the kind of occurrence a scan reports to a
// Notifier.
type EventKind string

const (
	EventLoaderFailed         EventKind = "loader_failed"
	EventPluginInstalled      EventKind = "plugin_installed"
	EventPluginInstallFailed  EventKind = "plugin_install_failed"
	EventPluginUpgraded       EventKind = "plugin_upgraded"
	EventPluginUninstallError EventKind = "plugin_uninstall_failed"
	EventScanCompleted        EventKind = "scan_completed"
)

// Event is one notable occurrence during a scan, tagged with the
// offending identifier/version/path per spec.md §7's user-visible
// behavior requirement.
type Event struct {
	Kind       EventKind
	Identifier string
	Version    string
	Path       string
	Err        error
}

// Notifier receives scan events. Implemented by internal/notify's Engine.
type Notifier interface {
	Notify(Event)
}

// ScanRun records one scan invocation for the API's "last scan" endpoint
// and for operational history.
type ScanRun struct {
	ID          string
	StartedAt   time.Time
	FinishedAt  time.Time
	Flags       Flags
	Status      Status
	Discovered  int
	Installed   int
	Upgraded    int
	Uninstalled int
	Restarted   int
	Failed      int
}

// Engine is bound to one host context (one Registry). Concurrent Scan
// calls on the same Engine are serialized: the context lock described in
// spec.md §5 is the Registry's own mutex, which every Engine operation
// routes through, and Engine additionally serializes whole scans against
// each other (mu) since Phase A's snapshot and Phase C's
// install/uninstall sequence must not interleave with another scan.
type Engine struct {
	registry *hostregistry.Registry
	logger   *logging.Logger
	notifier Notifier
	runStore storage.Store

	mu      chan struct{} // 1-buffered semaphore; acts as the context lock for whole-scan serialization
	loaders []loader.Loader
}

// New returns a scan engine bound to registry.
func New(registry *hostregistry.Registry, logger *logging.Logger, notifier Notifier, runStore storage.Store) *Engine {
	e := &Engine{
		registry: registry,
		logger:   logger,
		notifier: notifier,
		runStore: runStore,
		mu:       make(chan struct{}, 1),
	}
	e.mu <- struct{}{}
	return e
}

// RegisterLoader adds l to the set of loaders consulted on every scan, in
// the order registered (spec.md §5's ordering guarantee: "loaders are
// consulted in the order they appear ... no externally-guaranteed order
// across runs" — this port's order is registration order, which is at
// least as strong a guarantee as the spec requires).
func (e *Engine) RegisterLoader(l loader.Loader) {
	e.loaders = append(e.loaders, l)
}

func (e *Engine) notify(ev Event) {
	if e.notifier != nil {
		e.notifier.Notify(ev)
	}
}

// Scan runs one scan-and-reconcile pass. See SPEC_FULL.md §4.2 and
// pscan.c's cp_scan_plugins for the phase-by-phase algorithm this
// implements.
func (e *Engine) Scan(ctx context.Context, flags Flags) (ScanRun, error) {
	<-e.mu
	defer func() { e.mu <- struct{}{} }()

	run := ScanRun{ID: uuid.NewString(), StartedAt: time.Now(), Flags: flags, Status: StatusOK}
	e.logger.Debug("scan starting", logging.Field{Key: "run_id", Value: run.ID}, logging.Field{Key: "flags", Value: flags})

	var restartList []string
	if flags.has(RestartActive) && (flags.has(Upgrade) || flags.has(StopAllOnInstall)) {
		restartList = e.registry.StartingOrActive()
	}

	avail := e.discover(ctx, &run)

	status := e.reconcileAndInstall(avail, flags, &run)

	e.restart(restartList, &run, &status)

	run.FinishedAt = time.Now()
	run.Status = status
	e.notify(Event{Kind: EventScanCompleted, Identifier: run.ID})
	e.logger.Debug("scan finished", logging.Field{Key: "run_id", Value: run.ID}, logging.Field{Key: "status", Value: string(status)})
	e.persistRun(run)

	if status != StatusOK {
		return run, fmt.Errorf("scan %s finished with status %s", run.ID, status)
	}
	return run, nil
}

// discover is Phase B: consult every registered loader and merge results
// by identifier with the highest-version-wins rule.
func (e *Engine) discover(ctx context.Context, run *ScanRun) *loader.AvailableSet {
	avail := loader.NewAvailableSet()
	for _, l := range e.loaders {
		infos, err := l.Scan(ctx)
		if err != nil || infos == nil {
			e.logger.Error("loader scan failed", logging.Field{Key: "loader", Value: l.Identity()})
			e.notify(Event{Kind: EventLoaderFailed, Identifier: l.Identity(), Err: err})
			continue
		}
		for _, info := range infos {
			run.Discovered++
			e.registry.UseInfo(info)
			kept, displaced := avail.Offer(info, l)
			if !kept {
				e.registry.ReleaseInfo(info)
			}
			if displaced != nil {
				e.registry.ReleaseInfo(displaced)
			}
		}
		loader.Release(ctx, l, infos)
	}
	return avail
}

// reconcileAndInstall is Phase C: for every surviving (info, loader) pair,
// decide install vs. upgrade vs. skip against the registry, in the
// engine's own AvailableSet drain order (spec.md's Phase C iteration
// order is explicitly unspecified).
func (e *Engine) reconcileAndInstall(avail *loader.AvailableSet, flags Flags, run *ScanRun) Status {
	status := StatusOK
	plugsStopped := false

	entries := avail.Drain()
	for i, entry := range entries {
		info, l := entry.Info, entry.Loader

		_, installed := e.registry.GetPluginState(info.Identifier)
		upgraded := false

		if installed {
			existing := e.findInstalledInfo(info.Identifier)
			if flags.has(Upgrade) && existing != nil && info.Version.GreaterThan(existing.Version) {
				if (flags.has(StopAllOnUpgrade) || flags.has(StopAllOnInstall)) && !plugsStopped {
					e.registry.StopPlugins()
					plugsStopped = true
				}
				if err := e.registry.UninstallPlugin(info.Identifier); err != nil {
					e.logger.Error("uninstall for upgrade failed", logging.Field{Key: "identifier", Value: info.Identifier}, logging.Field{Key: "error", Value: err.Error()})
					e.notify(Event{Kind: EventPluginUninstallError, Identifier: info.Identifier, Err: err})
					e.registry.ReleaseInfo(info)
					status = statusFor(err)
					run.Failed++
					e.releaseRemaining(entries[i+1:])
					break
				}
				installed = false
				upgraded = true
				run.Uninstalled++
				run.Upgraded++
			}
		}

		if !installed {
			if flags.has(StopAllOnInstall) && !plugsStopped {
				e.registry.StopPlugins()
				plugsStopped = true
			}
			if err := e.registry.InstallPlugin(info, l.Identity()); err != nil {
				e.logger.Error("install failed", logging.Field{Key: "identifier", Value: info.Identifier}, logging.Field{Key: "error", Value: err.Error()})
				e.notify(Event{Kind: EventPluginInstallFailed, Identifier: info.Identifier, Version: info.Version.String(), Path: info.Path, Err: err})
				e.registry.ReleaseInfo(info)
				status = statusFor(err)
				run.Failed++
				e.releaseRemaining(entries[i+1:])
				break
			}
			kind := EventPluginInstalled
			if upgraded {
				kind = EventPluginUpgraded
			}
			e.notify(Event{Kind: kind, Identifier: info.Identifier, Version: info.Version.String(), Path: info.Path})
			run.Installed++
		}

		e.registry.ReleaseInfo(info)
	}

	return status
}

// releaseRemaining is Phase C's cleanup epilogue (spec.md §4.2: "If Phase
// C is broken out of early, all remaining entries in avail are released
// in the cleanup epilogue") — it drops the engine's UseInfo ref on every
// entry that never reached its own ReleaseInfo because of the break.
func (e *Engine) releaseRemaining(entries []loader.Entry) {
	for _, entry := range entries {
		e.registry.ReleaseInfo(entry.Info)
	}
}

// restart is Phase D: start every identifier snapshotted in Phase A, in
// snapshot order, provided it is still installed.
func (e *Engine) restart(restartList []string, run *ScanRun, status *Status) {
	for _, id := range restartList {
		if _, installed := e.registry.GetPluginState(id); !installed {
			continue
		}
		if err := e.registry.StartPlugin(id); err != nil {
			e.logger.Error("restart failed", logging.Field{Key: "identifier", Value: id}, logging.Field{Key: "error", Value: err.Error()})
			if *status == StatusOK {
				*status = statusFor(err)
			}
			continue
		}
		run.Restarted++
	}
}

func (e *Engine) findInstalledInfo(id string) *plugininfo.Info {
	for _, info := range e.registry.GetPluginsInfo() {
		if info.Identifier == id {
			return info
		}
	}
	return nil
}

func (e *Engine) persistRun(run ScanRun) {
	if e.runStore == nil {
		return
	}
	data, err := json.Marshal(run)
	if err != nil {
		return
	}
	_ = e.runStore.Put(scanRunBucket, run.ID, data)
	_ = e.runStore.Put(scanRunBucket, "last", data)
}

// LastRun returns the most recently persisted ScanRun, if any. Returns
// false if store is nil, matching persistRun's own no-op-without-a-store
// behavior.
func LastRun(store storage.Store) (ScanRun, bool) {
	var run ScanRun
	if store == nil {
		return run, false
	}
	data, err := store.Get(scanRunBucket, "last")
	if err != nil {
		return run, false
	}
	if err := json.Unmarshal(data, &run); err != nil {
		return run, false
	}
	return run, true
}
