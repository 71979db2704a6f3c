// Package hostregistry implements the host registry view the scan engine
// depends on (spec.md §3, §6): a mapping from identifier to installed
// plug-in, a mapping from loader identity to the set of identifiers it
// installed, and the install/uninstall/start/stop operations the engine
// drives. It persists every mutation to an embedded KV store so state
// survives a process restart.
package hostregistry

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/ipsix/plugboard/internal/logging"
	"github.com/ipsix/plugboard/internal/plugininfo"
	"github.com/ipsix/plugboard/internal/storage"
)

const bucket = "installed-plugins"

// PersistError wraps a failure writing or deleting a record in the
// backing KV store, as distinct from a precondition violation (already
// installed, not installed, running). The scan engine maps this to
// spec.md §7's RESOURCE status; every other error from this package
// propagates as a host-returned status unchanged.
type PersistError struct {
	Identifier string
	Err        error
}

func (e *PersistError) Error() string {
	return fmt.Sprintf("hostregistry: persist %s: %v", e.Identifier, e.Err)
}

func (e *PersistError) Unwrap() error { return e.Err }

// InstalledPlugin is the registry's record for one installed identifier.
type InstalledPlugin struct {
	Info     *plugininfo.Info
	State    plugininfo.State
	LoaderID string
}

// record is the JSON-serializable shape persisted to the KV store —
// plugininfo.Info's Version fields are unexported, so the registry owns
// its own wire format rather than marshaling Info directly.
type record struct {
	Identifier string   `json:"identifier"`
	Version    string   `json:"version"`
	Path       string   `json:"path"`
	Name       string   `json:"name"`
	Provider   string   `json:"provider"`
	Runtime    string   `json:"runtime"`
	State      string   `json:"state"`
	LoaderID   string   `json:"loader_id"`
}

// Registry is the lock-protected, persisted implementation of the host
// registry view. All operations acquire mu for their entire duration —
// the "context lock" of spec.md §5 — including the calls the scan engine
// makes into it from inside a scan.
type Registry struct {
	mu     sync.Mutex
	logger *logging.Logger
	store  storage.Store

	plugins          map[string]*InstalledPlugin
	loadersToPlugins map[string]map[string]struct{}
	refcounts        map[*plugininfo.Info]int
}

// New returns an empty registry backed by store for durability. store may
// be nil, in which case the registry behaves as a pure in-memory map (used
// by tests that do not need persistence).
func New(store storage.Store, logger *logging.Logger) *Registry {
	r := &Registry{
		logger:           logger,
		store:            store,
		plugins:          make(map[string]*InstalledPlugin),
		loadersToPlugins: make(map[string]map[string]struct{}),
		refcounts:        make(map[*plugininfo.Info]int),
	}
	r.restore()
	return r
}

func (r *Registry) restore() {
	if r.store == nil {
		return
	}
	_ = r.store.ForEach(bucket, func(key, value []byte) error {
		var rec record
		if err := json.Unmarshal(value, &rec); err != nil {
			return nil
		}
		info := &plugininfo.Info{
			Identifier: rec.Identifier,
			Version:    plugininfo.ParseVersion(rec.Version),
			Path:       rec.Path,
			Name:       rec.Name,
			Provider:   rec.Provider,
			Runtime:    rec.Runtime,
		}
		r.plugins[rec.Identifier] = &InstalledPlugin{Info: info, State: plugininfo.State(rec.State), LoaderID: rec.LoaderID}
		r.addToLoaderSet(rec.LoaderID, rec.Identifier)
		return nil
	})
}

func (r *Registry) persist(id string) error {
	if r.store == nil {
		return nil
	}
	p, ok := r.plugins[id]
	if !ok {
		if err := r.store.Delete(bucket, id); err != nil {
			r.logger.Error("host registry: persist failed", logging.Field{Key: "identifier", Value: id}, logging.Field{Key: "error", Value: err.Error()})
			return &PersistError{Identifier: id, Err: err}
		}
		return nil
	}
	rec := record{
		Identifier: p.Info.Identifier,
		Version:    p.Info.Version.String(),
		Path:       p.Info.Path,
		Name:       p.Info.Name,
		Provider:   p.Info.Provider,
		Runtime:    p.Info.Runtime,
		State:      string(p.State),
		LoaderID:   p.LoaderID,
	}
	data, err := json.Marshal(rec)
	if err != nil {
		r.logger.Error("host registry: persist failed", logging.Field{Key: "identifier", Value: id}, logging.Field{Key: "error", Value: err.Error()})
		return &PersistError{Identifier: id, Err: err}
	}
	if err := r.store.Put(bucket, id, data); err != nil {
		r.logger.Error("host registry: persist failed", logging.Field{Key: "identifier", Value: id}, logging.Field{Key: "error", Value: err.Error()})
		return &PersistError{Identifier: id, Err: err}
	}
	return nil
}

func (r *Registry) addToLoaderSet(loaderID, identifier string) {
	set, ok := r.loadersToPlugins[loaderID]
	if !ok {
		set = make(map[string]struct{})
		r.loadersToPlugins[loaderID] = set
	}
	set[identifier] = struct{}{}
}

func (r *Registry) removeFromLoaderSet(loaderID, identifier string) {
	if set, ok := r.loadersToPlugins[loaderID]; ok {
		delete(set, identifier)
		if len(set) == 0 {
			delete(r.loadersToPlugins, loaderID)
		}
	}
}

// GetPluginsInfo returns every currently installed PluginInfo.
func (r *Registry) GetPluginsInfo() []*plugininfo.Info {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*plugininfo.Info, 0, len(r.plugins))
	for _, p := range r.plugins {
		out = append(out, p.Info)
	}
	return out
}

// GetPluginState returns the state of an installed identifier, and false
// if the identifier is not installed (equivalent to state UNINSTALLED).
func (r *Registry) GetPluginState(id string) (plugininfo.State, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.plugins[id]
	if !ok {
		return plugininfo.StateUninstalled, false
	}
	return p.State, true
}

// LoaderIdentifiers returns the set of identifiers installed via loaderID.
func (r *Registry) LoaderIdentifiers(loaderID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	set := r.loadersToPlugins[loaderID]
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	return out
}

// InstallPlugin installs info, provenanced to loaderID, in state
// INSTALLED. Returns an error if the identifier is already installed.
func (r *Registry) InstallPlugin(info *plugininfo.Info, loaderID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.plugins[info.Identifier]; exists {
		return fmt.Errorf("hostregistry: %s already installed", info.Identifier)
	}
	r.plugins[info.Identifier] = &InstalledPlugin{Info: info, State: plugininfo.StateInstalled, LoaderID: loaderID}
	r.addToLoaderSet(loaderID, info.Identifier)
	return r.persist(info.Identifier)
}

// UninstallPlugin removes id from the registry. Precondition: id is not
// STARTING or ACTIVE. Unlike the C source's assert(s == CP_OK), a
// violated precondition is a returned error rather than a crash — see
// DESIGN.md's resolution of spec.md §9's unregister_all Open Question.
func (r *Registry) UninstallPlugin(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.plugins[id]
	if !ok {
		return fmt.Errorf("hostregistry: %s not installed", id)
	}
	if p.State == plugininfo.StateStarting || p.State == plugininfo.StateActive {
		return fmt.Errorf("hostregistry: %s is running, cannot uninstall", id)
	}
	delete(r.plugins, id)
	r.removeFromLoaderSet(p.LoaderID, id)
	return r.persist(id)
}

// StopPlugins stops every ACTIVE or STARTING plug-in, returning each to
// state INSTALLED.
func (r *Registry) StopPlugins() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, p := range r.plugins {
		if p.State == plugininfo.StateActive || p.State == plugininfo.StateStarting {
			p.State = plugininfo.StateInstalled
			r.persist(id)
		}
	}
}

// StartPlugin transitions id to ACTIVE. A no-op returning nil if already
// ACTIVE. Returns an error if id is not installed.
func (r *Registry) StartPlugin(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.plugins[id]
	if !ok {
		return fmt.Errorf("hostregistry: %s not installed", id)
	}
	if p.State == plugininfo.StateActive {
		return nil
	}
	p.State = plugininfo.StateActive
	return r.persist(id)
}

// UseInfo increments the engine's logical reference count on info. Paired
// with ReleaseInfo on every exit path; see the scan engine's Phase B/C/D
// bookkeeping.
func (r *Registry) UseInfo(info *plugininfo.Info) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.refcounts[info]++
}

// ReleaseInfo decrements the reference count taken by UseInfo.
func (r *Registry) ReleaseInfo(info *plugininfo.Info) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.refcounts[info]--
	if r.refcounts[info] <= 0 {
		delete(r.refcounts, info)
	}
}

// RefcountBalance reports whether every UseInfo call has been matched by
// a ReleaseInfo call — used by tests to assert spec.md §8 invariant 4.
func (r *Registry) RefcountBalance() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.refcounts) == 0
}

// StartingOrActive returns the identifiers currently STARTING or ACTIVE,
// used by the scan engine's Phase A snapshot.
func (r *Registry) StartingOrActive() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0)
	for id, p := range r.plugins {
		if p.State == plugininfo.StateActive || p.State == plugininfo.StateStarting {
			out = append(out, id)
		}
	}
	return out
}
