// Package loader defines the pluggable discovery-source interface consumed
// by the scan engine, and the version-wins reconciliation helper every
// concrete loader and the engine itself use to merge results.
package loader

import (
	"context"

	"github.com/ipsix/plugboard/internal/plugininfo"
)

// Loader is an abstract discovery source. A Scan call returns the set of
// plug-in descriptors currently visible from whatever backing store the
// loader wraps, already reconciled to at most one entry per identifier. A
// nil slice with a nil error signals "this loader could not scan right
// now" — the caller logs it and moves on; it is not treated as fatal.
type Loader interface {
	// Identity distinguishes one loader instance from another for the
	// host registry's loaders_to_plugins bookkeeping and for logging.
	Identity() string
	Scan(ctx context.Context) ([]*plugininfo.Info, error)
}

// ReleaseHook is implemented by loaders that need to know when the caller
// is done with a returned slice (for example, to clear an internal cache).
// Loaders that do not implement it are assumed to hand out values the
// caller may simply drop.
type ReleaseHook interface {
	ReleasePlugins(ctx context.Context, plugins []*plugininfo.Info)
}

// Release invokes loader's ReleasePlugins hook if it implements one.
func Release(ctx context.Context, l Loader, plugins []*plugininfo.Info) {
	if rh, ok := l.(ReleaseHook); ok {
		rh.ReleasePlugins(ctx, plugins)
	}
}

// AvailableSet is an identifier-keyed working set used both by a single
// loader's own internal reconciliation (spec.md §4.3 step 4) and by the
// scan engine's cross-loader Phase B reconciliation. At most one entry per
// identifier is kept at any time: the one holding the highest version seen
// so far.
type AvailableSet struct {
	entries map[string]Entry
}

// Entry pairs a discovered PluginInfo with the loader that produced it.
type Entry struct {
	Info   *plugininfo.Info
	Loader Loader
}

// NewAvailableSet returns an empty working set.
func NewAvailableSet() *AvailableSet {
	return &AvailableSet{entries: make(map[string]Entry)}
}

// Offer reconciles a newly discovered (info, loader) pair into the set
// using the highest-version-wins rule: absent identifiers are inserted
// outright; present identifiers are replaced only if the new version
// compares strictly greater; ties and lower versions are discarded. It
// reports whether info was kept (inserted or replaced an existing entry)
// so callers can release a discarded info.
func (s *AvailableSet) Offer(info *plugininfo.Info, l Loader) (kept bool, displaced *plugininfo.Info) {
	existing, ok := s.entries[info.Identifier]
	if !ok {
		s.entries[info.Identifier] = Entry{Info: info, Loader: l}
		return true, nil
	}
	if info.Version.GreaterThan(existing.Info.Version) {
		s.entries[info.Identifier] = Entry{Info: info, Loader: l}
		return true, existing.Info
	}
	return false, nil
}

// Len reports the number of distinct identifiers currently held.
func (s *AvailableSet) Len() int {
	return len(s.entries)
}

// Drain removes and returns every entry currently held, in no particular
// order (Phase C's iteration order over avail is unspecified by design —
// see spec.md §9).
func (s *AvailableSet) Drain() []Entry {
	out := make([]Entry, 0, len(s.entries))
	for id, e := range s.entries {
		out = append(out, e)
		delete(s.entries, id)
	}
	return out
}
