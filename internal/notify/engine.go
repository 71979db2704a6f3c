// Package notify delivers scan-lifecycle events to pluggable channels. It
// is adapted from the teacher's alerting engine: same fingerprint-based
// throttle, same channel-fan-out shape, retargeted at scan events instead
// of security findings.
package notify

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/ipsix/plugboard/internal/logging"
	"github.com/ipsix/plugboard/internal/scanengine"
)

// Level is a coarse severity used by channels to filter which events they
// deliver.
type Level string

const (
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// ScanEvent is the notify package's own event shape, derived from a
// scanengine.Event plus a computed level and a generated ID/timestamp.
type ScanEvent struct {
	ID         string
	Timestamp  time.Time
	Level      Level
	Kind       scanengine.EventKind
	Identifier string
	Version    string
	Path       string
	Reason     string
}

// Channel delivers one ScanEvent somewhere.
type Channel interface {
	Name() string
	Send(event ScanEvent) error
}

// Engine fans a scanengine.Event out to every registered Channel, after
// computing its level and fingerprint-based throttle key. It implements
// scanengine.Notifier.
type Engine struct {
	logger   *logging.Logger
	channels []Channel
	throttle time.Duration
	mu       sync.Mutex
	lastSeen map[string]time.Time
}

// New returns an engine with the given channel-delivery throttle window.
// A non-positive throttle defaults to 5 minutes.
func New(logger *logging.Logger, throttle time.Duration) *Engine {
	if throttle <= 0 {
		throttle = 5 * time.Minute
	}
	return &Engine{
		logger:   logger,
		throttle: throttle,
		lastSeen: make(map[string]time.Time),
	}
}

func (e *Engine) Register(channel Channel) {
	e.channels = append(e.channels, channel)
}

// Notify implements scanengine.Notifier.
func (e *Engine) Notify(ev scanengine.Event) {
	event := ScanEvent{
		Timestamp:  time.Now().UTC(),
		Level:      levelFor(ev.Kind),
		Kind:       ev.Kind,
		Identifier: ev.Identifier,
		Version:    ev.Version,
		Path:       ev.Path,
	}
	if ev.Err != nil {
		event.Reason = ev.Err.Error()
	}
	event.ID = fingerprint(event)

	if e.isThrottled(event.ID) {
		return
	}

	for _, ch := range e.channels {
		if err := ch.Send(event); err != nil {
			e.logger.Error("notify delivery failed",
				logging.Field{Key: "channel", Value: ch.Name()},
				logging.Field{Key: "error", Value: err.Error()},
			)
		}
	}
}

func levelFor(kind scanengine.EventKind) Level {
	switch kind {
	case scanengine.EventLoaderFailed, scanengine.EventPluginInstallFailed, scanengine.EventPluginUninstallError:
		return LevelError
	case scanengine.EventPluginInstalled, scanengine.EventPluginUpgraded, scanengine.EventScanCompleted:
		return LevelInfo
	default:
		return LevelWarn
	}
}

func (e *Engine) isThrottled(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	last, ok := e.lastSeen[id]
	if ok && time.Since(last) < e.throttle {
		return true
	}
	e.lastSeen[id] = time.Now()
	return false
}

func fingerprint(event ScanEvent) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%s", event.Kind, event.Identifier, event.Version)
	return hex.EncodeToString(h.Sum(nil))
}
