// Package descriptor parses plug-in descriptor documents into
// plugininfo.Info records.
package descriptor

import (
	"fmt"
	"os"

	"github.com/Masterminds/semver/v3"
	"gopkg.in/yaml.v3"

	"github.com/ipsix/plugboard/internal/plugininfo"
)

// HostAPIVersion is the API major version this host supports. A descriptor
// that declares an incompatible api_version is treated the same as a
// malformed document: logged and skipped by the caller.
const HostAPIVersion = "1.0.0"

// document is the on-disk YAML schema for a plug-in descriptor.
type document struct {
	Identifier      string       `yaml:"identifier"`
	Version         string       `yaml:"version"`
	Name            string       `yaml:"name"`
	Provider        string       `yaml:"provider"`
	APIVersion      string       `yaml:"api_version"`
	Imports         []importDoc  `yaml:"imports"`
	ExtensionPoints []string     `yaml:"extension_points"`
	Extensions      []string     `yaml:"extensions"`
	Runtime         string       `yaml:"runtime"`
}

type importDoc struct {
	Identifier string `yaml:"identifier"`
	Version    string `yaml:"version"`
}

// ParseFile loads and parses a descriptor file from disk.
func ParseFile(path string) (*plugininfo.Info, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("descriptor: read %s: %w", path, err)
	}
	return parse(data, path)
}

// ParseBytes parses an in-memory descriptor buffer. syntheticPath is
// recorded on the resulting Info but is never consulted by the caller.
func ParseBytes(data []byte, syntheticPath string) (*plugininfo.Info, error) {
	return parse(data, syntheticPath)
}

func parse(data []byte, path string) (*plugininfo.Info, error) {
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("descriptor: %s: malformed: %w", path, err)
	}
	if doc.Identifier == "" {
		return nil, fmt.Errorf("descriptor: %s: missing identifier", path)
	}
	if doc.APIVersion != "" {
		compatible, err := isCompatibleAPIVersion(doc.APIVersion, HostAPIVersion)
		if err != nil {
			return nil, fmt.Errorf("descriptor: %s: invalid api_version %q: %w", path, doc.APIVersion, err)
		}
		if !compatible {
			return nil, fmt.Errorf("descriptor: %s: api_version %q incompatible with host %q", path, doc.APIVersion, HostAPIVersion)
		}
	}

	info := &plugininfo.Info{
		Identifier:      doc.Identifier,
		Version:         plugininfo.ParseVersion(doc.Version),
		Path:            path,
		Name:            doc.Name,
		Provider:        doc.Provider,
		APIVersion:      plugininfo.ParseVersion(doc.APIVersion),
		ExtensionPoints: doc.ExtensionPoints,
		Extensions:      doc.Extensions,
		Runtime:         doc.Runtime,
	}
	for _, imp := range doc.Imports {
		info.Imports = append(info.Imports, plugininfo.Import{
			Identifier: imp.Identifier,
			Version:    plugininfo.ParseVersion(imp.Version),
		})
	}
	return info, nil
}

// isCompatibleAPIVersion reports whether a descriptor's declared API
// version is usable against the host's supported API version, using
// major-version-only compatibility (same rule platinummonkey-spoke's
// manifest validator applies, reimplemented against a real semver parser
// instead of a hand-rolled regex).
func isCompatibleAPIVersion(declared, host string) (bool, error) {
	dv, err := semver.NewVersion(declared)
	if err != nil {
		return false, err
	}
	hv, err := semver.NewVersion(host)
	if err != nil {
		return false, err
	}
	return dv.Major() == hv.Major(), nil
}
