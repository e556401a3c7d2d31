// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sandhost Contributors

// Package plugin provides plugin discovery, loading and lifecycle control.
package plugin

import (
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/samber/oops"
	"gopkg.in/yaml.v3"

	"github.com/sandhost/sandhost/internal/plugin/capability"
	"github.com/sandhost/sandhost/pkg/errutil"
)

// ManifestFile is the manifest file name inside a plugin directory.
const ManifestFile = "plugin.yaml"

// Manifest represents a plugin.yaml file.
type Manifest struct {
	ID             string         `yaml:"id" json:"id" jsonschema:"required,pattern=^[a-z0-9-]+$,maxLength=64"`
	Name           string         `yaml:"name" json:"name" jsonschema:"required,minLength=1"`
	Version        string         `yaml:"version" json:"version" jsonschema:"required,pattern=^\\d+\\.\\d+\\.\\d+$"`
	Main           string         `yaml:"main" json:"main" jsonschema:"required,minLength=1"`
	Description    string         `yaml:"description,omitempty" json:"description,omitempty"`
	Author         string         `yaml:"author,omitempty" json:"author,omitempty"`
	Permissions    []string       `yaml:"permissions,omitempty" json:"permissions,omitempty"`
	Dependencies   []string       `yaml:"dependencies,omitempty" json:"dependencies,omitempty"`
	ResourceLimits ResourceLimits `yaml:"resourceLimits,omitempty" json:"resourceLimits,omitempty"`

	deps []Dependency
}

// ResourceLimits are the per-plugin execution limits. Zero values fall back
// to host defaults.
type ResourceLimits struct {
	MemoryBytes   int64 `yaml:"memoryBytes,omitempty" json:"memoryBytes,omitempty" jsonschema:"minimum=0"`
	TimeoutMillis int64 `yaml:"timeoutMillis,omitempty" json:"timeoutMillis,omitempty" jsonschema:"minimum=0"`
	CPUMillis     int64 `yaml:"cpuMillis,omitempty" json:"cpuMillis,omitempty" jsonschema:"minimum=0"`
}

// Timeout returns the call timeout, or def when none is set.
func (r ResourceLimits) Timeout(def time.Duration) time.Duration {
	if r.TimeoutMillis <= 0 {
		return def
	}
	return time.Duration(r.TimeoutMillis) * time.Millisecond
}

// Dependency is one parsed entry of Manifest.Dependencies: a plugin id with
// an optional semver constraint ("base" or "base@^1.2.0").
type Dependency struct {
	ID         string
	Constraint *semver.Constraints
	raw        string
}

// String returns the dependency as written in the manifest.
func (d Dependency) String() string {
	return d.raw
}

// Satisfied reports whether version meets the constraint.
func (d Dependency) Satisfied(version string) bool {
	if d.Constraint == nil {
		return true
	}
	v, err := semver.StrictNewVersion(version)
	if err != nil {
		return false
	}
	return d.Constraint.Check(v)
}

// ValidationError names the manifest field that failed validation.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("manifest field %q: %s", e.Field, e.Reason)
}

// maxIDLength is the maximum allowed length for plugin ids.
const maxIDLength = 64

var (
	idPattern      = regexp.MustCompile(`^[a-z0-9-]+$`)
	versionPattern = regexp.MustCompile(`^\d+\.\d+\.\d+$`)
)

// ParseManifest parses and validates a plugin.yaml file. It never touches
// the filesystem, so a rejected manifest guarantees no plugin code was read.
func ParseManifest(data []byte) (*Manifest, error) {
	if len(data) == 0 {
		return nil, invalid("manifest", "manifest data is empty")
	}

	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, oops.In("manifest").Code(errutil.CodeValidation).
			Hint("plugin.yaml is not valid YAML").Wrapf(err, "invalid YAML")
	}

	if err := m.Validate(); err != nil {
		return nil, err
	}

	return &m, nil
}

// Validate checks manifest constraints. Identity fields are checked first.
func (m *Manifest) Validate() error {
	if m.ID == "" {
		return invalid("id", "is required")
	}
	if len(m.ID) > maxIDLength {
		return invalid("id", fmt.Sprintf("must be %d characters or less, got %d", maxIDLength, len(m.ID)))
	}
	if !idPattern.MatchString(m.ID) {
		return invalid("id", fmt.Sprintf("%q must contain only a-z, 0-9 and hyphens", m.ID))
	}

	if m.Version == "" {
		return invalid("version", "is required")
	}
	if !versionPattern.MatchString(m.Version) {
		return invalid("version", fmt.Sprintf("%q must be major.minor.patch", m.Version))
	}
	if _, err := semver.StrictNewVersion(m.Version); err != nil {
		return invalid("version", err.Error())
	}

	if strings.TrimSpace(m.Name) == "" {
		return invalid("name", "is required")
	}

	if m.Main == "" {
		return invalid("main", "is required")
	}
	if !filepath.IsLocal(filepath.FromSlash(m.Main)) {
		return invalid("main", fmt.Sprintf("%q must be a relative path inside the plugin directory", m.Main))
	}

	for _, p := range m.Permissions {
		if err := capability.ValidatePermission(p); err != nil {
			return invalid("permissions", err.Error())
		}
	}

	deps, err := parseDependencies(m.ID, m.Dependencies)
	if err != nil {
		return err
	}
	m.deps = deps

	rl := m.ResourceLimits
	if rl.MemoryBytes < 0 || rl.TimeoutMillis < 0 || rl.CPUMillis < 0 {
		return invalid("resourceLimits", "limits must not be negative")
	}

	return nil
}

// Deps returns the parsed dependency list in manifest order.
func (m *Manifest) Deps() []Dependency {
	if m.deps == nil && len(m.Dependencies) > 0 {
		m.deps, _ = parseDependencies(m.ID, m.Dependencies)
	}
	return m.deps
}

// DependencyIDs returns the ids of all declared dependencies.
func (m *Manifest) DependencyIDs() []string {
	deps := m.Deps()
	ids := make([]string, 0, len(deps))
	for _, d := range deps {
		ids = append(ids, d.ID)
	}
	return ids
}

func parseDependencies(self string, raw []string) ([]Dependency, error) {
	deps := make([]Dependency, 0, len(raw))
	seen := make(map[string]bool, len(raw))
	for _, entry := range raw {
		id, constraint, hasConstraint := strings.Cut(strings.TrimSpace(entry), "@")
		if !idPattern.MatchString(id) || len(id) > maxIDLength {
			return nil, invalid("dependencies", fmt.Sprintf("%q is not a valid plugin id", entry))
		}
		if id == self {
			return nil, invalid("dependencies", "a plugin cannot depend on itself")
		}
		if seen[id] {
			return nil, invalid("dependencies", fmt.Sprintf("%q is listed twice", id))
		}
		seen[id] = true

		dep := Dependency{ID: id, raw: entry}
		if hasConstraint {
			c, err := semver.NewConstraint(constraint)
			if err != nil {
				return nil, invalid("dependencies", fmt.Sprintf("%q: %v", entry, err))
			}
			dep.Constraint = c
		}
		deps = append(deps, dep)
	}
	return deps, nil
}

func invalid(field, reason string) error {
	return oops.In("manifest").Code(errutil.CodeValidation).With("field", field).
		Wrap(&ValidationError{Field: field, Reason: reason})
}

// AsValidationError extracts the ValidationError from err.
func AsValidationError(err error) (*ValidationError, bool) {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return ve, true
	}
	return nil, false
}
