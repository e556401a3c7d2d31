// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sandhost Contributors

package plugin

import (
	"fmt"
	"sort"
	"time"

	"github.com/samber/oops"

	"github.com/sandhost/sandhost/pkg/errutil"
)

// Status is a plugin lifecycle state.
type Status string

// Lifecycle states.
const (
	StatusUnloaded Status = "unloaded"
	StatusLoading  Status = "loading"
	StatusLoaded   Status = "loaded"
	StatusActive   Status = "active"
	StatusDisabled Status = "disabled"
	StatusError    Status = "error"
)

// Statuses returns every lifecycle state in declaration order.
func Statuses() []Status {
	return []Status{StatusUnloaded, StatusLoading, StatusLoaded, StatusActive, StatusDisabled, StatusError}
}

// Export names the host knows about.
const (
	ExportExecute   = "execute"
	ExportInit      = "init"
	ExportCleanup   = "cleanup"
	ExportDestroy   = "destroy"
	ExportConfigure = "configure"
)

// GuestExports is the shape of what a guest module exposed. The host only
// ever sees names; the values stay inside the sandbox.
type GuestExports struct {
	// Functions are the callable exports, sorted.
	Functions []string `json:"functions"`
	// Values are exported names that are not callable, sorted.
	Values []string `json:"values,omitempty"`
}

// NewGuestExports builds a GuestExports from name sets.
func NewGuestExports(functions, values []string) GuestExports {
	f := append([]string(nil), functions...)
	v := append([]string(nil), values...)
	sort.Strings(f)
	sort.Strings(v)
	return GuestExports{Functions: f, Values: v}
}

// HasFunction reports whether name is a callable export.
func (g GuestExports) HasFunction(name string) bool {
	i := sort.SearchStrings(g.Functions, name)
	return i < len(g.Functions) && g.Functions[i] == name
}

func (g GuestExports) hasValue(name string) bool {
	i := sort.SearchStrings(g.Values, name)
	return i < len(g.Values) && g.Values[i] == name
}

// Validate requires a callable execute and checks that the optional
// lifecycle hooks are callable when present.
func (g GuestExports) Validate() error {
	if !g.HasFunction(ExportExecute) {
		return oops.In("exports").Code(errutil.CodeValidation).
			Hint("return a table with an execute function from the entry file").
			New("plugin does not export an execute function")
	}
	for _, hook := range []string{ExportInit, ExportCleanup, ExportDestroy, ExportConfigure} {
		if g.hasValue(hook) {
			return oops.In("exports").Code(errutil.CodeValidation).With("export", hook).
				Errorf("export %q must be a function", hook)
		}
	}
	return nil
}

// ExecutionRecord is the outcome of one sandboxed call.
type ExecutionRecord struct {
	ID            string        `json:"id"`
	Plugin        string        `json:"plugin"`
	Function      string        `json:"function"`
	StartTime     time.Time     `json:"startTime"`
	Duration      time.Duration `json:"duration"`
	MemoryDelta   int64         `json:"memoryDelta"`
	MemoryOverrun bool          `json:"memoryOverrun,omitempty"`
	Success       bool          `json:"success"`
	Error         string        `json:"error,omitempty"`
	ErrorCode     string        `json:"errorCode,omitempty"`
	TimedOut      bool          `json:"timedOut,omitempty"`
}

// Stats are the rolling counters of one plugin.
type Stats struct {
	Executions        int64         `json:"executions"`
	Errors            int64         `json:"errors"`
	Timeouts          int64         `json:"timeouts"`
	PermissionDenials int64         `json:"permissionDenials"`
	MemoryOverruns    int64         `json:"memoryOverruns"`
	TotalTime         time.Duration `json:"totalTime"`
}

// AverageTime is the mean call duration.
func (s Stats) AverageTime() time.Duration {
	if s.Executions == 0 {
		return 0
	}
	return s.TotalTime / time.Duration(s.Executions)
}

func (s *Stats) record(rec ExecutionRecord) {
	s.Executions++
	s.TotalTime += rec.Duration
	if !rec.Success {
		s.Errors++
	}
	if rec.TimedOut {
		s.Timeouts++
	}
	if rec.ErrorCode == errutil.CodePermission {
		s.PermissionDenials++
	}
	if rec.MemoryOverrun {
		s.MemoryOverruns++
	}
}

// recentRecords is how many execution records each plugin keeps.
const recentRecords = 32

// recordRing is a fixed-size ring of the latest execution records.
type recordRing struct {
	buf  [recentRecords]ExecutionRecord
	next int
	full bool
}

func (r *recordRing) add(rec ExecutionRecord) {
	r.buf[r.next] = rec
	r.next = (r.next + 1) % recentRecords
	if r.next == 0 {
		r.full = true
	}
}

// list returns the records oldest first.
func (r *recordRing) list() []ExecutionRecord {
	if !r.full {
		return append([]ExecutionRecord(nil), r.buf[:r.next]...)
	}
	out := make([]ExecutionRecord, 0, recentRecords)
	out = append(out, r.buf[r.next:]...)
	return append(out, r.buf[:r.next]...)
}

// Plugin is one loaded manifest and everything it owns. Plugins are owned
// by the Loader; callers only ever see Info snapshots.
type Plugin struct {
	Manifest      *Manifest
	Dir           string
	Status        Status
	CodeHash      string
	ContentDigest []byte
	Signature     string
	Verified      bool
	Exports       GuestExports
	Resources     ResourceLimits
	Config        map[string]any
	LastError     error
	LoadedAt      time.Time

	sandbox Sandbox
	stats   Stats
	recent  recordRing
}

// ID returns the manifest id.
func (p *Plugin) ID() string {
	return p.Manifest.ID
}

func (p *Plugin) fail(err error) {
	p.Status = StatusError
	p.LastError = err
}

func (p *Plugin) record(rec ExecutionRecord) {
	p.stats.record(rec)
	p.recent.add(rec)
}

// Info is a read-only snapshot of a plugin.
type Info struct {
	ID           string            `json:"id"`
	Name         string            `json:"name"`
	Version      string            `json:"version"`
	Description  string            `json:"description,omitempty"`
	Author       string            `json:"author,omitempty"`
	Dir          string            `json:"dir"`
	Status       Status            `json:"status"`
	Permissions  []string          `json:"permissions"`
	Dependencies []string          `json:"dependencies,omitempty"`
	CodeHash     string            `json:"codeHash,omitempty"`
	Signed       bool              `json:"signed"`
	Verified     bool              `json:"verified"`
	Exports      GuestExports      `json:"exports"`
	Resources    ResourceLimits    `json:"resources"`
	Stats        Stats             `json:"stats"`
	ActiveTimers int               `json:"activeTimers"`
	LastError    string            `json:"lastError,omitempty"`
	LoadedAt     time.Time         `json:"loadedAt"`
	RecentCalls  []ExecutionRecord `json:"recentCalls,omitempty"`
}

// info snapshots p. The caller holds the loader lock.
func (p *Plugin) info() Info {
	in := Info{
		ID:           p.Manifest.ID,
		Name:         p.Manifest.Name,
		Version:      p.Manifest.Version,
		Description:  p.Manifest.Description,
		Author:       p.Manifest.Author,
		Dir:          p.Dir,
		Status:       p.Status,
		Permissions:  append([]string{}, p.Manifest.Permissions...),
		Dependencies: append([]string(nil), p.Manifest.Dependencies...),
		CodeHash:     p.CodeHash,
		Signed:       p.Signature != "",
		Verified:     p.Verified,
		Exports:      p.Exports,
		Resources:    p.Resources,
		Stats:        p.stats,
		LoadedAt:     p.LoadedAt,
		RecentCalls:  p.recent.list(),
	}
	if p.sandbox != nil {
		in.ActiveTimers = p.sandbox.ActiveTimers()
	}
	if p.LastError != nil {
		in.LastError = p.LastError.Error()
	}
	return in
}

// String implements fmt.Stringer.
func (in Info) String() string {
	return fmt.Sprintf("%s@%s (%s)", in.ID, in.Version, in.Status)
}
