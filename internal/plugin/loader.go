// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sandhost Contributors

package plugin

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/samber/oops"

	"github.com/sandhost/sandhost/internal/plugin/security"
	"github.com/sandhost/sandhost/pkg/errutil"
)

// DiscoveredPlugin contains a manifest and its directory.
type DiscoveredPlugin struct {
	Manifest *Manifest
	Dir      string
}

// Candidate is what a Gate sees: a plugin whose files have been read but
// whose code has not run yet.
type Candidate struct {
	Manifest  *Manifest
	Dir       string
	Source    []byte
	Digest    []byte
	Signature string
}

// Gate inspects a candidate before its sandbox is built. It reports
// whether the signature verified; an error leaves the plugin disabled.
type Gate func(ctx context.Context, c Candidate) (verified bool, err error)

// LoadFailure is one plugin that did not make it through LoadAll.
type LoadFailure struct {
	ID  string
	Dir string
	Err error
}

// LoadResult summarizes a batch load.
type LoadResult struct {
	Loaded []string
	Failed []LoadFailure
}

// Loader owns the plugin registry and drives every lifecycle transition.
// The registry lock is never held while guest code runs.
type Loader struct {
	dir          string
	runtime      Runtime
	logger       *slog.Logger
	metrics      *Metrics
	gate         Gate
	autoActivate bool
	timeout      time.Duration
	maxTimeout   time.Duration
	onError      func(pluginID, source string, err error)

	mu      sync.RWMutex
	plugins map[string]*Plugin
}

// LoaderOption configures the Loader.
type LoaderOption func(*Loader)

// WithLoaderLogger sets the loader logger.
func WithLoaderLogger(l *slog.Logger) LoaderOption {
	return func(ld *Loader) { ld.logger = l }
}

// WithLoaderMetrics records executions and status counts.
func WithLoaderMetrics(m *Metrics) LoaderOption {
	return func(ld *Loader) { ld.metrics = m }
}

// WithGate runs g on every plugin before its code executes.
func WithGate(g Gate) LoaderOption {
	return func(ld *Loader) { ld.gate = g }
}

// WithAutoActivate activates plugins as soon as LoadAll, LoadDir or
// Reload has loaded them.
func WithAutoActivate(on bool) LoaderOption {
	return func(ld *Loader) { ld.autoActivate = on }
}

// WithTimeouts sets the default call timeout and the ceiling no override
// may exceed.
func WithTimeouts(def, ceiling time.Duration) LoaderOption {
	return func(ld *Loader) {
		ld.timeout = def
		ld.maxTimeout = ceiling
	}
}

// WithCallbackErrorHandler receives failures of timer and event callbacks.
func WithCallbackErrorHandler(fn func(pluginID, source string, err error)) LoaderOption {
	return func(ld *Loader) { ld.onError = fn }
}

// NewLoader creates a loader for the plugins under dir.
// Panics if rt is nil.
func NewLoader(dir string, rt Runtime, opts ...LoaderOption) *Loader {
	if rt == nil {
		panic("plugin.NewLoader: runtime cannot be nil")
	}
	l := &Loader{
		dir:        dir,
		runtime:    rt,
		logger:     slog.Default(),
		timeout:    DefaultTimeout,
		maxTimeout: DefaultMaxTimeout,
		plugins:    make(map[string]*Plugin),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Dir returns the plugins directory.
func (l *Loader) Dir() string {
	return l.dir
}

// ReadManifest reads and validates the manifest in a plugin directory.
// Field rules are checked before the schema so errors name the field.
func ReadManifest(dir string) (*Manifest, error) {
	path := filepath.Join(dir, ManifestFile)
	data, err := os.ReadFile(path) //nolint:gosec // path is built from the plugin directory
	if err != nil {
		return nil, oops.In("loader").Code(errutil.CodeValidation).With("path", path).
			Wrapf(err, "read manifest")
	}
	m, err := ParseManifest(data)
	if err != nil {
		return nil, err
	}
	if err := ValidateSchema(data); err != nil {
		return nil, err
	}
	return m, nil
}

// Discover finds all valid plugins directly under dir. Invalid plugins are
// logged and skipped.
func (l *Loader) Discover(dir string) ([]*DiscoveredPlugin, error) {
	found, skipped, err := l.discover(dir)
	if err != nil {
		return nil, err
	}
	for _, f := range skipped {
		errutil.LogWarn(l.logger, "skipping plugin", f.Err, "dir", f.Dir)
	}
	return found, nil
}

func (l *Loader) discover(dir string) ([]*DiscoveredPlugin, []LoadFailure, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil, nil
		}
		return nil, nil, oops.In("loader").With("dir", dir).Wrapf(err, "read plugins directory")
	}

	var (
		found   []*DiscoveredPlugin
		skipped []LoadFailure
		seen    = make(map[string]string)
	)
	for _, entry := range entries {
		if !entry.IsDir() || entry.Name()[0] == '.' {
			continue
		}
		pluginDir := filepath.Join(dir, entry.Name())
		if _, err := os.Stat(filepath.Join(pluginDir, ManifestFile)); err != nil {
			continue
		}

		m, err := ReadManifest(pluginDir)
		if err != nil {
			skipped = append(skipped, LoadFailure{ID: entry.Name(), Dir: pluginDir, Err: err})
			continue
		}
		if first, dup := seen[m.ID]; dup {
			skipped = append(skipped, LoadFailure{ID: m.ID, Dir: pluginDir, Err: oops.In("loader").
				Code(errutil.CodeValidation).With("plugin", m.ID).With("first", first).
				Errorf("duplicate plugin id %q", m.ID)})
			continue
		}
		seen[m.ID] = pluginDir
		found = append(found, &DiscoveredPlugin{Manifest: m, Dir: pluginDir})
	}
	return found, skipped, nil
}

// LoadAll discovers every plugin in the loader directory and loads them in
// dependency order. Individual failures are collected, not fatal.
func (l *Loader) LoadAll(ctx context.Context) (LoadResult, error) {
	found, skipped, err := l.discover(l.dir)
	if err != nil {
		return LoadResult{}, err
	}
	result := LoadResult{Loaded: []string{}, Failed: skipped}

	byID := make(map[string]*DiscoveredPlugin, len(found))
	manifests := make([]*Manifest, 0, len(found))
	for _, dp := range found {
		byID[dp.Manifest.ID] = dp
		manifests = append(manifests, dp.Manifest)
	}

	ordered, cycles := OrderByDependencies(manifests)
	cycleIDs := make([]string, 0, len(cycles))
	for id := range cycles {
		cycleIDs = append(cycleIDs, id)
	}
	sort.Strings(cycleIDs)
	for _, id := range cycleIDs {
		dp := byID[id]
		l.registerFailed(dp.Manifest, dp.Dir, cycles[id])
		result.Failed = append(result.Failed, LoadFailure{ID: id, Dir: dp.Dir, Err: cycles[id]})
	}

	for _, m := range ordered {
		if err := ctx.Err(); err != nil {
			return result, oops.In("loader").Wrapf(err, "load interrupted")
		}
		dir := byID[m.ID].Dir
		if err := l.loadAndActivate(ctx, m, dir); err != nil {
			result.Failed = append(result.Failed, LoadFailure{ID: m.ID, Dir: dir, Err: err})
			continue
		}
		result.Loaded = append(result.Loaded, m.ID)
	}

	for _, f := range result.Failed {
		errutil.LogWarn(l.logger, "plugin failed to load", f.Err, "plugin", f.ID, "dir", f.Dir)
	}
	l.logger.Info("plugins loaded", "loaded", len(result.Loaded), "failed", len(result.Failed))
	return result, nil
}

// LoadDir reads the manifest in dir and loads the plugin.
func (l *Loader) LoadDir(ctx context.Context, dir string) (Info, error) {
	m, err := ReadManifest(dir)
	if err != nil {
		return Info{}, err
	}
	if err := l.loadAndActivate(ctx, m, dir); err != nil {
		return Info{}, err
	}
	info, _ := l.Get(m.ID)
	return info, nil
}

func (l *Loader) loadAndActivate(ctx context.Context, m *Manifest, dir string) error {
	if err := l.Load(ctx, m, dir); err != nil {
		return err
	}
	if !l.autoActivate {
		return nil
	}
	return l.Activate(ctx, m.ID)
}

// registerFailed records a plugin that could not even start loading.
func (l *Loader) registerFailed(m *Manifest, dir string, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, exists := l.plugins[m.ID]; exists {
		return
	}
	p := &Plugin{Manifest: m, Dir: dir, Resources: m.ResourceLimits}
	p.fail(err)
	l.plugins[m.ID] = p
	l.publishStatusLocked()
}

// Load moves a plugin from unloaded to loaded: it checks dependencies,
// reads the entry file, runs the gate, builds the sandbox and executes the
// module body. Any failure after registration leaves the plugin in the
// error state (or disabled, for a gate rejection) with lastError set.
func (l *Loader) Load(ctx context.Context, m *Manifest, dir string) error {
	p, err := l.begin(m, dir)
	if err != nil {
		return err
	}
	logger := l.logger.With("plugin", m.ID)

	source, err := readEntry(dir, m.Main)
	if err != nil {
		return l.abort(p, nil, err)
	}
	// The digest covers the entry bytes just read, so the signature is
	// checked against the code that will run.
	digest, err := security.DigestDirWith(dir, map[string][]byte{entryPath(m): source})
	if err != nil {
		return l.abort(p, nil, err)
	}
	signature, err := security.ReadSignature(dir)
	if err != nil {
		return l.abort(p, nil, err)
	}

	verified := false
	if l.gate != nil {
		verified, err = l.gate(ctx, Candidate{
			Manifest:  m,
			Dir:       dir,
			Source:    source,
			Digest:    digest,
			Signature: signature,
		})
		if err != nil {
			l.mu.Lock()
			if l.plugins[m.ID] == p {
				p.CodeHash = security.HashSource(source)
				p.ContentDigest = digest
				p.Signature = signature
				p.Status = StatusDisabled
				p.LastError = err
				l.publishStatusLocked()
			}
			l.mu.Unlock()
			errutil.LogWarn(logger, "plugin rejected by security gate", err)
			return err
		}
	}

	sb, err := l.runtime.NewSandbox(ctx, SandboxConfig{
		PluginID:    m.ID,
		Permissions: m.Permissions,
		Limits:      m.ResourceLimits,
		Timeout:     l.timeout,
		MaxTimeout:  l.maxTimeout,
		OnError: func(source string, err error) {
			l.metrics.callbackFailed(m.ID, source)
			if l.onError != nil {
				l.onError(m.ID, source, err)
			}
		},
	})
	if err != nil {
		return l.abort(p, nil, err)
	}

	exports, err := sb.Execute(ctx, string(source))
	if err != nil {
		return l.abort(p, sb, err)
	}
	if err := exports.Validate(); err != nil {
		return l.abort(p, sb, oops.In("loader").With("plugin", m.ID).Wrap(err))
	}

	l.mu.Lock()
	if l.plugins[m.ID] != p {
		l.mu.Unlock()
		_ = sb.Close()
		return oops.In("loader").Code(errutil.CodeInvalidState).With("plugin", m.ID).
			New("plugin was unloaded while loading")
	}
	p.sandbox = sb
	p.Exports = exports
	p.CodeHash = security.HashSource(source)
	p.ContentDigest = digest
	p.Signature = signature
	p.Verified = verified
	p.Status = StatusLoaded
	p.LoadedAt = time.Now()
	l.publishStatusLocked()
	l.mu.Unlock()

	logger.Info("loaded plugin",
		"version", m.Version,
		"exports", exports.Functions,
		"signed", signature != "",
		"verified", verified)
	return nil
}

// begin validates preconditions and registers p in the loading state.
func (l *Loader) begin(m *Manifest, dir string) (*Plugin, error) {
	if m == nil {
		return nil, oops.In("loader").Code(errutil.CodeValidation).New("manifest is required")
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if existing, ok := l.plugins[m.ID]; ok {
		return nil, oops.In("loader").Code(errutil.CodeInvalidState).With("plugin", m.ID).
			With("status", existing.Status).
			Hint("unload or reload the plugin first").
			Errorf("plugin %s is already registered (%s)", m.ID, existing.Status)
	}

	p := &Plugin{
		Manifest:  m,
		Dir:       dir,
		Status:    StatusLoading,
		Resources: m.ResourceLimits,
	}
	l.plugins[m.ID] = p

	if err := l.checkDependenciesLocked(m); err != nil {
		p.fail(err)
		l.publishStatusLocked()
		return nil, err
	}
	l.publishStatusLocked()
	return p, nil
}

func (l *Loader) checkDependenciesLocked(m *Manifest) error {
	for _, dep := range m.Deps() {
		other, ok := l.plugins[dep.ID]
		if !ok {
			return oops.In("loader").Code(errutil.CodeDependency).With("plugin", m.ID).
				With("dependency", dep.ID).Errorf("missing dependency %s", dep.ID)
		}
		if other.Status != StatusLoaded && other.Status != StatusActive {
			return oops.In("loader").Code(errutil.CodeDependency).With("plugin", m.ID).
				With("dependency", dep.ID).With("status", other.Status).
				Errorf("dependency %s is %s", dep.ID, other.Status)
		}
		if !dep.Satisfied(other.Manifest.Version) {
			return oops.In("loader").Code(errutil.CodeDependency).With("plugin", m.ID).
				With("dependency", dep.ID).With("version", other.Manifest.Version).
				Errorf("dependency %s version %s does not satisfy %s", dep.ID, other.Manifest.Version, dep)
		}
	}
	return nil
}

// abort moves p to the error state and releases sb.
func (l *Loader) abort(p *Plugin, sb Sandbox, err error) error {
	if sb != nil {
		_ = sb.Close()
	}
	l.mu.Lock()
	if l.plugins[p.ID()] == p {
		p.fail(err)
		if p.sandbox == sb {
			p.sandbox = nil
		}
		l.publishStatusLocked()
	}
	l.mu.Unlock()
	errutil.LogError(l.logger, "plugin load failed", err, "plugin", p.ID())
	return err
}

// entryPath is the manifest's main file as a clean slash-separated path.
func entryPath(m *Manifest) string {
	return path.Clean(filepath.ToSlash(m.Main))
}

// readEntry reads the entry file, refusing anything that resolves outside
// the plugin directory.
func readEntry(dir, main string) ([]byte, error) {
	root, err := filepath.EvalSymlinks(dir)
	if err != nil {
		return nil, oops.In("loader").Code(errutil.CodeValidation).With("dir", dir).
			Wrapf(err, "resolve plugin directory")
	}
	path, err := filepath.EvalSymlinks(filepath.Join(root, filepath.FromSlash(main)))
	if err != nil {
		return nil, oops.In("loader").Code(errutil.CodeValidation).With("main", main).
			Wrapf(err, "resolve entry file")
	}
	rel, err := filepath.Rel(root, path)
	if err != nil || !filepath.IsLocal(rel) {
		return nil, oops.In("loader").Code(errutil.CodeSecurity).With("main", main).
			Errorf("entry file %q resolves outside the plugin directory", main)
	}
	data, err := os.ReadFile(path) //nolint:gosec // contained in the plugin directory above
	if err != nil {
		return nil, oops.In("loader").Code(errutil.CodeValidation).With("main", main).
			Wrapf(err, "read entry file")
	}
	return data, nil
}

// lookup returns the registered plugin or PLUGIN_NOT_FOUND. The caller
// holds the lock.
func (l *Loader) lookupLocked(id string) (*Plugin, error) {
	p, ok := l.plugins[id]
	if !ok {
		return nil, oops.In("loader").Code(errutil.CodeNotFound).With("plugin", id).
			Errorf("plugin %s not found", id)
	}
	return p, nil
}

func invalidState(p *Plugin, op string) error {
	return oops.In("loader").Code(errutil.CodeInvalidState).With("plugin", p.ID()).
		With("status", p.Status).With("operation", op).
		Errorf("cannot %s plugin %s: status is %s", op, p.ID(), p.Status)
}

// Activate runs the optional init export and moves the plugin from loaded
// to active. A failing init leaves the plugin in the error state.
func (l *Loader) Activate(ctx context.Context, id string) error {
	l.mu.Lock()
	p, err := l.lookupLocked(id)
	if err != nil {
		l.mu.Unlock()
		return err
	}
	if p.Status != StatusLoaded {
		defer l.mu.Unlock()
		return invalidState(p, "activate")
	}
	sb, hasInit := p.sandbox, p.Exports.HasFunction(ExportInit)
	l.mu.Unlock()

	if hasInit {
		if _, err := l.call(ctx, p, sb, ExportInit, nil); err != nil {
			l.mu.Lock()
			owned := l.plugins[id] == p
			l.mu.Unlock()
			if owned {
				return l.abort(p, sb, err)
			}
			return err
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.plugins[id] != p || p.Status != StatusLoaded {
		return invalidState(p, "activate")
	}
	p.Status = StatusActive
	l.publishStatusLocked()
	l.logger.Info("activated plugin", "plugin", id)
	return nil
}

// Disable stops a loaded or active plugin from running. No guest code
// runs: timers are cancelled and event subscriptions dropped. A disabled
// plugin comes back only through Reload.
func (l *Loader) Disable(id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	p, err := l.lookupLocked(id)
	if err != nil {
		return err
	}
	if p.Status != StatusLoaded && p.Status != StatusActive {
		return invalidState(p, "disable")
	}
	p.Status = StatusDisabled
	cleared := p.sandbox.Suspend()
	l.publishStatusLocked()
	l.logger.Info("disabled plugin", "plugin", id, "timers_cleared", cleared)
	return nil
}

// Unload removes a plugin from the registry. An active plugin gets its
// cleanup and destroy exports called first; their failures are logged.
// Unload is refused while another loaded plugin depends on this one.
func (l *Loader) Unload(ctx context.Context, id string) error {
	l.mu.Lock()
	p, err := l.lookupLocked(id)
	if err != nil {
		l.mu.Unlock()
		return err
	}
	if deps := dependents(l.plugins, id); len(deps) > 0 {
		l.mu.Unlock()
		return oops.In("loader").Code(errutil.CodeDependency).With("plugin", id).
			With("dependents", deps).
			Hint("unload the dependent plugins first").
			Errorf("plugin %s is required by %v", id, deps)
	}
	delete(l.plugins, id)
	wasActive := p.Status == StatusActive
	sb := p.sandbox
	p.Status = StatusUnloaded
	p.sandbox = nil
	l.publishStatusLocked()
	l.mu.Unlock()

	logger := l.logger.With("plugin", id)
	if sb == nil {
		logger.Info("unloaded plugin")
		return nil
	}

	if wasActive {
		for _, hook := range []string{ExportCleanup, ExportDestroy} {
			if !p.Exports.HasFunction(hook) {
				continue
			}
			if _, err := l.call(ctx, p, sb, hook, nil); err != nil {
				errutil.LogWarn(logger, "plugin "+hook+" failed", err)
			}
		}
	}

	cleared := sb.ClearTimers()
	if err := sb.Close(); err != nil {
		errutil.LogWarn(logger, "closing sandbox failed", err)
	}
	logger.Info("unloaded plugin", "timers_cleared", cleared)
	return nil
}

// Reload unloads a plugin and loads it again from the same directory.
// Statistics start over.
func (l *Loader) Reload(ctx context.Context, id string) (Info, error) {
	l.mu.RLock()
	p, err := l.lookupLocked(id)
	var dir string
	if err == nil {
		dir = p.Dir
	}
	l.mu.RUnlock()
	if err != nil {
		return Info{}, err
	}

	if err := l.Unload(ctx, id); err != nil {
		return Info{}, err
	}
	info, err := l.LoadDir(ctx, dir)
	if err != nil {
		return Info{}, err
	}
	if info.ID != id {
		l.logger.Warn("plugin id changed on reload", "old", id, "new", info.ID)
	}
	l.logger.Info("reloaded plugin", "plugin", info.ID, "version", info.Version)
	return info, nil
}

// UnloadAll unloads every plugin, dependents before their dependencies.
func (l *Loader) UnloadAll(ctx context.Context) error {
	var errs []error
	for {
		l.mu.RLock()
		var next []string
		for id := range l.plugins {
			if len(dependents(l.plugins, id)) == 0 {
				next = append(next, id)
			}
		}
		remaining := len(l.plugins)
		l.mu.RUnlock()

		if remaining == 0 {
			break
		}
		if len(next) == 0 {
			return oops.In("loader").Code(errutil.CodeDependency).
				With("remaining", remaining).New("cannot order remaining plugins for unload")
		}
		sort.Strings(next)
		for _, id := range next {
			if err := l.Unload(ctx, id); err != nil && !errutil.HasCode(err, errutil.CodeNotFound) {
				errs = append(errs, err)
			}
		}
		if len(errs) > 0 {
			return errors.Join(errs...)
		}
	}
	return nil
}

// Execute calls the plugin's execute export.
func (l *Loader) Execute(ctx context.Context, id string, args ...any) (any, error) {
	return l.Invoke(ctx, id, ExportExecute, args...)
}

// Invoke calls any export of an active plugin and records the outcome.
func (l *Loader) Invoke(ctx context.Context, id, function string, args ...any) (any, error) {
	l.mu.RLock()
	p, err := l.lookupLocked(id)
	if err != nil {
		l.mu.RUnlock()
		return nil, err
	}
	if p.Status != StatusActive {
		defer l.mu.RUnlock()
		return nil, oops.In("loader").Code(errutil.CodeInvalidState).With("plugin", id).
			With("status", p.Status).Errorf("plugin %s is %s, not active", id, p.Status)
	}
	sb := p.sandbox
	l.mu.RUnlock()

	return l.call(ctx, p, sb, function, args)
}

// call runs one export on sb and attributes the record to p.
func (l *Loader) call(ctx context.Context, p *Plugin, sb Sandbox, function string, args []any) (any, error) {
	res, err := sb.ExecuteFunction(ctx, function, args, 0)

	l.mu.Lock()
	p.record(res.Record)
	l.mu.Unlock()
	l.metrics.observe(res.Record)

	if err != nil {
		return nil, err
	}
	return res.Value, nil
}

// Configure stores cfg on the plugin and passes it to the configure export
// when there is one.
func (l *Loader) Configure(ctx context.Context, id string, cfg map[string]any) error {
	l.mu.Lock()
	p, err := l.lookupLocked(id)
	if err != nil {
		l.mu.Unlock()
		return err
	}
	if p.Status != StatusLoaded && p.Status != StatusActive {
		defer l.mu.Unlock()
		return invalidState(p, "configure")
	}
	p.Config = cfg
	sb, hasHook := p.sandbox, p.Exports.HasFunction(ExportConfigure)
	l.mu.Unlock()

	if !hasHook {
		return nil
	}
	_, err = l.call(ctx, p, sb, ExportConfigure, []any{cfg})
	return err
}

// SetResourceLimits overrides the manifest limits for later calls.
func (l *Loader) SetResourceLimits(id string, limits ResourceLimits) error {
	if limits.MemoryBytes < 0 || limits.TimeoutMillis < 0 || limits.CPUMillis < 0 {
		return oops.In("loader").Code(errutil.CodeValidation).With("plugin", id).
			New("resource limits must not be negative")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	p, err := l.lookupLocked(id)
	if err != nil {
		return err
	}
	p.Resources = limits
	if p.sandbox != nil {
		p.sandbox.SetLimits(limits)
	}
	return nil
}

// Get returns a snapshot of one plugin.
func (l *Loader) Get(id string) (Info, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	p, ok := l.plugins[id]
	if !ok {
		return Info{}, false
	}
	return p.info(), true
}

// List returns snapshots of every registered plugin, sorted by id.
func (l *Loader) List() []Info {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Info, 0, len(l.plugins))
	for _, p := range l.plugins {
		out = append(out, p.info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// contentDigest returns the digest computed when id was loaded.
func (l *Loader) contentDigest(id string) (digest []byte, dir, main string, err error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	p, err := l.lookupLocked(id)
	if err != nil {
		return nil, "", "", err
	}
	return append([]byte(nil), p.ContentDigest...), p.Dir, entryPath(p.Manifest), nil
}

func (l *Loader) publishStatusLocked() {
	if l.metrics == nil {
		return
	}
	counts := make(map[Status]int, len(l.plugins))
	for _, p := range l.plugins {
		counts[p.Status]++
	}
	l.metrics.setStatusCounts(counts)
}
