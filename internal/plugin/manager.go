// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sandhost Contributors

package plugin

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"log/slog"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/samber/oops"
	"github.com/shirou/gopsutil/v4/process"

	"github.com/sandhost/sandhost/internal/plugin/capability"
	"github.com/sandhost/sandhost/internal/plugin/hostfunc"
	"github.com/sandhost/sandhost/internal/plugin/security"
	"github.com/sandhost/sandhost/pkg/errutil"
)

// Manager is the host-facing façade over the loader. It adds the security
// gate (scan, then signature), auto-activation and reporting.
type Manager struct {
	loader  *Loader
	runtime Runtime
	bus     *hostfunc.Bus
	scanner *security.Scanner
	logger  *slog.Logger
	metrics *Metrics

	trustedKey       ed25519.PublicKey
	signingKey       ed25519.PrivateKey
	requireSignature bool
	scanOnLoad       bool
	autoActivate     bool
	timeout          time.Duration
	maxTimeout       time.Duration

	// watchMu guards closed and stopWatch. watching counts running Watch
	// calls so Close can wait for them.
	watchMu   sync.Mutex
	closed    bool
	stopWatch []context.CancelFunc
	watching  sync.WaitGroup

	closeOnce sync.Once
	closeErr  error
}

// ManagerOption configures the Manager.
type ManagerOption func(*Manager)

// WithLogger sets the manager and loader logger.
func WithLogger(l *slog.Logger) ManagerOption {
	return func(m *Manager) { m.logger = l }
}

// WithBus exposes the host event bus through Events.
func WithBus(b *hostfunc.Bus) ManagerOption {
	return func(m *Manager) { m.bus = b }
}

// WithMetrics records plugin metrics.
func WithMetrics(metrics *Metrics) ManagerOption {
	return func(m *Manager) { m.metrics = metrics }
}

// WithTrustedKey sets the public key signatures are verified against.
func WithTrustedKey(pub ed25519.PublicKey) ManagerOption {
	return func(m *Manager) { m.trustedKey = pub }
}

// WithSigningKey sets the private key SignPlugin uses.
func WithSigningKey(priv ed25519.PrivateKey) ManagerOption {
	return func(m *Manager) { m.signingKey = priv }
}

// WithRequireSignature refuses plugins without a valid signature.
func WithRequireSignature(on bool) ManagerOption {
	return func(m *Manager) { m.requireSignature = on }
}

// WithScanOnLoad runs the static scanner over every plugin before its code
// runs. A plugin with high or critical findings is disabled.
func WithScanOnLoad(on bool) ManagerOption {
	return func(m *Manager) { m.scanOnLoad = on }
}

// WithManagerAutoActivate activates plugins that pass the gate.
func WithManagerAutoActivate(on bool) ManagerOption {
	return func(m *Manager) { m.autoActivate = on }
}

// WithCallTimeouts sets the default guest call timeout and its ceiling.
func WithCallTimeouts(def, ceiling time.Duration) ManagerOption {
	return func(m *Manager) {
		m.timeout = def
		m.maxTimeout = ceiling
	}
}

// NewManager creates a plugin manager for the plugins under pluginsDir.
// Panics if rt is nil.
func NewManager(pluginsDir string, rt Runtime, opts ...ManagerOption) *Manager {
	m := &Manager{
		runtime:      rt,
		scanner:      security.NewScanner(),
		logger:       slog.Default(),
		scanOnLoad:   true,
		autoActivate: true,
		timeout:      DefaultTimeout,
		maxTimeout:   DefaultMaxTimeout,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.loader = NewLoader(pluginsDir, rt,
		WithLoaderLogger(m.logger),
		WithLoaderMetrics(m.metrics),
		WithGate(m.gate),
		WithAutoActivate(m.autoActivate),
		WithTimeouts(m.timeout, m.maxTimeout),
	)
	return m
}

// Loader returns the underlying loader.
func (m *Manager) Loader() *Loader {
	return m.loader
}

// Events returns the host event bus, or nil when none was configured.
func (m *Manager) Events() *hostfunc.Bus {
	return m.bus
}

// gate scans the plugin and checks its signature.
func (m *Manager) gate(_ context.Context, c Candidate) (bool, error) {
	if m.scanOnLoad {
		res, err := m.scanner.ScanPlugin(c.Dir, entryPath(c.Manifest), c.Source)
		if err != nil {
			return false, err
		}
		if !res.Safe {
			return false, oops.In("manager").Code(errutil.CodeSecurity).With("plugin", c.Manifest.ID).
				With("issues", len(res.Issues)).With("max_severity", res.MaxSeverity().String()).
				Hint("run `sandhost scan` on the plugin directory for details").
				Errorf("static scan of %s found blocking issues", c.Manifest.ID)
		}
	}

	verified := len(m.trustedKey) > 0 && security.Verify(c.Digest, c.Signature, m.trustedKey)
	if m.requireSignature && !verified {
		reason := "signature does not verify against the trusted key"
		if c.Signature == "" {
			reason = "plugin is not signed"
		}
		return false, oops.In("manager").Code(errutil.CodeSecurity).With("plugin", c.Manifest.ID).
			Errorf("signature required: %s", reason)
	}
	return verified, nil
}

// LoadPlugins loads every plugin in the plugins directory in dependency
// order. Plugins that fail the gate are disabled and reported as failed.
func (m *Manager) LoadPlugins(ctx context.Context) (LoadResult, error) {
	return m.loader.LoadAll(ctx)
}

// LoadPlugin loads a single plugin directory.
func (m *Manager) LoadPlugin(ctx context.Context, dir string) (Info, error) {
	return m.loader.LoadDir(ctx, dir)
}

// Execute calls the plugin's execute export.
func (m *Manager) Execute(ctx context.Context, id string, args ...any) (any, error) {
	return m.Invoke(ctx, id, ExportExecute, args...)
}

// Invoke calls any export of an active plugin. When signatures are
// required, unverified plugins are refused even if active.
func (m *Manager) Invoke(ctx context.Context, id, function string, args ...any) (any, error) {
	if m.requireSignature {
		info, ok := m.loader.Get(id)
		if ok && !info.Verified {
			return nil, oops.In("manager").Code(errutil.CodeSecurity).With("plugin", id).
				Errorf("plugin %s is not verified", id)
		}
	}
	return m.loader.Invoke(ctx, id, function, args...)
}

// Configure passes configuration to a plugin.
func (m *Manager) Configure(ctx context.Context, id string, cfg map[string]any) error {
	return m.loader.Configure(ctx, id, cfg)
}

// SetResourceLimits overrides a plugin's manifest limits.
func (m *Manager) SetResourceLimits(id string, limits ResourceLimits) error {
	return m.loader.SetResourceLimits(id, limits)
}

// Activate activates a loaded plugin.
func (m *Manager) Activate(ctx context.Context, id string) error {
	return m.loader.Activate(ctx, id)
}

// Disable disables a plugin without running its code.
func (m *Manager) Disable(id string) error {
	return m.loader.Disable(id)
}

// Unload unloads a plugin.
func (m *Manager) Unload(ctx context.Context, id string) error {
	return m.loader.Unload(ctx, id)
}

// Reload unloads a plugin and loads it again through the gate.
func (m *Manager) Reload(ctx context.Context, id string) (Info, error) {
	return m.loader.Reload(ctx, id)
}

// ListPlugins returns every registered plugin sorted by id.
func (m *Manager) ListPlugins() []Info {
	return m.loader.List()
}

// GetPluginInfo returns one plugin, or false when it is not registered.
func (m *Manager) GetPluginInfo(id string) (Info, bool) {
	return m.loader.Get(id)
}

// SignPlugin signs the plugin directory with the configured signing key and
// writes the signature sidecar.
func (m *Manager) SignPlugin(dir string) (string, error) {
	if len(m.signingKey) == 0 {
		return "", oops.In("manager").Code(errutil.CodeSecurity).
			Hint("configure a signing key or use `sandhost sign --key`").
			New("no signing key configured")
	}
	sig, err := security.Sign(dir, m.signingKey)
	if err != nil {
		return "", err
	}
	if err := security.WriteSignature(dir, sig); err != nil {
		return "", err
	}
	m.logger.Info("signed plugin", "dir", dir)
	return sig, nil
}

// PermissionRisk rates one requested permission.
type PermissionRisk struct {
	Permission string               `json:"permission"`
	Risk       capability.RiskLevel `json:"risk"`
}

// SecurityReport summarizes what a plugin may do and whether it can be
// trusted.
type SecurityReport struct {
	Plugin          string               `json:"plugin"`
	Version         string               `json:"version"`
	Status          Status               `json:"status"`
	GeneratedAt     time.Time            `json:"generatedAt"`
	RiskLevel       capability.RiskLevel `json:"riskLevel"`
	Permissions     []PermissionRisk     `json:"permissions"`
	Scan            security.ScanResult  `json:"scan"`
	CodeHash        string               `json:"codeHash"`
	Signed          bool                 `json:"signed"`
	Verified        bool                 `json:"verified"`
	ContentMatches  bool                 `json:"contentMatches"`
	Recommendations []string             `json:"recommendations,omitempty"`
}

// CreateSecurityReport rescans a registered plugin and compares its files
// with the digest taken at load time.
func (m *Manager) CreateSecurityReport(id string) (*SecurityReport, error) {
	info, ok := m.loader.Get(id)
	if !ok {
		return nil, oops.In("manager").Code(errutil.CodeNotFound).With("plugin", id).
			Errorf("plugin %s not found", id)
	}
	loadDigest, dir, main, err := m.loader.contentDigest(id)
	if err != nil {
		return nil, err
	}

	entry, err := readEntry(dir, main)
	if err != nil {
		return nil, err
	}
	scan, err := m.scanner.ScanPlugin(dir, main, entry)
	if err != nil {
		return nil, err
	}
	current, err := security.DigestDir(dir)
	if err != nil {
		return nil, err
	}

	report := &SecurityReport{
		Plugin:         info.ID,
		Version:        info.Version,
		Status:         info.Status,
		GeneratedAt:    time.Now().UTC(),
		RiskLevel:      capability.RiskLow,
		Permissions:    make([]PermissionRisk, 0, len(info.Permissions)),
		Scan:           scan,
		CodeHash:       info.CodeHash,
		Signed:         info.Signed,
		Verified:       info.Verified,
		ContentMatches: len(loadDigest) > 0 && bytes.Equal(loadDigest, current),
	}
	for _, p := range info.Permissions {
		risk := capability.Risk(p)
		report.Permissions = append(report.Permissions, PermissionRisk{Permission: p, Risk: risk})
		if risk > report.RiskLevel {
			report.RiskLevel = risk
		}
	}

	if !scan.Safe {
		report.Recommendations = append(report.Recommendations,
			"static scan found high or critical issues; review the plugin source")
	}
	if !report.Signed {
		report.Recommendations = append(report.Recommendations, "sign the plugin with a trusted key")
	} else if !report.Verified {
		report.Recommendations = append(report.Recommendations,
			"signature does not verify against the trusted key")
	}
	if !report.ContentMatches {
		report.Recommendations = append(report.Recommendations,
			"plugin files changed since load; reload before trusting it")
	}
	if report.RiskLevel >= capability.RiskHigh {
		report.Recommendations = append(report.Recommendations,
			"plugin requests high-risk permissions; grant fine-grained operations where possible")
	}
	return report, nil
}

// ProcessStats describes the host process.
type ProcessStats struct {
	RSSBytes   uint64  `json:"rssBytes"`
	CPUPercent float64 `json:"cpuPercent"`
	HeapAlloc  uint64  `json:"heapAlloc"`
	Goroutines int     `json:"goroutines"`
}

// HostStats aggregates plugin counters and process usage.
type HostStats struct {
	Plugins      int            `json:"plugins"`
	ByStatus     map[Status]int `json:"byStatus"`
	Totals       Stats          `json:"totals"`
	ActiveTimers int            `json:"activeTimers"`
	Process      ProcessStats   `json:"process"`
	CollectedAt  time.Time      `json:"collectedAt"`
}

// GetStats aggregates statistics across plugins. Process figures are best
// effort; a failed probe is logged and leaves its fields zero.
func (m *Manager) GetStats(ctx context.Context) HostStats {
	infos := m.loader.List()
	stats := HostStats{
		Plugins:     len(infos),
		ByStatus:    make(map[Status]int),
		CollectedAt: time.Now().UTC(),
	}
	for _, in := range infos {
		stats.ByStatus[in.Status]++
		stats.ActiveTimers += in.ActiveTimers
		stats.Totals.Executions += in.Stats.Executions
		stats.Totals.Errors += in.Stats.Errors
		stats.Totals.Timeouts += in.Stats.Timeouts
		stats.Totals.PermissionDenials += in.Stats.PermissionDenials
		stats.Totals.MemoryOverruns += in.Stats.MemoryOverruns
		stats.Totals.TotalTime += in.Stats.TotalTime
	}

	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	stats.Process.HeapAlloc = ms.HeapAlloc
	stats.Process.Goroutines = runtime.NumGoroutine()

	proc, err := process.NewProcessWithContext(ctx, int32(os.Getpid())) //nolint:gosec // pids fit in int32
	if err != nil {
		errutil.LogWarn(m.logger, "process stats unavailable", err)
		return stats
	}
	if mem, err := proc.MemoryInfoWithContext(ctx); err == nil {
		stats.Process.RSSBytes = mem.RSS
	} else {
		errutil.LogWarn(m.logger, "process memory unavailable", err)
	}
	if cpu, err := proc.CPUPercentWithContext(ctx); err == nil {
		stats.Process.CPUPercent = cpu
	} else {
		errutil.LogWarn(m.logger, "process cpu unavailable", err)
	}
	return stats
}

// Close unloads every plugin and closes the runtime. It is safe to call
// more than once.
func (m *Manager) Close(ctx context.Context) error {
	m.closeOnce.Do(func() {
		m.watchMu.Lock()
		m.closed = true
		for _, stop := range m.stopWatch {
			stop()
		}
		m.stopWatch = nil
		m.watchMu.Unlock()
		m.watching.Wait()

		if err := m.loader.UnloadAll(ctx); err != nil {
			m.closeErr = oops.In("manager").Wrapf(err, "unload plugins")
			return
		}
		if err := m.runtime.Close(); err != nil {
			m.closeErr = oops.In("manager").Wrapf(err, "close runtime")
		}
	})
	return m.closeErr
}
