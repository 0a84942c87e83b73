package staging

import (
	"compress/gzip"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/disk"

	"github.com/yoradio/piohooks/internal/utils"
)

// Default filesystem layout. These paths are what the PlatformIO data
// packaging step expects, relative to the project root.
const (
	DefaultSourceDir  = "data/www"
	DefaultStagingDir = ".pio/temp_www_backup"
	DefaultSuffix     = ".gz"
)

// DefaultExclude holds the runtime config file that must ship uncompressed.
var DefaultExclude = []string{"rb_srvrs.json"}

// DefaultPatterns matches every file name with an extension. Extensionless
// files such as LICENSE or CNAME are left alone.
var DefaultPatterns = []string{"*.*"}

// WebPatterns limits staging to the asset types the web UI serves gzipped.
var WebPatterns = []string{"*.js", "*.css", "*.html"}

// Config holds staging configuration
type Config struct {
	SourceDir  string
	StagingDir string
	Suffix     string
	Exclude    []string
	Patterns   []string // filepath.Match patterns on the base name; empty means every file
	Level      int      // gzip level; 0 selects gzip.BestCompression
	Order      RestoreOrder

	// MinFreeBytes triggers a warning before staging when the source volume
	// has less free space. Zero disables the check.
	MinFreeBytes uint64
}

func (c Config) withDefaults() Config {
	if c.SourceDir == "" {
		c.SourceDir = DefaultSourceDir
	}
	if c.StagingDir == "" {
		c.StagingDir = DefaultStagingDir
	}
	if c.Suffix == "" {
		c.Suffix = DefaultSuffix
	}
	if c.Level == 0 {
		c.Level = gzip.BestCompression
	}
	return c
}

// Manager runs the stage and restore halves of the asset lifecycle.
type Manager struct {
	cfg     Config
	exclude utils.NameSet
	log     zerolog.Logger

	// replaced in tests
	compress  func(src, dst string, level int) (int64, error)
	move      func(src, dst string) error
	diskUsage func(path string) (*disk.UsageStat, error)
}

// NewManager creates a new staging manager
func NewManager(cfg Config, log zerolog.Logger) *Manager {
	cfg = cfg.withDefaults()
	return &Manager{
		cfg:       cfg,
		exclude:   utils.NewNameSet(cfg.Exclude...),
		log:       log.With().Str("component", "staging").Logger(),
		compress:  compressFile,
		move:      moveFile,
		diskUsage: disk.Usage,
	}
}

// Config returns the effective configuration, defaults applied.
func (m *Manager) Config() Config {
	return m.cfg
}

// asset is an eligible file found by scan. Staged assets were moved out by
// an earlier run that was never restored; their original lives in the
// staging directory.
type asset struct {
	name   string
	path   string
	info   os.FileInfo
	staged bool
}

// artifactPath is where the artifact for the named asset lives.
func (m *Manager) artifactPath(name string) string {
	return filepath.Join(m.cfg.SourceDir, name+m.cfg.Suffix)
}

// matches reports whether name passes the pattern filter.
func (m *Manager) matches(name string) bool {
	if len(m.cfg.Patterns) == 0 {
		return true
	}
	for _, p := range m.cfg.Patterns {
		if ok, _ := filepath.Match(p, name); ok {
			return true
		}
	}
	return false
}

// eligible reports whether a file name can be an asset at all. Artifacts and
// partial artifacts never are.
func (m *Manager) eligible(name string) bool {
	if strings.HasSuffix(name, m.cfg.Suffix) || strings.HasSuffix(name, m.cfg.Suffix+partialSuffix) {
		return false
	}
	return m.matches(name)
}

// scan lists the regular files directly inside the source directory and
// splits them into eligible assets and excluded names. Originals left in the
// staging directory by an unrestored run are appended as staged assets unless
// the source directory holds a file of the same name.
func (m *Manager) scan() ([]asset, []string, error) {
	entries, err := os.ReadDir(m.cfg.SourceDir)
	if err != nil {
		return nil, nil, err
	}

	var assets []asset
	var excluded []string
	present := make(map[string]bool, len(entries))
	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		name := entry.Name()
		present[name] = true
		if !m.eligible(name) {
			continue
		}
		if m.exclude.Has(name) {
			excluded = append(excluded, name)
			continue
		}

		info, err := entry.Info()
		if err != nil {
			// Vanished between ReadDir and Info.
			continue
		}
		assets = append(assets, asset{
			name: name,
			path: filepath.Join(m.cfg.SourceDir, name),
			info: info,
		})
	}

	staged, err := os.ReadDir(m.cfg.StagingDir)
	if err != nil && !os.IsNotExist(err) {
		return nil, nil, err
	}
	for _, entry := range staged {
		name := entry.Name()
		if !entry.Type().IsRegular() || present[name] || !m.eligible(name) || m.exclude.Has(name) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		assets = append(assets, asset{
			name:   name,
			path:   filepath.Join(m.cfg.StagingDir, name),
			info:   info,
			staged: true,
		})
	}

	sort.Slice(assets, func(i, j int) bool { return assets[i].name < assets[j].name })

	return assets, excluded, nil
}

// Stage compresses every eligible asset and moves the originals into the
// staging directory. A missing source directory is a no-op.
func (m *Manager) Stage(ctx context.Context) (*StageReport, error) {
	start := time.Now()
	report := &StageReport{
		SourceDir:  m.cfg.SourceDir,
		StagingDir: m.cfg.StagingDir,
	}
	defer func() { report.Duration = time.Since(start) }()

	info, err := os.Stat(m.cfg.SourceDir)
	if os.IsNotExist(err) {
		m.log.Warn().Str("source", m.cfg.SourceDir).Msg("Source directory does not exist, skipping compression")
		report.SourceMissing = true
		return report, nil
	}
	if err != nil {
		return report, fmt.Errorf("failed to stat source directory: %w", err)
	}
	if !info.IsDir() {
		return report, fmt.Errorf("source path %s is not a directory", m.cfg.SourceDir)
	}

	if err := os.MkdirAll(m.cfg.StagingDir, 0755); err != nil {
		return report, fmt.Errorf("failed to create staging directory: %w", err)
	}

	m.preflight()

	assets, excluded, err := m.scan()
	if err != nil {
		return report, fmt.Errorf("failed to list source directory: %w", err)
	}

	report.Excluded = len(excluded)
	for _, name := range excluded {
		m.log.Info().Str("file", name).Msg("Skipping excluded file")
	}

	m.log.Info().
		Str("source", m.cfg.SourceDir).
		Int("assets", len(assets)).
		Msg("Compressing web files")

	for _, a := range assets {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		result := m.compressAsset(a, report)
		if a.staged {
			if result.Action == ActionFailed {
				m.unstage(a, report)
			} else {
				result.Relocated = true
				report.AlreadyStaged++
			}
		}
		report.Files = append(report.Files, result)
	}

	m.log.Info().
		Int("compressed", report.Compressed).
		Int("skipped", report.Skipped).
		Int("failed", len(report.Failures)).
		Msg("Compression pass finished")

	for i := range report.Files {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		m.relocate(&report.Files[i], report)
	}

	m.log.Info().
		Int("relocated", report.Relocated).
		Str("staging", m.cfg.StagingDir).
		Str("saved", humanize.Comma(report.SavedBytes())).
		Float64("mean_savings", report.MeanSavings()).
		Dur("duration", time.Since(start)).
		Msg("Originals moved out of source directory")

	return report, nil
}

// compressAsset runs the caching policy and compression for one asset.
func (m *Manager) compressAsset(a asset, report *StageReport) FileResult {
	result := FileResult{Name: a.name, OriginalSize: a.info.Size()}
	artifact := m.artifactPath(a.name)

	if existing, err := os.Stat(artifact); err == nil && !existing.ModTime().Before(a.info.ModTime()) {
		result.Action = ActionCached
		result.CompressedSize = existing.Size()
		report.Skipped++
		m.log.Debug().Str("file", a.name).Msg("Artifact up to date")
		return result
	}

	size, err := m.compress(a.path, artifact, m.cfg.Level)
	if err != nil {
		result.Action = ActionFailed
		report.Failures = append(report.Failures, FileFailure{Name: a.name, Op: "compress", Err: err})
		m.log.Error().Err(err).Str("file", a.name).Msg("Error compressing file")

		// A stale artifact would otherwise ship next to the uncompressed original.
		if rmErr := os.Remove(artifact); rmErr != nil && !os.IsNotExist(rmErr) {
			m.log.Warn().Err(rmErr).Str("file", a.name).Msg("Failed to remove stale artifact")
		}
		return result
	}

	result.Action = ActionCompressed
	result.CompressedSize = size
	report.Compressed++

	m.log.Info().
		Str("file", a.name).
		Str("original", humanize.Comma(result.OriginalSize)).
		Str("compressed", humanize.Comma(result.CompressedSize)).
		Str("savings", fmt.Sprintf("%.1f%%", result.Savings()*100)).
		Msg("Compressed")

	return result
}

// relocate moves the original into the staging directory when its artifact
// is present.
func (m *Manager) relocate(result *FileResult, report *StageReport) {
	if result.Action == ActionFailed || result.Relocated {
		return
	}

	src := filepath.Join(m.cfg.SourceDir, result.Name)
	if !fileExists(m.artifactPath(result.Name)) {
		return
	}

	dst := filepath.Join(m.cfg.StagingDir, result.Name)
	if err := m.move(src, dst); err != nil {
		report.Failures = append(report.Failures, FileFailure{Name: result.Name, Op: "relocate", Err: err})
		m.log.Error().Err(err).Str("file", result.Name).Msg("Failed to move original to staging directory")
		return
	}

	result.Relocated = true
	report.Relocated++
}

// unstage moves a staged original back into the source directory after its
// artifact could not be rebuilt, so the image still carries the asset.
func (m *Manager) unstage(a asset, report *StageReport) {
	dst := filepath.Join(m.cfg.SourceDir, a.name)
	if err := m.move(a.path, dst); err != nil {
		report.Failures = append(report.Failures, FileFailure{Name: a.name, Op: "unstage", Err: err})
		m.log.Error().Err(err).Str("file", a.name).Msg("Failed to move original back to source directory")
		return
	}
	m.log.Warn().Str("file", a.name).Msg("Original returned to source directory uncompressed")
}

// preflight warns when the source volume is short on space. Compression
// failures from a full disk are still handled per file.
func (m *Manager) preflight() {
	if m.cfg.MinFreeBytes == 0 {
		return
	}

	usage, err := m.diskUsage(m.cfg.SourceDir)
	if err != nil {
		m.log.Debug().Err(err).Msg("Disk usage unavailable, skipping free space check")
		return
	}

	if usage.Free < m.cfg.MinFreeBytes {
		m.log.Warn().
			Str("free", humanize.Bytes(usage.Free)).
			Str("required", humanize.Bytes(m.cfg.MinFreeBytes)).
			Str("path", usage.Path).
			Msg("Low disk space before compressing assets")
	}
}

// Restore moves staged originals back, deletes all artifacts and removes the
// staging directory. Without a staging directory it does nothing.
func (m *Manager) Restore(ctx context.Context) (*RestoreReport, error) {
	start := time.Now()
	report := &RestoreReport{
		SourceDir:  m.cfg.SourceDir,
		StagingDir: m.cfg.StagingDir,
		Order:      m.cfg.Order,
	}
	defer func() { report.Duration = time.Since(start) }()

	if _, err := os.Stat(m.cfg.StagingDir); os.IsNotExist(err) {
		m.log.Debug().Str("staging", m.cfg.StagingDir).Msg("No staging directory, nothing to restore")
		report.StagingMissing = true
		report.Cleanup = CleanupNotFound
		return report, nil
	} else if err != nil {
		return report, fmt.Errorf("failed to stat staging directory: %w", err)
	}

	if err := os.MkdirAll(m.cfg.SourceDir, 0755); err != nil {
		return report, fmt.Errorf("failed to create source directory: %w", err)
	}

	m.log.Info().
		Str("staging", m.cfg.StagingDir).
		Str("order", m.cfg.Order.String()).
		Msg("Restoring original files")

	steps := []func(context.Context, *RestoreReport) error{m.restoreOriginals, m.purgeArtifacts}
	if m.cfg.Order == PurgeThenRestore {
		steps = []func(context.Context, *RestoreReport) error{m.purgeArtifacts, m.restoreOriginals}
	}
	for _, step := range steps {
		if err := step(ctx, report); err != nil {
			return report, err
		}
	}

	report.Cleanup = m.removeStagingDir()

	m.log.Info().
		Int("restored", report.Restored).
		Int("purged", report.Purged).
		Str("cleanup", report.Cleanup.String()).
		Int("failed", len(report.Failures)).
		Dur("duration", time.Since(start)).
		Msg("Source directory restored")

	return report, nil
}

func (m *Manager) restoreOriginals(ctx context.Context, report *RestoreReport) error {
	entries, err := os.ReadDir(m.cfg.StagingDir)
	if err != nil {
		return fmt.Errorf("failed to list staging directory: %w", err)
	}

	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !entry.Type().IsRegular() {
			continue
		}

		name := entry.Name()
		src := filepath.Join(m.cfg.StagingDir, name)
		dst := filepath.Join(m.cfg.SourceDir, name)
		if err := m.move(src, dst); err != nil {
			report.Failures = append(report.Failures, FileFailure{Name: name, Op: "restore", Err: err})
			m.log.Error().Err(err).Str("file", name).Msg("Failed to restore original")
			continue
		}

		report.Restored++
		m.log.Debug().Str("file", name).Msg("Restored")
	}

	return nil
}

// purgeArtifacts deletes every file in the source directory that carries the
// artifact suffix, whether or not its original was staged.
func (m *Manager) purgeArtifacts(ctx context.Context, report *RestoreReport) error {
	entries, err := os.ReadDir(m.cfg.SourceDir)
	if err != nil {
		return fmt.Errorf("failed to list source directory: %w", err)
	}

	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !entry.Type().IsRegular() {
			continue
		}

		name := entry.Name()
		path := filepath.Join(m.cfg.SourceDir, name)
		if strings.HasSuffix(name, m.cfg.Suffix+partialSuffix) {
			_ = os.Remove(path)
			continue
		}
		if !strings.HasSuffix(name, m.cfg.Suffix) {
			continue
		}

		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			report.Failures = append(report.Failures, FileFailure{Name: name, Op: "purge", Err: err})
			m.log.Error().Err(err).Str("file", name).Msg("Failed to delete artifact")
			continue
		}

		report.Purged++
		m.log.Debug().Str("file", name).Msg("Deleted artifact")
	}

	return nil
}

// removeStagingDir removes the (expected empty) staging directory.
func (m *Manager) removeStagingDir() CleanupResult {
	err := os.Remove(m.cfg.StagingDir)
	if err == nil {
		return CleanupRemoved
	}
	if os.IsNotExist(err) {
		return CleanupNotFound
	}

	if entries, readErr := os.ReadDir(m.cfg.StagingDir); readErr == nil && len(entries) > 0 {
		m.log.Warn().
			Str("staging", m.cfg.StagingDir).
			Int("entries", len(entries)).
			Msg("Staging directory not empty, leaving it for the next run")
		return CleanupNotEmpty
	}

	m.log.Warn().Err(err).Str("staging", m.cfg.StagingDir).Msg("Failed to remove staging directory")
	return CleanupFailed
}

// Inspect reports the current state of the source and staging directories
// without changing anything.
func (m *Manager) Inspect() (*Snapshot, error) {
	snap := &Snapshot{ExcludeRules: m.exclude.Sorted()}

	if _, err := os.Stat(m.cfg.SourceDir); os.IsNotExist(err) {
		snap.State = StateMissing
		return snap, nil
	} else if err != nil {
		return nil, fmt.Errorf("failed to stat source directory: %w", err)
	}

	assets, excluded, err := m.scan()
	if err != nil {
		return nil, fmt.Errorf("failed to list source directory: %w", err)
	}
	for _, a := range assets {
		if !a.staged {
			snap.Assets = append(snap.Assets, a.name)
		}
	}
	snap.Excluded = excluded

	entries, err := os.ReadDir(m.cfg.SourceDir)
	if err != nil {
		return nil, fmt.Errorf("failed to list source directory: %w", err)
	}
	for _, entry := range entries {
		if entry.Type().IsRegular() && strings.HasSuffix(entry.Name(), m.cfg.Suffix) {
			snap.Artifacts = append(snap.Artifacts, entry.Name())
		}
	}

	staged, err := os.ReadDir(m.cfg.StagingDir)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to list staging directory: %w", err)
	}
	for _, entry := range staged {
		snap.Staged = append(snap.Staged, entry.Name())
	}

	switch {
	case len(snap.Staged) == 0 && len(snap.Artifacts) == 0:
		snap.State = StateClean
	case len(snap.Staged) > 0 && len(snap.Assets) == 0:
		snap.State = StateStaged
	default:
		snap.State = StateMixed
	}

	return snap, nil
}
