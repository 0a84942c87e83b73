package staging

import (
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testTree is a project root with a source and a staging directory.
type testTree struct {
	root    string
	source  string
	staging string
}

func newTestTree(t *testing.T) testTree {
	t.Helper()
	root := t.TempDir()
	tree := testTree{
		root:    root,
		source:  filepath.Join(root, "data", "www"),
		staging: filepath.Join(root, ".pio", "temp_www_backup"),
	}
	require.NoError(t, os.MkdirAll(tree.source, 0755))
	return tree
}

func (tt testTree) config() Config {
	return Config{
		SourceDir:  tt.source,
		StagingDir: tt.staging,
		Exclude:    DefaultExclude,
	}
}

// writeAsset writes size bytes of compressible content and backdates the
// file so artifacts written during the test are strictly newer.
func writeAsset(t *testing.T, dir, name string, size int) []byte {
	t.Helper()
	content := bytes.Repeat([]byte("yoRadio web asset "), size/18+1)[:size]
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, content, 0644))
	past := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(path, past, past))
	return content
}

func listNames(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names
}

func gunzipFile(t *testing.T, path string) []byte {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	r, err := gzip.NewReader(f)
	require.NoError(t, err)
	data, err := io.ReadAll(r)
	require.NoError(t, err)
	return data
}

func TestStageAndRestore_Scenario(t *testing.T) {
	tree := newTestTree(t)
	appJS := writeAsset(t, tree.source, "app.js", 1000)
	styleCSS := writeAsset(t, tree.source, "style.css", 500)
	servers := writeAsset(t, tree.source, "rb_srvrs.json", 50)

	m := NewManager(tree.config(), zerolog.Nop())

	report, err := m.Stage(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, report.Compressed)
	assert.Equal(t, 0, report.Skipped)
	assert.Equal(t, 2, report.Relocated)
	assert.Equal(t, 1, report.Excluded)
	assert.Empty(t, report.Failures)
	assert.Equal(t, []string{"app.js.gz", "rb_srvrs.json", "style.css.gz"}, listNames(t, tree.source))
	assert.Equal(t, []string{"app.js", "style.css"}, listNames(t, tree.staging))
	assert.Equal(t, appJS, gunzipFile(t, filepath.Join(tree.source, "app.js.gz")))
	assert.Equal(t, styleCSS, gunzipFile(t, filepath.Join(tree.source, "style.css.gz")))
	assert.Greater(t, report.SavedBytes(), int64(0))
	assert.Greater(t, report.MeanSavings(), 0.5)

	restore, err := m.Restore(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, restore.Restored)
	assert.Equal(t, 2, restore.Purged)
	assert.Equal(t, CleanupRemoved, restore.Cleanup)
	assert.Equal(t, []string{"app.js", "rb_srvrs.json", "style.css"}, listNames(t, tree.source))
	assert.NoDirExists(t, tree.staging)

	for name, want := range map[string][]byte{"app.js": appJS, "style.css": styleCSS, "rb_srvrs.json": servers} {
		got, err := os.ReadFile(filepath.Join(tree.source, name))
		require.NoError(t, err)
		assert.Equal(t, want, got, name)
	}
}

func TestStage_SecondRunReusesArtifacts(t *testing.T) {
	tree := newTestTree(t)
	writeAsset(t, tree.source, "app.js", 1000)
	writeAsset(t, tree.source, "style.css", 500)

	m := NewManager(tree.config(), zerolog.Nop())

	_, err := m.Stage(context.Background())
	require.NoError(t, err)
	first, err := os.ReadFile(filepath.Join(tree.source, "app.js.gz"))
	require.NoError(t, err)

	report, err := m.Stage(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 0, report.Compressed)
	assert.Equal(t, 2, report.Skipped)
	assert.Equal(t, 0, report.Relocated)
	assert.Equal(t, 2, report.AlreadyStaged)

	second, err := os.ReadFile(filepath.Join(tree.source, "app.js.gz"))
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, []string{"app.js", "style.css"}, listNames(t, tree.staging))
}

func TestStage_FreshArtifactIsCached(t *testing.T) {
	tree := newTestTree(t)
	writeAsset(t, tree.source, "app.js", 1000)
	artifact := filepath.Join(tree.source, "app.js.gz")
	require.NoError(t, os.WriteFile(artifact, []byte("cached"), 0644))

	m := NewManager(tree.config(), zerolog.Nop())
	report, err := m.Stage(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 0, report.Compressed)
	assert.Equal(t, 1, report.Skipped)
	assert.Equal(t, 1, report.Relocated)

	data, err := os.ReadFile(artifact)
	require.NoError(t, err)
	assert.Equal(t, "cached", string(data))
}

func TestStage_StaleArtifactIsRecompressed(t *testing.T) {
	tree := newTestTree(t)
	artifact := filepath.Join(tree.source, "app.js.gz")
	require.NoError(t, os.WriteFile(artifact, []byte("stale"), 0644))
	past := time.Now().Add(-2 * time.Hour)
	require.NoError(t, os.Chtimes(artifact, past, past))
	content := writeAsset(t, tree.source, "app.js", 1000)

	m := NewManager(tree.config(), zerolog.Nop())
	report, err := m.Stage(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, report.Compressed)
	assert.Equal(t, 0, report.Skipped)
	assert.Equal(t, content, gunzipFile(t, artifact))
}

func TestStage_CompressionFailureKeepsOriginal(t *testing.T) {
	tree := newTestTree(t)
	writeAsset(t, tree.source, "app.js", 1000)
	broken := writeAsset(t, tree.source, "broken.js", 300)
	// A stale artifact must not survive next to the uncompressed original.
	stale := filepath.Join(tree.source, "broken.js.gz")
	require.NoError(t, os.WriteFile(stale, []byte("stale"), 0644))
	past := time.Now().Add(-2 * time.Hour)
	require.NoError(t, os.Chtimes(stale, past, past))

	m := NewManager(tree.config(), zerolog.Nop())
	diskFull := errors.New("no space left on device")
	m.compress = func(src, dst string, level int) (int64, error) {
		if filepath.Base(src) == "broken.js" {
			return 0, diskFull
		}
		return compressFile(src, dst, level)
	}

	report, err := m.Stage(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, report.Compressed)
	assert.Equal(t, 1, report.Relocated)
	require.Len(t, report.Failures, 1)
	assert.Equal(t, "broken.js", report.Failures[0].Name)
	assert.Equal(t, "compress", report.Failures[0].Op)
	assert.ErrorIs(t, report.Failures[0], diskFull)

	assert.Equal(t, []string{"app.js.gz", "broken.js"}, listNames(t, tree.source))
	got, err := os.ReadFile(filepath.Join(tree.source, "broken.js"))
	require.NoError(t, err)
	assert.Equal(t, broken, got)
}

func TestStage_StagedOriginalReturnsWhenRecompressionFails(t *testing.T) {
	tree := newTestTree(t)
	content := writeAsset(t, tree.source, "app.js", 1000)
	writeAsset(t, tree.source, "style.css", 500)

	m := NewManager(tree.config(), zerolog.Nop())
	_, err := m.Stage(context.Background())
	require.NoError(t, err)
	require.NoError(t, os.Remove(filepath.Join(tree.source, "app.js.gz")))

	diskFull := errors.New("no space left on device")
	m.compress = func(src, dst string, level int) (int64, error) {
		return 0, diskFull
	}

	report, err := m.Stage(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, report.Skipped)
	assert.Equal(t, 1, report.AlreadyStaged)
	require.Len(t, report.Failures, 1)
	assert.Equal(t, "compress", report.Failures[0].Op)
	assert.ErrorIs(t, report.Failures[0], diskFull)

	got, err := os.ReadFile(filepath.Join(tree.source, "app.js"))
	require.NoError(t, err)
	assert.Equal(t, content, got)
	assert.Equal(t, []string{"app.js", "style.css.gz"}, listNames(t, tree.source))
	assert.Equal(t, []string{"style.css"}, listNames(t, tree.staging))
}

func TestStage_StagedOriginalStuckWhenMoveBackFails(t *testing.T) {
	tree := newTestTree(t)
	writeAsset(t, tree.source, "app.js", 1000)

	m := NewManager(tree.config(), zerolog.Nop())
	_, err := m.Stage(context.Background())
	require.NoError(t, err)
	require.NoError(t, os.Remove(filepath.Join(tree.source, "app.js.gz")))

	m.compress = func(src, dst string, level int) (int64, error) {
		return 0, errors.New("no space left on device")
	}
	m.move = func(src, dst string) error { return errors.New("permission denied") }

	report, err := m.Stage(context.Background())
	require.NoError(t, err)

	require.Len(t, report.Failures, 2)
	assert.Equal(t, "compress", report.Failures[0].Op)
	assert.Equal(t, "unstage", report.Failures[1].Op)
	assert.Equal(t, 0, report.AlreadyStaged)
}

func TestStage_RelocationFailureLeavesOriginal(t *testing.T) {
	tree := newTestTree(t)
	writeAsset(t, tree.source, "app.js", 1000)

	m := NewManager(tree.config(), zerolog.Nop())
	m.move = func(src, dst string) error { return errors.New("permission denied") }

	report, err := m.Stage(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, report.Compressed)
	assert.Equal(t, 0, report.Relocated)
	require.Len(t, report.Failures, 1)
	assert.Equal(t, "relocate", report.Failures[0].Op)
	assert.FileExists(t, filepath.Join(tree.source, "app.js"))
}

func TestStage_ExcludedFileUntouched(t *testing.T) {
	tree := newTestTree(t)
	writeAsset(t, tree.source, "app.js", 1000)
	content := writeAsset(t, tree.source, "rb_srvrs.json", 50)
	path := filepath.Join(tree.source, "rb_srvrs.json")
	before, err := os.Stat(path)
	require.NoError(t, err)

	m := NewManager(tree.config(), zerolog.Nop())
	_, err = m.Stage(context.Background())
	require.NoError(t, err)
	_, err = m.Restore(context.Background())
	require.NoError(t, err)

	after, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, before.ModTime(), after.ModTime())
	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, content, got)
	assert.NoFileExists(t, path+".gz")
}

func TestStage_PatternFilter(t *testing.T) {
	tree := newTestTree(t)
	writeAsset(t, tree.source, "app.js", 1000)
	writeAsset(t, tree.source, "index.html", 800)
	writeAsset(t, tree.source, "logo.png", 400)

	cfg := tree.config()
	cfg.Patterns = WebPatterns
	m := NewManager(cfg, zerolog.Nop())

	report, err := m.Stage(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, report.Compressed)
	assert.Equal(t, []string{"app.js.gz", "index.html.gz", "logo.png"}, listNames(t, tree.source))
}

func TestStage_DefaultPatternsSkipExtensionlessFiles(t *testing.T) {
	tree := newTestTree(t)
	writeAsset(t, tree.source, "app.js", 1000)
	license := writeAsset(t, tree.source, "LICENSE", 600)

	cfg := tree.config()
	cfg.Patterns = DefaultPatterns
	m := NewManager(cfg, zerolog.Nop())

	report, err := m.Stage(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, report.Compressed)
	assert.Equal(t, []string{"LICENSE", "app.js.gz"}, listNames(t, tree.source))
	got, err := os.ReadFile(filepath.Join(tree.source, "LICENSE"))
	require.NoError(t, err)
	assert.Equal(t, license, got)
}

func TestStage_IgnoresExistingArtifactsAndDirectories(t *testing.T) {
	tree := newTestTree(t)
	writeAsset(t, tree.source, "app.js", 1000)
	require.NoError(t, os.WriteFile(filepath.Join(tree.source, "vendor.js.gz"), []byte("x"), 0644))
	require.NoError(t, os.Mkdir(filepath.Join(tree.source, "img"), 0755))

	m := NewManager(tree.config(), zerolog.Nop())
	report, err := m.Stage(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, report.Processed())
	assert.NoFileExists(t, filepath.Join(tree.source, "vendor.js.gz.gz"))
	assert.DirExists(t, filepath.Join(tree.source, "img"))
}

func TestStage_MissingSourceIsNoop(t *testing.T) {
	root := t.TempDir()
	m := NewManager(Config{
		SourceDir:  filepath.Join(root, "data", "www"),
		StagingDir: filepath.Join(root, ".pio", "temp_www_backup"),
	}, zerolog.Nop())

	report, err := m.Stage(context.Background())
	require.NoError(t, err)

	assert.True(t, report.SourceMissing)
	assert.Equal(t, 0, report.Processed())
	assert.Equal(t, 0, report.Relocated)
	assert.NoDirExists(t, filepath.Join(root, ".pio", "temp_www_backup"))
}

func TestStage_SourceIsFile(t *testing.T) {
	root := t.TempDir()
	source := filepath.Join(root, "www")
	require.NoError(t, os.WriteFile(source, []byte("x"), 0644))

	m := NewManager(Config{SourceDir: source, StagingDir: filepath.Join(root, "stage")}, zerolog.Nop())
	_, err := m.Stage(context.Background())
	assert.Error(t, err)
}

func TestStage_CancelledContext(t *testing.T) {
	tree := newTestTree(t)
	writeAsset(t, tree.source, "app.js", 1000)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	m := NewManager(tree.config(), zerolog.Nop())
	report, err := m.Stage(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, report.Compressed)
	assert.FileExists(t, filepath.Join(tree.source, "app.js"))
}

func TestStage_LowDiskSpaceWarns(t *testing.T) {
	tree := newTestTree(t)
	writeAsset(t, tree.source, "app.js", 1000)

	var buf bytes.Buffer
	cfg := tree.config()
	cfg.MinFreeBytes = 64 << 20
	m := NewManager(cfg, zerolog.New(&buf))
	m.diskUsage = func(path string) (*disk.UsageStat, error) {
		return &disk.UsageStat{Path: path, Free: 1 << 20}, nil
	}

	report, err := m.Stage(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, report.Compressed)
	assert.Contains(t, buf.String(), "Low disk space")
}

func TestRestore_WithoutStageIsNoop(t *testing.T) {
	tree := newTestTree(t)
	writeAsset(t, tree.source, "app.js", 1000)

	m := NewManager(tree.config(), zerolog.Nop())
	report, err := m.Restore(context.Background())
	require.NoError(t, err)

	assert.True(t, report.StagingMissing)
	assert.Equal(t, 0, report.Restored)
	assert.Equal(t, 0, report.Purged)
	assert.Equal(t, CleanupNotFound, report.Cleanup)
	assert.True(t, report.Cleanup.Complete())
	assert.Equal(t, []string{"app.js"}, listNames(t, tree.source))
}

func TestRestore_BothOrdersProduceSameTree(t *testing.T) {
	for _, order := range []RestoreOrder{RestoreThenPurge, PurgeThenRestore} {
		t.Run(order.String(), func(t *testing.T) {
			tree := newTestTree(t)
			writeAsset(t, tree.source, "app.js", 1000)
			writeAsset(t, tree.source, "style.css", 500)
			writeAsset(t, tree.source, "rb_srvrs.json", 50)

			cfg := tree.config()
			cfg.Order = order
			m := NewManager(cfg, zerolog.Nop())

			_, err := m.Stage(context.Background())
			require.NoError(t, err)

			report, err := m.Restore(context.Background())
			require.NoError(t, err)

			assert.Equal(t, order, report.Order)
			assert.Equal(t, 2, report.Restored)
			assert.Equal(t, 2, report.Purged)
			assert.Equal(t, CleanupRemoved, report.Cleanup)
			assert.Equal(t, []string{"app.js", "rb_srvrs.json", "style.css"}, listNames(t, tree.source))
		})
	}
}

func TestRestore_PurgesUnrelatedArtifacts(t *testing.T) {
	tree := newTestTree(t)
	writeAsset(t, tree.source, "app.js", 1000)
	m := NewManager(tree.config(), zerolog.Nop())

	_, err := m.Stage(context.Background())
	require.NoError(t, err)
	// Artifact without a staged original, e.g. dropped in by hand mid-build.
	require.NoError(t, os.WriteFile(filepath.Join(tree.source, "orphan.css.gz"), []byte("x"), 0644))

	report, err := m.Restore(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, report.Purged)
	assert.Equal(t, []string{"app.js"}, listNames(t, tree.source))
}

func TestRestore_OverwritesSourceFile(t *testing.T) {
	tree := newTestTree(t)
	original := writeAsset(t, tree.source, "app.js", 1000)
	m := NewManager(tree.config(), zerolog.Nop())

	_, err := m.Stage(context.Background())
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(tree.source, "app.js"), []byte("placeholder"), 0644))

	_, err = m.Restore(context.Background())
	require.NoError(t, err)

	got, err := os.ReadFile(filepath.Join(tree.source, "app.js"))
	require.NoError(t, err)
	assert.Equal(t, original, got)
}

func TestRestore_NonEmptyStagingDirectory(t *testing.T) {
	tree := newTestTree(t)
	writeAsset(t, tree.source, "app.js", 1000)
	m := NewManager(tree.config(), zerolog.Nop())

	_, err := m.Stage(context.Background())
	require.NoError(t, err)
	require.NoError(t, os.Mkdir(filepath.Join(tree.staging, "nested"), 0755))

	report, err := m.Restore(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, report.Restored)
	assert.Equal(t, CleanupNotEmpty, report.Cleanup)
	assert.False(t, report.Cleanup.Complete())
	assert.DirExists(t, tree.staging)
	assert.FileExists(t, filepath.Join(tree.source, "app.js"))
}

func TestRestore_RecreatesMissingSourceDirectory(t *testing.T) {
	tree := newTestTree(t)
	content := writeAsset(t, tree.source, "app.js", 1000)
	m := NewManager(tree.config(), zerolog.Nop())

	_, err := m.Stage(context.Background())
	require.NoError(t, err)
	require.NoError(t, os.RemoveAll(tree.source))

	report, err := m.Restore(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, report.Restored)
	got, err := os.ReadFile(filepath.Join(tree.source, "app.js"))
	require.NoError(t, err)
	assert.Equal(t, content, got)
}

func TestInspect(t *testing.T) {
	tree := newTestTree(t)
	writeAsset(t, tree.source, "app.js", 1000)
	writeAsset(t, tree.source, "style.css", 500)
	writeAsset(t, tree.source, "rb_srvrs.json", 50)
	m := NewManager(tree.config(), zerolog.Nop())

	snap, err := m.Inspect()
	require.NoError(t, err)
	assert.Equal(t, StateClean, snap.State)
	assert.Equal(t, []string{"app.js", "style.css"}, snap.Assets)
	assert.Equal(t, []string{"rb_srvrs.json"}, snap.Excluded)
	assert.Equal(t, []string{"rb_srvrs.json"}, snap.ExcludeRules)

	_, err = m.Stage(context.Background())
	require.NoError(t, err)

	snap, err = m.Inspect()
	require.NoError(t, err)
	assert.Equal(t, StateStaged, snap.State)
	assert.Empty(t, snap.Assets)
	assert.Equal(t, []string{"app.js.gz", "style.css.gz"}, snap.Artifacts)
	assert.Equal(t, []string{"app.js", "style.css"}, snap.Staged)

	// Simulate an interrupted restore: one original back, artifacts still present.
	require.NoError(t, os.Rename(filepath.Join(tree.staging, "app.js"), filepath.Join(tree.source, "app.js")))
	snap, err = m.Inspect()
	require.NoError(t, err)
	assert.Equal(t, StateMixed, snap.State)
}

func TestInspect_MissingSource(t *testing.T) {
	m := NewManager(Config{SourceDir: filepath.Join(t.TempDir(), "nope")}, zerolog.Nop())
	snap, err := m.Inspect()
	require.NoError(t, err)
	assert.Equal(t, StateMissing, snap.State)
	assert.Empty(t, snap.ExcludeRules)
}

func TestParseRestoreOrder(t *testing.T) {
	order, err := ParseRestoreOrder("")
	require.NoError(t, err)
	assert.Equal(t, RestoreThenPurge, order)

	order, err = ParseRestoreOrder("Purge-First")
	require.NoError(t, err)
	assert.Equal(t, PurgeThenRestore, order)

	_, err = ParseRestoreOrder("sideways")
	assert.Error(t, err)
}

func TestNewManager_Defaults(t *testing.T) {
	m := NewManager(Config{}, zerolog.Nop())
	cfg := m.Config()

	assert.Equal(t, DefaultSourceDir, cfg.SourceDir)
	assert.Equal(t, DefaultStagingDir, cfg.StagingDir)
	assert.Equal(t, DefaultSuffix, cfg.Suffix)
	assert.Equal(t, gzip.BestCompression, cfg.Level)
	assert.True(t, strings.HasPrefix(cfg.StagingDir, ".pio"))
}
