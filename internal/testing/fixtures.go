package testing

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// AssetAge is how far WriteAssets backdates file modification times, so a
// freshly written artifact always counts as newer than its original.
const AssetAge = time.Hour

// NewWebAssetFixtures returns the web UI tree the staging tests use: two
// compressible assets and the excluded server list.
func NewWebAssetFixtures() map[string]string {
	return map[string]string{
		"app.js":        strings.Repeat("function tick(){return Date.now();}\n", 40),
		"style.css":     strings.Repeat("body{margin:0;padding:0;}\n", 20),
		"rb_srvrs.json": `{"servers":["a","b"]}`,
	}
}

// WriteAssets writes files into dir, creating it, and backdates their mtime.
func WriteAssets(t *testing.T, dir string, files map[string]string) {
	t.Helper()

	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatalf("Failed to create %s: %v", dir, err)
	}

	mtime := time.Now().Add(-AssetAge)
	for name, content := range files {
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, []byte(content), 0644); err != nil {
			t.Fatalf("Failed to write %s: %v", path, err)
		}
		if err := os.Chtimes(path, mtime, mtime); err != nil {
			t.Fatalf("Failed to set mtime on %s: %v", path, err)
		}
	}
}
