// Package staging compresses the web assets of a PlatformIO project before the
// filesystem image is packaged and puts the originals back afterwards.
//
// # Lifecycle
//
// Stage runs in the pre-image hook. Every eligible file directly inside the
// source directory (data/www by default) gets a gzip sibling named
// <file>.gz, and the original is moved into the staging directory
// (.pio/temp_www_backup by default) so the packaged image only carries the
// compressed copies:
//
//	data/www/app.js        -> data/www/app.js.gz + .pio/temp_www_backup/app.js
//	data/www/rb_srvrs.json -> untouched (excluded)
//
// Restore runs in the post-image hook. It moves the originals back, deletes
// every file carrying the artifact suffix and removes the staging directory.
//
// # Caching
//
// An artifact whose mtime is not older than its source is reused as is. This
// is the only cross-run state; nothing else is persisted.
//
// # Failure policy
//
// Both operations are best effort. A file that cannot be compressed or moved
// is logged, recorded in the report and left where it was; the remaining
// files are still processed. Only conditions that prevent the whole operation
// (unreadable source directory, staging directory cannot be created) are
// returned as errors, and callers in the hook layer log rather than fail the
// build.
//
// The staging directory is not locked. Two builds sharing it at the same time
// are unsupported.
package staging
