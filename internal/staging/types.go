package staging

import (
	"fmt"
	"strings"
	"time"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// RestoreOrder selects whether originals are moved back before or after the
// artifacts are purged. Both orders end in the same tree.
type RestoreOrder int

const (
	// RestoreThenPurge moves originals back first, then deletes artifacts.
	RestoreThenPurge RestoreOrder = iota
	// PurgeThenRestore deletes artifacts first, then moves originals back.
	PurgeThenRestore
)

// String returns the configuration name of the order.
func (o RestoreOrder) String() string {
	switch o {
	case RestoreThenPurge:
		return "restore-first"
	case PurgeThenRestore:
		return "purge-first"
	default:
		return "unknown"
	}
}

// ParseRestoreOrder parses "restore-first" or "purge-first". Empty input
// selects RestoreThenPurge.
func ParseRestoreOrder(s string) (RestoreOrder, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "restore-first":
		return RestoreThenPurge, nil
	case "purge-first":
		return PurgeThenRestore, nil
	default:
		return RestoreThenPurge, fmt.Errorf("unknown restore order %q (want restore-first or purge-first)", s)
	}
}

// CleanupResult describes what happened to the staging directory at the end
// of Restore.
type CleanupResult int

const (
	// CleanupNotFound means there was no staging directory to remove.
	CleanupNotFound CleanupResult = iota
	// CleanupRemoved means the staging directory was removed.
	CleanupRemoved
	// CleanupNotEmpty means the directory still held entries and was left in place.
	CleanupNotEmpty
	// CleanupFailed means removal failed for another reason.
	CleanupFailed
)

// String returns a human-readable name for the cleanup result.
func (c CleanupResult) String() string {
	switch c {
	case CleanupNotFound:
		return "not_found"
	case CleanupRemoved:
		return "removed"
	case CleanupNotEmpty:
		return "not_empty"
	case CleanupFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Complete reports whether the staging directory is gone.
func (c CleanupResult) Complete() bool {
	return c == CleanupRemoved || c == CleanupNotFound
}

// Action is what Stage did with a single asset in the compression pass.
type Action string

const (
	ActionCompressed Action = "compressed"
	ActionCached     Action = "cached"
	ActionFailed     Action = "failed"
)

// FileResult is the outcome for one asset.
type FileResult struct {
	Name           string
	Action         Action
	OriginalSize   int64
	CompressedSize int64
	Relocated      bool
}

// SavedBytes is the size difference between the original and its artifact.
func (f FileResult) SavedBytes() int64 {
	if f.Action == ActionFailed {
		return 0
	}
	return f.OriginalSize - f.CompressedSize
}

// Savings is the fraction of the original size saved by compression.
// Empty originals report zero.
func (f FileResult) Savings() float64 {
	if f.Action == ActionFailed || f.OriginalSize == 0 {
		return 0
	}
	return 1 - float64(f.CompressedSize)/float64(f.OriginalSize)
}

// FileFailure records a per-file soft failure.
type FileFailure struct {
	Name string
	Op   string // "compress", "relocate", "unstage", "restore", "purge"
	Err  error
}

func (f FileFailure) Error() string {
	return fmt.Sprintf("%s %s: %v", f.Op, f.Name, f.Err)
}

// Unwrap returns the underlying error.
func (f FileFailure) Unwrap() error {
	return f.Err
}

// StageReport summarises a Stage run.
type StageReport struct {
	SourceDir     string
	StagingDir    string
	SourceMissing bool

	Compressed    int
	Skipped       int
	Relocated     int // originals moved into the staging directory by this run
	AlreadyStaged int // originals found staged by an earlier, unrestored run
	Excluded      int

	Files    []FileResult
	Failures []FileFailure
	Duration time.Duration
}

// Processed is the number of assets that went through the compression pass.
func (r *StageReport) Processed() int {
	return len(r.Files)
}

// SavedBytes totals the bytes saved across all artifacts of this run.
func (r *StageReport) SavedBytes() int64 {
	saved := make([]float64, 0, len(r.Files))
	for _, f := range r.Files {
		saved = append(saved, float64(f.SavedBytes()))
	}
	return int64(floats.Sum(saved))
}

// MeanSavings is the average per-file savings ratio, ignoring failed files.
func (r *StageReport) MeanSavings() float64 {
	ratios := make([]float64, 0, len(r.Files))
	for _, f := range r.Files {
		if f.Action == ActionFailed {
			continue
		}
		ratios = append(ratios, f.Savings())
	}
	if len(ratios) == 0 {
		return 0
	}
	return stat.Mean(ratios, nil)
}

// RestoreReport summarises a Restore run.
type RestoreReport struct {
	SourceDir      string
	StagingDir     string
	StagingMissing bool
	Order          RestoreOrder

	Restored int
	Purged   int
	Cleanup  CleanupResult

	Failures []FileFailure
	Duration time.Duration
}

// TreeState classifies the source and staging directories as seen by Inspect.
type TreeState int

const (
	// StateMissing means the source directory does not exist.
	StateMissing TreeState = iota
	// StateClean means originals are in place and no artifacts or staged files exist.
	StateClean
	// StateStaged means every eligible original is staged.
	StateStaged
	// StateMixed means an interrupted or partially failed run.
	StateMixed
)

// String returns a human-readable name for the state.
func (s TreeState) String() string {
	switch s {
	case StateMissing:
		return "missing"
	case StateClean:
		return "clean"
	case StateStaged:
		return "staged"
	case StateMixed:
		return "mixed"
	default:
		return "unknown"
	}
}

// Snapshot is a read-only view of the asset tree.
type Snapshot struct {
	State     TreeState
	Assets    []string // eligible originals still in the source directory
	Artifacts []string // files carrying the artifact suffix
	Staged    []string // files in the staging directory
	Excluded  []string // excluded files present in the source directory

	ExcludeRules []string // configured exclusion names
}
