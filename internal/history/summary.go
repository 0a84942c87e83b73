package history

import (
	"github.com/yoradio/piohooks/internal/fontpatch"
	"github.com/yoradio/piohooks/internal/staging"
)

// FromStage summarises a stage report.
func FromStage(r *staging.StageReport) Summary {
	s := Summary{
		Compressed:    r.Compressed,
		Skipped:       r.Skipped,
		Relocated:     r.Relocated,
		AlreadyStaged: r.AlreadyStaged,
		Excluded:      r.Excluded,
		SavedBytes:    r.SavedBytes(),
		Failures:      failureMessages(r.Failures),
	}
	if r.SourceMissing {
		s.Note = "source directory missing"
	}
	return s
}

// FromRestore summarises a restore report.
func FromRestore(r *staging.RestoreReport) Summary {
	s := Summary{
		Restored: r.Restored,
		Purged:   r.Purged,
		Cleanup:  r.Cleanup.String(),
		Failures: failureMessages(r.Failures),
	}
	if r.StagingMissing {
		s.Note = "nothing staged"
	}
	return s
}

// FromFont summarises a font patch result.
func FromFont(r *fontpatch.Result) Summary {
	return Summary{Font: string(r.Outcome)}
}

func failureMessages(failures []staging.FileFailure) []string {
	if len(failures) == 0 {
		return nil
	}
	out := make([]string, 0, len(failures))
	for _, f := range failures {
		out = append(out, f.Error())
	}
	return out
}
