package hooks

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/yoradio/piohooks/internal/config"
	"github.com/yoradio/piohooks/internal/fontpatch"
	"github.com/yoradio/piohooks/internal/history"
	"github.com/yoradio/piohooks/internal/staging"
	"github.com/yoradio/piohooks/internal/utils"
)

// Recorder stores hook runs. *history.Repository implements it.
type Recorder interface {
	Record(ctx context.Context, run history.Run) (string, error)
	Prune(ctx context.Context, keep int) (int64, error)
}

// Runner executes the hooks.
type Runner struct {
	cfg     *config.Config
	stager  *staging.Manager
	fonts   *fontpatch.Patcher
	history Recorder
	log     zerolog.Logger
}

// NewRunner creates a runner. rec may be nil to disable run history.
func NewRunner(cfg *config.Config, rec Recorder, log zerolog.Logger) *Runner {
	return &Runner{
		cfg:     cfg,
		stager:  staging.NewManager(cfg.Staging, log),
		fonts:   fontpatch.NewPatcher(cfg.Font, log),
		history: rec,
		log:     log.With().Str("component", "hooks").Logger(),
	}
}

// Stager returns the staging manager the runner drives.
func (r *Runner) Stager() *staging.Manager {
	return r.stager
}

// ImageTarget is the build node the image actions are attached to.
func (r *Runner) ImageTarget() string {
	return BuildDirVar + "/" + r.cfg.ImageName
}

// Register attaches BeforeImage and AfterImage around the filesystem image.
// The actions run under ctx.
func (r *Runner) Register(ctx context.Context, host Host) {
	target := r.ImageTarget()

	host.AddPreAction(target, func(source, target string, env Environment) error {
		_, err := r.BeforeImage(ctx, env)
		return err
	})
	host.AddPostAction(target, func(source, target string, env Environment) error {
		_, err := r.AfterImage(ctx, env)
		return err
	})

	r.log.Debug().Str("target", target).Msg("Registered filesystem image actions")
}

// BeforeImage stages the web assets. Staging problems are logged and
// recorded but never fail the build; only history errors are returned.
func (r *Runner) BeforeImage(ctx context.Context, env Environment) (*staging.StageReport, error) {
	started := time.Now()
	stop := utils.OperationTimer("before_image", r.log)

	summary := history.Summary{}
	report, err := r.stager.Stage(ctx)
	if err != nil {
		r.log.Error().Err(err).Msg("Asset staging failed, building image from unmodified assets")
		summary.Note = err.Error()
	} else {
		summary = history.FromStage(report)
	}

	return report, r.record(ctx, history.KindStage, env, started, stop(), summary)
}

// AfterImage restores the web assets. Like BeforeImage it only returns
// history errors.
func (r *Runner) AfterImage(ctx context.Context, env Environment) (*staging.RestoreReport, error) {
	started := time.Now()
	stop := utils.OperationTimer("after_image", r.log)

	summary := history.Summary{}
	report, err := r.stager.Restore(ctx)
	if err != nil {
		r.log.Error().Err(err).Msg("Asset restore failed")
		summary.Note = err.Error()
	} else {
		summary = history.FromRestore(report)
		if !report.Cleanup.Complete() {
			r.log.Warn().
				Str("staging_dir", report.StagingDir).
				Str("cleanup", report.Cleanup.String()).
				Msg("Staging directory left in place")
		}
	}

	return report, r.record(ctx, history.KindRestore, env, started, stop(), summary)
}

// PrepareReport describes what Prepare did.
type PrepareReport struct {
	Env          string
	Targets      []string
	Filesystem   bool
	ImagePath    string
	ImageRemoved bool
	Stage        *staging.StageReport
	Font         *fontpatch.Result
}

// Prepare runs at build initialization. A filesystem build drops the cached
// image so it is always rebuilt, then stages eagerly. Any other build gets the
// custom font.
func (r *Runner) Prepare(ctx context.Context, targets TargetSet, env Environment) (*PrepareReport, error) {
	started := time.Now()
	stop := utils.OperationTimer("prepare", r.log)

	report := &PrepareReport{
		Env:        EnvName(env),
		Targets:    targets.Names(),
		Filesystem: targets.Filesystem(),
	}
	summary := history.Summary{}

	if report.Filesystem {
		r.invalidateImage(report)

		stageReport, err := r.stager.Stage(ctx)
		if err != nil {
			r.log.Error().Err(err).Msg("Eager asset staging failed")
			summary.Note = err.Error()
		} else {
			report.Stage = stageReport
			summary = history.FromStage(stageReport)
		}
		report.Font = &fontpatch.Result{Outcome: fontpatch.OutcomeSkipped, Env: report.Env}
	} else {
		result, err := r.fonts.Patch(report.Env)
		switch {
		case errors.Is(err, fontpatch.ErrNoEnvironment):
			r.log.Warn().Msg("PIOENV not set, skipping font replacement")
			summary.Note = err.Error()
		case err != nil:
			r.log.Error().Err(err).Msg("Font replacement failed")
			summary.Note = err.Error()
		default:
			report.Font = result
		}
	}

	if report.Font != nil {
		summary.Font = string(report.Font.Outcome)
	}

	return report, r.record(ctx, history.KindPrebuild, env, started, stop(), summary)
}

// invalidateImage removes the cached filesystem image for the current
// environment. A missing image is fine.
func (r *Runner) invalidateImage(report *PrepareReport) {
	if report.Env == "" {
		r.log.Warn().Msg("PIOENV not set, cannot locate cached filesystem image")
		return
	}

	report.ImagePath = r.cfg.ImagePath(report.Env)
	err := os.Remove(report.ImagePath)
	switch {
	case err == nil:
		report.ImageRemoved = true
		r.log.Info().Str("image", report.ImagePath).Msg("Removed cached filesystem image")
	case os.IsNotExist(err):
		r.log.Debug().Str("image", report.ImagePath).Msg("No cached filesystem image")
	default:
		r.log.Warn().Err(err).Str("image", report.ImagePath).Msg("Failed to remove cached filesystem image")
	}
}

// PatchFont runs the font patcher on its own.
func (r *Runner) PatchFont(ctx context.Context, envName string) (*fontpatch.Result, error) {
	started := time.Now()
	stop := utils.OperationTimer("font", r.log)

	result, err := r.fonts.Patch(envName)
	if err != nil {
		return nil, err
	}

	return result, r.record(ctx, history.KindFont, MapEnvironment{EnvKey: envName}, started, stop(), history.FromFont(result))
}

func (r *Runner) record(ctx context.Context, kind history.Kind, env Environment, started time.Time, d time.Duration, summary history.Summary) error {
	if r.history == nil {
		return nil
	}

	id, err := r.history.Record(ctx, history.Run{
		Kind:      kind,
		Env:       EnvName(env),
		StartedAt: started,
		Duration:  d,
		Summary:   summary,
	})
	if err != nil {
		return fmt.Errorf("failed to record %s run: %w", kind, err)
	}

	if r.cfg.HistoryKeep > 0 {
		if _, err := r.history.Prune(ctx, r.cfg.HistoryKeep); err != nil {
			return fmt.Errorf("failed to prune history: %w", err)
		}
	}

	r.log.Debug().Str("run_id", id).Str("kind", string(kind)).Msg("Recorded hook run")
	return nil
}
