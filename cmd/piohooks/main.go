// Package main is the piohooks command. PlatformIO calls it around the
// filesystem image build to swap the web UI assets for gzipped copies and back.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"

	"github.com/yoradio/piohooks/internal/config"
	"github.com/yoradio/piohooks/internal/database"
	"github.com/yoradio/piohooks/internal/fontpatch"
	"github.com/yoradio/piohooks/internal/history"
	"github.com/yoradio/piohooks/internal/hooks"
	"github.com/yoradio/piohooks/internal/staging"
	"github.com/yoradio/piohooks/internal/utils"
	"github.com/yoradio/piohooks/pkg/logger"
)

var version = "dev"

const (
	exitOK      = 0
	exitFailure = 1
	exitUsage   = 2
)

// globalFlags are accepted before the command name.
type globalFlags struct {
	configFile  string
	logLevel    string
	pretty      bool
	showVersion bool
}

// app carries what every command needs.
type app struct {
	cfg     *config.Config
	log     zerolog.Logger
	runner  *hooks.Runner
	actions *hooks.ActionTable
	repo    *history.Repository
	db      *database.DB
	stdout  io.Writer
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	var gf globalFlags

	fs := flag.NewFlagSet("piohooks", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&gf.configFile, "config", "", "Project file (default: $PIOHOOKS_CONFIG or piohooks.yaml)")
	fs.StringVar(&gf.logLevel, "log-level", "", "Log level: debug, info, warn, error")
	fs.BoolVar(&gf.pretty, "pretty", false, "Human readable log output")
	fs.BoolVar(&gf.showVersion, "version", false, "Print version and exit")
	fs.Usage = func() { printHelp(stderr) }

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return exitOK
		}
		return exitUsage
	}

	if gf.showVersion {
		fmt.Fprintf(stdout, "piohooks %s\n", version)
		return exitOK
	}

	if fs.NArg() == 0 {
		printHelp(stderr)
		return exitUsage
	}
	command, cmdArgs := fs.Arg(0), fs.Args()[1:]

	handler, ok := commands[command]
	if !ok {
		fmt.Fprintf(stderr, "unknown command %q\n\n", command)
		printHelp(stderr)
		return exitUsage
	}

	cfg, err := config.LoadFrom(gf.configFile)
	if err != nil {
		fallbackLog := logger.New(logger.Config{Level: "info", Pretty: true, Out: stderr})
		fallbackLog.Error().Err(err).Msg("Failed to load configuration")
		return exitFailure
	}
	if gf.logLevel != "" {
		cfg.LogLevel = gf.logLevel
	}

	log := logger.New(logger.Config{
		Level:  cfg.LogLevel,
		Pretty: cfg.LogPretty || gf.pretty,
		Out:    stderr,
	})
	logger.SetGlobalLogger(log)

	a := &app{cfg: cfg, log: log, stdout: stdout}

	if err := a.openHistory(command); err != nil {
		log.Error().Err(err).Msg("Failed to open history database")
		return exitFailure
	}
	if a.db != nil {
		defer a.db.Close()
	}

	var rec hooks.Recorder
	if a.repo != nil {
		rec = a.repo
	}
	a.runner = hooks.NewRunner(cfg, rec, log)
	a.actions = hooks.NewActionTable()
	a.runner.Register(ctx, a.actions)

	return handler(ctx, a, cmdArgs, stderr)
}

// openHistory opens the run history. Build hooks carry on without it; only
// the history command needs it to work.
func (a *app) openHistory(command string) error {
	if a.cfg.HistoryDB == "" {
		return nil
	}

	repo, db, err := history.Open(a.cfg.HistoryDB)
	if err != nil {
		if command == "history" {
			return err
		}
		a.log.Warn().Err(err).Str("path", a.cfg.HistoryDB).Msg("Run history disabled")
		return nil
	}

	a.repo = repo
	a.db = db
	return nil
}

type commandFunc func(ctx context.Context, a *app, args []string, stderr io.Writer) int

var commands = map[string]commandFunc{
	"stage":        cmdStage,
	"restore":      cmdRestore,
	"status":       cmdStatus,
	"prebuild":     cmdPrebuild,
	"before-image": cmdBeforeImage,
	"after-image":  cmdAfterImage,
	"font":         cmdFont,
	"history":      cmdHistory,
}

// parseCommandFlags parses a command's flags, mapping parse errors to exit
// codes. ok is false when the caller should return code.
func parseCommandFlags(fs *flag.FlagSet, args []string, stderr io.Writer) (code int, ok bool) {
	fs.SetOutput(stderr)
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return exitOK, false
		}
		return exitUsage, false
	}
	if fs.NArg() > 0 {
		fmt.Fprintf(stderr, "%s: unexpected arguments: %s\n", fs.Name(), strings.Join(fs.Args(), " "))
		return exitUsage, false
	}
	return exitOK, true
}

func cmdStage(ctx context.Context, a *app, args []string, stderr io.Writer) int {
	fs := flag.NewFlagSet("stage", flag.ContinueOnError)
	if code, ok := parseCommandFlags(fs, args, stderr); !ok {
		return code
	}

	report, err := a.runner.Stager().Stage(ctx)
	if err != nil {
		a.log.Error().Err(err).Msg("Stage failed")
		return exitFailure
	}

	printStageReport(a.stdout, report)
	if len(report.Failures) > 0 {
		return exitFailure
	}
	return exitOK
}

func cmdRestore(ctx context.Context, a *app, args []string, stderr io.Writer) int {
	fs := flag.NewFlagSet("restore", flag.ContinueOnError)
	if code, ok := parseCommandFlags(fs, args, stderr); !ok {
		return code
	}

	report, err := a.runner.Stager().Restore(ctx)
	if err != nil {
		a.log.Error().Err(err).Msg("Restore failed")
		return exitFailure
	}

	printRestoreReport(a.stdout, report)
	if len(report.Failures) > 0 || !report.Cleanup.Complete() {
		return exitFailure
	}
	return exitOK
}

func cmdStatus(ctx context.Context, a *app, args []string, stderr io.Writer) int {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	if code, ok := parseCommandFlags(fs, args, stderr); !ok {
		return code
	}

	snap, err := a.runner.Stager().Inspect()
	if err != nil {
		a.log.Error().Err(err).Msg("Inspect failed")
		return exitFailure
	}

	cfg := a.runner.Stager().Config()
	fmt.Fprintf(a.stdout, "state:     %s\n", snap.State)
	fmt.Fprintf(a.stdout, "source:    %s\n", cfg.SourceDir)
	fmt.Fprintf(a.stdout, "staging:   %s\n", cfg.StagingDir)
	printNames(a.stdout, "assets", snap.Assets)
	printNames(a.stdout, "artifacts", snap.Artifacts)
	printNames(a.stdout, "staged", snap.Staged)
	printNames(a.stdout, "excluded", snap.Excluded)
	printNames(a.stdout, "exclude", snap.ExcludeRules)

	if a.db != nil {
		stats, err := a.db.GetStats()
		if err != nil {
			a.log.Warn().Err(err).Msg("Failed to read history database stats")
		} else {
			fmt.Fprintf(a.stdout, "history:   %s (%s, wal %s)\n", a.db.Path(),
				humanize.Bytes(uint64(stats.SizeBytes)), humanize.Bytes(uint64(stats.WALSizeBytes)))
		}
	}

	if a.repo != nil {
		last, err := a.repo.Last(ctx, history.KindStage)
		if err != nil {
			a.log.Warn().Err(err).Msg("Failed to read last stage run")
		} else if last != nil {
			fmt.Fprintf(a.stdout, "last stage: %s (%s)\n", humanize.Time(last.StartedAt), last.Env)
		}
	}

	return exitOK
}

func cmdPrebuild(ctx context.Context, a *app, args []string, stderr io.Writer) int {
	var targets, envName string
	fs := flag.NewFlagSet("prebuild", flag.ContinueOnError)
	fs.StringVar(&targets, "targets", "", "Comma separated PlatformIO targets (empty: firmware build)")
	fs.StringVar(&envName, "env", "", "PlatformIO environment (default: $PIOENV)")
	if code, ok := parseCommandFlags(fs, args, stderr); !ok {
		return code
	}

	report, err := a.runner.Prepare(ctx, hooks.ParseTargets(utils.ParseCSV(targets)), buildEnv(envName))
	if err != nil {
		a.log.Warn().Err(err).Msg("Prebuild finished with errors")
	}

	fmt.Fprintf(a.stdout, "targets: %s\n", strings.Join(report.Targets, ","))
	if report.ImageRemoved {
		fmt.Fprintf(a.stdout, "removed cached image %s\n", report.ImagePath)
	}
	if report.Stage != nil {
		printStageReport(a.stdout, report.Stage)
	}
	if report.Font != nil {
		fmt.Fprintf(a.stdout, "font: %s\n", report.Font.Outcome)
	}
	return exitOK
}

func cmdBeforeImage(ctx context.Context, a *app, args []string, stderr io.Writer) int {
	var envName string
	fs := flag.NewFlagSet("before-image", flag.ContinueOnError)
	fs.StringVar(&envName, "env", "", "PlatformIO environment (default: $PIOENV)")
	if code, ok := parseCommandFlags(fs, args, stderr); !ok {
		return code
	}

	if err := a.actions.RunPre(a.runner.ImageTarget(), a.cfg.Staging.SourceDir, buildEnv(envName)); err != nil {
		a.log.Warn().Err(err).Msg("Staging finished with errors")
	}
	return exitOK
}

func cmdAfterImage(ctx context.Context, a *app, args []string, stderr io.Writer) int {
	var envName string
	fs := flag.NewFlagSet("after-image", flag.ContinueOnError)
	fs.StringVar(&envName, "env", "", "PlatformIO environment (default: $PIOENV)")
	if code, ok := parseCommandFlags(fs, args, stderr); !ok {
		return code
	}

	if err := a.actions.RunPost(a.runner.ImageTarget(), a.cfg.Staging.SourceDir, buildEnv(envName)); err != nil {
		a.log.Warn().Err(err).Msg("Restore finished with errors")
	}
	return exitOK
}

func cmdFont(ctx context.Context, a *app, args []string, stderr io.Writer) int {
	var envName string
	fs := flag.NewFlagSet("font", flag.ContinueOnError)
	fs.StringVar(&envName, "env", "", "PlatformIO environment (default: $PIOENV)")
	if code, ok := parseCommandFlags(fs, args, stderr); !ok {
		return code
	}

	result, err := a.runner.PatchFont(ctx, hooks.EnvName(buildEnv(envName)))
	if errors.Is(err, fontpatch.ErrNoEnvironment) {
		fmt.Fprintln(stderr, "font: no environment, pass --env or set PIOENV")
		return exitUsage
	}
	if result == nil {
		a.log.Error().Err(err).Msg("Font replacement failed")
		return exitFailure
	}
	if err != nil {
		a.log.Warn().Err(err).Msg("Font replaced but run was not recorded")
	}

	fmt.Fprintf(a.stdout, "font: %s (%s)\n", result.Outcome, result.Target)
	return exitOK
}

func cmdHistory(ctx context.Context, a *app, args []string, stderr io.Writer) int {
	var limit int
	var kind string
	fs := flag.NewFlagSet("history", flag.ContinueOnError)
	fs.IntVar(&limit, "limit", 20, "Number of runs to show (0: all)")
	fs.StringVar(&kind, "kind", "", "Only show the last run of this kind: stage, restore, prebuild, font")
	if code, ok := parseCommandFlags(fs, args, stderr); !ok {
		return code
	}

	if a.repo == nil {
		fmt.Fprintln(stderr, "history: disabled (HISTORY_DB is empty)")
		return exitFailure
	}

	var runs []history.Run
	if kind != "" {
		last, err := a.repo.Last(ctx, history.Kind(kind))
		if err != nil {
			a.log.Error().Err(err).Msg("Failed to read history")
			return exitFailure
		}
		if last != nil {
			runs = append(runs, *last)
		}
	} else {
		var err error
		runs, err = a.repo.Recent(ctx, limit)
		if err != nil {
			a.log.Error().Err(err).Msg("Failed to read history")
			return exitFailure
		}
	}

	for _, run := range runs {
		printRun(a.stdout, run)
	}
	return exitOK
}

// buildEnv returns the process environment, with PIOENV replaced when name
// is set.
func buildEnv(name string) hooks.Environment {
	if name == "" {
		return hooks.ProcessEnvironment{}
	}
	return hooks.MapEnvironment{hooks.EnvKey: name}
}

func printStageReport(w io.Writer, r *staging.StageReport) {
	if r.SourceMissing {
		fmt.Fprintf(w, "source %s missing, nothing staged\n", r.SourceDir)
		return
	}
	fmt.Fprintf(w, "compressed %d, skipped %d, relocated %d, excluded %d, failed %d, saved %s\n",
		r.Compressed, r.Skipped, r.Relocated, r.Excluded, len(r.Failures),
		humanize.Bytes(uint64(max(r.SavedBytes(), 0))))
	for _, f := range r.Failures {
		fmt.Fprintf(w, "  %s\n", f.Error())
	}
}

func printRestoreReport(w io.Writer, r *staging.RestoreReport) {
	if r.StagingMissing {
		fmt.Fprintln(w, "nothing staged")
		return
	}
	fmt.Fprintf(w, "restored %d, purged %d, staging directory %s, failed %d\n",
		r.Restored, r.Purged, r.Cleanup, len(r.Failures))
	for _, f := range r.Failures {
		fmt.Fprintf(w, "  %s\n", f.Error())
	}
}

func printNames(w io.Writer, label string, names []string) {
	if len(names) == 0 {
		fmt.Fprintf(w, "%-10s -\n", label+":")
		return
	}
	fmt.Fprintf(w, "%-10s %s\n", label+":", strings.Join(names, ", "))
}

func printRun(w io.Writer, run history.Run) {
	s := run.Summary
	var detail string
	switch run.Kind {
	case history.KindStage:
		detail = fmt.Sprintf("compressed=%d skipped=%d relocated=%d saved=%s",
			s.Compressed, s.Skipped, s.Relocated, humanize.Bytes(uint64(max(s.SavedBytes, 0))))
	case history.KindRestore:
		detail = fmt.Sprintf("restored=%d purged=%d cleanup=%s", s.Restored, s.Purged, s.Cleanup)
	default:
		detail = fmt.Sprintf("compressed=%d font=%s", s.Compressed, s.Font)
	}
	if len(s.Failures) > 0 {
		detail += fmt.Sprintf(" failures=%d", len(s.Failures))
	}
	if s.Note != "" {
		detail += " note=" + s.Note
	}

	env := run.Env
	if env == "" {
		env = "-"
	}
	fmt.Fprintf(w, "%s  %-8s %-10s %6dms  %s\n",
		run.StartedAt.Format("2006-01-02 15:04:05"), run.Kind, env, run.Duration.Milliseconds(), detail)
}

func printHelp(w io.Writer) {
	fmt.Fprintf(w, `piohooks %s - PlatformIO web asset and font hooks

Usage:
  piohooks [flags] <command> [command flags]

Commands:
  stage          Gzip web assets and move originals to the staging directory
  restore        Move originals back and delete every artifact
  status         Show the state of the asset tree
  prebuild       Initialization hook (--targets buildfs,uploadfs --env NAME)
  before-image   Pre-action for the filesystem image (same as stage, never fails)
  after-image    Post-action for the filesystem image (same as restore, never fails)
  font           Copy the custom font into the Adafruit GFX library (--env NAME)
  history        Show recorded hook runs (--limit N, --kind KIND)

Flags:
  -config string     Project file (default: $PIOHOOKS_CONFIG or piohooks.yaml)
  -log-level string  Log level: debug, info, warn, error
  -pretty            Human readable log output
  -version           Print version and exit
`, version)
}
