// Package fontpatch copies the project's custom glcdfont source over the copy
// bundled with the Adafruit GFX library before firmware is compiled.
package fontpatch

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
)

// Defaults match the layout PlatformIO uses for per-environment library deps.
const (
	DefaultSourceFont  = "builds/glcdfont_EN.c"
	DefaultLibDepsDir  = ".pio/libdeps"
	DefaultLibraryName = "Adafruit GFX Library"
	DefaultFileName    = "glcdfont.c"
)

// ErrNoEnvironment is returned when no PlatformIO environment name is known.
var ErrNoEnvironment = errors.New("no PlatformIO environment name")

// Outcome is what Patch did.
type Outcome string

const (
	OutcomeReplaced      Outcome = "replaced"
	OutcomeMissingSource Outcome = "missing_source"
	OutcomeMissingTarget Outcome = "missing_target"
	OutcomeSkipped       Outcome = "skipped"
)

// Config holds font patch configuration
type Config struct {
	SourceFont  string
	LibDepsDir  string
	LibraryName string
	FileName    string
}

func (c Config) withDefaults() Config {
	if c.SourceFont == "" {
		c.SourceFont = DefaultSourceFont
	}
	if c.LibDepsDir == "" {
		c.LibDepsDir = DefaultLibDepsDir
	}
	if c.LibraryName == "" {
		c.LibraryName = DefaultLibraryName
	}
	if c.FileName == "" {
		c.FileName = DefaultFileName
	}
	return c
}

// Result describes a Patch call.
type Result struct {
	Outcome Outcome
	Env     string
	Source  string
	Target  string
	Bytes   int64
}

// Patcher replaces the library font file.
type Patcher struct {
	cfg Config
	log zerolog.Logger
}

// NewPatcher creates a new font patcher
func NewPatcher(cfg Config, log zerolog.Logger) *Patcher {
	return &Patcher{
		cfg: cfg.withDefaults(),
		log: log.With().Str("component", "fontpatch").Logger(),
	}
}

// TargetPath is the library font file for the given environment.
func (p *Patcher) TargetPath(env string) string {
	return filepath.Join(p.cfg.LibDepsDir, env, p.cfg.LibraryName, p.cfg.FileName)
}

// Patch copies the custom font over the library copy for env. A missing
// source or a library that has not been installed yet is reported in the
// result, not as an error.
func (p *Patcher) Patch(env string) (*Result, error) {
	if env == "" {
		return nil, ErrNoEnvironment
	}

	result := &Result{
		Env:    env,
		Source: p.cfg.SourceFont,
		Target: p.TargetPath(env),
	}

	if _, err := os.Stat(result.Source); err != nil {
		result.Outcome = OutcomeMissingSource
		p.log.Info().Str("env", env).Str("source", result.Source).Msg("Font file not found, skipping replacement")
		return result, nil
	}
	if _, err := os.Stat(result.Target); err != nil {
		result.Outcome = OutcomeMissingTarget
		p.log.Info().Str("env", env).Str("target", result.Target).Msg("Font destination not found, skipping replacement")
		return result, nil
	}

	n, err := copyContents(result.Source, result.Target)
	if err != nil {
		return nil, fmt.Errorf("failed to replace font for %s: %w", env, err)
	}

	result.Outcome = OutcomeReplaced
	result.Bytes = n
	p.log.Info().
		Str("env", env).
		Str("source", result.Source).
		Str("target", result.Target).
		Msg("Custom font copied into Adafruit GFX Library")

	return result, nil
}

// copyContents overwrites dst with the bytes of src, keeping dst's mode.
func copyContents(src, dst string) (int64, error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_TRUNC, 0)
	if err != nil {
		return 0, err
	}

	n, err := io.Copy(out, in)
	if closeErr := out.Close(); err == nil {
		err = closeErr
	}
	return n, err
}
