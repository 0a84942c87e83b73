// Package config provides configuration management functionality.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/yoradio/piohooks/internal/fontpatch"
	"github.com/yoradio/piohooks/internal/staging"
	"github.com/yoradio/piohooks/internal/utils"
)

// Defaults for the PlatformIO side of the layout.
const (
	DefaultConfigFile  = "piohooks.yaml"
	DefaultBuildDir    = ".pio/build"
	DefaultImageName   = "spiffs.bin"
	DefaultHistoryDB   = ".pio/piohooks.db"
	DefaultHistoryKeep = 200
	DefaultMinFreeMB   = 16
)

// Config holds application configuration
type Config struct {
	Staging staging.Config
	Font    fontpatch.Config

	BuildDir  string // PlatformIO build directory, one subdirectory per environment
	ImageName string // filesystem image file name inside the build directory

	HistoryDB   string // empty disables run history
	HistoryKeep int    // runs kept after each record; zero keeps everything

	LogLevel  string
	LogPretty bool

	// File is the project file that was read, empty when none was found.
	File string
}

// fileConfig is the shape of piohooks.yaml.
type fileConfig struct {
	WWW struct {
		SourceDir    string   `yaml:"source_dir"`
		StagingDir   string   `yaml:"staging_dir"`
		Suffix       string   `yaml:"suffix"`
		Exclude      []string `yaml:"exclude"`
		Patterns     []string `yaml:"patterns"`
		GzipLevel    int      `yaml:"gzip_level"`
		RestoreOrder string   `yaml:"restore_order"`
		MinFreeMB    *int     `yaml:"min_free_mb"`
	} `yaml:"www"`
	PIO struct {
		BuildDir   string `yaml:"build_dir"`
		ImageName  string `yaml:"image_name"`
		LibDepsDir string `yaml:"libdeps_dir"`
	} `yaml:"pio"`
	Font struct {
		Source  string `yaml:"source"`
		Library string `yaml:"library"`
		File    string `yaml:"file"`
	} `yaml:"font"`
	History struct {
		DB   *string `yaml:"db"`
		Keep *int    `yaml:"keep"`
	} `yaml:"history"`
	Log struct {
		Level  string `yaml:"level"`
		Pretty *bool  `yaml:"pretty"`
	} `yaml:"log"`
}

// Defaults returns the configuration used when nothing is set.
func Defaults() *Config {
	return &Config{
		Staging: staging.Config{
			SourceDir:    staging.DefaultSourceDir,
			StagingDir:   staging.DefaultStagingDir,
			Suffix:       staging.DefaultSuffix,
			Exclude:      append([]string(nil), staging.DefaultExclude...),
			Patterns:     append([]string(nil), staging.DefaultPatterns...),
			Level:        9,
			Order:        staging.RestoreThenPurge,
			MinFreeBytes: DefaultMinFreeMB * 1024 * 1024,
		},
		Font: fontpatch.Config{
			SourceFont:  fontpatch.DefaultSourceFont,
			LibDepsDir:  fontpatch.DefaultLibDepsDir,
			LibraryName: fontpatch.DefaultLibraryName,
			FileName:    fontpatch.DefaultFileName,
		},
		BuildDir:    DefaultBuildDir,
		ImageName:   DefaultImageName,
		HistoryDB:   DefaultHistoryDB,
		HistoryKeep: DefaultHistoryKeep,
		LogLevel:    "info",
	}
}

// Load reads configuration from defaults, the project file and environment
// variables, in increasing order of precedence.
func Load() (*Config, error) {
	return LoadFrom("")
}

// LoadFrom is Load with an explicit project file. An empty path falls back to
// PIOHOOKS_CONFIG, then piohooks.yaml.
func LoadFrom(path string) (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	cfg := Defaults()

	if path == "" {
		path = getEnv("PIOHOOKS_CONFIG", DefaultConfigFile)
	}
	if err := cfg.applyFile(path); err != nil {
		return nil, err
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// applyFile overlays the YAML project file at path. A missing file is not an
// error.
func (c *Config) applyFile(path string) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	setString(&c.Staging.SourceDir, fc.WWW.SourceDir)
	setString(&c.Staging.StagingDir, fc.WWW.StagingDir)
	setString(&c.Staging.Suffix, fc.WWW.Suffix)
	if fc.WWW.Exclude != nil {
		c.Staging.Exclude = fc.WWW.Exclude
	}
	if fc.WWW.Patterns != nil {
		c.Staging.Patterns = expandPatterns(fc.WWW.Patterns)
	}
	if fc.WWW.GzipLevel != 0 {
		c.Staging.Level = fc.WWW.GzipLevel
	}
	if fc.WWW.RestoreOrder != "" {
		order, err := staging.ParseRestoreOrder(fc.WWW.RestoreOrder)
		if err != nil {
			return fmt.Errorf("config file %s: %w", path, err)
		}
		c.Staging.Order = order
	}
	if fc.WWW.MinFreeMB != nil {
		c.Staging.MinFreeBytes = mbToBytes(*fc.WWW.MinFreeMB)
	}

	setString(&c.BuildDir, fc.PIO.BuildDir)
	setString(&c.ImageName, fc.PIO.ImageName)
	setString(&c.Font.LibDepsDir, fc.PIO.LibDepsDir)
	setString(&c.Font.SourceFont, fc.Font.Source)
	setString(&c.Font.LibraryName, fc.Font.Library)
	setString(&c.Font.FileName, fc.Font.File)

	if fc.History.DB != nil {
		c.HistoryDB = *fc.History.DB
	}
	if fc.History.Keep != nil {
		c.HistoryKeep = *fc.History.Keep
	}

	setString(&c.LogLevel, fc.Log.Level)
	if fc.Log.Pretty != nil {
		c.LogPretty = *fc.Log.Pretty
	}

	c.File = path
	return nil
}

// applyEnv overlays environment variables.
func (c *Config) applyEnv() error {
	c.Staging.SourceDir = getEnv("WWW_SOURCE_DIR", c.Staging.SourceDir)
	c.Staging.StagingDir = getEnv("WWW_STAGING_DIR", c.Staging.StagingDir)
	c.Staging.Suffix = getEnv("WWW_SUFFIX", c.Staging.Suffix)
	if v, ok := os.LookupEnv("WWW_EXCLUDE"); ok {
		c.Staging.Exclude = utils.ParseCSV(v)
	}
	if v, ok := os.LookupEnv("WWW_PATTERNS"); ok {
		c.Staging.Patterns = expandPatterns(utils.ParseCSV(v))
	}
	c.Staging.Level = getEnvAsInt("WWW_GZIP_LEVEL", c.Staging.Level)
	if v := os.Getenv("WWW_RESTORE_ORDER"); v != "" {
		order, err := staging.ParseRestoreOrder(v)
		if err != nil {
			return fmt.Errorf("WWW_RESTORE_ORDER: %w", err)
		}
		c.Staging.Order = order
	}
	if v := os.Getenv("WWW_MIN_FREE_MB"); v != "" {
		mb, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("WWW_MIN_FREE_MB: invalid integer %q", v)
		}
		c.Staging.MinFreeBytes = mbToBytes(mb)
	}

	c.BuildDir = getEnv("PIO_BUILD_DIR", c.BuildDir)
	c.ImageName = getEnv("PIO_IMAGE_NAME", c.ImageName)
	c.Font.LibDepsDir = getEnv("PIO_LIBDEPS_DIR", c.Font.LibDepsDir)
	c.Font.SourceFont = getEnv("FONT_SOURCE", c.Font.SourceFont)
	c.Font.LibraryName = getEnv("FONT_LIBRARY", c.Font.LibraryName)
	c.Font.FileName = getEnv("FONT_FILE", c.Font.FileName)

	// An explicitly empty HISTORY_DB disables history.
	if v, ok := os.LookupEnv("HISTORY_DB"); ok {
		c.HistoryDB = v
	}
	c.HistoryKeep = getEnvAsInt("HISTORY_KEEP", c.HistoryKeep)

	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)
	c.LogPretty = getEnvAsBool("LOG_PRETTY", c.LogPretty)

	return nil
}

// Validate checks if required configuration is present
func (c *Config) Validate() error {
	if c.Staging.Level < 1 || c.Staging.Level > 9 {
		return fmt.Errorf("gzip level must be between 1 and 9, got %d", c.Staging.Level)
	}
	if c.Staging.SourceDir == "" {
		return fmt.Errorf("source directory is required")
	}
	if c.Staging.StagingDir == "" {
		return fmt.Errorf("staging directory is required")
	}
	if c.Staging.Suffix == "" {
		return fmt.Errorf("artifact suffix is required")
	}
	if c.BuildDir == "" || c.ImageName == "" {
		return fmt.Errorf("build directory and image name are required")
	}
	if c.HistoryKeep < 0 {
		return fmt.Errorf("history keep must not be negative, got %d", c.HistoryKeep)
	}

	inside, err := isWithin(c.Staging.SourceDir, c.Staging.StagingDir)
	if err != nil {
		return err
	}
	if inside {
		return fmt.Errorf("staging directory %s must not be inside source directory %s",
			c.Staging.StagingDir, c.Staging.SourceDir)
	}

	return nil
}

// ImagePath is the cached filesystem image for the named environment.
func (c *Config) ImagePath(env string) string {
	return filepath.Join(c.BuildDir, env, c.ImageName)
}

// isWithin reports whether path is dir or lies below it.
func isWithin(dir, path string) (bool, error) {
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return false, fmt.Errorf("failed to resolve %s: %w", dir, err)
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return false, fmt.Errorf("failed to resolve %s: %w", path, err)
	}
	rel, err := filepath.Rel(absDir, absPath)
	if err != nil {
		return false, nil
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)), nil
}

// WebPatternsName selects staging.WebPatterns in WWW_PATTERNS or the
// project file. An empty pattern list stages every regular file.
const WebPatternsName = "web"

func expandPatterns(patterns []string) []string {
	if len(patterns) == 1 && patterns[0] == WebPatternsName {
		return append([]string(nil), staging.WebPatterns...)
	}
	return patterns
}

func mbToBytes(mb int) uint64 {
	if mb <= 0 {
		return 0
	}
	return uint64(mb) * 1024 * 1024
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}
