// Package config loads the configuration of a pyramid build.
//
// Configuration comes from a YAML file given by the --config flag or the
// HIPSGEN_CONFIG environment variable; command-line flags override file
// values. Paths may use ${HOME} and ${VAR:-default} expansion.
package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"regexp"
	"runtime/debug"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"

	"github.com/freeeve/hipsgen/internal/healpix"
	"github.com/freeeve/hipsgen/internal/merge"
	"github.com/freeeve/hipsgen/internal/moc"
	"github.com/freeeve/hipsgen/internal/source"
	"github.com/freeeve/hipsgen/internal/tile"
)

// EnvVar names the environment variable holding the config file path.
const EnvVar = "HIPSGEN_CONFIG"

// ErrInvalid is wrapped by every validation error.
var ErrInvalid = errors.New("invalid config")

// Config is the configuration of one build.
type Config struct {
	// Output is the pyramid root directory.
	Output string `yaml:"output"`

	// Catalog is the YAML source catalog.
	Catalog string `yaml:"catalog"`

	// Region lists "order/first[-last]" ranges to build; empty = all sky.
	Region []string `yaml:"region"`

	MinOrder  int `yaml:"min_order"`
	MaxOrder  int `yaml:"max_order"`
	TileWidth int `yaml:"tile_width"`

	// Slices is the depth of a cube pyramid. Default: 1
	Slices int `yaml:"slices"`

	// Output pixel encoding (FITS BITPIX; 0 = RGB).
	Bitpix int      `yaml:"bitpix"`
	BZero  float64  `yaml:"bzero"`
	BScale float64  `yaml:"bscale"`
	Blank  *float64 `yaml:"blank,omitempty"`

	// Cut is the physical [min, max] range mapped onto the output encoding
	// when sources use a different one.
	Cut []float64 `yaml:"cut,omitempty"`

	Overlay string `yaml:"overlay"`
	Tree    string `yaml:"tree"`
	Merge   string `yaml:"merge"`

	// MaxOverlay bounds the sources open at once for one leaf. Default: 50
	MaxOverlay int `yaml:"max_overlay"`

	// Border is the default number of ignored pixels at each source edge.
	Border source.Border `yaml:"border"`

	// Workers is the pool size; 0 sizes it from memory and CPUs.
	Workers int `yaml:"workers"`

	// MemoryLimit caps resident tiles, e.g. "4GiB". Empty or "0" uses
	// GOMEMLIMIT when set and no limit otherwise.
	MemoryLimit string `yaml:"memory_limit"`

	// ThreadBudget is the memory one worker needs, e.g. "256MiB".
	ThreadBudget string `yaml:"thread_budget"`

	// PollInterval is how often idle and waiting workers re-check. Default: 300ms
	PollInterval string `yaml:"poll_interval"`

	// SourceCache is the number of decoded sources kept. Default: 16
	SourceCache int `yaml:"source_cache"`

	// StatusAddr serves build status over HTTP when set, e.g. ":8080".
	StatusAddr string `yaml:"status_addr"`

	// CompressionLevel is the zstd level of tile files:
	// fastest, default, better or best.
	CompressionLevel string `yaml:"compression_level"`

	// LogLevel is the zerolog level name. Default: info
	LogLevel string `yaml:"log_level"`

	// LogFormat is console or json. Default: console
	LogFormat string `yaml:"log_format"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Output:           "hips",
		MinOrder:         3,
		MaxOrder:         3,
		TileWidth:        512,
		Slices:           1,
		Bitpix:           tile.Bitpix16,
		BScale:           1,
		Overlay:          "fading",
		Tree:             "mean",
		Merge:            "overwrite",
		MaxOverlay:       50,
		ThreadBudget:     "256MiB",
		PollInterval:     "300ms",
		SourceCache:      16,
		CompressionLevel: "default",
		LogLevel:         "info",
		LogFormat:        "console",
	}
}

// Load loads the file named by HIPSGEN_CONFIG, or returns the defaults when
// the variable is not set.
func Load() (*Config, error) {
	path := os.Getenv(EnvVar)
	if path == "" {
		return Default(), nil
	}
	return LoadFile(path)
}

// LoadFile loads configuration from path on top of the defaults.
func LoadFile(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.expandVariables()
	return cfg, nil
}

func (c *Config) expandVariables() {
	vars := map[string]string{"HOME": os.Getenv("HOME")}
	c.Output = expandVars(c.Output, vars)
	c.Catalog = expandVars(c.Catalog, vars)
}

// expandVars expands ${VAR} and ${VAR:-default} patterns.
var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

func expandVars(s string, vars map[string]string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}
		name := parts[1]
		defaultValue := ""
		if len(parts) >= 3 {
			defaultValue = parts[2]
		}
		if value, ok := vars[name]; ok && value != "" {
			return value
		}
		if value := os.Getenv(name); value != "" {
			return value
		}
		return defaultValue
	})
}

// Encoding returns the output pixel encoding.
func (c *Config) Encoding() tile.Encoding {
	enc := tile.DefaultEncoding(c.Bitpix)
	enc.BZero = c.BZero
	if c.BScale != 0 {
		enc.BScale = c.BScale
	}
	if c.Blank != nil {
		enc.Blank = *c.Blank
	}
	return enc
}

// CutRange returns the configured cut, or nil.
func (c *Config) CutRange() *[2]float64 {
	if len(c.Cut) != 2 {
		return nil
	}
	return &[2]float64{c.Cut[0], c.Cut[1]}
}

// MemoryLimitBytes returns the memory limit in bytes, 0 for none.
func (c *Config) MemoryLimitBytes() (int64, error) {
	if c.MemoryLimit == "" || c.MemoryLimit == "0" {
		if limit := debug.SetMemoryLimit(-1); limit != math.MaxInt64 {
			return limit, nil
		}
		return 0, nil
	}
	return parseSize("memory_limit", c.MemoryLimit)
}

// ThreadBudgetBytes returns the per-worker memory budget in bytes.
func (c *Config) ThreadBudgetBytes() (int64, error) {
	if c.ThreadBudget == "" {
		return 0, nil
	}
	return parseSize("thread_budget", c.ThreadBudget)
}

// Poll returns the poll interval.
func (c *Config) Poll() (time.Duration, error) {
	if c.PollInterval == "" {
		return 300 * time.Millisecond, nil
	}
	d, err := time.ParseDuration(c.PollInterval)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("%w: poll_interval %q", ErrInvalid, c.PollInterval)
	}
	return d, nil
}

func parseSize(field, s string) (int64, error) {
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, fmt.Errorf("%w: %s %q: %v", ErrInvalid, field, s, err)
	}
	if n > math.MaxInt64 {
		return 0, fmt.Errorf("%w: %s %q too large", ErrInvalid, field, s)
	}
	return int64(n), nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error
	invalid := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalid}, args...)...))
	}

	if c.Output == "" {
		invalid("output is required")
	}
	if c.Catalog == "" {
		invalid("catalog is required")
	}
	if c.MinOrder < 0 || c.MaxOrder < c.MinOrder {
		invalid("orders must satisfy 0 <= min_order (%d) <= max_order (%d)", c.MinOrder, c.MaxOrder)
	}
	tileOrder := healpix.TileOrder(c.TileWidth)
	if tileOrder < 1 {
		invalid("tile_width %d must be a power of two >= 2", c.TileWidth)
	} else if c.MaxOrder+tileOrder > healpix.MaxOrder {
		invalid("max_order %d too deep for tile_width %d", c.MaxOrder, c.TileWidth)
	}
	if _, err := moc.Parse(uint8(max(c.MaxOrder, 0)), c.Region); err != nil {
		invalid("region: %v", err)
	}
	if c.Slices < 1 {
		invalid("slices must be >= 1")
	}
	if err := c.Encoding().Validate(); err != nil {
		invalid("%v", err)
	}
	if len(c.Cut) != 0 && (len(c.Cut) != 2 || c.Cut[0] >= c.Cut[1]) {
		invalid("cut must be [min, max] with min < max")
	}
	if _, err := merge.ParseOverlay(c.Overlay); err != nil {
		invalid("%v", err)
	}
	if _, err := merge.ParseTree(c.Tree); err != nil {
		invalid("%v", err)
	}
	if _, err := merge.ParseMode(c.Merge); err != nil {
		invalid("%v", err)
	}
	if c.MaxOverlay < 1 {
		invalid("max_overlay must be >= 1")
	}
	if c.Workers < 0 {
		invalid("workers must be >= 0")
	}
	if c.SourceCache < 0 {
		invalid("source_cache must be >= 0")
	}
	if b := c.Border; b.Left < 0 || b.Right < 0 || b.Bottom < 0 || b.Top < 0 {
		invalid("border values must be >= 0")
	}
	if _, err := tile.ParseLevel(c.CompressionLevel); err != nil {
		invalid("%v", err)
	}
	if c.LogFormat != "console" && c.LogFormat != "json" {
		invalid("log_format %q (want console or json)", c.LogFormat)
	}
	for _, check := range []func() error{
		func() error { _, err := c.MemoryLimitBytes(); return err },
		func() error { _, err := c.ThreadBudgetBytes(); return err },
		func() error { _, err := c.Poll(); return err },
	} {
		if err := check(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
