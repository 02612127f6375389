// Package config loads pipeline settings from defaults, an optional YAML
// file, OPPIPELINE_* environment variables and command line flags.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/spf13/pflag"

	"openpayments/internal/backfill"
	"openpayments/internal/csvstream"
)

// ErrInvalidConfig is returned by Validate.
var ErrInvalidConfig = errors.New("invalid configuration")

// EnvPrefix is the prefix of environment overrides, e.g. OPPIPELINE_DATA_DIR.
const EnvPrefix = "OPPIPELINE_"

// DefaultFile is looked up in the working directory when --config is not set.
const DefaultFile = "oppipeline.yaml"

// Defaults.
const (
	DefaultDataDir   = "data"
	DefaultLogLevel  = "info"
	DefaultChunkSize = 100_000
	DefaultFirstYear = 2014
	DefaultLastYear  = 2023
	DefaultMaxConns  = 4
)

// Config holds all pipeline settings. Empty paths are derived from DataDir
// by Load.
type Config struct {
	DataDir         string   `koanf:"data_dir"`
	RawDir          string   `koanf:"raw_dir"`
	FilteredDir     string   `koanf:"filtered_dir"`
	FinalDir        string   `koanf:"final_dir"`
	ReferenceDrugs  string   `koanf:"reference_drugs"`
	ColumnsGeneral  string   `koanf:"columns_general"`
	ColumnsResearch string   `koanf:"columns_research"`
	Providers       string   `koanf:"providers"`
	Prescribers     string   `koanf:"prescribers"`
	EligibilityJSON string   `koanf:"eligibility_json"`
	LogDir          string   `koanf:"log_dir"`
	LogLevel        string   `koanf:"log_level"`
	ChunkSize       int      `koanf:"chunk_size"`
	FirstYear       int      `koanf:"first_year"`
	LastYear        int      `koanf:"last_year"`
	Datasets        []string `koanf:"datasets"`
	InputEncoding   string   `koanf:"input_encoding"`
	Workers         int      `koanf:"workers"`
	DisplayNames    bool     `koanf:"display_names"`
	PostgresURL     string   `koanf:"postgres_url"`
	PostgresConns   int32    `koanf:"postgres_max_conns"`

	// File is the config file that was read, if any.
	File string `koanf:"-"`
}

func defaults() map[string]interface{} {
	return map[string]interface{}{
		"data_dir":           DefaultDataDir,
		"log_level":          DefaultLogLevel,
		"chunk_size":         DefaultChunkSize,
		"first_year":         DefaultFirstYear,
		"last_year":          DefaultLastYear,
		"datasets":           []string{backfill.General, backfill.Research},
		"input_encoding":     csvstream.EncodingUTF8,
		"workers":            1,
		"display_names":      false,
		"postgres_max_conns": DefaultMaxConns,
	}
}

// flagKeys maps flag names whose config key is not the snake_case form of
// the flag name.
var flagKeys = map[string]string{
	"encoding": "input_encoding",
	"config":   "",
	"years":    "",
}

// Load reads the configuration. Precedence, highest first: flags that were
// explicitly set, environment variables, the config file, defaults. flags may
// be nil.
func Load(cfgFile string, flags *pflag.FlagSet) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(defaults(), "."), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if cfgFile == "" {
		if _, err := os.Stat(DefaultFile); err == nil {
			cfgFile = DefaultFile
		}
	}
	if cfgFile != "" {
		if err := k.Load(file.Provider(cfgFile), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", cfgFile, err)
		}
	}

	if err := k.Load(env.ProviderWithValue(EnvPrefix, ".", func(key, value string) (string, interface{}) {
		key = strings.ToLower(strings.TrimPrefix(key, EnvPrefix))
		if key == "datasets" {
			return key, splitList(value)
		}
		return key, value
	}), nil); err != nil {
		return nil, fmt.Errorf("load env vars: %w", err)
	}

	if flags != nil {
		if err := k.Load(posflag.ProviderWithFlag(flags, ".", k, func(f *pflag.Flag) (string, interface{}) {
			if !f.Changed {
				return "", nil
			}
			key, mapped := flagKeys[f.Name]
			if !mapped {
				key = strings.ReplaceAll(f.Name, "-", "_")
			}
			if key == "" {
				return "", nil
			}
			return key, posflag.FlagVal(flags, f)
		}), nil); err != nil {
			return nil, fmt.Errorf("load flags: %w", err)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.File = cfgFile

	if flags != nil && flags.Lookup("years") != nil && flags.Changed("years") {
		v, _ := flags.GetString("years")
		first, last, err := ParseYears(v)
		if err != nil {
			return nil, err
		}
		cfg.FirstYear, cfg.LastYear = first, last
	}

	cfg.derivePaths()
	return &cfg, nil
}

func (c *Config) derivePaths() {
	def := func(p *string, elem ...string) {
		if *p == "" {
			*p = filepath.Join(append([]string{c.DataDir}, elem...)...)
		}
	}
	def(&c.RawDir, "raw")
	def(&c.FilteredDir, "filtered")
	def(&c.FinalDir, "final_files")
	def(&c.ReferenceDrugs, "reference", "ProstateDrugList.csv")
	def(&c.ColumnsGeneral, "reference", "col_names", "general_payments", "grace_cols.csv")
	def(&c.ColumnsResearch, "reference", "col_names", "research_payments", "grace_cols.csv")
	def(&c.Providers, "reference", "providers_npis_ids.csv")
	def(&c.Prescribers, "filtered", "prescribers", "prescribers_filtered_prscrb_type.csv")
	def(&c.EligibilityJSON, "filtered", "prescribers", "year2npis.json")
	def(&c.LogDir, "logs")
}

// splitList splits a comma separated list, dropping blank items.
func splitList(s string) []string {
	var out []string
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// ParseYears parses "2014-2023" or a single year "2018".
func ParseYears(s string) (first, last int, err error) {
	lo, hi, isRange := strings.Cut(strings.TrimSpace(s), "-")
	if first, err = strconv.Atoi(strings.TrimSpace(lo)); err != nil {
		return 0, 0, fmt.Errorf("%w: years %q", ErrInvalidConfig, s)
	}
	if !isRange {
		return first, first, nil
	}
	if last, err = strconv.Atoi(strings.TrimSpace(hi)); err != nil {
		return 0, 0, fmt.Errorf("%w: years %q", ErrInvalidConfig, s)
	}
	return first, last, nil
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	var errs []error
	if c.ChunkSize <= 0 {
		errs = append(errs, fmt.Errorf("chunk_size must be positive, got %d", c.ChunkSize))
	}
	if c.FirstYear > c.LastYear {
		errs = append(errs, fmt.Errorf("first_year %d is after last_year %d", c.FirstYear, c.LastYear))
	}
	if len(c.Datasets) == 0 {
		errs = append(errs, errors.New("datasets is empty"))
	}
	for _, d := range c.Datasets {
		if d != backfill.General && d != backfill.Research {
			errs = append(errs, fmt.Errorf("unknown dataset %q", d))
		}
	}
	if c.InputEncoding != csvstream.EncodingUTF8 && c.InputEncoding != csvstream.EncodingLatin1 {
		errs = append(errs, fmt.Errorf("unsupported input_encoding %q", c.InputEncoding))
	}
	if c.Workers < 1 {
		errs = append(errs, fmt.Errorf("workers must be at least 1, got %d", c.Workers))
	}
	if c.PostgresConns < 1 {
		errs = append(errs, fmt.Errorf("postgres_max_conns must be at least 1, got %d", c.PostgresConns))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}

// Years returns every year from FirstYear to LastYear.
func (c *Config) Years() []int {
	var ys []int
	for y := c.FirstYear; y <= c.LastYear; y++ {
		ys = append(ys, y)
	}
	return ys
}

// HasDataset reports whether dataset is enabled.
func (c *Config) HasDataset(dataset string) bool {
	return slices.Contains(c.Datasets, dataset)
}

// ColumnsPath returns the canonical column table for dataset.
func (c *Config) ColumnsPath(dataset string) string {
	if dataset == backfill.Research {
		return c.ColumnsResearch
	}
	return c.ColumnsGeneral
}

func unitFile(dataset string, year int) string {
	return fmt.Sprintf("%s_%d.csv", dataset, year)
}

// ChunkDir is where filtered chunks of a unit are written.
func (c *Config) ChunkDir(dataset string, year int) string {
	return filepath.Join(c.FilteredDir, dataset+"_payments", "chunks", fmt.Sprintf("%s_%d", dataset, year))
}

// FilteredPath is the concatenated filtered file of a unit.
func (c *Config) FilteredPath(dataset string, year int) string {
	return filepath.Join(c.FilteredDir, dataset+"_payments", unitFile(dataset, year))
}

// FinalPath is the enriched output of a unit.
func (c *Config) FinalPath(dataset string, year int) string {
	return filepath.Join(c.FinalDir, dataset+"_payments", unitFile(dataset, year))
}

// MissingPath holds the rows of a unit that carry no identifier.
func (c *Config) MissingPath(dataset string, year int) string {
	return filepath.Join(c.FinalDir, dataset+"_payments", "missing_npis", unitFile(dataset, year))
}
