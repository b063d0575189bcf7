// Package config loads runtime settings from a YAML file and GRANTFLOW_*
// environment variables.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dshills/grantflow/internal/grounding"
	"github.com/dshills/grantflow/internal/llm"
	"github.com/dshills/grantflow/internal/schema"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "GRANTFLOW_"

// Config is the full runtime configuration.
type Config struct {
	CriticThreshold  float64 `yaml:"critic_threshold" validate:"gte=0,lte=10"`
	MaxIterations    int     `yaml:"max_iterations" validate:"gte=1"`
	GroundingMode    string  `yaml:"grounding_mode" validate:"oneof=off warn strict"`
	GroundingFloor   int     `yaml:"grounding_floor" validate:"gte=0"`
	CitationMaxItems int     `yaml:"citation_max_items" validate:"gte=1"`
	VersionMaxItems  int     `yaml:"version_max_items" validate:"gte=1"`
	HITLEnabled      bool    `yaml:"hitl_enabled"`
	TopK             int     `yaml:"top_k" validate:"gte=1"`
	Workers          int     `yaml:"workers" validate:"gte=1"`
	CorpusPath       string  `yaml:"corpus_path"`
	PolicyPath       string  `yaml:"policy_path"`
	MetricsAddr      string  `yaml:"metrics_addr"`

	LLM   LLMConfig   `yaml:"llm"`
	Store StoreConfig `yaml:"store"`
	Log   LogConfig   `yaml:"log"`
}

// LLMConfig selects and throttles the model provider.
type LLMConfig struct {
	Model       string        `yaml:"model"`
	RPS         float64       `yaml:"rps" validate:"gte=0"`
	Retries     int           `yaml:"retries" validate:"gte=0"`
	Backoff     time.Duration `yaml:"backoff"`
	Temperature float64       `yaml:"temperature" validate:"gte=0,lte=2"`
	MaxTokens   int           `yaml:"max_tokens" validate:"gte=0"`
	Timeout     time.Duration `yaml:"timeout"`
}

// StoreConfig selects job and checkpoint persistence.
type StoreConfig struct {
	Driver string `yaml:"driver" validate:"oneof=memory sqlite"`
	Path   string `yaml:"path" validate:"required_if=Driver sqlite"`
}

// LogConfig configures the slog handler.
type LogConfig struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" validate:"oneof=text json"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		CriticThreshold:  8.0,
		MaxIterations:    3,
		GroundingMode:    string(grounding.ModeWarn),
		GroundingFloor:   5,
		CitationMaxItems: 200,
		VersionMaxItems:  100,
		TopK:             5,
		Workers:          4,
		LLM: LLMConfig{
			RPS:         2,
			Retries:     2,
			Backoff:     2 * time.Second,
			Temperature: 0.2,
			MaxTokens:   4096,
			Timeout:     2 * time.Minute,
		},
		Store: StoreConfig{Driver: "sqlite", Path: "grantflow.db"},
		Log:   LogConfig{Level: "info", Format: "text"},
	}
}

// Load reads path over the defaults, applies environment overrides and
// validates the result. A missing file at the default path is not an
// error; an empty path skips the file.
func Load(path string, mustExist bool) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, fs.ErrNotExist) && !mustExist:
		case err != nil:
			return cfg, fmt.Errorf("config.Load: %w", err)
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, fmt.Errorf("config.Load %s: %w", path, err)
			}
		}
	}
	if err := applyEnv(&cfg, os.LookupEnv); err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks field ranges and enumerations.
func (c Config) Validate() error {
	errs := schema.ValidateStruct(c)
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("config: invalid: %s", strings.Join(schema.Messages(errs), "; "))
}

// Mode returns the grounding gate mode.
func (c Config) Mode() grounding.Mode {
	m, err := grounding.ParseMode(c.GroundingMode)
	if err != nil {
		return grounding.ModeWarn
	}
	return m
}

// ProviderOptions maps the LLM section onto provider resolution options.
func (c Config) ProviderOptions() llm.Options {
	return llm.Options{Model: c.LLM.Model, RPS: c.LLM.RPS, Retries: c.LLM.Retries, Backoff: c.LLM.Backoff}
}

// Settings maps the LLM section onto per-request settings.
func (c Config) Settings() llm.Settings {
	return llm.Settings{Model: c.LLM.Model, Temperature: c.LLM.Temperature, MaxTokens: c.LLM.MaxTokens}
}

type lookupFunc func(string) (string, bool)

// applyEnv overrides fields from GRANTFLOW_<KEY> variables, where KEY is the
// upper-cased YAML path joined by underscores (GRANTFLOW_STORE_PATH).
func applyEnv(c *Config, lookup lookupFunc) error {
	strs := map[string]*string{
		"GROUNDING_MODE": &c.GroundingMode,
		"CORPUS_PATH":    &c.CorpusPath,
		"POLICY_PATH":    &c.PolicyPath,
		"METRICS_ADDR":   &c.MetricsAddr,
		"LLM_MODEL":      &c.LLM.Model,
		"STORE_DRIVER":   &c.Store.Driver,
		"STORE_PATH":     &c.Store.Path,
		"LOG_LEVEL":      &c.Log.Level,
		"LOG_FORMAT":     &c.Log.Format,
	}
	ints := map[string]*int{
		"MAX_ITERATIONS":     &c.MaxIterations,
		"GROUNDING_FLOOR":    &c.GroundingFloor,
		"CITATION_MAX_ITEMS": &c.CitationMaxItems,
		"VERSION_MAX_ITEMS":  &c.VersionMaxItems,
		"TOP_K":              &c.TopK,
		"WORKERS":            &c.Workers,
		"LLM_RETRIES":        &c.LLM.Retries,
		"LLM_MAX_TOKENS":     &c.LLM.MaxTokens,
	}
	floats := map[string]*float64{
		"CRITIC_THRESHOLD": &c.CriticThreshold,
		"LLM_RPS":          &c.LLM.RPS,
		"LLM_TEMPERATURE":  &c.LLM.Temperature,
	}
	durations := map[string]*time.Duration{
		"LLM_BACKOFF": &c.LLM.Backoff,
		"LLM_TIMEOUT": &c.LLM.Timeout,
	}

	for k, p := range strs {
		if v, ok := lookup(EnvPrefix + k); ok {
			*p = strings.TrimSpace(v)
		}
	}
	for k, p := range ints {
		if v, ok := lookup(EnvPrefix + k); ok {
			n, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				return fmt.Errorf("config: %s%s: %w", EnvPrefix, k, err)
			}
			*p = n
		}
	}
	for k, p := range floats {
		if v, ok := lookup(EnvPrefix + k); ok {
			f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
			if err != nil {
				return fmt.Errorf("config: %s%s: %w", EnvPrefix, k, err)
			}
			*p = f
		}
	}
	for k, p := range durations {
		if v, ok := lookup(EnvPrefix + k); ok {
			d, err := time.ParseDuration(strings.TrimSpace(v))
			if err != nil {
				return fmt.Errorf("config: %s%s: %w", EnvPrefix, k, err)
			}
			*p = d
		}
	}
	if v, ok := lookup(EnvPrefix + "HITL_ENABLED"); ok {
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("config: %sHITL_ENABLED: %w", EnvPrefix, err)
		}
		c.HITLEnabled = b
	}
	return nil
}
