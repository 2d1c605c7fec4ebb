package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"go.uber.org/multierr"
	"gopkg.in/yaml.v2"
)

// EnvPrefix prefixes every environment variable understood by ApplyEnv.
const EnvPrefix = "MEMTRACK_"

// LookupFunc matches os.LookupEnv.
type LookupFunc func(key string) (string, bool)

// Parse decodes YAML on top of Default(). Keys absent from data keep their
// default values.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	if err := yaml.UnmarshalStrict(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// LoadFile reads and parses a YAML configuration file.
func LoadFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Marshal encodes the configuration as YAML.
func (c Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}

type envSetter func(c *Config, v string) error

// envKeys maps MEMTRACK_<KEY> to the field it overrides.
var envKeys = map[string]envSetter{
	"CRITICAL_SIZE_THRESHOLD": func(c *Config, v string) error {
		return parseUint(v, &c.Sampling.CriticalSizeThreshold)
	},
	"MEDIUM_SIZE_THRESHOLD": func(c *Config, v string) error {
		return parseUint(v, &c.Sampling.MediumSizeThreshold)
	},
	"SMALL_SAMPLE_RATE": func(c *Config, v string) error {
		return parseFloat(v, &c.Sampling.SmallSampleRate)
	},
	"MEDIUM_SAMPLE_RATE": func(c *Config, v string) error {
		return parseFloat(v, &c.Sampling.MediumSampleRate)
	},
	"FREQUENCY_SAMPLE_INTERVAL": func(c *Config, v string) error {
		return parseUint(v, &c.Sampling.FrequencySampleInterval)
	},
	"MAX_RECORDS_PER_THREAD": func(c *Config, v string) error {
		return parseInt(v, &c.Sampling.MaxRecordsPerThread)
	},
	"STACK_CAPTURE": func(c *Config, v string) error {
		return parseBool(v, &c.Sampling.Features.StackCapture)
	},
	"MAX_REGISTRY_SIZE": func(c *Config, v string) error {
		return parseInt(v, &c.Registry.MaxRegistrySize)
	},
	"REGISTRY_CLEANUP_THRESHOLD": func(c *Config, v string) error {
		n, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			return err
		}
		c.Registry.CleanupThreshold = uint32(n)
		return nil
	},
	"CLEANUP_THRESHOLD": func(c *Config, v string) error {
		return parseFloat(v, &c.History.CleanupThreshold)
	},
	"MAX_RECENT_ALLOCATIONS": func(c *Config, v string) error {
		return parseInt(v, &c.History.MaxRecentAllocations)
	},
	"MAX_HISTORICAL_SUMMARIES": func(c *Config, v string) error {
		return parseInt(v, &c.History.MaxHistoricalSummaries)
	},
	"FLUSH_MAX_AGE": func(c *Config, v string) error {
		return parseDuration(v, &c.Buffer.FlushMaxAge)
	},
	"ANALYSIS_INTERVAL": func(c *Config, v string) error {
		return parseUint(v, &c.Optimizer.AnalysisInterval)
	},
	"AUTO_APPLY_CONFIDENCE": func(c *Config, v string) error {
		return parseFloat(v, &c.Optimizer.AutoApplyConfidence)
	},
}

// ApplyEnv overrides fields from MEMTRACK_* variables found by lookup.
// All malformed values are reported together; well-formed ones still apply.
func (c *Config) ApplyEnv(lookup LookupFunc) error {
	var errs error
	for key, set := range envKeys {
		v, ok := lookup(EnvPrefix + key)
		if !ok || v == "" {
			continue
		}
		if err := set(c, v); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("%s%s=%q: %w", EnvPrefix, key, v, err))
		}
	}
	return errs
}

// FromEnv returns Default() with environment overrides applied and validated.
func FromEnv() (Config, error) {
	cfg := Default()
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func parseUint(v string, dst *uint64) error {
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return err
	}
	*dst = n
	return nil
}

func parseInt(v string, dst *int) error {
	n, err := strconv.Atoi(v)
	if err != nil {
		return err
	}
	*dst = n
	return nil
}

func parseFloat(v string, dst *float64) error {
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return err
	}
	*dst = f
	return nil
}

func parseBool(v string, dst *bool) error {
	b, err := strconv.ParseBool(v)
	if err != nil {
		return err
	}
	*dst = b
	return nil
}

func parseDuration(v string, dst *time.Duration) error {
	d, err := time.ParseDuration(v)
	if err != nil {
		return err
	}
	*dst = d
	return nil
}
