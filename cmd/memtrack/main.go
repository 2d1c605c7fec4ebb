// Package main implements the memtrack CLI.
//
// The memtrack tool drives the allocation tracker with a synthetic
// workload, so that sampling, buffering, eviction and the adaptive
// optimizer can be observed and tuned without instrumenting a real
// program.
//
// Usage:
//
//	memtrack run --duration=30s --workers=8        # Run a workload, print stats
//	memtrack run --metrics-addr=:9090 --output=x   # Serve /metrics, write records
//	memtrack config                                # Print the effective config
//	memtrack version                               # Print the version
//
// Configuration is layered: built-in defaults, then the YAML file given by
// --config, then MEMTRACK_* environment variables.
package main

import (
	"fmt"
	"os"

	"github.com/jessevdk/go-flags"

	"github.com/kolkov/memtrack/internal/track/config"
)

type globalOptions struct {
	Config  string `long:"config" short:"c" env:"MEMTRACK_CONFIG" description:"YAML configuration file"`
	Verbose []bool `long:"verbose" short:"v" description:"Increase log verbosity (repeatable)"`
}

// loadConfig resolves the effective configuration.
func (g *globalOptions) loadConfig() (config.Config, error) {
	cfg := config.Default()
	if g.Config != "" {
		var err error
		if cfg, err = config.LoadFile(g.Config); err != nil {
			return config.Config{}, err
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return config.Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func newParser(opts *globalOptions) *flags.Parser {
	parser := flags.NewParser(opts, flags.Default)
	parser.ShortDescription = "adaptive allocation tracker"
	parser.LongDescription = "memtrack drives the allocation tracker with a synthetic workload " +
		"and reports its statistics."

	mustAddCommand(parser, "run", "Run a synthetic workload",
		"Run allocates and frees objects from several goroutines while tracking them, "+
			"then prints memory, sampling, registry, history and optimizer statistics.",
		&runCommand{global: opts})
	mustAddCommand(parser, "config", "Print the effective configuration",
		"Config prints the configuration resolved from defaults, --config and MEMTRACK_* variables as YAML.",
		&configCommand{global: opts})
	mustAddCommand(parser, "version", "Show version information",
		"Version prints the tracker and configuration schema versions.",
		&versionCommand{})
	return parser
}

func mustAddCommand(p *flags.Parser, name, short, long string, data any) {
	if _, err := p.AddCommand(name, short, long, data); err != nil {
		panic(err)
	}
}

func main() {
	var opts globalOptions
	parser := newParser(&opts)

	if _, err := parser.Parse(); err != nil {
		// flags.Default prints the error, including command errors.
		if flags.WroteHelp(err) {
			return
		}
		os.Exit(1)
	}
}
