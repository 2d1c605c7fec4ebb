package main

import (
	"fmt"
	"io"
	"os"

	"github.com/kolkov/memtrack/internal/track/config"
	"github.com/kolkov/memtrack/memtrack"
)

// configCommand implements 'memtrack config'.
type configCommand struct {
	global *globalOptions
	out    io.Writer
}

func (c *configCommand) Execute(_ []string) error {
	cfg, err := c.global.loadConfig()
	if err != nil {
		return err
	}
	data, err := cfg.Marshal()
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	_, err = writerOr(c.out).Write(data)
	return err
}

// versionCommand implements 'memtrack version'.
type versionCommand struct {
	out io.Writer
}

func (c *versionCommand) Execute(_ []string) error {
	_, err := fmt.Fprintf(writerOr(c.out), "memtrack version %s (config schema %s)\n",
		memtrack.Version, config.SchemaVersion)
	return err
}

func writerOr(w io.Writer) io.Writer {
	if w == nil {
		return os.Stdout
	}
	return w
}
