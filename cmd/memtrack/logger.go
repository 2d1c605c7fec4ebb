package main

import (
	"go.uber.org/zap"
)

// newLogger builds a logger for the given -v count.
//
//	0: production JSON, info
//	1: development console, info
//	2+: development console, debug
func newLogger(verbosity int) (*zap.Logger, error) {
	var cfg zap.Config
	switch verbosity {
	case 0:
		cfg = zap.NewProductionConfig()
		cfg.Level.SetLevel(zap.InfoLevel)
	case 1:
		cfg = zap.NewDevelopmentConfig()
		cfg.Level.SetLevel(zap.InfoLevel)
	default:
		cfg = zap.NewDevelopmentConfig()
		cfg.Level.SetLevel(zap.DebugLevel)
	}
	cfg.InitialFields = map[string]any{"component": "memtrack"}
	return cfg.Build()
}
