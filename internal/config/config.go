// Package config provides the flag-based server configuration.
package config

import (
	"flag"
	"time"
)

// ServerConfig holds every runtime-tunable setting of the engine.
type ServerConfig struct {
	DataDir            string
	ListenAddr         string
	MetricsAddr        string
	CursorTTL          time.Duration
	CheckpointInterval time.Duration
	LockTimeout        time.Duration
	LogLevel           string
	LogPretty          bool
}

// Parse registers and parses the engine's flags against the given FlagSet,
// defaulting to flag.CommandLine when fs is nil.
func Parse(fs *flag.FlagSet) *ServerConfig {
	if fs == nil {
		fs = flag.CommandLine
	}
	cfg := &ServerConfig{}
	fs.StringVar(&cfg.DataDir, "data-dir", "monolite-data", "directory holding the data file and WAL")
	fs.StringVar(&cfg.ListenAddr, "listen", ":27017", "address to accept MongoDB wire protocol connections on")
	fs.StringVar(&cfg.MetricsAddr, "metrics-addr", ":9216", "address to expose Prometheus metrics on")
	fs.DurationVar(&cfg.CursorTTL, "cursor-ttl", 10*time.Minute, "idle timeout before an open cursor is killed")
	fs.DurationVar(&cfg.CheckpointInterval, "checkpoint-interval", 30*time.Second, "accepted but not read by the engine; the pager checkpoints the WAL on every flush")
	fs.DurationVar(&cfg.LockTimeout, "lock-timeout", 5*time.Second, "default timeout for transaction lock acquisition")
	fs.StringVar(&cfg.LogLevel, "log-level", "info", "log level: debug, info, warn, error")
	fs.BoolVar(&cfg.LogPretty, "log-pretty", false, "pretty-print logs for local development")
	return cfg
}
