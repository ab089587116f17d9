package config

import (
	"flag"
	"testing"
	"time"
)

func TestParseDefaults(t *testing.T) {
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	cfg := Parse(fs)
	if err := fs.Parse(nil); err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if cfg.DataDir != "monolite-data" {
		t.Fatalf("DataDir = %q, want monolite-data", cfg.DataDir)
	}
	if cfg.ListenAddr != ":27017" {
		t.Fatalf("ListenAddr = %q, want :27017", cfg.ListenAddr)
	}
	if cfg.CursorTTL != 10*time.Minute {
		t.Fatalf("CursorTTL = %v, want 10m", cfg.CursorTTL)
	}
	if cfg.LogLevel != "info" {
		t.Fatalf("LogLevel = %q, want info", cfg.LogLevel)
	}
	if cfg.LogPretty {
		t.Fatalf("LogPretty = true, want false by default")
	}
}

func TestParseOverridesFromArgs(t *testing.T) {
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	cfg := Parse(fs)
	err := fs.Parse([]string{
		"-data-dir=/tmp/data",
		"-listen=:28000",
		"-lock-timeout=2s",
		"-log-level=debug",
		"-log-pretty",
	})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if cfg.DataDir != "/tmp/data" {
		t.Fatalf("DataDir = %q, want /tmp/data", cfg.DataDir)
	}
	if cfg.ListenAddr != ":28000" {
		t.Fatalf("ListenAddr = %q, want :28000", cfg.ListenAddr)
	}
	if cfg.LockTimeout != 2*time.Second {
		t.Fatalf("LockTimeout = %v, want 2s", cfg.LockTimeout)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("LogLevel = %q, want debug", cfg.LogLevel)
	}
	if !cfg.LogPretty {
		t.Fatalf("LogPretty = false, want true after -log-pretty")
	}
}
