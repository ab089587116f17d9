// Package observability provides structured logging and Prometheus
// metrics for the engine's components (wire, database, pager, btree,
// lock manager).
package observability

import (
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Logger wraps zerolog with engine-specific component scoping.
type Logger struct {
	zlog zerolog.Logger
}

// Config holds logger configuration.
type Config struct {
	Level      string
	Pretty     bool
	Output     io.Writer
	WithCaller bool
}

func NewLogger(cfg Config) *Logger {
	level := zerolog.InfoLevel
	switch cfg.Level {
	case "debug":
		level = zerolog.DebugLevel
	case "warn":
		level = zerolog.WarnLevel
	case "error":
		level = zerolog.ErrorLevel
	}
	zerolog.SetGlobalLevel(level)

	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}
	if cfg.Pretty {
		output = zerolog.ConsoleWriter{Out: output, TimeFormat: time.RFC3339}
	}

	zlog := zerolog.New(output).With().Timestamp().Str("service", "monolite").Logger()
	if cfg.WithCaller {
		zlog = zlog.With().Caller().Logger()
	}
	return &Logger{zlog: zlog}
}

func (l *Logger) GetZerolog() *zerolog.Logger { return &l.zlog }

var (
	globalMu sync.Mutex
	global   *Logger
)

// Global returns the process-wide logger, lazily initialized with defaults
// for code paths that have no Logger wired through them.
func Global() *Logger {
	globalMu.Lock()
	defer globalMu.Unlock()
	if global == nil {
		global = NewLogger(Config{Level: "info"})
	}
	return global
}

// SetGlobal replaces the process-wide logger (called once at startup).
func SetGlobal(l *Logger) {
	globalMu.Lock()
	defer globalMu.Unlock()
	global = l
}

func (l *Logger) Info(msg string) *zerolog.Event  { return l.zlog.Info().Str("msg", msg) }
func (l *Logger) Debug(msg string) *zerolog.Event { return l.zlog.Debug().Str("msg", msg) }
func (l *Logger) Warn(msg string) *zerolog.Event  { return l.zlog.Warn().Str("msg", msg) }
func (l *Logger) Error(msg string) *zerolog.Event { return l.zlog.Error().Str("msg", msg) }

// WireLogger scopes log lines to the wire-protocol listener/parser.
func (l *Logger) WireLogger(op string) *Logger {
	return &Logger{zlog: l.zlog.With().Str("component", "wire").Str("op", op).Logger()}
}

// DbLogger scopes log lines to runCommand dispatch.
func (l *Logger) DbLogger(command string) *Logger {
	return &Logger{zlog: l.zlog.With().Str("component", "database").Str("command", command).Logger()}
}

// PagerLogger scopes log lines to pager/WAL activity.
func (l *Logger) PagerLogger(op string) *Logger {
	return &Logger{zlog: l.zlog.With().Str("component", "pager").Str("op", op).Logger()}
}

func (l *Logger) LogCommand(command string, duration time.Duration, err error) {
	event := l.zlog.Info().Str("component", "database").Str("command", command).Dur("duration_ms", duration)
	if err != nil {
		event = l.zlog.Error().Str("component", "database").Str("command", command).
			Dur("duration_ms", duration).Err(err)
	}
	event.Msg("command completed")
}

func (l *Logger) LogServerStart(addr string, dataDir string) {
	l.zlog.Info().Str("event", "server_start").Str("addr", addr).Str("data_dir", dataDir).
		Msg("monolite server starting")
}

func (l *Logger) LogServerReady(addr string) {
	l.zlog.Info().Str("event", "server_ready").Str("addr", addr).Msg("monolite server ready")
}

func (l *Logger) LogServerShutdown() {
	l.zlog.Info().Str("event", "server_shutdown").Msg("monolite server shutting down")
}
