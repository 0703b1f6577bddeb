// Package log is the engine-wide structured logger: zerolog for the
// core event stream, shaped into Elastic Common Schema fields by
// ecszerolog, written to stderr and, after UseFile, also through a
// rotating lumberjack sink. Call sites
// use the package functions (log.Debugf / log.Warnf / log.Errorf)
// directly; no logger is threaded through constructors.
package log

import (
	"io"
	"os"
	"sync"

	"github.com/rs/zerolog"
	"go.elastic.co/ecszerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	mu     sync.RWMutex
	logger = ecszerolog.New(os.Stderr)
)

// FileConfig points the logger at a rotating file sink in addition to
// stderr.
type FileConfig struct {
	Filename   string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// SetDefaults fills in the lumberjack sizing fields.
func (c FileConfig) SetDefaults() FileConfig {
	if c.MaxSizeMB <= 0 {
		c.MaxSizeMB = 100
	}
	if c.MaxBackups <= 0 {
		c.MaxBackups = 3
	}
	if c.MaxAgeDays <= 0 {
		c.MaxAgeDays = 28
	}
	return c
}

// UseFile redirects the package logger to stderr plus a rotating file,
// shaped as ECS fields. Safe to call once at process start.
func UseFile(cfg FileConfig) {
	cfg = cfg.SetDefaults()
	w := io.MultiWriter(os.Stderr, &lumberjack.Logger{
		Filename:   cfg.Filename,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   cfg.Compress,
	})

	mu.Lock()
	logger = ecszerolog.New(w)
	mu.Unlock()
}

// SetLevel adjusts the minimum emitted level (zerolog.DebugLevel,
// InfoLevel, WarnLevel, ErrorLevel, ...).
func SetLevel(lvl zerolog.Level) {
	mu.Lock()
	logger = logger.Level(lvl)
	mu.Unlock()
}

func current() *zerolog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	l := logger
	return &l
}

// Debugf logs at debug level with printf-style formatting.
func Debugf(format string, args ...interface{}) {
	current().Debug().Msgf(format, args...)
}

// Infof logs at info level with printf-style formatting.
func Infof(format string, args ...interface{}) {
	current().Info().Msgf(format, args...)
}

// Warnf logs at warn level with printf-style formatting.
func Warnf(format string, args ...interface{}) {
	current().Warn().Msgf(format, args...)
}

// Errorf logs at error level with printf-style formatting.
func Errorf(format string, args ...interface{}) {
	current().Error().Msgf(format, args...)
}

// WithFields returns an event builder pre-populated with key/value
// pairs, for call sites that want structured fields instead of a
// formatted message (e.g. consumer id, message id).
func WithFields(fields map[string]interface{}) *zerolog.Event {
	return current().Info().Fields(fields)
}
