// Package logger provides named, leveled loggers for all strand subsystems.
package logger

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// --------------------------------------------------------------------------
// Named Logger Registry
// --------------------------------------------------------------------------

var (
	mu      sync.RWMutex
	root    = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: "2006-01-02 15:04:05"}).With().Timestamp().Logger()
	loggers = map[string]zerolog.Logger{}
	levels  = map[string]zerolog.Level{}
)

// Get returns the logger for the given subsystem name (e.g. "rpc", "tunnel").
// Loggers for the same name share their level; the level can be changed at any
// time with SetLevel.
func Get(name string) zerolog.Logger {
	mu.RLock()
	l, ok := loggers[name]
	mu.RUnlock()
	if ok {
		return l
	}

	mu.Lock()
	defer mu.Unlock()
	if l, ok := loggers[name]; ok {
		return l
	}

	level := zerolog.InfoLevel
	if lv, ok := levels[name]; ok {
		level = lv
	}

	l = root.With().Str("sys", name).Logger().Level(level)
	loggers[name] = l
	return l
}

// SetLevel changes the level of the named logger. Creating the logger lazily
// afterwards picks the level up as well.
func SetLevel(name string, level zerolog.Level) {
	mu.Lock()
	defer mu.Unlock()
	levels[name] = level
	if l, ok := loggers[name]; ok {
		loggers[name] = l.Level(level)
	}
}

// SetGlobalLevel applies a level to every known subsystem logger and makes it
// the default for loggers created later.
func SetGlobalLevel(level zerolog.Level) {
	mu.Lock()
	defer mu.Unlock()
	for name, l := range loggers {
		loggers[name] = l.Level(level)
	}
	for name := range levels {
		levels[name] = level
	}
	zerolog.SetGlobalLevel(level)
}

// ParseLevel converts a level string (debug, info, warn, error) to a
// zerolog.Level. Unknown strings are an error, not a panic, so config errors
// surface at startup.
func ParseLevel(level string) (zerolog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return zerolog.DebugLevel, nil
	case "info":
		return zerolog.InfoLevel, nil
	case "warning", "warn":
		return zerolog.WarnLevel, nil
	case "error":
		return zerolog.ErrorLevel, nil
	default:
		return zerolog.InfoLevel, fmt.Errorf("invalid log level: %s (must be one of debug, info, warn, error)", level)
	}
}

// Init configures the global log level from a config string. It is called once
// by the CLI commands before any subsystem starts.
func Init(level string) error {
	lv, err := ParseLevel(level)
	if err != nil {
		return err
	}
	SetGlobalLevel(lv)
	return nil
}
