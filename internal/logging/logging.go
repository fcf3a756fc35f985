// Package logging hands out the leveled loggers used across the server.
package logging

import (
	"io"
	"strings"
	"sync"

	"github.com/labstack/gommon/log"
)

const header = "${time_rfc3339} ${level} [${prefix}]"

var (
	mu      sync.Mutex
	level   = log.INFO
	output  io.Writer
	loggers []*log.Logger
)

// New returns a logger tagged with prefix at the current level.
func New(prefix string) *log.Logger {
	l := log.New(prefix)
	l.SetHeader(header)

	mu.Lock()
	defer mu.Unlock()
	l.SetLevel(level)
	if output != nil {
		l.SetOutput(output)
	}
	loggers = append(loggers, l)
	return l
}

// SetLevel applies a level name ("debug", "info", "warn", "error", "off")
// to every logger. Unknown names fall back to info.
func SetLevel(name string) {
	lvl := ParseLevel(name)

	mu.Lock()
	defer mu.Unlock()
	level = lvl
	for _, l := range loggers {
		l.SetLevel(lvl)
	}
}

// SetOutput redirects every logger to w.
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	output = w
	for _, l := range loggers {
		l.SetOutput(w)
	}
}

// ParseLevel maps a level name to a gommon level.
func ParseLevel(name string) log.Lvl {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "debug":
		return log.DEBUG
	case "warn", "warning":
		return log.WARN
	case "error":
		return log.ERROR
	case "off", "none":
		return log.OFF
	default:
		return log.INFO
	}
}
