// Package log wraps gopkg.in/op/go-logging.v1 behind a small Backend
// type, the same shape the teacher's server/client packages use
// (logBackend.GetLogger("name")) so each bridge component gets its own
// named, independently levelled logger.
package log

import (
	"io"
	"os"

	logging "gopkg.in/op/go-logging.v1"
)

// Backend owns the process-wide go-logging backend and hands out named
// loggers to callers.
type Backend struct {
	level   logging.Level
	backend logging.Backend
}

// New constructs a Backend writing to w (os.Stderr if nil) at level,
// one of logging's level names: "DEBUG", "INFO", "NOTICE", "WARNING",
// "ERROR", "CRITICAL". An unrecognized name defaults to "NOTICE".
func New(w io.Writer, level string) *Backend {
	if w == nil {
		w = os.Stderr
	}
	lvl, err := logging.LogLevel(level)
	if err != nil {
		lvl = logging.NOTICE
	}
	fmt := logging.MustStringFormatter(
		"%{time:15:04:05.000} %{level:.4s} %{module}: %{message}",
	)
	base := logging.NewLogBackend(w, "", 0)
	formatted := logging.NewBackendFormatter(base, fmt)
	leveled := logging.AddModuleLevel(formatted)
	leveled.SetLevel(lvl, "")
	return &Backend{level: lvl, backend: leveled}
}

// GetLogger returns a logger scoped to module, sharing this Backend's
// sink and level.
func (b *Backend) GetLogger(module string) *logging.Logger {
	l := logging.MustGetLogger(module)
	l.SetBackend(b.backend.(logging.LeveledBackend))
	return l
}
