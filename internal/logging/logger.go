// Package logging builds the *log.Logger handed to every component. Lines go
// to a tint console handler and, when a log file is configured, to a
// lumberjack-rotated file as well.
package logging

import (
	"io"
	"log"
	"log/slog"
	"time"

	"github.com/lmittmann/tint"
	slogmulti "github.com/samber/slog-multi"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/lowaak/smart-trainer/trainer-link/internal/config"
)

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// New returns the application logger and the closer for its file sink.
// console may be nil to log to the file only.
func New(cfg config.Config, console io.Writer, color bool) (*log.Logger, io.Closer) {
	var handlers []slog.Handler
	var closer io.Closer = nopCloser{}

	if console != nil {
		handlers = append(handlers, tint.NewHandler(console, &tint.Options{
			Level:      cfg.LogLevel,
			TimeFormat: time.TimeOnly,
			NoColor:    !color,
		}))
	}
	if cfg.LogFile != "" {
		file := &lumberjack.Logger{
			Filename:   cfg.LogFile,
			MaxSize:    cfg.LogMaxSize,
			MaxBackups: cfg.LogMaxBackups,
			MaxAge:     cfg.LogMaxAge,
		}
		closer = file
		handlers = append(handlers, slog.NewTextHandler(file, &slog.HandlerOptions{Level: cfg.LogLevel}))
	}

	var h slog.Handler
	switch len(handlers) {
	case 0:
		h = slog.DiscardHandler
	case 1:
		h = handlers[0]
	default:
		h = slogmulti.Fanout(handlers...)
	}
	return slog.NewLogLogger(h, slog.LevelInfo), closer
}
