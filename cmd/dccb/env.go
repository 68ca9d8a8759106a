package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/mattn/go-isatty"

	"github.com/codespacesh/dccbridge/internal/config"
	"github.com/codespacesh/dccbridge/internal/store"
)

// cliEnv is what every subcommand needs: config, logger and, when the
// journal is enabled, the SQLite store with its recorder.
type cliEnv struct {
	dataDir  string
	cfg      *config.Config
	log      *slog.Logger
	store    *store.SQLiteStore
	recorder *store.Recorder
}

func loadEnv() (*cliEnv, error) {
	dataDir, err := config.DataDir()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating data dir: %w", err)
	}
	cfg, err := config.LoadConfig(dataDir)
	if err != nil {
		return nil, err
	}

	log := newLogger(os.Stderr, cfg.Log)
	slog.SetDefault(log)

	env := &cliEnv{dataDir: dataDir, cfg: cfg, log: log}
	if cfg.Journal.Enabled {
		st, err := store.NewSQLiteStore(dataDir, cfg.Journal.Retention.Duration)
		if err != nil {
			return nil, err
		}
		env.store = st
		env.recorder = store.NewRecorder(st, 0, log)
	}
	return env, nil
}

// Close flushes the recorder before closing the store.
func (e *cliEnv) Close() {
	if e.recorder != nil {
		e.recorder.Close()
		if n := e.recorder.Dropped(); n > 0 {
			e.log.Warn("journal dropped frames", "count", n)
		}
	}
	if e.store != nil {
		e.store.Close()
	}
}

// newLogger picks the text handler for terminals and JSON otherwise, unless
// the format is forced.
func newLogger(w io.Writer, lc config.Log) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(lc.Level)}
	text := false
	switch lc.Format {
	case "text":
		text = true
	case "json":
	default:
		if f, ok := w.(*os.File); ok {
			text = isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
		}
	}
	if text {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
