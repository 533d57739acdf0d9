// Package obs provides process-wide observability initialization: the
// zerolog logger (terminal-aware pretty/JSON switch, component-scoped level
// overrides), following the teacher's internal/util.InitLogger/UpdateLogLevel
// pattern. The Prometheus metrics HTTP server is started by cmd/tycho-feed.
package obs

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
)

// InitLogger builds the base logger. If logDir is non-empty, output goes
// only to a file under that directory, as JSON (spec.md §6's --log-dir);
// otherwise it mirrors the teacher's terminal-detection switch between
// pretty console output and JSON on stdout.
func InitLogger(logDir string) (*zerolog.Logger, error) {
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	var out = os.Stdout
	var writer interface{ Write([]byte) (int, error) } = out

	if logDir != "" {
		if err := os.MkdirAll(logDir, 0o755); err != nil {
			return nil, err
		}
		f, err := os.OpenFile(filepath.Join(logDir, "tycho-feed.log"), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, err
		}
		writer = f
	}

	var logger zerolog.Logger
	if logDir == "" && isTerminal() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: out}).
			With().
			Timestamp().
			Caller().
			Logger()
	} else {
		logger = zerolog.New(writer).
			With().
			Timestamp().
			Str("service", "tycho-block-feed").
			Logger()
	}

	return &logger, nil
}

// ApplyLogLevels sets the global level from global (falling back to info on
// an unknown or empty value) and returns per-component overrides for
// callers that want a scoped sub-logger at a different level (e.g.
// LOG_LEVEL=info,tracker=trace raises only the tracker component). The
// global zerolog level is set to the most verbose level in use and the base
// logger itself carries the global level, so an override can be either
// more or less verbose than the global level.
func ApplyLogLevels(logger *zerolog.Logger, global string, overrides map[string]string) map[string]zerolog.Level {
	level := parseLevel(global, logger)

	resolved := make(map[string]zerolog.Level, len(overrides))
	floor := level
	for component, raw := range overrides {
		lvl := parseLevel(raw, logger)
		resolved[component] = lvl
		if lvl < floor {
			floor = lvl
		}
	}

	zerolog.SetGlobalLevel(floor)
	*logger = logger.Level(level)
	logger.Info().Str("level", level.String()).Msg("log level set")
	return resolved
}

func parseLevel(raw string, logger *zerolog.Logger) zerolog.Level {
	if raw == "" {
		return zerolog.InfoLevel
	}
	switch strings.ToLower(raw) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		logger.Warn().Str("configured_level", raw).Str("using_level", "info").Msg("unknown log level, defaulting to info")
		return zerolog.InfoLevel
	}
}

// ComponentLogger returns logger scoped to component, at an overridden level
// if one was resolved by ApplyLogLevels.
func ComponentLogger(logger zerolog.Logger, component string, overrides map[string]zerolog.Level) zerolog.Logger {
	scoped := logger.With().Str("component", component).Logger()
	if lvl, ok := overrides[component]; ok {
		scoped = scoped.Level(lvl)
	}
	return scoped
}

func isTerminal() bool {
	fileInfo, _ := os.Stdout.Stat()
	return (fileInfo.Mode() & os.ModeCharDevice) != 0
}
