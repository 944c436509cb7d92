package core

import (
	"io"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// LogOptions controls InitLogger. A zero value logs warnings to stderr.
type LogOptions struct {
	Level string

	// File enables a rotated log file next to the console output.
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

var Logger = zerolog.Nop()

// InitLogger sets up the global Logger. Console output goes to stderr so
// command output on stdout stays machine readable.
func InitLogger(opts LogOptions) zerolog.Logger {
	var writer io.Writer = os.Stderr

	console := &zerolog.ConsoleWriter{Out: writer}
	console.NoColor = !isatty.IsTerminal(os.Stderr.Fd())
	console.TimeFormat = "15:04:05.000"

	writer = console
	if opts.File != "" {
		writer = zerolog.MultiLevelWriter(console, &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    orDefault(opts.MaxSizeMB, 10),
			MaxBackups: orDefault(opts.MaxBackups, 3),
			MaxAge:     orDefault(opts.MaxAgeDays, 28),
			Compress:   opts.Compress,
		})
	}

	lvl, err := zerolog.ParseLevel(opts.Level)
	if err != nil || opts.Level == "" {
		lvl = zerolog.WarnLevel
	}
	Logger = zerolog.New(writer).Level(lvl)

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs
	Logger = Logger.With().Timestamp().Logger()

	return Logger
}

// LevelForVerbosity maps a repeated -v flag onto a level name.
func LevelForVerbosity(v int) string {
	switch {
	case v <= 0:
		return zerolog.WarnLevel.String()
	case v == 1:
		return zerolog.InfoLevel.String()
	case v == 2:
		return zerolog.DebugLevel.String()
	default:
		return zerolog.TraceLevel.String()
	}
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
