package logger

import (
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// InitLogger returns a console logger in development and a JSON logger
// everywhere else. Unknown levels fall back to info.
func InitLogger(level string, development bool) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}

	if development {
		return log.Output(zerolog.ConsoleWriter{Out: os.Stderr}).Level(lvl)
	}

	return zerolog.New(os.Stderr).With().Timestamp().Str("service", "podmanager-credits").Logger().Level(lvl)
}
