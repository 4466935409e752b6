package logger

import (
	"os"

	"github.com/rs/zerolog"
)

// New builds the process-wide zerolog logger. Level strings follow
// zerolog's ParseLevel; unknown values fall back to info.
func New(level string) zerolog.Logger {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	logLevel, err := zerolog.ParseLevel(level)
	if err != nil {
		logLevel = zerolog.InfoLevel
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger().Level(logLevel)
}
