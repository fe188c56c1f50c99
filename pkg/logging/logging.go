package logging

import (
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// Logger is the process wide logger. Level is set by LOG_LEVEL (trace, debug, info, warn, error).
var Logger zerolog.Logger

func init() {
	Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	SetLogLevel(os.Getenv("LOG_LEVEL"))
}

// SetLogLevel changes level of Logger. Unknown or empty level falls back to info.
func SetLogLevel(level string) {
	lv, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || level == "" {
		lv = zerolog.InfoLevel
	}
	Logger = Logger.Level(lv)
}
