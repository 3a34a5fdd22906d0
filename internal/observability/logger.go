package observability

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// InitLogger builds the process logger and installs it as log.Logger.
// json switches from the console writer to JSON lines on stdout.
func InitLogger(app string, verbose, json bool) zerolog.Logger {
	return initLogger(os.Stdout, app, verbose, json)
}

func initLogger(out io.Writer, app string, verbose, json bool) zerolog.Logger {
	if !json {
		out = zerolog.ConsoleWriter{
			Out:        out,
			TimeFormat: time.RFC3339,
		}
	}
	level := zerolog.InfoLevel
	if verbose {
		level = zerolog.DebugLevel
	}
	logger := zerolog.New(out).Level(level).With().Timestamp().Str("app", app).Logger()
	log.Logger = logger
	return logger
}
