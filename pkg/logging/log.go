package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// SetupLogger installs the console logger on stderr.
func SetupLogger() {
	SetOutput(os.Stderr)
}

// SetOutput points the global logger at w. Color is disabled so log files and
// CI output stay free of ANSI escapes.
func SetOutput(w io.Writer) {
	output := zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339, NoColor: true}
	output.FormatLevel = func(i interface{}) string {
		return strings.ToUpper(fmt.Sprintf("| %-6s|", i))
	}
	output.FormatMessage = func(i interface{}) string {
		return fmt.Sprintf("[ %s ]", i)
	}
	log.Logger = zerolog.New(output).With().Timestamp().Logger()
}

func GetLogger() zerolog.Logger {
	return log.Logger
}

// GetComponentLogger tags every entry with the emitting component.
func GetComponentLogger(component string) zerolog.Logger {
	return log.With().Str("component", component).Logger()
}
