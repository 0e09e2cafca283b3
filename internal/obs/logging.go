// Package obs wires ASAP's ambient observability stack: zerolog setup and
// per-request correlation, grounded on the teacher's cmd/server/main.go
// logging bootstrap and internal/httpapi/middleware.go's
// CorrelationMiddleware/SessionMiddleware.
package obs

import (
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// InitLogging configures the global zerolog logger the way the teacher's
// cmd/server/main.go does: RFC3339Nano timestamps, a bound "service"
// field, and a console writer when logFormat is "console" (ASAP_LOG_FORMAT,
// spec.md §6) rather than the default JSON output.
func InitLogging(serviceName, logFormat string) {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	log.Logger = log.With().Str("service", serviceName).Logger()

	if logFormat == "console" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})
	}
}
