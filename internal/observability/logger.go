package observability

import (
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Component derives a logger from the global one tagged with the
// subsystem name. Call it after logging is configured.
func Component(name string) zerolog.Logger {
	return log.With().Str("component", name).Logger()
}
