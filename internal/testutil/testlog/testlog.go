// Package testlog routes zerolog output through the test profile and
// brackets each test with start and finish lines.
package testlog

import (
	"testing"

	"github.com/danmuck/cfdp/internal/logging"
	"github.com/rs/zerolog/log"
)

func Start(t *testing.T) {
	t.Helper()
	logging.ConfigureTests()
	log.Info().Str("test", t.Name()).Msg("start")
	t.Cleanup(func() {
		if t.Failed() {
			log.Warn().Str("test", t.Name()).Msg("failed")
			return
		}
		log.Debug().Str("test", t.Name()).Msg("passed")
	})
}
