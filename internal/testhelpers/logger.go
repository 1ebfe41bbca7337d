package testhelpers

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// SetupLogger sends the global logger to the test output for the duration of
// the test, so log lines appear alongside the failure that produced them.
func SetupLogger(t *testing.T) {
	t.Helper()

	previous := log.Logger
	log.Logger = zerolog.New(zerolog.NewTestWriter(t)).Level(zerolog.DebugLevel)

	previousContext := zerolog.DefaultContextLogger
	zerolog.DefaultContextLogger = &log.Logger

	t.Cleanup(func() {
		log.Logger = previous
		zerolog.DefaultContextLogger = previousContext
	})
}
