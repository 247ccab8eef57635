package testlog

import (
	"testing"

	"github.com/danmuck/sessionctl/internal/logging"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

// Start configures test logging and tags the test name.
func Start(t *testing.T) {
	t.Helper()
	logging.ConfigureTests()
	gin.SetMode(gin.TestMode)
	log.Info().Str("test", t.Name()).Msg("testlog.Start")
}
