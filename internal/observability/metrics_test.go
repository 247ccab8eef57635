package observability

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRegisterMetricsAndRecordersAreSafe(t *testing.T) {
	RegisterMetrics()
	RegisterMetrics()

	RecordHTTPRequest("gss", "GET", "/ping", 200, 12*time.Millisecond)
	RecordPeerCall("gss", "confirm_session", 24*time.Millisecond, nil)
	RecordPeerCall("gss", "confirm_session", 24*time.Millisecond, errors.New("down"))
	SetRegistrySize("gss", "sessions", 3)
	RecordServiceTransition("lds", "alive")
	RecordServiceRestart("lds", "crash")
	RecordHealthMiss("gds", "lds")

	assert.Equal(t, 3.0, testutil.ToFloat64(registrySize.WithLabelValues("gss", "sessions")))
	assert.Equal(t, 1.0, testutil.ToFloat64(peerCalls.WithLabelValues("gss", "confirm_session", "false")))
}
