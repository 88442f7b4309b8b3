// ABOUTME: Tests for the Prometheus collectors
// ABOUTME: Reads counter values back with prometheus/testutil

package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRegisterIsIdempotent(t *testing.T) {
	assert.NotPanics(t, func() {
		Register()
		Register()
	})
}

func TestTransportOutcomes(t *testing.T) {
	okBefore := testutil.ToFloat64(transportOps.WithLabelValues("append", "ok"))
	errBefore := testutil.ToFloat64(transportOps.WithLabelValues("append", "error"))

	RecordTransportOp("append", nil)
	RecordTransportOp("append", errors.New("down"))
	RecordTransportOp("append", nil)

	assert.Equal(t, okBefore+2, testutil.ToFloat64(transportOps.WithLabelValues("append", "ok")))
	assert.Equal(t, errBefore+1, testutil.ToFloat64(transportOps.WithLabelValues("append", "error")))
}

func TestDeliveriesByResult(t *testing.T) {
	RecordDelivery("s", "g", "dead_lettered")
	assert.Equal(t, 1.0, testutil.ToFloat64(deliveries.WithLabelValues("s", "g", "dead_lettered")))
}

func TestSetSessionsReplacesStates(t *testing.T) {
	SetSessions(map[string]int{"RUNNING": 2, "DEGRADED": 1})
	assert.Equal(t, 2.0, testutil.ToFloat64(sessionsGauge.WithLabelValues("RUNNING")))

	SetSessions(map[string]int{"RUNNING": 1})
	assert.Equal(t, 1, testutil.CollectAndCount(sessionsGauge))
}

func TestTurnsAndDelegations(t *testing.T) {
	before := testutil.ToFloat64(turns.WithLabelValues("timeout"))
	RecordTurn("timeout", 2*time.Second)
	assert.Equal(t, before+1, testutil.ToFloat64(turns.WithLabelValues("timeout")))

	RecordDelegation("bob-metrics", "replied", 100*time.Millisecond)
	assert.Equal(t, 1.0, testutil.ToFloat64(delegations.WithLabelValues("bob-metrics", "replied")))
}
