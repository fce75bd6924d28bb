package metrics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestMetrics(t *testing.T) {
	// Register should be safe to call multiple times
	Register()
	Register()

	assert.NotPanics(t, func() {
		IncHTTP("test_endpoint")
		IncHoldRequest("created")
		IncTransition("confirmed", "paid")
		IncBroadcasterDrop("space")
		IncSinkFailure("kafka")
		ObserveStore("insert_hold", time.Now())
	})
}

func TestGauges(t *testing.T) {
	assert.NotPanics(t, func() {
		SetActiveTimers(3)
		SetActiveTimers(0)
		AddSweeperExpired(2)
	})
}
