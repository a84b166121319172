package saga

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFanOut_DeliversToEveryObserver(t *testing.T) {
	var first, second []Event
	obs := FanOut(
		func(ev Event) { first = append(first, ev) },
		nil,
		func(ev Event) { second = append(second, ev) },
	)

	ev := Event{RequestID: "bk-1", ItemID: "flight-1", Phase: PhaseReserve, Status: "held"}
	obs(ev)

	assert.Equal(t, []Event{ev}, first)
	assert.Equal(t, []Event{ev}, second)
}

func TestFanOut_Empty(t *testing.T) {
	assert.NotPanics(t, func() { FanOut()(Event{RequestID: "bk-1"}) })
}
