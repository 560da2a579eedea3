package ingress

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/sawpanic/bookstream/internal/model"
)

func delta(first, last int64) model.MarketEvent {
	return model.MarketEvent{FirstUpdateID: first, LastUpdateID: last}
}

// TestReconcileBufferScenario1 matches spec §8 Scenario 1 exactly: buffered
// deltas [100,101,102] against snapshot U=101 discard 100 and 101, retain
// only 102.
func TestReconcileBufferScenario1(t *testing.T) {
	buffered := []model.MarketEvent{delta(99, 100), delta(101, 101), delta(102, 102)}
	out := reconcileBuffer(buffered, 101)
	assert.Len(t, out, 1)
	assert.Equal(t, int64(102), out[0].LastUpdateID)
}

func TestReconcileBufferSkipsUntilFirstValidDelta(t *testing.T) {
	// U=100; first buffered delta's range doesn't straddle U+1, should be
	// skipped even though its last_update_id > U, until one that does.
	buffered := []model.MarketEvent{delta(105, 110), delta(100, 103), delta(104, 106)}
	out := reconcileBuffer(buffered, 100)
	assert.Len(t, out, 2)
	assert.Equal(t, int64(103), out[0].LastUpdateID)
	assert.Equal(t, int64(106), out[1].LastUpdateID)
}

func TestReconcileBufferEmptyWhenAllStale(t *testing.T) {
	buffered := []model.MarketEvent{delta(1, 5), delta(6, 10)}
	out := reconcileBuffer(buffered, 20)
	assert.Empty(t, out)
}

// TestIsSequenceGapDetectsDroppedUpdate matches spec §8 Scenario 2: book at
// last_update_id=500, incoming delta first_update_id=502 (update 501 was
// dropped) must be flagged as a gap.
func TestIsSequenceGapDetectsDroppedUpdate(t *testing.T) {
	ev := model.MarketEvent{FirstUpdateID: 502, LastUpdateID: 505, HasFirstUpdateID: true}
	assert.True(t, isSequenceGap(ev, 500))
}

func TestIsSequenceGapFalseForContiguousDelta(t *testing.T) {
	ev := model.MarketEvent{FirstUpdateID: 501, LastUpdateID: 505, HasFirstUpdateID: true}
	assert.False(t, isSequenceGap(ev, 500))
}

func TestIsSequenceGapIgnoredWhenAdapterOmitsFirstUpdateID(t *testing.T) {
	ev := model.MarketEvent{FirstUpdateID: 0, LastUpdateID: 505}
	assert.False(t, isSequenceGap(ev, 500))
}
