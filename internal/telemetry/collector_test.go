package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCountersMonotonicallyIncrease(t *testing.T) {
	c := New(64)
	c.RecordMessage(128)
	c.RecordMessage(64)
	c.RecordTrade()
	c.RecordUpdate()
	c.RecordUpdate()
	c.RecordReconnect()
	c.RecordCrossedBook()
	c.RecordSequenceGap()
	c.RecordLagged(3)
	c.RecordBufferDrop()

	c.refresh(make([]int64, len(c.ring)))
	snap := c.Snapshot()

	assert.Equal(t, uint64(2), snap.TotalMessages)
	assert.Equal(t, uint64(192), snap.BytesReceived)
	assert.Equal(t, uint64(1), snap.TotalTrades)
	assert.Equal(t, uint64(2), snap.TotalDepthUpdates)
	assert.Equal(t, uint64(1), snap.ReconnectCount)
	assert.Equal(t, uint64(1), snap.CrossedBooks)
	assert.Equal(t, uint64(1), snap.SequenceGaps)
	assert.Equal(t, uint64(3), snap.LaggedEvents)
	assert.Equal(t, uint64(1), snap.BufferDrops)
}

func TestLatencyPercentilesOrdered(t *testing.T) {
	c := New(128)
	for i := int64(1); i <= 100; i++ {
		c.RecordLatency(i * 10)
	}
	c.refresh(make([]int64, len(c.ring)))
	snap := c.Snapshot()

	assert.Equal(t, int64(10), snap.LatencyMinUs)
	assert.Equal(t, int64(1000), snap.LatencyMaxUs)
	assert.LessOrEqual(t, snap.LatencyP50Us, snap.LatencyP95Us)
	assert.LessOrEqual(t, snap.LatencyP95Us, snap.LatencyP99Us)
	assert.InDelta(t, 505, snap.LatencyAvgUs, 10)
}

func TestRatesComputedAgainstPreviousSample(t *testing.T) {
	c := New(64)
	c.lastSample.at = time.Now().Add(-1 * time.Second)
	for i := 0; i < 50; i++ {
		c.RecordMessage(1)
	}
	c.refresh(make([]int64, len(c.ring)))
	snap := c.Snapshot()
	assert.Greater(t, snap.MessagesPerSec, 0.0)
}

func TestRunPublishesSnapshotsOnCadence(t *testing.T) {
	c := New(32)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go c.Run(ctx, 5*time.Millisecond)

	c.RecordMessage(10)
	require.Eventually(t, func() bool {
		return c.Snapshot().TotalMessages == 1
	}, time.Second, time.Millisecond)
}

func TestNextPowerOfTwoRoundsUp(t *testing.T) {
	c := New(100)
	assert.Equal(t, 128, len(c.ring))
}

func TestQuickSelectPercentileEmptySamples(t *testing.T) {
	assert.Equal(t, int64(0), quickSelectPercentile(nil, 0.5))
}
