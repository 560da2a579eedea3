// Package telemetry implements the performance-telemetry collector (spec
// §4.5, C7): constant-time, allocation-free counters and a lock-free
// latency ring on the hot ingress/fan-out path, with percentile estimation
// done off that path by a periodic background task. Grounded on the shape
// of internal/metrics/collector.go from the teacher repository, redesigned
// around atomics per spec's "lock-free percentile estimation" design note
// rather than the teacher's mutex-guarded struct.
package telemetry

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultRingSize is the power-of-two sample count for the latency ring
// (spec §6 LATENCY_RING_SIZE).
const DefaultRingSize = 4096

// Collector accumulates process-wide counters and a best-effort latency
// distribution. All Record* methods are safe for concurrent use from many
// ingress/fan-out goroutines; all except RecordSymbolSpread (see its
// comment) never allocate or block.
type Collector struct {
	totalMessages     uint64
	totalDepthUpdates uint64
	totalTrades       uint64
	bytesReceived     uint64
	reconnects        uint64
	crossedBooks      uint64
	sequenceGaps      uint64
	activeSubscribers int64
	laggedEvents      uint64
	bufferDrops       uint64

	ringMask uint64
	ring     []int64 // microsecond latencies; written modulo ringMask+1
	writeIdx uint64

	mu            sync.Mutex
	symbolSpreads map[string]float64

	snapshot atomic.Pointer[Snapshot]

	lastSample sampleState
}

type sampleState struct {
	at                time.Time
	totalMessages     uint64
	totalDepthUpdates uint64
	totalTrades       uint64
}

// Snapshot is the published, read-mostly telemetry view (spec §3).
type Snapshot struct {
	TotalMessages     uint64                    `json:"total_messages"`
	TotalDepthUpdates uint64                    `json:"total_depth_updates"`
	TotalTrades       uint64                    `json:"total_trades"`
	BytesReceived     uint64                    `json:"bytes_received"`
	ActiveSubscribers int64                     `json:"active_subscribers"`
	ReconnectCount    uint64                    `json:"reconnect_count"`
	CrossedBooks      uint64                    `json:"crossed_books"`
	SequenceGaps      uint64                    `json:"sequence_gaps"`
	LaggedEvents      uint64                    `json:"lagged_events"`
	BufferDrops       uint64                    `json:"buffer_drops"`
	MessagesPerSec    float64                   `json:"messages_per_sec"`
	TradesPerSec      float64                   `json:"trades_per_sec"`
	UpdatesPerSec     float64                   `json:"updates_per_sec"`
	LatencyAvgUs      float64                   `json:"latency_avg_us"`
	LatencyMinUs      int64                     `json:"latency_min_us"`
	LatencyMaxUs      int64                     `json:"latency_max_us"`
	LatencyP50Us      int64                     `json:"latency_p50_us"`
	LatencyP95Us      int64                     `json:"latency_p95_us"`
	LatencyP99Us      int64                     `json:"latency_p99_us"`
	Symbols           map[string]SymbolSnapshot `json:"symbols"`
	GeneratedAt       time.Time                 `json:"generated_at"`
}

// SymbolSnapshot is the per-symbol slice of the telemetry snapshot.
type SymbolSnapshot struct {
	SpreadBps float64 `json:"spread_bps"`
}

// New creates a Collector with a latency ring of the given power-of-two
// size (rounded up if not already one).
func New(ringSize int) *Collector {
	if ringSize <= 0 {
		ringSize = DefaultRingSize
	}
	ringSize = nextPowerOfTwo(ringSize)
	c := &Collector{
		ring:          make([]int64, ringSize),
		ringMask:      uint64(ringSize - 1),
		symbolSpreads: make(map[string]float64),
	}
	empty := &Snapshot{Symbols: map[string]SymbolSnapshot{}}
	c.snapshot.Store(empty)
	c.lastSample.at = time.Now()
	return c
}

func nextPowerOfTwo(n int) int {
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}

// RecordMessage increments message/byte counters on every inbound frame
// (spec C7 record_message).
func (c *Collector) RecordMessage(nBytes int) {
	atomic.AddUint64(&c.totalMessages, 1)
	atomic.AddUint64(&c.bytesReceived, uint64(nBytes))
}

// RecordLatency writes a microsecond latency sample into the ring at
// index&mask, overwriting the oldest sample in place (spec C7
// record_latency).
func (c *Collector) RecordLatency(us int64) {
	idx := atomic.AddUint64(&c.writeIdx, 1) - 1
	c.ring[idx&c.ringMask] = us
}

// RecordTrade increments the trade counter.
func (c *Collector) RecordTrade() { atomic.AddUint64(&c.totalTrades, 1) }

// RecordUpdate increments the depth-update counter.
func (c *Collector) RecordUpdate() { atomic.AddUint64(&c.totalDepthUpdates, 1) }

// RecordReconnect increments the per-process reconnect counter.
func (c *Collector) RecordReconnect() { atomic.AddUint64(&c.reconnects, 1) }

// RecordCrossedBook implements book.Stats.
func (c *Collector) RecordCrossedBook() { atomic.AddUint64(&c.crossedBooks, 1) }

// RecordSequenceGap implements book.Stats.
func (c *Collector) RecordSequenceGap() { atomic.AddUint64(&c.sequenceGaps, 1) }

// RecordLagged increments the subscriber lag counter by n missed messages.
func (c *Collector) RecordLagged(n uint64) { atomic.AddUint64(&c.laggedEvents, n) }

// RecordBufferDrop increments the count of buffered Policy A deltas dropped
// because a venue's pre-snapshot bootstrap buffer overflowed (spec §4.2
// step 2).
func (c *Collector) RecordBufferDrop() { atomic.AddUint64(&c.bufferDrops, 1) }

// SetActiveSubscribers sets the current connected-subscriber gauge.
func (c *Collector) SetActiveSubscribers(n int64) { atomic.StoreInt64(&c.activeSubscribers, n) }

// IncActiveSubscribers adjusts the connected-subscriber gauge by delta.
func (c *Collector) IncActiveSubscribers(delta int64) { atomic.AddInt64(&c.activeSubscribers, delta) }

// RecordSymbolSpread records the latest best-of-book spread in basis points
// for a symbol. This is not on the allocation-free hot path contract (it
// touches a map under a short mutex) but is called at most once per
// display-snapshot, not per message.
func (c *Collector) RecordSymbolSpread(symbol string, bps float64) {
	c.mu.Lock()
	c.symbolSpreads[symbol] = bps
	c.mu.Unlock()
}

// Snapshot returns the most recently published telemetry snapshot. It is
// safe to call from any goroutine and never blocks on the background
// refresh.
func (c *Collector) Snapshot() *Snapshot {
	return c.snapshot.Load()
}

// Run refreshes the published snapshot on the given cadence until ctx is
// canceled (spec §4.5: "a background task at a 900ms-1s cadence"). It
// copies the latency ring without holding any lock; concurrent writers may
// race with the copy, which is accepted as a probabilistic estimate by
// design (spec §9).
func (c *Collector) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 1000 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	scratch := make([]int64, len(c.ring))
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.refresh(scratch)
		}
	}
}

func (c *Collector) refresh(scratch []int64) {
	now := time.Now()
	copy(scratch, c.ring)

	n := 0
	for _, v := range scratch {
		if v != 0 {
			scratch[n] = v
			n++
		}
	}
	samples := scratch[:n]

	var avg float64
	var min, max int64
	var p50, p95, p99 int64
	if n > 0 {
		min, max = samples[0], samples[0]
		var sum int64
		for _, v := range samples {
			sum += v
			if v < min {
				min = v
			}
			if v > max {
				max = v
			}
		}
		avg = float64(sum) / float64(n)
		cp := append([]int64(nil), samples...)
		p50 = quickSelectPercentile(cp, 0.50)
		p95 = quickSelectPercentile(cp, 0.95)
		p99 = quickSelectPercentile(cp, 0.99)
	}

	totalMessages := atomic.LoadUint64(&c.totalMessages)
	totalDepthUpdates := atomic.LoadUint64(&c.totalDepthUpdates)
	totalTrades := atomic.LoadUint64(&c.totalTrades)

	elapsed := now.Sub(c.lastSample.at).Seconds()
	var msgsPerSec, tradesPerSec, updatesPerSec float64
	if elapsed > 0 {
		msgsPerSec = float64(totalMessages-c.lastSample.totalMessages) / elapsed
		tradesPerSec = float64(totalTrades-c.lastSample.totalTrades) / elapsed
		updatesPerSec = float64(totalDepthUpdates-c.lastSample.totalDepthUpdates) / elapsed
	}
	c.lastSample = sampleState{at: now, totalMessages: totalMessages, totalDepthUpdates: totalDepthUpdates, totalTrades: totalTrades}

	c.mu.Lock()
	symbols := make(map[string]SymbolSnapshot, len(c.symbolSpreads))
	for sym, bps := range c.symbolSpreads {
		symbols[sym] = SymbolSnapshot{SpreadBps: bps}
	}
	c.mu.Unlock()

	snap := &Snapshot{
		TotalMessages:     totalMessages,
		TotalDepthUpdates: totalDepthUpdates,
		TotalTrades:       totalTrades,
		BytesReceived:     atomic.LoadUint64(&c.bytesReceived),
		ActiveSubscribers: atomic.LoadInt64(&c.activeSubscribers),
		ReconnectCount:    atomic.LoadUint64(&c.reconnects),
		CrossedBooks:      atomic.LoadUint64(&c.crossedBooks),
		SequenceGaps:      atomic.LoadUint64(&c.sequenceGaps),
		LaggedEvents:      atomic.LoadUint64(&c.laggedEvents),
		BufferDrops:       atomic.LoadUint64(&c.bufferDrops),
		MessagesPerSec:    msgsPerSec,
		TradesPerSec:      tradesPerSec,
		UpdatesPerSec:     updatesPerSec,
		LatencyAvgUs:      avg,
		LatencyMinUs:      min,
		LatencyMaxUs:      max,
		LatencyP50Us:      p50,
		LatencyP95Us:      p95,
		LatencyP99Us:      p99,
		Symbols:           symbols,
		GeneratedAt:       now,
	}
	c.snapshot.Store(snap)
}

// quickSelectPercentile extracts the value at the given percentile (0..1)
// from samples using a partial (Hoare) selection rather than a full sort,
// keeping the background refresh linear in the sample count (spec §4.5).
// samples is mutated in place.
func quickSelectPercentile(samples []int64, pct float64) int64 {
	if len(samples) == 0 {
		return 0
	}
	k := int(pct * float64(len(samples)-1))
	if k < 0 {
		k = 0
	}
	if k >= len(samples) {
		k = len(samples) - 1
	}
	quickSelect(samples, k)
	return samples[k]
}

func quickSelect(a []int64, k int) {
	lo, hi := 0, len(a)-1
	for lo < hi {
		p := partition(a, lo, hi)
		switch {
		case p == k:
			return
		case k < p:
			hi = p - 1
		default:
			lo = p + 1
		}
	}
}

func partition(a []int64, lo, hi int) int {
	pivot := a[(lo+hi)/2]
	a[(lo+hi)/2], a[hi] = a[hi], a[(lo+hi)/2]
	store := lo
	for i := lo; i < hi; i++ {
		if a[i] < pivot {
			a[i], a[store] = a[store], a[i]
			store++
		}
	}
	a[store], a[hi] = a[hi], a[store]
	return store
}
