package book

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sawpanic/bookstream/internal/model"
)

func lvl(price, qty string) model.PriceLevel {
	return model.PriceLevel{Price: model.MustAmount(price), Quantity: model.MustAmount(qty)}
}

func testKey() model.Key { return model.Key{Venue: "binance", Symbol: "BTCUSDT"} }

func TestApplySnapshotThenDisplay(t *testing.T) {
	s := New(Config{}, nil)
	key := testKey()

	s.ApplySnapshot(key,
		[]model.PriceLevel{lvl("100", "1"), lvl("99", "2")},
		[]model.PriceLevel{lvl("101", "3"), lvl("102", "1")},
		10, true)

	snap, err := s.DisplaySnapshot(key, 5)
	require.NoError(t, err)
	require.True(t, snap.Ready)
	require.Equal(t, "100", snap.Bids[0].Price.String())
	require.Equal(t, "99", snap.Bids[1].Price.String())
	require.Equal(t, "101", snap.Asks[0].Price.String())
	require.Equal(t, "1", snap.Spread.String())
}

// TestDisplaySnapshotClampsSidesIndependently covers spec §4.3/§8 property
// 2: requesting n levels returns up to n on *each* side even when the sides
// have different depths, rather than truncating the deeper side to match
// the shallower one.
func TestDisplaySnapshotClampsSidesIndependently(t *testing.T) {
	s := New(Config{}, nil)
	key := testKey()

	s.ApplySnapshot(key,
		[]model.PriceLevel{lvl("100", "1"), lvl("99", "1"), lvl("98", "1")},
		[]model.PriceLevel{
			lvl("101", "1"), lvl("102", "1"), lvl("103", "1"), lvl("104", "1"),
			lvl("105", "1"), lvl("106", "1"), lvl("107", "1"), lvl("108", "1"),
			lvl("109", "1"), lvl("110", "1"),
		},
		10, true)

	snap, err := s.DisplaySnapshot(key, 5)
	require.NoError(t, err)
	require.Len(t, snap.Bids, 3) // fewer than n available, returns all of them
	require.Len(t, snap.Asks, 5) // n available, returns exactly n
}

func TestDisplaySnapshotNotReady(t *testing.T) {
	s := New(Config{}, nil)
	_, err := s.DisplaySnapshot(testKey(), 5)
	require.ErrorIs(t, err, ErrNotReady)
}

// Scenario 3 — zero-quantity remove.
func TestApplyDeltaZeroQuantityRemoves(t *testing.T) {
	s := New(Config{}, nil)
	key := testKey()
	s.ApplySnapshot(key,
		[]model.PriceLevel{lvl("100", "1"), lvl("99", "2"), lvl("98", "3")},
		[]model.PriceLevel{lvl("101", "1")},
		1, true)

	err := s.ApplyDelta(key, []model.PriceLevel{lvl("99", "0")}, nil, 1, true, 2, true)
	require.NoError(t, err)

	snap, err := s.DisplaySnapshot(key, 10)
	require.NoError(t, err)
	require.Len(t, snap.Bids, 2)
	require.Equal(t, "100", snap.Bids[0].Price.String())
	require.Equal(t, "98", snap.Bids[1].Price.String())
	require.Equal(t, "1", snap.Spread.String())
}

func TestApplyDeltaZeroQuantityNoopWhenAbsent(t *testing.T) {
	s := New(Config{}, nil)
	key := testKey()
	s.ApplySnapshot(key, []model.PriceLevel{lvl("100", "1")}, []model.PriceLevel{lvl("101", "1")}, 1, true)

	err := s.ApplyDelta(key, []model.PriceLevel{lvl("50", "0")}, nil, 1, true, 2, true)
	require.NoError(t, err)

	snap, err := s.DisplaySnapshot(key, 10)
	require.NoError(t, err)
	require.Len(t, snap.Bids, 1)
}

// Scenario 2 — gap recovery.
func TestApplyDeltaSequenceGap(t *testing.T) {
	s := New(Config{}, nil)
	key := testKey()
	s.ApplySnapshot(key, []model.PriceLevel{lvl("100", "1")}, []model.PriceLevel{lvl("101", "1")}, 500, true)

	err := s.ApplyDelta(key, []model.PriceLevel{lvl("100", "2")}, nil, 502, true, 503, true)
	require.True(t, errors.Is(err, ErrSequenceGap))

	// book untouched by the gapped delta
	snap, derr := s.DisplaySnapshot(key, 10)
	require.NoError(t, derr)
	require.Equal(t, "1", snap.Bids[0].Quantity.String())
}

// Idempotence of snapshot application.
func TestApplySnapshotIdempotent(t *testing.T) {
	s1 := New(Config{}, nil)
	s2 := New(Config{}, nil)
	key := testKey()
	bids := []model.PriceLevel{lvl("100", "1"), lvl("99", "2")}
	asks := []model.PriceLevel{lvl("101", "1")}

	s1.ApplySnapshot(key, bids, asks, 7, true)

	s2.ApplySnapshot(key, bids, asks, 7, true)
	s2.ApplySnapshot(key, bids, asks, 7, true)

	a, _ := s1.DisplaySnapshot(key, 10)
	b, _ := s2.DisplaySnapshot(key, 10)
	require.Equal(t, a.Bids, b.Bids)
	require.Equal(t, a.Asks, b.Asks)
}

func TestCrossedBookAcceptedAndCounted(t *testing.T) {
	var mu sync.Mutex
	crossedCount := 0
	stats := &fakeStats{onCrossed: func() { mu.Lock(); crossedCount++; mu.Unlock() }}

	s := New(Config{}, stats)
	key := testKey()
	// bid >= ask: crossed, but must still be applied, never panic.
	s.ApplySnapshot(key, []model.PriceLevel{lvl("101", "1")}, []model.PriceLevel{lvl("100", "1")}, 1, true)

	snap, err := s.DisplaySnapshot(key, 10)
	require.NoError(t, err)
	require.Len(t, snap.Bids, 1)
	require.Len(t, snap.Asks, 1)
	require.Equal(t, 1, crossedCount)
}

func TestTrimBoundsDepthPastGrowthThreshold(t *testing.T) {
	s := New(Config{DepthMax: 3, GrowthFactor: 2}, nil)
	key := testKey()

	var bids []model.PriceLevel
	for i := 0; i < 10; i++ {
		bids = append(bids, lvl(priceAt(100-i), "1"))
	}
	s.ApplySnapshot(key, bids, nil, 1, true)

	snap, err := s.DisplaySnapshot(key, 10)
	require.NoError(t, err)
	require.LessOrEqual(t, len(snap.Bids), 3)
}

func priceAt(p int) string {
	return model.MustAmount("0").Add(model.MustAmount(itoa(p))).String()
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// Concurrent writers to distinct keys must not interfere (spec §8.8).
func TestConcurrentWritersDistinctKeysNoInterference(t *testing.T) {
	s := New(Config{}, nil)
	const n = 16
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			key := model.Key{Venue: "binance", Symbol: itoa(i)}
			s.ApplySnapshot(key, []model.PriceLevel{lvl("100", "1")}, []model.PriceLevel{lvl("101", "1")}, 1, true)
			for u := int64(2); u < 50; u++ {
				_ = s.ApplyDelta(key, []model.PriceLevel{lvl("100", itoa(int(u)))}, nil, u-1, true, u, true)
			}
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		key := model.Key{Venue: "binance", Symbol: itoa(i)}
		snap, err := s.DisplaySnapshot(key, 10)
		require.NoError(t, err)
		require.Equal(t, "49", snap.Bids[0].Quantity.String())
	}
}

type fakeStats struct {
	onCrossed func()
	onGap     func()
}

func (f *fakeStats) RecordCrossedBook() {
	if f.onCrossed != nil {
		f.onCrossed()
	}
}
func (f *fakeStats) RecordSequenceGap() {
	if f.onGap != nil {
		f.onGap()
	}
}
