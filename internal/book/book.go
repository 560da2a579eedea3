package book

import (
	"github.com/sawpanic/bookstream/internal/model"
)

// book holds one (venue, symbol) order book. Contiguous slices per side
// outperform a pointer-based tree at the depths this system cares about
// (DISPLAY_DEPTH <= 25, DEPTH_MAX ~= 100); see spec §9. All methods here
// assume the caller already holds the owning shard's mutex — book itself
// does no locking.
type book struct {
	bids []model.PriceLevel // descending by price, best at index 0
	asks []model.PriceLevel // ascending by price, best at index 0

	ready        bool
	lastUpdateID int64
	hasUpdateID  bool

	crossed bool // sticky until the next snapshot clears it
}

func newBook() *book {
	return &book{}
}

// applySnapshot atomically replaces the book's contents. It validates
// ordering and crossedness but never rejects input on that basis (spec
// §4.3): a malformed snapshot is still applied and reported via the
// returned crossed flag so the caller can bump a counter.
func (b *book) applySnapshot(bids, asks []model.PriceLevel, updateID int64, hasUpdateID bool) (crossed bool) {
	b.bids = sortedCopy(bids, true)
	b.asks = sortedCopy(asks, false)
	b.ready = true
	b.lastUpdateID = updateID
	b.hasUpdateID = hasUpdateID
	b.crossed = isCrossed(b.bids, b.asks)
	return b.crossed
}

// applyDelta upserts/removes levels in place. prevID, when present, must
// equal the book's last known update id or ErrSequenceGap is returned and
// the book is left untouched (the caller is expected to mark it not-ready
// and resync). On success the book's cursor advances to newID (if present).
func (b *book) applyDelta(bids, asks []model.PriceLevel, prevID int64, hasPrevID bool, newID int64, hasNewID bool) (crossed bool, gap bool) {
	if hasPrevID && b.hasUpdateID && prevID != b.lastUpdateID {
		return false, true
	}
	for _, lvl := range bids {
		b.bids = upsert(b.bids, lvl, true)
	}
	for _, lvl := range asks {
		b.asks = upsert(b.asks, lvl, false)
	}
	if hasNewID {
		b.lastUpdateID = newID
		b.hasUpdateID = true
	}
	b.crossed = isCrossed(b.bids, b.asks)
	return b.crossed, false
}

// trim bounds each side to maxDepth once it has grown past
// maxDepth*growthFactor, dropping the overflow tail in one slice operation
// rather than scanning on every insert (spec §4.3).
func (b *book) trim(maxDepth, growthFactor int) {
	threshold := maxDepth * growthFactor
	if len(b.bids) > threshold {
		b.bids = b.bids[:maxDepth]
	}
	if len(b.asks) > threshold {
		b.asks = b.asks[:maxDepth]
	}
}

// display copies the top n levels of each side plus derived best-of-book
// stats. Returns ErrNotReady if no snapshot has landed yet.
func (b *book) display(n int) (DisplaySnapshot, error) {
	if !b.ready {
		return DisplaySnapshot{}, ErrNotReady
	}
	bidsN := n
	if bidsN <= 0 || bidsN > len(b.bids) {
		bidsN = len(b.bids)
	}
	bids := append([]model.PriceLevel(nil), b.bids[:bidsN]...)
	asksN := n
	if asksN <= 0 || asksN > len(b.asks) {
		asksN = len(b.asks)
	}
	asks := append([]model.PriceLevel(nil), b.asks[:asksN]...)

	out := DisplaySnapshot{Bids: bids, Asks: asks, Ready: true}
	if len(bids) > 0 {
		for _, l := range bids {
			out.BidDepth = out.BidDepth.Add(l.Quantity)
		}
	}
	if len(asks) > 0 {
		for _, l := range asks {
			out.AskDepth = out.AskDepth.Add(l.Quantity)
		}
	}
	if len(bids) > 0 && len(asks) > 0 {
		bestBid, bestAsk := bids[0].Price, asks[0].Price
		out.Spread = bestAsk.Sub(bestBid)
		mid := bestBid.Add(bestAsk).Div(model.MustAmount("2"))
		if !mid.IsZero() {
			out.SpreadPercent = out.Spread.Div(mid).Mul(model.MustAmount("100"))
		}
	}
	return out, nil
}

// DisplaySnapshot is the read-only copy handed to the fan-out layer. The
// level slices are copied and the spread, spread percent and per-side
// depth sums are computed while the shard lock is held; JSON formatting
// for egress happens after the lock is released.
type DisplaySnapshot struct {
	Bids          []model.PriceLevel
	Asks          []model.PriceLevel
	Spread        model.Amount
	SpreadPercent model.Amount
	BidDepth      model.Amount
	AskDepth      model.Amount
	Ready         bool
}

func isCrossed(bids, asks []model.PriceLevel) bool {
	if len(bids) == 0 || len(asks) == 0 {
		return false
	}
	return bids[0].Price.Cmp(asks[0].Price) >= 0
}

// sortedCopy defensively sorts and copies a snapshot side. Venue adapters
// are expected to deliver already-ordered sides; this protects the book's
// invariant even if one doesn't.
func sortedCopy(levels []model.PriceLevel, descending bool) []model.PriceLevel {
	out := append([]model.PriceLevel(nil), dedupeLast(levels)...)
	insertionSort(out, descending)
	return out
}

// dedupeLast collapses duplicate prices, keeping the last occurrence (the
// most recently stated quantity for that price in the input).
func dedupeLast(levels []model.PriceLevel) []model.PriceLevel {
	seen := make(map[string]int, len(levels))
	out := make([]model.PriceLevel, 0, len(levels))
	for _, l := range levels {
		if l.Quantity.IsZero() {
			continue
		}
		key := l.Price.String()
		if idx, ok := seen[key]; ok {
			out[idx] = l
			continue
		}
		seen[key] = len(out)
		out = append(out, l)
	}
	return out
}

func insertionSort(levels []model.PriceLevel, descending bool) {
	for i := 1; i < len(levels); i++ {
		for j := i; j > 0 && less(levels[j], levels[j-1], descending); j-- {
			levels[j], levels[j-1] = levels[j-1], levels[j]
		}
	}
}

func less(a, b model.PriceLevel, descending bool) bool {
	c := a.Price.Cmp(b.Price)
	if descending {
		return c > 0
	}
	return c < 0
}

// upsert inserts or replaces lvl in a sorted slice maintaining order, or
// removes the matching price if lvl.Quantity is zero. Binary search keeps
// this O(log n) to find the slot; the underlying move is O(n), acceptable
// at DEPTH_MAX-scale contiguous storage (spec §9).
func upsert(levels []model.PriceLevel, lvl model.PriceLevel, descending bool) []model.PriceLevel {
	idx, found := search(levels, lvl.Price, descending)
	if lvl.Quantity.IsZero() {
		if found {
			return append(levels[:idx], levels[idx+1:]...)
		}
		return levels
	}
	if found {
		levels[idx].Quantity = lvl.Quantity
		return levels
	}
	levels = append(levels, model.PriceLevel{})
	copy(levels[idx+1:], levels[idx:])
	levels[idx] = lvl
	return levels
}

// search returns the index of price in levels (found=true) or the insertion
// point that preserves order (found=false).
func search(levels []model.PriceLevel, price model.Amount, descending bool) (int, bool) {
	lo, hi := 0, len(levels)
	for lo < hi {
		mid := (lo + hi) / 2
		c := levels[mid].Price.Cmp(price)
		if c == 0 {
			return mid, true
		}
		cond := c < 0
		if descending {
			cond = c > 0
		}
		if cond {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo, false
}
