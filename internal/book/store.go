// Package book implements the sharded order-book store (spec §4.3, C3):
// a keyed map of per-(venue,symbol) books, mutated on the ingress path and
// read-snapshotted on the fan-out path, sized and locked so that venues
// writing to distinct keys never contend.
package book

import (
	"fmt"
	"hash/fnv"
	"sync"

	"github.com/sawpanic/bookstream/internal/model"
)

// Stats receives counter increments for conditions the store detects but
// must not block on (crossed books, gaps). Implemented by the telemetry
// collector; kept as a narrow interface here to avoid a package cycle.
type Stats interface {
	RecordCrossedBook()
	RecordSequenceGap()
}

type noopStats struct{}

func (noopStats) RecordCrossedBook()  {}
func (noopStats) RecordSequenceGap() {}

// DefaultShards is tuned well above the expected number of concurrent
// venues so that ingress writers essentially never collide on a shard lock
// (spec §9).
const DefaultShards = 32

// Config bounds the store's per-side depth and trim behavior (spec §4.3,
// §6).
type Config struct {
	DepthMax      int
	GrowthFactor  int
	DisplayDepth  int
	Shards        int
}

// Store is the sharded keyed map of books.
type Store struct {
	shards []*shard
	cfg    Config
	stats  Stats
}

type shard struct {
	mu    sync.Mutex
	books map[model.Key]*book
}

// New creates a Store. stats may be nil, in which case counter increments
// are dropped.
func New(cfg Config, stats Stats) *Store {
	if cfg.Shards <= 0 {
		cfg.Shards = DefaultShards
	}
	if cfg.DepthMax <= 0 {
		cfg.DepthMax = 100
	}
	if cfg.GrowthFactor <= 0 {
		cfg.GrowthFactor = 10
	}
	if cfg.DisplayDepth <= 0 {
		cfg.DisplayDepth = 5
	}
	if stats == nil {
		stats = noopStats{}
	}
	shards := make([]*shard, cfg.Shards)
	for i := range shards {
		shards[i] = &shard{books: make(map[model.Key]*book)}
	}
	return &Store{shards: shards, cfg: cfg, stats: stats}
}

func (s *Store) shardFor(key model.Key) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key.String()))
	return s.shards[h.Sum32()%uint32(len(s.shards))]
}

func (s *Store) lockedBook(sh *shard, key model.Key) *book {
	b, ok := sh.books[key]
	if !ok {
		b = newBook()
		sh.books[key] = b
	}
	return b
}

// ApplySnapshot replaces a book's contents wholesale (spec §4.3). Inputs
// must already be parsed Amounts; numeric string-to-fixed-point conversion
// happens in the venue adapter before this call, never under the shard lock.
func (s *Store) ApplySnapshot(key model.Key, bids, asks []model.PriceLevel, updateID int64, hasUpdateID bool) {
	sh := s.shardFor(key)
	sh.mu.Lock()
	b := s.lockedBook(sh, key)
	crossed := b.applySnapshot(bids, asks, updateID, hasUpdateID)
	b.trim(s.cfg.DepthMax, s.cfg.GrowthFactor)
	sh.mu.Unlock()

	if crossed {
		s.stats.RecordCrossedBook()
	}
}

// ApplyDelta upserts/removes levels. Returns ErrSequenceGap (wrapped with
// the key for diagnostics) when prevID doesn't match, per spec §4.3; the
// orchestrator reacts by resyncing. The book is left untouched on a gap.
func (s *Store) ApplyDelta(key model.Key, bids, asks []model.PriceLevel, prevID int64, hasPrevID bool, newID int64, hasNewID bool) error {
	sh := s.shardFor(key)
	sh.mu.Lock()
	b := s.lockedBook(sh, key)
	crossed, gap := b.applyDelta(bids, asks, prevID, hasPrevID, newID, hasNewID)
	if !gap {
		b.trim(s.cfg.DepthMax, s.cfg.GrowthFactor)
	}
	sh.mu.Unlock()

	if gap {
		s.stats.RecordSequenceGap()
		return fmt.Errorf("%s: %w", key, ErrSequenceGap)
	}
	if crossed {
		s.stats.RecordCrossedBook()
	}
	return nil
}

// DisplaySnapshot copies the top n levels of each side under the shard
// lock and returns a BookUpdate-ready view; formatting for egress happens
// entirely outside this call (spec §4.3).
func (s *Store) DisplaySnapshot(key model.Key, n int) (DisplaySnapshot, error) {
	if n <= 0 {
		n = s.cfg.DisplayDepth
	}
	sh := s.shardFor(key)
	sh.mu.Lock()
	b, ok := sh.books[key]
	if !ok {
		sh.mu.Unlock()
		return DisplaySnapshot{}, ErrNotReady
	}
	snap, err := b.display(n)
	sh.mu.Unlock()
	if err != nil {
		return DisplaySnapshot{}, fmt.Errorf("%s: %w", key, err)
	}
	return snap, nil
}

// MarkNotReady flips ready=false for every book belonging to venue. Called
// by the ingress orchestrator when a venue's connection drops (spec §4.2
// step 5) so bootstrap/display correctly treats it as NotReady until the
// next snapshot lands.
func (s *Store) MarkNotReady(venue model.Venue) {
	for _, sh := range s.shards {
		sh.mu.Lock()
		for k, b := range sh.books {
			if k.Venue == venue {
				b.ready = false
			}
		}
		sh.mu.Unlock()
	}
}

// Keys returns every (venue, symbol) the store has ever seen a message for,
// used by the fan-out bootstrap (spec §4.4 step 1) to enumerate the
// symbol_list.
func (s *Store) Keys() []model.Key {
	var keys []model.Key
	for _, sh := range s.shards {
		sh.mu.Lock()
		for k := range sh.books {
			keys = append(keys, k)
		}
		sh.mu.Unlock()
	}
	return keys
}

// ReadyCounts returns, per venue, the number of ready books versus the
// total number of books the store has ever seen for that venue. Used by
// the egress liveness probe to report per-venue book readiness.
func (s *Store) ReadyCounts() map[model.Venue][2]int {
	counts := make(map[model.Venue][2]int)
	for _, sh := range s.shards {
		sh.mu.Lock()
		for k, b := range sh.books {
			c := counts[k.Venue]
			c[1]++
			if b.ready {
				c[0]++
			}
			counts[k.Venue] = c
		}
		sh.mu.Unlock()
	}
	return counts
}
