// Package ingress implements the per-venue orchestrator (spec §4.2, C4):
// one self-healing connect-subscribe-drain worker per venue that reconciles
// the venue's sequencing policy and routes normalized events into the book
// store, the fan-out bus, and telemetry. Grounded on the
// connect/read-loop/backoff shape of internal/providers/kraken/client.go
// and internal/providers/kraken/websocket.go from the teacher repository,
// generalized from one venue's bespoke loop into a policy-parameterized
// worker driven entirely by the venues.Adapter contract.
package ingress

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/sawpanic/bookstream/internal/book"
	"github.com/sawpanic/bookstream/internal/breaker"
	"github.com/sawpanic/bookstream/internal/egress"
	"github.com/sawpanic/bookstream/internal/fanout"
	"github.com/sawpanic/bookstream/internal/model"
	"github.com/sawpanic/bookstream/internal/ratelimit"
	"github.com/sawpanic/bookstream/internal/telemetry"
	"github.com/sawpanic/bookstream/internal/venues"
)

// policyABufferCap bounds how many deltas a Policy A key buffers while
// waiting for its REST snapshot (spec §4.2 step 2: "bounded queue, drop
// oldest beyond cap with a counter increment").
const policyABufferCap = 2000

// Worker drives one venue's connect-subscribe-drain loop for the process
// lifetime, reconnecting with backoff on any fatal error (spec §4.2 step 5).
type Worker struct {
	adapter      venues.Adapter
	symbols      []string
	store        *book.Store
	bus          *fanout.Bus
	tel          *telemetry.Collector
	rl           *ratelimit.Manager
	cb           *breaker.Manager
	backoff      time.Duration
	displayDepth int
	dialer       *websocket.Dialer

	mu        sync.Mutex
	keyStates map[model.Key]*keyState
}

// keyState is the orchestrator's per-(venue,symbol) bootstrap bookkeeping.
// It is never touched by book.Store directly — the store only ever sees
// already-reconciled snapshot/delta calls.
type keyState struct {
	mu      sync.Mutex
	ready   bool    // Policy A: first snapshot reconciled; Policy B: first Snapshot frame seen
	cursor  int64   // Policy A: last update id successfully applied
	buffer  []model.MarketEvent
	syncing bool // Policy A: a bootstrapPolicyA goroutine is already in flight
}

// New builds a Worker for one venue.
func New(adapter venues.Adapter, symbols []string, store *book.Store, bus *fanout.Bus, tel *telemetry.Collector, rl *ratelimit.Manager, cb *breaker.Manager, backoff time.Duration, displayDepth int) *Worker {
	return &Worker{
		adapter:      adapter,
		symbols:      symbols,
		store:        store,
		bus:          bus,
		tel:          tel,
		rl:           rl,
		cb:           cb,
		backoff:      backoff,
		displayDepth: displayDepth,
		dialer:       &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		keyStates:    make(map[model.Key]*keyState),
	}
}

// Run loops connect-subscribe-drain until ctx is canceled. A failure here
// never propagates to other venues' workers (spec §4.2: "Workers are
// mutually independent").
func (w *Worker) Run(ctx context.Context) {
	venue := w.adapter.Venue()
	for ctx.Err() == nil {
		if err := w.runOnce(ctx); err != nil && ctx.Err() == nil {
			log.Warn().Str("venue", string(venue)).Err(err).Msg("ingress session ended, reconnecting")
			w.tel.RecordReconnect()
			w.store.MarkNotReady(venue)
			select {
			case <-ctx.Done():
				return
			case <-time.After(w.backoff):
			}
		}
	}
}

func (w *Worker) keyStateFor(key model.Key) *keyState {
	w.mu.Lock()
	defer w.mu.Unlock()
	ks, ok := w.keyStates[key]
	if !ok {
		ks = &keyState{}
		w.keyStates[key] = ks
	}
	return ks
}

func (w *Worker) runOnce(ctx context.Context) error {
	url, err := w.adapter.SubscriptionURL(w.symbols)
	if err != nil {
		return err
	}
	conn, _, err := w.dialer.DialContext(ctx, url, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	idle := w.adapter.ReadIdleTimeout()
	_ = conn.SetReadDeadline(time.Now().Add(idle))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(idle))
	})

	frames, err := w.adapter.InitialFrames(w.symbols)
	if err != nil {
		return err
	}
	for _, f := range frames {
		if err := conn.WriteMessage(websocket.TextMessage, []byte(f)); err != nil {
			return err
		}
	}

	if w.adapter.Policy() == venues.PolicyBufferedSnapshotReplay {
		for _, sym := range w.symbols {
			go w.bootstrapPolicyA(ctx, w.adapter.NormalizeSymbol(sym))
		}
	}

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		recvAt := time.Now()
		w.tel.RecordMessage(len(payload))

		ev, err := w.adapter.Parse(payload)
		if err != nil {
			if errors.Is(err, venues.ErrIgnoredFrame) {
				continue
			}
			log.Debug().Str("venue", string(w.adapter.Venue())).Err(err).Msg("parse error, dropping frame")
			continue
		}
		ev.IngressTime = recvAt
		w.tel.RecordLatency(time.Since(recvAt).Microseconds())
		w.route(ctx, ev)
	}
}

// route applies one normalized event to the book store and publishes the
// resulting fan-out message (spec §4.2 step 4, "Routing" in §4.2).
func (w *Worker) route(ctx context.Context, ev model.MarketEvent) {
	switch ev.Kind {
	case model.EventTrade:
		w.tel.RecordTrade()
		w.bus.Publish(fanout.Message{Type: fanout.MessageTrade, Key: ev.Key, Body: egress.TradeMessage(ev)})

	case model.EventSnapshot:
		// Only Policy B venues emit an unsolicited Snapshot frame; Policy A
		// snapshots are always fetched explicitly by bootstrapPolicyA.
		w.store.ApplySnapshot(ev.Key, ev.Bids, ev.Asks, ev.LastUpdateID, ev.HasLastUpdateID)
		ks := w.keyStateFor(ev.Key)
		ks.mu.Lock()
		ks.ready = true
		ks.mu.Unlock()
		w.tel.RecordUpdate()
		w.publishBookUpdate(ev.Key)

	case model.EventDelta:
		if w.adapter.Policy() == venues.PolicyBufferedSnapshotReplay {
			w.routePolicyADelta(ctx, ev)
			return
		}
		ks := w.keyStateFor(ev.Key)
		ks.mu.Lock()
		ready := ks.ready
		ks.mu.Unlock()
		if !ready {
			return // spec §4.2 step 3: book not initialized until its first Snapshot frame
		}
		if err := w.store.ApplyDelta(ev.Key, ev.Bids, ev.Asks, 0, false, 0, false); err != nil {
			return
		}
		w.tel.RecordUpdate()
		w.publishBookUpdate(ev.Key)
	}
}

// routePolicyADelta buffers a delta while its key's snapshot reconciliation
// is still in flight, or applies it directly once ready, resyncing on a
// detected gap (spec §4.1 Policy A, §4.2 step 2).
//
// The gap check is the incoming delta's own first_update_id against the
// worker's cursor, not the book's echoed-back last_update_id: a single
// worker applies one key's deltas sequentially, so handing the store
// cursor==lastUpdateID back as prevID would make the store's equality
// check a tautology and a dropped update (e.g. book at u=500, next delta
// U=502) would apply silently instead of resyncing.
func (w *Worker) routePolicyADelta(ctx context.Context, ev model.MarketEvent) {
	ks := w.keyStateFor(ev.Key)

	ks.mu.Lock()
	if !ks.ready {
		ks.buffer = append(ks.buffer, ev)
		if len(ks.buffer) > policyABufferCap {
			ks.buffer = ks.buffer[1:]
			w.tel.RecordBufferDrop()
		}
		ks.mu.Unlock()
		return
	}
	cursor := ks.cursor
	ks.mu.Unlock()

	if isSequenceGap(ev, cursor) {
		w.resyncPolicyA(ctx, ev.Key)
		return
	}

	err := w.store.ApplyDelta(ev.Key, ev.Bids, ev.Asks, cursor, true, ev.LastUpdateID, true)
	if err != nil {
		w.resyncPolicyA(ctx, ev.Key)
		return
	}

	ks.mu.Lock()
	ks.cursor = ev.LastUpdateID
	ks.mu.Unlock()
	w.tel.RecordUpdate()
	w.publishBookUpdate(ev.Key)
}

// resyncPolicyA marks key not-ready and re-fetches a snapshot, no reconnect
// required (spec §4.1: "the session resyncs (fetch new snapshot)"). The
// reconnect counter still increments per §8 Scenario 2 — it counts resyncs,
// not socket reconnects.
func (w *Worker) resyncPolicyA(ctx context.Context, key model.Key) {
	ks := w.keyStateFor(key)
	ks.mu.Lock()
	ks.ready = false
	ks.mu.Unlock()
	w.store.MarkNotReady(w.adapter.Venue())
	w.tel.RecordReconnect()
	go w.bootstrapPolicyA(ctx, key.Symbol)
}

// bootstrapPolicyA fetches a REST snapshot for symbol and reconciles it
// against buffered deltas (spec §4.1 Policy A, §8 Scenario 1). symbol must
// already be in the venue's wire form (see Adapter.NormalizeSymbol) so the
// key it builds matches the one Parse assigns to buffered deltas. Safe to
// call concurrently with the read loop; only one bootstrap per key runs at
// a time.
func (w *Worker) bootstrapPolicyA(ctx context.Context, symbol string) {
	key := model.Key{Venue: w.adapter.Venue(), Symbol: symbol}
	ks := w.keyStateFor(key)

	ks.mu.Lock()
	if ks.syncing {
		ks.mu.Unlock()
		return
	}
	ks.syncing = true
	ks.mu.Unlock()
	defer func() {
		ks.mu.Lock()
		ks.syncing = false
		ks.mu.Unlock()
	}()

	if err := w.rl.Wait(ctx, string(w.adapter.Venue())); err != nil {
		return
	}
	result, err := w.cb.Execute(string(w.adapter.Venue()), func() (any, error) {
		snap, ok, ferr := w.adapter.FetchSnapshot(ctx, symbol, 0)
		if ferr != nil {
			return nil, ferr
		}
		if !ok {
			return nil, errors.New("fetch_snapshot unsupported")
		}
		return snap, nil
	})
	if err != nil {
		log.Warn().Str("venue", string(w.adapter.Venue())).Str("symbol", symbol).Err(err).Msg("snapshot fetch failed")
		return
	}
	snap := result.(model.MarketEvent)
	u := snap.LastUpdateID

	w.store.ApplySnapshot(key, snap.Bids, snap.Asks, u, true)

	ks.mu.Lock()
	buffered := ks.buffer
	ks.buffer = nil
	ks.mu.Unlock()

	cursor := u
	for _, d := range reconcileBuffer(buffered, u) {
		if err := w.store.ApplyDelta(key, d.Bids, d.Asks, cursor, true, d.LastUpdateID, true); err != nil {
			continue
		}
		cursor = d.LastUpdateID
	}

	ks.mu.Lock()
	ks.cursor = cursor
	ks.ready = true
	ks.mu.Unlock()

	w.tel.RecordUpdate()
	w.publishBookUpdate(key)
}

func (w *Worker) publishBookUpdate(key model.Key) {
	snap, err := w.store.DisplaySnapshot(key, w.displayDepth)
	if err != nil {
		return
	}
	if !snap.BidDepth.IsZero() || !snap.AskDepth.IsZero() {
		w.tel.RecordSymbolSpread(key.String(), snap.SpreadPercent.Float64()*100)
	}
	w.bus.Publish(fanout.Message{Type: fanout.MessageBookUpdate, Key: key, Body: snap})
}

// isSequenceGap reports whether delta ev is missing an update between
// cursor (the last update id this worker successfully applied) and its own
// first_update_id. Pure so it can be exercised directly against spec §8
// Scenario 2 without a live store/socket.
func isSequenceGap(ev model.MarketEvent, cursor int64) bool {
	return ev.HasFirstUpdateID && ev.FirstUpdateID > cursor+1
}

// reconcileBuffer implements spec §4.1 Policy A reconciliation: discard
// buffered deltas whose last_update_id <= U, then starting from the first
// retained delta satisfying first_update_id <= U+1 <= last_update_id, return
// the ordered slice of deltas to apply. Pure and side-effect-free so it can
// be exercised directly against spec §8 Scenario 1.
func reconcileBuffer(buffered []model.MarketEvent, u int64) []model.MarketEvent {
	applying := false
	out := make([]model.MarketEvent, 0, len(buffered))
	for _, d := range buffered {
		if d.LastUpdateID <= u {
			continue
		}
		if !applying {
			if d.FirstUpdateID > u+1 || u+1 > d.LastUpdateID {
				continue
			}
			applying = true
		}
		out = append(out, d)
	}
	return out
}
