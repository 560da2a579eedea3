// Package venues defines the venue adapter contract (spec §4.1, C2) that
// each exchange-specific package implements.
package venues

import (
	"context"
	"errors"
	"time"

	"github.com/sawpanic/bookstream/internal/model"
)

// ErrIgnoredFrame is returned by Parse for heartbeats, acks, or other
// non-market noise; the orchestrator drops the frame and continues.
var ErrIgnoredFrame = errors.New("ignored frame")

// ParseError wraps a malformed-market-data frame (spec §7). It is only
// raised when the frame claims to be market data but fails to decode.
type ParseError struct {
	Venue model.Venue
	Cause error
}

func (e *ParseError) Error() string {
	return "parse error (" + string(e.Venue) + "): " + e.Cause.Error()
}
func (e *ParseError) Unwrap() error { return e.Cause }

// SequencePolicy tells the orchestrator which reconciliation discipline a
// venue's depth feed follows (spec §4.1).
type SequencePolicy int

const (
	// PolicyBufferedSnapshotReplay: deltas carry [first,last] update id
	// ranges; a REST snapshot is reconciled against buffered deltas.
	PolicyBufferedSnapshotReplay SequencePolicy = iota
	// PolicySelfSequencing: the feed emits an explicit snapshot frame
	// followed by deltas with no id-gap contract. A dropped or idle
	// connection forces a full reconnect and resubscribe; venue checksums
	// and sequence markers are not verified.
	PolicySelfSequencing
)

// Adapter is the per-venue contract every exchange package implements.
// An Adapter value is immutable and safe for concurrent use; all mutable
// session state lives in the ingress worker, not here.
type Adapter interface {
	// Venue is this adapter's identity, used as the Key.Venue on every
	// MarketEvent it produces.
	Venue() model.Venue

	// Policy reports which sequence-reconciliation discipline applies.
	Policy() SequencePolicy

	// SubscriptionURL builds the WebSocket endpoint for the given symbols.
	SubscriptionURL(symbols []string) (string, error)

	// InitialFrames returns text frames to send immediately after connect
	// to subscribe to depth+trade streams. Empty for venues that encode
	// the subscription in the URL itself.
	InitialFrames(symbols []string) ([]string, error)

	// Parse normalizes a single inbound text frame. Returns ErrIgnoredFrame
	// for non-market noise, *ParseError for malformed market data, or a
	// populated MarketEvent otherwise. The adapter sets Key.Venue itself;
	// IngressTime is filled in by the caller.
	Parse(frame []byte) (model.MarketEvent, error)

	// FetchSnapshot fetches an initial book via REST for venues that
	// require it (PolicyBufferedSnapshotReplay); returns ok=false for
	// self-initializing feeds.
	FetchSnapshot(ctx context.Context, symbol string, depth int) (snapshot model.MarketEvent, ok bool, err error)

	// ReadIdleTimeout is the venue's recommended read-idle timeout before
	// the orchestrator treats the connection as stale and reconnects.
	ReadIdleTimeout() time.Duration

	// NormalizeSymbol maps a configured symbol (whatever form SYMBOLS uses)
	// to this venue's wire symbol — the same form Parse populates into
	// Key.Symbol. The orchestrator calls this once per configured symbol
	// and uses the result for every Key it builds outside of Parse (REST
	// snapshot bootstrap, keyState lookups), so a Policy A snapshot and its
	// buffered deltas always land on the same book.
	NormalizeSymbol(symbol string) string
}
