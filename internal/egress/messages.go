// Package egress builds the JSON tagged-union wire format (spec §6, C8) and
// serves it over a WebSocket endpoint. Grounded on the response envelope
// conventions in internal/interfaces/http/server.go from the teacher
// repository, adapted from a REST JSON API to a push protocol.
package egress

import (
	"encoding/json"
	"time"

	"github.com/sawpanic/bookstream/internal/book"
	"github.com/sawpanic/bookstream/internal/model"
	"github.com/sawpanic/bookstream/internal/telemetry"
)

// ServerMessage is the wire envelope: {"type": ..., "data": ...}.
type ServerMessage struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// SymbolListMessage builds the bootstrap "symbol_list" frame.
func SymbolListMessage(keys []model.Key) ServerMessage {
	symbols := make([]string, len(keys))
	for i, k := range keys {
		symbols[i] = k.String()
	}
	return ServerMessage{Type: "symbol_list", Data: symbols}
}

// BookUpdateData is the payload of a "book_update" message.
type BookUpdateData struct {
	Exchange      model.Venue        `json:"exchange"`
	Symbol        string             `json:"symbol"`
	Bids          []PriceLevelWire   `json:"bids"`
	Asks          []PriceLevelWire   `json:"asks"`
	Spread        model.Amount       `json:"spread"`
	SpreadPercent model.Amount       `json:"spread_percent"`
	BidDepth      model.Amount       `json:"bid_depth"`
	AskDepth      model.Amount       `json:"ask_depth"`
}

// PriceLevelWire is the {price, quantity} wire shape for one level.
type PriceLevelWire struct {
	Price    model.Amount `json:"price"`
	Quantity model.Amount `json:"quantity"`
}

func levelsWire(levels []model.PriceLevel) []PriceLevelWire {
	out := make([]PriceLevelWire, len(levels))
	for i, l := range levels {
		out[i] = PriceLevelWire{Price: l.Price, Quantity: l.Quantity}
	}
	return out
}

// BookUpdateMessage builds a "book_update" frame from a book store display
// snapshot.
func BookUpdateMessage(key model.Key, snap book.DisplaySnapshot) ServerMessage {
	return ServerMessage{
		Type: "book_update",
		Data: BookUpdateData{
			Exchange:      key.Venue,
			Symbol:        key.Symbol,
			Bids:          levelsWire(snap.Bids),
			Asks:          levelsWire(snap.Asks),
			Spread:        snap.Spread,
			SpreadPercent: snap.SpreadPercent,
			BidDepth:      snap.BidDepth,
			AskDepth:      snap.AskDepth,
		},
	}
}

// TradeData is the payload of a "trade" message.
type TradeData struct {
	Exchange  model.Venue  `json:"exchange"`
	Symbol    string       `json:"symbol"`
	Price     model.Amount `json:"price"`
	Quantity  model.Amount `json:"quantity"`
	Side      model.Side   `json:"side"`
	Timestamp int64        `json:"timestamp"` // ms since Unix epoch
}

// TradeMessage builds a "trade" frame from a normalized MarketEvent.
func TradeMessage(ev model.MarketEvent) ServerMessage {
	ts := ev.EventTime
	if ts.IsZero() {
		ts = time.Now()
	}
	return ServerMessage{
		Type: "trade",
		Data: TradeData{
			Exchange:  ev.Key.Venue,
			Symbol:    ev.Key.Symbol,
			Price:     ev.TradePrice,
			Quantity:  ev.TradeQuantity,
			Side:      ev.TradeSide,
			Timestamp: ts.UnixMilli(),
		},
	}
}

// MetricsMessage builds a "metrics" frame from the telemetry snapshot.
func MetricsMessage(snap *telemetry.Snapshot) ServerMessage {
	return ServerMessage{Type: "metrics", Data: snap}
}

// Encode marshals a ServerMessage for a single WebSocket text frame.
func Encode(msg ServerMessage) ([]byte, error) {
	return json.Marshal(msg)
}
