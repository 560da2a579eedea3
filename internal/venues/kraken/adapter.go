// Package kraken implements the Kraken venue adapter. Kraken's v2 book
// channel is self-sequencing (spec Policy B): it emits an explicit
// "snapshot" message followed by "update" messages with no update-id gap
// contract, relying on a rolling checksum instead. Grounded on
// internal/providers/kraken/websocket.go and
// src/infrastructure/datafacade/adapters/kraken_adapter.go from the teacher
// repository.
package kraken

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/sawpanic/bookstream/internal/model"
	"github.com/sawpanic/bookstream/internal/venues"
)

const wsURL = "wss://ws.kraken.com/v2"

// Adapter implements venues.Adapter for Kraken spot markets.
type Adapter struct {
	depth int
}

// New creates a Kraken adapter subscribing at the given per-side book depth.
func New(depth int) *Adapter {
	if depth <= 0 {
		depth = 25
	}
	return &Adapter{depth: depth}
}

func (a *Adapter) Venue() model.Venue            { return "kraken" }
func (a *Adapter) Policy() venues.SequencePolicy { return venues.PolicySelfSequencing }
func (a *Adapter) ReadIdleTimeout() time.Duration { return 60 * time.Second }

// FetchSnapshot is unused under Policy B: Kraken's WebSocket feed
// self-initializes via its own "snapshot" message type.
func (a *Adapter) FetchSnapshot(ctx context.Context, symbol string, depth int) (model.MarketEvent, bool, error) {
	return model.MarketEvent{}, false, nil
}

// NormalizeSymbol maps a configured symbol to Kraken's "BASE/QUOTE" wire
// form, matching what Parse reads off the book/trade channels.
func (a *Adapter) NormalizeSymbol(symbol string) string {
	return krakenSymbol(symbol)
}

func krakenSymbol(symbol string) string {
	s := strings.ToUpper(symbol)
	if strings.Contains(s, "/") {
		return s
	}
	// best-effort: split off the first matching quote currency below.
	for _, quote := range []string{"USDT", "USD", "USDC", "EUR"} {
		if strings.HasSuffix(s, quote) && len(s) > len(quote) {
			return s[:len(s)-len(quote)] + "/" + quote
		}
	}
	return s
}

func (a *Adapter) SubscriptionURL(symbols []string) (string, error) {
	if len(symbols) == 0 {
		return "", fmt.Errorf("kraken: no symbols")
	}
	return wsURL, nil
}

type subscribeRequest struct {
	Method string             `json:"method"`
	Params subscribeRequestP  `json:"params"`
}
type subscribeRequestP struct {
	Channel string   `json:"channel"`
	Symbol  []string `json:"symbol"`
	Depth   int      `json:"depth,omitempty"`
}

// InitialFrames subscribes to the book and trade channels for every tracked
// symbol after connect.
func (a *Adapter) InitialFrames(symbols []string) ([]string, error) {
	pairs := make([]string, len(symbols))
	for i, s := range symbols {
		pairs[i] = krakenSymbol(s)
	}
	book, err := json.Marshal(subscribeRequest{Method: "subscribe", Params: subscribeRequestP{Channel: "book", Symbol: pairs, Depth: a.depth}})
	if err != nil {
		return nil, err
	}
	trade, err := json.Marshal(subscribeRequest{Method: "subscribe", Params: subscribeRequestP{Channel: "trade", Symbol: pairs}})
	if err != nil {
		return nil, err
	}
	return []string{string(book), string(trade)}, nil
}

type envelope struct {
	Channel string          `json:"channel"`
	Type    string          `json:"type"`
	Data    json.RawMessage `json:"data"`
}

type bookLevel struct {
	Price json.Number `json:"price"`
	Qty   json.Number `json:"qty"`
}

type bookData struct {
	Symbol string      `json:"symbol"`
	Bids   []bookLevel `json:"bids"`
	Asks   []bookLevel `json:"asks"`
}

type tradeData struct {
	Symbol    string      `json:"symbol"`
	Side      string      `json:"side"`
	Price     json.Number `json:"price"`
	Qty       json.Number `json:"qty"`
	Timestamp string      `json:"timestamp"`
}

// Parse normalizes one Kraken v2 frame. Non-book/trade channels (heartbeat,
// status, ack) are ignored.
func (a *Adapter) Parse(frame []byte) (model.MarketEvent, error) {
	var env envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return model.MarketEvent{}, venues.ErrIgnoredFrame
	}
	switch env.Channel {
	case "book":
		var rows []bookData
		if err := json.Unmarshal(env.Data, &rows); err != nil || len(rows) == 0 {
			return model.MarketEvent{}, &venues.ParseError{Venue: a.Venue(), Cause: fmt.Errorf("malformed book data")}
		}
		row := rows[0]
		bids, err := toLevels(row.Bids)
		if err != nil {
			return model.MarketEvent{}, &venues.ParseError{Venue: a.Venue(), Cause: err}
		}
		asks, err := toLevels(row.Asks)
		if err != nil {
			return model.MarketEvent{}, &venues.ParseError{Venue: a.Venue(), Cause: err}
		}
		kind := model.EventDelta
		if env.Type == "snapshot" {
			kind = model.EventSnapshot
		}
		return model.MarketEvent{
			Kind: kind,
			Key:  model.Key{Venue: a.Venue(), Symbol: row.Symbol},
			Bids: bids,
			Asks: asks,
		}, nil
	case "trade":
		var rows []tradeData
		if err := json.Unmarshal(env.Data, &rows); err != nil || len(rows) == 0 {
			return model.MarketEvent{}, &venues.ParseError{Venue: a.Venue(), Cause: fmt.Errorf("malformed trade data")}
		}
		row := rows[0]
		price, err := model.ParseAmount(row.Price.String())
		if err != nil {
			return model.MarketEvent{}, &venues.ParseError{Venue: a.Venue(), Cause: err}
		}
		qty, err := model.ParseAmount(row.Qty.String())
		if err != nil {
			return model.MarketEvent{}, &venues.ParseError{Venue: a.Venue(), Cause: err}
		}
		side := model.SideBuy
		if row.Side == "sell" {
			side = model.SideSell
		}
		ts, _ := time.Parse(time.RFC3339Nano, row.Timestamp)
		return model.MarketEvent{
			Kind:          model.EventTrade,
			Key:           model.Key{Venue: a.Venue(), Symbol: row.Symbol},
			TradePrice:    price,
			TradeQuantity: qty,
			TradeSide:     side,
			EventTime:     ts,
		}, nil
	default:
		return model.MarketEvent{}, venues.ErrIgnoredFrame
	}
}

func toLevels(rows []bookLevel) ([]model.PriceLevel, error) {
	out := make([]model.PriceLevel, 0, len(rows))
	for _, r := range rows {
		price, err := model.ParseAmount(r.Price.String())
		if err != nil {
			return nil, err
		}
		qty, err := model.ParseAmount(r.Qty.String())
		if err != nil {
			return nil, err
		}
		out = append(out, model.PriceLevel{Price: price, Quantity: qty})
	}
	return out, nil
}
