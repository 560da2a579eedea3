// Package coinbase implements the Coinbase venue adapter. Coinbase's
// level2 channel is self-sequencing (spec Policy B): it emits a "snapshot"
// message per product followed by "update" messages that list individual
// price-level changes, with no update-id gap contract. Grounded on
// src/infrastructure/datafacade/adapters/coinbase_adapter.go from the
// teacher repository.
package coinbase

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/sawpanic/bookstream/internal/model"
	"github.com/sawpanic/bookstream/internal/venues"
)

const wsURL = "wss://advanced-trade-ws.coinbase.com"

// Adapter implements venues.Adapter for Coinbase Advanced Trade.
type Adapter struct{}

func New() *Adapter { return &Adapter{} }

func (a *Adapter) Venue() model.Venue            { return "coinbase" }
func (a *Adapter) Policy() venues.SequencePolicy { return venues.PolicySelfSequencing }
func (a *Adapter) ReadIdleTimeout() time.Duration { return 60 * time.Second }

func (a *Adapter) FetchSnapshot(ctx context.Context, symbol string, depth int) (model.MarketEvent, bool, error) {
	return model.MarketEvent{}, false, nil
}

// NormalizeSymbol maps a configured symbol to Coinbase's "BASE-QUOTE" wire
// form, matching what Parse reads off the level2/market_trades channels.
func (a *Adapter) NormalizeSymbol(symbol string) string {
	return productID(symbol)
}

func productID(symbol string) string {
	s := strings.ToUpper(symbol)
	if strings.Contains(s, "-") {
		return s
	}
	for _, quote := range []string{"USDT", "USD", "USDC", "EUR"} {
		if strings.HasSuffix(s, quote) && len(s) > len(quote) {
			return s[:len(s)-len(quote)] + "-" + quote
		}
	}
	return s
}

func (a *Adapter) SubscriptionURL(symbols []string) (string, error) {
	if len(symbols) == 0 {
		return "", fmt.Errorf("coinbase: no symbols")
	}
	return wsURL, nil
}

type subscribeMsg struct {
	Type       string   `json:"type"`
	ProductIDs []string `json:"product_ids"`
	Channel    string   `json:"channel"`
}

func (a *Adapter) InitialFrames(symbols []string) ([]string, error) {
	ids := make([]string, len(symbols))
	for i, s := range symbols {
		ids[i] = productID(s)
	}
	level2, err := json.Marshal(subscribeMsg{Type: "subscribe", ProductIDs: ids, Channel: "level2"})
	if err != nil {
		return nil, err
	}
	trades, err := json.Marshal(subscribeMsg{Type: "subscribe", ProductIDs: ids, Channel: "market_trades"})
	if err != nil {
		return nil, err
	}
	return []string{string(level2), string(trades)}, nil
}

type l2Update struct {
	Side        string `json:"side"`
	PriceLevel  string `json:"price_level"`
	NewQuantity string `json:"new_quantity"`
}

type l2Event struct {
	ProductID string     `json:"product_id"`
	Type      string     `json:"type"` // snapshot|update
	Updates   []l2Update `json:"updates"`
}

type tradeRow struct {
	ProductID string `json:"product_id"`
	Price     string `json:"price"`
	Size      string `json:"size"`
	Side      string `json:"side"` // BUY|SELL
	Time      string `json:"time"`
}

type tradeEventWrapper struct {
	Type   string     `json:"type"`
	Trades []tradeRow `json:"trades"`
}

type frameEnvelope struct {
	Channel string          `json:"channel"`
	Events  json.RawMessage `json:"events"`
}

// Parse normalizes one Coinbase frame. Heartbeats and subscription acks
// carry channel "subscriptions" or "heartbeats" and are ignored.
func (a *Adapter) Parse(frame []byte) (model.MarketEvent, error) {
	var env frameEnvelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return model.MarketEvent{}, venues.ErrIgnoredFrame
	}
	switch env.Channel {
	case "l2_data":
		var events []l2Event
		if err := json.Unmarshal(env.Events, &events); err != nil || len(events) == 0 {
			return model.MarketEvent{}, &venues.ParseError{Venue: a.Venue(), Cause: fmt.Errorf("malformed l2 event")}
		}
		ev := events[0]
		var bids, asks []model.PriceLevel
		for _, u := range ev.Updates {
			price, err := model.ParseAmount(u.PriceLevel)
			if err != nil {
				return model.MarketEvent{}, &venues.ParseError{Venue: a.Venue(), Cause: err}
			}
			qty, err := model.ParseAmount(u.NewQuantity)
			if err != nil {
				return model.MarketEvent{}, &venues.ParseError{Venue: a.Venue(), Cause: err}
			}
			lvl := model.PriceLevel{Price: price, Quantity: qty}
			if strings.EqualFold(u.Side, "bid") {
				bids = append(bids, lvl)
			} else {
				asks = append(asks, lvl)
			}
		}
		kind := model.EventDelta
		if ev.Type == "snapshot" {
			kind = model.EventSnapshot
		}
		return model.MarketEvent{
			Kind: kind,
			Key:  model.Key{Venue: a.Venue(), Symbol: ev.ProductID},
			Bids: bids,
			Asks: asks,
		}, nil
	case "market_trades":
		var events []tradeEventWrapper
		if err := json.Unmarshal(env.Events, &events); err != nil || len(events) == 0 || len(events[0].Trades) == 0 {
			return model.MarketEvent{}, &venues.ParseError{Venue: a.Venue(), Cause: fmt.Errorf("malformed trade event")}
		}
		row := events[0].Trades[0]
		price, err := model.ParseAmount(row.Price)
		if err != nil {
			return model.MarketEvent{}, &venues.ParseError{Venue: a.Venue(), Cause: err}
		}
		qty, err := model.ParseAmount(row.Size)
		if err != nil {
			return model.MarketEvent{}, &venues.ParseError{Venue: a.Venue(), Cause: err}
		}
		side := model.SideBuy
		if strings.EqualFold(row.Side, "sell") {
			side = model.SideSell
		}
		ts, _ := time.Parse(time.RFC3339Nano, row.Time)
		return model.MarketEvent{
			Kind:          model.EventTrade,
			Key:           model.Key{Venue: a.Venue(), Symbol: row.ProductID},
			TradePrice:    price,
			TradeQuantity: qty,
			TradeSide:     side,
			EventTime:     ts,
		}, nil
	default:
		return model.MarketEvent{}, venues.ErrIgnoredFrame
	}
}
