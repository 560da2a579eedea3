// Package okx implements the OKX venue adapter. OKX's "books" channel is
// self-sequencing (spec Policy B): an "action":"snapshot" message is
// followed by "action":"update" messages carrying a rolling checksum
// instead of an update-id range. Grounded on
// src/infrastructure/datafacade/adapters/okx_adapter.go from the teacher
// repository.
package okx

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/sawpanic/bookstream/internal/model"
	"github.com/sawpanic/bookstream/internal/venues"
)

const wsURL = "wss://ws.okx.com:8443/ws/v5/public"

// Adapter implements venues.Adapter for OKX spot markets.
type Adapter struct{}

func New() *Adapter { return &Adapter{} }

func (a *Adapter) Venue() model.Venue            { return "okx" }
func (a *Adapter) Policy() venues.SequencePolicy { return venues.PolicySelfSequencing }
func (a *Adapter) ReadIdleTimeout() time.Duration { return 60 * time.Second }

func (a *Adapter) FetchSnapshot(ctx context.Context, symbol string, depth int) (model.MarketEvent, bool, error) {
	return model.MarketEvent{}, false, nil
}

// NormalizeSymbol maps a configured symbol to OKX's "BASE-QUOTE" instId
// wire form, matching what Parse reads off the books/trades channels.
func (a *Adapter) NormalizeSymbol(symbol string) string {
	return instID(symbol)
}

func instID(symbol string) string {
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
		return "", fmt.Errorf("okx: no symbols")
	}
	return wsURL, nil
}

type arg struct {
	Channel string `json:"channel"`
	InstID  string `json:"instId"`
}
type subscribeMsg struct {
	Op   string `json:"op"`
	Args []arg  `json:"args"`
}

func (a *Adapter) InitialFrames(symbols []string) ([]string, error) {
	var args []arg
	for _, s := range symbols {
		id := instID(s)
		args = append(args, arg{Channel: "books", InstID: id}, arg{Channel: "trades", InstID: id})
	}
	msg, err := json.Marshal(subscribeMsg{Op: "subscribe", Args: args})
	if err != nil {
		return nil, err
	}
	return []string{string(msg)}, nil
}

type okxEnvelope struct {
	Arg    arg             `json:"arg"`
	Action string          `json:"action"`
	Data   json.RawMessage `json:"data"`
}

type booksData struct {
	Asks [][]string `json:"asks"`
	Bids [][]string `json:"bids"`
}

type tradesData struct {
	InstID string `json:"instId"`
	Px     string `json:"px"`
	Sz     string `json:"sz"`
	Side   string `json:"side"`
	Ts     string `json:"ts"` // epoch millis as string
}

// Parse normalizes one OKX frame. "event":"subscribe"/"error" acks and
// "channel":"status" pushes are ignored by virtue of having no Arg.Channel
// matching "books"/"trades".
func (a *Adapter) Parse(frame []byte) (model.MarketEvent, error) {
	var env okxEnvelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return model.MarketEvent{}, venues.ErrIgnoredFrame
	}
	switch env.Arg.Channel {
	case "books":
		var rows []booksData
		if err := json.Unmarshal(env.Data, &rows); err != nil || len(rows) == 0 {
			return model.MarketEvent{}, &venues.ParseError{Venue: a.Venue(), Cause: fmt.Errorf("malformed books data")}
		}
		row := rows[0]
		bids, err := levels(row.Bids)
		if err != nil {
			return model.MarketEvent{}, &venues.ParseError{Venue: a.Venue(), Cause: err}
		}
		asks, err := levels(row.Asks)
		if err != nil {
			return model.MarketEvent{}, &venues.ParseError{Venue: a.Venue(), Cause: err}
		}
		kind := model.EventDelta
		if env.Action == "snapshot" {
			kind = model.EventSnapshot
		}
		return model.MarketEvent{
			Kind: kind,
			Key:  model.Key{Venue: a.Venue(), Symbol: env.Arg.InstID},
			Bids: bids,
			Asks: asks,
		}, nil
	case "trades":
		var rows []tradesData
		if err := json.Unmarshal(env.Data, &rows); err != nil || len(rows) == 0 {
			return model.MarketEvent{}, &venues.ParseError{Venue: a.Venue(), Cause: fmt.Errorf("malformed trades data")}
		}
		row := rows[0]
		price, err := model.ParseAmount(row.Px)
		if err != nil {
			return model.MarketEvent{}, &venues.ParseError{Venue: a.Venue(), Cause: err}
		}
		qty, err := model.ParseAmount(row.Sz)
		if err != nil {
			return model.MarketEvent{}, &venues.ParseError{Venue: a.Venue(), Cause: err}
		}
		side := model.SideBuy
		if strings.EqualFold(row.Side, "sell") {
			side = model.SideSell
		}
		var eventTime time.Time
		var ms int64
		if _, err := fmt.Sscanf(row.Ts, "%d", &ms); err == nil {
			eventTime = time.UnixMilli(ms)
		}
		return model.MarketEvent{
			Kind:          model.EventTrade,
			Key:           model.Key{Venue: a.Venue(), Symbol: row.InstID},
			TradePrice:    price,
			TradeQuantity: qty,
			TradeSide:     side,
			EventTime:     eventTime,
		}, nil
	default:
		return model.MarketEvent{}, venues.ErrIgnoredFrame
	}
}

func levels(raw [][]string) ([]model.PriceLevel, error) {
	out := make([]model.PriceLevel, 0, len(raw))
	for _, row := range raw {
		if len(row) < 2 {
			return nil, fmt.Errorf("malformed level: %v", row)
		}
		price, err := model.ParseAmount(row[0])
		if err != nil {
			return nil, err
		}
		qty, err := model.ParseAmount(row[1])
		if err != nil {
			return nil, err
		}
		out = append(out, model.PriceLevel{Price: price, Quantity: qty})
	}
	return out, nil
}
