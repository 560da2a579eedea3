package egress

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/bookstream/internal/book"
	"github.com/sawpanic/bookstream/internal/model"
)

func TestSymbolListMessageShape(t *testing.T) {
	msg := SymbolListMessage([]model.Key{{Venue: "binance", Symbol: "BTCUSDT"}})
	payload, err := Encode(msg)
	require.NoError(t, err)

	var decoded struct {
		Type string   `json:"type"`
		Data []string `json:"data"`
	}
	require.NoError(t, json.Unmarshal(payload, &decoded))
	assert.Equal(t, "symbol_list", decoded.Type)
	assert.Equal(t, []string{"binance:BTCUSDT"}, decoded.Data)
}

func TestBookUpdateMessageNumericFieldsAreStrings(t *testing.T) {
	snap := book.DisplaySnapshot{
		Bids:          []model.PriceLevel{{Price: model.MustAmount("100"), Quantity: model.MustAmount("1.5")}},
		Asks:          []model.PriceLevel{{Price: model.MustAmount("101"), Quantity: model.MustAmount("2")}},
		Spread:        model.MustAmount("1"),
		SpreadPercent: model.MustAmount("0.995"),
		BidDepth:      model.MustAmount("1.5"),
		AskDepth:      model.MustAmount("2"),
		Ready:         true,
	}
	msg := BookUpdateMessage(model.Key{Venue: "binance", Symbol: "BTCUSDT"}, snap)
	payload, err := Encode(msg)
	require.NoError(t, err)

	var decoded map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(payload, &decoded))

	var data map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(decoded["data"], &data))
	assert.JSONEq(t, `"1"`, string(data["spread"]))
	assert.JSONEq(t, `"binance"`, string(data["exchange"]))
}

func TestTradeMessageSideAndTimestamp(t *testing.T) {
	ev := model.MarketEvent{
		Key:           model.Key{Venue: "kraken", Symbol: "BTC/USD"},
		TradePrice:    model.MustAmount("50000"),
		TradeQuantity: model.MustAmount("0.01"),
		TradeSide:     model.SideSell,
	}
	msg := TradeMessage(ev)
	data, ok := msg.Data.(TradeData)
	require.True(t, ok)
	assert.Equal(t, model.SideSell, data.Side)
	assert.Greater(t, data.Timestamp, int64(0))
}
