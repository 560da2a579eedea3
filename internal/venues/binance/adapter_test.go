package binance

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/bookstream/internal/model"
	"github.com/sawpanic/bookstream/internal/venues"
)

func TestSubscriptionURLCombinesDepthAndTrade(t *testing.T) {
	a := New(0)
	url, err := a.SubscriptionURL([]string{"BTCUSDT"})
	require.NoError(t, err)
	assert.Contains(t, url, "btcusdt@depth@100ms")
	assert.Contains(t, url, "btcusdt@trade")
}

func TestSubscriptionURLRejectsEmptySymbols(t *testing.T) {
	a := New(0)
	_, err := a.SubscriptionURL(nil)
	assert.Error(t, err)
}

func TestParseDepthUpdate(t *testing.T) {
	a := New(0)
	frame := []byte(`{"stream":"btcusdt@depth@100ms","data":{"e":"depthUpdate","s":"BTCUSDT","U":100,"u":102,"b":[["100.00","1.0"]],"a":[["101.00","2.0"]]}}`)
	ev, err := a.Parse(frame)
	require.NoError(t, err)
	assert.Equal(t, model.EventDelta, ev.Kind)
	assert.Equal(t, int64(100), ev.FirstUpdateID)
	assert.Equal(t, int64(102), ev.LastUpdateID)
	assert.True(t, ev.HasFirstUpdateID)
	assert.True(t, ev.HasLastUpdateID)
	require.Len(t, ev.Bids, 1)
	assert.Equal(t, "100", ev.Bids[0].Price.String())
}

func TestParseTradeEventMapsBuyerMakerToSellSide(t *testing.T) {
	a := New(0)
	frame := []byte(`{"stream":"btcusdt@trade","data":{"e":"trade","s":"BTCUSDT","p":"100.5","q":"0.25","T":1700000000000,"m":true}}`)
	ev, err := a.Parse(frame)
	require.NoError(t, err)
	assert.Equal(t, model.EventTrade, ev.Kind)
	assert.Equal(t, model.SideSell, ev.TradeSide)
	assert.Equal(t, time.UnixMilli(1700000000000), ev.EventTime)
}

func TestParseIgnoresNonMarketFrame(t *testing.T) {
	a := New(0)
	_, err := a.Parse([]byte(`{"result":null,"id":1}`))
	assert.ErrorIs(t, err, venues.ErrIgnoredFrame)
}

func TestParseMalformedDepthIsParseError(t *testing.T) {
	a := New(0)
	frame := []byte(`{"stream":"btcusdt@depth@100ms","data":{"e":"depthUpdate","s":"BTCUSDT","U":1,"u":2,"b":[["bad"]],"a":[]}}`)
	_, err := a.Parse(frame)
	var pe *venues.ParseError
	assert.ErrorAs(t, err, &pe)
}

func TestPolicyIsBufferedSnapshotReplay(t *testing.T) {
	assert.Equal(t, venues.PolicyBufferedSnapshotReplay, New(0).Policy())
}

func TestNormalizeSymbolMatchesParseWireForm(t *testing.T) {
	a := New(0)
	assert.Equal(t, "BTCUSDT", a.NormalizeSymbol("BTC/USDT"))
	assert.Equal(t, "BTCUSDT", a.NormalizeSymbol("btcusdt"))

	frame := []byte(`{"stream":"btcusdt@depth@100ms","data":{"e":"depthUpdate","s":"BTCUSDT","U":1,"u":2,"b":[],"a":[]}}`)
	ev, err := a.Parse(frame)
	require.NoError(t, err)
	assert.Equal(t, a.NormalizeSymbol("BTC/USDT"), ev.Key.Symbol)
}
