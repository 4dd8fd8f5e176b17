package exchange

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"msx-grid-bot-go/internal/models"
)

func simConfig() models.BacktestConfig {
	return models.BacktestConfig{
		InitialBalance: 10000,
		MakerFeeRate:   0.0002,
		TakerFeeRate:   0.0005,
		SlippageRate:   0,
	}
}

// TestMarketOrderFillsImmediately verifies market execution at the current
// price with slippage and taker fee applied.
func TestMarketOrderFillsImmediately(t *testing.T) {
	cfg := simConfig()
	cfg.SlippageRate = 0.001
	sim := NewSimExchange(cfg)
	sim.SetLastPrice("ETHUSDT", 3500, time.UnixMilli(10_000))

	order, err := sim.PlaceOrder("ETHUSDT", models.Buy, models.OrderTypeMarket, 2, 0)
	require.NoError(t, err)

	assert.Equal(t, models.OrderFilled, order.Status)
	assert.InDelta(t, 3500*1.001, order.FilledPrice, 1e-9, "buy pays the slippage")
	assert.InDelta(t, 3500, order.Price, 1e-9, "order price reflects the quote")
	assert.Equal(t, "SIM-ETHUSDT-1", order.ExchangePositionID)

	wantFee := 3500 * 1.001 * 2 * 0.0005
	assert.InDelta(t, wantFee, order.Fee, 1e-9)
	assert.InDelta(t, wantFee, sim.TotalFees(), 1e-9)

	// Sells slip the other way.
	sell, err := sim.PlaceOrder("ETHUSDT", models.Sell, models.OrderTypeMarket, 1, 0)
	require.NoError(t, err)
	assert.InDelta(t, 3500*0.999, sell.FilledPrice, 1e-9)
}

// TestMarketOrderWithoutQuoteFails verifies that a market order before any
// candle is rejected and leaves no trace.
func TestMarketOrderWithoutQuoteFails(t *testing.T) {
	sim := NewSimExchange(simConfig())

	_, err := sim.PlaceOrder("ETHUSDT", models.Buy, models.OrderTypeMarket, 1, 0)
	require.Error(t, err)

	_, err = sim.GetOrderStatus("ETHUSDT", "1")
	assert.Error(t, err, "rejected order must not linger")
}

// TestLimitOrderFillsWhenPriceCrosses verifies that resting limit orders
// only fill once the candle path touches their price, at their price.
func TestLimitOrderFillsWhenPriceCrosses(t *testing.T) {
	sim := NewSimExchange(simConfig())
	sim.SetLastPrice("ETHUSDT", 3500, time.UnixMilli(10_000))

	buy, err := sim.PlaceOrder("ETHUSDT", models.Buy, models.OrderTypeLimit, 1, 3450)
	require.NoError(t, err)
	require.Equal(t, models.OrderOpen, buy.Status)

	// Candle stays above the bid: no fill.
	sim.SetPrice("ETHUSDT", 3480, 3490, 3460, 3470, time.UnixMilli(20_000))
	got, err := sim.GetOrderStatus("ETHUSDT", buy.OrderID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderOpen, got.Status)

	// The low trades through the bid: filled at the order price, maker fee.
	sim.SetPrice("ETHUSDT", 3470, 3475, 3440, 3455, time.UnixMilli(30_000))
	got, err = sim.GetOrderStatus("ETHUSDT", buy.OrderID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderFilled, got.Status)
	assert.InDelta(t, 3450, got.FilledPrice, 1e-9)
	assert.Equal(t, int64(30_000), got.FilledTime)
	assert.InDelta(t, 3450*1*0.0002, got.Fee, 1e-9)
}

// TestCloseTradeRealizesPnl verifies the full round trip: open at market,
// close with a limit, realized pnl and equity bookkeeping.
func TestCloseTradeRealizesPnl(t *testing.T) {
	sim := NewSimExchange(simConfig())
	sim.SetLastPrice("ETHUSDT", 3500, time.UnixMilli(10_000))

	_, err := sim.PlaceOrder("ETHUSDT", models.Buy, models.OrderTypeMarket, 2, 0)
	require.NoError(t, err)

	sell, err := sim.PlaceOrder("ETHUSDT", models.Sell, models.OrderTypeLimit, 2, 3550)
	require.NoError(t, err)

	sim.SetLastPrice("ETHUSDT", 3560, time.UnixMilli(20_000))

	got, err := sim.GetOrderStatus("ETHUSDT", sell.OrderID)
	require.NoError(t, err)
	require.Equal(t, models.OrderFilled, got.Status)
	assert.InDelta(t, 100, got.Pnl, 1e-9, "(3550-3500)*2")

	trades := sim.ClosedTrades()
	require.Len(t, trades, 1)
	assert.InDelta(t, 2, trades[0].Volume, 1e-9)
	assert.InDelta(t, 3500, trades[0].EntryPrice, 1e-9)
	assert.InDelta(t, 3550, trades[0].ExitPrice, 1e-9)
	assert.InDelta(t, 100, trades[0].Pnl, 1e-9)

	entryFee := 3500.0 * 2 * 0.0005
	exitFee := 3550.0 * 2 * 0.0002
	assert.InDelta(t, entryFee+exitFee, sim.TotalFees(), 1e-9)
	assert.InDelta(t, 10000+100-entryFee-exitFee, sim.FinalEquity(), 1e-9)

	fills, err := sim.GetFillHistory("ETHUSDT", 0)
	require.NoError(t, err)
	require.Len(t, fills, 2)
	assert.Equal(t, "open", fills[0].OpenType)
	assert.Equal(t, "SIM-ETHUSDT-1", fills[0].PosID)
	assert.Equal(t, "close", fills[1].OpenType)

	// The since filter is inclusive and cuts off earlier fills.
	fills, err = sim.GetFillHistory("ETHUSDT", 20_000)
	require.NoError(t, err)
	require.Len(t, fills, 1)
	assert.Equal(t, "close", fills[0].OpenType)
}

// TestShortRoundTrip verifies the mirrored pnl arithmetic for a short
// position closed by a buy.
func TestShortRoundTrip(t *testing.T) {
	sim := NewSimExchange(simConfig())
	sim.SetLastPrice("ETHUSDT", 3500, time.UnixMilli(10_000))

	_, err := sim.PlaceOrder("ETHUSDT", models.Sell, models.OrderTypeMarket, 1, 0)
	require.NoError(t, err)

	buy, err := sim.PlaceOrder("ETHUSDT", models.Buy, models.OrderTypeLimit, 1, 3450)
	require.NoError(t, err)

	sim.SetLastPrice("ETHUSDT", 3440, time.UnixMilli(20_000))

	got, err := sim.GetOrderStatus("ETHUSDT", buy.OrderID)
	require.NoError(t, err)
	require.Equal(t, models.OrderFilled, got.Status)
	assert.InDelta(t, 50, got.Pnl, 1e-9, "(3500-3450)*1")

	trades := sim.ClosedTrades()
	require.Len(t, trades, 1)
	assert.InDelta(t, 50, trades[0].Pnl, 1e-9)
}

// TestCancelOrderStopsFills verifies that cancelled orders never fill, even
// when a later candle crosses their price.
func TestCancelOrderStopsFills(t *testing.T) {
	sim := NewSimExchange(simConfig())
	sim.SetLastPrice("ETHUSDT", 3500, time.UnixMilli(10_000))

	buy, err := sim.PlaceOrder("ETHUSDT", models.Buy, models.OrderTypeLimit, 1, 3450)
	require.NoError(t, err)
	require.NoError(t, sim.CancelOrder("ETHUSDT", buy.OrderID))

	sim.SetLastPrice("ETHUSDT", 3400, time.UnixMilli(20_000))

	got, err := sim.GetOrderStatus("ETHUSDT", buy.OrderID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderCancelled, got.Status)
	assert.Empty(t, sim.ClosedTrades())
}

// TestTradingHoursToggle verifies the per-symbol session switch used by
// stock backtests; symbols default to open.
func TestTradingHoursToggle(t *testing.T) {
	sim := NewSimExchange(simConfig())

	open, err := sim.IsTradingHours("AAPL")
	require.NoError(t, err)
	assert.True(t, open, "unset symbols default to open")

	sim.SetTradingHours("AAPL", false)
	open, err = sim.IsTradingHours("AAPL")
	require.NoError(t, err)
	assert.False(t, open)

	sim.SetTradingHours("AAPL", true)
	open, err = sim.IsTradingHours("AAPL")
	require.NoError(t, err)
	assert.True(t, open)
}
