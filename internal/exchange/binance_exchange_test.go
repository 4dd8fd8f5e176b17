package exchange

import (
	"testing"

	"github.com/adshao/go-binance/v2/futures"
	"github.com/stretchr/testify/assert"

	"msx-grid-bot-go/internal/models"
)

// TestAccountTradeToRawFill verifies the mapping from a Binance futures
// account trade to the adapter-neutral fill structure, in particular that
// the fill volume is taken from the trade quantity.
func TestAccountTradeToRawFill(t *testing.T) {
	trade := &futures.AccountTrade{
		OrderID:     123456789,
		Symbol:      "ETHUSDT",
		Side:        futures.SideTypeSell,
		Price:       "3517.50",
		Quantity:    "0.250",
		RealizedPnl: "4.375",
		Commission:  "0.4397",
		Time:        1_700_000_000_000,
	}

	fill := accountTradeToRawFill(trade)

	assert.Equal(t, "123456789", fill.OrderID)
	assert.Equal(t, "ETHUSDT", fill.Symbol)
	assert.Equal(t, models.Sell, fill.Side, "exchange side strings are lowercased")
	assert.InDelta(t, 3517.5, fill.Price, 1e-9)
	assert.InDelta(t, 0.25, fill.Volume, 1e-9, "volume comes from the trade quantity")
	assert.InDelta(t, 4.375, fill.Pnl, 1e-9)
	assert.InDelta(t, 0.4397, fill.Fee, 1e-9)
	assert.Equal(t, int64(1_700_000_000_000), fill.Timestamp)
	assert.Equal(t, string(models.OrderFilled), fill.Status)
	assert.InDelta(t, 3517.5, fill.AvgPrice, 1e-9, "avg price mirrors the fill price")
	assert.Empty(t, fill.PosID, "futures trades carry no position id")
}
