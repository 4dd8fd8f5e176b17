package stats

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"msx-grid-bot-go/internal/models"
)

// TestComputeFromHistory verifies that statistics are rebuilt purely from
// filled entries: open orders are ignored and turnover prefers the actual
// fill price over the quoted one.
func TestComputeFromHistory(t *testing.T) {
	history := []models.OrderInfo{
		{OrderID: "1", Status: models.OrderFilled, FilledPrice: 3500, Volume: 2, Fee: 1.5},
		{OrderID: "2", Status: models.OrderFilled, FilledPrice: 3517.5, Volume: 2, Pnl: 35, Fee: 1.4},
		{OrderID: "3", Status: models.OrderOpen, Price: 3482.5, Volume: 2},
		// Some venues only report the quoted price.
		{OrderID: "4", Status: models.OrderFilled, Price: 3480, Volume: 1, Pnl: -5},
	}

	s := Compute(history)
	assert.Equal(t, 3, s.TradeCount, "open orders do not count")
	assert.InDelta(t, 30, s.RealizedPnl, 1e-9)
	assert.InDelta(t, 2.9, s.TotalFee, 1e-9)
	assert.InDelta(t, 3500*2+3517.5*2+3480*1, s.Turnover, 1e-9)
}

// TestComputeEmptyHistory verifies the zero value for a fresh instance.
func TestComputeEmptyHistory(t *testing.T) {
	s := Compute(nil)
	assert.Zero(t, s.TradeCount)
	assert.Zero(t, s.RealizedPnl)
	assert.Zero(t, s.TotalFee)
	assert.Zero(t, s.Turnover)
}

// TestAggregateFoldsSummaries verifies the cross-instance rollup: status
// buckets, money totals, and the mean return rate over funded instances.
func TestAggregateFoldsSummaries(t *testing.T) {
	summaries := []models.InstanceSummary{
		{
			Symbol: "AAA", Status: models.StatusRunning,
			Config:     models.GridConfig{InvestmentAmount: 10000},
			Statistics: models.GridStatistics{RealizedPnl: 500, Turnover: 70000},
		},
		{
			Symbol: "BBB", Status: models.StatusRunning,
			Config:     models.GridConfig{InvestmentAmount: 5000},
			Statistics: models.GridStatistics{RealizedPnl: -100, Turnover: 20000},
		},
		{
			Symbol: "CCC", Status: models.StatusStopped,
			Config:     models.GridConfig{InvestmentAmount: 2000},
			Statistics: models.GridStatistics{RealizedPnl: 40, Turnover: 8000},
		},
		// An unfunded placeholder must not drag the mean return down.
		{Symbol: "DDD", Status: models.StatusInitializing},
	}

	agg := Aggregate(summaries)
	assert.Equal(t, 4, agg.Total)
	assert.Equal(t, 2, agg.Running)
	assert.Equal(t, 1, agg.Stopped)
	assert.Equal(t, 2, agg.ByStatus[models.StatusRunning])
	assert.Equal(t, 1, agg.ByStatus[models.StatusInitializing])
	assert.InDelta(t, 17000, agg.TotalInvestment, 1e-9)
	assert.InDelta(t, 440, agg.TotalPnl, 1e-9)
	assert.InDelta(t, 98000, agg.TotalTurnover, 1e-9)

	wantRate := (500.0/10000 - 100.0/5000 + 40.0/2000) / 3
	assert.InDelta(t, wantRate, agg.AvgReturnRate, 1e-12)
}

// TestAggregateEmpty verifies the rollup of nothing.
func TestAggregateEmpty(t *testing.T) {
	agg := Aggregate(nil)
	assert.Zero(t, agg.Total)
	assert.Zero(t, agg.AvgReturnRate)
	assert.NotNil(t, agg.ByStatus)
}
