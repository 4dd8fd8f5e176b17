// Package stats recomputes per-grid statistics from fill history and folds
// instance summaries into a cross-grid aggregate. Everything here is a pure
// function over copies; nothing reaches into live instances.
package stats

import "msx-grid-bot-go/internal/models"

// Compute rebuilds cumulative statistics from a fill history. The history is
// the source of truth; totals cached in snapshots are only a shortcut.
func Compute(history []models.OrderInfo) models.GridStatistics {
	var s models.GridStatistics
	for i := range history {
		fill := &history[i]
		if fill.Status != models.OrderFilled {
			continue
		}
		s.TradeCount++
		s.RealizedPnl += fill.Pnl
		s.TotalFee += fill.Fee

		price := fill.FilledPrice
		if price == 0 {
			price = fill.Price
		}
		s.Turnover += price * fill.Volume
	}
	return s
}

// Aggregate folds a point-in-time set of instance summaries into one view.
// The average return rate is the mean of per-instance realized pnl over
// investment; instances with zero investment are excluded from the mean.
func Aggregate(summaries []models.InstanceSummary) models.AggregateSummary {
	agg := models.AggregateSummary{
		ByStatus: make(map[models.InstanceStatus]int),
	}

	var rateSum float64
	var rated int
	for i := range summaries {
		s := &summaries[i]
		agg.Total++
		agg.ByStatus[s.Status]++
		switch s.Status {
		case models.StatusRunning:
			agg.Running++
		case models.StatusStopped:
			agg.Stopped++
		}

		agg.TotalInvestment += s.Config.InvestmentAmount
		agg.TotalPnl += s.Statistics.RealizedPnl
		agg.TotalTurnover += s.Statistics.Turnover

		if s.Config.InvestmentAmount > 0 {
			rateSum += s.Statistics.RealizedPnl / s.Config.InvestmentAmount
			rated++
		}
	}

	if rated > 0 {
		agg.AvgReturnRate = rateSum / float64(rated)
	}
	return agg
}
