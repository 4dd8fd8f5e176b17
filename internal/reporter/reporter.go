package reporter

import (
	"fmt"
	"math"
	"os"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"msx-grid-bot-go/internal/exchange"
	"msx-grid-bot-go/internal/models"
)

// BacktestMetrics 汇总一次回测的绩效指标
type BacktestMetrics struct {
	InitialBalance float64
	FinalEquity    float64
	TotalProfit    float64
	ReturnRate     float64 // 百分比
	TotalTrades    int     // 已平仓的往返交易数
	WinningTrades  int
	LosingTrades   int
	WinRate        float64 // 百分比
	AvgProfitLoss  float64 // 平均盈利 / 平均亏损
	MaxDrawdown    float64 // 百分比
	TotalFees      float64
	StartTime      time.Time
	EndTime        time.Time
}

// PrintStatusTable 把全部实例的时点视图渲染成一张状态表。
func PrintStatusTable(summaries []models.InstanceSummary, agg models.AggregateSummary) {
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{
		"标的", "状态", "仓位ID", "持仓量", "持仓均价", "浮动盈亏",
		"已实现盈亏", "手续费", "成交次数", "买单", "卖单", "连续失败",
	})
	for _, s := range summaries {
		t.AppendRow(table.Row{
			s.Symbol,
			s.Status,
			s.PositionID,
			fmt.Sprintf("%.6f", s.Position.Volume),
			fmt.Sprintf("%.4f", s.Position.EntryPrice),
			fmt.Sprintf("%.4f", s.Position.UnrealizedPnl),
			fmt.Sprintf("%.4f", s.Statistics.RealizedPnl),
			fmt.Sprintf("%.4f", s.Statistics.TotalFee),
			s.Statistics.TradeCount,
			formatOrder(s.BuyOrder),
			formatOrder(s.SellOrder),
			s.FailCount,
		})
	}
	t.AppendFooter(table.Row{
		fmt.Sprintf("共 %d 个", agg.Total),
		fmt.Sprintf("运行 %d / 停止 %d", agg.Running, agg.Stopped),
		"", "", "",
		"", fmt.Sprintf("%.4f", agg.TotalPnl), "", "", "",
		"", fmt.Sprintf("均回报 %.2f%%", agg.AvgReturnRate*100),
	})
	t.SetColumnConfigs([]table.ColumnConfig{
		{Number: 4, Align: text.AlignRight},
		{Number: 5, Align: text.AlignRight},
		{Number: 6, Align: text.AlignRight},
		{Number: 7, Align: text.AlignRight},
		{Number: 8, Align: text.AlignRight},
		{Number: 9, Align: text.AlignRight},
	})
	t.Render()
}

func formatOrder(o *models.OrderInfo) string {
	if o == nil {
		return "-"
	}
	return fmt.Sprintf("%.4f (%s)", o.Price, o.Status)
}

// PrintBacktestReport 根据模拟交易所的终态计算并打印回测报告。
func PrintBacktestReport(sim *exchange.SimExchange, dataPath string, startTime, endTime time.Time) {
	m := calculateBacktestMetrics(sim)
	m.StartTime = startTime
	m.EndTime = endTime

	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SetStyle(table.StyleLight)
	t.SetTitle("回测结果报告")
	t.AppendRows([]table.Row{
		{"数据文件", dataPath},
		{"回测周期", fmt.Sprintf("%s 至 %s",
			m.StartTime.Format("2006-01-02 15:04"), m.EndTime.Format("2006-01-02 15:04"))},
	})
	t.AppendSeparator()
	t.AppendRows([]table.Row{
		{"初始资金", fmt.Sprintf("%.2f USDT", m.InitialBalance)},
		{"最终权益", fmt.Sprintf("%.2f USDT", m.FinalEquity)},
		{"总利润", fmt.Sprintf("%.2f USDT", m.TotalProfit)},
		{"收益率", fmt.Sprintf("%.2f%%", m.ReturnRate)},
		{"累计手续费", fmt.Sprintf("%.2f USDT", m.TotalFees)},
	})
	t.AppendSeparator()
	t.AppendRows([]table.Row{
		{"平仓交易数", m.TotalTrades},
		{"盈利次数", m.WinningTrades},
		{"亏损次数", m.LosingTrades},
		{"胜率", fmt.Sprintf("%.2f%%", m.WinRate)},
		{"平均盈亏比", fmt.Sprintf("%.2f", m.AvgProfitLoss)},
		{"最大回撤", fmt.Sprintf("%.2f%%", m.MaxDrawdown)},
	})
	t.Render()
}

func calculateBacktestMetrics(sim *exchange.SimExchange) *BacktestMetrics {
	m := &BacktestMetrics{
		InitialBalance: sim.InitialBalance(),
		FinalEquity:    sim.FinalEquity(),
		TotalFees:      sim.TotalFees(),
	}

	trades := sim.ClosedTrades()
	m.TotalTrades = len(trades)

	var totalWin, totalLoss float64
	for _, tr := range trades {
		net := tr.Pnl - tr.Fee
		if net > 0 {
			m.WinningTrades++
			totalWin += net
		} else {
			m.LosingTrades++
			totalLoss += net
		}
	}
	if m.TotalTrades > 0 {
		m.WinRate = float64(m.WinningTrades) / float64(m.TotalTrades) * 100
	}
	if m.WinningTrades > 0 && m.LosingTrades > 0 {
		avgWin := totalWin / float64(m.WinningTrades)
		avgLoss := math.Abs(totalLoss / float64(m.LosingTrades))
		if avgLoss > 0 {
			m.AvgProfitLoss = avgWin / avgLoss
		}
	}

	m.TotalProfit = m.FinalEquity - m.InitialBalance
	if m.InitialBalance != 0 {
		m.ReturnRate = m.TotalProfit / m.InitialBalance * 100
	}
	m.MaxDrawdown = calculateMaxDrawdown(sim.EquityCurve()) * 100
	return m
}

func calculateMaxDrawdown(equityCurve []float64) float64 {
	if len(equityCurve) < 2 {
		return 0.0
	}
	peak := equityCurve[0]
	maxDrawdown := 0.0

	for _, equity := range equityCurve {
		if equity > peak {
			peak = equity
		}
		if peak <= 0 {
			continue
		}
		drawdown := (peak - equity) / peak
		if drawdown > maxDrawdown {
			maxDrawdown = drawdown
		}
	}
	return maxDrawdown
}
