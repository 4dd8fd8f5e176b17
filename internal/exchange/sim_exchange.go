package exchange

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"sync"
	"time"

	"msx-grid-bot-go/internal/models"
)

// SimExchange 实现了 Exchange 接口,在内存中模拟撮合。
// 回测驱动器按 K 线推进价格,挂单沿 开->低->高->收 的路径检查成交,
// 限价单按挂单价成交收取 maker 费率,市价单按现价加滑点成交收取 taker 费率。
type SimExchange struct {
	mu  sync.Mutex
	cfg models.BacktestConfig

	cash         float64
	now          time.Time
	prices       map[string]float64
	orders       map[string]*models.OrderInfo
	orderSymbols map[string]string // 订单ID -> 标的
	orderSeq     int64
	posSeq       int64
	positions    map[string]*simPosition
	fills        []models.RawFill
	trades       []ClosedTrade
	equity       []float64
	totalFees    float64
	closed       map[string]bool // 显式设置过交易时段的标的
	leverage     map[string]int
}

// simPosition 有向持仓,volume 为正表示多头,为负表示空头。
type simPosition struct {
	volume   float64
	avgEntry float64
	posID    string
}

// ClosedTrade 记录一笔平仓,供回测报告统计胜率。
type ClosedTrade struct {
	Symbol     string
	Volume     float64
	EntryPrice float64
	ExitPrice  float64
	Pnl        float64 // 不含手续费
	Fee        float64
	ExitTime   time.Time
}

// NewSimExchange 创建模拟交易所。
func NewSimExchange(cfg models.BacktestConfig) *SimExchange {
	return &SimExchange{
		cfg:          cfg,
		cash:         cfg.InitialBalance,
		prices:       make(map[string]float64),
		orders:       make(map[string]*models.OrderInfo),
		orderSymbols: make(map[string]string),
		positions:    make(map[string]*simPosition),
		closed:       make(map[string]bool),
		leverage:     make(map[string]int),
		orderSeq:     1,
	}
}

// SetPrice 推进一根 K 线,沿 O->L->H->C 检查限价单成交并刷新权益曲线。
func (e *SimExchange) SetPrice(symbol string, open, high, low, close float64, ts time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.now = ts
	for _, p := range []float64{open, low, high, close} {
		e.prices[symbol] = p
		e.checkLimitOrders(symbol, p)
	}
	e.prices[symbol] = close
	e.recordEquity()
}

// SetLastPrice 以单一价格推进,测试里用。
func (e *SimExchange) SetLastPrice(symbol string, price float64, ts time.Time) {
	e.SetPrice(symbol, price, price, price, price, ts)
}

// SetTradingHours 设置标的的交易时段开关,未设置的标的默认开市。
func (e *SimExchange) SetTradingHours(symbol string, open bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed[symbol] = !open
}

// checkLimitOrders 检查指定标的的挂单在该价格点能否成交。按订单号顺序遍历,
// 保证同一根 K 线内的成交顺序可复现。
func (e *SimExchange) checkLimitOrders(symbol string, price float64) {
	ids := make([]int64, 0, len(e.orders))
	for id, o := range e.orders {
		if o.Status != models.OrderOpen {
			continue
		}
		if n, err := strconv.ParseInt(id, 10, 64); err == nil {
			ids = append(ids, n)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, n := range ids {
		id := strconv.FormatInt(n, 10)
		order := e.orders[id]
		if order.Status != models.OrderOpen || e.orderSymbols[id] != symbol {
			continue
		}
		if (order.Side == models.Buy && price <= order.Price) ||
			(order.Side == models.Sell && price >= order.Price) {
			// 限价单按挂单价成交,maker 费率
			e.fill(order, order.Price, e.cfg.MakerFeeRate)
		}
	}
}

// fill 处理一笔成交:更新持仓、现金、流水和平仓记录。必须在持有锁时调用。
func (e *SimExchange) fill(order *models.OrderInfo, execPrice, feeRate float64) {
	symbol := e.orderSymbols[order.OrderID]
	qty := order.Volume
	fee := execPrice * qty * feeRate
	e.totalFees += fee
	e.cash -= fee

	pos := e.positions[symbol]
	if pos == nil {
		pos = &simPosition{}
		e.positions[symbol] = pos
	}

	signed := qty
	if order.Side == models.Sell {
		signed = -qty
	}

	openType := "open"
	pnl := 0.0
	switch {
	case pos.volume == 0 || sameSign(pos.volume, signed):
		// 开仓或加仓
		if pos.volume == 0 {
			e.posSeq++
			pos.posID = fmt.Sprintf("SIM-%s-%d", symbol, e.posSeq)
		}
		total := math.Abs(pos.volume) + qty
		pos.avgEntry = (pos.avgEntry*math.Abs(pos.volume) + execPrice*qty) / total
		pos.volume += signed
	default:
		// 平仓,数量超出部分反向开仓
		closeQty := math.Min(qty, math.Abs(pos.volume))
		if pos.volume > 0 {
			pnl = (execPrice - pos.avgEntry) * closeQty
		} else {
			pnl = (pos.avgEntry - execPrice) * closeQty
		}
		e.cash += pnl
		openType = "close"
		e.trades = append(e.trades, ClosedTrade{
			Symbol:     symbol,
			Volume:     closeQty,
			EntryPrice: pos.avgEntry,
			ExitPrice:  execPrice,
			Pnl:        pnl,
			Fee:        fee,
			ExitTime:   e.now,
		})

		pos.volume += signed
		if math.Abs(pos.volume) < 1e-9 {
			pos.volume = 0
			pos.avgEntry = 0
			pos.posID = ""
		} else if !sameSign(pos.volume, -signed) {
			// 反向剩余部分视为新仓
			e.posSeq++
			pos.posID = fmt.Sprintf("SIM-%s-%d", symbol, e.posSeq)
			pos.avgEntry = execPrice
		}
	}

	ts := e.now.UnixMilli()
	if e.now.IsZero() {
		ts = time.Now().UnixMilli()
	}

	order.Status = models.OrderFilled
	order.FilledPrice = execPrice
	order.FilledTime = ts
	order.ExchangePositionID = pos.posID
	order.Pnl = pnl
	order.Fee = fee

	e.fills = append(e.fills, models.RawFill{
		OrderID:   order.OrderID,
		Symbol:    symbol,
		Side:      order.Side,
		OpenType:  openType,
		Price:     execPrice,
		Volume:    qty,
		Pnl:       pnl,
		Fee:       fee,
		Timestamp: ts,
		Status:    string(models.OrderFilled),
		PosID:     pos.posID,
		AvgPrice:  execPrice,
	})
}

func sameSign(a, b float64) bool {
	return (a > 0 && b > 0) || (a < 0 && b < 0)
}

// recordEquity 权益 = 现金 + 各持仓浮动盈亏。必须在持有锁时调用。
func (e *SimExchange) recordEquity() {
	equity := e.cash
	for symbol, pos := range e.positions {
		if pos.volume == 0 {
			continue
		}
		price := e.prices[symbol]
		if pos.volume > 0 {
			equity += (price - pos.avgEntry) * pos.volume
		} else {
			equity += (pos.avgEntry - price) * (-pos.volume)
		}
	}
	e.equity = append(e.equity, equity)
}

// --- Exchange 接口实现 ---

func (e *SimExchange) GetPrice(symbol string) (float64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	price, ok := e.prices[symbol]
	if !ok || price <= 0 {
		return 0, fmt.Errorf("标的 %s 尚无行情", symbol)
	}
	return price, nil
}

func (e *SimExchange) PlaceOrder(symbol string, side models.Side, orderType models.OrderType, volume, price float64) (*models.OrderInfo, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if volume <= 0 {
		return nil, fmt.Errorf("下单数量必须为正数: %v", volume)
	}

	id := strconv.FormatInt(e.orderSeq, 10)
	e.orderSeq++
	order := &models.OrderInfo{
		OrderID: id,
		Side:    side,
		Price:   price,
		Volume:  volume,
		Status:  models.OrderOpen,
	}
	e.orders[id] = order
	e.orderSymbols[id] = symbol

	if orderType == models.OrderTypeMarket {
		current, ok := e.prices[symbol]
		if !ok || current <= 0 {
			delete(e.orders, id)
			delete(e.orderSymbols, id)
			return nil, fmt.Errorf("标的 %s 尚无行情, 市价单无法成交", symbol)
		}
		exec := current * (1 + e.cfg.SlippageRate)
		if side == models.Sell {
			exec = current * (1 - e.cfg.SlippageRate)
		}
		order.Price = current
		e.fill(order, exec, e.cfg.TakerFeeRate)
	}

	return order.Clone(), nil
}

func (e *SimExchange) CancelOrder(symbol, orderID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if order, ok := e.orders[orderID]; ok && order.Status == models.OrderOpen {
		order.Status = models.OrderCancelled
	}
	return nil
}

func (e *SimExchange) GetOrderStatus(symbol, orderID string) (*models.OrderInfo, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	order, ok := e.orders[orderID]
	if !ok {
		return nil, fmt.Errorf("订单 %s 不存在", orderID)
	}
	return order.Clone(), nil
}

func (e *SimExchange) GetFillHistory(symbol string, since int64) ([]models.RawFill, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]models.RawFill, 0, 8)
	for _, f := range e.fills {
		if f.Symbol == symbol && f.Timestamp >= since {
			out = append(out, f)
		}
	}
	return out, nil
}

func (e *SimExchange) IsTradingHours(symbol string) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return !e.closed[symbol], nil
}

func (e *SimExchange) SetLeverage(symbol string, leverage int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.leverage[symbol] = leverage
	return nil
}

// --- 回测报告访问器 ---

// EquityCurve 返回权益曲线副本。
func (e *SimExchange) EquityCurve() []float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]float64(nil), e.equity...)
}

// ClosedTrades 返回平仓记录副本。
func (e *SimExchange) ClosedTrades() []ClosedTrade {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]ClosedTrade(nil), e.trades...)
}

// TotalFees 返回累计手续费。
func (e *SimExchange) TotalFees() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.totalFees
}

// FinalEquity 返回最近一次记录的权益,没有记录时返回初始资金。
func (e *SimExchange) FinalEquity() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.equity) == 0 {
		return e.cfg.InitialBalance
	}
	return e.equity[len(e.equity)-1]
}

// InitialBalance 返回初始资金。
func (e *SimExchange) InitialBalance() float64 {
	return e.cfg.InitialBalance
}
