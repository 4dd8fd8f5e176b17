package exchange

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"msx-grid-bot-go/internal/logger"
	"msx-grid-bot-go/internal/models"

	"github.com/adshao/go-binance/v2/futures"
)

const binanceCallTimeout = 10 * time.Second

// BinanceExchange 通过官方 SDK 对接币安 USDT 合约,用于 crypto 类标的。
// 币安的成交回报里没有仓位ID,pos_id 由上层按本地ID兜底。
type BinanceExchange struct {
	client *futures.Client

	mu    sync.Mutex
	rules map[string]*symbolRule
}

// symbolRule 缓存交易对的精度过滤器。
type symbolRule struct {
	priceStep  string
	volumeStep string
}

// NewBinanceExchange 创建币安合约客户端。
func NewBinanceExchange(cfg models.ExchangeConfig) *BinanceExchange {
	futures.UseTestnet = cfg.IsTestnet
	return &BinanceExchange{
		client: futures.NewClient(cfg.APIKey, cfg.SecretKey),
		rules:  make(map[string]*symbolRule),
	}
}

func callCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), binanceCallTimeout)
}

// GetPrice 获取指定交易对的最新价格。
func (e *BinanceExchange) GetPrice(symbol string) (float64, error) {
	ctx, cancel := callCtx()
	defer cancel()

	prices, err := e.client.NewListPricesService().Symbol(symbol).Do(ctx)
	if err != nil {
		return 0, fmt.Errorf("获取 %s 价格失败: %w", symbol, err)
	}
	if len(prices) == 0 {
		return 0, fmt.Errorf("价格接口未返回 %s 的数据", symbol)
	}
	return strconv.ParseFloat(prices[0].Price, 64)
}

// PlaceOrder 下单。限价单使用 GTC。
func (e *BinanceExchange) PlaceOrder(symbol string, side models.Side, orderType models.OrderType, volume, price float64) (*models.OrderInfo, error) {
	ctx, cancel := callCtx()
	defer cancel()

	rule := e.symbolRule(symbol)
	svc := e.client.NewCreateOrderService().
		Symbol(symbol).
		Side(toBinanceSide(side)).
		Type(toBinanceOrderType(orderType)).
		Quantity(formatValue(volume, rule.volumeStep)).
		NewClientOrderID(newClientOrderID())
	if orderType == models.OrderTypeLimit {
		svc = svc.TimeInForce(futures.TimeInForceTypeGTC).
			Price(formatValue(price, rule.priceStep))
	}

	res, err := svc.Do(ctx)
	if err != nil {
		logger.S().Errorf("币安下单失败 %s %s %s: %v", symbol, side, orderType, err)
		return nil, err
	}

	priceF, _ := strconv.ParseFloat(res.Price, 64)
	volumeF, _ := strconv.ParseFloat(res.OrigQuantity, 64)
	avgF, _ := strconv.ParseFloat(res.AvgPrice, 64)
	return &models.OrderInfo{
		OrderID:     strconv.FormatInt(res.OrderID, 10),
		Side:        side,
		Price:       priceF,
		Volume:      volumeF,
		Status:      normalizeOrderStatus(string(res.Status)),
		FilledPrice: avgF,
		FilledTime:  res.UpdateTime,
	}, nil
}

// CancelOrder 撤单。订单已不存在时 (-2011) 视为撤销成功。
func (e *BinanceExchange) CancelOrder(symbol, orderID string) error {
	id, err := strconv.ParseInt(orderID, 10, 64)
	if err != nil {
		return fmt.Errorf("非法订单ID %q: %w", orderID, err)
	}

	ctx, cancel := callCtx()
	defer cancel()
	_, err = e.client.NewCancelOrderService().Symbol(symbol).OrderID(id).Do(ctx)
	if err != nil && strings.Contains(err.Error(), "-2011") {
		logger.S().Infof("撤单 %s: 订单已不存在,忽略", orderID)
		return nil
	}
	return err
}

// GetOrderStatus 查询订单状态。
func (e *BinanceExchange) GetOrderStatus(symbol, orderID string) (*models.OrderInfo, error) {
	id, err := strconv.ParseInt(orderID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("非法订单ID %q: %w", orderID, err)
	}

	ctx, cancel := callCtx()
	defer cancel()
	o, err := e.client.NewGetOrderService().Symbol(symbol).OrderID(id).Do(ctx)
	if err != nil {
		return nil, err
	}

	priceF, _ := strconv.ParseFloat(o.Price, 64)
	volumeF, _ := strconv.ParseFloat(o.OrigQuantity, 64)
	avgF, _ := strconv.ParseFloat(o.AvgPrice, 64)
	return &models.OrderInfo{
		OrderID:     orderID,
		Side:        models.Side(strings.ToLower(string(o.Side))),
		Price:       priceF,
		Volume:      volumeF,
		Status:      normalizeOrderStatus(string(o.Status)),
		FilledPrice: avgF,
		FilledTime:  o.UpdateTime,
	}, nil
}

// GetFillHistory 拉取账户成交明细并转换为统一结构。
func (e *BinanceExchange) GetFillHistory(symbol string, since int64) ([]models.RawFill, error) {
	ctx, cancel := callCtx()
	defer cancel()

	svc := e.client.NewListAccountTradeService().Symbol(symbol)
	if since > 0 {
		svc = svc.StartTime(since)
	}
	trades, err := svc.Do(ctx)
	if err != nil {
		return nil, err
	}

	fills := make([]models.RawFill, 0, len(trades))
	for _, t := range trades {
		fills = append(fills, accountTradeToRawFill(t))
	}
	return fills, nil
}

// accountTradeToRawFill 把币安的成交记录映射为统一的成交结构。
func accountTradeToRawFill(t *futures.AccountTrade) models.RawFill {
	price, _ := strconv.ParseFloat(t.Price, 64)
	qty, _ := strconv.ParseFloat(t.Quantity, 64)
	pnl, _ := strconv.ParseFloat(t.RealizedPnl, 64)
	fee, _ := strconv.ParseFloat(t.Commission, 64)
	return models.RawFill{
		OrderID:   strconv.FormatInt(t.OrderID, 10),
		Symbol:    t.Symbol,
		Side:      models.Side(strings.ToLower(string(t.Side))),
		Price:     price,
		Volume:    qty,
		Pnl:       pnl,
		Fee:       fee,
		Timestamp: t.Time,
		Status:    string(models.OrderFilled),
		AvgPrice:  price,
	}
}

// IsTradingHours 币安合约全天候交易。
func (e *BinanceExchange) IsTradingHours(string) (bool, error) {
	return true, nil
}

// SetLeverage 设置杠杆。
func (e *BinanceExchange) SetLeverage(symbol string, leverage int) error {
	ctx, cancel := callCtx()
	defer cancel()
	_, err := e.client.NewChangeLeverageService().Symbol(symbol).Leverage(leverage).Do(ctx)
	return err
}

// symbolRule 返回交易对的精度规则,首次查询后缓存。
// 查询失败时使用保守默认值,后续下单仍可能被交易所拒绝并通过错误暴露。
func (e *BinanceExchange) symbolRule(symbol string) *symbolRule {
	e.mu.Lock()
	rule, ok := e.rules[symbol]
	e.mu.Unlock()
	if ok {
		return rule
	}

	fallback := &symbolRule{priceStep: "0.01", volumeStep: "0.001"}
	ctx, cancel := callCtx()
	defer cancel()
	info, err := e.client.NewExchangeInfoService().Do(ctx)
	if err != nil {
		logger.S().Warnf("获取 %s 交易规则失败, 使用默认精度: %v", symbol, err)
		return fallback
	}

	for i := range info.Symbols {
		s := info.Symbols[i]
		if s.Symbol != symbol {
			continue
		}
		found := &symbolRule{priceStep: fallback.priceStep, volumeStep: fallback.volumeStep}
		if pf := s.PriceFilter(); pf != nil && pf.TickSize != "" {
			found.priceStep = pf.TickSize
		}
		if lf := s.LotSizeFilter(); lf != nil && lf.StepSize != "" {
			found.volumeStep = lf.StepSize
		}
		e.mu.Lock()
		e.rules[symbol] = found
		e.mu.Unlock()
		return found
	}
	return fallback
}

func toBinanceSide(side models.Side) futures.SideType {
	if side == models.Sell {
		return futures.SideTypeSell
	}
	return futures.SideTypeBuy
}

func toBinanceOrderType(t models.OrderType) futures.OrderType {
	if t == models.OrderTypeMarket {
		return futures.OrderTypeMarket
	}
	return futures.OrderTypeLimit
}
