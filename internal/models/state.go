package models

import (
	"errors"
	"fmt"
	"strings"
)

// Side 定义了交易方向的类型
type Side string

const (
	Buy  Side = "buy"
	Sell Side = "sell"
)

// Opposite 返回相反方向。
func (s Side) Opposite() Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

// OrderType 定义了订单类型
type OrderType string

const (
	OrderTypeLimit  OrderType = "LIMIT"
	OrderTypeMarket OrderType = "MARKET"
)

// OrderStatus 定义了订单的生命周期状态
type OrderStatus string

const (
	OrderOpen      OrderStatus = "open"
	OrderFilled    OrderStatus = "filled"
	OrderCancelled OrderStatus = "cancelled"
)

// Direction 网格方向: 做多网格低买高卖,做空网格高卖低买。
type Direction string

const (
	Long  Direction = "long"
	Short Direction = "short"
)

// AssetType 标的类别。股票类标的受交易时段约束。
type AssetType string

const (
	AssetCrypto AssetType = "crypto"
	AssetStock  AssetType = "stock"
)

// MarketType 市场类型
type MarketType string

const (
	MarketSpot     MarketType = "spot"
	MarketContract MarketType = "contract"
)

// InstanceStatus 网格实例的生命周期状态
type InstanceStatus string

const (
	StatusUninitialized InstanceStatus = "uninitialized"
	StatusInitializing  InstanceStatus = "initializing"
	StatusRunning       InstanceStatus = "running"
	StatusStopping      InstanceStatus = "stopping"
	StatusStopped       InstanceStatus = "stopped"
)

// GridConfig 定义单个网格实例的全部参数。实例运行期间不可变。
type GridConfig struct {
	Symbol           string     `json:"symbol" yaml:"symbol"`                       // 交易对, e.g., "ETHUSDT"
	MinPrice         float64    `json:"min_price" yaml:"min_price"`                 // 网格区间下界
	MaxPrice         float64    `json:"max_price" yaml:"max_price"`                 // 网格区间上界
	Direction        Direction  `json:"direction" yaml:"direction"`                 // long / short
	GridSpacing      float64    `json:"grid_spacing" yaml:"grid_spacing"`           // 网格间距比例, e.g., 0.005
	InvestmentAmount float64    `json:"investment_amount" yaml:"investment_amount"` // 投入本金 (计价货币)
	Leverage         int        `json:"leverage" yaml:"leverage"`                   // 杠杆倍数
	TotalCapital     float64    `json:"total_capital" yaml:"total_capital"`         // 账户总资金参考值
	AssetType        AssetType  `json:"asset_type" yaml:"asset_type"`               // crypto / stock
	MarketType       MarketType `json:"market_type" yaml:"market_type"`             // spot / contract
	ContractType     int        `json:"contract_type,omitempty" yaml:"contract_type"`
}

// ApplyDefaults 填充未指定的枚举字段。
func (c *GridConfig) ApplyDefaults() {
	if c.Direction == "" {
		c.Direction = Long
	}
	if c.AssetType == "" {
		c.AssetType = AssetCrypto
	}
	if c.MarketType == "" {
		c.MarketType = MarketContract
	}
	if c.Leverage == 0 {
		c.Leverage = 1
	}
}

// Validate 校验配置的完整性,返回第一个不满足的约束。
func (c *GridConfig) Validate() error {
	if strings.TrimSpace(c.Symbol) == "" {
		return errors.New("symbol 不能为空")
	}
	if c.MinPrice <= 0 || c.MaxPrice <= 0 || c.MinPrice >= c.MaxPrice {
		return fmt.Errorf("价格区间无效: min=%v max=%v", c.MinPrice, c.MaxPrice)
	}
	if c.GridSpacing <= 0 {
		return fmt.Errorf("网格间距必须为正数: %v", c.GridSpacing)
	}
	if c.InvestmentAmount <= 0 {
		return fmt.Errorf("投入本金必须为正数: %v", c.InvestmentAmount)
	}
	if c.Leverage <= 0 {
		return fmt.Errorf("杠杆倍数必须为正整数: %d", c.Leverage)
	}
	switch c.Direction {
	case Long, Short:
	default:
		return fmt.Errorf("未知方向: %q", c.Direction)
	}
	switch c.AssetType {
	case AssetCrypto, AssetStock:
	default:
		return fmt.Errorf("未知标的类别: %q", c.AssetType)
	}
	switch c.MarketType {
	case MarketSpot, MarketContract:
	default:
		return fmt.Errorf("未知市场类型: %q", c.MarketType)
	}
	return nil
}

// EntrySide 返回建仓方向对应的订单方向。
func (c *GridConfig) EntrySide() Side {
	if c.Direction == Short {
		return Sell
	}
	return Buy
}

// OrderInfo 描述一笔订单。成交后的订单同时作为成交历史的条目,
// 因此携带 pnl / fee 等成交流水字段。
type OrderInfo struct {
	OrderID            string      `json:"order_id"`
	Side               Side        `json:"side"`
	Price              float64     `json:"price"`
	Volume             float64     `json:"volume"`
	Status             OrderStatus `json:"status"`
	FilledPrice        float64     `json:"filled_price,omitempty"`
	FilledTime         int64       `json:"filled_time,omitempty"` // Unix 毫秒
	ExchangePositionID string      `json:"exchange_position_id,omitempty"`
	Pnl                float64     `json:"pnl,omitempty"` // 平仓已实现盈亏(不含手续费)
	Fee                float64     `json:"fee,omitempty"`
}

// Clone 返回订单的独立副本。
func (o *OrderInfo) Clone() *OrderInfo {
	if o == nil {
		return nil
	}
	cp := *o
	return &cp
}

// Position 定义了持仓信息
type Position struct {
	PositionID    string    `json:"position_id"`
	Side          Direction `json:"side"`
	Volume        float64   `json:"volume"` // 始终为非负数
	EntryPrice    float64   `json:"entry_price"`
	UnrealizedPnl float64   `json:"unrealized_pnl"`
}

// GridStatistics 单实例累计统计。全部可由成交历史重算。
type GridStatistics struct {
	TradeCount  int     `json:"trade_count"`
	RealizedPnl float64 `json:"realized_pnl"`
	TotalFee    float64 `json:"total_fee"`
	Turnover    float64 `json:"turnover"`
}

// RawFill 交易所回报的原始成交,字段与流水 CSV 列一一对应。
type RawFill struct {
	OrderID   string  `json:"order_id"`
	Symbol    string  `json:"symbol"`
	Side      Side    `json:"side"`
	OpenType  string  `json:"open_type"` // open / close
	Price     float64 `json:"price"`
	Volume    float64 `json:"volume"`
	Pnl       float64 `json:"pnl"`
	Fee       float64 `json:"fee"`
	Timestamp int64   `json:"timestamp"` // Unix 毫秒
	Status    string  `json:"status"`
	PosID     string  `json:"pos_id"`
	AvgPrice  float64 `json:"avg_price"`
}

// InstanceState 是网格实例的持久化快照。成交历史不入快照,
// 由流水文件在加载时重建。
type InstanceState struct {
	PositionID     string         `json:"position_id"`
	Config         GridConfig     `json:"config"`
	BuyOrder       *OrderInfo     `json:"buy_order"`
	SellOrder      *OrderInfo     `json:"sell_order"`
	Position       Position       `json:"position"`
	Statistics     GridStatistics `json:"statistics"`
	Status         InstanceStatus `json:"status"`
	LastFilledTime int64          `json:"last_filled_time"`
	SavedAt        int64          `json:"saved_at"` // Unix 毫秒
}

// InstanceSummary 是控制面查询返回的实例视图。
type InstanceSummary struct {
	Symbol         string         `json:"symbol"`
	Status         InstanceStatus `json:"status"`
	PositionID     string         `json:"position_id"`
	Config         GridConfig     `json:"config"`
	Position       Position       `json:"position"`
	BuyOrder       *OrderInfo     `json:"buy_order,omitempty"`
	SellOrder      *OrderInfo     `json:"sell_order,omitempty"`
	Statistics     GridStatistics `json:"statistics"`
	LastFilledTime int64          `json:"last_filled_time"`
	FailCount      int            `json:"fail_count"`
}

// AggregateSummary 跨实例聚合视图。
type AggregateSummary struct {
	Total           int                    `json:"total"`
	Running         int                    `json:"running"`
	Stopped         int                    `json:"stopped"`
	ByStatus        map[InstanceStatus]int `json:"by_status"`
	TotalInvestment float64                `json:"total_investment"`
	TotalPnl        float64                `json:"total_pnl"`
	TotalTurnover   float64                `json:"total_turnover"`
	AvgReturnRate   float64                `json:"avg_return_rate"`
}
