package exchange

import (
	"math"
	"strconv"
	"strings"

	"msx-grid-bot-go/internal/models"
)

// Exchange 定义了所有交易所实现必须提供的通用方法。
// 网格实例只依赖这个接口,真实交易、模拟盘和回测之间可以自由切换。
type Exchange interface {
	// GetPrice 返回标的最新成交价。
	GetPrice(symbol string) (float64, error)
	// PlaceOrder 下单。市价单 price 传 0。
	PlaceOrder(symbol string, side models.Side, orderType models.OrderType, volume, price float64) (*models.OrderInfo, error)
	// CancelOrder 撤销指定订单。
	CancelOrder(symbol, orderID string) error
	// GetOrderStatus 查询订单当前状态。
	GetOrderStatus(symbol, orderID string) (*models.OrderInfo, error)
	// GetFillHistory 返回 since (Unix 毫秒) 之后的成交明细,用于补全手续费、
	// 已实现盈亏和交易所仓位ID。
	GetFillHistory(symbol string, since int64) ([]models.RawFill, error)
	// IsTradingHours 报告标的当前是否处于可交易时段。
	IsTradingHours(symbol string) (bool, error)
	// SetLeverage 设置合约杠杆。现货实现为空操作。
	SetLeverage(symbol string, leverage int) error
}

// adjustValueToStep 将数值向下取整到 step 的整数倍,step 以字符串表示精度,
// 例如 "0.001"。交易所对价格和数量的精度有硬性要求。
func adjustValueToStep(value float64, step string) float64 {
	stepF, err := strconv.ParseFloat(step, 64)
	if err != nil || stepF <= 0 {
		return value
	}
	adjusted := math.Floor(value/stepF) * stepF
	precision := 0
	if idx := strings.Index(step, "."); idx != -1 {
		precision = len(strings.TrimRight(step[idx+1:], "0"))
	}
	shift := math.Pow(10, float64(precision))
	return math.Round(adjusted*shift) / shift
}

// formatValue 按精度字符串格式化成交易所接受的数字串。
func formatValue(value float64, step string) string {
	precision := 0
	if idx := strings.Index(step, "."); idx != -1 {
		precision = len(strings.TrimRight(step[idx+1:], "0"))
	}
	return strconv.FormatFloat(adjustValueToStep(value, step), 'f', precision, 64)
}
