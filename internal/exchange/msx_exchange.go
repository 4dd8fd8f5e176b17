package exchange

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"msx-grid-bot-go/internal/logger"
	"msx-grid-bot-go/internal/models"

	"github.com/gorilla/websocket"
)

const (
	msxWriteWait     = 5 * time.Second
	msxPongWait      = 75 * time.Second
	msxPingPeriod    = 15 * time.Second
	msxReconnectWait = 5 * time.Second
	priceCacheTTL    = 5 * time.Second
	clockCacheTTL    = 10 * time.Second
)

// MsxExchange 实现了 Exchange 接口,对接 MSX 的 REST 与行情 WebSocket。
// 行情价格优先走 WebSocket 缓存,过期时回退到 REST 查询。
type MsxExchange struct {
	apiKey     string
	secretKey  string
	baseURL    string
	wsBaseURL  string
	httpClient *http.Client
	timeOffset int64

	mu          sync.Mutex
	prices      map[string]pricePoint
	watched     map[string]struct{}
	watchGen    int
	clocks      map[string]clockPoint
	instruments map[string]*msxInstrument

	closeOnce sync.Once
	closeCh   chan struct{}
}

type pricePoint struct {
	price float64
	at    time.Time
}

type clockPoint struct {
	open bool
	at   time.Time
}

// msxInstrument 描述交易对的精度规则,步长以字符串表示以免丢失精度。
type msxInstrument struct {
	Symbol     string `json:"symbol"`
	PriceStep  string `json:"price_step"`
	VolumeStep string `json:"volume_step"`
}

// msxOrder 是 MSX 订单接口的应答结构。
type msxOrder struct {
	OrderID    string  `json:"order_id"`
	Symbol     string  `json:"symbol"`
	Side       string  `json:"side"`
	Price      float64 `json:"price"`
	Volume     float64 `json:"volume"`
	Status     string  `json:"status"`
	AvgPrice   float64 `json:"avg_price"`
	FilledTime int64   `json:"filled_time"`
	PosID      string  `json:"pos_id"`
	Pnl        float64 `json:"pnl"`
	Fee        float64 `json:"fee"`
}

// NewMsxExchange 创建 MSX 客户端并与服务器同步时间,同步失败视为致命错误。
func NewMsxExchange(cfg models.ExchangeConfig) (*MsxExchange, error) {
	e := &MsxExchange{
		apiKey:      cfg.APIKey,
		secretKey:   cfg.SecretKey,
		baseURL:     cfg.BaseURL,
		wsBaseURL:   cfg.WSBaseURL,
		httpClient:  &http.Client{Timeout: 10 * time.Second},
		prices:      make(map[string]pricePoint),
		watched:     make(map[string]struct{}),
		clocks:      make(map[string]clockPoint),
		instruments: make(map[string]*msxInstrument),
		closeCh:     make(chan struct{}),
	}

	if err := e.syncTime(); err != nil {
		return nil, fmt.Errorf("与 MSX 服务器同步时间失败: %w", err)
	}

	go e.priceStreamLoop()
	return e, nil
}

// Close 停止行情流。已发出的 HTTP 请求自行超时。
func (e *MsxExchange) Close() {
	e.closeOnce.Do(func() { close(e.closeCh) })
}

// syncTime 与服务器同步时间,计算本地时钟偏移,签名时会用到。
func (e *MsxExchange) syncTime() error {
	data, err := e.doRequest("GET", "/api/v1/time", nil, false)
	if err != nil {
		return err
	}
	var resp struct {
		ServerTime int64 `json:"server_time"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return err
	}
	e.timeOffset = resp.ServerTime - time.Now().UnixMilli()
	logger.S().Infof("MSX 服务器时间同步完成, 偏移 %dms", e.timeOffset)
	return nil
}

// doRequest 是通用的请求处理函数,负责参数编码、签名和错误解包。
func (e *MsxExchange) doRequest(method, endpoint string, params url.Values, signed bool) ([]byte, error) {
	fullURL := fmt.Sprintf("%s%s", e.baseURL, endpoint)
	queryParams := url.Values{}
	for k, v := range params {
		queryParams[k] = v
	}

	var encodedParams string
	if signed {
		timestamp := time.Now().UnixMilli() + e.timeOffset
		queryParams.Set("timestamp", strconv.FormatInt(timestamp, 10))
		payloadToSign := queryParams.Encode()
		encodedParams = fmt.Sprintf("%s&signature=%s", payloadToSign, e.sign(payloadToSign))
	} else {
		encodedParams = queryParams.Encode()
	}

	var req *http.Request
	var err error
	if method == "GET" || method == "DELETE" {
		finalURL := fullURL
		if encodedParams != "" {
			finalURL = fmt.Sprintf("%s?%s", fullURL, encodedParams)
		}
		req, err = http.NewRequest(method, finalURL, nil)
	} else {
		req, err = http.NewRequest(method, fullURL, strings.NewReader(encodedParams))
		if err == nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}
	}
	if err != nil {
		return nil, fmt.Errorf("创建请求失败: %w", err)
	}

	req.Header.Set("X-MSX-APIKEY", e.apiKey)
	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("执行请求失败: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("读取响应体失败: %w", err)
	}

	var apiErr models.Error
	if json.Unmarshal(body, &apiErr) == nil && apiErr.Code != 0 {
		return body, &apiErr
	}
	if resp.StatusCode != http.StatusOK {
		return body, fmt.Errorf("API请求失败, 状态码: %d, 响应: %s", resp.StatusCode, string(body))
	}
	return body, nil
}

// sign 对请求参数进行 HMAC-SHA256 签名。
func (e *MsxExchange) sign(data string) string {
	h := hmac.New(sha256.New, []byte(e.secretKey))
	h.Write([]byte(data))
	return fmt.Sprintf("%x", h.Sum(nil))
}

// --- Exchange 接口实现 ---

// GetPrice 获取最新价。命中新鲜的行情缓存时不发请求。
func (e *MsxExchange) GetPrice(symbol string) (float64, error) {
	e.watchSymbol(symbol)

	e.mu.Lock()
	p, ok := e.prices[symbol]
	e.mu.Unlock()
	if ok && time.Since(p.at) < priceCacheTTL {
		return p.price, nil
	}

	params := url.Values{}
	params.Set("symbol", symbol)
	data, err := e.doRequest("GET", "/api/v1/ticker/price", params, false)
	if err != nil {
		return 0, err
	}
	var ticker struct {
		Price float64 `json:"price"`
	}
	if err := json.Unmarshal(data, &ticker); err != nil {
		return 0, err
	}
	e.storePrice(symbol, ticker.Price)
	return ticker.Price, nil
}

// PlaceOrder 下单。数量和价格按交易对精度规则取整后提交。
func (e *MsxExchange) PlaceOrder(symbol string, side models.Side, orderType models.OrderType, volume, price float64) (*models.OrderInfo, error) {
	inst := e.instrument(symbol)

	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("side", string(side))
	params.Set("type", string(orderType))
	params.Set("volume", formatValue(volume, inst.VolumeStep))
	params.Set("client_order_id", newClientOrderID())
	if orderType == models.OrderTypeLimit {
		params.Set("price", formatValue(price, inst.PriceStep))
	}

	data, err := e.doRequest("POST", "/api/v1/order", params, true)
	if err != nil {
		logger.S().Errorf("下单失败 %s %s %s: %v, 原始响应: %s", symbol, side, orderType, err, string(data))
		return nil, err
	}

	var order msxOrder
	if err := json.Unmarshal(data, &order); err != nil {
		return nil, err
	}
	return order.toOrderInfo(), nil
}

// CancelOrder 撤单。订单已不存在时视为撤销成功。
func (e *MsxExchange) CancelOrder(symbol, orderID string) error {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("order_id", orderID)
	_, err := e.doRequest("DELETE", "/api/v1/order", params, true)
	if err != nil {
		// -2011: 未知订单,通常意味着已成交或已撤销
		if msxErr, ok := err.(*models.Error); ok && msxErr.Code == -2011 {
			logger.S().Infof("撤单 %s: 订单已不存在,忽略", orderID)
			return nil
		}
		return err
	}
	return nil
}

// GetOrderStatus 查询订单状态。
func (e *MsxExchange) GetOrderStatus(symbol, orderID string) (*models.OrderInfo, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("order_id", orderID)
	data, err := e.doRequest("GET", "/api/v1/order", params, true)
	if err != nil {
		return nil, err
	}
	var order msxOrder
	if err := json.Unmarshal(data, &order); err != nil {
		return nil, err
	}
	return order.toOrderInfo(), nil
}

// GetFillHistory 拉取指定时刻之后的成交明细。
func (e *MsxExchange) GetFillHistory(symbol string, since int64) ([]models.RawFill, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	if since > 0 {
		params.Set("start_time", strconv.FormatInt(since, 10))
	}
	data, err := e.doRequest("GET", "/api/v1/fills", params, true)
	if err != nil {
		return nil, err
	}
	var fills []models.RawFill
	if err := json.Unmarshal(data, &fills); err != nil {
		return nil, err
	}
	return fills, nil
}

// IsTradingHours 查询交易时段,带短缓存避免每个调度周期都打一次接口。
func (e *MsxExchange) IsTradingHours(symbol string) (bool, error) {
	e.mu.Lock()
	c, ok := e.clocks[symbol]
	e.mu.Unlock()
	if ok && time.Since(c.at) < clockCacheTTL {
		return c.open, nil
	}

	params := url.Values{}
	params.Set("symbol", symbol)
	data, err := e.doRequest("GET", "/api/v1/market/clock", params, false)
	if err != nil {
		return false, err
	}
	var clock struct {
		IsOpen bool `json:"is_open"`
	}
	if err := json.Unmarshal(data, &clock); err != nil {
		return false, err
	}

	e.mu.Lock()
	e.clocks[symbol] = clockPoint{open: clock.IsOpen, at: time.Now()}
	e.mu.Unlock()
	return clock.IsOpen, nil
}

// SetLeverage 设置合约杠杆。
func (e *MsxExchange) SetLeverage(symbol string, leverage int) error {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("leverage", strconv.Itoa(leverage))
	_, err := e.doRequest("POST", "/api/v1/leverage", params, true)
	if err != nil {
		// -4059: 杠杆无需调整
		if msxErr, ok := err.(*models.Error); ok && msxErr.Code == -4059 {
			return nil
		}
		return err
	}
	return nil
}

// instrument 返回交易对精度规则,查询失败时退回保守的默认步长。
func (e *MsxExchange) instrument(symbol string) *msxInstrument {
	e.mu.Lock()
	inst, ok := e.instruments[symbol]
	e.mu.Unlock()
	if ok {
		return inst
	}

	fallback := &msxInstrument{Symbol: symbol, PriceStep: "0.01", VolumeStep: "0.0001"}
	params := url.Values{}
	params.Set("symbol", symbol)
	data, err := e.doRequest("GET", "/api/v1/instrument", params, false)
	if err != nil {
		logger.S().Warnf("获取 %s 精度规则失败, 使用默认步长: %v", symbol, err)
		return fallback
	}
	var fetched msxInstrument
	if err := json.Unmarshal(data, &fetched); err != nil || fetched.PriceStep == "" || fetched.VolumeStep == "" {
		return fallback
	}

	e.mu.Lock()
	e.instruments[symbol] = &fetched
	e.mu.Unlock()
	return &fetched
}

func (o *msxOrder) toOrderInfo() *models.OrderInfo {
	return &models.OrderInfo{
		OrderID:            o.OrderID,
		Side:               models.Side(o.Side),
		Price:              o.Price,
		Volume:             o.Volume,
		Status:             normalizeOrderStatus(o.Status),
		FilledPrice:        o.AvgPrice,
		FilledTime:         o.FilledTime,
		ExchangePositionID: o.PosID,
		Pnl:                o.Pnl,
		Fee:                o.Fee,
	}
}

// normalizeOrderStatus 把交易所订单状态归一到 open / filled / cancelled 三态。
func normalizeOrderStatus(status string) models.OrderStatus {
	switch strings.ToLower(status) {
	case "new", "open", "partially_filled", "accepted":
		return models.OrderOpen
	case "filled":
		return models.OrderFilled
	default:
		return models.OrderCancelled
	}
}

// --- 行情 WebSocket ---

// watchSymbol 把交易对加入行情订阅列表,行情流在下个心跳周期重建订阅。
func (e *MsxExchange) watchSymbol(symbol string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.watched[symbol]; !ok {
		e.watched[symbol] = struct{}{}
		e.watchGen++
	}
}

func (e *MsxExchange) streamSymbols() ([]string, int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	symbols := make([]string, 0, len(e.watched))
	for s := range e.watched {
		symbols = append(symbols, s)
	}
	sort.Strings(symbols)
	return symbols, e.watchGen
}

func (e *MsxExchange) storePrice(symbol string, price float64) {
	e.mu.Lock()
	e.prices[symbol] = pricePoint{price: price, at: time.Now()}
	e.mu.Unlock()
}

// priceStreamLoop 维持行情长连接,断开后等待数秒重连。
func (e *MsxExchange) priceStreamLoop() {
	for {
		select {
		case <-e.closeCh:
			return
		default:
		}

		symbols, gen := e.streamSymbols()
		if len(symbols) == 0 {
			select {
			case <-e.closeCh:
				return
			case <-time.After(time.Second):
			}
			continue
		}

		err := e.runPriceStream(symbols, gen)
		select {
		case <-e.closeCh:
			return
		default:
		}
		if err != nil {
			logger.S().Warnf("行情流中断: %v, %v 后重连", err, msxReconnectWait)
			select {
			case <-e.closeCh:
				return
			case <-time.After(msxReconnectWait):
			}
		}
	}
}

// runPriceStream 建立一条行情连接并阻塞读取,直到出错、关闭或订阅列表变化。
func (e *MsxExchange) runPriceStream(symbols []string, gen int) error {
	wsURL := fmt.Sprintf("%s/ws/ticker?symbols=%s", e.wsBaseURL, strings.Join(symbols, ","))
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		return fmt.Errorf("无法连接行情流: %w", err)
	}
	defer conn.Close()
	logger.S().Infof("行情流已连接, 订阅: %v", symbols)

	conn.SetReadDeadline(time.Now().Add(msxPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(msxPongWait))
	})

	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(msxPingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				// 订阅列表变了就断开重建
				if _, cur := e.streamSymbols(); cur != gen {
					conn.Close()
					return
				}
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(msxWriteWait)); err != nil {
					conn.Close()
					return
				}
			case <-e.closeCh:
				conn.Close()
				return
			case <-done:
				return
			}
		}
	}()

	for {
		var tick struct {
			Symbol string  `json:"symbol"`
			Price  float64 `json:"price"`
			Ts     int64   `json:"ts"`
		}
		if err := conn.ReadJSON(&tick); err != nil {
			return err
		}
		if tick.Symbol != "" && tick.Price > 0 {
			e.storePrice(tick.Symbol, tick.Price)
		}
	}
}
