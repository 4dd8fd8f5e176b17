package grid

import (
	"fmt"
	"math"
	"sync"
	"time"

	"msx-grid-bot-go/internal/exchange"
	"msx-grid-bot-go/internal/logger"
	"msx-grid-bot-go/internal/metrics"
	"msx-grid-bot-go/internal/models"
	"msx-grid-bot-go/internal/persistence"
	"msx-grid-bot-go/internal/stats"
)

// Instance 是单个标的的网格状态机。
//
// 所有交易动作都发生在调度器对 Step 的串行调用里;控制面只通过 Summary
// 读取一致视图,或通过 RequestStop 设置停止意图。锁只保护内存字段,
// 网络调用一律在锁外进行。
type Instance struct {
	mu   sync.RWMutex
	cfg  models.GridConfig
	ex   exchange.Exchange
	repo persistence.Repository

	positionID string
	stalePIDs  []string // 被交易所仓位ID取代的历史ID,Remove 时一并清理
	obsolete   []string // 快照落盘成功后待删除的旧快照文件

	status     models.InstanceStatus
	buyOrder   *models.OrderInfo
	sellOrder  *models.OrderInfo
	position   models.Position
	history    []models.OrderInfo // 成交历史,只追加
	seenFills  map[string]bool    // 已入账的订单ID,重复回报在此去重
	statistics models.GridStatistics
	lastFilled int64
	savedAt    int64

	// 初始化进度只在进程内有效,重启后从头初始化
	entryOrder  *models.OrderInfo
	entryDone   bool
	leverageSet bool
	volume      float64 // 单格下单量

	failCount int
	dirty     bool // 自上次快照后存在未落盘的变更
}

// New 创建一个未初始化的网格实例。positionID 是本地分配的持久化主键,
// 首笔携带交易所仓位ID的成交会替换它。
func New(cfg models.GridConfig, positionID string, ex exchange.Exchange, repo persistence.Repository) *Instance {
	return &Instance{
		cfg:        cfg,
		ex:         ex,
		repo:       repo,
		positionID: positionID,
		status:     models.StatusUninitialized,
		seenFills:  make(map[string]bool),
		position:   models.Position{PositionID: positionID, Side: cfg.Direction},
	}
}

// Restore 从持久化快照重建实例。成交历史由流水重建并重算统计;
// Running 实例恢复后由对账逻辑补挂缺失的挂单,不会重新初始化。
func Restore(loaded *persistence.LoadedInstance, ex exchange.Exchange, repo persistence.Repository) *Instance {
	st := loaded.State
	g := &Instance{
		cfg:        st.Config,
		ex:         ex,
		repo:       repo,
		positionID: st.PositionID,
		stalePIDs:  append([]string(nil), loaded.StalePositionIDs...),
		status:     st.Status,
		buyOrder:   st.BuyOrder,
		sellOrder:  st.SellOrder,
		position:   st.Position,
		history:    append([]models.OrderInfo(nil), loaded.History...),
		seenFills:  make(map[string]bool),
		lastFilled: st.LastFilledTime,
		savedAt:    st.SavedAt,
	}
	for i := range g.history {
		g.seenFills[g.history[i].OrderID] = true
	}
	// 缓存的统计只是捷径,流水重算才是权威
	g.statistics = stats.Compute(g.history)
	if g.position.PositionID == "" {
		g.position.PositionID = g.positionID
	}
	if len(g.history) > 0 {
		g.volume = g.history[0].Volume
	}
	return g
}

// Symbol 返回实例绑定的交易对。
func (g *Instance) Symbol() string { return g.cfg.Symbol }

// AssetType 返回标的类别,调度器据此决定是否检查交易时段。
func (g *Instance) AssetType() models.AssetType { return g.cfg.AssetType }

// Status 返回当前生命周期状态。
func (g *Instance) Status() models.InstanceStatus {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.status
}

// PositionIDs 返回实例用过的全部仓位ID,当前ID在首位。
func (g *Instance) PositionIDs() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	ids := make([]string, 0, 1+len(g.stalePIDs))
	ids = append(ids, g.positionID)
	ids = append(ids, g.stalePIDs...)
	return ids
}

// FailCount 返回连续失败次数。
func (g *Instance) FailCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.failCount
}

// RecordFailure 累计一次失败,由调度器在 Step 返回错误或 panic 时调用。
func (g *Instance) RecordFailure() {
	g.mu.Lock()
	g.failCount++
	g.mu.Unlock()
}

// ResetFailures 在一次成功的 Step 后清零连续失败计数。
func (g *Instance) ResetFailures() {
	g.mu.Lock()
	g.failCount = 0
	g.mu.Unlock()
}

// RequestStop 设置停止意图。实际撤单与终态落盘发生在下一次 Step。
func (g *Instance) RequestStop() {
	g.mu.Lock()
	defer g.mu.Unlock()
	switch g.status {
	case models.StatusUninitialized, models.StatusInitializing, models.StatusRunning:
		g.status = models.StatusStopping
	}
}

// Summary 返回实例的一致性视图,统计按成交历史现算。
func (g *Instance) Summary() models.InstanceSummary {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return models.InstanceSummary{
		Symbol:         g.cfg.Symbol,
		Status:         g.status,
		PositionID:     g.positionID,
		Config:         g.cfg,
		Position:       g.position,
		BuyOrder:       g.buyOrder.Clone(),
		SellOrder:      g.sellOrder.Clone(),
		Statistics:     stats.Compute(g.history),
		LastFilledTime: g.lastFilled,
		FailCount:      g.failCount,
	}
}

// Step 推进一次状态机。返回的错误一律视为瞬时故障:内存状态未被
// 破坏,调度器记录后下个周期重试。
func (g *Instance) Step() error {
	g.mu.Lock()
	status := g.status
	if status == models.StatusUninitialized {
		g.status = models.StatusInitializing
		status = models.StatusInitializing
	}
	g.mu.Unlock()

	switch status {
	case models.StatusInitializing:
		return g.stepInitializing()
	case models.StatusRunning:
		return g.stepRunning()
	case models.StatusStopping:
		return g.stepStopping()
	default:
		return nil
	}
}

// --- 初始化 ---

// stepInitializing 建仓并在两侧挂出首批网格单。任何一步失败都停留在
// Initializing,已完成的动作记在内存里,下个周期从断点继续;进程重启
// 则从头再来。初始化期间不写快照,转入 Running 的快照落盘成功才算完成。
func (g *Instance) stepInitializing() error {
	cfg := g.cfg

	g.mu.RLock()
	leverageSet := g.leverageSet
	g.mu.RUnlock()
	if cfg.MarketType == models.MarketContract && !leverageSet {
		if err := g.ex.SetLeverage(cfg.Symbol, cfg.Leverage); err != nil {
			return fmt.Errorf("设置杠杆失败: %w", err)
		}
		g.mu.Lock()
		g.leverageSet = true
		g.mu.Unlock()
	}

	price, err := g.ex.GetPrice(cfg.Symbol)
	if err != nil {
		return fmt.Errorf("获取 %s 价格失败: %w", cfg.Symbol, err)
	}
	if price <= 0 {
		return fmt.Errorf("获取到非法价格 %v", price)
	}

	g.mu.Lock()
	if g.volume == 0 {
		g.volume = cfg.InvestmentAmount * float64(cfg.Leverage) / price
	}
	volume := g.volume
	entryDone := g.entryDone
	pending := g.entryOrder.Clone()
	g.mu.Unlock()

	if !entryDone {
		done, err := g.establishEntry(pending, volume)
		if err != nil {
			return err
		}
		if !done {
			// 建仓单还没有成交,本周期到此为止
			return nil
		}
	}

	if err := g.placeInitialOrders(price, volume); err != nil {
		return err
	}

	// 两侧就绪(或因越界省略)后,快照落盘成功才切入 Running
	g.mu.Lock()
	g.status = models.StatusRunning
	if err := g.persistLocked(); err != nil {
		g.status = models.StatusInitializing
		g.mu.Unlock()
		return fmt.Errorf("初始化快照落盘失败: %w", err)
	}
	buy, sell := describeOrder(g.buyOrder), describeOrder(g.sellOrder)
	posVolume, posEntry := g.position.Volume, g.position.EntryPrice
	g.mu.Unlock()

	logger.S().Infof("[%s] 网格初始化完成: 持仓 %.6f @ %.4f, 买单 %s, 卖单 %s",
		cfg.Symbol, posVolume, posEntry, buy, sell)
	return nil
}

// establishEntry 以市价单建立底仓,必要时跨周期等待成交确认。
// 返回底仓是否已建立。
func (g *Instance) establishEntry(pending *models.OrderInfo, volume float64) (bool, error) {
	cfg := g.cfg

	if pending == nil {
		order, err := g.ex.PlaceOrder(cfg.Symbol, cfg.EntrySide(), models.OrderTypeMarket, volume, 0)
		if err != nil {
			return false, fmt.Errorf("建仓下单失败: %w", err)
		}
		g.mu.Lock()
		g.entryOrder = order
		g.mu.Unlock()
		pending = order
	}

	if pending.Status != models.OrderFilled {
		latest, err := g.ex.GetOrderStatus(cfg.Symbol, pending.OrderID)
		if err != nil {
			return false, fmt.Errorf("查询建仓单失败: %w", err)
		}
		g.mu.Lock()
		g.entryOrder = latest
		g.mu.Unlock()

		switch latest.Status {
		case models.OrderOpen:
			// 市价单极少跨周期,留到下一轮确认
			return false, nil
		case models.OrderCancelled:
			g.mu.Lock()
			g.entryOrder = nil
			g.mu.Unlock()
			return false, fmt.Errorf("建仓单 %s 被撤销, 下个周期重试", latest.OrderID)
		}
		pending = latest
	}

	raws := g.fetchRawFills()
	g.mu.Lock()
	g.applyFillLocked(pending, matchRaw(raws, pending.OrderID))
	g.entryDone = true
	g.entryOrder = nil
	g.mu.Unlock()
	return true, nil
}

// placeInitialOrders 围绕基准价在区间内挂出两侧网格单,越界的一侧省略。
func (g *Instance) placeInitialOrders(price, volume float64) error {
	cfg := g.cfg

	g.mu.RLock()
	basis := g.fillBasisLocked()
	needBuy := g.buyOrder == nil
	needSell := g.sellOrder == nil
	g.mu.RUnlock()
	if basis <= 0 {
		basis = price
	}

	if needBuy {
		target := basis * (1 - cfg.GridSpacing)
		if g.inRange(target) {
			order, err := g.ex.PlaceOrder(cfg.Symbol, models.Buy, models.OrderTypeLimit, volume, target)
			if err != nil {
				return fmt.Errorf("初始买单挂单失败: %w", err)
			}
			g.mu.Lock()
			g.buyOrder = order
			g.mu.Unlock()
		} else {
			logger.S().Infof("[%s] 买单目标价 %.4f 超出区间 [%.4f, %.4f], 省略该侧",
				cfg.Symbol, target, cfg.MinPrice, cfg.MaxPrice)
		}
	}

	if needSell {
		target := basis * (1 + cfg.GridSpacing)
		if g.inRange(target) {
			order, err := g.ex.PlaceOrder(cfg.Symbol, models.Sell, models.OrderTypeLimit, volume, target)
			if err != nil {
				return fmt.Errorf("初始卖单挂单失败: %w", err)
			}
			g.mu.Lock()
			g.sellOrder = order
			g.mu.Unlock()
		} else {
			logger.S().Infof("[%s] 卖单目标价 %.4f 超出区间 [%.4f, %.4f], 省略该侧",
				cfg.Symbol, target, cfg.MinPrice, cfg.MaxPrice)
		}
	}
	return nil
}

// --- 运行 ---

// stepRunning 轮询两侧挂单,应用成交,围绕最新成交价改挂,并刷新浮动盈亏。
// 固定先买后卖,保证同一轮双边成交时的处理顺序可复现。
func (g *Instance) stepRunning() error {
	cfg := g.cfg

	g.mu.RLock()
	buy := g.buyOrder.Clone()
	sell := g.sellOrder.Clone()
	g.mu.RUnlock()

	var filled []*models.OrderInfo
	for _, ord := range []*models.OrderInfo{buy, sell} {
		if ord == nil {
			continue
		}
		latest, err := g.ex.GetOrderStatus(cfg.Symbol, ord.OrderID)
		if err != nil {
			return fmt.Errorf("查询订单 %s 失败: %w", ord.OrderID, err)
		}
		switch latest.Status {
		case models.OrderFilled:
			if latest.Side == "" {
				latest.Side = ord.Side
			}
			filled = append(filled, latest)
		case models.OrderCancelled:
			logger.S().Warnf("[%s] %s 侧挂单 %s 被外部撤销", cfg.Symbol, ord.Side, ord.OrderID)
			g.clearOrder(ord.Side)
		}
	}

	if len(filled) > 0 {
		raws := g.fetchRawFills()
		g.mu.Lock()
		for _, f := range filled {
			g.applyFillLocked(f, matchRaw(raws, f.OrderID))
		}
		err := g.persistLocked()
		g.mu.Unlock()
		if err != nil {
			// 快照失败不回滚内存,下次变更时重试
			logger.S().Errorf("[%s] 成交后快照落盘失败: %v", cfg.Symbol, err)
		}
	}

	if err := g.reconcileOrders(len(filled) > 0); err != nil {
		return err
	}

	g.refreshUnrealized()
	g.persistIfDirty()
	return nil
}

// reconcileOrders 把实际挂单向理论档位对齐。成交后两侧都向新基准改挂;
// 平时只补挂缺失的一侧,避免对在档的订单做无谓的撤换。
func (g *Instance) reconcileOrders(moved bool) error {
	cfg := g.cfg

	g.mu.RLock()
	basis := g.fillBasisLocked()
	buy := g.buyOrder.Clone()
	sell := g.sellOrder.Clone()
	volume := g.volumeHintLocked(basis)
	g.mu.RUnlock()

	if basis <= 0 || volume <= 0 {
		return nil
	}

	targetBuy := basis * (1 - cfg.GridSpacing)
	targetSell := basis * (1 + cfg.GridSpacing)

	if moved {
		if buy != nil && !g.sameLevel(buy.Price, targetBuy) {
			if err := g.ex.CancelOrder(cfg.Symbol, buy.OrderID); err != nil {
				return fmt.Errorf("撤旧买单 %s 失败: %w", buy.OrderID, err)
			}
			g.clearOrder(models.Buy)
			buy = nil
		}
		if sell != nil && !g.sameLevel(sell.Price, targetSell) {
			if err := g.ex.CancelOrder(cfg.Symbol, sell.OrderID); err != nil {
				return fmt.Errorf("撤旧卖单 %s 失败: %w", sell.OrderID, err)
			}
			g.clearOrder(models.Sell)
			sell = nil
		}
	}

	if buy == nil && g.inRange(targetBuy) {
		order, err := g.ex.PlaceOrder(cfg.Symbol, models.Buy, models.OrderTypeLimit, volume, targetBuy)
		if err != nil {
			return fmt.Errorf("补挂买单失败: %w", err)
		}
		g.mu.Lock()
		g.buyOrder = order
		g.dirty = true
		g.mu.Unlock()
	}
	if sell == nil && g.inRange(targetSell) {
		order, err := g.ex.PlaceOrder(cfg.Symbol, models.Sell, models.OrderTypeLimit, volume, targetSell)
		if err != nil {
			return fmt.Errorf("补挂卖单失败: %w", err)
		}
		g.mu.Lock()
		g.sellOrder = order
		g.dirty = true
		g.mu.Unlock()
	}
	return nil
}

// refreshUnrealized 按最新价刷新浮动盈亏。浮盈是派生值,失败只记日志,
// 也不触发快照。
func (g *Instance) refreshUnrealized() {
	price, err := g.ex.GetPrice(g.cfg.Symbol)
	if err != nil || price <= 0 {
		return
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.position.Volume <= 0 {
		g.position.UnrealizedPnl = 0
		return
	}
	if g.cfg.Direction == models.Short {
		g.position.UnrealizedPnl = (g.position.EntryPrice - price) * g.position.Volume
	} else {
		g.position.UnrealizedPnl = (price - g.position.EntryPrice) * g.position.Volume
	}
}

// --- 停止 ---

// stepStopping 尽力撤掉两侧挂单,写终态快照后进入 Stopped。
// 撤单失败只记日志,不阻塞停止。
func (g *Instance) stepStopping() error {
	cfg := g.cfg

	g.mu.RLock()
	buy := g.buyOrder.Clone()
	sell := g.sellOrder.Clone()
	g.mu.RUnlock()

	for _, ord := range []*models.OrderInfo{buy, sell} {
		if ord == nil {
			continue
		}
		if err := g.ex.CancelOrder(cfg.Symbol, ord.OrderID); err != nil {
			logger.S().Warnf("[%s] 停止时撤单 %s 失败: %v", cfg.Symbol, ord.OrderID, err)
		}
	}

	g.mu.Lock()
	g.buyOrder = nil
	g.sellOrder = nil
	g.status = models.StatusStopped
	if err := g.persistLocked(); err != nil {
		logger.S().Errorf("[%s] 终态快照落盘失败: %v", cfg.Symbol, err)
	}
	g.mu.Unlock()

	logger.S().Infof("[%s] 网格已停止", cfg.Symbol)
	return nil
}

// --- 成交入账 ---

// applyFillLocked 把一笔成交入账:补全成交信息、必要时采用交易所仓位ID、
// 更新持仓与统计、追加历史并写流水。同一订单ID重复入账是空操作。
func (g *Instance) applyFillLocked(order *models.OrderInfo, raw *models.RawFill) {
	if order == nil {
		return
	}

	// 已成交的订单无论是否重复入账,都不能继续留在挂单位上
	if g.buyOrder != nil && g.buyOrder.OrderID == order.OrderID {
		g.buyOrder = nil
		g.dirty = true
	}
	if g.sellOrder != nil && g.sellOrder.OrderID == order.OrderID {
		g.sellOrder = nil
		g.dirty = true
	}
	if g.seenFills[order.OrderID] {
		return
	}

	fillPrice := order.FilledPrice
	if fillPrice == 0 {
		fillPrice = order.Price
	}
	fillTime := order.FilledTime

	if raw != nil {
		if raw.Fee != 0 {
			order.Fee = raw.Fee
		}
		if raw.Pnl != 0 {
			order.Pnl = raw.Pnl
		}
		if order.ExchangePositionID == "" {
			order.ExchangePositionID = raw.PosID
		}
		if fillPrice == 0 && raw.AvgPrice > 0 {
			fillPrice = raw.AvgPrice
		}
		if fillTime == 0 {
			fillTime = raw.Timestamp
		}
	}
	if fillTime == 0 {
		fillTime = time.Now().UnixMilli()
	}

	order.Status = models.OrderFilled
	order.FilledPrice = fillPrice
	order.FilledTime = fillTime

	// 交易所分配的仓位ID一旦出现,就取代本地ID成为持久化主键
	if pid := order.ExchangePositionID; pid != "" && pid != g.positionID && persistence.IsLocalID(g.positionID) {
		g.adoptPositionIDLocked(pid)
	}

	g.updatePositionLocked(order, fillPrice)

	g.seenFills[order.OrderID] = true
	g.history = append(g.history, *order)
	g.statistics = stats.Compute(g.history)
	if fillTime > g.lastFilled {
		g.lastFilled = fillTime
	}

	g.writeLedgerLocked(order, raw)
	g.dirty = true
	metrics.RecordFill(g.cfg.Symbol, string(order.Side))

	logger.S().Infof("[%s] 成交入账: %s %.6f @ %.4f, 持仓 %.6f, 已实现盈亏 %.4f",
		g.cfg.Symbol, order.Side, order.Volume, fillPrice, g.position.Volume, g.statistics.RealizedPnl)
}

// updatePositionLocked 按成交更新持仓。做多网格买入加仓、卖出减仓,
// 做空网格镜像。持仓量永不为负,归零时重置均价。
func (g *Instance) updatePositionLocked(order *models.OrderInfo, fillPrice float64) {
	increase := order.Side == g.cfg.EntrySide()
	pos := &g.position

	if increase {
		newVolume := pos.Volume + order.Volume
		if newVolume > 0 {
			pos.EntryPrice = (pos.EntryPrice*pos.Volume + fillPrice*order.Volume) / newVolume
		}
		pos.Volume = newVolume
		return
	}

	reduced := order.Volume
	if reduced > pos.Volume {
		logger.S().Warnf("[%s] 平仓量 %.6f 超过持仓 %.6f, 按持仓截断",
			g.cfg.Symbol, reduced, pos.Volume)
		reduced = pos.Volume
	}
	pos.Volume -= reduced
	if pos.Volume <= 1e-9 {
		pos.Volume = 0
		pos.EntryPrice = 0
		pos.UnrealizedPnl = 0
	}
}

// adoptPositionIDLocked 切换持久化主键到交易所仓位ID:流水改名,
// 旧快照在新快照落盘成功后删除,旧ID保留到 Remove 清理。
func (g *Instance) adoptPositionIDLocked(newID string) {
	old := g.positionID
	g.positionID = newID
	g.position.PositionID = newID
	g.stalePIDs = append(g.stalePIDs, old)
	g.obsolete = append(g.obsolete, old)

	if err := g.repo.RenameLedger(old, newID); err != nil {
		logger.S().Warnf("[%s] 流水迁移 %s -> %s 失败: %v", g.cfg.Symbol, old, newID, err)
	}
	g.dirty = true
	logger.S().Infof("[%s] 采用交易所仓位ID %s (原 %s)", g.cfg.Symbol, newID, old)
}

// writeLedgerLocked 写一行成交流水。仓位ID按 当前持仓ID -> 原始成交posId
// 的顺序解析,都拿不到时放弃该行,统计仍保留在内存里。
func (g *Instance) writeLedgerLocked(order *models.OrderInfo, raw *models.RawFill) {
	posID := g.position.PositionID
	if posID == "" && raw != nil {
		posID = raw.PosID
	}
	if posID == "" {
		logger.S().Warnf("[%s] 无法确定仓位ID, 流水行跳过 (订单 %s)", g.cfg.Symbol, order.OrderID)
		return
	}

	row := models.RawFill{
		OrderID:   order.OrderID,
		Symbol:    g.cfg.Symbol,
		Side:      order.Side,
		Price:     order.FilledPrice,
		Volume:    order.Volume,
		Pnl:       order.Pnl,
		Fee:       order.Fee,
		Timestamp: order.FilledTime,
		Status:    string(models.OrderFilled),
		PosID:     posID,
		AvgPrice:  order.FilledPrice,
	}
	if raw != nil {
		row.OpenType = raw.OpenType
		if raw.AvgPrice > 0 {
			row.AvgPrice = raw.AvgPrice
		}
	}
	if row.OpenType == "" {
		if order.Side == g.cfg.EntrySide() {
			row.OpenType = "open"
		} else {
			row.OpenType = "close"
		}
	}

	if err := g.repo.AppendFill(g.positionID, &row); err != nil {
		logger.S().Errorf("[%s] 流水写入失败 (订单 %s): %v", g.cfg.Symbol, order.OrderID, err)
	}
}

// fetchRawFills 向交易所拉取增量成交明细补全费用与盈亏。失败不阻塞成交
// 入账,只是这笔成交的费用字段留空。
func (g *Instance) fetchRawFills() []models.RawFill {
	g.mu.RLock()
	since := g.lastFilled
	g.mu.RUnlock()

	fills, err := g.ex.GetFillHistory(g.cfg.Symbol, since)
	if err != nil {
		logger.S().Warnf("[%s] 拉取成交明细失败, 本轮以订单回报为准: %v", g.cfg.Symbol, err)
		return nil
	}
	return fills
}

// --- 持久化 ---

// persistLocked 写穿快照。成功后再清理被取代的旧快照文件,避免磁盘上
// 出现没有任何快照的窗口。
func (g *Instance) persistLocked() error {
	g.savedAt = time.Now().UnixMilli()
	if err := g.repo.SaveSnapshot(g.snapshotLocked()); err != nil {
		return err
	}
	g.dirty = false

	for _, pid := range g.obsolete {
		if err := g.repo.DeleteSnapshot(pid); err != nil {
			logger.S().Warnf("[%s] 清理旧快照 %s 失败: %v", g.cfg.Symbol, pid, err)
		}
	}
	g.obsolete = nil
	return nil
}

func (g *Instance) persistIfDirty() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.dirty {
		return
	}
	if err := g.persistLocked(); err != nil {
		logger.S().Errorf("[%s] 快照落盘失败, 内存状态保持权威, 下次变更重试: %v", g.cfg.Symbol, err)
	}
}

// PersistNow 立即写一次快照,注册新实例时用。
func (g *Instance) PersistNow() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.persistLocked()
}

func (g *Instance) snapshotLocked() *models.InstanceState {
	return &models.InstanceState{
		PositionID:     g.positionID,
		Config:         g.cfg,
		BuyOrder:       g.buyOrder.Clone(),
		SellOrder:      g.sellOrder.Clone(),
		Position:       g.position,
		Statistics:     g.statistics,
		Status:         g.status,
		LastFilledTime: g.lastFilled,
		SavedAt:        g.savedAt,
	}
}

// --- 辅助 ---

func (g *Instance) inRange(price float64) bool {
	return price >= g.cfg.MinPrice && price <= g.cfg.MaxPrice
}

// sameLevel 判断两个价格是否落在同一网格档位,容差取半格,
// 吸收交易所的价格步长取整。
func (g *Instance) sameLevel(a, b float64) bool {
	return math.Abs(a-b) < math.Max(a, b)*g.cfg.GridSpacing*0.5
}

// fillBasisLocked 返回网格基准价:最近一笔成交价,其次持仓均价。
func (g *Instance) fillBasisLocked() float64 {
	if n := len(g.history); n > 0 {
		if p := g.history[n-1].FilledPrice; p > 0 {
			return p
		}
	}
	return g.position.EntryPrice
}

// volumeHintLocked 推导单格下单量,不修改状态。重启恢复的实例从挂单或
// 历史推导,实在没有依据时按投入本金现算。
func (g *Instance) volumeHintLocked(basis float64) float64 {
	if g.volume > 0 {
		return g.volume
	}
	switch {
	case g.buyOrder != nil:
		return g.buyOrder.Volume
	case g.sellOrder != nil:
		return g.sellOrder.Volume
	case len(g.history) > 0:
		return g.history[0].Volume
	case basis > 0:
		return g.cfg.InvestmentAmount * float64(g.cfg.Leverage) / basis
	}
	return 0
}

func (g *Instance) clearOrder(side models.Side) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if side == models.Buy {
		g.buyOrder = nil
	} else {
		g.sellOrder = nil
	}
	g.dirty = true
}

func matchRaw(raws []models.RawFill, orderID string) *models.RawFill {
	for i := range raws {
		if raws[i].OrderID == orderID {
			return &raws[i]
		}
	}
	return nil
}

func describeOrder(o *models.OrderInfo) string {
	if o == nil {
		return "无"
	}
	return fmt.Sprintf("%s@%.4f", o.OrderID, o.Price)
}
