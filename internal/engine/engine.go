package engine

import (
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"msx-grid-bot-go/internal/exchange"
	"msx-grid-bot-go/internal/grid"
	"msx-grid-bot-go/internal/logger"
	"msx-grid-bot-go/internal/metrics"
	"msx-grid-bot-go/internal/models"
	"msx-grid-bot-go/internal/persistence"
	"msx-grid-bot-go/internal/stats"
)

// Engine 管理全部网格实例:注册表保证每个标的至多一个实例,调度循环
// 以固定周期逐个推进。控制面方法可以并发调用。
type Engine struct {
	mu        sync.RWMutex
	instances map[string]*grid.Instance

	// tickMu 保证任意时刻只有一轮调度在执行,停机时的主动 Tick
	// 不会与调度循环交叠
	tickMu sync.Mutex

	ex       exchange.Exchange
	repo     persistence.Repository
	meta     *persistence.MetaStore
	interval time.Duration

	stopCh   chan struct{}
	stopOnce sync.Once
}

// New 创建调度引擎。stepInterval 是推进周期。
func New(ex exchange.Exchange, repo persistence.Repository, meta *persistence.MetaStore, stepInterval time.Duration) *Engine {
	return &Engine{
		instances: make(map[string]*grid.Instance),
		ex:        ex,
		repo:      repo,
		meta:      meta,
		interval:  stepInterval,
		stopCh:    make(chan struct{}),
	}
}

// LoadInstances 从持久化目录恢复全部实例并注册,返回恢复的数量。
// 只在启动时、调度开始前调用。
func (e *Engine) LoadInstances() (int, error) {
	loaded, err := e.repo.LoadAll()
	if err != nil {
		return 0, fmt.Errorf("加载实例快照失败: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for _, li := range loaded {
		inst := grid.Restore(li, e.ex, e.repo)
		e.instances[inst.Symbol()] = inst
		logger.S().Infof("[%s] 从快照恢复实例: 状态 %s, 仓位 %s, 历史成交 %d 笔",
			inst.Symbol(), li.State.Status, li.State.PositionID, len(li.History))
	}
	return len(loaded), nil
}

// Start 校验配置并注册一个新实例。同一标的已存在实例时拒绝,
// 无论旧实例处于什么状态。注册成功立即落一份初始快照。
func (e *Engine) Start(cfg models.GridConfig) (models.InstanceSummary, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return models.InstanceSummary{}, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	e.mu.Lock()
	if _, ok := e.instances[cfg.Symbol]; ok {
		e.mu.Unlock()
		return models.InstanceSummary{}, fmt.Errorf("%w: %s", ErrDuplicateSymbol, cfg.Symbol)
	}
	pid, err := e.meta.NextPositionID()
	if err != nil {
		e.mu.Unlock()
		return models.InstanceSummary{}, fmt.Errorf("分配仓位ID失败: %w", err)
	}
	inst := grid.New(cfg, pid, e.ex, e.repo)
	e.instances[cfg.Symbol] = inst
	e.mu.Unlock()

	// 注册即落初始快照,进程崩溃也不会丢掉这个实例
	if err := inst.PersistNow(); err != nil {
		logger.S().Errorf("[%s] 初始快照落盘失败: %v", cfg.Symbol, err)
	}
	e.publishInstanceCounts()
	logger.S().Infof("[%s] 新建网格实例: 仓位 %s, 方向 %s, 区间 [%.4f, %.4f], 间距 %.4f, 投入 %.2f x%d",
		cfg.Symbol, pid, cfg.Direction, cfg.MinPrice, cfg.MaxPrice, cfg.GridSpacing,
		cfg.InvestmentAmount, cfg.Leverage)
	return inst.Summary(), nil
}

// Stop 给单个实例设置停止意图,撤单与终态落盘在它的下一次调度里完成。
func (e *Engine) Stop(symbol string) error {
	e.mu.RLock()
	inst, ok := e.instances[symbol]
	e.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, symbol)
	}
	inst.RequestStop()
	logger.S().Infof("[%s] 已请求停止", symbol)
	return nil
}

// StopAll 给所有实例设置停止意图。
func (e *Engine) StopAll() {
	for _, inst := range e.snapshotInstances() {
		inst.RequestStop()
	}
	logger.S().Info("已请求停止全部实例")
}

// Status 返回单个实例的一致性视图。
func (e *Engine) Status(symbol string) (models.InstanceSummary, error) {
	e.mu.RLock()
	inst, ok := e.instances[symbol]
	e.mu.RUnlock()
	if !ok {
		return models.InstanceSummary{}, fmt.Errorf("%w: %s", ErrNotFound, symbol)
	}
	return inst.Summary(), nil
}

// StatusAll 返回全部实例按标的排序的视图及聚合统计。聚合基于本次
// 采集到的时点快照,调用之间实例继续推进。
func (e *Engine) StatusAll() ([]models.InstanceSummary, models.AggregateSummary) {
	insts := e.snapshotInstances()
	summaries := make([]models.InstanceSummary, 0, len(insts))
	for _, inst := range insts {
		summaries = append(summaries, inst.Summary())
	}
	return summaries, stats.Aggregate(summaries)
}

// Remove 注销一个已停止的实例并删除它的快照与流水文件。
// 未停止的实例拒绝移除。
func (e *Engine) Remove(symbol string) error {
	e.mu.Lock()
	inst, ok := e.instances[symbol]
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, symbol)
	}
	if st := inst.Status(); st != models.StatusStopped {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s (%s)", ErrNotStopped, symbol, st)
	}
	delete(e.instances, symbol)
	e.mu.Unlock()

	if err := e.repo.DeleteInstance(inst.PositionIDs()); err != nil {
		logger.S().Warnf("[%s] 清理持久化文件失败: %v", symbol, err)
	}
	e.publishInstanceCounts()
	logger.S().Infof("[%s] 实例已移除", symbol)
	return nil
}

// Run 启动调度循环,阻塞到 Close 被调用。
func (e *Engine) Run() {
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()
	logger.S().Infof("调度器启动, 周期 %v", e.interval)
	for {
		select {
		case <-e.stopCh:
			logger.S().Info("调度器退出")
			return
		case <-ticker.C:
			e.Tick()
		}
	}
}

// Close 终止调度循环。不触发实例停止,需要清仓停机用 Shutdown。
func (e *Engine) Close() {
	e.stopOnce.Do(func() { close(e.stopCh) })
}

// Tick 按标的顺序推进一轮所有未停止的实例。单个实例的错误或 panic
// 被就地捕获,不影响同一轮里的其他实例。
func (e *Engine) Tick() {
	e.tickMu.Lock()
	defer e.tickMu.Unlock()

	for _, inst := range e.snapshotInstances() {
		if inst.Status() == models.StatusStopped {
			continue
		}
		// 股票类标的只在交易时段内推进;查询失败按闭市处理
		if inst.AssetType() == models.AssetStock {
			open, err := e.ex.IsTradingHours(inst.Symbol())
			if err != nil {
				logger.S().Warnf("[%s] 查询交易时段失败, 本轮跳过: %v", inst.Symbol(), err)
				continue
			}
			if !open {
				continue
			}
		}
		e.stepInstance(inst)
	}
	e.publishInstanceCounts()
}

func (e *Engine) stepInstance(inst *grid.Instance) {
	symbol := inst.Symbol()
	defer func() {
		if r := recover(); r != nil {
			inst.RecordFailure()
			metrics.RecordStepError(symbol)
			logger.S().Errorf("[%s] Step panic: %v\n%s", symbol, r, debug.Stack())
		}
	}()

	metrics.RecordStep(symbol)
	if err := inst.Step(); err != nil {
		inst.RecordFailure()
		metrics.RecordStepError(symbol)
		logger.S().Warnf("[%s] Step 失败 (连续 %d 次): %v", symbol, inst.FailCount(), err)
		return
	}
	inst.ResetFailures()
}

// Shutdown 请求全部实例停止,并主动推进调度直到全部 Stopped 或超时。
func (e *Engine) Shutdown(timeout time.Duration) {
	e.Close()
	e.StopAll()

	deadline := time.Now().Add(timeout)
	for {
		e.Tick()
		remaining := e.activeCount()
		if remaining == 0 {
			logger.S().Info("全部实例已停止")
			return
		}
		if time.Now().After(deadline) {
			logger.S().Warnf("停机超时, 仍有 %d 个实例未停止", remaining)
			return
		}
		time.Sleep(200 * time.Millisecond)
	}
}

func (e *Engine) activeCount() int {
	n := 0
	for _, inst := range e.snapshotInstances() {
		if inst.Status() != models.StatusStopped {
			n++
		}
	}
	return n
}

// snapshotInstances 返回当前注册表的时点副本,按标的排序保证调度顺序
// 可复现。
func (e *Engine) snapshotInstances() []*grid.Instance {
	e.mu.RLock()
	defer e.mu.RUnlock()
	insts := make([]*grid.Instance, 0, len(e.instances))
	for _, inst := range e.instances {
		insts = append(insts, inst)
	}
	sort.Slice(insts, func(i, j int) bool { return insts[i].Symbol() < insts[j].Symbol() })
	return insts
}

func (e *Engine) publishInstanceCounts() {
	counts := make(map[string]int)
	for _, inst := range e.snapshotInstances() {
		counts[string(inst.Status())]++
	}
	metrics.SetInstances(counts)
}
