package main

import (
	"encoding/csv"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"msx-grid-bot-go/internal/config"
	"msx-grid-bot-go/internal/downloader"
	"msx-grid-bot-go/internal/engine"
	"msx-grid-bot-go/internal/exchange"
	"msx-grid-bot-go/internal/logger"
	"msx-grid-bot-go/internal/models"
	"msx-grid-bot-go/internal/persistence"
	"msx-grid-bot-go/internal/reporter"
)

const shutdownTimeout = 30 * time.Second

// extractSymbolFromPath 从数据文件路径中提取交易对名称
// 例如: "data/BNBUSDT-2025-03-15-2025-06-15.csv" -> "BNBUSDT"
func extractSymbolFromPath(path string) string {
	name := strings.TrimSuffix(path, ".csv")
	parts := strings.Split(name, "/")
	fileName := parts[len(parts)-1]

	symbolParts := strings.Split(fileName, "-")
	if len(symbolParts) > 0 {
		return symbolParts[0]
	}
	return ""
}

func main() {
	configPath := flag.String("config", "config.yaml", "path to the config file")
	mode := flag.String("mode", "live", "running mode: live or backtest")
	dataPath := flag.String("data", "", "path to historical data file for backtesting")
	symbol := flag.String("symbol", "", "symbol to backtest (e.g., BNBUSDT)")
	startDate := flag.String("start", "", "start date for backtesting (YYYY-MM-DD)")
	endDate := flag.String("end", "", "end date for backtesting (YYYY-MM-DD)")
	flag.Parse()

	// 先用默认配置起一个临时logger,加载.env和配置文件时就有日志可用
	logger.InitLogger(models.LogConfig{Level: "info", Output: "console"})

	if err := godotenv.Load(); err != nil {
		logger.S().Info("未找到 .env 文件，将从系统环境变量中读取。")
	} else {
		logger.S().Info("成功从 .env 文件加载配置。")
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		logger.S().Fatalf("无法加载配置文件: %v", err)
	}

	// 用配置文件里的日志设置重新初始化
	logger.InitLogger(cfg.Log)
	defer logger.S().Sync()

	switch *mode {
	case "live":
		runLiveMode(cfg)
	case "backtest":
		finalDataPath, err := handleBacktestMode(*symbol, *startDate, *endDate, *dataPath)
		if err != nil {
			logger.S().Fatal(err)
		}
		runBacktestMode(cfg, finalDataPath)
	default:
		logger.S().Fatalf("未知的运行模式: %s。请选择 'live' 或 'backtest'。", *mode)
	}
}

// handleBacktestMode 处理回测模式的启动逻辑,包括数据下载。
// 成功后返回数据文件路径,失败则返回错误。
func handleBacktestMode(symbol, startDate, endDate, dataPath string) (string, error) {
	shouldDownload := symbol != "" && startDate != "" && endDate != ""

	if shouldDownload {
		startTime, err1 := time.Parse("2006-01-02", startDate)
		endTime, err2 := time.Parse("2006-01-02", endDate)
		if err1 != nil || err2 != nil {
			return "", fmt.Errorf("日期格式错误，请使用 YYYY-MM-DD 格式。start: %v, end: %v", err1, err2)
		}

		d := downloader.NewKlineDownloader()
		fileName := fmt.Sprintf("data/%s-%s-%s.csv", symbol, startDate, endDate)
		if err := d.DownloadKlines(symbol, fileName, startTime, endTime); err != nil {
			return "", fmt.Errorf("下载数据失败: %v", err)
		}
		return fileName, nil
	}

	if dataPath == "" {
		return "", fmt.Errorf("回测模式需要通过 --data 或 --symbol/start/end 参数指定数据源")
	}
	return dataPath, nil
}

// newLiveExchange 按配置实例化交易所适配器。sim 只存在于回测,实时模式拒绝。
func newLiveExchange(cfg models.ExchangeConfig) (exchange.Exchange, error) {
	switch cfg.Name {
	case "msx":
		if cfg.APIKey == "" || cfg.SecretKey == "" {
			return nil, fmt.Errorf("MSX_API_KEY 和 MSX_SECRET_KEY 环境变量必须被设置")
		}
		return exchange.NewMsxExchange(cfg)
	case "binance":
		if cfg.APIKey == "" || cfg.SecretKey == "" {
			return nil, fmt.Errorf("BINANCE_API_KEY 和 BINANCE_SECRET_KEY 环境变量必须被设置")
		}
		return exchange.NewBinanceExchange(cfg), nil
	case "sim":
		return nil, fmt.Errorf("sim 交易所只能用于回测模式")
	default:
		return nil, fmt.Errorf("未知的交易所: %s", cfg.Name)
	}
}

// runLiveMode 运行实时交易模式
func runLiveMode(cfg *models.AppConfig) {
	logger.S().Info("--- 启动实时交易模式 ---")

	ex, err := newLiveExchange(cfg.Exchange)
	if err != nil {
		logger.S().Fatalf("初始化交易所失败: %v", err)
	}
	defer func() {
		if c, ok := ex.(interface{ Close() }); ok {
			c.Close()
		}
	}()

	repo, err := persistence.NewFileRepository(cfg.DataDir)
	if err != nil {
		logger.S().Fatalf("初始化状态目录失败: %v", err)
	}
	defer repo.Close()

	meta, err := persistence.NewMetaStore(filepath.Join(cfg.DataDir, "meta"))
	if err != nil {
		logger.S().Fatalf("初始化元数据存储失败: %v", err)
	}
	defer meta.Close()

	eng := engine.New(ex, repo, meta, time.Duration(cfg.StepIntervalSec)*time.Second)

	n, err := eng.LoadInstances()
	if err != nil {
		logger.S().Fatalf("恢复实例失败: %v", err)
	}
	logger.S().Infof("从 %s 恢复了 %d 个实例", cfg.DataDir, n)

	// 配置里声明的网格自动启动,已存在的标的跳过
	for _, gc := range cfg.Grids {
		if _, err := eng.Start(gc); err != nil {
			if errors.Is(err, engine.ErrDuplicateSymbol) {
				logger.S().Infof("[%s] 已有实例, 跳过自动启动", gc.Symbol)
				continue
			}
			logger.S().Errorf("[%s] 自动启动失败: %v", gc.Symbol, err)
		}
	}

	if cfg.MetricsAddr != "" {
		go serveMetrics(cfg.MetricsAddr)
	}

	go eng.Run()
	stopReport := startStatusReporter(eng, time.Duration(cfg.ReportIntervalSec)*time.Second)

	// 等待中断信号以实现优雅退出
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.S().Info("收到退出信号, 开始优雅停机...")
	stopReport()
	eng.Shutdown(shutdownTimeout)
	logger.S().Info("机器人已成功停止，状态已保存。")
}

// startStatusReporter 周期性打印全部实例的状态表,返回停止函数。
func startStatusReporter(eng *engine.Engine, interval time.Duration) func() {
	if interval <= 0 {
		return func() {}
	}
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				summaries, agg := eng.StatusAll()
				if len(summaries) == 0 {
					continue
				}
				reporter.PrintStatusTable(summaries, agg)
			}
		}
	}()
	var once sync.Once
	return func() { once.Do(func() { close(done) }) }
}

func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	logger.S().Infof("指标服务监听 %s", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.S().Errorf("指标服务退出: %v", err)
	}
}

// runBacktestMode 运行回测模式
func runBacktestMode(cfg *models.AppConfig, dataPath string) {
	logger.S().Info("--- 启动回测模式 ---")

	// 从数据路径中提取 symbol,网格参数取配置里的第一条
	backtestSymbol := extractSymbolFromPath(dataPath)
	if backtestSymbol == "" {
		logger.S().Fatalf("无法从数据文件路径 %s 中提取交易对", dataPath)
	}
	if len(cfg.Grids) == 0 {
		logger.S().Fatal("回测模式需要在配置里至少声明一条网格")
	}
	gridCfg := cfg.Grids[0]
	gridCfg.Symbol = backtestSymbol

	file, err := os.Open(dataPath)
	if err != nil {
		logger.S().Fatalf("无法打开历史数据文件: %v", err)
	}
	defer file.Close()

	records, err := csv.NewReader(file).ReadAll()
	if err != nil {
		logger.S().Fatalf("无法读取所有CSV记录: %v", err)
	}
	if len(records) <= 1 { // 至少需要表头和一行数据
		logger.S().Fatal("历史数据文件为空或只有表头。")
	}
	records = records[1:]

	startTimeMs, _ := strconv.ParseInt(records[0][0], 10, 64)
	endTimeMs, _ := strconv.ParseInt(records[len(records)-1][0], 10, 64)
	startTime := time.UnixMilli(startTimeMs)
	endTime := time.UnixMilli(endTimeMs)

	// 回测的持久化落在临时目录,跑完即弃
	workDir, err := os.MkdirTemp("", "msx-grid-backtest-")
	if err != nil {
		logger.S().Fatalf("创建回测工作目录失败: %v", err)
	}
	defer os.RemoveAll(workDir)

	repo, err := persistence.NewFileRepository(filepath.Join(workDir, "state"))
	if err != nil {
		logger.S().Fatalf("初始化回测状态目录失败: %v", err)
	}
	meta, err := persistence.NewMetaStore(filepath.Join(workDir, "meta"))
	if err != nil {
		logger.S().Fatalf("初始化回测元数据存储失败: %v", err)
	}
	defer meta.Close()

	sim := exchange.NewSimExchange(cfg.Backtest)
	eng := engine.New(sim, repo, meta, time.Second)

	// 用第一根K线初始化行情,实例启动时才能拿到价格
	initial := records[0]
	initialTs, errT := strconv.ParseInt(initial[0], 10, 64)
	initialOpen, errO := strconv.ParseFloat(initial[1], 64)
	initialHigh, errH := strconv.ParseFloat(initial[2], 64)
	initialLow, errL := strconv.ParseFloat(initial[3], 64)
	initialClose, errC := strconv.ParseFloat(initial[4], 64)
	if errT != nil || errO != nil || errH != nil || errL != nil || errC != nil {
		logger.S().Fatal("无法解析初始K线数据")
	}
	sim.SetPrice(backtestSymbol, initialOpen, initialHigh, initialLow, initialClose, time.UnixMilli(initialTs))

	if _, err := eng.Start(gridCfg); err != nil {
		logger.S().Fatalf("回测实例启动失败: %v", err)
	}
	logger.S().Infof("使用初始价格 %.2f 启动回测实例。", initialClose)

	logger.S().Info("开始回测...")
	for _, record := range records {
		ts, errT := strconv.ParseInt(record[0], 10, 64)
		openPrice, errO := strconv.ParseFloat(record[1], 64)
		high, errH := strconv.ParseFloat(record[2], 64)
		low, errL := strconv.ParseFloat(record[3], 64)
		closePrice, errC := strconv.ParseFloat(record[4], 64)
		if errT != nil || errO != nil || errH != nil || errL != nil || errC != nil {
			logger.S().Warnf("无法解析K线数据，跳过此条记录: %v", record)
			continue
		}
		sim.SetPrice(backtestSymbol, openPrice, high, low, closePrice, time.UnixMilli(ts))
		eng.Tick()
	}
	logger.S().Info("回测结束。")

	// 撤掉挂单并写终态快照
	eng.StopAll()
	eng.Tick()

	summaries, agg := eng.StatusAll()
	reporter.PrintStatusTable(summaries, agg)
	reporter.PrintBacktestReport(sim, dataPath, startTime, endTime)
}
