package models

import "fmt"

// AppConfig 对应 config.yaml,包含运行网格控制台所需的全部配置参数。
type AppConfig struct {
	Exchange          ExchangeConfig `yaml:"exchange"`
	DataDir           string         `yaml:"data_dir"`            // 快照与成交流水目录
	StepIntervalSec   int            `yaml:"step_interval_sec"`   // 调度周期(秒)
	ReportIntervalSec int            `yaml:"report_interval_sec"` // 状态报表周期(秒),0 表示关闭
	MetricsAddr       string         `yaml:"metrics_addr"`        // Prometheus 监听地址,空表示关闭
	Log               LogConfig      `yaml:"log"`                 // 日志配置
	Grids             []GridConfig   `yaml:"grids"`               // 启动时自动拉起的网格
	Backtest          BacktestConfig `yaml:"backtest"`            // 回测/模拟盘参数
}

// ExchangeConfig 描述交易所接入方式。Name 可选: msx, binance, sim。
type ExchangeConfig struct {
	Name           string `yaml:"name"`
	BaseURL        string `yaml:"base_url"`
	WSBaseURL      string `yaml:"ws_base_url"`
	IsTestnet      bool   `yaml:"is_testnet"` // 是否使用测试网
	TestnetBaseURL string `yaml:"testnet_base_url"`
	TestnetWSURL   string `yaml:"testnet_ws_base_url"`

	// 凭证不进配置文件,由环境变量注入 (MSX_API_KEY / BINANCE_API_KEY ...)。
	APIKey    string `yaml:"-"`
	SecretKey string `yaml:"-"`
}

// BacktestConfig 回测引擎与模拟撮合共用的参数。
type BacktestConfig struct {
	InitialBalance float64 `yaml:"initial_balance"` // 初始资金 (USDT)
	MakerFeeRate   float64 `yaml:"maker_fee_rate"`  // 挂单手续费率
	TakerFeeRate   float64 `yaml:"taker_fee_rate"`  // 吃单手续费率
	SlippageRate   float64 `yaml:"slippage_rate"`   // 滑点率
}

// LogConfig 定义了日志相关的配置
type LogConfig struct {
	Level      string `yaml:"level" json:"level"`             // 日志级别, e.g., "debug", "info", "warn", "error"
	Output     string `yaml:"output" json:"output"`           // 输出模式: "console", "file", "both"
	File       string `yaml:"file" json:"file"`               // 日志文件路径
	MaxSize    int    `yaml:"max_size" json:"max_size"`       // 单个日志文件的最大大小 (MB)
	MaxBackups int    `yaml:"max_backups" json:"max_backups"` // 保留的旧日志文件最大数量
	MaxAge     int    `yaml:"max_age" json:"max_age"`         // 旧日志文件的最大保留天数
	Compress   bool   `yaml:"compress" json:"compress"`       // 是否压缩旧日志文件
}

// Error 定义了交易所API返回的错误信息结构
type Error struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

// Error 方法使得 Error 实现了 error 接口
func (e *Error) Error() string {
	return fmt.Sprintf("API Error: code=%d, msg=%s", e.Code, e.Msg)
}
