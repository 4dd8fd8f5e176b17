package config

import (
	"fmt"
	"os"
	"strings"

	"msx-grid-bot-go/internal/models"

	"gopkg.in/yaml.v3"
)

// LoadConfig 从指定路径加载并解析 YAML 配置文件。
// 凭证从环境变量注入,测试网开关在这里解析成最终生效的 URL。
func LoadConfig(path string) (*models.AppConfig, error) {
	file, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("无法读取配置文件 %s: %w", path, err)
	}

	cfg := defaultConfig()
	if err := yaml.Unmarshal(file, cfg); err != nil {
		return nil, fmt.Errorf("无法解析配置文件 %s: %w", path, err)
	}

	applyEnv(cfg)
	resolveURLs(cfg)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("配置校验失败: %w", err)
	}
	return cfg, nil
}

// defaultConfig 返回填好默认值的配置,Unmarshal 只覆盖文件里出现的字段。
func defaultConfig() *models.AppConfig {
	return &models.AppConfig{
		Exchange: models.ExchangeConfig{
			Name: "sim",
		},
		DataDir:           "data/grid_state",
		StepIntervalSec:   5,
		ReportIntervalSec: 60,
		Log: models.LogConfig{
			Level:      "info",
			Output:     "console",
			File:       "logs/bot.log",
			MaxSize:    100,
			MaxBackups: 5,
			MaxAge:     30,
			Compress:   true,
		},
		Backtest: models.BacktestConfig{
			InitialBalance: 10000,
			MakerFeeRate:   0.0002,
			TakerFeeRate:   0.0005,
			SlippageRate:   0.0001,
		},
	}
}

// applyEnv 按交易所名称注入 API 凭证。
func applyEnv(cfg *models.AppConfig) {
	switch strings.ToLower(cfg.Exchange.Name) {
	case "binance":
		cfg.Exchange.APIKey = os.Getenv("BINANCE_API_KEY")
		cfg.Exchange.SecretKey = os.Getenv("BINANCE_SECRET_KEY")
	default:
		cfg.Exchange.APIKey = os.Getenv("MSX_API_KEY")
		cfg.Exchange.SecretKey = os.Getenv("MSX_SECRET_KEY")
	}
}

// resolveURLs 根据测试网开关确定最终使用的 REST / WebSocket 地址。
func resolveURLs(cfg *models.AppConfig) {
	if cfg.Exchange.IsTestnet {
		if cfg.Exchange.TestnetBaseURL != "" {
			cfg.Exchange.BaseURL = cfg.Exchange.TestnetBaseURL
		}
		if cfg.Exchange.TestnetWSURL != "" {
			cfg.Exchange.WSBaseURL = cfg.Exchange.TestnetWSURL
		}
	}
}

func validate(cfg *models.AppConfig) error {
	switch strings.ToLower(cfg.Exchange.Name) {
	case "msx", "binance", "sim":
	default:
		return fmt.Errorf("不支持的交易所: %q", cfg.Exchange.Name)
	}
	if cfg.StepIntervalSec <= 0 {
		return fmt.Errorf("step_interval_sec 必须为正数: %d", cfg.StepIntervalSec)
	}
	if cfg.DataDir == "" {
		return fmt.Errorf("data_dir 不能为空")
	}
	for i := range cfg.Grids {
		cfg.Grids[i].ApplyDefaults()
		if err := cfg.Grids[i].Validate(); err != nil {
			return fmt.Errorf("grids[%d] (%s): %w", i, cfg.Grids[i].Symbol, err)
		}
	}
	return nil
}
