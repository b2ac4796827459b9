package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

type Aggregator struct {
	ConfidenceFloor float64   `yaml:"confidence_floor"`
	MinMagnitudePct float64   `yaml:"min_magnitude_pct"`
	DecayFactor     float64   `yaml:"decay_factor"`
	VolTarget       float64   `yaml:"vol_target"`
	BaseWeights     []float64 `yaml:"base_weights"` // shortest -> longest timeframe
}

type Gate struct {
	MaxSpreadBps     float64 `yaml:"max_spread_bps"`
	MinLiquidityUSD  float64 `yaml:"min_liquidity_usd"`
	PressureRatioMin float64 `yaml:"pressure_ratio_min"`
}

type Risk struct {
	MaxRiskPct         float64 `yaml:"max_risk_pct"`          // hard cap, fraction of wallet
	RecoveryRiskPct    float64 `yaml:"recovery_risk_pct"`     // cap while in recovery mode
	DrawdownHardStop   float64 `yaml:"drawdown_hard_stop"`    // trading halts at/above
	DrawdownSoftLevel  float64 `yaml:"drawdown_soft_level"`   // ladder reduction begins
	DrawdownStepFactor float64 `yaml:"drawdown_step_factor"`  // size cut per 1% beyond soft level
	KellyWindow        int     `yaml:"kelly_window"`          // closed trades for p and b
	VolTarget          float64 `yaml:"vol_target"`            // target realized vol for scaling
	MinOrderUSD        float64 `yaml:"min_order_usd"`
	MaxOrderUSD        float64 `yaml:"max_order_usd"`
}

type Paper struct {
	MakerFeeRate       float64 `yaml:"maker_fee_rate"`
	TakerFeeRate       float64 `yaml:"taker_fee_rate"`
	SlippageFactor     float64 `yaml:"slippage_factor"`
	LatencyMsMin       int     `yaml:"latency_ms_min"`
	LatencyMsMax       int     `yaml:"latency_ms_max"`
	MaxBookFraction    float64 `yaml:"max_book_fraction"` // partial fills above this share of depth
	FundingIntervalHrs int     `yaml:"funding_interval_hours"`
	FundingRate        float64 `yaml:"funding_rate"`
}

type Store struct {
	SnapshotPath       string `yaml:"snapshot_path"`
	BackupDir          string `yaml:"backup_dir"`
	WriteIntervalMins  int    `yaml:"write_interval_minutes"`
	BackupRetentionHrs int    `yaml:"backup_retention_hours"`
}

type Feed struct {
	WSURLs          []string `yaml:"ws_urls"`
	RESTBaseURL     string   `yaml:"rest_base_url"`
	StaleAfterSecs  int      `yaml:"stale_after_seconds"`
	ReconnectMaxSec int      `yaml:"reconnect_max_seconds"`
	KlineRatePerSec float64  `yaml:"kline_rate_per_second"`
	KlineBurst      int      `yaml:"kline_burst"`
}

type Forecast struct {
	BaseURL      string `yaml:"base_url"`
	TimeoutMs    int    `yaml:"timeout_ms"`
	WaitBudgetMs int    `yaml:"wait_budget_ms"` // bounded wait before partial fusion
}

type Engine struct {
	CycleIntervalMs    int `yaml:"cycle_interval_ms"`
	ShutdownTimeoutSec int `yaml:"shutdown_timeout_seconds"`
}

type Root struct {
	Symbol         string     `yaml:"symbol"`
	InitialBalance float64    `yaml:"initial_balance"`
	MetricsAddr    string     `yaml:"metrics_addr"`
	LogPath        string     `yaml:"log_path"`
	Aggregator     Aggregator `yaml:"aggregator"`
	Gate           Gate       `yaml:"gate"`
	Risk           Risk       `yaml:"risk"`
	Paper          Paper      `yaml:"paper"`
	Store          Store      `yaml:"store"`
	Feed           Feed       `yaml:"feed"`
	Forecast       Forecast   `yaml:"forecast"`
	Engine         Engine     `yaml:"engine"`
}

func Load(path string) (Root, error) {
	var c Root
	b, err := os.ReadFile(path)
	if err != nil {
		return c, err
	}
	if err := yaml.Unmarshal(b, &c); err != nil {
		return c, fmt.Errorf("parse %s: %w", path, err)
	}
	applyDefaults(&c)
	return c, nil
}

// Default returns a Root with every default applied, for tests and
// fixture-less startup.
func Default() Root {
	var c Root
	applyDefaults(&c)
	return c
}

func applyDefaults(c *Root) {
	if c.Symbol == "" {
		c.Symbol = "BTCUSDT"
	}
	if c.InitialBalance == 0 {
		c.InitialBalance = 10000
	}
	if c.MetricsAddr == "" {
		c.MetricsAddr = "127.0.0.1:8090" // loopback only
	}
	if c.LogPath == "" {
		c.LogPath = "data/plasmabot.log"
	}

	if c.Aggregator.ConfidenceFloor == 0 {
		c.Aggregator.ConfidenceFloor = 0.7
	}
	if c.Aggregator.MinMagnitudePct == 0 {
		c.Aggregator.MinMagnitudePct = 0.05
	}
	if c.Aggregator.DecayFactor == 0 {
		c.Aggregator.DecayFactor = 0.95
	}
	if c.Aggregator.VolTarget == 0 {
		c.Aggregator.VolTarget = 0.02
	}
	if len(c.Aggregator.BaseWeights) == 0 {
		c.Aggregator.BaseWeights = []float64{0.10, 0.15, 0.20, 0.25, 0.15, 0.15}
	}

	if c.Gate.MaxSpreadBps == 0 {
		c.Gate.MaxSpreadBps = 10
	}
	if c.Gate.MinLiquidityUSD == 0 {
		c.Gate.MinLiquidityUSD = 50000
	}
	if c.Gate.PressureRatioMin == 0 {
		c.Gate.PressureRatioMin = 1.2
	}

	if c.Risk.MaxRiskPct == 0 {
		c.Risk.MaxRiskPct = 0.015
	}
	if c.Risk.RecoveryRiskPct == 0 {
		c.Risk.RecoveryRiskPct = 0.005
	}
	if c.Risk.DrawdownHardStop == 0 {
		c.Risk.DrawdownHardStop = 0.08
	}
	if c.Risk.DrawdownSoftLevel == 0 {
		c.Risk.DrawdownSoftLevel = 0.05
	}
	if c.Risk.DrawdownStepFactor == 0 {
		c.Risk.DrawdownStepFactor = 0.25
	}
	if c.Risk.KellyWindow == 0 {
		c.Risk.KellyWindow = 50
	}
	if c.Risk.VolTarget == 0 {
		c.Risk.VolTarget = 0.02
	}
	if c.Risk.MinOrderUSD == 0 {
		c.Risk.MinOrderUSD = 10
	}
	if c.Risk.MaxOrderUSD == 0 {
		c.Risk.MaxOrderUSD = 1000
	}

	if c.Paper.MakerFeeRate == 0 {
		c.Paper.MakerFeeRate = 0.0002
	}
	if c.Paper.TakerFeeRate == 0 {
		c.Paper.TakerFeeRate = 0.0004
	}
	if c.Paper.SlippageFactor == 0 {
		c.Paper.SlippageFactor = 0.1
	}
	if c.Paper.LatencyMsMin == 0 {
		c.Paper.LatencyMsMin = 50
	}
	if c.Paper.LatencyMsMax == 0 {
		c.Paper.LatencyMsMax = 200
	}
	if c.Paper.MaxBookFraction == 0 {
		c.Paper.MaxBookFraction = 0.25
	}
	if c.Paper.FundingIntervalHrs == 0 {
		c.Paper.FundingIntervalHrs = 8
	}
	if c.Paper.FundingRate == 0 {
		c.Paper.FundingRate = 0.0001
	}

	if c.Store.SnapshotPath == "" {
		c.Store.SnapshotPath = "data/portfolio.json"
	}
	if c.Store.BackupDir == "" {
		c.Store.BackupDir = "data/backups"
	}
	if c.Store.WriteIntervalMins == 0 {
		c.Store.WriteIntervalMins = 5
	}
	if c.Store.BackupRetentionHrs == 0 {
		c.Store.BackupRetentionHrs = 24
	}

	if len(c.Feed.WSURLs) == 0 {
		c.Feed.WSURLs = []string{
			"wss://stream.binance.com:9443/ws",
			"wss://stream.binance.com:443/ws",
		}
	}
	if c.Feed.RESTBaseURL == "" {
		c.Feed.RESTBaseURL = "https://api.binance.com"
	}
	if c.Feed.StaleAfterSecs == 0 {
		c.Feed.StaleAfterSecs = 10
	}
	if c.Feed.ReconnectMaxSec == 0 {
		c.Feed.ReconnectMaxSec = 60
	}
	if c.Feed.KlineRatePerSec == 0 {
		c.Feed.KlineRatePerSec = 2
	}
	if c.Feed.KlineBurst == 0 {
		c.Feed.KlineBurst = 2
	}

	if c.Forecast.BaseURL == "" {
		c.Forecast.BaseURL = "http://localhost:8091"
	}
	if c.Forecast.TimeoutMs == 0 {
		c.Forecast.TimeoutMs = 5000
	}
	if c.Forecast.WaitBudgetMs == 0 {
		c.Forecast.WaitBudgetMs = 2000
	}

	if c.Engine.CycleIntervalMs == 0 {
		c.Engine.CycleIntervalMs = 1000
	}
	if c.Engine.ShutdownTimeoutSec == 0 {
		c.Engine.ShutdownTimeoutSec = 10
	}
}
