package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	ossignal "os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/dezvedaofficial-del/Plasmabot3.5/internal/config"
	"github.com/dezvedaofficial-del/Plasmabot3.5/internal/display"
	"github.com/dezvedaofficial-del/Plasmabot3.5/internal/engine"
	"github.com/dezvedaofficial-del/Plasmabot3.5/internal/forecast"
	"github.com/dezvedaofficial-del/Plasmabot3.5/internal/gate"
	"github.com/dezvedaofficial-del/Plasmabot3.5/internal/market"
	"github.com/dezvedaofficial-del/Plasmabot3.5/internal/observ"
	"github.com/dezvedaofficial-del/Plasmabot3.5/internal/paper"
	"github.com/dezvedaofficial-del/Plasmabot3.5/internal/risk"
	"github.com/dezvedaofficial-del/Plasmabot3.5/internal/signal"
	"github.com/dezvedaofficial-del/Plasmabot3.5/internal/store"
)

var version = "dev" // set via -ldflags

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath = flag.String("config", envOr("CONFIG_PATH", "config/config.yaml"), "path to yaml config")
		noDisplay  = flag.Bool("no-display", false, "disable the terminal dashboard")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		if !os.IsNotExist(err) {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = config.Default()
	}
	observ.SetVersion(version)

	// The dashboard owns the terminal, so event logs go to a file.
	if !*noDisplay {
		if err := os.MkdirAll(filepath.Dir(cfg.LogPath), 0o755); err != nil {
			return fmt.Errorf("create log dir: %w", err)
		}
		logFile, err := os.OpenFile(cfg.LogPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
		defer logFile.Close()
		observ.SetOutput(logFile)
	}

	observ.Log("startup", map[string]any{
		"version": version,
		"symbol":  cfg.Symbol,
		"config":  *configPath,
	})

	ctx, stop := ossignal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st := store.New(store.Config{
		SnapshotPath:    cfg.Store.SnapshotPath,
		BackupDir:       cfg.Store.BackupDir,
		BackupRetention: time.Duration(cfg.Store.BackupRetentionHrs) * time.Hour,
	})
	loaded, err := st.Load(cfg.InitialBalance)
	if err != nil {
		return fmt.Errorf("load state: %w", err)
	}
	observ.Log("state_recovered", map[string]any{
		"source":   loaded.Source,
		"degraded": loaded.Degraded,
		"wallet":   loaded.Snapshot.Portfolio.WalletBalance,
	})
	pf, rs := loaded.Snapshot.Portfolio, loaded.Snapshot.Risk

	vols := market.NewVolTracker()
	feed := market.NewFeed(market.FeedConfig{
		Symbol:          cfg.Symbol,
		WSURLs:          cfg.Feed.WSURLs,
		RESTBaseURL:     cfg.Feed.RESTBaseURL,
		StaleAfter:      time.Duration(cfg.Feed.StaleAfterSecs) * time.Second,
		ReconnectMax:    time.Duration(cfg.Feed.ReconnectMaxSec) * time.Second,
		KlineRatePerSec: cfg.Feed.KlineRatePerSec,
		KlineBurst:      cfg.Feed.KlineBurst,
	}, vols)
	if err := feed.Backfill(ctx); err != nil {
		// The windows fill from the live stream instead; sizing just runs
		// unscaled until then.
		observ.Log("backfill_failed", map[string]any{"error": err.Error()})
	}
	feed.Start(ctx)

	provider := forecast.NewHTTPProvider(cfg.Forecast.BaseURL, time.Duration(cfg.Forecast.TimeoutMs)*time.Millisecond)
	agg, err := signal.NewAggregator(signal.Config{
		ConfidenceFloor: cfg.Aggregator.ConfidenceFloor,
		MinMagnitudePct: cfg.Aggregator.MinMagnitudePct,
		DecayFactor:     cfg.Aggregator.DecayFactor,
		VolTarget:       cfg.Aggregator.VolTarget,
		BaseWeights:     cfg.Aggregator.BaseWeights,
	})
	if err != nil {
		return fmt.Errorf("aggregator config: %w", err)
	}
	g := gate.New(gate.Config{
		MaxSpreadBps:     cfg.Gate.MaxSpreadBps,
		MinLiquidityUSD:  cfg.Gate.MinLiquidityUSD,
		PressureRatioMin: cfg.Gate.PressureRatioMin,
	})
	riskCtl := risk.NewController(risk.Config{
		MaxRiskPct:         cfg.Risk.MaxRiskPct,
		RecoveryRiskPct:    cfg.Risk.RecoveryRiskPct,
		DrawdownHardStop:   cfg.Risk.DrawdownHardStop,
		DrawdownSoftLevel:  cfg.Risk.DrawdownSoftLevel,
		DrawdownStepFactor: cfg.Risk.DrawdownStepFactor,
		KellyWindow:        cfg.Risk.KellyWindow,
		VolTarget:          cfg.Risk.VolTarget,
		MinOrderUSD:        cfg.Risk.MinOrderUSD,
		MaxOrderUSD:        cfg.Risk.MaxOrderUSD,
	})
	sim := paper.NewSimulator(paper.Config{
		MakerFeeRate:    cfg.Paper.MakerFeeRate,
		TakerFeeRate:    cfg.Paper.TakerFeeRate,
		SlippageFactor:  cfg.Paper.SlippageFactor,
		LatencyMsMin:    cfg.Paper.LatencyMsMin,
		LatencyMsMax:    cfg.Paper.LatencyMsMax,
		MaxBookFraction: cfg.Paper.MaxBookFraction,
		FundingInterval: time.Duration(cfg.Paper.FundingIntervalHrs) * time.Hour,
		FundingRate:     cfg.Paper.FundingRate,
	})

	var pub engine.Publisher
	var dash *display.Dashboard
	if !*noDisplay {
		dash = display.New(os.Stdout)
		pub = dash
	}

	eng := engine.New(engine.Config{
		Symbol:           cfg.Symbol,
		CycleInterval:    time.Duration(cfg.Engine.CycleIntervalMs) * time.Millisecond,
		SnapshotInterval: time.Duration(cfg.Store.WriteIntervalMins) * time.Minute,
		ShutdownTimeout:  time.Duration(cfg.Engine.ShutdownTimeoutSec) * time.Second,
		ForecastWait:     time.Duration(cfg.Forecast.WaitBudgetMs) * time.Millisecond,
	}, feed, vols, provider, agg, g, riskCtl, sim, st, pf, rs, pub)

	mux := http.NewServeMux()
	mux.Handle("/metrics", observ.Handler())
	mux.Handle("/health", observ.Health())
	mux.Handle("/healthz", observ.HealthHandler())
	srv := &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			observ.Log("metrics_server_failed", map[string]any{"error": err.Error()})
		}
	}()
	defer srv.Close()

	if dash != nil {
		go dash.Run(ctx)
	}

	return eng.Run(ctx)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
