package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shopspring/decimal"

	"etf-trading-bot/config"
	"etf-trading-bot/internal/api"
	"etf-trading-bot/internal/broker"
	"etf-trading-bot/internal/feed"
	"etf-trading-bot/internal/journal"
	"etf-trading-bot/internal/logging"
	"etf-trading-bot/internal/pipeline"
	"etf-trading-bot/internal/risk"
	"etf-trading-bot/internal/state"
	"etf-trading-bot/internal/trader"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		bootLogger := logging.New(logging.Config{})
		bootLogger.Fatal().Err(err).Msg("failed to load configuration")
	}

	logger := logging.New(logging.Config{
		Level:  cfg.LoggingConfig.Level,
		Pretty: cfg.LoggingConfig.Pretty,
	})
	logger.Info().
		Str("bull", cfg.SymbolsConfig.Bull).
		Str("bear", cfg.SymbolsConfig.Bear).
		Str("index", cfg.SymbolsConfig.Index).
		Str("pricing_mode", cfg.ExecutionConfig.PricingMode).
		Msg("starting ETF regime trading bot")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	meta := state.Metadata{
		SymbolBull:  cfg.SymbolsConfig.Bull,
		SymbolBear:  cfg.SymbolsConfig.Bear,
		SymbolIndex: cfg.SymbolsConfig.Index,
	}
	store, err := state.Open(cfg.TradingConfig.StateFile, meta,
		decimal.NewFromFloat(cfg.TradingConfig.StartingAmount), logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open state store")
	}

	quotes := make(map[string]decimal.Decimal, len(cfg.PaperConfig.Quotes))
	for sym, px := range cfg.PaperConfig.Quotes {
		quotes[sym] = decimal.NewFromFloat(px)
	}
	client := broker.NewPaperClient(quotes, logger)
	client.SlippageBps = cfg.PaperConfig.SlippageBps
	ioc := broker.NewSteppedIOCExecutor(client, logger)

	var jrnl trader.Journal
	if cfg.DatabaseConfig.Enabled {
		j, err := journal.New(ctx, journal.Config{
			Host:     cfg.DatabaseConfig.Host,
			Port:     cfg.DatabaseConfig.Port,
			User:     cfg.DatabaseConfig.User,
			Password: cfg.DatabaseConfig.Password,
			Database: cfg.DatabaseConfig.Database,
			SSLMode:  cfg.DatabaseConfig.SSLMode,
		}, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect trade journal")
		}
		defer j.Close()
		if err := j.Migrate(ctx); err != nil {
			logger.Fatal().Err(err).Msg("failed to migrate trade journal")
		}
		jrnl = j
		logger.Info().Msg("trade journal connected")
	}

	stops := risk.NewEngine(risk.Config{
		SymbolBull:          cfg.SymbolsConfig.Bull,
		SymbolBear:          cfg.SymbolsConfig.Bear,
		TrailingStopPercent: cfg.RiskConfig.TrailingStopPercent,
		CooldownSeconds:     cfg.RiskConfig.CooldownSeconds,
	})

	tr := trader.New(trader.Config{
		SymbolBull:               cfg.SymbolsConfig.Bull,
		SymbolBear:               cfg.SymbolsConfig.Bear,
		SymbolIndex:              cfg.SymbolsConfig.Index,
		TradeBear:                cfg.TradingConfig.TradeBear,
		PricingMode:              cfg.ExecutionConfig.PricingMode,
		MaxSlippagePercent:       cfg.ExecutionConfig.MaxSlippagePercent,
		OrphanTolerance:          cfg.ExecutionConfig.OrphanToleranceShares,
		FillPollInterval:         time.Duration(cfg.ExecutionConfig.FillPollSeconds) * time.Second,
		FillPollMaxIterations:    cfg.ExecutionConfig.FillPollMaxIterations,
		ChaseTimeout:             time.Duration(cfg.ExecutionConfig.ChaseTimeoutSeconds) * time.Second,
		MaxChaseDeviationPercent: cfg.ExecutionConfig.MaxChaseDeviationPercent,
		IOCRetryStepCents:        decimal.NewFromFloat(cfg.ExecutionConfig.IOCRetryStepCents),
		IOCMaxRetries:            cfg.ExecutionConfig.IOCMaxRetries,
		IOCMaxDeviationPercent:   cfg.ExecutionConfig.IOCMaxDeviationPercent,
		IOCOffsetCents:           decimal.NewFromFloat(cfg.ExecutionConfig.IOCOffsetCents),
	}, client, ioc, store, stops, jrnl, logger)

	if err := tr.ReconcileAtStartup(ctx); err != nil {
		logger.Fatal().Err(err).Msg("startup reconciliation failed")
	}

	driver := pipeline.NewDriver(pipeline.Config{
		SymbolBull:  cfg.SymbolsConfig.Bull,
		SymbolBear:  cfg.SymbolsConfig.Bear,
		SymbolIndex: cfg.SymbolsConfig.Index,
		TradeBear:   cfg.TradingConfig.TradeBear,
		ChannelSize: cfg.FeedConfig.ChannelSize,
	}, tr, stops, store, client, logger)

	if cfg.ServerConfig.Enabled {
		server := api.NewServer(api.Config{
			Host:           cfg.ServerConfig.Host,
			Port:           cfg.ServerConfig.Port,
			AllowedOrigins: cfg.ServerConfig.AllowedOrigins,
			Debug:          cfg.ServerConfig.Debug,
		}, store, logger)
		server.Start()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := server.Stop(shutdownCtx); err != nil {
				logger.Warn().Err(err).Msg("status API shutdown failed")
			}
		}()
	}

	if cfg.FeedConfig.URL != "" {
		feedClient := feed.NewClient(cfg.FeedConfig.URL, driver, logger)
		go func() {
			if err := feedClient.Run(ctx); err != nil {
				logger.Error().Err(err).Msg("signal feed terminated")
			}
		}()
	} else {
		logger.Warn().Msg("no FEED_URL configured; ticks must arrive via the status process or tests")
	}

	err = driver.Run(ctx)
	stop()

	if errors.Is(err, trader.ErrCapitalExhausted) {
		// Deliberate hard stop: the strategy has no capital left and retrying
		// cannot fix that. The leftover cash was persisted before returning.
		logger.Error().Err(err).Msg("halting on capital exhaustion")
		os.Exit(1)
	}
	if err != nil {
		logger.Error().Err(err).Msg("pipeline terminated with error")
		os.Exit(1)
	}
	logger.Info().Msg("shutdown complete")
}
