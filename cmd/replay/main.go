// Command replay runs a recorded signal stream through the full trading
// pipeline against the paper broker and prints the resulting ledger. The
// input is JSON lines, one tick per line, in the same shape the live
// websocket feed delivers:
//
//	{"signal":"BULL","price":"520.10","upper_band":"521","lower_band":"519","ts":"2026-08-28T14:30:00Z"}
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/shopspring/decimal"

	"etf-trading-bot/config"
	"etf-trading-bot/internal/broker"
	"etf-trading-bot/internal/logging"
	"etf-trading-bot/internal/pipeline"
	"etf-trading-bot/internal/risk"
	"etf-trading-bot/internal/state"
	"etf-trading-bot/internal/trader"
)

func main() {
	ticksFile := flag.String("ticks", "", "path to a JSON-lines tick recording (required)")
	stateFile := flag.String("state", "", "ledger path; default is a throwaway file")
	logLevel := flag.String("log-level", "warn", "log level during replay")
	flag.Parse()

	if *ticksFile == "" {
		fmt.Fprintln(os.Stderr, "usage: replay -ticks <file> [-state <file>] [-log-level <level>]")
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	logger := logging.New(logging.Config{Level: *logLevel, Pretty: true})

	if *stateFile == "" {
		tmp, err := os.CreateTemp("", "replay-state-*.json")
		if err != nil {
			fmt.Fprintf(os.Stderr, "temp state file: %v\n", err)
			os.Exit(1)
		}
		tmp.Close()
		os.Remove(tmp.Name())
		*stateFile = tmp.Name()
		defer os.Remove(*stateFile)
	}

	meta := state.Metadata{
		SymbolBull:  cfg.SymbolsConfig.Bull,
		SymbolBear:  cfg.SymbolsConfig.Bear,
		SymbolIndex: cfg.SymbolsConfig.Index,
	}
	store, err := state.Open(*stateFile, meta,
		decimal.NewFromFloat(cfg.TradingConfig.StartingAmount), logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "state: %v\n", err)
		os.Exit(1)
	}

	quotes := make(map[string]decimal.Decimal, len(cfg.PaperConfig.Quotes))
	for sym, px := range cfg.PaperConfig.Quotes {
		quotes[sym] = decimal.NewFromFloat(px)
	}
	client := broker.NewPaperClient(quotes, logger)
	client.SlippageBps = cfg.PaperConfig.SlippageBps
	client.DriftBps = 0 // the recording is the only price source

	stops := risk.NewEngine(risk.Config{
		SymbolBull:          cfg.SymbolsConfig.Bull,
		SymbolBear:          cfg.SymbolsConfig.Bear,
		TrailingStopPercent: cfg.RiskConfig.TrailingStopPercent,
		CooldownSeconds:     cfg.RiskConfig.CooldownSeconds,
	})

	tr := trader.New(trader.Config{
		SymbolBull:  cfg.SymbolsConfig.Bull,
		SymbolBear:  cfg.SymbolsConfig.Bear,
		SymbolIndex: cfg.SymbolsConfig.Index,
		TradeBear:   cfg.TradingConfig.TradeBear,

		PricingMode:              cfg.ExecutionConfig.PricingMode,
		MaxSlippagePercent:       cfg.ExecutionConfig.MaxSlippagePercent,
		OrphanTolerance:          cfg.ExecutionConfig.OrphanToleranceShares,
		FillPollInterval:         time.Millisecond,
		FillPollMaxIterations:    cfg.ExecutionConfig.FillPollMaxIterations,
		ChaseTimeout:             time.Duration(cfg.ExecutionConfig.ChaseTimeoutSeconds) * time.Second,
		MaxChaseDeviationPercent: cfg.ExecutionConfig.MaxChaseDeviationPercent,
		IOCRetryStepCents:        decimal.NewFromFloat(cfg.ExecutionConfig.IOCRetryStepCents),
		IOCMaxRetries:            cfg.ExecutionConfig.IOCMaxRetries,
		IOCMaxDeviationPercent:   cfg.ExecutionConfig.IOCMaxDeviationPercent,
		IOCOffsetCents:           decimal.NewFromFloat(cfg.ExecutionConfig.IOCOffsetCents),
	}, client, broker.NewSteppedIOCExecutor(client, logger), store, stops, nil, logger)

	driver := pipeline.NewDriver(pipeline.Config{
		SymbolBull:  cfg.SymbolsConfig.Bull,
		SymbolBear:  cfg.SymbolsConfig.Bear,
		SymbolIndex: cfg.SymbolsConfig.Index,
		TradeBear:   cfg.TradingConfig.TradeBear,
	}, tr, stops, store, client, logger)

	file, err := os.Open(*ticksFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open ticks: %v\n", err)
		os.Exit(1)
	}
	defer file.Close()

	ctx := context.Background()
	replayed, stopOuts := 0, 0
	lastIndexPx := quotes[cfg.SymbolsConfig.Index]

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var tick pipeline.Tick
		if err := json.Unmarshal(line, &tick); err != nil {
			fmt.Fprintf(os.Stderr, "line %d: %v\n", replayed+1, err)
			os.Exit(1)
		}

		if !tick.Price.IsZero() {
			moveQuotes(client, cfg.SymbolsConfig, lastIndexPx, tick.Price)
			lastIndexPx = tick.Price
		}

		wasStopped := store.State().IsStoppedOut
		if err := driver.Process(ctx, tick); err != nil {
			fmt.Fprintf(os.Stderr, "tick %d (%s): %v\n", replayed+1, tick.Signal, err)
			os.Exit(1)
		}
		if err := tr.Shutdown(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "tick %d: settle: %v\n", replayed+1, err)
			os.Exit(1)
		}
		if !wasStopped && store.State().IsStoppedOut {
			stopOuts++
		}
		replayed++
	}
	if err := scanner.Err(); err != nil {
		fmt.Fprintf(os.Stderr, "read ticks: %v\n", err)
		os.Exit(1)
	}

	printSummary(store.State(), client, replayed, stopOuts)
}

// moveQuotes advances the ETF quotes by the leveraged multiple of the
// benchmark move, so paper fills track the recording instead of staying
// pinned at the seed prices.
func moveQuotes(client *broker.PaperClient, symbols config.SymbolsConfig, prevIndex, newIndex decimal.Decimal) {
	client.SetPrice(symbols.Index, newIndex)
	if prevIndex.IsZero() {
		return
	}
	pct := newIndex.Sub(prevIndex).Div(prevIndex)
	three := decimal.NewFromInt(3)
	one := decimal.NewFromInt(1)

	scale := func(sym string, factor decimal.Decimal) {
		ctx := context.Background()
		px, err := client.GetLatestPrice(ctx, sym)
		if err != nil {
			return
		}
		client.SetPrice(sym, px.Mul(one.Add(pct.Mul(factor))))
	}
	scale(symbols.Bull, three)
	scale(symbols.Bear, three.Neg())
}

func printSummary(st *state.TradingState, client *broker.PaperClient, replayed, stopOuts int) {
	equity := st.SpendableCash()
	mark := func(symbol string, shares int64) {
		if shares <= 0 {
			return
		}
		if px, err := client.GetLatestPrice(context.Background(), symbol); err == nil {
			equity = equity.Add(px.Mul(decimal.NewFromInt(shares)))
		}
	}
	mark(st.CurrentPosition, st.CurrentShares)
	if st.Orphaned != nil {
		mark(st.Orphaned.Symbol, st.Orphaned.Shares)
	}

	ret := decimal.Zero
	if !st.StartingAmount.IsZero() {
		ret = equity.Sub(st.StartingAmount).Div(st.StartingAmount).Mul(decimal.NewFromInt(100))
	}

	fmt.Printf("replayed %d ticks (%d stop-outs)\n", replayed, stopOuts)
	fmt.Printf("  position:  %s\n", positionLabel(st))
	fmt.Printf("  cash:      %s\n", st.AvailableCash.StringFixed(2))
	fmt.Printf("  leftover:  %s\n", st.AccumulatedLeftover.StringFixed(2))
	fmt.Printf("  equity:    %s (start %s)\n", equity.StringFixed(2), st.StartingAmount.StringFixed(2))
	fmt.Printf("  return:    %s%%\n", ret.StringFixed(2))
	if st.Orphaned != nil {
		fmt.Printf("  orphaned:  %d %s\n", st.Orphaned.Shares, st.Orphaned.Symbol)
	}
	if st.IsStoppedOut {
		fmt.Printf("  latched:   %s washout at %s\n", st.StoppedOutDirection, st.WashoutLevel.StringFixed(2))
	}
}

func positionLabel(st *state.TradingState) string {
	if st.Flat() {
		return "flat"
	}
	return fmt.Sprintf("%d %s", st.CurrentShares, st.CurrentPosition)
}
