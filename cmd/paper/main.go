package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	ossignal "os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/rltjrdbxbqm-dev/autotradebot/internal/allocator"
	"github.com/rltjrdbxbqm-dev/autotradebot/internal/config"
	"github.com/rltjrdbxbqm-dev/autotradebot/internal/engine"
	"github.com/rltjrdbxbqm-dev/autotradebot/internal/execution"
	"github.com/rltjrdbxbqm-dev/autotradebot/internal/indicator"
	"github.com/rltjrdbxbqm-dev/autotradebot/internal/market"
	"github.com/rltjrdbxbqm-dev/autotradebot/internal/metrics"
	"github.com/rltjrdbxbqm-dev/autotradebot/internal/paper"
	"github.com/rltjrdbxbqm-dev/autotradebot/internal/sched"
	"github.com/rltjrdbxbqm-dev/autotradebot/internal/signal"
	"github.com/rltjrdbxbqm-dev/autotradebot/internal/state"
	"github.com/rltjrdbxbqm-dev/autotradebot/internal/strategy"
	"github.com/rltjrdbxbqm-dev/autotradebot/internal/util"
)

// Paper mode runs the full cycle pipeline against an in-process simulated
// venue: synthetic candles, a virtual margin account, and instant fills.
func main() {
	configPath := flag.String("config", "config.yaml", "path to YAML configuration")
	flag.Parse()

	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "load config:", err)
		os.Exit(1)
	}

	log := util.NewLogger(cfg.App.LogLevel)
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid config")
	}

	if cfg.App.MetricsAddr != "" {
		_ = metrics.Serve(cfg.App.MetricsAddr)
		log.Info().Str("addr", cfg.App.MetricsAddr).Msg("metrics up")
	}

	ctx, cancel := ossignal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	stateDir := cfg.App.StateDir
	if stateDir == "" {
		stateDir = "data"
	}
	clock := market.RealClock{}

	basePrices := cfg.Paper.BasePrices
	if len(basePrices) == 0 {
		basePrices = make(map[string]float64, len(cfg.Instruments))
		for _, inst := range cfg.Instruments {
			basePrices[inst.Symbol] = 100
		}
	}
	synthetic := paper.NewSynthetic(cfg.Paper.Seed, basePrices, cfg.Paper.Volatility, clock)

	startingCash := cfg.Paper.StartingCash
	if startingCash <= 0 {
		startingCash = 10000
	}
	account := paper.NewAccount(startingCash)
	broker := paper.NewBroker(account, synthetic, cfg.Paper.SlippageBps/10000, log)

	ledger := paper.NewLedger(256)
	var recorder engine.FillRecorder = ledger
	if cfg.Paper.FillsPath != "" {
		jsonl, err := paper.NewJSONLRecorder(cfg.Paper.FillsPath)
		if err != nil {
			log.Fatal().Err(err).Msg("open fills recorder")
		}
		defer jsonl.Close()
		recorder = teeRecorder{ledger, jsonl}
	}

	store := state.NewStore(filepath.Join(stateDir, "positions_paper.json"), log)
	if err := store.Load(); err != nil {
		log.Fatal().Err(err).Msg("load position state")
	}
	if err := store.Initialize(cfg.Symbols()); err != nil {
		log.Fatal().Err(err).Msg("initialize position state")
	}

	longParams := make(map[string]signal.Params, len(cfg.Instruments))
	shortParams := make(map[string]signal.Params)
	for _, inst := range cfg.Instruments {
		longParams[inst.Symbol] = signal.Params{
			KPeriod: inst.Stochastic.KPeriod, KSmooth: inst.Stochastic.KSmooth, DPeriod: inst.Stochastic.DPeriod,
		}
		if inst.ShortEnabled {
			shortParams[inst.Symbol] = signal.Params{
				KPeriod: inst.ShortStoch.KPeriod, KSmooth: inst.ShortStoch.KSmooth, DPeriod: inst.ShortStoch.DPeriod,
			}
		}
	}
	signals := signal.NewEngine(filepath.Join(stateDir, "signals_long_paper.json"), longParams, synthetic, clock, log)
	signals.Load()
	var shortSignals *signal.Engine
	if len(shortParams) > 0 {
		shortSignals = signal.NewEngine(filepath.Join(stateDir, "signals_short_paper.json"), shortParams, synthetic, clock, log)
		shortSignals.Load()
	}

	// Short waits keep simulated ladders snappy; fills are instant anyway.
	execCfg := execution.DefaultConfig()
	execCfg.FillWait = time.Second
	execCfg.PollInterval = 100 * time.Millisecond
	execCfg.RetryDelay = 100 * time.Millisecond
	exec := execution.NewController(broker, synthetic, broker, clock, execCfg, log)

	eng := engine.New(engine.Deps{
		Candles:      synthetic,
		Prices:       synthetic,
		Account:      broker,
		Positions:    broker,
		Signals:      signals,
		ShortSignals: shortSignals,
		Machine:      strategy.NewMachine(store, clock, log),
		Exec:         exec,
		Clock:        clock,
		Notifier:     market.NopNotifier{},
		Recorder:     recorder,
		Log:          log,
	}, engine.Config{
		Allocator: allocator.Params{
			FeeSafetyMargin: cfg.Allocation.FeeSafetyMargin,
			MinOrderValue:   cfg.Allocation.MinOrderValue,
		},
	}, paperInstruments(cfg))

	scheduler := sched.New(sched.Config{
		Timeframe:  market.Timeframe(cfg.Schedule.Timeframe),
		StartDelay: time.Duration(cfg.Schedule.StartDelaySecs) * time.Second,
		RunOnStart: true,
	}, clock, log)

	log.Info().Float64("starting_cash", startingCash).
		Int("instruments", len(cfg.Instruments)).Msg("paper engine started")
	_ = scheduler.Run(ctx, func(cycleCtx context.Context) {
		eng.RunCycle(cycleCtx)
		snap := account.Snapshot(nil)
		log.Info().Float64("cash", snap.Cash).Float64("realized_pnl", snap.RealizedPnL).
			Int("fills", len(ledger.Snapshot())).Msg("paper account")
	})

	if err := store.Save(); err != nil {
		log.Error().Err(err).Msg("persist position state on shutdown")
	}
	log.Info().Float64("realized_pnl", account.RealizedPnL()).Msg("shutdown complete")
}

// teeRecorder fans fill reports out to the in-memory ledger and the JSONL
// file.
type teeRecorder struct {
	ledger *paper.Ledger
	jsonl  *paper.JSONLRecorder
}

func (t teeRecorder) Record(rep execution.FillReport) {
	t.ledger.Record(rep)
	t.jsonl.Record(rep)
}

func maKind(s string) indicator.MAKind {
	if s == "ema" || s == "EMA" {
		return indicator.EMA
	}
	return indicator.SMA
}

func paperInstruments(cfg *config.Config) []engine.Instrument {
	out := make([]engine.Instrument, 0, len(cfg.Instruments))
	for _, inst := range cfg.Instruments {
		strat := strategy.Config{
			Reverse: strategy.ReverseParams{
				Enabled:        inst.Reverse.Enabled,
				ErrorThreshold: inst.Reverse.ErrorThreshold,
				HoldHours:      inst.Reverse.HoldHours,
			},
			ShortEnabled: inst.ShortEnabled,
			DefaultBias:  strategy.BiasBullish,
			HoldExposure: strategy.Long,
		}
		if inst.DefaultBias == "bearish" {
			strat.DefaultBias = strategy.BiasBearish
		} else if inst.DefaultBias == "neutral" {
			strat.DefaultBias = strategy.BiasNeutral
		}
		if inst.HoldExposure == "flat" {
			strat.HoldExposure = strategy.Flat
		}
		out = append(out, engine.Instrument{
			Symbol:        inst.Symbol,
			Timeframe:     market.Timeframe(inst.Timeframe),
			MAPeriod:      inst.MAPeriod,
			MAKind:        maKind(inst.MAKind),
			ShortMAPeriod: inst.ShortMAPeriod,
			ShortMAKind:   maKind(inst.ShortMAKind),
			Strategy:      strat,
			Weight:        inst.Weight,
			TickSize:      inst.TickSize,
			MinQty:        inst.MinQty,
		})
	}
	return out
}
