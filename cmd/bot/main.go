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
	"github.com/rltjrdbxbqm-dev/autotradebot/internal/exchange"
	"github.com/rltjrdbxbqm-dev/autotradebot/internal/execution"
	"github.com/rltjrdbxbqm-dev/autotradebot/internal/indicator"
	"github.com/rltjrdbxbqm-dev/autotradebot/internal/market"
	"github.com/rltjrdbxbqm-dev/autotradebot/internal/metrics"
	"github.com/rltjrdbxbqm-dev/autotradebot/internal/notify"
	"github.com/rltjrdbxbqm-dev/autotradebot/internal/sched"
	"github.com/rltjrdbxbqm-dev/autotradebot/internal/signal"
	"github.com/rltjrdbxbqm-dev/autotradebot/internal/state"
	"github.com/rltjrdbxbqm-dev/autotradebot/internal/strategy"
	"github.com/rltjrdbxbqm-dev/autotradebot/internal/util"
)

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
	if cfg.App.LogFile != "" {
		fileLog, err := util.NewFileLogger(cfg.App.LogLevel, cfg.App.LogFile)
		if err != nil {
			log.Fatal().Err(err).Msg("open log file")
		}
		log = fileLog
	}
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

	specs := make(map[string]exchange.InstrumentSpec, len(cfg.Instruments))
	for _, inst := range cfg.Instruments {
		specs[inst.Symbol] = exchange.InstrumentSpec{TickSize: inst.TickSize, StepSize: inst.StepSize}
	}
	client := exchange.NewClient(exchange.ClientConfig{
		BaseURL:   cfg.Broker.BaseURL,
		APIKey:    cfg.Broker.APIKey,
		APISecret: cfg.Broker.APISecret,
		Timeout:   cfg.Broker.Timeout(),
	}, specs, log)

	var prices market.PriceSource = client
	if cfg.Broker.StreamURL != "" {
		feed := exchange.NewPriceFeed(cfg.Broker.StreamURL, cfg.Symbols(), client, log)
		go func() {
			if err := feed.Run(ctx); err != nil && ctx.Err() == nil {
				log.Error().Err(err).Msg("price feed stopped")
			}
		}()
		prices = feed
	}

	store := state.NewStore(filepath.Join(stateDir, "positions.json"), log)
	if err := store.Load(); err != nil {
		log.Fatal().Err(err).Msg("load position state")
	}
	if err := store.Initialize(cfg.Symbols()); err != nil {
		log.Fatal().Err(err).Msg("initialize position state")
	}

	longParams := make(map[string]signal.Params, len(cfg.Instruments))
	shortParams := make(map[string]signal.Params)
	for _, inst := range cfg.Instruments {
		longParams[inst.Symbol] = signalParams(inst.Stochastic)
		if inst.ShortEnabled {
			shortParams[inst.Symbol] = signalParams(inst.ShortStoch)
		}
	}
	signals := signal.NewEngine(filepath.Join(stateDir, "signals_long.json"), longParams, client, clock, log)
	signals.Load()
	var shortSignals *signal.Engine
	if len(shortParams) > 0 {
		shortSignals = signal.NewEngine(filepath.Join(stateDir, "signals_short.json"), shortParams, client, clock, log)
		shortSignals.Load()
	}

	exec := execution.NewController(client, prices, client, clock, executionConfig(cfg.Execution), log)

	var notifier market.Notifier = market.NopNotifier{}
	if tg, err := notify.NewTelegram(cfg.Telegram.Token, cfg.Telegram.ChatID, log); err != nil {
		log.Warn().Err(err).Msg("telegram unavailable, reports disabled")
	} else if tg != nil {
		notifier = tg
	}

	eng := engine.New(engine.Deps{
		Candles:      client,
		Prices:       prices,
		Account:      client,
		Positions:    client,
		Signals:      signals,
		ShortSignals: shortSignals,
		Machine:      strategy.NewMachine(store, clock, log),
		Exec:         exec,
		Clock:        clock,
		Notifier:     notifier,
		Log:          log,
	}, engine.Config{
		Allocator: allocator.Params{
			FeeSafetyMargin: cfg.Allocation.FeeSafetyMargin,
			MinOrderValue:   cfg.Allocation.MinOrderValue,
		},
		DryRun: cfg.App.DryRun,
	}, engineInstruments(cfg))

	startedAt := clock.Now()
	notifier.ReportEvent(fmt.Sprintf("%s started (dry_run=%v, instruments=%d)",
		cfg.App.Name, cfg.App.DryRun, len(cfg.Instruments)))

	scheduler := sched.New(sched.Config{
		Timeframe:  market.Timeframe(cfg.Schedule.Timeframe),
		StartDelay: time.Duration(cfg.Schedule.StartDelaySecs) * time.Second,
		RunOnStart: cfg.Schedule.RunOnStart,
	}, clock, log)

	log.Info().Int("instruments", len(cfg.Instruments)).Bool("dry_run", cfg.App.DryRun).Msg("bot started")
	err = scheduler.Run(ctx, func(cycleCtx context.Context) {
		eng.RunCycle(cycleCtx)
	})
	if err != nil && ctx.Err() == nil {
		log.Error().Err(err).Msg("scheduler stopped")
	}

	if err := store.Save(); err != nil {
		log.Error().Err(err).Msg("persist position state on shutdown")
	}
	uptime := clock.Now().Sub(startedAt).Round(time.Second)
	notifier.ReportEvent(fmt.Sprintf("%s shutting down after %s", cfg.App.Name, uptime))
	log.Info().Dur("uptime", uptime).Msg("shutdown complete")
}

func signalParams(s config.Stochastic) signal.Params {
	return signal.Params{KPeriod: s.KPeriod, KSmooth: s.KSmooth, DPeriod: s.DPeriod}
}

func executionConfig(e config.Execution) execution.Config {
	cfg := execution.DefaultConfig()
	if e.LimitOffsetTicks > 0 {
		cfg.LimitOffsetTicks = e.LimitOffsetTicks
	}
	if e.MaxRetries > 0 {
		cfg.MaxRetries = e.MaxRetries
	}
	if e.FillWaitSecs > 0 {
		cfg.FillWait = time.Duration(e.FillWaitSecs) * time.Second
	}
	if e.PollIntervalMs > 0 {
		cfg.PollInterval = time.Duration(e.PollIntervalMs) * time.Millisecond
	}
	if e.RetryDelaySecs > 0 {
		cfg.RetryDelay = time.Duration(e.RetryDelaySecs) * time.Second
	}
	return cfg
}

func maKind(s string) indicator.MAKind {
	if s == "ema" || s == "EMA" {
		return indicator.EMA
	}
	return indicator.SMA
}

func bias(s string) strategy.Bias {
	switch s {
	case "bearish":
		return strategy.BiasBearish
	case "neutral":
		return strategy.BiasNeutral
	default:
		return strategy.BiasBullish
	}
}

func exposure(s string) strategy.Exposure {
	if s == "flat" {
		return strategy.Flat
	}
	return strategy.Long
}

func engineInstruments(cfg *config.Config) []engine.Instrument {
	out := make([]engine.Instrument, 0, len(cfg.Instruments))
	for _, inst := range cfg.Instruments {
		out = append(out, engine.Instrument{
			Symbol:        inst.Symbol,
			Timeframe:     market.Timeframe(inst.Timeframe),
			MAPeriod:      inst.MAPeriod,
			MAKind:        maKind(inst.MAKind),
			ShortMAPeriod: inst.ShortMAPeriod,
			ShortMAKind:   maKind(inst.ShortMAKind),
			Strategy: strategy.Config{
				Reverse: strategy.ReverseParams{
					Enabled:        inst.Reverse.Enabled,
					ErrorThreshold: inst.Reverse.ErrorThreshold,
					HoldHours:      inst.Reverse.HoldHours,
				},
				ShortEnabled: inst.ShortEnabled,
				DefaultBias:  bias(inst.DefaultBias),
				HoldExposure: exposure(inst.HoldExposure),
			},
			Weight:   inst.Weight,
			TickSize: inst.TickSize,
			MinQty:   inst.MinQty,
		})
	}
	return out
}
