// Package config exposes strongly typed application configuration structs loaded from YAML.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// App captures process-wide runtime settings.
type App struct {
	Name        string `yaml:"name"`
	Env         string `yaml:"env"`
	MetricsAddr string `yaml:"metrics_addr"`
	LogLevel    string `yaml:"log_level"`
	LogFile     string `yaml:"log_file"`
	StateDir    string `yaml:"state_dir"`
	DryRun      bool   `yaml:"dry_run"`
}

// Broker describes the venue connectivity parameters.
type Broker struct {
	BaseURL   string `yaml:"base_url"`
	StreamURL string `yaml:"stream_url"`
	APIKey    string `yaml:"api_key"`
	APISecret string `yaml:"api_secret"`
	TimeoutMs int    `yaml:"timeout_ms"`
}

// Telegram configures the cycle-report notifier. Empty token disables it.
type Telegram struct {
	Token  string `yaml:"token"`
	ChatID int64  `yaml:"chat_id"`
}

// Execution tunes the order fill ladder.
type Execution struct {
	LimitOffsetTicks int `yaml:"limit_offset_ticks"`
	MaxRetries       int `yaml:"max_retries"`
	FillWaitSecs     int `yaml:"fill_wait_secs"`
	PollIntervalMs   int `yaml:"poll_interval_ms"`
	RetryDelaySecs   int `yaml:"retry_delay_secs"`
}

// Allocation tunes the capital allocator.
type Allocation struct {
	FeeSafetyMargin float64 `yaml:"fee_safety_margin"`
	MinOrderValue   float64 `yaml:"min_order_value"`
}

// Schedule aligns cycles to candle boundaries.
type Schedule struct {
	Timeframe      string `yaml:"timeframe"`
	StartDelaySecs int    `yaml:"start_delay_secs"`
	RunOnStart     bool   `yaml:"run_on_start"`
}

// Stochastic is one slow-stochastic parameter set.
type Stochastic struct {
	KPeriod int `yaml:"k_period"`
	KSmooth int `yaml:"k_smooth"`
	DPeriod int `yaml:"d_period"`
}

// Reverse configures the contrarian hold for one instrument.
type Reverse struct {
	Enabled        bool    `yaml:"enabled"`
	ErrorThreshold float64 `yaml:"error_threshold"`
	HoldHours      float64 `yaml:"hold_hours"`
}

// Instrument is the per-symbol decision and venue parameter block.
type Instrument struct {
	Symbol        string     `yaml:"symbol"`
	Timeframe     string     `yaml:"timeframe"`
	MAPeriod      int        `yaml:"ma_period"`
	MAKind        string     `yaml:"ma_kind"`
	Stochastic    Stochastic `yaml:"stochastic"`
	Reverse       Reverse    `yaml:"reverse"`
	ShortEnabled  bool       `yaml:"short_enabled"`
	ShortMAPeriod int        `yaml:"short_ma_period"`
	ShortMAKind   string     `yaml:"short_ma_kind"`
	ShortStoch    Stochastic `yaml:"short_stochastic"`
	DefaultBias   string     `yaml:"default_bias"`
	HoldExposure  string     `yaml:"hold_exposure"`
	Weight        float64    `yaml:"weight"`
	TickSize      float64    `yaml:"tick_size"`
	StepSize      float64    `yaml:"step_size"`
	MinQty        float64    `yaml:"min_qty"`
}

// Paper captures paper-trading settings.
type Paper struct {
	StartingCash float64            `yaml:"starting_cash"`
	SlippageBps  float64            `yaml:"slippage_bps"`
	FillsPath    string             `yaml:"fills_path"`
	Seed         int64              `yaml:"seed"`
	BasePrices   map[string]float64 `yaml:"base_prices"`
	Volatility   float64            `yaml:"volatility"`
}

// Config collects every configuration leaf for easy marshaling from YAML.
type Config struct {
	App         App          `yaml:"app"`
	Broker      Broker       `yaml:"broker"`
	Telegram    Telegram     `yaml:"telegram"`
	Execution   Execution    `yaml:"execution"`
	Allocation  Allocation   `yaml:"allocation"`
	Schedule    Schedule     `yaml:"schedule"`
	Instruments []Instrument `yaml:"instruments"`
	Paper       Paper        `yaml:"paper"`
}

// Load reads a YAML file from disk and hydrates a Config struct.
func Load(path string) (*Config, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()

	var config Config
	if err := yaml.NewDecoder(file).Decode(&config); err != nil {
		return nil, fmt.Errorf("decode yaml: %w", err)
	}
	config.applyEnv()
	return &config, nil
}

// Save persists a Config struct to disk as YAML.
func Save(path string, cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("nil config")
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal yaml: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// applyEnv overrides secrets from the environment so they never need to live
// in the YAML file.
func (c *Config) applyEnv() {
	if v := os.Getenv("BROKER_API_KEY"); v != "" {
		c.Broker.APIKey = v
	}
	if v := os.Getenv("BROKER_API_SECRET"); v != "" {
		c.Broker.APISecret = v
	}
	if v := os.Getenv("TELEGRAM_TOKEN"); v != "" {
		c.Telegram.Token = v
	}
	if v := os.Getenv("TELEGRAM_CHAT_ID"); v != "" {
		if id, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.Telegram.ChatID = id
		}
	}
}

// Timeout returns the broker request timeout with a sane default.
func (b Broker) Timeout() time.Duration {
	if b.TimeoutMs <= 0 {
		return 10 * time.Second
	}
	return time.Duration(b.TimeoutMs) * time.Millisecond
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	if len(c.Instruments) == 0 {
		return fmt.Errorf("no instruments configured")
	}
	seen := make(map[string]bool, len(c.Instruments))
	for _, inst := range c.Instruments {
		if inst.Symbol == "" {
			return fmt.Errorf("instrument with empty symbol")
		}
		if seen[inst.Symbol] {
			return fmt.Errorf("duplicate instrument %s", inst.Symbol)
		}
		seen[inst.Symbol] = true
		if inst.MAPeriod <= 0 {
			return fmt.Errorf("%s: ma_period must be positive", inst.Symbol)
		}
		if inst.Weight <= 0 || inst.Weight > 100 {
			return fmt.Errorf("%s: weight %.2f outside (0,100]", inst.Symbol, inst.Weight)
		}
		if s := inst.Stochastic; s.KPeriod <= 0 || s.KSmooth <= 0 || s.DPeriod <= 0 {
			return fmt.Errorf("%s: stochastic periods must be positive", inst.Symbol)
		}
		if inst.ShortEnabled {
			if inst.ShortMAPeriod <= 0 {
				return fmt.Errorf("%s: short_ma_period must be positive when shorting", inst.Symbol)
			}
			if s := inst.ShortStoch; s.KPeriod <= 0 || s.KSmooth <= 0 || s.DPeriod <= 0 {
				return fmt.Errorf("%s: short stochastic periods must be positive", inst.Symbol)
			}
		}
		if inst.Reverse.Enabled {
			if inst.Reverse.ErrorThreshold >= 0 {
				return fmt.Errorf("%s: reverse error_threshold must be negative", inst.Symbol)
			}
			if inst.Reverse.HoldHours <= 0 {
				return fmt.Errorf("%s: reverse hold_hours must be positive", inst.Symbol)
			}
		}
		switch inst.Timeframe {
		case "", "4H", "1D":
		default:
			return fmt.Errorf("%s: unknown timeframe %q", inst.Symbol, inst.Timeframe)
		}
	}
	if c.Execution.MaxRetries < 0 {
		return fmt.Errorf("execution max_retries must not be negative")
	}
	if c.Allocation.FeeSafetyMargin < 0 || c.Allocation.FeeSafetyMargin >= 1 {
		return fmt.Errorf("fee_safety_margin %.4f outside [0,1)", c.Allocation.FeeSafetyMargin)
	}
	return nil
}

// Symbols returns the configured instrument symbols in order.
func (c *Config) Symbols() []string {
	out := make([]string, len(c.Instruments))
	for i, inst := range c.Instruments {
		out[i] = inst.Symbol
	}
	return out
}
