package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/rustyeddy/paperbot/market"
	"github.com/rustyeddy/paperbot/market/guard"
	"github.com/rustyeddy/paperbot/market/replay"
	"github.com/rustyeddy/paperbot/market/synthetic"
	"github.com/rustyeddy/paperbot/readiness"
	"github.com/rustyeddy/paperbot/risk"
	"github.com/rustyeddy/paperbot/signal"
	"github.com/rustyeddy/paperbot/supervisor"
)

// Config is the complete engine configuration.
type Config struct {
	LogLevel    string            `json:"log_level" yaml:"log_level"`
	MetricsAddr string            `json:"metrics_addr" yaml:"metrics_addr"`
	Store       StoreConfig       `json:"store" yaml:"store"`
	Supervisor  supervisor.Config `json:"supervisor" yaml:"supervisor"`
	Readiness   readiness.Config  `json:"readiness" yaml:"readiness"`
	Venues      []VenueConfig     `json:"venues" yaml:"venues"`
	Accounts    []AccountConfig   `json:"accounts" yaml:"accounts"`
}

type StoreConfig struct {
	Path string `json:"path" yaml:"path"`
}

// VenueConfig is a venue plus the market data feed that serves it.
type VenueConfig struct {
	market.Venue `yaml:",inline"`
	Feed         FeedConfig `json:"feed" yaml:"feed"`
}

const (
	FeedSynthetic = "synthetic"
	FeedReplay    = "replay"
)

type FeedConfig struct {
	Kind string `json:"kind" yaml:"kind"` // synthetic or replay

	// Path is the replay CSV.
	Path string `json:"path,omitempty" yaml:"path,omitempty"`

	Seed       int64              `json:"seed,omitempty" yaml:"seed,omitempty"`
	StartPrice float64            `json:"start_price,omitempty" yaml:"start_price,omitempty"`
	Prices     map[string]float64 `json:"prices,omitempty" yaml:"prices,omitempty"`
	Volatility float64            `json:"volatility,omitempty" yaml:"volatility,omitempty"`
	// Realtime only serves candles that have closed on the wall clock.
	Realtime bool `json:"realtime,omitempty" yaml:"realtime,omitempty"`
	Batch    int  `json:"batch,omitempty" yaml:"batch,omitempty"`

	Timeout         time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	BreakerFailures int           `json:"breaker_failures,omitempty" yaml:"breaker_failures,omitempty"`
	BreakerCooldown time.Duration `json:"breaker_cooldown,omitempty" yaml:"breaker_cooldown,omitempty"`
}

// AccountConfig is one paper account: its ledger seed, risk policy and
// strategy.
type AccountConfig struct {
	ID             string  `json:"id" yaml:"id"`
	Venue          string  `json:"venue" yaml:"venue"`
	StartingEquity float64 `json:"starting_equity" yaml:"starting_equity"`
	Currency       string  `json:"currency,omitempty" yaml:"currency,omitempty"`

	risk.Policy `yaml:",inline"`

	Strategy StrategyConfig `json:"strategy" yaml:"strategy"`
}

type StrategyConfig struct {
	Symbols      []string         `json:"symbols" yaml:"symbols"`
	Timeframe    market.Timeframe `json:"timeframe" yaml:"timeframe"`
	PollInterval time.Duration    `json:"poll_interval,omitempty" yaml:"poll_interval,omitempty"`

	signal.Config `yaml:",inline"`
}

// LoadFromFile loads configuration from a file (YAML, falling back to
// JSON). Global sections are validated here; accounts are validated when
// their worker starts so one bad account does not take the others down.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := base()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		cfg = base()
		if jerr := json.Unmarshal(data, cfg); jerr != nil {
			return nil, fmt.Errorf("parse config (tried YAML and JSON): %w", err)
		}
	}

	if err := cfg.validateGlobal(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// SaveToFile writes YAML for .yaml/.yml paths and JSON otherwise.
func (c *Config) SaveToFile(path string) error {
	var (
		data []byte
		err  error
	)
	if strings.HasSuffix(path, ".yaml") || strings.HasSuffix(path, ".yml") {
		data, err = yaml.Marshal(c)
	} else {
		data, err = json.MarshalIndent(c, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}
	return nil
}

// Validate checks the whole configuration, accounts included, and reports
// every problem it finds.
func (c *Config) Validate() error {
	errs := []error{c.validateGlobal()}
	seen := map[string]bool{}
	for _, a := range c.Accounts {
		if seen[a.ID] {
			errs = append(errs, fmt.Errorf("account %s: duplicate id", a.ID))
		}
		seen[a.ID] = true
		errs = append(errs, c.ValidateAccount(a))
	}
	return errors.Join(errs...)
}

func (c *Config) validateGlobal() error {
	if c.LogLevel != "" {
		if _, err := zerolog.ParseLevel(strings.ToLower(c.LogLevel)); err != nil {
			return fmt.Errorf("log_level: %w", err)
		}
	}
	if c.Store.Path == "" {
		return fmt.Errorf("store.path is required")
	}
	if err := c.Supervisor.Validate(); err != nil {
		return fmt.Errorf("supervisor: %w", err)
	}
	if err := c.Readiness.Validate(); err != nil {
		return fmt.Errorf("readiness: %w", err)
	}
	seen := map[string]bool{}
	for _, v := range c.Venues {
		if seen[v.ID] {
			return fmt.Errorf("venue %s: duplicate id", v.ID)
		}
		seen[v.ID] = true
		if err := v.Validate(); err != nil {
			return err
		}
		if err := v.Feed.validate(); err != nil {
			return fmt.Errorf("venue %s: %w", v.ID, err)
		}
	}
	return nil
}

func (f FeedConfig) validate() error {
	switch f.Kind {
	case FeedSynthetic:
	case FeedReplay:
		if f.Path == "" {
			return fmt.Errorf("replay feed requires a path")
		}
	default:
		return fmt.Errorf("unknown feed kind %q", f.Kind)
	}
	if f.Timeout < 0 || f.BreakerFailures < 0 || f.BreakerCooldown < 0 {
		return fmt.Errorf("feed timeout and breaker settings must not be negative")
	}
	return nil
}

// Venue looks up a venue by id.
func (c *Config) Venue(id string) (VenueConfig, bool) {
	for _, v := range c.Venues {
		if v.ID == id {
			return v, true
		}
	}
	return VenueConfig{}, false
}

// ValidateAccount fails closed: nothing in an invalid account is clamped
// or defaulted into shape.
func (c *Config) ValidateAccount(a AccountConfig) error {
	if a.ID == "" {
		return fmt.Errorf("account id is required")
	}
	v, ok := c.Venue(a.Venue)
	if !ok {
		return fmt.Errorf("account %s: unknown venue %q", a.ID, a.Venue)
	}
	if a.StartingEquity <= 0 {
		return fmt.Errorf("account %s: starting_equity must be positive", a.ID)
	}
	if err := a.Policy.Validate(); err != nil {
		return fmt.Errorf("account %s: %w", a.ID, err)
	}
	s := a.Strategy
	if len(s.Symbols) == 0 {
		return fmt.Errorf("account %s: strategy.symbols is required", a.ID)
	}
	for _, sym := range s.Symbols {
		if _, _, err := v.Params(sym); err != nil {
			return fmt.Errorf("account %s: %w", a.ID, err)
		}
	}
	if !s.Timeframe.Valid() {
		return fmt.Errorf("account %s: invalid timeframe %q", a.ID, s.Timeframe)
	}
	if s.PollInterval < 0 {
		return fmt.Errorf("account %s: poll_interval must not be negative", a.ID)
	}
	if err := s.Crossover.Validate(); err != nil {
		return fmt.Errorf("account %s: %w", a.ID, err)
	}
	return nil
}

// NewFeed builds the venue's feed behind a timeout and circuit breaker.
func (v VenueConfig) NewFeed(log zerolog.Logger) (market.Feed, error) {
	var inner market.Feed
	switch v.Feed.Kind {
	case FeedReplay:
		f, err := replay.Load(v.Feed.Path)
		if err != nil {
			return nil, fmt.Errorf("venue %s: %w", v.ID, err)
		}
		inner = f
	case FeedSynthetic:
		sc := synthetic.Config{
			Venue:      v.ID,
			Seed:       v.Feed.Seed,
			StartPrice: v.Feed.StartPrice,
			Prices:     v.Feed.Prices,
			Volatility: v.Feed.Volatility,
			Batch:      v.Feed.Batch,
		}
		if v.Feed.Realtime {
			sc.Start = time.Now().UTC().Add(-48 * time.Hour).Truncate(time.Hour)
			sc.Now = time.Now
		}
		inner = synthetic.New(sc)
	default:
		return nil, fmt.Errorf("venue %s: unknown feed kind %q", v.ID, v.Feed.Kind)
	}
	return guard.New(inner, guard.Options{
		Venue:    v.ID,
		Timeout:  v.Feed.Timeout,
		Failures: v.Feed.BreakerFailures,
		Cooldown: v.Feed.BreakerCooldown,
	}, log), nil
}

// base holds the defaults a loaded file is decoded over. Venues and
// accounts come only from the file.
func base() *Config {
	cfg := Default()
	cfg.Venues, cfg.Accounts = nil, nil
	return cfg
}

func defaultAccount(id string, profile risk.Profile, equity float64, symbols ...string) AccountConfig {
	p := risk.DefaultPolicy()
	p.Profile = profile
	return AccountConfig{
		ID:             id,
		Venue:          "paper",
		StartingEquity: equity,
		Currency:       "USD",
		Policy:         p,
		Strategy: StrategyConfig{
			Symbols:   symbols,
			Timeframe: market.M15,
			Config:    signal.Defaults(),
		},
	}
}

// Default returns a runnable configuration: one synthetic paper venue and
// one account per risk profile.
func Default() *Config {
	return &Config{
		LogLevel:    "info",
		MetricsAddr: ":9108",
		Store:       StoreConfig{Path: "paperbot.db"},
		Supervisor:  supervisor.DefaultConfig(),
		Readiness:   readiness.DefaultConfig(),
		Venues: []VenueConfig{{
			Venue: market.Venue{
				ID:           "paper",
				Name:         "Paper venue",
				AssetClasses: market.DefaultAssetClasses(),
				Symbols: map[string]market.AssetClass{
					"EUR_USD":  market.Forex,
					"GBP_USD":  market.Forex,
					"BTC-USD":  market.Crypto,
					"ETH-USD":  market.Crypto,
					"PEPE-USD": market.Speculative,
				},
			},
			Feed: FeedConfig{
				Kind:       FeedSynthetic,
				Seed:       42,
				Volatility: 0.002,
				Prices:     map[string]float64{"EUR_USD": 1.085, "GBP_USD": 1.27, "BTC-USD": 60000, "ETH-USD": 3000, "PEPE-USD": 0.00001},
			},
		}},
		Accounts: []AccountConfig{
			defaultAccount("paper-conservative", risk.Conservative, 250, "EUR_USD", "GBP_USD"),
			defaultAccount("paper-standard", risk.Standard, 1000, "BTC-USD", "ETH-USD"),
			defaultAccount("paper-aggressive", risk.Aggressive, 1000, "BTC-USD", "PEPE-USD"),
		},
	}
}
