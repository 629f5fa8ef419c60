package signal

import (
	"fmt"

	"github.com/rustyeddy/paperbot/indicators"
	"github.com/rustyeddy/paperbot/market"
)

const (
	GoldenCross = "golden_cross"
	DeathCross  = "death_cross"
)

type CrossoverConfig struct {
	FastPeriod int    `yaml:"fast_period" json:"fast_period"`
	SlowPeriod int    `yaml:"slow_period" json:"slow_period"`
	MAKind     string `yaml:"ma_kind" json:"ma_kind"` // sma (default) or ema

	// VolumePeriod is the trailing window, excluding the crossing candle,
	// that the crossing candle's volume is compared against.
	VolumePeriod int     `yaml:"volume_period" json:"volume_period"`
	VolumeFactor float64 `yaml:"volume_factor" json:"volume_factor"`
}

func CrossoverDefaults() CrossoverConfig {
	return CrossoverConfig{
		FastPeriod:   10,
		SlowPeriod:   50,
		MAKind:       "sma",
		VolumePeriod: 20,
		VolumeFactor: 1.2,
	}
}

func (c CrossoverConfig) Validate() error {
	if c.FastPeriod < 1 || c.SlowPeriod < 1 {
		return fmt.Errorf("crossover periods must be positive")
	}
	if c.SlowPeriod <= c.FastPeriod {
		return fmt.Errorf("crossover slow_period (%d) must exceed fast_period (%d)", c.SlowPeriod, c.FastPeriod)
	}
	if c.VolumePeriod < 1 {
		return fmt.Errorf("crossover volume_period must be positive")
	}
	if c.VolumeFactor < 1 {
		return fmt.Errorf("crossover volume_factor must be >= 1")
	}
	if _, err := indicators.New(c.MAKind, 1); err != nil {
		return err
	}
	return nil
}

// Cross is what a crossover produced on one candle.
type Cross struct {
	Name       string
	Direction  Direction
	Confidence float64
}

// Crossover tracks fast/slow moving averages for one stream. Every update
// is O(1).
type Crossover struct {
	cfg    CrossoverConfig
	fast   indicators.Indicator
	slow   indicators.Indicator
	volume *indicators.SimpleMA

	lastDiff     float64
	haveLastDiff bool
}

func NewCrossover(cfg CrossoverConfig) (*Crossover, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	fast, _ := indicators.New(cfg.MAKind, cfg.FastPeriod)
	slow, _ := indicators.New(cfg.MAKind, cfg.SlowPeriod)
	return &Crossover{
		cfg:    cfg,
		fast:   fast,
		slow:   slow,
		volume: indicators.NewVolumeMA(cfg.VolumePeriod),
	}, nil
}

func (x *Crossover) Reset() {
	x.fast.Reset()
	x.slow.Reset()
	x.volume.Reset()
	x.lastDiff, x.haveLastDiff = 0, false
}

// Update consumes the next closed candle and reports a cross when one
// happened on it.
//   - Golden cross: fast - slow goes from <= 0 to > 0 with volume above
//     VolumeFactor x the trailing average. Low-volume crosses are dropped.
//   - Death cross: fast - slow goes from > 0 to <= 0; always reported.
func (x *Crossover) Update(c market.Candle) (Cross, bool) {
	volReady := x.volume.Ready()
	volAvg := x.volume.Value()
	x.volume.Update(c)

	x.fast.Update(c)
	x.slow.Update(c)
	if !x.fast.Ready() || !x.slow.Ready() {
		return Cross{}, false
	}

	diff := x.fast.Value() - x.slow.Value()
	if !x.haveLastDiff {
		x.lastDiff = diff
		x.haveLastDiff = true
		return Cross{}, false
	}

	up := x.lastDiff <= 0 && diff > 0
	down := x.lastDiff > 0 && diff <= 0
	x.lastDiff = diff

	switch {
	case up:
		if !volReady || volAvg <= 0 || c.Volume <= x.cfg.VolumeFactor*volAvg {
			return Cross{}, false
		}
		ratio := c.Volume / volAvg
		return Cross{
			Name:       GoldenCross,
			Direction:  Long,
			Confidence: clamp01(ratio / (2 * x.cfg.VolumeFactor)),
		}, true
	case down:
		return Cross{Name: DeathCross, Direction: Flat, Confidence: 1}, true
	}
	return Cross{}, false
}
