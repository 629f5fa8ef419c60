package signal

import (
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/rustyeddy/paperbot/market"
	"github.com/rustyeddy/paperbot/metrics"
	"github.com/rustyeddy/paperbot/pkg/id"
)

// Config selects the strategies an engine runs on every stream.
type Config struct {
	Crossover CrossoverConfig `yaml:"crossover" json:"crossover"`

	// Patterns enables candlestick pattern signals.
	Patterns             bool    `yaml:"patterns" json:"patterns"`
	MinPatternConfidence float64 `yaml:"min_pattern_confidence" json:"min_pattern_confidence"`
}

func Defaults() Config {
	return Config{
		Crossover:            CrossoverDefaults(),
		MinPatternConfidence: 0.6,
	}
}

type stream struct {
	last   market.Candle
	have   bool
	cross  *Crossover
	recent []market.Candle
}

// Engine produces signals for one account. It keeps independent state per
// (venue, symbol, timeframe) stream and is not safe for concurrent use; each
// worker owns its own engine.
type Engine struct {
	accountID string
	cfg       Config
	log       zerolog.Logger
	streams   map[string]*stream
}

func NewEngine(accountID string, cfg Config, log zerolog.Logger) (*Engine, error) {
	if err := cfg.Crossover.Validate(); err != nil {
		return nil, err
	}
	return &Engine{
		accountID: accountID,
		cfg:       cfg,
		log:       log.With().Str("account", accountID).Str("component", "signal").Logger(),
		streams:   make(map[string]*stream),
	}, nil
}

// OnCandle consumes the next closed candle of a stream.
//
// A candle that does not directly follow the previous one never produces a
// signal. Gaps reset the stream so indicators warm up again from the new
// candle; duplicates, out-of-order and malformed candles are dropped. Both
// cases return an *market.IntegrityError after logging it.
func (e *Engine) OnCandle(c market.Candle) ([]Signal, error) {
	s := e.stream(c)

	if s.have {
		if err := market.CheckSequence(s.last, c); err != nil {
			var ie *market.IntegrityError
			if errors.As(err, &ie) && ie.Kind == market.Gap {
				e.log.Warn().Err(err).Str("symbol", c.Symbol).Msg("candle gap; resetting stream")
				e.reset(s)
				s.last, s.have = c, true
				s.cross.Update(c)
				s.recent = append(s.recent, c)
				return nil, err
			}
			e.log.Warn().Err(err).Str("symbol", c.Symbol).Msg("dropping candle")
			return nil, err
		}
	} else if err := market.CheckOHLC(c); err != nil {
		e.log.Warn().Err(err).Str("symbol", c.Symbol).Msg("dropping candle")
		return nil, err
	}

	s.last, s.have = c, true
	s.recent = append(s.recent, c)
	if len(s.recent) > MaxPatternCandles {
		s.recent = s.recent[1:]
	}

	var out []Signal
	if x, ok := s.cross.Update(c); ok {
		out = append(out, e.newSignal(c, x.Name, x.Direction, x.Confidence, []time.Time{c.OpenTime}))
	}

	if e.cfg.Patterns {
		if p, ok := DetectPattern(s.recent); ok && p.Direction != Flat && p.Confidence >= e.cfg.MinPatternConfidence {
			used := s.recent[len(s.recent)-p.Candles:]
			times := make([]time.Time, len(used))
			for i, u := range used {
				times[i] = u.OpenTime
			}
			out = append(out, e.newSignal(c, "pattern:"+p.Name, p.Direction, p.Confidence, times))
		}
	}

	for _, sig := range out {
		metrics.SignalsTotal.WithLabelValues(sig.Strategy).Inc()
		e.log.Debug().
			Str("symbol", sig.Symbol).
			Str("strategy", sig.Strategy).
			Str("direction", string(sig.Direction)).
			Float64("confidence", sig.Confidence).
			Msg("signal")
	}
	return out, nil
}

func (e *Engine) stream(c market.Candle) *stream {
	k := c.Key()
	s, ok := e.streams[k]
	if !ok {
		// Config was validated in NewEngine.
		x, _ := NewCrossover(e.cfg.Crossover)
		s = &stream{cross: x}
		e.streams[k] = s
	}
	return s
}

func (e *Engine) reset(s *stream) {
	s.cross.Reset()
	s.recent = s.recent[:0]
	s.have = false
}

func (e *Engine) newSignal(c market.Candle, strategy string, dir Direction, conf float64, times []time.Time) Signal {
	return Signal{
		ID:          id.Derive(c.OpenTime, e.accountID, c.Venue, c.Symbol, string(c.Timeframe), strategy),
		AccountID:   e.accountID,
		Venue:       c.Venue,
		Symbol:      c.Symbol,
		Timeframe:   string(c.Timeframe),
		Strategy:    strategy,
		Direction:   dir,
		Confidence:  conf,
		GeneratedAt: c.CloseTime(),
		CandleTimes: times,
	}
}
