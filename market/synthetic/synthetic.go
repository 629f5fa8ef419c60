// Package synthetic generates reproducible random-walk candles for paper
// venues that have no recorded history.
package synthetic

import (
	"context"
	"hash/fnv"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/rustyeddy/paperbot/market"
)

// Config shapes the generated walk.
type Config struct {
	Venue string
	Seed  int64
	Start time.Time

	// StartPrice for every symbol unless overridden in Prices.
	StartPrice float64
	Prices     map[string]float64

	// Volatility is the per-candle standard deviation of log returns.
	Volatility float64
	// BaseVolume is the mean candle volume.
	BaseVolume float64

	// Batch caps how many candles a single Poll returns.
	Batch int

	// Now bounds generation to candles that have closed. Nil generates
	// Batch candles per poll without regard to wall time.
	Now func() time.Time
}

type stream struct {
	rng     *rand.Rand
	candles []market.Candle
}

// Feed is safe for concurrent use.
type Feed struct {
	cfg Config

	mu      sync.Mutex
	streams map[string]*stream
}

func New(cfg Config) *Feed {
	if cfg.StartPrice <= 0 {
		cfg.StartPrice = 100
	}
	if cfg.Volatility <= 0 {
		cfg.Volatility = 0.002
	}
	if cfg.BaseVolume <= 0 {
		cfg.BaseVolume = 1000
	}
	if cfg.Batch <= 0 {
		cfg.Batch = 500
	}
	if cfg.Start.IsZero() {
		cfg.Start = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	}
	return &Feed{cfg: cfg, streams: make(map[string]*stream)}
}

func (f *Feed) Poll(ctx context.Context, symbol string, tf market.Timeframe, after time.Time) ([]market.Candle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	step := tf.Duration()
	if step <= 0 {
		return nil, nil
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	s := f.stream(symbol, tf)

	first := 0
	if !after.Before(f.cfg.Start) {
		first = int(after.Sub(f.cfg.Start)/step) + 1
	}
	last := first + f.cfg.Batch
	if f.cfg.Now != nil {
		closed := int(f.cfg.Now().Sub(f.cfg.Start) / step)
		if closed < last {
			last = closed
		}
	}
	if last <= first {
		return nil, nil
	}
	f.extend(s, symbol, tf, last)

	out := make([]market.Candle, last-first)
	copy(out, s.candles[first:last])
	return out, nil
}

func (f *Feed) stream(symbol string, tf market.Timeframe) *stream {
	key := symbol + "|" + string(tf)
	s, ok := f.streams[key]
	if !ok {
		h := fnv.New64a()
		_, _ = h.Write([]byte(key))
		s = &stream{rng: rand.New(rand.NewSource(f.cfg.Seed ^ int64(h.Sum64())))}
		f.streams[key] = s
	}
	return s
}

// extend grows the stream to n candles. Candles are produced strictly in
// order from one rng, so any prefix is identical across runs with the same
// seed.
func (f *Feed) extend(s *stream, symbol string, tf market.Timeframe, n int) {
	step := tf.Duration()
	price := f.cfg.StartPrice
	if p, ok := f.cfg.Prices[symbol]; ok && p > 0 {
		price = p
	}
	if len(s.candles) > 0 {
		price = s.candles[len(s.candles)-1].Close
	}

	for len(s.candles) < n {
		i := len(s.candles)
		open := price
		ret := s.rng.NormFloat64() * f.cfg.Volatility
		closeP := open * math.Exp(ret)
		hi := max(open, closeP) * (1 + math.Abs(s.rng.NormFloat64())*f.cfg.Volatility/2)
		lo := min(open, closeP) * (1 - math.Abs(s.rng.NormFloat64())*f.cfg.Volatility/2)
		vol := f.cfg.BaseVolume * (0.5 + s.rng.Float64())

		s.candles = append(s.candles, market.Candle{
			Venue:     f.cfg.Venue,
			Symbol:    symbol,
			Timeframe: tf,
			OpenTime:  f.cfg.Start.Add(time.Duration(i) * step),
			Open:      open,
			High:      hi,
			Low:       lo,
			Close:     closeP,
			Volume:    vol,
		})
		price = closeP
	}
}
