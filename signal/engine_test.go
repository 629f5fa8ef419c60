package signal

import (
	"bytes"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rustyeddy/paperbot/market"
	"github.com/rustyeddy/paperbot/market/synthetic"
)

var t0 = time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

func candleAt(i int, closeP, volume float64) market.Candle {
	return market.Candle{
		Venue:     "paper",
		Symbol:    "BTC-USD",
		Timeframe: market.H1,
		OpenTime:  t0.Add(time.Duration(i) * time.Hour),
		Open:      closeP,
		High:      closeP + 1,
		Low:       closeP - 1,
		Close:     closeP,
		Volume:    volume,
	}
}

// goldenCrossSeries is flat at 100 until candle 210, which jumps to 110 on
// 1.5x volume, after which price keeps climbing so the fast MA stays above
// the slow one.
func goldenCrossSeries(n, crossAt int, crossVolume float64) []market.Candle {
	out := make([]market.Candle, n)
	for i := 0; i < n; i++ {
		switch {
		case i < crossAt:
			out[i] = candleAt(i, 100, 1000)
		case i == crossAt:
			out[i] = candleAt(i, 110, crossVolume)
		default:
			out[i] = candleAt(i, 110+float64(i-crossAt)*0.5, 1000)
		}
	}
	return out
}

func newTestEngine(t *testing.T, cfg Config) *Engine {
	t.Helper()
	e, err := NewEngine("acct-1", cfg, zerolog.Nop())
	require.NoError(t, err)
	return e
}

func run(t *testing.T, e *Engine, candles []market.Candle) ([]Signal, map[int][]Signal) {
	t.Helper()
	var all []Signal
	byIndex := map[int][]Signal{}
	for i, c := range candles {
		sigs, err := e.OnCandle(c)
		require.NoError(t, err, "candle %d", i)
		if len(sigs) > 0 {
			byIndex[i] = sigs
		}
		all = append(all, sigs...)
	}
	return all, byIndex
}

func TestGoldenCrossAtCandle210(t *testing.T) {
	e := newTestEngine(t, Defaults())

	_, byIndex := run(t, e, goldenCrossSeries(300, 210, 1500))

	var longs []int
	for i, sigs := range byIndex {
		for _, s := range sigs {
			if s.Direction == Long {
				longs = append(longs, i)
			}
		}
	}
	require.Equal(t, []int{210}, longs)

	sig := byIndex[210][0]
	assert.Equal(t, GoldenCross, sig.Strategy)
	assert.Equal(t, "acct-1", sig.AccountID)
	assert.Equal(t, "BTC-USD", sig.Symbol)
	assert.Equal(t, t0.Add(211*time.Hour), sig.GeneratedAt)
	assert.Equal(t, []time.Time{t0.Add(210 * time.Hour)}, sig.CandleTimes)
	assert.Greater(t, sig.Confidence, 0.0)
	assert.LessOrEqual(t, sig.Confidence, 1.0)
}

func TestLowVolumeCrossIsSuppressed(t *testing.T) {
	e := newTestEngine(t, Defaults())

	all, _ := run(t, e, goldenCrossSeries(300, 210, 1100))
	for _, s := range all {
		assert.NotEqual(t, Long, s.Direction)
	}
}

func TestDeathCrossEmitsFlat(t *testing.T) {
	cfg := Defaults()
	cfg.Crossover.FastPeriod = 3
	cfg.Crossover.SlowPeriod = 6
	cfg.Crossover.VolumePeriod = 3
	e := newTestEngine(t, cfg)

	closes := []float64{100, 100, 100, 100, 100, 100, 100, 120, 121, 122, 123, 124, 125, 90, 85, 80}
	var flats []Signal
	for i, p := range closes {
		vol := 1000.0
		if i == 7 {
			vol = 5000
		}
		sigs, err := e.OnCandle(candleAt(i, p, vol))
		require.NoError(t, err)
		for _, s := range sigs {
			if s.Direction == Flat {
				flats = append(flats, s)
			}
		}
	}
	require.Len(t, flats, 1)
	assert.Equal(t, DeathCross, flats[0].Strategy)
}

func TestReplayIsDeterministic(t *testing.T) {
	cfg := Defaults()
	cfg.Crossover.FastPeriod = 5
	cfg.Crossover.SlowPeriod = 20
	cfg.Patterns = true
	cfg.MinPatternConfidence = 0.5

	feed := synthetic.New(synthetic.Config{Venue: "paper", Seed: 42, Batch: 2000, Volatility: 0.01})
	candles, err := feed.Poll(t.Context(), "ETH-USD", market.M15, time.Time{})
	require.NoError(t, err)

	first, _ := run(t, newTestEngine(t, cfg), candles)
	second, _ := run(t, newTestEngine(t, cfg), candles)

	require.NotEmpty(t, first)
	assert.Equal(t, first, second)
}

func TestGapResetsAndSkipsEmission(t *testing.T) {
	var buf bytes.Buffer
	e, err := NewEngine("acct-1", Defaults(), zerolog.New(&buf))
	require.NoError(t, err)

	candles := goldenCrossSeries(300, 210, 1500)
	for i := 0; i < 200; i++ {
		_, err := e.OnCandle(candles[i])
		require.NoError(t, err)
	}

	// Skip candle 200.
	sigs, err := e.OnCandle(candles[201])
	assert.ErrorIs(t, err, market.ErrDataIntegrity)
	assert.Empty(t, sigs)
	assert.Contains(t, buf.String(), "candle gap")

	// The stream warmed up from scratch at 201; the slow MA (50) is ready
	// again at 250, so the jump at 210 cannot fire.
	for i := 202; i < 300; i++ {
		sigs, err := e.OnCandle(candles[i])
		require.NoError(t, err)
		for _, s := range sigs {
			assert.NotEqual(t, Long, s.Direction, "candle %d", i)
		}
	}
}

func TestDuplicateAndOutOfOrderDropped(t *testing.T) {
	e := newTestEngine(t, Defaults())
	candles := goldenCrossSeries(300, 210, 1500)

	for i := 0; i < 210; i++ {
		_, err := e.OnCandle(candles[i])
		require.NoError(t, err)
	}

	_, err := e.OnCandle(candles[209])
	assert.ErrorIs(t, err, market.ErrDataIntegrity)
	_, err = e.OnCandle(candles[100])
	assert.ErrorIs(t, err, market.ErrDataIntegrity)

	// State was untouched, so the cross still fires on 210.
	sigs, err := e.OnCandle(candles[210])
	require.NoError(t, err)
	require.Len(t, sigs, 1)
	assert.Equal(t, GoldenCross, sigs[0].Strategy)
}

func TestStreamsAreIndependent(t *testing.T) {
	e := newTestEngine(t, Defaults())

	btc := goldenCrossSeries(300, 210, 1500)
	var ethLongs int
	for i := range btc {
		eth := btc[i]
		eth.Symbol = "ETH-USD"
		eth.Close, eth.Open, eth.High, eth.Low = 50, 50, 51, 49

		_, err := e.OnCandle(btc[i])
		require.NoError(t, err)
		sigs, err := e.OnCandle(eth)
		require.NoError(t, err)
		ethLongs += len(sigs)
	}
	assert.Zero(t, ethLongs)
}

func TestNewEngineRejectsBadConfig(t *testing.T) {
	cfg := Defaults()
	cfg.Crossover.SlowPeriod = cfg.Crossover.FastPeriod
	_, err := NewEngine("a", cfg, zerolog.Nop())
	assert.Error(t, err)
}
